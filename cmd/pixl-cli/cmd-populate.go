package main

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/uclh-foundry/pixl/modules/queue"
	"github.com/uclh-foundry/pixl/pkg/api"
	"github.com/uclh-foundry/pixl/pkg/message"
	"github.com/uclh-foundry/pixl/pkg/util"
)

type populateCmd struct {
	Path string `arg:"" type:"path" help:"OMOP extract directory (private/, public/, extract_summary.json) or a CSV file."`

	Queue      string  `enum:"imaging-primary,imaging-secondary" default:"imaging-primary" help:"Queue to publish to."`
	Start      bool    `default:"true" negatable:"" help:"Set the consumption rate before publishing."`
	Rate       float64 `default:"-1" help:"Consumption rate in studies per second. Defaults to the configured default rate."`
	Priority   uint8   `default:"1" help:"Message priority, 1 (lowest) to 5 (most urgent)."`
	NumRetries int     `name:"num-retries" default:"5" help:"Re-publish passes after the queues drain, stopping once the exported count stops moving."`

	pollInterval time.Duration `kong:"-"`
	retryWait    time.Duration `kong:"-"`
}

func (cmd *populateCmd) Run(opts *globalOptions) error {
	ctx := context.Background()

	if cmd.Priority < message.MinPriority || cmd.Priority > message.MaxPriority {
		return configurationError{errors.Errorf("priority %d outside [%d,%d]", cmd.Priority, message.MinPriority, message.MaxPriority)}
	}

	msgs, slug, err := cmd.readMessages()
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return errors.Errorf("no extract requests found in %s", cmd.Path)
	}
	// Oldest studies first so a long extract drains in chronological order.
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].StudyDate.Before(msgs[j].StudyDate) })

	client := newAdminClient(opts.settings)
	if cmd.Start {
		rate := cmd.Rate
		if rate < 0 {
			rate = opts.settings.DefaultRate
		}
		if rate == 0 {
			return configurationError{errors.New("cannot start consumption at rate 0, use stop to pause")}
		}
		if _, err := client.setRate(ctx, api.RateUpdate{Rate: rate}); err != nil {
			return err
		}
		level.Info(opts.logger).Log("msg", "consumption rate set", "rate", rate)
	}

	qc := queue.NewClient(opts.settings.Queue, opts.logger)
	if err := qc.Connect(ctx); err != nil {
		return err
	}
	defer qc.Close()

	if err := cmd.publish(ctx, qc, msgs, opts); err != nil {
		return err
	}
	if cmd.NumRetries == 0 {
		return nil
	}
	return cmd.retryUntilSettled(ctx, opts, client, qc, msgs, slug)
}

func (cmd *populateCmd) readMessages() ([]message.ExtractRequest, string, error) {
	if strings.EqualFold(filepath.Ext(cmd.Path), ".csv") {
		msgs, err := message.FromCSVFile(cmd.Path, time.Now().UTC(), cmd.Priority)
		if err != nil {
			return nil, "", err
		}
		slug := ""
		if len(msgs) > 0 {
			slug = util.Slugify(msgs[0].ProjectName)
		}
		return msgs, slug, nil
	}
	msgs, summary, err := message.FromParquetDir(cmd.Path, cmd.Priority)
	if err != nil {
		return nil, "", err
	}
	return msgs, summary.Slug, nil
}

func (cmd *populateCmd) publish(ctx context.Context, qc *queue.Client, msgs []message.ExtractRequest, opts *globalOptions) error {
	for i := range msgs {
		if err := qc.Publish(ctx, cmd.Queue, msgs[i]); err != nil {
			return errors.Wrapf(err, "publishing message %d of %d", i+1, len(msgs))
		}
	}
	level.Info(opts.logger).Log("msg", "queue populated", "queue", cmd.Queue, "messages", len(msgs))
	return nil
}

// retryUntilSettled re-publishes the extract until a full pass adds no new
// exports. Studies already exported are acked as duplicates by the
// pipeline, so each pass only reworks what previously failed.
func (cmd *populateCmd) retryUntilSettled(ctx context.Context, opts *globalOptions, client *adminClient, qc *queue.Client, msgs []message.ExtractRequest, slug string) error {
	poll, wait := cmd.pollInterval, cmd.retryWait
	if poll <= 0 {
		poll = time.Minute
	}
	if wait <= 0 {
		wait = 5 * time.Minute
	}
	level.Info(opts.logger).Log("msg", "re-publishing until the exported count settles", "max_passes", cmd.NumRetries)

	lastExported := 0
	for attempt := 1; attempt <= cmd.NumRetries; attempt++ {
		if err := waitForImagingToDrain(ctx, qc, opts.logger, poll); err != nil {
			return err
		}
		level.Debug(opts.logger).Log("msg", "queues drained, waiting before recount", "wait", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		exported, err := exportedCount(ctx, client, slug)
		if err != nil {
			return err
		}
		if exported == lastExported {
			level.Info(opts.logger).Log("msg", "exported count unchanged, done",
				"project", slug, "messages", len(msgs), "exported", exported)
			return nil
		}
		level.Info(opts.logger).Log("msg", "new exports since last pass, re-publishing",
			"project", slug, "new", exported-lastExported, "pass", attempt, "max_passes", cmd.NumRetries)
		lastExported = exported
		if err := cmd.publish(ctx, qc, msgs, opts); err != nil {
			return err
		}
	}
	return nil
}
