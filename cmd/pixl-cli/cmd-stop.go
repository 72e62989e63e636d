package main

import (
	"context"

	"github.com/uclh-foundry/pixl/modules/queue"
	"github.com/uclh-foundry/pixl/pkg/api"
)

type stopCmd struct {
	Purge  bool   `help:"Drop all queued messages after pausing. In-flight messages still finish."`
	Source string `default:"" help:"Restrict the pause to one source, e.g. primary or secondary. Default is every source."`
}

func (cmd *stopCmd) Run(opts *globalOptions) error {
	if err := applyRate(opts, api.RateUpdate{Source: cmd.Source, Rate: 0}); err != nil {
		return err
	}
	if !cmd.Purge {
		return nil
	}

	qc := queue.NewClient(opts.settings.Queue, opts.logger)
	if err := qc.Connect(context.Background()); err != nil {
		return err
	}
	defer qc.Close()

	for _, name := range cmd.queuesToPurge() {
		if _, err := qc.Purge(name); err != nil {
			return err
		}
	}
	return nil
}

// queuesToPurge maps the source filter onto its queue. Without a filter
// both imaging queues are purged; the dead-letter queue is never touched.
func (cmd *stopCmd) queuesToPurge() []string {
	switch cmd.Source {
	case "primary":
		return []string{queue.Primary}
	case "secondary":
		return []string{queue.Secondary}
	default:
		return []string{queue.Primary, queue.Secondary}
	}
}
