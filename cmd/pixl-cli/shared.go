package main

import (
	"bufio"
	"context"
	"os"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/uclh-foundry/pixl/modules/ledger"
	"github.com/uclh-foundry/pixl/modules/queue"
	"github.com/uclh-foundry/pixl/pkg/api"
)

// applyRate pushes a token-bucket change to the daemon and reports the
// resulting state of every bucket.
func applyRate(opts *globalOptions, upd api.RateUpdate) error {
	client := newAdminClient(opts.settings)
	rates, err := client.setRate(context.Background(), upd)
	if err != nil {
		return err
	}
	for _, r := range rates {
		level.Info(opts.logger).Log("msg", "token bucket set", "source", r.Source, "rate", r.Rate, "burst", r.Burst)
	}
	return nil
}

// waitForImagingToDrain polls both imaging queues until the broker reports
// no messages. Work the daemon handed to the secondary queue counts as
// outstanding.
func waitForImagingToDrain(ctx context.Context, qc *queue.Client, logger log.Logger, poll time.Duration) error {
	for {
		total := 0
		for _, name := range []string{queue.Primary, queue.Secondary} {
			stats, err := qc.Depth(name)
			if err != nil {
				return err
			}
			total += stats.Messages
		}
		if total == 0 {
			return nil
		}
		level.Debug(logger).Log("msg", "queues not empty", "messages", total, "next_check", poll)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poll):
		}
	}
}

// exportedCount reads how many studies of a project the ledger has marked
// exported.
func exportedCount(ctx context.Context, client *adminClient, slug string) (int, error) {
	status, err := client.statusQueues(ctx)
	if err != nil {
		return 0, err
	}
	for _, c := range status.Ledger {
		if c.Project == slug && c.State == string(ledger.StateExported) {
			return c.Count, nil
		}
	}
	return 0, nil
}

// parseEnvFile reads KEY=VALUE lines, ignoring blanks, comments and an
// optional leading "export". Keys are returned in file order alongside the
// map; values keep everything after the first '=' with surrounding quotes
// removed.
func parseEnvFile(path string) (map[string]string, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrap(err, "opening env file")
	}
	defer f.Close()

	entries := make(map[string]string)
	var order []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if _, seen := entries[key]; !seen {
			order = append(order, key)
		}
		entries[key] = strings.Trim(strings.TrimSpace(value), `"'`)
	}
	if err := sc.Err(); err != nil {
		return nil, nil, errors.Wrap(err, "reading env file")
	}
	return entries, order, nil
}
