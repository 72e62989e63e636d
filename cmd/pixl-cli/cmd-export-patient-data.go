package main

import (
	"context"
	"path/filepath"
	"time"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

type exportPatientDataCmd struct {
	ExtractDir string `arg:"" type:"existingdir" help:"OMOP extract directory holding extract_summary.json and public/."`

	Timeout time.Duration `default:"300s" help:"How long to wait for the export to finish."`
}

func (cmd *exportPatientDataCmd) Run(opts *globalOptions) error {
	// The daemon reads the extract itself, so the path must be absolute
	// from its point of view, not relative to this shell.
	dir, err := filepath.Abs(cmd.ExtractDir)
	if err != nil {
		return errors.Wrap(err, "resolving extract dir")
	}

	client := newAdminClient(opts.settings)
	resp, err := client.exportPatientData(context.Background(), dir, cmd.Timeout)
	if err != nil {
		return err
	}
	level.Info(opts.logger).Log("msg", "patient data exported",
		"project", resp.Project,
		"extract_datetime", resp.ExtractDatetime.Format(time.RFC3339),
		"destination", resp.Destination,
		"location", resp.Location,
		"linker_rows", resp.LinkerRows)
	return nil
}
