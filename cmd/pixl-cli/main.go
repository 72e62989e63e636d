package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// globalOptions is passed to every subcommand's Run. The settings and
// logger fields are resolved in main before any command executes.
type globalOptions struct {
	ConfigFile string `type:"path" short:"c" help:"Path to pixl_config.yml. Defaults to ./pixl_config.yml, then $HOME/.config/pixl/pixl_config.yml."`
	Debug      bool   `help:"Enable debug logging."`

	settings *Settings  `kong:"-"`
	logger   log.Logger `kong:"-"`
}

var cli struct {
	globalOptions

	Populate          populateCmd          `cmd:"" help:"Queue the studies of an OMOP extract or CSV file for processing."`
	Start             startCmd             `cmd:"" help:"Start or resume queue consumption at a given rate."`
	Stop              stopCmd              `cmd:"" help:"Pause queue consumption, optionally purging queued messages."`
	Update            updateCmd            `cmd:"" help:"Retune the consumption rate of a running pipeline."`
	ExportPatientData exportPatientDataCmd `cmd:"" name:"export-patient-data" help:"Ship the tabular part of an OMOP extract together with the image linker."`
	QueueStatus       queueStatusCmd       `cmd:"" name:"queue-status" help:"Show queue depths, consumption rates and per-project ledger counts."`
	CheckEnv          checkEnvCmd          `cmd:"" name:"check-env" help:"Compare the environment against a sample env file."`
}

// configurationError marks failures an operator fixes by editing config,
// flags or environment rather than by retrying. main exits 1 for these
// and 2 for everything else.
type configurationError struct {
	err error
}

func (e configurationError) Error() string { return e.err.Error() }
func (e configurationError) Unwrap() error { return e.err }

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("pixl-cli"),
		kong.Description("Operator control for the PIXL imaging pipeline."),
		kong.UsageOnError(),
	)

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	if cli.Debug {
		logger = level.NewFilter(logger, level.AllowDebug())
	} else {
		logger = level.NewFilter(logger, level.AllowInfo())
	}
	cli.logger = log.With(logger, "ts", log.DefaultTimestampUTC)

	settings, err := loadSettings(cli.ConfigFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pixl-cli: %v\n", err)
		os.Exit(1)
	}
	cli.settings = settings

	if err := ctx.Run(&cli.globalOptions); err != nil {
		fmt.Fprintf(os.Stderr, "pixl-cli: %v\n", err)
		var confErr configurationError
		if errors.As(err, &confErr) {
			os.Exit(1)
		}
		os.Exit(2)
	}
}
