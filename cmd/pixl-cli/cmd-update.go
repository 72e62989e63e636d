package main

import (
	"github.com/pkg/errors"

	"github.com/uclh-foundry/pixl/pkg/api"
)

type updateCmd struct {
	Rate   float64 `required:"" help:"Consumption rate in studies per second. 0 pauses consumption."`
	Burst  int     `default:"0" help:"Bucket capacity. 0 keeps the current burst."`
	Source string  `default:"" help:"Restrict the change to one source, e.g. primary or secondary. Default is every source."`
}

func (cmd *updateCmd) Run(opts *globalOptions) error {
	if cmd.Rate < 0 {
		return configurationError{errors.New("rate must not be negative")}
	}
	return applyRate(opts, api.RateUpdate{Source: cmd.Source, Rate: cmd.Rate, Burst: cmd.Burst})
}
