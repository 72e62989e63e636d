package main

import (
	"github.com/pkg/errors"

	"github.com/uclh-foundry/pixl/pkg/api"
)

type startCmd struct {
	Rate   float64 `default:"-1" help:"Consumption rate in studies per second. Defaults to the configured default rate."`
	Burst  int     `default:"0" help:"Bucket capacity. 0 keeps the current burst."`
	Source string  `default:"" help:"Restrict the change to one source, e.g. primary or secondary. Default is every source."`
}

func (cmd *startCmd) Run(opts *globalOptions) error {
	rate := cmd.Rate
	if rate < 0 {
		rate = opts.settings.DefaultRate
	}
	if rate == 0 {
		return configurationError{errors.New("cannot start consumption at rate 0, use stop to pause")}
	}
	return applyRate(opts, api.RateUpdate{Source: cmd.Source, Rate: rate, Burst: cmd.Burst})
}
