package main

import (
	"os"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

type checkEnvCmd struct {
	SampleEnvFile string `type:"existingfile" default:".env.sample" help:"Sample env file listing the variables a deployment must set."`
	EnvFile       string `type:"path" default:".env" help:"Env file consulted in addition to the process environment."`
	Error         bool   `help:"Exit with an error if any variable is missing."`
}

func (cmd *checkEnvCmd) Run(opts *globalOptions) error {
	_, required, err := parseEnvFile(cmd.SampleEnvFile)
	if err != nil {
		return err
	}

	declared := map[string]string{}
	if _, statErr := os.Stat(cmd.EnvFile); statErr == nil {
		declared, _, err = parseEnvFile(cmd.EnvFile)
		if err != nil {
			return err
		}
	}

	missing := 0
	for _, key := range required {
		if _, ok := os.LookupEnv(key); ok {
			continue
		}
		if _, ok := declared[key]; ok {
			continue
		}
		level.Warn(opts.logger).Log("msg", "environment variable is not set", "name", key)
		missing++
	}
	if missing == 0 {
		level.Info(opts.logger).Log("msg", "environment complete", "variables", len(required))
		return nil
	}
	if cmd.Error {
		return configurationError{errors.Errorf("%d of %d environment variables are not set", missing, len(required))}
	}
	return nil
}
