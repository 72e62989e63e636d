package main

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/uclh-foundry/pixl/modules/queue"
)

// Settings are the CLI's connection details: where the daemon's admin API
// listens and how to reach the broker for direct publish, inspect and
// purge. They come from pixl_config.yml with environment overrides, so the
// CLI works inside the deployment's compose network and from an operator
// shell alike.
type Settings struct {
	APIURL      string
	APITimeout  time.Duration
	DefaultRate float64
	Queue       queue.Config
}

func loadSettings(path string) (*Settings, error) {
	v := viper.New()
	v.SetConfigName("pixl_config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", "pixl"))
	}
	if path != "" {
		v.SetConfigFile(path)
	}

	v.SetDefault("api.url", "http://localhost:8000")
	v.SetDefault("api.timeout", "10s")
	v.SetDefault("api.default_rate", 0.5)
	v.SetDefault("rabbitmq.host", "localhost")
	v.SetDefault("rabbitmq.port", 5672)
	v.SetDefault("rabbitmq.username", "guest")
	v.SetDefault("rabbitmq.password", "guest")

	for key, env := range map[string]string{
		"api.url":           "PIXL_API_URL",
		"rabbitmq.host":     "RABBITMQ_HOST",
		"rabbitmq.port":     "RABBITMQ_PORT",
		"rabbitmq.username": "RABBITMQ_USERNAME",
		"rabbitmq.password": "RABBITMQ_PASSWORD",
	} {
		if err := v.BindEnv(key, env); err != nil {
			return nil, errors.Wrapf(err, "binding %s", env)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine, defaults plus environment cover local
		// use. An explicit -c path or a malformed file is not.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "reading CLI config")
		}
	}

	// Reuse the daemon's queue config type so reconnect defaults stay in
	// one place.
	var qcfg queue.Config
	qcfg.RegisterFlagsAndApplyDefaults("", flag.NewFlagSet("", flag.PanicOnError))
	qcfg.Host = v.GetString("rabbitmq.host")
	qcfg.Port = v.GetInt("rabbitmq.port")
	qcfg.Username = v.GetString("rabbitmq.username")
	qcfg.Password = v.GetString("rabbitmq.password")

	return &Settings{
		APIURL:      strings.TrimRight(v.GetString("api.url"), "/"),
		APITimeout:  v.GetDuration("api.timeout"),
		DefaultRate: v.GetFloat64("api.default_rate"),
		Queue:       qcfg,
	}, nil
}
