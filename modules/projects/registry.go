// Package projects loads and serves per-project anonymisation and export
// policy. Configs are compiled once and swapped atomically on reload, so a
// broken edit never takes down a running pipeline.
package projects

import (
	"context"
	"flag"
	"path/filepath"
	"sort"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/uclh-foundry/pixl/pkg/util"
)

var (
	// ErrConfigInvalid marks configuration that must not reach the pipeline.
	// Fatal at startup; on reload the previous configs stay live.
	ErrConfigInvalid = errors.New("invalid project configuration")

	// ErrUnknownProject marks messages naming a project with no config.
	ErrUnknownProject = errors.New("unknown project")
)

var (
	metricProjectsLoaded = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pixl",
		Name:      "project_configs_loaded",
		Help:      "Project configurations currently being served.",
	})
	metricConfigReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pixl",
		Name:      "project_config_reloads_total",
		Help:      "Project configuration reload attempts by outcome.",
	}, []string{"status"})
)

type Config struct {
	Dir string `yaml:"dir"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Dir, util.PrefixConfig(prefix, "dir"), "", "Directory of per-project configuration files.")
}

// Registry indexes compiled project configs by slug.
type Registry struct {
	services.Service

	cfg    Config
	logger log.Logger

	mtx     sync.RWMutex
	configs map[string]*ProjectConfig
}

func New(cfg Config, logger log.Logger) (*Registry, error) {
	if cfg.Dir == "" {
		return nil, errors.Wrap(ErrConfigInvalid, "project config directory is required")
	}
	r := &Registry{
		cfg:     cfg,
		logger:  logger,
		configs: map[string]*ProjectConfig{},
	}
	r.Service = services.NewIdleService(r.starting, nil)
	return r, nil
}

func (r *Registry) starting(context.Context) error {
	return r.Reload()
}

// Reload re-reads the config directory. On failure the registry keeps
// serving the previous set, so SIGHUP with a broken file is harmless.
func (r *Registry) Reload() error {
	paths, err := filepath.Glob(filepath.Join(r.cfg.Dir, "*.yaml"))
	if err != nil {
		metricConfigReloads.WithLabelValues("error").Inc()
		return errors.Wrap(ErrConfigInvalid, err.Error())
	}
	more, err := filepath.Glob(filepath.Join(r.cfg.Dir, "*.yml"))
	if err != nil {
		metricConfigReloads.WithLabelValues("error").Inc()
		return errors.Wrap(ErrConfigInvalid, err.Error())
	}
	paths = append(paths, more...)
	sort.Strings(paths)

	if len(paths) == 0 {
		metricConfigReloads.WithLabelValues("error").Inc()
		return errors.Wrapf(ErrConfigInvalid, "no project files in %s", r.cfg.Dir)
	}

	fresh := make(map[string]*ProjectConfig, len(paths))
	for _, path := range paths {
		cfg, err := loadProjectFile(r.cfg.Dir, path)
		if err != nil {
			metricConfigReloads.WithLabelValues("error").Inc()
			return errors.Wrapf(ErrConfigInvalid, "%s", err)
		}
		if _, dup := fresh[cfg.Slug]; dup {
			metricConfigReloads.WithLabelValues("error").Inc()
			return errors.Wrapf(ErrConfigInvalid, "duplicate project slug %q", cfg.Slug)
		}
		fresh[cfg.Slug] = cfg
	}

	r.mtx.Lock()
	r.configs = fresh
	r.mtx.Unlock()

	metricProjectsLoaded.Set(float64(len(fresh)))
	metricConfigReloads.WithLabelValues("ok").Inc()
	level.Info(r.logger).Log("msg", "project configs loaded", "dir", r.cfg.Dir, "projects", len(fresh))
	return nil
}

// Get returns the compiled config for a slug.
func (r *Registry) Get(slug string) (*ProjectConfig, error) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	cfg, ok := r.configs[slug]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownProject, "%q", slug)
	}
	return cfg, nil
}

// Slugs lists loaded projects in stable order.
func (r *Registry) Slugs() []string {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	out := make([]string, 0, len(r.configs))
	for slug := range r.configs {
		out = append(out, slug)
	}
	sort.Strings(out)
	return out
}
