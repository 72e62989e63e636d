// Package secrets resolves per-project credentials and salts from Azure
// Key Vault, with a directory-backed implementation for development.
package secrets

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"flag"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/uclh-foundry/pixl/pkg/util"
)

var (
	// ErrSecretUnavailable wraps transient resolver failures. The vault may
	// be reachable again on the next attempt.
	ErrSecretUnavailable = errors.New("secret unavailable")

	// ErrNotFound means the vault answered and the secret does not exist.
	// Only a definitive miss may trigger salt creation: regenerating a salt
	// over a transient outage would unlink every identifier already
	// exported under the old one.
	ErrNotFound = errors.New("secret not found")
)

var metricSecretRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pixl",
	Name:      "secret_requests_total",
	Help:      "Secret resolver requests by outcome.",
}, []string{"backend", "outcome"})

const (
	BackendAzure = "azure"
	BackendLocal = "local"
)

type Config struct {
	Backend   string        `yaml:"backend"`
	VaultName string        `yaml:"vault_name"`
	LocalDir  string        `yaml:"local_dir"`
	Timeout   time.Duration `yaml:"timeout"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`

	// SaltOverride short-circuits every project salt lookup. Only used by
	// tests and reproducibility runs, populated from SALT_VALUE.
	SaltOverride string `yaml:"salt_override"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Backend, util.PrefixConfig(prefix, "backend"), BackendAzure, "Secret backend: azure or local.")
	f.StringVar(&cfg.VaultName, util.PrefixConfig(prefix, "vault-name"), "", "Azure Key Vault name.")
	f.StringVar(&cfg.LocalDir, util.PrefixConfig(prefix, "local-dir"), "", "Directory of secret files for the local backend.")
	cfg.Timeout = 10 * time.Second
	cfg.CacheTTL = 5 * time.Minute
}

// Resolver fetches and creates named secrets.
type Resolver interface {
	Secret(ctx context.Context, name string) (string, error)
	StoreSecret(ctx context.Context, name, value string) error
}

// Service owns the configured resolver for the process lifetime.
type Service struct {
	services.Service

	cfg      Config
	resolver Resolver
	logger   log.Logger
}

func New(cfg Config, logger log.Logger) (*Service, error) {
	var (
		resolver Resolver
		err      error
	)
	switch cfg.Backend {
	case BackendAzure:
		resolver, err = newKeyVault(cfg)
	case BackendLocal:
		resolver, err = newLocalDir(cfg.LocalDir)
	default:
		err = errors.Errorf("unknown secret backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	if cfg.CacheTTL > 0 {
		resolver = newCache(resolver, cfg.CacheTTL)
	}

	s := &Service{
		cfg:      cfg,
		resolver: resolver,
		logger:   logger,
	}
	s.Service = services.NewIdleService(s.starting, nil)
	return s, nil
}

func (s *Service) starting(context.Context) error {
	level.Info(s.logger).Log("msg", "secret resolver ready", "backend", s.cfg.Backend)
	return nil
}

// Resolver exposes the raw resolver for components that manage their own
// secret names.
func (s *Service) Resolver() Resolver { return s.resolver }

// ForProject scopes the resolver to one project's key vault alias.
func (s *Service) ForProject(alias string) *ProjectSecrets {
	return &ProjectSecrets{
		resolver:     s.resolver,
		alias:        alias,
		saltOverride: s.cfg.SaltOverride,
	}
}

// ProjectSecrets names secrets the way the vault is laid out:
// "<alias>--<service>--<item>", e.g. "p1--ftp--password". The project salt
// lives at "<alias>--salt".
type ProjectSecrets struct {
	resolver     Resolver
	alias        string
	saltOverride string
}

func (p *ProjectSecrets) Name(service, item string) string {
	return p.alias + "--" + service + "--" + item
}

// Value fetches one credential item for a service.
func (p *ProjectSecrets) Value(ctx context.Context, service, item string) (string, error) {
	return p.resolver.Secret(ctx, p.Name(service, item))
}

// Salt returns the project's hashing salt, creating and storing one on
// first use. The salt is 64 characters, the longest key BLAKE2b accepts.
func (p *ProjectSecrets) Salt(ctx context.Context) ([]byte, error) {
	if p.saltOverride != "" {
		return []byte(p.saltOverride), nil
	}

	name := p.alias + "--salt"
	value, err := p.resolver.Secret(ctx, name)
	if err == nil {
		return []byte(value), nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	value, err = newSaltValue()
	if err != nil {
		return nil, err
	}
	if err := p.resolver.StoreSecret(ctx, name, value); err != nil {
		return nil, err
	}
	return []byte(value), nil
}

func newSaltValue() (string, error) {
	// 48 random bytes encode to exactly 64 url-safe characters.
	buf := make([]byte, 48)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "generating salt")
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
