package app

import (
	"flag"
	"strconv"
	"time"

	"github.com/grafana/dskit/flagext"
	"github.com/grafana/dskit/server"
	"github.com/pkg/errors"

	"github.com/uclh-foundry/pixl/modules/exporter"
	"github.com/uclh-foundry/pixl/modules/ledger"
	"github.com/uclh-foundry/pixl/modules/projects"
	"github.com/uclh-foundry/pixl/modules/queue"
	"github.com/uclh-foundry/pixl/modules/rawcache"
	"github.com/uclh-foundry/pixl/modules/scheduler"
	"github.com/uclh-foundry/pixl/modules/secrets"
	"github.com/uclh-foundry/pixl/modules/source"
	"github.com/uclh-foundry/pixl/pkg/dicomstore"
	"github.com/uclh-foundry/pixl/pkg/util"
)

const metricsNamespace = "pixl"

// Config is the root config for App.
type Config struct {
	Target string `yaml:"target,omitempty"`

	Server    server.Config     `yaml:"server,omitempty"`
	Queue     queue.Config      `yaml:"queue,omitempty"`
	Projects  projects.Config   `yaml:"projects,omitempty"`
	Secrets   secrets.Config    `yaml:"secrets,omitempty"`
	Ledger    ledger.Config     `yaml:"ledger,omitempty"`
	RawStore  dicomstore.Config `yaml:"raw_store,omitempty"`
	AnonStore dicomstore.Config `yaml:"anon_store,omitempty"`
	Source    source.Config     `yaml:"source,omitempty"`
	RawCache  rawcache.Config   `yaml:"raw_cache,omitempty"`
	Exporter  exporter.Config   `yaml:"exporter,omitempty"`
	Scheduler scheduler.Config  `yaml:"scheduler,omitempty"`
}

// RegisterFlagsAndApplyDefaults registers flag.
func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	c.Target = All
	f.StringVar(&c.Target, "target", All, "target module")

	// Server settings
	flagext.DefaultValues(&c.Server)
	c.Server.LogLevel.RegisterFlags(f)
	f.IntVar(&c.Server.HTTPListenPort, "server.http-listen-port", 8000, "HTTP server listen port.")
	f.IntVar(&c.Server.GRPCListenPort, "server.grpc-listen-port", 9095, "gRPC server listen port.")

	c.RawStore.Name = "raw"
	c.AnonStore.Name = "anon"

	c.Queue.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "queue"), f)
	c.Projects.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "projects"), f)
	c.Secrets.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "secrets"), f)
	c.Ledger.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "ledger"), f)
	c.RawStore.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "raw-store"), f)
	c.AnonStore.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "anon-store"), f)
	c.Source.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "source"), f)
	c.RawCache.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "raw-cache"), f)
	c.Exporter.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "exporter"), f)
	c.Scheduler.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "scheduler"), f)
}

// NewDefaultConfig builds a config with every default applied, as if the
// daemon started with no flags and no file.
func NewDefaultConfig() *Config {
	c := &Config{}
	fs := flag.NewFlagSet("", flag.PanicOnError)
	c.RegisterFlagsAndApplyDefaults("", fs)
	return c
}

// ConfigWarning bundles a warning message with an explanation
type ConfigWarning struct {
	Message string
	Explain string
}

var (
	warnStableWindow = ConfigWarning{
		Message: "raw_cache.stable_timeout is shorter than source.transfer_timeout",
		Explain: "Studies may be reported unstable while their transfer is still running",
	}
	warnNoEviction = ConfigWarning{
		Message: "raw_cache.maximum_storage_size_mb is 0",
		Explain: "The raw cache grows without bound until the store's disk fills",
	}
	warnVaultName = ConfigWarning{
		Message: "secrets.backend is azure but secrets.vault_name is empty",
		Explain: "Secret resolution will fail at startup",
	}
	warnSaltOverride = ConfigWarning{
		Message: "secrets.salt_override is set",
		Explain: "Every project hashes identifiers under the same fixed salt. Never use outside tests",
	}
	warnTimeOffset = ConfigWarning{
		Message: "scheduler.study_time_offset_days is set",
		Explain: "Every study's dates shift by the same fixed delta. Never use outside tests",
	}
)

// CheckConfig checks if config values are suspect.
func (c *Config) CheckConfig() []ConfigWarning {
	var warnings []ConfigWarning

	if c.RawCache.StableTimeout < c.Source.TransferTimeout {
		warnings = append(warnings, warnStableWindow)
	}
	if c.RawCache.MaxStorageMB == 0 {
		warnings = append(warnings, warnNoEviction)
	}
	if c.Secrets.Backend == secrets.BackendAzure && c.Secrets.VaultName == "" {
		warnings = append(warnings, warnVaultName)
	}
	if c.Secrets.SaltOverride != "" {
		warnings = append(warnings, warnSaltOverride)
	}
	if c.Scheduler.StudyTimeOffsetDays != nil {
		warnings = append(warnings, warnTimeOffset)
	}

	return warnings
}

// ApplyEnvOverrides maps the deployment's environment variables onto the
// config. Runs after defaults and before the config file, so both the file
// and CLI flags still win over the environment. The lookup parameter is
// os.LookupEnv in the daemon and a map in tests.
func (c *Config) ApplyEnvOverrides(lookup func(string) (string, bool)) error {
	for _, v := range []struct {
		name  string
		apply func(string) error
	}{
		{"PIXL_MAX_MESSAGES_IN_FLIGHT", func(s string) error {
			if err := setInt(&c.Scheduler.MaxMessagesInFlight)(s); err != nil {
				return err
			}
			return setInt(&c.Queue.PrefetchCount)(s)
		}},
		{"PIXL_QUERY_TIMEOUT", setSeconds(&c.Source.QueryTimeout)},
		{"PIXL_DICOM_TRANSFER_TIMEOUT", setSeconds(&c.Source.TransferTimeout)},

		{"ORTHANC_RAW_MAXIMUM_STORAGE_SIZE", setInt64(&c.RawCache.MaxStorageMB)},
		{"ORTHANC_RAW_STABLE_SECONDS", func(s string) error {
			var window time.Duration
			if err := setSeconds(&window)(s); err != nil {
				return err
			}
			// Waiting less than the store's quiescence window cannot succeed.
			if c.RawCache.StableTimeout < 2*window {
				c.RawCache.StableTimeout = 2 * window
			}
			return nil
		}},
		{"ORTHANC_CONCURRENT_JOBS", func(s string) error {
			var jobs int
			if err := setInt(&jobs)(s); err != nil {
				return err
			}
			// Workers beyond the store's job slots can only queue there.
			if jobs > 0 && c.Scheduler.MaxMessagesInFlight > jobs {
				c.Scheduler.MaxMessagesInFlight = jobs
			}
			return nil
		}},

		{"SKIP_ALEMBIC", setBool(&c.Ledger.SkipMigrations)},
		{"STUDY_TIME_OFFSET", func(s string) error {
			days := new(int)
			if err := setInt(days)(s); err != nil {
				return err
			}
			c.Scheduler.StudyTimeOffsetDays = days
			return nil
		}},
		{"SALT_VALUE", setString(&c.Secrets.SaltOverride)},
		{"XNAT_OVERWRITE", setString(&c.Exporter.XNATOverwrite)},
		{"XNAT_DESTINATION", setString(&c.Exporter.XNATDestination)},

		{"RABBITMQ_HOST", setString(&c.Queue.Host)},
		{"RABBITMQ_PORT", setInt(&c.Queue.Port)},
		{"RABBITMQ_USERNAME", setString(&c.Queue.Username)},
		{"RABBITMQ_PASSWORD", setString(&c.Queue.Password)},

		{"PIXL_DB_HOST", setString(&c.Ledger.Host)},
		{"PIXL_DB_PORT", setInt(&c.Ledger.Port)},
		{"PIXL_DB_NAME", setString(&c.Ledger.Database)},
		{"PIXL_DB_USER", setString(&c.Ledger.User)},
		{"PIXL_DB_PASSWORD", setString(&c.Ledger.Password)},

		{"ORTHANC_RAW_URL", setString(&c.RawStore.Endpoint)},
		{"ORTHANC_RAW_USERNAME", setString(&c.RawStore.Username)},
		{"ORTHANC_RAW_PASSWORD", setString(&c.RawStore.Password)},
		{"ORTHANC_ANON_URL", setString(&c.AnonStore.Endpoint)},
		{"ORTHANC_ANON_USERNAME", setString(&c.AnonStore.Username)},
		{"ORTHANC_ANON_PASSWORD", setString(&c.AnonStore.Password)},

		{"VNAQR_MODALITY", setString(&c.Source.PrimaryModality)},
		{"SECONDARY_DICOM_SOURCE_MODALITY", setString(&c.Source.SecondaryModality)},

		{"AZURE_KEY_VAULT_NAME", setString(&c.Secrets.VaultName)},
	} {
		raw, ok := lookup(v.name)
		if !ok || raw == "" {
			continue
		}
		if err := v.apply(raw); err != nil {
			return errors.Wrapf(err, "environment variable %s", v.name)
		}
	}
	return nil
}

func setString(dst *string) func(string) error {
	return func(s string) error {
		*dst = s
		return nil
	}
}

func setInt(dst *int) func(string) error {
	return func(s string) error {
		n, err := strconv.Atoi(s)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func setInt64(dst *int64) func(string) error {
	return func(s string) error {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func setBool(dst *bool) func(string) error {
	return func(s string) error {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		*dst = b
		return nil
	}
}

// setSeconds accepts a bare integer, the shape the deployment's compose
// files use for timeouts, or any Go duration string.
func setSeconds(dst *time.Duration) func(string) error {
	return func(s string) error {
		if n, err := strconv.Atoi(s); err == nil {
			*dst = time.Duration(n) * time.Second
			return nil
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	}
}
