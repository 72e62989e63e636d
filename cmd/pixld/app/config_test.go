package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uclh-foundry/pixl/modules/secrets"
)

func TestConfig_CheckConfig(t *testing.T) {
	tt := []struct {
		name   string
		config *Config
		expect []ConfigWarning
	}{
		{
			// An out-of-the-box config has no vault and no cache bound, and
			// both need an operator's decision before production.
			name:   "default config",
			config: NewDefaultConfig(),
			expect: []ConfigWarning{warnNoEviction, warnVaultName},
		},
		{
			name: "deployed config expects no warnings",
			config: func() *Config {
				cfg := NewDefaultConfig()
				cfg.Secrets.VaultName = "pixl-kv"
				cfg.RawCache.MaxStorageMB = 51200
				return cfg
			}(),
			expect: nil,
		},
		{
			name: "local secret backend needs no vault",
			config: func() *Config {
				cfg := NewDefaultConfig()
				cfg.Secrets.Backend = secrets.BackendLocal
				cfg.RawCache.MaxStorageMB = 51200
				return cfg
			}(),
			expect: nil,
		},
		{
			name: "hit all warnings",
			config: func() *Config {
				cfg := NewDefaultConfig()
				cfg.RawCache.StableTimeout = time.Minute
				cfg.Secrets.SaltOverride = "fixed"
				days := -7
				cfg.Scheduler.StudyTimeOffsetDays = &days
				return cfg
			}(),
			expect: []ConfigWarning{
				warnStableWindow,
				warnNoEviction,
				warnVaultName,
				warnSaltOverride,
				warnTimeOffset,
			},
		},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			warnings := tc.config.CheckConfig()
			assert.Equal(t, tc.expect, warnings)
		})
	}
}

func TestConfig_Defaults(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, All, cfg.Target)
	assert.Equal(t, 8000, cfg.Server.HTTPListenPort)
	assert.Equal(t, "raw", cfg.RawStore.Name)
	assert.Equal(t, "anon", cfg.AnonStore.Name)
	assert.Equal(t, 10, cfg.Scheduler.MaxMessagesInFlight)
	assert.Equal(t, 10, cfg.Queue.PrefetchCount)
}

func TestConfig_ApplyEnvOverrides(t *testing.T) {
	env := map[string]string{
		"PIXL_MAX_MESSAGES_IN_FLIGHT":      "4",
		"PIXL_QUERY_TIMEOUT":               "30",
		"PIXL_DICOM_TRANSFER_TIMEOUT":      "5m",
		"ORTHANC_RAW_MAXIMUM_STORAGE_SIZE": "51200",
		"ORTHANC_RAW_STABLE_SECONDS":       "600",
		"SKIP_ALEMBIC":                     "true",
		"STUDY_TIME_OFFSET":                "-14",
		"SALT_VALUE":                       "fixed-salt",
		"XNAT_OVERWRITE":                   "delete",
		"XNAT_DESTINATION":                 "/archive",
		"RABBITMQ_HOST":                    "broker.internal",
		"RABBITMQ_USERNAME":                "pixl",
		"RABBITMQ_PASSWORD":                "hunter2",
		"PIXL_DB_HOST":                     "db.internal",
		"PIXL_DB_PORT":                     "5433",
		"PIXL_DB_NAME":                     "pixl",
		"PIXL_DB_USER":                     "pixl",
		"PIXL_DB_PASSWORD":                 "hunter2",
		"ORTHANC_RAW_URL":                  "http://orthanc-raw:8042",
		"ORTHANC_RAW_USERNAME":             "raw",
		"ORTHANC_RAW_PASSWORD":             "raw-pw",
		"ORTHANC_ANON_URL":                 "http://orthanc-anon:8042",
		"VNAQR_MODALITY":                   "UCVNAQR",
		"SECONDARY_DICOM_SOURCE_MODALITY":  "UCPACSQR",
		"AZURE_KEY_VAULT_NAME":             "pixl-kv",

		// Empty values must be ignored, not applied.
		"RABBITMQ_PORT": "",
	}

	cfg := NewDefaultConfig()
	require.NoError(t, cfg.ApplyEnvOverrides(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}))

	assert.Equal(t, 4, cfg.Scheduler.MaxMessagesInFlight)
	assert.Equal(t, 4, cfg.Queue.PrefetchCount, "in-flight override sets broker prefetch too")

	assert.Equal(t, 30*time.Second, cfg.Source.QueryTimeout, "bare integers are seconds")
	assert.Equal(t, 5*time.Minute, cfg.Source.TransferTimeout, "duration strings parse too")

	assert.Equal(t, int64(51200), cfg.RawCache.MaxStorageMB)
	assert.Equal(t, 20*time.Minute, cfg.RawCache.StableTimeout,
		"stable timeout covers at least two quiescence windows")

	assert.True(t, cfg.Ledger.SkipMigrations)
	require.NotNil(t, cfg.Scheduler.StudyTimeOffsetDays)
	assert.Equal(t, -14, *cfg.Scheduler.StudyTimeOffsetDays)
	assert.Equal(t, "fixed-salt", cfg.Secrets.SaltOverride)
	assert.Equal(t, "delete", cfg.Exporter.XNATOverwrite)
	assert.Equal(t, "/archive", cfg.Exporter.XNATDestination)

	assert.Equal(t, "broker.internal", cfg.Queue.Host)
	assert.Equal(t, 5672, cfg.Queue.Port, "empty value keeps the default")
	assert.Equal(t, "pixl", cfg.Queue.Username)
	assert.Equal(t, "hunter2", cfg.Queue.Password)

	assert.Equal(t, "db.internal", cfg.Ledger.Host)
	assert.Equal(t, 5433, cfg.Ledger.Port)
	assert.Equal(t, "pixl", cfg.Ledger.Database)

	assert.Equal(t, "http://orthanc-raw:8042", cfg.RawStore.Endpoint)
	assert.Equal(t, "raw", cfg.RawStore.Username)
	assert.Equal(t, "raw-pw", cfg.RawStore.Password)
	assert.Equal(t, "http://orthanc-anon:8042", cfg.AnonStore.Endpoint)

	assert.Equal(t, "UCVNAQR", cfg.Source.PrimaryModality)
	assert.Equal(t, "UCPACSQR", cfg.Source.SecondaryModality)
	assert.Equal(t, "pixl-kv", cfg.Secrets.VaultName)
}

func TestConfig_ApplyEnvOverridesConcurrentJobsCap(t *testing.T) {
	env := map[string]string{
		"PIXL_MAX_MESSAGES_IN_FLIGHT": "20",
		"ORTHANC_CONCURRENT_JOBS":     "5",
	}

	cfg := NewDefaultConfig()
	require.NoError(t, cfg.ApplyEnvOverrides(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}))

	assert.Equal(t, 5, cfg.Scheduler.MaxMessagesInFlight,
		"the store's job slots cap the in-flight ceiling")
}

func TestConfig_ApplyEnvOverridesStableWindowKeepsLongerTimeout(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.RawCache.StableTimeout = time.Hour

	require.NoError(t, cfg.ApplyEnvOverrides(func(k string) (string, bool) {
		if k == "ORTHANC_RAW_STABLE_SECONDS" {
			return "60", true
		}
		return "", false
	}))

	assert.Equal(t, time.Hour, cfg.RawCache.StableTimeout,
		"a configured timeout beyond two windows is kept")
}

func TestConfig_ApplyEnvOverridesBadValues(t *testing.T) {
	tt := []struct {
		name  string
		value string
	}{
		{"RABBITMQ_PORT", "not-a-port"},
		{"PIXL_QUERY_TIMEOUT", "soon"},
		{"SKIP_ALEMBIC", "maybe"},
		{"STUDY_TIME_OFFSET", "two weeks"},
		{"ORTHANC_RAW_MAXIMUM_STORAGE_SIZE", "12GB"},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			err := cfg.ApplyEnvOverrides(func(k string) (string, bool) {
				if k == tc.name {
					return tc.value, true
				}
				return "", false
			})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.name)
		})
	}
}
