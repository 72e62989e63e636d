package secrets

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// localDir reads secrets from one file per name. Development and test
// environments mount this instead of a vault.
type localDir struct {
	dir string
}

func newLocalDir(dir string) (*localDir, error) {
	if dir == "" {
		return nil, errors.New("local secret directory is required for the local backend")
	}
	return &localDir{dir: dir}, nil
}

func (l *localDir) Secret(_ context.Context, name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(l.dir, name))
	if os.IsNotExist(err) {
		metricSecretRequests.WithLabelValues(BackendLocal, "error").Inc()
		return "", errors.Wrapf(ErrNotFound, "secret %s", name)
	}
	if err != nil {
		metricSecretRequests.WithLabelValues(BackendLocal, "error").Inc()
		return "", errors.Wrapf(ErrSecretUnavailable, "reading secret %s: %s", name, err)
	}
	metricSecretRequests.WithLabelValues(BackendLocal, "ok").Inc()
	return strings.TrimSpace(string(data)), nil
}

func (l *localDir) StoreSecret(_ context.Context, name, value string) error {
	if err := os.MkdirAll(l.dir, 0o700); err != nil {
		return errors.Wrapf(ErrSecretUnavailable, "creating secret directory: %s", err)
	}
	if err := os.WriteFile(filepath.Join(l.dir, name), []byte(value), 0o600); err != nil {
		return errors.Wrapf(ErrSecretUnavailable, "writing secret %s: %s", name, err)
	}
	metricSecretRequests.WithLabelValues(BackendLocal, "ok").Inc()
	return nil
}
