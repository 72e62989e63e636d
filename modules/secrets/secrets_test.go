package secrets

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsBadConfig(t *testing.T) {
	logger := log.NewNopLogger()

	_, err := New(Config{Backend: BackendAzure}, logger)
	require.Error(t, err)

	_, err = New(Config{Backend: BackendLocal}, logger)
	require.Error(t, err)

	_, err = New(Config{Backend: "hashicorp"}, logger)
	require.Error(t, err)
}

func TestLocalDirRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	l, err := newLocalDir(dir)
	require.NoError(t, err)

	_, err = l.Secret(ctx, "p1--ftp--host")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, l.StoreSecret(ctx, "p1--ftp--host", "ftp.example.com"))
	v, err := l.Secret(ctx, "p1--ftp--host")
	require.NoError(t, err)
	assert.Equal(t, "ftp.example.com", v)

	// files written by hand often carry a trailing newline
	require.NoError(t, os.WriteFile(filepath.Join(dir, "p1--ftp--port"), []byte("21\n"), 0o600))
	v, err = l.Secret(ctx, "p1--ftp--port")
	require.NoError(t, err)
	assert.Equal(t, "21", v)
}

type countingResolver struct {
	values map[string]string
	reads  int
	writes int

	// down simulates a vault outage: every read fails transiently.
	down bool
}

func newCountingResolver() *countingResolver {
	return &countingResolver{values: map[string]string{}}
}

func (c *countingResolver) Secret(_ context.Context, name string) (string, error) {
	c.reads++
	if c.down {
		return "", errors.Wrap(ErrSecretUnavailable, "vault is down")
	}
	v, ok := c.values[name]
	if !ok {
		return "", errors.Wrapf(ErrNotFound, "secret %s", name)
	}
	return v, nil
}

func (c *countingResolver) StoreSecret(_ context.Context, name, value string) error {
	c.writes++
	c.values[name] = value
	return nil
}

func TestCacheServesRepeatReads(t *testing.T) {
	ctx := context.Background()
	backend := newCountingResolver()
	backend.values["p1--ftp--password"] = "hunter2"

	c := newCache(backend, time.Minute)

	for i := 0; i < 5; i++ {
		v, err := c.Secret(ctx, "p1--ftp--password")
		require.NoError(t, err)
		assert.Equal(t, "hunter2", v)
	}
	assert.Equal(t, 1, backend.reads)

	// writes go through and prime the cache
	require.NoError(t, c.StoreSecret(ctx, "p1--salt", "salty"))
	v, err := c.Secret(ctx, "p1--salt")
	require.NoError(t, err)
	assert.Equal(t, "salty", v)
	assert.Equal(t, 1, backend.writes)
	assert.Equal(t, 1, backend.reads)
}

func TestCacheDoesNotCacheFailures(t *testing.T) {
	ctx := context.Background()
	backend := newCountingResolver()
	c := newCache(backend, time.Minute)

	_, err := c.Secret(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = c.Secret(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, 2, backend.reads)
}

func TestProjectSecretNaming(t *testing.T) {
	p := &ProjectSecrets{alias: "p1"}
	assert.Equal(t, "p1--ftp--host", p.Name("ftp", "host"))
	assert.Equal(t, "p1--dicomweb--url", p.Name("dicomweb", "url"))
}

func TestSaltCreatedOnFirstUseThenStable(t *testing.T) {
	ctx := context.Background()
	backend := newCountingResolver()
	p := &ProjectSecrets{resolver: backend, alias: "p1"}

	salt, err := p.Salt(ctx)
	require.NoError(t, err)
	assert.Len(t, salt, 64)
	assert.Equal(t, 1, backend.writes)
	assert.Equal(t, string(salt), backend.values["p1--salt"])

	again, err := p.Salt(ctx)
	require.NoError(t, err)
	assert.Equal(t, salt, again)
	assert.Equal(t, 1, backend.writes)
}

func TestSaltNotRegeneratedDuringOutage(t *testing.T) {
	ctx := context.Background()
	backend := newCountingResolver()
	backend.values["p1--salt"] = "the-one-true-salt"
	backend.down = true
	p := &ProjectSecrets{resolver: backend, alias: "p1"}

	_, err := p.Salt(ctx)
	assert.True(t, errors.Is(err, ErrSecretUnavailable))
	assert.Zero(t, backend.writes, "an unreachable vault must never be overwritten with a fresh salt")
}

func TestSaltOverrideWins(t *testing.T) {
	ctx := context.Background()
	backend := newCountingResolver()
	p := &ProjectSecrets{resolver: backend, alias: "p1", saltOverride: "test_salt"}

	salt, err := p.Salt(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("test_salt"), salt)
	assert.Zero(t, backend.reads)
	assert.Zero(t, backend.writes)
}

type staticToken struct{}

func (staticToken) GetToken(context.Context, policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{Token: "tok-123", ExpiresOn: time.Now().Add(time.Hour)}, nil
}

func TestKeyVaultRESTContract(t *testing.T) {
	ctx := context.Background()

	var stored struct {
		Value string `json:"value"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
		require.Equal(t, "7.4", r.URL.Query().Get("api-version"))

		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/secrets/p1--ftp--host":
			require.NoError(t, json.NewEncoder(w).Encode(map[string]string{"value": "ftp.example.com"}))
		case r.Method == http.MethodPut && r.URL.Path == "/secrets/p1--salt":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&stored))
			require.NoError(t, json.NewEncoder(w).Encode(map[string]string{"value": stored.Value}))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	kv := &keyVault{vaultURL: srv.URL, cred: staticToken{}, client: srv.Client()}

	v, err := kv.Secret(ctx, "p1--ftp--host")
	require.NoError(t, err)
	assert.Equal(t, "ftp.example.com", v)

	require.NoError(t, kv.StoreSecret(ctx, "p1--salt", "salty"))
	assert.Equal(t, "salty", stored.Value)

	_, err = kv.Secret(ctx, "p1--missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}
