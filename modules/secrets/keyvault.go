package secrets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/pkg/errors"
)

const (
	vaultAPIVersion = "7.4"
	vaultScope      = "https://vault.azure.net/.default"
)

// tokenSource is the slice of azcore.TokenCredential the vault client
// needs. azidentity credentials satisfy it; tests supply a fixed token.
type tokenSource interface {
	GetToken(ctx context.Context, opts policy.TokenRequestOptions) (azcore.AccessToken, error)
}

// keyVault talks to Azure Key Vault's secrets REST API. The credential
// chain is the SDK default: service principal env vars in production,
// workload identity or CLI elsewhere.
type keyVault struct {
	vaultURL string
	cred     tokenSource
	client   *http.Client
}

func newKeyVault(cfg Config) (*keyVault, error) {
	if cfg.VaultName == "" {
		return nil, errors.New("key vault name is required for the azure secret backend")
	}
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, errors.Wrap(err, "building azure credential")
	}
	return &keyVault{
		vaultURL: fmt.Sprintf("https://%s.vault.azure.net", cfg.VaultName),
		cred:     cred,
		client:   &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type secretBundle struct {
	Value string `json:"value"`
}

func (kv *keyVault) Secret(ctx context.Context, name string) (string, error) {
	var bundle secretBundle
	if err := kv.do(ctx, http.MethodGet, name, nil, &bundle); err != nil {
		metricSecretRequests.WithLabelValues(BackendAzure, "error").Inc()
		return "", err
	}
	metricSecretRequests.WithLabelValues(BackendAzure, "ok").Inc()
	return bundle.Value, nil
}

func (kv *keyVault) StoreSecret(ctx context.Context, name, value string) error {
	err := kv.do(ctx, http.MethodPut, name, &secretBundle{Value: value}, nil)
	if err != nil {
		metricSecretRequests.WithLabelValues(BackendAzure, "error").Inc()
		return err
	}
	metricSecretRequests.WithLabelValues(BackendAzure, "ok").Inc()
	return nil
}

func (kv *keyVault) do(ctx context.Context, method, name string, in, out interface{}) error {
	token, err := kv.cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{vaultScope}})
	if err != nil {
		return errors.Wrapf(ErrSecretUnavailable, "acquiring vault token: %s", err)
	}

	var body io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "encoding secret")
		}
		body = bytes.NewReader(encoded)
	}

	u := fmt.Sprintf("%s/secrets/%s?api-version=%s", kv.vaultURL, url.PathEscape(name), vaultAPIVersion)
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return errors.Wrap(err, "building vault request")
	}
	req.Header.Set("Authorization", "Bearer "+token.Token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := kv.client.Do(req)
	if err != nil {
		return errors.Wrapf(ErrSecretUnavailable, "calling vault: %s", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errors.Wrapf(ErrNotFound, "secret %s", name)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return errors.Wrapf(ErrSecretUnavailable, "vault returned %s for %s: %s", resp.Status, name, string(snippet))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(ErrSecretUnavailable, "decoding secret %s: %s", name, err)
	}
	return nil
}
