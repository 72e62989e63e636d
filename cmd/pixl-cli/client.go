package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/uclh-foundry/pixl/pkg/api"
)

// adminClient talks to the daemon's admin endpoints.
type adminClient struct {
	base    string
	timeout time.Duration
	hc      *http.Client
}

func newAdminClient(s *Settings) *adminClient {
	return &adminClient{
		base:    s.APIURL,
		timeout: s.APITimeout,
		hc:      &http.Client{},
	}
}

func (c *adminClient) statusQueues(ctx context.Context) (*api.StatusQueuesResponse, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	var resp api.StatusQueuesResponse
	if err := c.get(ctx, api.PathStatusQueues, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *adminClient) tokenBuckets(ctx context.Context) ([]api.RateInfo, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	var resp []api.RateInfo
	if err := c.get(ctx, api.PathTokenBucket, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// setRate retunes the daemon's token buckets and returns the state of every
// bucket after the change.
func (c *adminClient) setRate(ctx context.Context, upd api.RateUpdate) ([]api.RateInfo, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	var resp []api.RateInfo
	if err := c.send(ctx, http.MethodPut, api.PathTokenBucket, upd, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// exportPatientData runs with its own deadline: shipping a parquet extract
// takes as long as the destination takes.
func (c *adminClient) exportPatientData(ctx context.Context, dir string, timeout time.Duration) (*api.ExportPatientDataResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var resp api.ExportPatientDataResponse
	if err := c.send(ctx, http.MethodPost, api.PathExportPatientData, api.ExportPatientDataRequest{ExtractDir: dir}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *adminClient) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *adminClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return errors.Wrap(err, "building request")
	}
	return c.do(req, out)
}

func (c *adminClient) send(ctx context.Context, method, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "encoding request")
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(b))
	if err != nil {
		return errors.Wrap(err, "building request")
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *adminClient) do(req *http.Request, out any) error {
	resp, err := c.hc.Do(req)
	if err != nil {
		return errors.Wrapf(err, "calling %s", req.URL.Path)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned %s: %s", req.URL.Path, resp.Status, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decoding %s response", req.URL.Path)
	}
	return nil
}
