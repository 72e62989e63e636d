package dicomstore

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cristalhq/hedgedhttp"
	"github.com/pkg/errors"

	"github.com/uclh-foundry/pixl/pkg/util"
)

// Config locates one store.
type Config struct {
	Name     string        `yaml:"name"`
	Endpoint string        `yaml:"endpoint"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Timeout  time.Duration `yaml:"timeout"`

	// Instance reads are hedged: a second request races the first once
	// HedgeRequestsAt elapses. 0 disables hedging.
	HedgeRequestsAt   time.Duration `yaml:"hedge_requests_at"`
	HedgeRequestsUpTo int           `yaml:"hedge_requests_up_to"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Endpoint, util.PrefixConfig(prefix, "endpoint"), "", "Base URL of the store's REST API.")
	f.StringVar(&cfg.Username, util.PrefixConfig(prefix, "username"), "", "Basic auth username.")
	f.StringVar(&cfg.Password, util.PrefixConfig(prefix, "password"), "", "Basic auth password.")
	f.DurationVar(&cfg.Timeout, util.PrefixConfig(prefix, "timeout"), 30*time.Second, "Per-request timeout for store calls.")
	cfg.HedgeRequestsAt = 2 * time.Second
	cfg.HedgeRequestsUpTo = 2
}

// Client implements Store and Proxy over the store's REST API.
type Client struct {
	cfg    Config
	client *http.Client
	// reads of instance bytes go through the hedged client
	readClient *http.Client
}

// New builds a client. The read path hedges slow requests the same way the
// object-store backends do; everything else uses a plain pooled transport.
func New(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("dicom store endpoint is required")
	}
	if _, err := url.Parse(cfg.Endpoint); err != nil {
		return nil, errors.Wrap(err, "parsing store endpoint")
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConns = 100
	transport.MaxIdleConnsPerHost = 100

	plain := &http.Client{Transport: transport, Timeout: cfg.Timeout}

	readClient := plain
	if cfg.HedgeRequestsAt != 0 {
		hedged, stats, err := hedgedhttp.NewRoundTripperAndStats(cfg.HedgeRequestsAt, cfg.HedgeRequestsUpTo, transport)
		if err != nil {
			return nil, errors.Wrap(err, "building hedged transport")
		}
		publishHedgedStats(cfg.Name, stats)
		readClient = &http.Client{Transport: hedged, Timeout: cfg.Timeout}
	}

	return &Client{cfg: cfg, client: plain, readClient: readClient}, nil
}

// Name identifies the store in logs and metrics.
func (c *Client) Name() string { return c.cfg.Name }

func (c *Client) Ping(ctx context.Context) error {
	return c.doJSON(ctx, "ping", http.MethodGet, "/system", nil, nil)
}

func (c *Client) Studies(ctx context.Context) ([]string, error) {
	var uids []string
	if err := c.doJSON(ctx, "list_studies", http.MethodGet, "/studies", nil, &uids); err != nil {
		return nil, err
	}
	return uids, nil
}

func (c *Client) StudyInfo(ctx context.Context, studyUID string) (StudyInfo, error) {
	var info StudyInfo
	err := c.doJSON(ctx, "study_info", http.MethodGet, "/studies/"+url.PathEscape(studyUID), nil, &info)
	return info, err
}

func (c *Client) Instances(ctx context.Context, studyUID string) ([]InstanceInfo, error) {
	var out []InstanceInfo
	err := c.doJSON(ctx, "list_instances", http.MethodGet, "/studies/"+url.PathEscape(studyUID)+"/instances", nil, &out)
	return out, err
}

func (c *Client) InstanceData(ctx context.Context, sopInstanceUID string) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/instances/"+url.PathEscape(sopInstanceUID)+"/file", nil)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	resp, err := c.readClient.Do(req)
	c.observe("instance_read", start, resp, err)
	if err != nil {
		return nil, errors.Wrap(err, "reading instance")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, errors.Wrapf(ErrNotFound, "instance %s", sopInstanceUID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) Upload(ctx context.Context, dicomBytes []byte) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/instances", bytes.NewReader(dicomBytes))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/dicom")

	start := time.Now()
	resp, err := c.client.Do(req)
	c.observe("upload", start, resp, err)
	if err != nil {
		return errors.Wrap(err, "uploading instance")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return statusError(resp)
	}
	return nil
}

func (c *Client) DeleteStudy(ctx context.Context, studyUID string) error {
	return c.doJSON(ctx, "delete_study", http.MethodDelete, "/studies/"+url.PathEscape(studyUID), nil, nil)
}

func (c *Client) Changes(ctx context.Context, since int64, limit int) (ChangeSet, error) {
	var out ChangeSet
	path := fmt.Sprintf("/changes?since=%d&limit=%d", since, limit)
	err := c.doJSON(ctx, "changes", http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) Echo(ctx context.Context, modality string) error {
	return c.doJSON(ctx, "echo", http.MethodPost, "/modalities/"+url.PathEscape(modality)+"/echo", struct{}{}, nil)
}

func (c *Client) QueryRemote(ctx context.Context, modality string, q Query) ([]StudyMatch, error) {
	var out struct {
		Matches []StudyMatch `json:"matches"`
	}
	err := c.doJSON(ctx, "query", http.MethodPost, "/modalities/"+url.PathEscape(modality)+"/query", q, &out)
	if err != nil {
		return nil, err
	}
	return out.Matches, nil
}

func (c *Client) QueryRemoteInstances(ctx context.Context, modality, studyUID string) ([]string, error) {
	body := struct {
		StudyUID string `json:"study_uid"`
		Level    string `json:"level"`
	}{StudyUID: studyUID, Level: "instance"}
	var out struct {
		SOPInstanceUIDs []string `json:"sop_instance_uids"`
	}
	err := c.doJSON(ctx, "query_instances", http.MethodPost, "/modalities/"+url.PathEscape(modality)+"/query", body, &out)
	if err != nil {
		return nil, err
	}
	return out.SOPInstanceUIDs, nil
}

func (c *Client) RetrieveRemote(ctx context.Context, modality, studyUID string, sopInstanceUIDs []string) error {
	body := struct {
		StudyUID        string   `json:"study_uid"`
		SOPInstanceUIDs []string `json:"sop_instance_uids,omitempty"`
	}{StudyUID: studyUID, SOPInstanceUIDs: sopInstanceUIDs}
	return c.doJSON(ctx, "retrieve", http.MethodPost, "/modalities/"+url.PathEscape(modality)+"/retrieve", body, nil)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.Endpoint+path, body)
	if err != nil {
		return nil, errors.Wrap(err, "building store request")
	}
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, op, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "encoding store request")
		}
		body = bytes.NewReader(encoded)
	}

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	c.observe(op, start, resp, err)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errors.Wrapf(ErrNotFound, "%s %s", method, path)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}
	if out == nil {
		return nil
	}
	return errors.Wrapf(json.NewDecoder(resp.Body).Decode(out), "decoding %s response", path)
}

func statusError(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	return errors.Errorf("store returned %s: %s", resp.Status, string(snippet))
}

func (c *Client) observe(op string, start time.Time, resp *http.Response, err error) {
	status := "error"
	if err == nil && resp != nil {
		status = strconv.Itoa(resp.StatusCode)
	}
	metricStoreRequestDuration.WithLabelValues(c.cfg.Name, op, status).Observe(time.Since(start).Seconds())
}
