package exporter

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/uclh-foundry/pixl/modules/projects"
	"github.com/uclh-foundry/pixl/modules/secrets"
)

// xnatUploader imports study archives through XNAT's DICOM-zip import
// service. A JSESSION token is established on first use and torn down on
// Close. XNAT calls the experiment a "session", hence the parameter name.
type xnatUploader struct {
	base     string
	username string
	password string
	opts     projects.XNATOptions

	client  *http.Client
	logger  log.Logger
	session string
}

func newXNAT(ctx context.Context, cfg Config, ps *secrets.ProjectSecrets, opts projects.XNATOptions, logger log.Logger) (*xnatUploader, error) {
	u := &xnatUploader{opts: opts, logger: logger}
	for _, item := range []struct {
		name string
		dst  *string
	}{
		{"url", &u.base},
		{"username", &u.username},
		{"password", &u.password},
	} {
		v, err := ps.Value(ctx, "xnat", item.name)
		if err != nil {
			return nil, errors.Wrapf(err, "resolving xnat %s", item.name)
		}
		*item.dst = v
	}

	parsed, err := url.Parse(u.base)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, errors.Errorf("xnat endpoint %q is not an absolute URL", u.base)
	}
	u.base = strings.TrimRight(u.base, "/")

	u.client = &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion:         tls.VersionTLS12,
				InsecureSkipVerify: cfg.TLSInsecureSkipVerify,
			},
		},
	}
	return u, nil
}

func (u *xnatUploader) UploadStudy(ctx context.Context, study *StudyExport) (*Receipt, error) {
	archive, err := BuildStudyZip(study)
	if err != nil {
		return nil, err
	}
	if err := u.ensureSession(ctx); err != nil {
		return nil, err
	}

	q := url.Values{
		"import-handler": {"DICOM-zip"},
		"inbody":         {"true"},
		"project":        {study.ProjectSlug},
		"subject":        {study.PseudoPatientID},
		"session":        {study.AnonStudyUID},
		"overwrite":      {u.opts.Overwrite},
		"dest":           {u.opts.Destination},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		u.base+"/data/services/import?"+q.Encode(), bytes.NewReader(archive))
	if err != nil {
		return nil, errors.Wrap(err, "building xnat import request")
	}
	req.Header.Set("Content-Type", "application/zip")
	req.AddCookie(&http.Cookie{Name: "JSESSIONID", Value: u.session})

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "xnat import request")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		// session expired mid-batch; next upload re-authenticates
		u.session = ""
	}
	if err := checkHTTPStatus(resp, "xnat import"); err != nil {
		return nil, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	return &Receipt{
		Destination: "xnat",
		Location:    u.base + "/data/archive/projects/" + study.ProjectSlug,
		Bytes:       int64(len(archive)),
	}, nil
}

func (u *xnatUploader) ensureSession(ctx context.Context) error {
	if u.session != "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.base+"/data/JSESSION", nil)
	if err != nil {
		return errors.Wrap(err, "building xnat session request")
	}
	req.SetBasicAuth(u.username, u.password)

	resp, err := u.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "xnat session request")
	}
	defer resp.Body.Close()

	if err := checkHTTPStatus(resp, "xnat session"); err != nil {
		return err
	}
	token, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return errors.Wrap(err, "reading xnat session token")
	}
	u.session = strings.TrimSpace(string(token))
	if u.session == "" {
		return errors.Wrap(ErrRejected, "xnat returned an empty session token")
	}
	return nil
}

func (u *xnatUploader) Close() error {
	defer u.client.CloseIdleConnections()
	if u.session == "" {
		return nil
	}

	req, err := http.NewRequest(http.MethodDelete, u.base+"/data/JSESSION", nil)
	if err != nil {
		return errors.Wrap(err, "building xnat logout request")
	}
	req.AddCookie(&http.Cookie{Name: "JSESSIONID", Value: u.session})
	u.session = ""

	resp, err := u.client.Do(req)
	if err != nil {
		level.Debug(u.logger).Log("msg", "xnat logout failed", "err", err)
		return nil
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}
