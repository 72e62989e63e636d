package exporter

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"

	"github.com/go-kit/log"
	"github.com/pkg/errors"

	"github.com/uclh-foundry/pixl/modules/secrets"
)

// dicomwebUploader speaks STOW-RS: one multipart/related POST per study,
// one part per instance. The endpoint and credentials come from the secret
// store at build time, so rotating them needs no restart.
type dicomwebUploader struct {
	endpoint string
	username string
	password string

	client *http.Client
	logger log.Logger
}

func newDICOMWeb(ctx context.Context, cfg Config, ps *secrets.ProjectSecrets, logger log.Logger) (*dicomwebUploader, error) {
	u := &dicomwebUploader{logger: logger}
	for _, item := range []struct {
		name string
		dst  *string
	}{
		{"url", &u.endpoint},
		{"username", &u.username},
		{"password", &u.password},
	} {
		v, err := ps.Value(ctx, "dicomweb", item.name)
		if err != nil {
			return nil, errors.Wrapf(err, "resolving dicomweb %s", item.name)
		}
		*item.dst = v
	}

	parsed, err := url.Parse(u.endpoint)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, errors.Errorf("dicomweb endpoint %q is not an absolute URL", u.endpoint)
	}
	u.endpoint = strings.TrimRight(u.endpoint, "/")

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

func (u *dicomwebUploader) UploadStudy(ctx context.Context, study *StudyExport) (*Receipt, error) {
	if len(study.Instances) == 0 {
		return nil, errors.New("no instances to upload")
	}

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	for _, in := range sortedInstances(study) {
		part, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"application/dicom"}})
		if err != nil {
			return nil, errors.Wrap(err, "building stow-rs part")
		}
		if _, err := part.Write(in.Data); err != nil {
			return nil, errors.Wrap(err, "building stow-rs part")
		}
	}
	if err := mw.Close(); err != nil {
		return nil, errors.Wrap(err, "finishing stow-rs body")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint+"/studies", body)
	if err != nil {
		return nil, errors.Wrap(err, "building stow-rs request")
	}
	req.Header.Set("Content-Type",
		fmt.Sprintf(`multipart/related; type="application/dicom"; boundary=%s`, mw.Boundary()))
	req.Header.Set("Accept", "application/dicom+json")
	req.SetBasicAuth(u.username, u.password)

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "stow-rs request")
	}
	defer resp.Body.Close()

	if err := checkHTTPStatus(resp, "stow-rs"); err != nil {
		return nil, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	return &Receipt{
		Destination: "dicomweb",
		Location:    u.endpoint + "/studies/" + study.AnonStudyUID,
		Bytes:       int64(body.Len()),
	}, nil
}

func (u *dicomwebUploader) Close() error {
	u.client.CloseIdleConnections()
	return nil
}

// checkHTTPStatus maps a response onto the exporter's error taxonomy:
// server-side trouble stays transient, everything else the destination
// said no to wraps ErrRejected.
func checkHTTPStatus(resp *http.Response, operation string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode >= 500 {
		return errors.Errorf("%s: %s: %s", operation, resp.Status, strings.TrimSpace(string(detail)))
	}
	return errors.Wrapf(ErrRejected, "%s: %s: %s", operation, resp.Status, strings.TrimSpace(string(detail)))
}
