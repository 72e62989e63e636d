package exporter

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net"
	"path"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jlaffaye/ftp"
	"github.com/pkg/errors"

	"github.com/uclh-foundry/pixl/modules/secrets"
)

// ftpConn is the slice of *ftp.ServerConn the uploader needs; tests swap in
// a recorder.
type ftpConn interface {
	MakeDir(path string) error
	Stor(path string, r io.Reader) error
	Quit() error
}

// ftpsUploader ships files over implicit-TLS FTP. One control connection is
// opened lazily and reused for the batch; any transfer error drops it so
// the next call redials.
type ftpsUploader struct {
	host     string
	port     string
	username string
	password string

	cfg    Config
	logger log.Logger

	dial func(ctx context.Context) (ftpConn, error)
	conn ftpConn
}

func newFTPS(ctx context.Context, cfg Config, ps *secrets.ProjectSecrets, logger log.Logger) (*ftpsUploader, error) {
	u := &ftpsUploader{cfg: cfg, logger: logger}
	for _, item := range []struct {
		name string
		dst  *string
	}{
		{"host", &u.host},
		{"port", &u.port},
		{"username", &u.username},
		{"password", &u.password},
	} {
		v, err := ps.Value(ctx, "ftp", item.name)
		if err != nil {
			return nil, errors.Wrapf(err, "resolving ftp %s", item.name)
		}
		*item.dst = v
	}
	u.dial = u.dialTLS
	return u, nil
}

func (u *ftpsUploader) dialTLS(ctx context.Context) (ftpConn, error) {
	conn, err := ftp.Dial(net.JoinHostPort(u.host, u.port),
		ftp.DialWithContext(ctx),
		ftp.DialWithTLS(&tls.Config{
			ServerName:         u.host,
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: u.cfg.TLSInsecureSkipVerify,
		}))
	if err != nil {
		return nil, errors.Wrapf(err, "dialling ftps %s", u.host)
	}
	if err := conn.Login(u.username, u.password); err != nil {
		_ = conn.Quit()
		return nil, errors.Wrapf(ErrRejected, "ftps login: %s", err)
	}
	return conn, nil
}

func (u *ftpsUploader) connection(ctx context.Context) (ftpConn, error) {
	if u.conn != nil {
		return u.conn, nil
	}
	conn, err := u.dial(ctx)
	if err != nil {
		return nil, err
	}
	u.conn = conn
	return conn, nil
}

func (u *ftpsUploader) UploadStudy(ctx context.Context, study *StudyExport) (*Receipt, error) {
	archive, err := BuildStudyZip(study)
	if err != nil {
		return nil, err
	}
	remote := path.Join(study.ProjectSlug, study.PseudoPatientID+".zip")
	if err := u.UploadFile(ctx, remote, archive); err != nil {
		return nil, err
	}
	return &Receipt{Destination: "ftps", Location: remote, Bytes: int64(len(archive))}, nil
}

// UploadFile stores one file, creating parent directories as needed.
func (u *ftpsUploader) UploadFile(ctx context.Context, remotePath string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conn, err := u.connection(ctx)
	if err != nil {
		return err
	}

	// Directory creation is best effort: most servers answer 550 when the
	// directory already exists and Stor fails anyway when it truly could
	// not be made.
	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		segments := strings.Split(dir, "/")
		for i := range segments {
			if err := conn.MakeDir(path.Join(segments[:i+1]...)); err != nil {
				level.Debug(u.logger).Log("msg", "ftps mkdir", "dir", path.Join(segments[:i+1]...), "err", err)
			}
		}
	}

	if err := conn.Stor(remotePath, bytes.NewReader(data)); err != nil {
		u.reset()
		return errors.Wrapf(err, "ftps store %s", remotePath)
	}
	return nil
}

func (u *ftpsUploader) reset() {
	if u.conn != nil {
		_ = u.conn.Quit()
		u.conn = nil
	}
}

func (u *ftpsUploader) Close() error {
	if u.conn == nil {
		return nil
	}
	err := u.conn.Quit()
	u.conn = nil
	return err
}
