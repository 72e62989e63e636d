package exporter

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/go-kit/log"
	"github.com/klauspost/compress/zip"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uclh-foundry/pixl/modules/secrets"
)

type fakeFTP struct {
	mkdirs   []string
	stored   map[string][]byte
	mkdirErr error
	storErr  error
	quits    int
}

func newFakeFTP() *fakeFTP { return &fakeFTP{stored: map[string][]byte{}} }

func (f *fakeFTP) MakeDir(path string) error {
	f.mkdirs = append(f.mkdirs, path)
	return f.mkdirErr
}

func (f *fakeFTP) Stor(path string, r io.Reader) error {
	if f.storErr != nil {
		return f.storErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.stored[path] = data
	return nil
}

func (f *fakeFTP) Quit() error {
	f.quits++
	return nil
}

func testFTPS(conn ftpConn) (*ftpsUploader, *int) {
	dials := 0
	u := &ftpsUploader{
		host:   "gateway.example.com",
		logger: log.NewNopLogger(),
	}
	u.dial = func(context.Context) (ftpConn, error) {
		dials++
		return conn, nil
	}
	return u, &dials
}

func TestFTPSUploadStudy(t *testing.T) {
	conn := newFakeFTP()
	u, _ := testFTPS(conn)

	receipt, err := u.UploadStudy(context.Background(), testStudy())
	require.NoError(t, err)
	require.NoError(t, u.Close())

	assert.Equal(t, "ftps", receipt.Destination)
	assert.Equal(t, "test-extract/abc123.zip", receipt.Location)
	assert.Contains(t, conn.mkdirs, "test-extract")

	archive := conn.stored["test-extract/abc123.zip"]
	require.NotEmpty(t, archive)
	assert.Equal(t, int64(len(archive)), receipt.Bytes)

	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	require.NoError(t, err)
	assert.Len(t, zr.File, 2)
}

func TestFTPSCreatesParentDirectories(t *testing.T) {
	conn := newFakeFTP()
	conn.mkdirErr = errors.New("550 already exists")
	u, _ := testFTPS(conn)

	remote := "p/2023-01-02t13-04-05/parquet/radiology/IMAGE_LINKER.parquet"
	require.NoError(t, u.UploadFile(context.Background(), remote, []byte("x")))

	assert.Equal(t, []string{
		"p",
		"p/2023-01-02t13-04-05",
		"p/2023-01-02t13-04-05/parquet",
		"p/2023-01-02t13-04-05/parquet/radiology",
	}, conn.mkdirs)
	assert.Equal(t, []byte("x"), conn.stored[remote])
}

func TestFTPSReusesAndResetsConnection(t *testing.T) {
	conn := newFakeFTP()
	u, dials := testFTPS(conn)

	require.NoError(t, u.UploadFile(context.Background(), "a.bin", []byte("1")))
	require.NoError(t, u.UploadFile(context.Background(), "b.bin", []byte("2")))
	assert.Equal(t, 1, *dials)

	conn.storErr = errors.New("426 connection closed")
	require.Error(t, u.UploadFile(context.Background(), "c.bin", []byte("3")))
	assert.Equal(t, 1, conn.quits)

	conn.storErr = nil
	require.NoError(t, u.UploadFile(context.Background(), "c.bin", []byte("3")))
	assert.Equal(t, 2, *dials)
}

func TestFTPSCloseQuitsOnce(t *testing.T) {
	conn := newFakeFTP()
	u, _ := testFTPS(conn)

	require.NoError(t, u.UploadFile(context.Background(), "a.bin", []byte("1")))
	require.NoError(t, u.Close())
	require.NoError(t, u.Close())
	assert.Equal(t, 1, conn.quits)
}

func TestFTPSHonoursContext(t *testing.T) {
	conn := newFakeFTP()
	u, dials := testFTPS(conn)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := u.UploadFile(ctx, "a.bin", []byte("1"))
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, *dials)
}

func TestNewFTPSResolvesCredentials(t *testing.T) {
	ps := projectSecrets(t, "ftp", map[string]string{
		"host":     "gateway.example.com",
		"port":     "990",
		"username": "pixl",
		"password": "s3cret",
	})

	u, err := newFTPS(context.Background(), Config{}, ps, log.NewNopLogger())
	require.NoError(t, err)
	assert.Equal(t, "gateway.example.com", u.host)
	assert.Equal(t, "990", u.port)
	assert.Equal(t, "pixl", u.username)
	assert.Equal(t, "s3cret", u.password)
}

func TestNewFTPSMissingCredential(t *testing.T) {
	ps := projectSecrets(t, "ftp", map[string]string{"host": "gateway.example.com"})

	_, err := newFTPS(context.Background(), Config{}, ps, log.NewNopLogger())
	require.ErrorIs(t, err, secrets.ErrNotFound)
	assert.Contains(t, err.Error(), "resolving ftp port")
}
