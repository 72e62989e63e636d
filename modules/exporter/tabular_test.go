package exporter

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uclh-foundry/pixl/modules/projects/projectstest"
)

func readLinker(t *testing.T, data []byte) []LinkerRow {
	t.Helper()

	pf, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	r := parquet.NewGenericReader[LinkerRow](pf)
	defer r.Close()

	var out []LinkerRow
	row := make([]LinkerRow, 8)
	for {
		n, err := r.Read(row)
		out = append(out, row[:n]...)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
	}
	return out
}

func TestWriteLinkerRoundTrip(t *testing.T) {
	rows := []LinkerRow{
		{HashedIdentifier: strings.Repeat("a", 64), PseudoStudyUID: "2.25.111"},
		{HashedIdentifier: strings.Repeat("b", 64), PseudoStudyUID: "2.25.222"},
	}

	data, err := writeLinker(rows)
	require.NoError(t, err)
	assert.Equal(t, rows, readLinker(t, data))
}

func TestWriteLinkerColumnNames(t *testing.T) {
	data, err := writeLinker([]LinkerRow{{HashedIdentifier: "h", PseudoStudyUID: "2.25.1"}})
	require.NoError(t, err)

	pf, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	fields := pf.Schema().Fields()
	require.Len(t, fields, 2)
	assert.ElementsMatch(t,
		[]string{"hashed_identifier", "pseudo_study_uid"},
		[]string{fields[0].Name(), fields[1].Name()})
}

func TestWriteLinkerEmpty(t *testing.T) {
	data, err := writeLinker(nil)
	require.NoError(t, err)
	assert.Empty(t, readLinker(t, data))
}

type fakeFiles struct {
	files map[string][]byte
	err   error
}

func newFakeFiles() *fakeFiles { return &fakeFiles{files: map[string][]byte{}} }

func (f *fakeFiles) UploadFile(_ context.Context, remotePath string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.files[remotePath] = append([]byte(nil), data...)
	return nil
}

func TestUploadTabularLaysOutExtract(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "PERSON.parquet"), []byte("person"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "PROCEDURE_OCCURRENCE.parquet"), []byte("procedure"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "extract_summary.json"), []byte("{}"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "private"), 0o755))

	extract := &TabularExtract{
		ExtractDatetime: time.Date(2023, 1, 2, 13, 4, 5, 0, time.UTC),
		SourceDir:       dir,
		Linker:          []LinkerRow{{HashedIdentifier: "h1", PseudoStudyUID: "2.25.1"}},
	}

	up := newFakeFiles()
	receipt, err := uploadTabular(context.Background(), up, "test-extract", extract)
	require.NoError(t, err)

	base := "test-extract/2023-01-02t13-04-05/parquet"
	assert.Equal(t, "ftps", receipt.Destination)
	assert.Equal(t, base, receipt.Location)

	require.Len(t, up.files, 3)
	assert.Equal(t, []byte("person"), up.files[base+"/omop/public/PERSON.parquet"])
	assert.Equal(t, []byte("procedure"), up.files[base+"/omop/public/PROCEDURE_OCCURRENCE.parquet"])

	linker := up.files[base+"/radiology/IMAGE_LINKER.parquet"]
	require.NotEmpty(t, linker)
	assert.Equal(t, extract.Linker, readLinker(t, linker))

	var total int64
	for _, data := range up.files {
		total += int64(len(data))
	}
	assert.Equal(t, total, receipt.Bytes)
}

func TestUploadTabularLinkerOnly(t *testing.T) {
	extract := &TabularExtract{
		ExtractDatetime: time.Date(2023, 1, 2, 13, 4, 5, 0, time.UTC),
	}

	up := newFakeFiles()
	receipt, err := uploadTabular(context.Background(), up, "p", extract)
	require.NoError(t, err)

	require.Len(t, up.files, 1)
	assert.Contains(t, up.files, "p/2023-01-02t13-04-05/parquet/radiology/IMAGE_LINKER.parquet")
	assert.Positive(t, receipt.Bytes)
}

func TestUploadTabularMissingSourceDir(t *testing.T) {
	extract := &TabularExtract{
		ExtractDatetime: time.Now(),
		SourceDir:       filepath.Join(t.TempDir(), "nope"),
	}

	_, err := uploadTabular(context.Background(), newFakeFiles(), "p", extract)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading extract directory")
}

func TestExportTabularDestinationNone(t *testing.T) {
	project := projectstest.Project(t)
	r := NewRouter(testConfig(), secretService(t, nil), log.NewNopLogger())

	receipt, err := r.ExportTabular(context.Background(), project, &TabularExtract{ExtractDatetime: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, "none", receipt.Destination)
}
