package message

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeExtractDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "public"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "private"), 0o755))

	summary := `{"datetime": "2024-06-01T09:30:00Z", "settings": {"cdm_source_name": "Test Extract"}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "extract_summary.json"), []byte(summary), 0o644))

	err := parquet.WriteFile(filepath.Join(dir, "private", "PERSON_LINKS.parquet"), []personLink{
		{PersonID: 1, PrimaryMrn: "M1"},
		{PersonID: 2, PrimaryMrn: "M2"},
	})
	require.NoError(t, err)

	err = parquet.WriteFile(filepath.Join(dir, "private", "PROCEDURE_OCCURRENCE_LINKS.parquet"), []procedureLink{
		{ProcedureOccurrenceID: 10, AccessionNumber: "A1"},
		{ProcedureOccurrenceID: 20, AccessionNumber: "A2"},
	})
	require.NoError(t, err)

	err = parquet.WriteFile(filepath.Join(dir, "public", "PROCEDURE_OCCURRENCE.parquet"), []procedureOccurrence{
		{ProcedureOccurrenceID: 10, PersonID: 1, ProcedureDate: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)},
		{ProcedureOccurrenceID: 20, PersonID: 2, ProcedureDate: time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)},
	})
	require.NoError(t, err)

	return dir
}

func TestFromParquetDir(t *testing.T) {
	dir := writeExtractDir(t)

	requests, summary, err := FromParquetDir(dir, 1)
	require.NoError(t, err)
	require.Len(t, requests, 2)

	assert.Equal(t, "test-extract", summary.Slug)
	assert.Equal(t, "Test Extract", summary.Project)

	byMRN := map[string]ExtractRequest{}
	for _, r := range requests {
		byMRN[r.MRN] = r
	}
	require.Contains(t, byMRN, "M1")
	require.Contains(t, byMRN, "M2")

	r := byMRN["M1"]
	assert.Equal(t, "A1", r.AccessionNumber)
	assert.Equal(t, int64(10), r.ProcedureOccurrenceID)
	assert.Equal(t, "test-extract", r.ProjectName)
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), r.StudyDate)
	assert.NoError(t, r.Validate())
}

func TestFromParquetDirMissingLink(t *testing.T) {
	dir := writeExtractDir(t)

	// drop one person link so the join cannot resolve every row
	err := parquet.WriteFile(filepath.Join(dir, "private", "PERSON_LINKS.parquet"), []personLink{
		{PersonID: 1, PrimaryMrn: "M1"},
	})
	require.NoError(t, err)

	_, _, err = FromParquetDir(dir, 1)
	assert.ErrorContains(t, err, "person_id 2")
}

func TestReadExtractSummaryErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "extract_summary.json")

	_, err := ReadExtractSummary(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`{"datetime": "2024-06-01T09:30:00Z", "settings": {}}`), 0o644))
	_, err = ReadExtractSummary(path)
	assert.ErrorContains(t, err, "cdm_source_name")
}
