package message

import (
	"encoding/csv"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// CSV input needs a header naming at least project_name, mrn and
// accession_number; study_uid and study_datetime are optional columns.
// Column order is free.
var csvColumns = []string{"project_name", "mrn", "accession_number", "study_uid", "study_datetime"}

// FromCSVFile reads one request per data row.
func FromCSVFile(path string, extractDatetime time.Time, priority uint8) ([]ExtractRequest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening csv")
	}
	defer f.Close()
	return fromCSV(f, extractDatetime, priority)
}

func fromCSV(r io.Reader, extractDatetime time.Time, priority uint8) ([]ExtractRequest, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, errors.Wrap(err, "reading csv header")
	}
	idx := make(map[string]int, len(header))
	for i, name := range header {
		idx[strings.TrimSpace(strings.ToLower(name))] = i
	}
	for _, required := range csvColumns[:3] {
		if _, ok := idx[required]; !ok {
			return nil, errors.Errorf("csv header lacks required column %q", required)
		}
	}

	field := func(row []string, name string) string {
		i, ok := idx[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var requests []ExtractRequest
	for line := 2; ; line++ {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "csv line %d", line)
		}

		req := ExtractRequest{
			MRN:             field(row, "mrn"),
			AccessionNumber: field(row, "accession_number"),
			StudyUID:        field(row, "study_uid"),
			ProjectName:     field(row, "project_name"),
			ExtractDatetime: extractDatetime.UTC(),
			Priority:        priority,
		}
		if raw := field(row, "study_datetime"); raw != "" {
			ts, err := parseStudyDatetime(raw)
			if err != nil {
				return nil, errors.Wrapf(err, "csv line %d", line)
			}
			req.StudyDate = ts
		}
		if err := req.Validate(); err != nil {
			return nil, errors.Wrapf(err, "csv line %d", line)
		}
		requests = append(requests, req)
	}
	if len(requests) == 0 {
		return nil, errors.New("csv holds no data rows")
	}
	return requests, nil
}

func parseStudyDatetime(raw string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, errors.Errorf("unparseable study_datetime %q", raw)
}
