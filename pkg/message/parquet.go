package message

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/pkg/errors"

	"github.com/uclh-foundry/pixl/pkg/util"
)

// An extract directory is the OMOP extract layout:
//
//	<dir>/extract_summary.json
//	<dir>/public/PROCEDURE_OCCURRENCE.parquet
//	<dir>/private/PERSON_LINKS.parquet
//	<dir>/private/PROCEDURE_OCCURRENCE_LINKS.parquet
//
// The private files link de-identified OMOP ids back to hospital
// identifiers; they never leave the hospital side of the pipeline.

type personLink struct {
	PersonID   int64  `parquet:"person_id"`
	PrimaryMrn string `parquet:"PrimaryMrn"`
}

type procedureLink struct {
	ProcedureOccurrenceID int64  `parquet:"procedure_occurrence_id"`
	AccessionNumber       string `parquet:"AccessionNumber"`
}

type procedureOccurrence struct {
	ProcedureOccurrenceID int64     `parquet:"procedure_occurrence_id"`
	PersonID              int64     `parquet:"person_id"`
	ProcedureDate         time.Time `parquet:"procedure_date,timestamp"`
}

// ExtractSummary is the metadata file accompanying an OMOP extract.
type ExtractSummary struct {
	Datetime time.Time
	Project  string
	Slug     string
}

type extractSummaryJSON struct {
	Datetime string `json:"datetime"`
	Settings struct {
		CDMSourceName string `json:"cdm_source_name"`
	} `json:"settings"`
}

// ReadExtractSummary parses extract_summary.json.
func ReadExtractSummary(path string) (*ExtractSummary, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading extract summary")
	}
	var doc extractSummaryJSON
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrap(err, "parsing extract summary")
	}
	if doc.Settings.CDMSourceName == "" {
		return nil, errors.New("extract summary lacks settings.cdm_source_name")
	}
	ts, err := time.Parse(time.RFC3339, doc.Datetime)
	if err != nil {
		return nil, errors.Wrap(err, "parsing extract summary datetime")
	}
	return &ExtractSummary{
		Datetime: ts,
		Project:  doc.Settings.CDMSourceName,
		Slug:     util.Slugify(doc.Settings.CDMSourceName),
	}, nil
}

// FromParquetDir builds one request per procedure occurrence by joining the
// private link files onto the public procedure table.
func FromParquetDir(dir string, priority uint8) ([]ExtractRequest, *ExtractSummary, error) {
	summary, err := ReadExtractSummary(filepath.Join(dir, "extract_summary.json"))
	if err != nil {
		return nil, nil, err
	}

	people, err := parquet.ReadFile[personLink](filepath.Join(dir, "private", "PERSON_LINKS.parquet"))
	if err != nil {
		return nil, nil, errors.Wrap(err, "reading PERSON_LINKS")
	}
	accessions, err := parquet.ReadFile[procedureLink](filepath.Join(dir, "private", "PROCEDURE_OCCURRENCE_LINKS.parquet"))
	if err != nil {
		return nil, nil, errors.Wrap(err, "reading PROCEDURE_OCCURRENCE_LINKS")
	}
	procedures, err := parquet.ReadFile[procedureOccurrence](filepath.Join(dir, "public", "PROCEDURE_OCCURRENCE.parquet"))
	if err != nil {
		return nil, nil, errors.Wrap(err, "reading PROCEDURE_OCCURRENCE")
	}

	mrnByPerson := make(map[int64]string, len(people))
	for _, p := range people {
		mrnByPerson[p.PersonID] = p.PrimaryMrn
	}
	accessionByProcedure := make(map[int64]string, len(accessions))
	for _, a := range accessions {
		accessionByProcedure[a.ProcedureOccurrenceID] = a.AccessionNumber
	}

	requests := make([]ExtractRequest, 0, len(procedures))
	for _, proc := range procedures {
		mrn, ok := mrnByPerson[proc.PersonID]
		if !ok {
			return nil, nil, errors.Errorf("person_id %d has no PERSON_LINKS row", proc.PersonID)
		}
		accession, ok := accessionByProcedure[proc.ProcedureOccurrenceID]
		if !ok {
			return nil, nil, errors.Errorf("procedure_occurrence_id %d has no PROCEDURE_OCCURRENCE_LINKS row", proc.ProcedureOccurrenceID)
		}
		requests = append(requests, ExtractRequest{
			MRN:                   mrn,
			AccessionNumber:       accession,
			StudyDate:             proc.ProcedureDate.UTC(),
			ProcedureOccurrenceID: proc.ProcedureOccurrenceID,
			ProjectName:           summary.Slug,
			ExtractDatetime:       summary.Datetime.UTC(),
			Priority:              priority,
		})
	}
	if len(requests) == 0 {
		return nil, nil, errors.Errorf("no messages found in %s", dir)
	}
	return requests, summary, nil
}
