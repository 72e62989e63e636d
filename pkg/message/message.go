// Package message defines the extract request that flows through the
// imaging queues, plus the readers that build requests from operator input.
package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Priority bounds for queued messages. 5 is most urgent.
const (
	MinPriority = 1
	MaxPriority = 5
)

// ExtractRequest asks the pipeline to pull one study for one project,
// anonymise it and export it. MRN plus accession number identify the study;
// when StudyUID is set it takes precedence for matching.
type ExtractRequest struct {
	MRN                   string    `json:"mrn"`
	AccessionNumber       string    `json:"accession_number"`
	StudyUID              string    `json:"study_uid,omitempty"`
	StudyDate             time.Time `json:"study_date"`
	ProcedureOccurrenceID int64     `json:"procedure_occurrence_id,omitempty"`
	ProjectName           string    `json:"project_name"`
	ExtractDatetime       time.Time `json:"extract_datetime"`
	Priority              uint8     `json:"priority"`
}

// Validate reports whether the request is well-formed enough to process.
// Malformed requests are dead-lettered, never retried.
func (r *ExtractRequest) Validate() error {
	if r.ProjectName == "" {
		return errors.New("project_name is required")
	}
	if r.MRN == "" && r.StudyUID == "" {
		return errors.New("one of mrn or study_uid is required")
	}
	if r.MRN != "" && r.AccessionNumber == "" {
		return errors.New("accession_number is required alongside mrn")
	}
	if r.Priority < MinPriority || r.Priority > MaxPriority {
		return fmt.Errorf("priority %d outside [%d,%d]", r.Priority, MinPriority, MaxPriority)
	}
	return nil
}

// SourceKey is the ledger key for this request: the study UID when the
// message carries one, otherwise the MRN/accession composite. Both message
// shapes for the same study deduplicate against themselves.
func (r *ExtractRequest) SourceKey() string {
	if r.StudyUID != "" {
		return r.StudyUID
	}
	return r.MRN + "/" + r.AccessionNumber
}

// Encode renders the request as its wire JSON.
func (r *ExtractRequest) Encode() ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, errors.Wrap(err, "encoding extract request")
	}
	return b, nil
}

// Decode parses wire JSON into a request. Unknown fields are rejected so a
// malformed producer fails loudly instead of silently dropping data.
func Decode(body []byte) (*ExtractRequest, error) {
	var r ExtractRequest
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&r); err != nil {
		return nil, errors.Wrap(err, "decoding extract request")
	}
	return &r, nil
}
