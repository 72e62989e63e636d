// Package dicomstore speaks to the two DICOM cache stores: the raw cache
// holding identifiable studies and the staging store holding anonymised
// ones. Both expose the same REST surface; the raw cache additionally
// proxies DIMSE operations against named remote modalities.
package dicomstore

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrNotFound reports that a study or instance is absent from the store.
var ErrNotFound = errors.New("not found in dicom store")

// StudyInfo is the store's view of one cached study.
type StudyInfo struct {
	StudyUID        string    `json:"study_uid"`
	Instances       int       `json:"instances"`
	IsStable        bool      `json:"is_stable"`
	LastUpdate      time.Time `json:"last_update"`
	DiskSizeBytes   int64     `json:"disk_size_bytes"`
	PatientID       string    `json:"patient_id"`
	AccessionNumber string    `json:"accession_number"`
}

// InstanceInfo identifies one instance of a cached study.
type InstanceInfo struct {
	SOPInstanceUID    string `json:"sop_instance_uid"`
	SeriesInstanceUID string `json:"series_instance_uid"`
	SizeBytes         int64  `json:"size_bytes"`
}

// StudyMatch is one study-level query answer from a remote modality.
type StudyMatch struct {
	StudyInstanceUID  string `json:"study_instance_uid"`
	NumberOfInstances int    `json:"number_of_instances"`
}

// Query carries the matching keys for a study-level C-FIND. StudyUID wins
// when set; otherwise PatientID plus AccessionNumber match.
type Query struct {
	StudyUID        string `json:"study_uid,omitempty"`
	PatientID       string `json:"patient_id,omitempty"`
	AccessionNumber string `json:"accession_number,omitempty"`
}

// ChangeKind enumerates store change feed entries.
type ChangeKind string

const (
	ChangeNewInstance ChangeKind = "new-instance"
	ChangeStableStudy ChangeKind = "stable-study"
)

// Change is one entry of the store's change feed.
type Change struct {
	Seq            int64      `json:"seq"`
	Kind           ChangeKind `json:"kind"`
	StudyUID       string     `json:"study_uid"`
	SOPInstanceUID string     `json:"sop_instance_uid,omitempty"`
}

// ChangeSet is a page of the change feed.
type ChangeSet struct {
	Changes []Change `json:"changes"`
	Last    int64    `json:"last"`
	Done    bool     `json:"done"`
}

// Store is the cache surface shared by the raw and staging stores.
type Store interface {
	Ping(ctx context.Context) error
	Studies(ctx context.Context) ([]string, error)
	StudyInfo(ctx context.Context, studyUID string) (StudyInfo, error)
	Instances(ctx context.Context, studyUID string) ([]InstanceInfo, error)
	InstanceData(ctx context.Context, sopInstanceUID string) ([]byte, error)
	Upload(ctx context.Context, dicomBytes []byte) error
	DeleteStudy(ctx context.Context, studyUID string) error
	Changes(ctx context.Context, since int64, limit int) (ChangeSet, error)
}

// Proxy is the DIMSE surface of the raw cache: C-ECHO, C-FIND and C-MOVE
// against named remote modalities, with transfers landing in the store.
type Proxy interface {
	Echo(ctx context.Context, modality string) error
	QueryRemote(ctx context.Context, modality string, q Query) ([]StudyMatch, error)
	QueryRemoteInstances(ctx context.Context, modality, studyUID string) ([]string, error)
	RetrieveRemote(ctx context.Context, modality, studyUID string, sopInstanceUIDs []string) error
}
