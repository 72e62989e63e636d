// Package api holds the admin HTTP surface shared by the daemon and the
// control CLI: endpoint paths and the JSON documents that cross them.
package api

import "time"

const (
	PathConfig            = "/config"
	PathReady             = "/ready"
	PathHeartBeat         = "/heart-beat"
	PathStatusQueues      = "/status/queues"
	PathTokenBucket       = "/token-bucket"
	PathExportPatientData = "/export-patient-data"
)

// QueueDepth is the broker-side view of one queue.
type QueueDepth struct {
	Name      string `json:"name"`
	Messages  int    `json:"messages"`
	Consumers int    `json:"consumers"`
}

// LedgerCount is the number of ledger records in one state for one project.
type LedgerCount struct {
	Project string `json:"project"`
	State   string `json:"state"`
	Count   int    `json:"count"`
}

// StatusQueuesResponse is the GET /status/queues document.
type StatusQueuesResponse struct {
	Queues []QueueDepth  `json:"queues"`
	Ledger []LedgerCount `json:"ledger,omitempty"`
}

// RateInfo is one token bucket in the GET /token-bucket listing.
type RateInfo struct {
	Source string  `json:"source"`
	Rate   float64 `json:"rate"`
	Burst  int     `json:"burst"`
}

// RateUpdate is the PUT /token-bucket body. An empty source retunes every
// bucket. Rate 0 pauses consumption; burst 0 keeps the current capacity.
type RateUpdate struct {
	Source string  `json:"source,omitempty"`
	Rate   float64 `json:"rate"`
	Burst  int     `json:"burst,omitempty"`
}

// ExportPatientDataRequest asks the daemon to ship one OMOP extract: the
// public parquet files under ExtractDir plus the image linker rows for
// every study the ledger has marked exported. ExtractDir must be visible
// from the daemon's filesystem.
type ExportPatientDataRequest struct {
	ExtractDir string `json:"extract_dir"`
}

// ExportPatientDataResponse reports where the extract landed.
type ExportPatientDataResponse struct {
	Project         string    `json:"project"`
	ExtractDatetime time.Time `json:"extract_datetime"`
	Destination     string    `json:"destination"`
	Location        string    `json:"location,omitempty"`
	LinkerRows      int       `json:"linker_rows"`
}
