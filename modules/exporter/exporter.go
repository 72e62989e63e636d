// Package exporter routes anonymised studies and tabular extracts to a
// project's configured destination: FTPS, DICOMweb (STOW-RS) or XNAT.
// Credentials are resolved from the secret store when an uploader is built,
// never persisted in configuration.
package exporter

import (
	"context"
	"flag"
	"sort"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/multierr"

	"github.com/uclh-foundry/pixl/modules/anonymiser"
	"github.com/uclh-foundry/pixl/modules/projects"
	"github.com/uclh-foundry/pixl/modules/secrets"
	"github.com/uclh-foundry/pixl/pkg/util"
)

// ErrRejected marks an upload the destination refused outright: bad
// credentials, a validation failure, a policy conflict. Retrying the same
// payload cannot succeed, so the scheduler records these as failed rather
// than requeueing.
var ErrRejected = errors.New("upload rejected by destination")

var (
	metricUploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pixl",
		Subsystem: "exporter",
		Name:      "uploads_total",
		Help:      "Study uploads by destination and outcome.",
	}, []string{"destination", "outcome"})
	metricUploadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pixl",
		Subsystem: "exporter",
		Name:      "upload_duration_seconds",
		Help:      "Time spent uploading one study.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"destination"})
	metricUploadBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pixl",
		Subsystem: "exporter",
		Name:      "uploaded_bytes_total",
		Help:      "Bytes shipped to destinations.",
	}, []string{"destination"})
)

// StudyExport is the unit of export: one anonymised study with the
// identifiers the destination files under.
type StudyExport struct {
	ProjectSlug     string
	PseudoPatientID string
	AnonStudyUID    string
	Instances       []anonymiser.Instance
}

// Receipt describes where an upload landed.
type Receipt struct {
	Destination string
	Location    string
	Bytes       int64
}

// Uploader ships one study to a destination. Close releases any session or
// connection the uploader holds; uploaders are built per export and not
// reused across projects.
type Uploader interface {
	UploadStudy(ctx context.Context, study *StudyExport) (*Receipt, error)
	Close() error
}

// FileUploader is the extra surface destinations with a filesystem-like
// layout expose for tabular extracts.
type FileUploader interface {
	UploadFile(ctx context.Context, remotePath string, data []byte) error
}

type Config struct {
	Timeout               time.Duration `yaml:"timeout"`
	TLSInsecureSkipVerify bool          `yaml:"tls_insecure_skip_verify"`

	// XNATOverwrite and XNATDestination, when set, override every project's
	// XNAT import options. Populated from XNAT_OVERWRITE / XNAT_DESTINATION.
	XNATOverwrite   string `yaml:"xnat_overwrite,omitempty"`
	XNATDestination string `yaml:"xnat_destination,omitempty"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.BoolVar(&cfg.TLSInsecureSkipVerify, util.PrefixConfig(prefix, "tls-insecure-skip-verify"), false,
		"Skip TLS certificate verification on upload endpoints.")
	cfg.Timeout = 5 * time.Minute
}

// Router picks and drives the uploader for a project's destination.
type Router struct {
	cfg     Config
	secrets *secrets.Service
	logger  log.Logger
}

func NewRouter(cfg Config, sec *secrets.Service, logger log.Logger) *Router {
	return &Router{cfg: cfg, secrets: sec, logger: logger}
}

// ExportStudy ships one anonymised study to the project's DICOM
// destination. Credential failures and connection errors come back as
// transient errors; destination refusals wrap ErrRejected.
func (r *Router) ExportStudy(ctx context.Context, project *projects.ProjectConfig, study *StudyExport) (*Receipt, error) {
	dest := string(project.Destination.DICOM)

	up, err := r.uploaderFor(ctx, project)
	if err != nil {
		metricUploads.WithLabelValues(dest, "error").Inc()
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	start := time.Now()
	receipt, err := up.UploadStudy(ctx, study)
	err = multierr.Append(err, up.Close())
	if err != nil {
		metricUploads.WithLabelValues(dest, outcomeOf(err)).Inc()
		return nil, err
	}

	metricUploads.WithLabelValues(dest, "ok").Inc()
	metricUploadDuration.WithLabelValues(dest).Observe(time.Since(start).Seconds())
	metricUploadBytes.WithLabelValues(dest).Add(float64(receipt.Bytes))
	level.Info(r.logger).Log("msg", "study exported",
		"project", project.Slug,
		"destination", dest,
		"location", receipt.Location,
		"bytes", receipt.Bytes,
		"duration", time.Since(start))
	return receipt, nil
}

func (r *Router) uploaderFor(ctx context.Context, project *projects.ProjectConfig) (Uploader, error) {
	ps := r.secrets.ForProject(project.KVAlias)
	switch project.Destination.DICOM {
	case projects.DestinationNone:
		return nopUploader{logger: r.logger}, nil
	case projects.DestinationFTPS:
		return newFTPS(ctx, r.cfg, ps, r.logger)
	case projects.DestinationDICOMWeb:
		return newDICOMWeb(ctx, r.cfg, ps, r.logger)
	case projects.DestinationXNAT:
		opts := project.XNAT
		if r.cfg.XNATOverwrite != "" {
			opts.Overwrite = r.cfg.XNATOverwrite
		}
		if r.cfg.XNATDestination != "" {
			opts.Destination = r.cfg.XNATDestination
		}
		return newXNAT(ctx, r.cfg, ps, opts, r.logger)
	default:
		return nil, errors.Errorf("unknown DICOM destination %q", project.Destination.DICOM)
	}
}

func outcomeOf(err error) string {
	if errors.Is(err, ErrRejected) {
		return "rejected"
	}
	return "error"
}

// nopUploader serves projects with destination "none": anonymisation runs
// for its side effects (ledger identifiers) but nothing leaves the trust
// boundary.
type nopUploader struct {
	logger log.Logger
}

func (n nopUploader) UploadStudy(_ context.Context, study *StudyExport) (*Receipt, error) {
	level.Debug(n.logger).Log("msg", "destination none, study not shipped", "anon_study_uid", study.AnonStudyUID)
	return &Receipt{Destination: string(projects.DestinationNone)}, nil
}

func (n nopUploader) Close() error { return nil }

func sortedInstances(study *StudyExport) []anonymiser.Instance {
	out := append([]anonymiser.Instance(nil), study.Instances...)
	sort.Slice(out, func(i, j int) bool { return out[i].SOPInstanceUID < out[j].SOPInstanceUID })
	return out
}
