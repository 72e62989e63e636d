package exporter

import (
	"bytes"
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-kit/log/level"
	"github.com/parquet-go/parquet-go"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/uclh-foundry/pixl/modules/projects"
)

// extractDirFormat names one extract's directory after its datetime, with
// characters every destination filesystem accepts.
const extractDirFormat = "2006-01-02t15-04-05"

// LinkerRow pairs the identifiers research teams join imaging onto tabular
// data with: the pseudonymised patient identifier and the anonymised study
// UID.
type LinkerRow struct {
	HashedIdentifier string `parquet:"hashed_identifier"`
	PseudoStudyUID   string `parquet:"pseudo_study_uid"`
}

// TabularExtract is one OMOP extract staged for upload: the public parquet
// files on local disk plus the image linker rows from the ledger.
type TabularExtract struct {
	ExtractDatetime time.Time
	SourceDir       string
	Linker          []LinkerRow
}

func writeLinker(rows []LinkerRow) ([]byte, error) {
	buf := &bytes.Buffer{}
	w := parquet.NewGenericWriter[LinkerRow](buf)
	if len(rows) > 0 {
		if _, err := w.Write(rows); err != nil {
			return nil, errors.Wrap(err, "writing image linker")
		}
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "writing image linker")
	}
	return buf.Bytes(), nil
}

// ExportTabular ships one extract to the project's parquet destination as
// <slug>/<extract-datetime>/parquet/omop/public/*.parquet plus
// <slug>/<extract-datetime>/parquet/radiology/IMAGE_LINKER.parquet.
func (r *Router) ExportTabular(ctx context.Context, project *projects.ProjectConfig, extract *TabularExtract) (*Receipt, error) {
	switch project.Destination.Parquet {
	case projects.DestinationNone:
		level.Info(r.logger).Log("msg", "tabular destination none, extract not shipped", "project", project.Slug)
		return &Receipt{Destination: string(projects.DestinationNone)}, nil
	case projects.DestinationFTPS:
	default:
		return nil, errors.Errorf("destination %q cannot receive tabular extracts", project.Destination.Parquet)
	}

	up, err := newFTPS(ctx, r.cfg, r.secrets.ForProject(project.KVAlias), r.logger)
	if err != nil {
		metricUploads.WithLabelValues("ftps", "error").Inc()
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	receipt, err := uploadTabular(ctx, up, project.Slug, extract)
	err = multierr.Append(err, up.Close())
	if err != nil {
		metricUploads.WithLabelValues("ftps", outcomeOf(err)).Inc()
		return nil, err
	}

	metricUploads.WithLabelValues("ftps", "ok").Inc()
	metricUploadBytes.WithLabelValues("ftps").Add(float64(receipt.Bytes))
	level.Info(r.logger).Log("msg", "tabular extract exported",
		"project", project.Slug,
		"location", receipt.Location,
		"bytes", receipt.Bytes,
		"linker_rows", len(extract.Linker))
	return receipt, nil
}

func uploadTabular(ctx context.Context, up FileUploader, slug string, extract *TabularExtract) (*Receipt, error) {
	base := path.Join(slug, extract.ExtractDatetime.UTC().Format(extractDirFormat), "parquet")

	var total int64
	if extract.SourceDir != "" {
		entries, err := os.ReadDir(extract.SourceDir)
		if err != nil {
			return nil, errors.Wrap(err, "reading extract directory")
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".parquet") {
				continue
			}
			data, err := os.ReadFile(filepath.Join(extract.SourceDir, e.Name()))
			if err != nil {
				return nil, errors.Wrapf(err, "reading %s", e.Name())
			}
			if err := up.UploadFile(ctx, path.Join(base, "omop", "public", e.Name()), data); err != nil {
				return nil, err
			}
			total += int64(len(data))
		}
	}

	linker, err := writeLinker(extract.Linker)
	if err != nil {
		return nil, err
	}
	if err := up.UploadFile(ctx, path.Join(base, "radiology", "IMAGE_LINKER.parquet"), linker); err != nil {
		return nil, err
	}
	total += int64(len(linker))

	return &Receipt{Destination: "ftps", Location: base, Bytes: total}, nil
}
