package exporter

import (
	"bytes"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/pkg/errors"
)

// zipEpoch is the fixed modification time of every archive entry. Embedding
// wall-clock time would make equal studies produce unequal archives.
var zipEpoch = time.Unix(0, 0).UTC()

// BuildStudyZip packs a study's instances into one deflated archive.
// Entries are named by SOPInstanceUID and written in sorted order, so the
// same study always zips to the same bytes.
func BuildStudyZip(study *StudyExport) ([]byte, error) {
	if len(study.Instances) == 0 {
		return nil, errors.New("no instances to archive")
	}

	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	for _, in := range sortedInstances(study) {
		if in.SOPInstanceUID == "" {
			return nil, errors.New("instance without a SOPInstanceUID")
		}
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     in.SOPInstanceUID + ".dcm",
			Method:   zip.Deflate,
			Modified: zipEpoch,
		})
		if err != nil {
			return nil, errors.Wrap(err, "creating archive entry")
		}
		if _, err := w.Write(in.Data); err != nil {
			return nil, errors.Wrap(err, "writing archive entry")
		}
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "finishing archive")
	}
	return buf.Bytes(), nil
}
