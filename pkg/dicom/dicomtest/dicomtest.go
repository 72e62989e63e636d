// Package dicomtest builds synthetic instances for tests.
package dicomtest

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/uclh-foundry/pixl/pkg/dicom"
)

const ctImageStorage = "1.2.840.10008.5.1.4.1.1.2"

// InstanceSpec describes one synthetic instance. Zero fields get defaults
// that form a coherent CT study.
type InstanceSpec struct {
	StudyUID          string
	SeriesUID         string
	SOPUID            string
	Modality          string
	SeriesDescription string
	SeriesNumber      int
	Manufacturer      string
	PatientID         string
	PatientName       string
	AccessionNumber   string
	StudyDate         string
	StudyTime         string
	PatientBirthDate  string
	PatientAge        string
}

func (s *InstanceSpec) defaults() {
	if s.StudyUID == "" {
		s.StudyUID = "1.2.826.0.1.999.1"
	}
	if s.SeriesUID == "" {
		s.SeriesUID = s.StudyUID + ".1"
	}
	if s.SOPUID == "" {
		s.SOPUID = s.SeriesUID + ".1"
	}
	if s.Modality == "" {
		s.Modality = "CT"
	}
	if s.SeriesNumber == 0 {
		s.SeriesNumber = 1
	}
	if s.Manufacturer == "" {
		s.Manufacturer = "Acme Medical"
	}
	if s.PatientID == "" {
		s.PatientID = "mrn-0001"
	}
	if s.PatientName == "" {
		s.PatientName = "DOE^JANE"
	}
	if s.AccessionNumber == "" {
		s.AccessionNumber = "ACC-0001"
	}
	if s.StudyDate == "" {
		s.StudyDate = "20240102"
	}
	if s.StudyTime == "" {
		s.StudyTime = "101500"
	}
}

// NewInstance builds a parsed file from the spec.
func NewInstance(spec InstanceSpec) *dicom.File {
	spec.defaults()

	ds := dicom.NewDataSet()
	ds.SetString(dicom.TagSOPClassUID, dicom.VRUniqueIdentifier, ctImageStorage)
	ds.SetString(dicom.TagSOPInstanceUID, dicom.VRUniqueIdentifier, spec.SOPUID)
	ds.SetString(dicom.TagStudyInstanceUID, dicom.VRUniqueIdentifier, spec.StudyUID)
	ds.SetString(dicom.TagSeriesInstanceUID, dicom.VRUniqueIdentifier, spec.SeriesUID)
	ds.SetString(dicom.TagModality, dicom.VRCodeString, spec.Modality)
	ds.SetString(dicom.TagManufacturer, dicom.VRLongString, spec.Manufacturer)
	ds.SetString(dicom.TagPatientID, dicom.VRLongString, spec.PatientID)
	ds.SetString(dicom.TagPatientName, dicom.VRPersonName, spec.PatientName)
	ds.SetString(dicom.TagAccessionNumber, dicom.VRShortString, spec.AccessionNumber)
	ds.SetString(dicom.TagStudyDate, dicom.VRDate, spec.StudyDate)
	ds.SetString(dicom.TagStudyTime, dicom.VRTime, spec.StudyTime)
	ds.SetString(dicom.TagSeriesNumber, dicom.VRIntegerString, fmt.Sprintf("%d", spec.SeriesNumber))
	if spec.SeriesDescription != "" {
		ds.SetString(dicom.TagSeriesDescription, dicom.VRLongString, spec.SeriesDescription)
	}
	if spec.PatientBirthDate != "" {
		ds.SetString(dicom.TagPatientBirthDate, dicom.VRDate, spec.PatientBirthDate)
	}
	if spec.PatientAge != "" {
		ds.SetString(dicom.TagPatientAge, dicom.VRAgeString, spec.PatientAge)
	}
	ds.Set(dicom.NewBytes(dicom.TagPixelData, dicom.VROtherWord, []byte{0, 1, 2, 3}))

	return &dicom.File{
		Meta: dicom.NewFileMeta(ctImageStorage, spec.SOPUID),
		Data: ds,
	}
}

// Encode builds and encodes an instance, failing the test on error.
func Encode(t testing.TB, spec InstanceSpec) []byte {
	t.Helper()
	b, err := dicom.Write(NewInstance(spec))
	require.NoError(t, err)
	return b
}

// EncodeStudy builds count instances spread over one series of a study.
func EncodeStudy(t testing.TB, studyUID string, count int) [][]byte {
	t.Helper()
	out := make([][]byte, 0, count)
	for i := 1; i <= count; i++ {
		out = append(out, Encode(t, InstanceSpec{
			StudyUID:  studyUID,
			SeriesUID: studyUID + ".1",
			SOPUID:    fmt.Sprintf("%s.1.%d", studyUID, i),
		}))
	}
	return out
}
