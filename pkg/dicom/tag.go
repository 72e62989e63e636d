package dicom

import "fmt"

// Tag addresses one data element: a (group, element) pair as defined by
// PS3.5. Tags sort by group first, element second.
type Tag struct {
	Group   uint16
	Element uint16
}

func (t Tag) String() string {
	return fmt.Sprintf("(%04x,%04x)", t.Group, t.Element)
}

// key packs the tag into one comparable word, preserving sort order.
func (t Tag) key() uint32 {
	return uint32(t.Group)<<16 | uint32(t.Element)
}

// Compare returns -1, 0 or 1 ordering tags by group then element.
func (t Tag) Compare(o Tag) int {
	switch {
	case t.key() < o.key():
		return -1
	case t.key() > o.key():
		return 1
	default:
		return 0
	}
}

// IsPrivate reports whether the tag sits in an odd-numbered group. Private
// elements carry vendor data and are removed unless a scheme lists them.
func (t Tag) IsPrivate() bool {
	return t.Group%2 == 1
}

// IsFileMeta reports whether the tag belongs to the file meta group (0002).
func (t Tag) IsFileMeta() bool {
	return t.Group == 0x0002
}

// Tags referenced by name throughout the pipeline.
var (
	TagFileMetaInformationGroupLength = Tag{0x0002, 0x0000}
	TagMediaStorageSOPClassUID        = Tag{0x0002, 0x0002}
	TagMediaStorageSOPInstanceUID     = Tag{0x0002, 0x0003}
	TagTransferSyntaxUID              = Tag{0x0002, 0x0010}
	TagImplementationClassUID         = Tag{0x0002, 0x0012}
	TagImplementationVersionName      = Tag{0x0002, 0x0013}

	TagSpecificCharacterSet = Tag{0x0008, 0x0005}
	TagSOPClassUID          = Tag{0x0008, 0x0016}
	TagSOPInstanceUID       = Tag{0x0008, 0x0018}
	TagStudyDate            = Tag{0x0008, 0x0020}
	TagSeriesDate           = Tag{0x0008, 0x0021}
	TagAcquisitionDate      = Tag{0x0008, 0x0022}
	TagContentDate          = Tag{0x0008, 0x0023}
	TagStudyTime            = Tag{0x0008, 0x0030}
	TagSeriesTime           = Tag{0x0008, 0x0031}
	TagAcquisitionDateTime  = Tag{0x0008, 0x002a}
	TagAccessionNumber      = Tag{0x0008, 0x0050}
	TagModality             = Tag{0x0008, 0x0060}
	TagManufacturer         = Tag{0x0008, 0x0070}
	TagInstitutionName      = Tag{0x0008, 0x0080}
	TagStudyDescription     = Tag{0x0008, 0x1030}
	TagSeriesDescription    = Tag{0x0008, 0x103e}

	TagPatientName      = Tag{0x0010, 0x0010}
	TagPatientID        = Tag{0x0010, 0x0020}
	TagPatientBirthDate = Tag{0x0010, 0x0030}
	TagPatientSex       = Tag{0x0010, 0x0040}
	TagPatientAge       = Tag{0x0010, 0x1010}

	TagStudyInstanceUID  = Tag{0x0020, 0x000d}
	TagSeriesInstanceUID = Tag{0x0020, 0x000e}
	TagStudyID           = Tag{0x0020, 0x0010}
	TagSeriesNumber      = Tag{0x0020, 0x0011}
	TagInstanceNumber    = Tag{0x0020, 0x0013}
	TagFrameOfReference  = Tag{0x0020, 0x0052}

	TagPixelData = Tag{0x7fe0, 0x0010}

	tagItem              = Tag{0xfffe, 0xe000}
	tagItemDelimiter     = Tag{0xfffe, 0xe00d}
	tagSequenceDelimiter = Tag{0xfffe, 0xe0dd}
)
