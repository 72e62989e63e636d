package dicom

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFile() *File {
	data := NewDataSet()
	data.SetString(TagSOPClassUID, VRUniqueIdentifier, "1.2.840.10008.5.1.4.1.1.2")
	data.SetString(TagSOPInstanceUID, VRUniqueIdentifier, "1.2.3.4.5")
	data.SetString(TagStudyInstanceUID, VRUniqueIdentifier, "1.2.3.4")
	data.SetString(TagSeriesInstanceUID, VRUniqueIdentifier, "1.2.3")
	data.SetString(TagPatientName, VRPersonName, "DOE^JANE")
	data.SetString(TagPatientID, VRLongString, "mrn-123")
	data.SetString(TagStudyDate, VRDate, "20240102")
	data.SetString(TagModality, VRCodeString, "CT")
	data.Set(NewInt(Tag{0x0028, 0x0010}, VRUnsignedShort, 2))
	data.Set(NewInt(Tag{0x0028, 0x0011}, VRUnsignedShort, 2))
	data.Set(NewBytes(TagPixelData, VROtherWord, []byte{1, 2, 3, 4, 5, 6, 7, 8}))

	item := NewDataSet()
	item.SetString(Tag{0x0008, 0x1150}, VRUniqueIdentifier, "1.2.840.10008.5.1.4.1.1.2")
	item.SetString(Tag{0x0008, 0x1155}, VRUniqueIdentifier, "1.9.9.9")
	data.Set(NewSequence(Tag{0x0008, 0x1140}, item))

	// private element, odd group
	data.Set(NewString(Tag{0x0009, 0x0010}, VRLongString, "ACME PRIVATE"))

	return &File{
		Meta: NewFileMeta("1.2.840.10008.5.1.4.1.1.2", "1.2.3.4.5"),
		Data: data,
	}
}

func TestWriteParseRoundTrip(t *testing.T) {
	f := testFile()

	encoded, err := Write(f)
	require.NoError(t, err)

	parsed, err := Parse(encoded)
	require.NoError(t, err)

	assert.Equal(t, ExplicitVRLittleEndian, parsed.TransferSyntax())
	assert.Equal(t, "1.2.3.4.5", parsed.SOPInstanceUID())
	assert.Equal(t, "DOE^JANE", parsed.Data.MustString(TagPatientName))
	assert.Equal(t, "mrn-123", parsed.Data.MustString(TagPatientID))
	assert.Equal(t, "ACME PRIVATE", parsed.Data.MustString(Tag{0x0009, 0x0010}))

	rows, ok := parsed.Data.Get(Tag{0x0028, 0x0010})
	require.True(t, ok)
	assert.Equal(t, []int{2}, rows.Ints)

	px, ok := parsed.Data.Get(TagPixelData)
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, px.Bytes)

	seq, ok := parsed.Data.Get(Tag{0x0008, 0x1140})
	require.True(t, ok)
	require.Len(t, seq.Items, 1)
	assert.Equal(t, "1.9.9.9", seq.Items[0].MustString(Tag{0x0008, 0x1155}))
}

func TestWriteIsDeterministic(t *testing.T) {
	a, err := Write(testFile())
	require.NoError(t, err)
	b, err := Write(testFile())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestWriteSyncsMediaStorageIdentity(t *testing.T) {
	f := testFile()
	f.Data.SetString(TagSOPInstanceUID, VRUniqueIdentifier, "9.8.7")

	encoded, err := Write(f)
	require.NoError(t, err)
	parsed, err := Parse(encoded)
	require.NoError(t, err)

	assert.Equal(t, "9.8.7", parsed.Meta.MustString(TagMediaStorageSOPInstanceUID))
}

// buildImplicit crafts a minimal implicit VR little endian stream by hand:
// a 128-byte preamble, an explicit VR meta group advertising the given
// transfer syntax, then implicitly encoded body elements.
func buildImplicit(t *testing.T, transferSyntax string) []byte {
	t.Helper()

	out := make([]byte, magicOffset)
	out = append(out, "DICM"...)

	// (0002,0010) UI, explicit VR, short length form
	ts := transferSyntax
	if len(ts)%2 == 1 {
		ts += "\x00"
	}
	out = binary.LittleEndian.AppendUint16(out, 0x0002)
	out = binary.LittleEndian.AppendUint16(out, 0x0010)
	out = append(out, "UI"...)
	out = binary.LittleEndian.AppendUint16(out, uint16(len(ts)))
	out = append(out, ts...)

	appendElement := func(tag Tag, value []byte) {
		out = binary.LittleEndian.AppendUint16(out, tag.Group)
		out = binary.LittleEndian.AppendUint16(out, tag.Element)
		out = binary.LittleEndian.AppendUint32(out, uint32(len(value)))
		out = append(out, value...)
	}
	appendElement(TagSOPInstanceUID, []byte("1.2.3.4.5\x00"))
	appendElement(TagPatientID, []byte("mrn-42"))
	appendElement(Tag{0x0028, 0x0010}, []byte{0x03, 0x00})

	return out
}

func TestParseImplicitLittleEndian(t *testing.T) {
	parsed, err := Parse(buildImplicit(t, ImplicitVRLittleEndian))
	require.NoError(t, err)

	assert.Equal(t, "1.2.3.4.5", parsed.Data.MustString(TagSOPInstanceUID))
	assert.Equal(t, "mrn-42", parsed.Data.MustString(TagPatientID))

	rows, ok := parsed.Data.Get(Tag{0x0028, 0x0010})
	require.True(t, ok)
	assert.Equal(t, VRUnsignedShort, rows.VR)
	assert.Equal(t, []int{3}, rows.Ints)
}

func TestParseRejectsBadStreams(t *testing.T) {
	f := testFile()
	encoded, err := Write(f)
	require.NoError(t, err)

	corrupted := append([]byte(nil), encoded...)
	corrupted[magicOffset] = 'X'
	_, err = Parse(corrupted)
	assert.ErrorContains(t, err, "DICM")

	_, err = Parse(encoded[:64])
	assert.Error(t, err)

	// JPEG baseline advertised in the meta group
	_, err = Parse(buildImplicit(t, "1.2.840.10008.1.2.4.50"))
	assert.ErrorContains(t, err, "unsupported transfer syntax")
}

func TestMultiValueStrings(t *testing.T) {
	data := NewDataSet()
	data.SetString(TagSOPClassUID, VRUniqueIdentifier, "1.2.840.10008.5.1.4.1.1.2")
	data.SetString(TagSOPInstanceUID, VRUniqueIdentifier, "1.2.3")
	data.Set(NewString(Tag{0x0008, 0x0008}, VRCodeString, "ORIGINAL", "PRIMARY", "AXIAL"))

	encoded, err := Write(&File{Meta: NewFileMeta("1.2.840.10008.5.1.4.1.1.2", "1.2.3"), Data: data})
	require.NoError(t, err)
	parsed, err := Parse(encoded)
	require.NoError(t, err)

	e, ok := parsed.Data.Get(Tag{0x0008, 0x0008})
	require.True(t, ok)
	assert.Equal(t, []string{"ORIGINAL", "PRIMARY", "AXIAL"}, e.Strings)
}

func TestDatasetOrderAndClone(t *testing.T) {
	ds := NewDataSet()
	ds.SetString(TagPatientID, VRLongString, "a")
	ds.SetString(TagSOPInstanceUID, VRUniqueIdentifier, "1.2")
	ds.SetString(TagModality, VRCodeString, "MR")

	tags := ds.Tags()
	require.Len(t, tags, 3)
	assert.Equal(t, TagSOPInstanceUID, tags[0])
	assert.Equal(t, TagModality, tags[1])
	assert.Equal(t, TagPatientID, tags[2])

	clone := ds.Clone()
	clone.SetString(TagPatientID, VRLongString, "b")
	assert.Equal(t, "a", ds.MustString(TagPatientID))
	assert.Equal(t, "b", clone.MustString(TagPatientID))
}
