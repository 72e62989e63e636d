package dicom

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/pkg/errors"
)

// Identity of this writer, carried in every file meta group it emits.
const (
	implementationClassUID    = "2.25.62396283917864972534203"
	implementationVersionName = "PIXL_GO_01"
)

// Write encodes a file as part-10 explicit VR little endian, regardless of
// the syntax it was parsed from. Elements are emitted in tag order and
// sequences use undefined lengths with explicit delimiters, so encoding any
// given dataset is deterministic.
func Write(f *File) ([]byte, error) {
	meta := f.Meta.Clone()
	meta.SetString(TagTransferSyntaxUID, VRUniqueIdentifier, ExplicitVRLittleEndian)
	meta.SetString(TagImplementationClassUID, VRUniqueIdentifier, implementationClassUID)
	meta.SetString(TagImplementationVersionName, VRShortString, implementationVersionName)
	meta.Delete(TagFileMetaInformationGroupLength)

	// Media storage identity must agree with the dataset.
	if uid := f.Data.MustString(TagSOPInstanceUID); uid != "" {
		meta.SetString(TagMediaStorageSOPInstanceUID, VRUniqueIdentifier, uid)
	}
	if uid := f.Data.MustString(TagSOPClassUID); uid != "" {
		meta.SetString(TagMediaStorageSOPClassUID, VRUniqueIdentifier, uid)
	}

	var metaBuf bytes.Buffer
	for _, e := range meta.Elements() {
		if err := writeElement(&metaBuf, e); err != nil {
			return nil, errors.Wrap(err, "dicom: encoding file meta")
		}
	}

	var out bytes.Buffer
	out.Write(make([]byte, magicOffset))
	out.WriteString("DICM")

	groupLen := NewInt(TagFileMetaInformationGroupLength, VRUnsignedLong, metaBuf.Len())
	if err := writeElement(&out, groupLen); err != nil {
		return nil, err
	}
	out.Write(metaBuf.Bytes())

	for _, e := range f.Data.Elements() {
		if e.Tag.IsFileMeta() {
			continue
		}
		if err := writeElement(&out, e); err != nil {
			return nil, errors.Wrap(err, "dicom: encoding dataset")
		}
	}
	return out.Bytes(), nil
}

// NewFileMeta builds the minimal file meta group the writer completes on
// encode.
func NewFileMeta(sopClassUID, sopInstanceUID string) *DataSet {
	meta := NewDataSet()
	meta.Set(NewBytes(Tag{0x0002, 0x0001}, VROtherByte, []byte{0x00, 0x01}))
	meta.SetString(TagMediaStorageSOPClassUID, VRUniqueIdentifier, sopClassUID)
	meta.SetString(TagMediaStorageSOPInstanceUID, VRUniqueIdentifier, sopInstanceUID)
	meta.SetString(TagTransferSyntaxUID, VRUniqueIdentifier, ExplicitVRLittleEndian)
	return meta
}

func writeElement(w *bytes.Buffer, e *Element) error {
	if e.VR == VRSequence {
		return writeSequence(w, e)
	}

	value, err := encodeValue(e)
	if err != nil {
		return err
	}

	writeTag(w, e.Tag)
	w.WriteString(string(e.VR))
	if e.VR.info().wide {
		w.Write([]byte{0, 0})
		writeUint32(w, uint32(len(value)))
	} else {
		if len(value) > math.MaxUint16 {
			return fmt.Errorf("element %s: value of %d bytes exceeds the %s length field", e.Tag, len(value), e.VR)
		}
		writeUint16(w, uint16(len(value)))
	}
	w.Write(value)
	return nil
}

func writeSequence(w *bytes.Buffer, e *Element) error {
	writeTag(w, e.Tag)
	w.WriteString(string(VRSequence))
	w.Write([]byte{0, 0})
	writeUint32(w, undefinedLong)

	for _, item := range e.Items {
		writeTag(w, tagItem)
		writeUint32(w, undefinedLong)
		for _, el := range item.Elements() {
			if err := writeElement(w, el); err != nil {
				return err
			}
		}
		writeTag(w, tagItemDelimiter)
		writeUint32(w, 0)
	}

	writeTag(w, tagSequenceDelimiter)
	writeUint32(w, 0)
	return nil
}

func encodeValue(e *Element) ([]byte, error) {
	info := e.VR.info()
	switch info.kind {
	case kindString:
		s := strings.Join(e.Strings, `\`)
		if len(s)%2 == 1 {
			if info.nullPad {
				s += "\x00"
			} else {
				s += " "
			}
		}
		return []byte(s), nil
	case kindInt:
		out := make([]byte, 0, len(e.Ints)*info.wordSize)
		for _, v := range e.Ints {
			switch info.wordSize {
			case 2:
				out = binary.LittleEndian.AppendUint16(out, uint16(v))
			default:
				out = binary.LittleEndian.AppendUint32(out, uint32(v))
			}
		}
		return out, nil
	case kindFloat:
		out := make([]byte, 0, len(e.Floats)*info.wordSize)
		for _, v := range e.Floats {
			if info.wordSize == 4 {
				out = binary.LittleEndian.AppendUint32(out, math.Float32bits(float32(v)))
			} else {
				out = binary.LittleEndian.AppendUint64(out, math.Float64bits(v))
			}
		}
		return out, nil
	default:
		b := e.Bytes
		if len(b)%2 == 1 {
			b = append(append([]byte(nil), b...), 0)
		}
		return b, nil
	}
}

func writeTag(w *bytes.Buffer, t Tag) {
	writeUint16(w, t.Group)
	writeUint16(w, t.Element)
}

func writeUint16(w *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.Write(b[:])
}

func writeUint32(w *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.Write(b[:])
}
