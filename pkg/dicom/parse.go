package dicom

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// Transfer syntaxes this codec reads. Everything is written back out as
// explicit VR little endian.
const (
	ImplicitVRLittleEndian = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"
)

const (
	magicOffset   = 128
	undefinedLong = 0xffffffff
)

// File is one part-10 encoded instance: the file meta group and the main
// dataset.
type File struct {
	Meta *DataSet
	Data *DataSet
}

// TransferSyntax returns the file's transfer syntax UID.
func (f *File) TransferSyntax() string {
	return f.Meta.MustString(TagTransferSyntaxUID)
}

// SOPInstanceUID returns the instance identity from the main dataset.
func (f *File) SOPInstanceUID() string {
	return f.Data.MustString(TagSOPInstanceUID)
}

// Parse decodes a part-10 stream. Implicit and explicit little endian are
// supported; other transfer syntaxes are rejected so callers can route the
// instance through transcoding first.
func Parse(data []byte) (*File, error) {
	if len(data) < magicOffset+4 {
		return nil, errors.New("dicom: stream shorter than the part-10 header")
	}
	if string(data[magicOffset:magicOffset+4]) != "DICM" {
		return nil, errors.New("dicom: missing DICM magic")
	}

	p := &parser{buf: data, pos: magicOffset + 4, explicit: true}

	meta, err := p.fileMeta()
	if err != nil {
		return nil, errors.Wrap(err, "dicom: parsing file meta")
	}

	ts := meta.MustString(TagTransferSyntaxUID)
	switch ts {
	case ExplicitVRLittleEndian:
		p.explicit = true
	case ImplicitVRLittleEndian:
		p.explicit = false
	default:
		return nil, fmt.Errorf("dicom: unsupported transfer syntax %q", ts)
	}

	data2, err := p.dataSetUntil(len(p.buf))
	if err != nil {
		return nil, errors.Wrap(err, "dicom: parsing dataset")
	}
	return &File{Meta: meta, Data: data2}, nil
}

type parser struct {
	buf      []byte
	pos      int
	explicit bool
}

func (p *parser) remaining() int { return len(p.buf) - p.pos }

func (p *parser) read(n int) ([]byte, error) {
	if n < 0 || p.remaining() < n {
		return nil, fmt.Errorf("truncated stream at offset %d, want %d bytes", p.pos, n)
	}
	b := p.buf[p.pos : p.pos+n]
	p.pos += n
	return b, nil
}

func (p *parser) uint16() (uint16, error) {
	b, err := p.read(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (p *parser) uint32() (uint32, error) {
	b, err := p.read(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (p *parser) tag() (Tag, error) {
	g, err := p.uint16()
	if err != nil {
		return Tag{}, err
	}
	e, err := p.uint16()
	if err != nil {
		return Tag{}, err
	}
	return Tag{Group: g, Element: e}, nil
}

func (p *parser) peekTag() (Tag, bool) {
	if p.remaining() < 4 {
		return Tag{}, false
	}
	return Tag{
		Group:   binary.LittleEndian.Uint16(p.buf[p.pos:]),
		Element: binary.LittleEndian.Uint16(p.buf[p.pos+2:]),
	}, true
}

// fileMeta reads group 0002, which is always explicit VR little endian.
func (p *parser) fileMeta() (*DataSet, error) {
	meta := NewDataSet()
	for {
		t, ok := p.peekTag()
		if !ok || t.Group != 0x0002 {
			break
		}
		e, err := p.element()
		if err != nil {
			return nil, err
		}
		meta.Set(e)
	}
	if !meta.Has(TagTransferSyntaxUID) {
		return nil, errors.New("file meta lacks a transfer syntax")
	}
	return meta, nil
}

func (p *parser) dataSetUntil(end int) (*DataSet, error) {
	ds := NewDataSet()
	for p.pos < end {
		e, err := p.element()
		if err != nil {
			return nil, err
		}
		ds.Set(e)
	}
	return ds, nil
}

// dataSetDelimited reads elements until the item delimitation tag.
func (p *parser) dataSetDelimited() (*DataSet, error) {
	ds := NewDataSet()
	for {
		t, ok := p.peekTag()
		if !ok {
			return nil, errors.New("unterminated sequence item")
		}
		if t == tagItemDelimiter {
			p.pos += 4
			if _, err := p.uint32(); err != nil { // delimiter length, always zero
				return nil, err
			}
			return ds, nil
		}
		e, err := p.element()
		if err != nil {
			return nil, err
		}
		ds.Set(e)
	}
}

func (p *parser) element() (*Element, error) {
	t, err := p.tag()
	if err != nil {
		return nil, err
	}

	var vr VR
	var length uint32

	// The file meta group stays explicit regardless of the transfer syntax.
	explicit := p.explicit || t.Group == 0x0002

	if explicit {
		vrBytes, err := p.read(2)
		if err != nil {
			return nil, err
		}
		vr = VR(vrBytes)
		if !vr.IsValid() {
			return nil, fmt.Errorf("element %s carries unknown VR %q", t, string(vrBytes))
		}
		if vr.info().wide {
			if _, err := p.read(2); err != nil { // reserved
				return nil, err
			}
			if length, err = p.uint32(); err != nil {
				return nil, err
			}
		} else {
			l16, err := p.uint16()
			if err != nil {
				return nil, err
			}
			length = uint32(l16)
		}
	} else {
		if length, err = p.uint32(); err != nil {
			return nil, err
		}
		vr = dictVR(t)
		// Private elements of undefined length encode nested datasets.
		if length == undefinedLong && vr != VRSequence {
			vr = VRSequence
		}
	}

	if vr == VRSequence {
		items, err := p.sequence(length)
		if err != nil {
			return nil, errors.Wrapf(err, "sequence %s", t)
		}
		return &Element{Tag: t, VR: VRSequence, Items: items}, nil
	}

	if length == undefinedLong {
		if vr == VRUnknown {
			// PS3.5 6.2.2: UN of undefined length holds an implicit VR sequence.
			saved := p.explicit
			p.explicit = false
			items, err := p.sequence(length)
			p.explicit = saved
			if err != nil {
				return nil, errors.Wrapf(err, "sequence %s", t)
			}
			return &Element{Tag: t, VR: VRSequence, Items: items}, nil
		}
		return nil, fmt.Errorf("element %s: undefined length outside a sequence", t)
	}

	raw, err := p.read(int(length))
	if err != nil {
		return nil, errors.Wrapf(err, "element %s", t)
	}
	return decodeValue(t, vr, raw)
}

func (p *parser) sequence(length uint32) ([]*DataSet, error) {
	if length == undefinedLong {
		var items []*DataSet
		for {
			t, err := p.tag()
			if err != nil {
				return nil, err
			}
			itemLen, err := p.uint32()
			if err != nil {
				return nil, err
			}
			switch t {
			case tagSequenceDelimiter:
				return items, nil
			case tagItem:
				item, err := p.item(itemLen)
				if err != nil {
					return nil, err
				}
				items = append(items, item)
			default:
				return nil, fmt.Errorf("unexpected tag %s inside sequence", t)
			}
		}
	}

	end := p.pos + int(length)
	if end > len(p.buf) {
		return nil, errors.New("sequence length exceeds stream")
	}
	var items []*DataSet
	for p.pos < end {
		t, err := p.tag()
		if err != nil {
			return nil, err
		}
		if t != tagItem {
			return nil, fmt.Errorf("unexpected tag %s inside sequence", t)
		}
		itemLen, err := p.uint32()
		if err != nil {
			return nil, err
		}
		item, err := p.item(itemLen)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func (p *parser) item(length uint32) (*DataSet, error) {
	if length == undefinedLong {
		return p.dataSetDelimited()
	}
	end := p.pos + int(length)
	if end > len(p.buf) {
		return nil, errors.New("item length exceeds stream")
	}
	return p.dataSetUntil(end)
}

func decodeValue(t Tag, vr VR, raw []byte) (*Element, error) {
	info := vr.info()
	e := &Element{Tag: t, VR: vr}

	switch info.kind {
	case kindString:
		if len(raw) == 0 {
			e.Strings = []string{}
			return e, nil
		}
		s := trimPadding(string(raw))
		e.Strings = splitMultiValue(s)
	case kindInt:
		if info.wordSize == 0 || len(raw)%info.wordSize != 0 {
			return nil, fmt.Errorf("element %s: %d bytes is not a whole number of %s words", t, len(raw), vr)
		}
		for i := 0; i < len(raw); i += info.wordSize {
			var v int
			switch {
			case info.wordSize == 2 && info.signed:
				v = int(int16(binary.LittleEndian.Uint16(raw[i:])))
			case info.wordSize == 2:
				v = int(binary.LittleEndian.Uint16(raw[i:]))
			case info.signed:
				v = int(int32(binary.LittleEndian.Uint32(raw[i:])))
			default:
				v = int(binary.LittleEndian.Uint32(raw[i:]))
			}
			e.Ints = append(e.Ints, v)
		}
	case kindFloat:
		if info.wordSize == 0 || len(raw)%info.wordSize != 0 {
			return nil, fmt.Errorf("element %s: %d bytes is not a whole number of %s words", t, len(raw), vr)
		}
		for i := 0; i < len(raw); i += info.wordSize {
			if info.wordSize == 4 {
				e.Floats = append(e.Floats, float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[i:]))))
			} else {
				e.Floats = append(e.Floats, math.Float64frombits(binary.LittleEndian.Uint64(raw[i:])))
			}
		}
	default:
		e.Bytes = append([]byte(nil), raw...)
	}
	return e, nil
}

func trimPadding(s string) string {
	for len(s) > 0 {
		last := s[len(s)-1]
		if last != ' ' && last != 0 {
			break
		}
		s = s[:len(s)-1]
	}
	return s
}

func splitMultiValue(s string) []string {
	out := []string{}
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return append(out, s[start:])
}
