package dicom

import (
	"fmt"
	"strconv"
	"strings"
)

// Element is one decoded data element. Exactly one of the value fields is
// populated, selected by the VR's kind: Strings for character VRs, Ints and
// Floats for binary numerics, Items for SQ, Bytes for everything opaque.
type Element struct {
	Tag Tag
	VR  VR

	Strings []string
	Ints    []int
	Floats  []float64
	Bytes   []byte
	Items   []*DataSet
}

// NewString builds a string-valued element. Multi-valued elements join with
// backslash on encode.
func NewString(t Tag, vr VR, values ...string) *Element {
	return &Element{Tag: t, VR: vr, Strings: values}
}

// NewInt builds a binary integer element (US, UL, SS, SL).
func NewInt(t Tag, vr VR, values ...int) *Element {
	return &Element{Tag: t, VR: vr, Ints: values}
}

// NewBytes builds an opaque element (OB, OW, UN, ...).
func NewBytes(t Tag, vr VR, b []byte) *Element {
	return &Element{Tag: t, VR: vr, Bytes: b}
}

// NewSequence builds an SQ element from item datasets.
func NewSequence(t Tag, items ...*DataSet) *Element {
	return &Element{Tag: t, VR: VRSequence, Items: items}
}

// StringValue returns the first value for character VRs, "" when empty.
func (e *Element) StringValue() string {
	if len(e.Strings) == 0 {
		return ""
	}
	return e.Strings[0]
}

// IntValue returns the first numeric value. IS and DS decode from their
// string form; binary VRs read the decoded words.
func (e *Element) IntValue() (int, bool) {
	if len(e.Ints) > 0 {
		return e.Ints[0], true
	}
	if len(e.Floats) > 0 {
		return int(e.Floats[0]), true
	}
	if len(e.Strings) > 0 {
		n, err := strconv.Atoi(strings.TrimSpace(e.Strings[0]))
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// FloatValue returns the first value as float64.
func (e *Element) FloatValue() (float64, bool) {
	if len(e.Floats) > 0 {
		return e.Floats[0], true
	}
	if len(e.Ints) > 0 {
		return float64(e.Ints[0]), true
	}
	if len(e.Strings) > 0 {
		f, err := strconv.ParseFloat(strings.TrimSpace(e.Strings[0]), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// Clone deep-copies the element, including sequence items.
func (e *Element) Clone() *Element {
	c := &Element{Tag: e.Tag, VR: e.VR}
	if e.Strings != nil {
		c.Strings = append([]string(nil), e.Strings...)
	}
	if e.Ints != nil {
		c.Ints = append([]int(nil), e.Ints...)
	}
	if e.Floats != nil {
		c.Floats = append([]float64(nil), e.Floats...)
	}
	if e.Bytes != nil {
		c.Bytes = append([]byte(nil), e.Bytes...)
	}
	for _, item := range e.Items {
		c.Items = append(c.Items, item.Clone())
	}
	return c
}

func (e *Element) String() string {
	switch e.VR.info().kind {
	case kindString:
		return fmt.Sprintf("%s %s [%s]", e.Tag, e.VR, strings.Join(e.Strings, `\`))
	case kindSequence:
		return fmt.Sprintf("%s SQ items=%d", e.Tag, len(e.Items))
	case kindInt:
		return fmt.Sprintf("%s %s %v", e.Tag, e.VR, e.Ints)
	case kindFloat:
		return fmt.Sprintf("%s %s %v", e.Tag, e.VR, e.Floats)
	default:
		return fmt.Sprintf("%s %s <%d bytes>", e.Tag, e.VR, len(e.Bytes))
	}
}
