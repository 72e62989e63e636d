package projects

import (
	"github.com/pkg/errors"

	"github.com/uclh-foundry/pixl/pkg/dicom"
)

// Op is one anonymisation directive. Ops are parsed and checked against the
// element's dictionary VR at config load so a bad scheme fails startup, not
// the first study.
type Op string

const (
	OpKeep       Op = "keep"
	OpDelete     Op = "delete"
	OpReplace    Op = "replace"
	OpReplaceUID Op = "replace_UID"
	OpSecureHash Op = "secure-hash"
	OpDateShift  Op = "date-shift"
	OpDateFloor  Op = "date-floor"
	OpNumRange   Op = "num-range"
)

var validOps = map[Op]struct{}{
	OpKeep:       {},
	OpDelete:     {},
	OpReplace:    {},
	OpReplaceUID: {},
	OpSecureHash: {},
	OpDateShift:  {},
	OpDateFloor:  {},
	OpNumRange:   {},
}

func ParseOp(s string) (Op, error) {
	op := Op(s)
	if _, ok := validOps[op]; !ok {
		return "", errors.Errorf("unknown tag operation %q", s)
	}
	return op, nil
}

// TagOperation binds an operation to one DICOM element. Min and Max carry
// the num-range bounds; Value the replacement for replace.
type TagOperation struct {
	Name  string
	Tag   dicom.Tag
	Op    Op
	Value string
	Min   int64
	Max   int64
}

// checkVR rejects operations that cannot apply to the element's dictionary
// VR. Unknown tags pass: private elements are not in the dictionary.
func (t TagOperation) checkVR() error {
	entry, known := dicom.Lookup(t.Tag)
	if !known {
		return nil
	}

	switch t.Op {
	case OpReplaceUID:
		if entry.VR != dicom.VRUniqueIdentifier {
			return errors.Errorf("%s on %s: %s is not a UID element", t.Op, t.Tag, entry.VR)
		}
	case OpDateShift, OpDateFloor:
		if !entry.VR.IsDate() {
			return errors.Errorf("%s on %s: %s carries no date", t.Op, t.Tag, entry.VR)
		}
	case OpNumRange:
		if !entry.VR.IsNumeric() && entry.VR != dicom.VRAgeString {
			return errors.Errorf("%s on %s: %s is not numeric", t.Op, t.Tag, entry.VR)
		}
	case OpSecureHash:
		if !entry.VR.IsString() {
			return errors.Errorf("%s on %s: %s is not character data", t.Op, t.Tag, entry.VR)
		}
	}
	return nil
}
