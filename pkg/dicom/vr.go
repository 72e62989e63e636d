package dicom

// VR is a two-letter value representation code from PS3.5 table 6.2-1.
type VR string

const (
	VRApplicationEntity VR = "AE"
	VRAgeString         VR = "AS"
	VRAttributeTag      VR = "AT"
	VRCodeString        VR = "CS"
	VRDate              VR = "DA"
	VRDecimalString     VR = "DS"
	VRDateTime          VR = "DT"
	VRFloat             VR = "FL"
	VRDouble            VR = "FD"
	VRIntegerString     VR = "IS"
	VRLongString        VR = "LO"
	VRLongText          VR = "LT"
	VROtherByte         VR = "OB"
	VROtherDouble       VR = "OD"
	VROtherFloat        VR = "OF"
	VROtherLong         VR = "OL"
	VROtherWord         VR = "OW"
	VRPersonName        VR = "PN"
	VRShortString       VR = "SH"
	VRSignedLong        VR = "SL"
	VRSequence          VR = "SQ"
	VRSignedShort       VR = "SS"
	VRShortText         VR = "ST"
	VRTime              VR = "TM"
	VRUnlimitedChars    VR = "UC"
	VRUniqueIdentifier  VR = "UI"
	VRUnsignedLong      VR = "UL"
	VRUnknown           VR = "UN"
	VRURI               VR = "UR"
	VRUnsignedShort     VR = "US"
	VRUnlimitedText     VR = "UT"
)

type vrKind int

const (
	kindString vrKind = iota
	kindBytes
	kindInt
	kindFloat
	kindSequence
)

type vrInfo struct {
	kind vrKind
	// maxLen is the maximum encoded value length in bytes, 0 = unbounded.
	maxLen int
	// wide VRs use the 2-byte reserved + 4-byte length explicit encoding.
	wide bool
	// size of one binary word for int/float kinds.
	wordSize int
	signed   bool
	// nullPad pads odd values with 0x00 instead of the default space.
	nullPad bool
}

var vrTable = map[VR]vrInfo{
	VRApplicationEntity: {kind: kindString, maxLen: 16},
	VRAgeString:         {kind: kindString, maxLen: 4},
	VRAttributeTag:      {kind: kindBytes, maxLen: 4, nullPad: true},
	VRCodeString:        {kind: kindString, maxLen: 16},
	VRDate:              {kind: kindString, maxLen: 8},
	VRDecimalString:     {kind: kindString, maxLen: 16},
	VRDateTime:          {kind: kindString, maxLen: 26},
	VRFloat:             {kind: kindFloat, wordSize: 4},
	VRDouble:            {kind: kindFloat, wordSize: 8},
	VRIntegerString:     {kind: kindString, maxLen: 12},
	VRLongString:        {kind: kindString, maxLen: 64},
	VRLongText:          {kind: kindString, maxLen: 10240},
	VROtherByte:         {kind: kindBytes, wide: true, nullPad: true},
	VROtherDouble:       {kind: kindBytes, wide: true, nullPad: true},
	VROtherFloat:        {kind: kindBytes, wide: true, nullPad: true},
	VROtherLong:         {kind: kindBytes, wide: true, nullPad: true},
	VROtherWord:         {kind: kindBytes, wide: true, nullPad: true},
	VRPersonName:        {kind: kindString, maxLen: 324},
	VRShortString:       {kind: kindString, maxLen: 16},
	VRSignedLong:        {kind: kindInt, wordSize: 4, signed: true},
	VRSequence:          {kind: kindSequence, wide: true},
	VRSignedShort:       {kind: kindInt, wordSize: 2, signed: true},
	VRShortText:         {kind: kindString, maxLen: 1024},
	VRTime:              {kind: kindString, maxLen: 16},
	VRUnlimitedChars:    {kind: kindString, wide: true},
	VRUniqueIdentifier:  {kind: kindString, maxLen: 64, nullPad: true},
	VRUnsignedLong:      {kind: kindInt, wordSize: 4},
	VRUnknown:           {kind: kindBytes, wide: true, nullPad: true},
	VRURI:               {kind: kindString, wide: true},
	VRUnsignedShort:     {kind: kindInt, wordSize: 2},
	VRUnlimitedText:     {kind: kindString, wide: true},
}

// IsValid reports whether the code is a VR this codec understands.
func (vr VR) IsValid() bool {
	_, ok := vrTable[vr]
	return ok
}

func (vr VR) info() vrInfo {
	if info, ok := vrTable[vr]; ok {
		return info
	}
	// treat anything unrecognised as opaque bytes
	return vrInfo{kind: kindBytes, wide: true, nullPad: true}
}

// IsString reports whether values of this VR are character data.
func (vr VR) IsString() bool { return vr.info().kind == kindString }

// IsNumeric reports whether values decode to ints or floats.
func (vr VR) IsNumeric() bool {
	k := vr.info().kind
	return k == kindInt || k == kindFloat || vr == VRDecimalString || vr == VRIntegerString
}

// IsDate reports whether the VR carries calendar information subject to
// date shifting.
func (vr VR) IsDate() bool {
	return vr == VRDate || vr == VRDateTime || vr == VRTime
}

// MaxLength returns the PS3.5 value length bound in bytes, 0 if unbounded.
func (vr VR) MaxLength() int { return vr.info().maxLen }
