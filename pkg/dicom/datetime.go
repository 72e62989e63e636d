package dicom

import (
	"fmt"
	"regexp"
	"time"
)

// Value encodings for the calendar VRs, per PS3.5 6.2. DA is YYYYMMDD, TM is
// HHMMSS with optional fraction, DT is a DA optionally followed by a TM and
// a UTC offset. Reduced precision (YYYY, YYYYMM, HHMM, ...) is legal and
// must survive rewriting.

var (
	daRe = regexp.MustCompile(`^\d{4}(\d{2}(\d{2})?)?$`)
	tmRe = regexp.MustCompile(`^\d{2}(\d{2}(\d{2}(\.\d{1,6})?)?)?$`)
	dtRe = regexp.MustCompile(`^\d{4}(\d{2}(\d{2}(\d{2}(\d{2}(\d{2}(\.\d{1,6})?)?)?)?)?)?([+-]\d{4})?$`)
)

// ParseDA parses a DA value. Missing month and day default to January 1st.
func ParseDA(s string) (time.Time, error) {
	if !daRe.MatchString(s) {
		return time.Time{}, fmt.Errorf("invalid DA value %q", s)
	}
	layout := "20060102"[:len(s)]
	return time.Parse(layout, s)
}

// FormatDA renders a time as a full-precision DA value.
func FormatDA(t time.Time) string {
	return t.Format("20060102")
}

// ShiftDA adds days to a DA value. Reduced-precision input is completed to
// full precision on output so the shifted day is representable.
func ShiftDA(s string, days int) (string, error) {
	t, err := ParseDA(s)
	if err != nil {
		return "", err
	}
	return FormatDA(t.AddDate(0, 0, days)), nil
}

// ShiftDT adds days to the date portion of a DT value, carrying the time,
// fraction and offset suffix through unchanged.
func ShiftDT(s string, days int) (string, error) {
	if !dtRe.MatchString(s) {
		return "", fmt.Errorf("invalid DT value %q", s)
	}
	datePart := s
	rest := ""
	if len(s) > 8 {
		datePart, rest = s[:8], s[8:]
	}
	shifted, err := ShiftDA(datePart, days)
	if err != nil {
		return "", err
	}
	return shifted + rest, nil
}

// ShiftTM is the identity: adding whole days never moves the time of day.
// It still validates the value so malformed input is reported.
func ShiftTM(s string) (string, error) {
	if !tmRe.MatchString(s) {
		return "", fmt.Errorf("invalid TM value %q", s)
	}
	return s, nil
}

// FloorDT truncates a DT value to the start of its day, dropping time,
// fraction and offset.
func FloorDT(s string) (string, error) {
	if !dtRe.MatchString(s) {
		return "", fmt.Errorf("invalid DT value %q", s)
	}
	if idx := len(s); idx > 8 {
		return s[:8], nil
	}
	return s, nil
}

// FloorTM truncates a TM value to midnight.
func FloorTM(s string) (string, error) {
	if !tmRe.MatchString(s) {
		return "", fmt.Errorf("invalid TM value %q", s)
	}
	return "000000", nil
}

var asRe = regexp.MustCompile(`^(\d{3})([DWMY])$`)

// ParseAS decodes an age string such as "045Y" into its count and unit.
func ParseAS(s string) (int, byte, error) {
	m := asRe.FindStringSubmatch(s)
	if m == nil {
		return 0, 0, fmt.Errorf("invalid AS value %q", s)
	}
	n := 0
	for _, c := range m[1] {
		n = n*10 + int(c-'0')
	}
	return n, m[2][0], nil
}

// FormatAS renders an age count and unit as a 4-character age string.
func FormatAS(n int, unit byte) string {
	return fmt.Sprintf("%03d%c", n, unit)
}
