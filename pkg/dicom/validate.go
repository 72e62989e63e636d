package dicom

import (
	"fmt"
	"regexp"
)

// Severity ranks validation findings.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityError:
		return "error"
	case SeverityWarning:
		return "warning"
	default:
		return "info"
	}
}

// Issue is one validation finding against a dataset.
type Issue struct {
	Severity Severity
	Tag      Tag
	Message  string
}

// Key identifies the finding independent of ordering, for diffing the
// issue lists of two datasets.
func (i Issue) Key() string {
	return fmt.Sprintf("%s|%s", i.Tag, i.Message)
}

func (i Issue) String() string {
	return fmt.Sprintf("%s %s: %s", i.Severity, i.Tag, i.Message)
}

var (
	uidRe = regexp.MustCompile(`^[0-9]+(\.[0-9]+)*$`)
	csRe  = regexp.MustCompile(`^[A-Z0-9_ ]*$`)
)

// Validate checks a dataset against the element dictionary: VR agreement,
// value length bounds and the value formats of the calendar and identifier
// VRs. It also requires the SOP common identity elements, which every
// exported instance must carry.
func Validate(ds *DataSet) []Issue {
	var issues []Issue

	for _, t := range []Tag{TagSOPClassUID, TagSOPInstanceUID, TagStudyInstanceUID, TagSeriesInstanceUID} {
		if !ds.Has(t) {
			entry, _ := Lookup(t)
			issues = append(issues, Issue{
				Severity: SeverityError,
				Tag:      t,
				Message:  fmt.Sprintf("required element %s is missing", entry.Keyword),
			})
		}
	}

	walkIssues(ds, &issues)
	return issues
}

func walkIssues(ds *DataSet, issues *[]Issue) {
	for _, e := range ds.Elements() {
		checkElement(e, issues)
		for _, item := range e.Items {
			walkIssues(item, issues)
		}
	}
}

func checkElement(e *Element, issues *[]Issue) {
	add := func(sev Severity, format string, args ...interface{}) {
		*issues = append(*issues, Issue{Severity: sev, Tag: e.Tag, Message: fmt.Sprintf(format, args...)})
	}

	if entry, known := Lookup(e.Tag); known && entry.VR != e.VR && e.VR != VRUnknown {
		add(SeverityError, "VR %s does not match dictionary VR %s", e.VR, entry.VR)
	}

	if e.Tag.Element == 0x0000 && !e.Tag.IsFileMeta() {
		add(SeverityWarning, "group length elements are retired")
	}

	if max := e.VR.MaxLength(); max > 0 {
		for _, s := range e.Strings {
			if len(s) > max {
				add(SeverityError, "value of %d bytes exceeds %s maximum of %d", len(s), e.VR, max)
			}
		}
	}

	for _, s := range e.Strings {
		if s == "" {
			continue
		}
		switch e.VR {
		case VRUniqueIdentifier:
			if !uidRe.MatchString(s) {
				add(SeverityError, "malformed UID %q", s)
			}
		case VRDate:
			if _, err := ParseDA(s); err != nil {
				add(SeverityError, "malformed DA value %q", s)
			}
		case VRTime:
			if !tmRe.MatchString(s) {
				add(SeverityError, "malformed TM value %q", s)
			}
		case VRDateTime:
			if !dtRe.MatchString(s) {
				add(SeverityError, "malformed DT value %q", s)
			}
		case VRAgeString:
			if _, _, err := ParseAS(s); err != nil {
				add(SeverityError, "malformed AS value %q", s)
			}
		case VRCodeString:
			if !csRe.MatchString(s) {
				add(SeverityWarning, "CS value %q holds characters outside the CS repertoire", s)
			}
		}
	}
}

// NewIssues returns the issues present in after but not in before: the
// findings a rewrite introduced. Ordering follows the after list.
func NewIssues(before, after []Issue) []Issue {
	seen := make(map[string]struct{}, len(before))
	for _, i := range before {
		seen[i.Key()] = struct{}{}
	}
	var out []Issue
	for _, i := range after {
		if _, ok := seen[i.Key()]; !ok {
			out = append(out, i)
		}
	}
	return out
}

// MaxSeverity returns the highest severity in a list, SeverityInfo when
// empty.
func MaxSeverity(issues []Issue) Severity {
	max := SeverityInfo
	for _, i := range issues {
		if i.Severity > max {
			max = i.Severity
		}
	}
	return max
}
