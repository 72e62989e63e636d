// Package anonymiser rewrites DICOM studies according to a project's tag
// scheme. All derived identifiers (UIDs, the pseudo patient ID, hashed
// values, the date shift) come from keyed BLAKE2b digests under the project
// salt, so re-running a study yields byte-identical output while nothing
// links the output back to the source without the salt.
package anonymiser

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/crypto/blake2b"

	"github.com/uclh-foundry/pixl/modules/projects"
	"github.com/uclh-foundry/pixl/pkg/dicom"
)

// ErrValidation marks a study whose rewritten instances carry validation
// errors the source instances did not. Such studies are never exported.
var ErrValidation = errors.New("anonymised study failed validation")

var (
	metricInstances = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pixl",
		Subsystem: "anonymiser",
		Name:      "instances_total",
		Help:      "Instances successfully anonymised.",
	}, []string{"project"})
	metricSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pixl",
		Subsystem: "anonymiser",
		Name:      "skipped_instances_total",
		Help:      "Instances excluded by project filters.",
	}, []string{"project", "reason"})
	metricFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pixl",
		Subsystem: "anonymiser",
		Name:      "failures_total",
		Help:      "Studies that failed anonymisation.",
	}, []string{"project"})
)

// Instance is one part-10 encoded instance keyed by its SOPInstanceUID.
type Instance struct {
	SOPInstanceUID string
	Data           []byte
}

// Skip records an instance excluded by the project's filters, with the
// reason it was dropped.
type Skip struct {
	SOPInstanceUID string
	Reason         string
}

// Result describes one anonymised study. Instances holds the rewritten
// files keyed by their regenerated SOPInstanceUIDs; Skipped lists source
// instances the project's filters excluded. Both empty means the whole
// study was filtered out, which the caller decides how to record.
type Result struct {
	SourceStudyUID  string
	AnonStudyUID    string
	PseudoPatientID string
	ShiftDays       int
	Instances       []Instance
	Skipped         []Skip
}

// Options tune an engine beyond the project configuration.
type Options struct {
	// LocalSalt is mixed into the project salt so identifiers cannot be
	// reproduced from the shared secret alone.
	LocalSalt []byte
	// ShiftOverride fixes the date shift in days for every study instead
	// of deriving it per study. Reproducible test extracts set this.
	ShiftOverride *int

	Logger log.Logger
}

// Engine anonymises studies for one project. It is safe for concurrent use:
// all state is immutable after construction.
type Engine struct {
	project *projects.ProjectConfig
	key     []byte
	shift   *int
	logger  log.Logger
}

// New builds an engine for a project under its salt.
func New(project *projects.ProjectConfig, salt []byte, opts Options) (*Engine, error) {
	if project == nil {
		return nil, errors.New("anonymiser: project configuration is required")
	}
	if len(salt) == 0 {
		return nil, errors.New("anonymiser: project salt is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Engine{
		project: project,
		key:     mixKey(salt, opts.LocalSalt),
		shift:   opts.ShiftOverride,
		logger:  logger,
	}, nil
}

type parsedInstance struct {
	sop          string
	order        string
	file         *dicom.File
	studyUID     string
	seriesUID    string
	seriesDesc   string
	seriesNumber int
	modality     string
	manufacturer string
}

// studyRun holds the per-study derived state: one UID map shared by every
// instance so cross-references stay consistent, one pseudo ID, one shift.
type studyRun struct {
	engine   *Engine
	delta    int
	pseudoID string
	uids     map[string]string
}

func (r *studyRun) uidFor(original string) string {
	if mapped, ok := r.uids[original]; ok {
		return mapped
	}
	mapped := regenerateUID(r.engine.key, original)
	r.uids[original] = mapped
	return mapped
}

// AnonymiseStudy rewrites every eligible instance of one study. The input
// may span several source StudyInstanceUIDs; they merge under a single
// regenerated study UID seeded from the lexicographically smallest source
// UID, so the merge is stable no matter the arrival order. Any error means
// the whole study is rejected: partial output is never returned.
func (e *Engine) AnonymiseStudy(ctx context.Context, instances []Instance) (*Result, error) {
	if len(instances) == 0 {
		return nil, errors.New("anonymiser: no instances supplied")
	}

	parsed := make([]*parsedInstance, 0, len(instances))
	seriesCount := make(map[string]int)
	canonicalUID := ""
	studyUIDs := make(map[string]struct{})

	for _, in := range instances {
		f, err := dicom.Parse(in.Data)
		if err != nil {
			metricFailures.WithLabelValues(e.project.Slug).Inc()
			return nil, errors.Wrapf(err, "parsing instance %s", in.SOPInstanceUID)
		}
		p := &parsedInstance{
			sop:          f.SOPInstanceUID(),
			file:         f,
			studyUID:     f.Data.MustString(dicom.TagStudyInstanceUID),
			seriesUID:    f.Data.MustString(dicom.TagSeriesInstanceUID),
			seriesDesc:   f.Data.MustString(dicom.TagSeriesDescription),
			modality:     f.Data.MustString(dicom.TagModality),
			manufacturer: f.Data.MustString(dicom.TagManufacturer),
		}
		if num, ok := numberOf(f.Data, dicom.TagSeriesNumber); ok {
			p.seriesNumber = num
		}
		if p.sop == "" || p.studyUID == "" {
			metricFailures.WithLabelValues(e.project.Slug).Inc()
			return nil, errors.Errorf("instance %s is missing identity elements", in.SOPInstanceUID)
		}
		sum := blake2b.Sum256([]byte(p.sop))
		p.order = string(sum[:])

		parsed = append(parsed, p)
		seriesCount[p.seriesUID]++
		studyUIDs[p.studyUID] = struct{}{}
		if canonicalUID == "" || p.studyUID < canonicalUID {
			canonicalUID = p.studyUID
		}
	}

	// Digest order decouples output ordering from arrival order.
	sort.Slice(parsed, func(i, j int) bool { return parsed[i].order < parsed[j].order })

	mrn := ""
	for _, p := range parsed {
		if v := p.file.Data.MustString(dicom.TagPatientID); v != "" {
			mrn = v
			break
		}
	}
	if mrn == "" {
		metricFailures.WithLabelValues(e.project.Slug).Inc()
		return nil, errors.Errorf("study %s carries no PatientID", canonicalUID)
	}

	run := &studyRun{
		engine:   e,
		pseudoID: pseudoPatientID(e.key, mrn),
		uids:     make(map[string]string, len(studyUIDs)),
	}
	if e.shift != nil {
		run.delta = *e.shift
	} else {
		run.delta = shiftDelta(e.key, canonicalUID)
	}
	// Seed every source study UID so merged studies share one anon UID.
	anonStudyUID := regenerateUID(e.key, canonicalUID)
	for uid := range studyUIDs {
		run.uids[uid] = anonStudyUID
	}

	result := &Result{
		SourceStudyUID:  canonicalUID,
		AnonStudyUID:    anonStudyUID,
		PseudoPatientID: run.pseudoID,
		ShiftDays:       run.delta,
	}

	schemes := make(map[string]map[dicom.Tag]projects.TagOperation)
	for _, p := range parsed {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if reason, detail := e.skipReason(p, seriesCount); reason != "" {
			metricSkipped.WithLabelValues(e.project.Slug, reason).Inc()
			level.Debug(e.logger).Log("msg", "instance skipped", "sop", p.sop, "reason", detail)
			result.Skipped = append(result.Skipped, Skip{SOPInstanceUID: p.sop, Reason: detail})
			continue
		}

		scheme, ok := schemes[p.manufacturer]
		if !ok {
			scheme = indexScheme(e.project.TagScheme(p.manufacturer))
			schemes[p.manufacturer] = scheme
		}

		before := dicom.Validate(p.file.Data)
		if err := run.apply(p.file.Data, scheme); err != nil {
			metricFailures.WithLabelValues(e.project.Slug).Inc()
			return nil, errors.Wrapf(err, "anonymising instance %s", p.sop)
		}
		after := dicom.Validate(p.file.Data)
		if introduced := dicom.NewIssues(before, after); dicom.MaxSeverity(introduced) >= dicom.SeverityError {
			metricFailures.WithLabelValues(e.project.Slug).Inc()
			return nil, errors.Wrapf(ErrValidation, "instance %s: %s", p.sop, introduced[0])
		}

		data, err := dicom.Write(p.file)
		if err != nil {
			metricFailures.WithLabelValues(e.project.Slug).Inc()
			return nil, errors.Wrapf(err, "encoding instance %s", p.sop)
		}
		result.Instances = append(result.Instances, Instance{
			SOPInstanceUID: p.file.Data.MustString(dicom.TagSOPInstanceUID),
			Data:           data,
		})
		metricInstances.WithLabelValues(e.project.Slug).Inc()
	}

	level.Info(e.logger).Log("msg", "study anonymised",
		"project", e.project.Slug,
		"anon_study_uid", result.AnonStudyUID,
		"instances", len(result.Instances),
		"skipped", len(result.Skipped),
		"shift_days", run.delta)
	return result, nil
}

// skipReason reports why an instance is excluded, or empty strings when it
// is eligible. The first return is a low-cardinality class for metrics, the
// second the human detail.
func (e *Engine) skipReason(p *parsedInstance, seriesCount map[string]int) (string, string) {
	if !e.project.ModalityAllowed(p.modality) {
		return "modality", "modality " + p.modality + " not allowed"
	}
	if e.project.IsSeriesExcluded(p.seriesDesc) {
		return "series-filter", "series description " + strconv.Quote(p.seriesDesc) + " matches an exclusion filter"
	}
	if !e.project.ManufacturerAllowed(p.manufacturer, p.seriesNumber) {
		return "manufacturer", "manufacturer " + strconv.Quote(p.manufacturer) + " not allowed"
	}
	if seriesCount[p.seriesUID] < e.project.MinInstancesPerSeries {
		return "min-instances", "series holds fewer than " +
			strconv.Itoa(e.project.MinInstancesPerSeries) + " instances"
	}
	return "", ""
}

func indexScheme(ops []projects.TagOperation) map[dicom.Tag]projects.TagOperation {
	idx := make(map[dicom.Tag]projects.TagOperation, len(ops))
	for _, op := range ops {
		idx[op.Tag] = op
	}
	return idx
}

// apply rewrites one dataset in place. Unlisted and private elements are
// removed; kept sequences are rewritten recursively under the same scheme.
func (r *studyRun) apply(ds *dicom.DataSet, scheme map[dicom.Tag]projects.TagOperation) error {
	for _, el := range ds.Elements() {
		op, listed := scheme[el.Tag]
		if !listed {
			ds.Delete(el.Tag)
			continue
		}
		switch op.Op {
		case projects.OpDelete:
			ds.Delete(el.Tag)

		case projects.OpKeep:
			for _, item := range el.Items {
				if err := r.apply(item, scheme); err != nil {
					return err
				}
			}

		case projects.OpReplace:
			if err := replaceValue(el, op.Value); err != nil {
				return err
			}

		case projects.OpReplaceUID:
			for i, v := range el.Strings {
				if v != "" {
					el.Strings[i] = r.uidFor(v)
				}
			}

		case projects.OpSecureHash:
			if el.Tag == dicom.TagPatientID {
				el.Strings = []string{r.pseudoID}
				continue
			}
			for i, v := range el.Strings {
				if v != "" {
					el.Strings[i] = secureHashValue(r.engine.key, v, el.VR.MaxLength())
				}
			}

		case projects.OpDateShift:
			rewriteDates(ds, el, func(v string) (string, error) {
				switch el.VR {
				case dicom.VRDate:
					return dicom.ShiftDA(v, r.delta)
				case dicom.VRDateTime:
					return dicom.ShiftDT(v, r.delta)
				default:
					return dicom.ShiftTM(v)
				}
			})

		case projects.OpDateFloor:
			rewriteDates(ds, el, func(v string) (string, error) {
				switch el.VR {
				case dicom.VRDateTime:
					return dicom.FloorDT(v)
				case dicom.VRTime:
					return dicom.FloorTM(v)
				default:
					// flooring a DA is the identity, but still validate
					if _, err := dicom.ParseDA(v); err != nil {
						return "", err
					}
					return v, nil
				}
			})

		case projects.OpNumRange:
			clampValue(ds, el, op.Min, op.Max)

		default:
			return errors.Errorf("operation %q on %s is not supported", op.Op, el.Tag)
		}
	}
	return nil
}

// replaceValue swaps an element's value for a fixed one from the scheme.
func replaceValue(el *dicom.Element, value string) error {
	switch {
	case el.VR.IsString():
		el.Strings = []string{value}
	case el.VR.IsNumeric():
		if n, err := strconv.Atoi(value); err == nil {
			el.Ints = []int{n}
			el.Floats = nil
		} else if f, err := strconv.ParseFloat(value, 64); err == nil {
			el.Floats = []float64{f}
			el.Ints = nil
		} else {
			return errors.Errorf("replacement %q for %s is not numeric", value, el.Tag)
		}
	default:
		return errors.Errorf("cannot replace %s: VR %s holds no replaceable value", el.Tag, el.VR)
	}
	return nil
}

// rewriteDates maps every value of a calendar element. A value the rewrite
// cannot parse removes the whole element: a date we cannot shift must not
// survive in the output.
func rewriteDates(ds *dicom.DataSet, el *dicom.Element, fn func(string) (string, error)) {
	for i, v := range el.Strings {
		if v == "" {
			continue
		}
		out, err := fn(strings.TrimSpace(v))
		if err != nil {
			ds.Delete(el.Tag)
			return
		}
		el.Strings[i] = out
	}
}

// clampValue bounds a numeric element to [min, max]. Ages are a special
// case: anything not expressed in years collapses to the lower bound, so
// infant ages cannot narrow the cohort.
func clampValue(ds *dicom.DataSet, el *dicom.Element, min, max int64) {
	if el.VR == dicom.VRAgeString {
		for i, v := range el.Strings {
			if v == "" {
				continue
			}
			n, unit, err := dicom.ParseAS(strings.TrimSpace(v))
			if err != nil {
				ds.Delete(el.Tag)
				return
			}
			if unit != 'Y' {
				el.Strings[i] = dicom.FormatAS(int(min), 'Y')
				continue
			}
			el.Strings[i] = dicom.FormatAS(int(clampInt(int64(n), min, max)), 'Y')
		}
		return
	}

	switch {
	case len(el.Ints) > 0:
		for i, v := range el.Ints {
			el.Ints[i] = int(clampInt(int64(v), min, max))
		}
	case len(el.Floats) > 0:
		for i, v := range el.Floats {
			el.Floats[i] = clampFloat(v, float64(min), float64(max))
		}
	case el.VR.IsString():
		for i, v := range el.Strings {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				el.Strings[i] = strconv.FormatInt(clampInt(n, min, max), 10)
				continue
			}
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				ds.Delete(el.Tag)
				return
			}
			el.Strings[i] = strconv.FormatFloat(clampFloat(f, float64(min), float64(max)), 'f', -1, 64)
		}
	}
}

func clampInt(v, min, max int64) int64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func clampFloat(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func numberOf(ds *dicom.DataSet, t dicom.Tag) (int, bool) {
	el, ok := ds.Get(t)
	if !ok {
		return 0, false
	}
	return el.IntValue()
}
