package dicomstore

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/uclh-foundry/pixl/pkg/dicom"
)

// Fake is an in-memory Store and Proxy. Tests script remote modalities,
// stability and failures; the pipeline code cannot tell it from the REST
// client.
type Fake struct {
	mtx sync.Mutex

	name      string
	instances map[string]map[string]fakeInstance // study → sop → instance
	stable    map[string]bool
	changes   []Change
	seq       int64

	remotes map[string]*fakeRemote

	// AutoStable marks a study stable as soon as a retrieve completes,
	// which is the common case in tests. Clear it to script stability by
	// hand with MarkStable.
	AutoStable bool

	pingErr error
	echoErr map[string]error
}

type fakeInstance struct {
	seriesUID string
	patientID string
	accession string
	data      []byte
}

type fakeRemote struct {
	studies  map[string]*RemoteStudy
	queryErr error
	moveErr  error
	dropOnce map[string]struct{} // SOPs silently dropped from the next retrieve
}

// RemoteStudy is one study available on a scripted remote modality.
type RemoteStudy struct {
	StudyUID        string
	PatientID       string
	AccessionNumber string
	Instances       map[string][]byte // sop → encoded instance
	// Advertised overrides the instance count announced by queries, to
	// script sources that promise more than a transfer delivers.
	Advertised int
}

// NewFake builds an empty fake named for log lines.
func NewFake(name string) *Fake {
	return &Fake{
		name:       name,
		instances:  make(map[string]map[string]fakeInstance),
		stable:     make(map[string]bool),
		remotes:    make(map[string]*fakeRemote),
		echoErr:    make(map[string]error),
		AutoStable: true,
	}
}

func (f *Fake) Name() string { return f.name }

// --- scripting ---

// AddRemote registers a modality with the given studies.
func (f *Fake) AddRemote(modality string, studies ...*RemoteStudy) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	r := f.remote(modality)
	for _, s := range studies {
		r.studies[s.StudyUID] = s
	}
}

// FailQueries makes queries against a modality fail until cleared.
func (f *Fake) FailQueries(modality string, err error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.remote(modality).queryErr = err
}

// FailRetrieves makes retrieves against a modality fail until cleared.
func (f *Fake) FailRetrieves(modality string, err error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.remote(modality).moveErr = err
}

// DropOnce removes the given SOPs from the next retrieve against the
// modality, simulating an incomplete transfer.
func (f *Fake) DropOnce(modality string, sopUIDs ...string) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	r := f.remote(modality)
	if r.dropOnce == nil {
		r.dropOnce = make(map[string]struct{})
	}
	for _, sop := range sopUIDs {
		r.dropOnce[sop] = struct{}{}
	}
}

// FailPing makes Ping fail until cleared.
func (f *Fake) FailPing(err error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.pingErr = err
}

// FailEcho makes Echo against a modality fail until cleared.
func (f *Fake) FailEcho(modality string, err error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.echoErr[modality] = err
}

// MarkStable flags a study stable and emits the stable-study change.
func (f *Fake) MarkStable(studyUID string) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.markStableLocked(studyUID)
}

func (f *Fake) markStableLocked(studyUID string) {
	if f.stable[studyUID] {
		return
	}
	f.stable[studyUID] = true
	f.seq++
	f.changes = append(f.changes, Change{Seq: f.seq, Kind: ChangeStableStudy, StudyUID: studyUID})
}

func (f *Fake) remote(modality string) *fakeRemote {
	r, ok := f.remotes[modality]
	if !ok {
		r = &fakeRemote{studies: make(map[string]*RemoteStudy)}
		f.remotes[modality] = r
	}
	return r
}

// --- Store ---

func (f *Fake) Ping(context.Context) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.pingErr
}

func (f *Fake) Studies(context.Context) ([]string, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	out := make([]string, 0, len(f.instances))
	for uid := range f.instances {
		out = append(out, uid)
	}
	sort.Strings(out)
	return out, nil
}

func (f *Fake) StudyInfo(_ context.Context, studyUID string) (StudyInfo, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	insts, ok := f.instances[studyUID]
	if !ok {
		return StudyInfo{}, errors.Wrapf(ErrNotFound, "study %s", studyUID)
	}
	info := StudyInfo{
		StudyUID:  studyUID,
		Instances: len(insts),
		IsStable:  f.stable[studyUID],
	}
	for _, inst := range insts {
		info.DiskSizeBytes += int64(len(inst.data))
		info.PatientID = inst.patientID
		info.AccessionNumber = inst.accession
	}
	return info, nil
}

func (f *Fake) Instances(_ context.Context, studyUID string) ([]InstanceInfo, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	insts, ok := f.instances[studyUID]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "study %s", studyUID)
	}
	out := make([]InstanceInfo, 0, len(insts))
	for sop, inst := range insts {
		out = append(out, InstanceInfo{
			SOPInstanceUID:    sop,
			SeriesInstanceUID: inst.seriesUID,
			SizeBytes:         int64(len(inst.data)),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SOPInstanceUID < out[j].SOPInstanceUID })
	return out, nil
}

func (f *Fake) InstanceData(_ context.Context, sopInstanceUID string) ([]byte, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	for _, insts := range f.instances {
		if inst, ok := insts[sopInstanceUID]; ok {
			return inst.data, nil
		}
	}
	return nil, errors.Wrapf(ErrNotFound, "instance %s", sopInstanceUID)
}

func (f *Fake) Upload(_ context.Context, dicomBytes []byte) error {
	parsed, err := dicom.Parse(dicomBytes)
	if err != nil {
		return errors.Wrap(err, "fake store rejects unparseable upload")
	}
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.store(parsed, dicomBytes)
	return nil
}

// store inserts one instance and emits its change. Duplicate SOPs
// overwrite, matching the idempotent ingestion contract.
func (f *Fake) store(parsed *dicom.File, raw []byte) {
	studyUID := parsed.Data.MustString(dicom.TagStudyInstanceUID)
	sop := parsed.Data.MustString(dicom.TagSOPInstanceUID)

	insts, ok := f.instances[studyUID]
	if !ok {
		insts = make(map[string]fakeInstance)
		f.instances[studyUID] = insts
	}
	insts[sop] = fakeInstance{
		seriesUID: parsed.Data.MustString(dicom.TagSeriesInstanceUID),
		patientID: parsed.Data.MustString(dicom.TagPatientID),
		accession: parsed.Data.MustString(dicom.TagAccessionNumber),
		data:      raw,
	}
	delete(f.stable, studyUID)
	f.seq++
	f.changes = append(f.changes, Change{Seq: f.seq, Kind: ChangeNewInstance, StudyUID: studyUID, SOPInstanceUID: sop})
}

func (f *Fake) DeleteStudy(_ context.Context, studyUID string) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	if _, ok := f.instances[studyUID]; !ok {
		return errors.Wrapf(ErrNotFound, "study %s", studyUID)
	}
	delete(f.instances, studyUID)
	delete(f.stable, studyUID)
	return nil
}

func (f *Fake) Changes(_ context.Context, since int64, limit int) (ChangeSet, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	out := ChangeSet{Last: since}
	for _, c := range f.changes {
		if c.Seq <= since {
			continue
		}
		if limit > 0 && len(out.Changes) == limit {
			return out, nil
		}
		out.Changes = append(out.Changes, c)
		out.Last = c.Seq
	}
	out.Done = true
	return out, nil
}

// --- Proxy ---

func (f *Fake) Echo(_ context.Context, modality string) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.echoErr[modality]
}

func (f *Fake) QueryRemote(_ context.Context, modality string, q Query) ([]StudyMatch, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	r := f.remote(modality)
	if r.queryErr != nil {
		return nil, r.queryErr
	}

	var out []StudyMatch
	for _, s := range f.sortedRemoteStudies(r) {
		if !matches(q, s) {
			continue
		}
		n := s.Advertised
		if n == 0 {
			n = len(s.Instances)
		}
		out = append(out, StudyMatch{StudyInstanceUID: s.StudyUID, NumberOfInstances: n})
	}
	return out, nil
}

func (f *Fake) QueryRemoteInstances(_ context.Context, modality, studyUID string) ([]string, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	r := f.remote(modality)
	if r.queryErr != nil {
		return nil, r.queryErr
	}
	s, ok := r.studies[studyUID]
	if !ok {
		return nil, nil
	}
	sops := make([]string, 0, len(s.Instances))
	for sop := range s.Instances {
		sops = append(sops, sop)
	}
	sort.Strings(sops)
	return sops, nil
}

func (f *Fake) RetrieveRemote(_ context.Context, modality, studyUID string, sopInstanceUIDs []string) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	r := f.remote(modality)
	if r.moveErr != nil {
		return r.moveErr
	}
	s, ok := r.studies[studyUID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "remote study %s", studyUID)
	}

	wanted := func(sop string) bool {
		if len(sopInstanceUIDs) == 0 {
			return true
		}
		for _, w := range sopInstanceUIDs {
			if w == sop {
				return true
			}
		}
		return false
	}

	sops := make([]string, 0, len(s.Instances))
	for sop := range s.Instances {
		sops = append(sops, sop)
	}
	sort.Strings(sops)

	for _, sop := range sops {
		if !wanted(sop) {
			continue
		}
		if _, drop := r.dropOnce[sop]; drop {
			delete(r.dropOnce, sop)
			continue
		}
		parsed, err := dicom.Parse(s.Instances[sop])
		if err != nil {
			return errors.Wrapf(err, "remote instance %s", sop)
		}
		f.store(parsed, s.Instances[sop])
	}

	if f.AutoStable {
		f.markStableLocked(studyUID)
	}
	return nil
}

func (f *Fake) sortedRemoteStudies(r *fakeRemote) []*RemoteStudy {
	out := make([]*RemoteStudy, 0, len(r.studies))
	for _, s := range r.studies {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StudyUID < out[j].StudyUID })
	return out
}

func matches(q Query, s *RemoteStudy) bool {
	if q.StudyUID != "" {
		return q.StudyUID == s.StudyUID
	}
	return q.PatientID == s.PatientID && q.AccessionNumber == s.AccessionNumber
}

var (
	_ Store = (*Fake)(nil)
	_ Proxy = (*Fake)(nil)
)
