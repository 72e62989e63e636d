package anonymiser

import (
	"context"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uclh-foundry/pixl/modules/projects/projectstest"
	"github.com/uclh-foundry/pixl/pkg/dicom"
	"github.com/uclh-foundry/pixl/pkg/dicom/dicomtest"
)

var testSalt = []byte("a9b8c7d6e5f4a9b8c7d6e5f4a9b8c7d6")

func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	eng, err := New(projectstest.Project(t), testSalt, opts)
	require.NoError(t, err)
	return eng
}

func studyInput(t *testing.T, specs ...dicomtest.InstanceSpec) []Instance {
	t.Helper()
	out := make([]Instance, 0, len(specs))
	for _, spec := range specs {
		out = append(out, Instance{SOPInstanceUID: spec.SOPUID, Data: dicomtest.Encode(t, spec)})
	}
	return out
}

func parseOutput(t *testing.T, in Instance) *dicom.File {
	t.Helper()
	f, err := dicom.Parse(in.Data)
	require.NoError(t, err)
	return f
}

func TestAnonymiseStudyRewritesIdentity(t *testing.T) {
	eng := newTestEngine(t, Options{})

	in := studyInput(t,
		dicomtest.InstanceSpec{SOPUID: "1.2.826.0.1.999.1.1.1", PatientAge: "034Y", PatientBirthDate: "19800101"},
		dicomtest.InstanceSpec{SOPUID: "1.2.826.0.1.999.1.1.2"},
	)
	res, err := eng.AnonymiseStudy(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, res.Instances, 2)
	assert.Empty(t, res.Skipped)

	assert.Equal(t, "1.2.826.0.1.999.1", res.SourceStudyUID)
	assert.True(t, strings.HasPrefix(res.AnonStudyUID, "2.25."))
	assert.NotEqual(t, res.SourceStudyUID, res.AnonStudyUID)
	assert.Len(t, res.PseudoPatientID, 64)
	assert.GreaterOrEqual(t, res.ShiftDays, -30)
	assert.LessOrEqual(t, res.ShiftDays, 0)

	wantDate, err := dicom.ShiftDA("20240102", res.ShiftDays)
	require.NoError(t, err)

	sourceSOPs := map[string]bool{"1.2.826.0.1.999.1.1.1": true, "1.2.826.0.1.999.1.1.2": true}
	var ages []string
	for _, out := range res.Instances {
		f := parseOutput(t, out)
		ds := f.Data

		assert.Equal(t, res.AnonStudyUID, ds.MustString(dicom.TagStudyInstanceUID))
		assert.Equal(t, res.PseudoPatientID, ds.MustString(dicom.TagPatientID))
		assert.Equal(t, "ANONYMOUS", ds.MustString(dicom.TagPatientName))
		assert.Equal(t, wantDate, ds.MustString(dicom.TagStudyDate))
		assert.Equal(t, "000000", ds.MustString(dicom.TagStudyTime), "times floor to midnight")

		assert.False(t, sourceSOPs[out.SOPInstanceUID], "SOP UID must be regenerated")
		assert.True(t, strings.HasPrefix(out.SOPInstanceUID, "2.25."))
		assert.Equal(t, out.SOPInstanceUID, ds.MustString(dicom.TagSOPInstanceUID))
		assert.Equal(t, out.SOPInstanceUID, f.Meta.MustString(dicom.TagMediaStorageSOPInstanceUID),
			"file meta must carry the regenerated identity")

		acc := ds.MustString(dicom.TagAccessionNumber)
		assert.NotEqual(t, "ACC-0001", acc)
		assert.Len(t, acc, 16, "hash clamps to the SH length bound")

		assert.False(t, ds.Has(dicom.TagPatientBirthDate), "unlisted elements are dropped")
		assert.True(t, ds.Has(dicom.TagPixelData))
		assert.Equal(t, "CT", ds.MustString(dicom.TagModality))

		if v, ok := ds.GetString(dicom.TagPatientAge); ok {
			ages = append(ages, v)
		}
	}
	assert.Equal(t, []string{"034Y"}, ages, "in-range age survives on exactly one instance")
}

func TestAnonymiseStudyDeterministic(t *testing.T) {
	specs := []dicomtest.InstanceSpec{
		{SOPUID: "1.2.826.0.1.999.1.1.1"},
		{SOPUID: "1.2.826.0.1.999.1.1.2"},
		{SOPUID: "1.2.826.0.1.999.1.1.3"},
	}
	in := studyInput(t, specs...)
	reversed := studyInput(t, specs[2], specs[1], specs[0])

	first, err := newTestEngine(t, Options{}).AnonymiseStudy(context.Background(), in)
	require.NoError(t, err)
	second, err := newTestEngine(t, Options{}).AnonymiseStudy(context.Background(), reversed)
	require.NoError(t, err)

	assert.Equal(t, first.AnonStudyUID, second.AnonStudyUID)
	assert.Equal(t, first.PseudoPatientID, second.PseudoPatientID)
	assert.Equal(t, first.ShiftDays, second.ShiftDays)

	require.Len(t, second.Instances, len(first.Instances))
	for i := range first.Instances {
		assert.Equal(t, first.Instances[i].SOPInstanceUID, second.Instances[i].SOPInstanceUID)
		assert.Equal(t, first.Instances[i].Data, second.Instances[i].Data,
			"re-running a study must produce byte-identical output")
	}
}

func TestShiftAppliesUniformly(t *testing.T) {
	eng := newTestEngine(t, Options{})

	in := studyInput(t,
		dicomtest.InstanceSpec{SOPUID: "1.2.826.0.1.999.1.1.1", StudyDate: "20240102"},
		dicomtest.InstanceSpec{SOPUID: "1.2.826.0.1.999.1.1.2", StudyDate: "20231225"},
	)
	res, err := eng.AnonymiseStudy(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, res.Instances, 2)

	want := make([]string, 0, 2)
	for _, src := range []string{"20240102", "20231225"} {
		d, err := dicom.ShiftDA(src, res.ShiftDays)
		require.NoError(t, err)
		want = append(want, d)
	}
	var got []string
	for _, out := range res.Instances {
		got = append(got, parseOutput(t, out).Data.MustString(dicom.TagStudyDate))
	}
	assert.ElementsMatch(t, want, got, "one delta shifts every date in the study")
}

func TestShiftOverride(t *testing.T) {
	for _, tc := range []struct {
		shift int
		want  string
	}{
		{shift: 0, want: "20240102"},
		{shift: -5, want: "20231228"},
	} {
		shift := tc.shift
		eng := newTestEngine(t, Options{ShiftOverride: &shift})

		res, err := eng.AnonymiseStudy(context.Background(),
			studyInput(t, dicomtest.InstanceSpec{SOPUID: "1.2.826.0.1.999.1.1.1"}))
		require.NoError(t, err)
		require.Len(t, res.Instances, 1)

		assert.Equal(t, tc.shift, res.ShiftDays)
		assert.Equal(t, tc.want, parseOutput(t, res.Instances[0]).Data.MustString(dicom.TagStudyDate))
	}
}

func TestDifferentSaltsDoNotLink(t *testing.T) {
	project := projectstest.Project(t)
	first, err := New(project, []byte("one-salt-value-one-salt-value-11"), Options{})
	require.NoError(t, err)
	second, err := New(project, []byte("two-salt-value-two-salt-value-22"), Options{})
	require.NoError(t, err)

	in := studyInput(t, dicomtest.InstanceSpec{SOPUID: "1.2.826.0.1.999.1.1.1"})
	resA, err := first.AnonymiseStudy(context.Background(), in)
	require.NoError(t, err)
	resB, err := second.AnonymiseStudy(context.Background(), studyInput(t, dicomtest.InstanceSpec{SOPUID: "1.2.826.0.1.999.1.1.1"}))
	require.NoError(t, err)

	assert.NotEqual(t, resA.AnonStudyUID, resB.AnonStudyUID)
	assert.NotEqual(t, resA.PseudoPatientID, resB.PseudoPatientID)
	assert.NotEqual(t, resA.Instances[0].SOPInstanceUID, resB.Instances[0].SOPInstanceUID)
}

func TestMergedStudiesShareOneStudyUID(t *testing.T) {
	specs := []dicomtest.InstanceSpec{
		{StudyUID: "1.2.900.2", SeriesUID: "1.2.900.2.1", SOPUID: "1.2.900.2.1.1"},
		{StudyUID: "1.2.900.1", SeriesUID: "1.2.900.1.1", SOPUID: "1.2.900.1.1.1"},
	}

	res, err := newTestEngine(t, Options{}).AnonymiseStudy(context.Background(), studyInput(t, specs...))
	require.NoError(t, err)
	require.Len(t, res.Instances, 2)

	assert.Equal(t, "1.2.900.1", res.SourceStudyUID, "smallest source UID seeds the merge")
	for _, out := range res.Instances {
		assert.Equal(t, res.AnonStudyUID, parseOutput(t, out).Data.MustString(dicom.TagStudyInstanceUID))
	}

	reversed, err := newTestEngine(t, Options{}).AnonymiseStudy(context.Background(), studyInput(t, specs[1], specs[0]))
	require.NoError(t, err)
	assert.Equal(t, res.AnonStudyUID, reversed.AnonStudyUID, "merge is arrival-order independent")
}

func TestSeriesUIDsStayConsistent(t *testing.T) {
	res, err := newTestEngine(t, Options{}).AnonymiseStudy(context.Background(), studyInput(t,
		dicomtest.InstanceSpec{SeriesUID: "1.2.826.0.1.999.1.10", SOPUID: "1.2.826.0.1.999.1.10.1"},
		dicomtest.InstanceSpec{SeriesUID: "1.2.826.0.1.999.1.10", SOPUID: "1.2.826.0.1.999.1.10.2"},
		dicomtest.InstanceSpec{SeriesUID: "1.2.826.0.1.999.1.11", SOPUID: "1.2.826.0.1.999.1.11.1"},
	))
	require.NoError(t, err)
	require.Len(t, res.Instances, 3)

	counts := make(map[string]int)
	for _, out := range res.Instances {
		counts[parseOutput(t, out).Data.MustString(dicom.TagSeriesInstanceUID)]++
	}
	sizes := make([]int, 0, len(counts))
	for _, n := range counts {
		sizes = append(sizes, n)
	}
	assert.ElementsMatch(t, []int{2, 1}, sizes, "two source series map to two anonymised series")
}

func TestSkipFilters(t *testing.T) {
	fx := projectstest.Fixture{
		Project: `
project:
  name: "Strict Extract"
  modalities: [CT]
series_filters:
  - localizer
min_instances_per_series: 2
allowed_manufacturers:
  - regex: acme
    exclude_series_numbers: [99]
tag_operation_files:
  base:
    - base.yaml
destination:
  dicom: ftps
  parquet: none
`,
		BaseTags: projectstest.Default().BaseTags,
	}
	eng, err := New(projectstest.Load(t, fx, "strict-extract"), testSalt, Options{})
	require.NoError(t, err)

	study := "1.2.826.0.1.999.1"
	res, err := eng.AnonymiseStudy(context.Background(), studyInput(t,
		dicomtest.InstanceSpec{SeriesUID: study + ".10", SOPUID: study + ".10.1"},
		dicomtest.InstanceSpec{SeriesUID: study + ".10", SOPUID: study + ".10.2"},
		dicomtest.InstanceSpec{SeriesUID: study + ".11", SOPUID: study + ".11.1", Modality: "MR"},
		dicomtest.InstanceSpec{SeriesUID: study + ".12", SOPUID: study + ".12.1", SeriesDescription: "3-Plane LOCALIZER"},
		dicomtest.InstanceSpec{SeriesUID: study + ".13", SOPUID: study + ".13.1", Manufacturer: "Other Corp"},
		dicomtest.InstanceSpec{SeriesUID: study + ".14", SOPUID: study + ".14.1", SeriesNumber: 99},
		dicomtest.InstanceSpec{SeriesUID: study + ".15", SOPUID: study + ".15.1"},
	))
	require.NoError(t, err)

	assert.Len(t, res.Instances, 2, "only the two-instance eligible series survives")
	require.Len(t, res.Skipped, 5)

	reasons := make(map[string]string, len(res.Skipped))
	for _, s := range res.Skipped {
		reasons[s.SOPInstanceUID] = s.Reason
	}
	assert.Contains(t, reasons[study+".11.1"], "modality MR")
	assert.Contains(t, reasons[study+".12.1"], "exclusion filter")
	assert.Contains(t, reasons[study+".13.1"], "not allowed")
	assert.Contains(t, reasons[study+".14.1"], "not allowed", "excluded series number of an allowed vendor")
	assert.Contains(t, reasons[study+".15.1"], "fewer than 2")
}

func TestWholeStudyFilteredOutIsNotAnError(t *testing.T) {
	fx := projectstest.Fixture{
		Project: `
project:
  name: "Strict Extract"
  modalities: [CT]
tag_operation_files:
  base:
    - base.yaml
destination:
  dicom: ftps
  parquet: none
`,
		BaseTags: projectstest.Default().BaseTags,
	}
	eng, err := New(projectstest.Load(t, fx, "strict-extract"), testSalt, Options{})
	require.NoError(t, err)

	res, err := eng.AnonymiseStudy(context.Background(),
		studyInput(t, dicomtest.InstanceSpec{SOPUID: "1.2.826.0.1.999.1.1.1", Modality: "US"}))
	require.NoError(t, err, "filtering is policy, not failure")
	assert.Empty(t, res.Instances)
	assert.Len(t, res.Skipped, 1)
}

func TestOversizedReplacementFailsValidation(t *testing.T) {
	fx := projectstest.Fixture{
		Project: `
project:
  name: "Broken Extract"
  modalities: [CT]
tag_operation_files:
  base:
    - base.yaml
destination:
  dicom: ftps
  parquet: none
`,
		BaseTags: `
- {name: SOPClassUID, group: 0x0008, element: 0x0016, op: keep}
- {name: SOPInstanceUID, group: 0x0008, element: 0x0018, op: replace_UID}
- {name: AccessionNumber, group: 0x0008, element: 0x0050, op: replace, value: THIS-REPLACEMENT-IS-FAR-TOO-LONG-FOR-SH}
- {name: StudyInstanceUID, group: 0x0020, element: 0x000d, op: replace_UID}
- {name: SeriesInstanceUID, group: 0x0020, element: 0x000e, op: replace_UID}
`,
	}
	eng, err := New(projectstest.Load(t, fx, "broken-extract"), testSalt, Options{})
	require.NoError(t, err)

	_, err = eng.AnonymiseStudy(context.Background(),
		studyInput(t, dicomtest.InstanceSpec{SOPUID: "1.2.826.0.1.999.1.1.1"}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation), "introduced issues must reject the study: %v", err)
}

func TestMissingPatientIDRejected(t *testing.T) {
	f := dicomtest.NewInstance(dicomtest.InstanceSpec{SOPUID: "1.2.826.0.1.999.1.1.1"})
	f.Data.Delete(dicom.TagPatientID)
	b, err := dicom.Write(f)
	require.NoError(t, err)

	_, err = newTestEngine(t, Options{}).AnonymiseStudy(context.Background(),
		[]Instance{{SOPInstanceUID: "1.2.826.0.1.999.1.1.1", Data: b}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PatientID")
}

func TestRejectsBadInput(t *testing.T) {
	eng := newTestEngine(t, Options{})

	_, err := eng.AnonymiseStudy(context.Background(), nil)
	require.Error(t, err)

	_, err = eng.AnonymiseStudy(context.Background(),
		[]Instance{{SOPInstanceUID: "junk", Data: []byte("not a part-10 stream")}})
	require.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = eng.AnonymiseStudy(ctx, studyInput(t, dicomtest.InstanceSpec{SOPUID: "1.2.826.0.1.999.1.1.1"}))
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestKeptSequenceRewrittenRecursively(t *testing.T) {
	fx := projectstest.Default()
	fx.BaseTags += "- {name: ReferencedStudySequence, group: 0x0008, element: 0x1110, op: keep}\n"
	eng, err := New(projectstest.Load(t, fx, projectstest.DefaultSlug), testSalt, Options{})
	require.NoError(t, err)

	f := dicomtest.NewInstance(dicomtest.InstanceSpec{SOPUID: "1.2.826.0.1.999.1.1.1"})
	item := dicom.NewDataSet()
	item.SetString(dicom.TagPatientName, dicom.VRPersonName, "DOE^JANE")
	item.SetString(dicom.TagInstitutionName, dicom.VRLongString, "Inner General")
	item.SetString(dicom.TagStudyInstanceUID, dicom.VRUniqueIdentifier, "1.2.826.0.1.999.1")
	f.Data.Set(dicom.NewSequence(dicom.Tag{Group: 0x0008, Element: 0x1110}, item))
	b, err := dicom.Write(f)
	require.NoError(t, err)

	res, err := eng.AnonymiseStudy(context.Background(),
		[]Instance{{SOPInstanceUID: "1.2.826.0.1.999.1.1.1", Data: b}})
	require.NoError(t, err)
	require.Len(t, res.Instances, 1)

	out := parseOutput(t, res.Instances[0])
	sq, ok := out.Data.Get(dicom.Tag{Group: 0x0008, Element: 0x1110})
	require.True(t, ok, "kept sequence survives")
	require.Len(t, sq.Items, 1)

	inner := sq.Items[0]
	assert.Equal(t, "ANONYMOUS", inner.MustString(dicom.TagPatientName), "scheme applies inside items")
	assert.False(t, inner.Has(dicom.TagInstitutionName), "unlisted elements are dropped inside items")
	assert.Equal(t, res.AnonStudyUID, inner.MustString(dicom.TagStudyInstanceUID),
		"UID references inside items share the study's map")
}

func TestPrivateAndUnlistedElementsDropped(t *testing.T) {
	f := dicomtest.NewInstance(dicomtest.InstanceSpec{SOPUID: "1.2.826.0.1.999.1.1.1"})
	f.Data.SetString(dicom.Tag{Group: 0x0009, Element: 0x0010}, dicom.VRLongString, "vendor secret")
	f.Data.SetString(dicom.TagInstitutionName, dicom.VRLongString, "General Hospital")
	b, err := dicom.Write(f)
	require.NoError(t, err)

	res, err := newTestEngine(t, Options{}).AnonymiseStudy(context.Background(),
		[]Instance{{SOPInstanceUID: "1.2.826.0.1.999.1.1.1", Data: b}})
	require.NoError(t, err)
	require.Len(t, res.Instances, 1)

	out := parseOutput(t, res.Instances[0]).Data
	assert.False(t, out.Has(dicom.Tag{Group: 0x0009, Element: 0x0010}))
	assert.False(t, out.Has(dicom.TagInstitutionName))
}

func TestAgeBounding(t *testing.T) {
	tests := []struct {
		age  string
		want string
	}{
		{age: "034Y", want: "034Y"},
		{age: "017Y", want: "018Y"},
		{age: "102Y", want: "089Y"},
		{age: "005M", want: "018Y"},
		{age: "003W", want: "018Y"},
		{age: "011D", want: "018Y"},
	}
	eng := newTestEngine(t, Options{})

	for _, tc := range tests {
		t.Run(tc.age, func(t *testing.T) {
			res, err := eng.AnonymiseStudy(context.Background(), studyInput(t,
				dicomtest.InstanceSpec{SOPUID: "1.2.826.0.1.999.1.1.1", PatientAge: tc.age}))
			require.NoError(t, err)
			require.Len(t, res.Instances, 1)
			assert.Equal(t, tc.want, parseOutput(t, res.Instances[0]).Data.MustString(dicom.TagPatientAge))
		})
	}
}

func TestNewValidatesInputs(t *testing.T) {
	_, err := New(nil, testSalt, Options{})
	require.Error(t, err)

	_, err = New(projectstest.Project(t), nil, Options{})
	require.Error(t, err)
}
