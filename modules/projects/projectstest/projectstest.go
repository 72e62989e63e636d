// Package projectstest compiles project configurations for tests in other
// packages, going through the same loader production uses.
package projectstest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/uclh-foundry/pixl/modules/projects"
)

// Fixture holds the YAML sources for one project directory.
type Fixture struct {
	Project   string
	BaseTags  string
	Overrides string
}

// DefaultSlug is the slug of the Default fixture's project.
const DefaultSlug = "test-extract"

// Default returns a fixture whose tag scheme covers every element the
// synthetic instances of dicomtest carry: identity UIDs regenerated, the
// patient identifiers hashed or replaced, dates shifted, times floored,
// the birth date dropped by omission.
func Default() Fixture {
	return Fixture{
		Project: `
project:
  name: "Test Extract"
  modalities: [CT, MR]
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
- {name: StudyDate, group: 0x0008, element: 0x0020, op: date-shift}
- {name: StudyTime, group: 0x0008, element: 0x0030, op: date-floor}
- {name: AccessionNumber, group: 0x0008, element: 0x0050, op: secure-hash}
- {name: Modality, group: 0x0008, element: 0x0060, op: keep}
- {name: Manufacturer, group: 0x0008, element: 0x0070, op: keep}
- {name: SeriesDescription, group: 0x0008, element: 0x103e, op: keep}
- {name: PatientName, group: 0x0010, element: 0x0010, op: replace, value: ANONYMOUS}
- {name: PatientID, group: 0x0010, element: 0x0020, op: secure-hash}
- {name: PatientAge, group: 0x0010, element: 0x1010, op: num-range, min: 18, max: 89}
- {name: StudyInstanceUID, group: 0x0020, element: 0x000d, op: replace_UID}
- {name: SeriesInstanceUID, group: 0x0020, element: 0x000e, op: replace_UID}
- {name: SeriesNumber, group: 0x0020, element: 0x0011, op: keep}
- {name: PixelData, group: 0x7fe0, element: 0x0010, op: keep}
`,
	}
}

// Dir writes the fixture into a temp directory laid out the way the
// registry expects and returns its path.
func Dir(t testing.TB, fx Fixture) string {
	t.Helper()

	dir := t.TempDir()
	tagDir := filepath.Join(dir, "tag-operations")
	require.NoError(t, os.MkdirAll(filepath.Join(tagDir, "manufacturer-overrides"), 0o755))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "project.yaml"), []byte(fx.Project), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(tagDir, "base.yaml"), []byte(fx.BaseTags), 0o644))
	if fx.Overrides != "" {
		require.NoError(t, os.WriteFile(
			filepath.Join(tagDir, "manufacturer-overrides", "overrides.yaml"), []byte(fx.Overrides), 0o644))
	}
	return dir
}

// Load compiles a fixture and returns the project with the given slug.
func Load(t testing.TB, fx Fixture, slug string) *projects.ProjectConfig {
	t.Helper()

	r, err := projects.New(projects.Config{Dir: Dir(t, fx)}, log.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, r.Reload())

	cfg, err := r.Get(slug)
	require.NoError(t, err)
	return cfg
}

// Project compiles the Default fixture.
func Project(t testing.TB) *projects.ProjectConfig {
	t.Helper()
	return Load(t, Default(), DefaultSlug)
}
