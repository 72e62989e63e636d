package projects

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/uclh-foundry/pixl/pkg/dicom"
	"github.com/uclh-foundry/pixl/pkg/util"
)

// DestinationKind routes an export.
type DestinationKind string

const (
	DestinationNone     DestinationKind = "none"
	DestinationFTPS     DestinationKind = "ftps"
	DestinationDICOMWeb DestinationKind = "dicomweb"
	DestinationXNAT     DestinationKind = "xnat"
)

// Destination is the pair of routes a project configures: one for the
// anonymised DICOM studies, one for tabular extracts.
type Destination struct {
	DICOM   DestinationKind
	Parquet DestinationKind
}

// XNATOptions tune the XNAT archive import.
type XNATOptions struct {
	Overwrite   string // none, append or delete
	Destination string // /archive or /prearchive
}

// AllowedManufacturer admits instances whose Manufacturer matches Pattern,
// except those in the listed series numbers.
type AllowedManufacturer struct {
	Pattern              *regexp.Regexp
	ExcludeSeriesNumbers []int
}

// ManufacturerOverride swaps in extra tag operations for matching vendors.
type ManufacturerOverride struct {
	Pattern *regexp.Regexp
	Tags    []TagOperation
}

// ProjectConfig is one project's compiled policy. Immutable after load; the
// registry swaps whole maps on reload.
type ProjectConfig struct {
	Slug    string
	Name    string
	KVAlias string

	Modalities            []string
	SeriesFilters         []string
	MinInstancesPerSeries int
	AllowedManufacturers  []AllowedManufacturer

	Destination Destination
	XNAT        XNATOptions

	modalitySet map[string]struct{}
	baseScheme  []TagOperation
	overrides   []ManufacturerOverride
}

// ModalityAllowed reports whether instances of this modality are kept.
func (c *ProjectConfig) ModalityAllowed(modality string) bool {
	_, ok := c.modalitySet[modality]
	return ok
}

// IsSeriesExcluded applies the case-insensitive substring filters. The
// descriptions are typed by humans, so no exact matching.
func (c *ProjectConfig) IsSeriesExcluded(description string) bool {
	if description == "" {
		return false
	}
	upper := strings.ToUpper(description)
	for _, f := range c.SeriesFilters {
		if strings.Contains(upper, strings.ToUpper(f)) {
			return true
		}
	}
	return false
}

// ManufacturerAllowed reports whether an instance from this vendor and
// series number survives. An empty allowlist admits everything.
func (c *ProjectConfig) ManufacturerAllowed(manufacturer string, seriesNumber int) bool {
	if len(c.AllowedManufacturers) == 0 {
		return true
	}
	for _, am := range c.AllowedManufacturers {
		if !am.Pattern.MatchString(manufacturer) {
			continue
		}
		excluded := false
		for _, n := range am.ExcludeSeriesNumbers {
			if n == seriesNumber {
				excluded = true
				break
			}
		}
		if !excluded {
			return true
		}
	}
	return false
}

// TagScheme merges the base scheme with every manufacturer override whose
// pattern matches, later sources winning per element. The result is sorted
// by tag so repeated calls walk elements in the same order.
func (c *ProjectConfig) TagScheme(manufacturer string) []TagOperation {
	merged := make(map[dicom.Tag]TagOperation, len(c.baseScheme))
	for _, op := range c.baseScheme {
		merged[op.Tag] = op
	}
	if manufacturer != "" {
		for _, ov := range c.overrides {
			if !ov.Pattern.MatchString(manufacturer) {
				continue
			}
			for _, op := range ov.Tags {
				merged[op.Tag] = op
			}
		}
	}

	out := make([]TagOperation, 0, len(merged))
	for _, op := range merged {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag.Compare(out[j].Tag) < 0 })
	return out
}

// --- file schemas ---

type fileSchema struct {
	Project struct {
		Name         string   `yaml:"name" validate:"required"`
		AzureKVAlias string   `yaml:"azure_kv_alias"`
		Modalities   []string `yaml:"modalities" validate:"required,min=1,dive,min=2,max=4"`
	} `yaml:"project"`
	SeriesFilters         []string `yaml:"series_filters"`
	MinInstancesPerSeries int      `yaml:"min_instances_per_series" validate:"gte=0"`
	AllowedManufacturers  []struct {
		Regex                string `yaml:"regex" validate:"required"`
		ExcludeSeriesNumbers []int  `yaml:"exclude_series_numbers"`
	} `yaml:"allowed_manufacturers"`
	TagOperationFiles struct {
		Base                  []string `yaml:"base" validate:"required,min=1"`
		ManufacturerOverrides []string `yaml:"manufacturer_overrides"`
	} `yaml:"tag_operation_files"`
	Destination struct {
		DICOM   string `yaml:"dicom" validate:"required,oneof=none ftps dicomweb xnat"`
		Parquet string `yaml:"parquet" validate:"required,oneof=none ftps"`
	} `yaml:"destination"`
	XNATOptions *struct {
		Overwrite   string `yaml:"overwrite" validate:"omitempty,oneof=none append delete"`
		Destination string `yaml:"destination" validate:"omitempty,oneof=/archive /prearchive"`
	} `yaml:"xnat_destination_options"`
}

type tagSchema struct {
	Name    string `yaml:"name"`
	Group   int    `yaml:"group" validate:"gte=0,lte=65535"`
	Element int    `yaml:"element" validate:"gte=0,lte=65535"`
	Op      string `yaml:"op" validate:"required"`
	Value   string `yaml:"value"`
	Min     *int64 `yaml:"min"`
	Max     *int64 `yaml:"max"`
}

type overrideSchema struct {
	Manufacturer string      `yaml:"manufacturer" validate:"required"`
	Tags         []tagSchema `yaml:"tags" validate:"required,min=1"`
}

var validate = validator.New()

// loadProjectFile parses, validates and compiles one project file. Tag
// operation files resolve under <dir>/tag-operations and
// <dir>/tag-operations/manufacturer-overrides.
func loadProjectFile(dir, path string) (*ProjectConfig, error) {
	raw, err := decodeFile[fileSchema](path)
	if err != nil {
		return nil, err
	}
	if err := validate.Struct(raw); err != nil {
		return nil, errors.Wrapf(err, "%s", filepath.Base(path))
	}

	cfg := &ProjectConfig{
		Name:                  raw.Project.Name,
		Slug:                  util.Slugify(raw.Project.Name),
		KVAlias:               raw.Project.AzureKVAlias,
		Modalities:            raw.Project.Modalities,
		SeriesFilters:         raw.SeriesFilters,
		MinInstancesPerSeries: raw.MinInstancesPerSeries,
		Destination: Destination{
			DICOM:   DestinationKind(raw.Destination.DICOM),
			Parquet: DestinationKind(raw.Destination.Parquet),
		},
		XNAT: XNATOptions{Overwrite: "none", Destination: "/archive"},
	}
	if cfg.KVAlias == "" {
		cfg.KVAlias = cfg.Slug
	}
	if cfg.MinInstancesPerSeries == 0 {
		cfg.MinInstancesPerSeries = 1
	}
	if raw.XNATOptions != nil {
		if raw.XNATOptions.Overwrite != "" {
			cfg.XNAT.Overwrite = raw.XNATOptions.Overwrite
		}
		if raw.XNATOptions.Destination != "" {
			cfg.XNAT.Destination = raw.XNATOptions.Destination
		}
	}

	cfg.modalitySet = make(map[string]struct{}, len(cfg.Modalities))
	for _, m := range cfg.Modalities {
		cfg.modalitySet[m] = struct{}{}
	}

	for _, am := range raw.AllowedManufacturers {
		re, err := compileInsensitive(am.Regex)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: allowed_manufacturers", filepath.Base(path))
		}
		cfg.AllowedManufacturers = append(cfg.AllowedManufacturers, AllowedManufacturer{
			Pattern:              re,
			ExcludeSeriesNumbers: am.ExcludeSeriesNumbers,
		})
	}

	tagDir := filepath.Join(dir, "tag-operations")
	for _, name := range raw.TagOperationFiles.Base {
		ops, err := loadTagFile(filepath.Join(tagDir, name))
		if err != nil {
			return nil, err
		}
		cfg.baseScheme = append(cfg.baseScheme, ops...)
	}
	for _, name := range raw.TagOperationFiles.ManufacturerOverrides {
		ovs, err := loadOverrideFile(filepath.Join(tagDir, "manufacturer-overrides", name))
		if err != nil {
			return nil, err
		}
		cfg.overrides = append(cfg.overrides, ovs...)
	}

	return cfg, nil
}

func loadTagFile(path string) ([]TagOperation, error) {
	raw, err := decodeFile[[]tagSchema](path)
	if err != nil {
		return nil, err
	}
	ops := make([]TagOperation, 0, len(raw))
	for _, t := range raw {
		op, err := compileTag(t)
		if err != nil {
			return nil, errors.Wrapf(err, "%s", filepath.Base(path))
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func loadOverrideFile(path string) ([]ManufacturerOverride, error) {
	raw, err := decodeFile[[]overrideSchema](path)
	if err != nil {
		return nil, err
	}
	out := make([]ManufacturerOverride, 0, len(raw))
	for _, ov := range raw {
		if err := validate.Struct(ov); err != nil {
			return nil, errors.Wrapf(err, "%s", filepath.Base(path))
		}
		re, err := compileInsensitive(ov.Manufacturer)
		if err != nil {
			return nil, errors.Wrapf(err, "%s", filepath.Base(path))
		}
		compiled := ManufacturerOverride{Pattern: re}
		for _, t := range ov.Tags {
			op, err := compileTag(t)
			if err != nil {
				return nil, errors.Wrapf(err, "%s", filepath.Base(path))
			}
			compiled.Tags = append(compiled.Tags, op)
		}
		out = append(out, compiled)
	}
	return out, nil
}

func compileTag(t tagSchema) (TagOperation, error) {
	if err := validate.Struct(t); err != nil {
		return TagOperation{}, err
	}
	op, err := ParseOp(t.Op)
	if err != nil {
		return TagOperation{}, err
	}

	compiled := TagOperation{
		Name:  t.Name,
		Tag:   dicom.Tag{Group: uint16(t.Group), Element: uint16(t.Element)},
		Op:    op,
		Value: t.Value,
	}
	if op == OpNumRange {
		if t.Min == nil || t.Max == nil {
			return TagOperation{}, errors.Errorf("num-range on %s needs min and max", compiled.Tag)
		}
		if *t.Min > *t.Max {
			return TagOperation{}, errors.Errorf("num-range on %s: min %d above max %d", compiled.Tag, *t.Min, *t.Max)
		}
		compiled.Min, compiled.Max = *t.Min, *t.Max
	}
	if err := compiled.checkVR(); err != nil {
		return TagOperation{}, err
	}
	return compiled, nil
}

func decodeFile[T any](path string) (T, error) {
	var out T
	f, err := os.Open(path)
	if err != nil {
		return out, errors.Wrapf(err, "opening %s", filepath.Base(path))
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&out); err != nil {
		return out, errors.Wrapf(err, "parsing %s", filepath.Base(path))
	}
	return out, nil
}

func compileInsensitive(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile("(?i)" + pattern)
}
