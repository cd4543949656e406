package project

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

// yamlProjectFile mirrors the per-project YAML schema of spec §6.
type yamlProjectFile struct {
	Project struct {
		Name         string   `yaml:"name"`
		AzureKVAlias string   `yaml:"azure_kv_alias"`
		Modalities   []string `yaml:"modalities"`
	} `yaml:"project"`
	TagOperationFiles struct {
		Base                 []string `yaml:"base"`
		ManufacturerOverrides []string `yaml:"manufacturer_overrides"`
	} `yaml:"tag_operation_files"`
	AllowedManufacturers []yamlAllowedManufacturer `yaml:"allowed_manufacturers"`
	MinInstancesPerSeries int                      `yaml:"min_instances_per_series"`
	SeriesFilters         []string                 `yaml:"series_filters"`
	Destination           struct {
		DICOM   string `yaml:"dicom"`
		Parquet string `yaml:"parquet"`
	} `yaml:"destination"`
	XNATDestinationOptions struct {
		Overwrite   string `yaml:"overwrite"`
		Destination string `yaml:"destination"`
	} `yaml:"xnat_destination_options"`
}

type yamlAllowedManufacturer struct {
	Regex               string `yaml:"regex"`
	ExcludeSeriesNumbers []int `yaml:"exclude_series_numbers"`
}

// yamlTagOperation mirrors one entry of a tag-operation file (spec §6):
// {name, group: 0xGGGG, element: 0xEEEE, op}.
type yamlTagOperation struct {
	Name    string `yaml:"name"`
	Group   string `yaml:"group"`
	Element string `yaml:"element"`
	Op      string `yaml:"op"`
	Replace string `yaml:"replace"`
	NumMin  *float64 `yaml:"num_min"`
	NumMax  *float64 `yaml:"num_max"`
}

type yamlOverrideFile struct {
	Manufacturer string             `yaml:"manufacturer"`
	Tags         []yamlTagOperation `yaml:"tags"`
}

func parseHexTag(s string) (uint16, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid tag component %q: %w", s, err)
	}
	return uint16(v), nil
}

func (t yamlTagOperation) toTagOperation() (Tag, TagOperation, error) {
	g, err := parseHexTag(t.Group)
	if err != nil {
		return Tag{}, TagOperation{}, err
	}
	e, err := parseHexTag(t.Element)
	if err != nil {
		return Tag{}, TagOperation{}, err
	}
	tag := Tag{Group: g, Element: e}
	op := TagOperation{Name: t.Name, Tag: tag, Op: OpKind(t.Op), Replace: t.Replace}
	if t.NumMin != nil {
		op.NumMin = *t.NumMin
	}
	if t.NumMax != nil {
		op.NumMax = *t.NumMax
	}
	if err := op.validate(); err != nil {
		return Tag{}, TagOperation{}, err
	}
	return tag, op, nil
}

// loadTagOperationFile reads one base tag-operation YAML file relative
// to dir and returns its operations keyed by tag, "last-specified wins"
// within the file itself per spec §3.
func loadTagOperationFile(dir, rel string) (map[Tag]TagOperation, error) {
	raw, err := os.ReadFile(filepath.Join(dir, rel))
	if err != nil {
		return nil, fmt.Errorf("tag operation file %q: %w", rel, err)
	}
	var entries []yamlTagOperation
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("tag operation file %q: %w", rel, err)
	}
	ops := make(map[Tag]TagOperation, len(entries))
	for _, e := range entries {
		tag, op, err := e.toTagOperation()
		if err != nil {
			return nil, fmt.Errorf("tag operation file %q: %w", rel, err)
		}
		ops[tag] = op // last-specified wins
	}
	return ops, nil
}

func loadOverrideFile(dir, rel string) ([]ManufacturerOverride, error) {
	raw, err := os.ReadFile(filepath.Join(dir, rel))
	if err != nil {
		return nil, fmt.Errorf("manufacturer override file %q: %w", rel, err)
	}
	var files []yamlOverrideFile
	if err := yaml.Unmarshal(raw, &files); err != nil {
		return nil, fmt.Errorf("manufacturer override file %q: %w", rel, err)
	}
	out := make([]ManufacturerOverride, 0, len(files))
	for _, f := range files {
		ov := ManufacturerOverride{ManufacturerPattern: f.Manufacturer, Tags: map[Tag]TagOperation{}}
		for _, e := range f.Tags {
			tag, op, err := e.toTagOperation()
			if err != nil {
				return nil, fmt.Errorf("manufacturer override file %q: %w", rel, err)
			}
			ov.Tags[tag] = op
		}
		if err := ov.compile(); err != nil {
			return nil, err
		}
		out = append(out, ov)
	}
	return out, nil
}

// loadOne reads and validates one project YAML file plus everything it
// references (spec §4.B: "resolve tag-operation file references; deep-
// merge manufacturer overrides into the base tag scheme").
func loadOne(dir, path string) (*ProjectConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f yamlProjectFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if f.Project.Name == "" {
		return nil, fmt.Errorf("%s: project.name is required", path)
	}

	base := map[Tag]TagOperation{}
	for _, rel := range f.TagOperationFiles.Base {
		ops, err := loadTagOperationFile(dir, rel)
		if err != nil {
			return nil, err
		}
		for tag, op := range ops {
			base[tag] = op // last-specified-file wins across files too
		}
	}
	var overrides []ManufacturerOverride
	for _, rel := range f.TagOperationFiles.ManufacturerOverrides {
		ovs, err := loadOverrideFile(dir, rel)
		if err != nil {
			return nil, err
		}
		overrides = append(overrides, ovs...)
	}

	modalities := map[string]struct{}{}
	for _, m := range f.Project.Modalities {
		modalities[strings.ToUpper(m)] = struct{}{}
	}

	manufacturers := make([]AllowedManufacturer, 0, len(f.AllowedManufacturers))
	for _, m := range f.AllowedManufacturers {
		excl := map[int]struct{}{}
		for _, n := range m.ExcludeSeriesNumbers {
			excl[n] = struct{}{}
		}
		am := AllowedManufacturer{Pattern: m.Regex, ExcludeSeriesNumbers: excl}
		if err := am.compile(); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		manufacturers = append(manufacturers, am)
	}

	dicomDest := DestinationKind(f.Destination.DICOM)
	if dicomDest == "" {
		dicomDest = DestNone
	}
	if !dicomDest.validForDicom() {
		return nil, fmt.Errorf("%s: invalid destination.dicom %q", path, f.Destination.DICOM)
	}
	parquetDest := DestinationKind(f.Destination.Parquet)
	if parquetDest == "" {
		parquetDest = DestNone
	}
	if !parquetDest.validForParquet() {
		return nil, fmt.Errorf("%s: invalid destination.parquet %q", path, f.Destination.Parquet)
	}

	min := f.MinInstancesPerSeries
	if min < 1 {
		min = 1
	}

	cfg := &ProjectConfig{
		Slug:                  f.Project.Name,
		AllowedModalities:     modalities,
		SeriesFilters:         lowerAll(f.SeriesFilters),
		MinInstancesPerSeries: min,
		AllowedManufacturers:  manufacturers,
		TagScheme:             AnonymisationProfile{Base: base, Overrides: overrides},
		Destination:           DestinationSpec{DICOM: dicomDest, Parquet: parquetDest},
		XNAT: XNATOptions{
			Overwrite:   f.XNATDestinationOptions.Overwrite,
			Destination: f.XNATDestinationOptions.Destination,
		},
		AzureKVAlias: f.Project.AzureKVAlias,
	}
	return cfg, nil
}

func lowerAll(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = strings.ToLower(s)
	}
	return out
}
