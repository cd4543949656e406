package project

import (
	"fmt"
	"regexp"
	"strings"
)

// DestinationKind is the closed enum of export targets, spec §3/§4.H.
type DestinationKind string

const (
	DestNone     DestinationKind = "none"
	DestFTPS     DestinationKind = "ftps"
	DestDICOMweb DestinationKind = "dicomweb"
	DestXNAT     DestinationKind = "xnat"
)

func (k DestinationKind) validForDicom() bool {
	switch k {
	case DestNone, DestFTPS, DestDICOMweb, DestXNAT:
		return true
	}
	return false
}

func (k DestinationKind) validForParquet() bool {
	switch k {
	case DestNone, DestFTPS:
		return true
	}
	return false
}

// AllowedManufacturer is one {regex, exclude_series_numbers} pair from
// spec §3/§6.
type AllowedManufacturer struct {
	Pattern              string
	re                   *regexp.Regexp
	ExcludeSeriesNumbers map[int]struct{}
}

func (m *AllowedManufacturer) compile() error {
	re, err := regexp.Compile(m.Pattern)
	if err != nil {
		return fmt.Errorf("allowed_manufacturers pattern %q: %w", m.Pattern, err)
	}
	m.re = re
	return nil
}

// Matches reports whether manufacturer is allowed for seriesNumber,
// applying the per-pattern series-number exclusion list (spec §4.G
// skip condition: "matches but the series number is in that pattern's
// exclusion list").
func (m AllowedManufacturer) Matches(manufacturer string, seriesNumber int) bool {
	if m.re == nil || !m.re.MatchString(manufacturer) {
		return false
	}
	_, excluded := m.ExcludeSeriesNumbers[seriesNumber]
	return !excluded
}

// DestinationSpec is the deterministic per-project destination resolved
// by the registry (spec §4.B).
type DestinationSpec struct {
	DICOM   DestinationKind
	Parquet DestinationKind
}

// XNATOptions are the xnat_destination_options of spec §6, only
// meaningful when DestinationSpec.DICOM == DestXNAT.
type XNATOptions struct {
	Overwrite   string // none | append | delete
	Destination string // archive | prearchive
}

// ProjectConfig is the immutable, validated per-project policy of spec
// §3/§4.B, cached by slug after YAML load.
type ProjectConfig struct {
	Slug                  string
	AllowedModalities     map[string]struct{}
	SeriesFilters         []string // lower-cased substrings
	MinInstancesPerSeries int
	AllowedManufacturers  []AllowedManufacturer
	TagScheme             AnonymisationProfile
	Destination           DestinationSpec
	XNAT                  XNATOptions
	AzureKVAlias          string
}

// ModalityAllowed reports whether modality passes the project's
// allow-list (spec §4.G skip condition).
func (c *ProjectConfig) ModalityAllowed(modality string) bool {
	_, ok := c.AllowedModalities[modality]
	return ok
}

// SeriesFiltered reports whether seriesDescription matches any
// configured case-insensitive substring filter (spec §4.G).
func (c *ProjectConfig) SeriesFiltered(seriesDescription string) bool {
	d := strings.ToLower(seriesDescription)
	for _, f := range c.SeriesFilters {
		if strings.Contains(d, f) {
			return true
		}
	}
	return false
}

// ManufacturerAllowed reports whether manufacturer/seriesNumber passes
// at least one allowed_manufacturers pattern (spec §4.G).
func (c *ProjectConfig) ManufacturerAllowed(manufacturer string, seriesNumber int) bool {
	if len(c.AllowedManufacturers) == 0 {
		return true // no restriction configured
	}
	for _, m := range c.AllowedManufacturers {
		if m.Matches(manufacturer, seriesNumber) {
			return true
		}
	}
	return false
}

