package anonymize

import (
	"encoding/base64"
	"time"

	"github.com/pkg/errors"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/pixl-imaging/pixl-core/cmn"
	"github.com/pixl-imaging/pixl-core/project"
)

// Instance is one DICOM instance going through the engine, identified
// by its dataset plus the manufacturer value the project's tag scheme
// resolves operations against.
type Instance struct {
	Dataset      dicom.Dataset
	Manufacturer string
	SeriesNumber int
}

// Result is one anonymised instance plus the pseudonymised patient ID
// recorded alongside it in the Export Ledger.
type Result struct {
	Dataset         dicom.Dataset
	PseudoPatientID string
}

// StudyContext carries the per-study state spec §4.G computes once
// and reuses across every instance of the study: the date-shift
// offset and the UID rewrite map.
type StudyContext struct {
	ProjectSalt []byte
	LocalSalt   []byte
	StudyUID    string
	Offset      int
	UIDs        *UIDMap
}

// NewStudyContext derives δ and builds a fresh UID map for studyUID
// under projectSalt (spec §4.G step 1-2).
func NewStudyContext(projectSalt, localSalt []byte, studyUID string) *StudyContext {
	return &StudyContext{
		ProjectSalt: projectSalt,
		LocalSalt:   localSalt,
		StudyUID:    studyUID,
		Offset:      DateShiftOffset(projectSalt, studyUID),
		UIDs:        NewUIDMap(projectSalt),
	}
}

// Engine applies a project's AnonymisationProfile to instances of one
// study.
type Engine struct {
	profile project.AnonymisationProfile
	filters project.ProjectConfig
}

func NewEngine(cfg *project.ProjectConfig) *Engine {
	return &Engine{profile: cfg.TagScheme, filters: *cfg}
}

// ShouldSkip evaluates the spec §4.G skip conditions that are decided
// at instance granularity (series filters, modality, manufacturer).
// Series-level "fewer than min_instances_per_series" is evaluated by
// the caller across the whole study before per-instance work begins.
func (e *Engine) ShouldSkip(seriesDescription, modality, manufacturer string, seriesNumber int) (skip bool, reason string) {
	if e.filters.SeriesFiltered(seriesDescription) {
		return true, "series_filter"
	}
	if !e.filters.ModalityAllowed(modality) {
		return true, "modality_not_allowed"
	}
	if !e.filters.ManufacturerAllowed(manufacturer, seriesNumber) {
		return true, "manufacturer_not_allowed"
	}
	return false, ""
}

// Anonymise rewrites one instance under sc, returning the new dataset
// and the pseudonymised patient ID. A single failing element fails the
// whole instance (and, by the scheduler's atomicity rule, the whole
// study).
func (e *Engine) Anonymise(sc *StudyContext, in Instance) (Result, error) {
	patientID, err := e.patientID(sc, in.Dataset)
	if err != nil {
		return Result{}, cmn.WithKind(cmn.KindAnonymisationFail, err)
	}

	out := dicom.Dataset{}
	for _, el := range in.Dataset.Elements {
		newEl, keep, err := e.rewriteElement(sc, el, in.Manufacturer)
		if err != nil {
			return Result{}, cmn.WithKind(cmn.KindAnonymisationFail,
				errors.Wrapf(err, "anonymize: element %s", el.Tag.String()))
		}
		if keep {
			out.Elements = append(out.Elements, newEl)
		}
	}
	return Result{Dataset: out, PseudoPatientID: patientID}, nil
}

func (e *Engine) patientID(sc *StudyContext, ds dicom.Dataset) (string, error) {
	el, err := ds.FindElementByTag(tag.PatientID)
	if err != nil {
		return "", nil // absent patient ID is not fatal; ledger records empty
	}
	raw, ok := el.Value.GetValue().([]string)
	if !ok || len(raw) == 0 {
		return "", nil
	}
	digest, err := blake2bKeyed(xorSalts(sc.ProjectSalt, sc.LocalSalt), []byte(raw[0]))
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(digest), nil
}

func xorSalts(a, b []byte) []byte {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = a[i] ^ b[i]
	}
	return out
}

func toProjectTag(t tag.Tag) project.Tag { return project.Tag{Group: t.Group, Element: t.Element} }

func isPrivateTag(t tag.Tag) bool { return t.Group%2 == 1 }

// rewriteElement resolves and applies the operation for el, returning
// (nil, false, nil) when the element should be dropped.
func (e *Engine) rewriteElement(sc *StudyContext, el *dicom.Element, manufacturer string) (*dicom.Element, bool, error) {
	pt := toProjectTag(el.Tag)

	// Private tags are dropped unless the profile names them
	// explicitly: Resolve's own default-delete fallback already
	// reaches the same outcome, but this guard keeps that invariant
	// true even if Resolve's default ever changes (spec §3).
	if isPrivateTag(el.Tag) && !e.profile.ListedExplicitly(pt) {
		return nil, false, nil
	}

	op := e.profile.Resolve(pt, manufacturer)

	switch op.Op {
	case project.OpKeep:
		return el, true, nil
	case project.OpDelete:
		return nil, false, nil
	case project.OpReplace:
		return replaceValue(el, op.Replace)
	case project.OpReplaceUID:
		return replaceUID(sc, el)
	case project.OpSecureHash:
		return secureHash(sc, el)
	case project.OpDateShift:
		return dateShift(el, sc.Offset)
	case project.OpDateFloor:
		return dateFloor(el)
	case project.OpNumRange:
		return clipNumRange(el, op.NumMin, op.NumMax)
	default:
		return nil, false, errors.Errorf("anonymize: unknown op %q", op.Op)
	}
}

func replaceValue(el *dicom.Element, value string) (*dicom.Element, bool, error) {
	newEl, err := dicom.NewElement(el.Tag, value)
	if err != nil {
		return nil, false, err
	}
	return newEl, true, nil
}

func replaceUID(sc *StudyContext, el *dicom.Element) (*dicom.Element, bool, error) {
	raw, ok := el.Value.GetValue().([]string)
	if !ok || len(raw) == 0 {
		return nil, false, errors.New("anonymize: replace_UID on non-UID element")
	}
	mapped, err := sc.UIDs.Rewrite(raw[0])
	if err != nil {
		return nil, false, err
	}
	newEl, err := dicom.NewElement(el.Tag, mapped)
	if err != nil {
		return nil, false, err
	}
	return newEl, true, nil
}

func secureHash(sc *StudyContext, el *dicom.Element) (*dicom.Element, bool, error) {
	raw, ok := el.Value.GetValue().([]string)
	if !ok || len(raw) == 0 {
		return nil, false, nil
	}
	digest, err := blake2bKeyed(xorSalts(sc.ProjectSalt, sc.LocalSalt), []byte(raw[0]))
	if err != nil {
		return nil, false, err
	}
	encoded := base64.RawURLEncoding.EncodeToString(digest)
	vrLen := vrMaxLength(el.Tag)
	if vrLen > 0 && len(encoded) > vrLen {
		encoded = encoded[:vrLen]
	}
	newEl, err := dicom.NewElement(el.Tag, encoded)
	if err != nil {
		return nil, false, err
	}
	return newEl, true, nil
}

// vrMaxLength is a conservative clamp for secure-hash output; most
// short-string VRs cap at 64 chars, which the base64 digest already
// respects, so 0 (no clamp) is returned for anything not explicitly
// known to be shorter.
func vrMaxLength(t tag.Tag) int {
	info, err := tag.FindByTag(t)
	if err != nil {
		return 0
	}
	switch info.VR {
	case "SH", "CS":
		return 16
	case "LO", "UI":
		return 64
	default:
		return 0
	}
}

func dateShift(el *dicom.Element, offsetDays int) (*dicom.Element, bool, error) {
	raw, ok := el.Value.GetValue().([]string)
	if !ok || len(raw) == 0 {
		return nil, false, nil
	}
	shifted := make([]string, len(raw))
	for i, v := range raw {
		layout, parsed, err := parseDicomDateTime(v)
		if err != nil {
			return nil, false, errors.Wrapf(err, "anonymize: date-shift %q", v)
		}
		shifted[i] = parsed.AddDate(0, 0, offsetDays).Format(layout)
	}
	newEl, err := dicom.NewElement(el.Tag, shifted[0])
	if err != nil {
		return nil, false, err
	}
	return newEl, true, nil
}

func dateFloor(el *dicom.Element) (*dicom.Element, bool, error) {
	raw, ok := el.Value.GetValue().([]string)
	if !ok || len(raw) == 0 {
		return nil, false, nil
	}
	_, parsed, err := parseDicomDateTime(raw[0])
	if err != nil {
		return nil, false, err
	}
	floored := time.Date(parsed.Year(), parsed.Month(), parsed.Day(), 0, 0, 0, 0, parsed.Location())
	newEl, err := dicom.NewElement(el.Tag, floored.Format(dicomDTLayout))
	if err != nil {
		return nil, false, err
	}
	return newEl, true, nil
}

func clipNumRange(el *dicom.Element, min, max float64) (*dicom.Element, bool, error) {
	raw, ok := el.Value.GetValue().([]int)
	if !ok {
		if fs, okf := el.Value.GetValue().([]float64); okf && len(fs) > 0 {
			v := clip(fs[0], min, max)
			newEl, err := dicom.NewElement(el.Tag, v)
			return newEl, err == nil, err
		}
		return el, true, nil
	}
	if len(raw) == 0 {
		return el, true, nil
	}
	v := int(clip(float64(raw[0]), min, max))
	newEl, err := dicom.NewElement(el.Tag, v)
	if err != nil {
		return nil, false, err
	}
	return newEl, true, nil
}

func clip(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

const (
	dicomDALayout = "20060102"
	dicomDTLayout = "20060102150405"
	dicomTMLayout = "150405"
)

func parseDicomDateTime(v string) (layout string, t time.Time, err error) {
	for _, layout := range []string{dicomDTLayout, dicomDALayout, dicomTMLayout} {
		if t, err := time.Parse(layout, v); err == nil {
			return layout, t, nil
		}
	}
	return "", time.Time{}, errors.Errorf("anonymize: unrecognised date/time value %q", v)
}
