package anonymize

import (
	"fmt"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Severity mirrors a subset of DICOM validation severities relevant
// to spec §4.G's "new issues of severity >= error fail the study".
type Severity int

const (
	SeverityWarning Severity = iota
	SeverityError
)

// Issue is one validator finding against a dataset.
type Issue struct {
	Tag      tag.Tag
	Severity Severity
	Message  string
}

func (i Issue) String() string { return fmt.Sprintf("%s: %s", i.Tag.String(), i.Message) }

// Validate runs a minimal dictionary-based check: an element whose tag
// does not resolve in the DICOM dictionary yields a warning, and an
// element with a nil Value yields an error. This is not a full
// conformance validator; value counts per VR and sequence items are not
// checked.
func Validate(ds dicom.Dataset) []Issue {
	var issues []Issue
	for _, el := range ds.Elements {
		if _, err := tag.FindByTag(el.Tag); err != nil {
			issues = append(issues, Issue{Tag: el.Tag, Severity: SeverityWarning, Message: "tag not in dictionary"})
			continue
		}
		if el.Value == nil {
			issues = append(issues, Issue{Tag: el.Tag, Severity: SeverityError, Message: "element has no value"})
		}
	}
	return issues
}

// NewIssues returns the issues present in after that were not already
// present in before (matched by tag and message), implementing spec
// §4.G's "emit only the new issues introduced by anonymisation".
func NewIssues(before, after []Issue) []Issue {
	seen := make(map[string]struct{}, len(before))
	for _, i := range before {
		seen[i.Tag.String()+"|"+i.Message] = struct{}{}
	}
	var fresh []Issue
	for _, i := range after {
		if _, ok := seen[i.Tag.String()+"|"+i.Message]; !ok {
			fresh = append(fresh, i)
		}
	}
	return fresh
}

// HasBlockingIssue reports whether issues contains anything of
// severity >= SeverityError.
func HasBlockingIssue(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity >= SeverityError {
			return true
		}
	}
	return false
}
