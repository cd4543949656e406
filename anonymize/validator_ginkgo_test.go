package anonymize

import (
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Validate", func() {
	It("reports no issues for an empty dataset", func() {
		ds := dicom.Dataset{}
		Expect(Validate(ds)).To(BeEmpty())
	})

	It("flags an element with a nil value as an error", func() {
		ds := dicom.Dataset{Elements: []*dicom.Element{
			{Tag: tag.PatientID, Value: nil},
		}}
		issues := Validate(ds)
		Expect(issues).To(HaveLen(1))
		Expect(issues[0].Severity).To(Equal(SeverityError))
	})
})

var _ = Describe("NewIssues", func() {
	It("excludes issues already present before anonymisation", func() {
		before := []Issue{{Tag: tag.PatientID, Severity: SeverityWarning, Message: "tag not in dictionary"}}
		after := []Issue{
			{Tag: tag.PatientID, Severity: SeverityWarning, Message: "tag not in dictionary"},
			{Tag: tag.StudyInstanceUID, Severity: SeverityError, Message: "element has no value"},
		}
		fresh := NewIssues(before, after)
		Expect(fresh).To(HaveLen(1))
		Expect(fresh[0].Tag).To(Equal(tag.StudyInstanceUID))
	})
})

var _ = Describe("HasBlockingIssue", func() {
	It("is false when every issue is a warning", func() {
		Expect(HasBlockingIssue([]Issue{{Severity: SeverityWarning}})).To(BeFalse())
	})

	It("is true once any issue reaches error severity", func() {
		Expect(HasBlockingIssue([]Issue{{Severity: SeverityWarning}, {Severity: SeverityError}})).To(BeTrue())
	})
})
