package anonymize

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestAnonymize(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Anonymize Validator Suite")
}
