// Package anonymize implements the Anonymisation Engine of spec §4.G:
// a per-study, per-element tag-scheme rewriter producing a study that
// satisfies the project's tag scheme, stays internally consistent
// across its instances, and passes a dictionary-based validator.
package anonymize

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
)

const maxDateShiftDays = 30

// DateShiftOffset derives the per-study date-shift offset δ ∈
// [-30, 0] days from HMAC(projectSalt, studyUID), so the same study
// always shifts by the same amount under the same project salt
// (spec §4.G step 1).
func DateShiftOffset(projectSalt []byte, studyUID string) int {
	mac := hmac.New(sha256.New, projectSalt)
	mac.Write([]byte(studyUID))
	sum := mac.Sum(nil)
	n := binary.BigEndian.Uint64(sum[:8])
	return -int(n % (maxDateShiftDays + 1))
}

// blake2bKeyed computes a keyed BLAKE2b-256 digest, the primitive
// spec §4.G uses for both secure-hash element values and the
// pseudonymised Patient ID.
func blake2bKeyed(key, value []byte) ([]byte, error) {
	h, err := blake2b.New256(key)
	if err != nil {
		return nil, err
	}
	h.Write(value)
	return h.Sum(nil), nil
}
