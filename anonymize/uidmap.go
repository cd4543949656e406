package anonymize

import (
	"encoding/hex"
	"sync"
)

// defaultOrgRoot prefixes every regenerated UID this engine produces. It is
// not a registered root — deployments that need a real assigned root
// should override it via UIDMap.OrgRoot before first use.
const defaultOrgRoot = "2.25.1"

const maxUIDLen = 64

// UIDMap deterministically rewrites original UIDs to new ones within
// one project's lifetime (spec §4.G step 2): the same original UID
// always maps to the same new UID, computed from a keyed BLAKE2 digest
// rather than stored, so the map never needs to be persisted to stay
// consistent across runs.
type UIDMap struct {
	OrgRoot     string
	projectSalt []byte

	mu    sync.Mutex
	cache map[string]string
}

func NewUIDMap(projectSalt []byte) *UIDMap {
	return &UIDMap{OrgRoot: defaultOrgRoot, projectSalt: projectSalt, cache: make(map[string]string)}
}

// Rewrite returns the new UID for originalUID, computing and caching
// it on first use.
func (m *UIDMap) Rewrite(originalUID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mapped, ok := m.cache[originalUID]; ok {
		return mapped, nil
	}

	digest, err := blake2bKeyed(m.projectSalt, []byte(originalUID))
	if err != nil {
		return "", err
	}
	suffix := hex.EncodeToString(digest)
	// DICOM UIDs are digit strings; translate each hex nibble into a
	// decimal digit so the result stays numeric without needing a
	// bignum conversion of the whole digest.
	numeric := make([]byte, 0, len(suffix))
	for _, c := range suffix {
		v := hexNibble(byte(c))
		numeric = append(numeric, '0'+v%10)
	}

	mapped := m.OrgRoot + "." + string(numeric)
	if len(mapped) > maxUIDLen {
		mapped = mapped[:maxUIDLen]
	}
	m.cache[originalUID] = mapped
	return mapped, nil
}

func hexNibble(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return 0
	}
}
