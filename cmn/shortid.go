// Package cmn provides the ambient stack shared by every pixl-core
// component: configuration, error kinds, structured logging and ID
// generation.
package cmn

import (
	"math/rand"
	"sync/atomic"

	"github.com/teris-io/shortid"
)

// Alphabet for generating message/correlation IDs similar to shortid's
// own default alphabet.
const uuidABC = "-5nZJDft6LuzsjGNpPwY7rQa39vehq4i1cV2FROo8yHSlC0BUEdWbIxMmTgKXAk_"

var (
	sid  *shortid.Shortid
	rtie int32
)

// InitShortID seeds the process-wide ID generator. Call once at startup.
func InitShortID(seed uint64) {
	sid = shortid.MustNew(4 /*worker*/, uuidABC, seed)
}

// GenMessageID returns a short, human-readable, log-friendly correlation
// ID attached to every ExtractRequest (§3) and propagated through every
// log line the scheduler emits for that message.
func GenMessageID() string {
	uuid := sid.MustGenerate()
	var h, t string
	if !isAlpha(uuid[0]) {
		h = string(rune('A' + rand.Int()%26))
	}
	c := uuid[len(uuid)-1]
	if c == '-' || c == '_' {
		t = string(rune('a' + rand.Int()%26))
	}
	return h + uuid + t
}

func isAlpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// GenTie returns a short, monotonically-distinct tiebreaker string, used
// to make temp-file and lock-file names collision-free under concurrency.
func GenTie() string {
	tie := atomic.AddInt32(&rtie, 1)
	b0 := uuidABC[tie&0x3f]
	b1 := uuidABC[-tie&0x3f]
	b2 := uuidABC[(tie>>2)&0x3f]
	return string([]byte{b0, b1, b2})
}
