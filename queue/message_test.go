package queue

import (
	"testing"
	"time"

	"github.com/pixl-imaging/pixl-core/cmn"
	"github.com/stretchr/testify/require"
)

func init() { cmn.InitShortID(1) }

func TestExtractRequestMsgpRoundTrip(t *testing.T) {
	want := NewExtractRequest("M1", "A1", "", "p1", time.Now().UTC().Truncate(time.Second), time.Now().UTC().Truncate(time.Second), PriorityHighest)

	b, err := want.MarshalMsg(nil)
	require.NoError(t, err)

	var got ExtractRequest
	rest, err := got.UnmarshalMsg(b)
	require.NoError(t, err)
	require.Empty(t, rest)
	require.Equal(t, want, got)
}

func TestExtractRequestMatchKeyPrefersStudyUID(t *testing.T) {
	r := ExtractRequest{MRN: "M1", Accession: "A1", StudyUID: "1.2.3"}
	require.Equal(t, "1.2.3", r.MatchKey())

	r2 := ExtractRequest{MRN: "M1", Accession: "A1"}
	require.Equal(t, "M1|A1", r2.MatchKey())
}

func TestExtractRequestValidate(t *testing.T) {
	r := ExtractRequest{Project: "p1", Priority: 9}
	require.Error(t, r.Validate())
}
