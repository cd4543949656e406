package dicomsrc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig(50*time.Millisecond, 50*time.Millisecond)
	cfg.BreakerThreshold = 2
	cfg.BreakerCooldown = 30 * time.Millisecond
	return cfg
}

func TestEchoRetriesBeforeGivingUp(t *testing.T) {
	fa := &fakeAssociation{echoErr: errFake}
	c := New("primary", fa, testConfig())

	err := c.Echo(context.Background())
	require.Error(t, err)
	require.Greater(t, fa.echoCalls, 1, "should retry before giving up")
}

func TestBreakerOpensAfterThresholdFailures(t *testing.T) {
	fa := &fakeAssociation{echoErr: errFake}
	cfg := testConfig()
	cfg.MaxAttempts = 1 // isolate breaker behaviour from per-call retry
	c := New("primary", fa, cfg)

	require.Error(t, c.Echo(context.Background()))
	require.Error(t, c.Echo(context.Background()))
	require.True(t, c.IsOpen())

	callsBeforeOpen := fa.echoCalls
	err := c.Echo(context.Background())
	require.Error(t, err)
	require.Equal(t, callsBeforeOpen, fa.echoCalls, "open breaker must fail fast without calling the association")
}

func TestBreakerRecoversAfterCooldown(t *testing.T) {
	fa := &fakeAssociation{echoErr: errFake}
	cfg := testConfig()
	cfg.MaxAttempts = 1
	c := New("primary", fa, cfg)

	require.Error(t, c.Echo(context.Background()))
	require.Error(t, c.Echo(context.Background()))
	require.True(t, c.IsOpen())

	time.Sleep(cfg.BreakerCooldown + 10*time.Millisecond)
	fa.echoErr = nil
	require.NoError(t, c.Echo(context.Background()))
	require.False(t, c.IsOpen())
}

func TestFindReturnsStudiesFromAssociation(t *testing.T) {
	fa := &fakeAssociation{
		findFn: func(q StudyQuery) ([]FoundStudy, error) {
			return []FoundStudy{{StudyUID: "1.2.3"}}, nil
		},
	}
	c := New("primary", fa, testConfig())

	found, err := c.Find(context.Background(), StudyQuery{MRN: "mrn1", Accession: "acc1"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, "1.2.3", found[0].StudyUID)
}
