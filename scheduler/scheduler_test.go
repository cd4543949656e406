package scheduler

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/suyashkumar/dicom"

	"github.com/pixl-imaging/pixl-core/anonymize"
	"github.com/pixl-imaging/pixl-core/dicomsrc"
	"github.com/pixl-imaging/pixl-core/export"
	"github.com/pixl-imaging/pixl-core/ledger"
	"github.com/pixl-imaging/pixl-core/project"
	"github.com/pixl-imaging/pixl-core/queue"
	"github.com/pixl-imaging/pixl-core/ratelimit"
	"github.com/pixl-imaging/pixl-core/rawcache"
	"github.com/pixl-imaging/pixl-core/secrets"
)

// stubAssociation models a source that, on Move, immediately "delivers"
// its advertised instances into cache via an out-of-band C-STORE —
// exactly as a real PACS would push bytes to the raw cache coordinator
// on a separate association from the one this test drives C-FIND/C-MOVE
// over.
type stubAssociation struct {
	studies   []dicomsrc.FoundStudy
	findErr   error
	moveErr   error
	findCalls int
	cache     *rawcache.Coordinator
}

func (s *stubAssociation) Echo(context.Context) error { return nil }
func (s *stubAssociation) Find(context.Context, dicomsrc.StudyQuery) ([]dicomsrc.FoundStudy, error) {
	s.findCalls++
	return s.studies, s.findErr
}
func (s *stubAssociation) Move(ctx context.Context, studyUID, _ string) error {
	if s.moveErr != nil {
		return s.moveErr
	}
	for _, st := range s.studies {
		if st.StudyUID != studyUID {
			continue
		}
		for _, instUID := range st.InstanceUIDs {
			key := rawcache.InstanceKey{StudyUID: studyUID, SeriesUID: "series-1", InstanceUID: instUID}
			if err := s.cache.Store(ctx, key, bytes.NewReader([]byte("dicom-bytes")), 11); err != nil {
				return err
			}
		}
	}
	return nil
}

func testDICOMConfig() dicomsrc.Config {
	return dicomsrc.DefaultConfig(time.Second, time.Second)
}

// buildTestScheduler wires a Scheduler against fakes, independent of
// *testing.T, so both the plain-testify tests below and the ginkgo
// suite in scheduler_ginkgo_test.go can share one construction path.
func buildTestScheduler(primaryAssoc, secondaryAssoc *stubAssociation, cacheDir string) (*Scheduler, *ledger.MemoryLedger, *project.Registry, func(), error) {
	reg, err := project.LoadDir("../project/testdata/projects")
	if err != nil {
		return nil, nil, nil, nil, err
	}

	lg := ledger.NewMemory()
	cache := rawcache.NewCoordinator(rawcache.NewFSStore(cacheDir), 10*time.Millisecond, 100)
	primaryAssoc.cache = cache
	secondaryAssoc.cache = cache
	secretsR, err := secrets.OpenFile(":memory:")
	if err != nil {
		return nil, nil, nil, nil, err
	}
	cleanup := func() { secretsR.Close() }

	primary := dicomsrc.New("primary", primaryAssoc, testDICOMConfig())
	secondary := dicomsrc.New("secondary", secondaryAssoc, testDICOMConfig())

	uploader := &fakeUploaderOK{}
	router := export.NewRouter(uploader, uploader, uploader)

	assemble := func(ctx context.Context, cache *rawcache.Coordinator, studyUID string) ([]anonymize.Instance, error) {
		return []anonymize.Instance{{Dataset: dicom.Dataset{}, Manufacturer: "SIEMENS", SeriesNumber: 1}}, nil
	}

	broker := queue.NewMemoryBroker()

	sched := New(Deps{
		Broker:        broker,
		Projects:      reg,
		Limiter:       ratelimit.New(4),
		Primary:       primary,
		Secondary:     secondary,
		Cache:         cache,
		Ledger:        lg,
		Router:        router,
		Secrets:       secretsR,
		AssembleStudy: assemble,
	})
	return sched, lg, reg, cleanup, nil
}

func newTestScheduler(t *testing.T, primaryAssoc, secondaryAssoc *stubAssociation) (*Scheduler, *ledger.MemoryLedger, *project.Registry) {
	t.Helper()
	sched, lg, reg, cleanup, err := buildTestScheduler(primaryAssoc, secondaryAssoc, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(cleanup)
	return sched, lg, reg
}

type fakeUploaderOK struct{}

func (f *fakeUploaderOK) Upload(ctx context.Context, study export.StudyPackage, spec export.Spec) (export.Receipt, error) {
	return export.Receipt{Destination: spec.DICOMDestination}, nil
}

func TestSchedulerHappyPathExportsAndMarksLedger(t *testing.T) {
	primaryAssoc := &stubAssociation{studies: []dicomsrc.FoundStudy{{StudyUID: "1.2.3", InstanceUIDs: []string{"i1"}}}}
	secondaryAssoc := &stubAssociation{}
	sched, lg, _ := newTestScheduler(t, primaryAssoc, secondaryAssoc)

	broker := sched.broker.(*queue.MemoryBroker)
	req := queue.NewExtractRequest("mrn1", "acc1", "", "p1", time.Now(), time.Now(), queue.PriorityHighest)
	require.NoError(t, broker.Publish(context.Background(), queue.Primary, req))

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_ = sched.Run(ctx, queue.Primary, 1)

	rec, existed, err := lg.GetOrCreate(context.Background(), "p1", req.MatchKey())
	require.NoError(t, err)
	require.True(t, existed)
	require.Equal(t, ledger.StateExported, rec.State)
}

func TestSchedulerFallbackToSecondaryOnPrimaryMiss(t *testing.T) {
	primaryAssoc := &stubAssociation{}
	secondaryAssoc := &stubAssociation{studies: []dicomsrc.FoundStudy{{StudyUID: "1.2.3", InstanceUIDs: []string{"i1"}}}}
	sched, lg, _ := newTestScheduler(t, primaryAssoc, secondaryAssoc)

	broker := sched.broker.(*queue.MemoryBroker)
	req := queue.NewExtractRequest("mrn2", "acc2", "", "p1", time.Now(), time.Now(), queue.PriorityHighest)
	require.NoError(t, broker.Publish(context.Background(), queue.Primary, req))

	ctx1, cancel1 := context.WithTimeout(context.Background(), 200*time.Millisecond)
	_ = sched.Run(ctx1, queue.Primary, 1)
	cancel1()

	require.Equal(t, 1, primaryAssoc.findCalls, "a primary miss issues exactly one C-FIND before routing onward")
	require.Equal(t, 0, secondaryAssoc.findCalls, "the secondary source must not be queried until its own queue consumer picks the message up")
	require.Equal(t, 1, broker.Depth(queue.Secondary), "a primary miss must requeue onto the secondary queue, not drop the message")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel2()
	_ = sched.Run(ctx2, queue.Secondary, 1)

	rec, existed, err := lg.GetOrCreate(context.Background(), "p1", req.MatchKey())
	require.NoError(t, err)
	require.True(t, existed)
	require.Equal(t, ledger.StateExported, rec.State)
}

func TestSchedulerNotFoundWhenBothSourcesMiss(t *testing.T) {
	primaryAssoc := &stubAssociation{}
	secondaryAssoc := &stubAssociation{}
	sched, lg, _ := newTestScheduler(t, primaryAssoc, secondaryAssoc)

	broker := sched.broker.(*queue.MemoryBroker)
	req := queue.NewExtractRequest("mrn3", "acc3", "", "p1", time.Now(), time.Now(), queue.PriorityHighest)
	require.NoError(t, broker.Publish(context.Background(), queue.Primary, req))

	ctx1, cancel1 := context.WithTimeout(context.Background(), 200*time.Millisecond)
	_ = sched.Run(ctx1, queue.Primary, 1)
	cancel1()

	require.Equal(t, 1, broker.Depth(queue.Secondary), "a primary miss always routes onward, even when the secondary will miss too")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel2()
	_ = sched.Run(ctx2, queue.Secondary, 1)

	rec, existed, err := lg.GetOrCreate(context.Background(), "p1", req.MatchKey())
	require.NoError(t, err)
	require.True(t, existed)
	require.Equal(t, ledger.StateFailed, rec.State)
	require.Equal(t, "NotFound", rec.Error)
}

func TestSchedulerUnknownProjectDeadLetters(t *testing.T) {
	primaryAssoc := &stubAssociation{}
	secondaryAssoc := &stubAssociation{}
	sched, lg, _ := newTestScheduler(t, primaryAssoc, secondaryAssoc)

	broker := sched.broker.(*queue.MemoryBroker)
	req := queue.NewExtractRequest("mrn1", "acc1", "", "does-not-exist", time.Now(), time.Now(), queue.PriorityHighest)
	require.NoError(t, broker.Publish(context.Background(), queue.Primary, req))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = sched.Run(ctx, queue.Primary, 1)

	_, existed, err := lg.GetOrCreate(context.Background(), "does-not-exist", req.MatchKey())
	require.NoError(t, err)
	require.False(t, existed, "dead-lettered message must not leave a ledger row behind from this call's own GetOrCreate")
}

func TestSchedulerDuplicateExportedMessageShortCircuits(t *testing.T) {
	primaryAssoc := &stubAssociation{studies: []dicomsrc.FoundStudy{{StudyUID: "1.2.3", InstanceUIDs: []string{"i1"}}}}
	secondaryAssoc := &stubAssociation{}
	sched, lg, _ := newTestScheduler(t, primaryAssoc, secondaryAssoc)

	req := queue.NewExtractRequest("mrn1", "acc1", "", "p1", time.Now(), time.Now(), queue.PriorityHighest)
	_, _, err := lg.GetOrCreate(context.Background(), "p1", req.MatchKey())
	require.NoError(t, err)
	require.NoError(t, lg.Transition(context.Background(), "p1", req.MatchKey(), ledger.StatePending, ledger.StateExported, "anon", "pseudo", ""))

	broker := sched.broker.(*queue.MemoryBroker)
	require.NoError(t, broker.Publish(context.Background(), queue.Primary, req))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = sched.Run(ctx, queue.Primary, 1)

	require.Equal(t, 0, primaryAssoc.findCalls, "a message already exported must short-circuit before any C-FIND")
}
