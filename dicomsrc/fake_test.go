package dicomsrc

import (
	"context"
	"errors"
	"sync"
)

// fakeAssociation drives the Client's retry/breaker logic in tests
// without a real DICOM peer.
type fakeAssociation struct {
	mu        sync.Mutex
	echoErr   error
	findFn    func(q StudyQuery) ([]FoundStudy, error)
	moveErr   error
	echoCalls int
	findCalls int
	moveCalls int
}

func (f *fakeAssociation) Echo(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.echoCalls++
	return f.echoErr
}

func (f *fakeAssociation) Find(ctx context.Context, q StudyQuery) ([]FoundStudy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.findCalls++
	if f.findFn != nil {
		return f.findFn(q)
	}
	return nil, nil
}

func (f *fakeAssociation) Move(ctx context.Context, studyUID, destinationAE string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.moveCalls++
	return f.moveErr
}

var errFake = errors.New("fake association failure")

var _ Association = (*fakeAssociation)(nil)
