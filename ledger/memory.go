package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/pixl-imaging/pixl-core/cmn"
)

// MemoryLedger is an in-process Ledger used by the scheduler's test
// suite in place of a live Postgres instance.
type MemoryLedger struct {
	mu   sync.Mutex
	rows map[string]*Record
}

func NewMemory() *MemoryLedger {
	return &MemoryLedger{rows: make(map[string]*Record)}
}

func key(project, sourceStudyUID string) string { return project + "\x00" + sourceStudyUID }

func (m *MemoryLedger) Close() {}

func (m *MemoryLedger) GetOrCreate(_ context.Context, project, sourceStudyUID string) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(project, sourceStudyUID)
	if r, ok := m.rows[k]; ok {
		return *r, true, nil
	}
	now := time.Now()
	r := &Record{ProjectSlug: project, SourceStudyUID: sourceStudyUID, State: StatePending, Created: now, Updated: now}
	m.rows[k] = r
	return *r, false, nil
}

func (m *MemoryLedger) Transition(_ context.Context, project, sourceStudyUID string, from, to State, anonStudyUID, pseudoPatientID, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(project, sourceStudyUID)
	r, ok := m.rows[k]
	if !ok {
		return cmn.WithKind(cmn.KindLedgerConflict, errors.Errorf("ledger: no row for %s/%s", project, sourceStudyUID))
	}
	if r.State != from {
		return cmn.WithKind(cmn.KindLedgerConflict,
			errors.Errorf("ledger: compare-and-set failed for %s/%s: not in state %s", project, sourceStudyUID, from))
	}
	r.State = to
	if anonStudyUID != "" {
		r.AnonStudyUID = anonStudyUID
	}
	if pseudoPatientID != "" {
		r.PseudoPatientID = pseudoPatientID
	}
	r.Error = errMsg
	r.Updated = time.Now()
	return nil
}

func (m *MemoryLedger) StalePendingSweep(_ context.Context, olderThan time.Duration) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var stale []Record
	for _, r := range m.rows {
		if (r.State == StatePending || r.State == StateAnonymised) && r.Updated.Before(cutoff) {
			stale = append(stale, *r)
		}
	}
	return stale, nil
}

func (m *MemoryLedger) ExportedRecords(_ context.Context, project string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.rows {
		if r.ProjectSlug == project && r.State == StateExported {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *MemoryLedger) StateCounts(_ context.Context) (map[State]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[State]int)
	for _, r := range m.rows {
		out[r.State]++
	}
	return out, nil
}

var _ Ledger = (*MemoryLedger)(nil)
