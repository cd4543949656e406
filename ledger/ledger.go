// Package ledger implements the Export Ledger of spec §4.I: a single
// relational table keyed on (project_slug, source_study_uid), with
// single-writer-per-key transitions enforced by optimistic
// compare-and-set on state.
package ledger

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/pixl-imaging/pixl-core/cmn"
)

// State is one of the export record's lifecycle states (spec §3
// ExportRecord).
type State string

const (
	StatePending     State = "pending"
	StateAnonymised  State = "anonymised"
	StateExported    State = "exported"
	StateFailed      State = "failed"
)

// Record mirrors one row of the `export` table (spec §6 persisted
// state).
type Record struct {
	ProjectSlug    string
	SourceStudyUID string
	AnonStudyUID   string
	PseudoPatientID string
	State          State
	Error          string
	Created        time.Time
	Updated        time.Time
}

// Ledger is the scheduler-facing contract: get_state and transition
// from spec §4.I, plus the create-on-first-seen path dedupe needs.
type Ledger interface {
	// GetOrCreate returns the existing record for (project, sourceStudyUID)
	// or inserts a new one in StatePending if none exists. The bool
	// return is true when a row already existed (the dedupe signal of
	// spec §4.D step 1).
	GetOrCreate(ctx context.Context, project, sourceStudyUID string) (rec Record, existed bool, err error)
	// Transition performs an optimistic compare-and-set: it succeeds
	// only if the row's current state equals from. errMsg is recorded
	// when to is StateFailed.
	Transition(ctx context.Context, project, sourceStudyUID string, from, to State, anonStudyUID, pseudoPatientID, errMsg string) error
	Close()
}

// PostgresLedger is the production Ledger backed by jackc/pgx/v5.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and returns a ready PostgresLedger. Migrations
// are applied separately via Migrate (spec §4.I: "forward-only,
// applied at startup unless a skip flag is set").
func Open(ctx context.Context, dsn string) (*PostgresLedger, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, cmn.WithKind(cmn.KindLedgerConflict, errors.Wrap(err, "ledger: connect"))
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, cmn.WithKind(cmn.KindLedgerConflict, errors.Wrap(err, "ledger: ping"))
	}
	return &PostgresLedger{pool: pool}, nil
}

func (l *PostgresLedger) Close() { l.pool.Close() }

func (l *PostgresLedger) GetOrCreate(ctx context.Context, project, sourceStudyUID string) (Record, bool, error) {
	var rec Record
	row := l.pool.QueryRow(ctx, `
		SELECT project_slug, source_study_uid, anon_study_uid, pseudo_patient_id, state, error, created, updated
		FROM export WHERE project_slug = $1 AND source_study_uid = $2`,
		project, sourceStudyUID)
	err := row.Scan(&rec.ProjectSlug, &rec.SourceStudyUID, &rec.AnonStudyUID, &rec.PseudoPatientID,
		&rec.State, &rec.Error, &rec.Created, &rec.Updated)
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Record{}, false, cmn.WithKind(cmn.KindLedgerConflict, errors.Wrap(err, "ledger: get"))
	}

	now := time.Now()
	_, err = l.pool.Exec(ctx, `
		INSERT INTO export (project_slug, source_study_uid, state, created, updated)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (project_slug, source_study_uid) DO NOTHING`,
		project, sourceStudyUID, StatePending, now)
	if err != nil {
		return Record{}, false, cmn.WithKind(cmn.KindLedgerConflict, errors.Wrap(err, "ledger: insert"))
	}
	return Record{
		ProjectSlug:    project,
		SourceStudyUID: sourceStudyUID,
		State:          StatePending,
		Created:        now,
		Updated:        now,
	}, false, nil
}

func (l *PostgresLedger) Transition(ctx context.Context, project, sourceStudyUID string, from, to State, anonStudyUID, pseudoPatientID, errMsg string) error {
	tag, err := l.pool.Exec(ctx, `
		UPDATE export
		SET state = $1, anon_study_uid = COALESCE(NULLIF($2, ''), anon_study_uid),
		    pseudo_patient_id = COALESCE(NULLIF($3, ''), pseudo_patient_id),
		    error = $4, updated = now()
		WHERE project_slug = $5 AND source_study_uid = $6 AND state = $7`,
		to, anonStudyUID, pseudoPatientID, errMsg, project, sourceStudyUID, from)
	if err != nil {
		return cmn.WithKind(cmn.KindLedgerConflict, errors.Wrap(err, "ledger: transition"))
	}
	if tag.RowsAffected() == 0 {
		return cmn.WithKind(cmn.KindLedgerConflict,
			errors.Errorf("ledger: compare-and-set failed for %s/%s: not in state %s", project, sourceStudyUID, from))
	}
	return nil
}

// StalePendingSweep returns the records stuck in
// StatePending or StateAnonymised past olderThan — the housekeeping
// pattern of SPEC_FULL.md's supplemented raw-cache/ledger sweeps,
// adapted here to surface stuck exports rather than silently evict
// them (a ledger row is never evicted, only reported).
func (l *PostgresLedger) StalePendingSweep(ctx context.Context, olderThan time.Duration) ([]Record, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT project_slug, source_study_uid, anon_study_uid, pseudo_patient_id, state, error, created, updated
		FROM export
		WHERE state IN ($1, $2) AND updated < $3`,
		StatePending, StateAnonymised, time.Now().Add(-olderThan))
	if err != nil {
		return nil, cmn.WithKind(cmn.KindLedgerConflict, errors.Wrap(err, "ledger: stale sweep"))
	}
	defer rows.Close()

	var stale []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ProjectSlug, &rec.SourceStudyUID, &rec.AnonStudyUID, &rec.PseudoPatientID,
			&rec.State, &rec.Error, &rec.Created, &rec.Updated); err != nil {
			return nil, cmn.WithKind(cmn.KindLedgerConflict, errors.Wrap(err, "ledger: stale sweep scan"))
		}
		stale = append(stale, rec)
	}
	return stale, rows.Err()
}

// ExportedRecords lists every StateExported row for project, the
// source the `export-patient-data` CLI subcommand reads to build its
// tabular output (spec §6).
func (l *PostgresLedger) ExportedRecords(ctx context.Context, project string) ([]Record, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT project_slug, source_study_uid, anon_study_uid, pseudo_patient_id, state, error, created, updated
		FROM export WHERE project_slug = $1 AND state = $2`,
		project, StateExported)
	if err != nil {
		return nil, cmn.WithKind(cmn.KindLedgerConflict, errors.Wrap(err, "ledger: exported records"))
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ProjectSlug, &rec.SourceStudyUID, &rec.AnonStudyUID, &rec.PseudoPatientID,
			&rec.State, &rec.Error, &rec.Created, &rec.Updated); err != nil {
			return nil, cmn.WithKind(cmn.KindLedgerConflict, errors.Wrap(err, "ledger: exported records scan"))
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// StateCounts aggregates row counts per lifecycle state across every
// project, the source of the `status` CLI subcommand's ledger summary.
func (l *PostgresLedger) StateCounts(ctx context.Context) (map[State]int, error) {
	rows, err := l.pool.Query(ctx, `SELECT state, count(*) FROM export GROUP BY state`)
	if err != nil {
		return nil, cmn.WithKind(cmn.KindLedgerConflict, errors.Wrap(err, "ledger: state counts"))
	}
	defer rows.Close()

	out := make(map[State]int)
	for rows.Next() {
		var st State
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, cmn.WithKind(cmn.KindLedgerConflict, errors.Wrap(err, "ledger: state counts scan"))
		}
		out[st] = n
	}
	return out, rows.Err()
}
