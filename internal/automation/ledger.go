package automation

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// LedgerOutcome records how a side-effecting step ended.
type LedgerOutcome string

const (
	LedgerOutcomeSuccess LedgerOutcome = "success"
	LedgerOutcomeFailed  LedgerOutcome = "failed"
)

// LedgerEntry is one row of the idempotency ledger, keyed by
// (enrollment_id, step_index). Before executing a side-effecting step a
// worker consults the ledger; a success entry means the effect already
// happened (a prior worker died between effect and commit) and the step is
// skipped instead of re-executed.
type LedgerEntry struct {
	EnrollmentID uuid.UUID     `json:"enrollment_id"`
	StepIndex    int           `json:"step_index"`
	StepType     StepType      `json:"step_type"`
	Outcome      LedgerOutcome `json:"outcome"`
	ProviderRef  string        `json:"provider_ref,omitempty"`
	Detail       string        `json:"detail,omitempty"`
	RecordedAt   time.Time     `json:"recorded_at"`
}

// LedgerSuccess returns the success entry for (enrollment, step), or nil
// if the step has no recorded successful effect.
func (s *Store) LedgerSuccess(ctx context.Context, enrollmentID uuid.UUID, stepIndex int) (*LedgerEntry, error) {
	var e LedgerEntry
	var providerRef, detail sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT enrollment_id, step_index, step_type, outcome, provider_ref, detail, recorded_at
		FROM automation_step_ledger
		WHERE enrollment_id = $1 AND step_index = $2 AND outcome = 'success'`,
		enrollmentID, stepIndex).
		Scan(&e.EnrollmentID, &e.StepIndex, &e.StepType, &e.Outcome, &providerRef, &detail, &e.RecordedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.ProviderRef = providerRef.String
	e.Detail = detail.String
	return &e, nil
}

// RecordLedgerSuccess writes a success entry outside an enrollment commit.
// Used when the effect succeeded but the commit guard then failed: the
// effect is real and must stay visible to the next claimant.
func (s *Store) RecordLedgerSuccess(ctx context.Context, entry *LedgerEntry) error {
	entry.Outcome = LedgerOutcomeSuccess
	return insertLedgerEntry(ctx, s.db, entry)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// insertLedgerEntry appends one ledger row. The primary key makes the
// append idempotent: a duplicate from a racing worker is silently dropped.
func insertLedgerEntry(ctx context.Context, ex execer, entry *LedgerEntry) error {
	_, err := ex.ExecContext(ctx,
		`INSERT INTO automation_step_ledger
		(enrollment_id, step_index, step_type, outcome, provider_ref, detail)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''))
		ON CONFLICT (enrollment_id, step_index) DO NOTHING`,
		entry.EnrollmentID, entry.StepIndex, entry.StepType, entry.Outcome, entry.ProviderRef, entry.Detail)
	return err
}
