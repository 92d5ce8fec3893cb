package automation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Store handles persistence for automation definitions, enrollments, and
// the idempotency ledger. Enrollment state transitions are compare-and-set
// updates against the persisted status/lease columns; that CAS is the only
// synchronization primitive between workers.
type Store struct {
	db *sql.DB
}

// NewStore creates a store over an existing DB pool.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying pool for health checks.
func (s *Store) DB() *sql.DB { return s.db }

const automationColumns = `id, name, status, trigger_type, trigger_config, list_ids, steps, created_at, updated_at`

func scanAutomation(row interface{ Scan(...interface{}) error }) (*Automation, error) {
	var a Automation
	var triggerConfigJSON, stepsJSON []byte
	err := row.Scan(&a.ID, &a.Name, &a.Status, &a.TriggerType, &triggerConfigJSON,
		pq.Array(&a.ListIDs), &stepsJSON, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(triggerConfigJSON, &a.TriggerConfig); err != nil {
		return nil, fmt.Errorf("automation %s: bad trigger_config: %w", a.ID, err)
	}
	if err := json.Unmarshal(stepsJSON, &a.Steps); err != nil {
		return nil, fmt.Errorf("automation %s: bad steps: %w", a.ID, err)
	}
	return &a, nil
}

// AutomationByID returns one automation, or nil if it does not exist.
func (s *Store) AutomationByID(ctx context.Context, id uuid.UUID) (*Automation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+automationColumns+` FROM automation_flows WHERE id = $1`, id)
	a, err := scanAutomation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ActiveAutomationsByTrigger returns all active automations with the given
// trigger type.
func (s *Store) ActiveAutomationsByTrigger(ctx context.Context, tt TriggerType) ([]*Automation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+automationColumns+` FROM automation_flows
		WHERE status = 'active' AND trigger_type = $1`, tt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var automations []*Automation
	for rows.Next() {
		a, err := scanAutomation(rows)
		if err != nil {
			return nil, err
		}
		automations = append(automations, a)
	}
	return automations, rows.Err()
}

// SaveAutomation validates and upserts an automation definition. The engine
// never edits definitions; this exists for the authoring surface and tests.
func (s *Store) SaveAutomation(ctx context.Context, a *Automation) error {
	if err := a.Validate(); err != nil {
		return err
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	triggerConfigJSON, err := json.Marshal(a.TriggerConfig)
	if err != nil {
		return err
	}
	stepsJSON, err := json.Marshal(a.Steps)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO automation_flows (id, name, status, trigger_type, trigger_config, list_ids, steps)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			status = EXCLUDED.status,
			trigger_type = EXCLUDED.trigger_type,
			trigger_config = EXCLUDED.trigger_config,
			list_ids = EXCLUDED.list_ids,
			steps = EXCLUDED.steps,
			updated_at = NOW()`,
		a.ID, a.Name, a.Status, a.TriggerType, triggerConfigJSON, pq.Array(a.ListIDs), stepsJSON)
	return err
}

const enrollmentColumns = `id, automation_id, subscriber_id, status, current_step_index,
		next_action_at, attempts, lease_expires_at, claimed_by,
		COALESCE(failure_reason, ''), enrolled_at, completed_at, updated_at`

func scanEnrollment(row interface{ Scan(...interface{}) error }) (*Enrollment, error) {
	var e Enrollment
	var nextActionAt, leaseExpiresAt, completedAt sql.NullTime
	var claimedBy sql.NullString
	err := row.Scan(&e.ID, &e.AutomationID, &e.SubscriberID, &e.Status, &e.CurrentStepIndex,
		&nextActionAt, &e.Attempts, &leaseExpiresAt, &claimedBy,
		&e.FailureReason, &e.EnrolledAt, &completedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if nextActionAt.Valid {
		e.NextActionAt = &nextActionAt.Time
	}
	if leaseExpiresAt.Valid {
		e.LeaseExpiresAt = &leaseExpiresAt.Time
	}
	if completedAt.Valid {
		e.CompletedAt = &completedAt.Time
	}
	e.ClaimedBy = claimedBy.String
	return &e, nil
}

// GetEnrollment returns one enrollment, or nil if it does not exist.
func (s *Store) GetEnrollment(ctx context.Context, id uuid.UUID) (*Enrollment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+enrollmentColumns+` FROM automation_enrollments WHERE id = $1`, id)
	e, err := scanEnrollment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// FindOpenEnrollment returns the non-terminal enrollment for the given
// (automation, subscriber) pair, or nil if none exists.
func (s *Store) FindOpenEnrollment(ctx context.Context, automationID, subscriberID uuid.UUID) (*Enrollment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+enrollmentColumns+` FROM automation_enrollments
		WHERE automation_id = $1 AND subscriber_id = $2
		  AND status NOT IN ('completed', 'canceled', 'failed')`,
		automationID, subscriberID)
	e, err := scanEnrollment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// CreateEnrollment inserts a fresh enrollment. A partial unique index over
// non-terminal statuses enforces one open enrollment per (automation,
// subscriber); a unique violation means somebody else won the race and is
// reported as ErrEnrollmentExists.
var ErrEnrollmentExists = fmt.Errorf("open enrollment already exists")

func (s *Store) CreateEnrollment(ctx context.Context, e *Enrollment) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO automation_enrollments
		(id, automation_id, subscriber_id, status, current_step_index, next_action_at, attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.AutomationID, e.SubscriberID, e.Status, e.CurrentStepIndex, e.NextActionAt, e.Attempts)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrEnrollmentExists
	}
	return err
}

// DueEnrollments returns enrollments ready for execution: active/waiting
// rows whose next_action_at has arrived, plus processing rows whose lease
// has expired (a worker died mid-step and the claim is reclaimable).
func (s *Store) DueEnrollments(ctx context.Context, now time.Time, limit int) ([]*Enrollment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+enrollmentColumns+` FROM automation_enrollments
		WHERE (status IN ('active', 'waiting') AND next_action_at <= $1)
		   OR (status = 'processing' AND lease_expires_at <= $1)
		ORDER BY next_action_at ASC
		LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []*Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, e)
	}
	return due, rows.Err()
}

// ClaimEnrollment attempts the atomic claim: a single compare-and-set that
// moves the row to processing with a fresh lease, conditioned on it still
// being due (or holding an expired lease). Exactly one worker can win;
// everyone else sees zero rows. Returns nil, nil when the claim is lost.
func (s *Store) ClaimEnrollment(ctx context.Context, id uuid.UUID, workerID string, lease time.Duration) (*Enrollment, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE automation_enrollments
		SET status = 'processing',
		    claimed_by = $2,
		    lease_expires_at = NOW() + ($3 * INTERVAL '1 second'),
		    updated_at = NOW()
		WHERE id = $1
		  AND ((status IN ('active', 'waiting') AND next_action_at <= NOW())
		    OR (status = 'processing' AND lease_expires_at <= NOW()))
		RETURNING `+enrollmentColumns,
		id, workerID, int(lease.Seconds()))
	e, err := scanEnrollment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// commitGuard is the WHERE clause for every post-execution transition: the
// row must still be processing and claimed by this worker. A concurrent
// cancel (or a lease takeover) fails the guard and the worker's result is
// discarded, per the cancellation contract.
const commitGuard = ` AND status = 'processing' AND claimed_by = $2`

// AdvanceEnrollment commits one successful step: increments the step index,
// writes the next status and action time, and appends the ledger entry (if
// the step had an external side effect) in the same transaction. Returns
// false if the commit guard failed and the result was discarded.
func (s *Store) AdvanceEnrollment(ctx context.Context, id uuid.UUID, workerID string,
	nextIndex int, status EnrollmentStatus, nextActionAt time.Time, entry *LedgerEntry) (bool, error) {

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE automation_enrollments
		SET current_step_index = $3,
		    status = $4,
		    next_action_at = $5,
		    attempts = 0,
		    claimed_by = NULL,
		    lease_expires_at = NULL,
		    updated_at = NOW()
		WHERE id = $1`+commitGuard,
		id, workerID, nextIndex, status, nextActionAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	if entry != nil {
		if err := insertLedgerEntry(ctx, tx, entry); err != nil {
			return false, err
		}
	}
	return true, tx.Commit()
}

// CompleteEnrollment commits the final step: terminal completed status,
// null next_action_at, completed_at stamped once. The final step's ledger
// entry (if any) lands in the same transaction.
func (s *Store) CompleteEnrollment(ctx context.Context, id uuid.UUID, workerID string,
	finalIndex int, entry *LedgerEntry) (bool, error) {

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE automation_enrollments
		SET current_step_index = $3,
		    status = 'completed',
		    next_action_at = NULL,
		    attempts = 0,
		    claimed_by = NULL,
		    lease_expires_at = NULL,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1`+commitGuard,
		id, workerID, finalIndex)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	if entry != nil {
		if err := insertLedgerEntry(ctx, tx, entry); err != nil {
			return false, err
		}
	}
	return true, tx.Commit()
}

// RescheduleRetry releases the claim and pushes next_action_at out by the
// backoff delay after a transient failure, bumping the attempt counter.
func (s *Store) RescheduleRetry(ctx context.Context, id uuid.UUID, workerID string,
	status EnrollmentStatus, nextActionAt time.Time) (bool, error) {

	res, err := s.db.ExecContext(ctx,
		`UPDATE automation_enrollments
		SET status = $3,
		    next_action_at = $4,
		    attempts = attempts + 1,
		    claimed_by = NULL,
		    lease_expires_at = NULL,
		    updated_at = NOW()
		WHERE id = $1`+commitGuard,
		id, workerID, status, nextActionAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ReleaseEnrollment gives up a claim without executing: the row returns to
// the given status with a fresh next_action_at and no attempt bump. Used
// when the automation is paused at claim time.
func (s *Store) ReleaseEnrollment(ctx context.Context, id uuid.UUID, workerID string,
	status EnrollmentStatus, nextActionAt time.Time) (bool, error) {

	res, err := s.db.ExecContext(ctx,
		`UPDATE automation_enrollments
		SET status = $3,
		    next_action_at = $4,
		    claimed_by = NULL,
		    lease_expires_at = NULL,
		    updated_at = NOW()
		WHERE id = $1`+commitGuard,
		id, workerID, status, nextActionAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// FailEnrollment dead-letters a claimed enrollment. A failure ledger entry
// (for permanent side-effect failures) lands in the same transaction.
func (s *Store) FailEnrollment(ctx context.Context, id uuid.UUID, workerID, reason string, entry *LedgerEntry) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE automation_enrollments
		SET status = 'failed',
		    next_action_at = NULL,
		    claimed_by = NULL,
		    lease_expires_at = NULL,
		    failure_reason = $3,
		    updated_at = NOW()
		WHERE id = $1`+commitGuard,
		id, workerID, reason)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	if entry != nil {
		if err := insertLedgerEntry(ctx, tx, entry); err != nil {
			return false, err
		}
	}
	return true, tx.Commit()
}

// CancelEnrollment transitions any non-terminal enrollment to canceled.
// Safe to race with a worker's claim: the worker's commit guard sees the
// status change and discards its result. No-op on terminal rows.
// completed_at stays null; it stamps only the completed transition.
func (s *Store) CancelEnrollment(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE automation_enrollments
		SET status = 'canceled',
		    next_action_at = NULL,
		    claimed_by = NULL,
		    lease_expires_at = NULL,
		    failure_reason = $2,
		    updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('completed', 'canceled', 'failed')`,
		id, reason)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CancelEnrollmentsForSubscriber cancels every non-terminal enrollment for
// a subscriber across all automations. Returns the number canceled.
func (s *Store) CancelEnrollmentsForSubscriber(ctx context.Context, subscriberID uuid.UUID, reason string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE automation_enrollments
		SET status = 'canceled',
		    next_action_at = NULL,
		    claimed_by = NULL,
		    lease_expires_at = NULL,
		    failure_reason = $2,
		    updated_at = NOW()
		WHERE subscriber_id = $1 AND status NOT IN ('completed', 'canceled', 'failed')`,
		subscriberID, reason)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// =============================================================================
// Worker registry (operational visibility, heartbeats)
// =============================================================================

// RegisterWorker upserts a worker row.
func (s *Store) RegisterWorker(ctx context.Context, workerID, workerType, hostname string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO automation_workers (id, worker_type, hostname, status, started_at, last_heartbeat_at)
		VALUES ($1, $2, $3, 'running', NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			status = 'running',
			started_at = NOW(),
			last_heartbeat_at = NOW()`,
		workerID, workerType, hostname)
	return err
}

// WorkerHeartbeat refreshes a worker's heartbeat and counters.
func (s *Store) WorkerHeartbeat(ctx context.Context, workerID string, processed, errors int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE automation_workers
		SET last_heartbeat_at = NOW(), total_processed = $2, total_errors = $3
		WHERE id = $1`,
		workerID, processed, errors)
	return err
}

// DeregisterWorker marks a worker stopped.
func (s *Store) DeregisterWorker(ctx context.Context, workerID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE automation_workers SET status = 'stopped' WHERE id = $1`, workerID)
	return err
}

// EnrollmentStats returns enrollment counts by status for the stats API.
func (s *Store) EnrollmentStats(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM automation_enrollments GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make(map[string]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}
