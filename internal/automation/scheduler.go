package automation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/automation-engine/internal/config"
)

// StepScheduler is the polling worker that drives due enrollments through
// their steps. Scheduling is durable: the only source of work is the
// persisted next_action_at column, so a restart loses nothing, and the
// atomic claim is the only coordination between competing schedulers.
type StepScheduler struct {
	store    *Store
	executor *StepExecutor
	cfg      config.AutomationConfig
	workerID string

	// Stats
	totalExecuted int64
	totalErrors   int64

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.RWMutex

	claims chan uuid.UUID
}

// NewStepScheduler creates a scheduler around a store and executor.
func NewStepScheduler(store *Store, executor *StepExecutor, cfg config.AutomationConfig) *StepScheduler {
	return &StepScheduler{
		store:    store,
		executor: executor,
		cfg:      cfg,
		workerID: fmt.Sprintf("scheduler-%s", uuid.New().String()[:8]),
		claims:   make(chan uuid.UUID, cfg.BatchSize),
	}
}

// WorkerID returns the scheduler's claim identity.
func (sc *StepScheduler) WorkerID() string { return sc.workerID }

// Start begins polling and launches the execution workers.
func (sc *StepScheduler) Start() {
	sc.mu.Lock()
	if sc.running {
		sc.mu.Unlock()
		return
	}
	sc.running = true
	sc.ctx, sc.cancel = context.WithCancel(context.Background())
	sc.mu.Unlock()

	log.Printf("[StepScheduler] Starting worker %s (%d executors)", sc.workerID, sc.cfg.WorkerCount)

	hostname, _ := os.Hostname()
	ctx, cancel := context.WithTimeout(sc.ctx, 5*time.Second)
	if err := sc.store.RegisterWorker(ctx, sc.workerID, "step_scheduler", hostname); err != nil {
		log.Printf("[StepScheduler] Failed to register worker: %v", err)
	}
	cancel()

	sc.wg.Add(1)
	go sc.pollLoop()

	for i := 0; i < sc.cfg.WorkerCount; i++ {
		sc.wg.Add(1)
		go sc.executeLoop()
	}

	sc.wg.Add(1)
	go sc.heartbeatLoop()
}

// Stop gracefully stops the scheduler with a timeout. In-flight steps
// either commit before the timeout or leave their lease to expire and be
// reclaimed.
func (sc *StepScheduler) Stop() {
	sc.mu.Lock()
	if !sc.running {
		sc.mu.Unlock()
		return
	}
	sc.running = false
	sc.cancel()
	sc.mu.Unlock()

	log.Println("[StepScheduler] Stopping...")

	done := make(chan struct{})
	go func() {
		sc.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("[StepScheduler] All goroutines stopped cleanly")
	case <-time.After(30 * time.Second):
		log.Println("[StepScheduler] Shutdown timeout - forcing stop")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := sc.store.DeregisterWorker(ctx, sc.workerID); err != nil {
		log.Printf("[StepScheduler] Failed to deregister worker: %v", err)
	}
	cancel()

	log.Printf("[StepScheduler] Stopped. Executed: %d, Errors: %d",
		atomic.LoadInt64(&sc.totalExecuted), atomic.LoadInt64(&sc.totalErrors))
}

// pollLoop periodically queries for due enrollments and feeds their IDs to
// the executors. Candidates, not claims: each executor re-checks dueness
// with the CAS claim, so a stale candidate costs one lost update.
func (sc *StepScheduler) pollLoop() {
	defer sc.wg.Done()

	ticker := time.NewTicker(sc.cfg.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-sc.ctx.Done():
			return
		case <-ticker.C:
			sc.enqueueDue()
		}
	}
}

func (sc *StepScheduler) enqueueDue() {
	ctx, cancel := context.WithTimeout(sc.ctx, 30*time.Second)
	defer cancel()

	due, err := sc.store.DueEnrollments(ctx, time.Now(), sc.cfg.BatchSize)
	if err != nil {
		log.Printf("[StepScheduler] Error fetching due enrollments: %v", err)
		return
	}

	for _, e := range due {
		select {
		case sc.claims <- e.ID:
		case <-sc.ctx.Done():
			return
		default:
			// Executors are saturated; the rest stays due and the next
			// poll picks it up.
			return
		}
	}
}

// executeLoop claims and runs enrollments until shutdown.
func (sc *StepScheduler) executeLoop() {
	defer sc.wg.Done()

	for {
		select {
		case <-sc.ctx.Done():
			return
		case id := <-sc.claims:
			if err := sc.processEnrollment(id); err != nil {
				atomic.AddInt64(&sc.totalErrors, 1)
				log.Printf("[StepScheduler] Error processing enrollment %s: %v", id, err)
			}
		}
	}
}

// processEnrollment attempts the claim and, if won, executes one step and
// commits the outcome under the claim guard.
func (sc *StepScheduler) processEnrollment(id uuid.UUID) error {
	ctx, cancel := context.WithTimeout(sc.ctx, sc.cfg.LeaseDuration())
	defer cancel()

	e, err := sc.store.ClaimEnrollment(ctx, id, sc.workerID, sc.cfg.LeaseDuration())
	if err != nil {
		return fmt.Errorf("claim: %w", err)
	}
	if e == nil {
		// Another worker won, or the row is no longer due.
		return nil
	}

	a, err := sc.store.AutomationByID(ctx, e.AutomationID)
	if err != nil {
		return fmt.Errorf("load automation: %w", err)
	}
	if a == nil {
		_, err := sc.store.FailEnrollment(ctx, e.ID, sc.workerID, "automation definition deleted", nil)
		return err
	}
	if a.Status != StatusActive {
		// Paused automation: park the enrollment and re-check later.
		_, err := sc.store.ReleaseEnrollment(ctx, e.ID, sc.workerID, EnrollmentWaiting,
			time.Now().Add(sc.cfg.PausedRecheck()))
		return err
	}

	result, execErr := sc.executor.Execute(ctx, a, e)
	if execErr != nil {
		return sc.commitFailure(ctx, a, e, execErr)
	}
	return sc.commitSuccess(ctx, e, result)
}

// commitSuccess advances or completes the enrollment under the claim
// guard. A guard miss means a cancel (or lease takeover) happened during
// execution; the transition is discarded, but any side effect that already
// hit a provider is still recorded in the ledger.
func (sc *StepScheduler) commitSuccess(ctx context.Context, e *Enrollment, result *StepResult) error {
	var committed bool
	var err error
	if result.Completed {
		committed, err = sc.store.CompleteEnrollment(ctx, e.ID, sc.workerID, e.CurrentStepIndex+1, result.Ledger)
	} else {
		committed, err = sc.store.AdvanceEnrollment(ctx, e.ID, sc.workerID,
			e.CurrentStepIndex+1, result.NextStatus, result.NextActionAt, result.Ledger)
	}
	if err != nil {
		return fmt.Errorf("commit step: %w", err)
	}
	if !committed {
		log.Printf("[StepScheduler] Discarding result for enrollment %s: claim lost", e.ID)
		if result.Ledger != nil {
			if lerr := sc.store.RecordLedgerSuccess(ctx, result.Ledger); lerr != nil {
				log.Printf("[StepScheduler] Failed to record orphaned ledger entry for %s: %v", e.ID, lerr)
			}
		}
		return nil
	}
	atomic.AddInt64(&sc.totalExecuted, 1)
	return nil
}

// commitFailure classifies the execution error: cancel on inactive
// subscriber, dead-letter on permanent failure or exhausted retries,
// otherwise reschedule with exponential backoff.
func (sc *StepScheduler) commitFailure(ctx context.Context, a *Automation, e *Enrollment, execErr error) error {
	switch {
	case errors.Is(execErr, ErrSubscriberInactive):
		_, err := sc.store.CancelEnrollment(ctx, e.ID, "subscriber missing or unsubscribed")
		return err

	case IsPermanent(execErr):
		var entry *LedgerEntry
		if e.CurrentStepIndex < len(a.Steps) {
			entry = &LedgerEntry{
				EnrollmentID: e.ID,
				StepIndex:    e.CurrentStepIndex,
				StepType:     a.Steps[e.CurrentStepIndex].Type,
				Outcome:      LedgerOutcomeFailed,
				Detail:       execErr.Error(),
			}
		}
		_, err := sc.store.FailEnrollment(ctx, e.ID, sc.workerID, execErr.Error(), entry)
		return err

	default:
		attempt := e.Attempts + 1
		if attempt >= sc.cfg.MaxAttempts {
			_, err := sc.store.FailEnrollment(ctx, e.ID, sc.workerID,
				fmt.Sprintf("step failed after %d attempts: %v", attempt, execErr), nil)
			return err
		}
		delay := backoffDelay(e.Attempts, sc.cfg.BackoffBase(), sc.cfg.BackoffCap())
		log.Printf("[StepScheduler] Transient failure on enrollment %s (attempt %d/%d), retrying in %s: %v",
			e.ID, attempt, sc.cfg.MaxAttempts, delay.Round(time.Second), execErr)
		_, err := sc.store.RescheduleRetry(ctx, e.ID, sc.workerID, EnrollmentActive, time.Now().Add(delay))
		return err
	}
}

// heartbeatLoop refreshes the worker registry row.
func (sc *StepScheduler) heartbeatLoop() {
	defer sc.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-sc.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(sc.ctx, 5*time.Second)
			err := sc.store.WorkerHeartbeat(ctx, sc.workerID,
				atomic.LoadInt64(&sc.totalExecuted), atomic.LoadInt64(&sc.totalErrors))
			cancel()
			if err != nil {
				log.Printf("[StepScheduler] Heartbeat failed: %v", err)
			}
		}
	}
}
