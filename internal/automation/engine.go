package automation

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/automation-engine/internal/config"
	"github.com/ignite/automation-engine/internal/dispatch"
	"github.com/ignite/automation-engine/internal/subscribers"
)

// Engine is the façade over the automation machinery. Event sources and
// the API surface talk to it exclusively: ingest an event, cancel an
// enrollment, unenroll a subscriber. Everything else happens inside.
type Engine struct {
	store       *Store
	matcher     *TriggerMatcher
	enrollments *EnrollmentManager
	scheduler   *StepScheduler
	scanner     *DateFieldScanner
}

// NewEngine wires the engine together.
func NewEngine(db *sql.DB, redisClient *redis.Client, dispatcher dispatch.Dispatcher, cfg config.AutomationConfig) *Engine {
	store := NewStore(db)
	subs := subscribers.NewStore(db)
	mutations := subscribers.NewMutationApplier(subs)
	enrollments := NewEnrollmentManager(store)
	matcher := NewTriggerMatcher(store, subs, enrollments)
	executor := NewStepExecutor(store, subs, mutations, dispatcher)
	scheduler := NewStepScheduler(store, executor, cfg)
	scanner := NewDateFieldScanner(store, matcher, redisClient, db, cfg.DateFieldScanHourUTC)

	return &Engine{
		store:       store,
		matcher:     matcher,
		enrollments: enrollments,
		scheduler:   scheduler,
		scanner:     scanner,
	}
}

// Start launches the scheduler and the date-field scanner.
func (en *Engine) Start() {
	en.scheduler.Start()
	en.scanner.Start()
}

// Stop shuts both down gracefully.
func (en *Engine) Stop() {
	en.scanner.Stop()
	en.scheduler.Stop()
}

// IngestEvent matches one trigger event against active automations and
// enrolls matching subscribers. Unknown event types are dropped.
func (en *Engine) IngestEvent(ctx context.Context, event TriggerEvent) error {
	return en.matcher.Match(ctx, event)
}

// CancelEnrollment cancels a single enrollment. Returns false when the
// enrollment was already terminal or does not exist.
func (en *Engine) CancelEnrollment(ctx context.Context, enrollmentID uuid.UUID, reason string) (bool, error) {
	return en.enrollments.Cancel(ctx, enrollmentID, reason)
}

// UnenrollSubscriber cancels all open enrollments for a subscriber.
// Returns how many were canceled.
func (en *Engine) UnenrollSubscriber(ctx context.Context, subscriberID uuid.UUID) (int64, error) {
	return en.enrollments.UnenrollSubscriber(ctx, subscriberID)
}

// Enrollment returns one enrollment for the read API, or nil.
func (en *Engine) Enrollment(ctx context.Context, id uuid.UUID) (*Enrollment, error) {
	return en.store.GetEnrollment(ctx, id)
}

// Stats returns enrollment counts by status.
func (en *Engine) Stats(ctx context.Context) (map[string]int64, error) {
	return en.store.EnrollmentStats(ctx)
}
