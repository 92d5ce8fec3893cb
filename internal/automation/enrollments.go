package automation

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/automation-engine/internal/pkg/logger"
)

// EnrollmentManager owns the enrollment lifecycle: creation when a trigger
// matches, cancellation on request, and bulk unenrollment on unsubscribe.
type EnrollmentManager struct {
	store *Store
	log   *logger.Logger
}

func NewEnrollmentManager(store *Store) *EnrollmentManager {
	return &EnrollmentManager{
		store: store,
		log:   logger.Component("EnrollmentManager"),
	}
}

// Enroll creates an enrollment at step zero, due immediately. At most one
// non-terminal enrollment per (automation, subscriber) exists at a time;
// a duplicate trigger while one is open is a silent no-op. Once the prior
// enrollment reaches a terminal state the subscriber may be enrolled again.
func (em *EnrollmentManager) Enroll(ctx context.Context, a *Automation, subscriberID uuid.UUID, at time.Time) error {
	if len(a.Steps) == 0 {
		em.log.Warn("skipping enrollment into automation with no steps",
			"automation_id", a.ID.String())
		return nil
	}

	nextActionAt := at
	e := &Enrollment{
		AutomationID:     a.ID,
		SubscriberID:     subscriberID,
		Status:           EnrollmentActive,
		CurrentStepIndex: 0,
		NextActionAt:     &nextActionAt,
	}
	err := em.store.CreateEnrollment(ctx, e)
	if err == ErrEnrollmentExists {
		em.log.Debug("enrollment already open, ignoring trigger",
			"automation_id", a.ID.String(), "subscriber_id", subscriberID.String())
		return nil
	}
	if err != nil {
		return err
	}

	em.log.Info("enrolled subscriber",
		"enrollment_id", e.ID.String(),
		"automation_id", a.ID.String(),
		"subscriber_id", subscriberID.String())
	return nil
}

// Cancel transitions a non-terminal enrollment to canceled. Returns false
// when the enrollment was already terminal (or absent). A cancel racing a
// worker mid-step still wins: the worker's commit sees the status change
// and discards its result.
func (em *EnrollmentManager) Cancel(ctx context.Context, enrollmentID uuid.UUID, reason string) (bool, error) {
	canceled, err := em.store.CancelEnrollment(ctx, enrollmentID, reason)
	if err != nil {
		return false, err
	}
	if canceled {
		em.log.Info("canceled enrollment", "enrollment_id", enrollmentID.String(), "reason", reason)
	}
	return canceled, nil
}

// UnenrollSubscriber cancels every open enrollment for a subscriber across
// all automations. Invoked on unsubscribe.
func (em *EnrollmentManager) UnenrollSubscriber(ctx context.Context, subscriberID uuid.UUID) (int64, error) {
	n, err := em.store.CancelEnrollmentsForSubscriber(ctx, subscriberID, "unsubscribed")
	if err != nil {
		return 0, err
	}
	if n > 0 {
		em.log.Info("unenrolled subscriber from all automations",
			"subscriber_id", subscriberID.String(), "canceled", n)
	}
	return n, nil
}
