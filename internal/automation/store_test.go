package automation

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

func setupStoreTest(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return NewStore(db), mock, func() { db.Close() }
}

func enrollmentRows(e *Enrollment) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"id", "automation_id", "subscriber_id", "status", "current_step_index",
		"next_action_at", "attempts", "lease_expires_at", "claimed_by",
		"failure_reason", "enrolled_at", "completed_at", "updated_at",
	})
	rows.AddRow(e.ID, e.AutomationID, e.SubscriberID, e.Status, e.CurrentStepIndex,
		toNullTime(e.NextActionAt), e.Attempts, toNullTime(e.LeaseExpiresAt), toNullString(e.ClaimedBy),
		e.FailureReason, e.EnrolledAt, toNullTime(e.CompletedAt), e.UpdatedAt)
	return rows
}

func toNullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func toNullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func TestClaimEnrollment(t *testing.T) {
	ctx := context.Background()

	t.Run("winning claim returns the processing row", func(t *testing.T) {
		store, mock, cleanup := setupStoreTest(t)
		defer cleanup()

		id := uuid.New()
		now := time.Now()
		claimed := &Enrollment{
			ID:           id,
			AutomationID: uuid.New(),
			SubscriberID: uuid.New(),
			Status:       EnrollmentProcessing,
			ClaimedBy:    "scheduler-abc",
			NextActionAt: &now,
			EnrolledAt:   now,
			UpdatedAt:    now,
		}

		mock.ExpectQuery("UPDATE automation_enrollments").
			WithArgs(id, "scheduler-abc", 120).
			WillReturnRows(enrollmentRows(claimed))

		e, err := store.ClaimEnrollment(ctx, id, "scheduler-abc", 120*time.Second)
		if err != nil {
			t.Fatalf("ClaimEnrollment() error: %v", err)
		}
		if e == nil {
			t.Fatal("expected claimed enrollment")
		}
		if e.Status != EnrollmentProcessing || e.ClaimedBy != "scheduler-abc" {
			t.Errorf("claimed row = status %s, claimed_by %s", e.Status, e.ClaimedBy)
		}
	})

	t.Run("lost claim yields nil without error", func(t *testing.T) {
		store, mock, cleanup := setupStoreTest(t)
		defer cleanup()

		id := uuid.New()
		mock.ExpectQuery("UPDATE automation_enrollments").
			WithArgs(id, "scheduler-abc", 120).
			WillReturnError(sql.ErrNoRows)

		e, err := store.ClaimEnrollment(ctx, id, "scheduler-abc", 120*time.Second)
		if err != nil {
			t.Fatalf("ClaimEnrollment() error: %v", err)
		}
		if e != nil {
			t.Error("lost claim should return nil")
		}
	})
}

func TestCreateEnrollment(t *testing.T) {
	ctx := context.Background()

	t.Run("duplicate open enrollment maps to ErrEnrollmentExists", func(t *testing.T) {
		store, mock, cleanup := setupStoreTest(t)
		defer cleanup()

		mock.ExpectExec("INSERT INTO automation_enrollments").
			WillReturnError(&pq.Error{Code: "23505"})

		now := time.Now()
		err := store.CreateEnrollment(ctx, &Enrollment{
			AutomationID: uuid.New(),
			SubscriberID: uuid.New(),
			Status:       EnrollmentActive,
			NextActionAt: &now,
		})
		if err != ErrEnrollmentExists {
			t.Errorf("error = %v, want ErrEnrollmentExists", err)
		}
	})

	t.Run("assigns an id on insert", func(t *testing.T) {
		store, mock, cleanup := setupStoreTest(t)
		defer cleanup()

		mock.ExpectExec("INSERT INTO automation_enrollments").
			WillReturnResult(sqlmock.NewResult(0, 1))

		now := time.Now()
		e := &Enrollment{AutomationID: uuid.New(), SubscriberID: uuid.New(), Status: EnrollmentActive, NextActionAt: &now}
		if err := store.CreateEnrollment(ctx, e); err != nil {
			t.Fatalf("CreateEnrollment() error: %v", err)
		}
		if e.ID == uuid.Nil {
			t.Error("expected generated enrollment id")
		}
	})
}

func TestAdvanceEnrollment(t *testing.T) {
	ctx := context.Background()

	t.Run("commits step and ledger in one transaction", func(t *testing.T) {
		store, mock, cleanup := setupStoreTest(t)
		defer cleanup()

		id := uuid.New()
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE automation_enrollments").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO automation_step_ledger").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		entry := &LedgerEntry{EnrollmentID: id, StepIndex: 0, StepType: StepSendEmail, Outcome: LedgerOutcomeSuccess, ProviderRef: "msg-1"}
		committed, err := store.AdvanceEnrollment(ctx, id, "scheduler-abc", 1, EnrollmentActive, time.Now(), entry)
		if err != nil {
			t.Fatalf("AdvanceEnrollment() error: %v", err)
		}
		if !committed {
			t.Error("expected commit")
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})

	t.Run("discards when claim guard fails", func(t *testing.T) {
		store, mock, cleanup := setupStoreTest(t)
		defer cleanup()

		// Enrollment was canceled mid-execution; the guarded UPDATE touches
		// zero rows and no ledger write happens.
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE automation_enrollments").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		entry := &LedgerEntry{EnrollmentID: uuid.New(), StepIndex: 0, StepType: StepSendEmail, Outcome: LedgerOutcomeSuccess}
		committed, err := store.AdvanceEnrollment(ctx, uuid.New(), "scheduler-abc", 1, EnrollmentActive, time.Now(), entry)
		if err != nil {
			t.Fatalf("AdvanceEnrollment() error: %v", err)
		}
		if committed {
			t.Error("guard miss must not report commit")
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})
}

func TestCancelEnrollment(t *testing.T) {
	ctx := context.Background()

	t.Run("cancels open enrollment", func(t *testing.T) {
		store, mock, cleanup := setupStoreTest(t)
		defer cleanup()

		id := uuid.New()
		mock.ExpectExec("UPDATE automation_enrollments").
			WithArgs(id, "requested").
			WillReturnResult(sqlmock.NewResult(0, 1))

		canceled, err := store.CancelEnrollment(ctx, id, "requested")
		if err != nil {
			t.Fatalf("CancelEnrollment() error: %v", err)
		}
		if !canceled {
			t.Error("expected cancellation")
		}
	})

	t.Run("cancel leaves completed_at null", func(t *testing.T) {
		store, mock, cleanup := setupStoreTest(t)
		defer cleanup()

		// Full column sequence: completed_at marks completion only and
		// must not appear in the cancel transition.
		id := uuid.New()
		mock.ExpectExec(`SET status = 'canceled',\s+next_action_at = NULL,\s+claimed_by = NULL,\s+lease_expires_at = NULL,\s+failure_reason = \$2,\s+updated_at = NOW\(\)`).
			WithArgs(id, "requested").
			WillReturnResult(sqlmock.NewResult(0, 1))

		canceled, err := store.CancelEnrollment(ctx, id, "requested")
		if err != nil {
			t.Fatalf("CancelEnrollment() error: %v", err)
		}
		if !canceled {
			t.Error("expected cancellation")
		}
	})

	t.Run("terminal enrollment is a no-op", func(t *testing.T) {
		store, mock, cleanup := setupStoreTest(t)
		defer cleanup()

		id := uuid.New()
		mock.ExpectExec("UPDATE automation_enrollments").
			WithArgs(id, "requested").
			WillReturnResult(sqlmock.NewResult(0, 0))

		canceled, err := store.CancelEnrollment(ctx, id, "requested")
		if err != nil {
			t.Fatalf("CancelEnrollment() error: %v", err)
		}
		if canceled {
			t.Error("terminal enrollment must not report cancellation")
		}
	})
}

func TestCancelEnrollmentsForSubscriber(t *testing.T) {
	store, mock, cleanup := setupStoreTest(t)
	defer cleanup()

	subscriberID := uuid.New()
	mock.ExpectExec(`SET status = 'canceled',\s+next_action_at = NULL,\s+claimed_by = NULL,\s+lease_expires_at = NULL,\s+failure_reason = \$2,\s+updated_at = NOW\(\)\s+WHERE subscriber_id`).
		WithArgs(subscriberID, "unsubscribed").
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := store.CancelEnrollmentsForSubscriber(context.Background(), subscriberID, "unsubscribed")
	if err != nil {
		t.Fatalf("CancelEnrollmentsForSubscriber() error: %v", err)
	}
	if n != 3 {
		t.Errorf("canceled = %d, want 3", n)
	}
}
