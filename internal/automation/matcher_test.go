package automation

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/ignite/automation-engine/internal/subscribers"
)

func testAutomation(tt TriggerType, cfg TriggerConfig) *Automation {
	return &Automation{
		ID:            uuid.New(),
		Name:          "test",
		Status:        StatusActive,
		TriggerType:   tt,
		TriggerConfig: cfg,
		Steps:         []Step{{Type: StepAddTag, Tag: &TagConfig{TagName: "enrolled"}}},
	}
}

func TestConfigMatches(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	t.Run("subscriber_added unscoped matches any list", func(t *testing.T) {
		a := testAutomation(TriggerSubscriberAdded, TriggerConfig{})
		event := TriggerEvent{Type: TriggerSubscriberAdded, Payload: EventPayload{ListID: "list-x"}, OccurredAt: now}
		if !configMatches(a, event) {
			t.Error("unscoped subscriber_added should match")
		}
	})

	t.Run("subscriber_added scoped by the event's list", func(t *testing.T) {
		a := testAutomation(TriggerSubscriberAdded, TriggerConfig{})
		a.ListIDs = []string{"list-a", "list-b"}

		hit := TriggerEvent{Type: TriggerSubscriberAdded, Payload: EventPayload{ListID: "list-b"}, OccurredAt: now}
		if !configMatches(a, hit) {
			t.Error("addition to an in-scope list should enroll")
		}

		miss := TriggerEvent{Type: TriggerSubscriberAdded, Payload: EventPayload{ListID: "list-x"}, OccurredAt: now}
		if configMatches(a, miss) {
			t.Error("addition to an out-of-scope list should not enroll")
		}

		noList := TriggerEvent{Type: TriggerSubscriberAdded, OccurredAt: now}
		if configMatches(a, noList) {
			t.Error("event without a list should not match a scoped automation")
		}
	})

	t.Run("tag_added matches exact tag only", func(t *testing.T) {
		a := testAutomation(TriggerTagAdded, TriggerConfig{TagName: "vip"})

		match := TriggerEvent{Type: TriggerTagAdded, Payload: EventPayload{TagName: "vip"}, OccurredAt: now}
		if !configMatches(a, match) {
			t.Error("matching tag should enroll")
		}

		miss := TriggerEvent{Type: TriggerTagAdded, Payload: EventPayload{TagName: "churned"}, OccurredAt: now}
		if configMatches(a, miss) {
			t.Error("different tag should not enroll")
		}
	})

	t.Run("campaign_clicked filters by campaign and optional link", func(t *testing.T) {
		anyLink := testAutomation(TriggerCampaignClicked, TriggerConfig{CampaignID: "c1"})
		oneLink := testAutomation(TriggerCampaignClicked, TriggerConfig{CampaignID: "c1", LinkURL: "https://example.com/offer"})

		click := TriggerEvent{
			Type:       TriggerCampaignClicked,
			Payload:    EventPayload{CampaignID: "c1", LinkURL: "https://example.com/other"},
			OccurredAt: now,
		}
		if !configMatches(anyLink, click) {
			t.Error("campaign match without link filter should enroll")
		}
		if configMatches(oneLink, click) {
			t.Error("wrong link should not enroll when link filter is set")
		}

		click.Payload.CampaignID = "c2"
		if configMatches(anyLink, click) {
			t.Error("wrong campaign should not enroll")
		}
	})

	t.Run("manual targets one automation", func(t *testing.T) {
		a := testAutomation(TriggerManual, TriggerConfig{})

		hit := TriggerEvent{Type: TriggerManual, Payload: EventPayload{AutomationID: a.ID}, OccurredAt: now}
		if !configMatches(a, hit) {
			t.Error("targeted manual event should enroll")
		}

		miss := TriggerEvent{Type: TriggerManual, Payload: EventPayload{AutomationID: uuid.New()}, OccurredAt: now}
		if configMatches(a, miss) {
			t.Error("manual event for another automation should not enroll")
		}
	})
}

func TestConfigMatchesDateField(t *testing.T) {
	// Renewal on March 17th, reminder 7 days before: fires on March 10th.
	renewal := time.Date(2026, 3, 17, 0, 0, 0, 0, time.UTC)
	a := testAutomation(TriggerDateField, TriggerConfig{DateField: "renewal_date", DaysBefore: 7})

	event := func(occurred time.Time) TriggerEvent {
		return TriggerEvent{
			Type:         TriggerDateField,
			SubscriberID: uuid.New(),
			Payload:      EventPayload{DateField: "renewal_date", DateValue: &renewal},
			OccurredAt:   occurred,
		}
	}

	if !configMatches(a, event(time.Date(2026, 3, 10, 4, 0, 0, 0, time.UTC))) {
		t.Error("should fire exactly daysBefore days ahead")
	}
	if configMatches(a, event(time.Date(2026, 3, 11, 4, 0, 0, 0, time.UTC))) {
		t.Error("should not fire on other days")
	}

	// Same field name, different offset: must not cross-fire.
	threeDay := testAutomation(TriggerDateField, TriggerConfig{DateField: "renewal_date", DaysBefore: 3})
	if configMatches(threeDay, event(time.Date(2026, 3, 10, 4, 0, 0, 0, time.UTC))) {
		t.Error("automation with different daysBefore should not fire")
	}

	// Wrong field name never matches.
	otherField := testAutomation(TriggerDateField, TriggerConfig{DateField: "birthday", DaysBefore: 7})
	if configMatches(otherField, event(time.Date(2026, 3, 10, 4, 0, 0, 0, time.UTC))) {
		t.Error("different date field should not fire")
	}
}

func setupMatcherTest(t *testing.T) (*TriggerMatcher, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	store := NewStore(db)
	subs := subscribers.NewStore(db)
	matcher := NewTriggerMatcher(store, subs, NewEnrollmentManager(store))
	return matcher, mock, func() { db.Close() }
}

func automationRow(id uuid.UUID, triggerType, triggerConfig string) *sqlmock.Rows {
	return scopedAutomationRow(id, triggerType, triggerConfig, "{}")
}

func scopedAutomationRow(id uuid.UUID, triggerType, triggerConfig, listIDs string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "name", "status", "trigger_type", "trigger_config", "list_ids", "steps", "created_at", "updated_at",
	}).AddRow(id, "test", "active", triggerType, []byte(triggerConfig), listIDs,
		[]byte(`[{"step_type":"add_tag","config":{"tagName":"enrolled"}}]`), time.Now(), time.Now())
}

func TestMatch(t *testing.T) {
	ctx := context.Background()

	t.Run("matching event enrolls the subscriber", func(t *testing.T) {
		matcher, mock, cleanup := setupMatcherTest(t)
		defer cleanup()

		automationID := uuid.New()
		subscriberID := uuid.New()

		mock.ExpectQuery("FROM automation_flows").
			WillReturnRows(automationRow(automationID, "tag_added", `{"tagName":"vip"}`))
		mock.ExpectQuery("FROM mailing_subscribers").
			WillReturnRows(subscriberRow(subscriberID, "jo@example.com", "Jo", "active"))
		mock.ExpectExec("INSERT INTO automation_enrollments").
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := matcher.Match(ctx, TriggerEvent{
			Type:         TriggerTagAdded,
			SubscriberID: subscriberID,
			Payload:      EventPayload{TagName: "vip"},
			OccurredAt:   time.Now(),
		})
		if err != nil {
			t.Fatalf("Match() error: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})

	t.Run("non-matching tag does not enroll", func(t *testing.T) {
		matcher, mock, cleanup := setupMatcherTest(t)
		defer cleanup()

		subscriberID := uuid.New()
		mock.ExpectQuery("FROM automation_flows").
			WillReturnRows(automationRow(uuid.New(), "tag_added", `{"tagName":"vip"}`))
		mock.ExpectQuery("FROM mailing_subscribers").
			WillReturnRows(subscriberRow(subscriberID, "jo@example.com", "Jo", "active"))

		err := matcher.Match(ctx, TriggerEvent{
			Type:         TriggerTagAdded,
			SubscriberID: subscriberID,
			Payload:      EventPayload{TagName: "other"},
			OccurredAt:   time.Now(),
		})
		if err != nil {
			t.Fatalf("Match() error: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unexpected enrollment insert: %v", err)
		}
	})

	t.Run("unknown trigger type is dropped without touching the store", func(t *testing.T) {
		matcher, mock, cleanup := setupMatcherTest(t)
		defer cleanup()

		err := matcher.Match(ctx, TriggerEvent{
			Type:         "teleported",
			SubscriberID: uuid.New(),
			OccurredAt:   time.Now(),
		})
		if err != nil {
			t.Errorf("unknown trigger should be dropped silently, got %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unexpected database activity: %v", err)
		}
	})

	t.Run("subscriber_added to an out-of-scope list does not enroll", func(t *testing.T) {
		matcher, mock, cleanup := setupMatcherTest(t)
		defer cleanup()

		// The subscriber may already belong to list-a; only the list in the
		// event counts, so no membership lookup and no insert may happen.
		subscriberID := uuid.New()
		mock.ExpectQuery("FROM automation_flows").
			WillReturnRows(scopedAutomationRow(uuid.New(), "subscriber_added", `{}`, "{list-a}"))
		mock.ExpectQuery("FROM mailing_subscribers").
			WillReturnRows(subscriberRow(subscriberID, "jo@example.com", "Jo", "active"))

		err := matcher.Match(ctx, TriggerEvent{
			Type:         TriggerSubscriberAdded,
			SubscriberID: subscriberID,
			Payload:      EventPayload{ListID: "list-x"},
			OccurredAt:   time.Now(),
		})
		if err != nil {
			t.Fatalf("Match() error: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unexpected enrollment insert: %v", err)
		}
	})

	t.Run("subscriber_added to an in-scope list enrolls", func(t *testing.T) {
		matcher, mock, cleanup := setupMatcherTest(t)
		defer cleanup()

		subscriberID := uuid.New()
		mock.ExpectQuery("FROM automation_flows").
			WillReturnRows(scopedAutomationRow(uuid.New(), "subscriber_added", `{}`, "{list-a}"))
		mock.ExpectQuery("FROM mailing_subscribers").
			WillReturnRows(subscriberRow(subscriberID, "jo@example.com", "Jo", "active"))
		mock.ExpectExec("INSERT INTO automation_enrollments").
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := matcher.Match(ctx, TriggerEvent{
			Type:         TriggerSubscriberAdded,
			SubscriberID: subscriberID,
			Payload:      EventPayload{ListID: "list-a"},
			OccurredAt:   time.Now(),
		})
		if err != nil {
			t.Fatalf("Match() error: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})

	t.Run("unsubscribed subscriber never enrolls", func(t *testing.T) {
		matcher, mock, cleanup := setupMatcherTest(t)
		defer cleanup()

		subscriberID := uuid.New()
		mock.ExpectQuery("FROM automation_flows").
			WillReturnRows(automationRow(uuid.New(), "tag_added", `{"tagName":"vip"}`))
		mock.ExpectQuery("FROM mailing_subscribers").
			WillReturnRows(subscriberRow(subscriberID, "jo@example.com", "Jo", "unsubscribed"))

		err := matcher.Match(ctx, TriggerEvent{
			Type:         TriggerTagAdded,
			SubscriberID: subscriberID,
			Payload:      EventPayload{TagName: "vip"},
			OccurredAt:   time.Now(),
		})
		if err != nil {
			t.Fatalf("Match() error: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unexpected enrollment insert: %v", err)
		}
	})
}
