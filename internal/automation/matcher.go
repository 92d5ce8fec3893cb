package automation

import (
	"context"
	"time"

	"github.com/ignite/automation-engine/internal/pkg/logger"
	"github.com/ignite/automation-engine/internal/subscribers"
)

// TriggerMatcher evaluates incoming subscriber events against active
// automation definitions and enrolls matching subscribers.
type TriggerMatcher struct {
	store       *Store
	subscribers *subscribers.Store
	enrollments *EnrollmentManager
	log         *logger.Logger
}

func NewTriggerMatcher(store *Store, subs *subscribers.Store, enrollments *EnrollmentManager) *TriggerMatcher {
	return &TriggerMatcher{
		store:       store,
		subscribers: subs,
		enrollments: enrollments,
		log:         logger.Component("TriggerMatcher"),
	}
}

// Match processes one trigger event: finds every active automation whose
// trigger type and configuration match, applies list scoping, and enrolls
// the subscriber in each. Events with unknown types are logged and dropped;
// the caller never sees an error for them.
func (m *TriggerMatcher) Match(ctx context.Context, event TriggerEvent) error {
	if !KnownTriggerType(event.Type) {
		m.log.Warn("dropping event with unknown trigger type",
			"trigger_type", string(event.Type), "subscriber_id", event.SubscriberID.String())
		return nil
	}

	automations, err := m.store.ActiveAutomationsByTrigger(ctx, event.Type)
	if err != nil {
		return err
	}
	if len(automations) == 0 {
		return nil
	}

	sub, err := m.subscribers.Get(ctx, event.SubscriberID)
	if err != nil {
		return err
	}
	if sub == nil {
		m.log.Warn("dropping event for unknown subscriber",
			"subscriber_id", event.SubscriberID.String(), "trigger_type", string(event.Type))
		return nil
	}
	if sub.Unsubscribed {
		m.log.Debug("skipping event for unsubscribed subscriber",
			"subscriber_id", event.SubscriberID.String())
		return nil
	}

	for _, a := range automations {
		if !configMatches(a, event) {
			continue
		}
		inScope, err := m.inListScope(ctx, a, event)
		if err != nil {
			return err
		}
		if !inScope {
			continue
		}
		if err := m.enrollments.Enroll(ctx, a, event.SubscriberID, event.OccurredAt); err != nil {
			return err
		}
	}
	return nil
}

// configMatches checks the event payload against the automation's trigger
// configuration. Each trigger type has its own matching rule.
func configMatches(a *Automation, event TriggerEvent) bool {
	cfg := a.TriggerConfig
	switch a.TriggerType {
	case TriggerSubscriberAdded:
		// Scoped by the list the subscriber was added to. Membership in
		// other in-scope lists does not count; the event's list decides.
		if len(a.ListIDs) == 0 {
			return true
		}
		for _, id := range a.ListIDs {
			if event.Payload.ListID == id {
				return true
			}
		}
		return false
	case TriggerTagAdded, TriggerTagRemoved:
		return event.Payload.TagName == cfg.TagName
	case TriggerFormSubmitted:
		return event.Payload.FormID == cfg.FormID
	case TriggerCampaignOpened:
		return event.Payload.CampaignID == cfg.CampaignID
	case TriggerCampaignClicked:
		if event.Payload.CampaignID != cfg.CampaignID {
			return false
		}
		return cfg.LinkURL == "" || event.Payload.LinkURL == cfg.LinkURL
	case TriggerDateField:
		// Synthesized by the daily scan; re-verify the offset arithmetic so
		// automations sharing a field name but differing in daysBefore do
		// not cross-fire.
		if event.Payload.DateField != cfg.DateField || event.Payload.DateValue == nil {
			return false
		}
		today := event.OccurredAt.UTC().Truncate(24 * time.Hour)
		target := event.Payload.DateValue.UTC().AddDate(0, 0, -cfg.DaysBefore).Truncate(24 * time.Hour)
		return target.Equal(today)
	case TriggerManual:
		return event.Payload.AutomationID == a.ID
	}
	return false
}

// inListScope applies the automation's list scoping: an empty list_ids
// matches every subscriber, otherwise membership in any listed list is
// required. subscriber_added events are already scoped by the event's
// list in configMatches, so no membership lookup happens for them.
func (m *TriggerMatcher) inListScope(ctx context.Context, a *Automation, event TriggerEvent) (bool, error) {
	if len(a.ListIDs) == 0 || a.TriggerType == TriggerSubscriberAdded {
		return true, nil
	}
	return m.subscribers.InAnyList(ctx, event.SubscriberID, a.ListIDs)
}
