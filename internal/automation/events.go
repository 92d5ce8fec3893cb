package automation

import (
	"time"

	"github.com/google/uuid"
)

// EventPayload carries the trigger-specific fields of a domain event. Only
// the fields relevant to the event type are set.
type EventPayload struct {
	// AutomationID targets one automation for manual enrollments.
	AutomationID uuid.UUID `json:"automation_id,omitempty"`

	TagName    string     `json:"tag_name,omitempty"`
	ListID     string     `json:"list_id,omitempty"`
	FormID     string     `json:"form_id,omitempty"`
	CampaignID string     `json:"campaign_id,omitempty"`
	LinkURL    string     `json:"link_url,omitempty"`
	DateField  string     `json:"date_field,omitempty"`
	DateValue  *time.Time `json:"date_value,omitempty"`
}

// TriggerEvent is a domain event ingested by the engine. Events are
// ephemeral: they are matched against active automations once and dropped.
type TriggerEvent struct {
	Type         TriggerType  `json:"type"`
	SubscriberID uuid.UUID    `json:"subscriber_id"`
	Payload      EventPayload `json:"payload"`
	OccurredAt   time.Time    `json:"occurred_at"`
}
