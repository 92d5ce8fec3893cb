// Package automation implements the subscriber automation engine: trigger
// matching, enrollment lifecycle, and durable step scheduling and execution.
//
// Automation definitions are authored elsewhere (the builder UI) and handed
// to this package read-only. The engine owns enrollments: one row per
// subscriber progressing through one automation, advanced step by step on a
// persisted schedule that survives restarts.
package automation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AutomationStatus is the lifecycle state of an automation definition.
type AutomationStatus string

const (
	StatusDraft  AutomationStatus = "draft"
	StatusActive AutomationStatus = "active"
	StatusPaused AutomationStatus = "paused"
)

// TriggerType identifies the event kind that enrolls subscribers.
type TriggerType string

const (
	TriggerSubscriberAdded TriggerType = "subscriber_added"
	TriggerTagAdded        TriggerType = "tag_added"
	TriggerTagRemoved      TriggerType = "tag_removed"
	TriggerDateField       TriggerType = "date_field"
	TriggerFormSubmitted   TriggerType = "form_submitted"
	TriggerCampaignOpened  TriggerType = "campaign_opened"
	TriggerCampaignClicked TriggerType = "campaign_clicked"
	TriggerManual          TriggerType = "manual"
)

// KnownTriggerType reports whether tt is a recognized trigger type.
func KnownTriggerType(tt TriggerType) bool {
	switch tt {
	case TriggerSubscriberAdded, TriggerTagAdded, TriggerTagRemoved, TriggerDateField,
		TriggerFormSubmitted, TriggerCampaignOpened, TriggerCampaignClicked, TriggerManual:
		return true
	}
	return false
}

// TriggerConfig holds the per-trigger matching parameters. Which fields are
// required depends on the trigger type; Validate enforces that eagerly so a
// malformed automation is rejected at load time, not weeks later when a
// wait step fires.
type TriggerConfig struct {
	TagName    string `json:"tagName,omitempty"`
	DateField  string `json:"dateField,omitempty"`
	DaysBefore int    `json:"daysBefore,omitempty"`
	FormID     string `json:"formId,omitempty"`
	CampaignID string `json:"campaignId,omitempty"`
	LinkURL    string `json:"linkUrl,omitempty"`
}

// Validate checks the config against the trigger type.
func (tc TriggerConfig) Validate(tt TriggerType) error {
	switch tt {
	case TriggerTagAdded, TriggerTagRemoved:
		if tc.TagName == "" {
			return fmt.Errorf("trigger %s requires tagName", tt)
		}
	case TriggerDateField:
		if tc.DateField == "" {
			return fmt.Errorf("trigger %s requires dateField", tt)
		}
		if tc.DaysBefore < 0 {
			return fmt.Errorf("trigger %s daysBefore must be >= 0", tt)
		}
	case TriggerFormSubmitted:
		if tc.FormID == "" {
			return fmt.Errorf("trigger %s requires formId", tt)
		}
	case TriggerCampaignOpened, TriggerCampaignClicked:
		if tc.CampaignID == "" {
			return fmt.Errorf("trigger %s requires campaignId", tt)
		}
	case TriggerSubscriberAdded, TriggerManual:
		// No required config.
	default:
		return fmt.Errorf("unknown trigger type %q", tt)
	}
	return nil
}

// Automation is the engine's read-only view of an automation definition.
type Automation struct {
	ID            uuid.UUID        `json:"id"`
	Name          string           `json:"name"`
	Status        AutomationStatus `json:"status"`
	TriggerType   TriggerType      `json:"trigger_type"`
	TriggerConfig TriggerConfig    `json:"trigger_config"`
	ListIDs       []string         `json:"list_ids"` // empty = unscoped (global)
	Steps         []Step           `json:"steps"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Validate rejects a malformed automation definition.
func (a *Automation) Validate() error {
	switch a.Status {
	case StatusDraft, StatusActive, StatusPaused:
	default:
		return fmt.Errorf("automation %s: unknown status %q", a.ID, a.Status)
	}
	if err := a.TriggerConfig.Validate(a.TriggerType); err != nil {
		return fmt.Errorf("automation %s: %w", a.ID, err)
	}
	for i, step := range a.Steps {
		if err := step.Validate(); err != nil {
			return fmt.Errorf("automation %s step %d: %w", a.ID, i, err)
		}
	}
	return nil
}

// StepType identifies a step variant.
type StepType string

const (
	StepSendEmail      StepType = "send_email"
	StepWait           StepType = "wait"
	StepAddTag         StepType = "add_tag"
	StepRemoveTag      StepType = "remove_tag"
	StepAddToList      StepType = "add_to_list"
	StepRemoveFromList StepType = "remove_from_list"
)

// SendEmailConfig configures a send_email step. The template supplies HTML
// (and default subject/sender); Subject and FromName override it.
type SendEmailConfig struct {
	TemplateID string `json:"template_id"`
	Subject    string `json:"subject,omitempty"`
	FromName   string `json:"from_name,omitempty"`
}

// WaitUnit is the time unit of a wait step.
type WaitUnit string

const (
	UnitMinutes WaitUnit = "minutes"
	UnitHours   WaitUnit = "hours"
	UnitDays    WaitUnit = "days"
	UnitWeeks   WaitUnit = "weeks"
)

// WaitConfig configures a wait step.
type WaitConfig struct {
	Duration int      `json:"duration"`
	Unit     WaitUnit `json:"unit"`
}

// Interval converts the wait to an absolute duration. The deadline is
// computed once when the step is entered and persisted, so restarts never
// drift it.
func (w WaitConfig) Interval() (time.Duration, error) {
	if w.Duration <= 0 {
		return 0, fmt.Errorf("wait duration must be positive, got %d", w.Duration)
	}
	switch w.Unit {
	case UnitMinutes:
		return time.Duration(w.Duration) * time.Minute, nil
	case UnitHours:
		return time.Duration(w.Duration) * time.Hour, nil
	case UnitDays:
		return time.Duration(w.Duration) * 24 * time.Hour, nil
	case UnitWeeks:
		return time.Duration(w.Duration) * 7 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown wait unit %q", w.Unit)
	}
}

// TagConfig configures add_tag / remove_tag steps.
type TagConfig struct {
	TagName string `json:"tagName"`
}

// ListConfig configures add_to_list / remove_from_list steps.
type ListConfig struct {
	ListID string `json:"list_id"`
}

// Step is a closed tagged variant: exactly one config field is set,
// matching Type. The builder's free-form step documents are decoded into
// this shape and validated up front, so an unrecognized step type is a
// load-time defect rather than a mid-journey surprise.
type Step struct {
	Type      StepType
	SendEmail *SendEmailConfig
	Wait      *WaitConfig
	Tag       *TagConfig
	List      *ListConfig
}

// stepDocument is the builder's wire shape for one step.
type stepDocument struct {
	StepType StepType        `json:"step_type"`
	Config   json.RawMessage `json:"config"`
}

// UnmarshalJSON decodes the builder document form
// {"step_type": ..., "config": {...}} into the typed variant.
func (s *Step) UnmarshalJSON(data []byte) error {
	var doc stepDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	s.Type = doc.StepType
	s.SendEmail, s.Wait, s.Tag, s.List = nil, nil, nil, nil

	raw := doc.Config
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}

	switch doc.StepType {
	case StepSendEmail:
		s.SendEmail = &SendEmailConfig{}
		return json.Unmarshal(raw, s.SendEmail)
	case StepWait:
		s.Wait = &WaitConfig{}
		return json.Unmarshal(raw, s.Wait)
	case StepAddTag, StepRemoveTag:
		s.Tag = &TagConfig{}
		return json.Unmarshal(raw, s.Tag)
	case StepAddToList, StepRemoveFromList:
		s.List = &ListConfig{}
		return json.Unmarshal(raw, s.List)
	default:
		return fmt.Errorf("unknown step type %q", doc.StepType)
	}
}

// MarshalJSON encodes the step back to the builder document form.
func (s Step) MarshalJSON() ([]byte, error) {
	var config interface{}
	switch s.Type {
	case StepSendEmail:
		config = s.SendEmail
	case StepWait:
		config = s.Wait
	case StepAddTag, StepRemoveTag:
		config = s.Tag
	case StepAddToList, StepRemoveFromList:
		config = s.List
	default:
		return nil, fmt.Errorf("unknown step type %q", s.Type)
	}
	raw, err := json.Marshal(config)
	if err != nil {
		return nil, err
	}
	return json.Marshal(stepDocument{StepType: s.Type, Config: raw})
}

// Validate checks that the step variant is well formed.
func (s Step) Validate() error {
	switch s.Type {
	case StepSendEmail:
		if s.SendEmail == nil || s.SendEmail.TemplateID == "" {
			return fmt.Errorf("send_email requires template_id")
		}
	case StepWait:
		if s.Wait == nil {
			return fmt.Errorf("wait requires config")
		}
		if _, err := s.Wait.Interval(); err != nil {
			return err
		}
	case StepAddTag, StepRemoveTag:
		if s.Tag == nil || s.Tag.TagName == "" {
			return fmt.Errorf("%s requires tagName", s.Type)
		}
	case StepAddToList, StepRemoveFromList:
		if s.List == nil || s.List.ListID == "" {
			return fmt.Errorf("%s requires list_id", s.Type)
		}
	default:
		return fmt.Errorf("unknown step type %q", s.Type)
	}
	return nil
}

// EnrollmentStatus is the lifecycle state of one subscriber's progress
// through one automation.
type EnrollmentStatus string

const (
	EnrollmentActive     EnrollmentStatus = "active"
	EnrollmentWaiting    EnrollmentStatus = "waiting"
	EnrollmentProcessing EnrollmentStatus = "processing" // claimed by a worker
	EnrollmentCompleted  EnrollmentStatus = "completed"
	EnrollmentCanceled   EnrollmentStatus = "canceled"
	EnrollmentFailed     EnrollmentStatus = "failed"
)

// Terminal reports whether the status is final. Terminal enrollments are
// immutable and have a null next_action_at.
func (s EnrollmentStatus) Terminal() bool {
	switch s {
	case EnrollmentCompleted, EnrollmentCanceled, EnrollmentFailed:
		return true
	}
	return false
}

// Enrollment is the persistent record of one subscriber's progress through
// one automation.
type Enrollment struct {
	ID               uuid.UUID        `json:"id"`
	AutomationID     uuid.UUID        `json:"automation_id"`
	SubscriberID     uuid.UUID        `json:"subscriber_id"`
	Status           EnrollmentStatus `json:"status"`
	CurrentStepIndex int              `json:"current_step_index"`
	NextActionAt     *time.Time       `json:"next_action_at"`
	Attempts         int              `json:"attempts_for_current_step"`
	LeaseExpiresAt   *time.Time       `json:"lease_expires_at,omitempty"`
	ClaimedBy        string           `json:"claimed_by,omitempty"`
	FailureReason    string           `json:"failure_reason,omitempty"`
	EnrolledAt       time.Time        `json:"enrolled_at"`
	CompletedAt      *time.Time       `json:"completed_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}
