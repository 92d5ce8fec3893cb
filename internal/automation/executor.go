package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/automation-engine/internal/dispatch"
	"github.com/ignite/automation-engine/internal/pkg/logger"
	"github.com/ignite/automation-engine/internal/subscribers"
)

// ErrSubscriberInactive signals that the enrollment's subscriber is gone
// or has unsubscribed. The scheduler cancels the enrollment instead of
// failing it.
var ErrSubscriberInactive = errors.New("subscriber missing or unsubscribed")

// StepResult is what executing one step produced: the transition the
// scheduler should commit.
type StepResult struct {
	// Completed means this was the last step and the enrollment is done.
	Completed bool
	// NextStatus and NextActionAt describe the committed state when the
	// enrollment continues: active (due now) or waiting (due at deadline).
	NextStatus   EnrollmentStatus
	NextActionAt time.Time
	// Ledger is the side-effect record to append atomically with the
	// advance, nil for steps without external effects.
	Ledger *LedgerEntry
}

// StepExecutor runs a single claimed step. It owns the idempotency-ledger
// check, personalization, and side-effect classification; the scheduler
// owns claiming and committing.
type StepExecutor struct {
	store      *Store
	subs       *subscribers.Store
	mutations  *subscribers.MutationApplier
	dispatcher dispatch.Dispatcher
	renderer   *dispatch.Renderer
	log        *logger.Logger
}

func NewStepExecutor(store *Store, subs *subscribers.Store, mutations *subscribers.MutationApplier, dispatcher dispatch.Dispatcher) *StepExecutor {
	return &StepExecutor{
		store:      store,
		subs:       subs,
		mutations:  mutations,
		dispatcher: dispatcher,
		renderer:   dispatch.NewRenderer(),
		log:        logger.Component("StepExecutor"),
	}
}

// Execute runs the enrollment's current step. Errors are classified:
// transient errors get retried with backoff, permanent errors dead-letter
// the enrollment, ErrSubscriberInactive cancels it.
func (ex *StepExecutor) Execute(ctx context.Context, a *Automation, e *Enrollment) (*StepResult, error) {
	if e.CurrentStepIndex >= len(a.Steps) {
		// Definition shrank under a live enrollment. Nothing left to run.
		ex.log.Warn("enrollment step index beyond definition, completing",
			"enrollment_id", e.ID.String(), "step_index", e.CurrentStepIndex)
		return &StepResult{Completed: true}, nil
	}
	step := a.Steps[e.CurrentStepIndex]

	sub, err := ex.subs.Get(ctx, e.SubscriberID)
	if err != nil {
		return nil, Transient(err)
	}
	if sub == nil || sub.Unsubscribed {
		return nil, ErrSubscriberInactive
	}

	var entry *LedgerEntry
	switch step.Type {
	case StepWait:
		interval, err := step.Wait.Interval()
		if err != nil {
			return nil, Permanent(err)
		}
		// Deadline is fixed now and persisted; restarts never recompute it.
		return ex.continuation(a, e, nil, time.Now().Add(interval), EnrollmentWaiting), nil

	case StepSendEmail:
		entry, err = ex.sendEmail(ctx, step.SendEmail, e, sub)
		if err != nil {
			return nil, err
		}

	case StepAddTag:
		err = ex.mutations.AddTag(ctx, e.SubscriberID, step.Tag.TagName)
		entry = ex.effectEntry(e, step.Type, step.Tag.TagName, err)
	case StepRemoveTag:
		err = ex.mutations.RemoveTag(ctx, e.SubscriberID, step.Tag.TagName)
		entry = ex.effectEntry(e, step.Type, step.Tag.TagName, err)
	case StepAddToList:
		err = ex.mutations.AddToList(ctx, e.SubscriberID, step.List.ListID)
		entry = ex.effectEntry(e, step.Type, step.List.ListID, err)
	case StepRemoveFromList:
		err = ex.mutations.RemoveFromList(ctx, e.SubscriberID, step.List.ListID)
		entry = ex.effectEntry(e, step.Type, step.List.ListID, err)

	default:
		return nil, Permanent(fmt.Errorf("unknown step type %q", step.Type))
	}
	if err != nil {
		if errors.Is(err, subscribers.ErrMissingRef) {
			return nil, Permanent(err)
		}
		if IsPermanent(err) {
			return nil, err
		}
		return nil, Transient(err)
	}

	return ex.continuation(a, e, entry, time.Now(), EnrollmentActive), nil
}

// continuation builds the advance-or-complete result for a finished step.
func (ex *StepExecutor) continuation(a *Automation, e *Enrollment, entry *LedgerEntry, nextActionAt time.Time, status EnrollmentStatus) *StepResult {
	if e.CurrentStepIndex+1 >= len(a.Steps) {
		return &StepResult{Completed: true, Ledger: entry}
	}
	return &StepResult{
		NextStatus:   status,
		NextActionAt: nextActionAt,
		Ledger:       entry,
	}
}

// sendEmail delivers the step's email unless the ledger already records a
// successful send for this (enrollment, step). The ledger covers the crash
// window between provider accept and commit; without it a restart would
// double-send.
func (ex *StepExecutor) sendEmail(ctx context.Context, cfg *SendEmailConfig, e *Enrollment, sub *subscribers.Subscriber) (*LedgerEntry, error) {
	prior, err := ex.store.LedgerSuccess(ctx, e.ID, e.CurrentStepIndex)
	if err != nil {
		return nil, Transient(err)
	}
	if prior != nil {
		ex.log.Info("step already executed, skipping send",
			"enrollment_id", e.ID.String(),
			"step_index", e.CurrentStepIndex,
			"provider_ref", prior.ProviderRef)
		return nil, nil
	}

	tmpl, err := ex.subs.GetTemplate(ctx, cfg.TemplateID)
	if err != nil {
		return nil, Transient(err)
	}
	if tmpl == nil {
		return nil, Permanent(fmt.Errorf("template %s not found", cfg.TemplateID))
	}

	vars := sub.Variables()
	subject := tmpl.Subject
	if cfg.Subject != "" {
		subject = cfg.Subject
	}
	fromName := tmpl.FromName
	if cfg.FromName != "" {
		fromName = cfg.FromName
	}

	renderedSubject, err := ex.renderer.Render(subject, vars)
	if err != nil {
		return nil, Permanent(err)
	}
	renderedHTML, err := ex.renderer.Render(tmpl.HTMLBody, vars)
	if err != nil {
		return nil, Permanent(err)
	}
	renderedText := ""
	if tmpl.TextBody != "" {
		renderedText, err = ex.renderer.Render(tmpl.TextBody, vars)
		if err != nil {
			return nil, Permanent(err)
		}
	}

	result, err := ex.dispatcher.Send(ctx, &dispatch.Message{
		To:           sub.Email,
		FromName:     fromName,
		FromEmail:    tmpl.FromAddr,
		Subject:      renderedSubject,
		HTMLBody:     renderedHTML,
		TextBody:     renderedText,
		EnrollmentID: e.ID.String(),
		SubscriberID: e.SubscriberID.String(),
	})
	if err != nil {
		if errors.Is(err, dispatch.ErrPermanent) {
			return nil, Permanent(err)
		}
		return nil, Transient(err)
	}

	return &LedgerEntry{
		EnrollmentID: e.ID,
		StepIndex:    e.CurrentStepIndex,
		StepType:     StepSendEmail,
		Outcome:      LedgerOutcomeSuccess,
		ProviderRef:  result.MessageID,
	}, nil
}

// effectEntry records a completed mutation in the ledger. Failed mutations
// return nil; the error path decides retry or dead-letter.
func (ex *StepExecutor) effectEntry(e *Enrollment, st StepType, detail string, err error) *LedgerEntry {
	if err != nil {
		return nil
	}
	return &LedgerEntry{
		EnrollmentID: e.ID,
		StepIndex:    e.CurrentStepIndex,
		StepType:     st,
		Outcome:      LedgerOutcomeSuccess,
		Detail:       detail,
	}
}
