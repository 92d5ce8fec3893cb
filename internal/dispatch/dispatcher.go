// Package dispatch delivers automation emails through an email service
// provider. The scheduler talks to the Dispatcher interface only; the SES
// implementation lives behind it so tests can substitute a fake.
package dispatch

import (
	"context"
	"time"
)

// Message is one fully rendered email ready for delivery.
type Message struct {
	To           string
	FromName     string
	FromEmail    string
	ReplyTo      string
	Subject      string
	HTMLBody     string
	TextBody     string
	EnrollmentID string
	SubscriberID string
}

// Result describes a completed delivery attempt.
type Result struct {
	MessageID string
	Provider  string
	SentAt    time.Time
}

// Dispatcher sends one email. Implementations classify failures as
// transient or permanent through the error they return.
type Dispatcher interface {
	Send(ctx context.Context, msg *Message) (*Result, error)
}
