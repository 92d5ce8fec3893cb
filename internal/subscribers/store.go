// Package subscribers provides the engine's view of the subscriber store:
// lookups for trigger matching, personalization variables for email steps,
// and the idempotent tag/list mutations automation steps apply.
package subscribers

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Subscriber is one recipient record.
type Subscriber struct {
	ID           uuid.UUID              `json:"id"`
	Email        string                 `json:"email"`
	FirstName    string                 `json:"first_name"`
	LastName     string                 `json:"last_name"`
	Unsubscribed bool                   `json:"unsubscribed"`
	Attributes   map[string]interface{} `json:"attributes,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// Store reads and mutates subscriber data.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Get returns one subscriber, or nil if it does not exist.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Subscriber, error) {
	var sub Subscriber
	var status string
	var attributesJSON []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, COALESCE(first_name, ''), COALESCE(last_name, ''), status, COALESCE(attributes, '{}'), created_at
		FROM mailing_subscribers WHERE id = $1`, id).
		Scan(&sub.ID, &sub.Email, &sub.FirstName, &sub.LastName, &status, &attributesJSON, &sub.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sub.Unsubscribed = status == "unsubscribed"
	if err := json.Unmarshal(attributesJSON, &sub.Attributes); err != nil {
		return nil, fmt.Errorf("subscriber %s: bad attributes: %w", id, err)
	}
	return &sub, nil
}

// InAnyList reports whether the subscriber belongs to at least one of the
// given lists.
func (s *Store) InAnyList(ctx context.Context, subscriberID uuid.UUID, listIDs []string) (bool, error) {
	var found bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM mailing_list_members
			WHERE subscriber_id = $1 AND list_id = ANY($2)
		)`, subscriberID, pq.Array(listIDs)).Scan(&found)
	return found, err
}

// DateFieldMatch is one hit from the daily date-field scan.
type DateFieldMatch struct {
	SubscriberID uuid.UUID
	DateValue    time.Time
}

// ScanDateField returns subscribers whose attribute date, shifted back by
// daysBefore days, lands on today (UTC). Attributes are stored as ISO
// dates in the jsonb attributes column.
func (s *Store) ScanDateField(ctx context.Context, field string, daysBefore int, today time.Time) ([]DateFieldMatch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, (attributes->>$1)::date
		FROM mailing_subscribers
		WHERE status <> 'unsubscribed'
		  AND attributes ? $1
		  AND (attributes->>$1)::date - $2::int = $3::date`,
		field, daysBefore, today.UTC().Format("2006-01-02"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []DateFieldMatch
	for rows.Next() {
		var m DateFieldMatch
		if err := rows.Scan(&m.SubscriberID, &m.DateValue); err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// Variables returns the personalization bindings for a subscriber: the
// standard fields plus every custom attribute.
func (sub *Subscriber) Variables() map[string]interface{} {
	vars := map[string]interface{}{
		"email":      sub.Email,
		"first_name": sub.FirstName,
		"last_name":  sub.LastName,
	}
	for k, v := range sub.Attributes {
		if _, reserved := vars[k]; !reserved {
			vars[k] = v
		}
	}
	return vars
}

// Template is an email template row used by send_email steps.
type Template struct {
	ID       string
	Subject  string
	HTMLBody string
	TextBody string
	FromName string
	FromAddr string
}

// GetTemplate returns one template, or nil if it does not exist.
func (s *Store) GetTemplate(ctx context.Context, id string) (*Template, error) {
	var t Template
	err := s.db.QueryRowContext(ctx,
		`SELECT id, subject, html_body, COALESCE(text_body, ''), COALESCE(from_name, ''), from_address
		FROM mailing_templates WHERE id = $1`, id).
		Scan(&t.ID, &t.Subject, &t.HTMLBody, &t.TextBody, &t.FromName, &t.FromAddr)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}
