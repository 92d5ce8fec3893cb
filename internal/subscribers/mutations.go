package subscribers

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ErrMissingRef is returned when a mutation references a subscriber or
// list that does not exist. Retrying cannot fix it.
var ErrMissingRef = errors.New("mutation references a missing row")

// MutationApplier applies tag and list mutations for automation steps.
// Every mutation is idempotent: re-applying an add is a no-op conflict,
// re-applying a remove deletes zero rows.
type MutationApplier struct {
	store *Store
}

func NewMutationApplier(store *Store) *MutationApplier {
	return &MutationApplier{store: store}
}

// AddTag attaches a tag to a subscriber.
func (m *MutationApplier) AddTag(ctx context.Context, subscriberID uuid.UUID, tag string) error {
	_, err := m.store.db.ExecContext(ctx,
		`INSERT INTO mailing_subscriber_tags (subscriber_id, tag)
		VALUES ($1, $2)
		ON CONFLICT (subscriber_id, tag) DO NOTHING`,
		subscriberID, tag)
	return classifyMutationErr(err)
}

// RemoveTag detaches a tag from a subscriber.
func (m *MutationApplier) RemoveTag(ctx context.Context, subscriberID uuid.UUID, tag string) error {
	_, err := m.store.db.ExecContext(ctx,
		`DELETE FROM mailing_subscriber_tags WHERE subscriber_id = $1 AND tag = $2`,
		subscriberID, tag)
	return classifyMutationErr(err)
}

// AddToList adds a subscriber to a list.
func (m *MutationApplier) AddToList(ctx context.Context, subscriberID uuid.UUID, listID string) error {
	_, err := m.store.db.ExecContext(ctx,
		`INSERT INTO mailing_list_members (subscriber_id, list_id)
		VALUES ($1, $2)
		ON CONFLICT (subscriber_id, list_id) DO NOTHING`,
		subscriberID, listID)
	return classifyMutationErr(err)
}

// RemoveFromList removes a subscriber from a list.
func (m *MutationApplier) RemoveFromList(ctx context.Context, subscriberID uuid.UUID, listID string) error {
	_, err := m.store.db.ExecContext(ctx,
		`DELETE FROM mailing_list_members WHERE subscriber_id = $1 AND list_id = $2`,
		subscriberID, listID)
	return classifyMutationErr(err)
}

// classifyMutationErr maps foreign key violations to ErrMissingRef so the
// caller can treat them as unretryable. Everything else passes through.
func classifyMutationErr(err error) error {
	if err == nil {
		return nil
	}
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23503" {
		return ErrMissingRef
	}
	return err
}
