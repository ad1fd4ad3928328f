package queue

import (
	"context"
	"time"
)

// Store defines the interface for queue entry persistence.
//
// The store is the single shared mutable resource of the state machine:
// every transition is one atomic read-or-update against it, and no caller
// holds an in-process lock across a store or transport call.
type Store interface {
	// CreateBatch persists entries in one atomic write.
	CreateBatch(ctx context.Context, entries []*Entry) error

	GetByID(ctx context.Context, id string) (*Entry, error)

	// GetByProviderMessageID returns ErrEntryNotFound for unknown or
	// superseded provider ids. Callers treat that as a benign no-op.
	GetByProviderMessageID(ctx context.Context, providerMessageID string) (*Entry, error)

	// ClaimNextPending atomically marks the lowest pending entry for the key
	// as sent (setting SentAt) and returns it. It returns ErrSendInFlight if
	// an entry for the key is already sent, and ErrNoPending if the queue has
	// drained. The conditional update is what prevents two concurrent
	// dispatch triggers from both sending.
	ClaimNextPending(ctx context.Context, key Key) (*Entry, error)

	// ListStalled returns all sent entries, across all queues, whose SentAt
	// is older than each entry's own timeout. defaultTimeout applies to
	// entries without an explicit per-entry timeout.
	ListStalled(ctx context.Context, now time.Time, defaultTimeout time.Duration) ([]*Entry, error)

	// ListStuckKeys returns keys that have pending entries but nothing in
	// flight. Such keys received no dispatch (a dropped trigger, a crash
	// before the trigger fired) and no webhook will ever move them.
	ListStuckKeys(ctx context.Context) ([]Key, error)

	// LinkProviderMessageID records the provider's id for a sent entry.
	// A retry attempt overwrites any previous id.
	LinkProviderMessageID(ctx context.Context, id, providerMessageID string) error

	// MarkDelivered transitions a sent entry to delivered. It is a no-op
	// (ErrEntryNotFound) when the entry has already advanced past sent,
	// which makes duplicate delivery webhooks idempotent.
	MarkDelivered(ctx context.Context, id string, at time.Time) error

	// MarkFailed transitions an entry to terminal failed.
	MarkFailed(ctx context.Context, id, errorMessage string) error

	// MarkForRetry returns a sent entry to pending, increments its retry
	// count, records the error and clears the provider id so that late
	// webhooks for the superseded attempt resolve as not found.
	MarkForRetry(ctx context.Context, id, errorMessage string) error

	// HasUnresolved reports whether the key has any pending or sent entries.
	HasUnresolved(ctx context.Context, key Key) (bool, error)

	// DeleteTerminal removes all delivered and failed entries for the key.
	DeleteTerminal(ctx context.Context, key Key) (int64, error)

	CountByStatus(ctx context.Context, key Key) (*Stats, error)

	// CountAllByStatus returns entry counts across all queues, for metrics.
	CountAllByStatus(ctx context.Context) (*Stats, error)
}
