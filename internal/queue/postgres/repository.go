// Package postgres provides the PostgreSQL implementation of the queue store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arusso/drip-relay/internal/queue"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository implements queue.Store using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

const entryColumns = `
	id, recipient_id, queue_name, sequence_number, body, media_urls,
	status, provider_message_id, retry_count, max_retries, timeout_minutes,
	error_message, created_at, sent_at, delivered_at
`

// CreateBatch persists all entries in one transaction.
func (r *Repository) CreateBatch(ctx context.Context, entries []*queue.Entry) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	query := `
		INSERT INTO queue_entries (
			id, recipient_id, queue_name, sequence_number, body, media_urls,
			status, max_retries, timeout_minutes, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	for _, e := range entries {
		if _, err := tx.Exec(ctx, query,
			e.ID,
			e.RecipientID,
			e.QueueName,
			e.SequenceNumber,
			e.Body,
			e.MediaURLs,
			e.Status,
			e.MaxRetries,
			e.TimeoutMinutes,
			e.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert entry %d: %w", e.SequenceNumber, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetByID retrieves an entry by its id.
func (r *Repository) GetByID(ctx context.Context, id string) (*queue.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM queue_entries WHERE id = $1`
	return r.scanEntry(r.db.QueryRow(ctx, query, id))
}

// GetByProviderMessageID retrieves an entry by its current provider id.
func (r *Repository) GetByProviderMessageID(ctx context.Context, providerMessageID string) (*queue.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM queue_entries WHERE provider_message_id = $1`
	return r.scanEntry(r.db.QueryRow(ctx, query, providerMessageID))
}

// ClaimNextPending atomically promotes the lowest pending entry to sent.
// A per-key advisory lock serializes concurrent claims so the in-flight
// check and the promotion act as one operation.
func (r *Repository) ClaimNextPending(ctx context.Context, key queue.Key) (*queue.Entry, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	// held until commit/rollback
	lockQuery := `SELECT pg_advisory_xact_lock(hashtext($1 || '/' || $2))`
	if _, err := tx.Exec(ctx, lockQuery, key.RecipientID, key.QueueName); err != nil {
		return nil, fmt.Errorf("acquire queue lock: %w", err)
	}

	var inFlight bool
	existsQuery := `
		SELECT EXISTS (
			SELECT 1 FROM queue_entries
			WHERE recipient_id = $1 AND queue_name = $2 AND status = 'sent'
		)
	`
	if err := tx.QueryRow(ctx, existsQuery, key.RecipientID, key.QueueName).Scan(&inFlight); err != nil {
		return nil, fmt.Errorf("check in-flight entry: %w", err)
	}
	if inFlight {
		return nil, queue.ErrSendInFlight
	}

	claimQuery := `
		UPDATE queue_entries
		SET status = 'sent', sent_at = NOW()
		WHERE id = (
			SELECT id FROM queue_entries
			WHERE recipient_id = $1 AND queue_name = $2 AND status = 'pending'
			ORDER BY sequence_number
			LIMIT 1
		)
		RETURNING ` + entryColumns
	entry, err := r.scanEntry(tx.QueryRow(ctx, claimQuery, key.RecipientID, key.QueueName))
	if err != nil {
		if errors.Is(err, queue.ErrEntryNotFound) {
			return nil, queue.ErrNoPending
		}
		return nil, fmt.Errorf("claim pending entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return entry, nil
}

// ListStalled returns sent entries older than their timeout, across all queues.
func (r *Repository) ListStalled(ctx context.Context, now time.Time, defaultTimeout time.Duration) ([]*queue.Entry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM queue_entries
		WHERE status = 'sent'
		  AND sent_at < $1::timestamptz
			- (CASE WHEN timeout_minutes > 0 THEN timeout_minutes ELSE $2 END) * interval '1 minute'
		ORDER BY sent_at
	`
	rows, err := r.db.Query(ctx, query, now, int(defaultTimeout/time.Minute))
	if err != nil {
		return nil, fmt.Errorf("list stalled entries: %w", err)
	}
	defer rows.Close()

	entries := make([]*queue.Entry, 0)
	for rows.Next() {
		entry, err := r.scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stalled entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// ListStuckKeys returns keys with pending entries and no in-flight entry.
func (r *Repository) ListStuckKeys(ctx context.Context) ([]queue.Key, error) {
	query := `
		SELECT DISTINCT recipient_id, queue_name
		FROM queue_entries p
		WHERE status = 'pending'
		  AND NOT EXISTS (
			SELECT 1 FROM queue_entries s
			WHERE s.recipient_id = p.recipient_id
			  AND s.queue_name = p.queue_name
			  AND s.status = 'sent'
		  )
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list stuck keys: %w", err)
	}
	defer rows.Close()

	keys := make([]queue.Key, 0)
	for rows.Next() {
		var key queue.Key
		if err := rows.Scan(&key.RecipientID, &key.QueueName); err != nil {
			return nil, fmt.Errorf("scan stuck key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// LinkProviderMessageID records the provider id for a sent entry.
func (r *Repository) LinkProviderMessageID(ctx context.Context, id, providerMessageID string) error {
	query := `UPDATE queue_entries SET provider_message_id = $2 WHERE id = $1 AND status = 'sent'`
	result, err := r.db.Exec(ctx, query, id, providerMessageID)
	if err != nil {
		return fmt.Errorf("link provider message id: %w", err)
	}
	if result.RowsAffected() == 0 {
		return queue.ErrEntryNotFound
	}
	return nil
}

// MarkDelivered transitions a sent entry to delivered. The status guard makes
// duplicate delivery webhooks resolve to ErrEntryNotFound instead of a second
// transition.
func (r *Repository) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE queue_entries
		SET status = 'delivered', delivered_at = $2
		WHERE id = $1 AND status = 'sent'
	`
	result, err := r.db.Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	if result.RowsAffected() == 0 {
		return queue.ErrEntryNotFound
	}
	return nil
}

// MarkFailed transitions a sent entry to terminal failed.
func (r *Repository) MarkFailed(ctx context.Context, id, errorMessage string) error {
	query := `
		UPDATE queue_entries
		SET status = 'failed', error_message = $2
		WHERE id = $1 AND status = 'sent'
	`
	result, err := r.db.Exec(ctx, query, id, errorMessage)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return queue.ErrEntryNotFound
	}
	return nil
}

// MarkForRetry returns a sent entry to pending. Clearing the provider id
// orphans the superseded send attempt: a late webhook for it looks up nothing.
func (r *Repository) MarkForRetry(ctx context.Context, id, errorMessage string) error {
	query := `
		UPDATE queue_entries
		SET status = 'pending',
		    retry_count = retry_count + 1,
		    error_message = $2,
		    provider_message_id = NULL,
		    sent_at = NULL
		WHERE id = $1 AND status = 'sent'
	`
	result, err := r.db.Exec(ctx, query, id, errorMessage)
	if err != nil {
		return fmt.Errorf("mark for retry: %w", err)
	}
	if result.RowsAffected() == 0 {
		return queue.ErrEntryNotFound
	}
	return nil
}

// HasUnresolved reports whether the key has pending or sent entries.
func (r *Repository) HasUnresolved(ctx context.Context, key queue.Key) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM queue_entries
			WHERE recipient_id = $1 AND queue_name = $2 AND status IN ('pending', 'sent')
		)
	`
	var unresolved bool
	if err := r.db.QueryRow(ctx, query, key.RecipientID, key.QueueName).Scan(&unresolved); err != nil {
		return false, fmt.Errorf("check unresolved entries: %w", err)
	}
	return unresolved, nil
}

// DeleteTerminal removes delivered and failed entries for the key.
func (r *Repository) DeleteTerminal(ctx context.Context, key queue.Key) (int64, error) {
	query := `
		DELETE FROM queue_entries
		WHERE recipient_id = $1 AND queue_name = $2 AND status IN ('delivered', 'failed')
	`
	result, err := r.db.Exec(ctx, query, key.RecipientID, key.QueueName)
	if err != nil {
		return 0, fmt.Errorf("delete terminal entries: %w", err)
	}
	return result.RowsAffected(), nil
}

// CountByStatus returns entry counts by status for one queue key.
func (r *Repository) CountByStatus(ctx context.Context, key queue.Key) (*queue.Stats, error) {
	query := `
		SELECT status, COUNT(*)
		FROM queue_entries
		WHERE recipient_id = $1 AND queue_name = $2
		GROUP BY status
	`
	rows, err := r.db.Query(ctx, query, key.RecipientID, key.QueueName)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	return scanStats(rows)
}

// CountAllByStatus returns entry counts by status across all queues.
func (r *Repository) CountAllByStatus(ctx context.Context) (*queue.Stats, error) {
	rows, err := r.db.Query(ctx, `SELECT status, COUNT(*) FROM queue_entries GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count all by status: %w", err)
	}
	defer rows.Close()

	return scanStats(rows)
}

func scanStats(rows pgx.Rows) (*queue.Stats, error) {
	stats := &queue.Stats{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		switch queue.Status(status) {
		case queue.StatusPending:
			stats.Pending = count
		case queue.StatusSent:
			stats.Sent = count
		case queue.StatusDelivered:
			stats.Delivered = count
		case queue.StatusFailed:
			stats.Failed = count
		}
		stats.Total += count
	}
	return stats, rows.Err()
}

func (r *Repository) scanEntry(row pgx.Row) (*queue.Entry, error) {
	var e queue.Entry
	var providerMessageID, errorMessage *string
	err := row.Scan(
		&e.ID,
		&e.RecipientID,
		&e.QueueName,
		&e.SequenceNumber,
		&e.Body,
		&e.MediaURLs,
		&e.Status,
		&providerMessageID,
		&e.RetryCount,
		&e.MaxRetries,
		&e.TimeoutMinutes,
		&errorMessage,
		&e.CreatedAt,
		&e.SentAt,
		&e.DeliveredAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, queue.ErrEntryNotFound
		}
		return nil, err
	}
	if providerMessageID != nil {
		e.ProviderMessageID = *providerMessageID
	}
	if errorMessage != nil {
		e.ErrorMessage = *errorMessage
	}
	return &e, nil
}
