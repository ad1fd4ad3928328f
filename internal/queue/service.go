package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/arusso/drip-relay/internal/transport"
	"github.com/google/uuid"
)

// ServiceConfig contains queue service configuration.
type ServiceConfig struct {
	// MaxRetries is the retry budget assigned to new entries.
	MaxRetries int
	// StallTimeout applies to entries that carry no per-entry timeout,
	// and is the default window for SweepStalled.
	StallTimeout time.Duration
}

// DefaultServiceConfig returns default queue service configuration.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		MaxRetries:   2,
		StallTimeout: 10 * time.Minute,
	}
}

// Service drives the per-queue delivery state machine. All transitions are
// single atomic store operations, so concurrent webhook deliveries and
// redundant dispatch triggers resolve to no-ops rather than double-sends.
type Service struct {
	config  ServiceConfig
	store   Store
	gateway transport.Gateway
	trigger Trigger
}

// NewService creates a new queue service. A nil trigger means dispatch is
// chained synchronously in-process instead of published to a dispatch queue.
func NewService(config ServiceConfig, store Store, gateway transport.Gateway, trigger Trigger) *Service {
	return &Service{
		config:  config,
		store:   store,
		gateway: gateway,
		trigger: trigger,
	}
}

// dispatchNext fires the next dispatch for the key. The trigger is
// fire-and-forget: a failure to advance here is recovered by the stall sweep.
func (s *Service) dispatchNext(ctx context.Context, key Key) {
	if s.trigger != nil {
		s.trigger.Dispatch(ctx, key)
		return
	}
	if err := s.ProcessNext(ctx, key); err != nil {
		slog.Error("dispatch failed",
			"recipient_id", key.RecipientID,
			"queue", key.QueueName,
			"error", err,
		)
	}
}

// EnqueueBatch persists an ordered batch of messages for the key and kicks
// off dispatch. An empty batch is a no-op. A batch arriving while the key
// still has unresolved entries is rejected with ErrBatchInFlight so that
// sequence numbers never collide.
func (s *Service) EnqueueBatch(ctx context.Context, key Key, messages []Message) error {
	if len(messages) == 0 {
		return nil
	}

	unresolved, err := s.store.HasUnresolved(ctx, key)
	if err != nil {
		return fmt.Errorf("check unresolved entries: %w", err)
	}
	if unresolved {
		return ErrBatchInFlight
	}

	now := time.Now()
	entries := make([]*Entry, 0, len(messages))
	for i, msg := range messages {
		// TimeoutMinutes stays zero: the entry follows whatever window the
		// sweep runs with, and only an explicit per-entry timeout pins one.
		entries = append(entries, &Entry{
			ID:             uuid.NewString(),
			RecipientID:    key.RecipientID,
			QueueName:      key.QueueName,
			SequenceNumber: i + 1,
			Body:           msg.Body,
			MediaURLs:      msg.MediaURLs,
			Status:         StatusPending,
			MaxRetries:     s.config.MaxRetries,
			CreatedAt:      now,
		})
	}

	if err := s.store.CreateBatch(ctx, entries); err != nil {
		return fmt.Errorf("create batch: %w", err)
	}

	slog.Info("batch enqueued",
		"recipient_id", key.RecipientID,
		"queue", key.QueueName,
		"count", len(entries),
	)

	s.dispatchNext(ctx, key)
	return nil
}

// ProcessNext sends the lowest pending entry for the key. When no pending
// entry remains the queue has drained and its terminal entries are deleted.
// A redundant invocation while an entry is already in flight is a no-op.
func (s *Service) ProcessNext(ctx context.Context, key Key) error {
	entry, err := s.store.ClaimNextPending(ctx, key)
	switch {
	case errors.Is(err, ErrNoPending):
		return s.cleanupDrained(ctx, key)
	case errors.Is(err, ErrSendInFlight):
		slog.Debug("dispatch skipped, entry already in flight",
			"recipient_id", key.RecipientID,
			"queue", key.QueueName,
		)
		return nil
	case err != nil:
		return fmt.Errorf("claim next pending: %w", err)
	}

	start := time.Now()
	providerMessageID, sendErr := s.gateway.Send(ctx, transport.OutboundMessage{
		Recipient: entry.RecipientID,
		Body:      entry.Body,
		MediaURLs: entry.MediaURLs,
	})
	recordSendDuration(time.Since(start))

	if sendErr != nil {
		recordSend("error")
		slog.Warn("send failed",
			"entry_id", entry.ID,
			"sequence", entry.SequenceNumber,
			"attempt", entry.RetryCount+1,
			"error", sendErr,
		)
		return s.resolveFailure(ctx, entry, sendErr.Error())
	}

	if err := s.store.LinkProviderMessageID(ctx, entry.ID, providerMessageID); err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			// a sweep resolved the entry between send and link; the orphaned
			// provider id is ignored like any other superseded id
			slog.Warn("entry resolved before provider id could be linked",
				"entry_id", entry.ID,
				"provider_message_id", providerMessageID,
			)
			return nil
		}
		return fmt.Errorf("link provider message id: %w", err)
	}

	recordSend("ok")
	slog.Debug("entry dispatched",
		"entry_id", entry.ID,
		"sequence", entry.SequenceNumber,
		"provider_message_id", providerMessageID,
	)
	return nil
}

// OnDelivered handles a delivery-confirmed webhook. Unknown or superseded
// provider ids are ignored, as are duplicates for entries that have already
// advanced past sent.
func (s *Service) OnDelivered(ctx context.Context, providerMessageID string) error {
	entry, err := s.store.GetByProviderMessageID(ctx, providerMessageID)
	if errors.Is(err, ErrEntryNotFound) {
		slog.Debug("delivery webhook for unknown message", "provider_message_id", providerMessageID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup by provider message id: %w", err)
	}
	if entry.Status != StatusSent {
		return nil
	}

	if err := s.store.MarkDelivered(ctx, entry.ID, time.Now()); err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			// lost the race against a duplicate webhook
			return nil
		}
		return fmt.Errorf("mark delivered: %w", err)
	}

	recordResolution("delivered")
	slog.Info("entry delivered",
		"entry_id", entry.ID,
		"recipient_id", entry.RecipientID,
		"queue", entry.QueueName,
		"sequence", entry.SequenceNumber,
	)

	s.dispatchNext(ctx, entry.Key())
	return nil
}

// OnFailed handles a delivery-failed webhook. The entry is retried while
// budget remains, otherwise it fails terminally and the queue advances past
// it. Unknown provider ids are ignored.
func (s *Service) OnFailed(ctx context.Context, providerMessageID, errorMessage string) error {
	entry, err := s.store.GetByProviderMessageID(ctx, providerMessageID)
	if errors.Is(err, ErrEntryNotFound) {
		slog.Debug("failure webhook for unknown message", "provider_message_id", providerMessageID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup by provider message id: %w", err)
	}
	if entry.Status != StatusSent {
		return nil
	}

	if errorMessage == "" {
		errorMessage = "delivery failed"
	}
	return s.resolveFailure(ctx, entry, errorMessage)
}

// SweepStalled force-resolves every sent entry older than its timeout.
// Entries with a recorded provider id are reconciled against the gateway's
// live status; entries without one cannot be verified and fail terminally.
// An error resolving one entry never aborts the rest of the sweep.
//
// The sweep also re-dispatches keys that have pending entries with nothing
// in flight. Dispatch triggers are fire-and-forget and can be lost (full
// dispatch queue, crash between persist and trigger); no webhook will ever
// arrive for such a key, so the sweep is its only way forward.
//
// timeout overrides the configured default when positive. Returns the number
// of stalled entries examined; all of them leave sent status in this pass.
func (s *Service) SweepStalled(ctx context.Context, timeout time.Duration) (int, error) {
	if timeout <= 0 {
		timeout = s.config.StallTimeout
	}

	entries, err := s.store.ListStalled(ctx, time.Now(), timeout)
	if err != nil {
		return 0, fmt.Errorf("list stalled entries: %w", err)
	}

	if len(entries) > 0 {
		slog.Info("sweeping stalled entries", "count", len(entries))
	}

	for _, entry := range entries {
		if err := s.resolveStalled(ctx, entry); err != nil {
			slog.Error("failed to resolve stalled entry",
				"entry_id", entry.ID,
				"provider_message_id", entry.ProviderMessageID,
				"error", err,
			)
		}
	}

	keys, err := s.store.ListStuckKeys(ctx)
	if err != nil {
		return len(entries), fmt.Errorf("list stuck keys: %w", err)
	}
	for _, key := range keys {
		recordSweepRedispatch()
		slog.Info("re-dispatching stuck queue",
			"recipient_id", key.RecipientID,
			"queue", key.QueueName,
		)
		// drive ProcessNext directly: recovery must not depend on the same
		// trigger path whose loss stranded the key
		if err := s.ProcessNext(ctx, key); err != nil {
			slog.Error("failed to re-dispatch stuck queue",
				"recipient_id", key.RecipientID,
				"queue", key.QueueName,
				"error", err,
			)
		}
	}

	return len(entries), nil
}

// QueueStatus returns entry counts by status for the key. Pure read.
func (s *Service) QueueStatus(ctx context.Context, key Key) (*Stats, error) {
	stats, err := s.store.CountByStatus(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	return stats, nil
}

func (s *Service) resolveStalled(ctx context.Context, entry *Entry) error {
	if entry.ProviderMessageID == "" {
		// nothing to query the provider with, cannot verify
		recordSweepResolution("unverified_failed")
		if err := s.store.MarkFailed(ctx, entry.ID, "stalled in sent with no provider message id"); err != nil {
			if errors.Is(err, ErrEntryNotFound) {
				return nil
			}
			return fmt.Errorf("mark failed: %w", err)
		}
		s.dispatchNext(ctx, entry.Key())
		return nil
	}

	state, err := s.gateway.GetStatus(ctx, entry.ProviderMessageID)
	if err != nil {
		slog.Warn("status query failed, assuming delivered",
			"entry_id", entry.ID,
			"provider_message_id", entry.ProviderMessageID,
			"error", err,
		)
		return s.assumeDelivered(ctx, entry)
	}

	switch state {
	case transport.StateDelivered:
		recordSweepResolution("delivered")
		return s.OnDelivered(ctx, entry.ProviderMessageID)
	case transport.StateFailed, transport.StateUndelivered:
		recordSweepResolution("failed")
		return s.OnFailed(ctx, entry.ProviderMessageID, fmt.Sprintf("provider reported %s", state))
	default:
		// in transit or unknown past the timeout: liveness over correctness,
		// the queue must not stay blocked on an unconfirmed entry
		return s.assumeDelivered(ctx, entry)
	}
}

func (s *Service) assumeDelivered(ctx context.Context, entry *Entry) error {
	recordSweepResolution("assumed_delivered")
	if err := s.store.MarkDelivered(ctx, entry.ID, time.Now()); err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			return nil
		}
		return fmt.Errorf("mark delivered: %w", err)
	}

	slog.Info("stalled entry assumed delivered",
		"entry_id", entry.ID,
		"provider_message_id", entry.ProviderMessageID,
	)

	s.dispatchNext(ctx, entry.Key())
	return nil
}

func (s *Service) resolveFailure(ctx context.Context, entry *Entry, errorMessage string) error {
	if entry.RetryCount < entry.MaxRetries {
		if err := s.store.MarkForRetry(ctx, entry.ID, errorMessage); err != nil {
			if errors.Is(err, ErrEntryNotFound) {
				// a concurrent webhook already resolved the entry
				return nil
			}
			return fmt.Errorf("mark for retry: %w", err)
		}

		recordResolution("retried")
		slog.Info("entry scheduled for retry",
			"entry_id", entry.ID,
			"retry_count", entry.RetryCount+1,
			"max_retries", entry.MaxRetries,
			"error", errorMessage,
		)

		// the entry is pending again and is the lowest sequence number,
		// so the next dispatch resends it rather than skipping ahead
		s.dispatchNext(ctx, entry.Key())
		return nil
	}

	if err := s.store.MarkFailed(ctx, entry.ID, errorMessage); err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			return nil
		}
		return fmt.Errorf("mark failed: %w", err)
	}

	recordResolution("failed")
	slog.Warn("entry failed terminally",
		"entry_id", entry.ID,
		"recipient_id", entry.RecipientID,
		"queue", entry.QueueName,
		"sequence", entry.SequenceNumber,
		"error", errorMessage,
	)

	// a permanently undeliverable entry must never block the queue
	s.dispatchNext(ctx, entry.Key())
	return nil
}

func (s *Service) cleanupDrained(ctx context.Context, key Key) error {
	deleted, err := s.store.DeleteTerminal(ctx, key)
	if err != nil {
		return fmt.Errorf("delete terminal entries: %w", err)
	}
	if deleted > 0 {
		slog.Info("queue drained, terminal entries removed",
			"recipient_id", key.RecipientID,
			"queue", key.QueueName,
			"deleted", deleted,
		)
	}
	return nil
}

// Key returns the queue key the entry belongs to.
func (e *Entry) Key() Key {
	return Key{RecipientID: e.RecipientID, QueueName: e.QueueName}
}
