package queue

import "errors"

// Store errors.
var (
	ErrEntryNotFound = errors.New("queue entry not found")
	ErrNoPending     = errors.New("no pending entries for queue")
	ErrSendInFlight  = errors.New("another entry is already in flight for queue")
)

// Service errors.
var (
	ErrBatchInFlight = errors.New("queue has unresolved entries from a previous batch")
)
