// Package queue implements the ordered per-recipient message delivery queue.
package queue

import "time"

// Status represents the delivery state of a queue entry.
type Status string

// Entry statuses. Delivered and failed are terminal.
const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions occur from s.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

// Entry is one message's delivery record within an ordered queue.
// At most one entry per (RecipientID, QueueName) is ever in sent status,
// which is what enforces strict in-order delivery.
type Entry struct {
	ID                string
	RecipientID       string
	QueueName         string
	SequenceNumber    int
	Body              string
	MediaURLs         []string
	Status            Status
	ProviderMessageID string
	RetryCount        int
	MaxRetries        int
	TimeoutMinutes    int
	ErrorMessage      string
	CreatedAt         time.Time
	SentAt            *time.Time
	DeliveredAt       *time.Time
}

// Key identifies one recipient's named queue.
type Key struct {
	RecipientID string
	QueueName   string
}

// Message is the content of a single outbound message as supplied by callers.
type Message struct {
	Body      string
	MediaURLs []string
}

// Stats holds per-queue entry counts by status.
type Stats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Sent      int `json:"sent"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}
