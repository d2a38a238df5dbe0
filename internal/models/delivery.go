package models

import "time"

// DeliveryStatus enumerates per-recipient states persisted in the ledger.
const (
	DeliveryPending    = "PENDING"
	DeliverySending    = "SENDING"
	DeliverySent       = "SENT"
	DeliveryFailed     = "FAILED"
	DeliverySuppressed = "SUPPRESSED"
)

// DeliveryStatuses lists every ledger status, in lifecycle order.
var DeliveryStatuses = []string{DeliveryPending, DeliverySending, DeliverySent, DeliveryFailed, DeliverySuppressed}

// DeliveryTerminal reports whether the status can no longer change.
func DeliveryTerminal(status string) bool {
	return status == DeliverySent || status == DeliveryFailed || status == DeliverySuppressed
}

// Delivery is one (notification, recipient) row of the ledger.
type Delivery struct {
	ID                string     `json:"id"`
	NotificationID    string     `json:"notification_id"`
	RecipientID       string     `json:"recipient_id"`
	Email             string     `json:"email"`
	Status            string     `json:"status"`
	AttemptCount      int        `json:"attempt_count"`
	LastError         *string    `json:"last_error,omitempty"`
	ProviderMessageID *string    `json:"provider_message_id,omitempty"`
	SentAt            *time.Time `json:"sent_at,omitempty"`
	BatchID           *string    `json:"batch_id,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Outcome is the classified result of one send attempt.
type Outcome string

const (
	OutcomeSuccess    Outcome = "success"
	OutcomeTransient  Outcome = "transient"
	OutcomePermanent  Outcome = "permanent"
	OutcomeSuppressed Outcome = "suppressed"
)

// DeliveryResult is what the mail gateway reports for a single delivery row.
type DeliveryResult struct {
	DeliveryID        string  `json:"delivery_id"`
	Outcome           Outcome `json:"outcome"`
	ProviderMessageID string  `json:"provider_message_id,omitempty"`
	Error             string  `json:"error,omitempty"`
}

// StatusCounts maps ledger status to row count.
type StatusCounts map[string]int64

// Total sums every status.
func (c StatusCounts) Total() int64 {
	var n int64
	for _, v := range c {
		n += v
	}
	return n
}
