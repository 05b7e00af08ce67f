// internal/models/webhook.go
package models

import "time"

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "PENDING"
	DeliveryDelivered DeliveryStatus = "DELIVERED"
	DeliveryFailed    DeliveryStatus = "FAILED"
)

// WebhookEvent is the dispatcher-owned record of one outbound event.
type WebhookEvent struct {
	EventType      string         `json:"event_type"`
	Payload        []byte         `json:"-"`
	PayloadHash    string         `json:"payload_hash"`
	Signature      string         `json:"signature"`
	RequestID      string         `json:"request_id"`
	RunID          string         `json:"run_id"`
	PropertyID     string         `json:"property_id"`
	AttemptCount   int            `json:"attempt_count"`
	DeliveryStatus DeliveryStatus `json:"delivery_status"`
	LastError      string         `json:"last_error,omitempty"`
	Rejected       bool           `json:"rejected,omitempty"`
	CompletedAt    time.Time      `json:"completed_at"`
}

// ScoredEvent is the body sent for every scored property.
type ScoredEvent struct {
	EventType  string     `json:"event_type"`
	EventID    string     `json:"event_id"`
	RunID      string     `json:"run_id"`
	PropertyID string     `json:"property_id"`
	OccurredAt time.Time  `json:"occurred_at"`
	Valuation  *Valuation `json:"valuation"`
	Score      *Score     `json:"score"`
}
