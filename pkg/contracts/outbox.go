package contracts

import "time"

// OutboxStatus is the state of a durable outbox row.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxEnqueued   OutboxStatus = "enqueued"
	OutboxProcessing OutboxStatus = "processing"
	OutboxCompleted  OutboxStatus = "completed"
	OutboxFailed     OutboxStatus = "failed"
	OutboxDeadLetter OutboxStatus = "dead_letter"
)

// Terminal reports whether the status admits no further worker transitions.
func (s OutboxStatus) Terminal() bool {
	return s == OutboxCompleted || s == OutboxDeadLetter
}

// OutboxEvent is the atomic unit of durable intent. A row is written before
// any side effect and owned exclusively by the store; workers hold a lease
// (processing + fresh heartbeat) but never own the row.
type OutboxEvent struct {
	ID             string         `json:"id"`
	AppID          string         `json:"appId"`
	Type           string         `json:"type"`
	Digest         string         `json:"digest"`
	IdempotencyKey string         `json:"idempotencyKey"`
	Payload        map[string]any `json:"payload,omitempty"`
	Timestamp      int64          `json:"ts,omitempty"` // unix milliseconds; 0 when the ingress carried none
	Status         OutboxStatus   `json:"status"`
	RetryCount     int            `json:"retryCount"`
	LastError      string         `json:"lastError,omitempty"`
	HeartbeatAt    *time.Time     `json:"heartbeatAt,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// ReceiptStatus is the lifecycle of an anchor receipt.
type ReceiptStatus string

const (
	ReceiptSubmitted ReceiptStatus = "submitted"
	ReceiptConfirmed ReceiptStatus = "confirmed"
)

// AnchorReceipt is the exactly-once record of an applied event. A receipt
// existing for an idempotency key implies the effect was applied at least
// once and will not be re-applied.
type AnchorReceipt struct {
	IdempotencyKey string        `json:"idempotencyKey"`
	OutboxID       string        `json:"outboxId"`
	TxHash         string        `json:"txHash,omitempty"`
	BlockNumber    uint64        `json:"blockNumber,omitempty"`
	Status         ReceiptStatus `json:"status"`
	ConfirmedAt    *time.Time    `json:"confirmedAt,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
}

// WriteResult identifies the durable row produced (or deduplicated) by an
// outbox write.
type WriteResult struct {
	ID             string `json:"id"`
	Digest         string `json:"digest"`
	IdempotencyKey string `json:"idempotencyKey"`
	Deduplicated   bool   `json:"deduplicated"`
}
