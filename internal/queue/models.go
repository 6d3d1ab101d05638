package queue

import (
	"encoding/json"
	"time"
)

type MessageStatus string

const (
	StatusReady   MessageStatus = "READY"
	StatusRunning MessageStatus = "RUNNING"
	StatusDone    MessageStatus = "DONE"
	StatusDead    MessageStatus = "DEAD"
)

// Message is one delivery on a staging queue.
type Message struct {
	ID          int64           `db:"id"`
	QueueName   string          `db:"queue_name"`
	Payload     json.RawMessage `db:"payload"`
	DedupeKey   *string         `db:"dedupe_key"`
	Status      MessageStatus   `db:"status"`
	Attempts    int             `db:"attempts"`
	MaxAttempts int             `db:"max_attempts"`
	RunAfter    *time.Time      `db:"run_after"`
	EnqueuedAt  time.Time       `db:"enqueued_at"`
	StartedAt   *time.Time      `db:"started_at"`
	LeasedUntil *time.Time      `db:"leased_until"`
	LeasedBy    *string         `db:"leased_by"`
}

// RefreshRequest is the payload of a reference-data-refresh message.
type RefreshRequest struct {
	Feed        string     `json:"feed"`
	ScheduledAt *time.Time `json:"scheduledAt,omitempty"`
}
