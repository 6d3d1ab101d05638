package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type DeadLetterSummary struct {
	ID             int64
	QueueName      string
	Status         MessageStatus
	Attempts       int
	MaxAttempts    int
	LastError      *string
	DeadLetteredAt *time.Time
	EnqueuedAt     time.Time
}

type MessageDetail struct {
	DeadLetterSummary
	DedupeKey  *string
	Payload    json.RawMessage
	ErrorsJSON json.RawMessage
	FinishedAt *time.Time
}

// ListDeadLettered returns recent dead-lettered messages for triage.
func (s *Service) ListDeadLettered(ctx context.Context, limit int, queueName string) ([]DeadLetterSummary, error) {
	if limit <= 0 {
		limit = 50
	}

	baseQuery := fmt.Sprintf(`
		SELECT id, queue_name, status, attempts, max_attempts, last_error, dead_lettered_at, enqueued_at
		FROM %s
		WHERE status = 'DEAD'
	`, s.table())

	args := []any{limit}
	if queueName != "" {
		baseQuery += " AND queue_name = $2"
		args = append(args, queueName)
	}
	query := baseQuery + " ORDER BY dead_lettered_at DESC NULLS LAST, id DESC LIMIT $1"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []DeadLetterSummary
	for rows.Next() {
		var item DeadLetterSummary
		var lastError sql.NullString
		var deadAt sql.NullTime
		if err := rows.Scan(
			&item.ID,
			&item.QueueName,
			&item.Status,
			&item.Attempts,
			&item.MaxAttempts,
			&lastError,
			&deadAt,
			&item.EnqueuedAt,
		); err != nil {
			return nil, err
		}
		item.LastError = nullStringPtr(lastError)
		item.DeadLetteredAt = nullTimePtr(deadAt)
		items = append(items, item)
	}
	return items, rows.Err()
}

// InspectMessage returns the full record of one message in any status.
func (s *Service) InspectMessage(ctx context.Context, id int64) (*MessageDetail, error) {
	query := fmt.Sprintf(`
		SELECT id, queue_name, status, attempts, max_attempts, last_error, dead_lettered_at, enqueued_at,
		       dedupe_key, payload, errors_json, finished_at
		FROM %s
		WHERE id = $1
	`, s.table())

	var detail MessageDetail
	var lastError, dedupeKey sql.NullString
	var deadAt, finishedAt sql.NullTime
	if err := s.pool.QueryRow(ctx, query, id).Scan(
		&detail.ID,
		&detail.QueueName,
		&detail.Status,
		&detail.Attempts,
		&detail.MaxAttempts,
		&lastError,
		&deadAt,
		&detail.EnqueuedAt,
		&dedupeKey,
		&detail.Payload,
		&detail.ErrorsJSON,
		&finishedAt,
	); err != nil {
		return nil, err
	}
	detail.LastError = nullStringPtr(lastError)
	detail.DeadLetteredAt = nullTimePtr(deadAt)
	detail.DedupeKey = nullStringPtr(dedupeKey)
	detail.FinishedAt = nullTimePtr(finishedAt)
	return &detail, nil
}

const resetDeadLettered = `
	SET status = 'READY',
		run_after = NOW(),
		attempts = 0,
		started_at = NULL,
		finished_at = NULL,
		dead_lettered_at = NULL,
		last_error = NULL,
		leased_until = NULL,
		leased_by = NULL,
		updated_at = NOW()
`

// RetryDeadLettered returns a dead-lettered message to READY.
func (s *Service) RetryDeadLettered(ctx context.Context, id int64) (int64, error) {
	query := "UPDATE " + s.table() + resetDeadLettered + " WHERE id = $1 AND status = 'DEAD'"
	result, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

// RetryAllDeadLettered returns every dead-lettered message on queueName, or
// on every queue when queueName is empty, to READY.
func (s *Service) RetryAllDeadLettered(ctx context.Context, queueName string) (int64, error) {
	query := "UPDATE " + s.table() + resetDeadLettered + " WHERE status = 'DEAD' AND ($1::text = '' OR queue_name = $1)"
	result, err := s.pool.Exec(ctx, query, queueName)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	return &value.Time
}
