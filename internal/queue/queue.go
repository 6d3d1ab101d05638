// Package queue implements the Postgres-backed message queues that feed the
// staging pipeline: task run completions, reference data refreshes and
// reporting notifications.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"timeseries-staging/internal/db"
)

const defaultMaxAttempts = 10

var (
	ErrNoMessages = errors.New("no messages available")
	ErrLeaseLost  = errors.New("lease lost or message not running")
)

// rowQuerier is satisfied by both the pool and a transaction.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Service struct {
	pool        *pgxpool.Pool
	schema      db.Schema
	maxAttempts int
}

func NewService(pool *pgxpool.Pool, schema db.Schema) *Service {
	return &Service{pool: pool, schema: schema, maxAttempts: defaultMaxAttempts}
}

// SetMaxAttempts sets the delivery limit stamped on newly enqueued messages.
func (s *Service) SetMaxAttempts(n int) {
	if n > 0 {
		s.maxAttempts = n
	}
}

func (s *Service) table() string {
	return s.schema.Table("staging_message")
}

// Enqueue adds a message. When dedupeKey matches a message that is still
// READY or RUNNING nothing is inserted and 0 is returned.
func (s *Service) Enqueue(ctx context.Context, queueName string, payload json.RawMessage, dedupeKey string) (int64, error) {
	return s.enqueue(ctx, s.pool, queueName, payload, dedupeKey)
}

// EnqueueTx is Enqueue inside the caller's transaction.
func (s *Service) EnqueueTx(ctx context.Context, tx pgx.Tx, queueName string, payload json.RawMessage, dedupeKey string) (int64, error) {
	return s.enqueue(ctx, tx, queueName, payload, dedupeKey)
}

func (s *Service) enqueue(ctx context.Context, q rowQuerier, queueName string, payload json.RawMessage, dedupeKey string) (int64, error) {
	if queueName == "" {
		return 0, errors.New("queue name is required")
	}
	if !json.Valid(payload) {
		return 0, errors.New("payload must be valid json")
	}
	var key *string
	if dedupeKey != "" {
		key = &dedupeKey
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (queue_name, payload, dedupe_key, max_attempts, run_after)
		VALUES ($1, $2::jsonb, $3, $4, NOW())
		ON CONFLICT (dedupe_key) WHERE dedupe_key IS NOT NULL AND status IN ('READY', 'RUNNING') DO NOTHING
		RETURNING id
	`, s.table())
	var id int64
	err := q.QueryRow(ctx, query, queueName, string(payload), key, s.maxAttempts).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("enqueue %s: %w", queueName, err)
	}
	return id, nil
}

// Claim leases the oldest READY message on queueName to workerID.
func (s *Service) Claim(ctx context.Context, workerID string, queueName string, leaseSeconds int) (*Message, error) {
	leasedUntil := time.Now().Add(time.Duration(leaseSeconds) * time.Second)
	query := fmt.Sprintf(`
		WITH candidate AS (
			SELECT id
			FROM %[1]s
			WHERE status = 'READY'
			  AND queue_name = $1
			  AND (run_after IS NULL OR run_after <= NOW())
			ORDER BY enqueued_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE %[1]s m
		SET status = 'RUNNING',
		    started_at = COALESCE(m.started_at, NOW()),
		    attempts = m.attempts + 1,
		    leased_until = $2,
		    leased_by = $3::text,
		    updated_at = NOW()
		FROM candidate
		WHERE m.id = candidate.id
		RETURNING
			m.id, m.queue_name, m.payload, m.dedupe_key, m.status, m.attempts, m.max_attempts,
			m.run_after, m.enqueued_at, m.started_at, m.leased_until, m.leased_by
	`, s.table())

	var m Message
	err := s.pool.QueryRow(ctx, query, queueName, leasedUntil, workerID).Scan(
		&m.ID, &m.QueueName, &m.Payload, &m.DedupeKey, &m.Status, &m.Attempts, &m.MaxAttempts,
		&m.RunAfter, &m.EnqueuedAt, &m.StartedAt, &m.LeasedUntil, &m.LeasedBy,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoMessages
		}
		return nil, err
	}
	return &m, nil
}

// Heartbeat extends the lease held by workerID.
func (s *Service) Heartbeat(ctx context.Context, id int64, workerID string, leaseSeconds int) error {
	newLease := time.Now().Add(time.Duration(leaseSeconds) * time.Second)
	query := fmt.Sprintf(`
		UPDATE %s
		SET leased_until = $1, updated_at = NOW()
		WHERE id = $2 AND leased_by = $3 AND status = 'RUNNING'
	`, s.table())
	tag, err := s.pool.Exec(ctx, query, newLease, id, workerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// CompleteSuccess acknowledges a message. Only the lease holder may do so.
func (s *Service) CompleteSuccess(ctx context.Context, id int64, workerID string) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'DONE',
		    finished_at = NOW(),
		    last_error = NULL,
		    leased_until = NULL,
		    leased_by = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND leased_by = $2 AND status = 'RUNNING'
	`, s.table())
	tag, err := s.pool.Exec(ctx, query, id, workerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete message %d: %w", id, ErrLeaseLost)
	}
	return nil
}

// CompleteFailure records a failed attempt. With retry the message returns
// to READY at nextRunAfter; otherwise it is dead-lettered.
func (s *Service) CompleteFailure(ctx context.Context, id int64, workerID string, errorObj json.RawMessage, retry bool, nextRunAfter time.Time) error {
	status := StatusDead
	if retry {
		status = StatusReady
	}
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $1,
		    errors_json = errors_json || jsonb_build_array($2::jsonb),
		    run_after = CASE WHEN $1 = 'DEAD' THEN NULL ELSE $3 END,
		    last_error = $6,
		    finished_at = CASE WHEN $1 = 'DEAD' THEN NOW() ELSE NULL END,
		    dead_lettered_at = CASE WHEN $1 = 'DEAD' THEN NOW() ELSE NULL END,
		    leased_until = NULL,
		    leased_by = NULL,
		    updated_at = NOW()
		WHERE id = $4 AND leased_by = $5 AND status = 'RUNNING'
	`, s.table())
	tag, err := s.pool.Exec(ctx, query, string(status), string(errorObj), nextRunAfter, id, workerID, summarizeError(errorObj))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("fail message %d: %w", id, ErrLeaseLost)
	}
	return nil
}

// Reclaim returns messages whose lease expired to READY, or dead-letters
// them once their attempts are exhausted.
func (s *Service) Reclaim(ctx context.Context, maxAttemptsDefault int) (int64, error) {
	lastError := "lease_expiry: Worker heartbeat lost or process crashed"
	query := fmt.Sprintf(`
		WITH expired AS (
			SELECT id FROM %[1]s
			WHERE status = 'RUNNING' AND leased_until < NOW()
			FOR UPDATE SKIP LOCKED
		)
		UPDATE %[1]s m
		SET status = CASE WHEN m.attempts < COALESCE(m.max_attempts, $1) THEN 'READY' ELSE 'DEAD' END,
		    finished_at = CASE WHEN m.attempts < COALESCE(m.max_attempts, $1) THEN NULL ELSE NOW() END,
		    dead_lettered_at = CASE WHEN m.attempts < COALESCE(m.max_attempts, $1) THEN NULL ELSE NOW() END,
		    errors_json = m.errors_json || jsonb_build_array(jsonb_build_object(
				'kind', 'lease_expiry',
				'message', 'Worker heartbeat lost or process crashed',
				'attempt', m.attempts,
				'at', NOW()
			)),
		    last_error = $2,
		    leased_until = NULL,
		    leased_by = NULL,
		    updated_at = NOW()
		FROM expired
		WHERE m.id = expired.id
	`, s.table())
	tag, err := s.pool.Exec(ctx, query, maxAttemptsDefault, lastError)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// PurgeFinished deletes acknowledged messages finished before cutoff.
func (s *Service) PurgeFinished(ctx context.Context, cutoff time.Time) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE status = 'DONE' AND finished_at < $1`, s.table())
	tag, err := s.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
