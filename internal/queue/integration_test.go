package queue

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"timeseries-staging/internal/db"
)

const testSchema db.Schema = "staging_queue_test"

func newTestService(t *testing.T) (*Service, *pgxpool.Pool) {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("failed to connect to DB: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := db.Reset(ctx, pool, testSchema); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	return NewService(pool, testSchema), pool
}

func TestQueueIntegration(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, "task-run-complete", json.RawMessage(`"Task run WF1 id=77"`), "")
	if err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	workerID := "test-worker-1"
	msg, err := s.Claim(ctx, workerID, "task-run-complete", 300)
	if err != nil {
		t.Fatalf("failed to claim: %v", err)
	}
	if msg.ID != id || msg.Attempts != 1 {
		t.Fatalf("unexpected message %+v", msg)
	}
	if msg.LeasedBy == nil || *msg.LeasedBy != workerID {
		t.Fatalf("expected leased_by %s, got %v", workerID, msg.LeasedBy)
	}
	var text string
	if err := json.Unmarshal(msg.Payload, &text); err != nil || text != "Task run WF1 id=77" {
		t.Fatalf("unexpected payload %s", msg.Payload)
	}

	if _, err := s.Claim(ctx, "test-worker-2", "task-run-complete", 300); !errors.Is(err, ErrNoMessages) {
		t.Fatalf("expected ErrNoMessages while leased, got %v", err)
	}
	if err := s.Heartbeat(ctx, msg.ID, workerID, 600); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	if err := s.Heartbeat(ctx, msg.ID, "wrong-worker", 600); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost, got %v", err)
	}
	if err := s.CompleteSuccess(ctx, msg.ID, workerID); err != nil {
		t.Fatalf("completion failed: %v", err)
	}
	if err := s.CompleteSuccess(ctx, msg.ID, "wrong-worker"); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected fencing error for wrong worker, got %v", err)
	}
}

func TestEnqueueDedupe(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	first, err := s.Enqueue(ctx, "reference-data-refresh", json.RawMessage(`{"feed":"ignored-workflow"}`), "refresh:ignored-workflow")
	if err != nil || first == 0 {
		t.Fatalf("first enqueue: %d %v", first, err)
	}
	second, err := s.Enqueue(ctx, "reference-data-refresh", json.RawMessage(`{"feed":"ignored-workflow"}`), "refresh:ignored-workflow")
	if err != nil || second != 0 {
		t.Fatalf("expected duplicate to be skipped, got %d %v", second, err)
	}

	msg, err := s.Claim(ctx, "w1", "reference-data-refresh", 60)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.CompleteSuccess(ctx, msg.ID, "w1"); err != nil {
		t.Fatal(err)
	}
	third, err := s.Enqueue(ctx, "reference-data-refresh", json.RawMessage(`{"feed":"ignored-workflow"}`), "refresh:ignored-workflow")
	if err != nil || third == 0 {
		t.Fatalf("expected enqueue after completion, got %d %v", third, err)
	}
}

func TestRetryAndDeadLetterLifecycle(t *testing.T) {
	s, _ := newTestService(t)
	s.SetMaxAttempts(2)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, "task-run-complete", json.RawMessage(`"m"`), "")
	if err != nil {
		t.Fatal(err)
	}

	msg, err := s.Claim(ctx, "w1", "task-run-complete", 60)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	failure := ErrorRecord{Kind: "transient", Reason: "lock_timeout", Message: "lock timeout", Attempt: 1, At: time.Now()}.JSON()
	if err := s.CompleteFailure(ctx, msg.ID, "w1", failure, true, time.Now().Add(-time.Second)); err != nil {
		t.Fatal(err)
	}

	msg, err = s.Claim(ctx, "w1", "task-run-complete", 60)
	if err != nil {
		t.Fatalf("reclaim after retry: %v", err)
	}
	if msg.Attempts != 2 {
		t.Fatalf("expected attempt 2, got %d", msg.Attempts)
	}
	if err := s.CompleteFailure(ctx, msg.ID, "w1", failure, false, time.Time{}); err != nil {
		t.Fatal(err)
	}

	dead, err := s.ListDeadLettered(ctx, 10, "task-run-complete")
	if err != nil {
		t.Fatal(err)
	}
	if len(dead) != 1 || dead[0].ID != id || dead[0].LastError == nil || *dead[0].LastError != "transient: lock timeout" {
		t.Fatalf("unexpected dead letters %+v", dead)
	}

	detail, err := s.InspectMessage(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	var history []ErrorRecord
	if err := json.Unmarshal(detail.ErrorsJSON, &history); err != nil || len(history) != 2 {
		t.Fatalf("expected two error records, got %s (%v)", detail.ErrorsJSON, err)
	}

	retried, err := s.RetryDeadLettered(ctx, id)
	if err != nil || retried != 1 {
		t.Fatalf("retry: %d %v", retried, err)
	}
	msg, err = s.Claim(ctx, "w2", "task-run-complete", 60)
	if err != nil || msg.Attempts != 1 {
		t.Fatalf("expected fresh attempt after retry, got %+v %v", msg, err)
	}
}

func TestReclaimExpiredLease(t *testing.T) {
	s, pool := newTestService(t)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, "task-run-complete", json.RawMessage(`"m"`), "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Claim(ctx, "crashed", "task-run-complete", 60); err != nil {
		t.Fatal(err)
	}
	if _, err := pool.Exec(ctx, "UPDATE "+s.table()+" SET leased_until = NOW() - INTERVAL '1 minute' WHERE id = $1", id); err != nil {
		t.Fatal(err)
	}

	reclaimed, err := s.Reclaim(ctx, 10)
	if err != nil || reclaimed != 1 {
		t.Fatalf("reclaim: %d %v", reclaimed, err)
	}
	msg, err := s.Claim(ctx, "w2", "task-run-complete", 60)
	if err != nil || msg.ID != id {
		t.Fatalf("expected reclaimed message to be claimable, got %+v %v", msg, err)
	}
}

func TestRefreshSchedules(t *testing.T) {
	s, pool := newTestService(t)
	ctx := context.Background()

	if err := s.UpsertRefreshSchedule(ctx, "ignored-workflow", "0 * * * *", true); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertRefreshSchedule(ctx, "bad", "nope", true); err == nil {
		t.Fatal("expected invalid cron to be rejected")
	}
	if _, err := pool.Exec(ctx, "UPDATE "+testSchema.Table("refresh_schedule")+" SET next_run_at = NOW() - INTERVAL '1 second'"); err != nil {
		t.Fatal(err)
	}

	n, err := s.EnqueueDueRefreshes(ctx, "reference-data-refresh")
	if err != nil || n != 1 {
		t.Fatalf("enqueue due: %d %v", n, err)
	}
	msg, err := s.Claim(ctx, "beat-test", "reference-data-refresh", 60)
	if err != nil {
		t.Fatal(err)
	}
	var req RefreshRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil || req.Feed != "ignored-workflow" {
		t.Fatalf("unexpected payload %s", msg.Payload)
	}

	schedules, err := s.ListRefreshSchedules(ctx)
	if err != nil || len(schedules) != 1 {
		t.Fatalf("list: %v %v", schedules, err)
	}
	if !schedules[0].NextRunAt.After(time.Now()) || schedules[0].LastRunAt == nil {
		t.Fatalf("expected schedule to advance, got %+v", schedules[0])
	}
}
