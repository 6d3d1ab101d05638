package runner

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"timeseries-staging/internal/config"
	"timeseries-staging/internal/events"
	"timeseries-staging/internal/queue"
	"timeseries-staging/internal/refdata"
	"timeseries-staging/internal/staging"
)

type failureCall struct {
	id      int64
	record  queue.ErrorRecord
	retry   bool
	nextRun time.Time
}

type fakeQueue struct {
	mu         sync.Mutex
	messages   map[string][]*queue.Message
	claims     []string
	successes  []int64
	failures   []failureCall
	successErr error
}

func (f *fakeQueue) Claim(ctx context.Context, workerID string, queueName string, leaseSeconds int) (*queue.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claims = append(f.claims, queueName)
	if len(f.messages[queueName]) == 0 {
		return nil, queue.ErrNoMessages
	}
	msg := f.messages[queueName][0]
	f.messages[queueName] = f.messages[queueName][1:]
	return msg, nil
}

func (f *fakeQueue) Heartbeat(ctx context.Context, id int64, workerID string, leaseSeconds int) error {
	return nil
}

func (f *fakeQueue) CompleteSuccess(ctx context.Context, id int64, workerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.successErr != nil {
		return f.successErr
	}
	f.successes = append(f.successes, id)
	return nil
}

func (f *fakeQueue) CompleteFailure(ctx context.Context, id int64, workerID string, errorObj json.RawMessage, retry bool, nextRunAfter time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var record queue.ErrorRecord
	if err := json.Unmarshal(errorObj, &record); err != nil {
		return err
	}
	f.failures = append(f.failures, failureCall{id: id, record: record, retry: retry, nextRun: nextRunAfter})
	return nil
}

func (f *fakeQueue) Reclaim(ctx context.Context, maxAttemptsDefault int) (int64, error) {
	return 0, nil
}

type capturePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *capturePublisher) Publish(event events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func testConfig(queues ...string) *config.Config {
	return &config.Config{
		WorkerID:     "worker-1",
		QueueNames:   queues,
		PollInterval: 10 * time.Millisecond,
		LeaseSeconds: 60,
		MaxAttempts:  3,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func message(id int64, queueName string, attempts int) *queue.Message {
	return &queue.Message{
		ID:          id,
		QueueName:   queueName,
		Payload:     json.RawMessage(`{}`),
		Attempts:    attempts,
		MaxAttempts: 3,
		EnqueuedAt:  time.Now(),
	}
}

func handlerReturning(err error) Handler {
	return HandlerFunc(func(ctx context.Context, msg *queue.Message) error { return err })
}

func TestPollRoundRobin(t *testing.T) {
	q := &fakeQueue{
		messages: map[string][]*queue.Message{
			"q1": {message(1, "q1", 1)},
			"q2": {message(2, "q2", 1)},
		},
	}
	handlers := map[string]Handler{"q1": handlerReturning(nil), "q2": handlerReturning(nil), "q3": handlerReturning(nil)}
	r := New(testConfig("q1", "q2", "q3"), q, handlers, nil, quietLogger())

	ctx := context.Background()
	msg, err := r.poll(ctx)
	if err != nil {
		t.Fatalf("expected message, got error %v", err)
	}
	if msg.QueueName != "q1" {
		t.Fatalf("expected q1, got %q", msg.QueueName)
	}

	msg, err = r.poll(ctx)
	if err != nil {
		t.Fatalf("expected message, got error %v", err)
	}
	if msg.QueueName != "q2" {
		t.Fatalf("expected q2, got %q", msg.QueueName)
	}

	_, err = r.poll(ctx)
	if !errors.Is(err, queue.ErrNoMessages) {
		t.Fatalf("expected ErrNoMessages, got %v", err)
	}

	if len(q.claims) < 3 || q.claims[2] != "q3" {
		t.Fatalf("expected q3 to be tried first after rotation, got %v", q.claims)
	}
}

func TestPollSkipsQueuesWithoutHandler(t *testing.T) {
	q := &fakeQueue{messages: map[string][]*queue.Message{"orphan": {message(1, "orphan", 1)}}}
	r := New(testConfig("orphan", "q1"), q, map[string]Handler{"q1": handlerReturning(nil)}, nil, quietLogger())

	if _, err := r.poll(context.Background()); !errors.Is(err, queue.ErrNoMessages) {
		t.Fatalf("expected ErrNoMessages, got %v", err)
	}
	for _, name := range q.claims {
		if name == "orphan" {
			t.Fatalf("claimed from a queue without handler: %v", q.claims)
		}
	}
}

func TestRunMessageSuccess(t *testing.T) {
	q := &fakeQueue{}
	var seen int64
	handlers := map[string]Handler{"q1": HandlerFunc(func(ctx context.Context, msg *queue.Message) error {
		seen = msg.ID
		return nil
	})}
	r := New(testConfig("q1"), q, handlers, nil, quietLogger())

	r.runMessage(context.Background(), message(7, "q1", 1))

	if seen != 7 {
		t.Fatalf("handler saw message %d", seen)
	}
	if len(q.successes) != 1 || q.successes[0] != 7 {
		t.Fatalf("expected success for 7, got %v", q.successes)
	}
	if r.Stats().Succeeded != 1 {
		t.Fatalf("expected one success in stats, got %d", r.Stats().Succeeded)
	}
}

func TestRunMessageFailureClassification(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		attempts   int
		retry      bool
		kind       string
		deadLetter bool
	}{
		{name: "transient retried", err: errors.New("connection reset"), attempts: 1, retry: true, kind: "transient"},
		{name: "transient exhausted", err: errors.New("connection reset"), attempts: 3, retry: false, kind: "transient", deadLetter: true},
		{name: "null overwrite", err: staging.ErrNullOverwrite, attempts: 1, retry: false, kind: "permanent", deadLetter: true},
		{name: "marked permanent", err: Permanent(errors.New("bad payload")), attempts: 1, retry: false, kind: "permanent", deadLetter: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q := &fakeQueue{}
			pub := &capturePublisher{}
			r := New(testConfig("q1"), q, map[string]Handler{"q1": handlerReturning(tc.err)}, pub, quietLogger())
			now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
			r.now = func() time.Time { return now }

			r.runMessage(context.Background(), message(9, "q1", tc.attempts))

			if len(q.successes) != 0 {
				t.Fatalf("unexpected success")
			}
			if len(q.failures) != 1 {
				t.Fatalf("expected one failure, got %d", len(q.failures))
			}
			call := q.failures[0]
			if call.retry != tc.retry {
				t.Fatalf("expected retry=%v, got %v", tc.retry, call.retry)
			}
			if call.record.Kind != tc.kind {
				t.Fatalf("expected kind %q, got %q", tc.kind, call.record.Kind)
			}
			if call.record.Attempt != tc.attempts {
				t.Fatalf("expected attempt %d, got %d", tc.attempts, call.record.Attempt)
			}
			if want := now.Add(backoff(tc.attempts)); !call.nextRun.Equal(want) {
				t.Fatalf("expected next run %v, got %v", want, call.nextRun)
			}
			dead := len(pub.events) == 1 && pub.events[0].Type == "message_dead_lettered"
			if dead != tc.deadLetter {
				t.Fatalf("dead-letter event mismatch: %+v", pub.events)
			}
		})
	}
}

func TestRunMessageLeaseLostOnCompletion(t *testing.T) {
	q := &fakeQueue{successErr: queue.ErrLeaseLost}
	r := New(testConfig("q1"), q, map[string]Handler{"q1": handlerReturning(nil)}, nil, quietLogger())

	r.runMessage(context.Background(), message(3, "q1", 1))

	if r.Stats().Succeeded != 0 {
		t.Fatalf("lost lease must not count as success")
	}
	if len(q.failures) != 0 {
		t.Fatalf("lost lease must not record a failure")
	}
}

func TestStartWithoutHandlers(t *testing.T) {
	r := New(testConfig("q1"), &fakeQueue{}, map[string]Handler{}, nil, quietLogger())
	if err := r.Start(context.Background()); err == nil {
		t.Fatal("expected error when no queue has a handler")
	}
}

func TestStartReturnsOnCancel(t *testing.T) {
	r := New(testConfig("q1"), &fakeQueue{}, map[string]Handler{"q1": handlerReturning(nil)}, nil, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
}

func TestStartDrainsQueue(t *testing.T) {
	q := &fakeQueue{messages: map[string][]*queue.Message{
		"q1": {message(1, "q1", 1), message(2, "q1", 1)},
	}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	handled := 0
	handler := HandlerFunc(func(ctx context.Context, msg *queue.Message) error {
		mu.Lock()
		defer mu.Unlock()
		handled++
		if handled == 2 {
			cancel()
		}
		return nil
	})
	r := New(testConfig("q1"), q, map[string]Handler{"q1": handler}, nil, quietLogger())

	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
	if len(q.successes) != 2 {
		t.Fatalf("expected two completed messages, got %v", q.successes)
	}
}

func TestBackoff(t *testing.T) {
	cases := map[int]time.Duration{
		0:  time.Second,
		1:  2 * time.Second,
		3:  8 * time.Second,
		20: maxBackoff,
		-1: time.Second,
	}
	for attempts, want := range cases {
		if got := backoff(attempts); got != want {
			t.Fatalf("backoff(%d) = %v, want %v", attempts, got, want)
		}
	}
}

type fakeRefresher struct {
	feeds []string
	err   error
}

func (f *fakeRefresher) Refresh(ctx context.Context, feedName string) (refdata.Report, error) {
	f.feeds = append(f.feeds, feedName)
	return refdata.Report{Feed: feedName}, f.err
}

func TestRefreshHandler(t *testing.T) {
	refresher := &fakeRefresher{}
	handler := RefreshHandler(refresher)

	msg := message(1, config.QueueRefresh, 1)
	msg.Payload = json.RawMessage(`{"feed":"ignored-workflow"}`)
	if err := handler.Handle(context.Background(), msg); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(refresher.feeds) != 1 || refresher.feeds[0] != "ignored-workflow" {
		t.Fatalf("unexpected refresh calls %v", refresher.feeds)
	}

	msg.Payload = json.RawMessage(`{"feed":`)
	if err := handler.Handle(context.Background(), msg); !isPermanent(err) {
		t.Fatalf("expected permanent decode error, got %v", err)
	}

	msg.Payload = json.RawMessage(`{}`)
	if err := handler.Handle(context.Background(), msg); !isPermanent(err) {
		t.Fatalf("expected permanent error for missing feed, got %v", err)
	}

	refresher.err = refdata.ErrUnknownFeed
	msg.Payload = json.RawMessage(`{"feed":"nope"}`)
	if err := handler.Handle(context.Background(), msg); !isPermanent(err) {
		t.Fatalf("expected unknown feed to be permanent, got %v", err)
	}

	refresher.err = errors.New("timeout")
	if err := handler.Handle(context.Background(), msg); err == nil || isPermanent(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

type fakeRouter struct {
	result staging.Result
	err    error
}

func (f *fakeRouter) Route(ctx context.Context, raw json.RawMessage) (staging.Result, error) {
	return f.result, f.err
}

func TestRouteHandlerPublishesOutcome(t *testing.T) {
	router := &fakeRouter{result: staging.Result{
		Outcome: staging.OutcomeRoutedFilter,
		TaskRun: staging.TaskRun{WorkflowID: "WF1", TaskRunID: "77"},
	}}
	pub := &capturePublisher{}
	handler := RouteHandler(router, pub, quietLogger())

	if err := handler.Handle(context.Background(), message(5, config.QueueTaskRunComplete, 1)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(pub.events) != 1 {
		t.Fatalf("expected one event, got %d", len(pub.events))
	}
	got := pub.events[0]
	if got.Type != "message_routed" || got.WorkflowID != "WF1" || got.Message != string(staging.OutcomeRoutedFilter) {
		t.Fatalf("unexpected event %+v", got)
	}

	router.err = errors.New("lock timeout")
	if err := handler.Handle(context.Background(), message(6, config.QueueTaskRunComplete, 1)); err == nil {
		t.Fatal("expected router error to propagate")
	}
	if len(pub.events) != 1 {
		t.Fatalf("failed route must not publish, got %d events", len(pub.events))
	}
}

func TestStatsSummary(t *testing.T) {
	var s Stats
	s.RecordClaim(5*time.Millisecond, time.Second)
	s.RecordSuccess(20 * time.Millisecond)
	s.RecordRetry()
	s.RecordDeadLetter()

	summary := s.Summary()
	if summary["claimed"] != int64(1) || summary["succeeded"] != int64(1) || summary["dead_lettered"] != int64(1) {
		t.Fatalf("unexpected summary %v", summary)
	}
	latencies := summary["latencies_ms"].(map[string]any)
	handle := latencies["handle"].(map[string]int64)
	if handle["p50"] != 20 {
		t.Fatalf("expected p50 handle of 20ms, got %v", handle)
	}
}

func TestObserveTransaction(t *testing.T) {
	before := testutil.ToFloat64(transactionsFinished.WithLabelValues("rollback", "permanent", "permanent"))
	ObserveTransaction("rollback", staging.NewStagingError("{}", "Unable to extract workflow id"))
	after := testutil.ToFloat64(transactionsFinished.WithLabelValues("rollback", "permanent", "permanent"))
	if after != before+1 {
		t.Fatalf("expected permanent rollback to be counted, got %v -> %v", before, after)
	}
}
