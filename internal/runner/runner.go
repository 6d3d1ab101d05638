package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"timeseries-staging/internal/config"
	"timeseries-staging/internal/events"
	"timeseries-staging/internal/queue"
	"timeseries-staging/internal/staging"
)

const (
	maxBackoff        = 15 * time.Minute
	completionTimeout = 10 * time.Second
)

// Queue is the subset of queue.Service the runner drives.
type Queue interface {
	Claim(ctx context.Context, workerID string, queueName string, leaseSeconds int) (*queue.Message, error)
	Heartbeat(ctx context.Context, id int64, workerID string, leaseSeconds int) error
	CompleteSuccess(ctx context.Context, id int64, workerID string) error
	CompleteFailure(ctx context.Context, id int64, workerID string, errorObj json.RawMessage, retry bool, nextRunAfter time.Time) error
	Reclaim(ctx context.Context, maxAttemptsDefault int) (int64, error)
}

// Handler processes one claimed message. A nil error acknowledges it.
type Handler interface {
	Handle(ctx context.Context, msg *queue.Message) error
}

type HandlerFunc func(ctx context.Context, msg *queue.Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg *queue.Message) error {
	return f(ctx, msg)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth redelivering.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func isPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type Runner struct {
	cfg       *config.Config
	queue     Queue
	handlers  map[string]Handler
	publisher events.Publisher
	logger    *slog.Logger
	wg        sync.WaitGroup
	stats     Stats
	next      int
	now       func() time.Time
}

func New(cfg *config.Config, q Queue, handlers map[string]Handler, publisher events.Publisher, logger *slog.Logger) *Runner {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &Runner{
		cfg:       cfg,
		queue:     q,
		handlers:  handlers,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

func (r *Runner) Stats() *Stats {
	return &r.stats
}

func (r *Runner) Start(ctx context.Context) error {
	queues := r.queueNames()
	if len(queues) == 0 {
		return errors.New("no handler registered for any configured queue")
	}
	r.logger.Info("Starting worker runner", "worker_id", r.cfg.WorkerID, "queues", queues)
	defer r.stats.Report(r.logger)

	if r.cfg.ReclaimIntervalSeconds > 0 {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.runReaper(ctx)
		}()
	}

	// Add jitter to poll interval to avoid thundering herd
	pollJitter := time.Duration(rand.Intn(200)) * time.Millisecond
	ticker := time.NewTicker(r.cfg.PollInterval + pollJitter)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Worker received shutdown signal, waiting for messages to finish...")
			r.wg.Wait()
			r.logger.Info("All messages finished")
			return nil
		case <-ticker.C:
			for ctx.Err() == nil {
				processed, err := r.processNext(ctx)
				if err != nil {
					r.logger.Error("Error claiming message", "error", err)
					break
				}
				if !processed {
					break
				}
			}
		}
	}
}

func (r *Runner) queueNames() []string {
	names := make([]string, 0, len(r.cfg.QueueNames))
	for _, name := range r.cfg.QueueNames {
		if _, ok := r.handlers[name]; ok {
			names = append(names, name)
		} else {
			r.logger.Warn("No handler for queue, skipping", "queue", name)
		}
	}
	return names
}

func (r *Runner) runReaper(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(r.cfg.ReclaimIntervalSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := r.queue.Reclaim(ctx, r.cfg.MaxAttempts)
			if err != nil {
				r.logger.Error("Failed to reclaim expired leases", "error", err)
			} else if count > 0 {
				leasesReclaimed.Add(float64(count))
				r.logger.Info("Reclaimed expired leases", "count", count)
			}
		}
	}
}

// poll tries each queue once, starting after the queue served last.
func (r *Runner) poll(ctx context.Context) (*queue.Message, error) {
	names := r.cfg.QueueNames
	for i := 0; i < len(names); i++ {
		name := names[(r.next+i)%len(names)]
		if _, ok := r.handlers[name]; !ok {
			continue
		}
		start := time.Now()
		msg, err := r.queue.Claim(ctx, r.cfg.WorkerID, name, r.cfg.LeaseSeconds)
		if errors.Is(err, queue.ErrNoMessages) {
			continue
		}
		if err != nil {
			return nil, err
		}
		r.next = (r.next + i + 1) % len(names)
		claimDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		messagesClaimed.WithLabelValues(name).Inc()
		wait := r.now().Sub(msg.EnqueuedAt)
		queueWaitTime.WithLabelValues(name).Observe(wait.Seconds())
		r.stats.RecordClaim(time.Since(start), wait)
		return msg, nil
	}
	return nil, queue.ErrNoMessages
}

func (r *Runner) processNext(ctx context.Context) (bool, error) {
	msg, err := r.poll(ctx)
	if err != nil {
		if errors.Is(err, queue.ErrNoMessages) {
			return false, nil
		}
		return false, err
	}
	r.wg.Add(1)
	defer r.wg.Done()
	r.runMessage(ctx, msg)
	return true, nil
}

func (r *Runner) runMessage(ctx context.Context, msg *queue.Message) {
	logger := r.logger.With("message_id", msg.ID, "queue", msg.QueueName, "attempt", msg.Attempts)
	logger.Info("Processing message")

	handler, ok := r.handlers[msg.QueueName]
	if !ok {
		r.fail(ctx, logger, msg, Permanent(fmt.Errorf("no handler for queue %q", msg.QueueName)))
		return
	}

	handleCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		r.runHeartbeat(handleCtx, cancel, msg.ID, logger)
	}()

	start := r.now()
	err := handler.Handle(handleCtx, msg)
	elapsed := r.now().Sub(start)
	cancel()
	<-hbDone
	handleDuration.WithLabelValues(msg.QueueName).Observe(elapsed.Seconds())

	if err != nil {
		r.fail(ctx, logger, msg, err)
		return
	}

	completionCtx, completionCancel := context.WithTimeout(context.WithoutCancel(ctx), completionTimeout)
	defer completionCancel()
	if err := r.queue.CompleteSuccess(completionCtx, msg.ID, r.cfg.WorkerID); err != nil {
		if errors.Is(err, queue.ErrLeaseLost) {
			logger.Warn("Lease lost before completion; message will be redelivered")
			return
		}
		logger.Error("Failed to mark success", "error", err)
		return
	}
	messagesCompleted.WithLabelValues(msg.QueueName, "done").Inc()
	r.stats.RecordSuccess(elapsed)
	logger.Info("Message completed", "duration", elapsed)
}

func (r *Runner) fail(ctx context.Context, logger *slog.Logger, msg *queue.Message, err error) {
	kind := staging.KindOf(err)
	reason := staging.Reason(err)
	if isPermanent(err) {
		kind = staging.KindPermanent
		reason = "permanent"
	}
	retry := kind == staging.KindTransient && msg.Attempts < msg.MaxAttempts
	messageFailures.WithLabelValues(msg.QueueName, kind.String(), reason).Inc()

	record := queue.ErrorRecord{
		Kind:    kind.String(),
		Reason:  reason,
		Message: err.Error(),
		Attempt: msg.Attempts,
		At:      r.now().UTC(),
	}
	nextRun := r.now().Add(backoff(msg.Attempts))

	completionCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), completionTimeout)
	defer cancel()
	if cerr := r.queue.CompleteFailure(completionCtx, msg.ID, r.cfg.WorkerID, record.JSON(), retry, nextRun); cerr != nil {
		if errors.Is(cerr, queue.ErrLeaseLost) {
			logger.Warn("Lease lost before failure could be recorded", "error", err)
			return
		}
		logger.Error("Failed to record message failure", "error", cerr, "cause", err)
		return
	}

	if retry {
		logger.Warn("Message failed, will retry", "error", err, "reason", reason, "next_run", nextRun)
		messagesCompleted.WithLabelValues(msg.QueueName, "retry").Inc()
		r.stats.RecordRetry()
		return
	}
	logger.Error("Message dead-lettered", "error", err, "kind", kind.String(), "reason", reason)
	messagesCompleted.WithLabelValues(msg.QueueName, "dead").Inc()
	r.stats.RecordDeadLetter()
	r.publisher.Publish(events.Event{
		Level:     "error",
		Type:      "message_dead_lettered",
		Message:   err.Error(),
		Queue:     msg.QueueName,
		MessageID: msg.ID,
		WorkerID:  r.cfg.WorkerID,
		Metadata:  map[string]string{"kind": kind.String(), "reason": reason},
	})
}

// runHeartbeat renews the lease until ctx ends. A lost lease cancels the
// handler so it stops writing under another worker's message.
func (r *Runner) runHeartbeat(ctx context.Context, cancel context.CancelFunc, id int64, logger *slog.Logger) {
	if r.cfg.HeartbeatSeconds <= 0 {
		return
	}
	ticker := time.NewTicker(time.Duration(r.cfg.HeartbeatSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := r.queue.Heartbeat(ctx, id, r.cfg.WorkerID, r.cfg.LeaseSeconds)
			if errors.Is(err, queue.ErrLeaseLost) {
				logger.Warn("Lease lost, cancelling handler")
				cancel()
				return
			}
			if err != nil && ctx.Err() == nil {
				logger.Error("Heartbeat failed", "error", err)
			}
		}
	}
}

// backoff is 2^attempts seconds, capped.
func backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	delay := time.Duration(math.Pow(2, float64(attempts))) * time.Second
	if delay <= 0 || delay > maxBackoff {
		return maxBackoff
	}
	return delay
}
