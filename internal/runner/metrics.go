package runner

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Stats accumulates per-process counters and latencies. The worker logs a
// summary on shutdown.
type Stats struct {
	mu sync.Mutex

	Claimed      int64
	Succeeded    int64
	Retried      int64
	DeadLettered int64

	// Latencies in milliseconds
	ClaimLatencies     []int64
	QueueWaitLatencies []int64
	HandleLatencies    []int64
}

func (m *Stats) RecordClaim(latency, queueWait time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Claimed++
	m.ClaimLatencies = append(m.ClaimLatencies, latency.Milliseconds())
	m.QueueWaitLatencies = append(m.QueueWaitLatencies, queueWait.Milliseconds())
}

func (m *Stats) RecordSuccess(handleTime time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Succeeded++
	m.HandleLatencies = append(m.HandleLatencies, handleTime.Milliseconds())
}

func (m *Stats) RecordRetry() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Retried++
}

func (m *Stats) RecordDeadLetter() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DeadLettered++
}

// Summary returns the counters and p50/p95/p99 latencies.
func (m *Stats) Summary() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]any{
		"claimed":       m.Claimed,
		"succeeded":     m.Succeeded,
		"retried":       m.Retried,
		"dead_lettered": m.DeadLettered,
		"latencies_ms": map[string]any{
			"claim":      summarize(m.ClaimLatencies),
			"queue_wait": summarize(m.QueueWaitLatencies),
			"handle":     summarize(m.HandleLatencies),
		},
	}
}

func (m *Stats) Report(logger *slog.Logger) {
	summary := m.Summary()
	logger.Info("Worker stats",
		"claimed", summary["claimed"],
		"succeeded", summary["succeeded"],
		"retried", summary["retried"],
		"dead_lettered", summary["dead_lettered"],
		"latencies_ms", summary["latencies_ms"],
	)
}

func summarize(latencies []int64) map[string]int64 {
	if len(latencies) == 0 {
		return nil
	}
	sorted := append([]int64(nil), latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	return map[string]int64{
		"p50": sorted[len(sorted)*50/100],
		"p95": sorted[len(sorted)*95/100],
		"p99": sorted[len(sorted)*99/100],
	}
}
