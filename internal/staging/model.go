package staging

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Indicator is a tri-state flag pulled out of a task run message.
type Indicator int

const (
	IndicatorUnknown Indicator = iota
	IndicatorFalse
	IndicatorTrue
)

func (i Indicator) Known() bool {
	return i != IndicatorUnknown
}

func (i Indicator) True() bool {
	return i == IndicatorTrue
}

func (i Indicator) String() string {
	switch i {
	case IndicatorTrue:
		return "true"
	case IndicatorFalse:
		return "false"
	default:
		return "unknown"
	}
}

// TaskRun holds the fields extracted from a task run completion message.
type TaskRun struct {
	WorkflowID     string
	TaskRunID      string
	CompletionTime time.Time
	Forecast       Indicator
	Approved       Indicator
}

// Window is a UTC retrieval interval.
type Window struct {
	Start time.Time
	End   time.Time
}

// Offsets positions a Window around a completion time.
type Offsets struct {
	Before time.Duration
	After  time.Duration
}

// Around returns the window [t-Before, t+After] truncated to whole seconds.
func (o Offsets) Around(t time.Time) Window {
	t = t.UTC()
	return Window{
		Start: t.Add(-o.Before).Truncate(time.Second),
		End:   t.Add(o.After).Truncate(time.Second),
	}
}

// DisplayGroup maps a workflow to a plot and the locations shown on it.
type DisplayGroup struct {
	PlotID      string
	LocationIDs []string
}

// SplitLocationIDs parses a ";"-joined location list, dropping blanks.
func SplitLocationIDs(joined string) []string {
	parts := strings.Split(joined, ";")
	ids := make([]string, 0, len(parts))
	for _, part := range parts {
		if id := strings.TrimSpace(part); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// Filter maps a workflow to a filter id. ForecastOnly filters apply only to
// forecast task runs.
type Filter struct {
	FilterID     string
	ForecastOnly bool
}

// Header is the per-message parent row of staged series.
type Header struct {
	ID             uuid.UUID
	WorkflowID     string
	TaskRunID      string
	CompletionTime time.Time
	Window         Window
	Message        string
}

// Record is one staged series payload.
type Record struct {
	ID         uuid.UUID
	HeaderID   uuid.UUID
	Data       string
	Parameters string
}

// Outcome is the terminal state of routing one message.
type Outcome string

const (
	OutcomeIgnored            Outcome = "ignored"
	OutcomeRejected           Outcome = "rejected"
	OutcomeDuplicate          Outcome = "duplicate"
	OutcomeStale              Outcome = "stale"
	OutcomeRoutedDisplayGroup Outcome = "routed_display_group"
	OutcomeRoutedFilter       Outcome = "routed_filter"
	OutcomeStagingException   Outcome = "staging_exception"
)

// Result describes what routing did with a message.
type Result struct {
	Outcome   Outcome
	TaskRun   TaskRun
	HeaderID  uuid.UUID
	RecordIDs []uuid.UUID
}
