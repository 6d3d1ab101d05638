package staging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// Series is one response from the external series service together with the
// parameters used to request it.
type Series struct {
	Parameters string
	Data       []byte
}

// SeriesSource retrieves series data for a plot or a filter.
type SeriesSource interface {
	DisplayGroupSeries(ctx context.Context, plotID string, locationIDs []string, window Window) (Series, error)
	FilterSeries(ctx context.Context, filterID string, window Window) (Series, error)
}

// Plan lists the retrievals that apply to one task run.
type Plan struct {
	DisplayGroups []DisplayGroup
	Filters       []Filter
}

func (p Plan) Empty() bool {
	return len(p.DisplayGroups) == 0 && len(p.Filters) == 0
}

// Loader fetches series for a routed task run and stages them under a
// single header.
type Loader struct {
	source       SeriesSource
	displayGroup Offsets
	filter       Offsets
	newID        func() uuid.UUID
	logger       *slog.Logger
}

func NewLoader(source SeriesSource, displayGroup, filter Offsets, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		source:       source,
		displayGroup: displayGroup,
		filter:       filter,
		newID:        uuid.New,
		logger:       logger,
	}
}

// HeaderWindow returns the window stored on the header. Display groups take
// precedence when a plan uses both strategies.
func (l *Loader) HeaderWindow(run TaskRun, plan Plan) Window {
	if len(plan.DisplayGroups) > 0 {
		return l.displayGroup.Around(run.CompletionTime)
	}
	return l.filter.Around(run.CompletionTime)
}

// Load retrieves every series in plan and inserts one record per series.
// The header is inserted before the first record. Retrieval errors are
// returned unchanged so the enclosing transaction rolls back.
func (l *Loader) Load(ctx context.Context, store RouteStore, run TaskRun, message string, plan Plan) (uuid.UUID, []uuid.UUID, error) {
	header := Header{
		ID:             l.newID(),
		WorkflowID:     run.WorkflowID,
		TaskRunID:      run.TaskRunID,
		CompletionTime: run.CompletionTime.UTC(),
		Window:         l.HeaderWindow(run, plan),
		Message:        message,
	}
	headerStored := false
	var recordIDs []uuid.UUID

	stage := func(series Series) error {
		if !headerStored {
			if err := store.InsertHeader(ctx, header); err != nil {
				return err
			}
			headerStored = true
		}
		record := Record{
			ID:         l.newID(),
			HeaderID:   header.ID,
			Data:       string(series.Data),
			Parameters: series.Parameters,
		}
		if err := store.InsertRecord(ctx, record); err != nil {
			return err
		}
		recordIDs = append(recordIDs, record.ID)
		return nil
	}

	plotWindow := l.displayGroup.Around(run.CompletionTime)
	for _, group := range plan.DisplayGroups {
		series, err := l.source.DisplayGroupSeries(ctx, group.PlotID, group.LocationIDs, plotWindow)
		if err != nil {
			return uuid.Nil, nil, fmt.Errorf("retrieve plot %s for %s: %w", group.PlotID, run.WorkflowID, err)
		}
		if err := stage(series); err != nil {
			return uuid.Nil, nil, err
		}
		l.logger.Info("Staged display group series", "workflow_id", run.WorkflowID, "task_run_id", run.TaskRunID, "plot_id", group.PlotID)
	}

	filterWindow := l.filter.Around(run.CompletionTime)
	for _, filter := range plan.Filters {
		series, err := l.source.FilterSeries(ctx, filter.FilterID, filterWindow)
		if err != nil {
			return uuid.Nil, nil, fmt.Errorf("retrieve filter %s for %s: %w", filter.FilterID, run.WorkflowID, err)
		}
		if err := stage(series); err != nil {
			return uuid.Nil, nil, err
		}
		l.logger.Info("Staged filter series", "workflow_id", run.WorkflowID, "task_run_id", run.TaskRunID, "filter_id", filter.FilterID)
	}

	if !headerStored {
		return uuid.Nil, nil, nil
	}
	return header.ID, recordIDs, nil
}
