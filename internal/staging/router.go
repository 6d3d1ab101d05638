package staging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
)

// Notifier is told about every committed load. It must not fail the message.
type Notifier interface {
	Staged(ctx context.Context, result Result)
}

// Router classifies task run completion messages and stages the series of
// those that qualify.
type Router struct {
	tx       *Coordinator
	stores   func(pgx.Tx) RouteStore
	loader   *Loader
	notifier Notifier
	logger   *slog.Logger
}

func NewRouter(tx *Coordinator, stores func(pgx.Tx) RouteStore, loader *Loader, notifier Notifier, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{tx: tx, stores: stores, loader: loader, notifier: notifier, logger: logger}
}

// Route processes one raw queue payload inside a serializable transaction.
// Permanent failures are recorded as staging exceptions and reported with a
// nil error; any returned error means the message should be redelivered.
func (r *Router) Route(ctx context.Context, raw json.RawMessage) (Result, error) {
	var result Result
	err := r.tx.Run(ctx, pgx.Serializable, func(tx pgx.Tx) error {
		result = Result{}
		err := r.route(ctx, r.stores(tx), raw, &result)
		var stagingErr *StagingError
		if errors.As(err, &stagingErr) {
			result.Outcome = OutcomeStagingException
			result.RecordIDs = nil
		}
		return err
	})
	if err != nil {
		return result, err
	}
	if r.notifier != nil && len(result.RecordIDs) > 0 {
		r.notifier.Staged(ctx, result)
	}
	return result, nil
}

func (r *Router) route(ctx context.Context, store RouteStore, raw json.RawMessage, result *Result) error {
	message, err := Preprocess(raw)
	if err != nil {
		return err
	}
	run, err := ExtractTaskRun(message)
	if err != nil {
		return err
	}
	result.TaskRun = run
	logger := r.logger.With("workflow_id", run.WorkflowID, "task_run_id", run.TaskRunID)

	if err := store.LockReferenceTables(ctx); err != nil {
		return err
	}

	imported, err := store.TaskRunImported(ctx, run.TaskRunID)
	if err != nil {
		return err
	}
	if imported {
		logger.Info("Task run has already been staged")
		result.Outcome = OutcomeDuplicate
		return nil
	}

	if run.Forecast.True() {
		latest, found, err := store.LatestTaskRun(ctx, run.WorkflowID, run.CompletionTime)
		if err != nil {
			return err
		}
		if found && latest != run.TaskRunID {
			logger.Info("A later task run has already been staged", "latest_task_run_id", latest)
			result.Outcome = OutcomeStale
			return nil
		}
	}

	ignored, err := store.IsIgnored(ctx, run.WorkflowID)
	if err != nil {
		return err
	}
	if ignored {
		logger.Info("Workflow is ignored")
		result.Outcome = OutcomeIgnored
		return nil
	}

	if run.Forecast.True() && !run.Approved.True() {
		logger.Info("Forecast task run is not approved")
		result.Outcome = OutcomeRejected
		return nil
	}

	plan, err := r.plan(ctx, store, run)
	if err != nil {
		return err
	}
	if plan.Empty() {
		return NewStagingError(message, missingInputDescription(run.WorkflowID))
	}

	headerID, recordIDs, err := r.loader.Load(ctx, store, run, message, plan)
	if err != nil {
		return err
	}
	result.HeaderID = headerID
	result.RecordIDs = recordIDs
	if len(plan.DisplayGroups) > 0 {
		result.Outcome = OutcomeRoutedDisplayGroup
	} else {
		result.Outcome = OutcomeRoutedFilter
	}
	logger.Info("Staged task run", "outcome", string(result.Outcome), "records", len(recordIDs))
	return nil
}

func (r *Router) plan(ctx context.Context, store RouteStore, run TaskRun) (Plan, error) {
	groups, err := store.DisplayGroups(ctx, run.WorkflowID)
	if err != nil {
		return Plan{}, err
	}
	filters, err := store.Filters(ctx, run.WorkflowID)
	if err != nil {
		return Plan{}, err
	}
	plan := Plan{DisplayGroups: groups}
	for _, filter := range filters {
		if filter.ForecastOnly && !run.Forecast.True() {
			continue
		}
		plan.Filters = append(plan.Filters, filter)
	}
	return plan, nil
}

func missingInputDescription(workflowID string) string {
	if workflowID == "" {
		return "Missing PI Server input data for unknown workflow"
	}
	return fmt.Sprintf("Missing PI Server input data for %s", workflowID)
}
