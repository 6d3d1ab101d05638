package staging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"timeseries-staging/internal/db"
)

// RouteStore is the transactional view of the staging database used while
// routing one message.
type RouteStore interface {
	LockReferenceTables(ctx context.Context) error
	TaskRunImported(ctx context.Context, taskRunID string) (bool, error)
	LatestTaskRun(ctx context.Context, workflowID string, since time.Time) (string, bool, error)
	IsIgnored(ctx context.Context, workflowID string) (bool, error)
	DisplayGroups(ctx context.Context, workflowID string) ([]DisplayGroup, error)
	Filters(ctx context.Context, workflowID string) ([]Filter, error)
	InsertHeader(ctx context.Context, header Header) error
	InsertRecord(ctx context.Context, record Record) error
}

// Reference tables read under lock while routing.
var routeReferenceTables = []string{
	"fluvial_display_group_workflow",
	"coastal_display_group_workflow",
	"fluvial_non_display_group_workflow",
	"ignored_workflow",
}

// PgStore implements RouteStore on a single transaction.
type PgStore struct {
	tx     pgx.Tx
	schema db.Schema
}

func NewPgStore(tx pgx.Tx, schema db.Schema) *PgStore {
	return &PgStore{tx: tx, schema: schema}
}

// LockReferenceTables takes SHARE locks so a concurrent refresh, which needs
// EXCLUSIVE, cannot change the tables until this transaction ends.
func (s *PgStore) LockReferenceTables(ctx context.Context) error {
	for _, table := range routeReferenceTables {
		if _, err := s.tx.Exec(ctx, fmt.Sprintf("LOCK TABLE %s IN SHARE MODE", s.schema.Table(table))); err != nil {
			return fmt.Errorf("lock %s: %w", table, err)
		}
	}
	return nil
}

func (s *PgStore) TaskRunImported(ctx context.Context, taskRunID string) (bool, error) {
	var imported bool
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE task_id = $1)`, s.schema.Table("timeseries_header"))
	if err := s.tx.QueryRow(ctx, query, taskRunID).Scan(&imported); err != nil {
		return false, fmt.Errorf("check task run imported: %w", err)
	}
	return imported, nil
}

// LatestTaskRun returns the task run id of the most recent header for
// workflowID completing at or after since.
func (s *PgStore) LatestTaskRun(ctx context.Context, workflowID string, since time.Time) (string, bool, error) {
	query := fmt.Sprintf(`
		SELECT task_id
		FROM %s
		WHERE workflow_id = $1 AND task_completion_time >= $2
		ORDER BY task_completion_time DESC
		LIMIT 1
	`, s.schema.Table("timeseries_header"))
	var taskID string
	err := s.tx.QueryRow(ctx, query, workflowID, since.UTC()).Scan(&taskID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("find latest task run: %w", err)
	}
	return taskID, true, nil
}

func (s *PgStore) IsIgnored(ctx context.Context, workflowID string) (bool, error) {
	var ignored bool
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE workflow_id = $1)`, s.schema.Table("ignored_workflow"))
	if err := s.tx.QueryRow(ctx, query, workflowID).Scan(&ignored); err != nil {
		return false, fmt.Errorf("check ignored workflow: %w", err)
	}
	return ignored, nil
}

func (s *PgStore) DisplayGroups(ctx context.Context, workflowID string) ([]DisplayGroup, error) {
	query := fmt.Sprintf(`
		SELECT plot_id, location_ids FROM %s WHERE workflow_id = $1
		UNION
		SELECT plot_id, location_ids FROM %s WHERE workflow_id = $1
		ORDER BY plot_id
	`, s.schema.Table("fluvial_display_group_workflow"), s.schema.Table("coastal_display_group_workflow"))
	rows, err := s.tx.Query(ctx, query, workflowID)
	if err != nil {
		return nil, fmt.Errorf("query display groups: %w", err)
	}
	defer rows.Close()

	var groups []DisplayGroup
	for rows.Next() {
		var plotID, locations string
		if err := rows.Scan(&plotID, &locations); err != nil {
			return nil, err
		}
		groups = append(groups, DisplayGroup{PlotID: plotID, LocationIDs: SplitLocationIDs(locations)})
	}
	return groups, rows.Err()
}

func (s *PgStore) Filters(ctx context.Context, workflowID string) ([]Filter, error) {
	query := fmt.Sprintf(`SELECT filter_id, forecast FROM %s WHERE workflow_id = $1 ORDER BY filter_id`,
		s.schema.Table("fluvial_non_display_group_workflow"))
	rows, err := s.tx.Query(ctx, query, workflowID)
	if err != nil {
		return nil, fmt.Errorf("query filters: %w", err)
	}
	defer rows.Close()

	var filters []Filter
	for rows.Next() {
		var f Filter
		if err := rows.Scan(&f.FilterID, &f.ForecastOnly); err != nil {
			return nil, err
		}
		filters = append(filters, f)
	}
	return filters, rows.Err()
}

func (s *PgStore) InsertHeader(ctx context.Context, h Header) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, workflow_id, task_id, task_completion_time, start_time, end_time, message)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, s.schema.Table("timeseries_header"))
	_, err := s.tx.Exec(ctx, query, h.ID, h.WorkflowID, h.TaskRunID, h.CompletionTime.UTC(), h.Window.Start, h.Window.End, h.Message)
	if err != nil {
		return fmt.Errorf("insert timeseries header: %w", err)
	}
	return nil
}

func (s *PgStore) InsertRecord(ctx context.Context, r Record) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, timeseries_header_id, fews_data, fews_parameters)
		VALUES ($1, $2, $3, $4)
	`, s.schema.Table("timeseries"))
	if _, err := s.tx.Exec(ctx, query, r.ID, r.HeaderID, r.Data, r.Parameters); err != nil {
		return fmt.Errorf("insert timeseries: %w", err)
	}
	return nil
}
