package refdata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"timeseries-staging/internal/db"
	"timeseries-staging/internal/events"
	"timeseries-staging/internal/staging"
)

const displayGroupStagingTable = "refresh_display_group"

var (
	ErrUnknownFeed = errors.New("unknown reference data feed")
	ErrNoFeedURL   = errors.New("no url configured for feed")
)

var refreshRows = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "staging_refresh_rows_total",
	Help: "CSV rows processed by reference data refreshes by feed and result.",
}, []string{"feed", "result"})

// CsvExceptionSink records rejected CSV rows.
type CsvExceptionSink interface {
	RecordCsvException(ctx context.Context, tx pgx.Tx, source string, row map[string]string, description string) error
}

// FailedRow is a CSV row that was not loaded.
type FailedRow struct {
	Row         Row
	Description string
}

// Report summarizes one refresh.
type Report struct {
	Feed       string
	Rows       int
	Loaded     int
	Failed     []FailedRow
	TableCount int64
}

// Refresher replaces reference tables with the contents of their feeds.
type Refresher struct {
	tx         *staging.Coordinator
	schema     db.Schema
	fetcher    Fetcher
	exceptions CsvExceptionSink
	urls       map[string]string
	publisher  events.Publisher
	logger     *slog.Logger
}

func NewRefresher(tx *staging.Coordinator, schema db.Schema, fetcher Fetcher, exceptions CsvExceptionSink, urls map[string]string, publisher events.Publisher, logger *slog.Logger) *Refresher {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{
		tx:         tx,
		schema:     schema,
		fetcher:    fetcher,
		exceptions: exceptions,
		urls:       urls,
		publisher:  publisher,
		logger:     logger,
	}
}

// Refresh reloads the table behind feedName inside a serializable
// transaction holding an exclusive table lock. Rejected rows are recorded
// as CSV staging exceptions whether or not the refresh itself commits.
func (r *Refresher) Refresh(ctx context.Context, feedName string) (Report, error) {
	feed, ok := Lookup(feedName)
	if !ok {
		return Report{}, fmt.Errorf("%w: %s", ErrUnknownFeed, feedName)
	}
	url := r.urls[feed.Name]
	if url == "" {
		return Report{}, fmt.Errorf("%w: %s", ErrNoFeedURL, feed.Name)
	}
	logger := r.logger.With("feed", feed.Name, "table", feed.Table)

	rows, err := r.fetcher.Fetch(ctx, url)
	if err != nil {
		r.publishFailure(feed, err)
		return Report{Feed: feed.Name}, err
	}

	report := Report{Feed: feed.Name, Rows: len(rows)}
	err = r.tx.WithTransaction(ctx, pgx.Serializable, func(tx pgx.Tx) error {
		report.Loaded = 0
		report.Failed = nil
		return r.load(ctx, tx, feed, rows, &report, logger)
	})

	if len(report.Failed) > 0 {
		if recErr := r.recordFailedRows(ctx, feed, report.Failed, logger); recErr != nil && err == nil {
			err = recErr
		}
	} else if err == nil {
		logger.Info("There were no csv exceptions during load")
	}

	refreshRows.WithLabelValues(feed.Name, "loaded").Add(float64(report.Loaded))
	refreshRows.WithLabelValues(feed.Name, "failed").Add(float64(len(report.Failed)))
	if err != nil {
		logger.Error("Reference data refresh failed", "error", err)
		r.publishFailure(feed, err)
		return report, err
	}
	logger.Info("Reference data refreshed", "rows", report.Rows, "loaded", report.Loaded, "failed", len(report.Failed), "table_count", report.TableCount)
	r.publisher.Publish(events.Event{
		Level:   "info",
		Type:    "refresh_completed",
		Message: "Reference data refreshed",
		Feed:    feed.Name,
		Metadata: map[string]string{
			"loaded": fmt.Sprint(report.Loaded),
			"failed": fmt.Sprint(len(report.Failed)),
		},
	})
	return report, nil
}

func (r *Refresher) load(ctx context.Context, tx pgx.Tx, feed Feed, rows []Row, report *Report, logger *slog.Logger) error {
	target := r.schema.Table(feed.Table)
	if _, err := tx.Exec(ctx, fmt.Sprintf("LOCK TABLE %s IN EXCLUSIVE MODE", target)); err != nil {
		return fmt.Errorf("lock %s: %w", feed.Table, err)
	}

	where, whereArgs := r.subset(feed)
	insertTable := target
	if feed.Aggregate {
		if _, err := tx.Exec(ctx, fmt.Sprintf(`
			CREATE TEMP TABLE %s (
				ordinal serial,
				workflow_id text NOT NULL,
				plot_id text NOT NULL,
				location_id text NOT NULL
			) ON COMMIT DROP
		`, displayGroupStagingTable)); err != nil {
			return fmt.Errorf("create display group staging table: %w", err)
		}
		insertTable = displayGroupStagingTable
	}

	if len(rows) == 0 {
		logger.Warn("No records detected, leaving table unchanged")
	} else if !feed.Aggregate {
		if _, err := tx.Exec(ctx, "DELETE FROM "+target+where, whereArgs...); err != nil {
			return fmt.Errorf("clear %s: %w", feed.Table, err)
		}
	}

	insert := insertStatement(insertTable, feed.columnNames())
	for _, row := range rows {
		values, err := feed.Values(row)
		if err == nil {
			err = insertRow(ctx, tx, insert, row, values)
		}
		var rowErr *staging.CsvRowError
		if errors.As(err, &rowErr) {
			logger.Warn("Rejected csv row", "description", rowErr.Description)
			report.Failed = append(report.Failed, FailedRow{Row: row, Description: rowErr.Description})
			continue
		}
		if err != nil {
			return err
		}
		report.Loaded++
	}

	if feed.Aggregate {
		if err := r.aggregateDisplayGroups(ctx, tx, target, len(rows), logger); err != nil {
			return err
		}
	}

	var count int64
	if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM "+target+where, whereArgs...).Scan(&count); err != nil {
		return fmt.Errorf("count %s: %w", feed.Table, err)
	}
	report.TableCount = count
	logger.Info("Table now contains new/updated records", "count", count)
	if count == 0 {
		logger.Warn("There were 0 new records to insert, rolling back")
		return staging.ErrNullOverwrite
	}
	return nil
}

// aggregateDisplayGroups replaces the display group table with one row per
// workflow and plot. A feed whose rows were all rejected must not leave
// the stale table in place.
func (r *Refresher) aggregateDisplayGroups(ctx context.Context, tx pgx.Tx, target string, fetched int, logger *slog.Logger) error {
	var staged int64
	if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM "+displayGroupStagingTable).Scan(&staged); err != nil {
		return fmt.Errorf("count staged display groups: %w", err)
	}
	if staged == 0 {
		if fetched > 0 {
			logger.Warn("No valid display group rows staged, rolling back", "rejected", fetched)
			return staging.ErrNullOverwrite
		}
		logger.Warn("No display group rows staged, leaving table unchanged")
		return nil
	}
	if _, err := tx.Exec(ctx, "DELETE FROM "+target); err != nil {
		return fmt.Errorf("clear display groups: %w", err)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (workflow_id, plot_id, location_ids)
		SELECT workflow_id, plot_id, string_agg(location_id, ';' ORDER BY ordinal)
		FROM %s
		GROUP BY workflow_id, plot_id
	`, target, displayGroupStagingTable)); err != nil {
		return fmt.Errorf("aggregate display groups: %w", err)
	}
	return nil
}

// insertRow inserts one row under a savepoint. A database error confined
// to the row rolls the savepoint back and is returned as a CsvRowError;
// lock conflicts abort the refresh.
func insertRow(ctx context.Context, tx pgx.Tx, insert string, row Row, values []any) error {
	savepoint, err := tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin savepoint: %w", err)
	}
	if _, err := savepoint.Exec(ctx, insert, values...); err != nil {
		if rbErr := savepoint.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("rollback savepoint: %w", rbErr)
		}
		if staging.IsLockConflict(err) {
			return err
		}
		return rowError(row, staging.DBErrorText(err))
	}
	if err := savepoint.Commit(ctx); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

func (r *Refresher) recordFailedRows(ctx context.Context, feed Feed, failed []FailedRow, logger *slog.Logger) error {
	logger.Error("The csv loader failed to load rows", "failed", len(failed))
	return r.tx.WithTransaction(ctx, pgx.ReadCommitted, func(tx pgx.Tx) error {
		for _, f := range failed {
			savepoint, err := tx.Begin(ctx)
			if err != nil {
				return err
			}
			if err := r.exceptions.RecordCsvException(ctx, savepoint, feed.Source, f.Row, f.Description); err != nil {
				logger.Warn("Unable to record csv exception", "error", err)
				if rbErr := savepoint.Rollback(ctx); rbErr != nil {
					return rbErr
				}
				continue
			}
			if err := savepoint.Commit(ctx); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *Refresher) subset(feed Feed) (string, []any) {
	if feed.Partial == nil {
		return "", nil
	}
	return fmt.Sprintf(" WHERE %s = $1", pgx.Identifier{feed.Partial.Column}.Sanitize()), []any{feed.Partial.Value}
}

func (r *Refresher) publishFailure(feed Feed, err error) {
	r.publisher.Publish(events.Event{
		Level:   "error",
		Type:    "refresh_failed",
		Message: err.Error(),
		Feed:    feed.Name,
	})
}

func insertStatement(table string, columns []string) string {
	quoted := make([]string, len(columns))
	placeholders := make([]string, len(columns))
	for i, col := range columns {
		quoted[i] = pgx.Identifier{col}.Sanitize()
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(quoted, ", "), strings.Join(placeholders, ", "))
}
