// Package metrics exports database-derived gauges: queue depth by status
// and the size of the staging and exception tables.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"timeseries-staging/internal/db"
)

const (
	defaultInterval = 15 * time.Second
	queryTimeout    = 2 * time.Second
)

var (
	queueMessagesGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "staging_queue_messages",
		Help: "Number of queue messages by queue and status.",
	}, []string{"queue", "status"})
	deadLetteredGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "staging_dead_lettered_messages",
		Help: "Number of dead-lettered messages across queues.",
	})
	tableRowsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "staging_table_rows",
		Help: "Row counts of staging, exception and reference tables.",
	}, []string{"table"})
)

// countedTables are reported through staging_table_rows.
var countedTables = []string{
	"timeseries_header",
	"timeseries",
	"staging_exception",
	"csv_staging_exception",
	"fluvial_display_group_workflow",
	"coastal_display_group_workflow",
	"fluvial_non_display_group_workflow",
	"ignored_workflow",
	"fluvial_forecast_location",
	"coastal_forecast_location",
}

type statusCount struct {
	queue  string
	status string
	count  int64
}

func StartCollector(ctx context.Context, pool *pgxpool.Pool, schema db.Schema, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = defaultInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if err := collectQueueMetrics(ctx, pool, schema); err != nil {
				logWarn(logger, "Queue metrics collection failed", err)
			}
			if err := collectTableMetrics(ctx, pool, schema); err != nil {
				logWarn(logger, "Table metrics collection failed", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func collectQueueMetrics(ctx context.Context, pool *pgxpool.Pool, schema db.Schema) error {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := pool.Query(queryCtx, fmt.Sprintf(`
		SELECT queue_name, status, COUNT(*)
		FROM %s
		GROUP BY queue_name, status
	`, schema.Table("staging_message")))
	if err != nil {
		return err
	}
	defer rows.Close()

	var counts []statusCount
	for rows.Next() {
		var c statusCount
		if err := rows.Scan(&c.queue, &c.status, &c.count); err != nil {
			return err
		}
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	applyQueueCounts(counts)
	return nil
}

func applyQueueCounts(counts []statusCount) {
	queueMessagesGauge.Reset()
	var dead int64
	for _, c := range counts {
		queueMessagesGauge.WithLabelValues(c.queue, c.status).Set(float64(c.count))
		if c.status == "DEAD" {
			dead += c.count
		}
	}
	deadLetteredGauge.Set(float64(dead))
}

func collectTableMetrics(ctx context.Context, pool *pgxpool.Pool, schema db.Schema) error {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	for _, table := range countedTables {
		var count int64
		if err := pool.QueryRow(queryCtx, fmt.Sprintf("SELECT COUNT(*) FROM %s", schema.Table(table))).Scan(&count); err != nil {
			return fmt.Errorf("count %s: %w", table, err)
		}
		tableRowsGauge.WithLabelValues(table).Set(float64(count))
	}
	return nil
}

func logWarn(logger *slog.Logger, message string, err error) {
	if logger == nil || err == nil {
		return
	}
	logger.Warn(message, "error", err)
}
