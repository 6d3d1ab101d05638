package staging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"

	"timeseries-staging/internal/db"
)

const maxDescriptionLen = 1024

// Querier runs read queries. Pools, connections and transactions satisfy it.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Exceptions writes and lists the append-only exception audit tables.
type Exceptions struct {
	schema db.Schema
}

func NewExceptions(schema db.Schema) *Exceptions {
	return &Exceptions{schema: schema}
}

func (e *Exceptions) RecordStagingException(ctx context.Context, tx pgx.Tx, payload, description string) error {
	query := fmt.Sprintf(`INSERT INTO %s (payload, description) VALUES ($1, $2)`, e.schema.Table("staging_exception"))
	if _, err := tx.Exec(ctx, query, payload, truncate(description, maxDescriptionLen)); err != nil {
		return fmt.Errorf("insert staging exception: %w", err)
	}
	return nil
}

// RecordCsvException stores one rejected CSV row labelled with its feed.
func (e *Exceptions) RecordCsvException(ctx context.Context, tx pgx.Tx, source string, row map[string]string, description string) error {
	rowJSON, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encode csv row: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (csv_source_file, row_data, description) VALUES ($1, $2, $3)`,
		e.schema.Table("csv_staging_exception"))
	if _, err := tx.Exec(ctx, query, source, rowJSON, truncate(description, maxDescriptionLen)); err != nil {
		return fmt.Errorf("insert csv staging exception: %w", err)
	}
	return nil
}

type StagingException struct {
	ID          int64
	Payload     string
	Description string
	Time        time.Time
}

type CsvStagingException struct {
	ID          int64
	Source      string
	RowData     json.RawMessage
	Description string
	Time        time.Time
}

// ListStagingExceptions returns the most recent staging exceptions first.
func (e *Exceptions) ListStagingExceptions(ctx context.Context, q Querier, limit int) ([]StagingException, error) {
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`
		SELECT id, payload, description, exception_time
		FROM %s
		ORDER BY exception_time DESC, id DESC
		LIMIT $1
	`, e.schema.Table("staging_exception"))
	rows, err := q.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []StagingException
	for rows.Next() {
		var item StagingException
		if err := rows.Scan(&item.ID, &item.Payload, &item.Description, &item.Time); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ListCsvExceptions returns recent CSV row exceptions, optionally for one feed.
func (e *Exceptions) ListCsvExceptions(ctx context.Context, q Querier, source string, limit int) ([]CsvStagingException, error) {
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`
		SELECT id, csv_source_file, row_data, description, exception_time
		FROM %s
		WHERE ($2::text = '' OR csv_source_file = $2::text)
		ORDER BY exception_time DESC, id DESC
		LIMIT $1
	`, e.schema.Table("csv_staging_exception"))
	rows, err := q.Query(ctx, query, limit, source)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []CsvStagingException
	for rows.Next() {
		var item CsvStagingException
		if err := rows.Scan(&item.ID, &item.Source, &item.RowData, &item.Description, &item.Time); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// truncate cuts value to at most maxLen bytes without splitting a rune.
func truncate(value string, maxLen int) string {
	if maxLen <= 0 || len(value) <= maxLen {
		return value
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return value[:cut]
}
