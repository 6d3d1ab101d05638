package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"timeseries-staging/internal/db"
)

type check struct {
	name  string
	query string
	// warn-only checks report but never fail the run.
	warn bool
}

func checks(schema db.Schema) []check {
	return []check{
		{
			name:  "messages stuck RUNNING with expired leases",
			query: fmt.Sprintf("SELECT count(*) FROM %s WHERE status = 'RUNNING' AND leased_until < NOW()", schema.Table("staging_message")),
		},
		{
			name:  "live messages past max_attempts",
			query: fmt.Sprintf("SELECT count(*) FROM %s WHERE attempts > max_attempts AND status NOT IN ('DONE', 'DEAD')", schema.Table("staging_message")),
		},
		{
			name:  "headers without timeseries records",
			query: fmt.Sprintf(`SELECT count(*) FROM %s h WHERE NOT EXISTS (SELECT 1 FROM %s t WHERE t.timeseries_header_id = h.id)`,
				schema.Table("timeseries_header"), schema.Table("timeseries")),
		},
		{
			name:  "headers with an inverted retrieval window",
			query: fmt.Sprintf("SELECT count(*) FROM %s WHERE start_time > end_time", schema.Table("timeseries_header")),
		},
		{
			name:  "display group rows without locations",
			query: fmt.Sprintf("SELECT (SELECT count(*) FROM %s WHERE location_ids = '') + (SELECT count(*) FROM %s WHERE location_ids = '')",
				schema.Table("fluvial_display_group_workflow"), schema.Table("coastal_display_group_workflow")),
		},
		{
			name:  "timeseries records without a reporting job",
			query: fmt.Sprintf(`SELECT count(*) FROM %s t WHERE NOT EXISTS (SELECT 1 FROM %s r WHERE r.timeseries_id = t.id)`,
				schema.Table("timeseries"), schema.Table("reporting_job")),
			warn:  true,
		},
	}
}

var referenceTables = []string{
	"fluvial_display_group_workflow",
	"coastal_display_group_workflow",
	"fluvial_non_display_group_workflow",
	"ignored_workflow",
	"fluvial_forecast_location",
	"coastal_forecast_location",
}

func main() {
	dsn := flag.String("dsn", os.Getenv("DATABASE_URL"), "Postgres DSN")
	schemaName := flag.String("schema", string(db.DefaultSchema), "Staging schema name")
	flag.Parse()

	if *dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, *dsn)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer pool.Close()

	schema := db.Schema(*schemaName)
	failed := false

	var headers int64
	if err := pool.QueryRow(ctx, fmt.Sprintf("SELECT count(*) FROM %s", schema.Table("timeseries_header"))).Scan(&headers); err != nil {
		log.Fatalf("Failed to read %s: %v", schema, err)
	}
	fmt.Printf("Staged headers in %s: %d\n", schema, headers)

	for _, c := range checks(schema) {
		n, err := count(ctx, pool, c.query)
		switch {
		case err != nil:
			fmt.Printf("[FAIL] %s: %v\n", c.name, err)
			failed = true
		case n == 0:
			fmt.Printf("[PASS] No %s\n", c.name)
		case c.warn:
			fmt.Printf("[WARN] Found %d %s\n", n, c.name)
		default:
			fmt.Printf("[FAIL] Found %d %s\n", n, c.name)
			failed = true
		}
	}

	for _, table := range referenceTables {
		n, err := count(ctx, pool, fmt.Sprintf("SELECT count(*) FROM %s", schema.Table(table)))
		if err != nil {
			fmt.Printf("[FAIL] %s: %v\n", table, err)
			failed = true
			continue
		}
		if n == 0 {
			fmt.Printf("[WARN] Reference table %s is empty\n", table)
		}
	}

	if failed {
		os.Exit(1)
	}
}

func count(ctx context.Context, pool *pgxpool.Pool, query string) (int64, error) {
	var n int64
	err := pool.QueryRow(ctx, query).Scan(&n)
	return n, err
}
