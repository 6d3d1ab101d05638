package db

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

//go:embed schema.sql
var schemaSQL string

type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Migrate applies the embedded DDL into schema. Every statement is idempotent.
func Migrate(ctx context.Context, db Execer, schema Schema) error {
	if _, err := db.Exec(ctx, RenderSchema(schema)); err != nil {
		return fmt.Errorf("apply schema %s: %w", schema, err)
	}
	return nil
}

// RenderSchema substitutes the sanitized schema name into the embedded DDL.
func RenderSchema(schema Schema) string {
	if schema == "" {
		schema = DefaultSchema
	}
	return strings.ReplaceAll(schemaSQL, "{{schema}}", pgx.Identifier{string(schema)}.Sanitize())
}

// Reset drops schema with everything in it and applies the DDL afresh.
func Reset(ctx context.Context, db Execer, schema Schema) error {
	if schema == "" {
		schema = DefaultSchema
	}
	if _, err := db.Exec(ctx, "DROP SCHEMA IF EXISTS "+pgx.Identifier{string(schema)}.Sanitize()+" CASCADE"); err != nil {
		return fmt.Errorf("drop schema %s: %w", schema, err)
	}
	return Migrate(ctx, db, schema)
}
