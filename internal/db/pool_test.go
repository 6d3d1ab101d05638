package db

import (
	"strings"
	"testing"
)

func TestSchemaTable(t *testing.T) {
	tests := []struct {
		schema Schema
		table  string
		want   string
	}{
		{schema: "fff_staging", table: "timeseries_header", want: `"fff_staging"."timeseries_header"`},
		{schema: "", table: "ignored_workflow", want: `"ignored_workflow"`},
		{schema: `odd"name`, table: "t", want: `"odd""name"."t"`},
	}
	for _, tt := range tests {
		if got := tt.schema.Table(tt.table); got != tt.want {
			t.Fatalf("Table(%q, %q) = %s, want %s", tt.schema, tt.table, got, tt.want)
		}
	}
}

func TestRenderSchemaSubstitutesEveryPlaceholder(t *testing.T) {
	rendered := RenderSchema("staging_test")
	if strings.Contains(rendered, "{{schema}}") {
		t.Fatal("expected every placeholder to be substituted")
	}
	if !strings.Contains(rendered, `CREATE TABLE IF NOT EXISTS "staging_test".timeseries_header`) {
		t.Fatalf("expected qualified header table in rendered schema")
	}
}

func TestRenderSchemaDefaultsSchema(t *testing.T) {
	rendered := RenderSchema("")
	if !strings.Contains(rendered, `"fff_staging".staging_exception`) {
		t.Fatal("expected default schema to be used")
	}
}
