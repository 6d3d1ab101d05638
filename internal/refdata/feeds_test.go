package refdata

import (
	"errors"
	"testing"

	"timeseries-staging/internal/config"
	"timeseries-staging/internal/staging"
)

func TestFeedsMatchConfiguredNames(t *testing.T) {
	known := map[string]bool{}
	for _, feed := range Feeds() {
		known[feed.Name] = true
	}
	for _, name := range config.FeedNames {
		if !known[name] {
			t.Fatalf("config feed %q has no definition", name)
		}
	}
	if len(known) != len(config.FeedNames) {
		t.Fatalf("expected %d feeds, got %d", len(config.FeedNames), len(known))
	}
}

func TestFeedValues(t *testing.T) {
	feed, ok := Lookup("fluvial-forecast-location")
	if !ok {
		t.Fatalf("feed not found")
	}
	row := Row{
		"Centre": "Birmingham", "MFDOArea": "Midlands", "Catchment": "Severn",
		"FFFSLocID": "L1", "FFFSLocName": "Bewdley", "PlotID": "P1",
		"DRNOrder": "12", "Order": " 3 ", "Datum": "mALD",
	}
	values, err := feed.Values(row)
	if err != nil {
		t.Fatalf("values: %v", err)
	}
	if len(values) != 9 || values[6] != 12 || values[7] != 3 {
		t.Fatalf("unexpected values %v", values)
	}

	row["Datum"] = ""
	_, err = feed.Values(row)
	var rowErr *staging.CsvRowError
	if !errors.As(err, &rowErr) || rowErr.Description != "A row is missing data." {
		t.Fatalf("expected missing data error, got %v", err)
	}
	if staging.KindOf(err) != staging.KindCsvRow {
		t.Fatalf("expected csv_row kind")
	}
}

func TestFeedValuesOptionalBool(t *testing.T) {
	feed, _ := Lookup("fluvial-non-display-group-workflow")
	values, err := feed.Values(Row{"WorkflowID": "WF1", "FilterID": "F1"})
	if err != nil || values[2] != false {
		t.Fatalf("expected optional flag to default false, got %v %v", values, err)
	}
	values, err = feed.Values(Row{"WorkflowID": "WF1", "FilterID": "F1", "ForecastFlag": "TRUE"})
	if err != nil || values[2] != true {
		t.Fatalf("expected TRUE to parse, got %v %v", values, err)
	}
	if _, err := feed.Values(Row{"WorkflowID": "WF1", "FilterID": "F1", "ForecastFlag": "maybe"}); err == nil {
		t.Fatalf("expected invalid flag to fail")
	}
}

func TestInsertStatement(t *testing.T) {
	got := insertStatement(`"fff_staging"."ignored_workflow"`, []string{"workflow_id"})
	want := `INSERT INTO "fff_staging"."ignored_workflow" ("workflow_id") VALUES ($1)`
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
