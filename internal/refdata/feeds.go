// Package refdata refreshes the routing and location reference tables from
// their CSV feeds.
package refdata

import (
	"fmt"
	"strconv"
	"strings"

	"timeseries-staging/internal/staging"
)

const missingDataDescription = "A row is missing data."

type ColumnType int

const (
	Text ColumnType = iota
	Int
	Bool
)

// Column maps one CSV key onto one table column.
type Column struct {
	Name     string
	CSVKey   string
	Type     ColumnType
	Optional bool
}

// Partial restricts a refresh to the rows of a shared table whose column
// holds Value. Rows outside the subset are left untouched.
type Partial struct {
	Column string
	CSVKey string
	Value  string
}

// Feed describes how one CSV feed replaces the contents of one table.
type Feed struct {
	Name    string
	Source  string
	Table   string
	Columns []Column
	Partial *Partial
	// Aggregate feeds carry one location per row; rows are staged and
	// joined into a ";"-separated list per workflow and plot.
	Aggregate bool
}

var displayGroupColumns = []Column{
	{Name: "workflow_id", CSVKey: "WorkflowID"},
	{Name: "plot_id", CSVKey: "PlotID"},
	{Name: "location_id", CSVKey: "FFFSLocID"},
}

func coastalLocationFeed(name, source, coastalType string, nameKey string) Feed {
	return Feed{
		Name:   name,
		Source: source,
		Table:  "coastal_forecast_location",
		Columns: []Column{
			{Name: "fffs_loc_id", CSVKey: "FFFSLocID"},
			{Name: "fffs_loc_name", CSVKey: nameKey},
			{Name: "coastal_order", CSVKey: "CoastalOrder", Type: Int},
			{Name: "centre", CSVKey: "Centre"},
			{Name: "mfdo_area", CSVKey: "MFDOArea"},
			{Name: "ta_name", CSVKey: "TAName"},
			{Name: "coastal_type", CSVKey: "Type"},
		},
		Partial: &Partial{Column: "coastal_type", CSVKey: "Type", Value: coastalType},
	}
}

var feeds = []Feed{
	{
		Name:      "fluvial-display-group-workflow",
		Source:    "Fluvial display group data",
		Table:     "fluvial_display_group_workflow",
		Columns:   displayGroupColumns,
		Aggregate: true,
	},
	{
		Name:      "coastal-display-group-workflow",
		Source:    "Coastal display group data",
		Table:     "coastal_display_group_workflow",
		Columns:   displayGroupColumns,
		Aggregate: true,
	},
	{
		Name:   "fluvial-non-display-group-workflow",
		Source: "Non display group data",
		Table:  "fluvial_non_display_group_workflow",
		Columns: []Column{
			{Name: "workflow_id", CSVKey: "WorkflowID"},
			{Name: "filter_id", CSVKey: "FilterID"},
			{Name: "forecast", CSVKey: "ForecastFlag", Type: Bool, Optional: true},
		},
	},
	{
		Name:    "ignored-workflow",
		Source:  "Ignored workflow data",
		Table:   "ignored_workflow",
		Columns: []Column{{Name: "workflow_id", CSVKey: "WorkflowID"}},
	},
	{
		Name:   "fluvial-forecast-location",
		Source: "Fluvial forecast location data",
		Table:  "fluvial_forecast_location",
		Columns: []Column{
			{Name: "centre", CSVKey: "Centre"},
			{Name: "mfdo_area", CSVKey: "MFDOArea"},
			{Name: "catchment", CSVKey: "Catchment"},
			{Name: "fffs_loc_id", CSVKey: "FFFSLocID"},
			{Name: "fffs_loc_name", CSVKey: "FFFSLocName"},
			{Name: "plot_id", CSVKey: "PlotID"},
			{Name: "drn_order", CSVKey: "DRNOrder", Type: Int},
			{Name: "display_order", CSVKey: "Order", Type: Int},
			{Name: "datum", CSVKey: "Datum"},
		},
	},
	coastalLocationFeed("coastal-tidal-forecast-location", "tidal coastal locations", "Coastal Forecasting", "FFFSLocName"),
	coastalLocationFeed("coastal-triton-forecast-location", "triton coastal locations", "Triton", "FFFSLocName"),
	// The MVT feed has no location name column; the id doubles as the name.
	coastalLocationFeed("coastal-mvt-forecast-location", "mvt coastal locations", "Multivariate Thresholds", "FFFSLocID"),
}

// Feeds returns every known feed definition.
func Feeds() []Feed {
	return append([]Feed(nil), feeds...)
}

// Lookup returns the feed named name.
func Lookup(name string) (Feed, bool) {
	for _, feed := range feeds {
		if feed.Name == name {
			return feed, true
		}
	}
	return Feed{}, false
}

// Row is one CSV record keyed by header.
type Row map[string]string

// Values converts row into insert arguments in column order. Invalid rows
// yield a *staging.CsvRowError.
func (f Feed) Values(row Row) ([]any, error) {
	if f.Partial != nil && strings.TrimSpace(row[f.Partial.CSVKey]) != f.Partial.Value {
		if strings.TrimSpace(row[f.Partial.CSVKey]) == "" {
			return nil, rowError(row, missingDataDescription)
		}
		return nil, rowError(row, fmt.Sprintf("Row %s %q does not belong to %s", f.Partial.CSVKey, row[f.Partial.CSVKey], f.Partial.Value))
	}
	values := make([]any, 0, len(f.Columns))
	for _, col := range f.Columns {
		raw := strings.TrimSpace(row[col.CSVKey])
		if raw == "" && !col.Optional {
			return nil, rowError(row, missingDataDescription)
		}
		switch col.Type {
		case Int:
			n, err := strconv.Atoi(raw)
			if err != nil {
				return nil, rowError(row, fmt.Sprintf("Invalid integer %q for %s", raw, col.CSVKey))
			}
			values = append(values, n)
		case Bool:
			if raw == "" {
				values = append(values, false)
				continue
			}
			b, err := strconv.ParseBool(raw)
			if err != nil {
				return nil, rowError(row, fmt.Sprintf("Invalid boolean %q for %s", raw, col.CSVKey))
			}
			values = append(values, b)
		default:
			values = append(values, raw)
		}
	}
	return values, nil
}

func (f Feed) columnNames() []string {
	names := make([]string, len(f.Columns))
	for i, col := range f.Columns {
		names[i] = col.Name
	}
	return names
}

func rowError(row Row, description string) *staging.CsvRowError {
	return &staging.CsvRowError{Row: row, Description: description}
}
