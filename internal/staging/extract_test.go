package staging

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestExtractTaskRun(t *testing.T) {
	message := "Task run id=77 workflow WF1 Forecast: False Approved: True end time 2024-01-01 10:00"
	run, err := ExtractTaskRun(message)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if run.WorkflowID != "WF1" {
		t.Fatalf("expected workflow WF1, got %q", run.WorkflowID)
	}
	if run.TaskRunID != "77" {
		t.Fatalf("expected task run 77, got %q", run.TaskRunID)
	}
	want := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	if !run.CompletionTime.Equal(want) {
		t.Fatalf("expected %s, got %s", want, run.CompletionTime)
	}
	if run.Forecast != IndicatorFalse || run.Approved != IndicatorTrue {
		t.Fatalf("unexpected indicators forecast=%s approved=%s", run.Forecast, run.Approved)
	}
}

func TestExtractWorkflowIDForms(t *testing.T) {
	cases := []struct {
		name    string
		message string
		want    string
		wantErr bool
	}{
		{name: "workflow keyword", message: "Task run id=77 workflow WF1 completed", want: "WF1"},
		{name: "task run", message: "Task run WF1 id=77 completed", want: "WF1"},
		{name: "bare task", message: "Task WF2 id=12 completed", want: "WF2"},
		{name: "run is not an id", message: "Task run id=77 completed", wantErr: true},
		{name: "no keyword", message: "Completed id=77", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := extractWorkflowID(tc.message)
			if tc.wantErr {
				var stagingErr *StagingError
				if !errors.As(err, &stagingErr) || stagingErr.Description != "Unable to extract workflow ID from message" {
					t.Fatalf("expected workflow extraction error, got %q, %v", got, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestExtractTaskRunFailures(t *testing.T) {
	cases := []struct {
		name    string
		message string
		want    string
	}{
		{
			name:    "no completion time",
			message: "Task run WF1 id=77 completed Forecast: True Approved: True",
			want:    "Unable to extract task run completion date from message",
		},
		{
			name:    "no workflow",
			message: "Completed id=77 end time 2024-01-01 10:00:00 Forecast: True Approved: True",
			want:    "Unable to extract workflow ID from message",
		},
		{
			name:    "no task run id",
			message: "Task run WF1 completed end time 2024-01-01 10:00:00 Forecast: True Approved: True",
			want:    "Unable to extract task run ID from message",
		},
		{
			name:    "no approval",
			message: "Task run WF1 id=77 end time 2024-01-01 10:00:00 Forecast: True",
			want:    "Unable to extract task run approval status from message",
		},
		{
			name:    "no forecast",
			message: "Task run WF1 id=77 end time 2024-01-01 10:00:00 Approved: True",
			want:    "Unable to extract task run forecast status from message",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ExtractTaskRun(tc.message)
			var stagingErr *StagingError
			if !errors.As(err, &stagingErr) {
				t.Fatalf("expected staging error, got %v", err)
			}
			if stagingErr.Description != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, stagingErr.Description)
			}
			if stagingErr.Payload != tc.message {
				t.Fatalf("expected payload to be the message")
			}
		})
	}
}

func TestExtractIndicator(t *testing.T) {
	cases := []struct {
		message string
		want    Indicator
		fails   bool
	}{
		{message: "Approved: True", want: IndicatorTrue},
		{message: "approved false", want: IndicatorFalse},
		{message: "Approved:TRUE", want: IndicatorTrue},
		{message: "Forecast is made current manually", want: IndicatorTrue},
		{message: "nothing here", want: IndicatorUnknown, fails: true},
	}
	for _, tc := range cases {
		got, err := ExtractIndicator(tc.message, approvedPattern, "task run approval status")
		if tc.fails != (err != nil) {
			t.Fatalf("%q: unexpected error state %v", tc.message, err)
		}
		if got != tc.want {
			t.Fatalf("%q: expected %s, got %s", tc.message, tc.want, got)
		}
	}
}

func TestExtractTaskRunMadeCurrentManually(t *testing.T) {
	run, err := ExtractTaskRun("Task run WF2 id=9 end time 2024-03-04 05:06:07 is made current manually")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if !run.Forecast.True() || !run.Approved.True() {
		t.Fatalf("expected manual currency to imply forecast and approval")
	}
}

func TestParseCompletionTime(t *testing.T) {
	want := time.Date(2024, 1, 1, 10, 0, 30, 0, time.UTC)
	for _, value := range []string{"2024-01-01 10:00:30", "20240101 100030"} {
		got, err := ParseCompletionTime(value)
		if err != nil {
			t.Fatalf("%q: %v", value, err)
		}
		if !got.Equal(want) {
			t.Fatalf("%q: expected %s, got %s", value, want, got)
		}
	}
	got, err := ParseCompletionTime("2024-01-01 10:00")
	if err != nil || !got.Equal(want.Add(-30*time.Second)) {
		t.Fatalf("minute precision: got %s err %v", got, err)
	}
	if _, err := ParseCompletionTime("2024-01-01"); err == nil {
		t.Fatalf("expected date-only value to fail")
	}
}

func TestCompletionTimeDispatchForm(t *testing.T) {
	value, err := Extract("Task run WF1 id=77 dispatch=2024-01-01 1000 done", completionTimePattern, 2, 1, "task run completion date")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if value != "2024-01-01 1000" {
		t.Fatalf("unexpected capture %q", value)
	}
}

func TestPreprocess(t *testing.T) {
	text, err := Preprocess(json.RawMessage(`"Task run WF1 id=77"`))
	if err != nil || text != "Task run WF1 id=77" {
		t.Fatalf("string payload: %q %v", text, err)
	}
	text, err = Preprocess(json.RawMessage(`{ "input": { "description": "x" } }`))
	if err != nil || text != `{"input":{"description":"x"}}` {
		t.Fatalf("object payload: %q %v", text, err)
	}
	for _, raw := range []string{`[1,2]`, `42`, `""`, ``, `null`} {
		_, err := Preprocess(json.RawMessage(raw))
		var stagingErr *StagingError
		if !errors.As(err, &stagingErr) {
			t.Fatalf("%q: expected staging error, got %v", raw, err)
		}
		if stagingErr.Description != "Message must be either a string or a pure object" {
			t.Fatalf("%q: unexpected description %q", raw, stagingErr.Description)
		}
	}
}

func TestSplitLocationIDs(t *testing.T) {
	got := SplitLocationIDs("L1; L2;;L3 ")
	if len(got) != 3 || got[0] != "L1" || got[1] != "L2" || got[2] != "L3" {
		t.Fatalf("unexpected ids %v", got)
	}
}

func TestOffsetsAround(t *testing.T) {
	completion := time.Date(2024, 1, 1, 10, 0, 0, 500, time.UTC)
	window := Offsets{Before: 12 * time.Hour, After: 120 * time.Hour}.Around(completion)
	if !window.Start.Equal(time.Date(2023, 12, 31, 22, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected start %s", window.Start)
	}
	if !window.End.Equal(time.Date(2024, 1, 6, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected end %s", window.End)
	}
}
