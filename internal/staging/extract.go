package staging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

const madeCurrentManually = "is made current manually"

var (
	completionTimePattern = regexp.MustCompile(`(?i) (?:end time:?|dispatch=) ?([0-9]{4}-?(?:1[0-2]|0[1-9])-?(?:3[01]|0[1-9]|[12][0-9]) (?:2[0-3]|[01][0-9]):?[0-5][0-9](?::?[0-5][0-9])?)`)
	taskRunIDPattern      = regexp.MustCompile(`(?i) id(?: |=)([^ )]*)(?: |\))`)
	workflowIDPattern     = regexp.MustCompile(`(?i)\b(?:workflow|task\s+run)\s+([^\s=]+)\s`)
	bareTaskIDPattern     = regexp.MustCompile(`(?i)\btask\s+([^\s=]+)\s`)
	approvedPattern       = indicatorPattern("Approved")
	forecastPattern       = indicatorPattern("Forecast")
)

func indicatorPattern(name string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)` + regexp.QuoteMeta(name) + `:?\s*(True|False)`)
}

// Extract applies pattern to message and returns capture group index. The
// match must produce exactly expected submatches (the full match included)
// with a non-empty group; otherwise a StagingError describing label is
// returned.
func Extract(message string, pattern *regexp.Regexp, expected, index int, label string) (string, error) {
	matches := pattern.FindStringSubmatch(message)
	if len(matches) != expected || index >= len(matches) || matches[index] == "" {
		return "", NewStagingError(message, fmt.Sprintf("Unable to extract %s from message", label))
	}
	return matches[index], nil
}

// extractWorkflowID prefers "workflow <id>" and "task run <id>", falling
// back to a bare "task <id>". The word "run" is never a workflow id.
func extractWorkflowID(message string) (string, error) {
	id, err := Extract(message, workflowIDPattern, 2, 1, "workflow ID")
	if err == nil {
		return id, nil
	}
	bare, bareErr := Extract(message, bareTaskIDPattern, 2, 1, "workflow ID")
	if bareErr != nil || strings.EqualFold(bare, "run") {
		return "", err
	}
	return bare, nil
}

// ExtractIndicator reads a True/False flag named by pattern. The phrase
// "is made current manually" always yields IndicatorTrue.
func ExtractIndicator(message string, pattern *regexp.Regexp, label string) (Indicator, error) {
	if strings.Contains(strings.ToLower(message), madeCurrentManually) {
		return IndicatorTrue, nil
	}
	value, err := Extract(message, pattern, 2, 1, label)
	if err != nil {
		return IndicatorUnknown, err
	}
	if strings.EqualFold(value, "true") {
		return IndicatorTrue, nil
	}
	return IndicatorFalse, nil
}

// ExtractTaskRun pulls every routing field out of message, stopping at the
// first field that cannot be extracted.
func ExtractTaskRun(message string) (TaskRun, error) {
	var run TaskRun

	rawTime, err := Extract(message, completionTimePattern, 2, 1, "task run completion date")
	if err != nil {
		return run, err
	}
	completion, err := ParseCompletionTime(rawTime)
	if err != nil {
		return run, NewStagingError(message, "Unable to extract task run completion date from message")
	}
	run.CompletionTime = completion

	if run.WorkflowID, err = extractWorkflowID(message); err != nil {
		return run, err
	}
	if run.TaskRunID, err = Extract(message, taskRunIDPattern, 2, 1, "task run ID"); err != nil {
		return run, err
	}
	if run.Approved, err = ExtractIndicator(message, approvedPattern, "task run approval status"); err != nil {
		return run, err
	}
	if run.Forecast, err = ExtractIndicator(message, forecastPattern, "task run forecast status"); err != nil {
		return run, err
	}
	return run, nil
}

var completionLayouts = []string{
	"20060102 150405",
	"20060102 1504",
}

// ParseCompletionTime parses a completion timestamp, with or without date
// and time separators, as UTC.
func ParseCompletionTime(value string) (time.Time, error) {
	compact := strings.NewReplacer("-", "", ":", "").Replace(strings.TrimSpace(value))
	for _, layout := range completionLayouts {
		if len(compact) != len(layout) {
			continue
		}
		if parsed, err := time.ParseInLocation(layout, compact, time.UTC); err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised completion time %q", value)
}

const preprocessFailure = "Message must be either a string or a pure object"

// Preprocess normalizes a raw queue payload to text. A JSON string is used
// verbatim, a JSON object is kept as its compact serialization, and any
// other shape is a StagingError.
func Preprocess(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return "", NewStagingError(string(raw), preprocessFailure)
	}
	switch trimmed[0] {
	case '"':
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil || text == "" {
			return "", NewStagingError(string(raw), preprocessFailure)
		}
		return text, nil
	case '{':
		var buf bytes.Buffer
		if err := json.Compact(&buf, trimmed); err != nil {
			return "", NewStagingError(string(raw), preprocessFailure)
		}
		return buf.String(), nil
	default:
		return "", NewStagingError(string(raw), preprocessFailure)
	}
}
