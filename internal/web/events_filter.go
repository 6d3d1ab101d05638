package web

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"timeseries-staging/internal/events"
)

type eventFilter struct {
	queue      string
	workerID   string
	workflowID string
	feed       string
	eventType  string
	messageID  *int64
}

func parseEventFilter(r *http.Request) (eventFilter, error) {
	query := r.URL.Query()
	filter := eventFilter{
		queue:      strings.TrimSpace(query.Get("queue")),
		workerID:   strings.TrimSpace(query.Get("worker_id")),
		workflowID: strings.TrimSpace(query.Get("workflow_id")),
		feed:       strings.TrimSpace(query.Get("feed")),
		eventType:  strings.TrimSpace(query.Get("type")),
	}
	if val := strings.TrimSpace(query.Get("message_id")); val != "" {
		parsed, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return eventFilter{}, fmt.Errorf("invalid message_id")
		}
		filter.messageID = &parsed
	}
	return filter, nil
}

func (f eventFilter) Matches(event events.Event) bool {
	if f.queue != "" && event.Queue != f.queue {
		return false
	}
	if f.workerID != "" && event.WorkerID != f.workerID {
		return false
	}
	if f.workflowID != "" && event.WorkflowID != f.workflowID {
		return false
	}
	if f.feed != "" && event.Feed != f.feed {
		return false
	}
	if f.eventType != "" && event.Type != f.eventType {
		return false
	}
	if f.messageID != nil && event.MessageID != *f.messageID {
		return false
	}
	return true
}
