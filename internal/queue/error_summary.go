package queue

import (
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"
)

const maxLastErrorLen = 1024

// ErrorRecord is appended to a message's errors_json on every failed attempt.
type ErrorRecord struct {
	Kind    string    `json:"kind"`
	Reason  string    `json:"reason,omitempty"`
	Message string    `json:"message"`
	Attempt int       `json:"attempt"`
	At      time.Time `json:"at"`
}

func (r ErrorRecord) JSON() json.RawMessage {
	raw, err := json.Marshal(r)
	if err != nil {
		return json.RawMessage(`{"kind":"unknown"}`)
	}
	return raw
}

func summarizeError(errorObj json.RawMessage) string {
	if len(errorObj) == 0 {
		return ""
	}

	var payload map[string]any
	if err := json.Unmarshal(errorObj, &payload); err == nil {
		msg, hasMsg := payload["message"]
		kind, hasKind := payload["kind"]
		switch {
		case hasMsg && hasKind:
			return truncateString(fmt.Sprintf("%v: %v", kind, msg), maxLastErrorLen)
		case hasMsg:
			return truncateString(fmt.Sprintf("%v", msg), maxLastErrorLen)
		case hasKind:
			return truncateString(fmt.Sprintf("%v", kind), maxLastErrorLen)
		}
	}

	return truncateString(string(errorObj), maxLastErrorLen)
}

// truncateString cuts value to at most maxLen bytes without splitting a rune.
func truncateString(value string, maxLen int) string {
	if maxLen <= 0 || len(value) <= maxLen {
		return value
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return value[:cut]
}
