package events

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrSkipEvent is returned by ParseLine for lines that parse cleanly but
// carry nothing a subscriber needs (e.g. empty payloads). Callers drop the
// event and continue the stream.
var ErrSkipEvent = errors.New("skip event")

// rawEvent mirrors the worker's stream-json line shape before it is mapped
// onto the OutputEvent union.
type rawEvent struct {
	Type         EventType             `json:"type"`
	SubType      string                `json:"subtype,omitempty"`
	SessionID    string                `json:"session_id,omitempty"`
	Model        string                `json:"model,omitempty"`
	Message      *Message              `json:"message,omitempty"`
	Path         string                `json:"path,omitempty"`
	Content      string                `json:"content,omitempty"`
	Error        string                `json:"error,omitempty"`
	IsError      bool                  `json:"is_error,omitempty"`
	Result       string                `json:"result,omitempty"`
	TotalCostUSD float64               `json:"total_cost_usd,omitempty"`
	DurationMs   int64                 `json:"duration_ms,omitempty"`
	NumTurns     int                   `json:"num_turns,omitempty"`
	StopReason   string                `json:"stop_reason,omitempty"`
	ModelUsage   map[string]ModelUsage `json:"modelUsage,omitempty"` //nolint:tagliatelle // stream-json uses camelCase
}

// ParseLine converts one complete stream-json line into an OutputEvent.
// Unrecognized type values map to EventUnknown with the raw line attached,
// so new worker message kinds pass through instead of failing the stream.
// A JSON syntax error is returned to the caller; the bridge reports it as a
// MalformedEvent and keeps reading.
func ParseLine(data []byte) (OutputEvent, error) {
	var raw rawEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return OutputEvent{}, fmt.Errorf("parsing event line: %w", err)
	}

	event := OutputEvent{
		Type:      raw.Type,
		SubType:   raw.SubType,
		SessionID: raw.SessionID,
		Model:     raw.Model,
	}

	switch raw.Type {
	case EventSystem:
		// Lifecycle notification; nothing beyond the envelope fields.

	case EventAssistant:
		if raw.Message == nil {
			return OutputEvent{}, ErrSkipEvent
		}
		event.Message = raw.Message

	case EventArtifact:
		if raw.Path == "" {
			return OutputEvent{}, fmt.Errorf("artifact event missing path")
		}
		content, err := base64.StdEncoding.DecodeString(raw.Content)
		if err != nil {
			return OutputEvent{}, fmt.Errorf("decoding artifact content for %q: %w", raw.Path, err)
		}
		event.Artifact = &ArtifactPayload{Path: raw.Path, Content: content}

	case EventResult:
		event.Result = &ResultPayload{
			IsError:      raw.IsError,
			Result:       raw.Result,
			TotalCostUSD: raw.TotalCostUSD,
			DurationMs:   raw.DurationMs,
			NumTurns:     raw.NumTurns,
			StopReason:   raw.StopReason,
			ModelUsage:   raw.ModelUsage,
		}

	case EventError:
		event.ErrMessage = raw.Error

	default:
		event.Type = EventUnknown
	}

	// Copy raw data for debugging; data may be a reused scanner buffer.
	event.Raw = make([]byte, len(data))
	copy(event.Raw, data)

	return event, nil
}
