// Package events defines the typed event model for agent invocations.
//
// Workers emit line-delimited stream-json on stdout. Each line is parsed
// into an OutputEvent, a tagged union discriminated by the Type field with
// an Unknown catch-all so unrecognized message kinds fail closed instead of
// crashing the parser. The bridge wraps parsed events in an AgentEvent
// envelope for publication on the event bus.
package events

import (
	"encoding/json"
	"time"
)

// EventType discriminates the raw worker event shapes.
type EventType string

const (
	// EventSystem carries lifecycle notifications; subtype "init" marks the
	// worker as ready and identifies its session.
	EventSystem EventType = "system"
	// EventAssistant carries a model message, including token usage.
	EventAssistant EventType = "assistant"
	// EventArtifact reports one output file produced by the step.
	EventArtifact EventType = "artifact"
	// EventResult is the worker's own final summary: cost, duration, turns,
	// and per-model usage. It enriches, but does not replace, the terminal
	// exit event synthesized by the bridge.
	EventResult EventType = "result"
	// EventError reports a worker-side error that did not end the stream.
	EventError EventType = "error"
	// EventUnknown is the catch-all for message kinds this version does not
	// understand. Unknown events are forwarded with their raw payload.
	EventUnknown EventType = "unknown"
)

// ModelUsage holds per-model token counters from a result event.
type ModelUsage struct {
	InputTokens      int64   `json:"inputTokens"`
	OutputTokens     int64   `json:"outputTokens"`
	CacheReadTokens  int64   `json:"cacheReadInputTokens"`     //nolint:tagliatelle // stream-json uses camelCase
	CacheWriteTokens int64   `json:"cacheCreationInputTokens"` //nolint:tagliatelle // stream-json uses camelCase
	CostUSD          float64 `json:"costUSD"`
}

// Usage holds token usage attached to an assistant message.
type Usage struct {
	InputTokens      int64 `json:"input_tokens"`
	OutputTokens     int64 `json:"output_tokens"`
	CacheReadTokens  int64 `json:"cache_read_input_tokens"`
	CacheWriteTokens int64 `json:"cache_creation_input_tokens"`
}

// Message is the message object on assistant events.
type Message struct {
	ID         string `json:"id,omitempty"`
	Role       string `json:"role,omitempty"`
	Model      string `json:"model,omitempty"`
	Text       string `json:"text,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
	Usage      *Usage `json:"usage,omitempty"`
}

// ArtifactPayload is the body of an artifact event. Content is base64 in
// the wire format and decoded by the parser.
type ArtifactPayload struct {
	Path    string `json:"path"`
	Content []byte `json:"-"`
}

// ResultPayload is the body of a result event.
type ResultPayload struct {
	IsError      bool                  `json:"is_error,omitempty"`
	Result       string                `json:"result,omitempty"`
	TotalCostUSD float64               `json:"total_cost_usd,omitempty"`
	DurationMs   int64                 `json:"duration_ms,omitempty"`
	NumTurns     int                   `json:"num_turns,omitempty"`
	StopReason   string                `json:"stop_reason,omitempty"`
	ModelUsage   map[string]ModelUsage `json:"modelUsage,omitempty"` //nolint:tagliatelle // stream-json uses camelCase
}

// OutputEvent is one parsed worker event.
type OutputEvent struct {
	Type      EventType
	SubType   string
	SessionID string
	Model     string
	Message   *Message
	Artifact  *ArtifactPayload
	Result    *ResultPayload
	// ErrMessage is set for EventError and for malformed-line reports.
	ErrMessage string
	// Raw is a copy of the original line, kept for debugging and for
	// forwarding Unknown events untouched.
	Raw json.RawMessage
}

// AgentEventType classifies envelope events on the bus.
type AgentEventType string

const (
	// AgentMessage wraps one parsed worker output line.
	AgentMessage AgentEventType = "agent-message"
	// AgentInitProgress reports spawn progress; informational only.
	AgentInitProgress AgentEventType = "agent-init-progress"
	// AgentExit is the single terminal event per invocation.
	AgentExit AgentEventType = "agent-exit"
)

// ExitReason distinguishes how an invocation reached its terminal state.
type ExitReason string

const (
	ExitNormal    ExitReason = "exit"
	ExitCancelled ExitReason = "cancelled"
	ExitReaped    ExitReason = "reaped"
)

// ExitInfo is the payload of an AgentExit event.
type ExitInfo struct {
	Success   bool
	ExitCode  int
	Reason    ExitReason
	Cancelled bool
	// Err describes the failure when Success is false and the cause was
	// host-side (spawn failure, wait error) rather than a worker exit code.
	Err string
}

// AgentEvent is the envelope published on the event bus. Exactly one
// AgentExit is published per agent id; AgentMessage events preserve the
// order the worker emitted them.
type AgentEvent struct {
	Type    AgentEventType
	AgentID string
	Time    time.Time
	Message *OutputEvent
	Exit    *ExitInfo
	// Progress carries a human-readable note for AgentInitProgress.
	Progress string
}
