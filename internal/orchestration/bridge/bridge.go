// Package bridge turns a worker's raw line-delimited output into typed
// events on the internal event bus.
//
// One Stream call owns one invocation's output pipe for its whole life. The
// bridge never blocks the worker on a slow consumer (the bus handles
// buffering), never parses a partial trailing line, and reports malformed
// lines as error-type events without ending the stream. The terminal
// agent-exit event is synthesized exactly once per agent id, even when the
// process produced no output at all.
package bridge

import (
	"bufio"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/zjrosen/skillforge/internal/log"
	"github.com/zjrosen/skillforge/internal/orchestration/events"
	"github.com/zjrosen/skillforge/internal/pubsub"
)

// maxLineSize is the buffer limit for a single stream-json line (1MB).
const maxLineSize = 1024 * 1024

// SubTypeMalformedLine marks error events the bridge fabricates for lines
// that failed to parse.
const SubTypeMalformedLine = "malformed_line"

// Bridge publishes typed agent events for any number of invocations.
type Bridge struct {
	broker *pubsub.Broker[events.AgentEvent]

	// onActivity, when set, is called for every event read from a worker.
	// The pool uses it to refresh last-activity timestamps for the reaper.
	onActivity func(agentID string)

	mu      sync.Mutex
	exited  map[string]bool
	clockFn func() time.Time
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithActivityFunc installs a callback invoked once per event read from a
// worker's stream.
func WithActivityFunc(fn func(agentID string)) Option {
	return func(b *Bridge) { b.onActivity = fn }
}

// WithClock overrides the timestamp source (for tests).
func WithClock(fn func() time.Time) Option {
	return func(b *Bridge) { b.clockFn = fn }
}

// New creates a Bridge publishing on the given broker.
func New(broker *pubsub.Broker[events.AgentEvent], opts ...Option) *Bridge {
	b := &Bridge{
		broker:  broker,
		exited:  make(map[string]bool),
		clockFn: time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Stream reads r until EOF, publishing one AgentMessage per complete line.
// The scanner buffers a partial trailing line internally and only surfaces
// it once the newline (or EOF) arrives, so no line is parsed prematurely.
// Stream returns when the pipe closes; it does NOT publish the terminal
// event — the caller does that via EmitExit once the process has been
// reaped, so the exit status can be attached.
func (b *Bridge) Stream(agentID string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if b.onActivity != nil {
			b.onActivity(agentID)
		}

		event, err := events.ParseLine(line)
		if err != nil {
			if errors.Is(err, events.ErrSkipEvent) {
				continue
			}
			// Malformed line: report and keep reading. The stream stays
			// alive so the at-least-one-terminal-event guarantee holds.
			log.Warn(log.CatBridge, "malformed worker event",
				"agentID", agentID, "error", err)
			b.publishMessage(agentID, events.OutputEvent{
				Type:       events.EventError,
				SubType:    SubTypeMalformedLine,
				ErrMessage: err.Error(),
			})
			continue
		}

		b.publishMessage(agentID, event)
	}

	if err := scanner.Err(); err != nil {
		// Read errors (including lines over maxLineSize) end the stream but
		// are not terminal by themselves; the process exit status decides.
		log.Warn(log.CatBridge, "worker stream read error",
			"agentID", agentID, "error", err)
	}
}

// EmitProgress publishes an informational init-progress event. These are
// never required for correctness and may be emitted zero or more times.
func (b *Bridge) EmitProgress(agentID, note string) {
	b.broker.Publish(events.AgentEvent{
		Type:     events.AgentInitProgress,
		AgentID:  agentID,
		Time:     b.clockFn(),
		Progress: note,
	})
}

// EmitExit publishes the terminal event for agentID. Exactly one terminal
// event is ever published per agent id; later calls are no-ops, so the
// normal-exit path and the cancellation path can both call it safely.
func (b *Bridge) EmitExit(agentID string, info events.ExitInfo) {
	b.mu.Lock()
	if b.exited[agentID] {
		b.mu.Unlock()
		return
	}
	b.exited[agentID] = true
	b.mu.Unlock()

	log.Debug(log.CatBridge, "publishing terminal event",
		"agentID", agentID, "success", info.Success, "reason", info.Reason)
	b.broker.Publish(events.AgentEvent{
		Type:    events.AgentExit,
		AgentID: agentID,
		Time:    b.clockFn(),
		Exit:    &info,
	})
}

// Forget drops the exactly-once bookkeeping for agentID so the id can be
// reused by a future invocation. Called by the pool after the invocation is
// fully released.
func (b *Bridge) Forget(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.exited, agentID)
}

func (b *Bridge) publishMessage(agentID string, event events.OutputEvent) {
	b.broker.Publish(events.AgentEvent{
		Type:    events.AgentMessage,
		AgentID: agentID,
		Time:    b.clockFn(),
		Message: &event,
	})
}
