package bridge

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/skillforge/internal/orchestration/events"
	"github.com/zjrosen/skillforge/internal/pubsub"
)

// collect drains the subscription into a slice until the channel closes or
// the expected count arrives.
func collect(t *testing.T, ch <-chan events.AgentEvent, n int) []events.AgentEvent {
	t.Helper()
	var got []events.AgentEvent
	timeout := time.After(2 * time.Second)
	for len(got) < n {
		select {
		case ev, ok := <-ch:
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(got), n)
		}
	}
	return got
}

func newTestBridge(t *testing.T) (*Bridge, <-chan events.AgentEvent) {
	t.Helper()
	broker := pubsub.NewBroker[events.AgentEvent]()
	t.Cleanup(broker.Shutdown)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ch := broker.Subscribe(ctx)
	return New(broker), ch
}

func TestStream_PublishesOneMessagePerLine(t *testing.T) {
	b, ch := newTestBridge(t)

	input := `{"type":"system","subtype":"init","session_id":"s1"}` + "\n" +
		`{"type":"assistant","message":{"role":"assistant","text":"hi"}}` + "\n"
	b.Stream("a1", strings.NewReader(input))

	got := collect(t, ch, 2)
	require.Equal(t, events.AgentMessage, got[0].Type)
	require.Equal(t, "a1", got[0].AgentID)
	require.Equal(t, events.EventSystem, got[0].Message.Type)
	require.Equal(t, events.EventAssistant, got[1].Message.Type)
}

func TestStream_MalformedLineBecomesErrorEventAndStreamContinues(t *testing.T) {
	b, ch := newTestBridge(t)

	input := `{"type":"system","subtype":"init"}` + "\n" +
		`{not json` + "\n" +
		`{"type":"result","result":"done"}` + "\n"
	b.Stream("a1", strings.NewReader(input))

	got := collect(t, ch, 3)
	require.Equal(t, events.EventSystem, got[0].Message.Type)
	require.Equal(t, events.EventError, got[1].Message.Type)
	require.Equal(t, SubTypeMalformedLine, got[1].Message.SubType)
	require.Equal(t, events.EventResult, got[2].Message.Type)
}

func TestStream_PartialLineAcrossReadsIsParsedOnce(t *testing.T) {
	b, ch := newTestBridge(t)

	pr, pw := io.Pipe()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.Stream("a1", pr)
	}()

	// Write one JSON line split across two writes. The bridge must buffer
	// the first fragment and parse only after the newline arrives.
	_, err := pw.Write([]byte(`{"type":"system","sub`))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = pw.Write([]byte(`type":"init"}` + "\n"))
	require.NoError(t, err)
	require.NoError(t, pw.Close())
	wg.Wait()

	got := collect(t, ch, 1)
	require.Equal(t, events.EventSystem, got[0].Message.Type)
	require.Equal(t, "init", got[0].Message.SubType)
}

func TestAbruptClose_CallerSynthesizesExactlyOneFailure(t *testing.T) {
	// Scenario: two JSON lines then the stream closes abruptly with no
	// final event. The pool calls EmitExit after reaping; subscribers see
	// exactly one terminal failure event for a1.
	b, ch := newTestBridge(t)

	input := `{"type":"assistant","message":{"text":"one"}}` + "\n" +
		`{"type":"assistant","message":{"text":"two"}}` + "\n"
	b.Stream("a1", strings.NewReader(input))
	b.EmitExit("a1", events.ExitInfo{Success: false, ExitCode: -1, Reason: events.ExitNormal, Err: "stream closed without result"})
	// A duplicate emit (e.g. racing cancel path) must be suppressed.
	b.EmitExit("a1", events.ExitInfo{Success: true})

	got := collect(t, ch, 3)
	require.Equal(t, events.AgentMessage, got[0].Type)
	require.Equal(t, events.AgentMessage, got[1].Type)
	require.Equal(t, events.AgentExit, got[2].Type)
	require.False(t, got[2].Exit.Success)

	// Confirm nothing further arrives for a1.
	select {
	case ev := <-ch:
		t.Fatalf("unexpected extra event after terminal: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEmitExit_NoOutputAtAllStillTerminates(t *testing.T) {
	b, ch := newTestBridge(t)

	b.Stream("a1", strings.NewReader(""))
	b.EmitExit("a1", events.ExitInfo{Success: true, ExitCode: 0, Reason: events.ExitNormal})

	got := collect(t, ch, 1)
	require.Equal(t, events.AgentExit, got[0].Type)
	require.True(t, got[0].Exit.Success)
}

func TestForget_AllowsAgentIDReuse(t *testing.T) {
	b, ch := newTestBridge(t)

	b.EmitExit("a1", events.ExitInfo{Success: true})
	b.Forget("a1")
	b.EmitExit("a1", events.ExitInfo{Success: false, Reason: events.ExitCancelled, Cancelled: true})

	got := collect(t, ch, 2)
	require.True(t, got[0].Exit.Success)
	require.False(t, got[1].Exit.Success)
	require.True(t, got[1].Exit.Cancelled)
}

func TestStream_ActivityCallbackFiresPerLine(t *testing.T) {
	broker := pubsub.NewBroker[events.AgentEvent]()
	defer broker.Shutdown()

	var mu sync.Mutex
	count := 0
	b := New(broker, WithActivityFunc(func(string) {
		mu.Lock()
		count++
		mu.Unlock()
	}))

	input := `{"type":"system"}` + "\n" + `{"type":"result"}` + "\n"
	b.Stream("a1", strings.NewReader(input))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 2, count)
}
