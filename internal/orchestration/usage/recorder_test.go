package usage

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/skillforge/internal/orchestration/events"
	"github.com/zjrosen/skillforge/internal/pubsub"
	"github.com/zjrosen/skillforge/internal/skills/domain"
)

type memoryRepo struct {
	mu      sync.Mutex
	records map[string]domain.UsageRecord // agent id + "/" + model
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{records: make(map[string]domain.UsageRecord)}
}

func (m *memoryRepo) Upsert(rec *domain.UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.AgentID+"/"+rec.Model] = *rec
	return nil
}

func (m *memoryRepo) ListByAgent(agentID string) ([]domain.UsageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.UsageRecord
	for _, rec := range m.records {
		if rec.AgentID == agentID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out, nil
}

func (m *memoryRepo) get(agentID, model string) (domain.UsageRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[agentID+"/"+model]
	return rec, ok
}

func assistantEvent(agentID, model string, in, out int64) events.AgentEvent {
	return events.AgentEvent{
		Type:    events.AgentMessage,
		AgentID: agentID,
		Message: &events.OutputEvent{
			Type: events.EventAssistant,
			Message: &events.Message{
				Model: model,
				Usage: &events.Usage{InputTokens: in, OutputTokens: out},
			},
		},
	}
}

func resultEvent(agentID string, usage map[string]events.ModelUsage) events.AgentEvent {
	return events.AgentEvent{
		Type:    events.AgentMessage,
		AgentID: agentID,
		Message: &events.OutputEvent{
			Type: events.EventResult,
			Result: &events.ResultPayload{
				DurationMs: 4200,
				StopReason: "end_turn",
				ModelUsage: usage,
			},
		},
	}
}

func exitEvent(agentID string) events.AgentEvent {
	return events.AgentEvent{
		Type:    events.AgentExit,
		AgentID: agentID,
		Exit:    &events.ExitInfo{Success: true, Reason: events.ExitNormal},
	}
}

func TestRecorder_AccumulatesAssistantUsage(t *testing.T) {
	repo := newMemoryRepo()
	r := NewRecorder(repo, nil)

	r.handle(assistantEvent("a1", "sonnet", 100, 10))
	r.handle(assistantEvent("a1", "sonnet", 50, 5))
	r.handle(exitEvent("a1"))

	rec, ok := repo.get("a1", "sonnet")
	require.True(t, ok)
	require.Equal(t, int64(150), rec.InputTokens)
	require.Equal(t, int64(15), rec.OutputTokens)
	require.Equal(t, 2, rec.NumTurns)
}

func TestRecorder_ResultOverridesAccumulated(t *testing.T) {
	repo := newMemoryRepo()
	r := NewRecorder(repo, nil)

	r.handle(assistantEvent("a1", "sonnet", 100, 10))
	r.handle(resultEvent("a1", map[string]events.ModelUsage{
		"sonnet": {InputTokens: 900, OutputTokens: 90, CostUSD: 0.05},
		"haiku":  {InputTokens: 30, OutputTokens: 3, CostUSD: 0.001},
	}))
	r.handle(exitEvent("a1"))

	records, err := repo.ListByAgent("a1")
	require.NoError(t, err)
	require.Len(t, records, 2)

	sonnet, ok := repo.get("a1", "sonnet")
	require.True(t, ok)
	require.Equal(t, int64(900), sonnet.InputTokens, "result totals are authoritative")
	require.Equal(t, 0.05, sonnet.CostUSD)
	require.Equal(t, int64(4200), sonnet.DurationMs)
	require.Equal(t, "end_turn", sonnet.StopReason)
}

func TestRecorder_MessagesWithoutUsageIgnored(t *testing.T) {
	repo := newMemoryRepo()
	r := NewRecorder(repo, nil)

	r.handle(events.AgentEvent{
		Type:    events.AgentMessage,
		AgentID: "a1",
		Message: &events.OutputEvent{Type: events.EventAssistant, Message: &events.Message{Model: "sonnet"}},
	})
	r.handle(events.AgentEvent{
		Type:    events.AgentMessage,
		AgentID: "a1",
		Message: &events.OutputEvent{Type: events.EventSystem, SubType: "init"},
	})
	r.handle(exitEvent("a1"))

	records, err := repo.ListByAgent("a1")
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestRecorder_ExitForgetsAgent(t *testing.T) {
	repo := newMemoryRepo()
	r := NewRecorder(repo, nil)

	r.handle(assistantEvent("a1", "sonnet", 10, 1))
	r.handle(exitEvent("a1"))

	// A reused agent id starts from zero, not the prior totals.
	r.handle(assistantEvent("a1", "sonnet", 5, 1))
	r.handle(exitEvent("a1"))

	rec, ok := repo.get("a1", "sonnet")
	require.True(t, ok)
	require.Equal(t, int64(5), rec.InputTokens)
}

func TestRecorder_ConsumesFromBroker(t *testing.T) {
	repo := newMemoryRepo()
	broker := pubsub.NewBroker[events.AgentEvent]()
	defer broker.Shutdown()

	r := NewRecorder(repo, broker)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	broker.Publish(assistantEvent("a9", "sonnet", 42, 7))
	broker.Publish(exitEvent("a9"))

	require.Eventually(t, func() bool {
		rec, ok := repo.get("a9", "sonnet")
		return ok && rec.InputTokens == 42
	}, 2*time.Second, 10*time.Millisecond)
}
