// Package usage aggregates token usage per (agent id, model) from the
// event bus and persists it so cost metrics survive restarts.
package usage

import (
	"context"
	"sync"

	"github.com/zjrosen/skillforge/internal/log"
	"github.com/zjrosen/skillforge/internal/orchestration/events"
	"github.com/zjrosen/skillforge/internal/pubsub"
	"github.com/zjrosen/skillforge/internal/skills/domain"
)

// Recorder subscribes to agent events and maintains one UsageRecord per
// (agent id, model). Assistant messages accumulate token counts as the
// stream progresses; a result event replaces the accumulated counts with
// the worker's own authoritative totals. Records are flushed to the
// repository on every result and on agent exit.
type Recorder struct {
	repo   domain.UsageRepository
	broker *pubsub.Broker[events.AgentEvent]

	mu      sync.Mutex
	pending map[string]map[string]*domain.UsageRecord // agent id -> model -> record

	done chan struct{}
}

// NewRecorder creates a Recorder. Call Start to begin consuming events.
func NewRecorder(repo domain.UsageRepository, broker *pubsub.Broker[events.AgentEvent]) *Recorder {
	return &Recorder{
		repo:    repo,
		broker:  broker,
		pending: make(map[string]map[string]*domain.UsageRecord),
		done:    make(chan struct{}),
	}
}

// Start subscribes to the broker and consumes events until ctx is
// cancelled or the broker shuts down.
func (r *Recorder) Start(ctx context.Context) {
	ch := r.broker.Subscribe(ctx)
	log.SafeGo("usage-recorder", func() {
		defer close(r.done)
		for ev := range ch {
			r.handle(ev)
		}
	})
}

// Wait blocks until the consume loop has drained, for shutdown ordering.
func (r *Recorder) Wait() {
	<-r.done
}

func (r *Recorder) handle(ev events.AgentEvent) {
	switch ev.Type {
	case events.AgentMessage:
		r.handleMessage(ev.AgentID, ev.Message)
	case events.AgentExit:
		r.finalize(ev.AgentID)
	case events.AgentInitProgress:
		// No usage attached.
	}
}

func (r *Recorder) handleMessage(agentID string, msg *events.OutputEvent) {
	if msg == nil {
		return
	}
	switch msg.Type {
	case events.EventAssistant:
		r.accumulate(agentID, msg.Message)
	case events.EventResult:
		r.applyResult(agentID, msg.Result)
	default:
	}
}

// accumulate adds an assistant message's usage to the running totals for
// its model. The worker reports usage per message, so counts sum.
func (r *Recorder) accumulate(agentID string, msg *events.Message) {
	if msg == nil || msg.Usage == nil || msg.Model == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.record(agentID, msg.Model)
	rec.InputTokens += msg.Usage.InputTokens
	rec.OutputTokens += msg.Usage.OutputTokens
	rec.CacheReadTokens += msg.Usage.CacheReadTokens
	rec.CacheWriteTokens += msg.Usage.CacheWriteTokens
	rec.NumTurns++
	if msg.StopReason != "" {
		rec.StopReason = msg.StopReason
	}
}

// applyResult overwrites running totals with the worker's final
// per-model numbers and flushes them.
func (r *Recorder) applyResult(agentID string, result *events.ResultPayload) {
	if result == nil {
		return
	}
	r.mu.Lock()
	for model, mu := range result.ModelUsage {
		rec := r.record(agentID, model)
		rec.InputTokens = mu.InputTokens
		rec.OutputTokens = mu.OutputTokens
		rec.CacheReadTokens = mu.CacheReadTokens
		rec.CacheWriteTokens = mu.CacheWriteTokens
		rec.CostUSD = mu.CostUSD
		rec.DurationMs = result.DurationMs
		if result.StopReason != "" {
			rec.StopReason = result.StopReason
		}
	}
	r.mu.Unlock()

	r.flush(agentID)
}

// finalize flushes and forgets an agent's records on its terminal event.
func (r *Recorder) finalize(agentID string) {
	r.flush(agentID)
	r.mu.Lock()
	delete(r.pending, agentID)
	r.mu.Unlock()
}

func (r *Recorder) flush(agentID string) {
	r.mu.Lock()
	records := make([]domain.UsageRecord, 0, len(r.pending[agentID]))
	for _, rec := range r.pending[agentID] {
		records = append(records, *rec)
	}
	r.mu.Unlock()

	for i := range records {
		if err := r.repo.Upsert(&records[i]); err != nil {
			log.ErrorErr(log.CatUsage, "persisting usage record", err,
				"agentID", agentID, "model", records[i].Model)
		}
	}
}

// record returns the pending record for (agentID, model), creating it if
// needed. Caller holds r.mu.
func (r *Recorder) record(agentID, model string) *domain.UsageRecord {
	byModel := r.pending[agentID]
	if byModel == nil {
		byModel = make(map[string]*domain.UsageRecord)
		r.pending[agentID] = byModel
	}
	rec := byModel[model]
	if rec == nil {
		rec = &domain.UsageRecord{AgentID: agentID, Model: model}
		byModel[model] = rec
	}
	return rec
}
