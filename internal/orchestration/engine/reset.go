package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/skillforge/internal/log"
	"github.com/zjrosen/skillforge/internal/skills/domain"
)

// defaultPreviewTTL bounds how long a preview token stays confirmable.
const defaultPreviewTTL = 5 * time.Minute

// ResetPreview is the destructive-deletion preview shown to the user
// before a reset executes. Confirm with the token to perform it.
type ResetPreview struct {
	Token     string   `json:"token"`
	RunID     int64    `json:"run_id"`
	StepIndex int      `json:"step_index"`
	Paths     []string `json:"paths"`
}

type resetRequest struct {
	runID     int64
	stepIndex int
}

// previewCache holds pending reset confirmations. Tokens expire so a
// stale preview cannot authorize a deletion minutes later, after more
// steps have run.
type previewCache struct {
	c *gocache.Cache
}

func newPreviewCache(ttl time.Duration) *previewCache {
	if ttl == 0 {
		ttl = defaultPreviewTTL
	}
	return &previewCache{c: gocache.New(ttl, ttl)}
}

func (p *previewCache) put(req resetRequest) string {
	token := uuid.NewString()
	p.c.SetDefault(token, req)
	return token
}

func (p *previewCache) take(token string) (resetRequest, bool) {
	v, ok := p.c.Get(token)
	if !ok {
		return resetRequest{}, false
	}
	p.c.Delete(token)
	return v.(resetRequest), true
}

// PreviewReset reports which artifact paths a reset to stepIndex would
// delete, without deleting anything, and returns a confirmation token.
func (e *Engine) PreviewReset(runID int64, stepIndex int) (*ResetPreview, error) {
	if err := e.validateReset(runID, stepIndex); err != nil {
		return nil, err
	}
	paths, err := e.artifacts.ListPaths(runID, stepIndex)
	if err != nil {
		return nil, err
	}
	token := e.previews.put(resetRequest{runID: runID, stepIndex: stepIndex})
	return &ResetPreview{Token: token, RunID: runID, StepIndex: stepIndex, Paths: paths}, nil
}

// ConfirmReset executes a previously previewed reset. Any worker
// currently executing a step for the run is cancelled first so it cannot
// write artifacts into rows that no longer exist. Returns the deleted
// paths; confirming twice (or resetting already-pending steps) deletes
// nothing further.
func (e *Engine) ConfirmReset(ctx context.Context, token string) ([]string, error) {
	req, ok := e.previews.take(token)
	if !ok {
		return nil, fmt.Errorf("unknown or expired reset token")
	}
	return e.reset(ctx, req.runID, req.stepIndex)
}

// ResetStep previews and executes a reset in one call, for callers that
// confirmed out of band.
func (e *Engine) ResetStep(ctx context.Context, runID int64, stepIndex int) ([]string, error) {
	if err := e.validateReset(runID, stepIndex); err != nil {
		return nil, err
	}
	return e.reset(ctx, runID, stepIndex)
}

func (e *Engine) reset(ctx context.Context, runID int64, stepIndex int) ([]string, error) {
	_, span := e.tracer.Start(ctx, "engine.reset_step",
		trace.WithAttributes(
			attribute.Int64("run.id", runID),
			attribute.Int("step.index", stepIndex)))
	defer span.End()

	e.mu.Lock()
	agentID := e.live[runID]
	e.mu.Unlock()
	if agentID != "" {
		log.Info(log.CatEngine, "cancelling live worker for reset",
			"runID", runID, "agentID", agentID)
		e.pool.Cancel(agentID)
	}

	paths, err := e.runs.ResetFrom(runID, stepIndex)
	if err != nil {
		return nil, err
	}
	e.clearGates(runID, stepIndex)

	log.Info(log.CatEngine, "run reset",
		"runID", runID, "step", stepIndex, "deleted", len(paths))
	return paths, nil
}

// validateReset checks the run exists and stepIndex is within its step
// range.
func (e *Engine) validateReset(runID int64, stepIndex int) error {
	run, err := e.runs.GetRun(runID)
	if err != nil {
		return err
	}
	if e.guard != nil && !e.guard.Holds(run.Skill) {
		return &domain.LockNotOwnedError{Skill: run.Skill}
	}
	steps, err := e.runs.GetSteps(runID)
	if err != nil {
		return err
	}
	if stepIndex < 0 || stepIndex >= len(steps) {
		return &domain.StepNotResettableError{
			RunID: runID, StepIndex: stepIndex, StepCount: len(steps),
		}
	}
	return nil
}
