// Package engine implements the workflow step state machine: it advances
// runs through their template's ordered steps, applies human-confirmation
// gates, executes steps through the worker pool, and persists step status
// and artifacts crash-consistently.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/skillforge/internal/log"
	"github.com/zjrosen/skillforge/internal/orchestration/events"
	"github.com/zjrosen/skillforge/internal/orchestration/pool"
	"github.com/zjrosen/skillforge/internal/orchestration/workflow"
	"github.com/zjrosen/skillforge/internal/pubsub"
	"github.com/zjrosen/skillforge/internal/skills/domain"
)

// LockGuard reports whether this instance holds the edit lock for a
// skill. Advancing a run without the lock is a non-transient error.
type LockGuard interface {
	Holds(skill string) bool
}

// StepInput configures one step execution. The worker command is opaque
// to the engine; callers decide what process performs the step.
type StepInput struct {
	StepIndex    int
	Executable   string
	Args         []string
	WorkDir      string
	Env          []string
	WatchWorkDir bool
}

// StepResult reports the outcome of one step execution.
type StepResult struct {
	AgentID       string
	StepIndex     int
	Success       bool
	ArtifactPaths []string
	ErrorSummary  string
	Exit          *events.ExitInfo
}

// WorkflowState is the read-only view returned to the GUI.
type WorkflowState struct {
	Run   *domain.Run
	Steps []domain.Step
}

// Options configures an Engine.
type Options struct {
	// Guard, when non-nil, requires the skill lock to be held before a
	// run may advance.
	Guard LockGuard
	// ResetPreviewTTL bounds how long a reset preview token stays
	// confirmable. Zero selects the default.
	ResetPreviewTTL time.Duration
}

// Engine drives workflow runs. All step and artifact rows are mutated
// exclusively through the engine.
type Engine struct {
	runs      domain.RunRepository
	artifacts domain.ArtifactRepository
	registry  *workflow.Registry
	pool      *pool.Pool
	broker    *pubsub.Broker[events.AgentEvent]
	guard     LockGuard
	tracer    trace.Tracer

	mu    sync.Mutex
	gates map[gateKey]GateDecision
	// live maps run id to the agent id currently executing a step, so a
	// reset can cancel it cooperatively.
	live map[int64]string

	previews *previewCache
}

type gateKey struct {
	runID int64
	step  int
}

// New creates an Engine.
func New(
	runs domain.RunRepository,
	artifacts domain.ArtifactRepository,
	registry *workflow.Registry,
	p *pool.Pool,
	broker *pubsub.Broker[events.AgentEvent],
	opts Options,
) *Engine {
	return &Engine{
		runs:      runs,
		artifacts: artifacts,
		registry:  registry,
		pool:      p,
		broker:    broker,
		guard:     opts.Guard,
		tracer:    otel.Tracer("skillforge/engine"),
		gates:     make(map[gateKey]GateDecision),
		live:      make(map[int64]string),
		previews:  newPreviewCache(opts.ResetPreviewTTL),
	}
}

// CreateRun starts a new run for a skill from a workflow template. Step
// rows are created pending, one per template step.
func (e *Engine) CreateRun(skill, templateID string, intake map[string]string) (*domain.Run, error) {
	tmpl := e.registry.Get(templateID)
	if tmpl == nil {
		return nil, fmt.Errorf("unknown workflow template %q", templateID)
	}
	now := time.Now()
	run := &domain.Run{
		GUID:       uuid.NewString(),
		Skill:      skill,
		TemplateID: templateID,
		Status:     domain.RunPending,
		Intake:     intake,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.runs.CreateRun(run, tmpl.StepNames()); err != nil {
		return nil, err
	}
	log.Info(log.CatEngine, "run created",
		"runID", run.ID, "skill", skill, "template", templateID, "steps", len(tmpl.Steps))
	return run, nil
}

// GetWorkflowState returns the run and all its step statuses.
func (e *Engine) GetWorkflowState(runID int64) (*WorkflowState, error) {
	run, err := e.runs.GetRun(runID)
	if err != nil {
		return nil, err
	}
	steps, err := e.runs.GetSteps(runID)
	if err != nil {
		return nil, err
	}
	return &WorkflowState{Run: run, Steps: steps}, nil
}

// AdvanceStep executes one step and blocks until its worker reaches a
// terminal state. On success the step's artifacts are durably written
// BEFORE current_step advances; an artifact persist failure leaves the
// run where it was. On worker failure the step stays in_progress with an
// error summary and may be retried without a reset.
func (e *Engine) AdvanceStep(ctx context.Context, runID int64, input StepInput) (*StepResult, error) {
	ctx, span := e.tracer.Start(ctx, "engine.advance_step",
		trace.WithAttributes(
			attribute.Int64("run.id", runID),
			attribute.Int("step.index", input.StepIndex)))
	defer span.End()

	run, agentID, sub, err := e.beginStep(ctx, runID, input)
	if err != nil {
		return nil, err
	}
	return e.awaitStep(ctx, run, agentID, input.StepIndex, sub)
}

// StartStep validates and spawns like AdvanceStep but returns the agent
// id as soon as the worker is running; completion is handled on a
// background goroutine. This is the async surface the GUI uses.
func (e *Engine) StartStep(ctx context.Context, runID int64, input StepInput) (string, error) {
	// The caller's context is typically a request context that is
	// cancelled as soon as the response is written; execution must
	// outlive it. Only its values (trace propagation) carry over.
	stepCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run, agentID, sub, err := e.beginStep(stepCtx, runID, input)
	if err != nil {
		cancel()
		return "", err
	}
	log.SafeGo("engine-step-"+agentID, func() {
		defer cancel()
		if _, err := e.awaitStep(stepCtx, run, agentID, input.StepIndex, sub); err != nil {
			log.ErrorErr(log.CatEngine, "async step execution", err,
				"runID", runID, "step", input.StepIndex, "agentID", agentID)
		}
	})
	return agentID, nil
}

// beginStep validates the transition, marks the step in_progress, and
// spawns the worker. The broker subscription is taken before the spawn
// so no event can be missed.
func (e *Engine) beginStep(ctx context.Context, runID int64, input StepInput) (*domain.Run, string, <-chan events.AgentEvent, error) {
	run, err := e.validateAdvance(runID, input.StepIndex)
	if err != nil {
		return nil, "", nil, err
	}

	now := time.Now()
	step, err := e.runs.GetStep(runID, input.StepIndex)
	if err != nil {
		return nil, "", nil, err
	}
	step.Status = domain.StepInProgress
	step.ErrorSummary = ""
	step.StartedAt = &now
	step.CompletedAt = nil
	if err := e.runs.UpdateStep(step); err != nil {
		return nil, "", nil, err
	}
	if run.Status != domain.RunInProgress {
		run.Status = domain.RunInProgress
		if err := e.runs.UpdateRun(run); err != nil {
			return nil, "", nil, err
		}
	}

	agentID := uuid.NewString()
	sub := e.broker.Subscribe(ctx)

	_, err = e.pool.Spawn(ctx, agentID, pool.SpawnConfig{
		Executable:   input.Executable,
		Args:         input.Args,
		WorkDir:      input.WorkDir,
		Env:          input.Env,
		RunID:        runID,
		StepIndex:    input.StepIndex,
		WatchWorkDir: input.WatchWorkDir,
	})
	if err != nil {
		e.flagStep(runID, input.StepIndex, fmt.Sprintf("spawn failed: %v", err))
		return nil, "", nil, err
	}

	e.mu.Lock()
	e.live[runID] = agentID
	e.mu.Unlock()

	log.Info(log.CatEngine, "step started",
		"runID", runID, "step", input.StepIndex, "agentID", agentID)
	return run, agentID, sub, nil
}

// validateAdvance applies the non-transient preconditions: run exists,
// lock held, the target step is the run's next step, and the preceding
// gate (if any) has passed. No state changes on failure.
func (e *Engine) validateAdvance(runID int64, stepIndex int) (*domain.Run, error) {
	run, err := e.runs.GetRun(runID)
	if err != nil {
		return nil, err
	}
	if e.guard != nil && !e.guard.Holds(run.Skill) {
		return nil, &domain.LockNotOwnedError{Skill: run.Skill}
	}
	tmpl := e.registry.Get(run.TemplateID)
	if tmpl == nil {
		return nil, fmt.Errorf("run %d references unknown template %q", runID, run.TemplateID)
	}
	// current_step is the next step to execute; it covers both the first
	// attempt and a retry, since it only advances on completion.
	if stepIndex != run.CurrentStep || stepIndex >= len(tmpl.Steps) {
		return nil, &domain.InvalidStepTransitionError{
			RunID: runID, Current: run.CurrentStep, Requested: stepIndex,
		}
	}

	step, err := e.runs.GetStep(runID, stepIndex)
	if err != nil {
		return nil, err
	}
	// Gates apply when entering a step fresh. A retry of an in_progress
	// step already passed its gate.
	if step.Status == domain.StepPending && stepIndex > 0 && tmpl.Step(stepIndex-1).Gate {
		if err := e.checkGate(runID, stepIndex-1); err != nil {
			return nil, err
		}
	}
	return run, nil
}

// awaitStep consumes bus events for the invocation until its terminal
// event, collecting artifact payloads along the way.
func (e *Engine) awaitStep(ctx context.Context, run *domain.Run, agentID string, stepIndex int, sub <-chan events.AgentEvent) (*StepResult, error) {
	defer func() {
		e.mu.Lock()
		if e.live[run.ID] == agentID {
			delete(e.live, run.ID)
		}
		e.mu.Unlock()
	}()

	var collected []domain.Artifact
	for ev := range sub {
		if ev.AgentID != agentID {
			continue
		}
		switch ev.Type {
		case events.AgentMessage:
			if ev.Message != nil && ev.Message.Type == events.EventArtifact && ev.Message.Artifact != nil {
				collected = append(collected, domain.Artifact{
					RunID:     run.ID,
					StepIndex: stepIndex,
					Path:      ev.Message.Artifact.Path,
					Content:   ev.Message.Artifact.Content,
				})
			}
		case events.AgentExit:
			return e.finishStep(ctx, run, agentID, stepIndex, ev.Exit, collected)
		case events.AgentInitProgress:
		}
	}

	// Subscription closed before the terminal event: the context was
	// cancelled. Cancel the worker; its exit will be published for any
	// remaining subscribers.
	e.pool.Cancel(agentID)
	e.flagStep(run.ID, stepIndex, "cancelled")
	return &StepResult{
		AgentID: agentID, StepIndex: stepIndex, Success: false, ErrorSummary: "cancelled",
	}, ctx.Err()
}

// finishStep applies the terminal outcome. Write ordering on success is
// artifacts, then step, then run, so a crash at any point leaves
// current_step pointing at a step whose artifacts are durable.
func (e *Engine) finishStep(ctx context.Context, run *domain.Run, agentID string, stepIndex int, exit *events.ExitInfo, collected []domain.Artifact) (*StepResult, error) {
	result := &StepResult{AgentID: agentID, StepIndex: stepIndex, Exit: exit}

	if exit == nil || !exit.Success {
		summary := "worker failed"
		if exit != nil {
			switch {
			case exit.Err != "":
				summary = exit.Err
			case exit.Reason == events.ExitCancelled:
				summary = "cancelled"
			case exit.Reason == events.ExitReaped:
				summary = "reaped after idle timeout"
			default:
				summary = fmt.Sprintf("worker exited with code %d", exit.ExitCode)
			}
		}
		e.flagStep(run.ID, stepIndex, summary)
		result.ErrorSummary = summary
		log.Warn(log.CatEngine, "step failed",
			"runID", run.ID, "step", stepIndex, "agentID", agentID, "summary", summary)
		return result, nil
	}

	_, span := e.tracer.Start(ctx, "engine.persist_artifacts",
		trace.WithAttributes(attribute.Int("artifact.count", len(collected))))
	e.logOverwrites(run.ID, stepIndex, collected)
	err := e.artifacts.SaveAll(collected)
	span.End()
	if err != nil {
		perr := &domain.ArtifactPersistError{RunID: run.ID, StepIndex: stepIndex, Err: err}
		e.flagStep(run.ID, stepIndex, perr.Error())
		result.ErrorSummary = perr.Error()
		return result, perr
	}

	now := time.Now()
	step, err := e.runs.GetStep(run.ID, stepIndex)
	if err != nil {
		return result, err
	}
	step.Status = domain.StepCompleted
	step.ErrorSummary = ""
	step.CompletedAt = &now
	if err := e.runs.UpdateStep(step); err != nil {
		return result, err
	}

	tmpl := e.registry.Get(run.TemplateID)
	run.CurrentStep = stepIndex + 1
	if tmpl != nil && run.CurrentStep >= len(tmpl.Steps) {
		run.Status = domain.RunCompleted
	}
	if err := e.runs.UpdateRun(run); err != nil {
		return result, err
	}

	result.Success = true
	for _, a := range collected {
		result.ArtifactPaths = append(result.ArtifactPaths, a.Path)
	}
	log.Info(log.CatEngine, "step completed",
		"runID", run.ID, "step", stepIndex, "artifacts", len(collected))
	return result, nil
}

// flagStep records a failure summary on a step without changing its
// status, keeping it re-runnable.
func (e *Engine) flagStep(runID int64, stepIndex int, summary string) {
	step, err := e.runs.GetStep(runID, stepIndex)
	if err != nil {
		log.ErrorErr(log.CatEngine, "flagging failed step", err, "runID", runID, "step", stepIndex)
		return
	}
	step.ErrorSummary = summary
	if err := e.runs.UpdateStep(step); err != nil {
		log.ErrorErr(log.CatEngine, "flagging failed step", err, "runID", runID, "step", stepIndex)
	}
}

// RecoverInterrupted flags steps left in_progress by a previous process
// as interrupted. They keep their status and stay re-runnable. Called
// once at startup before any step executes.
func (e *Engine) RecoverInterrupted() error {
	steps, err := e.runs.ListInProgressSteps()
	if err != nil {
		return err
	}
	for i := range steps {
		step := &steps[i]
		if step.ErrorSummary == "" {
			step.ErrorSummary = "interrupted by shutdown"
		}
		if err := e.runs.UpdateStep(step); err != nil {
			return err
		}
		log.Warn(log.CatEngine, "recovered interrupted step",
			"runID", step.RunID, "step", step.Index)
	}
	return nil
}
