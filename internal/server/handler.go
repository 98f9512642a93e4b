// Package server exposes the orchestration core to the GUI as an HTTP
// API plus a server-sent-events stream of agent events. The GUI itself
// is a separate process; this facade is the only surface it talks to.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/zjrosen/skillforge/internal/log"
	"github.com/zjrosen/skillforge/internal/orchestration/engine"
	"github.com/zjrosen/skillforge/internal/orchestration/events"
	"github.com/zjrosen/skillforge/internal/orchestration/lock"
	"github.com/zjrosen/skillforge/internal/orchestration/pool"
	"github.com/zjrosen/skillforge/internal/pubsub"
	"github.com/zjrosen/skillforge/internal/skills/domain"
)

// Handler provides the HTTP endpoints backing the GUI command surface.
type Handler struct {
	engine *engine.Engine
	locks  *lock.Manager
	pool   *pool.Pool
	broker *pubsub.Broker[events.AgentEvent]
	usage  domain.UsageRepository
}

// NewHandler creates a Handler over the orchestration components.
func NewHandler(
	eng *engine.Engine,
	locks *lock.Manager,
	p *pool.Pool,
	broker *pubsub.Broker[events.AgentEvent],
	usage domain.UsageRepository,
) *Handler {
	return &Handler{engine: eng, locks: locks, pool: p, broker: broker, usage: usage}
}

// RegisterAPIRoutes registers all API routes on the provided mux.
func (h *Handler) RegisterAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", h.Health)

	mux.HandleFunc("POST /api/runs", h.CreateRun)
	mux.HandleFunc("GET /api/runs/{id}", h.GetWorkflowState)
	mux.HandleFunc("POST /api/runs/{id}/steps", h.RunWorkflowStep)
	mux.HandleFunc("POST /api/runs/{id}/gate", h.EvaluateGate)
	mux.HandleFunc("POST /api/runs/{id}/reset/preview", h.PreviewReset)
	mux.HandleFunc("POST /api/runs/{id}/reset/confirm", h.ConfirmReset)

	mux.HandleFunc("POST /api/agents/{id}/cancel", h.CancelAgent)
	mux.HandleFunc("GET /api/agents/{id}/usage", h.AgentUsage)

	mux.HandleFunc("POST /api/locks/acquire", h.AcquireLock)
	mux.HandleFunc("POST /api/locks/release", h.ReleaseLock)

	mux.HandleFunc("GET /api/events", h.StreamEvents)
}

// Health returns a simple health check response.
// GET /api/health
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// CreateRun starts a new workflow run for a skill.
// POST /api/runs
func (h *Handler) CreateRun(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}
	if req.Skill == "" || req.TemplateID == "" {
		h.writeError(w, http.StatusBadRequest, "validation_error", "skill and template_id are required", "")
		return
	}
	run, err := h.engine.CreateRun(req.Skill, req.TemplateID, req.Intake)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, runResponse(run))
}

// GetWorkflowState returns the run and all step statuses.
// GET /api/runs/{id}
func (h *Handler) GetWorkflowState(w http.ResponseWriter, r *http.Request) {
	runID, ok := h.runID(w, r)
	if !ok {
		return
	}
	state, err := h.engine.GetWorkflowState(runID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stateResponse(state))
}

// RunWorkflowStep begins asynchronous execution of one step and returns
// the agent id immediately; progress arrives on the event stream.
// POST /api/runs/{id}/steps
func (h *Handler) RunWorkflowStep(w http.ResponseWriter, r *http.Request) {
	runID, ok := h.runID(w, r)
	if !ok {
		return
	}
	var req RunStepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}
	if req.Executable == "" {
		h.writeError(w, http.StatusBadRequest, "validation_error", "executable is required", "")
		return
	}

	agentID, err := h.engine.StartStep(r.Context(), runID, engine.StepInput{
		StepIndex:    req.StepIndex,
		Executable:   req.Executable,
		Args:         req.Args,
		WorkDir:      req.WorkDir,
		Env:          req.Env,
		WatchWorkDir: req.WatchWorkDir,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, RunStepResponse{AgentID: agentID})
}

// EvaluateGate evaluates the run's pending human-confirmation gate.
// POST /api/runs/{id}/gate
func (h *Handler) EvaluateGate(w http.ResponseWriter, r *http.Request) {
	runID, ok := h.runID(w, r)
	if !ok {
		return
	}
	var req GateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}
	decision, err := h.engine.EvaluateGate(runID, req.Answers)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, decision)
}

// PreviewReset reports which artifact paths a reset would delete and
// returns a confirmation token. Nothing is deleted.
// POST /api/runs/{id}/reset/preview
func (h *Handler) PreviewReset(w http.ResponseWriter, r *http.Request) {
	runID, ok := h.runID(w, r)
	if !ok {
		return
	}
	var req ResetPreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}
	preview, err := h.engine.PreviewReset(runID, req.StepIndex)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, preview)
}

// ConfirmReset executes a previously previewed reset.
// POST /api/runs/{id}/reset/confirm
func (h *Handler) ConfirmReset(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.runID(w, r); !ok {
		return
	}
	var req ResetConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}
	deleted, err := h.engine.ConfirmReset(r.Context(), req.Token)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if deleted == nil {
		deleted = []string{}
	}
	h.writeJSON(w, http.StatusOK, ResetConfirmResponse{DeletedPaths: deleted})
}

// CancelAgent cancels a live invocation. Cancelling an unknown or
// already-terminal agent is a no-op.
// POST /api/agents/{id}/cancel
func (h *Handler) CancelAgent(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	if agentID == "" {
		h.writeError(w, http.StatusBadRequest, "validation_error", "agent id is required", "")
		return
	}
	h.pool.Cancel(agentID)
	w.WriteHeader(http.StatusNoContent)
}

// AgentUsage lists usage records for an agent id.
// GET /api/agents/{id}/usage
func (h *Handler) AgentUsage(w http.ResponseWriter, r *http.Request) {
	records, err := h.usage.ListByAgent(r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, UsageResponse{Records: records})
}

// AcquireLock takes the skill lock for this instance.
// POST /api/locks/acquire
func (h *Handler) AcquireLock(w http.ResponseWriter, r *http.Request) {
	var req LockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}
	if req.Skill == "" {
		h.writeError(w, http.StatusBadRequest, "validation_error", "skill is required", "")
		return
	}
	if err := h.locks.Acquire(req.Skill); err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, LockResponse{Skill: req.Skill, InstanceID: h.locks.InstanceID()})
}

// ReleaseLock drops the skill lock.
// POST /api/locks/release
func (h *Handler) ReleaseLock(w http.ResponseWriter, r *http.Request) {
	var req LockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}
	if err := h.locks.Release(req.Skill); err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// runID extracts and parses the {id} path value, writing the error
// response itself on failure.
func (h *Handler) runID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_run_id", "Run id must be an integer", r.PathValue("id"))
		return 0, false
	}
	return id, true
}

// writeJSON writes a JSON response with the given status code.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.ErrorErr(log.CatServer, "encoding JSON response", err)
	}
}

// writeError writes an error response in the standard APIError format.
func (h *Handler) writeError(w http.ResponseWriter, status int, code, message, details string) {
	h.writeJSON(w, status, APIError{Error: message, Code: code, Details: details})
}

// writeDomainError maps domain error types onto HTTP statuses. A lock
// conflict reports the holder's identity in the details.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	var (
		notFound       *domain.RunNotFoundError
		invalidStep    *domain.InvalidStepTransitionError
		gateBlocked    *domain.GateBlockedError
		lockHeld       *domain.LockHeldError
		lockNotOwned   *domain.LockNotOwnedError
		notResettable  *domain.StepNotResettableError
		duplicate      *domain.DuplicateInvocationError
		spawnFailed    *domain.WorkerSpawnFailedError
		persistFailure *domain.ArtifactPersistError
	)
	switch {
	case errors.As(err, &notFound):
		h.writeError(w, http.StatusNotFound, "run_not_found", err.Error(), "")
	case errors.As(err, &invalidStep):
		h.writeError(w, http.StatusConflict, "invalid_step_transition", err.Error(), "")
	case errors.As(err, &gateBlocked):
		h.writeError(w, http.StatusConflict, "gate_blocked", err.Error(), "")
	case errors.As(err, &lockHeld):
		h.writeError(w, http.StatusConflict, "lock_held", err.Error(),
			fmt.Sprintf("holder=%s pid=%d", lockHeld.HolderID, lockHeld.HolderPID))
	case errors.As(err, &lockNotOwned):
		h.writeError(w, http.StatusConflict, "lock_not_owned", err.Error(), "")
	case errors.As(err, &notResettable):
		h.writeError(w, http.StatusBadRequest, "step_not_resettable", err.Error(), "")
	case errors.As(err, &duplicate):
		h.writeError(w, http.StatusConflict, "duplicate_invocation", err.Error(), "")
	case errors.As(err, &spawnFailed):
		h.writeError(w, http.StatusBadGateway, "worker_spawn_failed", err.Error(), "")
	case errors.As(err, &persistFailure):
		h.writeError(w, http.StatusInternalServerError, "artifact_persist_failed", err.Error(), "")
	default:
		h.writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), "")
	}
}
