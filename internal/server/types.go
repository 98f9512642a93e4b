package server

import (
	"time"

	"github.com/zjrosen/skillforge/internal/orchestration/engine"
	"github.com/zjrosen/skillforge/internal/skills/domain"
)

// APIError is the standard error response shape.
type APIError struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status string `json:"status"`
}

// CreateRunRequest starts a new workflow run for a skill.
type CreateRunRequest struct {
	Skill      string            `json:"skill"`
	TemplateID string            `json:"template_id"`
	Intake     map[string]string `json:"intake,omitempty"`
}

// RunResponse describes a run.
type RunResponse struct {
	ID          int64             `json:"id"`
	GUID        string            `json:"guid"`
	Skill       string            `json:"skill"`
	TemplateID  string            `json:"template_id"`
	CurrentStep int               `json:"current_step"`
	Status      string            `json:"status"`
	Intake      map[string]string `json:"intake,omitempty"`
}

// StepResponse describes one step's status.
type StepResponse struct {
	Index        int        `json:"index"`
	Name         string     `json:"name"`
	Status       string     `json:"status"`
	ErrorSummary string     `json:"error_summary,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// WorkflowStateResponse is the read-only run view.
type WorkflowStateResponse struct {
	Run   RunResponse    `json:"run"`
	Steps []StepResponse `json:"steps"`
}

// RunStepRequest starts asynchronous execution of one step.
type RunStepRequest struct {
	StepIndex    int      `json:"step_index"`
	Executable   string   `json:"executable"`
	Args         []string `json:"args,omitempty"`
	WorkDir      string   `json:"work_dir,omitempty"`
	Env          []string `json:"env,omitempty"`
	WatchWorkDir bool     `json:"watch_work_dir,omitempty"`
}

// RunStepResponse returns the agent id executing the step.
type RunStepResponse struct {
	AgentID string `json:"agent_id"`
}

// ResetPreviewRequest previews a destructive reset.
type ResetPreviewRequest struct {
	StepIndex int `json:"step_index"`
}

// ResetConfirmRequest executes a previewed reset.
type ResetConfirmRequest struct {
	Token string `json:"token"`
}

// ResetConfirmResponse lists the deleted artifact paths.
type ResetConfirmResponse struct {
	DeletedPaths []string `json:"deleted_paths"`
}

// GateRequest evaluates the run's pending gate.
type GateRequest struct {
	Answers []engine.GateAnswer `json:"answers"`
}

// LockRequest names the skill to lock or unlock.
type LockRequest struct {
	Skill string `json:"skill"`
}

// LockResponse reports the acquired lock's identity.
type LockResponse struct {
	Skill      string `json:"skill"`
	InstanceID string `json:"instance_id"`
}

// UsageResponse lists usage records for an agent id.
type UsageResponse struct {
	Records []domain.UsageRecord `json:"records"`
}

func runResponse(run *domain.Run) RunResponse {
	return RunResponse{
		ID:          run.ID,
		GUID:        run.GUID,
		Skill:       run.Skill,
		TemplateID:  run.TemplateID,
		CurrentStep: run.CurrentStep,
		Status:      string(run.Status),
		Intake:      run.Intake,
	}
}

func stateResponse(state *engine.WorkflowState) WorkflowStateResponse {
	resp := WorkflowStateResponse{Run: runResponse(state.Run)}
	for _, s := range state.Steps {
		resp.Steps = append(resp.Steps, StepResponse{
			Index:        s.Index,
			Name:         s.Name,
			Status:       string(s.Status),
			ErrorSummary: s.ErrorSummary,
			StartedAt:    s.StartedAt,
			CompletedAt:  s.CompletedAt,
		})
	}
	return resp
}
