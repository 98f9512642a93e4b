package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/skillforge/internal/infrastructure/sqlite"
	"github.com/zjrosen/skillforge/internal/orchestration/engine"
	"github.com/zjrosen/skillforge/internal/orchestration/events"
	"github.com/zjrosen/skillforge/internal/orchestration/lock"
	"github.com/zjrosen/skillforge/internal/orchestration/pool"
	"github.com/zjrosen/skillforge/internal/orchestration/workflow"
	"github.com/zjrosen/skillforge/internal/pubsub"
	"github.com/zjrosen/skillforge/internal/skills/domain"
)

const testTemplate = `---
name: Mini
steps:
  - name: research
  - name: generate
---
`

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("subprocess tests use sh; skipping on windows")
	}
}

type testServer struct {
	mux    *http.ServeMux
	db     *sqlite.DB
	broker *pubsub.Broker[events.AgentEvent]
	locks  *lock.Manager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	db, err := sqlite.NewDB(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	tmplDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tmplDir, "mini.md"), []byte(testTemplate), 0o644))
	reg, err := workflow.NewRegistry(tmplDir)
	require.NoError(t, err)

	broker := pubsub.NewBroker[events.AgentEvent]()
	t.Cleanup(broker.Shutdown)

	p := pool.New(broker, pool.Options{ReaperInterval: time.Hour})
	t.Cleanup(func() { p.ShutdownAll(2 * time.Second) })

	locks := lock.NewManager(db.LockRepository(), lock.Options{HeartbeatInterval: time.Hour})
	t.Cleanup(locks.ReleaseAll)

	eng := engine.New(db.RunRepository(), db.ArtifactRepository(), reg, p, broker, engine.Options{})

	mux := http.NewServeMux()
	NewHandler(eng, locks, p, broker, db.UsageRepository()).RegisterAPIRoutes(mux)
	return &testServer{mux: mux, db: db, broker: broker, locks: locks}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	ts.mux.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) createRun(t *testing.T, skill string) RunResponse {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/runs", CreateRunRequest{Skill: skill, TemplateID: "mini"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var run RunResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&run))
	return run
}

func TestHandler_Health(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"ok"`)
}

func TestHandler_CreateRunAndState(t *testing.T) {
	ts := newTestServer(t)
	run := ts.createRun(t, "pdf-summarizer")
	require.Equal(t, "pdf-summarizer", run.Skill)
	require.Equal(t, "pending", run.Status)

	rec := ts.do(t, http.MethodGet, "/api/runs/"+itoa(run.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var state WorkflowStateResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&state))
	require.Len(t, state.Steps, 2)
	require.Equal(t, "research", state.Steps[0].Name)
}

func TestHandler_CreateRunValidation(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/runs", CreateRunRequest{Skill: "x"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/runs", CreateRunRequest{Skill: "x", TemplateID: "nope"})
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHandler_GetUnknownRun(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/runs/999", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	var apiErr APIError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&apiErr))
	require.Equal(t, "run_not_found", apiErr.Code)

	rec = ts.do(t, http.MethodGet, "/api/runs/abc", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_RunStepValidation(t *testing.T) {
	ts := newTestServer(t)
	run := ts.createRun(t, "sk")

	// Missing executable.
	rec := ts.do(t, http.MethodPost, "/api/runs/"+itoa(run.ID)+"/steps", RunStepRequest{})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Out-of-order step index maps to 409.
	rec = ts.do(t, http.MethodPost, "/api/runs/"+itoa(run.ID)+"/steps", RunStepRequest{
		StepIndex: 1, Executable: "sh",
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	var apiErr APIError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&apiErr))
	require.Equal(t, "invalid_step_transition", apiErr.Code)
}

func TestHandler_RunStepOutlivesRequest(t *testing.T) {
	requireUnix(t)
	ts := newTestServer(t)
	run := ts.createRun(t, "sk")

	// A real server cancels the request context as soon as the 202 is
	// written; the step must keep executing regardless.
	srv := httptest.NewServer(ts.mux)
	t.Cleanup(srv.Close)

	body, err := json.Marshal(RunStepRequest{
		StepIndex: 0, Executable: "sh", Args: []string{"-c", "sleep 0.3; exit 0"},
	})
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+"/api/runs/"+itoa(run.ID)+"/steps",
		"application/json", bytes.NewReader(body))
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		rec := ts.do(t, http.MethodGet, "/api/runs/"+itoa(run.ID), nil)
		if rec.Code != http.StatusOK {
			return false
		}
		var state WorkflowStateResponse
		if err := json.NewDecoder(rec.Body).Decode(&state); err != nil {
			return false
		}
		return state.Steps[0].Status == "completed" && state.Run.CurrentStep == 1
	}, 10*time.Second, 20*time.Millisecond)
}

func TestHandler_ResetPreviewAndConfirm(t *testing.T) {
	ts := newTestServer(t)
	run := ts.createRun(t, "sk")

	require.NoError(t, ts.db.ArtifactRepository().SaveAll([]domain.Artifact{
		{RunID: run.ID, StepIndex: 0, Path: "a.md", Content: []byte("x")},
	}))

	rec := ts.do(t, http.MethodPost, "/api/runs/"+itoa(run.ID)+"/reset/preview",
		ResetPreviewRequest{StepIndex: 0})
	require.Equal(t, http.StatusOK, rec.Code)
	var preview engine.ResetPreview
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&preview))
	require.Equal(t, []string{"a.md"}, preview.Paths)

	rec = ts.do(t, http.MethodPost, "/api/runs/"+itoa(run.ID)+"/reset/confirm",
		ResetConfirmRequest{Token: preview.Token})
	require.Equal(t, http.StatusOK, rec.Code)
	var confirmed ResetConfirmResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&confirmed))
	require.Equal(t, []string{"a.md"}, confirmed.DeletedPaths)

	// Stale token is refused.
	rec = ts.do(t, http.MethodPost, "/api/runs/"+itoa(run.ID)+"/reset/confirm",
		ResetConfirmRequest{Token: preview.Token})
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHandler_ResetPreviewOutOfRange(t *testing.T) {
	ts := newTestServer(t)
	run := ts.createRun(t, "sk")

	rec := ts.do(t, http.MethodPost, "/api/runs/"+itoa(run.ID)+"/reset/preview",
		ResetPreviewRequest{StepIndex: 9})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var apiErr APIError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&apiErr))
	require.Equal(t, "step_not_resettable", apiErr.Code)
}

func TestHandler_EvaluateGate(t *testing.T) {
	ts := newTestServer(t)
	run := ts.createRun(t, "sk")

	rec := ts.do(t, http.MethodPost, "/api/runs/"+itoa(run.ID)+"/gate", GateRequest{
		Answers: []engine.GateAnswer{{Question: "q", Answer: "a", Confidence: "high"}},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var decision engine.GateDecision
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&decision))
	require.Equal(t, engine.GateProceed, decision.Outcome)
}

func TestHandler_Locks(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/locks/acquire", LockRequest{Skill: "sk"})
	require.Equal(t, http.StatusOK, rec.Code)
	var lockResp LockResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&lockResp))
	require.Equal(t, ts.locks.InstanceID(), lockResp.InstanceID)

	rec = ts.do(t, http.MethodPost, "/api/locks/release", LockRequest{Skill: "sk"})
	require.Equal(t, http.StatusNoContent, rec.Code)

	// Releasing again is a conflict: not the owner of a nonexistent lock.
	rec = ts.do(t, http.MethodPost, "/api/locks/release", LockRequest{Skill: "sk"})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandler_CancelUnknownAgentIsNoOp(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/agents/ghost/cancel", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHandler_AgentUsageEmpty(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/agents/a1/usage", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandler_StreamEvents(t *testing.T) {
	ts := newTestServer(t)

	srv := httptest.NewServer(ts.mux)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events?agent_id=a1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Give the subscription a moment to be registered, then publish.
	time.Sleep(50 * time.Millisecond)
	ts.broker.Publish(events.AgentEvent{
		Type:    events.AgentExit,
		AgentID: "a1",
		Exit:    &events.ExitInfo{Success: true, Reason: events.ExitNormal},
	})
	ts.broker.Publish(events.AgentEvent{
		Type:    events.AgentExit,
		AgentID: "other",
		Exit:    &events.ExitInfo{Success: true, Reason: events.ExitNormal},
	})

	reader := bufio.NewReader(resp.Body)
	var lines []string
	for len(lines) < 2 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.TrimSpace(line) != "" {
			lines = append(lines, strings.TrimSpace(line))
		}
	}
	require.Equal(t, "event: agent-exit", lines[0])
	require.True(t, strings.HasPrefix(lines[1], "data: "))
	require.Contains(t, lines[1], `"agent_id":"a1"`)
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
