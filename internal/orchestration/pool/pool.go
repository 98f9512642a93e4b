// Package pool manages worker process lifecycle for agent invocations.
//
// Each invocation is one OS process identified by a caller-supplied opaque
// agent id. The pool enforces at most one live process per agent id, reaps
// invocations that have been idle past a threshold, and funnels explicit
// cancellation, idle-reaping, and shutdown through a single termination
// path so every invocation produces exactly one terminal event.
package pool

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/zjrosen/skillforge/internal/log"
	"github.com/zjrosen/skillforge/internal/orchestration/bridge"
	"github.com/zjrosen/skillforge/internal/orchestration/events"
	"github.com/zjrosen/skillforge/internal/pubsub"
	"github.com/zjrosen/skillforge/internal/skills/domain"
)

// State is the lifecycle state of an invocation.
type State string

const (
	StateSpawning  State = "spawning"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateReaped    State = "reaped"
	StateError     State = "error"
)

// terminal reports whether s is a terminal lifecycle state.
func (s State) terminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateReaped, StateError:
		return true
	default:
		return false
	}
}

// Clock abstracts time for the idle reaper (allows testing).
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// SpawnConfig describes one worker process.
type SpawnConfig struct {
	Executable string
	Args       []string
	WorkDir    string
	Env        []string
	RunID      int64
	StepIndex  int
	// WatchWorkDir enables a filesystem watcher on WorkDir that counts
	// file activity toward the invocation's last-activity timestamp.
	WatchWorkDir bool
}

// Invocation tracks one spawned worker process. It exists only while the
// pool owns the process; nothing here is persisted beyond usage metrics.
type Invocation struct {
	AgentID   string
	RunID     int64
	StepIndex int
	StartedAt time.Time

	mu           sync.Mutex
	state        State
	lastActivity time.Time
	exitReason   events.ExitReason

	cmd     *exec.Cmd
	stderr  *bytes.Buffer
	watcher *workdirWatcher
	done    chan struct{}
}

// State returns the invocation's current lifecycle state.
func (inv *Invocation) State() State {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.state
}

// LastActivity returns the time of the most recent observed activity.
func (inv *Invocation) LastActivity() time.Time {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.lastActivity
}

// Done is closed once the invocation reaches a terminal state and its
// terminal event has been published.
func (inv *Invocation) Done() <-chan struct{} { return inv.done }

// Options configures a Pool.
type Options struct {
	// IdleTimeout is how long an invocation may go without activity before
	// the reaper cancels it. Defaults to 5 minutes.
	IdleTimeout time.Duration
	// ReaperInterval is how often the idle sweep runs. Defaults to 1 minute.
	ReaperInterval time.Duration
	// KillGrace is how long a cancelled process gets to exit after the
	// cooperative interrupt before it is hard-killed. Defaults to 5 seconds.
	KillGrace time.Duration
	// Clock overrides the time source (for testing).
	Clock Clock
}

// Pool spawns and tracks worker processes. Construct one at startup and
// hand it to every component that needs it; there is no package-level
// shared pool.
type Pool struct {
	bridge *bridge.Bridge

	idleTimeout    time.Duration
	reaperInterval time.Duration
	killGrace      time.Duration
	clock          Clock

	mu          sync.Mutex
	invocations map[string]*Invocation

	// beforeStart, when set, runs between the id reservation and the
	// process start. Test seam for the pre-start cancellation window.
	beforeStart func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Pool publishing through broker and starts the idle reaper.
// Stream events count as activity for the idle reaper, so a worker that is
// still emitting output is never reaped.
func New(broker *pubsub.Broker[events.AgentEvent], opts Options) *Pool {
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = 5 * time.Minute
	}
	if opts.ReaperInterval == 0 {
		opts.ReaperInterval = time.Minute
	}
	if opts.KillGrace == 0 {
		opts.KillGrace = 5 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		idleTimeout:    opts.IdleTimeout,
		reaperInterval: opts.ReaperInterval,
		killGrace:      opts.KillGrace,
		clock:          opts.Clock,
		invocations:    make(map[string]*Invocation),
		ctx:            ctx,
		cancel:         cancel,
	}
	p.bridge = bridge.New(broker, bridge.WithActivityFunc(p.Touch))

	p.wg.Add(1)
	log.SafeGo("pool.reaper", func() {
		defer p.wg.Done()
		p.reaperLoop()
	})

	return p
}

// Spawn starts one worker process for agentID. It fails with
// DuplicateInvocationError if the id is already tracked and live, and with
// WorkerSpawnFailedError if the OS-level start fails. On success the
// process's stdout is streamed through the bridge until exit, at which
// point exactly one terminal event is published.
func (p *Pool) Spawn(ctx context.Context, agentID string, cfg SpawnConfig) (*Invocation, error) {
	now := p.clock.Now()
	inv := &Invocation{
		AgentID:      agentID,
		RunID:        cfg.RunID,
		StepIndex:    cfg.StepIndex,
		StartedAt:    now,
		state:        StateSpawning,
		lastActivity: now,
		stderr:       &bytes.Buffer{},
		done:         make(chan struct{}),
	}

	// Reserve the id before starting the process so a concurrent Spawn
	// under the same id fails instead of orphaning the first process.
	p.mu.Lock()
	if existing, ok := p.invocations[agentID]; ok && !existing.State().terminal() {
		p.mu.Unlock()
		return nil, &domain.DuplicateInvocationError{AgentID: agentID}
	}
	p.invocations[agentID] = inv
	p.mu.Unlock()

	cmd := exec.CommandContext(ctx, cfg.Executable, cfg.Args...) //nolint:gosec // G204: executable comes from app config
	cmd.Dir = cfg.WorkDir
	if len(cfg.Env) > 0 {
		cmd.Env = cfg.Env
	}
	cmd.Stderr = &lockedWriter{buf: inv.stderr, mu: &inv.mu}
	// Ask CommandContext to interrupt cooperatively; the hard kill is our
	// own two-phase fallback in terminate.
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGINT) }

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		p.release(agentID)
		return nil, &domain.WorkerSpawnFailedError{AgentID: agentID, Err: err}
	}

	if p.beforeStart != nil {
		p.beforeStart()
	}

	if err := cmd.Start(); err != nil {
		p.release(agentID)
		return nil, &domain.WorkerSpawnFailedError{AgentID: agentID, Err: err}
	}

	inv.mu.Lock()
	if inv.state.terminal() {
		// A cancel landed between the id reservation and the process
		// start; its terminal event is already published and the id
		// released. Stop the process we just started instead of running
		// it untracked.
		inv.mu.Unlock()
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return inv, nil
	}
	inv.cmd = cmd
	inv.state = StateRunning
	inv.mu.Unlock()

	if cfg.WatchWorkDir && cfg.WorkDir != "" {
		w, werr := newWorkdirWatcher(cfg.WorkDir, func() { p.Touch(agentID) })
		if werr != nil {
			log.Warn(log.CatPool, "workdir watcher unavailable",
				"agentID", agentID, "error", werr)
		} else {
			inv.watcher = w
		}
	}

	log.Info(log.CatPool, "worker spawned",
		"agentID", agentID, "pid", cmd.Process.Pid, "workDir", cfg.WorkDir)
	p.bridge.EmitProgress(agentID, "worker process started")

	// One goroutine per invocation owns reading its output stream.
	p.wg.Add(1)
	log.SafeGo("pool.stream."+agentID, func() {
		defer p.wg.Done()
		p.bridge.Stream(agentID, stdout)
		p.reap(inv)
	})

	return inv, nil
}

// Touch refreshes the last-activity timestamp for agentID. Unknown ids are
// ignored.
func (p *Pool) Touch(agentID string) {
	p.mu.Lock()
	inv, ok := p.invocations[agentID]
	p.mu.Unlock()
	if !ok {
		return
	}
	inv.mu.Lock()
	inv.lastActivity = p.clock.Now()
	inv.mu.Unlock()
}

// Cancel terminates the invocation if it is still live. Cancelling an
// unknown or already-terminal id is a no-op; a live cancellation always
// ends with a terminal event carrying the cancelled flag.
func (p *Pool) Cancel(agentID string) {
	p.cancelWithReason(agentID, events.ExitCancelled)
}

// Get returns the tracked invocation for agentID.
func (p *Pool) Get(agentID string) (*Invocation, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inv, ok := p.invocations[agentID]
	return inv, ok
}

// Live returns the agent ids of all non-terminal invocations.
func (p *Pool) Live() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.invocations))
	for id, inv := range p.invocations {
		if !inv.State().terminal() {
			ids = append(ids, id)
		}
	}
	return ids
}

// ShutdownAll cancels every live invocation, waits up to timeout for clean
// exits, then force-kills stragglers. Used at application exit.
func (p *Pool) ShutdownAll(timeout time.Duration) {
	p.cancel() // stops the reaper loop

	live := p.Live()
	for _, id := range live {
		p.cancelWithReason(id, events.ExitCancelled)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		log.Warn(log.CatPool, "shutdown timeout, force-killing stragglers",
			"count", len(p.Live()))
		for _, id := range p.Live() {
			if inv, ok := p.Get(id); ok {
				inv.mu.Lock()
				cmd := inv.cmd
				inv.mu.Unlock()
				if cmd != nil && cmd.Process != nil {
					_ = cmd.Process.Kill()
				}
			}
		}
		<-done
	}
}

// cancelWithReason is the single termination path shared by explicit
// cancellation, the idle reaper, and shutdown.
func (p *Pool) cancelWithReason(agentID string, reason events.ExitReason) {
	p.mu.Lock()
	inv, ok := p.invocations[agentID]
	p.mu.Unlock()
	if !ok {
		return
	}

	inv.mu.Lock()
	if inv.state.terminal() {
		inv.mu.Unlock()
		return
	}
	inv.exitReason = reason
	cmd := inv.cmd
	inv.mu.Unlock()

	log.Info(log.CatPool, "cancelling worker", "agentID", agentID, "reason", reason)

	if cmd == nil || cmd.Process == nil {
		// Never started; the spawn path already released it, but emit the
		// terminal event so subscribers are not left hanging.
		p.finish(inv, events.ExitInfo{
			Success:   false,
			ExitCode:  -1,
			Reason:    reason,
			Cancelled: true,
		})
		return
	}

	p.terminate(inv, cmd)
}

// terminate asks the process to stop, then hard-kills after the grace
// period if it has not exited. The stream goroutine observes the exit and
// publishes the terminal event.
func (p *Pool) terminate(inv *Invocation, cmd *exec.Cmd) {
	if err := cmd.Process.Signal(syscall.SIGINT); err != nil {
		_ = cmd.Process.Kill()
		return
	}

	grace := p.killGrace
	log.SafeGo("pool.killGrace", func() {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-timer.C:
			_ = cmd.Process.Kill()
		case <-inv.done:
		}
	})
}

// reap waits for the process and publishes the terminal event. Runs on the
// invocation's stream goroutine after stdout closes.
func (p *Pool) reap(inv *Invocation) {
	inv.mu.Lock()
	cmd := inv.cmd
	inv.mu.Unlock()

	waitErr := cmd.Wait()

	inv.mu.Lock()
	reason := inv.exitReason
	stderrTail := tail(inv.stderr.String(), 512)
	inv.mu.Unlock()

	cancelled := reason == events.ExitCancelled || reason == events.ExitReaped
	if reason == "" {
		reason = events.ExitNormal
	}

	exitCode := 0
	errMsg := ""
	success := waitErr == nil && !cancelled
	if waitErr != nil {
		exitCode = -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		if !cancelled {
			errMsg = waitErr.Error()
			if stderrTail != "" {
				errMsg += ": " + stderrTail
			}
		}
	}

	p.finish(inv, events.ExitInfo{
		Success:   success,
		ExitCode:  exitCode,
		Reason:    reason,
		Cancelled: cancelled,
		Err:       errMsg,
	})
}

// finish marks the invocation terminal, publishes its single exit event,
// and releases the agent id for reuse.
func (p *Pool) finish(inv *Invocation, info events.ExitInfo) {
	inv.mu.Lock()
	if inv.state.terminal() {
		inv.mu.Unlock()
		return
	}
	switch {
	case info.Reason == events.ExitReaped:
		inv.state = StateReaped
	case info.Cancelled:
		inv.state = StateCancelled
	case info.Success:
		inv.state = StateCompleted
	default:
		inv.state = StateError
	}
	watcher := inv.watcher
	inv.watcher = nil
	inv.mu.Unlock()

	if watcher != nil {
		watcher.Close()
	}

	p.bridge.EmitExit(inv.AgentID, info)
	close(inv.done)

	p.release(inv.AgentID)
	p.bridge.Forget(inv.AgentID)

	log.Info(log.CatPool, "worker finished",
		"agentID", inv.AgentID, "state", string(inv.State()),
		"success", info.Success, "exitCode", info.ExitCode)
}

// release removes the invocation from the tracking table.
func (p *Pool) release(agentID string) {
	p.mu.Lock()
	delete(p.invocations, agentID)
	p.mu.Unlock()
}

// reaperLoop cancels invocations whose last activity is older than the idle
// timeout. It runs on a fixed ticker and never blocks other operations.
func (p *Pool) reaperLoop() {
	ticker := time.NewTicker(p.reaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.sweepIdle()
		}
	}
}

// sweepIdle cancels every live invocation idle past the threshold.
func (p *Pool) sweepIdle() {
	now := p.clock.Now()

	p.mu.Lock()
	var idle []string
	for id, inv := range p.invocations {
		inv.mu.Lock()
		stale := !inv.state.terminal() && now.Sub(inv.lastActivity) > p.idleTimeout
		inv.mu.Unlock()
		if stale {
			idle = append(idle, id)
		}
	}
	p.mu.Unlock()

	for _, id := range idle {
		log.Warn(log.CatPool, "reaping idle worker", "agentID", id)
		p.cancelWithReason(id, events.ExitReaped)
	}
}

// tail returns at most the last n bytes of s.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// lockedWriter serializes writes to the stderr buffer with the
// invocation's mutex.
type lockedWriter struct {
	mu  *sync.Mutex
	buf *bytes.Buffer
}

func (w *lockedWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(b)
}
