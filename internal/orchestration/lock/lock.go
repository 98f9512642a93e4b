// Package lock implements advisory per-skill locks for multi-instance
// safety. One application instance holds at most one lock per skill;
// locks are backed by a database row carrying the holder's instance id,
// PID, and a heartbeat timestamp refreshed while the lock is held.
package lock

import (
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/skillforge/internal/log"
	"github.com/zjrosen/skillforge/internal/skills/domain"
)

const (
	// DefaultStaleAfter is how old a heartbeat must be before a lock
	// whose holder PID is dead may be reclaimed. Both conditions are
	// required: a dead PID alone is not enough, since PIDs are reused
	// by the OS.
	DefaultStaleAfter = 90 * time.Second

	// DefaultHeartbeatInterval is how often held locks are refreshed.
	DefaultHeartbeatInterval = 15 * time.Second
)

// Prober reports whether a PID refers to a live process.
type Prober interface {
	Alive(pid int) bool
}

// osProber probes with signal 0, which tests deliverability without
// delivering anything.
type osProber struct{}

func (osProber) Alive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Options configures a Manager. Zero values select defaults.
type Options struct {
	StaleAfter        time.Duration
	HeartbeatInterval time.Duration
	Prober            Prober
	Clock             Clock
}

// Manager acquires and releases skill locks for one application
// instance, identified by a process-unique instance id.
type Manager struct {
	repo       domain.LockRepository
	instanceID string
	pid        int
	staleAfter time.Duration
	interval   time.Duration
	prober     Prober
	clock      Clock

	mu   sync.Mutex
	held map[string]chan struct{} // skill -> heartbeat stop channel
}

// NewManager creates a Manager with a fresh instance id.
func NewManager(repo domain.LockRepository, opts Options) *Manager {
	if opts.StaleAfter == 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.Prober == nil {
		opts.Prober = osProber{}
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	return &Manager{
		repo:       repo,
		instanceID: uuid.NewString(),
		pid:        os.Getpid(),
		staleAfter: opts.StaleAfter,
		interval:   opts.HeartbeatInterval,
		prober:     opts.Prober,
		clock:      opts.Clock,
		held:       make(map[string]chan struct{}),
	}
}

// InstanceID returns this manager's instance identity.
func (m *Manager) InstanceID() string { return m.instanceID }

// Holds reports whether this instance currently holds the lock for a
// skill.
func (m *Manager) Holds(skill string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.held[skill]
	return ok
}

// Acquire takes the lock for a skill. Re-acquiring a lock this instance
// already holds is a no-op. A lock held by another instance is reclaimed
// only when its holder PID is dead AND its heartbeat is older than the
// staleness bound; otherwise LockHeldError reports the holder identity.
func (m *Manager) Acquire(skill string) error {
	existing, err := m.repo.Get(skill)
	if err != nil {
		return err
	}

	now := m.clock.Now()
	row := &domain.SkillLock{
		Skill:       skill,
		InstanceID:  m.instanceID,
		PID:         m.pid,
		AcquiredAt:  now,
		HeartbeatAt: now,
	}

	switch {
	case existing == nil:
		if err := m.repo.Insert(row); err != nil {
			// Lost the race to another writer; report the winner.
			if current, getErr := m.repo.Get(skill); getErr == nil && current != nil {
				return &domain.LockHeldError{Skill: skill, HolderID: current.InstanceID, HolderPID: current.PID}
			}
			return err
		}

	case existing.InstanceID == m.instanceID:
		return nil

	case m.isStale(existing, now):
		replaced, err := m.repo.Replace(row, existing.InstanceID)
		if err != nil {
			return err
		}
		if !replaced {
			// Another acquirer observed the same stale row and won the
			// swap; report whoever holds the lock now.
			if current, getErr := m.repo.Get(skill); getErr == nil && current != nil {
				return &domain.LockHeldError{Skill: skill, HolderID: current.InstanceID, HolderPID: current.PID}
			}
			return &domain.LockHeldError{Skill: skill, HolderID: existing.InstanceID, HolderPID: existing.PID}
		}
		log.Warn(log.CatLock, "reclaimed stale lock",
			"skill", skill,
			"holder", existing.InstanceID,
			"holder_pid", existing.PID,
			"heartbeat_age", now.Sub(existing.HeartbeatAt).String())

	default:
		return &domain.LockHeldError{Skill: skill, HolderID: existing.InstanceID, HolderPID: existing.PID}
	}

	m.startHeartbeat(skill)
	log.Debug(log.CatLock, "lock acquired", "skill", skill, "instance", m.instanceID)
	return nil
}

// Release drops the lock for a skill. Releasing a lock this instance
// does not own returns LockNotOwnedError without touching the row.
func (m *Manager) Release(skill string) error {
	m.stopHeartbeat(skill)

	removed, err := m.repo.Delete(skill, m.instanceID)
	if err != nil {
		return err
	}
	if !removed {
		return &domain.LockNotOwnedError{Skill: skill, InstanceID: m.instanceID}
	}
	log.Debug(log.CatLock, "lock released", "skill", skill, "instance", m.instanceID)
	return nil
}

// ReleaseAll drops every lock this instance holds, for shutdown.
func (m *Manager) ReleaseAll() {
	m.mu.Lock()
	skills := make([]string, 0, len(m.held))
	for skill := range m.held {
		skills = append(skills, skill)
	}
	m.mu.Unlock()

	for _, skill := range skills {
		if err := m.Release(skill); err != nil {
			log.Warn(log.CatLock, "releasing lock on shutdown", "skill", skill, "error", err.Error())
		}
	}
}

func (m *Manager) isStale(l *domain.SkillLock, now time.Time) bool {
	return !m.prober.Alive(l.PID) && now.Sub(l.HeartbeatAt) > m.staleAfter
}

func (m *Manager) startHeartbeat(skill string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.held[skill]; ok {
		return
	}
	stop := make(chan struct{})
	m.held[skill] = stop

	log.SafeGo("lock-heartbeat-"+skill, func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := m.repo.Heartbeat(skill, m.instanceID); err != nil {
					log.Warn(log.CatLock, "heartbeat failed", "skill", skill, "error", err.Error())
				}
			}
		}
	})
}

func (m *Manager) stopHeartbeat(skill string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stop, ok := m.held[skill]; ok {
		close(stop)
		delete(m.held, skill)
	}
}
