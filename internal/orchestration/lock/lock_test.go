package lock

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/skillforge/internal/infrastructure/sqlite"
	"github.com/zjrosen/skillforge/internal/skills/domain"
)

type fakeProber struct {
	mu   sync.Mutex
	dead map[int]bool
}

func (p *fakeProber) Alive(pid int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.dead[pid]
}

func (p *fakeProber) kill(pid int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dead == nil {
		p.dead = make(map[int]bool)
	}
	p.dead[pid] = true
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRepo(t *testing.T) domain.LockRepository {
	t.Helper()
	db, err := sqlite.NewDB(filepath.Join(t.TempDir(), "locks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db.LockRepository()
}

func newTestManager(t *testing.T, repo domain.LockRepository) (*Manager, *fakeProber, *fakeClock) {
	t.Helper()
	prober := &fakeProber{}
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	m := NewManager(repo, Options{
		StaleAfter:        time.Minute,
		HeartbeatInterval: time.Hour, // manual in tests
		Prober:            prober,
		Clock:             clock,
	})
	t.Cleanup(m.ReleaseAll)
	return m, prober, clock
}

func TestManager_AcquireRelease(t *testing.T) {
	repo := newTestRepo(t)
	m, _, _ := newTestManager(t, repo)

	require.NoError(t, m.Acquire("pdf-summarizer"))

	row, err := repo.Get("pdf-summarizer")
	require.NoError(t, err)
	require.NotNil(t, row)
	require.Equal(t, m.InstanceID(), row.InstanceID)
	require.Equal(t, os.Getpid(), row.PID)

	require.NoError(t, m.Release("pdf-summarizer"))
	row, err = repo.Get("pdf-summarizer")
	require.NoError(t, err)
	require.Nil(t, row)
}

func TestManager_Holds(t *testing.T) {
	repo := newTestRepo(t)
	m, _, _ := newTestManager(t, repo)

	require.False(t, m.Holds("sk"))
	require.NoError(t, m.Acquire("sk"))
	require.True(t, m.Holds("sk"))
	require.NoError(t, m.Release("sk"))
	require.False(t, m.Holds("sk"))
}

func TestManager_ReacquireIsNoOp(t *testing.T) {
	repo := newTestRepo(t)
	m, _, _ := newTestManager(t, repo)

	require.NoError(t, m.Acquire("sk"))
	require.NoError(t, m.Acquire("sk"))
	require.NoError(t, m.Release("sk"))
}

func TestManager_HeldByLiveInstance(t *testing.T) {
	repo := newTestRepo(t)
	a, _, _ := newTestManager(t, repo)
	b, _, _ := newTestManager(t, repo)

	require.NoError(t, a.Acquire("sk"))

	err := b.Acquire("sk")
	var held *domain.LockHeldError
	require.ErrorAs(t, err, &held)
	require.Equal(t, a.InstanceID(), held.HolderID)
	require.Equal(t, os.Getpid(), held.HolderPID)
}

func TestManager_StaleReclaimRequiresBothConditions(t *testing.T) {
	repo := newTestRepo(t)
	a, _, _ := newTestManager(t, repo)
	b, prober, clock := newTestManager(t, repo)

	require.NoError(t, a.Acquire("sk"))

	// Dead PID but fresh heartbeat: still held.
	prober.kill(os.Getpid())
	var held *domain.LockHeldError
	require.ErrorAs(t, b.Acquire("sk"), &held)

	// Dead PID and stale heartbeat: reclaimed.
	clock.Advance(2 * time.Minute)
	require.NoError(t, b.Acquire("sk"))

	row, err := repo.Get("sk")
	require.NoError(t, err)
	require.Equal(t, b.InstanceID(), row.InstanceID)
}

// staleSnapshotRepo serves one recorded Get result before delegating,
// simulating an acquirer that read the lock row just before a rival
// reclaimed it.
type staleSnapshotRepo struct {
	domain.LockRepository
	mu       sync.Mutex
	snapshot *domain.SkillLock
}

func (r *staleSnapshotRepo) Get(skill string) (*domain.SkillLock, error) {
	r.mu.Lock()
	if s := r.snapshot; s != nil {
		r.snapshot = nil
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()
	return r.LockRepository.Get(skill)
}

func TestManager_StaleReclaimSingleWinner(t *testing.T) {
	repo := newTestRepo(t)

	now := time.Unix(1_700_000_000, 0)
	ghost := &domain.SkillLock{
		Skill: "sk", InstanceID: "ghost", PID: 4242,
		AcquiredAt: now.Add(-time.Hour), HeartbeatAt: now.Add(-time.Hour),
	}
	require.NoError(t, repo.Insert(ghost))

	a, proberA, _ := newTestManager(t, repo)
	proberA.kill(4242)

	snap := &staleSnapshotRepo{LockRepository: repo, snapshot: ghost}
	b, proberB, _ := newTestManager(t, snap)
	proberB.kill(4242)

	// A reclaims first. B acted on the same stale observation and must
	// lose the swap instead of also acquiring.
	require.NoError(t, a.Acquire("sk"))

	var held *domain.LockHeldError
	require.ErrorAs(t, b.Acquire("sk"), &held)
	require.Equal(t, a.InstanceID(), held.HolderID)

	require.True(t, a.Holds("sk"))
	require.False(t, b.Holds("sk"))
}

func TestManager_StaleHeartbeatAloneNotReclaimed(t *testing.T) {
	repo := newTestRepo(t)
	a, _, _ := newTestManager(t, repo)
	b, _, clock := newTestManager(t, repo)

	require.NoError(t, a.Acquire("sk"))
	clock.Advance(2 * time.Minute)

	// Holder PID is alive, so an old heartbeat is not enough.
	var held *domain.LockHeldError
	require.ErrorAs(t, b.Acquire("sk"), &held)
}

func TestManager_ReleaseNotOwned(t *testing.T) {
	repo := newTestRepo(t)
	a, _, _ := newTestManager(t, repo)
	b, _, _ := newTestManager(t, repo)

	require.NoError(t, a.Acquire("sk"))

	var notOwned *domain.LockNotOwnedError
	require.ErrorAs(t, b.Release("sk"), &notOwned)

	// The owner's row survives a non-owner release attempt.
	row, err := repo.Get("sk")
	require.NoError(t, err)
	require.Equal(t, a.InstanceID(), row.InstanceID)
}

func TestManager_ConcurrentAcquireSingleWinner(t *testing.T) {
	repo := newTestRepo(t)

	const contenders = 8
	managers := make([]*Manager, contenders)
	for i := range managers {
		managers[i], _, _ = newTestManager(t, repo)
	}

	var wg sync.WaitGroup
	errs := make([]error, contenders)
	for i, m := range managers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = m.Acquire("sk")
		}()
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			var held *domain.LockHeldError
			require.ErrorAs(t, err, &held)
		}
	}
	require.Equal(t, 1, winners)
}

func TestManager_ReleaseAll(t *testing.T) {
	repo := newTestRepo(t)
	m, _, _ := newTestManager(t, repo)

	require.NoError(t, m.Acquire("a"))
	require.NoError(t, m.Acquire("b"))

	m.ReleaseAll()

	for _, skill := range []string{"a", "b"} {
		row, err := repo.Get(skill)
		require.NoError(t, err)
		require.Nil(t, row)
	}
}

func TestManager_HeartbeatRefreshesRow(t *testing.T) {
	repo := newTestRepo(t)
	prober := &fakeProber{}
	m := NewManager(repo, Options{
		StaleAfter:        time.Minute,
		HeartbeatInterval: 10 * time.Millisecond,
		Prober:            prober,
	})
	t.Cleanup(m.ReleaseAll)

	require.NoError(t, m.Acquire("sk"))
	before, err := repo.Get("sk")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		row, err := repo.Get("sk")
		return err == nil && row != nil && row.HeartbeatAt.After(before.HeartbeatAt)
	}, 5*time.Second, 20*time.Millisecond)
}
