// Package governor enforces per-user execution quotas: a cap on concurrently
// running executions and a rolling 24h admission cap. It is purely in-memory;
// counts rebuild naturally as executions flow after a restart.
package governor

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"agent-engine/internal/domain"
)

const (
	shardCount  = 32
	dailyWindow = 24 * time.Hour
)

// Governor hands out permits. Safe for concurrent use; user state is sharded
// so unrelated users never contend on the same lock.
type Governor struct {
	maxConcurrent int
	maxDaily      int
	reclaimGrace  time.Duration

	nextID atomic.Uint64
	shards [shardCount]*shard
}

type shard struct {
	mu    sync.Mutex
	users map[string]*userState
}

type userState struct {
	inflight map[uint64]time.Time // permit id -> reclaim deadline
	admitted []time.Time          // admission times inside the rolling window
}

// Permit is one granted execution slot. Release is idempotent; a permit
// leaked past its deadline is reclaimed by the reaper instead.
type Permit struct {
	userID   string
	id       uint64
	g        *Governor
	released atomic.Bool
}

// New creates a governor with the given per-user caps. reclaimGrace is how
// long past its expected hold a permit may live before the reaper takes it
// back.
func New(maxConcurrent, maxDaily int, reclaimGrace time.Duration) *Governor {
	g := &Governor{
		maxConcurrent: maxConcurrent,
		maxDaily:      maxDaily,
		reclaimGrace:  reclaimGrace,
	}
	for i := range g.shards {
		g.shards[i] = &shard{users: make(map[string]*userState)}
	}
	return g
}

// Acquire grants a permit for userID or reports which cap was hit. hold is
// how long the caller expects to keep the permit (the execution's wall-clock
// limit); the reclaim deadline is hold plus the grace.
func (g *Governor) Acquire(userID string, hold time.Duration) (*Permit, error) {
	now := time.Now()
	sh := g.shard(userID)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.users[userID]
	if !ok {
		st = &userState{inflight: make(map[uint64]time.Time)}
		sh.users[userID] = st
	}

	st.pruneAdmitted(now)

	if len(st.inflight) >= g.maxConcurrent {
		return nil, domain.ErrConcurrencyLimit
	}
	if len(st.admitted) >= g.maxDaily {
		return nil, domain.ErrDailyLimit
	}

	id := g.nextID.Add(1)
	st.inflight[id] = now.Add(hold + g.reclaimGrace)
	st.admitted = append(st.admitted, now)

	return &Permit{userID: userID, id: id, g: g}, nil
}

// Release returns the permit's concurrency slot. Daily admissions are not
// returned; they age out of the window instead.
func (p *Permit) Release() {
	if p == nil || !p.released.CompareAndSwap(false, true) {
		return
	}
	p.g.release(p.userID, p.id)
}

func (g *Governor) release(userID string, id uint64) {
	sh := g.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if st, ok := sh.users[userID]; ok {
		delete(st.inflight, id)
	}
}

// InflightCount reports the user's current concurrent executions.
func (g *Governor) InflightCount(userID string) int {
	sh := g.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.users[userID]
	if !ok {
		return 0
	}
	return len(st.inflight)
}

// DailyCount reports the user's admissions inside the rolling window.
func (g *Governor) DailyCount(userID string) int {
	sh := g.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.users[userID]
	if !ok {
		return 0
	}
	st.pruneAdmitted(time.Now())
	return len(st.admitted)
}

// TotalInflight reports permits held across all users, for gauges.
func (g *Governor) TotalInflight() int {
	var total int
	for _, sh := range g.shards {
		sh.mu.Lock()
		for _, st := range sh.users {
			total += len(st.inflight)
		}
		sh.mu.Unlock()
	}
	return total
}

// StartReaper spawns a goroutine that reclaims leaked permits and prunes
// aged user state every interval. reclaimed, if non-nil, observes the count
// taken back on each sweep. Returns a cancel function.
func (g *Governor) StartReaper(interval time.Duration, reclaimed func(count int)) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if n := g.reclaim(time.Now()); n > 0 && reclaimed != nil {
					reclaimed(n)
				}
			}
		}
	}()
	return sync.OnceFunc(func() { close(done) })
}

// reclaim sweeps every shard: leaked permits are taken back, aged admissions
// dropped, and empty user entries removed.
func (g *Governor) reclaim(now time.Time) int {
	var reclaimed int
	for _, sh := range g.shards {
		sh.mu.Lock()
		for userID, st := range sh.users {
			for id, deadline := range st.inflight {
				if now.After(deadline) {
					delete(st.inflight, id)
					reclaimed++
				}
			}
			st.pruneAdmitted(now)
			if len(st.inflight) == 0 && len(st.admitted) == 0 {
				delete(sh.users, userID)
			}
		}
		sh.mu.Unlock()
	}
	if reclaimed > 0 {
		log.Warn().Int("count", reclaimed).Msg("reclaimed leaked permits")
	}
	return reclaimed
}

func (g *Governor) shard(userID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return g.shards[h.Sum32()%shardCount]
}

// pruneAdmitted drops admissions older than the window. Caller holds the
// shard lock.
func (st *userState) pruneAdmitted(now time.Time) {
	cutoff := now.Add(-dailyWindow)
	i := 0
	for ; i < len(st.admitted); i++ {
		if st.admitted[i].After(cutoff) {
			break
		}
	}
	if i > 0 {
		st.admitted = append(st.admitted[:0], st.admitted[i:]...)
	}
}
