package governor

import (
	"errors"
	"sync"
	"testing"
	"time"

	"agent-engine/internal/domain"
)

func TestAcquire_ConcurrencyCap(t *testing.T) {
	g := New(3, 100, time.Minute)

	var permits []*Permit
	for i := 0; i < 3; i++ {
		p, err := g.Acquire("user-1", time.Minute)
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		permits = append(permits, p)
	}

	_, err := g.Acquire("user-1", time.Minute)
	if !errors.Is(err, domain.ErrConcurrencyLimit) {
		t.Fatalf("4th acquire error = %v, want ErrConcurrencyLimit", err)
	}
	if !domain.IsQuotaExceeded(err) {
		t.Error("concurrency error should also be a quota error")
	}

	permits[0].Release()
	if _, err := g.Acquire("user-1", time.Minute); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestAcquire_DailyCap(t *testing.T) {
	g := New(10, 3, time.Minute)

	for i := 0; i < 3; i++ {
		p, err := g.Acquire("user-1", time.Minute)
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		p.Release()
	}

	if g.InflightCount("user-1") != 0 {
		t.Fatalf("inflight = %d, want 0", g.InflightCount("user-1"))
	}

	// Daily admissions are spent even though nothing is running.
	_, err := g.Acquire("user-1", time.Minute)
	if !errors.Is(err, domain.ErrDailyLimit) {
		t.Fatalf("error = %v, want ErrDailyLimit", err)
	}
	if g.DailyCount("user-1") != 3 {
		t.Errorf("daily count = %d, want 3", g.DailyCount("user-1"))
	}
}

func TestAcquire_UsersIsolated(t *testing.T) {
	g := New(1, 100, time.Minute)

	if _, err := g.Acquire("user-a", time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Acquire("user-a", time.Minute); !errors.Is(err, domain.ErrConcurrencyLimit) {
		t.Fatalf("user-a second acquire = %v, want ErrConcurrencyLimit", err)
	}

	// user-b has their own slot.
	if _, err := g.Acquire("user-b", time.Minute); err != nil {
		t.Fatalf("user-b acquire: %v", err)
	}
}

func TestRelease_Idempotent(t *testing.T) {
	g := New(2, 100, time.Minute)

	p1, err := g.Acquire("user-1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	p2, err := g.Acquire("user-1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	p1.Release()
	p1.Release()
	p1.Release()

	// Double release must not have freed p2's slot.
	if got := g.InflightCount("user-1"); got != 1 {
		t.Errorf("inflight after double release = %d, want 1", got)
	}
	p2.Release()
	if got := g.InflightCount("user-1"); got != 0 {
		t.Errorf("inflight = %d, want 0", got)
	}
}

func TestReclaim_LeakedPermit(t *testing.T) {
	g := New(1, 100, 0)

	p, err := g.Acquire("user-1", time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}

	// Past hold + grace the permit counts as leaked.
	if got := g.reclaim(time.Now().Add(time.Second)); got != 1 {
		t.Fatalf("reclaimed = %d, want 1", got)
	}

	if got := g.InflightCount("user-1"); got != 0 {
		t.Fatalf("inflight after reclaim = %d, want 0", got)
	}
	if _, err := g.Acquire("user-1", time.Minute); err != nil {
		t.Fatalf("acquire after reclaim: %v", err)
	}

	// Releasing the reclaimed permit is a harmless no-op.
	p.Release()
	if got := g.InflightCount("user-1"); got != 1 {
		t.Errorf("inflight = %d, want 1 (late release must not touch the new permit)", got)
	}
}

func TestReclaim_HonoursDeadline(t *testing.T) {
	g := New(1, 100, time.Hour)

	if _, err := g.Acquire("user-1", time.Minute); err != nil {
		t.Fatal(err)
	}

	// Inside hold + grace nothing is reclaimed.
	g.reclaim(time.Now().Add(30 * time.Minute))
	if got := g.InflightCount("user-1"); got != 1 {
		t.Errorf("inflight = %d, want 1 (deadline not reached)", got)
	}
}

func TestReclaim_DropsAgedUserState(t *testing.T) {
	g := New(5, 5, time.Minute)

	p, err := g.Acquire("user-1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	p.Release()

	// A day later the admission has aged out and the user entry is gone.
	g.reclaim(time.Now().Add(dailyWindow + time.Hour))
	if got := g.DailyCount("user-1"); got != 0 {
		t.Errorf("daily count = %d, want 0", got)
	}
}

func TestStartReaper_ReportsReclaims(t *testing.T) {
	g := New(1, 100, 0)

	if _, err := g.Acquire("user-1", time.Millisecond); err != nil {
		t.Fatal(err)
	}

	reclaimed := make(chan int, 1)
	stop := g.StartReaper(5*time.Millisecond, func(n int) {
		select {
		case reclaimed <- n:
		default:
		}
	})
	defer stop()

	select {
	case n := <-reclaimed:
		if n != 1 {
			t.Errorf("reclaimed = %d, want 1", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reaper never reported a reclaim")
	}
	if got := g.InflightCount("user-1"); got != 0 {
		t.Errorf("inflight = %d, want 0", got)
	}
}

func TestGovernor_Concurrent(t *testing.T) {
	const (
		users      = 8
		perUser    = 20
		concurrent = 5
	)
	g := New(concurrent, 1000, time.Minute)

	var wg sync.WaitGroup
	for u := 0; u < users; u++ {
		userID := string(rune('a' + u))
		for i := 0; i < perUser; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				p, err := g.Acquire(userID, time.Minute)
				if errors.Is(err, domain.ErrConcurrencyLimit) {
					return
				}
				if err != nil {
					t.Errorf("acquire: %v", err)
					return
				}
				time.Sleep(time.Millisecond)
				p.Release()
			}()
		}
	}
	wg.Wait()

	if got := g.TotalInflight(); got != 0 {
		t.Errorf("total inflight after drain = %d, want 0", got)
	}
}
