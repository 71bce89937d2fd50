package detections

import (
	"context"
	"errors"
	"testing"
	"time"
)

func emptySessions(opened *int) SessionOpener {
	return func() (*ModelSession, error) {
		*opened++
		return &ModelSession{}, nil
	}
}

func TestSessionPool_AcquireRelease(t *testing.T) {
	opened := 0
	pool, err := NewSessionPool(emptySessions(&opened), 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Destroy()

	if opened != 2 {
		t.Fatalf("expected 2 sessions opened, got %d", opened)
	}

	a, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	b, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats := pool.Stats(); stats.InUse != 2 || stats.TotalAcquired != 2 {
		t.Errorf("unexpected stats %+v", stats)
	}

	pool.Release(a)
	pool.Release(b)

	stats := pool.Stats()
	if stats.InUse != 0 || stats.TotalReleased != 2 || stats.Live != 2 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestSessionPool_Timeout(t *testing.T) {
	opened := 0
	pool, err := NewSessionPool(emptySessions(&opened), 1, 20*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Destroy()

	s, _ := pool.Acquire(context.Background())
	defer pool.Release(s)

	if _, err := pool.Acquire(context.Background()); err == nil {
		t.Fatal("expected timeout")
	}
	if pool.Stats().AcquireFailures != 1 {
		t.Errorf("expected one failure, got %+v", pool.Stats())
	}
}

func TestSessionPool_ContextCancel(t *testing.T) {
	opened := 0
	pool, err := NewSessionPool(emptySessions(&opened), 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Destroy()

	s, _ := pool.Acquire(context.Background())
	defer pool.Release(s)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := pool.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestSessionPool_BrokenSessionReplacedOnRelease(t *testing.T) {
	opened := 0
	pool, err := NewSessionPool(emptySessions(&opened), DefaultPoolSize, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Destroy()

	s, _ := pool.Acquire(context.Background())
	s.broken = true
	pool.Release(s)

	stats := pool.Stats()
	if stats.Live != DefaultPoolSize || stats.Replenished != 1 || opened != DefaultPoolSize+1 {
		t.Errorf("unexpected stats after broken release %+v (opened %d)", stats, opened)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	fresh, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("next acquire after a broken release failed: %v", err)
	}
	if fresh == s {
		t.Error("expected a new session")
	}
	pool.Release(fresh)
}

func TestSessionPool_ReplenishAfterFailedReopen(t *testing.T) {
	calls := 0
	pool, err := NewSessionPool(func() (*ModelSession, error) {
		calls++
		if calls == 2 {
			return nil, errors.New("out of device memory")
		}
		return &ModelSession{}, nil
	}, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Destroy()

	s, _ := pool.Acquire(context.Background())
	s.broken = true
	pool.Release(s)

	if live := pool.Stats().Live; live != 0 {
		t.Fatalf("expected no live session after failed reopen, live=%d", live)
	}
	if errs := pool.LastErrors(); len(errs) != 1 {
		t.Errorf("expected reopen failure recorded, got %v", errs)
	}

	pool.replenish()

	stats := pool.Stats()
	if stats.Live != 1 || stats.Replenished != 1 || calls != 3 {
		t.Errorf("unexpected stats after replenish %+v (calls %d)", stats, calls)
	}

	// a full pool is left alone
	pool.replenish()
	if calls != 3 {
		t.Errorf("replenish opened a session for a full pool (calls %d)", calls)
	}
}

func TestSessionPool_OpenFailure(t *testing.T) {
	calls := 0
	_, err := NewSessionPool(func() (*ModelSession, error) {
		calls++
		if calls == 2 {
			return nil, errors.New("out of device memory")
		}
		return &ModelSession{}, nil
	}, 3, 0)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestSessionPool_Closed(t *testing.T) {
	opened := 0
	pool, err := NewSessionPool(emptySessions(&opened), 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	pool.Destroy()
	pool.Destroy()

	if _, err := pool.Acquire(context.Background()); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("expected ErrPoolClosed, got %v", err)
	}
}
