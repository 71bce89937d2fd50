package detections

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	DefaultPoolSize   = 1
	HealthCheckPeriod = 60 * time.Second
)

var ErrPoolClosed = errors.New("session pool is closed")

// SessionOpener creates one inference session.
type SessionOpener func() (*ModelSession, error)

// SessionPool hands out exclusive access to a fixed number of sessions.
// With a single session every inference is serialized.
type SessionPool struct {
	sessions       chan *ModelSession
	size           int
	open           SessionOpener
	acquireTimeout time.Duration

	mu         sync.Mutex
	closed     bool
	live       int
	lastErrors []error
	stop       chan struct{}

	metrics *poolMetrics
}

type poolMetrics struct {
	mu              sync.RWMutex
	inUse           int
	totalAcquired   int64
	totalReleased   int64
	acquireFailures int64
	replenished     int64
	waitTime        time.Duration
}

// PoolStats is a point-in-time copy of the pool counters.
type PoolStats struct {
	Size            int           `json:"pool_size"`
	Live            int           `json:"sessions_live"`
	InUse           int           `json:"sessions_in_use"`
	TotalAcquired   int64         `json:"total_acquired"`
	TotalReleased   int64         `json:"total_released"`
	AcquireFailures int64         `json:"acquire_failures"`
	Replenished     int64         `json:"replenished"`
	WaitTime        time.Duration `json:"wait_time_ns"`
}

// NewSessionPool opens size sessions up front. acquireTimeout of zero
// waits until the caller's context is done.
func NewSessionPool(open SessionOpener, size int, acquireTimeout time.Duration) (*SessionPool, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}

	pool := &SessionPool{
		sessions:       make(chan *ModelSession, size),
		size:           size,
		open:           open,
		acquireTimeout: acquireTimeout,
		stop:           make(chan struct{}),
		metrics:        &poolMetrics{},
	}

	for i := 0; i < size; i++ {
		session, err := open()
		if err != nil {
			pool.Destroy()
			return nil, fmt.Errorf("failed to initialize session %d: %w", i, err)
		}
		pool.live++
		pool.sessions <- session
	}

	go pool.healthCheck(HealthCheckPeriod)

	return pool, nil
}

func (p *SessionPool) Acquire(ctx context.Context) (*ModelSession, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}

	start := time.Now()
	defer func() {
		p.metrics.mu.Lock()
		p.metrics.waitTime += time.Since(start)
		p.metrics.mu.Unlock()
	}()

	var timeout <-chan time.Time
	if p.acquireTimeout > 0 {
		timer := time.NewTimer(p.acquireTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case session, ok := <-p.sessions:
		if !ok {
			return nil, ErrPoolClosed
		}
		p.metrics.mu.Lock()
		p.metrics.inUse++
		p.metrics.totalAcquired++
		p.metrics.mu.Unlock()
		return session, nil
	case <-timeout:
		p.metrics.mu.Lock()
		p.metrics.acquireFailures++
		p.metrics.mu.Unlock()
		return nil, fmt.Errorf("timeout waiting for available session")
	case <-ctx.Done():
		p.metrics.mu.Lock()
		p.metrics.acquireFailures++
		p.metrics.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Release returns a session. A session marked broken is destroyed and a
// replacement is opened before Release returns; if that fails the health
// check retries.
func (p *SessionPool) Release(session *ModelSession) {
	p.metrics.mu.Lock()
	p.metrics.inUse--
	p.metrics.totalReleased++
	p.metrics.mu.Unlock()

	p.mu.Lock()
	if p.closed || session.broken {
		closed := p.closed
		p.live--
		p.mu.Unlock()

		session.Destroy()
		if !closed {
			p.replenish()
		}
		return
	}
	p.sessions <- session
	p.mu.Unlock()
}

func (p *SessionPool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	p.closed = true
	close(p.stop)
	close(p.sessions)

	for session := range p.sessions {
		session.Destroy()
		p.live--
	}
}

func (p *SessionPool) healthCheck(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.replenish()
		}
	}
}

// replenish reopens sessions that were dropped as broken. Opening happens
// outside p.mu so Acquire and Release are never blocked on the runtime.
func (p *SessionPool) replenish() {
	p.mu.Lock()
	missing := p.size - p.live
	p.mu.Unlock()

	for i := 0; i < missing; i++ {
		session, err := p.open()
		if err != nil {
			p.recordError(err)
			log.WithError(err).Warn("Failed to replenish inference session")
			continue
		}

		p.mu.Lock()
		if p.closed || p.live >= p.size {
			p.mu.Unlock()
			session.Destroy()
			return
		}
		p.live++
		p.sessions <- session
		p.mu.Unlock()

		p.metrics.mu.Lock()
		p.metrics.replenished++
		p.metrics.mu.Unlock()
	}
}

func (p *SessionPool) recordError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastErrors = append(p.lastErrors, err)
	if len(p.lastErrors) > 10 {
		p.lastErrors = p.lastErrors[1:]
	}
}

// LastErrors returns the most recent replenish failures, oldest first.
func (p *SessionPool) LastErrors() []error {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]error, len(p.lastErrors))
	copy(out, p.lastErrors)
	return out
}

func (p *SessionPool) Stats() PoolStats {
	p.mu.Lock()
	live := p.live
	p.mu.Unlock()

	p.metrics.mu.RLock()
	defer p.metrics.mu.RUnlock()
	return PoolStats{
		Size:            p.size,
		Live:            live,
		InUse:           p.metrics.inUse,
		TotalAcquired:   p.metrics.totalAcquired,
		TotalReleased:   p.metrics.totalReleased,
		AcquireFailures: p.metrics.acquireFailures,
		Replenished:     p.metrics.replenished,
		WaitTime:        p.metrics.waitTime,
	}
}
