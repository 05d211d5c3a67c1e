package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chriscow/callscreen-go/pkg/ai"
)

// ErrPoolExhausted is returned when no connection becomes available within
// the acquire timeout. It is recoverable: callers should treat it like any
// other transient dependency failure.
var ErrPoolExhausted = fmt.Errorf("connection pool exhausted: %w", ai.ErrRecoverable)

// PoolConfig tunes a connection pool.
type PoolConfig struct {
	MaxSize        int           // max connections checked out at once
	AcquireTimeout time.Duration // how long Acquire waits for a free slot
	MaxIdleAge     time.Duration // idle connections older than this are destroyed on reuse
}

// DefaultPoolConfig provides sensible defaults for provider clients.
var DefaultPoolConfig = PoolConfig{
	MaxSize:        8,
	AcquireTimeout: 2 * time.Second,
	MaxIdleAge:     5 * time.Minute,
}

// Pool is a bounded set of warm connections to one external dependency.
// Acquire returns an idle connection, or creates one when under the cap,
// or waits up to AcquireTimeout before failing with ErrPoolExhausted.
// Release validates the connection before returning it to the idle set and
// destroys it instead when it is invalid or too old.
type Pool[T any] struct {
	cfg      PoolConfig
	factory  func(ctx context.Context) (T, error)
	validate func(T) bool // nil means always valid
	destroy  func(T)      // nil means nothing to tear down
	now      func() time.Time

	slots chan struct{} // counts checked-out connections

	mu     sync.Mutex
	idle   []pooled[T]
	closed bool
}

type pooled[T any] struct {
	conn      T
	createdAt time.Time
}

// NewPool creates a pool. factory builds a new connection; validate and
// destroy may be nil.
func NewPool[T any](cfg PoolConfig, factory func(ctx context.Context) (T, error), validate func(T) bool, destroy func(T)) *Pool[T] {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultPoolConfig.MaxSize
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultPoolConfig.AcquireTimeout
	}
	if cfg.MaxIdleAge <= 0 {
		cfg.MaxIdleAge = DefaultPoolConfig.MaxIdleAge
	}
	return &Pool[T]{
		cfg:      cfg,
		factory:  factory,
		validate: validate,
		destroy:  destroy,
		now:      time.Now,
		slots:    make(chan struct{}, cfg.MaxSize),
	}
}

// Acquire checks out a connection. The caller must Release or Discard it.
func (p *Pool[T]) Acquire(ctx context.Context) (T, error) {
	var zero T

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-timer.C:
		return zero, ErrPoolExhausted
	}

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			<-p.slots
			return zero, fmt.Errorf("pool is closed")
		}
		if len(p.idle) == 0 {
			p.mu.Unlock()
			break
		}
		entry := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		p.mu.Unlock()

		if p.usableAt(entry, p.now()) {
			return entry.conn, nil
		}
		if p.destroy != nil {
			p.destroy(entry.conn)
		}
	}

	conn, err := p.factory(ctx)
	if err != nil {
		<-p.slots
		return zero, ai.ClassifyNetErr(err)
	}
	return conn, nil
}

// Release returns a checked-out connection to the idle set. Connections that
// fail validation or exceed the idle age are destroyed instead.
func (p *Pool[T]) Release(conn T) {
	defer func() { <-p.slots }()

	if p.validate != nil && !p.validate(conn) {
		if p.destroy != nil {
			p.destroy(conn)
		}
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		if p.destroy != nil {
			p.destroy(conn)
		}
		return
	}
	p.idle = append(p.idle, pooled[T]{conn: conn, createdAt: p.now()})
}

// Discard drops a known-bad connection without returning it to the pool.
func (p *Pool[T]) Discard(conn T) {
	if p.destroy != nil {
		p.destroy(conn)
	}
	<-p.slots
}

// Close destroys all idle connections. Checked-out connections are destroyed
// as they are released.
func (p *Pool[T]) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for _, entry := range p.idle {
		if p.destroy != nil {
			p.destroy(entry.conn)
		}
	}
	p.idle = nil
}

// IdleCount reports how many connections are parked in the idle set.
func (p *Pool[T]) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

func (p *Pool[T]) usableAt(entry pooled[T], now time.Time) bool {
	if now.Sub(entry.createdAt) > p.cfg.MaxIdleAge {
		return false
	}
	return p.validate == nil || p.validate(entry.conn)
}
