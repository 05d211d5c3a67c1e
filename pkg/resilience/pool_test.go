package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/chriscow/callscreen-go/pkg/ai"
)

type testConn struct {
	id     int
	broken bool
	closed bool
}

func newTestPool(cfg PoolConfig) (*Pool[*testConn], *int) {
	created := 0
	p := NewPool(cfg,
		func(ctx context.Context) (*testConn, error) {
			created++
			return &testConn{id: created}, nil
		},
		func(c *testConn) bool { return !c.broken },
		func(c *testConn) { c.closed = true },
	)
	return p, &created
}

func TestPool_ReusesReleasedConnections(t *testing.T) {
	is := is.New(t)

	p, created := newTestPool(PoolConfig{MaxSize: 2, AcquireTimeout: time.Second, MaxIdleAge: time.Minute})

	c1, err := p.Acquire(context.Background())
	is.NoErr(err)
	p.Release(c1)
	is.Equal(p.IdleCount(), 1)

	c2, err := p.Acquire(context.Background())
	is.NoErr(err)
	is.Equal(c1, c2)       // the idle connection is handed back out
	is.Equal(*created, 1)  // no second connection was built
}

func TestPool_ExhaustionIsRecoverable(t *testing.T) {
	is := is.New(t)

	p, _ := newTestPool(PoolConfig{MaxSize: 1, AcquireTimeout: 20 * time.Millisecond, MaxIdleAge: time.Minute})

	c, err := p.Acquire(context.Background())
	is.NoErr(err)
	defer p.Release(c)

	_, err = p.Acquire(context.Background())
	is.True(errors.Is(err, ErrPoolExhausted))
	is.True(ai.IsRecoverable(err)) // exhaustion must be retryable upstream
}

func TestPool_ReleaseDestroysInvalidConnections(t *testing.T) {
	is := is.New(t)

	p, _ := newTestPool(PoolConfig{MaxSize: 1, AcquireTimeout: time.Second, MaxIdleAge: time.Minute})

	c, err := p.Acquire(context.Background())
	is.NoErr(err)

	c.broken = true
	p.Release(c)
	is.True(c.closed)
	is.Equal(p.IdleCount(), 0)

	// The slot is free again.
	c2, err := p.Acquire(context.Background())
	is.NoErr(err)
	is.True(c2.id != c.id)
}

func TestPool_DiscardFreesSlot(t *testing.T) {
	is := is.New(t)

	p, _ := newTestPool(PoolConfig{MaxSize: 1, AcquireTimeout: 50 * time.Millisecond, MaxIdleAge: time.Minute})

	c, err := p.Acquire(context.Background())
	is.NoErr(err)
	p.Discard(c)
	is.True(c.closed)

	_, err = p.Acquire(context.Background())
	is.NoErr(err)
}

func TestPool_StaleIdleConnectionsDestroyedOnReuse(t *testing.T) {
	is := is.New(t)

	p, created := newTestPool(PoolConfig{MaxSize: 1, AcquireTimeout: time.Second, MaxIdleAge: time.Minute})
	now := time.Unix(1000, 0)
	p.now = func() time.Time { return now }

	c, err := p.Acquire(context.Background())
	is.NoErr(err)
	p.Release(c)

	now = now.Add(2 * time.Minute)
	c2, err := p.Acquire(context.Background())
	is.NoErr(err)
	is.True(c.closed)     // the stale idle connection was torn down
	is.Equal(*created, 2) // and a fresh one built
	_ = c2
}

func TestPool_CloseDestroysIdle(t *testing.T) {
	is := is.New(t)

	p, _ := newTestPool(PoolConfig{MaxSize: 2, AcquireTimeout: time.Second, MaxIdleAge: time.Minute})

	c, err := p.Acquire(context.Background())
	is.NoErr(err)
	p.Release(c)
	p.Close()
	is.True(c.closed)

	_, err = p.Acquire(context.Background())
	is.True(err != nil)
}
