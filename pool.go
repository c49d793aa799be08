package conductor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultPoolMaxIdle = 5 * time.Minute
	defaultPoolTimeout = 30 * time.Second
)

// PoolStats is a snapshot of pool counters.
type PoolStats struct {
	Acquired int `json:"acquired"`
	Released int `json:"released"`
	Created  int `json:"created"`
	Closed   int `json:"closed"`
	Reused   int `json:"reused"`
	Waited   int `json:"waited"`
	InUse    int `json:"in_use"`
	PoolSize int `json:"pool_size"`
}

type poolEntry[T comparable] struct {
	conn      T
	createdAt time.Time
	lastUsed  time.Time
}

// Pool is a bounded pool for heavyweight handles. At most size
// connections exist at once; idle connections older than the idle bound
// are closed on the next acquire; acquires beyond capacity wait up to
// the configured timeout before failing with ErrPoolExhausted.
type Pool[T comparable] struct {
	mu   sync.Mutex
	cond *sync.Cond

	factory func(context.Context) (T, error)
	closer  func(T) error
	logger  *slog.Logger
	now     func() time.Time

	size    int
	maxIdle time.Duration
	timeout time.Duration

	idle  []poolEntry[T]
	inUse map[T]poolEntry[T]
	live  int

	stats PoolStats
}

// PoolOption configures a Pool.
type PoolOption[T comparable] func(*Pool[T])

// PoolMaxIdle sets the idle age beyond which a pooled connection is
// closed instead of reused (default 5m).
func PoolMaxIdle[T comparable](d time.Duration) PoolOption[T] {
	return func(p *Pool[T]) { p.maxIdle = d }
}

// PoolAcquireTimeout bounds the wait in Acquire (default 30s; zero waits
// forever).
func PoolAcquireTimeout[T comparable](d time.Duration) PoolOption[T] {
	return func(p *Pool[T]) { p.timeout = d }
}

// PoolCloser sets the function used to close connections.
func PoolCloser[T comparable](fn func(T) error) PoolOption[T] {
	return func(p *Pool[T]) { p.closer = fn }
}

// PoolLogger sets the structured logger.
func PoolLogger[T comparable](l *slog.Logger) PoolOption[T] {
	return func(p *Pool[T]) { p.logger = l }
}

// NewPool builds a pool of at most size connections produced by factory.
func NewPool[T comparable](size int, factory func(context.Context) (T, error), opts ...PoolOption[T]) *Pool[T] {
	if size < 1 {
		size = 1
	}
	p := &Pool[T]{
		factory: factory,
		size:    size,
		maxIdle: defaultPoolMaxIdle,
		timeout: defaultPoolTimeout,
		inUse:   make(map[T]poolEntry[T]),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = nopLogger
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Acquire returns a pooled connection, creating one when under capacity.
// At capacity it waits for a release up to the pool timeout.
func (p *Pool[T]) Acquire(ctx context.Context) (T, error) {
	var zero T
	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer stop()

	start := p.now()
	deadline := start.Add(p.timeout)
	waited := false

	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		// Reuse the most recently released connection that is still fresh.
		for n := len(p.idle); n > 0; n = len(p.idle) {
			e := p.idle[n-1]
			p.idle = p.idle[:n-1]
			if p.maxIdle > 0 && p.now().Sub(e.lastUsed) > p.maxIdle {
				p.closeLocked(e.conn)
				continue
			}
			p.inUse[e.conn] = e
			p.stats.Acquired++
			p.stats.Reused++
			return e.conn, nil
		}

		if p.live < p.size {
			p.live++
			p.mu.Unlock()
			conn, err := p.factory(ctx)
			p.mu.Lock()
			if err != nil {
				p.live--
				p.cond.Signal()
				return zero, fmt.Errorf("create pooled connection: %w", err)
			}
			now := p.now()
			p.inUse[conn] = poolEntry[T]{conn: conn, createdAt: now, lastUsed: now}
			p.stats.Created++
			p.stats.Acquired++
			return conn, nil
		}

		if p.timeout > 0 && !deadline.After(p.now()) {
			return zero, &ErrPoolExhausted{Waited: p.now().Sub(start)}
		}
		if !waited {
			waited = true
			p.stats.Waited++
		}
		var timer *time.Timer
		if p.timeout > 0 {
			timer = time.AfterFunc(deadline.Sub(p.now()), func() {
				p.mu.Lock()
				p.cond.Broadcast()
				p.mu.Unlock()
			})
		}
		p.cond.Wait()
		if timer != nil {
			timer.Stop()
		}
	}
}

// Release returns a connection to the pool, closing it when the pool is
// already full. Releasing a handle the pool does not know is a logged
// warning.
func (p *Pool[T]) Release(conn T) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.inUse[conn]
	if !ok {
		p.logger.Warn("release of unknown pooled connection")
		return
	}
	delete(p.inUse, conn)
	p.stats.Released++

	if len(p.idle) < p.size {
		e.lastUsed = p.now()
		p.idle = append(p.idle, e)
	} else {
		p.closeLocked(conn)
	}
	p.cond.Signal()
}

// CloseAll closes pooled and in-use connections, resets counters, and
// wakes all waiters.
func (p *Pool[T]) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, e := range p.idle {
		p.closeLocked(e.conn)
	}
	for conn := range p.inUse {
		p.closeLocked(conn)
	}
	p.idle = nil
	p.inUse = make(map[T]poolEntry[T])
	p.live = 0
	p.stats = PoolStats{}
	p.cond.Broadcast()
}

// Stats returns a snapshot of the pool counters.
func (p *Pool[T]) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.InUse = len(p.inUse)
	s.PoolSize = p.size
	return s
}

func (p *Pool[T]) closeLocked(conn T) {
	p.live--
	p.stats.Closed++
	if p.closer == nil {
		return
	}
	if err := p.closer(conn); err != nil {
		p.logger.Warn("close pooled connection", "error", err)
	}
}
