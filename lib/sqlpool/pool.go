package sqlpool

import (
	"context"
	"sync"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/segstore/errs"
	"github.com/coachpo/segstore/observability"
)

// Pool is a bounded manager of reusable raw connections. Acquire blocks when
// the pool is exhausted; Release keeps at most maxIdle connections warm for
// LIFO reuse and closes the rest. The pool owns the lifetime of every
// connection its factory creates.
type Pool struct {
	factory  Factory
	maxConns int
	maxIdle  int

	mu      sync.Mutex
	cond    *sync.Cond
	taken   map[Conn]struct{}
	idle    []Conn
	dialing int
	closed  bool
}

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	Taken    int
	Idle     int
	Capacity int
	MaxIdle  int
}

// New constructs a pool creating connections through factory, bounded to
// maxConns lent-out connections and maxIdle warm connections.
func New(factory Factory, maxConns, maxIdle int) (*Pool, error) {
	if factory == nil {
		return nil, errs.New("sqlpool", errs.CodeInvalidConfig, errs.WithMessage("factory must be provided"))
	}
	if maxConns <= 0 {
		return nil, errs.New("sqlpool", errs.CodeInvalidConfig, errs.WithMessage("maxConns must be >0"))
	}
	if maxIdle < 0 || maxIdle > maxConns {
		return nil, errs.New("sqlpool", errs.CodeInvalidConfig,
			errs.WithMessage("maxIdle must be in [0, maxConns]"))
	}
	p := &Pool{
		factory:  factory,
		maxConns: maxConns,
		maxIdle:  maxIdle,
		taken:    make(map[Conn]struct{}, maxConns),
		idle:     make([]Conn, 0, maxIdle),
	}
	p.cond = sync.NewCond(&p.mu)
	return p, nil
}

// Acquire hands out an exclusive leased connection. Idle connections are
// reused most-recently-released first; when none are idle and the pool is
// below capacity a new connection is created; otherwise the caller blocks
// until a release frees capacity. Waiters are woken in no guaranteed order.
//
// A background context blocks indefinitely, matching the pool's default
// semantics; a context with a deadline or cancellation turns exhaustion into
// an explicit unavailable error when it fires.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if done := ctx.Done(); done != nil {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-done:
				// Taking the mutex orders this broadcast after any waiter
				// that checked ctx.Err under the lock has parked in Wait,
				// so the wakeup cannot land in the gap between the check
				// and the park.
				p.mu.Lock()
				p.cond.Broadcast()
				p.mu.Unlock()
			case <-stop:
			}
		}()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if p.closed {
			return nil, errs.New("sqlpool", errs.CodeUnavailable, errs.WithMessage("pool closed"))
		}
		if err := ctx.Err(); err != nil {
			// This waiter may have consumed a release Signal; pass the
			// baton so the freed capacity is not swallowed.
			p.cond.Signal()
			return nil, errs.New("sqlpool", errs.CodeUnavailable,
				errs.WithMessage("acquire cancelled"), errs.WithCause(err))
		}
		if n := len(p.idle); n > 0 {
			raw := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.taken[raw] = struct{}{}
			return newLease(p, raw), nil
		}
		if len(p.taken)+p.dialing < p.maxConns {
			// Reserve the capacity slot and dial outside the lock so a
			// slow dial does not block release, Stats, or teardown.
			p.dialing++
			p.mu.Unlock()
			raw, err := p.factory(ctx)
			p.mu.Lock()
			p.dialing--
			if err != nil {
				p.cond.Signal()
				return nil, errs.New("sqlpool", errs.CodeSQL,
					errs.WithMessage("create connection"), errs.WithCause(err))
			}
			if p.closed {
				p.mu.Unlock()
				if cerr := raw.Close(); cerr != nil {
					observability.Log().Error("close connection dialed during teardown failed",
						observability.Field{Key: "error", Value: cerr})
				}
				p.mu.Lock()
				return nil, errs.New("sqlpool", errs.CodeUnavailable, errs.WithMessage("pool closed"))
			}
			p.taken[raw] = struct{}{}
			return newLease(p, raw), nil
		}
		p.cond.Wait()
	}
}

// release returns a raw connection to the pool. Connections beyond the idle
// bound are closed outright; either way one waiter is woken because capacity
// was freed.
func (p *Pool) release(raw Conn) {
	p.mu.Lock()
	if _, ok := p.taken[raw]; !ok {
		// Not lent out by this pool, or the pool already closed it during
		// teardown.
		p.mu.Unlock()
		return
	}
	delete(p.taken, raw)
	keep := !p.closed && len(p.idle) < p.maxIdle
	if keep {
		p.idle = append(p.idle, raw)
	}
	p.mu.Unlock()
	p.cond.Signal()

	if !keep {
		if err := raw.Close(); err != nil {
			observability.Log().Error("close surplus connection failed",
				observability.Field{Key: "error", Value: err})
		}
	}
}

// Close tears the pool down: both the idle and the taken set are cleared and
// every connection in them is closed, borrowed or not. Individual close
// failures are logged so one bad connection cannot block the rest. Blocked
// acquirers are woken and observe the closed pool.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conns := make([]Conn, 0, len(p.idle)+len(p.taken))
	conns = append(conns, p.idle...)
	for raw := range p.taken {
		conns = append(conns, raw)
	}
	p.idle = nil
	p.taken = make(map[Conn]struct{})
	p.mu.Unlock()
	p.cond.Broadcast()

	var wg conc.WaitGroup
	for _, raw := range conns {
		wg.Go(func() {
			if err := raw.Close(); err != nil {
				observability.Log().Error("close pooled connection failed",
					observability.Field{Key: "error", Value: err})
			}
		})
	}
	wg.Wait()
	return nil
}

// Stats reports current occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Taken:    len(p.taken),
		Idle:     len(p.idle),
		Capacity: p.maxConns,
		MaxIdle:  p.maxIdle,
	}
}

// Closed reports whether the pool has been torn down.
func (p *Pool) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
