package sqlpool

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/segstore/errs"
)

type fakeConn struct {
	id     int
	mu     sync.Mutex
	closed bool
}

func (c *fakeConn) ExecContext(context.Context, string, ...any) (sql.Result, error) {
	return nil, errors.New("fake conn does not execute")
}

func (c *fakeConn) QueryContext(context.Context, string, ...any) (*sql.Rows, error) {
	return nil, errors.New("fake conn does not query")
}

func (c *fakeConn) BeginTx(context.Context, *sql.TxOptions) (*sql.Tx, error) {
	return nil, errors.New("fake conn does not begin")
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeFactory struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (f *fakeFactory) dial(context.Context) (Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conn := &fakeConn{id: len(f.conns)}
	f.conns = append(f.conns, conn)
	return conn, nil
}

func (f *fakeFactory) created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func TestNewRejectsBadBounds(t *testing.T) {
	factory := (&fakeFactory{}).dial
	if _, err := New(nil, 1, 0); err == nil {
		t.Fatal("expected error for nil factory")
	}
	if _, err := New(factory, 0, 0); err == nil {
		t.Fatal("expected error for zero capacity")
	}
	if _, err := New(factory, 2, 3); err == nil {
		t.Fatal("expected error for idle above capacity")
	}
}

func TestAcquireReusesIdleConnection(t *testing.T) {
	factory := &fakeFactory{}
	pool, err := New(factory.dial, 2, 2)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer func() { _ = pool.Close() }()

	lease, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := lease.Close(); err != nil {
		t.Fatalf("release: %v", err)
	}

	again, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	defer func() { _ = again.Close() }()

	if factory.created() != 1 {
		t.Fatalf("expected 1 raw connection, factory created %d", factory.created())
	}
}

func TestIdleReuseIsLIFO(t *testing.T) {
	factory := &fakeFactory{}
	pool, err := New(factory.dial, 3, 3)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer func() { _ = pool.Close() }()

	leases := make([]*Lease, 3)
	for i := range leases {
		leases[i], err = pool.Acquire(context.Background())
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	for _, lease := range leases {
		_ = lease.Close()
	}

	lease, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire after releases: %v", err)
	}
	defer func() { _ = lease.Close() }()

	got := lease.raw.(*fakeConn).id
	if got != 2 {
		t.Fatalf("expected most-recently-released connection (id 2), got id %d", got)
	}
}

func TestAcquireBlocksUntilRelease(t *testing.T) {
	factory := &fakeFactory{}
	pool, err := New(factory.dial, 1, 1)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer func() { _ = pool.Close() }()

	first, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	acquired := make(chan *Lease)
	go func() {
		lease, err := pool.Acquire(context.Background())
		if err != nil {
			t.Errorf("blocked acquire: %v", err)
			close(acquired)
			return
		}
		acquired <- lease
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire must block while the pool is exhausted")
	case <-time.After(50 * time.Millisecond):
	}

	_ = first.Close()

	select {
	case lease := <-acquired:
		if lease == nil {
			t.Fatal("expected lease after release")
		}
		_ = lease.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("release did not wake the blocked acquirer")
	}

	if factory.created() != 1 {
		t.Fatalf("expected the single connection to be reused, factory created %d", factory.created())
	}
}

func TestAcquireHonoursContextDeadline(t *testing.T) {
	factory := &fakeFactory{}
	pool, err := New(factory.dial, 1, 1)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer func() { _ = pool.Close() }()

	lease, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer func() { _ = lease.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = pool.Acquire(ctx)
	if err == nil {
		t.Fatal("expected deadline error")
	}
	if !errs.HasCode(err, errs.CodeUnavailable) {
		t.Fatalf("expected unavailable code, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline cause, got %v", err)
	}
}

func TestReleaseClosesConnectionsBeyondIdleBound(t *testing.T) {
	factory := &fakeFactory{}
	pool, err := New(factory.dial, 3, 1)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer func() { _ = pool.Close() }()

	leases := make([]*Lease, 3)
	for i := range leases {
		leases[i], err = pool.Acquire(context.Background())
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	for _, lease := range leases {
		_ = lease.Close()
	}

	stats := pool.Stats()
	if stats.Idle != 1 {
		t.Fatalf("expected 1 idle connection, got %d", stats.Idle)
	}
	if stats.Taken != 0 {
		t.Fatalf("expected 0 taken connections, got %d", stats.Taken)
	}

	closed := 0
	for _, conn := range factory.conns {
		if conn.isClosed() {
			closed++
		}
	}
	if closed != 2 {
		t.Fatalf("expected 2 surplus connections closed, got %d", closed)
	}
}

func TestLeaseCloseIsIdempotent(t *testing.T) {
	factory := &fakeFactory{}
	pool, err := New(factory.dial, 2, 2)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer func() { _ = pool.Close() }()

	lease, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := lease.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := lease.Close(); err != nil {
		t.Fatalf("second close must be a no-op: %v", err)
	}

	if stats := pool.Stats(); stats.Idle != 1 || stats.Taken != 0 {
		t.Fatalf("double release corrupted pool state: %+v", stats)
	}

	if _, err := lease.ExecContext(context.Background(), "SELECT 1"); err == nil {
		t.Fatal("expected error using a released lease")
	}
}

func TestPoolCloseClosesEveryConnection(t *testing.T) {
	factory := &fakeFactory{}
	pool, err := New(factory.dial, 3, 3)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	borrowed, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	idleLease, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	_ = idleLease.Close()

	if err := pool.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	for i, conn := range factory.conns {
		if !conn.isClosed() {
			t.Fatalf("connection %d not closed after pool close", i)
		}
	}

	// Returning the still-borrowed lease after teardown must not resurrect
	// the connection.
	_ = borrowed.Close()
	if stats := pool.Stats(); stats.Idle != 0 || stats.Taken != 0 {
		t.Fatalf("teardown left state behind: %+v", stats)
	}

	if _, err := pool.Acquire(context.Background()); err == nil {
		t.Fatal("expected error acquiring from a closed pool")
	}
}

func TestPoolCloseWakesBlockedAcquirers(t *testing.T) {
	factory := &fakeFactory{}
	pool, err := New(factory.dial, 1, 1)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	lease, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer func() { _ = lease.Close() }()

	errCh := make(chan error, 1)
	go func() {
		_, err := pool.Acquire(context.Background())
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	if err := pool.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected pool-closed error for blocked acquirer")
		}
		if !errs.HasCode(err, errs.CodeUnavailable) {
			t.Fatalf("expected unavailable code, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pool close did not wake blocked acquirer")
	}
}

func TestBoundsHoldUnderConcurrentLoad(t *testing.T) {
	const (
		maxConns = 4
		maxIdle  = 2
		workers  = 16
		cycles   = 25
	)

	factory := &fakeFactory{}
	pool, err := New(factory.dial, maxConns, maxIdle)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer func() { _ = pool.Close() }()

	var violations atomic.Int32
	var wg conc.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Go(func() {
			for j := 0; j < cycles; j++ {
				lease, err := pool.Acquire(context.Background())
				if err != nil {
					violations.Add(1)
					return
				}
				stats := pool.Stats()
				if stats.Taken > maxConns || stats.Idle > maxIdle {
					violations.Add(1)
				}
				_ = lease.Close()
			}
		})
	}
	wg.Wait()

	if violations.Load() != 0 {
		t.Fatalf("pool bound invariants violated %d times", violations.Load())
	}
	stats := pool.Stats()
	if stats.Taken != 0 {
		t.Fatalf("expected all connections returned, %d still taken", stats.Taken)
	}
	if stats.Idle > maxIdle {
		t.Fatalf("idle bound exceeded after load: %d", stats.Idle)
	}
}

func TestShortDeadlineAcquiresAlwaysReturn(t *testing.T) {
	factory := &fakeFactory{}
	pool, err := New(factory.dial, 1, 1)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer func() { _ = pool.Close() }()

	holder, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer func() { _ = holder.Close() }()

	// Deadlines this tight fire between the ctx check and the cond park;
	// every call must still come back instead of sleeping until an
	// unrelated release.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2000; i++ {
			ctx, cancel := context.WithTimeout(context.Background(), time.Duration(i%3)*time.Microsecond)
			_, err := pool.Acquire(ctx)
			cancel()
			if err == nil {
				t.Error("expected deadline error from exhausted pool")
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("a deadline-bearing acquire failed to return")
	}
}

func TestCancelledWaiterDoesNotSwallowReleaseSignal(t *testing.T) {
	for i := 0; i < 50; i++ {
		factory := &fakeFactory{}
		pool, err := New(factory.dial, 1, 1)
		if err != nil {
			t.Fatalf("new pool: %v", err)
		}

		holder, err := pool.Acquire(context.Background())
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}

		cancelCtx, cancel := context.WithCancel(context.Background())
		cancelled := make(chan struct{})
		go func() {
			defer close(cancelled)
			// The cancel may lose the race and win the connection; hand it
			// straight back so only the timing is under test.
			if lease, err := pool.Acquire(cancelCtx); err == nil {
				_ = lease.Close()
			}
		}()

		acquired := make(chan error, 1)
		go func() {
			lease, err := pool.Acquire(context.Background())
			if err == nil {
				_ = lease.Close()
			}
			acquired <- err
		}()

		time.Sleep(time.Millisecond)
		// Release and cancel race; the patient waiter must get the freed
		// capacity even when the cancelled one consumed the signal.
		go cancel()
		_ = holder.Close()

		select {
		case err := <-acquired:
			if err != nil {
				t.Fatalf("patient waiter failed: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("freed capacity was swallowed by a cancelled waiter")
		}
		<-cancelled
		_ = pool.Close()
	}
}

type gatedFactory struct {
	inner   *fakeFactory
	gate    chan struct{}
	entered chan struct{}
	slow    atomic.Bool
}

func (f *gatedFactory) dial(ctx context.Context) (Conn, error) {
	if f.slow.Load() {
		close(f.entered)
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.inner.dial(ctx)
}

func TestSlowDialDoesNotBlockReleaseOrStats(t *testing.T) {
	factory := &gatedFactory{inner: &fakeFactory{}, gate: make(chan struct{}), entered: make(chan struct{})}
	pool, err := New(factory.dial, 2, 2)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer func() { _ = pool.Close() }()

	lease, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	factory.slow.Store(true)
	dialed := make(chan error, 1)
	go func() {
		slowLease, err := pool.Acquire(context.Background())
		if err == nil {
			_ = slowLease.Close()
		}
		dialed <- err
	}()

	// Wait until the second acquire is inside the dial.
	select {
	case <-factory.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("second acquire never started dialing")
	}

	released := make(chan struct{})
	go func() {
		_ = lease.Close()
		_ = pool.Stats()
		close(released)
	}()

	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("release blocked behind an in-flight dial")
	}

	close(factory.gate)
	if err := <-dialed; err != nil {
		t.Fatalf("slow dial acquire: %v", err)
	}
}

func TestDialFactoryRetriesTransientFailures(t *testing.T) {
	var attempts atomic.Int32
	flaky := func(ctx context.Context) (Conn, error) {
		if attempts.Add(1) < 2 {
			return nil, errors.New("transient dial failure")
		}
		return &fakeConn{}, nil
	}

	conn, err := DialFactory(flaky, 3)(context.Background())
	if err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if conn == nil {
		t.Fatal("expected connection")
	}
	if attempts.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts.Load())
	}
}

func TestDialFactoryGivesUpAfterMaxTries(t *testing.T) {
	cause := errors.New("address unreachable")
	dead := func(ctx context.Context) (Conn, error) { return nil, cause }

	_, err := DialFactory(dead, 2)(context.Background())
	if !errors.Is(err, cause) {
		t.Fatalf("expected final dial error, got %v", err)
	}
}
