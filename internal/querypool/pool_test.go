package querypool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"liveops/internal/clickhouse"
)

// fakeConn scripts per-query behavior for one worker connection.
type fakeConn struct {
	mu       sync.Mutex
	executed int
	closed   int32
	handler  func(ctx context.Context, q *clickhouse.Query) (*clickhouse.Rows, error)
}

func (c *fakeConn) Select(ctx context.Context, q *clickhouse.Query) (*clickhouse.Rows, error) {
	c.mu.Lock()
	c.executed++
	c.mu.Unlock()
	if c.handler != nil {
		return c.handler(ctx, q)
	}
	return &clickhouse.Rows{Count: 1, Data: []map[string]interface{}{{"q": q.Text}}}, nil
}

func (c *fakeConn) Close() error {
	atomic.AddInt32(&c.closed, 1)
	return nil
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.executed
}

func newTestPool(t *testing.T, conns []*fakeConn, timeout time.Duration) *Pool {
	t.Helper()
	var next int
	pool, err := New(context.Background(), Config{
		Size:          len(conns),
		QueryTimeout:  timeout,
		ShutdownGrace: 500 * time.Millisecond,
		Dial: func(context.Context) (Execer, error) {
			c := conns[next]
			next++
			return c, nil
		},
	})
	if err != nil {
		t.Fatalf("start pool: %v", err)
	}
	return pool
}

func TestSubmitDeliversEachResultToItsCaller(t *testing.T) {
	conns := []*fakeConn{{}, {}, {}}
	pool := newTestPool(t, conns, time.Minute)
	defer pool.Close()

	var wg sync.WaitGroup
	errCh := make(chan error, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			text := fmt.Sprintf("SELECT %d", i)
			rows, err := pool.Submit(context.Background(), clickhouse.NewQuery(text))
			if err != nil {
				errCh <- err
				return
			}
			// Each caller must get exactly the result of its own query.
			if got := rows.Data[0]["q"]; got != text {
				errCh <- fmt.Errorf("caller %d got result for %v", i, got)
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatal(err)
	}

	total := 0
	for _, c := range conns {
		total += c.count()
	}
	if total != 64 {
		t.Fatalf("expected 64 executions, got %d", total)
	}
}

func TestSubmitDispatchesRoundRobin(t *testing.T) {
	conns := []*fakeConn{{}, {}, {}}
	pool := newTestPool(t, conns, time.Minute)
	defer pool.Close()

	for i := 0; i < 9; i++ {
		if _, err := pool.Submit(context.Background(), clickhouse.NewQuery("SELECT 1")); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	for i, c := range conns {
		if c.count() != 3 {
			t.Fatalf("worker %d executed %d tasks, want 3", i, c.count())
		}
	}
}

func TestSubmitTimesOutAndDiscardsLateResult(t *testing.T) {
	release := make(chan struct{})
	slow := &fakeConn{handler: func(ctx context.Context, q *clickhouse.Query) (*clickhouse.Rows, error) {
		// Only the sleeping query stalls; everything else echoes normally.
		if q.Text != "SELECT sleep(10)" {
			return &clickhouse.Rows{Count: 1, Data: []map[string]interface{}{{"q": q.Text}}}, nil
		}
		select {
		case <-release:
			return &clickhouse.Rows{Count: 1, Data: []map[string]interface{}{{"q": q.Text}}}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
	pool := newTestPool(t, []*fakeConn{slow}, 50*time.Millisecond)
	defer pool.Close()

	_, err := pool.Submit(context.Background(), clickhouse.NewQuery("SELECT sleep(10)"))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}

	// Let the stalled task complete; its late result must be dropped, and
	// the worker must stay usable for the next caller.
	close(release)
	fast, err := pool.Submit(context.Background(), clickhouse.NewQuery("SELECT 2"))
	if err != nil {
		t.Fatalf("pool unhealthy after timeout: %v", err)
	}
	if fast.Data[0]["q"] != "SELECT 2" {
		t.Fatalf("second caller received the stale result: %+v", fast.Data)
	}
}

func TestConnectionErrorFailsOnlyItsOwnTasks(t *testing.T) {
	bad := &fakeConn{handler: func(context.Context, *clickhouse.Query) (*clickhouse.Rows, error) {
		return nil, errors.New("connection reset")
	}}
	good := &fakeConn{}
	pool := newTestPool(t, []*fakeConn{bad, good}, time.Minute)
	defer pool.Close()

	failures := 0
	for i := 0; i < 8; i++ {
		if _, err := pool.Submit(context.Background(), clickhouse.NewQuery("SELECT 1")); err != nil {
			failures++
		}
	}
	if failures != 4 {
		t.Fatalf("expected the bad worker's 4 tasks to fail, got %d failures", failures)
	}
}

func TestNewFailsWhenAnyWorkerDialFails(t *testing.T) {
	opened := &fakeConn{}
	dials := 0
	_, err := New(context.Background(), Config{
		Size: 2,
		Dial: func(context.Context) (Execer, error) {
			dials++
			if dials == 2 {
				return nil, errors.New("store unreachable")
			}
			return opened, nil
		},
	})
	if err == nil {
		t.Fatalf("expected startup failure")
	}
	if atomic.LoadInt32(&opened.closed) != 1 {
		t.Fatalf("previously-dialed connection must be closed on startup failure")
	}
}

func TestCloseRejectsNewSubmissionsAndClosesConnsOnce(t *testing.T) {
	conns := []*fakeConn{{}, {}}
	pool := newTestPool(t, conns, time.Minute)

	if err := pool.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := pool.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	if _, err := pool.Submit(context.Background(), clickhouse.NewQuery("SELECT 1")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	for i, c := range conns {
		if got := atomic.LoadInt32(&c.closed); got != 1 {
			t.Fatalf("worker %d connection closed %d times, want exactly once", i, got)
		}
	}
}
