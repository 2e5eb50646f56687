// Package querypool isolates heavy analytical SQL from the request path: a
// fixed set of workers, each owning one store connection, executes queries
// round-robin so one pathological query degrades at most 1/N of throughput.
package querypool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"liveops/internal/clickhouse"
	"liveops/internal/logger"
	"liveops/internal/metrics"
)

var (
	// ErrTimeout is returned for tasks outstanding longer than the ceiling.
	ErrTimeout = errors.New("query timed out")
	// ErrClosed is returned for submissions after shutdown began.
	ErrClosed = errors.New("query pool is closed")
)

// Execer is the per-worker store connection.
type Execer interface {
	Select(ctx context.Context, q *clickhouse.Query) (*clickhouse.Rows, error)
	Close() error
}

// Config configures the pool.
type Config struct {
	Size          int
	QueryTimeout  time.Duration
	ShutdownGrace time.Duration

	// Dial opens one connection for one worker. Initialization failure of
	// any worker is fatal to pool startup.
	Dial func(ctx context.Context) (Execer, error)
}

// Result pairs a completed task's rows with its error.
type Result struct {
	Rows *clickhouse.Rows
	Err  error
}

type task struct {
	id          uint64
	query       *clickhouse.Query
	submittedAt time.Time
}

type completion struct {
	id  uint64
	res Result
}

type worker struct {
	index     int
	conn      Execer
	tasks     chan *task
	closeOnce sync.Once
}

func (w *worker) closeConn() {
	w.closeOnce.Do(func() {
		if err := w.conn.Close(); err != nil {
			logger.With("querypool").Warn().Err(err).Int("worker", w.index).Msg("close connection")
		}
	})
}

// Pool dispatches query tasks over its workers and matches completions back
// to callers by correlation id.
type Pool struct {
	cfg         Config
	workers     []*worker
	completions chan completion

	nextID    atomic.Uint64
	nextIndex atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan Result
	closed  bool
	intake  sync.WaitGroup

	wg         sync.WaitGroup
	dispatchWG sync.WaitGroup
}

// New dials one connection per worker and starts the pool. Any dial failure
// tears down connections already opened and fails startup.
func New(ctx context.Context, cfg Config) (*Pool, error) {
	if cfg.Size < 1 {
		return nil, fmt.Errorf("pool size must be at least 1, got %d", cfg.Size)
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 5 * time.Minute
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	if cfg.Dial == nil {
		return nil, fmt.Errorf("pool dial function is required")
	}

	p := &Pool{
		cfg:         cfg,
		completions: make(chan completion, cfg.Size*2),
		pending:     make(map[uint64]chan Result),
	}

	for i := 0; i < cfg.Size; i++ {
		conn, err := cfg.Dial(ctx)
		if err != nil {
			for _, w := range p.workers {
				w.closeConn()
			}
			return nil, fmt.Errorf("dial worker %d: %w", i, err)
		}
		p.workers = append(p.workers, &worker{
			index: i,
			conn:  conn,
			tasks: make(chan *task, 16),
		})
	}

	for _, w := range p.workers {
		p.wg.Add(1)
		go p.runWorker(w)
	}
	p.dispatchWG.Add(1)
	go p.dispatch()

	logger.With("querypool").Info().Int("workers", cfg.Size).Msg("query pool started")
	return p, nil
}

// Submit executes a query on the next worker in rotation and blocks until a
// result, the timeout ceiling, or ctx cancellation. Safe for concurrent use.
func (p *Pool) Submit(ctx context.Context, q *clickhouse.Query) (*clickhouse.Rows, error) {
	t := &task{
		id:          p.nextID.Add(1),
		query:       q,
		submittedAt: time.Now(),
	}
	done := make(chan Result, 1)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.pending[t.id] = done
	p.intake.Add(1)
	w := p.workers[p.nextIndex.Add(1)%uint64(len(p.workers))]
	p.mu.Unlock()

	select {
	case w.tasks <- t:
		p.intake.Done()
	case <-ctx.Done():
		p.intake.Done()
		p.settle(t.id)
		return nil, ctx.Err()
	}

	timer := time.NewTimer(p.cfg.QueryTimeout)
	defer timer.Stop()

	select {
	case res := <-done:
		metrics.QueryDuration.Observe(time.Since(t.submittedAt).Seconds())
		if res.Err != nil {
			metrics.QueriesTotal.WithLabelValues("error").Inc()
			return nil, res.Err
		}
		metrics.QueriesTotal.WithLabelValues("ok").Inc()
		return res.Rows, nil
	case <-timer.C:
		p.settle(t.id)
		metrics.QueriesTotal.WithLabelValues("timeout").Inc()
		return nil, fmt.Errorf("task %d outstanding for %s: %w", t.id, p.cfg.QueryTimeout, ErrTimeout)
	case <-ctx.Done():
		p.settle(t.id)
		return nil, ctx.Err()
	}
}

// settle removes a pending entry so any late completion is discarded.
func (p *Pool) settle(id uint64) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

func (p *Pool) runWorker(w *worker) {
	defer p.wg.Done()
	for t := range w.tasks {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.QueryTimeout)
		rows, err := w.conn.Select(ctx, t.query)
		cancel()
		p.completions <- completion{id: t.id, res: Result{Rows: rows, Err: err}}
	}
	w.closeConn()
}

// dispatch matches completions to waiting callers solely by correlation id.
// Completions may arrive in any order; an id with no pending entry belongs to
// a task that already timed out and is dropped.
func (p *Pool) dispatch() {
	defer p.dispatchWG.Done()
	for c := range p.completions {
		p.mu.Lock()
		done, ok := p.pending[c.id]
		if ok {
			delete(p.pending, c.id)
		}
		p.mu.Unlock()

		if !ok {
			logger.With("querypool").Debug().Uint64("id", c.id).Msg("discarding late completion")
			continue
		}
		done <- c.res
	}
}

// Close stops intake, drains in-flight tasks for the grace period, then
// force-closes connections. Each connection is closed exactly once.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	// Wait for submissions that passed the closed check before closing the
	// worker channels they may still be sending on.
	p.intake.Wait()
	for _, w := range p.workers {
		close(w.tasks)
	}

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		close(p.completions)
		p.dispatchWG.Wait()
	case <-time.After(p.cfg.ShutdownGrace):
		// Workers may still be blocked on the store; close their
		// connections out from under them and leave the dispatcher to
		// swallow whatever trickles in.
		logger.With("querypool").Warn().Dur("grace", p.cfg.ShutdownGrace).Msg("grace period expired, force-closing connections")
		for _, w := range p.workers {
			w.closeConn()
		}
	}

	logger.With("querypool").Info().Msg("query pool stopped")
	return nil
}
