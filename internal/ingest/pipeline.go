package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"liveops/internal/cache"
	"liveops/internal/logger"
	"liveops/internal/metrics"
	"liveops/pkg/models"
)

// PipelineConfig controls batching.
type PipelineConfig struct {
	Workers       int
	BatchSize     int
	FlushInterval time.Duration
	RecentLimit   int64
}

// Pipeline drains the queue, validates events in parallel, and lands batches
// in the sink. Recent events also go into the per-event-type ring buffer so
// dashboards can show live traffic without touching the store.
type Pipeline struct {
	consumer *Consumer
	sink     EventSink
	cache    *cache.Tiered
	cfg      PipelineConfig
}

// NewPipeline wires the stages together. cache may be nil to skip ring
// buffers.
func NewPipeline(consumer *Consumer, sink EventSink, c *cache.Tiered, cfg PipelineConfig) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = 100
	}
	return &Pipeline{consumer: consumer, sink: sink, cache: c, cfg: cfg}
}

// Run starts the pipeline loop and blocks until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	logger.With("ingest").Info().Int("workers", p.cfg.Workers).Msg("ingest pipeline started")

	msgCh := make(chan []byte, p.cfg.Workers*4)
	eventCh := make(chan *models.RawEvent, p.cfg.Workers*4)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.readLoop(ctx, msgCh)
		close(msgCh)
	}()

	var workers sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			p.workerLoop(msgCh, eventCh)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		workers.Wait()
		close(eventCh)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.writeLoop(ctx, eventCh)
	}()

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Close releases pipeline resources.
func (p *Pipeline) Close() error {
	if p.sink != nil {
		if err := p.sink.Close(); err != nil {
			logger.With("ingest").Error().Err(err).Msg("close sink")
		}
	}
	if p.consumer != nil {
		return p.consumer.Close()
	}
	return nil
}

func (p *Pipeline) readLoop(ctx context.Context, out chan<- []byte) {
	for {
		payload, err := p.consumer.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.With("ingest").Error().Err(err).Msg("pop queue message")
			time.Sleep(500 * time.Millisecond)
			continue
		}
		if payload == nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		select {
		case out <- payload:
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pipeline) workerLoop(in <-chan []byte, out chan<- *models.RawEvent) {
	for payload := range in {
		ev, err := Parse(payload)
		if err != nil {
			metrics.IngestEvents.WithLabelValues("rejected").Inc()
			logger.With("ingest").Warn().Err(err).Msg("rejecting event payload")
			continue
		}
		out <- ev
	}
}

// drainTimeout bounds the final flush after cancellation.
const drainTimeout = 10 * time.Second

func (p *Pipeline) writeLoop(ctx context.Context, in <-chan *models.RawEvent) {
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	var batch []*models.RawEvent

	flush := func(fctx context.Context) {
		if len(batch) == 0 {
			return
		}
		for {
			if err := p.sink.WriteEvents(fctx, batch); err != nil {
				logger.With("ingest").Error().Err(err).Int("events", len(batch)).Msg("write event batch")
				select {
				case <-fctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
			metrics.IngestEvents.WithLabelValues("stored").Add(float64(len(batch)))
			p.pushRecent(fctx, batch)
			batch = nil
			return
		}
	}

	// The final flush runs on a detached, bounded context: events already
	// popped from the queue still land after cancellation.
	drain := func() {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
		defer cancel()
		flush(dctx)
	}

	for {
		select {
		case <-ctx.Done():
			// Intake has stopped and the stage chain is closing; collect
			// what the workers already parsed before the last flush.
			for ev := range in {
				batch = append(batch, ev)
			}
			drain()
			return
		case <-ticker.C:
			flush(ctx)
		case ev, ok := <-in:
			if !ok {
				drain()
				return
			}
			batch = append(batch, ev)
			if len(batch) >= p.cfg.BatchSize {
				flush(ctx)
			}
		}
	}
}

func (p *Pipeline) pushRecent(ctx context.Context, batch []*models.RawEvent) {
	if p.cache == nil {
		return
	}
	for _, ev := range batch {
		blob, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		key := cache.Key(ev.StudioID, ev.Branch, "recent-events", ev.Type)
		p.cache.Push(ctx, key, string(blob), p.cfg.RecentLimit)
	}
}
