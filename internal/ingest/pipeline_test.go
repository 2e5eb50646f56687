package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"liveops/pkg/models"
)

type recordingSink struct {
	mu       sync.Mutex
	batches  [][]*models.RawEvent
	failures int
}

func (s *recordingSink) WriteEvents(_ context.Context, events []*models.RawEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("sink unavailable")
	}
	s.batches = append(s.batches, append([]*models.RawEvent(nil), events...))
	return nil
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) batchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func (s *recordingSink) batch(i int) []*models.RawEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batches[i]
}

func waitForBatches(t *testing.T, sink *recordingSink, want int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for sink.batchCount() < want {
		if time.Now().After(deadline) {
			t.Fatalf("sink received %d batches, want %d", sink.batchCount(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newWriteLoopPipeline(sink EventSink, batchSize int, flushInterval time.Duration) *Pipeline {
	return NewPipeline(nil, sink, nil, PipelineConfig{
		Workers:       1,
		BatchSize:     batchSize,
		FlushInterval: flushInterval,
	})
}

func TestWriteLoopFlushesOnBatchSize(t *testing.T) {
	sink := &recordingSink{}
	p := newWriteLoopPipeline(sink, 3, time.Minute)

	in := make(chan *models.RawEvent)
	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		defer close(done)
		p.writeLoop(ctx, in)
	}()

	for _, client := range []string{"c1", "c2", "c3"} {
		in <- rawEvent("studio-a", client, "newSession")
	}
	// Full batch lands without waiting for the ticker.
	waitForBatches(t, sink, 1, time.Second)
	if got := sink.batch(0); len(got) != 3 || got[0].ClientID != "c1" {
		t.Fatalf("batch = %+v", got)
	}

	close(in)
	<-done
	if sink.batchCount() != 1 {
		t.Errorf("batches = %d after close, want 1", sink.batchCount())
	}
}

func TestWriteLoopFlushesOnTicker(t *testing.T) {
	sink := &recordingSink{}
	p := newWriteLoopPipeline(sink, 1000, 20*time.Millisecond)

	in := make(chan *models.RawEvent, 2)
	in <- rawEvent("studio-a", "c1", "newSession")
	in <- rawEvent("studio-a", "c2", "newSession")

	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		defer close(done)
		p.writeLoop(ctx, in)
	}()

	waitForBatches(t, sink, 1, time.Second)
	if got := sink.batch(0); len(got) != 2 {
		t.Fatalf("ticker batch = %d events, want 2", len(got))
	}

	close(in)
	<-done
}

func TestWriteLoopDrainsOnChannelClose(t *testing.T) {
	sink := &recordingSink{}
	p := newWriteLoopPipeline(sink, 1000, time.Minute)

	in := make(chan *models.RawEvent, 2)
	in <- rawEvent("studio-a", "c1", "newSession")
	in <- rawEvent("studio-a", "c2", "endSession")
	close(in)

	p.writeLoop(context.Background(), in)

	if sink.batchCount() != 1 || len(sink.batch(0)) != 2 {
		t.Fatalf("drain wrote %d batches", sink.batchCount())
	}
}

// ctxAwareSink refuses writes once its context is cancelled, like the store
// sink does.
type ctxAwareSink struct {
	recordingSink
}

func (s *ctxAwareSink) WriteEvents(ctx context.Context, events []*models.RawEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.recordingSink.WriteEvents(ctx, events)
}

func TestWriteLoopLandsBufferedEventsAfterCancellation(t *testing.T) {
	sink := &ctxAwareSink{}
	p := newWriteLoopPipeline(sink, 1000, time.Minute)

	in := make(chan *models.RawEvent, 2)
	in <- rawEvent("studio-a", "c1", "newSession")
	in <- rawEvent("studio-a", "c2", "newSession")
	close(in)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.writeLoop(ctx, in)

	// The drain flush must not run on the cancelled pipeline context.
	if sink.batchCount() != 1 || len(sink.batch(0)) != 2 {
		t.Fatalf("shutdown drain lost events: sink wrote %d batches", sink.batchCount())
	}
}

func TestWriteLoopRetriesFailedBatch(t *testing.T) {
	sink := &recordingSink{failures: 1}
	p := newWriteLoopPipeline(sink, 2, time.Minute)

	in := make(chan *models.RawEvent, 2)
	in <- rawEvent("studio-a", "c1", "newSession")
	in <- rawEvent("studio-a", "c1", "endSession")
	close(in)

	p.writeLoop(context.Background(), in)

	// The first attempt failed; the batch was kept and retried, not dropped.
	if sink.batchCount() != 1 || len(sink.batch(0)) != 2 {
		t.Fatalf("retry wrote %d batches", sink.batchCount())
	}
}

func TestWorkerLoopRejectsBadPayloads(t *testing.T) {
	p := NewPipeline(nil, &recordingSink{}, nil, PipelineConfig{})

	in := make(chan []byte, 3)
	in <- []byte(`{"time": 1775044800000, "studioID": "s", "clientID": "c1", "type": "newSession"}`)
	in <- []byte(`not json`)
	in <- []byte(`{"time": 1775044800000, "studioID": "s", "clientID": "c2", "type": "endSession"}`)
	close(in)

	out := make(chan *models.RawEvent, 3)
	p.workerLoop(in, out)
	close(out)

	var clients []string
	for ev := range out {
		clients = append(clients, ev.ClientID)
	}
	if len(clients) != 2 || clients[0] != "c1" || clients[1] != "c2" {
		t.Errorf("accepted clients = %v", clients)
	}
}
