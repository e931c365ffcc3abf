package exporter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Uberschutz/UberSniff/internal/types"
)

type fakeSink struct {
	mu       sync.Mutex
	payloads []Payload
	closed   bool
	err      error

	started chan struct{} // 每次 Send 开始时发送
	release chan struct{} // 非空时 Send 等待它关闭
}

func (s *fakeSink) Send(ctx context.Context, p Payload) error {
	if s.started != nil {
		s.started <- struct{}{}
	}
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, p)
	return s.err
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

func batchesOf(src string) types.DataBatches {
	b := types.NewDataBatch()
	b.Texts["hello"] = 1
	return types.DataBatches{src: b}
}

func TestExportDelivers(t *testing.T) {
	sink := &fakeSink{}
	stats := types.NewStats()
	e := New(sink, FormEncoder{Creds: testCreds}, WithStats(stats), WithWorkers(2))

	for _, src := range []string{"http://a.com", "http://b.com", "http://c.com"} {
		if err := e.Export(batchesOf(src)); err != nil {
			t.Fatalf("export: %v", err)
		}
	}
	if err := e.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	if sink.count() != 3 {
		t.Errorf("expected 3 payloads, got %d", sink.count())
	}
	if !sink.closed {
		t.Errorf("expected sink to be closed")
	}
	if stats.BatchesExported.Load() != 3 {
		t.Errorf("expected 3 exported batches, got %d", stats.BatchesExported.Load())
	}
	seen := map[string]bool{}
	for _, p := range sink.payloads {
		if p.JobID == "" || seen[p.JobID] {
			t.Errorf("expected unique job ids, got %q", p.JobID)
		}
		seen[p.JobID] = true
	}
}

func TestExportIgnoresEmptyBatches(t *testing.T) {
	sink := &fakeSink{}
	e := New(sink, FormEncoder{})

	if err := e.Export(types.DataBatches{}); err != nil {
		t.Fatalf("export: %v", err)
	}
	if err := e.Export(nil); err != nil {
		t.Fatalf("export: %v", err)
	}
	_ = e.Shutdown(context.Background())

	if sink.count() != 0 {
		t.Errorf("expected nothing sent, got %d", sink.count())
	}
}

func TestExportQueueFull(t *testing.T) {
	sink := &fakeSink{started: make(chan struct{}, 4), release: make(chan struct{})}
	stats := types.NewStats()
	e := New(sink, FormEncoder{}, WithWorkers(1), WithQueueSize(1), WithStats(stats))

	if err := e.Export(batchesOf("http://a.com")); err != nil {
		t.Fatalf("export: %v", err)
	}
	<-sink.started // 唯一的协程正在发送

	if err := e.Export(batchesOf("http://b.com")); err != nil {
		t.Fatalf("expected second job to be queued: %v", err)
	}
	if err := e.Export(batchesOf("http://c.com")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if stats.ExportDropped.Load() != 1 {
		t.Errorf("expected 1 dropped export, got %d", stats.ExportDropped.Load())
	}

	close(sink.release)
	if err := e.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if sink.count() != 2 {
		t.Errorf("expected 2 payloads, got %d", sink.count())
	}
}

func TestExportErrorsAreCounted(t *testing.T) {
	sink := &fakeSink{err: errors.New("boom")}
	stats := types.NewStats()
	e := New(sink, FormEncoder{}, WithStats(stats))

	_ = e.Export(batchesOf("http://a.com"))
	_ = e.Shutdown(context.Background())

	if stats.ExportErrors.Load() != 1 || stats.BatchesExported.Load() != 0 {
		t.Errorf("unexpected stats:\n%s", stats)
	}
}

func TestShutdownTimeout(t *testing.T) {
	sink := &fakeSink{started: make(chan struct{}, 1), release: make(chan struct{})}
	e := New(sink, FormEncoder{}, WithWorkers(1))

	_ = e.Export(batchesOf("http://a.com"))
	<-sink.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := e.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}

	if err := e.Export(batchesOf("http://b.com")); !errors.Is(err, ErrShutdown) {
		t.Errorf("expected ErrShutdown after shutdown, got %v", err)
	}
}

func TestExportGzip(t *testing.T) {
	sink := &fakeSink{}
	e := New(sink, JSONEncoder{}, WithGzip(true))

	_ = e.Export(batchesOf("http://a.com"))
	_ = e.Shutdown(context.Background())

	if sink.count() != 1 || sink.payloads[0].ContentEncoding != "gzip" {
		t.Errorf("expected one gzip payload, got %+v", sink.payloads)
	}
}
