// Package exporter 把收集到的批次异步发送到分析服务或其他存储
package exporter

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/Uberschutz/UberSniff/internal/types"
)

var (
	ErrQueueFull = errors.New("export queue full")
	ErrShutdown  = errors.New("exporter shut down")
)

// Job 一次导出任务
type Job struct {
	ID        string
	Batches   types.DataBatches
	CreatedAt time.Time
}

// Sink 导出目标
type Sink interface {
	Send(ctx context.Context, p Payload) error
	Close() error
}

// Option 导出器选项
type Option func(*Exporter)

// WithWorkers 设置导出协程数
func WithWorkers(n int) Option {
	return func(e *Exporter) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithQueueSize 设置待导出任务上限
func WithQueueSize(n int) Option {
	return func(e *Exporter) {
		if n > 0 {
			e.queueSize = n
		}
	}
}

// WithGzip 压缩请求体
func WithGzip(on bool) Option {
	return func(e *Exporter) { e.gzip = on }
}

// WithStats 设置统计
func WithStats(s *types.Stats) Option {
	return func(e *Exporter) {
		if s != nil {
			e.stats = s
		}
	}
}

// WithLogger 设置日志
func WithLogger(l zerolog.Logger) Option {
	return func(e *Exporter) { e.log = l }
}

// Exporter 导出器：有界任务队列加固定数量的导出协程
type Exporter struct {
	sink      Sink
	encoder   Encoder
	workers   int
	queueSize int
	gzip      bool
	stats     *types.Stats
	log       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan Job
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// New 创建导出器并启动导出协程
func New(sink Sink, encoder Encoder, opts ...Option) *Exporter {
	e := &Exporter{
		sink:      sink,
		encoder:   encoder,
		workers:   2,
		queueSize: 64,
		stats:     types.NewStats(),
		log:       zlog.Logger.With().Str("component", "exporter").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.jobs = make(chan Job, e.queueSize)
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	return e
}

// Export 提交批次，不等待发送结果；空批次被忽略
func (e *Exporter) Export(batches types.DataBatches) error {
	if batches.Len() == 0 {
		return nil
	}

	job := Job{ID: uuid.NewString(), Batches: batches, CreatedAt: time.Now()}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrShutdown
	}

	select {
	case e.jobs <- job:
		e.log.Debug().Str("job", job.ID).Int("batches", batches.Len()).Msg("export queued")
		return nil
	default:
		e.stats.ExportDropped.Add(1)
		e.log.Warn().Str("job", job.ID).Int("batches", batches.Len()).Msg("export queue full, batches dropped")
		return ErrQueueFull
	}
}

// Pending 队列中尚未处理的任务数
func (e *Exporter) Pending() int {
	return len(e.jobs)
}

// Shutdown 停止接收任务，等待队列处理完；ctx 到期时中断正在进行的发送
func (e *Exporter) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.jobs)
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		e.cancel()
		<-done
		err = ctx.Err()
	}
	e.cancel()

	if cerr := e.sink.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (e *Exporter) worker() {
	defer e.wg.Done()
	for job := range e.jobs {
		if err := e.process(job); err != nil {
			e.stats.ExportErrors.Add(1)
			e.log.Error().Err(err).Str("job", job.ID).Msg("export failed")
			continue
		}
		e.stats.BatchesExported.Add(int64(job.Batches.Len()))
	}
}

func (e *Exporter) process(job Job) error {
	payload, err := e.encoder.Encode(job)
	if err != nil {
		return err
	}
	if e.gzip {
		if payload, err = Compress(payload); err != nil {
			return err
		}
	}

	start := time.Now()
	if err := e.sink.Send(e.ctx, payload); err != nil {
		return err
	}
	e.log.Debug().
		Str("job", job.ID).
		Int("bytes", len(payload.Body)).
		Dur("took", time.Since(start)).
		Msg("batches exported")
	return nil
}
