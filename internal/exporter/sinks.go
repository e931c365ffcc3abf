package exporter

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/Uberschutz/UberSniff/internal/collector"
	"github.com/Uberschutz/UberSniff/internal/config"
)

// WriterSink 把批次以诊断格式写到 io.Writer
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink 创建写入 w 的导出目标
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// Send 实现 Sink
func (s *WriterSink) Send(_ context.Context, p Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return collector.DumpBatches(s.w, p.Batches)
}

// Close 实现 Sink
func (s *WriterSink) Close() error {
	return nil
}

// discardSink 丢弃所有导出
type discardSink struct{}

func (discardSink) Send(context.Context, Payload) error { return nil }
func (discardSink) Close() error                        { return nil }

// NewFromConfig 按配置选择编码方式与导出目标
func NewFromConfig(ctx context.Context, cfg config.ExportConfig, opts ...Option) (*Exporter, error) {
	creds := Credentials{
		UserID:  cfg.Uberback.UserID,
		Token:   cfg.Uberback.Token,
		Service: cfg.Uberback.Service,
	}

	var encoder Encoder = FormEncoder{Creds: creds}
	if cfg.Format == config.FormatJSON {
		encoder = JSONEncoder{Creds: creds}
	}

	opts = append([]Option{
		WithWorkers(cfg.Workers),
		WithQueueSize(cfg.QueueSize),
		WithGzip(cfg.Gzip),
	}, opts...)

	var sink Sink
	switch cfg.Sink {
	case config.SinkUberback:
		sink = NewHTTPSink(cfg.Uberback)
	case config.SinkS3:
		s3Sink, err := NewS3Sink(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		sink = s3Sink
		encoder = JSONLEncoder{Service: creds.Service}
		opts = append(opts, WithGzip(true))
	case config.SinkSQLite:
		sqliteSink, err := NewSQLiteSink(cfg.SQLite.DSN)
		if err != nil {
			return nil, err
		}
		sink = sqliteSink
	case config.SinkStdout:
		sink = NewWriterSink(os.Stdout)
	case config.SinkNone:
		sink = discardSink{}
	default:
		return nil, fmt.Errorf("%w: %s", config.ErrUnknownSink, cfg.Sink)
	}

	return New(sink, encoder, opts...), nil
}
