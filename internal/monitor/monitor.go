// Package monitor 把捕获、收集与导出串成完整的嗅探流程
package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Uberschutz/UberSniff/internal/capture"
	"github.com/Uberschutz/UberSniff/internal/collector"
	"github.com/Uberschutz/UberSniff/internal/config"
	"github.com/Uberschutz/UberSniff/internal/logger"
	"github.com/Uberschutz/UberSniff/internal/stream"
	"github.com/Uberschutz/UberSniff/internal/types"
)

var ErrAlreadyRunning = errors.New("monitor already running")

// BatchExporter 接收收集完成的批次
type BatchExporter interface {
	Export(batches types.DataBatches) error
}

// sniffer 监控器用到的捕获器能力
type sniffer interface {
	capture.Sniffer
	Done() <-chan struct{}
	Err() error
	Source() string
}

// Option 监控器选项
type Option func(*Monitor)

// WithReplay 从 pcap 文件读取，读完后 Run 返回
func WithReplay(path string) Option {
	return func(m *Monitor) { m.replay = path }
}

// WithDump 每次导出前把批次写到 w
func WithDump(w io.Writer) Option {
	return func(m *Monitor) { m.dump = w }
}

// WithStats 设置统计
func WithStats(s *types.Stats) Option {
	return func(m *Monitor) {
		if s != nil {
			m.stats = s
		}
	}
}

// Monitor 嗅探流程：捕获协程产出交换，主循环折叠进批次并交给导出器
type Monitor struct {
	cfg       *config.Config
	stats     *types.Stats
	collector *collector.DataCollector
	sessions  *capture.Sessions
	exporter  BatchExporter
	log       zerolog.Logger
	replay    string
	dump      io.Writer

	newSniffer   func(source string) sniffer
	defaultIface func() (string, error)
	sniffer      sniffer

	mu      sync.Mutex
	running bool
}

// New 创建监控器，cfg 需已设置默认值并通过校验
func New(cfg *config.Config, exp BatchExporter, opts ...Option) *Monitor {
	m := &Monitor{
		cfg:          cfg,
		stats:        types.NewStats(),
		exporter:     exp,
		log:          logger.Component("monitor"),
		defaultIface: capture.DefaultInterface,
	}
	for _, opt := range opts {
		opt(m)
	}

	m.collector = collector.New(collector.WithLogger(logger.Component("collector")))
	m.sessions = capture.NewSessions(m.collector, m.stats,
		stream.WithScheme(cfg.Scheme),
		stream.WithMaxBodySize(cfg.Reassembly.MaxBodySize),
		stream.WithLogger(logger.Component("reassembler")),
	)
	m.newSniffer = func(source string) sniffer {
		if m.replay != "" {
			return capture.NewReplaySniffer(cfg, source, m.sessions, m.stats)
		}
		live := *cfg
		live.Interface = source
		return capture.NewPcapSniffer(&live, m.sessions, m.stats)
	}
	return m
}

// Stats 运行统计
func (m *Monitor) Stats() *types.Stats {
	return m.stats
}

// Collector 数据收集器
func (m *Monitor) Collector() *collector.DataCollector {
	return m.collector
}

// Run 启动捕获并运行主循环，直到 ctx 取消或回放结束。
// 退出前停止捕获，处理完队列中剩余的交换并导出最后一批数据。
func (m *Monitor) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.running = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	source, follow, err := m.resolveSource()
	if err != nil {
		return err
	}
	m.sniffer = m.newSniffer(source)
	if err := m.sniffer.Start(ctx); err != nil {
		return fmt.Errorf("启动捕获失败: %w", err)
	}
	m.log.Info().Str("source", source).Bool("follow_default", follow).Msg("monitor started")

	err = m.loop(ctx, follow)

	m.sniffer.Stop()
	m.drain()
	m.flush()
	m.log.Info().Msg("monitor stopped")
	m.logStats()
	return err
}

// resolveSource 决定数据源；未指定网卡时使用默认网卡并跟随其变化
func (m *Monitor) resolveSource() (source string, follow bool, err error) {
	if m.replay != "" {
		return m.replay, false, nil
	}
	if m.cfg.Interface != "" {
		return m.cfg.Interface, false, nil
	}
	name, err := m.defaultIface()
	if err != nil {
		return "", false, fmt.Errorf("查找默认网卡失败: %w", err)
	}
	return name, true, nil
}

// loop 主循环：有交换时连续处理，队列清空后导出一次，然后按轮询间隔休眠
func (m *Monitor) loop(ctx context.Context, follow bool) error {
	statsTicker := time.NewTicker(m.cfg.StatsInterval.Duration)
	defer statsTicker.Stop()

	var watch <-chan time.Time
	if follow {
		t := time.NewTicker(m.cfg.WatchInterval.Duration)
		defer t.Stop()
		watch = t.C
	}

	captureDone := m.sniffer.Done()
	exported := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-captureDone:
			if m.replay != "" {
				m.log.Info().Str("file", m.replay).Msg("replay finished")
				return m.sniffer.Err()
			}
			if err := m.sniffer.Err(); err != nil {
				return err
			}
			// 捕获已停止，等待网卡检查重新启动
			captureDone = nil
			m.log.Warn().Str("interface", m.sniffer.Source()).Msg("capture not running")
		case <-watch:
			if m.followDefault() {
				captureDone = m.sniffer.Done()
			}
		case <-statsTicker.C:
			if m.cfg.Verbose {
				m.logStats()
			}
		default:
		}

		if m.collector.ProcessNext() {
			exported = false
			continue
		}
		if !exported {
			m.flush()
			exported = true
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(m.cfg.PollInterval.Duration):
		}
	}
}

// followDefault 默认网卡变化时切换捕获；返回是否重新启动了捕获
func (m *Monitor) followDefault() bool {
	name, err := m.defaultIface()
	if err != nil {
		m.log.Debug().Err(err).Msg("default interface lookup failed")
		return false
	}
	if name == m.sniffer.Source() && m.sniffer.IsSniffing() {
		return false
	}

	m.log.Info().Str("from", m.sniffer.Source()).Str("to", name).Msg("default interface changed")
	if err := m.sniffer.ChangeInterface(name); err != nil {
		m.log.Error().Err(err).Str("interface", name).Msg("change interface failed")
		return false
	}
	return true
}

// drain 处理完队列中剩余的交换
func (m *Monitor) drain() {
	for m.collector.ProcessNext() {
	}
}

// flush 取出当前批次交给导出器
func (m *Monitor) flush() {
	batches := m.collector.ExtractBatches()
	if batches.Len() == 0 {
		return
	}
	if m.dump != nil {
		if err := collector.DumpBatches(m.dump, batches); err != nil {
			m.log.Warn().Err(err).Msg("dump batches failed")
		}
	}
	if m.exporter == nil {
		return
	}
	if err := m.exporter.Export(batches); err != nil {
		m.log.Warn().Err(err).Int("batches", batches.Len()).Msg("export rejected")
	}
}

func (m *Monitor) logStats() {
	s := m.stats.Snapshot()
	text, image := m.collector.QueueLen()
	m.log.Info().
		Int64("packets", s.Packets).
		Int64("bytes", s.Bytes).
		Int64("streams_opened", s.StreamsOpened).
		Int64("streams_closed", s.StreamsClosed).
		Int64("streams_terminated", s.StreamsTerminated).
		Int64("requests", s.Requests).
		Int64("responses", s.Responses).
		Int64("text", s.TextExchanges).
		Int64("image", s.ImageExchanges).
		Int64("dropped", s.DroppedExchanges).
		Int64("exported", s.BatchesExported).
		Int64("export_errors", s.ExportErrors).
		Int("sessions", m.sessions.Len()).
		Int("queued_text", text).
		Int("queued_image", image).
		Msg("stats")
}
