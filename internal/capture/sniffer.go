// Package capture 提供网络包捕获与 TCP 连接管理
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/Uberschutz/UberSniff/internal/config"
	"github.com/Uberschutz/UberSniff/internal/types"
)

// 等待乱序分段的最长时间，超过后跳过缺口继续交付
const stallTimeout = 2 * time.Second

var (
	ErrAlreadySniffing = errors.New("sniffer already running")
	ErrOfflineSource   = errors.New("cannot change interface of an offline capture")
)

// Sniffer 捕获器接口
type Sniffer interface {
	Start(ctx context.Context) error
	Stop()
	IsSniffing() bool
	ChangeInterface(name string) error
}

// PcapSniffer 基于 libpcap 的捕获器，可以读取网卡或 pcap 文件
type PcapSniffer struct {
	cfg      *config.Config
	sessions *Sessions
	stats    *types.Stats
	log      zerolog.Logger

	mu      sync.Mutex
	source  string // 网卡名或文件路径
	offline bool
	parent  context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
	err     error
}

// NewPcapSniffer 创建网卡捕获器
func NewPcapSniffer(cfg *config.Config, sessions *Sessions, stats *types.Stats) *PcapSniffer {
	return &PcapSniffer{
		cfg:      cfg,
		sessions: sessions,
		stats:    stats,
		log:      zlog.Logger.With().Str("component", "sniffer").Logger(),
		source:   cfg.Interface,
	}
}

// NewReplaySniffer 创建读取 pcap 文件的捕获器，读完后自动结束
func NewReplaySniffer(cfg *config.Config, path string, sessions *Sessions, stats *types.Stats) *PcapSniffer {
	s := NewPcapSniffer(cfg, sessions, stats)
	s.source = path
	s.offline = true
	return s
}

// Start 打开数据源并在独立协程中开始捕获
func (s *PcapSniffer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadySniffing
	}

	handle, err := s.open()
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	asm := newAssembly(s.sessions, s.cfg.IsServerPort, s.stats, s.log)
	s.parent = ctx
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	s.err = nil

	s.log.Info().
		Str("source", s.source).
		Bool("offline", s.offline).
		Str("filter", s.cfg.BuildBPFFilter()).
		Msg("capture started")

	go s.run(runCtx, handle, asm, s.done)
	return nil
}

// Stop 停止捕获并等待捕获协程退出，未完成的重组状态被丢弃
func (s *PcapSniffer) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.log.Info().Str("source", s.source).Msg("capture stopped")
}

// IsSniffing 捕获协程是否在运行
func (s *PcapSniffer) IsSniffing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Done 当前捕获协程退出时关闭
func (s *PcapSniffer) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return s.done
}

// Err 捕获协程异常退出的原因
func (s *PcapSniffer) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Source 当前数据源
func (s *PcapSniffer) Source() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.source
}

// ChangeInterface 停止当前捕获，在新网卡上以全新的重组状态重新开始
func (s *PcapSniffer) ChangeInterface(name string) error {
	if s.offline {
		return ErrOfflineSource
	}

	s.Stop()

	s.mu.Lock()
	s.source = name
	parent := s.parent
	s.mu.Unlock()
	if parent == nil {
		parent = context.Background()
	}

	s.log.Info().Str("interface", name).Msg("changing capture interface")
	return s.Start(parent)
}

func (s *PcapSniffer) open() (*pcap.Handle, error) {
	var (
		handle *pcap.Handle
		err    error
	)
	if s.offline {
		handle, err = pcap.OpenOffline(s.source)
		if err != nil {
			return nil, fmt.Errorf("打开pcap文件失败: %w", err)
		}
	} else {
		handle, err = s.openLive()
		if err != nil {
			return nil, err
		}
	}

	if err := handle.SetBPFFilter(s.cfg.BuildBPFFilter()); err != nil {
		handle.Close()
		return nil, fmt.Errorf("设置BPF过滤器失败: %w", err)
	}
	return handle, nil
}

// openLive 以立即模式打开网卡，读超时保证能及时响应停止
func (s *PcapSniffer) openLive() (*pcap.Handle, error) {
	if s.source == "" {
		return nil, fmt.Errorf("打开网络接口失败: 未指定接口")
	}

	inactive, err := pcap.NewInactiveHandle(s.source)
	if err != nil {
		return nil, fmt.Errorf("打开网络接口失败: %w", err)
	}
	defer inactive.CleanUp()

	if err := inactive.SetSnapLen(s.cfg.SnapLen); err != nil {
		return nil, fmt.Errorf("设置抓包长度失败: %w", err)
	}
	if err := inactive.SetPromisc(s.cfg.PromiscEnabled()); err != nil {
		return nil, fmt.Errorf("设置混杂模式失败: %w", err)
	}
	if err := inactive.SetTimeout(s.cfg.Timeout.Duration); err != nil {
		return nil, fmt.Errorf("设置读超时失败: %w", err)
	}
	if err := inactive.SetImmediateMode(true); err != nil {
		return nil, fmt.Errorf("设置立即模式失败: %w", err)
	}

	handle, err := inactive.Activate()
	if err != nil {
		return nil, fmt.Errorf("打开网络接口失败: %w", err)
	}
	return handle, nil
}

// run 捕获循环：收包与重组在同一协程中进行
func (s *PcapSniffer) run(ctx context.Context, handle *pcap.Handle, asm *assembly, done chan struct{}) {
	defer close(done)
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()
	defer handle.Close()
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("capture loop panic: %v", r)
			s.log.Error().Err(err).Msg("capture loop stopped")
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
		}
	}()

	source := gopacket.NewPacketSource(handle, handle.LinkType())
	source.Lazy = true
	source.NoCopy = true

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.sessions.Clear()
			return
		case now := <-ticker.C:
			if !s.offline {
				asm.flushStalled(now.Add(-stallTimeout))
				if _, closed := asm.flushOlderThan(now.Add(-s.cfg.FlushTimeout.Duration)); closed > 0 {
					s.log.Debug().Int("closed", closed).Msg("idle streams flushed")
				}
			}
		default:
		}

		packet, err := source.NextPacket()
		switch {
		case err == nil:
			asm.process(packet)
		case errors.Is(err, pcap.NextErrorTimeoutExpired):
		case errors.Is(err, io.EOF):
			closed := asm.flushAll()
			s.log.Info().Int("streams", closed).Str("source", s.source).Msg("end of capture file")
			return
		default:
			s.log.Debug().Err(err).Msg("packet read failed")
			time.Sleep(10 * time.Millisecond)
		}
	}
}
