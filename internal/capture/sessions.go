package capture

import (
	"sync"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/Uberschutz/UberSniff/internal/stream"
	"github.com/Uberschutz/UberSniff/internal/types"
)

// TerminationReason 连接异常结束的原因
type TerminationReason int

const (
	TerminationTimeout    TerminationReason = iota // 空闲超时被回收
	TerminationBufferFull                          // 乱序缓冲区已满
	TerminationShutdown                            // 捕获停止
)

func (r TerminationReason) String() string {
	switch r {
	case TerminationTimeout:
		return "timeout"
	case TerminationBufferFull:
		return "buffer_full"
	case TerminationShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// StreamHandler 接收捕获层的连接事件，所有回调在捕获协程中串行调用
type StreamHandler interface {
	OnNewStream(id types.StreamID)
	OnPayload(id types.StreamID, dir types.Direction, payload []byte)
	OnStreamClosed(id types.StreamID)
	OnStreamTerminated(id types.StreamID, reason TerminationReason)
}

// Sessions 连接会话表，每条连接持有一个 HTTP 重组器
type Sessions struct {
	sink  stream.ExchangeSink
	opts  []stream.Option
	stats *types.Stats
	log   zerolog.Logger

	mu       sync.Mutex
	sessions map[types.StreamID]*stream.Reassembler
}

// NewSessions 创建会话表，opts 用于每个新建的重组器
func NewSessions(sink stream.ExchangeSink, stats *types.Stats, opts ...stream.Option) *Sessions {
	if stats == nil {
		stats = types.NewStats()
	}
	return &Sessions{
		sink:     sink,
		opts:     append([]stream.Option{stream.WithStats(stats)}, opts...),
		stats:    stats,
		log:      zlog.Logger.With().Str("component", "sessions").Logger(),
		sessions: make(map[types.StreamID]*stream.Reassembler),
	}
}

// OnNewStream 新连接，创建重组器
func (s *Sessions) OnNewStream(id types.StreamID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; ok {
		return
	}
	s.sessions[id] = stream.NewReassembler(s.sink, s.opts...)
	s.stats.StreamsOpened.Add(1)
	s.log.Debug().Stringer("stream", id).Msg("stream opened")
}

// OnPayload 把负载交给对应方向的重组器，未知连接会被创建（抓包可能从连接中途开始）
func (s *Sessions) OnPayload(id types.StreamID, dir types.Direction, payload []byte) {
	s.mu.Lock()
	r, ok := s.sessions[id]
	if !ok {
		r = stream.NewReassembler(s.sink, s.opts...)
		s.sessions[id] = r
		s.stats.StreamsOpened.Add(1)
	}
	s.mu.Unlock()

	// 同一连接的回调只来自捕获协程，重组本身无需持锁
	switch dir {
	case types.DirectionClient:
		r.PushClientPayload(payload)
	case types.DirectionServer:
		r.PushServerPayload(payload)
	}
}

// OnStreamClosed 连接正常关闭
func (s *Sessions) OnStreamClosed(id types.StreamID) {
	if s.remove(id) {
		s.stats.StreamsClosed.Add(1)
		s.log.Debug().Stringer("stream", id).Msg("stream closed")
	}
}

// OnStreamTerminated 连接异常结束
func (s *Sessions) OnStreamTerminated(id types.StreamID, reason TerminationReason) {
	if s.remove(id) {
		s.stats.StreamsTerminated.Add(1)
		s.log.Debug().Stringer("stream", id).Stringer("reason", reason).Msg("stream terminated")
	}
}

// Len 当前会话数
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Clear 丢弃所有会话及其未完成的重组状态
func (s *Sessions) Clear() {
	s.mu.Lock()
	n := len(s.sessions)
	s.sessions = make(map[types.StreamID]*stream.Reassembler)
	s.mu.Unlock()

	if n > 0 {
		s.stats.StreamsTerminated.Add(int64(n))
		s.log.Debug().Int("sessions", n).Msg("sessions discarded")
	}
}

func (s *Sessions) remove(id types.StreamID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return false
	}
	delete(s.sessions, id)
	return true
}
