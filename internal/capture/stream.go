package capture

import (
	"encoding/binary"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/tcpassembly"
	"github.com/rs/zerolog"

	"github.com/Uberschutz/UberSniff/internal/types"
)

// connection 一条 TCP 连接的两个单向流
type connection struct {
	halves  int  // 尚未结束的单向流数量
	ended   bool // 收到过 FIN 或 RST
	skipped bool // 有数据因缓冲区满或丢包被跳过
}

// streamFactory 实现 tcpassembly.StreamFactory，把两个单向流合并成一条连接
type streamFactory struct {
	handler     StreamHandler
	isServer    func(port uint16) bool
	stats       *types.Stats
	log         zerolog.Logger
	connections map[types.StreamID]*connection
}

func newStreamFactory(handler StreamHandler, isServer func(uint16) bool, stats *types.Stats, log zerolog.Logger) *streamFactory {
	return &streamFactory{
		handler:     handler,
		isServer:    isServer,
		stats:       stats,
		log:         log,
		connections: make(map[types.StreamID]*connection),
	}
}

// New 实现 StreamFactory 接口
func (f *streamFactory) New(netFlow, tcpFlow gopacket.Flow) tcpassembly.Stream {
	id, dir := f.identify(netFlow, tcpFlow)

	conn, ok := f.connections[id]
	if !ok {
		conn = &connection{}
		f.connections[id] = conn
		f.handler.OnNewStream(id)
	}
	conn.halves++

	f.log.Debug().Stringer("stream", id).Stringer("direction", dir).Msg("half stream created")
	return &halfStream{factory: f, id: id, dir: dir, conn: conn}
}

// identify 判断单向流的方向：目的端口是服务端口的一侧是客户端，
// 都不是时先出现的一侧视为客户端
func (f *streamFactory) identify(netFlow, tcpFlow gopacket.Flow) (types.StreamID, types.Direction) {
	srcIP, dstIP := netFlow.Src().String(), netFlow.Dst().String()
	srcPort, dstPort := endpointPort(tcpFlow.Src()), endpointPort(tcpFlow.Dst())

	asClient := types.StreamID{ClientIP: srcIP, ClientPort: srcPort, ServerIP: dstIP, ServerPort: dstPort}
	asServer := types.StreamID{ClientIP: dstIP, ClientPort: dstPort, ServerIP: srcIP, ServerPort: srcPort}

	switch {
	case f.isServer(dstPort):
		return asClient, types.DirectionClient
	case f.isServer(srcPort):
		return asServer, types.DirectionServer
	}
	if _, ok := f.connections[asServer]; ok {
		return asServer, types.DirectionServer
	}
	return asClient, types.DirectionClient
}

func endpointPort(e gopacket.Endpoint) uint16 {
	raw := e.Raw()
	if len(raw) != 2 {
		return 0
	}
	return binary.BigEndian.Uint16(raw)
}

// halfStream 实现 tcpassembly.Stream，一个方向的字节流
type halfStream struct {
	factory *streamFactory
	id      types.StreamID
	dir     types.Direction
	conn    *connection
}

// Reassembled 按序交付的数据
func (s *halfStream) Reassembled(reassembly []tcpassembly.Reassembly) {
	for _, r := range reassembly {
		if r.Skip > 0 {
			// 丢包：交给重组器的扫描阶段重新同步
			s.conn.skipped = true
			s.factory.log.Debug().Stringer("stream", s.id).Int("skip", r.Skip).Msg("bytes lost in stream")
		}
		if len(r.Bytes) > 0 {
			s.factory.stats.Bytes.Add(int64(len(r.Bytes)))
			s.factory.handler.OnPayload(s.id, s.dir, r.Bytes)
		}
		if r.End {
			s.conn.ended = true
		}
	}
}

// ReassemblyComplete 单向流结束，两个方向都结束后通知连接关闭
func (s *halfStream) ReassemblyComplete() {
	s.conn.halves--
	if s.conn.halves > 0 {
		return
	}

	f := s.factory
	if cur, ok := f.connections[s.id]; ok && cur == s.conn {
		delete(f.connections, s.id)
	}
	switch {
	case s.conn.ended:
		f.handler.OnStreamClosed(s.id)
	case s.conn.skipped:
		f.handler.OnStreamTerminated(s.id, TerminationBufferFull)
	default:
		f.handler.OnStreamTerminated(s.id, TerminationTimeout)
	}
}

// assembly 一次捕获运行的 TCP 重组状态，只在捕获协程中使用
type assembly struct {
	assembler *tcpassembly.Assembler
	factory   *streamFactory
	stats     *types.Stats
}

func newAssembly(handler StreamHandler, isServer func(uint16) bool, stats *types.Stats, log zerolog.Logger) *assembly {
	factory := newStreamFactory(handler, isServer, stats, log)
	assembler := tcpassembly.NewAssembler(tcpassembly.NewStreamPool(factory))
	assembler.MaxBufferedPagesPerConnection = 64
	assembler.MaxBufferedPagesTotal = 4096
	return &assembly{assembler: assembler, factory: factory, stats: stats}
}

// process 把一个数据包交给 TCP 重组器
func (a *assembly) process(packet gopacket.Packet) {
	netLayer := packet.NetworkLayer()
	if netLayer == nil {
		return
	}
	tcpLayer := packet.Layer(layers.LayerTypeTCP)
	if tcpLayer == nil {
		return
	}
	tcp, ok := tcpLayer.(*layers.TCP)
	if !ok {
		return
	}

	a.stats.Packets.Add(1)
	ts := packet.Metadata().Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	a.assembler.AssembleWithTimestamp(netLayer.NetworkFlow(), tcp, ts)
}

// flushStalled 交付等待缺失分段超过 t 的缓冲数据，不关闭连接
func (a *assembly) flushStalled(t time.Time) (flushed, closed int) {
	return a.assembler.FlushWithOptions(tcpassembly.FlushOptions{T: t, CloseAll: false})
}

// flushOlderThan 回收空闲连接
func (a *assembly) flushOlderThan(t time.Time) (flushed, closed int) {
	return a.assembler.FlushOlderThan(t)
}

// flushAll 交付缓冲数据并关闭所有连接
func (a *assembly) flushAll() int {
	return a.assembler.FlushAll()
}
