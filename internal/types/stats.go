package types

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Stats 运行时计数器，所有字段并发安全
type Stats struct {
	Packets atomic.Int64 // 进入重组器的 TCP 包
	Bytes   atomic.Int64 // TCP 负载字节数

	StreamsOpened     atomic.Int64
	StreamsClosed     atomic.Int64
	StreamsTerminated atomic.Int64

	Requests  atomic.Int64 // 完整重组的请求
	Responses atomic.Int64 // 完整重组的响应

	TextExchanges    atomic.Int64
	ImageExchanges   atomic.Int64
	DroppedExchanges atomic.Int64 // 未分类的响应

	BatchesExported atomic.Int64
	ExportErrors    atomic.Int64
	ExportDropped   atomic.Int64 // 队列已满被丢弃的导出任务

	StartTime time.Time
}

// NewStats 创建统计对象
func NewStats() *Stats {
	return &Stats{StartTime: time.Now()}
}

// StatsSnapshot 某一时刻的计数快照
type StatsSnapshot struct {
	Timestamp         time.Time
	Packets           int64
	Bytes             int64
	StreamsOpened     int64
	StreamsClosed     int64
	StreamsTerminated int64
	Requests          int64
	Responses         int64
	TextExchanges     int64
	ImageExchanges    int64
	DroppedExchanges  int64
	BatchesExported   int64
	ExportErrors      int64
	ExportDropped     int64
}

// Snapshot 读取当前所有计数
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Timestamp:         time.Now(),
		Packets:           s.Packets.Load(),
		Bytes:             s.Bytes.Load(),
		StreamsOpened:     s.StreamsOpened.Load(),
		StreamsClosed:     s.StreamsClosed.Load(),
		StreamsTerminated: s.StreamsTerminated.Load(),
		Requests:          s.Requests.Load(),
		Responses:         s.Responses.Load(),
		TextExchanges:     s.TextExchanges.Load(),
		ImageExchanges:    s.ImageExchanges.Load(),
		DroppedExchanges:  s.DroppedExchanges.Load(),
		BatchesExported:   s.BatchesExported.Load(),
		ExportErrors:      s.ExportErrors.Load(),
		ExportDropped:     s.ExportDropped.Load(),
	}
}

// String 以 key=value 形式输出
func (s *Stats) String() string {
	snap := s.Snapshot()
	var b strings.Builder
	fmt.Fprintf(&b, "uptime=%s\n", snap.Timestamp.Sub(s.StartTime).Truncate(time.Second))
	fmt.Fprintf(&b, "packets=%d\n", snap.Packets)
	fmt.Fprintf(&b, "bytes=%s\n", formatBytes(snap.Bytes))
	fmt.Fprintf(&b, "streams_opened=%d\n", snap.StreamsOpened)
	fmt.Fprintf(&b, "streams_closed=%d\n", snap.StreamsClosed)
	fmt.Fprintf(&b, "streams_terminated=%d\n", snap.StreamsTerminated)
	fmt.Fprintf(&b, "requests=%d\n", snap.Requests)
	fmt.Fprintf(&b, "responses=%d\n", snap.Responses)
	fmt.Fprintf(&b, "exchanges_text=%d\n", snap.TextExchanges)
	fmt.Fprintf(&b, "exchanges_image=%d\n", snap.ImageExchanges)
	fmt.Fprintf(&b, "exchanges_dropped=%d\n", snap.DroppedExchanges)
	fmt.Fprintf(&b, "batches_exported=%d\n", snap.BatchesExported)
	fmt.Fprintf(&b, "export_errors=%d\n", snap.ExportErrors)
	fmt.Fprintf(&b, "export_dropped=%d\n", snap.ExportDropped)
	return b.String()
}

// formatBytes 格式化字节数
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
