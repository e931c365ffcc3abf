package stream

import "bytes"

var crlf = []byte("\r\n")

// Accumulator 可增长、可从头部截断的字节缓冲区
type Accumulator struct {
	buf []byte
	off int // 已消费的前缀长度
}

// Write 追加数据，总是成功
func (a *Accumulator) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	a.compact(len(p))
	a.buf = append(a.buf, p...)
	return len(p), nil
}

// Bytes 未消费的数据，仅在下一次修改前有效
func (a *Accumulator) Bytes() []byte {
	return a.buf[a.off:]
}

// Len 未消费的字节数
func (a *Accumulator) Len() int {
	return len(a.buf) - a.off
}

// Discard 丢弃前 n 个字节
func (a *Accumulator) Discard(n int) {
	if n >= a.Len() {
		a.Reset()
		return
	}
	if n > 0 {
		a.off += n
	}
}

// Reset 清空缓冲区，保留底层容量
func (a *Accumulator) Reset() {
	a.buf = a.buf[:0]
	a.off = 0
}

// IndexCRLF 第一个 CRLF 的位置，没有时返回 -1
func (a *Accumulator) IndexCRLF() int {
	return bytes.Index(a.Bytes(), crlf)
}

// compact 在已消费前缀占主导时搬移数据，释放前缀
func (a *Accumulator) compact(incoming int) {
	if a.off == 0 {
		return
	}
	live := a.Len()
	if a.off < live && len(a.buf)+incoming <= cap(a.buf) {
		return
	}
	copy(a.buf, a.buf[a.off:])
	a.buf = a.buf[:live]
	a.off = 0
}
