// Package stream 把 TCP 字节流重组为 HTTP 请求响应对
package stream

import (
	"bytes"
	"strings"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/Uberschutz/UberSniff/internal/types"
)

// DefaultMaxBodySize 响应正文的重组上限
const DefaultMaxBodySize = 30000

// state 单个方向的重组状态
type state int

const (
	stateNext state = iota
	stateHeaders
	stateBody
	stateFinished
)

// ExchangeSink 接收重组完成的请求响应对
type ExchangeSink interface {
	CollectText(types.Exchange)
	CollectImage(types.Exchange)
}

// Option 重组器选项
type Option func(*Reassembler)

// WithScheme 设置 URI 前缀，例如 "http://"
func WithScheme(scheme string) Option {
	return func(r *Reassembler) {
		if scheme != "" {
			r.scheme = scheme
		}
	}
}

// WithMaxBodySize 设置正文上限
func WithMaxBodySize(n int) Option {
	return func(r *Reassembler) {
		if n > 0 {
			r.maxBodySize = n
		}
	}
}

// WithLogger 设置日志
func WithLogger(l zerolog.Logger) Option {
	return func(r *Reassembler) {
		r.log = l
	}
}

// WithStats 设置统计计数器
func WithStats(s *types.Stats) Option {
	return func(r *Reassembler) {
		r.stats = s
	}
}

// Reassembler 单条 TCP 连接的 HTTP 重组器。
// 非并发安全，同一连接的负载必须串行推送。
type Reassembler struct {
	sink        ExchangeSink
	scheme      string
	maxBodySize int
	log         zerolog.Logger
	stats       *types.Stats

	reqBuf   Accumulator
	reqState state
	request  *types.Request

	respBuf      Accumulator
	respState    state
	response     *types.Response
	bodyReceived int
	chunked      bool

	// 按完成顺序配对
	requests  []*types.Request
	responses []*types.Response
}

// NewReassembler 创建重组器
func NewReassembler(sink ExchangeSink, opts ...Option) *Reassembler {
	r := &Reassembler{
		sink:        sink,
		scheme:      "http://",
		maxBodySize: DefaultMaxBodySize,
		log:         zlog.Logger,
		chunked:     true,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// PushClientPayload 追加客户端数据并推进请求重组
func (r *Reassembler) PushClientPayload(p []byte) {
	r.reqBuf.Write(p)
	r.reassembleRequest()
}

// PushServerPayload 追加服务端数据并推进响应重组
func (r *Reassembler) PushServerPayload(p []byte) {
	r.respBuf.Write(p)
	r.reassembleResponse()
}

// Pending 已完成但尚未配对的请求和响应数量
func (r *Reassembler) Pending() (requests, responses int) {
	return len(r.requests), len(r.responses)
}

func (r *Reassembler) reassembleRequest() {
	for {
		switch r.reqState {
		case stateNext:
			req, ok := r.scanRequest()
			if !ok {
				return
			}
			r.request = req
			r.reqState = stateHeaders
		case stateHeaders:
			if !r.readHeaders(&r.reqBuf, r.onRequestHeader) {
				return
			}
			r.reqState = stateBody
		case stateBody:
			// 请求正文不保留，剩余字节由下一次扫描丢弃
			r.reqState = stateFinished
		case stateFinished:
			r.finishRequest()
			r.reqState = stateNext
		}
	}
}

func (r *Reassembler) reassembleResponse() {
	for {
		switch r.respState {
		case stateNext:
			resp, ok := r.scanResponse()
			if !ok {
				return
			}
			r.response = resp
			r.bodyReceived = 0
			r.respState = stateHeaders
		case stateHeaders:
			if !r.readHeaders(&r.respBuf, r.onResponseHeader) {
				return
			}
			r.respState = stateBody
		case stateBody:
			if !r.readBody() {
				return
			}
			r.respState = stateFinished
		case stateFinished:
			r.finishResponse()
			r.respState = stateNext
		}
	}
}

// readHeaders 逐行读取头部，返回 true 表示头部结束
func (r *Reassembler) readHeaders(buf *Accumulator, apply func(name, value string)) bool {
	for {
		i := buf.IndexCRLF()
		if i < 0 {
			return false
		}
		if i == 0 {
			buf.Discard(len(crlf))
			return true
		}

		line := buf.Bytes()[:i]
		sep := bytes.Index(line, headerValueSep)
		if sep < 0 {
			// 头部格式错误时视为头部结束
			r.log.Debug().Str("line", string(line)).Msg("malformed header, ending header block")
			buf.Discard(i + len(crlf))
			return true
		}
		name := string(line[:sep])
		value := string(line[sep+len(headerValueSep):])
		buf.Discard(i + len(crlf))
		apply(name, value)
	}
}

func (r *Reassembler) onRequestHeader(name, value string) {
	if name == "Host" {
		r.applyHost(r.request, value)
	}
	r.request.Headers[name] = value
}

func (r *Reassembler) onResponseHeader(name, value string) {
	switch name {
	case "Content-Length":
		r.response.ContentLength = atoi(value)
		if r.response.ContentLength < 0 {
			r.response.ContentLength = 0
		}
		r.chunked = false
	case "Content-Type":
		if strings.Contains(value, "text/html") {
			r.response.ContentType = types.ContentText
		} else if strings.Contains(value, "image") {
			r.response.ContentType = types.ContentImage
		}
	}
	r.response.Headers[name] = value
}

func (r *Reassembler) readBody() bool {
	if r.chunked {
		return r.readChunkedBody()
	}
	return r.readLengthBody()
}

// readLengthBody Content-Length 定界的正文
func (r *Reassembler) readLengthBody() bool {
	n := r.response.ContentLength - r.bodyReceived
	if avail := r.respBuf.Len(); avail < n {
		n = avail
	}
	if room := r.maxBodySize - r.bodyReceived; room < n {
		n = room
	}
	if r.response.ContentType == types.ContentText {
		r.response.Content = append(r.response.Content, r.respBuf.Bytes()[:n]...)
	}
	r.bodyReceived += n
	r.respBuf.Discard(n)

	return r.bodyReceived == r.response.ContentLength || r.bodyReceived >= r.maxBodySize
}

// readChunkedBody 分块编码的正文，块大小非法时结束
func (r *Reassembler) readChunkedBody() bool {
	for {
		i := r.respBuf.IndexCRLF()
		if i < 0 {
			return false
		}
		data := r.respBuf.Bytes()
		size, ok := parseChunkSize(data[:i])
		if !ok {
			r.log.Debug().Str("line", string(data[:i])).Msg("malformed chunk size, ending body")
			return true
		}
		if size == 0 {
			r.respBuf.Discard(i + len(crlf))
			return true
		}

		start := i + len(crlf)
		end := start + size
		if r.respBuf.Len() < end+len(crlf) {
			return false
		}
		if r.response.ContentType == types.ContentText {
			keep := end
			if room := r.maxBodySize - r.bodyReceived; room < size {
				keep = start + room
			}
			r.response.Content = append(r.response.Content, data[start:keep]...)
		}
		r.bodyReceived += size
		r.respBuf.Discard(end + len(crlf))

		if r.bodyReceived >= r.maxBodySize {
			return true
		}
	}
}

func (r *Reassembler) finishRequest() {
	r.requests = append(r.requests, r.request)
	r.request = nil
	if r.stats != nil {
		r.stats.Requests.Add(1)
	}
	r.pair()
}

func (r *Reassembler) finishResponse() {
	r.responses = append(r.responses, r.response)
	r.response = nil
	r.bodyReceived = 0
	r.chunked = true
	if r.stats != nil {
		r.stats.Responses.Add(1)
	}
	r.pair()
}

// pair 取最早的请求和响应组成一对，按内容类型投递
func (r *Reassembler) pair() {
	if len(r.requests) == 0 || len(r.responses) == 0 {
		return
	}
	req, resp := r.requests[0], r.responses[0]
	r.requests[0], r.responses[0] = nil, nil
	r.requests = r.requests[1:]
	r.responses = r.responses[1:]

	ex := types.Exchange{Request: *req, Response: *resp}
	switch resp.ContentType {
	case types.ContentText:
		if r.stats != nil {
			r.stats.TextExchanges.Add(1)
		}
		r.sink.CollectText(ex)
	case types.ContentImage:
		if r.stats != nil {
			r.stats.ImageExchanges.Add(1)
		}
		r.sink.CollectImage(ex)
	default:
		if r.stats != nil {
			r.stats.DroppedExchanges.Add(1)
		}
		r.log.Debug().Str("uri", req.URI).Int("status", resp.StatusCode).Msg("exchange without collectable content dropped")
	}
}
