package stream

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/Uberschutz/UberSniff/internal/types"
)

// 起始行可以出现在任意行首，目标和版本不跨越 CRLF
var (
	requestLineRe  = regexp.MustCompile(`(?m)^(\w+) ([^ \r\n]+) HTTP/[^ \r\n]+\r\n`)
	statusLineRe   = regexp.MustCompile(`(?m)^HTTP/[^ \r\n]+ (\d+) ([\w\t ]+)\r\n`)
	headerValueSep = []byte(": ")
)

// scanRequest 在缓冲区中查找下一个请求行。
// 找到时丢弃请求行及其之前的数据；找不到时清空缓冲区。
func (r *Reassembler) scanRequest() (*types.Request, bool) {
	data := r.reqBuf.Bytes()
	m := requestLineRe.FindSubmatchIndex(data)
	if m == nil {
		if len(data) > 0 {
			r.log.Debug().Int("bytes", len(data)).Msg("no request line, dropping buffer")
		}
		r.reqBuf.Reset()
		return nil, false
	}

	req := types.NewRequest()
	req.Line = strings.TrimSuffix(string(data[m[0]:m[1]]), "\r\n")
	req.Method = string(data[m[2]:m[3]])
	r.initRequestURI(req, string(data[m[4]:m[5]]))

	r.reqBuf.Discard(m[1])
	return req, true
}

// scanResponse 在缓冲区中查找下一个状态行
func (r *Reassembler) scanResponse() (*types.Response, bool) {
	data := r.respBuf.Bytes()
	m := statusLineRe.FindSubmatchIndex(data)
	if m == nil {
		if len(data) > 0 {
			r.log.Debug().Int("bytes", len(data)).Msg("no status line, dropping buffer")
		}
		r.respBuf.Reset()
		return nil, false
	}

	resp := types.NewResponse()
	resp.Line = strings.TrimSuffix(string(data[m[0]:m[1]]), "\r\n")
	resp.StatusCode, _ = strconv.Atoi(string(data[m[2]:m[3]]))
	resp.StatusMessage = string(data[m[4]:m[5]])

	r.respBuf.Discard(m[1])
	return resp, true
}

// initRequestURI 根据请求目标初始化 URI、Host 和 Path。
// 只有路径时 Host 稍后由 Host 头补全。
func (r *Reassembler) initRequestURI(req *types.Request, target string) {
	if target[0] == '/' || target[0] == '*' {
		req.Path = target
		return
	}

	if strings.HasPrefix(target, r.scheme) {
		req.URI = target
		target = target[len(r.scheme):]
	} else {
		req.URI = r.scheme + target
	}

	if i := strings.IndexByte(target, '/'); i >= 0 {
		req.Host = r.scheme + target[:i]
		req.Path = target[i:]
	} else {
		req.Host = r.scheme + target
		req.Path = "/"
	}
}

// applyHost 处理 Host 头
func (r *Reassembler) applyHost(req *types.Request, value string) {
	if strings.HasPrefix(value, r.scheme) {
		req.Host = value
	} else {
		req.Host = r.scheme + value
	}
	req.URI = req.Host
	if req.Path != "*" {
		req.URI += req.Path
	}
}

// atoi 解析前导数字，非法输入返回 0
func atoi(s string) int {
	s = strings.TrimLeft(s, " \t")
	neg := false
	if s != "" && (s[0] == '+' || s[0] == '-') {
		neg = s[0] == '-'
		s = s[1:]
	}
	n := 0
	for i := 0; i < len(s) && s[i] >= '0' && s[i] <= '9'; i++ {
		n = n*10 + int(s[i]-'0')
		if n > 1<<31 {
			break
		}
	}
	if neg {
		return -n
	}
	return n
}

// parseChunkSize 解析十六进制块大小，允许扩展参数。没有数字时 ok 为 false。
func parseChunkSize(line []byte) (size int, ok bool) {
	i := 0
	for i < len(line) && (line[i] == ' ' || line[i] == '\t') {
		i++
	}
	start := i
	for ; i < len(line); i++ {
		c := line[i]
		var d int
		switch {
		case c >= '0' && c <= '9':
			d = int(c - '0')
		case c >= 'a' && c <= 'f':
			d = int(c-'a') + 10
		case c >= 'A' && c <= 'F':
			d = int(c-'A') + 10
		default:
			return size, i > start
		}
		if size > (1<<31)>>4 {
			return 0, false
		}
		size = size<<4 | d
	}
	return size, i > start
}
