// Package types 定义 HTTP 嗅探与数据收集的核心数据结构
package types

import "fmt"

// Direction 字节流方向
type Direction int

const (
	DirectionClient Direction = iota // 客户端 -> 服务端
	DirectionServer                  // 服务端 -> 客户端
)

func (d Direction) String() string {
	switch d {
	case DirectionClient:
		return "client"
	case DirectionServer:
		return "server"
	default:
		return "unknown"
	}
}

// ContentType 响应内容分类
type ContentType int

const (
	ContentUndefined ContentType = iota
	ContentImage
	ContentText
)

func (c ContentType) String() string {
	switch c {
	case ContentImage:
		return "image"
	case ContentText:
		return "text"
	default:
		return "undefined"
	}
}

// StreamID 一条 TCP 连接的标识，两个方向映射到同一个键
type StreamID struct {
	ClientIP   string
	ClientPort uint16
	ServerIP   string
	ServerPort uint16
}

func (id StreamID) String() string {
	return fmt.Sprintf("%s:%d->%s:%d", id.ClientIP, id.ClientPort, id.ServerIP, id.ServerPort)
}

// Request 重组出的 HTTP 请求
type Request struct {
	Line    string            // 请求行（不含 CRLF）
	Headers map[string]string // 头部，键区分大小写
	URI     string            // scheme + host + path
	Host    string            // scheme + host
	Path    string
	Method  string
}

// NewRequest 创建空请求
func NewRequest() *Request {
	return &Request{Headers: make(map[string]string)}
}

// Response 重组出的 HTTP 响应
type Response struct {
	Line          string
	Headers       map[string]string
	StatusCode    int
	StatusMessage string
	Content       []byte // 仅文本类响应保留正文
	ContentLength int    // 声明的 Content-Length
	ContentType   ContentType
}

// NewResponse 创建空响应
func NewResponse() *Response {
	return &Response{Headers: make(map[string]string)}
}

// Exchange 请求响应对
type Exchange struct {
	Request  Request
	Response Response
}

// DataBatch 同一来源的文本行与图片计数
type DataBatch struct {
	Images map[string]int
	Texts  map[string]int
}

// NewDataBatch 创建空批次
func NewDataBatch() *DataBatch {
	return &DataBatch{
		Images: make(map[string]int),
		Texts:  make(map[string]int),
	}
}

// Clone 深拷贝
func (b *DataBatch) Clone() *DataBatch {
	c := &DataBatch{
		Images: make(map[string]int, len(b.Images)),
		Texts:  make(map[string]int, len(b.Texts)),
	}
	for k, v := range b.Images {
		c.Images[k] = v
	}
	for k, v := range b.Texts {
		c.Texts[k] = v
	}
	return c
}

// DataBatches 以来源 URL 为键的批次集合
type DataBatches map[string]*DataBatch

// Clone 深拷贝
func (bs DataBatches) Clone() DataBatches {
	c := make(DataBatches, len(bs))
	for k, b := range bs {
		c[k] = b.Clone()
	}
	return c
}

// Len 批次数量
func (bs DataBatches) Len() int {
	return len(bs)
}

// Items 所有批次中的条目总数
func (bs DataBatches) Items() int {
	n := 0
	for _, b := range bs {
		n += len(b.Images) + len(b.Texts)
	}
	return n
}
