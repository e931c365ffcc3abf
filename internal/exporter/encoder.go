package exporter

import (
	"bytes"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/tidwall/sjson"

	"github.com/Uberschutz/UberSniff/internal/types"
)

// 请求体类型
const (
	ContentTypeForm  = "application/x-www-form-urlencoded"
	ContentTypeJSON  = "application/json"
	ContentTypeJSONL = "application/x-ndjson"
)

// Credentials 分析服务的身份信息，随每个请求体发送
type Credentials struct {
	UserID  string
	Token   string
	Service string
}

// Payload 一次导出的编码结果
type Payload struct {
	JobID           string
	CreatedAt       time.Time
	Body            []byte
	ContentType     string
	ContentEncoding string // "gzip" 或空

	// Batches 原始批次，供按结构写入的目标使用
	Batches types.DataBatches
}

// Encoder 把批次编码为请求体
type Encoder interface {
	Encode(job Job) (Payload, error)
}

// FormEncoder 表单编码：
// userId=..&token=..&service=..&dataBatches[i][urlSrc]=..&dataBatches[i][images][j][content]=..&..[nb]=..
// 值按原样写出，不做 URL 转义
type FormEncoder struct {
	Creds Credentials
}

// Encode 实现 Encoder
func (e FormEncoder) Encode(job Job) (Payload, error) {
	var b bytes.Buffer
	b.WriteString("userId=")
	b.WriteString(e.Creds.UserID)
	b.WriteString("&token=")
	b.WriteString(e.Creds.Token)
	b.WriteString("&service=")
	b.WriteString(e.Creds.Service)

	for i, src := range slices.Sorted(maps.Keys(job.Batches)) {
		batch := job.Batches[src]
		prefix := "&dataBatches[" + strconv.Itoa(i) + "]"
		b.WriteString(prefix)
		b.WriteString("[urlSrc]=")
		b.WriteString(src)
		writeFormCounts(&b, prefix+"[images]", batch.Images)
		writeFormCounts(&b, prefix+"[texts]", batch.Texts)
	}

	return Payload{
		JobID:       job.ID,
		CreatedAt:   job.CreatedAt,
		Body:        b.Bytes(),
		ContentType: ContentTypeForm,
		Batches:     job.Batches,
	}, nil
}

func writeFormCounts(b *bytes.Buffer, prefix string, counts map[string]int) {
	for j, content := range slices.Sorted(maps.Keys(counts)) {
		item := prefix + "[" + strconv.Itoa(j) + "]"
		fmt.Fprintf(b, "%s[content]=%s%s[nb]=%d", item, content, item, counts[content])
	}
}

// jsonItem 一条带计数的内容
type jsonItem struct {
	Content string `json:"content"`
	Nb      int    `json:"nb"`
}

// jsonBatch 一个来源的批次
type jsonBatch struct {
	URLSrc string     `json:"urlSrc"`
	Images []jsonItem `json:"images"`
	Texts  []jsonItem `json:"texts"`
}

type jsonDocument struct {
	DataBatches []jsonBatch `json:"dataBatches"`
}

// JSONEncoder 把整个任务编码为一个 JSON 文档，身份信息写在顶层
type JSONEncoder struct {
	Creds Credentials
}

// Encode 实现 Encoder
func (e JSONEncoder) Encode(job Job) (Payload, error) {
	body, err := json.Marshal(jsonDocument{DataBatches: toJSONBatches(job.Batches)})
	if err != nil {
		return Payload{}, fmt.Errorf("编码批次失败: %w", err)
	}

	fields := []struct {
		path  string
		value any
	}{
		{"jobId", job.ID},
		{"createdAt", job.CreatedAt.UTC().Format(time.RFC3339)},
		{"userId", e.Creds.UserID},
		{"token", e.Creds.Token},
		{"service", e.Creds.Service},
	}
	for _, f := range fields {
		if body, err = sjson.SetBytes(body, f.path, f.value); err != nil {
			return Payload{}, fmt.Errorf("写入字段 %s 失败: %w", f.path, err)
		}
	}

	return Payload{
		JobID:       job.ID,
		CreatedAt:   job.CreatedAt,
		Body:        body,
		ContentType: ContentTypeJSON,
		Batches:     job.Batches,
	}, nil
}

// JSONLEncoder 每个来源一行 JSON，用于对象存储
type JSONLEncoder struct {
	Service string
}

type jsonlRecord struct {
	JobID     string `json:"jobId"`
	Service   string `json:"service,omitempty"`
	CreatedAt string `json:"createdAt"`
	jsonBatch
}

// Encode 实现 Encoder
func (e JSONLEncoder) Encode(job Job) (Payload, error) {
	var b bytes.Buffer
	enc := json.NewEncoder(&b)
	created := job.CreatedAt.UTC().Format(time.RFC3339)
	for _, batch := range toJSONBatches(job.Batches) {
		rec := jsonlRecord{JobID: job.ID, Service: e.Service, CreatedAt: created, jsonBatch: batch}
		if err := enc.Encode(rec); err != nil {
			return Payload{}, fmt.Errorf("编码批次失败: %w", err)
		}
	}

	return Payload{
		JobID:       job.ID,
		CreatedAt:   job.CreatedAt,
		Body:        b.Bytes(),
		ContentType: ContentTypeJSONL,
		Batches:     job.Batches,
	}, nil
}

func toJSONBatches(batches types.DataBatches) []jsonBatch {
	out := make([]jsonBatch, 0, len(batches))
	for _, src := range slices.Sorted(maps.Keys(batches)) {
		batch := batches[src]
		out = append(out, jsonBatch{
			URLSrc: src,
			Images: toJSONItems(batch.Images),
			Texts:  toJSONItems(batch.Texts),
		})
	}
	return out
}

func toJSONItems(counts map[string]int) []jsonItem {
	items := make([]jsonItem, 0, len(counts))
	for _, content := range slices.Sorted(maps.Keys(counts)) {
		items = append(items, jsonItem{Content: content, Nb: counts[content]})
	}
	return items
}

var gzipPool = sync.Pool{
	New: func() any {
		w, _ := gzip.NewWriterLevel(nil, gzip.BestSpeed)
		return w
	},
}

// Compress 用 gzip 压缩请求体
func Compress(p Payload) (Payload, error) {
	var buf bytes.Buffer
	gz := gzipPool.Get().(*gzip.Writer)
	gz.Reset(&buf)
	defer gzipPool.Put(gz)

	if _, err := gz.Write(p.Body); err != nil {
		_ = gz.Close()
		return Payload{}, fmt.Errorf("压缩失败: %w", err)
	}
	if err := gz.Close(); err != nil {
		return Payload{}, fmt.Errorf("压缩失败: %w", err)
	}

	p.Body = buf.Bytes()
	p.ContentEncoding = "gzip"
	return p, nil
}
