// Package collector 汇总重组出的请求响应对，生成按来源分组的计数批次
package collector

import (
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/Uberschutz/UberSniff/internal/types"
)

// 与逐行匹配的 HTML 清理规则，"." 不跨行
var htmlStrippers = []*regexp.Regexp{
	regexp.MustCompile(`<script>[^\r\n]*</script>`),
	regexp.MustCompile(`<object>[^\r\n]*</object>`),
	regexp.MustCompile(`<style>[^\r\n]*</style>`),
	regexp.MustCompile(`<noscript>[^\r\n]*</noscript>`),
	regexp.MustCompile(`<[^\r\n]*>`),
}

// exchangeQueue 互斥锁保护的 FIFO 队列
type exchangeQueue struct {
	mu    sync.Mutex
	items []types.Exchange
}

func (q *exchangeQueue) push(ex types.Exchange) {
	q.mu.Lock()
	q.items = append(q.items, ex)
	q.mu.Unlock()
}

func (q *exchangeQueue) pop() (types.Exchange, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return types.Exchange{}, false
	}
	ex := q.items[0]
	q.items[0] = types.Exchange{}
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return ex, true
}

func (q *exchangeQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Option 收集器选项
type Option func(*DataCollector)

// WithLogger 设置日志
func WithLogger(l zerolog.Logger) Option {
	return func(c *DataCollector) {
		c.log = l
	}
}

// DataCollector 数据收集器。
// 文本队列、图片队列和批次各自持有独立的锁，生产者不会被汇总阻塞。
type DataCollector struct {
	texts  exchangeQueue
	images exchangeQueue

	mu      sync.Mutex
	batches types.DataBatches

	log zerolog.Logger
}

// New 创建数据收集器
func New(opts ...Option) *DataCollector {
	c := &DataCollector{
		batches: make(types.DataBatches),
		log:     zlog.Logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CollectText 收集 HTML 响应
func (c *DataCollector) CollectText(ex types.Exchange) {
	c.log.Debug().Str("uri", ex.Request.URI).Int("bytes", len(ex.Response.Content)).Msg("text exchange collected")
	c.texts.push(ex)
}

// CollectImage 收集图片响应
func (c *DataCollector) CollectImage(ex types.Exchange) {
	c.log.Debug().Str("uri", ex.Request.URI).Msg("image exchange collected")
	c.images.push(ex)
}

// QueueLen 两个队列中待处理的数量
func (c *DataCollector) QueueLen() (text, image int) {
	return c.texts.len(), c.images.len()
}

// ProcessNextText 处理一个文本响应，队列为空时返回 false
func (c *DataCollector) ProcessNextText() bool {
	ex, ok := c.texts.pop()
	if !ok {
		return false
	}

	lines := contentLines(string(ex.Response.Content))
	if len(lines) == 0 {
		return true
	}

	key := ex.Request.Host
	c.mu.Lock()
	defer c.mu.Unlock()

	batch := c.batchLocked(key)
	for _, line := range lines {
		batch.Texts[line]++
	}
	return true
}

// ProcessNextImage 处理一个图片响应，队列为空时返回 false
func (c *DataCollector) ProcessNextImage() bool {
	ex, ok := c.images.pop()
	if !ok {
		return false
	}

	key := imageSource(ex.Request)
	c.mu.Lock()
	defer c.mu.Unlock()

	c.batchLocked(key).Images[ex.Request.URI]++
	return true
}

// ProcessNext 各处理一个文本和图片响应，任一有处理即返回 true
func (c *DataCollector) ProcessNext() bool {
	text := c.ProcessNextText()
	image := c.ProcessNextImage()
	return text || image
}

// ExtractBatches 取走当前所有批次并清空
func (c *DataCollector) ExtractBatches() types.DataBatches {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := c.batches
	c.batches = make(types.DataBatches)
	return out
}

// Dump 输出当前批次内容，用于诊断
func (c *DataCollector) Dump(w io.Writer) error {
	c.mu.Lock()
	snapshot := c.batches.Clone()
	c.mu.Unlock()

	return DumpBatches(w, snapshot)
}

func (c *DataCollector) batchLocked(key string) *types.DataBatch {
	b, ok := c.batches[key]
	if !ok {
		b = types.NewDataBatch()
		c.batches[key] = b
	}
	return b
}

// imageSource 图片所属页面：Referer 截断到主机部分，没有 Referer 时用图片自身 URI
func imageSource(req types.Request) string {
	referer, ok := req.Headers["Referer"]
	if !ok {
		return req.URI
	}
	if len(referer) >= 8 {
		if i := strings.IndexByte(referer[8:], '/'); i >= 0 {
			return referer[:8+i]
		}
	}
	return referer
}

// contentLines 去除 HTML 标签后按行切分，返回非空行
func contentLines(content string) []string {
	for _, re := range htmlStrippers {
		content = re.ReplaceAllString(content, "")
	}
	content = collapseSpaces(content)
	content = strings.ReplaceAll(content, "\r", "")

	var lines []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.Trim(line, " \t")
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// collapseSpaces 连续空格合并为一个
func collapseSpaces(s string) string {
	if !strings.Contains(s, "  ") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	prevSpace := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == ' ' && prevSpace {
			continue
		}
		prevSpace = c == ' '
		b.WriteByte(c)
	}
	return b.String()
}

// DumpBatches 以可读格式输出批次，按键排序
func DumpBatches(w io.Writer, batches types.DataBatches) error {
	var b strings.Builder
	sep := strings.Repeat("-", 100)

	fmt.Fprintln(&b, sep)
	fmt.Fprintln(&b, "\tData Collected:")
	for _, src := range sortedKeys(batches) {
		batch := batches[src]
		fmt.Fprintln(&b, "{")
		fmt.Fprintf(&b, "\tUrlSrc: %s,\n", src)
		fmt.Fprintln(&b, "\tDataBatch: {")
		writeCounts(&b, "images", batch.Images)
		writeCounts(&b, "texts", batch.Texts)
		fmt.Fprintln(&b, "\t}")
		fmt.Fprintln(&b, "}")
	}
	fmt.Fprintln(&b, sep)
	fmt.Fprintln(&b)

	_, err := io.WriteString(w, b.String())
	return err
}

func writeCounts(b *strings.Builder, name string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	fmt.Fprintf(b, "\t\t%s: {\n", name)
	for _, k := range sortedKeys(counts) {
		fmt.Fprintf(b, "\t\t\tdata: %q\n", k)
		fmt.Fprintf(b, "\t\t\tnb: %d\n", counts[k])
	}
	fmt.Fprintln(b, "\t\t}")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
