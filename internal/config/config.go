// Package config 提供嗅探器的配置管理
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// 校验错误
var (
	ErrNoUberbackHost  = errors.New("uberback: no host provided")
	ErrNoUberbackPort  = errors.New("uberback: no port provided")
	ErrNoUberbackToken = errors.New("uberback: no token provided")
	ErrNoUberbackUser  = errors.New("uberback: no user_id provided")
	ErrNoService       = errors.New("uberback: no service provided")
	ErrNoS3Bucket      = errors.New("s3: no bucket provided")
	ErrUnknownSink     = errors.New("unknown export sink")
	ErrUnknownFormat   = errors.New("unknown export format")
	ErrInvalidScheme   = errors.New("scheme must end with \"://\"")
)

// 导出目标
const (
	SinkUberback = "uberback"
	SinkS3       = "s3"
	SinkSQLite   = "sqlite"
	SinkStdout   = "stdout"
	SinkNone     = "none"
)

// 导出格式
const (
	FormatForm = "form"
	FormatJSON = "json"
)

// Duration 可从 "1s"、"100ms" 这类字符串解析的时长
type Duration struct {
	time.Duration
}

// UnmarshalText 实现 encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("无效的时长格式: %s", text)
	}
	d.Duration = v
	return nil
}

// MarshalText 实现 encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config 嗅探器配置
type Config struct {
	Interface     string   `toml:"interface"`      // 网络接口名称，为空时自动选择并跟随默认接口
	Filter        string   `toml:"filter"`         // 自定义BPF过滤器
	Ports         []int    `toml:"ports"`          // HTTP 服务端口，用于判断方向
	Scheme        string   `toml:"scheme"`         // URI 前缀
	Verbose       bool     `toml:"verbose"`        // 详细输出
	SnapLen       int      `toml:"snaplen"`        // 抓包长度
	Promisc       *bool    `toml:"promisc"`        // 混杂模式，默认开启
	Timeout       Duration `toml:"timeout"`        // pcap 读超时
	FlushTimeout  Duration `toml:"flush_timeout"`  // 空闲连接回收时间
	PollInterval  Duration `toml:"poll_interval"`  // 队列为空时的轮询间隔
	WatchInterval Duration `toml:"watch_interval"` // 默认接口检查间隔
	StatsInterval Duration `toml:"stats_interval"` // 统计输出间隔

	Reassembly ReassemblyConfig `toml:"reassembly"`
	Export     ExportConfig     `toml:"export"`
	Log        LogConfig        `toml:"log"`
}

// ReassemblyConfig HTTP 重组配置
type ReassemblyConfig struct {
	MaxBodySize int `toml:"max_body_size"` // 响应正文上限
}

// ExportConfig 批次导出配置
type ExportConfig struct {
	Sink      string `toml:"sink"`       // uberback, s3, sqlite, stdout, none
	Format    string `toml:"format"`     // form, json
	Gzip      bool   `toml:"gzip"`       // 压缩请求体
	Workers   int    `toml:"workers"`    // 导出协程数
	QueueSize int    `toml:"queue_size"` // 待导出任务上限

	Uberback UberbackConfig `toml:"uberback"`
	S3       S3Config       `toml:"s3"`
	SQLite   SQLiteConfig   `toml:"sqlite"`
}

// UberbackConfig 分析服务配置
type UberbackConfig struct {
	Host    string   `toml:"host"`
	Port    int      `toml:"port"`
	Service string   `toml:"service"`
	Token   string   `toml:"token"`
	UserID  string   `toml:"user_id"`
	Target  string   `toml:"target"`
	TLS     *bool    `toml:"tls"` // 默认开启
	Timeout Duration `toml:"timeout"`
}

// S3Config S3 导出配置
type S3Config struct {
	Region  string   `toml:"region"`
	Bucket  string   `toml:"bucket"`
	Prefix  string   `toml:"prefix"`
	Timeout Duration `toml:"timeout"` // 单次上传超时
	Retries int      `toml:"retries"`
}

// SQLiteConfig 本地导出日志
type SQLiteConfig struct {
	DSN string `toml:"dsn"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `toml:"level"`
	Pretty     bool   `toml:"pretty"`
	File       string `toml:"file"` // 为空时只输出到终端
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// SetDefaults 设置默认值
func (c *Config) SetDefaults() {
	if len(c.Ports) == 0 {
		c.Ports = []int{80}
	}
	if c.Scheme == "" {
		c.Scheme = "http://"
	}
	if c.SnapLen == 0 {
		c.SnapLen = 65535
	}
	if c.Promisc == nil {
		c.Promisc = boolPtr(true)
	}
	if c.Timeout.Duration == 0 {
		c.Timeout.Duration = 500 * time.Millisecond
	}
	if c.FlushTimeout.Duration == 0 {
		c.FlushTimeout.Duration = 2 * time.Minute
	}
	if c.PollInterval.Duration == 0 {
		c.PollInterval.Duration = 100 * time.Millisecond
	}
	if c.WatchInterval.Duration == 0 {
		c.WatchInterval.Duration = 5 * time.Second
	}
	if c.StatsInterval.Duration == 0 {
		c.StatsInterval.Duration = 30 * time.Second
	}

	if c.Reassembly.MaxBodySize == 0 {
		c.Reassembly.MaxBodySize = 30000
	}

	e := &c.Export
	if e.Sink == "" {
		e.Sink = SinkUberback
	}
	if e.Format == "" {
		e.Format = FormatForm
	}
	if e.Workers == 0 {
		e.Workers = 2
	}
	if e.QueueSize == 0 {
		e.QueueSize = 64
	}
	if e.Uberback.Target == "" {
		e.Uberback.Target = "/data"
	}
	if e.Uberback.TLS == nil {
		e.Uberback.TLS = boolPtr(true)
	}
	if e.Uberback.Port == 0 && *e.Uberback.TLS {
		e.Uberback.Port = 443
	}
	if e.Uberback.Timeout.Duration == 0 {
		e.Uberback.Timeout.Duration = 10 * time.Second
	}
	if e.S3.Timeout.Duration == 0 {
		e.S3.Timeout.Duration = 10 * time.Second
	}
	if e.S3.Retries == 0 {
		e.S3.Retries = 3
	}
	if e.SQLite.DSN == "" {
		e.SQLite.DSN = "ubersniff.db"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 100
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 3
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = 28
	}
}

// Validate 检查配置是否可用
func (c *Config) Validate() error {
	if !strings.HasSuffix(c.Scheme, "://") {
		return fmt.Errorf("%w: %q", ErrInvalidScheme, c.Scheme)
	}
	for _, p := range c.Ports {
		if p <= 0 || p > 65535 {
			return fmt.Errorf("无效的端口: %d", p)
		}
	}
	if c.Reassembly.MaxBodySize < 0 {
		return fmt.Errorf("无效的正文上限: %d", c.Reassembly.MaxBodySize)
	}

	switch c.Export.Format {
	case FormatForm, FormatJSON:
	default:
		return fmt.Errorf("%w: %s", ErrUnknownFormat, c.Export.Format)
	}

	switch c.Export.Sink {
	case SinkUberback:
		u := c.Export.Uberback
		switch {
		case u.Host == "":
			return ErrNoUberbackHost
		case u.Port == 0:
			return ErrNoUberbackPort
		case u.Service == "":
			return ErrNoService
		case u.Token == "":
			return ErrNoUberbackToken
		case u.UserID == "":
			return ErrNoUberbackUser
		}
	case SinkS3:
		if c.Export.S3.Bucket == "" {
			return ErrNoS3Bucket
		}
	case SinkSQLite, SinkStdout, SinkNone:
	default:
		return fmt.Errorf("%w: %s", ErrUnknownSink, c.Export.Sink)
	}
	return nil
}

// PromiscEnabled 是否开启混杂模式
func (c *Config) PromiscEnabled() bool {
	return c.Promisc == nil || *c.Promisc
}

// TLSEnabled 是否通过 TLS 连接分析服务
func (u UberbackConfig) TLSEnabled() bool {
	return u.TLS == nil || *u.TLS
}

// BuildBPFFilter 构建BPF过滤器
func (c *Config) BuildBPFFilter() string {
	if c.Filter != "" {
		return c.Filter
	}
	if len(c.Ports) == 0 {
		return "tcp port 80"
	}
	if len(c.Ports) == 1 {
		return fmt.Sprintf("tcp port %d", c.Ports[0])
	}

	conditions := make([]string, 0, len(c.Ports))
	for _, port := range c.Ports {
		conditions = append(conditions, fmt.Sprintf("port %d", port))
	}
	return fmt.Sprintf("tcp and (%s)", strings.Join(conditions, " or "))
}

// IsServerPort 端口是否为配置的 HTTP 服务端口
func (c *Config) IsServerPort(port uint16) bool {
	for _, p := range c.Ports {
		if int(port) == p {
			return true
		}
	}
	return false
}

// LoadConfig 从文件加载配置并设置默认值
func LoadConfig(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("配置文件不存在: %s", path)
	}

	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	cfg.SetDefaults()
	return &cfg, nil
}

// LoadConfigWithFallback 依次尝试 path 与默认位置，都不存在时返回默认配置
func LoadConfigWithFallback(path string) (*Config, string, error) {
	candidates := []string{"ubersniff.toml", "config.toml"}
	if path != "" {
		candidates = []string{path}
	}

	for _, p := range candidates {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		cfg, err := LoadConfig(p)
		if err != nil {
			return nil, p, err
		}
		return cfg, p, nil
	}

	if path != "" {
		return nil, path, fmt.Errorf("配置文件不存在: %s", path)
	}
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg, "", nil
}

// MergeWithCmdLineArgs 合并命令行参数（命令行优先，只覆盖非零值）
func (c *Config) MergeWithCmdLineArgs(cmd *Config) {
	if cmd.Interface != "" {
		c.Interface = cmd.Interface
	}
	if cmd.Filter != "" {
		c.Filter = cmd.Filter
	}
	if len(cmd.Ports) > 0 {
		c.Ports = cmd.Ports
	}
	if cmd.Scheme != "" {
		c.Scheme = cmd.Scheme
	}
	// Verbose: 命令行设置为true时优先
	if cmd.Verbose {
		c.Verbose = true
	}
	if cmd.SnapLen != 0 {
		c.SnapLen = cmd.SnapLen
	}
	if cmd.Promisc != nil {
		c.Promisc = cmd.Promisc
	}
	if cmd.Timeout.Duration != 0 {
		c.Timeout = cmd.Timeout
	}
	if cmd.PollInterval.Duration != 0 {
		c.PollInterval = cmd.PollInterval
	}
	if cmd.Reassembly.MaxBodySize != 0 {
		c.Reassembly.MaxBodySize = cmd.Reassembly.MaxBodySize
	}
	if cmd.Export.Sink != "" {
		c.Export.Sink = cmd.Export.Sink
	}
	if cmd.Export.Format != "" {
		c.Export.Format = cmd.Export.Format
	}
	if cmd.Log.Level != "" {
		c.Log.Level = cmd.Log.Level
	}
	if cmd.Log.Pretty {
		c.Log.Pretty = true
	}
	if cmd.Log.File != "" {
		c.Log.File = cmd.Log.File
	}
}

func boolPtr(v bool) *bool {
	return &v
}
