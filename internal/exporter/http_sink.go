package exporter

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/Uberschutz/UberSniff/internal/config"
)

var ErrUnexpectedStatus = errors.New("unexpected response status")

// HTTPSink 把请求体 POST 到分析服务
type HTTPSink struct {
	url    string
	token  string
	client *http.Client
}

// NewHTTPSink 根据配置创建；开启 TLS 时校验服务端证书，SNI 为配置的主机名
func NewHTTPSink(cfg config.UberbackConfig) *HTTPSink {
	scheme := "http"
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.TLSEnabled() {
		scheme = "https"
		transport.TLSClientConfig = &tls.Config{
			ServerName: cfg.Host,
			MinVersion: tls.VersionTLS12,
		}
	}

	return &HTTPSink{
		url:   scheme + "://" + net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)) + cfg.Target,
		token: cfg.Token,
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout.Duration,
		},
	}
}

// URL 请求地址
func (s *HTTPSink) URL() string {
	return s.url
}

// Send 实现 Sink，响应内容被读完后丢弃
func (s *HTTPSink) Send(ctx context.Context, p Payload) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(p.Body))
	if err != nil {
		return fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Content-Type", p.ContentType)
	if p.ContentEncoding != "" {
		req.Header.Set("Content-Encoding", p.ContentEncoding)
	}
	req.Header.Set("token", s.token)
	req.Header.Set("X-Request-Id", p.JobID)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("发送请求失败: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%w: %s", ErrUnexpectedStatus, resp.Status)
	}
	return nil
}

// Close 实现 Sink
func (s *HTTPSink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
