package exporter

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/Uberschutz/UberSniff/internal/config"
)

// 重试退避上限
const maxBackoff = 2 * time.Second

// objectPutter s3.Client 中用到的部分
type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink 把每次导出写成一个 JSONL.gz 对象：<prefix>/<yyyy/mm/dd>/<job>.jsonl.gz
type S3Sink struct {
	client  objectPutter
	bucket  string
	prefix  string
	timeout time.Duration
	retries int
	backoff time.Duration
}

// NewS3Sink 加载默认的 AWS 凭证链并创建客户端，重试由 Send 控制
func NewS3Sink(ctx context.Context, cfg config.S3Config) (*S3Sink, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("加载 AWS 配置失败: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.RetryMaxAttempts = 0
	})
	return newS3Sink(client, cfg), nil
}

func newS3Sink(client objectPutter, cfg config.S3Config) *S3Sink {
	retries := cfg.Retries
	if retries < 1 {
		retries = 1
	}
	return &S3Sink{
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  cfg.Prefix,
		timeout: cfg.Timeout.Duration,
		retries: retries,
		backoff: 200 * time.Millisecond,
	}
}

// ObjectKey 对象名
func (s *S3Sink) ObjectKey(p Payload) string {
	name := p.JobID + ".jsonl"
	if p.ContentEncoding == "gzip" {
		name += ".gz"
	}
	return path.Join(s.prefix, p.CreatedAt.UTC().Format("2006/01/02"), name)
}

// Send 实现 Sink，失败时指数退避重试
func (s *S3Sink) Send(ctx context.Context, p Payload) error {
	key := s.ObjectKey(p)
	backoff := s.backoff

	var lastErr error
	for attempt := 1; attempt <= s.retries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if lastErr = s.putObject(ctx, key, p); lastErr == nil {
			return nil
		}
		if attempt == s.retries {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
	return fmt.Errorf("上传 s3://%s/%s 失败: %w", s.bucket, key, lastErr)
}

func (s *S3Sink) putObject(ctx context.Context, key string, p Payload) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	in := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(p.Body),
		ContentLength: aws.Int64(int64(len(p.Body))),
		ContentType:   aws.String(p.ContentType),
	}
	if p.ContentEncoding != "" {
		in.ContentEncoding = aws.String(p.ContentEncoding)
	}
	_, err := s.client.PutObject(ctx, in)
	return err
}

// Close 实现 Sink
func (s *S3Sink) Close() error {
	return nil
}
