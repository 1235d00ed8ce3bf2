// internal/storage/r2_store.go
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/Corphon/CrisisSimMCP/internal/utils"
)

// R2Options Cloudflare R2 连接参数
type R2Options struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	PublicAccess    bool
	URLExpiry       time.Duration
	MaxRetries      int
	RetryDelay      time.Duration
}

// s3API R2Store 用到的 S3 操作子集
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

type presignFunc func(ctx context.Context, bucket, key string, expiry time.Duration) (string, error)

// R2Store 基于 S3 兼容接口的对象存储
type R2Store struct {
	client  s3API
	presign presignFunc
	opts    R2Options
	logger  *utils.Logger
}

// NewR2Store 使用静态凭证和 path-style 寻址连接 R2
func NewR2Store(ctx context.Context, opts R2Options) (*R2Store, error) {
	if opts.Endpoint == "" || opts.Bucket == "" {
		return nil, errors.New("r2: endpoint and bucket are required")
	}
	if opts.AccessKeyID == "" || opts.SecretAccessKey == "" {
		return nil, errors.New("r2: credentials are required")
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("auto"),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("r2: load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(opts.Endpoint)
		o.UsePathStyle = true
	})
	presigner := s3.NewPresignClient(client)

	return newR2Store(client, func(ctx context.Context, bucket, key string, expiry time.Duration) (string, error) {
		req, err := presigner.PresignGetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		}, s3.WithPresignExpires(expiry))
		if err != nil {
			return "", err
		}
		return req.URL, nil
	}, opts), nil
}

func newR2Store(client s3API, presign presignFunc, opts R2Options) *R2Store {
	if opts.URLExpiry <= 0 {
		opts.URLExpiry = time.Hour
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	opts.Endpoint = strings.TrimRight(opts.Endpoint, "/")
	return &R2Store{client: client, presign: presign, opts: opts, logger: utils.GetLogger()}
}

// Upload 上传并返回公开地址或预签名地址，失败时按递增间隔重试
func (s *R2Store) Upload(ctx context.Context, data []byte, contentType, key string) (string, error) {
	k, err := cleanKey(key)
	if err != nil {
		return "", err
	}

	var lastErr error
	for attempt := 1; attempt <= s.opts.MaxRetries; attempt++ {
		_, lastErr = s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.opts.Bucket),
			Key:         aws.String(k),
			Body:        bytes.NewReader(data),
			ContentType: aws.String(contentType),
		})
		if lastErr == nil {
			s.logger.Info("r2 upload completed", map[string]interface{}{
				"key":   k,
				"bytes": len(data),
			})
			return s.GetURL(ctx, k)
		}
		if attempt == s.opts.MaxRetries {
			break
		}
		s.logger.Warn("r2 upload failed, retrying", map[string]interface{}{
			"key":     k,
			"attempt": attempt,
			"error":   lastErr.Error(),
		})
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(s.opts.RetryDelay * time.Duration(attempt)):
		}
	}
	return "", fmt.Errorf("r2: upload %s failed after %d attempts: %w", k, s.opts.MaxRetries, lastErr)
}

func (s *R2Store) Delete(ctx context.Context, key string) error {
	k, err := cleanKey(key)
	if err != nil {
		return err
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(k),
	}); err != nil {
		return fmt.Errorf("r2: delete %s: %w", k, err)
	}
	return nil
}

func (s *R2Store) GetURL(ctx context.Context, key string) (string, error) {
	if s.opts.PublicAccess {
		return fmt.Sprintf("%s/%s/%s", s.opts.Endpoint, s.opts.Bucket, key), nil
	}
	if s.presign == nil {
		return "", errors.New("r2: presigning not configured")
	}
	u, err := s.presign(ctx, s.opts.Bucket, key, s.opts.URLExpiry)
	if err != nil {
		return "", fmt.Errorf("r2: presign %s: %w", key, err)
	}
	return u, nil
}

func (s *R2Store) List(ctx context.Context, prefix string) ([]string, error) {
	keys := []string{}
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.opts.Bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("r2: list %q: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}
