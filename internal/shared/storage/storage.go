package storage

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// FileStore 文件存储，引擎只需把对象引用换成可访问地址
type FileStore interface {
	PresignGet(ctx context.Context, ref string) (string, error)
}

// PassThrough 未配置对象存储时原样返回引用
type PassThrough struct{}

func (PassThrough) PresignGet(_ context.Context, ref string) (string, error) {
	return ref, nil
}

// MinIOStore MinIO 对象存储
type MinIOStore struct {
	client *minio.Client
	bucket string
	ttl    time.Duration
}

// NewMinIOStore 创建 MinIO 客户端
func NewMinIOStore(endpoint, accessKey, secretKey, bucket string, useSSL bool, ttl time.Duration) (*MinIOStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化MinIO客户端失败: %w", err)
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &MinIOStore{client: client, bucket: bucket, ttl: ttl}, nil
}

// PresignGet 生成对象的临时下载地址；已是 http(s) 地址的引用原样返回
func (s *MinIOStore) PresignGet(ctx context.Context, ref string) (string, error) {
	if ref == "" || strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref, nil
	}
	key := strings.TrimPrefix(ref, "/")
	key = strings.TrimPrefix(key, s.bucket+"/")

	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, s.ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("生成文件下载地址失败: %w", err)
	}
	return u.String(), nil
}
