// Package minio stores archives in an S3-compatible bucket.
package minio

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/lei/fletch-ci/internal/config"
	"github.com/lei/fletch-ci/internal/storage"
	"github.com/lei/fletch-ci/pkg/logger"
)

const backend = "s3"

// Store implements storage.Store on top of minio-go
type Store struct {
	client *minio.Client
	bucket string
	logger *logger.Logger
}

// New creates an S3 store from configuration
func New(cfg config.StorageConfig, log *logger.Logger) (*Store, error) {
	if cfg.S3.Endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	client, err := minio.New(cfg.S3.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.S3.AccessKey, cfg.S3.SecretKey, ""),
		Secure:    cfg.S3.UseSSL,
		Region:    cfg.S3.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	return NewWithClient(client, cfg.Bucket, log)
}

// NewWithClient wraps an existing client
func NewWithClient(client *minio.Client, bucket string, log *logger.Logger) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("minio client is required")
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Store{client: client, bucket: bucket, logger: log}, nil
}

// Upload implements storage.Store
func (s *Store) Upload(ctx context.Context, src, key string) error {
	s.logger.Info("uploading object", "url", storage.URL(backend, s.bucket, key))
	info, err := s.client.FPutObject(ctx, s.bucket, key, src, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return s.wrap("upload", key, err)
	}
	s.logger.Debug("uploaded object", "key", key, "size", info.Size)
	return nil
}

// Download implements storage.Store
func (s *Store) Download(ctx context.Context, key, dst string) error {
	s.logger.Info("downloading object", "url", storage.URL(backend, s.bucket, key))
	if err := s.client.FGetObject(ctx, s.bucket, key, dst, minio.GetObjectOptions{}); err != nil {
		return s.wrap("download", key, err)
	}
	return nil
}

// MakePublic copies the object onto itself with a public-read canned ACL,
// which is how S3-compatible stores accept an ACL change without a
// separate PutObjectAcl call.
func (s *Store) MakePublic(ctx context.Context, key string) error {
	dst := minio.CopyDestOptions{
		Bucket:          s.bucket,
		Object:          key,
		UserMetadata:    map[string]string{"x-amz-acl": "public-read"},
		ReplaceMetadata: true,
	}
	src := minio.CopySrcOptions{Bucket: s.bucket, Object: key}
	if _, err := s.client.CopyObject(ctx, dst, src); err != nil {
		return s.wrap("make public", key, err)
	}
	return nil
}

// Exists implements storage.Store
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	err = s.wrap("exists", key, err)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return false, nil
	}
	return false, err
}

func (s *Store) wrap(op, key string, err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		err = fmt.Errorf("%w: %v", storage.ErrObjectNotFound, err)
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		err = fmt.Errorf("%w: %v", storage.ErrUnauthorized, err)
	}
	return &storage.StoreError{Op: op, Backend: backend, Key: key, Err: err}
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
