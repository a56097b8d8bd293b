package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
	// PublicURL is the base locator objects are served from. When empty the
	// endpoint and bucket are used.
	PublicURL string
}

// S3 stores derived artifacts in an S3-compatible bucket. Objects become
// visible only once an upload completes.
type S3 struct {
	client    *minio.Client
	bucket    string
	region    string
	prefix    string
	publicURL string
	initOnce  sync.Once
	initErr   error
}

func NewS3(cfg S3Config) (*S3, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	access := strings.TrimSpace(cfg.AccessKey)
	secret := strings.TrimSpace(cfg.SecretKey)
	if access == "" || secret == "" {
		return nil, fmt.Errorf("s3 access key and secret key are required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}
	public := strings.TrimSpace(cfg.PublicURL)
	if public == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		public = scheme + "://" + endpoint + "/" + bucket
	}
	return &S3{
		client:    client,
		bucket:    bucket,
		region:    region,
		prefix:    strings.Trim(cfg.Prefix, "/"),
		publicURL: public,
	}, nil
}

func (s *S3) ensureBucket(ctx context.Context) error {
	s.initOnce.Do(func() {
		exists, err := s.client.BucketExists(ctx, s.bucket)
		if err != nil {
			s.initErr = err
			return
		}
		if exists {
			return
		}
		s.initErr = s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region})
	})
	return s.initErr
}

func (s *S3) Exists(ctx context.Context, key string) (bool, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return false, fmt.Errorf("ensure bucket: %w", err)
	}
	_, err := s.client.StatObject(ctx, s.bucket, s.objectKey(key), minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	code := minio.ToErrorResponse(err).Code
	if code == "NoSuchKey" || code == "NoSuchBucket" || code == "NotFound" {
		return false, nil
	}
	return false, err
}

func (s *S3) Promote(ctx context.Context, scratchPath, key string) error {
	if err := s.ensureBucket(ctx); err != nil {
		return fmt.Errorf("ensure bucket: %w", err)
	}
	_, err := s.client.FPutObject(ctx, s.bucket, s.objectKey(key), scratchPath, minio.PutObjectOptions{
		ContentType: contentType(key),
	})
	return err
}

func (s *S3) PutText(ctx context.Context, key, text string) error {
	if err := s.ensureBucket(ctx); err != nil {
		return fmt.Errorf("ensure bucket: %w", err)
	}
	_, err := s.client.PutObject(ctx, s.bucket, s.objectKey(key), strings.NewReader(text), int64(len(text)), minio.PutObjectOptions{
		ContentType: "text/plain",
	})
	return err
}

func (s *S3) Remove(ctx context.Context, key string) error {
	if err := s.ensureBucket(ctx); err != nil {
		return fmt.Errorf("ensure bucket: %w", err)
	}
	return s.client.RemoveObject(ctx, s.bucket, s.objectKey(key), minio.RemoveObjectOptions{})
}

func (s *S3) URL(key string) string {
	return JoinURL(s.publicURL, s.objectKey(key))
}

func (s *S3) objectKey(key string) string {
	key = cleanKey(key)
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func contentType(key string) string {
	switch {
	case strings.HasSuffix(key, ".nc"):
		return "application/x-netcdf"
	case strings.HasSuffix(key, ".log"):
		return "text/plain"
	}
	return "application/octet-stream"
}
