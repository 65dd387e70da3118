package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Config holds configuration for the S3 backend.
type S3Config struct {
	// Bucket is the destination bucket.
	Bucket string
	// Prefix is prepended to every object path.
	Prefix string
	// Region is the AWS region for the bucket.
	Region string
	// Endpoint is an optional custom endpoint (MinIO, LocalStack, ...).
	Endpoint string
	// UsePathStyle enables path-style addressing (required for MinIO).
	UsePathStyle bool
	// MaxRetries bounds retries of a single request.
	MaxRetries int
}

// DefaultS3Config returns the default S3 configuration.
func DefaultS3Config() S3Config {
	return S3Config{
		Region:     "us-east-1",
		MaxRetries: 3,
	}
}

// S3Backend implements Backend on an S3-compatible object store.
type S3Backend struct {
	client *s3.Client
	cfg    S3Config
}

// NewS3Backend loads AWS credentials from the environment and creates a
// backend for cfg.Bucket.
func NewS3Backend(ctx context.Context, cfg S3Config) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("storage: s3 bucket is required")
	}
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	return NewS3BackendWithClient(s3.NewFromConfig(awsCfg, s3Opts...), cfg), nil
}

// NewS3BackendWithClient wraps a pre-configured client.
func NewS3BackendWithClient(client *s3.Client, cfg S3Config) *S3Backend {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &S3Backend{client: client, cfg: cfg}
}

func (s *S3Backend) key(objectPath string) string {
	if s.cfg.Prefix == "" {
		return objectPath
	}
	return strings.TrimSuffix(s.cfg.Prefix, "/") + "/" + objectPath
}

// PutObject uploads data in a single request. S3 PUTs are atomic.
func (s *S3Backend) PutObject(ctx context.Context, objectPath string, data []byte) error {
	err := s.retryWithBackoff(ctx, func() error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.cfg.Bucket),
			Key:           aws.String(s.key(objectPath)),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
		})
		return err
	})
	if err != nil {
		return errIO("put", objectPath, err)
	}
	return nil
}

// GetRange issues a ranged GET.
func (s *S3Backend) GetRange(ctx context.Context, objectPath string, offset, length int64) ([]byte, error) {
	if offset < 0 || length <= 0 {
		if length == 0 && offset >= 0 {
			return []byte{}, nil
		}
		return nil, fmt.Errorf("storage: invalid range %d+%d", offset, length)
	}
	rng := fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
	data, err := s.get(ctx, objectPath, &rng)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != length {
		return nil, errIO("get", objectPath, fmt.Errorf("short range read: got %d of %d bytes", len(data), length))
	}
	return data, nil
}

// GetObject downloads a whole object.
func (s *S3Backend) GetObject(ctx context.Context, objectPath string) ([]byte, error) {
	return s.get(ctx, objectPath, nil)
}

func (s *S3Backend) get(ctx context.Context, objectPath string, rng *string) ([]byte, error) {
	var data []byte
	err := s.retryWithBackoff(ctx, func() error {
		resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(s.key(objectPath)),
			Range:  rng,
		})
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		data, err = io.ReadAll(resp.Body)
		return err
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, errNotFound(objectPath)
		}
		return nil, errIO("get", objectPath, err)
	}
	return data, nil
}

// DeleteObject removes an object. S3 deletes are idempotent.
func (s *S3Backend) DeleteObject(ctx context.Context, objectPath string) error {
	err := s.retryWithBackoff(ctx, func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(s.key(objectPath)),
		})
		return err
	})
	if err != nil && !isS3NotFound(err) {
		return errIO("delete", objectPath, err)
	}
	return nil
}

// Exists issues a HEAD request.
func (s *S3Backend) Exists(ctx context.Context, objectPath string) (bool, error) {
	var exists bool
	err := s.retryWithBackoff(ctx, func() error {
		_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(s.key(objectPath)),
		})
		if err != nil {
			if isS3NotFound(err) {
				exists = false
				return nil
			}
			return err
		}
		exists = true
		return nil
	})
	if err != nil {
		return false, errIO("head", objectPath, err)
	}
	return exists, nil
}

// ListObjects pages through every key under prefix.
func (s *S3Backend) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	var objects []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(s.key(prefix)),
	})
	strip := ""
	if s.cfg.Prefix != "" {
		strip = strings.TrimSuffix(s.cfg.Prefix, "/") + "/"
	}
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, errIO("list", prefix, err)
		}
		for _, obj := range page.Contents {
			objects = append(objects, strings.TrimPrefix(aws.ToString(obj.Key), strip))
		}
	}
	sort.Strings(objects)
	return objects, nil
}

func isS3NotFound(err error) bool {
	var noSuchKey *s3types.NoSuchKey
	var notFound *s3types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound"
	}
	return false
}

// retryWithBackoff executes the operation with exponential backoff retry.
// Not-found responses are final.
func (s *S3Backend) retryWithBackoff(ctx context.Context, operation func() error) error {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = operation()
		if lastErr == nil || isS3NotFound(lastErr) {
			return lastErr
		}
		if attempt < s.cfg.MaxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return lastErr
}
