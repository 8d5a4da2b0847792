// Package s3 provides an object store backend on Amazon S3 or any
// S3-compatible endpoint (MinIO, Ceph RGW, Akave O3, ...).
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"logflume/internal/logging"
	"logflume/internal/store"
)

// Config holds S3 backend configuration.
type Config struct {
	// Bucket is the bucket objects are written to. Required.
	Bucket string

	// Region is the AWS region. Required unless Endpoint implies one.
	Region string

	// Endpoint overrides the S3 endpoint for S3-compatible services.
	// When set, path-style addressing is used.
	Endpoint string

	// AccessKey / SecretKey select static credentials. When empty, the
	// default AWS credential chain applies (env, shared config, IMDS).
	AccessKey string
	SecretKey string

	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

// Store writes batch objects to a single S3 bucket.
type Store struct {
	client *s3.Client
	bucket string
	logger *slog.Logger
}

// New builds an S3 store. The AWS SDK's own retries stay enabled here:
// unlike the forwarder's application-level retry, an individual S3 call is
// cheap to repeat and the SDK's throttling-aware backoff is what the
// provider expects.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 store: bucket is required")
	}

	logger := logging.Default(cfg.Logger).With("component", "store", "type", "s3")

	var client *s3.Client
	if cfg.AccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
		client = s3.NewFromConfig(aws.Config{
			Region:      cfg.Region,
			Credentials: aws.NewCredentialsCache(creds),
		}, func(o *s3.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
				o.UsePathStyle = true
			}
		})
	} else {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("s3 store: load aws config: %w", err)
		}
		client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
				o.UsePathStyle = true
			}
		})
	}

	logger.Info("s3 store ready", "bucket", cfg.Bucket, "region", cfg.Region)
	return &Store{client: client, bucket: cfg.Bucket, logger: logger}, nil
}

func (s *Store) Bucket() string { return s.bucket }

func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("s3 put %s: %w", key, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, store.ErrObjectNotFound
		}
		return nil, fmt.Errorf("s3 get %s: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 read %s: %w", key, err)
	}
	return data, nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]store.ObjectInfo, error) {
	var infos []store.ObjectInfo

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			info := store.ObjectInfo{
				Key:  aws.ToString(obj.Key),
				Size: aws.ToInt64(obj.Size),
			}
			if obj.LastModified != nil {
				info.Created = *obj.LastModified
			} else {
				info.Created = time.Time{}
			}
			infos = append(infos, info)
		}
	}
	return infos, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	// S3 DeleteObject is idempotent and does not report missing keys, so
	// check existence first to honor the store contract.
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return store.ErrObjectNotFound
		}
		return fmt.Errorf("s3 head %s: %w", key, err)
	}

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("s3 delete %s: %w", key, err)
	}
	return nil
}

// isNotFound reports whether err is an S3 missing-object error.
func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
