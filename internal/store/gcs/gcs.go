// Package gcs provides an object store backend on Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	gstorage "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"logflume/internal/logging"
	"logflume/internal/store"
)

// Config holds GCS backend configuration.
type Config struct {
	// Bucket is the bucket objects are written to. Required.
	Bucket string

	// CredentialsFile points to a service account JSON key. When empty,
	// application default credentials apply.
	CredentialsFile string

	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

// Store writes batch objects to a single GCS bucket.
type Store struct {
	client *gstorage.Client
	bucket string
	logger *slog.Logger
}

// New builds a GCS store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs store: bucket is required")
	}

	logger := logging.Default(cfg.Logger).With("component", "store", "type", "gcs")

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := gstorage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs store: new client: %w", err)
	}

	logger.Info("gcs store ready", "bucket", cfg.Bucket)
	return &Store{client: client, bucket: cfg.Bucket, logger: logger}, nil
}

func (s *Store) Bucket() string { return s.bucket }

func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs put %s: %w", key, err)
	}
	// GCS writes are atomic: the object becomes visible only when Close
	// commits the upload, which is exactly the no-partial-write contract.
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs put %s: %w", key, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, gstorage.ErrObjectNotExist) {
			return nil, store.ErrObjectNotFound
		}
		return nil, fmt.Errorf("gcs get %s: %w", key, err)
	}
	defer func() { _ = r.Close() }()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gcs read %s: %w", key, err)
	}
	return data, nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]store.ObjectInfo, error) {
	var infos []store.ObjectInfo

	it := s.client.Bucket(s.bucket).Objects(ctx, &gstorage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("gcs list %s: %w", prefix, err)
		}
		infos = append(infos, store.ObjectInfo{
			Key:     attrs.Name,
			Size:    attrs.Size,
			Created: attrs.Created,
		})
	}
	return infos, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.client.Bucket(s.bucket).Object(key).Delete(ctx)
	if err != nil {
		if errors.Is(err, gstorage.ErrObjectNotExist) {
			return store.ErrObjectNotFound
		}
		return fmt.Errorf("gcs delete %s: %w", key, err)
	}
	return nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}
