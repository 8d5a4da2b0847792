// Package azure provides an object store backend on Azure Blob Storage.
package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"logflume/internal/logging"
	"logflume/internal/store"
)

// Config holds Azure backend configuration.
type Config struct {
	// Container is the blob container objects are written to. Required.
	Container string

	// ConnectionString authenticates the storage account. Required.
	ConnectionString string

	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

// Store writes batch objects to a single blob container.
type Store struct {
	client    *azblob.Client
	container string
	logger    *slog.Logger
}

// New builds an Azure Blob store.
func New(_ context.Context, cfg Config) (*Store, error) {
	if cfg.Container == "" {
		return nil, errors.New("azure store: container is required")
	}
	if cfg.ConnectionString == "" {
		return nil, errors.New("azure store: connection string is required")
	}

	logger := logging.Default(cfg.Logger).With("component", "store", "type", "azure")

	client, err := azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("azure store: new client: %w", err)
	}

	logger.Info("azure store ready", "container", cfg.Container)
	return &Store{client: client, container: cfg.Container, logger: logger}, nil
}

func (s *Store) Bucket() string { return s.container }

func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	// Block blob commits are atomic: the blob is visible only after the
	// final commit, never partially.
	if _, err := s.client.UploadBuffer(ctx, s.container, key, data, nil); err != nil {
		return fmt.Errorf("azure put %s: %w", key, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.client.DownloadStream(ctx, s.container, key, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil, store.ErrObjectNotFound
		}
		return nil, fmt.Errorf("azure get %s: %w", key, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("azure read %s: %w", key, err)
	}
	return data, nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]store.ObjectInfo, error) {
	var infos []store.ObjectInfo

	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{
		Prefix: &prefix,
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("azure list %s: %w", prefix, err)
		}
		for _, item := range page.Segment.BlobItems {
			info := store.ObjectInfo{Key: *item.Name}
			if item.Properties != nil {
				if item.Properties.ContentLength != nil {
					info.Size = *item.Properties.ContentLength
				}
				if item.Properties.CreationTime != nil {
					info.Created = *item.Properties.CreationTime
				}
			}
			infos = append(infos, info)
		}
	}
	return infos, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.client.DeleteBlob(ctx, s.container, key, nil); err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return store.ErrObjectNotFound
		}
		return fmt.Errorf("azure delete %s: %w", key, err)
	}
	return nil
}
