// Package store defines the durable object store the pipeline writes sealed
// batches to, and the creation-notification hook that drives the relay.
//
// Backends live in subpackages (memory, s3, gcs, azure). All backends share
// the same contract: Put is atomic from the reader's point of view (an
// object is either fully visible or absent, never partial), and keys are
// unique per batch, so an object is written exactly once and never mutated.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrObjectNotFound is returned by Get and Delete for missing keys.
var ErrObjectNotFound = errors.New("object not found")

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key     string
	Size    int64
	Created time.Time
}

// Store is a flat keyspace of immutable objects.
type Store interface {
	// Bucket returns the bucket (or container) name objects live in. The
	// relay embeds it in notification envelopes.
	Bucket() string

	// Put writes an object. The write is complete and durable before Put
	// returns; partial objects are never visible to Get or List.
	Put(ctx context.Context, key string, data []byte) error

	// Get returns the object's contents, or ErrObjectNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// List returns metadata for all objects whose key starts with prefix,
	// in lexical key order.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Delete removes an object, or returns ErrObjectNotFound.
	Delete(ctx context.Context, key string) error
}

// NotifyFunc is invoked once per successful Put, after the write completed.
// Implementations must not block for long: the hook runs on the writer's
// goroutine so that "object durable before notification fires" holds.
type NotifyFunc func(info ObjectInfo)

// notifier decorates a Store with a creation hook.
type notifier struct {
	Store
	now    func() time.Time
	notify NotifyFunc
}

// WithNotify wraps a store so that every successful Put fires fn exactly
// once with the created object's metadata. The hook fires after the
// underlying Put returned, so a notification never references an object
// that is not yet fully written.
func WithNotify(s Store, now func() time.Time, fn NotifyFunc) Store {
	if now == nil {
		now = time.Now
	}
	return &notifier{Store: s, now: now, notify: fn}
}

func (n *notifier) Put(ctx context.Context, key string, data []byte) error {
	if err := n.Store.Put(ctx, key, data); err != nil {
		return err
	}
	n.notify(ObjectInfo{Key: key, Size: int64(len(data)), Created: n.now()})
	return nil
}
