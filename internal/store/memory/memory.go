// Package memory provides an in-memory object store backend, used as the
// default for local runs and as the store under test everywhere else.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"logflume/internal/store"
)

// Config holds memory store configuration.
type Config struct {
	// Bucket is the logical bucket name reported in notifications.
	// Defaults to "logflume".
	Bucket string

	// Now is the clock used for object creation times. Defaults to time.Now.
	Now func() time.Time
}

type object struct {
	data    []byte
	created time.Time
}

// Store is a mutex-guarded map of key to object. Both Put and Get copy the
// payload, so stored bytes are immutable to callers.
type Store struct {
	bucket string
	now    func() time.Time

	mu      sync.Mutex
	objects map[string]object
}

// New creates an empty in-memory store.
func New(cfg Config) *Store {
	if cfg.Bucket == "" {
		cfg.Bucket = "logflume"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		bucket:  cfg.Bucket,
		now:     cfg.Now,
		objects: make(map[string]object),
	}
}

func (s *Store) Bucket() string { return s.bucket }

func (s *Store) Put(_ context.Context, key string, data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)

	s.mu.Lock()
	s.objects[key] = object{data: buf, created: s.now()}
	s.mu.Unlock()
	return nil
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	obj, ok := s.objects[key]
	s.mu.Unlock()

	if !ok {
		return nil, store.ErrObjectNotFound
	}
	out := make([]byte, len(obj.data))
	copy(out, obj.data)
	return out, nil
}

func (s *Store) List(_ context.Context, prefix string) ([]store.ObjectInfo, error) {
	s.mu.Lock()
	infos := make([]store.ObjectInfo, 0)
	for key, obj := range s.objects {
		if strings.HasPrefix(key, prefix) {
			infos = append(infos, store.ObjectInfo{
				Key:     key,
				Size:    int64(len(obj.data)),
				Created: obj.created,
			})
		}
	}
	s.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.objects[key]; !ok {
		return store.ErrObjectNotFound
	}
	delete(s.objects, key)
	return nil
}
