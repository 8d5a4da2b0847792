package agent

import "sync"

// tracker remembers successfully processed object keys so a redelivered
// notification does not reprocess a batch. Keys are recorded only after the
// handler succeeds: a failed attempt leaves the key unknown, so the retry
// driven by lease expiry is a real retry. The window is bounded: once full,
// the oldest key is evicted. At-least-once delivery means a very old
// redelivery could slip past the window, which is acceptable because batch
// handling is expected to be idempotent at the sink.
type tracker struct {
	mu    sync.Mutex
	limit int
	seen  map[string]struct{}
	order []string
	next  int
}

func newTracker(limit int) *tracker {
	return &tracker{
		limit: limit,
		seen:  make(map[string]struct{}, limit),
		order: make([]string, limit),
	}
}

// has reports whether the key is in the processed window.
func (t *tracker) has(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.seen[key]
	return ok
}

// mark records the key, evicting the oldest entry when the window is full.
func (t *tracker) mark(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.seen[key]; ok {
		return
	}
	if old := t.order[t.next]; old != "" {
		delete(t.seen, old)
	}
	t.order[t.next] = key
	t.next = (t.next + 1) % t.limit
	t.seen[key] = struct{}{}
}
