// Package aggregator implements the log sink functions emit into: named log
// groups, each holding ordered append-only streams (one stream per function
// invocation) and fanning appended records out to subscribers.
//
// The aggregator is the boundary between the push side of the pipeline (a
// function writing log lines) and the pull side (a forwarder buffering them
// into batches). It owns record timestamps: Append assigns them under the
// group mutex, so they are monotonic within a group.
package aggregator

import (
	"log/slog"
	"sync"
	"time"

	"logflume/internal/event"
	"logflume/internal/logging"
)

// Config holds aggregator configuration.
type Config struct {
	// Now is the clock used for record timestamps. Defaults to time.Now;
	// tests inject a fake.
	Now func() time.Time

	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

// Aggregator manages log groups. Groups are created on demand and never
// removed; group retention is a property of the durable store, not the
// in-memory sink.
type Aggregator struct {
	mu     sync.Mutex
	cfg    Config
	groups map[string]*Group
	logger *slog.Logger
}

// New creates an empty Aggregator.
func New(cfg Config) *Aggregator {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Aggregator{
		cfg:    cfg,
		groups: make(map[string]*Group),
		logger: logging.Default(cfg.Logger).With("component", "aggregator"),
	}
}

// Group returns the named log group, creating it if needed.
func (a *Aggregator) Group(name string) *Group {
	a.mu.Lock()
	defer a.mu.Unlock()

	g, ok := a.groups[name]
	if !ok {
		g = &Group{
			name:    name,
			now:     a.cfg.Now,
			streams: make(map[string]*Stream),
			subs:    make(map[int]*subscription),
		}
		a.groups[name] = g
		a.logger.Info("log group created", "group", name)
	}
	return g
}

// Groups returns the names of all known groups.
func (a *Aggregator) Groups() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	names := make([]string, 0, len(a.groups))
	for name := range a.groups {
		names = append(names, name)
	}
	return names
}

// StreamInfo describes one stream inside a group.
type StreamInfo struct {
	Name      string
	Records   int
	LastEvent time.Time
}

// Group is a named collection of ordered log streams with subscriber fan-out.
//
// Concurrency model:
//   - One mutex serializes appends, subscriptions, and cancellations.
//   - Fan-out to subscriber channels happens under the mutex, so every
//     subscriber observes records in append order.
//   - A subscriber that stops draining its channel eventually blocks Append:
//     backpressure is propagated to emitters rather than dropping records.
type Group struct {
	name string
	now  func() time.Time

	mu      sync.Mutex
	streams map[string]*Stream
	order   []string
	subs    map[int]*subscription
	nextSub int
}

// subscription pairs the fan-out channel with a done channel so a cancel
// can unblock an in-flight send without holding the group mutex.
type subscription struct {
	ch   chan event.Record
	done chan struct{}
}

// Name returns the group name.
func (g *Group) Name() string { return g.name }

// Stream returns the named stream, creating it if needed. Stream names are
// typically invocation IDs.
func (g *Group) Stream(name string) *Stream {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.streams[name]
	if !ok {
		s = &Stream{group: g, name: name}
		g.streams[name] = s
		g.order = append(g.order, name)
	}
	return s
}

// Streams lists the group's streams in creation order.
func (g *Group) Streams() []StreamInfo {
	g.mu.Lock()
	defer g.mu.Unlock()

	infos := make([]StreamInfo, 0, len(g.order))
	for _, name := range g.order {
		s := g.streams[name]
		info := StreamInfo{Name: name, Records: len(s.records)}
		if n := len(s.records); n > 0 {
			info.LastEvent = s.records[n-1].Timestamp
		}
		infos = append(infos, info)
	}
	return infos
}

// Subscribe registers a fan-out channel with the given buffer size and
// returns it together with a cancel function. Cancel removes the
// subscription and closes the channel; it is safe to call concurrently with
// appends. An append blocked on a full subscriber buffer is released by the
// cancel (the record is dropped for that subscriber only), so a subscriber
// that has stopped receiving can never wedge the group.
func (g *Group) Subscribe(buffer int) (<-chan event.Record, func()) {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := g.nextSub
	g.nextSub++
	sub := &subscription{
		ch:   make(chan event.Record, buffer),
		done: make(chan struct{}),
	}
	g.subs[id] = sub

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			// Closing done first releases any sender blocked on sub.ch,
			// which in turn releases the group mutex needed below.
			close(sub.done)

			g.mu.Lock()
			defer g.mu.Unlock()
			delete(g.subs, id)
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Stream is an ordered, append-only sequence of records within a group.
type Stream struct {
	group   *Group
	name    string
	records []event.Record
}

// Name returns the stream name.
func (s *Stream) Name() string { return s.name }

// Append emits a record to the stream. The timestamp is assigned here, under
// the group mutex, and the record is fanned out to all subscribers before
// Append returns. Returns the record as stored.
func (s *Stream) Append(source, message string) event.Record {
	g := s.group
	g.mu.Lock()
	defer g.mu.Unlock()

	rec := event.Record{
		Timestamp: g.now(),
		Source:    source,
		Stream:    s.name,
		Message:   message,
	}
	s.records = append(s.records, rec)

	for _, sub := range g.subs {
		select {
		case sub.ch <- rec:
		case <-sub.done:
			// Subscriber is cancelling; it no longer wants the record.
		}
	}
	return rec
}

// Records returns a copy of the stream's records in append order.
func (s *Stream) Records() []event.Record {
	g := s.group
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]event.Record, len(s.records))
	copy(out, s.records)
	return out
}
