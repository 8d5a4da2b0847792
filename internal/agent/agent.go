// Package agent implements the consumer end of the pipeline: a pool of
// workers long-polling the relay queue for object-created notifications,
// fetching the referenced batch from the store, decoding it, and handing
// the records to a handler.
//
// Delivery is at-least-once; the agent acknowledges a notification only
// after every object it references was handled (or found permanently
// unprocessable). A bounded dedup window suppresses reprocessing on
// redelivery within the window.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	petname "github.com/dustinkirkland/golang-petname"
	"golang.org/x/sync/errgroup"

	"logflume/internal/batch"
	"logflume/internal/envelope"
	"logflume/internal/event"
	"logflume/internal/logging"
	"logflume/internal/relay"
	"logflume/internal/store"
)

// Defaults applied by New.
const (
	DefaultWorkers    = 2
	DefaultDedupLimit = 4096
)

// Handler consumes one decoded batch. The object key identifies the batch;
// handlers should be idempotent per key since delivery is at-least-once.
type Handler interface {
	HandleBatch(ctx context.Context, key string, records []event.Record) error
}

// HandlerFunc is an adapter to allow ordinary functions to be used as Handler.
type HandlerFunc func(ctx context.Context, key string, records []event.Record) error

func (f HandlerFunc) HandleBatch(ctx context.Context, key string, records []event.Record) error {
	return f(ctx, key, records)
}

// Config holds agent configuration.
type Config struct {
	// Queue is the relay queue to poll. Required.
	Queue *relay.Queue

	// Store holds the batch objects the notifications reference. Required.
	Store store.Store

	// Handler receives decoded batches. Required.
	Handler Handler

	// Identity names this agent in logs. Defaults to a generated pet name.
	Identity string

	// Workers is the number of concurrent pollers. Defaults to DefaultWorkers.
	Workers int

	// WaitTime is the long-poll duration per Receive. Defaults to
	// relay.MaxWaitTime.
	WaitTime time.Duration

	// BatchSize is the maximum notifications per Receive. Defaults to
	// relay.MaxReceiveBatch.
	BatchSize int

	// Heartbeat is the lease extension cadence while a notification is
	// being processed. Zero disables heartbeating; the queue's visibility
	// timeout then bounds processing time.
	Heartbeat time.Duration

	// Visibility is the lease duration requested by each heartbeat.
	// Defaults to relay.DefaultVisibilityTimeout.
	Visibility time.Duration

	// DedupLimit is the size of the processed-key window. Defaults to
	// DefaultDedupLimit.
	DedupLimit int

	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

// Stats is a snapshot of agent counters.
type Stats struct {
	Notifications uint64 `json:"notifications"`
	Batches       uint64 `json:"batches"`
	Records       uint64 `json:"records"`
	Duplicates    uint64 `json:"duplicates"`
	Missing       uint64 `json:"missing"`
	Malformed     uint64 `json:"malformed"`
	Failed        uint64 `json:"failed"`
}

// Agent consumes batch notifications from the relay queue.
type Agent struct {
	cfg    Config
	logger *slog.Logger
	seen   *tracker

	mu    sync.Mutex
	stats Stats
}

// New creates an Agent. Run must be called to start polling.
func New(cfg Config) (*Agent, error) {
	if cfg.Queue == nil {
		return nil, errors.New("agent: queue is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("agent: store is required")
	}
	if cfg.Handler == nil {
		return nil, errors.New("agent: handler is required")
	}
	if cfg.Identity == "" {
		cfg.Identity = petname.Generate(2, "-")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.WaitTime <= 0 {
		cfg.WaitTime = relay.MaxWaitTime
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = relay.MaxReceiveBatch
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = relay.DefaultVisibilityTimeout
	}
	if cfg.DedupLimit <= 0 {
		cfg.DedupLimit = DefaultDedupLimit
	}

	return &Agent{
		cfg:    cfg,
		logger: logging.Default(cfg.Logger).With("component", "agent", "identity", cfg.Identity),
		seen:   newTracker(cfg.DedupLimit),
	}, nil
}

// Identity returns the agent's name.
func (a *Agent) Identity() string { return a.cfg.Identity }

// Run polls the queue until ctx is cancelled. Returns nil on normal
// cancellation.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("agent starting",
		"workers", a.cfg.Workers,
		"queue", a.cfg.Queue.Name(),
		"wait_time", a.cfg.WaitTime)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < a.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			return a.poll(ctx, worker)
		})
	}
	err := g.Wait()
	a.logger.Info("agent stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *Agent) poll(ctx context.Context, worker int) error {
	logger := a.logger.With("worker", worker)
	for {
		msgs, err := a.cfg.Queue.Receive(ctx, a.cfg.BatchSize, a.cfg.WaitTime)
		if err != nil {
			return err
		}
		for _, msg := range msgs {
			a.process(ctx, logger, msg)
		}
	}
}

// process handles one notification. The message is acknowledged when every
// referenced object was handled; on failure the lease is left to lapse so
// the queue redelivers.
func (a *Agent) process(ctx context.Context, logger *slog.Logger, msg relay.Message) {
	a.count(func(s *Stats) { s.Notifications++ })

	stop := a.heartbeat(ctx, msg.ReceiptHandle)
	defer stop()

	env, err := envelope.Parse(msg.Body)
	if err != nil {
		// A body that cannot be parsed never will be; retrying is a loop.
		a.count(func(s *Stats) { s.Malformed++ })
		logger.Warn("malformed notification dropped", "message", msg.ID, "error", err)
		a.cfg.Queue.Ack(msg.ReceiptHandle)
		return
	}

	for _, rec := range env.Records {
		if err := a.processObject(ctx, logger, rec); err != nil {
			a.count(func(s *Stats) { s.Failed++ })
			logger.Error("batch processing failed, leaving for redelivery",
				"message", msg.ID,
				"key", rec.S3.Object.Key,
				"receive_count", msg.ReceiveCount,
				"error", err)
			return
		}
	}
	a.cfg.Queue.Ack(msg.ReceiptHandle)
}

func (a *Agent) processObject(ctx context.Context, logger *slog.Logger, rec envelope.Record) error {
	key := rec.S3.Object.Key

	if a.seen.has(key) {
		a.count(func(s *Stats) { s.Duplicates++ })
		logger.Debug("duplicate notification skipped", "key", key)
		return nil
	}

	data, err := a.cfg.Store.Get(ctx, key)
	if errors.Is(err, store.ErrObjectNotFound) {
		// The object is gone (bucket lifecycle, manual cleanup). It will
		// not come back, so the notification is consumed.
		a.count(func(s *Stats) { s.Missing++ })
		logger.Warn("batch object missing, skipped", "key", key)
		return nil
	}
	if err != nil {
		return fmt.Errorf("fetch %s: %w", key, err)
	}

	codec, err := batch.CodecForKey(key)
	if err != nil {
		return fmt.Errorf("codec for %s: %w", key, err)
	}
	records, err := batch.Decode(data, codec)
	if err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}

	if err := a.cfg.Handler.HandleBatch(ctx, key, records); err != nil {
		return fmt.Errorf("handle %s: %w", key, err)
	}

	// Only a handled batch enters the dedup window; a failed attempt must
	// stay retryable on redelivery.
	a.seen.mark(key)
	a.count(func(s *Stats) {
		s.Batches++
		s.Records += uint64(len(records))
	})
	logger.Debug("batch processed", "key", key, "records", len(records))
	return nil
}

// heartbeat extends the message lease while processing runs. The returned
// stop function must be called when processing ends.
func (a *Agent) heartbeat(ctx context.Context, receipt string) func() {
	if a.cfg.Heartbeat <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(a.cfg.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := a.cfg.Queue.ChangeVisibility(receipt, a.cfg.Visibility); err != nil {
					// The lease already lapsed or the message was acked
					// from another path; nothing left to extend.
					return
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

func (a *Agent) count(fn func(*Stats)) {
	a.mu.Lock()
	fn(&a.stats)
	a.mu.Unlock()
}

// Stats returns a snapshot of agent counters.
func (a *Agent) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}
