// Package forwarder implements the buffering delivery stream between the
// log aggregator and the durable store. It subscribes to a log group,
// accumulates records, seals a batch when the flush policy fires (byte
// threshold or time threshold, whichever first), compresses it, and writes
// it to the store under a deterministic key.
//
// Guarantees: every record received from the subscription lands in exactly
// one batch; batch write order follows flush order. Records are only lost
// if a batch exhausts its write retries, which is counted and logged, never
// silent.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"logflume/internal/aggregator"
	"logflume/internal/batch"
	"logflume/internal/event"
	"logflume/internal/logging"
	"logflume/internal/store"
)

// Defaults applied by New.
const (
	DefaultFlushBytes    = 4 << 20 // 4 MB
	DefaultFlushInterval = 300 * time.Second
	DefaultBufferSize    = 1024
	DefaultPutRetries    = 3
	DefaultRetryBackoff  = time.Second
)

// Config holds forwarder configuration.
type Config struct {
	// Group is the log group to subscribe to. Required.
	Group *aggregator.Group

	// Store receives sealed batches. Required.
	Store store.Store

	// Prefix namespaces batch object keys, e.g. "firehose".
	Prefix string

	// Codec compresses sealed batches. Defaults to gzip.
	Codec batch.Codec

	// FlushBytes is the size threshold. Defaults to DefaultFlushBytes.
	FlushBytes int

	// FlushInterval is the time threshold, measured from the first record
	// of the buffer. Defaults to DefaultFlushInterval.
	FlushInterval time.Duration

	// Policy overrides the flush policy built from FlushBytes and
	// FlushInterval. The interval timer still uses FlushInterval, so a
	// custom time-based policy should keep it in the same order of
	// magnitude.
	Policy FlushPolicy

	// BufferSize is the subscription channel depth. When the forwarder
	// falls behind by more than this, appends to the group block.
	// Defaults to DefaultBufferSize.
	BufferSize int

	// PutRetries is how many times a batch write is attempted before the
	// batch is counted as lost. Defaults to DefaultPutRetries.
	PutRetries int

	// RetryBackoff is the initial backoff between write attempts; it
	// doubles per attempt. Defaults to DefaultRetryBackoff.
	RetryBackoff time.Duration

	// Now is the clock used for sealing and policy evaluation. Defaults
	// to time.Now.
	Now func() time.Time

	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

// Stats is a snapshot of forwarder counters.
type Stats struct {
	Batches       uint64 `json:"batches"`
	Records       uint64 `json:"records"`
	Bytes         uint64 `json:"bytes"` // compressed bytes written
	FailedBatches uint64 `json:"failed_batches"`
	LostRecords   uint64 `json:"lost_records"`
}

// Forwarder drains one log group into the durable store.
type Forwarder struct {
	cfg    Config
	policy FlushPolicy
	logger *slog.Logger

	mu    sync.Mutex
	stats Stats
}

// New creates a Forwarder. Run must be called to start draining.
func New(cfg Config) (*Forwarder, error) {
	if cfg.Group == nil {
		return nil, errors.New("forwarder: group is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("forwarder: store is required")
	}
	if cfg.Codec == nil {
		cfg.Codec = batch.Gzip{}
	}
	if cfg.FlushBytes <= 0 {
		cfg.FlushBytes = DefaultFlushBytes
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.PutRetries <= 0 {
		cfg.PutRetries = DefaultPutRetries
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	policy := cfg.Policy
	if policy == nil {
		policy = NewCompositePolicy(
			NewSizePolicy(cfg.FlushBytes),
			NewIntervalPolicy(cfg.FlushInterval),
		)
	}

	return &Forwarder{
		cfg:    cfg,
		policy: policy,
		logger: logging.Default(cfg.Logger).With("component", "forwarder", "group", cfg.Group.Name()),
	}, nil
}

// Run subscribes to the group and blocks until ctx is cancelled, flushing
// whatever is still buffered before returning. Returns nil on normal
// cancellation.
func (f *Forwarder) Run(ctx context.Context) error {
	sub, cancel := f.cfg.Group.Subscribe(f.cfg.BufferSize)
	defer cancel()

	f.logger.Info("forwarder starting",
		"prefix", f.cfg.Prefix,
		"codec", f.cfg.Codec.Name(),
		"flush_bytes", f.cfg.FlushBytes,
		"flush_interval", f.cfg.FlushInterval)

	var (
		buf      []event.Record
		bufBytes int
		openedAt time.Time
	)

	// The timer is armed when the buffer opens and stopped on flush, so a
	// quiet group costs nothing.
	timer := time.NewTimer(f.cfg.FlushInterval)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	flush := func(flushCtx context.Context) {
		if len(buf) == 0 {
			return
		}
		f.flush(flushCtx, buf)
		buf = nil
		bufBytes = 0
		openedAt = time.Time{}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			// Drain what the subscription already buffered, then do the
			// final flush with a context the shutdown cannot abort.
		drain:
			for {
				select {
				case rec := <-sub:
					sz, err := batch.EncodedSize(rec)
					if err != nil {
						continue
					}
					if len(buf) == 0 {
						openedAt = f.cfg.Now()
					}
					buf = append(buf, rec)
					bufBytes += sz
				default:
					break drain
				}
			}
			flush(context.WithoutCancel(ctx))
			f.logger.Info("forwarder stopped")
			return nil

		case rec := <-sub:
			sz, err := batch.EncodedSize(rec)
			if err != nil {
				// Records are plain structs; this cannot happen in
				// practice, but losing one silently would be worse.
				f.logger.Error("record not encodable, dropped", "error", err)
				continue
			}
			if len(buf) == 0 {
				openedAt = f.cfg.Now()
				timer.Reset(f.cfg.FlushInterval)
			}
			buf = append(buf, rec)
			bufBytes += sz

			if f.policy.ShouldFlush(BufferState{
				Bytes:    bufBytes,
				Records:  len(buf),
				OpenedAt: openedAt,
				Now:      f.cfg.Now(),
			}) {
				flush(ctx)
			}

		case <-timer.C:
			if f.policy.ShouldFlush(BufferState{
				Bytes:    bufBytes,
				Records:  len(buf),
				OpenedAt: openedAt,
				Now:      f.cfg.Now(),
			}) {
				flush(ctx)
			} else if len(buf) > 0 {
				// A custom policy declined the tick; re-arm so the
				// buffer cannot linger forever.
				timer.Reset(f.cfg.FlushInterval)
			}
		}
	}
}

// flush seals the buffered records into one batch and writes it, retrying
// transient store failures with doubling backoff. On exhaustion the batch
// is counted as lost and logged; there is no local spill.
func (f *Forwarder) flush(ctx context.Context, records []event.Record) {
	id := event.NewBatchID()
	sealedAt := f.cfg.Now()

	data, err := batch.Encode(records, f.cfg.Codec)
	if err != nil {
		f.recordFailure(len(records))
		f.logger.Error("batch encode failed", "batch", id, "error", err)
		return
	}
	key := batch.Key(f.cfg.Prefix, f.cfg.Group.Name(), sealedAt, id, f.cfg.Codec)

	backoff := f.cfg.RetryBackoff
	var putErr error
	for attempt := 1; attempt <= f.cfg.PutRetries; attempt++ {
		putErr = f.cfg.Store.Put(ctx, key, data)
		if putErr == nil {
			f.mu.Lock()
			f.stats.Batches++
			f.stats.Records += uint64(len(records))
			f.stats.Bytes += uint64(len(data))
			f.mu.Unlock()
			f.logger.Debug("batch flushed",
				"key", key, "records", len(records), "bytes", len(data), "attempt", attempt)
			return
		}
		if attempt < f.cfg.PutRetries {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				attempt = f.cfg.PutRetries // no point retrying a dead context
			}
			backoff *= 2
		}
	}

	f.recordFailure(len(records))
	f.logger.Error("batch write failed, records lost",
		"key", key, "records", len(records),
		"error", fmt.Errorf("after %d attempts: %w", f.cfg.PutRetries, putErr))
}

func (f *Forwarder) recordFailure(records int) {
	f.mu.Lock()
	f.stats.FailedBatches++
	f.stats.LostRecords += uint64(records)
	f.mu.Unlock()
}

// Stats returns a snapshot of forwarder counters.
func (f *Forwarder) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}
