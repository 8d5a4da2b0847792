// Package relay implements the pipeline's delivery and leasing contract: an
// at-least-once message queue with visibility-timeout leasing, modeled as an
// explicit per-message state machine.
//
// States:
//   - Available: visible to any polling worker.
//   - In-Flight: claimed by one worker; invisible until its deadline.
//   - Acknowledged (terminal): deleted by the worker; removed permanently.
//
// Transitions are time-bounded: an In-Flight message whose deadline passes
// without an Ack becomes Available again, and its next delivery carries a
// fresh receipt handle. This is the only source of duplicate delivery, so
// consumers must be idempotent per object key.
//
// There is no global lock beyond the queue mutex and no ordering guarantee:
// delivery is best-effort oldest-first, not strict FIFO.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"logflume/internal/logging"
	"logflume/internal/notify"
)

// Queue limits and defaults. These mirror the topology the pipeline is
// modeled on; all but the hard limits are overridable via Config.
const (
	// DefaultVisibilityTimeout is how long a received message stays
	// invisible before it is redeliverable.
	DefaultVisibilityTimeout = 300 * time.Second

	// MaxWaitTime caps the long-poll interval of a single Receive call.
	MaxWaitTime = 20 * time.Second

	// DefaultRetention is how long an unacknowledged message survives
	// before it is silently dropped.
	DefaultRetention = 86400 * time.Second

	// MaxMessageSize is the hard per-message payload limit in bytes.
	// Oversized sends are rejected, never truncated or dropped silently.
	MaxMessageSize = 262144

	// MaxReceiveBatch caps how many messages one Receive call returns.
	MaxReceiveBatch = 10
)

var (
	// ErrMessageTooLarge is returned by Send for payloads over MaxMessageSize.
	ErrMessageTooLarge = errors.New("message exceeds maximum size")

	// ErrUnknownReceipt is returned by ChangeVisibility when the receipt
	// handle is stale or unknown, meaning the lease is no longer held.
	ErrUnknownReceipt = errors.New("unknown or expired receipt handle")
)

// MessageID identifies a queued message across redeliveries.
type MessageID uuid.UUID

func NewMessageID() MessageID {
	return MessageID(uuid.Must(uuid.NewV7()))
}

func (id MessageID) String() string {
	return uuid.UUID(id).String()
}

// Message is one delivery of a queued message. The receipt handle is unique
// per delivery: after a lease expires and the message is reclaimed, the old
// handle silently stops working.
type Message struct {
	ID            MessageID
	Body          string
	ReceiptHandle string
	Sent          time.Time
	ReceiveCount  int
}

// Config holds queue configuration.
type Config struct {
	// Name identifies the queue in logs and stats. Defaults to "relay".
	Name string

	// VisibilityTimeout is the lease duration applied on Receive.
	// Defaults to DefaultVisibilityTimeout.
	VisibilityTimeout time.Duration

	// Retention is how long unacknowledged messages are kept.
	// Defaults to DefaultRetention.
	Retention time.Duration

	// MaxReceiveCount enables dead-letter redrive: a message that has
	// already been received this many times is moved to DeadLetter instead
	// of being delivered again. Zero disables redrive; poison messages
	// then retry until retention expires.
	MaxReceiveCount int

	// DeadLetter receives redriven messages. Required when MaxReceiveCount
	// is set.
	DeadLetter *Queue

	// Now is the queue clock. Defaults to time.Now; tests inject a fake.
	// Long-poll sleeping always uses the wall clock; Now only decides
	// visibility, so a fake clock can expire leases instantly.
	Now func() time.Time

	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

// message is the internal queue entry.
//
// State is derived rather than stored: a message is In-Flight iff its
// receipt is set and its deadline is in the future; otherwise Available.
// Acknowledged messages are removed from the map entirely.
type message struct {
	id           MessageID
	body         string
	sent         time.Time
	visibleAt    time.Time
	receipt      string
	receiveCount int
}

// Stats is a point-in-time snapshot of queue counters.
type Stats struct {
	Name        string `json:"name"`
	Depth       int    `json:"depth"`     // messages currently queued (any state)
	InFlight    int    `json:"in_flight"` // messages currently leased
	Sent        uint64 `json:"sent"`
	Received    uint64 `json:"received"`
	Acked       uint64 `json:"acked"`
	Redelivered uint64 `json:"redelivered"` // deliveries after a lease lapsed
	Redriven    uint64 `json:"redriven"`    // moved to the dead-letter queue
	Dropped     uint64 `json:"dropped"`     // discarded by retention
	Oversized   uint64 `json:"oversized"`   // sends rejected for size
}

// Queue is an in-process leasing queue.
type Queue struct {
	cfg    Config
	logger *slog.Logger
	signal *notify.Signal

	mu       sync.Mutex
	messages map[MessageID]*message
	order    []MessageID
	receipts map[string]MessageID
	stats    Stats
}

// New creates an empty queue.
func New(cfg Config) (*Queue, error) {
	if cfg.Name == "" {
		cfg.Name = "relay"
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxReceiveCount > 0 && cfg.DeadLetter == nil {
		return nil, fmt.Errorf("queue %s: MaxReceiveCount set without DeadLetter", cfg.Name)
	}

	return &Queue{
		cfg:      cfg,
		logger:   logging.Default(cfg.Logger).With("component", "relay", "queue", cfg.Name),
		signal:   notify.NewSignal(),
		messages: make(map[MessageID]*message),
		receipts: make(map[string]MessageID),
	}, nil
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.cfg.Name }

// Send enqueues a message, immediately Available. Payloads larger than
// MaxMessageSize are rejected with ErrMessageTooLarge.
func (q *Queue) Send(body string) (MessageID, error) {
	if len(body) > MaxMessageSize {
		q.mu.Lock()
		q.stats.Oversized++
		q.mu.Unlock()
		return MessageID{}, fmt.Errorf("%w: %d bytes (max %d)", ErrMessageTooLarge, len(body), MaxMessageSize)
	}

	id := NewMessageID()
	q.mu.Lock()
	now := q.cfg.Now()
	q.messages[id] = &message{id: id, body: body, sent: now, visibleAt: now}
	q.order = append(q.order, id)
	q.stats.Sent++
	q.mu.Unlock()

	q.signal.Broadcast()
	return id, nil
}

// Receive returns up to max Available messages, leasing each for the
// configured visibility timeout. If none are Available it blocks up to wait
// (capped at MaxWaitTime) for one to arrive or for a lease to lapse, then
// returns whatever is there, possibly nothing. Delivery order is best-effort
// oldest-first.
func (q *Queue) Receive(ctx context.Context, max int, wait time.Duration) ([]Message, error) {
	if max <= 0 {
		max = 1
	}
	if max > MaxReceiveBatch {
		max = MaxReceiveBatch
	}
	if wait < 0 {
		wait = 0
	}
	if wait > MaxWaitTime {
		wait = MaxWaitTime
	}
	deadline := time.Now().Add(wait)

	for {
		// Arm the wakeup before checking state, so a Send between the
		// check and the wait cannot be missed.
		wake := q.signal.C()

		msgs, nextLapse := q.collect(max)
		if len(msgs) > 0 {
			return msgs, nil
		}
		remain := time.Until(deadline)
		if remain <= 0 {
			return nil, nil
		}

		// Wake early if a lease lapses before the poll deadline: lapsing
		// makes a message Available without any Broadcast.
		if nextLapse > 0 && nextLapse < remain {
			remain = nextLapse
		}
		timer := time.NewTimer(remain)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// collect grabs up to max Available messages under the lock. It also
// applies retention and redrive at delivery time, and reports how long
// until the next held lease lapses (0 if none are held).
func (q *Queue) collect(max int) ([]Message, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.cfg.Now()
	var out []Message
	live := q.order[:0]

	for _, id := range q.order {
		msg, ok := q.messages[id]
		if !ok {
			continue // acked or dropped; compact away
		}

		// Retention applies regardless of state.
		if now.Sub(msg.sent) >= q.cfg.Retention {
			q.dropLocked(msg)
			q.stats.Dropped++
			continue
		}

		available := !msg.visibleAt.After(now)

		// Redrive instead of delivering when the message has exhausted its
		// receives. Holding the lock across the dead-letter Send is safe:
		// the dead-letter queue is a distinct Queue with no reference back.
		if available && q.cfg.MaxReceiveCount > 0 && msg.receiveCount >= q.cfg.MaxReceiveCount {
			q.dropLocked(msg)
			q.stats.Redriven++
			if _, err := q.cfg.DeadLetter.Send(msg.body); err != nil {
				q.logger.Error("dead-letter send failed", "message", msg.id, "error", err)
			} else {
				q.logger.Warn("message redriven to dead-letter queue",
					"message", msg.id, "receives", msg.receiveCount)
			}
			continue
		}

		live = append(live, id)
		if len(out) >= max || !available {
			continue
		}

		if msg.receipt != "" {
			// A set receipt on an Available message means a lease lapsed.
			delete(q.receipts, msg.receipt)
			q.stats.Redelivered++
		}
		msg.receipt = uuid.NewString()
		msg.visibleAt = now.Add(q.cfg.VisibilityTimeout)
		msg.receiveCount++
		q.receipts[msg.receipt] = msg.id
		q.stats.Received++

		out = append(out, Message{
			ID:            msg.id,
			Body:          msg.body,
			ReceiptHandle: msg.receipt,
			Sent:          msg.sent,
			ReceiveCount:  msg.receiveCount,
		})
	}
	q.order = live

	// Earliest lapse among messages still In-Flight.
	var nextLapse time.Duration
	for _, id := range q.order {
		msg := q.messages[id]
		if msg.receipt == "" || !msg.visibleAt.After(now) {
			continue
		}
		d := msg.visibleAt.Sub(now)
		if nextLapse == 0 || d < nextLapse {
			nextLapse = d
		}
	}
	return out, nextLapse
}

// Ack removes a message by its receipt handle. A stale handle — the lease
// expired and another worker reclaimed the message — is a silent no-op:
// this is the defined source of at-least-once duplicate delivery.
func (q *Queue) Ack(receipt string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	id, ok := q.receipts[receipt]
	if !ok {
		return
	}
	msg := q.messages[id]
	if msg == nil || msg.receipt != receipt {
		return
	}
	q.dropLocked(msg)
	q.stats.Acked++
}

// ChangeVisibility adjusts the remaining lease on a held message. Extending
// supports long-running work; zero releases the lease so the message is
// immediately redeliverable. Stale handles return ErrUnknownReceipt.
func (q *Queue) ChangeVisibility(receipt string, d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("negative visibility: %v", d)
	}

	q.mu.Lock()
	id, ok := q.receipts[receipt]
	if !ok {
		q.mu.Unlock()
		return ErrUnknownReceipt
	}
	msg := q.messages[id]
	if msg == nil || msg.receipt != receipt {
		q.mu.Unlock()
		return ErrUnknownReceipt
	}
	msg.visibleAt = q.cfg.Now().Add(d)
	q.mu.Unlock()

	if d == 0 {
		// The message just became Available; wake long-pollers.
		q.signal.Broadcast()
	}
	return nil
}

// Sweep discards messages past the retention window, in any state, and
// returns how many were dropped. The pipeline runs this on a schedule;
// Receive also applies retention lazily, so Sweep mainly bounds the memory
// of queues nobody polls.
func (q *Queue) Sweep() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.cfg.Now()
	dropped := 0
	live := q.order[:0]
	for _, id := range q.order {
		msg, ok := q.messages[id]
		if !ok {
			continue
		}
		if now.Sub(msg.sent) >= q.cfg.Retention {
			q.dropLocked(msg)
			q.stats.Dropped++
			dropped++
			continue
		}
		live = append(live, id)
	}
	q.order = live

	if dropped > 0 {
		q.logger.Warn("retention dropped unconsumed messages", "count", dropped)
	}
	return dropped
}

// Stats returns a snapshot of queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := q.stats
	s.Name = q.cfg.Name
	s.Depth = len(q.messages)
	now := q.cfg.Now()
	for _, msg := range q.messages {
		if msg.receipt != "" && msg.visibleAt.After(now) {
			s.InFlight++
		}
	}
	return s
}

// dropLocked removes a message and its receipt index entry.
func (q *Queue) dropLocked(msg *message) {
	if msg.receipt != "" {
		delete(q.receipts, msg.receipt)
	}
	delete(q.messages, msg.id)
}
