package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced clock. Only visibility and retention
// decisions read it; long-poll sleeping stays on the wall clock, so tests
// advance leases instantly and poll with wait=0.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestQueue(t *testing.T, cfg Config) (*Queue, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	if cfg.Now == nil {
		cfg.Now = clock.Now
	}
	q, err := New(cfg)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return q, clock
}

func receiveOne(t *testing.T, q *Queue) Message {
	t.Helper()
	msgs, err := q.Receive(context.Background(), 1, 0)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	return msgs[0]
}

func TestSendReceiveAck(t *testing.T) {
	q, _ := newTestQueue(t, Config{})

	id, err := q.Send("hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	msg := receiveOne(t, q)
	if msg.ID != id {
		t.Fatalf("expected message %s, got %s", id, msg.ID)
	}
	if msg.Body != "hello" {
		t.Fatalf("body: got %q", msg.Body)
	}
	if msg.ReceiveCount != 1 {
		t.Fatalf("receive count: got %d", msg.ReceiveCount)
	}

	q.Ack(msg.ReceiptHandle)

	stats := q.Stats()
	if stats.Depth != 0 || stats.Acked != 1 {
		t.Fatalf("expected empty queue after ack, got %+v", stats)
	}
}

func TestInFlightInvisibleToOtherWorkers(t *testing.T) {
	q, _ := newTestQueue(t, Config{})

	if _, err := q.Send("one"); err != nil {
		t.Fatalf("send: %v", err)
	}
	_ = receiveOne(t, q)

	// A second receive within the visibility window sees nothing.
	msgs, err := q.Receive(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected no messages while in flight, got %d", len(msgs))
	}
}

func TestAckedMessageNeverRedelivered(t *testing.T) {
	q, clock := newTestQueue(t, Config{})

	if _, err := q.Send("one"); err != nil {
		t.Fatalf("send: %v", err)
	}
	msg := receiveOne(t, q)
	q.Ack(msg.ReceiptHandle)

	// Even far past the visibility window, nothing comes back.
	clock.Advance(DefaultVisibilityTimeout * 10)
	msgs, err := q.Receive(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("acked message was redelivered: %+v", msgs)
	}
}

func TestLeaseExpiryRedelivers(t *testing.T) {
	q, clock := newTestQueue(t, Config{})

	id, err := q.Send("one")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	first := receiveOne(t, q)

	// Worker crashes: no ack. After the window the message is Available.
	clock.Advance(DefaultVisibilityTimeout)
	second := receiveOne(t, q)

	if second.ID != id {
		t.Fatalf("expected same message, got %s", second.ID)
	}
	if second.ReceiveCount != 2 {
		t.Fatalf("receive count: got %d", second.ReceiveCount)
	}
	if second.ReceiptHandle == first.ReceiptHandle {
		t.Fatal("redelivery must carry a fresh receipt handle")
	}
	if got := q.Stats().Redelivered; got != 1 {
		t.Fatalf("redelivered counter: got %d", got)
	}
}

func TestStaleAckIsSilentNoOp(t *testing.T) {
	q, clock := newTestQueue(t, Config{})

	if _, err := q.Send("one"); err != nil {
		t.Fatalf("send: %v", err)
	}
	first := receiveOne(t, q)

	// Lease lapses and another worker reclaims the message.
	clock.Advance(DefaultVisibilityTimeout)
	second := receiveOne(t, q)

	// The first worker's late ack must not delete the reclaimed message.
	q.Ack(first.ReceiptHandle)

	stats := q.Stats()
	if stats.Depth != 1 {
		t.Fatalf("reclaimed message was deleted by a stale ack: %+v", stats)
	}
	if stats.Acked != 0 {
		t.Fatalf("stale ack was counted: %+v", stats)
	}

	// The current holder's ack works.
	q.Ack(second.ReceiptHandle)
	if got := q.Stats().Depth; got != 0 {
		t.Fatalf("depth after valid ack: %d", got)
	}
}

func TestChangeVisibilityExtendsLease(t *testing.T) {
	q, clock := newTestQueue(t, Config{})

	if _, err := q.Send("one"); err != nil {
		t.Fatalf("send: %v", err)
	}
	msg := receiveOne(t, q)

	// Extend mid-processing, then cross the original deadline.
	if err := q.ChangeVisibility(msg.ReceiptHandle, DefaultVisibilityTimeout*2); err != nil {
		t.Fatalf("change visibility: %v", err)
	}
	clock.Advance(DefaultVisibilityTimeout + time.Second)

	msgs, err := q.Receive(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatal("extended lease still expired at the original deadline")
	}

	// Past the extended deadline it is redeliverable again.
	clock.Advance(DefaultVisibilityTimeout)
	_ = receiveOne(t, q)
}

func TestChangeVisibilityZeroReleasesLease(t *testing.T) {
	q, _ := newTestQueue(t, Config{})

	if _, err := q.Send("one"); err != nil {
		t.Fatalf("send: %v", err)
	}
	msg := receiveOne(t, q)

	if err := q.ChangeVisibility(msg.ReceiptHandle, 0); err != nil {
		t.Fatalf("change visibility: %v", err)
	}

	// Immediately redeliverable without advancing the clock.
	again := receiveOne(t, q)
	if again.ID != msg.ID {
		t.Fatalf("expected same message back, got %s", again.ID)
	}
}

func TestChangeVisibilityStaleReceipt(t *testing.T) {
	q, clock := newTestQueue(t, Config{})

	if _, err := q.Send("one"); err != nil {
		t.Fatalf("send: %v", err)
	}
	msg := receiveOne(t, q)

	clock.Advance(DefaultVisibilityTimeout)
	_ = receiveOne(t, q) // reclaim invalidates the first receipt

	if err := q.ChangeVisibility(msg.ReceiptHandle, time.Minute); !errors.Is(err, ErrUnknownReceipt) {
		t.Fatalf("expected ErrUnknownReceipt, got %v", err)
	}
}

func TestOversizedSendRejected(t *testing.T) {
	q, _ := newTestQueue(t, Config{})

	body := strings.Repeat("x", MaxMessageSize+1)
	if _, err := q.Send(body); !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("expected ErrMessageTooLarge, got %v", err)
	}
	if got := q.Stats().Oversized; got != 1 {
		t.Fatalf("oversized counter: got %d", got)
	}

	// Exactly at the limit is accepted.
	if _, err := q.Send(strings.Repeat("x", MaxMessageSize)); err != nil {
		t.Fatalf("send at limit: %v", err)
	}
}

func TestLongPollWakesOnSend(t *testing.T) {
	q, _ := newTestQueue(t, Config{Now: time.Now})

	done := make(chan []Message, 1)
	go func() {
		msgs, _ := q.Receive(context.Background(), 1, 5*time.Second)
		done <- msgs
	}()

	// Give the receiver a moment to block, then send.
	time.Sleep(20 * time.Millisecond)
	if _, err := q.Send("wake up"); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case msgs := <-done:
		if len(msgs) != 1 || msgs[0].Body != "wake up" {
			t.Fatalf("long poll returned %+v", msgs)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("long poll did not wake on send")
	}
}

func TestLongPollTimesOutEmpty(t *testing.T) {
	q, _ := newTestQueue(t, Config{Now: time.Now})

	start := time.Now()
	msgs, err := q.Receive(context.Background(), 1, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected empty result, got %d", len(msgs))
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Fatal("receive returned before the poll deadline")
	}
}

func TestLongPollContextCancel(t *testing.T) {
	q, _ := newTestQueue(t, Config{Now: time.Now})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := q.Receive(ctx, 1, MaxWaitTime)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("receive did not honor context cancellation")
	}
}

func TestLongPollWakesOnLeaseRelease(t *testing.T) {
	q, _ := newTestQueue(t, Config{Now: time.Now})

	if _, err := q.Send("one"); err != nil {
		t.Fatalf("send: %v", err)
	}
	msg := receiveOne(t, q)

	done := make(chan []Message, 1)
	go func() {
		msgs, _ := q.Receive(context.Background(), 1, 5*time.Second)
		done <- msgs
	}()

	time.Sleep(20 * time.Millisecond)
	if err := q.ChangeVisibility(msg.ReceiptHandle, 0); err != nil {
		t.Fatalf("change visibility: %v", err)
	}

	select {
	case msgs := <-done:
		if len(msgs) != 1 {
			t.Fatalf("expected the released message, got %d", len(msgs))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("long poll did not wake on lease release")
	}
}

func TestReceiveBatchSizeClamped(t *testing.T) {
	q, _ := newTestQueue(t, Config{})

	for i := 0; i < MaxReceiveBatch+5; i++ {
		if _, err := q.Send("m"); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	msgs, err := q.Receive(context.Background(), 100, 0)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(msgs) != MaxReceiveBatch {
		t.Fatalf("expected %d messages, got %d", MaxReceiveBatch, len(msgs))
	}
}

func TestRetentionSweep(t *testing.T) {
	q, clock := newTestQueue(t, Config{})

	if _, err := q.Send("old"); err != nil {
		t.Fatalf("send: %v", err)
	}
	clock.Advance(DefaultRetention / 2)
	if _, err := q.Send("young"); err != nil {
		t.Fatalf("send: %v", err)
	}
	clock.Advance(DefaultRetention / 2)

	if dropped := q.Sweep(); dropped != 1 {
		t.Fatalf("expected 1 dropped, got %d", dropped)
	}

	msg := receiveOne(t, q)
	if msg.Body != "young" {
		t.Fatalf("wrong survivor: %q", msg.Body)
	}
	if got := q.Stats().Dropped; got != 1 {
		t.Fatalf("dropped counter: got %d", got)
	}
}

func TestRetentionAppliedLazilyOnReceive(t *testing.T) {
	q, clock := newTestQueue(t, Config{})

	if _, err := q.Send("old"); err != nil {
		t.Fatalf("send: %v", err)
	}
	clock.Advance(DefaultRetention)

	msgs, err := q.Receive(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatal("retention-expired message was delivered")
	}
	if got := q.Stats().Depth; got != 0 {
		t.Fatalf("expired message still queued: depth %d", got)
	}
}

func TestDeadLetterRedrive(t *testing.T) {
	dlq, _ := newTestQueue(t, Config{Name: "relay-dlq"})
	clock := newFakeClock()
	q, err := New(Config{
		Name:            "relay",
		MaxReceiveCount: 2,
		DeadLetter:      dlq,
		Now:             clock.Now,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}

	if _, err := q.Send("poison"); err != nil {
		t.Fatalf("send: %v", err)
	}

	// Two failed processing attempts.
	for i := 0; i < 2; i++ {
		msg := receiveOne(t, q)
		if msg.Body != "poison" {
			t.Fatalf("attempt %d: got %q", i, msg.Body)
		}
		clock.Advance(DefaultVisibilityTimeout)
	}

	// Third receive redrives instead of delivering.
	msgs, err := q.Receive(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("poison message delivered a third time: %+v", msgs)
	}
	if got := q.Stats().Redriven; got != 1 {
		t.Fatalf("redriven counter: got %d", got)
	}

	// The DLQ holds the message now.
	dead, err := dlq.Receive(context.Background(), 1, 0)
	if err != nil {
		t.Fatalf("dlq receive: %v", err)
	}
	if len(dead) != 1 || dead[0].Body != "poison" {
		t.Fatalf("dead letter queue contents: %+v", dead)
	}
}

func TestRedriveRequiresDeadLetter(t *testing.T) {
	if _, err := New(Config{MaxReceiveCount: 3}); err == nil {
		t.Fatal("expected error for MaxReceiveCount without DeadLetter")
	}
}

func TestStatsInFlight(t *testing.T) {
	q, _ := newTestQueue(t, Config{})

	for i := 0; i < 3; i++ {
		if _, err := q.Send("m"); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	if _, err := q.Receive(context.Background(), 2, 0); err != nil {
		t.Fatalf("receive: %v", err)
	}

	stats := q.Stats()
	if stats.Depth != 3 {
		t.Errorf("depth: got %d", stats.Depth)
	}
	if stats.InFlight != 2 {
		t.Errorf("in flight: got %d", stats.InFlight)
	}
	if stats.Sent != 3 || stats.Received != 2 {
		t.Errorf("counters: %+v", stats)
	}
}

func TestConcurrentWorkersSingleLeaseHolder(t *testing.T) {
	q, _ := newTestQueue(t, Config{Now: time.Now})

	const messages = 50
	for i := 0; i < messages; i++ {
		if _, err := q.Send("m"); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	// Many workers drain the queue concurrently; every message must be
	// delivered exactly once while its lease is held.
	var mu sync.Mutex
	seen := make(map[MessageID]int)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Go(func() {
			for {
				msgs, err := q.Receive(context.Background(), MaxReceiveBatch, 0)
				if err != nil || len(msgs) == 0 {
					return
				}
				for _, m := range msgs {
					mu.Lock()
					seen[m.ID]++
					mu.Unlock()
					q.Ack(m.ReceiptHandle)
				}
			}
		})
	}
	wg.Wait()

	if len(seen) != messages {
		t.Fatalf("expected %d distinct messages, got %d", messages, len(seen))
	}
	for id, count := range seen {
		if count != 1 {
			t.Errorf("message %s delivered %d times within its lease", id, count)
		}
	}
}
