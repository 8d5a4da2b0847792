package forwarder

import "time"

// BufferState is an immutable snapshot of the forwarder's buffer at
// decision time. It contains everything needed to make a flush decision
// without IO or mutation, so policies stay pure and trivially testable.
type BufferState struct {
	// Bytes is the encoded (uncompressed JSONL) size of the buffer.
	Bytes int

	// Records is the number of buffered records.
	Records int

	// OpenedAt is when the first record of the current buffer arrived.
	// Zero if the buffer is empty.
	OpenedAt time.Time

	// Now is the current wall-clock time.
	Now time.Time
}

// FlushPolicy decides when the buffered records are sealed into a batch.
// Policies are pure functions: no IO, no locks, no global state. The
// forwarder evaluates the policy after each append and on its flush timer.
type FlushPolicy interface {
	ShouldFlush(state BufferState) bool
}

// FlushPolicyFunc is an adapter to allow ordinary functions to be used as FlushPolicy.
type FlushPolicyFunc func(state BufferState) bool

func (f FlushPolicyFunc) ShouldFlush(state BufferState) bool { return f(state) }

// CompositePolicy combines multiple policies with OR semantics: the buffer
// is flushed as soon as any sub-policy fires. This is how the size and time
// thresholds compose ("whichever comes first").
type CompositePolicy struct {
	policies []FlushPolicy
}

// NewCompositePolicy creates a policy that flushes if any sub-policy fires.
func NewCompositePolicy(policies ...FlushPolicy) *CompositePolicy {
	return &CompositePolicy{policies: policies}
}

func (c *CompositePolicy) ShouldFlush(state BufferState) bool {
	for _, p := range c.policies {
		if p.ShouldFlush(state) {
			return true
		}
	}
	return false
}

// SizePolicy flushes when the buffer reaches maxBytes. A buffer exactly at
// the threshold flushes immediately; below it, only the time threshold can
// fire.
type SizePolicy struct {
	maxBytes int
}

// NewSizePolicy creates a policy that flushes at maxBytes buffered.
func NewSizePolicy(maxBytes int) *SizePolicy {
	return &SizePolicy{maxBytes: maxBytes}
}

func (p *SizePolicy) ShouldFlush(state BufferState) bool {
	if p.maxBytes <= 0 {
		return false
	}
	return state.Bytes >= p.maxBytes
}

// IntervalPolicy flushes when the buffer has been open for at least the
// configured interval, regardless of size.
type IntervalPolicy struct {
	interval time.Duration
}

// NewIntervalPolicy creates a policy that flushes interval after the first
// buffered record arrived.
func NewIntervalPolicy(interval time.Duration) *IntervalPolicy {
	return &IntervalPolicy{interval: interval}
}

func (p *IntervalPolicy) ShouldFlush(state BufferState) bool {
	if p.interval <= 0 || state.OpenedAt.IsZero() {
		return false
	}
	return state.Now.Sub(state.OpenedAt) >= p.interval
}

// RecordCountPolicy flushes when the buffer holds maxRecords records.
type RecordCountPolicy struct {
	maxRecords int
}

// NewRecordCountPolicy creates a policy that flushes at maxRecords buffered.
func NewRecordCountPolicy(maxRecords int) *RecordCountPolicy {
	return &RecordCountPolicy{maxRecords: maxRecords}
}

func (p *RecordCountPolicy) ShouldFlush(state BufferState) bool {
	if p.maxRecords <= 0 {
		return false
	}
	return state.Records >= p.maxRecords
}
