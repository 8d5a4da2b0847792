// Package notify provides broadcast notification primitives.
package notify

import "sync"

// Signal is a broadcast wakeup mechanism. Waiters select on C(), and any
// call to Broadcast() wakes all of them by closing the current channel and
// installing a fresh one. There is no payload and no delivery guarantee
// beyond "something happened since you last looked": waiters must re-check
// their condition after waking and re-call C() to arm the next wakeup.
//
// The relay uses this to wake long-polling receivers when a message is sent
// or a lease is released early.
type Signal struct {
	mu sync.Mutex
	ch chan struct{}
}

// NewSignal creates a ready-to-use Signal.
func NewSignal() *Signal { return &Signal{ch: make(chan struct{})} }

// Broadcast wakes all current waiters.
func (s *Signal) Broadcast() {
	s.mu.Lock()
	close(s.ch)
	s.ch = make(chan struct{})
	s.mu.Unlock()
}

// C returns a channel that is closed on the next Broadcast() call.
// Callers should re-call C() after each wakeup to get the next channel.
func (s *Signal) C() <-chan struct{} {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	return ch
}
