package notify

import (
	"sync"
	"testing"
)

func TestSignalBroadcastWakesAllWaiters(t *testing.T) {
	s := NewSignal()

	const waiters = 5
	var wg sync.WaitGroup
	ready := make(chan struct{}, waiters)

	for i := 0; i < waiters; i++ {
		ch := s.C()
		wg.Go(func() {
			ready <- struct{}{}
			<-ch
		})
	}

	// Make sure all waiters picked up their channel before broadcasting.
	for i := 0; i < waiters; i++ {
		<-ready
	}

	s.Broadcast()
	wg.Wait()
}

func TestSignalRearmsAfterBroadcast(t *testing.T) {
	s := NewSignal()

	s.Broadcast()

	// A channel obtained after a broadcast must not already be closed.
	select {
	case <-s.C():
		t.Fatal("fresh channel was already closed")
	default:
	}
}
