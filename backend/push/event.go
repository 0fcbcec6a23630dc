package push

import (
	"sync"
	"time"
)

// event is a one-shot signal that can be waited on with a timeout
// (§9 DESIGN NOTES "explicit signals ... must be wait-able with a timeout,
// not polled"). It behaves like a manual-reset event: Set latches until the
// next Clear.
type event struct {
	mu sync.Mutex
	ch chan struct{}
}

func newEvent() *event {
	return &event{ch: make(chan struct{})}
}

func (e *event) Set() {
	e.mu.Lock()
	defer e.mu.Unlock()
	select {
	case <-e.ch:
	default:
		close(e.ch)
	}
}

func (e *event) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	select {
	case <-e.ch:
		e.ch = make(chan struct{})
	default:
	}
}

// Wait blocks until the event is set or timeout elapses, returning whether
// it was observed set.
func (e *event) Wait(timeout time.Duration) bool {
	e.mu.Lock()
	ch := e.ch
	e.mu.Unlock()

	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}
