// throttle.go - Escalating per-user delay after failed authentication
// attempts, to slow brute-force guessing without locking accounts.
package server

import (
	"sync"
	"time"
)

const (
	// throttleStep is the added delay per failed attempt.
	throttleStep = 100 * time.Millisecond
	// throttleMaxCount caps the counted failures, so the delay never
	// exceeds 2000 ms.
	throttleMaxCount = 20
	// throttleWindow resets the counter after an hour without failures.
	throttleWindow = time.Hour
)

type failureCounter struct {
	count        int
	firstFailure time.Time
}

// FailureThrottle tracks failed login attempts per user and computes the
// delay a caller must wait out before responding. State is process-local and
// lost on restart.
type FailureThrottle struct {
	mu       sync.Mutex
	failures map[string]*failureCounter
	done     chan struct{}
	closed   bool
}

// NewFailureThrottle creates a throttle and starts its cleanup goroutine.
func NewFailureThrottle() *FailureThrottle {
	t := &FailureThrottle{
		failures: make(map[string]*failureCounter),
		done:     make(chan struct{}),
	}
	go t.cleanup()
	return t
}

// RecordFailure registers a failed attempt for key and returns the delay the
// caller must fully await before responding. The mutex is only held for the
// map update, never while sleeping, so one user's throttling does not block
// requests for other users.
func (t *FailureThrottle) RecordFailure(key string, now time.Time) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.failures[key]
	if !ok {
		c = &failureCounter{}
		t.failures[key] = c
	}

	// Sliding-window forgiveness: a quiet hour resets the counter.
	if !c.firstFailure.IsZero() && now.Sub(c.firstFailure) > throttleWindow {
		c.count = 0
	}
	if c.count == 0 {
		c.firstFailure = now
	}
	if c.count < throttleMaxCount {
		c.count++
	}

	return time.Duration(c.count) * throttleStep
}

// Reset clears the counter for key after a successful authentication.
func (t *FailureThrottle) Reset(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.failures, key)
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (t *FailureThrottle) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		close(t.done)
		t.closed = true
	}
}

// cleanup drops counters whose window has long passed.
func (t *FailureThrottle) cleanup() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.mu.Lock()
			now := time.Now()
			for key, c := range t.failures {
				if now.Sub(c.firstFailure) > 2*throttleWindow {
					delete(t.failures, key)
				}
			}
			t.mu.Unlock()
		case <-t.done:
			return
		}
	}
}
