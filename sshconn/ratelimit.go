package sshconn

import (
	"context"
	"sync"
	"time"

	"github.com/kardianos/sshvault/vdef"
)

// connectionAttempt is the attempt window for one backend.
type connectionAttempt struct {
	count       int
	lastAttempt time.Time
}

// attemptLimiter bounds connection attempts per backend within a window.
// The check and the update happen under one lock, so concurrent callers for
// the same backend cannot both slip under the limit.
type attemptLimiter struct {
	max    int
	window time.Duration

	mu       sync.Mutex
	attempts map[string]connectionAttempt

	stop context.CancelFunc
	done chan struct{}
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	ctx, cancel := context.WithCancel(context.Background())
	l := &attemptLimiter{
		max:      max,
		window:   window,
		attempts: make(map[string]connectionAttempt),
		stop:     cancel,
		done:     make(chan struct{}),
	}
	go l.cleanupLoop(ctx)
	return l
}

func (l *attemptLimiter) cleanupLoop(ctx context.Context) {
	defer close(l.done)
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.cleanup()
		}
	}
}

// check records an attempt for backendID or returns a *vdef.RateLimitError.
// A rejected attempt does not extend the window.
func (l *attemptLimiter) check(backendID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := timeNow()
	a, ok := l.attempts[backendID]
	switch {
	case !ok, now.Sub(a.lastAttempt) > l.window:
		l.attempts[backendID] = connectionAttempt{count: 1, lastAttempt: now}
		return nil
	case a.count >= l.max:
		return &vdef.RateLimitError{
			BackendID: backendID,
			Attempts:  a.count,
			Wait:      l.window - now.Sub(a.lastAttempt),
		}
	}
	l.attempts[backendID] = connectionAttempt{count: a.count + 1, lastAttempt: now}
	return nil
}

// cleanup drops windows that have expired.
func (l *attemptLimiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := timeNow()
	for id, a := range l.attempts {
		if now.Sub(a.lastAttempt) > l.window {
			delete(l.attempts, id)
		}
	}
}

func (l *attemptLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.attempts)
}

// close stops the cleanup goroutine and waits for it to exit.
func (l *attemptLimiter) close() {
	l.stop()
	<-l.done
}
