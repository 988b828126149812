// Package clock abstracts wall-clock time so that cooldown waits and cache
// TTLs can be driven manually in tests.
package clock

import (
	"context"
	"sync"
	"time"
)

// Clock provides the current time and cancellable sleeps.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is cancelled.
	Sleep(ctx context.Context, d time.Duration) error
	// SleepUntil blocks until t or until ctx is cancelled. Returns
	// immediately if t is not in the future.
	SleepUntil(ctx context.Context, t time.Time) error
}

// Real is the wall-clock implementation.
type Real struct{}

// New returns the wall-clock Clock.
func New() Clock { return Real{} }

func (Real) Now() time.Time { return time.Now() }

func (Real) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c Real) SleepUntil(ctx context.Context, t time.Time) error {
	return c.Sleep(ctx, time.Until(t))
}

// Manual is a hand-cranked Clock for tests. Sleeps return as soon as the
// manual time passes the deadline; Advance wakes all sleepers.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	wakeups []chan struct{}
}

// NewManual creates a Manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the manual time forward and wakes any sleepers whose
// deadline has passed.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	wakeups := m.wakeups
	m.wakeups = nil
	m.mu.Unlock()
	for _, ch := range wakeups {
		close(ch)
	}
}

func (m *Manual) Sleep(ctx context.Context, d time.Duration) error {
	return m.SleepUntil(ctx, m.Now().Add(d))
}

func (m *Manual) SleepUntil(ctx context.Context, t time.Time) error {
	for {
		m.mu.Lock()
		if !m.now.Before(t) {
			m.mu.Unlock()
			return ctx.Err()
		}
		wake := make(chan struct{})
		m.wakeups = append(m.wakeups, wake)
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}
	}
}
