package ids

import (
	"sync"
	"time"
)

// MockClock is a manually advanced Clock for tests. The zero value starts at
// a fixed epoch so persisted timestamps are stable across runs.
type MockClock struct {
	mu   sync.Mutex
	wall time.Time
	mono time.Duration
}

// NewMockClock returns a MockClock starting at the given wall time.
func NewMockClock(start time.Time) *MockClock {
	return &MockClock{wall: start.UTC()}
}

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wall
}

func (c *MockClock) NowMono() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mono
}

// Advance moves both the wall and monotonic clocks forward.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.wall = c.wall.Add(d)
	c.mono += d
	c.mu.Unlock()
}
