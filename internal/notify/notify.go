// Package notify keeps short status records in bounded ring buffers: one
// global deque plus one per agent. Overflow evicts the oldest entry.
package notify

import (
	"sync"
	"time"

	"github.com/nextlevelbuilder/termclaw/internal/ids"
	"github.com/nextlevelbuilder/termclaw/pkg/protocol"
)

// Notification is one status entry. Agent is empty for system notifications.
type Notification struct {
	Agent      string    `json:"agent,omitempty"`
	Level      string    `json:"level"`
	Summary    string    `json:"summary"`
	Context    string    `json:"context,omitempty"`
	ActionHint string    `json:"action_hint,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ValidLevel reports whether level is one of the five notification levels.
func ValidLevel(level string) bool {
	switch level {
	case protocol.LevelInfo, protocol.LevelWarning, protocol.LevelError,
		protocol.LevelSuccess, protocol.LevelBlocked:
		return true
	}
	return false
}

// Buffer holds the capped deques. Reads return snapshot copies.
type Buffer struct {
	mu          sync.Mutex
	global      []Notification
	perAgent    map[string][]Notification
	maxPerAgent int
	maxTotal    int
	clock       ids.Clock
}

// NewBuffer builds a buffer with the given caps (defaults 50 / 500).
func NewBuffer(maxPerAgent, maxTotal int, clock ids.Clock) *Buffer {
	if maxPerAgent <= 0 {
		maxPerAgent = 50
	}
	if maxTotal <= 0 {
		maxTotal = 500
	}
	return &Buffer{
		perAgent:    make(map[string][]Notification),
		maxPerAgent: maxPerAgent,
		maxTotal:    maxTotal,
		clock:       clock,
	}
}

// Add appends a notification, stamping CreatedAt if unset.
func (b *Buffer) Add(n Notification) Notification {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n.CreatedAt.IsZero() {
		n.CreatedAt = b.clock.Now()
	}

	b.global = append(b.global, n)
	if len(b.global) > b.maxTotal {
		b.global = b.global[len(b.global)-b.maxTotal:]
	}
	if n.Agent != "" {
		q := append(b.perAgent[n.Agent], n)
		if len(q) > b.maxPerAgent {
			q = q[len(q)-b.maxPerAgent:]
		}
		b.perAgent[n.Agent] = q
	}
	return n
}

// Get returns notifications newest-first, filtered by level and/or agent,
// capped at limit (0 = all).
func (b *Buffer) Get(level, agent string, limit int) []Notification {
	b.mu.Lock()
	defer b.mu.Unlock()

	src := b.global
	if agent != "" {
		src = b.perAgent[agent]
	}

	out := make([]Notification, 0, len(src))
	for i := len(src) - 1; i >= 0; i-- {
		n := src[i]
		if level != "" && n.Level != level {
			continue
		}
		out = append(out, n)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// LatestPerAgent returns each agent's most recent notification.
func (b *Buffer) LatestPerAgent() map[string]Notification {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]Notification, len(b.perAgent))
	for agent, q := range b.perAgent {
		if len(q) > 0 {
			out[agent] = q[len(q)-1]
		}
	}
	return out
}

// Clear drops one agent's queue, or everything when agent is empty.
func (b *Buffer) Clear(agent string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if agent == "" {
		b.global = nil
		b.perAgent = make(map[string][]Notification)
		return
	}
	delete(b.perAgent, agent)
	kept := b.global[:0]
	for _, n := range b.global {
		if n.Agent != agent {
			kept = append(kept, n)
		}
	}
	b.global = kept
}
