// Package locks implements per-session exclusive write locks with owner,
// reason, and optional expiry. Expired locks count as absent at read time.
package locks

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/termclaw/internal/ids"
	"github.com/nextlevelbuilder/termclaw/pkg/protocol"
)

// Lock is a held exclusive write right on one session.
type Lock struct {
	SessionID  string    `json:"session_id"`
	OwnerAgent string    `json:"owner_agent"`
	Reason     string    `json:"reason,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"` // zero = never expires
}

func (l Lock) expired(now time.Time) bool {
	return !l.ExpiresAt.IsZero() && !now.Before(l.ExpiresAt)
}

// AccessRequest records a denied request for a locked session.
type AccessRequest struct {
	SessionID   string    `json:"session_id"`
	Requester   string    `json:"requester"`
	Owner       string    `json:"owner"`
	RequestedAt time.Time `json:"requested_at"`
}

// Manager holds at most one active lock per session.
type Manager struct {
	mu       sync.Mutex
	locks    map[string]Lock
	requests []AccessRequest
	clock    ids.Clock
}

// NewManager returns an empty lock manager.
func NewManager(clock ids.Clock) *Manager {
	return &Manager{locks: make(map[string]Lock), clock: clock}
}

// Acquire takes the lock for ownerAgent. ttl <= 0 means no expiry. Fails with
// LockedByError when a different agent holds an unexpired lock; re-acquiring
// one's own lock refreshes reason and expiry.
func (m *Manager) Acquire(sessionID, ownerAgent, reason string, ttl time.Duration) (Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if held, ok := m.locks[sessionID]; ok && !held.expired(now) && held.OwnerAgent != ownerAgent {
		return Lock{}, &protocol.LockedByError{Owner: held.OwnerAgent}
	}

	l := Lock{
		SessionID:  sessionID,
		OwnerAgent: ownerAgent,
		Reason:     reason,
		AcquiredAt: now,
	}
	if ttl > 0 {
		l.ExpiresAt = now.Add(ttl)
	}
	m.locks[sessionID] = l
	slog.Debug("lock.acquired", "session", sessionID, "owner", ownerAgent, "reason", reason)
	return l, nil
}

// Release drops the lock. Fails with NotOwnerError when ownerAgent does not
// hold it; releasing an expired or absent lock by its old owner is a no-op.
func (m *Manager) Release(sessionID, ownerAgent string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	held, ok := m.locks[sessionID]
	if !ok || held.expired(m.clock.Now()) {
		delete(m.locks, sessionID)
		return nil
	}
	if held.OwnerAgent != ownerAgent {
		return &protocol.NotOwnerError{Session: sessionID, Caller: ownerAgent}
	}
	delete(m.locks, sessionID)
	slog.Debug("lock.released", "session", sessionID, "owner", ownerAgent)
	return nil
}

// Owner returns the current lock owner, or "" when unlocked or expired.
func (m *Manager) Owner(sessionID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if held, ok := m.locks[sessionID]; ok && !held.expired(m.clock.Now()) {
		return held.OwnerAgent
	}
	return ""
}

// Check returns nil if requester may write to the session. An empty requester
// (anonymous caller) is rejected while any lock is active.
func (m *Manager) Check(sessionID, requester string) error {
	owner := m.Owner(sessionID)
	if owner == "" || owner == requester {
		return nil
	}
	return &protocol.LockedByError{Owner: owner}
}

// RequestAccess records the request and denies it. Kernel policy: no grant is
// ever implicit; an integrator watching lock.requested events may mediate.
func (m *Manager) RequestAccess(sessionID, requester string) (AccessRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	owner := ""
	if held, ok := m.locks[sessionID]; ok && !held.expired(m.clock.Now()) {
		owner = held.OwnerAgent
	}
	req := AccessRequest{
		SessionID:   sessionID,
		Requester:   requester,
		Owner:       owner,
		RequestedAt: m.clock.Now(),
	}
	m.requests = append(m.requests, req)
	return req, false
}

// List returns all active (unexpired) locks sorted by session id.
func (m *Manager) List() []Lock {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	out := make([]Lock, 0, len(m.locks))
	for id, l := range m.locks {
		if l.expired(now) {
			delete(m.locks, id)
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// ReleaseSession drops any lock on a session regardless of owner. Used when
// the session dies.
func (m *Manager) ReleaseSession(sessionID string) {
	m.mu.Lock()
	delete(m.locks, sessionID)
	m.mu.Unlock()
}
