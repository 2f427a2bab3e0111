package locks

import (
	"errors"
	"testing"
	"time"

	"github.com/nextlevelbuilder/termclaw/internal/ids"
	"github.com/nextlevelbuilder/termclaw/pkg/protocol"
)

func newManager() (*Manager, *ids.MockClock) {
	clock := ids.NewMockClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	return NewManager(clock), clock
}

func TestAcquireConflictAndRefresh(t *testing.T) {
	m, _ := newManager()

	if _, err := m.Acquire("s1", "alice", "deploying", 0); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	_, err := m.Acquire("s1", "bob", "", 0)
	var lbe *protocol.LockedByError
	if !errors.As(err, &lbe) || lbe.Owner != "alice" {
		t.Fatalf("conflicting acquire: got %v", err)
	}

	// Re-acquiring one's own lock refreshes reason and expiry.
	l, err := m.Acquire("s1", "alice", "still deploying", time.Minute)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if l.Reason != "still deploying" || l.ExpiresAt.IsZero() {
		t.Fatalf("refresh did not apply: %+v", l)
	}
}

func TestExpiryAtReadTime(t *testing.T) {
	m, clock := newManager()
	if _, err := m.Acquire("s1", "alice", "", 30*time.Second); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	clock.Advance(29 * time.Second)
	if owner := m.Owner("s1"); owner != "alice" {
		t.Fatalf("owner before expiry = %q", owner)
	}

	clock.Advance(2 * time.Second)
	if owner := m.Owner("s1"); owner != "" {
		t.Fatalf("owner after expiry = %q", owner)
	}
	// An expired lock no longer blocks a new owner.
	if _, err := m.Acquire("s1", "bob", "", 0); err != nil {
		t.Fatalf("acquire over expired lock: %v", err)
	}
}

func TestCheckRejectsAnonymousWhileLocked(t *testing.T) {
	m, _ := newManager()
	if err := m.Check("s1", ""); err != nil {
		t.Fatalf("unlocked anonymous check: %v", err)
	}

	m.Acquire("s1", "alice", "", 0)
	if err := m.Check("s1", "alice"); err != nil {
		t.Fatalf("owner check: %v", err)
	}
	if err := m.Check("s1", "bob"); err == nil {
		t.Fatal("peer check passed while locked")
	}
	if err := m.Check("s1", ""); err == nil {
		t.Fatal("anonymous check passed while locked")
	}
}

func TestReleaseSemantics(t *testing.T) {
	m, clock := newManager()
	m.Acquire("s1", "alice", "", 0)

	err := m.Release("s1", "bob")
	var noe *protocol.NotOwnerError
	if !errors.As(err, &noe) {
		t.Fatalf("non-owner release: got %v", err)
	}
	if err := m.Release("s1", "alice"); err != nil {
		t.Fatalf("owner release: %v", err)
	}
	// Releasing an absent lock is a no-op.
	if err := m.Release("s1", "alice"); err != nil {
		t.Fatalf("double release: %v", err)
	}

	// Releasing an expired lock by a stranger is also a no-op.
	m.Acquire("s2", "alice", "", time.Second)
	clock.Advance(2 * time.Second)
	if err := m.Release("s2", "bob"); err != nil {
		t.Fatalf("release of expired lock: %v", err)
	}
}

func TestListDropsExpired(t *testing.T) {
	m, clock := newManager()
	m.Acquire("s2", "bob", "", time.Second)
	m.Acquire("s1", "alice", "", 0)

	got := m.List()
	if len(got) != 2 || got[0].SessionID != "s1" || got[1].SessionID != "s2" {
		t.Fatalf("List = %+v", got)
	}

	clock.Advance(2 * time.Second)
	got = m.List()
	if len(got) != 1 || got[0].SessionID != "s1" {
		t.Fatalf("List after expiry = %+v", got)
	}
}

func TestRequestAccessAlwaysDenied(t *testing.T) {
	m, _ := newManager()
	m.Acquire("s1", "alice", "", 0)

	req, granted := m.RequestAccess("s1", "bob")
	if granted {
		t.Fatal("request granted")
	}
	if req.Owner != "alice" || req.Requester != "bob" {
		t.Fatalf("request = %+v", req)
	}
}

func TestReleaseSessionIgnoresOwner(t *testing.T) {
	m, _ := newManager()
	m.Acquire("s1", "alice", "", 0)
	m.ReleaseSession("s1")
	if owner := m.Owner("s1"); owner != "" {
		t.Fatalf("owner after ReleaseSession = %q", owner)
	}
}
