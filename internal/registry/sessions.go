// Package registry owns the kernel's durable identity state: live terminal
// sessions, agents and their teams, and manager records. Each registry is a
// mutex-guarded map that persists through the logstore after the in-memory
// mutation commits; a persistence failure is returned as a PersistenceError
// but the memory state stays authoritative.
package registry

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/termclaw/internal/ids"
	"github.com/nextlevelbuilder/termclaw/internal/logstore"
	"github.com/nextlevelbuilder/termclaw/pkg/protocol"
)

// Session tracks one terminal pane.
type Session struct {
	SessionID    string    `json:"session_id"`    // live driver handle
	PersistentID string    `json:"persistent_id"` // stable across restarts
	Name         string    `json:"name"`
	Tags         []string  `json:"tags,omitempty"` // insertion-ordered set
	MaxLines     int       `json:"max_lines,omitempty"`
	Role         string    `json:"role,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	Live         bool      `json:"live"`
}

// clone returns a copy so callers never alias registry-owned state.
func (s *Session) clone() Session {
	out := *s
	out.Tags = append([]string(nil), s.Tags...)
	return out
}

// SessionFilter narrows List results. Zero value matches all live sessions.
type SessionFilter struct {
	NamePrefix string
	Tag        string
	AgentsOnly bool // only sessions with an agent binding
	IncludeDead bool
}

// Sessions is the session registry.
type Sessions struct {
	mu     sync.RWMutex
	byID   map[string]*Session
	byName map[string]string // live name → session id
	byPID  map[string]*Session

	store *logstore.Store
	clock ids.Clock

	// agentBound reports whether an agent is bound to the given session id.
	// Injected by the façade to avoid a registry→registry dependency.
	agentBound func(sessionID string) bool
}

// NewSessions builds the registry and replays persisted session metadata.
func NewSessions(store *logstore.Store, clock ids.Clock) (*Sessions, error) {
	r := &Sessions{
		byID:   make(map[string]*Session),
		byName: make(map[string]string),
		byPID:  make(map[string]*Session),
		store:  store,
		clock:  clock,
	}

	var persisted []Session
	if _, err := store.ReadSnapshot(logstore.FilePersistentSessions, &persisted); err != nil {
		return nil, err
	}
	for i := range persisted {
		s := persisted[i]
		s.Live = false // live handles never survive a restart
		r.byPID[s.PersistentID] = &s
	}
	return r, nil
}

// SetAgentBoundFunc injects the agent-binding probe used by AgentsOnly filters.
func (r *Sessions) SetAgentBoundFunc(fn func(sessionID string) bool) {
	r.mu.Lock()
	r.agentBound = fn
	r.mu.Unlock()
}

// Register records a live session. If persistentID matches a stale record the
// record is rebound to the new handle; an empty persistentID gets a new one.
// A live session already using name fails with NameConflictError.
func (r *Sessions) Register(handle, name, persistentID string) (Session, error) {
	r.mu.Lock()

	if other, ok := r.byName[name]; ok && other != handle {
		r.mu.Unlock()
		return Session{}, &protocol.NameConflictError{Name: name}
	}

	var s *Session
	if persistentID != "" {
		if prev, ok := r.byPID[persistentID]; ok {
			// Rebind the record to the new live handle. A still-live previous
			// handle is displaced, and its old name is released either way.
			delete(r.byID, prev.SessionID)
			if cur, held := r.byName[prev.Name]; held && cur == prev.SessionID {
				delete(r.byName, prev.Name)
			}
			prev.SessionID = handle
			prev.Name = name
			prev.Live = true
			s = prev
		}
	}
	if s == nil {
		if persistentID == "" {
			persistentID = ids.NewPersistentID()
		}
		s = &Session{
			SessionID:    handle,
			PersistentID: persistentID,
			Name:         name,
			CreatedAt:    r.clock.Now(),
			Live:         true,
		}
		r.byPID[persistentID] = s
	}
	r.byID[handle] = s
	r.byName[name] = handle

	out := s.clone()
	r.mu.Unlock()

	return out, r.persist()
}

// Rename changes a live session's name.
func (r *Sessions) Rename(sessionID, newName string) (Session, error) {
	r.mu.Lock()
	s, ok := r.byID[sessionID]
	if !ok {
		r.mu.Unlock()
		return Session{}, &protocol.NotFoundError{What: "session", Key: sessionID}
	}
	if other, taken := r.byName[newName]; taken && other != sessionID {
		r.mu.Unlock()
		return Session{}, &protocol.NameConflictError{Name: newName}
	}
	delete(r.byName, s.Name)
	s.Name = newName
	r.byName[newName] = sessionID
	out := s.clone()
	r.mu.Unlock()

	return out, r.persist()
}

// Get returns a live session by id.
func (r *Sessions) Get(sessionID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.byID[sessionID]; ok {
		return s.clone(), true
	}
	return Session{}, false
}

// GetByName returns a live session by name.
func (r *Sessions) GetByName(name string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id, ok := r.byName[name]; ok {
		return r.byID[id].clone(), true
	}
	return Session{}, false
}

// GetByPersistentID returns a session by durable identity, live or not.
func (r *Sessions) GetByPersistentID(pid string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.byPID[pid]; ok {
		return s.clone(), true
	}
	return Session{}, false
}

// GetByTag returns all live sessions carrying the tag.
func (r *Sessions) GetByTag(tag string) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Session
	for _, s := range r.byID {
		if s.Live && containsString(s.Tags, tag) {
			out = append(out, s.clone())
		}
	}
	return out
}

// List returns live sessions matching the filter, sorted by name for
// deterministic output.
func (r *Sessions) List(filter SessionFilter) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	src := r.byID
	if filter.IncludeDead {
		// Dead records only live in the persistent index.
		src = r.byPID
	}
	var out []Session
	for _, s := range src {
		if !s.Live && !filter.IncludeDead {
			continue
		}
		if filter.NamePrefix != "" && !strings.HasPrefix(s.Name, filter.NamePrefix) {
			continue
		}
		if filter.Tag != "" && !containsString(s.Tags, filter.Tag) {
			continue
		}
		if filter.AgentsOnly && (r.agentBound == nil || !r.agentBound(s.SessionID)) {
			continue
		}
		out = append(out, s.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// All returns every live session.
func (r *Sessions) All() []Session {
	return r.List(SessionFilter{})
}

// SetTags replaces a session's tag set, preserving input order minus dups.
func (r *Sessions) SetTags(sessionID string, tags []string) (Session, error) {
	r.mu.Lock()
	s, ok := r.byID[sessionID]
	if !ok {
		r.mu.Unlock()
		return Session{}, &protocol.NotFoundError{What: "session", Key: sessionID}
	}
	s.Tags = dedupeStrings(tags)
	out := s.clone()
	r.mu.Unlock()

	return out, r.persist()
}

// SetMaxLines caps screen reads for one session. n <= 0 resets to the global
// default.
func (r *Sessions) SetMaxLines(sessionID string, n int) (Session, error) {
	r.mu.Lock()
	s, ok := r.byID[sessionID]
	if !ok {
		r.mu.Unlock()
		return Session{}, &protocol.NotFoundError{What: "session", Key: sessionID}
	}
	if n < 0 {
		n = 0
	}
	s.MaxLines = n
	out := s.clone()
	r.mu.Unlock()

	return out, r.persist()
}

// SetRole assigns a role string to a session.
func (r *Sessions) SetRole(sessionID, role string) (Session, error) {
	r.mu.Lock()
	s, ok := r.byID[sessionID]
	if !ok {
		r.mu.Unlock()
		return Session{}, &protocol.NotFoundError{What: "session", Key: sessionID}
	}
	s.Role = role
	out := s.clone()
	r.mu.Unlock()

	return out, r.persist()
}

// MarkDead records driver termination. The persistent record survives so the
// session can be reclaimed later by persistent id.
func (r *Sessions) MarkDead(sessionID string) error {
	r.mu.Lock()
	s, ok := r.byID[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil // already unknown; termination signals can race closes
	}
	s.Live = false
	delete(r.byName, s.Name)
	delete(r.byID, sessionID)
	r.mu.Unlock()

	return r.persist()
}

// persist rewrites the persistent_sessions snapshot. Non-fatal on failure.
func (r *Sessions) persist() error {
	r.mu.RLock()
	all := make([]Session, 0, len(r.byPID))
	for _, s := range r.byPID {
		all = append(all, s.clone())
	}
	r.mu.RUnlock()
	sort.Slice(all, func(i, j int) bool { return all[i].PersistentID < all[j].PersistentID })

	if err := r.store.WriteSnapshot(logstore.FilePersistentSessions, all); err != nil {
		slog.Warn("registry.sessions.persist_failed", "error", err)
		return err
	}
	return nil
}

func containsString(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

// dedupeStrings drops duplicates while preserving first-seen order. Team and
// tag sets keep insertion order so cascade tie-breaks stay deterministic.
func dedupeStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
