package registry

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"github.com/nextlevelbuilder/termclaw/internal/ids"
	"github.com/nextlevelbuilder/termclaw/internal/logstore"
	"github.com/nextlevelbuilder/termclaw/pkg/protocol"
)

// Manager is a coordinator agent that delegates to workers. The round-robin
// cursor is persisted so load distribution survives restarts.
type Manager struct {
	logstore.Meta

	Name        string            `json:"name"`
	Workers     []string          `json:"workers"` // insertion-ordered
	WorkerRoles map[string]string `json:"worker_roles,omitempty"`
	Strategy    string            `json:"strategy"`
	Cursor      int               `json:"round_robin_cursor"`
}

func (m *Manager) clone() Manager {
	out := *m
	out.Workers = append([]string(nil), m.Workers...)
	if m.WorkerRoles != nil {
		out.WorkerRoles = make(map[string]string, len(m.WorkerRoles))
		for k, v := range m.WorkerRoles {
			out.WorkerRoles[k] = v
		}
	}
	return out
}

const (
	kindManager        = "manager"
	kindManagerRemoved = "manager_removed"
)

// Managers is the manager-agent registry.
type Managers struct {
	mu       sync.RWMutex
	managers map[string]*Manager

	store *logstore.Store
	clock ids.Clock
}

// NewManagers builds the registry and replays the managers log.
func NewManagers(store *logstore.Store, clock ids.Clock) (*Managers, error) {
	r := &Managers{
		managers: make(map[string]*Manager),
		store:    store,
		clock:    clock,
	}
	err := store.Replay(logstore.FileManagers, func(kind string, raw json.RawMessage) error {
		switch kind {
		case kindManager:
			var m Manager
			if err := json.Unmarshal(raw, &m); err == nil {
				r.managers[m.Name] = &m
			}
		case kindManagerRemoved:
			var m Manager
			if err := json.Unmarshal(raw, &m); err == nil {
				delete(r.managers, m.Name)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func validStrategy(s string) bool {
	switch s {
	case protocol.StrategyRoundRobin, protocol.StrategyRoleBased,
		protocol.StrategyLeastBusy, protocol.StrategyPriority, protocol.StrategyRandom:
		return true
	}
	return false
}

// Create registers a manager. Strategy defaults to round_robin.
func (r *Managers) Create(name string, workers []string, roles map[string]string, strategy string) (Manager, error) {
	if name == "" {
		return Manager{}, &protocol.InvalidArgumentError{Field: "name", Reason: "manager name must not be empty"}
	}
	if len(workers) == 0 {
		return Manager{}, &protocol.InvalidArgumentError{Field: "workers", Reason: "at least one worker is required"}
	}
	if strategy == "" {
		strategy = protocol.StrategyRoundRobin
	}
	if !validStrategy(strategy) {
		return Manager{}, &protocol.InvalidArgumentError{Field: "strategy", Reason: "unknown strategy " + strategy}
	}

	r.mu.Lock()
	if _, ok := r.managers[name]; ok {
		r.mu.Unlock()
		return Manager{}, &protocol.NameConflictError{Name: name}
	}
	now := r.clock.Now()
	m := &Manager{
		Meta:        logstore.Meta{Kind: kindManager, Version: 1, CreatedAt: now, UpdatedAt: now},
		Name:        name,
		Workers:     dedupeStrings(workers),
		WorkerRoles: roles,
		Strategy:    strategy,
	}
	r.managers[name] = m
	out := m.clone()
	err := r.store.Append(logstore.FileManagers, m)
	r.mu.Unlock()

	if err != nil {
		slog.Warn("registry.managers.persist_failed", "manager", name, "error", err)
	}
	return out, err
}

// Get returns a manager by name.
func (r *Managers) Get(name string) (Manager, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m, ok := r.managers[name]; ok {
		return m.clone(), true
	}
	return Manager{}, false
}

// List returns all managers sorted by name.
func (r *Managers) List() []Manager {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Manager, 0, len(r.managers))
	for _, m := range r.managers {
		out = append(out, m.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AddWorker appends a worker (with optional role) to a manager.
func (r *Managers) AddWorker(manager, worker, role string) error {
	r.mu.Lock()
	m, ok := r.managers[manager]
	if !ok {
		r.mu.Unlock()
		return &protocol.NotFoundError{What: "manager", Key: manager}
	}
	if !containsString(m.Workers, worker) {
		m.Workers = append(m.Workers, worker)
	}
	if role != "" {
		if m.WorkerRoles == nil {
			m.WorkerRoles = make(map[string]string)
		}
		m.WorkerRoles[worker] = role
	}
	m.UpdatedAt = r.clock.Now()
	err := r.store.Append(logstore.FileManagers, m)
	r.mu.Unlock()
	return err
}

// RemoveWorker drops a worker from a manager.
func (r *Managers) RemoveWorker(manager, worker string) error {
	r.mu.Lock()
	m, ok := r.managers[manager]
	if !ok {
		r.mu.Unlock()
		return &protocol.NotFoundError{What: "manager", Key: manager}
	}
	if !containsString(m.Workers, worker) {
		r.mu.Unlock()
		return &protocol.NotFoundError{What: "worker", Key: worker}
	}
	m.Workers = removeString(m.Workers, worker)
	delete(m.WorkerRoles, worker)
	if len(m.Workers) > 0 && m.Cursor >= len(m.Workers) {
		m.Cursor = 0
	}
	m.UpdatedAt = r.clock.Now()
	err := r.store.Append(logstore.FileManagers, m)
	r.mu.Unlock()
	return err
}

// Remove deletes a manager. Its workers are untouched.
func (r *Managers) Remove(name string) error {
	r.mu.Lock()
	m, ok := r.managers[name]
	if !ok {
		r.mu.Unlock()
		return &protocol.NotFoundError{What: "manager", Key: name}
	}
	delete(r.managers, name)
	tombstone := Manager{
		Meta: logstore.Meta{Kind: kindManagerRemoved, Version: 1, CreatedAt: m.CreatedAt, UpdatedAt: r.clock.Now()},
		Name: name,
	}
	err := r.store.Append(logstore.FileManagers, &tombstone)
	r.mu.Unlock()

	if err != nil {
		slog.Warn("registry.managers.persist_failed", "manager", name, "error", err)
	}
	return err
}

// AdvanceCursor returns the current round-robin cursor and advances it,
// persisting the new position.
func (r *Managers) AdvanceCursor(manager string) (int, error) {
	r.mu.Lock()
	m, ok := r.managers[manager]
	if !ok {
		r.mu.Unlock()
		return 0, &protocol.NotFoundError{What: "manager", Key: manager}
	}
	cur := m.Cursor
	if len(m.Workers) > 0 {
		m.Cursor = (m.Cursor + 1) % len(m.Workers)
	}
	m.UpdatedAt = r.clock.Now()
	err := r.store.Append(logstore.FileManagers, m)
	r.mu.Unlock()

	if err != nil {
		slog.Warn("registry.managers.persist_failed", "manager", manager, "error", err)
	}
	return cur, nil
}

// Compact rewrites the managers log to its live records.
func (r *Managers) Compact() error {
	r.mu.RLock()
	all := make([]any, 0, len(r.managers))
	for _, m := range r.managers {
		all = append(all, m.clone())
	}
	r.mu.RUnlock()
	sort.Slice(all, func(i, j int) bool { return all[i].(Manager).Name < all[j].(Manager).Name })
	return r.store.Rewrite(logstore.FileManagers, all)
}
