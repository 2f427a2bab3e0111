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

// Agent binds a stable name to a session.
type Agent struct {
	logstore.Meta

	AgentName    string            `json:"agent_name"`
	SessionID    string            `json:"session_id,omitempty"`
	PersistentID string            `json:"persistent_id,omitempty"`
	Teams        []string          `json:"teams,omitempty"` // insertion-ordered set
	Role         string            `json:"role,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`

	// dirty marks an agent whose latest state failed to persist; RetryPersist
	// re-appends it.
	dirty bool
}

func (a *Agent) clone() Agent {
	out := *a
	out.Teams = append([]string(nil), a.Teams...)
	if a.Metadata != nil {
		out.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Team is a named agent group; membership is derived from agents' Teams.
type Team struct {
	logstore.Meta

	TeamName    string `json:"team_name"`
	Description string `json:"description,omitempty"`
}

// Record kinds in the agents/teams log files. Tombstones let the append-only
// log express removal; compaction drops matched pairs.
const (
	kindAgent        = "agent"
	kindAgentRemoved = "agent_removed"
	kindTeam         = "team"
	kindTeamRemoved  = "team_removed"
)

// Agents is the agent/team registry. A single registry-wide mutex serializes
// mutations; lookups take the read lock.
type Agents struct {
	mu     sync.RWMutex
	agents map[string]*Agent
	teams  map[string]*Team

	store      *logstore.Store
	clock      ids.Clock
	autoCreate bool // auto-create unknown teams on registration
}

// NewAgents builds the registry and replays the agents and teams logs.
func NewAgents(store *logstore.Store, clock ids.Clock, autoCreateTeams bool) (*Agents, error) {
	r := &Agents{
		agents:     make(map[string]*Agent),
		teams:      make(map[string]*Team),
		store:      store,
		clock:      clock,
		autoCreate: autoCreateTeams,
	}

	err := store.Replay(logstore.FileTeams, func(kind string, raw json.RawMessage) error {
		switch kind {
		case kindTeam:
			var t Team
			if err := json.Unmarshal(raw, &t); err == nil {
				r.teams[t.TeamName] = &t
			}
		case kindTeamRemoved:
			var t Team
			if err := json.Unmarshal(raw, &t); err == nil {
				delete(r.teams, t.TeamName)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = store.Replay(logstore.FileAgents, func(kind string, raw json.RawMessage) error {
		switch kind {
		case kindAgent:
			var a Agent
			if err := json.Unmarshal(raw, &a); err == nil {
				r.agents[a.AgentName] = &a
			}
		case kindAgentRemoved:
			var a Agent
			if err := json.Unmarshal(raw, &a); err == nil {
				delete(r.agents, a.AgentName)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// RegisterOpts configures Register.
type RegisterOpts struct {
	SessionID    string
	PersistentID string
	Teams        []string
	Role         string
	Metadata     map[string]string
}

// Register creates or rebinds an agent. Idempotent by name: re-registering
// replaces the binding, teams, role, and metadata. Unknown teams are
// auto-created when the registry is configured to, otherwise rejected.
func (r *Agents) Register(name string, opts RegisterOpts) (Agent, error) {
	if name == "" {
		return Agent{}, &protocol.InvalidArgumentError{Field: "name", Reason: "agent name must not be empty"}
	}

	r.mu.Lock()
	now := r.clock.Now()

	teams := dedupeStrings(opts.Teams)
	for _, t := range teams {
		if _, ok := r.teams[t]; !ok {
			if !r.autoCreate {
				r.mu.Unlock()
				return Agent{}, &protocol.NotFoundError{What: "team", Key: t}
			}
			r.teams[t] = &Team{
				Meta:     logstore.Meta{Kind: kindTeam, Version: 1, CreatedAt: now, UpdatedAt: now},
				TeamName: t,
			}
			if err := r.store.Append(logstore.FileTeams, r.teams[t]); err != nil {
				slog.Warn("registry.teams.persist_failed", "team", t, "error", err)
			}
		}
	}

	a, existed := r.agents[name]
	if !existed {
		a = &Agent{
			Meta:      logstore.Meta{Kind: kindAgent, Version: 1, CreatedAt: now},
			AgentName: name,
		}
		r.agents[name] = a
	}
	a.SessionID = opts.SessionID
	a.PersistentID = opts.PersistentID
	a.Teams = teams
	a.Role = opts.Role
	a.Metadata = opts.Metadata
	a.UpdatedAt = now

	out := a.clone()
	err := r.store.Append(logstore.FileAgents, a)
	a.dirty = err != nil
	r.mu.Unlock()

	if err != nil {
		slog.Warn("registry.agents.persist_failed", "agent", name, "error", err)
	}
	return out, err
}

// Remove deletes an agent. The bound session is not closed.
func (r *Agents) Remove(name string) error {
	r.mu.Lock()
	a, ok := r.agents[name]
	if !ok {
		r.mu.Unlock()
		return &protocol.NotFoundError{What: "agent", Key: name}
	}
	delete(r.agents, name)
	tombstone := Agent{
		Meta:      logstore.Meta{Kind: kindAgentRemoved, Version: 1, CreatedAt: a.CreatedAt, UpdatedAt: r.clock.Now()},
		AgentName: name,
	}
	err := r.store.Append(logstore.FileAgents, &tombstone)
	r.mu.Unlock()

	if err != nil {
		slog.Warn("registry.agents.persist_failed", "agent", name, "error", err)
	}
	return err
}

// Get returns an agent by name.
func (r *Agents) Get(name string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.agents[name]; ok {
		return a.clone(), true
	}
	return Agent{}, false
}

// List returns all agents, optionally restricted to one team, sorted by name.
func (r *Agents) List(team string) []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Agent
	for _, a := range r.agents {
		if team != "" && !containsString(a.Teams, team) {
			continue
		}
		out = append(out, a.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentName < out[j].AgentName })
	return out
}

// ResolveSession returns the agent's currently bound session id, or "".
func (r *Agents) ResolveSession(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	if !ok {
		return "", false
	}
	return a.SessionID, true
}

// BoundToSession reports whether any agent is bound to the session.
func (r *Agents) BoundToSession(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.agents {
		if a.SessionID == sessionID {
			return true
		}
	}
	return false
}

// AgentForSession returns the name of the agent bound to a session, or "".
func (r *Agents) AgentForSession(sessionID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.agents {
		if a.SessionID == sessionID {
			return a.AgentName
		}
	}
	return ""
}

// RebindSession updates an agent's live session handle, e.g. after a
// persistent-id reconnection.
func (r *Agents) RebindSession(name, sessionID string) error {
	r.mu.Lock()
	a, ok := r.agents[name]
	if !ok {
		r.mu.Unlock()
		return &protocol.NotFoundError{What: "agent", Key: name}
	}
	a.SessionID = sessionID
	a.UpdatedAt = r.clock.Now()
	err := r.store.Append(logstore.FileAgents, a)
	a.dirty = err != nil
	r.mu.Unlock()
	return err
}

// CreateTeam registers a team name.
func (r *Agents) CreateTeam(name, description string) error {
	if name == "" {
		return &protocol.InvalidArgumentError{Field: "name", Reason: "team name must not be empty"}
	}
	r.mu.Lock()
	if _, ok := r.teams[name]; ok {
		r.mu.Unlock()
		return &protocol.NameConflictError{Name: name}
	}
	now := r.clock.Now()
	t := &Team{
		Meta:        logstore.Meta{Kind: kindTeam, Version: 1, CreatedAt: now, UpdatedAt: now},
		TeamName:    name,
		Description: description,
	}
	r.teams[name] = t
	err := r.store.Append(logstore.FileTeams, t)
	r.mu.Unlock()
	return err
}

// RemoveTeam deletes a team. Fails if any agent still lists it unless force
// is set, in which case members are unassigned first.
func (r *Agents) RemoveTeam(name string, force bool) error {
	r.mu.Lock()
	t, ok := r.teams[name]
	if !ok {
		r.mu.Unlock()
		return &protocol.NotFoundError{What: "team", Key: name}
	}

	var members []*Agent
	for _, a := range r.agents {
		if containsString(a.Teams, name) {
			members = append(members, a)
		}
	}
	if len(members) > 0 && !force {
		r.mu.Unlock()
		return &protocol.InvalidArgumentError{Field: "team", Reason: "team is not empty; pass force to remove"}
	}

	now := r.clock.Now()
	for _, a := range members {
		a.Teams = removeString(a.Teams, name)
		a.UpdatedAt = now
		if err := r.store.Append(logstore.FileAgents, a); err != nil {
			a.dirty = true
			slog.Warn("registry.agents.persist_failed", "agent", a.AgentName, "error", err)
		}
	}
	delete(r.teams, name)
	tombstone := Team{
		Meta:     logstore.Meta{Kind: kindTeamRemoved, Version: 1, CreatedAt: t.CreatedAt, UpdatedAt: now},
		TeamName: name,
	}
	err := r.store.Append(logstore.FileTeams, &tombstone)
	r.mu.Unlock()
	return err
}

// Assign adds an agent to a team, preserving team insertion order.
func (r *Agents) Assign(agent, team string) error {
	r.mu.Lock()
	a, ok := r.agents[agent]
	if !ok {
		r.mu.Unlock()
		return &protocol.NotFoundError{What: "agent", Key: agent}
	}
	if _, ok := r.teams[team]; !ok {
		if !r.autoCreate {
			r.mu.Unlock()
			return &protocol.NotFoundError{What: "team", Key: team}
		}
		now := r.clock.Now()
		r.teams[team] = &Team{
			Meta:     logstore.Meta{Kind: kindTeam, Version: 1, CreatedAt: now, UpdatedAt: now},
			TeamName: team,
		}
		if err := r.store.Append(logstore.FileTeams, r.teams[team]); err != nil {
			slog.Warn("registry.teams.persist_failed", "team", team, "error", err)
		}
	}
	if containsString(a.Teams, team) {
		r.mu.Unlock()
		return nil
	}
	a.Teams = append(a.Teams, team)
	a.UpdatedAt = r.clock.Now()
	err := r.store.Append(logstore.FileAgents, a)
	a.dirty = err != nil
	r.mu.Unlock()
	return err
}

// Unassign removes an agent from a team.
func (r *Agents) Unassign(agent, team string) error {
	r.mu.Lock()
	a, ok := r.agents[agent]
	if !ok {
		r.mu.Unlock()
		return &protocol.NotFoundError{What: "agent", Key: agent}
	}
	if !containsString(a.Teams, team) {
		r.mu.Unlock()
		return &protocol.NotFoundError{What: "team", Key: team}
	}
	a.Teams = removeString(a.Teams, team)
	a.UpdatedAt = r.clock.Now()
	err := r.store.Append(logstore.FileAgents, a)
	a.dirty = err != nil
	r.mu.Unlock()
	return err
}

// ListTeams returns all teams sorted by name.
func (r *Agents) ListTeams() []Team {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Team, 0, len(r.teams))
	for _, t := range r.teams {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TeamName < out[j].TeamName })
	return out
}

// TeamExists reports whether a team is registered.
func (r *Agents) TeamExists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.teams[name]
	return ok
}

// RetryPersist re-appends agents whose last persist failed. Called
// periodically by the façade.
func (r *Agents) RetryPersist() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.agents {
		if !a.dirty {
			continue
		}
		if err := r.store.Append(logstore.FileAgents, a); err != nil {
			slog.Warn("registry.agents.retry_failed", "agent", a.AgentName, "error", err)
			continue
		}
		a.dirty = false
	}
}

// Compact rewrites the agents and teams logs down to their live records.
func (r *Agents) Compact() error {
	r.mu.RLock()
	agents := make([]any, 0, len(r.agents))
	for _, a := range r.agents {
		agents = append(agents, a.clone())
	}
	teams := make([]any, 0, len(r.teams))
	for _, t := range r.teams {
		teams = append(teams, *t)
	}
	r.mu.RUnlock()

	sort.Slice(agents, func(i, j int) bool { return agents[i].(Agent).AgentName < agents[j].(Agent).AgentName })
	sort.Slice(teams, func(i, j int) bool { return teams[i].(Team).TeamName < teams[j].(Team).TeamName })

	if err := r.store.Rewrite(logstore.FileAgents, agents); err != nil {
		return err
	}
	return r.store.Rewrite(logstore.FileTeams, teams)
}

func removeString(list []string, drop string) []string {
	out := list[:0]
	for _, v := range list {
		if v != drop {
			out = append(out, v)
		}
	}
	return out
}
