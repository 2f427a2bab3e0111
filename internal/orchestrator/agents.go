package orchestrator

import (
	"time"

	"github.com/nextlevelbuilder/termclaw/internal/bus"
	"github.com/nextlevelbuilder/termclaw/internal/locks"
	"github.com/nextlevelbuilder/termclaw/internal/registry"
	"github.com/nextlevelbuilder/termclaw/pkg/protocol"
)

// RegisterAgent binds an agent name to a session. Idempotent by name; the
// target may be any descriptor resolving to one session, or zero for an
// unbound agent.
func (o *Orchestrator) RegisterAgent(name string, ref protocol.TargetRef, teams []string, role string, metadata map[string]string) (registry.Agent, error) {
	opts := registry.RegisterOpts{Teams: teams, Role: role, Metadata: metadata}
	if !ref.IsZero() {
		s, err := o.resolver.ResolveOne(ref)
		if err != nil {
			return registry.Agent{}, err
		}
		opts.SessionID = s.SessionID
		opts.PersistentID = s.PersistentID
	}
	a, err := o.agents.Register(name, opts)
	if err = o.persisted(err); err != nil {
		return registry.Agent{}, err
	}
	o.bus.Publish(protocol.TopicAgentRegistered, map[string]any{
		"agent":      a.AgentName,
		"session_id": a.SessionID,
	}, bus.Normal)
	return a, nil
}

// RemoveAgent deletes the agent binding; its session stays open.
func (o *Orchestrator) RemoveAgent(name string) error {
	if err := o.persisted(o.agents.Remove(name)); err != nil {
		return err
	}
	o.bus.Publish(protocol.TopicAgentRemoved, map[string]any{"agent": name}, bus.Normal)
	return nil
}

// ListAgents lists agents, optionally restricted to one team.
func (o *Orchestrator) ListAgents(team string) ([]registry.Agent, error) {
	if team != "" && !o.agents.TeamExists(team) {
		return nil, &protocol.NotFoundError{What: "team", Key: team}
	}
	return o.agents.List(team), nil
}

// ResolveAgentSession returns the session currently bound to an agent.
func (o *Orchestrator) ResolveAgentSession(name string) (registry.Session, error) {
	return o.resolver.ResolveOne(protocol.TargetRef{Agent: name})
}

// CreateTeam registers a team record.
func (o *Orchestrator) CreateTeam(name, description string) error {
	return o.persisted(o.agents.CreateTeam(name, description))
}

// RemoveTeam deletes a team; force unassigns members first.
func (o *Orchestrator) RemoveTeam(name string, force bool) error {
	return o.persisted(o.agents.RemoveTeam(name, force))
}

// AssignAgentToTeam adds an agent to a team.
func (o *Orchestrator) AssignAgentToTeam(agent, team string) error {
	return o.persisted(o.agents.Assign(agent, team))
}

// RemoveAgentFromTeam drops an agent from a team.
func (o *Orchestrator) RemoveAgentFromTeam(agent, team string) error {
	return o.persisted(o.agents.Unassign(agent, team))
}

// ListTeams lists team records.
func (o *Orchestrator) ListTeams() []registry.Team {
	return o.agents.ListTeams()
}

// LockSession takes the exclusive write lock on one session for an agent.
// ttl <= 0 means the lock never expires.
func (o *Orchestrator) LockSession(agent string, ref protocol.TargetRef, reason string, ttl time.Duration) (locks.Lock, error) {
	if agent == "" {
		return locks.Lock{}, &protocol.InvalidArgumentError{Field: "agent", Reason: "lock owner must be named"}
	}
	s, err := o.resolver.ResolveOne(ref)
	if err != nil {
		return locks.Lock{}, err
	}
	l, err := o.locks.Acquire(s.SessionID, agent, reason, ttl)
	if err != nil {
		return locks.Lock{}, err
	}
	o.bus.Publish(protocol.TopicLockAcquired, map[string]any{
		"session_id": l.SessionID,
		"owner":      l.OwnerAgent,
		"reason":     l.Reason,
	}, bus.Normal)
	return l, nil
}

// UnlockSession releases a held lock.
func (o *Orchestrator) UnlockSession(agent string, ref protocol.TargetRef) error {
	s, err := o.resolver.ResolveOne(ref)
	if err != nil {
		return err
	}
	if err := o.locks.Release(s.SessionID, agent); err != nil {
		return err
	}
	o.bus.Publish(protocol.TopicLockReleased, map[string]any{
		"session_id": s.SessionID,
		"owner":      agent,
	}, bus.Normal)
	return nil
}

// RequestSessionAccess records an access request against a locked session.
// Kernel policy always denies; the lock.requested event lets an integrator
// mediate.
func (o *Orchestrator) RequestSessionAccess(requester string, ref protocol.TargetRef) (locks.AccessRequest, bool, error) {
	s, err := o.resolver.ResolveOne(ref)
	if err != nil {
		return locks.AccessRequest{}, false, err
	}
	req, granted := o.locks.RequestAccess(s.SessionID, requester)
	o.bus.Publish(protocol.TopicLockRequested, map[string]any{
		"session_id": req.SessionID,
		"requester":  req.Requester,
		"owner":      req.Owner,
	}, bus.Normal)
	return req, granted, nil
}

// ListLocks returns the active locks.
func (o *Orchestrator) ListLocks() []locks.Lock {
	return o.locks.List()
}
