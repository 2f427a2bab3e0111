// Package target translates target descriptors into concrete session sets.
// Unknown descriptors yield a ResolutionError without aborting batch peers;
// duplicate resolutions to the same session collapse.
package target

import (
	"github.com/nextlevelbuilder/termclaw/internal/registry"
	"github.com/nextlevelbuilder/termclaw/pkg/protocol"
)

// Resolver reads the session and agent registries. It never mutates them.
type Resolver struct {
	sessions *registry.Sessions
	agents   *registry.Agents
}

// NewResolver builds a resolver over the two registries.
func NewResolver(sessions *registry.Sessions, agents *registry.Agents) *Resolver {
	return &Resolver{sessions: sessions, agents: agents}
}

// Resolve expands one descriptor to sessions. Selector precedence follows
// descriptor specificity: session_id, name, agent, team, tag, persistent_id,
// broadcast.
func (r *Resolver) Resolve(ref protocol.TargetRef) ([]registry.Session, error) {
	switch {
	case ref.SessionID != "":
		s, ok := r.sessions.Get(ref.SessionID)
		if !ok {
			return nil, &protocol.ResolutionError{Descriptor: ref.String(), Reason: "unknown session id"}
		}
		return []registry.Session{s}, nil

	case ref.Name != "":
		s, ok := r.sessions.GetByName(ref.Name)
		if !ok {
			return nil, &protocol.ResolutionError{Descriptor: ref.String(), Reason: "no live session with that name"}
		}
		return []registry.Session{s}, nil

	case ref.Agent != "":
		sid, ok := r.agents.ResolveSession(ref.Agent)
		if !ok {
			return nil, &protocol.ResolutionError{Descriptor: ref.String(), Reason: "unknown agent"}
		}
		if sid == "" {
			return nil, &protocol.ResolutionError{Descriptor: ref.String(), Reason: "agent has no bound session"}
		}
		s, ok := r.sessions.Get(sid)
		if !ok {
			return nil, &protocol.ResolutionError{Descriptor: ref.String(), Reason: "agent session is not live"}
		}
		return []registry.Session{s}, nil

	case ref.Team != "":
		if !r.agents.TeamExists(ref.Team) {
			return nil, &protocol.ResolutionError{Descriptor: ref.String(), Reason: "unknown team"}
		}
		var out []registry.Session
		for _, a := range r.agents.List(ref.Team) {
			if a.SessionID == "" {
				continue
			}
			if s, ok := r.sessions.Get(a.SessionID); ok {
				out = append(out, s)
			}
		}
		return out, nil

	case ref.Tag != "":
		return r.sessions.GetByTag(ref.Tag), nil

	case ref.PersistentID != "":
		s, ok := r.sessions.GetByPersistentID(ref.PersistentID)
		if !ok {
			return nil, &protocol.ResolutionError{Descriptor: ref.String(), Reason: "unknown persistent id"}
		}
		if !s.Live {
			return nil, &protocol.ResolutionError{Descriptor: ref.String(), Reason: "session is not live; reconnect it first"}
		}
		return []registry.Session{s}, nil

	case ref.Broadcast:
		return r.sessions.All(), nil

	default:
		return nil, &protocol.ResolutionError{Descriptor: ref.String(), Reason: "empty target descriptor"}
	}
}

// ResolveOne expands a descriptor that must name exactly one session.
func (r *Resolver) ResolveOne(ref protocol.TargetRef) (registry.Session, error) {
	sessions, err := r.Resolve(ref)
	if err != nil {
		return registry.Session{}, err
	}
	if len(sessions) != 1 {
		return registry.Session{}, &protocol.ResolutionError{
			Descriptor: ref.String(),
			Reason:     "descriptor does not name exactly one session",
		}
	}
	return sessions[0], nil
}

// ResolveAll expands many descriptors, collapsing duplicate sessions. Errors
// come back per descriptor alongside the resolved set; resolution order is
// not significant.
func (r *Resolver) ResolveAll(refs []protocol.TargetRef) ([]registry.Session, []error) {
	var (
		out  []registry.Session
		errs []error
		seen = make(map[string]struct{})
	)
	for _, ref := range refs {
		sessions, err := r.Resolve(ref)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, s := range sessions {
			if _, dup := seen[s.SessionID]; dup {
				continue
			}
			seen[s.SessionID] = struct{}{}
			out = append(out, s)
		}
	}
	return out, errs
}
