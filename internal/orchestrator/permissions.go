package orchestrator

import (
	"github.com/nextlevelbuilder/termclaw/internal/registry"
	"github.com/nextlevelbuilder/termclaw/pkg/protocol"
)

// AssignSessionRole sets the permission role on one session.
func (o *Orchestrator) AssignSessionRole(ref protocol.TargetRef, role string) (registry.Session, error) {
	if role != "" && !o.roles.Known(role) {
		return registry.Session{}, &protocol.InvalidArgumentError{Field: "role", Reason: "unknown role " + role}
	}
	s, err := o.resolver.ResolveOne(ref)
	if err != nil {
		return registry.Session{}, err
	}
	s, err = o.sessions.SetRole(s.SessionID, role)
	if err = o.persisted(err); err != nil {
		return registry.Session{}, err
	}
	return s, nil
}

// CheckToolPermission reports whether the session's role may invoke a tool.
func (o *Orchestrator) CheckToolPermission(ref protocol.TargetRef, tool string) (bool, error) {
	s, err := o.resolver.ResolveOne(ref)
	if err != nil {
		return false, err
	}
	return o.roles.Allowed(s.Role, tool), nil
}

// ListAvailableRoles returns the role names and the tools each one allows.
func (o *Orchestrator) ListAvailableRoles() map[string][]string {
	out := make(map[string][]string)
	for _, role := range o.roles.Roles() {
		out[role] = o.roles.AllowedTools(role)
	}
	return out
}
