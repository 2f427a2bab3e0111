// Package roles evaluates per-session tool permissions. A role names an
// allow set over the tool surface; specs may reference tool groups with the
// "group:" prefix. Sessions without a role, or with an unknown role, are
// unrestricted.
package roles

import (
	"log/slog"
	"sort"
	"strings"
)

// toolGroups map group names to tool method names.
var toolGroups = map[string][]string{
	"sessions": {
		"list_sessions", "create_sessions", "split_session", "modify_sessions",
		"set_active_session", "focus_session", "set_session_tags", "query_sessions_by_tag",
	},
	"messaging": {
		"write_to_sessions", "read_sessions", "send_cascade_message",
		"send_control_character", "send_special_key",
	},
	"agents": {
		"register_agent", "remove_agent", "list_agents", "create_team",
		"remove_team", "assign_agent_to_team", "remove_agent_from_team", "list_teams",
	},
	"locks": {
		"lock_session", "unlock_session", "request_session_access", "list_locks",
	},
	"notifications": {
		"get_notifications", "get_agent_status_summary", "notify",
		"wait_for_agent", "record_feedback",
	},
	"events": {
		"subscribe_to_output_pattern", "unsubscribe",
	},
	"plans": {
		"create_manager", "delegate_task", "execute_plan",
		"add_worker_to_manager", "remove_worker_from_manager",
	},
}

// rolePolicies are the built-in roles. An empty spec means unrestricted.
var rolePolicies = map[string][]string{
	// observer reads but never mutates panes.
	"observer": {
		"list_sessions", "read_sessions", "list_agents", "list_teams",
		"list_locks", "get_notifications", "get_agent_status_summary",
	},
	// worker runs commands in its own panes and reports status.
	"worker": {
		"group:messaging", "group:notifications", "list_sessions",
		"request_session_access",
	},
	// coordinator drives other agents but leaves session lifecycle alone.
	"coordinator": {
		"group:messaging", "group:notifications", "group:locks",
		"group:plans", "group:events", "list_sessions", "list_agents", "list_teams",
	},
	// admin carries no restrictions.
	"admin": {},
}

// Engine answers permission checks. Stateless beyond its policy tables; safe
// for concurrent use.
type Engine struct{}

// NewEngine returns the built-in policy engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Allowed reports whether a role may invoke a tool. Empty or unknown roles
// are unrestricted.
func (e *Engine) Allowed(role, tool string) bool {
	if role == "" {
		return true
	}
	spec, ok := rolePolicies[role]
	if !ok {
		slog.Warn("roles.unknown_role", "role", role)
		return true
	}
	if len(spec) == 0 {
		return true
	}
	return expandSpec(spec)[tool]
}

// Known reports whether a role name exists in the policy table.
func (e *Engine) Known(role string) bool {
	_, ok := rolePolicies[role]
	return ok
}

// Roles lists the known role names, sorted.
func (e *Engine) Roles() []string {
	out := make([]string, 0, len(rolePolicies))
	for name := range rolePolicies {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// AllowedTools expands a role's spec to concrete tool names, sorted. An
// unrestricted role returns nil.
func (e *Engine) AllowedTools(role string) []string {
	spec, ok := rolePolicies[role]
	if !ok || len(spec) == 0 {
		return nil
	}
	expanded := expandSpec(spec)
	out := make([]string, 0, len(expanded))
	for t := range expanded {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// expandSpec resolves "group:" entries into tool names.
func expandSpec(spec []string) map[string]bool {
	expanded := make(map[string]bool)
	for _, s := range spec {
		if name, ok := strings.CutPrefix(s, "group:"); ok {
			for _, m := range toolGroups[name] {
				expanded[m] = true
			}
			continue
		}
		expanded[s] = true
	}
	return expanded
}
