package mcpserver

import (
	"context"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/termclaw/pkg/protocol"
)

func (s *Server) registerAgentTools() {
	s.mcp.AddTool(mcp.NewTool(protocol.MethodRegisterAgent,
		mcp.WithDescription("Bind an agent name to a session. Re-registering the same name rebinds it."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Agent name")),
		mcp.WithObject("target", mcp.Description("Session to bind; omit for an unbound agent")),
		mcp.WithArray("teams", mcp.Description("Teams to join"), mcp.Items(map[string]any{"type": "string"})),
		mcp.WithString("role", mcp.Description("Permission role for the agent")),
		mcp.WithObject("metadata", mcp.Description("Free-form string metadata")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := bind[struct {
			Name     string             `json:"name"`
			Target   protocol.TargetRef `json:"target"`
			Teams    []string           `json:"teams"`
			Role     string             `json:"role"`
			Metadata map[string]string  `json:"metadata"`
		}](req)
		if err != nil {
			return errResult(err)
		}
		a, err := s.o.RegisterAgent(args.Name, args.Target, args.Teams, args.Role, args.Metadata)
		if err != nil {
			return errResult(err)
		}
		return jsonResult(a)
	})

	s.mcp.AddTool(mcp.NewTool(protocol.MethodRemoveAgent,
		mcp.WithDescription("Remove an agent binding. The session stays open."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Agent name")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("name")
		if err != nil {
			return errResult(err)
		}
		if err := s.o.RemoveAgent(name); err != nil {
			return errResult(err)
		}
		return jsonResult(map[string]bool{"removed": true})
	})

	s.mcp.AddTool(mcp.NewTool(protocol.MethodListAgents,
		mcp.WithDescription("List registered agents, optionally restricted to one team."),
		mcp.WithString("team", mcp.Description("Team name")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agents, err := s.o.ListAgents(req.GetString("team", ""))
		if err != nil {
			return errResult(err)
		}
		return jsonResult(agents)
	})

	s.mcp.AddTool(mcp.NewTool(protocol.MethodResolveAgent,
		mcp.WithDescription("Return the session currently bound to an agent."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Agent name")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("name")
		if err != nil {
			return errResult(err)
		}
		session, err := s.o.ResolveAgentSession(name)
		if err != nil {
			return errResult(err)
		}
		return jsonResult(session)
	})

	s.mcp.AddTool(mcp.NewTool(protocol.MethodCreateTeam,
		mcp.WithDescription("Create a team."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Team name")),
		mcp.WithString("description", mcp.Description("What the team does")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("name")
		if err != nil {
			return errResult(err)
		}
		if err := s.o.CreateTeam(name, req.GetString("description", "")); err != nil {
			return errResult(err)
		}
		return jsonResult(map[string]bool{"created": true})
	})

	s.mcp.AddTool(mcp.NewTool(protocol.MethodRemoveTeam,
		mcp.WithDescription("Remove a team. With force, members are unassigned first; without, a non-empty team is refused."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Team name")),
		mcp.WithBoolean("force", mcp.Description("Unassign members before removing")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("name")
		if err != nil {
			return errResult(err)
		}
		if err := s.o.RemoveTeam(name, req.GetBool("force", false)); err != nil {
			return errResult(err)
		}
		return jsonResult(map[string]bool{"removed": true})
	})

	s.mcp.AddTool(mcp.NewTool(protocol.MethodAssignToTeam,
		mcp.WithDescription("Add an agent to a team."),
		mcp.WithString("agent", mcp.Required(), mcp.Description("Agent name")),
		mcp.WithString("team", mcp.Required(), mcp.Description("Team name")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := bind[struct {
			Agent string `json:"agent"`
			Team  string `json:"team"`
		}](req)
		if err != nil {
			return errResult(err)
		}
		if err := s.o.AssignAgentToTeam(args.Agent, args.Team); err != nil {
			return errResult(err)
		}
		return jsonResult(map[string]bool{"assigned": true})
	})

	s.mcp.AddTool(mcp.NewTool(protocol.MethodRemoveFromTeam,
		mcp.WithDescription("Drop an agent from a team."),
		mcp.WithString("agent", mcp.Required(), mcp.Description("Agent name")),
		mcp.WithString("team", mcp.Required(), mcp.Description("Team name")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := bind[struct {
			Agent string `json:"agent"`
			Team  string `json:"team"`
		}](req)
		if err != nil {
			return errResult(err)
		}
		if err := s.o.RemoveAgentFromTeam(args.Agent, args.Team); err != nil {
			return errResult(err)
		}
		return jsonResult(map[string]bool{"unassigned": true})
	})

	s.mcp.AddTool(mcp.NewTool(protocol.MethodListTeams,
		mcp.WithDescription("List teams."),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return jsonResult(s.o.ListTeams())
	})

	s.mcp.AddTool(mcp.NewTool(protocol.MethodLockSession,
		mcp.WithDescription("Take the exclusive write lock on a session. Other agents' writes are refused until release or expiry."),
		mcp.WithString("caller", mcp.Required(), mcp.Description("Your agent name; the lock owner")),
		mcp.WithObject("target", mcp.Required(), mcp.Description("Session descriptor")),
		mcp.WithString("reason", mcp.Description("Why the lock is held")),
		mcp.WithNumber("ttl_seconds", mcp.Description("Lock lifetime; 0 or omitted means no expiry")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := bind[struct {
			Caller     string             `json:"caller"`
			Target     protocol.TargetRef `json:"target"`
			Reason     string             `json:"reason"`
			TTLSeconds int                `json:"ttl_seconds"`
		}](req)
		if err != nil {
			return errResult(err)
		}
		l, err := s.o.LockSession(args.Caller, args.Target, args.Reason, time.Duration(args.TTLSeconds)*time.Second)
		if err != nil {
			return errResult(err)
		}
		return jsonResult(l)
	})

	s.mcp.AddTool(mcp.NewTool(protocol.MethodUnlockSession,
		mcp.WithDescription("Release a lock you hold."),
		mcp.WithString("caller", mcp.Required(), mcp.Description("Your agent name")),
		mcp.WithObject("target", mcp.Required(), mcp.Description("Session descriptor")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := bind[struct {
			Caller string             `json:"caller"`
			Target protocol.TargetRef `json:"target"`
		}](req)
		if err != nil {
			return errResult(err)
		}
		if err := s.o.UnlockSession(args.Caller, args.Target); err != nil {
			return errResult(err)
		}
		return jsonResult(map[string]bool{"unlocked": true})
	})

	s.mcp.AddTool(mcp.NewTool(protocol.MethodRequestAccess,
		mcp.WithDescription("Ask for access to a locked session. The request is recorded and announced; the kernel itself always denies."),
		mcp.WithString("caller", mcp.Required(), mcp.Description("Your agent name")),
		mcp.WithObject("target", mcp.Required(), mcp.Description("Session descriptor")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := bind[struct {
			Caller string             `json:"caller"`
			Target protocol.TargetRef `json:"target"`
		}](req)
		if err != nil {
			return errResult(err)
		}
		request, granted, err := s.o.RequestSessionAccess(args.Caller, args.Target)
		if err != nil {
			return errResult(err)
		}
		return jsonResult(map[string]any{"granted": granted, "request": request})
	})

	s.mcp.AddTool(mcp.NewTool(protocol.MethodListLocks,
		mcp.WithDescription("List active session locks."),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return jsonResult(s.o.ListLocks())
	})
}
