package mcpserver

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/termclaw/internal/orchestrator"
	"github.com/nextlevelbuilder/termclaw/internal/registry"
	"github.com/nextlevelbuilder/termclaw/internal/term"
	"github.com/nextlevelbuilder/termclaw/pkg/protocol"
)

func (s *Server) registerSessionTools() {
	s.mcp.AddTool(mcp.NewTool(protocol.MethodListSessions,
		mcp.WithDescription("List live terminal sessions, optionally filtered."),
		mcp.WithString("name_prefix", mcp.Description("Only sessions whose name starts with this prefix")),
		mcp.WithString("tag", mcp.Description("Only sessions carrying this tag")),
		mcp.WithBoolean("agents_only", mcp.Description("Only sessions with an agent bound")),
		mcp.WithBoolean("include_dead", mcp.Description("Include terminated sessions")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return jsonResult(s.o.ListSessions(registry.SessionFilter{
			NamePrefix:  req.GetString("name_prefix", ""),
			Tag:         req.GetString("tag", ""),
			AgentsOnly:  req.GetBool("agents_only", false),
			IncludeDead: req.GetBool("include_dead", false),
		}))
	})

	s.mcp.AddTool(mcp.NewTool(protocol.MethodCreateSessions,
		mcp.WithDescription("Create terminal panes, optionally launching an agent CLI and binding an agent name in each."),
		mcp.WithArray("configs", mcp.Required(),
			mcp.Description("Per-pane config: name, agent, agent_type (claude|gemini|codex|copilot), team, profile, command, monitor, role"),
			mcp.Items(objectItems)),
		mcp.WithString("layout", mcp.Description("tabs (default), rows, columns, or grid")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := bind[struct {
			Configs []orchestrator.SessionConfig `json:"configs"`
			Layout  string                       `json:"layout"`
		}](req)
		if err != nil {
			return errResult(err)
		}
		results, err := s.o.CreateSessions(ctx, args.Configs, args.Layout)
		if err != nil {
			return errResult(err)
		}
		return jsonResult(results)
	})

	s.mcp.AddTool(mcp.NewTool(protocol.MethodSplitSession,
		mcp.WithDescription("Split an existing pane and register the new pane as a session."),
		mcp.WithObject("target", mcp.Required(), mcp.Description("Session to split: session_id, name, agent, or persistent_id")),
		mcp.WithString("direction", mcp.Description("above, below (default), left, or right")),
		mcp.WithObject("config", mcp.Description("Config for the new pane, same fields as create_sessions")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := bind[struct {
			Target    protocol.TargetRef         `json:"target"`
			Direction string                     `json:"direction"`
			Config    orchestrator.SessionConfig `json:"config"`
		}](req)
		if err != nil {
			return errResult(err)
		}
		dir := term.SplitDirection(args.Direction)
		if args.Direction == "" {
			dir = term.SplitBelow
		}
		res, err := s.o.SplitSession(ctx, args.Target, dir, args.Config)
		if err != nil {
			return errResult(err)
		}
		return jsonResult(res)
	})

	s.mcp.AddTool(mcp.NewTool(protocol.MethodModifySessions,
		mcp.WithDescription("Change pane appearance (colors, badge) and focus. Color components are 0-255."),
		mcp.WithArray("modifications", mcp.Required(),
			mcp.Description("Per-target changes: target, background_color, tab_color, cursor_color, badge, focus, set_active"),
			mcp.Items(objectItems)),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := bind[struct {
			Modifications []orchestrator.Modification `json:"modifications"`
		}](req)
		if err != nil {
			return errResult(err)
		}
		results, err := s.o.ModifySessions(ctx, args.Modifications)
		if err != nil {
			return errResult(err)
		}
		return jsonResult(results)
	})

	s.mcp.AddTool(mcp.NewTool(protocol.MethodFocusSession,
		mcp.WithDescription("Bring one session's pane to the front."),
		mcp.WithObject("target", mcp.Required(), mcp.Description("Session descriptor")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := bind[struct {
			Target protocol.TargetRef `json:"target"`
		}](req)
		if err != nil {
			return errResult(err)
		}
		if err := s.o.FocusSession(ctx, args.Target); err != nil {
			return errResult(err)
		}
		return jsonResult(map[string]bool{"focused": true})
	})

	s.mcp.AddTool(mcp.NewTool(protocol.MethodSetActive,
		mcp.WithDescription("Make one session the active pane."),
		mcp.WithObject("target", mcp.Required(), mcp.Description("Session descriptor")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := bind[struct {
			Target protocol.TargetRef `json:"target"`
		}](req)
		if err != nil {
			return errResult(err)
		}
		if err := s.o.SetActiveSession(ctx, args.Target); err != nil {
			return errResult(err)
		}
		return jsonResult(map[string]bool{"active": true})
	})

	s.mcp.AddTool(mcp.NewTool(protocol.MethodSetTags,
		mcp.WithDescription("Replace a session's tag set."),
		mcp.WithObject("target", mcp.Required(), mcp.Description("Session descriptor")),
		mcp.WithArray("tags", mcp.Required(), mcp.Description("New tag list"), mcp.Items(map[string]any{"type": "string"})),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := bind[struct {
			Target protocol.TargetRef `json:"target"`
			Tags   []string           `json:"tags"`
		}](req)
		if err != nil {
			return errResult(err)
		}
		updated, err := s.o.SetSessionTags(args.Target, args.Tags)
		if err != nil {
			return errResult(err)
		}
		return jsonResult(updated)
	})

	s.mcp.AddTool(mcp.NewTool(protocol.MethodQueryByTag,
		mcp.WithDescription("List live sessions carrying a tag."),
		mcp.WithString("tag", mcp.Required(), mcp.Description("Tag to match")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tag, err := req.RequireString("tag")
		if err != nil {
			return errResult(err)
		}
		return jsonResult(s.o.QuerySessionsByTag(tag))
	})
}
