package mcpserver

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/termclaw/pkg/protocol"
)

func (s *Server) registerRoleTools() {
	s.mcp.AddTool(mcp.NewTool(protocol.MethodAssignRole,
		mcp.WithDescription("Set the permission role on a session. Roles: observer, worker, coordinator, admin."),
		mcp.WithObject("target", mcp.Required(), mcp.Description("Session descriptor")),
		mcp.WithString("role", mcp.Required(), mcp.Description("Role name; empty clears the role")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := bind[struct {
			Target protocol.TargetRef `json:"target"`
			Role   string             `json:"role"`
		}](req)
		if err != nil {
			return errResult(err)
		}
		session, err := s.o.AssignSessionRole(args.Target, args.Role)
		if err != nil {
			return errResult(err)
		}
		return jsonResult(session)
	})

	s.mcp.AddTool(mcp.NewTool(protocol.MethodCheckPermission,
		mcp.WithDescription("Check whether a session's role allows a tool."),
		mcp.WithObject("target", mcp.Required(), mcp.Description("Session descriptor")),
		mcp.WithString("tool", mcp.Required(), mcp.Description("Tool method name")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := bind[struct {
			Target protocol.TargetRef `json:"target"`
			Tool   string             `json:"tool"`
		}](req)
		if err != nil {
			return errResult(err)
		}
		allowed, err := s.o.CheckToolPermission(args.Target, args.Tool)
		if err != nil {
			return errResult(err)
		}
		return jsonResult(map[string]bool{"allowed": allowed})
	})

	s.mcp.AddTool(mcp.NewTool(protocol.MethodListRoles,
		mcp.WithDescription("List the available roles and the tools each allows. An empty tool list means unrestricted."),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return jsonResult(s.o.ListAvailableRoles())
	})
}
