// Package mcpserver exposes the orchestrator operations as MCP tools over
// stdio. Each tool binds its JSON arguments, calls one façade operation, and
// returns the result as JSON text.
package mcpserver

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/termclaw/internal/orchestrator"
	"github.com/nextlevelbuilder/termclaw/internal/tracing"
	"github.com/nextlevelbuilder/termclaw/pkg/protocol"
)

const instructions = `termclaw orchestrates multiple AI coding agents across terminal panes.

Typical flow:
1. create_sessions to open panes (optionally launching an agent in each)
2. register_agent / create_team to name who sits where
3. write_to_sessions, read_sessions, send_cascade_message to communicate
4. lock_session around critical commands; notify to report status
5. create_manager + delegate_task / execute_plan to fan work out to workers

Pass your agent name as "caller" on write operations so locks and role
policies apply to you.`

// Server wraps the MCP server and the kernel it fronts.
type Server struct {
	mcp *server.MCPServer
	o   *orchestrator.Orchestrator
}

// New builds the MCP server and registers the full tool surface.
func New(o *orchestrator.Orchestrator, version string) *Server {
	s := &Server{o: o}
	s.mcp = server.NewMCPServer("termclaw", version,
		server.WithToolCapabilities(false),
		server.WithInstructions(instructions),
		server.WithRecovery(),
		server.WithToolHandlerMiddleware(s.traceCalls),
		server.WithToolHandlerMiddleware(s.enforceRoles),
	)
	s.registerSessionTools()
	s.registerMessagingTools()
	s.registerAgentTools()
	s.registerNotifyTools()
	s.registerPlanTools()
	s.registerRoleTools()
	return s
}

// ServeStdio blocks serving the stdio transport until EOF or a fatal error.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// traceCalls wraps every tool call in a span. With telemetry disabled the
// global tracer is a noop.
func (s *Server) traceCalls(next server.ToolHandlerFunc) server.ToolHandlerFunc {
	tracer := otel.Tracer("termclaw")
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ctx, span := tracer.Start(ctx, tracing.SpanOperation,
			trace.WithAttributes(tracing.OperationAttrs(req.Params.Name, req.GetString("caller", ""))...))
		defer span.End()

		res, err := next(ctx, req)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return res, err
	}
}

// enforceRoles denies a tool call when the caller's session carries a role
// that does not allow it. Anonymous callers and role-less sessions pass.
func (s *Server) enforceRoles(next server.ToolHandlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caller := req.GetString("caller", "")
		if caller == "" {
			return next(ctx, req)
		}
		allowed, err := s.o.CheckToolPermission(protocol.TargetRef{Agent: caller}, req.Params.Name)
		if err != nil {
			// Caller has no session; nothing to enforce against.
			return next(ctx, req)
		}
		if !allowed {
			slog.Warn("mcp.tool_denied", "tool", req.Params.Name, "caller", caller)
			return mcp.NewToolResultError("role policy denies " + req.Params.Name + " for " + caller), nil
		}
		return next(ctx, req)
	}
}

// jsonResult marshals v as the tool's text content.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError("encode result: " + err.Error()), nil
	}
	return mcp.NewToolResultText(string(b)), nil
}

// errResult reports an operation failure as a tool error, keeping the
// protocol error text intact for the client.
func errResult(err error) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultError(err.Error()), nil
}

// bind decodes the request arguments into a typed struct.
func bind[T any](req mcp.CallToolRequest) (T, error) {
	var args T
	err := req.BindArguments(&args)
	return args, err
}

// objectItems is the loose schema for arrays of structured arguments; the
// handlers validate the decoded values.
var objectItems = map[string]any{"type": "object"}
