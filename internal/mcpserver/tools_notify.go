package mcpserver

import (
	"context"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/termclaw/pkg/protocol"
)

func (s *Server) registerNotifyTools() {
	s.mcp.AddTool(mcp.NewTool(protocol.MethodNotify,
		mcp.WithDescription("Record a status notification. Levels: info, warning, error, success, blocked."),
		mcp.WithString("agent", mcp.Description("Reporting agent; empty for system notifications")),
		mcp.WithString("level", mcp.Required(), mcp.Description("Notification level")),
		mcp.WithString("summary", mcp.Required(), mcp.Description("One-line status")),
		mcp.WithString("context", mcp.Description("Extra detail")),
		mcp.WithString("action_hint", mcp.Description("What a reader should do about it")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := bind[struct {
			Agent      string `json:"agent"`
			Level      string `json:"level"`
			Summary    string `json:"summary"`
			Context    string `json:"context"`
			ActionHint string `json:"action_hint"`
		}](req)
		if err != nil {
			return errResult(err)
		}
		n, err := s.o.Notify(args.Agent, args.Level, args.Summary, args.Context, args.ActionHint)
		if err != nil {
			return errResult(err)
		}
		return jsonResult(n)
	})

	s.mcp.AddTool(mcp.NewTool(protocol.MethodGetNotifications,
		mcp.WithDescription("Fetch notifications newest-first, filtered by agent and/or level."),
		mcp.WithString("agent", mcp.Description("Only this agent's notifications")),
		mcp.WithString("level", mcp.Description("Only this level")),
		mcp.WithNumber("limit", mcp.Description("Max entries; 0 for all")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		got, err := s.o.GetNotifications(req.GetString("agent", ""), req.GetString("level", ""), req.GetInt("limit", 0))
		if err != nil {
			return errResult(err)
		}
		return jsonResult(got)
	})

	s.mcp.AddTool(mcp.NewTool(protocol.MethodAgentStatus,
		mcp.WithDescription("One line per agent: its most recent notification."),
		mcp.WithNumber("width", mcp.Description("Render width in cells; 0 for no truncation")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText(s.o.AgentStatusSummary(req.GetInt("width", 0))), nil
	})

	s.mcp.AddTool(mcp.NewTool(protocol.MethodWaitForAgent,
		mcp.WithDescription("Block until an agent's session output goes quiet, or the deadline passes."),
		mcp.WithString("agent", mcp.Required(), mcp.Description("Agent to wait for")),
		mcp.WithNumber("wait_up_to_seconds", mcp.Description("Deadline, default 30")),
		mcp.WithBoolean("return_output", mcp.Description("Include the final screen in the result")),
		mcp.WithBoolean("summary_on_timeout", mcp.Description("Record a warning notification if the wait times out")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := bind[struct {
			Agent            string `json:"agent"`
			WaitUpToSeconds  int    `json:"wait_up_to_seconds"`
			ReturnOutput     bool   `json:"return_output"`
			SummaryOnTimeout bool   `json:"summary_on_timeout"`
		}](req)
		if err != nil {
			return errResult(err)
		}
		res, err := s.o.WaitForAgent(ctx, args.Agent,
			time.Duration(args.WaitUpToSeconds)*time.Second, args.ReturnOutput, args.SummaryOnTimeout)
		if err != nil {
			return errResult(err)
		}
		return jsonResult(res)
	})

	s.mcp.AddTool(mcp.NewTool(protocol.MethodRecordFeedback,
		mcp.WithDescription("Record a feedback note about the orchestration experience."),
		mcp.WithString("agent", mcp.Description("Reporting agent")),
		mcp.WithString("category", mcp.Description("Free-form category")),
		mcp.WithString("message", mcp.Required(), mcp.Description("The feedback")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := bind[struct {
			Agent    string `json:"agent"`
			Category string `json:"category"`
			Message  string `json:"message"`
		}](req)
		if err != nil {
			return errResult(err)
		}
		id, err := s.o.RecordFeedback(args.Agent, args.Category, args.Message)
		if err != nil {
			return errResult(err)
		}
		return jsonResult(map[string]string{"feedback_id": id})
	})

	s.mcp.AddTool(mcp.NewTool(protocol.MethodSubscribePattern,
		mcp.WithDescription("Arm a regex trigger on a session's output. Matching lines publish the named event; output monitoring starts automatically."),
		mcp.WithObject("target", mcp.Required(), mcp.Description("Session descriptor")),
		mcp.WithString("pattern", mcp.Required(), mcp.Description("Regex matched against each new output line")),
		mcp.WithString("event_name", mcp.Required(), mcp.Description("Event topic published on match")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := bind[struct {
			Target    protocol.TargetRef `json:"target"`
			Pattern   string             `json:"pattern"`
			EventName string             `json:"event_name"`
		}](req)
		if err != nil {
			return errResult(err)
		}
		id, err := s.o.SubscribeToOutputPattern(args.Target, args.Pattern, args.EventName)
		if err != nil {
			return errResult(err)
		}
		return jsonResult(map[string]string{"subscription_id": id})
	})

	s.mcp.AddTool(mcp.NewTool(protocol.MethodUnsubscribe,
		mcp.WithDescription("Remove an event subscription."),
		mcp.WithString("subscription_id", mcp.Required(), mcp.Description("Id returned by subscribe_to_output_pattern")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("subscription_id")
		if err != nil {
			return errResult(err)
		}
		if err := s.o.Unsubscribe(id); err != nil {
			return errResult(err)
		}
		return jsonResult(map[string]bool{"unsubscribed": true})
	})
}
