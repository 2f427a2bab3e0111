package mcpserver

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/termclaw/internal/dispatch"
	"github.com/nextlevelbuilder/termclaw/pkg/protocol"
)

func (s *Server) registerMessagingTools() {
	s.mcp.AddTool(mcp.NewTool(protocol.MethodWriteToSessions,
		mcp.WithDescription("Write messages to sessions. Each message fans out to every resolved target; per-target failures are reported, not raised."),
		mcp.WithString("caller", mcp.Description("Your agent name, for lock checks")),
		mcp.WithArray("messages", mcp.Required(),
			mcp.Description("Messages: content, targets (session_id|name|agent|team|tag|broadcast), execute_enter, use_encoding"),
			mcp.Items(objectItems)),
		mcp.WithBoolean("parallel", mcp.Description("Fan out concurrently; per-session order is still preserved")),
		mcp.WithBoolean("skip_duplicates", mcp.Description("Suppress contents already sent to a session within the dedup window")),
		mcp.WithArray("send_conditions",
			mcp.Description("Regex gates: pattern plus optional target; unmatched sessions have the write withheld"),
			mcp.Items(objectItems)),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := bind[struct {
			Caller         string                   `json:"caller"`
			Messages       []dispatch.Message       `json:"messages"`
			Parallel       bool                     `json:"parallel"`
			SkipDuplicates bool                     `json:"skip_duplicates"`
			SendConditions []dispatch.SendCondition `json:"send_conditions"`
		}](req)
		if err != nil {
			return errResult(err)
		}
		entries, err := s.o.WriteToSessions(ctx, args.Caller, args.Messages, args.Parallel, args.SkipDuplicates, args.SendConditions)
		if err != nil {
			return errResult(err)
		}
		return jsonResult(entries)
	})

	s.mcp.AddTool(mcp.NewTool(protocol.MethodReadSessions,
		mcp.WithDescription("Read screen contents from sessions, optionally filtered by a regex."),
		mcp.WithArray("targets", mcp.Required(), mcp.Description("Session descriptors"), mcp.Items(objectItems)),
		mcp.WithBoolean("parallel", mcp.Description("Read targets concurrently")),
		mcp.WithString("filter_pattern", mcp.Description("Only lines matching this regex")),
		mcp.WithNumber("max_lines", mcp.Description("Per-session line cap; falls back to the session then kernel default")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := bind[struct {
			Targets       []protocol.TargetRef `json:"targets"`
			Parallel      bool                 `json:"parallel"`
			FilterPattern string               `json:"filter_pattern"`
			MaxLines      int                  `json:"max_lines"`
		}](req)
		if err != nil {
			return errResult(err)
		}
		entries, err := s.o.ReadSessions(ctx, args.Targets, args.Parallel, args.FilterPattern, args.MaxLines)
		if err != nil {
			return errResult(err)
		}
		return jsonResult(entries)
	})

	s.mcp.AddTool(mcp.NewTool(protocol.MethodSendCascade,
		mcp.WithDescription("Send one message per agent by specificity: a direct agent message beats its team's, which beats the broadcast."),
		mcp.WithString("caller", mcp.Description("Your agent name")),
		mcp.WithString("broadcast", mcp.Description("Fallback message for agents with no more specific match")),
		mcp.WithObject("teams", mcp.Description("Per-team messages, keyed by team name")),
		mcp.WithObject("agents", mcp.Description("Per-agent messages, keyed by agent name")),
		mcp.WithBoolean("skip_duplicates", mcp.Description("Apply the dedup window")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := bind[struct {
			Caller         string            `json:"caller"`
			Broadcast      string            `json:"broadcast"`
			Teams          map[string]string `json:"teams"`
			Agents         map[string]string `json:"agents"`
			SkipDuplicates bool              `json:"skip_duplicates"`
		}](req)
		if err != nil {
			return errResult(err)
		}
		entries, err := s.o.SendCascadeMessage(ctx, args.Caller, args.Broadcast, args.Teams, args.Agents, args.SkipDuplicates)
		if err != nil {
			return errResult(err)
		}
		return jsonResult(entries)
	})

	s.mcp.AddTool(mcp.NewTool(protocol.MethodSendControl,
		mcp.WithDescription("Send a control character (a-z, e.g. c for Ctrl-C) to one session."),
		mcp.WithObject("target", mcp.Required(), mcp.Description("Session descriptor")),
		mcp.WithString("character", mcp.Required(), mcp.Description("Single letter a-z")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := bind[struct {
			Target    protocol.TargetRef `json:"target"`
			Character string             `json:"character"`
		}](req)
		if err != nil {
			return errResult(err)
		}
		if err := s.o.SendControlCharacter(ctx, args.Target, args.Character); err != nil {
			return errResult(err)
		}
		return jsonResult(map[string]bool{"sent": true})
	})

	s.mcp.AddTool(mcp.NewTool(protocol.MethodSendSpecialKey,
		mcp.WithDescription("Send a named key (enter, escape, tab, up, down, left, right, backspace, delete) to one session."),
		mcp.WithObject("target", mcp.Required(), mcp.Description("Session descriptor")),
		mcp.WithString("key", mcp.Required(), mcp.Description("Key name")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := bind[struct {
			Target protocol.TargetRef `json:"target"`
			Key    string             `json:"key"`
		}](req)
		if err != nil {
			return errResult(err)
		}
		if err := s.o.SendSpecialKey(ctx, args.Target, args.Key); err != nil {
			return errResult(err)
		}
		return jsonResult(map[string]bool{"sent": true})
	})
}
