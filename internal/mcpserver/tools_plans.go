package mcpserver

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/termclaw/internal/plan"
	"github.com/nextlevelbuilder/termclaw/pkg/protocol"
)

func (s *Server) registerPlanTools() {
	s.mcp.AddTool(mcp.NewTool(protocol.MethodCreateManager,
		mcp.WithDescription("Create a manager that delegates tasks to worker agents. Strategies: round_robin, role_based, least_busy, priority, random."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Manager name")),
		mcp.WithArray("workers", mcp.Required(), mcp.Description("Worker agent names, in priority order"), mcp.Items(map[string]any{"type": "string"})),
		mcp.WithObject("worker_roles", mcp.Description("Role per worker, for role_based selection")),
		mcp.WithString("strategy", mcp.Description("Selection strategy, default round_robin")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := bind[struct {
			Name        string            `json:"name"`
			Workers     []string          `json:"workers"`
			WorkerRoles map[string]string `json:"worker_roles"`
			Strategy    string            `json:"strategy"`
		}](req)
		if err != nil {
			return errResult(err)
		}
		m, err := s.o.CreateManager(args.Name, args.Workers, args.WorkerRoles, args.Strategy)
		if err != nil {
			return errResult(err)
		}
		return jsonResult(m)
	})

	s.mcp.AddTool(mcp.NewTool(protocol.MethodDelegateTask,
		mcp.WithDescription("Route one task to a worker chosen by the manager's strategy and wait for its output."),
		mcp.WithString("manager", mcp.Required(), mcp.Description("Manager name")),
		mcp.WithString("task", mcp.Required(), mcp.Description("Task text written to the worker's session")),
		mcp.WithString("role", mcp.Description("Preferred worker role, for role_based managers")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := bind[struct {
			Manager string `json:"manager"`
			Task    string `json:"task"`
			Role    string `json:"role"`
		}](req)
		if err != nil {
			return errResult(err)
		}
		outcome, err := s.o.DelegateTask(ctx, args.Manager, args.Task, args.Role)
		if err != nil {
			return errResult(err)
		}
		return jsonResult(outcome)
	})

	s.mcp.AddTool(mcp.NewTool(protocol.MethodExecutePlan,
		mcp.WithDescription("Execute a dependency-ordered plan through a manager. Steps: id, task, role, depends_on, timeout_sec, retries, validation (regex the output must match), parallel_group."),
		mcp.WithString("manager", mcp.Required(), mcp.Description("Manager name")),
		mcp.WithObject("plan", mcp.Required(), mcp.Description("Plan: name, steps, stop_on_failure")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := bind[struct {
			Manager string    `json:"manager"`
			Plan    plan.Plan `json:"plan"`
		}](req)
		if err != nil {
			return errResult(err)
		}
		result, err := s.o.ExecutePlan(ctx, args.Manager, args.Plan)
		if err != nil {
			return errResult(err)
		}
		return jsonResult(result)
	})

	s.mcp.AddTool(mcp.NewTool(protocol.MethodAddWorker,
		mcp.WithDescription("Add a worker agent to a manager's pool."),
		mcp.WithString("manager", mcp.Required(), mcp.Description("Manager name")),
		mcp.WithString("worker", mcp.Required(), mcp.Description("Worker agent name")),
		mcp.WithString("role", mcp.Description("Worker role for role_based selection")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := bind[struct {
			Manager string `json:"manager"`
			Worker  string `json:"worker"`
			Role    string `json:"role"`
		}](req)
		if err != nil {
			return errResult(err)
		}
		if err := s.o.AddWorkerToManager(args.Manager, args.Worker, args.Role); err != nil {
			return errResult(err)
		}
		return jsonResult(map[string]bool{"added": true})
	})

	s.mcp.AddTool(mcp.NewTool(protocol.MethodRemoveWorker,
		mcp.WithDescription("Remove a worker from a manager's pool."),
		mcp.WithString("manager", mcp.Required(), mcp.Description("Manager name")),
		mcp.WithString("worker", mcp.Required(), mcp.Description("Worker agent name")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := bind[struct {
			Manager string `json:"manager"`
			Worker  string `json:"worker"`
		}](req)
		if err != nil {
			return errResult(err)
		}
		if err := s.o.RemoveWorkerFromManager(args.Manager, args.Worker); err != nil {
			return errResult(err)
		}
		return jsonResult(map[string]bool{"removed": true})
	})
}
