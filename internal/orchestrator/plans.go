package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/termclaw/internal/bus"
	"github.com/nextlevelbuilder/termclaw/internal/dispatch"
	"github.com/nextlevelbuilder/termclaw/internal/plan"
	"github.com/nextlevelbuilder/termclaw/internal/registry"
	"github.com/nextlevelbuilder/termclaw/pkg/protocol"
)

// CreateManager registers a manager agent. Workers must already be registered
// agents so a plan never targets a name that cannot resolve.
func (o *Orchestrator) CreateManager(name string, workers []string, workerRoles map[string]string, strategy string) (registry.Manager, error) {
	for _, w := range workers {
		if _, ok := o.agents.Get(w); !ok {
			return registry.Manager{}, &protocol.NotFoundError{What: "agent", Key: w}
		}
	}
	m, err := o.managers.Create(name, workers, workerRoles, strategy)
	if err = o.persisted(err); err != nil {
		return registry.Manager{}, err
	}
	return m, nil
}

// RemoveManager deletes a manager record. Worker agents are untouched.
func (o *Orchestrator) RemoveManager(name string) error {
	return o.persisted(o.managers.Remove(name))
}

// ListManagers lists manager records sorted by name.
func (o *Orchestrator) ListManagers() []registry.Manager {
	return o.managers.List()
}

// AddWorkerToManager appends a worker, optionally tagging its role.
func (o *Orchestrator) AddWorkerToManager(manager, worker, role string) error {
	if _, ok := o.agents.Get(worker); !ok {
		return &protocol.NotFoundError{What: "agent", Key: worker}
	}
	return o.persisted(o.managers.AddWorker(manager, worker, role))
}

// RemoveWorkerFromManager drops a worker from a manager's pool.
func (o *Orchestrator) RemoveWorkerFromManager(manager, worker string) error {
	return o.persisted(o.managers.RemoveWorker(manager, worker))
}

// ExecutePlan runs a DAG plan through a manager and returns the full result.
func (o *Orchestrator) ExecutePlan(ctx context.Context, manager string, p plan.Plan) (plan.Result, error) {
	o.bus.Publish(protocol.TopicPlanStarted, map[string]any{
		"manager": manager,
		"plan":    p.Name,
		"steps":   len(p.Steps),
	}, bus.Normal)
	return o.executor.Execute(ctx, manager, p)
}

// DelegateTask routes one task through a manager's selection strategy.
func (o *Orchestrator) DelegateTask(ctx context.Context, manager, task, role string) (plan.StepOutcome, error) {
	if task == "" {
		return plan.StepOutcome{}, &protocol.InvalidArgumentError{Field: "task", Reason: "task must not be empty"}
	}
	o.bus.Publish(protocol.TopicPlanStarted, map[string]any{
		"manager": manager,
		"plan":    "delegate",
		"steps":   1,
	}, bus.Normal)
	return o.executor.DelegateTask(ctx, manager, task, role)
}

// WorkerLoad snapshots in-flight task counts per worker.
func (o *Orchestrator) WorkerLoad() map[string]int {
	return o.executor.InflightByWorker()
}

// workerRunner delivers plan steps through the dispatcher: write the task to
// the worker's session, then watch the screen until it settles and return the
// text that appeared. The step timeout arrives on ctx.
type workerRunner struct {
	o *Orchestrator
}

func (r *workerRunner) Run(ctx context.Context, worker, task string) (string, error) {
	o := r.o
	s, err := o.resolver.ResolveOne(protocol.TargetRef{Agent: worker})
	if err != nil {
		return "", err
	}

	baseline, err := o.driver.ReadScreen(ctx, s.SessionID, o.maxLinesFor(s))
	if err != nil {
		return "", err
	}
	before := strings.Join(baseline.Lines, "\n")

	entries := o.dispatcher.Write(ctx, []dispatch.Message{{
		Content:      task,
		Targets:      []protocol.TargetRef{{Agent: worker}},
		ExecuteEnter: true,
	}}, dispatch.WriteOpts{Caller: worker})
	for _, e := range entries {
		if e.Err != nil {
			return "", e.Err
		}
		if e.Suppressed || e.Withheld || e.Cancelled {
			return "", fmt.Errorf("task delivery to %s was %s", worker, entryDisposition(e))
		}
	}

	interval := o.cfg.CurrentTunables().PollInterval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()

	// Output settles when the screen stops changing for two polls after it
	// first moved past the baseline.
	prev := before
	moved := false
	stable := 0
	for {
		select {
		case <-ctx.Done():
			return appended(before, prev), ctx.Err()
		case <-tick.C:
			screen, err := o.driver.ReadScreen(ctx, s.SessionID, o.maxLinesFor(s))
			if err != nil {
				return appended(before, prev), err
			}
			cur := strings.Join(screen.Lines, "\n")
			if cur != prev {
				prev = cur
				if cur != before {
					moved = true
				}
				stable = 0
				continue
			}
			if moved {
				stable++
				if stable >= 2 {
					return appended(before, cur), nil
				}
			}
		}
	}
}

func entryDisposition(e dispatch.WriteEntry) string {
	switch {
	case e.Suppressed:
		return "suppressed as a duplicate"
	case e.Withheld:
		return "withheld by a send condition"
	default:
		return "cancelled"
	}
}

// appended returns the screen text that showed up after the baseline. When
// the screen scrolled past the baseline prefix, the whole screen comes back.
func appended(before, after string) string {
	if after == before {
		return ""
	}
	if strings.HasPrefix(after, before) {
		return strings.TrimPrefix(strings.TrimPrefix(after, before), "\n")
	}
	return after
}
