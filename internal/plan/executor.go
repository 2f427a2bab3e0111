package plan

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"regexp"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/nextlevelbuilder/termclaw/internal/bus"
	"github.com/nextlevelbuilder/termclaw/internal/ids"
	"github.com/nextlevelbuilder/termclaw/internal/registry"
	"github.com/nextlevelbuilder/termclaw/internal/tracing"
	"github.com/nextlevelbuilder/termclaw/pkg/protocol"
)

// WorkerRunner delivers a task to a worker agent and returns the output once
// the worker's prompt comes back. The context carries the step timeout.
type WorkerRunner interface {
	Run(ctx context.Context, worker, task string) (output string, err error)
}

// Executor schedules plans for manager agents. One Executor serves all
// managers; per-run state lives on the stack of Execute.
type Executor struct {
	managers *registry.Managers
	bus      *bus.Bus
	runner   WorkerRunner
	clock    ids.Clock

	maxParallel    int
	defaultTimeout time.Duration

	// inflight counts running tasks per worker, for least_busy selection.
	mu       sync.Mutex
	inflight map[string]int
	rng      *rand.Rand

	// sleep and backoff are swapped out in tests.
	sleep   func(ctx context.Context, d time.Duration) error
	backoff func(attempt int) time.Duration
}

// Options sizes the executor. Zero values take the defaults.
type Options struct {
	MaxParallel    int           // concurrent steps per executor, default 8
	DefaultTimeout time.Duration // per-step default, default 120s
}

// NewExecutor builds the executor.
func NewExecutor(managers *registry.Managers, eventBus *bus.Bus, runner WorkerRunner, clock ids.Clock, opts Options) *Executor {
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 8
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 120 * time.Second
	}
	return &Executor{
		managers:       managers,
		bus:            eventBus,
		runner:         runner,
		clock:          clock,
		maxParallel:    opts.MaxParallel,
		defaultTimeout: opts.DefaultTimeout,
		inflight:       make(map[string]int),
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:          sleepCtx,
		backoff:        retryBackoff,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// retryBackoff doubles from 1s and caps at 30s. attempt is 1-based: the wait
// before retry n.
func retryBackoff(attempt int) time.Duration {
	d := time.Second << (attempt - 1)
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

// run-local step state.
type stepState struct {
	step    Step
	outcome StepOutcome
	deps    int // unmet dependencies
}

// Execute runs a plan to completion. The returned Result lists every step in
// submission order; Execute errors only on invalid input or unknown manager.
func (e *Executor) Execute(ctx context.Context, managerName string, p Plan) (Result, error) {
	mgr, ok := e.managers.Get(managerName)
	if !ok {
		return Result{}, &protocol.NotFoundError{What: "manager", Key: managerName}
	}
	if err := Validate(p); err != nil {
		return Result{}, err
	}

	ctx, span := otel.Tracer("termclaw").Start(ctx, tracing.SpanPlanExecute,
		trace.WithAttributes(attribute.String(tracing.AttrPlan, p.Name)))
	defer span.End()

	states := make(map[string]*stepState, len(p.Steps))
	dependents := make(map[string][]string)
	order := make([]string, 0, len(p.Steps))
	for _, s := range p.Steps {
		states[s.ID] = &stepState{
			step:    s,
			deps:    len(s.DependsOn),
			outcome: StepOutcome{StepID: s.ID, State: protocol.StepPending},
		}
		order = append(order, s.ID)
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	sem := semaphore.NewWeighted(int64(e.maxParallel))
	var (
		mu       sync.Mutex // guards states and stopping
		stopping bool
	)

	// settle marks a step terminal and unblocks dependents. Caller holds mu.
	settle := func(id string) {
		st := states[id]
		if st.outcome.State == protocol.StepFailed && p.StopOnFailure {
			stopping = true
		}
		for _, next := range dependents[id] {
			states[next].deps--
		}
	}

	for {
		mu.Lock()
		var frontier []*stepState
		pendingLeft := false
		for _, id := range order {
			st := states[id]
			if st.outcome.State != protocol.StepPending {
				continue
			}
			pendingLeft = true
			if stopping {
				st.outcome.State = protocol.StepSkipped
				st.outcome.Error = "plan stopped on earlier failure"
				e.publishStep(mgr.Name, p.Name, st, 0)
				settle(id)
				continue
			}
			if st.deps > 0 {
				continue
			}
			if e.depFailed(states, st.step) {
				st.outcome.State = protocol.StepSkipped
				st.outcome.Error = "dependency did not succeed"
				e.publishStep(mgr.Name, p.Name, st, 0)
				settle(id)
				continue
			}
			frontier = append(frontier, st)
		}
		if !pendingLeft {
			mu.Unlock()
			break
		}
		if len(frontier) == 0 {
			// Unreachable for a validated DAG; fail closed instead of spinning.
			for _, id := range order {
				st := states[id]
				if st.outcome.State == protocol.StepPending {
					st.outcome.State = protocol.StepSkipped
					st.outcome.Error = "scheduler found no runnable step"
				}
			}
			mu.Unlock()
			break
		}

		// One group at a time; members of a group run concurrently. Ungrouped
		// steps are singleton groups dispatched in submission order.
		group := []*stepState{frontier[0]}
		if tag := frontier[0].step.ParallelGroup; tag != "" {
			for _, st := range frontier[1:] {
				if st.step.ParallelGroup == tag {
					group = append(group, st)
				}
			}
		}
		for _, st := range group {
			st.outcome.State = protocol.StepRunning
		}
		mu.Unlock()

		var wg sync.WaitGroup
		for _, st := range group {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := sem.Acquire(ctx, 1); err != nil {
					mu.Lock()
					st.outcome.State = protocol.StepSkipped
					st.outcome.Error = err.Error()
					settle(st.step.ID)
					mu.Unlock()
					return
				}
				defer sem.Release(1)

				out := e.runStep(ctx, mgr.Name, p.Name, st.step)
				mu.Lock()
				st.outcome = out
				settle(st.step.ID)
				mu.Unlock()
			}()
		}
		wg.Wait()
	}

	result := Result{Plan: p.Name, Manager: mgr.Name, State: "succeeded"}
	for _, id := range order {
		out := states[id].outcome
		if out.State != protocol.StepSucceeded {
			result.State = "failed"
		}
		result.Steps = append(result.Steps, out)
	}
	e.bus.Publish(protocol.TopicPlanCompleted, result, bus.High)
	return result, nil
}

// depFailed reports whether any dependency ended in a non-succeeded terminal
// state. Caller holds the run mutex.
func (e *Executor) depFailed(states map[string]*stepState, s Step) bool {
	for _, dep := range s.DependsOn {
		switch states[dep].outcome.State {
		case protocol.StepFailed, protocol.StepSkipped:
			return true
		}
	}
	return false
}

// runStep drives one step through its attempt loop.
func (e *Executor) runStep(ctx context.Context, manager, planName string, s Step) StepOutcome {
	ctx, span := otel.Tracer("termclaw").Start(ctx, tracing.SpanPlanStep, trace.WithAttributes(
		attribute.String(tracing.AttrPlan, planName),
		attribute.String(tracing.AttrStep, s.ID),
	))
	defer span.End()

	out := StepOutcome{StepID: s.ID, State: protocol.StepRunning, StartedAt: e.clock.Now()}

	var validator *regexp.Regexp
	if s.Validation != "" {
		validator = regexp.MustCompile(s.Validation) // checked by Validate
	}
	timeout := e.defaultTimeout
	if s.TimeoutSec > 0 {
		timeout = time.Duration(s.TimeoutSec) * time.Second
	}

	worker, err := e.selectWorker(manager, s.Role)
	if err != nil {
		out.State = protocol.StepFailed
		out.Err = err
		out.Error = err.Error()
		out.FinishedAt = e.clock.Now()
		e.publishStepOutcome(manager, planName, &out)
		return out
	}
	out.Worker = worker

	for attempt := 1; attempt <= s.Retries+1; attempt++ {
		out.Attempts = attempt
		e.publishStepOutcome(manager, planName, &out) // running, per attempt

		text, err := e.runAttempt(ctx, worker, s.Task, timeout)
		out.Output = text
		if err == nil && validator != nil && !validator.MatchString(text) {
			err = fmt.Errorf("output did not match validation pattern %q", s.Validation)
		}
		if err == nil {
			out.State = protocol.StepSucceeded
			out.Err = nil
			out.Error = ""
			out.FinishedAt = e.clock.Now()
			e.publishStepOutcome(manager, planName, &out)
			return out
		}

		out.State = protocol.StepFailed
		out.Err = err
		out.Error = err.Error()
		e.publishStepOutcome(manager, planName, &out)
		slog.Warn("plan.step_attempt_failed",
			"plan", planName, "step", s.ID, "worker", worker, "attempt", attempt, "error", err)

		if attempt <= s.Retries {
			if e.sleep(ctx, e.backoff(attempt)) != nil {
				break // cancelled during backoff
			}
			out.State = protocol.StepRunning
		}
	}
	out.FinishedAt = e.clock.Now()
	return out
}

// runAttempt runs one delivery under the step timeout and the inflight
// accounting least_busy reads.
func (e *Executor) runAttempt(ctx context.Context, worker, task string, timeout time.Duration) (string, error) {
	e.mu.Lock()
	e.inflight[worker]++
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.inflight[worker]--
		e.mu.Unlock()
	}()

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	text, err := e.runner.Run(attemptCtx, worker, task)
	if err != nil && attemptCtx.Err() == context.DeadlineExceeded {
		return text, &protocol.TimeoutError{Operation: "plan step on worker " + worker}
	}
	return text, err
}

func (e *Executor) publishStep(manager, planName string, st *stepState, attempt int) {
	out := st.outcome
	out.Attempts = attempt
	e.publishStepOutcome(manager, planName, &out)
}

func (e *Executor) publishStepOutcome(manager, planName string, out *StepOutcome) {
	e.bus.Publish(protocol.TopicPlanStep+"."+out.State, map[string]any{
		"manager": manager,
		"plan":    planName,
		"step":    out.StepID,
		"worker":  out.Worker,
		"state":   out.State,
		"attempt": out.Attempts,
		"error":   out.Error,
	}, bus.Normal)
}

// DelegateTask runs a single task through a manager as a one-step plan.
func (e *Executor) DelegateTask(ctx context.Context, manager, task, role string) (StepOutcome, error) {
	result, err := e.Execute(ctx, manager, Plan{
		Name:  "delegate",
		Steps: []Step{{ID: "task", Task: task, Role: role}},
	})
	if err != nil {
		return StepOutcome{}, err
	}
	return result.Steps[0], nil
}

// selectWorker applies the manager's strategy. Selection state (round-robin
// cursor) persists through the registry; inflight counts are process-local.
func (e *Executor) selectWorker(manager, role string) (string, error) {
	mgr, ok := e.managers.Get(manager)
	if !ok {
		return "", &protocol.NotFoundError{What: "manager", Key: manager}
	}
	if len(mgr.Workers) == 0 {
		return "", &protocol.InvalidArgumentError{Field: "manager", Reason: "manager has no workers"}
	}

	switch mgr.Strategy {
	case protocol.StrategyRoleBased:
		if role != "" {
			var pool []string
			for _, w := range mgr.Workers {
				if mgr.WorkerRoles[w] == role {
					pool = append(pool, w)
				}
			}
			if len(pool) > 0 {
				return e.leastLoaded(pool), nil
			}
		}
		// No role or no match: fall back to round-robin over all workers.
		fallthrough

	case protocol.StrategyRoundRobin, "":
		cur, err := e.managers.AdvanceCursor(manager)
		if err != nil {
			return "", err
		}
		return mgr.Workers[cur%len(mgr.Workers)], nil

	case protocol.StrategyLeastBusy:
		return e.leastLoaded(mgr.Workers), nil

	case protocol.StrategyPriority:
		e.mu.Lock()
		defer e.mu.Unlock()
		for _, w := range mgr.Workers {
			if e.inflight[w] == 0 {
				return w, nil
			}
		}
		return mgr.Workers[0], nil

	case protocol.StrategyRandom:
		e.mu.Lock()
		defer e.mu.Unlock()
		var idle []string
		for _, w := range mgr.Workers {
			if e.inflight[w] == 0 {
				idle = append(idle, w)
			}
		}
		if len(idle) == 0 {
			idle = mgr.Workers
		}
		return idle[e.rng.Intn(len(idle))], nil

	default:
		return "", &protocol.InvalidArgumentError{Field: "strategy", Reason: "unknown strategy " + mgr.Strategy}
	}
}

// leastLoaded picks the worker with the fewest in-flight tasks, ties broken
// by list order.
func (e *Executor) leastLoaded(workers []string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	best := workers[0]
	for _, w := range workers[1:] {
		if e.inflight[w] < e.inflight[best] {
			best = w
		}
	}
	return best
}

// InflightByWorker snapshots the per-worker in-flight counts. Used by status
// surfaces.
func (e *Executor) InflightByWorker() map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]int, len(e.inflight))
	for w, n := range e.inflight {
		if n > 0 {
			out[w] = n
		}
	}
	return out
}
