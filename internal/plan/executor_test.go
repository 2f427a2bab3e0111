package plan

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/termclaw/internal/bus"
	"github.com/nextlevelbuilder/termclaw/internal/ids"
	"github.com/nextlevelbuilder/termclaw/internal/logstore"
	"github.com/nextlevelbuilder/termclaw/internal/registry"
	"github.com/nextlevelbuilder/termclaw/pkg/protocol"
)

// fakeRunner scripts per-step behavior keyed by task, counting calls.
type fakeRunner struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(worker, task string, call int) (string, error)
}

func (r *fakeRunner) Run(ctx context.Context, worker, task string) (string, error) {
	r.mu.Lock()
	if r.calls == nil {
		r.calls = make(map[string]int)
	}
	r.calls[task]++
	call := r.calls[task]
	r.mu.Unlock()
	if r.fn == nil {
		return "done", nil
	}
	return r.fn(worker, task, call)
}

func (r *fakeRunner) count(task string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[task]
}

type planFixture struct {
	executor *Executor
	managers *registry.Managers
	runner   *fakeRunner
	bus      *bus.Bus
}

func newPlanFixture(t *testing.T, opts Options) *planFixture {
	t.Helper()
	clock := ids.NewMockClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	store, err := logstore.Open(filepath.Join(t.TempDir(), "logs"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	managers, err := registry.NewManagers(store, clock)
	if err != nil {
		t.Fatalf("managers: %v", err)
	}
	eventBus := bus.New(bus.Options{}, clock)
	t.Cleanup(eventBus.Close)

	runner := &fakeRunner{}
	ex := NewExecutor(managers, eventBus, runner, clock, opts)
	ex.sleep = func(context.Context, time.Duration) error { return nil }
	ex.backoff = func(int) time.Duration { return 0 }

	return &planFixture{executor: ex, managers: managers, runner: runner, bus: eventBus}
}

func (f *planFixture) addManager(t *testing.T, name string, workers []string, roles map[string]string, strategy string) {
	t.Helper()
	if _, err := f.managers.Create(name, workers, roles, strategy); err != nil {
		t.Fatalf("create manager: %v", err)
	}
}

func TestValidateRejectsCycle(t *testing.T) {
	err := Validate(Plan{Name: "p", Steps: []Step{
		{ID: "a", DependsOn: []string{"b"}},
		{ID: "b", DependsOn: []string{"a"}},
	}})
	var cycleErr *protocol.CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("err = %v, want CycleError", err)
	}
	path := strings.Join(cycleErr.Path, ",")
	if path != "a,b,a" && path != "b,a,b" {
		t.Errorf("cycle path = %v", cycleErr.Path)
	}
}

func TestValidateRejectsBadInput(t *testing.T) {
	cases := []struct {
		name string
		plan Plan
	}{
		{"empty", Plan{}},
		{"duplicate id", Plan{Steps: []Step{{ID: "a"}, {ID: "a"}}}},
		{"unknown dep", Plan{Steps: []Step{{ID: "a", DependsOn: []string{"ghost"}}}}},
		{"bad validation regex", Plan{Steps: []Step{{ID: "a", Validation: "(["}}}},
	}
	for _, tc := range cases {
		if err := Validate(tc.plan); err == nil {
			t.Errorf("%s: Validate accepted invalid plan", tc.name)
		}
	}
}

func TestExecuteCyclicPlanRunsNoSteps(t *testing.T) {
	f := newPlanFixture(t, Options{})
	f.addManager(t, "mgr", []string{"w1"}, nil, "")

	_, err := f.executor.Execute(context.Background(), "mgr", Plan{
		Name: "loop",
		Steps: []Step{
			{ID: "a", DependsOn: []string{"b"}},
			{ID: "b", DependsOn: []string{"a"}},
		},
	})
	var cycleErr *protocol.CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("err = %v, want CycleError", err)
	}
	if f.runner.count("") != 0 {
		t.Error("steps ran despite cycle")
	}
}

func TestExecuteUnknownManager(t *testing.T) {
	f := newPlanFixture(t, Options{})
	_, err := f.executor.Execute(context.Background(), "ghost", Plan{Steps: []Step{{ID: "a"}}})
	var nfErr *protocol.NotFoundError
	if !errors.As(err, &nfErr) {
		t.Fatalf("err = %v, want NotFoundError", err)
	}
}

func TestExecuteLinearPlanWithRetry(t *testing.T) {
	f := newPlanFixture(t, Options{})
	f.addManager(t, "mgr", []string{"w1"}, nil, "")
	f.runner.fn = func(_, task string, call int) (string, error) {
		if task == "run tests" && call == 1 {
			return "FAIL", nil
		}
		if task == "run tests" {
			return "PASS", nil
		}
		return "ok", nil
	}

	var (
		mu          sync.Mutex
		transitions []string
	)
	f.bus.Subscribe(protocol.TopicPlanStep+".*", func(ev bus.Event) {
		payload := ev.Payload.(map[string]any)
		mu.Lock()
		transitions = append(transitions, fmt.Sprintf("%s:%s", payload["step"], payload["state"]))
		mu.Unlock()
	})

	result, err := f.executor.Execute(context.Background(), "mgr", Plan{
		Name: "ship",
		Steps: []Step{
			{ID: "build", Task: "make build"},
			{ID: "test", Task: "run tests", DependsOn: []string{"build"}, Retries: 2, Validation: "PASS"},
			{ID: "deploy", Task: "make deploy", DependsOn: []string{"test"}},
		},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.State != "succeeded" {
		t.Fatalf("plan state = %s, steps = %+v", result.State, result.Steps)
	}

	byID := make(map[string]StepOutcome)
	for _, s := range result.Steps {
		byID[s.StepID] = s
	}
	if s := byID["build"]; s.State != protocol.StepSucceeded || s.Attempts != 1 {
		t.Errorf("build = %+v", s)
	}
	if s := byID["test"]; s.State != protocol.StepSucceeded || s.Attempts != 2 {
		t.Errorf("test = %+v, want success on attempt 2", s)
	}
	if s := byID["deploy"]; s.State != protocol.StepSucceeded {
		t.Errorf("deploy = %+v", s)
	}

	want := []string{
		"build:running", "build:succeeded",
		"test:running", "test:failed", "test:running", "test:succeeded",
		"deploy:running", "deploy:succeeded",
	}
	waitUntil(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(transitions) >= len(want)
	})
	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestExecuteParallelGroupRunsConcurrently(t *testing.T) {
	f := newPlanFixture(t, Options{})
	f.addManager(t, "mgr", []string{"w1", "w2"}, nil, "")

	// Both steps must be inside Run at the same time or the rendezvous times
	// out; a serialized executor fails the first step.
	var entered atomic.Int32
	f.runner.fn = func(_, _ string, _ int) (string, error) {
		entered.Add(1)
		deadline := time.Now().Add(2 * time.Second)
		for entered.Load() < 2 {
			if time.Now().After(deadline) {
				return "", fmt.Errorf("peer step never started")
			}
			time.Sleep(time.Millisecond)
		}
		return "done", nil
	}

	result, err := f.executor.Execute(context.Background(), "mgr", Plan{
		Name: "fanout",
		Steps: []Step{
			{ID: "left", Task: "l", ParallelGroup: "g"},
			{ID: "right", Task: "r", ParallelGroup: "g"},
		},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	for _, s := range result.Steps {
		if s.State != protocol.StepSucceeded {
			t.Errorf("step %s = %s (%s)", s.StepID, s.State, s.Error)
		}
	}
}

func TestStopOnFailureSkipsPendingSteps(t *testing.T) {
	f := newPlanFixture(t, Options{})
	f.addManager(t, "mgr", []string{"w1"}, nil, "")
	f.runner.fn = func(_, task string, _ int) (string, error) {
		if task == "explode" {
			return "", fmt.Errorf("boom")
		}
		return "ok", nil
	}

	result, err := f.executor.Execute(context.Background(), "mgr", Plan{
		Name:          "fragile",
		StopOnFailure: true,
		Steps: []Step{
			{ID: "a", Task: "explode", Retries: 1},
			{ID: "b", Task: "b", DependsOn: []string{"a"}},
			{ID: "c", Task: "c", DependsOn: []string{"b"}},
		},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.State != "failed" {
		t.Errorf("plan state = %s, want failed", result.State)
	}
	byID := make(map[string]StepOutcome)
	for _, s := range result.Steps {
		byID[s.StepID] = s
	}
	if s := byID["a"]; s.State != protocol.StepFailed || s.Attempts != 2 {
		t.Errorf("a = %+v, want failed after 2 attempts", s)
	}
	for _, id := range []string{"b", "c"} {
		if s := byID[id]; s.State != protocol.StepSkipped {
			t.Errorf("%s = %s, want skipped", id, s.State)
		}
	}
	if got := f.runner.count("b") + f.runner.count("c"); got != 0 {
		t.Errorf("skipped steps ran %d times", got)
	}
}

func TestDependencyFailureSkipsDependentsOnly(t *testing.T) {
	f := newPlanFixture(t, Options{})
	f.addManager(t, "mgr", []string{"w1"}, nil, "")
	f.runner.fn = func(_, task string, _ int) (string, error) {
		if task == "explode" {
			return "", fmt.Errorf("boom")
		}
		return "ok", nil
	}

	result, err := f.executor.Execute(context.Background(), "mgr", Plan{
		Name: "partial",
		Steps: []Step{
			{ID: "a", Task: "explode"},
			{ID: "b", Task: "b", DependsOn: []string{"a"}},
			{ID: "solo", Task: "solo"},
		},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	byID := make(map[string]StepOutcome)
	for _, s := range result.Steps {
		byID[s.StepID] = s
	}
	if byID["b"].State != protocol.StepSkipped {
		t.Errorf("b = %s, want skipped", byID["b"].State)
	}
	if byID["solo"].State != protocol.StepSucceeded {
		t.Errorf("solo = %s, want succeeded", byID["solo"].State)
	}
	if result.State != "failed" {
		t.Errorf("plan state = %s, want failed", result.State)
	}
}

func TestStepTimeoutFailsStep(t *testing.T) {
	f := newPlanFixture(t, Options{DefaultTimeout: 20 * time.Millisecond})
	f.addManager(t, "mgr", []string{"w1"}, nil, "")
	f.runner.fn = func(_, _ string, _ int) (string, error) {
		return "", context.DeadlineExceeded
	}

	result, err := f.executor.Execute(context.Background(), "mgr", Plan{
		Name:  "slow",
		Steps: []Step{{ID: "hang", Task: "sleep"}},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Steps[0].State != protocol.StepFailed {
		t.Fatalf("step = %+v, want failed", result.Steps[0])
	}
}

func TestDelegateTaskSingleStep(t *testing.T) {
	f := newPlanFixture(t, Options{})
	f.addManager(t, "mgr", []string{"w1", "w2"}, nil, "")

	out, err := f.executor.DelegateTask(context.Background(), "mgr", "review PR", "")
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	if out.State != protocol.StepSucceeded || out.Worker == "" {
		t.Errorf("outcome = %+v", out)
	}
}

func TestRoundRobinCursorAlternates(t *testing.T) {
	f := newPlanFixture(t, Options{})
	f.addManager(t, "mgr", []string{"w1", "w2"}, nil, protocol.StrategyRoundRobin)

	var picked []string
	for i := 0; i < 4; i++ {
		w, err := f.executor.selectWorker("mgr", "")
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		picked = append(picked, w)
	}
	want := []string{"w1", "w2", "w1", "w2"}
	for i := range want {
		if picked[i] != want[i] {
			t.Fatalf("picks = %v, want %v", picked, want)
		}
	}
}

func TestRoleBasedSelectionWithFallback(t *testing.T) {
	f := newPlanFixture(t, Options{})
	f.addManager(t, "mgr", []string{"builder-1", "tester-1"},
		map[string]string{"builder-1": "builder", "tester-1": "tester"},
		protocol.StrategyRoleBased)

	w, err := f.executor.selectWorker("mgr", "tester")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if w != "tester-1" {
		t.Errorf("role pick = %s, want tester-1", w)
	}

	// Unmatched role falls back to round-robin over all workers.
	w, err = f.executor.selectWorker("mgr", "designer")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if w != "builder-1" && w != "tester-1" {
		t.Errorf("fallback pick = %s", w)
	}
}

func TestLeastBusySelection(t *testing.T) {
	f := newPlanFixture(t, Options{})
	f.addManager(t, "mgr", []string{"w1", "w2"}, nil, protocol.StrategyLeastBusy)

	f.executor.mu.Lock()
	f.executor.inflight["w1"] = 3
	f.executor.inflight["w2"] = 1
	f.executor.mu.Unlock()

	w, err := f.executor.selectWorker("mgr", "")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if w != "w2" {
		t.Errorf("pick = %s, want w2", w)
	}
}

func TestPrioritySelectionFirstIdle(t *testing.T) {
	f := newPlanFixture(t, Options{})
	f.addManager(t, "mgr", []string{"w1", "w2", "w3"}, nil, protocol.StrategyPriority)

	f.executor.mu.Lock()
	f.executor.inflight["w1"] = 1
	f.executor.mu.Unlock()

	w, err := f.executor.selectWorker("mgr", "")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if w != "w2" {
		t.Errorf("pick = %s, want w2", w)
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met before deadline")
	}
}
