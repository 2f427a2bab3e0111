package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/termclaw/internal/bus"
	"github.com/nextlevelbuilder/termclaw/internal/config"
	"github.com/nextlevelbuilder/termclaw/internal/dispatch"
	"github.com/nextlevelbuilder/termclaw/internal/ids"
	"github.com/nextlevelbuilder/termclaw/internal/plan"
	"github.com/nextlevelbuilder/termclaw/internal/registry"
	"github.com/nextlevelbuilder/termclaw/internal/term"
	"github.com/nextlevelbuilder/termclaw/pkg/protocol"
)

func newTestKernel(t *testing.T) (*Orchestrator, *term.MemDriver) {
	t.Helper()
	cfg := config.Default()
	cfg.LogDir = t.TempDir()
	cfg.Monitor.PollIntervalMS = 5
	driver := term.NewMemDriver()
	clock := ids.NewMockClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	o, err := New(cfg, driver, clock)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(o.Close)
	return o, driver
}

func createOne(t *testing.T, o *Orchestrator, name, agent string) registry.Session {
	t.Helper()
	results, err := o.CreateSessions(context.Background(), []SessionConfig{
		{Name: name, Agent: agent},
	}, LayoutTabs)
	if err != nil {
		t.Fatalf("CreateSessions: %v", err)
	}
	if results[0].Err != nil {
		t.Fatalf("create %s: %v", name, results[0].Err)
	}
	s, ok := o.sessions.Get(results[0].SessionID)
	if !ok {
		t.Fatalf("session %s not registered", results[0].SessionID)
	}
	return s
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestCreateSessionsBindsAgentAndWrites(t *testing.T) {
	o, driver := newTestKernel(t)
	s := createOne(t, o, "build", "builder")

	if got, _ := o.agents.ResolveSession("builder"); got != s.SessionID {
		t.Fatalf("builder bound to %q, want %q", got, s.SessionID)
	}

	entries, err := o.WriteToSessions(context.Background(), "",
		[]dispatch.Message{{Content: "make all", Targets: []protocol.TargetRef{{Agent: "builder"}}, ExecuteEnter: true}},
		false, false, nil)
	if err != nil {
		t.Fatalf("WriteToSessions: %v", err)
	}
	if entries[0].Err != nil {
		t.Fatalf("write entry: %v", entries[0].Err)
	}
	if !strings.Contains(driver.Contents(s.SessionID), "make all") {
		t.Fatalf("pane missing written content: %q", driver.Contents(s.SessionID))
	}
}

func TestWriteToSessionsRejectsEmptyBatch(t *testing.T) {
	o, _ := newTestKernel(t)
	if _, err := o.WriteToSessions(context.Background(), "", nil, false, false, nil); err == nil {
		t.Fatal("empty batch accepted")
	}
	_, err := o.WriteToSessions(context.Background(), "",
		[]dispatch.Message{{Content: "x"}}, false, false, nil)
	var iae *protocol.InvalidArgumentError
	if !errors.As(err, &iae) {
		t.Fatalf("targetless message: got %v, want InvalidArgumentError", err)
	}
}

func TestLockBlocksOtherWriters(t *testing.T) {
	o, driver := newTestKernel(t)
	s := createOne(t, o, "deploy", "deployer")

	if _, err := o.LockSession("deployer", protocol.TargetRef{SessionID: s.SessionID}, "deploying", 0); err != nil {
		t.Fatalf("LockSession: %v", err)
	}

	ref := []protocol.TargetRef{{SessionID: s.SessionID}}
	entries, err := o.WriteToSessions(context.Background(), "intruder",
		[]dispatch.Message{{Content: "rm -rf /tmp/x", Targets: ref}}, false, false, nil)
	if err != nil {
		t.Fatalf("WriteToSessions: %v", err)
	}
	var lbe *protocol.LockedByError
	if !errors.As(entries[0].Err, &lbe) {
		t.Fatalf("intruder write: got %v, want LockedByError", entries[0].Err)
	}
	if strings.Contains(driver.Contents(s.SessionID), "rm -rf") {
		t.Fatal("blocked write reached the pane")
	}

	// The owner writes through its own lock.
	entries, _ = o.WriteToSessions(context.Background(), "deployer",
		[]dispatch.Message{{Content: "kubectl apply", Targets: ref, ExecuteEnter: true}}, false, false, nil)
	if entries[0].Err != nil {
		t.Fatalf("owner write: %v", entries[0].Err)
	}

	// Access requests are recorded and always denied.
	req, granted, err := o.RequestSessionAccess("intruder", protocol.TargetRef{SessionID: s.SessionID})
	if err != nil {
		t.Fatalf("RequestSessionAccess: %v", err)
	}
	if granted {
		t.Fatal("access request granted")
	}
	if req.Owner != "deployer" {
		t.Fatalf("request owner = %q, want deployer", req.Owner)
	}

	if err := o.UnlockSession("deployer", protocol.TargetRef{SessionID: s.SessionID}); err != nil {
		t.Fatalf("UnlockSession: %v", err)
	}
	if locks := o.ListLocks(); len(locks) != 0 {
		t.Fatalf("locks after release: %v", locks)
	}
}

func TestLockRequiresNamedOwner(t *testing.T) {
	o, _ := newTestKernel(t)
	s := createOne(t, o, "w", "")
	_, err := o.LockSession("", protocol.TargetRef{SessionID: s.SessionID}, "", 0)
	var iae *protocol.InvalidArgumentError
	if !errors.As(err, &iae) {
		t.Fatalf("anonymous lock: got %v, want InvalidArgumentError", err)
	}
}

func TestCloseSessionReleasesLocksAndMarksDead(t *testing.T) {
	o, _ := newTestKernel(t)
	s := createOne(t, o, "doomed", "victim")
	if _, err := o.LockSession("victim", protocol.TargetRef{SessionID: s.SessionID}, "", 0); err != nil {
		t.Fatalf("LockSession: %v", err)
	}

	var mu sync.Mutex
	closed := false
	o.Bus().Subscribe(protocol.TopicSessionClosed, func(bus.Event) {
		mu.Lock()
		closed = true
		mu.Unlock()
	})

	if err := o.CloseSession(context.Background(), protocol.TargetRef{SessionID: s.SessionID}); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	if locks := o.ListLocks(); len(locks) != 0 {
		t.Fatalf("locks survived close: %v", locks)
	}
	if live := o.ListSessions(registry.SessionFilter{}); len(live) != 0 {
		t.Fatalf("dead session still listed: %v", live)
	}
	waitUntil(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return closed
	})
}

func TestCascadeThroughFacade(t *testing.T) {
	o, driver := newTestKernel(t)
	fe := createOne(t, o, "fe", "frontend")
	be := createOne(t, o, "be", "backend")
	if err := o.AssignAgentToTeam("backend", "infra"); err != nil {
		t.Fatalf("Assign: %v", err)
	}

	entries, err := o.SendCascadeMessage(context.Background(), "", "standup in 5",
		map[string]string{"infra": "check disk usage"}, nil, false)
	if err != nil {
		t.Fatalf("SendCascadeMessage: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("cascade entries = %d, want 2", len(entries))
	}
	if !strings.Contains(driver.Contents(fe.SessionID), "standup in 5") {
		t.Fatalf("frontend missed broadcast: %q", driver.Contents(fe.SessionID))
	}
	if !strings.Contains(driver.Contents(be.SessionID), "check disk usage") {
		t.Fatalf("backend missed team message: %q", driver.Contents(be.SessionID))
	}
}

func TestDelegateTaskRunsOnWorkerSession(t *testing.T) {
	o, driver := newTestKernel(t)
	s := createOne(t, o, "w1", "worker-1")

	if _, err := o.CreateManager("boss", []string{"worker-1"}, nil, protocol.StrategyRoundRobin); err != nil {
		t.Fatalf("CreateManager: %v", err)
	}

	outcome, err := o.DelegateTask(context.Background(), "boss", "echo hi", "")
	if err != nil {
		t.Fatalf("DelegateTask: %v", err)
	}
	if outcome.State != protocol.StepSucceeded {
		t.Fatalf("state = %q (%s), want succeeded", outcome.State, outcome.Error)
	}
	if outcome.Worker != "worker-1" {
		t.Fatalf("worker = %q", outcome.Worker)
	}
	if !strings.Contains(driver.Contents(s.SessionID), "echo hi") {
		t.Fatalf("task never reached pane: %q", driver.Contents(s.SessionID))
	}
}

func TestCreateManagerRejectsUnknownWorker(t *testing.T) {
	o, _ := newTestKernel(t)
	_, err := o.CreateManager("boss", []string{"ghost"}, nil, "")
	var nfe *protocol.NotFoundError
	if !errors.As(err, &nfe) {
		t.Fatalf("got %v, want NotFoundError", err)
	}
}

func TestExecutePlanAcrossWorkers(t *testing.T) {
	o, driver := newTestKernel(t)
	s1 := createOne(t, o, "w1", "worker-1")
	s2 := createOne(t, o, "w2", "worker-2")
	if _, err := o.CreateManager("boss", []string{"worker-1", "worker-2"}, nil, protocol.StrategyRoundRobin); err != nil {
		t.Fatalf("CreateManager: %v", err)
	}

	result, err := o.ExecutePlan(context.Background(), "boss", plan.Plan{
		Name: "release",
		Steps: []plan.Step{
			{ID: "build", Task: "make build"},
			{ID: "test", Task: "make test", DependsOn: []string{"build"}},
		},
	})
	if err != nil {
		t.Fatalf("ExecutePlan: %v", err)
	}
	if result.State != "succeeded" {
		t.Fatalf("plan state = %q: %+v", result.State, result.Steps)
	}
	combined := driver.Contents(s1.SessionID) + driver.Contents(s2.SessionID)
	for _, task := range []string{"make build", "make test"} {
		if !strings.Contains(combined, task) {
			t.Fatalf("task %q never delivered", task)
		}
	}
}

func TestNotifyAndStatusSummary(t *testing.T) {
	o, _ := newTestKernel(t)

	if _, err := o.Notify("builder", "bogus", "x", "", ""); err == nil {
		t.Fatal("bogus level accepted")
	}
	if _, err := o.Notify("builder", protocol.LevelSuccess, "build green", "", ""); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if _, err := o.Notify("builder", protocol.LevelError, "deploy failed", "prod", "rollback"); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	got, err := o.GetNotifications("builder", "", 0)
	if err != nil {
		t.Fatalf("GetNotifications: %v", err)
	}
	if len(got) != 2 || got[0].Summary != "deploy failed" {
		t.Fatalf("newest-first order broken: %+v", got)
	}

	summary := o.AgentStatusSummary(80)
	if !strings.Contains(summary, "builder") || !strings.Contains(summary, "deploy failed") {
		t.Fatalf("summary missing latest entry: %q", summary)
	}
}

func TestRecordFeedbackIDFormat(t *testing.T) {
	o, _ := newTestKernel(t)
	id, err := o.RecordFeedback("builder", "ux", "enter delay feels long")
	if err != nil {
		t.Fatalf("RecordFeedback: %v", err)
	}
	if !strings.HasPrefix(id, "fb-20260301-") {
		t.Fatalf("feedback id = %q", id)
	}
	if _, err := o.RecordFeedback("", "", ""); err == nil {
		t.Fatal("empty feedback accepted")
	}
}

func TestWaitForAgentIdleAndTimeout(t *testing.T) {
	o, driver := newTestKernel(t)
	s := createOne(t, o, "w", "watched")
	driver.FeedOutput(s.SessionID, "$ done\n")

	res, err := o.WaitForAgent(context.Background(), "watched", 2*time.Second, true, false)
	if err != nil {
		t.Fatalf("WaitForAgent: %v", err)
	}
	if !res.Idle || res.TimedOut {
		t.Fatalf("result = %+v, want idle", res)
	}
	if len(res.Output) == 0 || res.Output[0] != "$ done" {
		t.Fatalf("output = %v", res.Output)
	}

	// A deadline shorter than one poll interval always times out.
	o.cfg.Monitor.PollIntervalMS = 1000
	res, err = o.WaitForAgent(context.Background(), "watched", 20*time.Millisecond, false, true)
	if err != nil {
		t.Fatalf("WaitForAgent: %v", err)
	}
	if !res.TimedOut {
		t.Fatalf("result = %+v, want timed out", res)
	}
	warnings, _ := o.GetNotifications("watched", protocol.LevelWarning, 0)
	if len(warnings) == 0 {
		t.Fatal("timeout did not record a warning notification")
	}
}

func TestSubscribeToOutputPatternFiresEvent(t *testing.T) {
	o, driver := newTestKernel(t)
	s := createOne(t, o, "build", "")

	if _, err := o.SubscribeToOutputPattern(protocol.TargetRef{SessionID: s.SessionID}, `BUILD (PASSED|FAILED)`, "build.finished"); err != nil {
		t.Fatalf("SubscribeToOutputPattern: %v", err)
	}

	var mu sync.Mutex
	var line string
	o.Bus().Subscribe("build.finished", func(ev bus.Event) {
		if m, ok := ev.Payload.(bus.PatternMatch); ok {
			mu.Lock()
			line = m.Line
			mu.Unlock()
		}
	})

	// Baseline poll first, then the interesting output appears.
	time.Sleep(20 * time.Millisecond)
	driver.FeedOutput(s.SessionID, "compiling...\nBUILD PASSED\n")

	waitUntil(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return line == "BUILD PASSED"
	})
}

func TestModifySessionsValidatesColorsUpFront(t *testing.T) {
	o, driver := newTestKernel(t)
	s := createOne(t, o, "styled", "")

	bad := &protocol.RGB{Red: 300}
	if _, err := o.ModifySessions(context.Background(), []Modification{
		{Target: protocol.TargetRef{SessionID: s.SessionID}, BackgroundColor: bad},
	}); err == nil {
		t.Fatal("out-of-range color accepted")
	}

	badge := "reviewing"
	results, err := o.ModifySessions(context.Background(), []Modification{
		{Target: protocol.TargetRef{SessionID: s.SessionID}, Badge: &badge},
	})
	if err != nil {
		t.Fatalf("ModifySessions: %v", err)
	}
	if results[0].Err != nil {
		t.Fatalf("modify: %v", results[0].Err)
	}
	if driver.Badge(s.SessionID) != "reviewing" {
		t.Fatalf("badge = %q", driver.Badge(s.SessionID))
	}
}

func TestSessionRolePermissions(t *testing.T) {
	o, _ := newTestKernel(t)
	s := createOne(t, o, "obs", "")

	if _, err := o.AssignSessionRole(protocol.TargetRef{SessionID: s.SessionID}, "nonsense"); err == nil {
		t.Fatal("unknown role accepted")
	}
	if _, err := o.AssignSessionRole(protocol.TargetRef{SessionID: s.SessionID}, "observer"); err != nil {
		t.Fatalf("AssignSessionRole: %v", err)
	}

	allowed, err := o.CheckToolPermission(protocol.TargetRef{SessionID: s.SessionID}, "read_sessions")
	if err != nil || !allowed {
		t.Fatalf("observer read_sessions = %v, %v", allowed, err)
	}
	allowed, _ = o.CheckToolPermission(protocol.TargetRef{SessionID: s.SessionID}, "write_to_sessions")
	if allowed {
		t.Fatal("observer may write")
	}

	roles := o.ListAvailableRoles()
	if _, ok := roles["coordinator"]; !ok {
		t.Fatalf("roles = %v", roles)
	}
}

func TestRenameSessionUpdatesRegistry(t *testing.T) {
	o, _ := newTestKernel(t)
	s := createOne(t, o, "old-name", "")

	updated, err := o.RenameSession(protocol.TargetRef{Name: "old-name"}, "new-name")
	if err != nil {
		t.Fatalf("RenameSession: %v", err)
	}
	if updated.Name != "new-name" {
		t.Fatalf("name = %q", updated.Name)
	}
	if _, err := o.resolver.ResolveOne(protocol.TargetRef{Name: "new-name"}); err != nil {
		t.Fatalf("resolve by new name: %v", err)
	}
	if updated.SessionID != s.SessionID {
		t.Fatalf("rename changed session id: %q vs %q", updated.SessionID, s.SessionID)
	}
}

func TestSplitSessionRegistersNewPane(t *testing.T) {
	o, _ := newTestKernel(t)
	createOne(t, o, "main", "")

	res, err := o.SplitSession(context.Background(), protocol.TargetRef{Name: "main"},
		term.SplitBelow, SessionConfig{})
	if err != nil {
		t.Fatalf("SplitSession: %v", err)
	}
	if res.Name != "main-split" {
		t.Fatalf("split name = %q", res.Name)
	}
	if live := o.ListSessions(registry.SessionFilter{}); len(live) != 2 {
		t.Fatalf("sessions = %d, want 2", len(live))
	}
}

func TestTagsQueryAndMaxLines(t *testing.T) {
	o, _ := newTestKernel(t)
	s := createOne(t, o, "tagged", "")

	if _, err := o.SetSessionTags(protocol.TargetRef{SessionID: s.SessionID}, []string{"ci", "prod"}); err != nil {
		t.Fatalf("SetSessionTags: %v", err)
	}
	if got := o.QuerySessionsByTag("ci"); len(got) != 1 || got[0].SessionID != s.SessionID {
		t.Fatalf("QuerySessionsByTag = %v", got)
	}
	if got := o.QuerySessionsByTag("staging"); len(got) != 0 {
		t.Fatalf("unexpected match: %v", got)
	}

	updated, err := o.SetMaxLines(protocol.TargetRef{SessionID: s.SessionID}, 7)
	if err != nil {
		t.Fatalf("SetMaxLines: %v", err)
	}
	if updated.MaxLines != 7 {
		t.Fatalf("max lines = %d", updated.MaxLines)
	}
}
