package registry

import (
	"errors"
	"testing"
	"time"

	"github.com/nextlevelbuilder/termclaw/internal/ids"
	"github.com/nextlevelbuilder/termclaw/internal/logstore"
	"github.com/nextlevelbuilder/termclaw/pkg/protocol"
)

func newStore(t *testing.T) (*logstore.Store, *ids.MockClock) {
	t.Helper()
	store, err := logstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, ids.NewMockClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
}

func newSessions(t *testing.T) *Sessions {
	t.Helper()
	store, clock := newStore(t)
	r, err := NewSessions(store, clock)
	if err != nil {
		t.Fatalf("NewSessions: %v", err)
	}
	return r
}

func newAgents(t *testing.T, autoCreate bool) *Agents {
	t.Helper()
	store, clock := newStore(t)
	r, err := NewAgents(store, clock, autoCreate)
	if err != nil {
		t.Fatalf("NewAgents: %v", err)
	}
	return r
}

func TestSessionNameConflict(t *testing.T) {
	r := newSessions(t)
	if _, err := r.Register("pane-1", "build", ""); err != nil {
		t.Fatalf("Register: %v", err)
	}
	_, err := r.Register("pane-2", "build", "")
	var nce *protocol.NameConflictError
	if !errors.As(err, &nce) {
		t.Fatalf("duplicate name: got %v", err)
	}
}

func TestSessionRenameFreesOldName(t *testing.T) {
	r := newSessions(t)
	s, _ := r.Register("pane-1", "old", "")
	if _, err := r.Rename(s.SessionID, "new"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, ok := r.GetByName("old"); ok {
		t.Fatal("old name still resolves")
	}
	if _, err := r.Register("pane-2", "old", ""); err != nil {
		t.Fatalf("old name not freed: %v", err)
	}
}

func TestMarkDeadKeepsPersistentLookup(t *testing.T) {
	r := newSessions(t)
	s, _ := r.Register("pane-1", "build", "")
	if s.PersistentID == "" {
		t.Fatal("no persistent id assigned")
	}
	if err := r.MarkDead(s.SessionID); err != nil {
		t.Fatalf("MarkDead: %v", err)
	}

	if live := r.List(SessionFilter{}); len(live) != 0 {
		t.Fatalf("dead session listed: %v", live)
	}
	if all := r.List(SessionFilter{IncludeDead: true}); len(all) != 1 {
		t.Fatalf("dead session dropped from IncludeDead list: %v", all)
	}
	got, ok := r.GetByPersistentID(s.PersistentID)
	if !ok || got.Live {
		t.Fatalf("persistent lookup after death = %+v, %v", got, ok)
	}
	// The name is free for reuse once the holder is dead.
	if _, err := r.Register("pane-2", "build", ""); err != nil {
		t.Fatalf("name not freed by death: %v", err)
	}
}

func TestRegisterRebindReleasesPreviousHandleAndName(t *testing.T) {
	r := newSessions(t)
	s, _ := r.Register("pane-1", "alpha", "")

	// Rebinding the persistent id while the old handle is still live displaces
	// it: the old handle and the old name both stop resolving.
	rebound, err := r.Register("pane-2", "beta", s.PersistentID)
	if err != nil {
		t.Fatalf("rebind: %v", err)
	}
	if rebound.SessionID != "pane-2" || rebound.PersistentID != s.PersistentID || !rebound.Live {
		t.Fatalf("rebound = %+v", rebound)
	}
	if _, ok := r.GetByName("alpha"); ok {
		t.Fatal("old name still resolves after rebind")
	}
	if _, ok := r.Get("pane-1"); ok {
		t.Fatal("old handle still resolves after rebind")
	}
	if got, ok := r.GetByName("beta"); !ok || got.SessionID != "pane-2" {
		t.Fatalf("GetByName(beta) = %+v, %v", got, ok)
	}
	// The old name is free for a fresh registration.
	if _, err := r.Register("pane-3", "alpha", ""); err != nil {
		t.Fatalf("old name not released: %v", err)
	}
}

func TestRegisterRebindAfterDeath(t *testing.T) {
	r := newSessions(t)
	s, _ := r.Register("pane-1", "alpha", "")
	if err := r.MarkDead(s.SessionID); err != nil {
		t.Fatalf("MarkDead: %v", err)
	}

	rebound, err := r.Register("pane-2", "alpha", s.PersistentID)
	if err != nil {
		t.Fatalf("rebind: %v", err)
	}
	if rebound.SessionID != "pane-2" || !rebound.Live {
		t.Fatalf("rebound = %+v", rebound)
	}
	if got, _ := r.GetByPersistentID(s.PersistentID); got.SessionID != "pane-2" || !got.Live {
		t.Fatalf("persistent lookup = %+v", got)
	}
}

func TestSessionFilterFields(t *testing.T) {
	r := newSessions(t)
	a, _ := r.Register("pane-1", "build-fe", "")
	r.Register("pane-2", "deploy", "")
	r.SetTags(a.SessionID, []string{"ci"})

	if got := r.List(SessionFilter{NamePrefix: "build"}); len(got) != 1 || got[0].Name != "build-fe" {
		t.Fatalf("prefix filter = %v", got)
	}
	if got := r.List(SessionFilter{Tag: "ci"}); len(got) != 1 {
		t.Fatalf("tag filter = %v", got)
	}
}

func TestAgentRegisterIsIdempotentByName(t *testing.T) {
	r := newAgents(t, true)
	if _, err := r.Register("alice", RegisterOpts{SessionID: "s1"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	a, err := r.Register("alice", RegisterOpts{SessionID: "s2"})
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if a.SessionID != "s2" {
		t.Fatalf("rebind did not apply: %+v", a)
	}
	if len(r.List("")) != 1 {
		t.Fatalf("agents = %v", r.List(""))
	}
}

func TestTeamAutoCreateOnRegistration(t *testing.T) {
	r := newAgents(t, true)
	if _, err := r.Register("alice", RegisterOpts{Teams: []string{"frontend"}}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !r.TeamExists("frontend") {
		t.Fatal("team not auto-created")
	}

	strict := newAgents(t, false)
	if _, err := strict.Register("bob", RegisterOpts{Teams: []string{"ghost"}}); err == nil {
		t.Fatal("unknown team accepted with auto-create off")
	}
}

func TestRemoveTeamForce(t *testing.T) {
	r := newAgents(t, true)
	r.Register("alice", RegisterOpts{Teams: []string{"frontend"}})

	if err := r.RemoveTeam("frontend", false); err == nil {
		t.Fatal("non-empty team removed without force")
	}
	if err := r.RemoveTeam("frontend", true); err != nil {
		t.Fatalf("force remove: %v", err)
	}
	a, _ := r.Get("alice")
	if len(a.Teams) != 0 {
		t.Fatalf("member kept the dead team: %+v", a)
	}
}

func TestAssignUnassign(t *testing.T) {
	r := newAgents(t, true)
	r.Register("alice", RegisterOpts{})
	if err := r.CreateTeam("infra", ""); err != nil {
		t.Fatalf("CreateTeam: %v", err)
	}
	if err := r.Assign("alice", "infra"); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if got := r.List("infra"); len(got) != 1 {
		t.Fatalf("team list = %v", got)
	}
	if err := r.Unassign("alice", "infra"); err != nil {
		t.Fatalf("Unassign: %v", err)
	}
	if got := r.List("infra"); len(got) != 0 {
		t.Fatalf("team list after unassign = %v", got)
	}
}

func TestManagersRoundRobinCursorAndRemove(t *testing.T) {
	store, clock := newStore(t)
	r, err := NewManagers(store, clock)
	if err != nil {
		t.Fatalf("NewManagers: %v", err)
	}

	if _, err := r.Create("boss", []string{"w1", "w2", "w3"}, nil, ""); err != nil {
		t.Fatalf("Create: %v", err)
	}
	for want := 0; want < 5; want++ {
		cur, err := r.AdvanceCursor("boss")
		if err != nil {
			t.Fatalf("AdvanceCursor: %v", err)
		}
		if cur != want%3 {
			t.Fatalf("cursor %d = %d, want %d", want, cur, want%3)
		}
	}

	if err := r.RemoveWorker("boss", "w3"); err != nil {
		t.Fatalf("RemoveWorker: %v", err)
	}
	m, _ := r.Get("boss")
	if len(m.Workers) != 2 || m.Cursor >= 2 {
		t.Fatalf("after removal: %+v", m)
	}

	if err := r.Remove("boss"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := r.Get("boss"); ok {
		t.Fatal("removed manager still present")
	}
}

func TestManagersReplayAfterReopen(t *testing.T) {
	dir := t.TempDir()
	clock := ids.NewMockClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

	store, err := logstore.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	r, _ := NewManagers(store, clock)
	r.Create("boss", []string{"w1", "w2"}, map[string]string{"w1": "builder"}, protocol.StrategyLeastBusy)
	r.AdvanceCursor("boss")
	r.Create("gone", []string{"w1"}, nil, "")
	r.Remove("gone")
	store.Close()

	store2, err := logstore.Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store2.Close()
	r2, err := NewManagers(store2, clock)
	if err != nil {
		t.Fatalf("NewManagers replay: %v", err)
	}
	m, ok := r2.Get("boss")
	if !ok || m.Strategy != protocol.StrategyLeastBusy || m.Cursor != 1 || m.WorkerRoles["w1"] != "builder" {
		t.Fatalf("replayed manager = %+v, %v", m, ok)
	}
	if _, ok := r2.Get("gone"); ok {
		t.Fatal("tombstoned manager survived replay")
	}
}
