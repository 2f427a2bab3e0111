package roles

import "testing"

func TestAllowed(t *testing.T) {
	e := NewEngine()
	cases := []struct {
		role, tool string
		want       bool
	}{
		{"", "write_to_sessions", true},               // no role = unrestricted
		{"unknown-role", "write_to_sessions", true},   // unknown role = unrestricted
		{"admin", "create_sessions", true},            // empty spec = unrestricted
		{"observer", "read_sessions", true},           // direct entry
		{"observer", "write_to_sessions", false},      // not listed
		{"worker", "write_to_sessions", true},         // via group:messaging
		{"worker", "lock_session", false},             // locks not granted
		{"worker", "request_session_access", true},    // direct entry beside groups
		{"coordinator", "execute_plan", true},         // via group:plans
		{"coordinator", "create_sessions", false},     // lifecycle excluded
		{"coordinator", "lock_session", true},         // via group:locks
	}
	for _, tc := range cases {
		if got := e.Allowed(tc.role, tc.tool); got != tc.want {
			t.Errorf("Allowed(%q, %q) = %v, want %v", tc.role, tc.tool, got, tc.want)
		}
	}
}

func TestRolesSorted(t *testing.T) {
	e := NewEngine()
	got := e.Roles()
	if len(got) == 0 {
		t.Fatal("no roles")
	}
	for i := 1; i < len(got); i++ {
		if got[i-1] >= got[i] {
			t.Fatalf("roles not sorted: %v", got)
		}
	}
}

func TestAllowedToolsExpansion(t *testing.T) {
	e := NewEngine()
	tools := e.AllowedTools("worker")
	found := false
	for _, tool := range tools {
		if tool == "send_cascade_message" {
			found = true
		}
	}
	if !found {
		t.Errorf("worker tools missing group expansion: %v", tools)
	}
	if e.AllowedTools("admin") != nil {
		t.Error("unrestricted role should return nil")
	}
}
