package protocol

import (
	"fmt"
	"strings"
)

// TargetRef describes one message target. Exactly one selector should be set;
// when several are set the most specific wins in the order below.
type TargetRef struct {
	SessionID    string `json:"session_id,omitempty"`
	Name         string `json:"name,omitempty"`
	Agent        string `json:"agent,omitempty"`
	Team         string `json:"team,omitempty"`
	Tag          string `json:"tag,omitempty"`
	PersistentID string `json:"persistent_id,omitempty"`
	Broadcast    bool   `json:"broadcast,omitempty"`
}

// IsZero reports whether no selector is set.
func (t TargetRef) IsZero() bool {
	return t == TargetRef{}
}

// String renders the descriptor for error reporting.
func (t TargetRef) String() string {
	var parts []string
	add := func(k, v string) {
		if v != "" {
			parts = append(parts, k+"="+v)
		}
	}
	add("session_id", t.SessionID)
	add("name", t.Name)
	add("agent", t.Agent)
	add("team", t.Team)
	add("tag", t.Tag)
	add("persistent_id", t.PersistentID)
	if t.Broadcast {
		parts = append(parts, "broadcast")
	}
	if len(parts) == 0 {
		return "{}"
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// RGB is a 0-255 color triple used by modify_sessions.
type RGB struct {
	Red   int `json:"red"`
	Green int `json:"green"`
	Blue  int `json:"blue"`
}

// Validate checks each component is within 0-255.
func (c RGB) Validate(field string) error {
	for _, v := range []int{c.Red, c.Green, c.Blue} {
		if v < 0 || v > 255 {
			return &InvalidArgumentError{Field: field, Reason: fmt.Sprintf("color component %d out of range 0-255", v)}
		}
	}
	return nil
}
