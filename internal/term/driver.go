// Package term defines the TerminalDriver capability the kernel drives panes
// through, plus the byte-level helpers for control characters and special
// keys. No kernel logic depends on a concrete driver; MemDriver provides an
// in-memory implementation for tests and the doctor probe.
package term

import (
	"context"
	"fmt"

	"github.com/nextlevelbuilder/termclaw/pkg/protocol"
)

// Screen is one screen read: visible lines plus whether scrollback dropped
// lines since the previous read.
type Screen struct {
	Lines      []string
	Overflowed bool
}

// Colors carries the optional color changes for a pane. Nil fields are left
// unchanged.
type Colors struct {
	Background *protocol.RGB
	Tab        *protocol.RGB
	Cursor     *protocol.RGB
}

// TerminalDriver is the capability the kernel consumes. Implementations must
// be safe for concurrent use; the kernel never locks around driver calls.
type TerminalDriver interface {
	Create(ctx context.Context, name, profile string) (sessionHandle string, err error)
	Split(ctx context.Context, session string, vertical, before bool, profile string) (sessionHandle string, err error)
	Write(ctx context.Context, session string, content []byte, executeEnter, useEncoding bool) error
	SendControl(ctx context.Context, session string, b byte) error
	ReadScreen(ctx context.Context, session string, maxLines int) (Screen, error)
	SetColors(ctx context.Context, session string, colors Colors) error
	SetBadge(ctx context.Context, session string, text string) error
	Focus(ctx context.Context, session string) error
	Close(ctx context.Context, session string) error
	// OnTerminated registers a callback fired exactly once when the pane dies.
	OnTerminated(session string, fn func(sessionHandle string))
}

// SplitDirection is a pane split direction from the tool surface.
type SplitDirection string

const (
	SplitAbove SplitDirection = "above"
	SplitBelow SplitDirection = "below"
	SplitLeft  SplitDirection = "left"
	SplitRight SplitDirection = "right"
)

// Geometry maps a direction to the driver's (vertical, before) pair.
func (d SplitDirection) Geometry() (vertical, before bool, err error) {
	switch d {
	case SplitAbove:
		return false, true, nil
	case SplitBelow:
		return false, false, nil
	case SplitLeft:
		return true, true, nil
	case SplitRight:
		return true, false, nil
	default:
		return false, false, &protocol.InvalidArgumentError{
			Field:  "direction",
			Reason: fmt.Sprintf("unknown direction %q (want above|below|left|right)", string(d)),
		}
	}
}

// ControlByte maps a single letter a-z to its control code (c → 0x03).
func ControlByte(char string) (byte, error) {
	if len(char) != 1 || char[0] < 'a' || char[0] > 'z' {
		return 0, &protocol.InvalidArgumentError{
			Field:  "char",
			Reason: fmt.Sprintf("want a single letter a-z, got %q", char),
		}
	}
	return char[0] - 'a' + 1, nil
}

// specialKeys maps key names to the canonical byte sequences sent to a pane.
var specialKeys = map[string][]byte{
	"enter":     {0x0d},
	"tab":       {0x09},
	"escape":    {0x1b},
	"up":        []byte("\x1b[A"),
	"down":      []byte("\x1b[B"),
	"right":     []byte("\x1b[C"),
	"left":      []byte("\x1b[D"),
	"backspace": {0x7f},
	"home":      []byte("\x1b[H"),
	"end":       []byte("\x1b[F"),
}

// SpecialKeyBytes returns the byte sequence for a named key.
func SpecialKeyBytes(key string) ([]byte, error) {
	seq, ok := specialKeys[key]
	if !ok {
		return nil, &protocol.InvalidArgumentError{
			Field:  "key",
			Reason: fmt.Sprintf("unknown key %q", key),
		}
	}
	return seq, nil
}

// AgentLaunchCommand returns the CLI launcher string for a known agent type.
func AgentLaunchCommand(agentType string) (string, error) {
	switch agentType {
	case "claude":
		return "claude", nil
	case "gemini":
		return "gemini", nil
	case "codex":
		return "codex", nil
	case "copilot":
		return "gh copilot", nil
	default:
		return "", &protocol.InvalidArgumentError{
			Field:  "agent_type",
			Reason: fmt.Sprintf("unknown agent type %q (want claude|gemini|codex|copilot)", agentType),
		}
	}
}
