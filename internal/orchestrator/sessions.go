package orchestrator

import (
	"context"
	"fmt"

	"github.com/nextlevelbuilder/termclaw/internal/bus"
	"github.com/nextlevelbuilder/termclaw/internal/dispatch"
	"github.com/nextlevelbuilder/termclaw/internal/registry"
	"github.com/nextlevelbuilder/termclaw/internal/term"
	"github.com/nextlevelbuilder/termclaw/pkg/protocol"
)

// SessionConfig describes one pane in a create_sessions call.
type SessionConfig struct {
	Name      string `json:"name"`
	Agent     string `json:"agent,omitempty"`
	AgentType string `json:"agent_type,omitempty"` // claude|gemini|codex|copilot
	Team      string `json:"team,omitempty"`
	Profile   string `json:"profile,omitempty"`
	Command   string `json:"command,omitempty"`
	Monitor   bool   `json:"monitor,omitempty"`
	Role      string `json:"role,omitempty"`
}

// CreationResult is the per-config outcome of create_sessions.
type CreationResult struct {
	Name         string `json:"name"`
	SessionID    string `json:"session_id,omitempty"`
	PersistentID string `json:"persistent_id,omitempty"`
	Agent        string `json:"agent,omitempty"`
	Err          error  `json:"-"`
	Error        string `json:"error,omitempty"`
}

// Session layouts: how panes after the first are placed.
const (
	LayoutTabs    = "tabs"    // each config gets its own window/tab
	LayoutRows    = "rows"    // split below the previous pane
	LayoutColumns = "columns" // split right of the previous pane
	LayoutGrid    = "grid"    // alternate right/below
)

// ListSessions lists live sessions through the registry filter.
func (o *Orchestrator) ListSessions(filter registry.SessionFilter) []registry.Session {
	return o.sessions.List(filter)
}

// CreateSessions creates one pane per config, laid out per layout, then runs
// the post-creation steps (agent launcher, command, binding, monitoring).
// Per-config failures are returned alongside successes.
func (o *Orchestrator) CreateSessions(ctx context.Context, configs []SessionConfig, layout string) ([]CreationResult, error) {
	if len(configs) == 0 {
		return nil, &protocol.InvalidArgumentError{Field: "configs", Reason: "at least one session config is required"}
	}
	switch layout {
	case "", LayoutTabs, LayoutRows, LayoutColumns, LayoutGrid:
	default:
		return nil, &protocol.InvalidArgumentError{Field: "layout", Reason: fmt.Sprintf("unknown layout %q", layout)}
	}

	// Validate agent types up front: a typo should not create half the panes.
	for _, c := range configs {
		if c.AgentType != "" {
			if _, err := term.AgentLaunchCommand(c.AgentType); err != nil {
				return nil, err
			}
		}
	}

	results := make([]CreationResult, 0, len(configs))
	prevHandle := ""
	for i, c := range configs {
		res := CreationResult{Name: c.Name, Agent: c.Agent}

		handle, err := o.createPane(ctx, c, layout, i, prevHandle)
		if err != nil {
			res.Err = err
			res.Error = err.Error()
			results = append(results, res)
			continue
		}
		prevHandle = handle

		s, err := o.sessions.Register(handle, c.Name, "")
		if err = o.persisted(err); err != nil {
			res.Err = err
			res.Error = err.Error()
			o.driver.Close(ctx, handle)
			results = append(results, res)
			continue
		}
		res.SessionID = s.SessionID
		res.PersistentID = s.PersistentID
		o.driver.OnTerminated(handle, o.onSessionTerminated)

		if err := o.postCreate(ctx, c, s); err != nil {
			// Pane exists and is registered; surface the partial failure.
			res.Err = err
			res.Error = err.Error()
		}
		results = append(results, res)

		o.bus.Publish(protocol.TopicSessionCreated, map[string]any{
			"session_id":    s.SessionID,
			"persistent_id": s.PersistentID,
			"name":          s.Name,
		}, bus.Normal)
	}
	return results, nil
}

// createPane places a pane according to the layout.
func (o *Orchestrator) createPane(ctx context.Context, c SessionConfig, layout string, index int, prev string) (string, error) {
	if index == 0 || layout == "" || layout == LayoutTabs || prev == "" {
		return o.driver.Create(ctx, c.Name, c.Profile)
	}
	vertical := false
	switch layout {
	case LayoutColumns:
		vertical = true
	case LayoutGrid:
		vertical = index%2 == 1
	}
	return o.driver.Split(ctx, prev, vertical, false, c.Profile)
}

// postCreate runs launcher string, command, agent binding, role, and monitor
// for a freshly created session.
func (o *Orchestrator) postCreate(ctx context.Context, c SessionConfig, s registry.Session) error {
	if c.AgentType != "" {
		launcher, err := term.AgentLaunchCommand(c.AgentType)
		if err != nil {
			return err
		}
		if err := o.writeLine(ctx, s.SessionID, launcher); err != nil {
			return err
		}
	}
	if c.Command != "" {
		if err := o.writeLine(ctx, s.SessionID, c.Command); err != nil {
			return err
		}
	}
	if c.Agent != "" {
		var teams []string
		if c.Team != "" {
			teams = []string{c.Team}
		}
		_, err := o.agents.Register(c.Agent, registry.RegisterOpts{
			SessionID:    s.SessionID,
			PersistentID: s.PersistentID,
			Teams:        teams,
			Role:         c.Role,
		})
		if err = o.persisted(err); err != nil {
			return err
		}
		o.bus.Publish(protocol.TopicAgentRegistered, map[string]any{
			"agent":      c.Agent,
			"session_id": s.SessionID,
		}, bus.Normal)
	}
	if c.Role != "" {
		_, err := o.sessions.SetRole(s.SessionID, c.Role)
		if err = o.persisted(err); err != nil {
			return err
		}
	}
	if c.Monitor {
		o.monitor.Start(s.SessionID, o.maxLinesFor(s))
		o.bus.Publish(protocol.TopicSessionMonitoring, map[string]any{
			"session_id": s.SessionID,
			"enabled":    true,
		}, bus.Low)
	}
	return nil
}

// writeLine sends one line through the dispatcher so enter-delay and event
// publication apply.
func (o *Orchestrator) writeLine(ctx context.Context, sessionID, content string) error {
	entries := o.dispatcher.Write(ctx, []dispatch.Message{{
		Content:      content,
		Targets:      []protocol.TargetRef{{SessionID: sessionID}},
		ExecuteEnter: true,
	}}, dispatch.WriteOpts{})
	for _, e := range entries {
		if e.Err != nil {
			return e.Err
		}
	}
	return nil
}

// SplitResult is the outcome of split_session.
type SplitResult struct {
	SessionID    string `json:"session_id"`
	PersistentID string `json:"persistent_id"`
	Name         string `json:"name"`
}

// SplitSession splits an existing pane in the given direction and registers
// the new pane, with the same post-creation options as create_sessions.
func (o *Orchestrator) SplitSession(ctx context.Context, ref protocol.TargetRef, direction term.SplitDirection, c SessionConfig) (SplitResult, error) {
	vertical, before, err := direction.Geometry()
	if err != nil {
		return SplitResult{}, err
	}
	base, err := o.resolver.ResolveOne(ref)
	if err != nil {
		return SplitResult{}, err
	}

	handle, err := o.driver.Split(ctx, base.SessionID, vertical, before, c.Profile)
	if err != nil {
		return SplitResult{}, err
	}
	name := c.Name
	if name == "" {
		name = base.Name + "-split"
	}
	s, err := o.sessions.Register(handle, name, "")
	if err = o.persisted(err); err != nil {
		o.driver.Close(ctx, handle)
		return SplitResult{}, err
	}
	o.driver.OnTerminated(handle, o.onSessionTerminated)

	if err := o.postCreate(ctx, c, s); err != nil {
		return SplitResult{SessionID: s.SessionID, PersistentID: s.PersistentID, Name: s.Name}, err
	}
	o.bus.Publish(protocol.TopicSessionCreated, map[string]any{
		"session_id":    s.SessionID,
		"persistent_id": s.PersistentID,
		"name":          s.Name,
		"split_from":    base.SessionID,
	}, bus.Normal)
	return SplitResult{SessionID: s.SessionID, PersistentID: s.PersistentID, Name: s.Name}, nil
}

// Modification is one entry of modify_sessions.
type Modification struct {
	Target          protocol.TargetRef `json:"target"`
	BackgroundColor *protocol.RGB      `json:"background_color,omitempty"`
	TabColor        *protocol.RGB      `json:"tab_color,omitempty"`
	CursorColor     *protocol.RGB      `json:"cursor_color,omitempty"`
	Badge           *string            `json:"badge,omitempty"`
	Focus           bool               `json:"focus,omitempty"`
	SetActive       bool               `json:"set_active,omitempty"`
}

// ModifyResult is the per-modification outcome.
type ModifyResult struct {
	Target    protocol.TargetRef `json:"target"`
	SessionID string             `json:"session_id,omitempty"`
	Err       error              `json:"-"`
	Error     string             `json:"error,omitempty"`
}

// ModifySessions applies appearance and focus changes. Color values are
// validated before any driver call so a bad entry rejects the whole call.
func (o *Orchestrator) ModifySessions(ctx context.Context, mods []Modification) ([]ModifyResult, error) {
	for _, m := range mods {
		for field, c := range map[string]*protocol.RGB{
			"background_color": m.BackgroundColor,
			"tab_color":        m.TabColor,
			"cursor_color":     m.CursorColor,
		} {
			if c != nil {
				if err := c.Validate(field); err != nil {
					return nil, err
				}
			}
		}
	}

	var results []ModifyResult
	for _, m := range mods {
		sessions, err := o.resolver.Resolve(m.Target)
		if err != nil {
			results = append(results, ModifyResult{Target: m.Target, Err: err, Error: err.Error()})
			continue
		}
		for _, s := range sessions {
			res := ModifyResult{Target: m.Target, SessionID: s.SessionID}
			if err := o.applyModification(ctx, s.SessionID, m); err != nil {
				res.Err = err
				res.Error = err.Error()
			}
			results = append(results, res)
		}
	}
	return results, nil
}

func (o *Orchestrator) applyModification(ctx context.Context, sessionID string, m Modification) error {
	if m.BackgroundColor != nil || m.TabColor != nil || m.CursorColor != nil {
		colors := term.Colors{
			Background: m.BackgroundColor,
			Tab:        m.TabColor,
			Cursor:     m.CursorColor,
		}
		if err := o.driver.SetColors(ctx, sessionID, colors); err != nil {
			return err
		}
	}
	if m.Badge != nil {
		if err := o.driver.SetBadge(ctx, sessionID, *m.Badge); err != nil {
			return err
		}
	}
	if m.Focus || m.SetActive {
		if err := o.driver.Focus(ctx, sessionID); err != nil {
			return err
		}
	}
	return nil
}

// FocusSession brings one session to the front.
func (o *Orchestrator) FocusSession(ctx context.Context, ref protocol.TargetRef) error {
	s, err := o.resolver.ResolveOne(ref)
	if err != nil {
		return err
	}
	return o.driver.Focus(ctx, s.SessionID)
}

// SetActiveSession is focus plus nothing else at the kernel level; drivers
// may treat active and focused differently.
func (o *Orchestrator) SetActiveSession(ctx context.Context, ref protocol.TargetRef) error {
	return o.FocusSession(ctx, ref)
}

// CloseSession closes a pane. The driver's termination callback handles the
// registry and lock cleanup.
func (o *Orchestrator) CloseSession(ctx context.Context, ref protocol.TargetRef) error {
	s, err := o.resolver.ResolveOne(ref)
	if err != nil {
		return err
	}
	return o.driver.Close(ctx, s.SessionID)
}

// RenameSession changes a session's registered name.
func (o *Orchestrator) RenameSession(ref protocol.TargetRef, newName string) (registry.Session, error) {
	s, err := o.resolver.ResolveOne(ref)
	if err != nil {
		return registry.Session{}, err
	}
	updated, err := o.sessions.Rename(s.SessionID, newName)
	if err = o.persisted(err); err != nil {
		return registry.Session{}, err
	}
	o.bus.Publish(protocol.TopicSessionRenamed, map[string]any{
		"session_id": updated.SessionID,
		"name":       updated.Name,
	}, bus.Low)
	return updated, nil
}

// SetSessionTags replaces a session's tag set.
func (o *Orchestrator) SetSessionTags(ref protocol.TargetRef, tags []string) (registry.Session, error) {
	s, err := o.resolver.ResolveOne(ref)
	if err != nil {
		return registry.Session{}, err
	}
	updated, err := o.sessions.SetTags(s.SessionID, tags)
	return updated, o.persisted(err)
}

// QuerySessionsByTag returns live sessions carrying the tag.
func (o *Orchestrator) QuerySessionsByTag(tag string) []registry.Session {
	return o.sessions.GetByTag(tag)
}

// SetMaxLines caps screen reads for one session.
func (o *Orchestrator) SetMaxLines(ref protocol.TargetRef, n int) (registry.Session, error) {
	s, err := o.resolver.ResolveOne(ref)
	if err != nil {
		return registry.Session{}, err
	}
	updated, err := o.sessions.SetMaxLines(s.SessionID, n)
	return updated, o.persisted(err)
}

// SendControlCharacter sends a control code (char a-z) to one session.
func (o *Orchestrator) SendControlCharacter(ctx context.Context, ref protocol.TargetRef, char string) error {
	b, err := term.ControlByte(char)
	if err != nil {
		return err
	}
	s, err := o.resolver.ResolveOne(ref)
	if err != nil {
		return err
	}
	if err := o.locks.Check(s.SessionID, ""); err != nil {
		return err
	}
	return o.driver.SendControl(ctx, s.SessionID, b)
}

// SendSpecialKey sends a named key's byte sequence to one session.
func (o *Orchestrator) SendSpecialKey(ctx context.Context, ref protocol.TargetRef, key string) error {
	seq, err := term.SpecialKeyBytes(key)
	if err != nil {
		return err
	}
	s, err := o.resolver.ResolveOne(ref)
	if err != nil {
		return err
	}
	if err := o.locks.Check(s.SessionID, ""); err != nil {
		return err
	}
	return o.driver.Write(ctx, s.SessionID, seq, false, false)
}

// StartMonitoring begins output monitoring for every resolved session.
func (o *Orchestrator) StartMonitoring(ref protocol.TargetRef) error {
	sessions, err := o.resolver.Resolve(ref)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		o.monitor.Start(s.SessionID, o.maxLinesFor(s))
	}
	return nil
}

// StopMonitoring stops monitoring for every resolved session, waiting for
// each loop to finish its current poll.
func (o *Orchestrator) StopMonitoring(ref protocol.TargetRef) error {
	sessions, err := o.resolver.Resolve(ref)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		<-o.monitor.Stop(s.SessionID)
	}
	return nil
}

func (o *Orchestrator) maxLinesFor(s registry.Session) int {
	if s.MaxLines > 0 {
		return s.MaxLines
	}
	return o.cfg.CurrentTunables().DefaultMaxLines
}
