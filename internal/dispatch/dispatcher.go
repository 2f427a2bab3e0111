// Package dispatch fans writes and reads out across resolved session sets:
// bounded parallelism, duplicate suppression, lock enforcement, and the
// specificity cascade. Per-target failures are returned alongside successes,
// never raised.
package dispatch

import (
	"context"
	"log/slog"
	"regexp"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/nextlevelbuilder/termclaw/internal/bus"
	"github.com/nextlevelbuilder/termclaw/internal/dedup"
	"github.com/nextlevelbuilder/termclaw/internal/ids"
	"github.com/nextlevelbuilder/termclaw/internal/locks"
	"github.com/nextlevelbuilder/termclaw/internal/registry"
	"github.com/nextlevelbuilder/termclaw/internal/target"
	"github.com/nextlevelbuilder/termclaw/internal/term"
	"github.com/nextlevelbuilder/termclaw/internal/tracing"
	"github.com/nextlevelbuilder/termclaw/pkg/protocol"
)

// Message is one write request: content fanned out to every target.
type Message struct {
	Content      string               `json:"content"`
	Targets      []protocol.TargetRef `json:"targets"`
	ExecuteEnter bool                 `json:"execute_enter,omitempty"`
	UseEncoding  bool                 `json:"use_encoding,omitempty"`
}

// SendCondition gates a write: the target's recent output must match the
// pattern or the write is withheld.
type SendCondition struct {
	Pattern string             `json:"pattern"`
	Target  protocol.TargetRef `json:"target"`
}

// WriteEntry is the per-(content, session) outcome. Entries preserve the
// input expansion order regardless of execution mode.
type WriteEntry struct {
	Target      protocol.TargetRef `json:"target"`
	SessionID   string             `json:"session_id,omitempty"`
	SessionName string             `json:"session_name,omitempty"`
	Suppressed  bool               `json:"suppressed,omitempty"`
	Cancelled   bool               `json:"cancelled,omitempty"`
	Withheld    bool               `json:"withheld,omitempty"` // send condition not met
	Err         error              `json:"-"`
	Error       string             `json:"error,omitempty"`
}

// ReadEntry is the per-target read outcome.
type ReadEntry struct {
	Target     protocol.TargetRef `json:"target"`
	SessionID  string             `json:"session_id,omitempty"`
	Lines      []string           `json:"lines,omitempty"`
	Overflowed bool               `json:"overflowed,omitempty"`
	Err        error              `json:"-"`
	Error      string             `json:"error,omitempty"`
}

// CascadeEntry is the per-agent cascade outcome.
type CascadeEntry struct {
	Agent      string `json:"agent"`
	SessionID  string `json:"session_id,omitempty"`
	Message    string `json:"message,omitempty"`
	Source     string `json:"source,omitempty"` // "agent", "team:<name>", "broadcast"
	Suppressed bool   `json:"suppressed,omitempty"`
	NoSession  bool   `json:"no_session,omitempty"`
	Err        error  `json:"-"`
	Error      string `json:"error,omitempty"`
}

// Dispatcher coordinates resolver, locks, dedup, driver, and bus for every
// write and read. No component lock is held across a driver call.
type Dispatcher struct {
	resolver *target.Resolver
	locks    *locks.Manager
	dedup    *dedup.Cache
	bus      *bus.Bus
	driver   term.TerminalDriver
	clock    ids.Clock

	sem *semaphore.Weighted

	// defaultMaxLines is read through a func so config hot reload applies.
	defaultMaxLines func() int

	// sleep is swapped out in tests to avoid real enter-delay waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a dispatcher. maxParallel bounds concurrent driver writes
// (default 32).
func New(
	resolver *target.Resolver,
	lockMgr *locks.Manager,
	dedupCache *dedup.Cache,
	eventBus *bus.Bus,
	driver term.TerminalDriver,
	clock ids.Clock,
	maxParallel int,
	defaultMaxLines func() int,
) *Dispatcher {
	if maxParallel <= 0 {
		maxParallel = 32
	}
	return &Dispatcher{
		resolver:        resolver,
		locks:           lockMgr,
		dedup:           dedupCache,
		bus:             eventBus,
		driver:          driver,
		clock:           clock,
		sem:             semaphore.NewWeighted(int64(maxParallel)),
		defaultMaxLines: defaultMaxLines,
		sleep:           sleepCtx,
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

// enterDelay is the paste/enter race mitigation: newline follows the content
// after min(500, 50 + 0.02*len) milliseconds.
func enterDelay(contentLen int) time.Duration {
	ms := 50 + contentLen/50
	if ms > 500 {
		ms = 500
	}
	return time.Duration(ms) * time.Millisecond
}

// writeUnit is one expanded (content, session) pair.
type writeUnit struct {
	index   int // position in the result slice
	ref     protocol.TargetRef
	session registry.Session
	content string
	enter   bool
	encode  bool
}

// WriteOpts configures a Write call.
type WriteOpts struct {
	Caller         string
	Parallel       bool
	SkipDuplicates bool
	SendConditions []SendCondition
}

// Write expands messages × targets and performs each write through the
// driver. Entries come back in expansion order; per-target failures never
// abort peers.
func (d *Dispatcher) Write(ctx context.Context, messages []Message, opts WriteOpts) []WriteEntry {
	ctx, span := otel.Tracer("termclaw").Start(ctx, tracing.SpanDispatch, trace.WithAttributes(
		attribute.String(tracing.AttrAgent, opts.Caller),
		attribute.Int("termclaw.messages", len(messages)),
	))
	defer span.End()

	var (
		entries []WriteEntry
		units   []writeUnit
	)

	// Expansion phase: resolve every (content, target) pair up front so the
	// result order matches the input order. Descriptors of one message that
	// resolve to the same session collapse to a single delivery.
	for _, msg := range messages {
		seen := make(map[string]struct{})
		for _, ref := range msg.Targets {
			sessions, err := d.resolver.Resolve(ref)
			if err != nil {
				entries = append(entries, WriteEntry{Target: ref, Err: err, Error: err.Error()})
				continue
			}
			if len(sessions) == 0 {
				e := &protocol.ResolutionError{Descriptor: ref.String(), Reason: "no sessions matched"}
				entries = append(entries, WriteEntry{Target: ref, Err: e, Error: e.Error()})
				continue
			}
			for _, s := range sessions {
				if _, dup := seen[s.SessionID]; dup {
					entries = append(entries, WriteEntry{
						Target: ref, SessionID: s.SessionID, SessionName: s.Name, Suppressed: true,
					})
					continue
				}
				seen[s.SessionID] = struct{}{}
				entries = append(entries, WriteEntry{Target: ref, SessionID: s.SessionID, SessionName: s.Name})
				units = append(units, writeUnit{
					index:   len(entries) - 1,
					ref:     ref,
					session: s,
					content: msg.Content,
					enter:   msg.ExecuteEnter,
					encode:  msg.UseEncoding,
				})
			}
		}
	}

	conditions, condErr := d.compileConditions(opts.SendConditions)
	if condErr != nil {
		for i := range entries {
			if entries[i].Err == nil {
				entries[i].Err = condErr
				entries[i].Error = condErr.Error()
			}
		}
		return entries
	}

	// Suppression and lock checks happen before any driver call so a
	// serialized run and a parallel run suppress identically.
	runnable := units[:0]
	for _, u := range units {
		e := &entries[u.index]
		if opts.SkipDuplicates && d.dedup.ShouldSuppress(dedup.Key(u.session.SessionID, []byte(u.content))) {
			e.Suppressed = true
			continue
		}
		if err := d.locks.Check(u.session.SessionID, opts.Caller); err != nil {
			e.Err = err
			e.Error = err.Error()
			continue
		}
		if withheld, err := d.conditionWithholds(ctx, conditions, u.session); err != nil {
			e.Err = err
			e.Error = err.Error()
			continue
		} else if withheld {
			e.Withheld = true
			continue
		}
		runnable = append(runnable, u)
	}

	if opts.Parallel {
		d.writeParallel(ctx, runnable, entries)
	} else {
		for _, u := range runnable {
			if ctx.Err() != nil {
				entries[u.index].Cancelled = true
				continue
			}
			d.performWrite(ctx, u, &entries[u.index])
		}
	}
	return entries
}

// writeParallel runs units concurrently under the shared semaphore while
// keeping writes to the same session in input order.
func (d *Dispatcher) writeParallel(ctx context.Context, units []writeUnit, entries []WriteEntry) {
	bySession := make(map[string][]writeUnit)
	var order []string
	for _, u := range units {
		if _, ok := bySession[u.session.SessionID]; !ok {
			order = append(order, u.session.SessionID)
		}
		bySession[u.session.SessionID] = append(bySession[u.session.SessionID], u)
	}

	var g errgroup.Group
	for _, sid := range order {
		seq := bySession[sid]
		g.Go(func() error {
			for _, u := range seq {
				if err := d.sem.Acquire(ctx, 1); err != nil {
					entries[u.index].Cancelled = true
					continue
				}
				d.performWrite(ctx, u, &entries[u.index])
				d.sem.Release(1)
			}
			return nil
		})
	}
	g.Wait()
}

// performWrite issues the driver write and trailing newline, then publishes
// session.input. Post-processing is skipped when the context is already
// cancelled.
func (d *Dispatcher) performWrite(ctx context.Context, u writeUnit, e *WriteEntry) {
	if ctx.Err() != nil {
		e.Cancelled = true
		return
	}

	if err := d.driver.Write(ctx, u.session.SessionID, []byte(u.content), false, u.encode); err != nil {
		e.Err = err
		e.Error = err.Error()
		slog.Warn("dispatch.write_failed", "session", u.session.SessionID, "error", err)
		return
	}
	if u.enter {
		if err := d.sleep(ctx, enterDelay(len(u.content))); err != nil {
			e.Cancelled = true
			return
		}
		enter, _ := term.SpecialKeyBytes("enter")
		if err := d.driver.Write(ctx, u.session.SessionID, enter, false, false); err != nil {
			e.Err = err
			e.Error = err.Error()
			return
		}
	}

	if ctx.Err() != nil {
		// The write landed but the caller is gone: report cancelled and skip
		// the event publish.
		e.Cancelled = true
		return
	}
	d.bus.Publish(protocol.TopicSessionInput, map[string]any{
		"session_id": u.session.SessionID,
		"bytes":      len(u.content),
	}, bus.Low)
}

// compiledCondition pairs a regex with its resolved session set.
type compiledCondition struct {
	re       *regexp.Regexp
	sessions map[string]struct{}
}

// compileConditions compiles each gate's regex and resolves its target to a
// session set. A zero target means the gate applies to every session in the
// call.
func (d *Dispatcher) compileConditions(conds []SendCondition) ([]compiledCondition, error) {
	out := make([]compiledCondition, 0, len(conds))
	for _, c := range conds {
		re, err := regexp.Compile(c.Pattern)
		if err != nil {
			return nil, &protocol.InvalidArgumentError{Field: "send_conditions", Reason: err.Error()}
		}
		cc := compiledCondition{re: re}
		if !c.Target.IsZero() {
			sessions, err := d.resolver.Resolve(c.Target)
			if err != nil {
				return nil, err
			}
			cc.sessions = make(map[string]struct{}, len(sessions))
			for _, s := range sessions {
				cc.sessions[s.SessionID] = struct{}{}
			}
		}
		out = append(out, cc)
	}
	return out, nil
}

// conditionWithholds reports whether any condition targeting this session
// fails against its recent output.
func (d *Dispatcher) conditionWithholds(ctx context.Context, conds []compiledCondition, s registry.Session) (bool, error) {
	if len(conds) == 0 {
		return false, nil
	}
	for _, c := range conds {
		if c.sessions != nil {
			if _, ok := c.sessions[s.SessionID]; !ok {
				continue
			}
		}
		screen, err := d.driver.ReadScreen(ctx, s.SessionID, d.maxLinesFor(s))
		if err != nil {
			return false, err
		}
		if !matchAnyLine(c.re, screen.Lines) {
			return true, nil
		}
	}
	return false, nil
}

func matchAnyLine(re *regexp.Regexp, lines []string) bool {
	for _, line := range lines {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

func (d *Dispatcher) maxLinesFor(s registry.Session) int {
	if s.MaxLines > 0 {
		return s.MaxLines
	}
	return d.defaultMaxLines()
}

// ReadOpts configures a Read call.
type ReadOpts struct {
	Parallel      bool
	FilterPattern string
	MaxLines      int // 0 = per-session default
}

// Read fetches screen contents for each target. Reads are never blocked by
// locks.
func (d *Dispatcher) Read(ctx context.Context, targets []protocol.TargetRef, opts ReadOpts) []ReadEntry {
	var filter *regexp.Regexp
	if opts.FilterPattern != "" {
		re, err := regexp.Compile(opts.FilterPattern)
		if err != nil {
			e := &protocol.InvalidArgumentError{Field: "filter_pattern", Reason: err.Error()}
			out := make([]ReadEntry, len(targets))
			for i, ref := range targets {
				out[i] = ReadEntry{Target: ref, Err: e, Error: e.Error()}
			}
			return out
		}
		filter = re
	}

	var entries []ReadEntry
	type readUnit struct {
		index   int
		session registry.Session
	}
	var units []readUnit

	for _, ref := range targets {
		sessions, err := d.resolver.Resolve(ref)
		if err != nil {
			entries = append(entries, ReadEntry{Target: ref, Err: err, Error: err.Error()})
			continue
		}
		for _, s := range sessions {
			entries = append(entries, ReadEntry{Target: ref, SessionID: s.SessionID})
			units = append(units, readUnit{index: len(entries) - 1, session: s})
		}
	}

	readOne := func(u readUnit) {
		e := &entries[u.index]
		maxLines := opts.MaxLines
		if maxLines <= 0 {
			maxLines = d.maxLinesFor(u.session)
		}
		screen, err := d.driver.ReadScreen(ctx, u.session.SessionID, maxLines)
		if err != nil {
			e.Err = err
			e.Error = err.Error()
			return
		}
		lines := screen.Lines
		if filter != nil {
			kept := make([]string, 0, len(lines))
			for _, line := range lines {
				if filter.MatchString(line) {
					kept = append(kept, line)
				}
			}
			lines = kept
		}
		e.Lines = lines
		e.Overflowed = screen.Overflowed
	}

	if opts.Parallel {
		g, gctx := errgroup.WithContext(ctx)
		for _, u := range units {
			g.Go(func() error {
				if gctx.Err() != nil {
					entries[u.index].Err = gctx.Err()
					entries[u.index].Error = gctx.Err().Error()
					return nil
				}
				readOne(u)
				return nil
			})
		}
		g.Wait()
	} else {
		for _, u := range units {
			readOne(u)
		}
	}
	return entries
}

// CascadeOpts is one cascade call: per-agent beats per-team beats broadcast.
// TeamOrder preserves the caller's team listing order for tie-breaks when an
// agent's own team list does not decide.
type CascadeOpts struct {
	Caller         string
	Broadcast      string
	Teams          map[string]string
	TeamOrder      []string
	Agents         map[string]string
	SkipDuplicates bool
}

// Cascade delivers exactly one message per candidate agent, chosen by
// specificity. Agents choosing the same message form one group, written as a
// single parallel fan-out. Agents without a bound session contribute
// no_session entries without aborting siblings.
func (d *Dispatcher) Cascade(ctx context.Context, agentsReg *registry.Agents, opts CascadeOpts) []CascadeEntry {
	var entries []CascadeEntry
	seenSession := make(map[string]string) // session id → agent already covered

	type member struct {
		index   int // position in entries
		session string
	}
	groups := make(map[string][]member)
	var groupOrder []string

	for _, a := range agentsReg.List("") {
		msg, source, ok := pickCascadeMessage(a, opts)
		if !ok {
			continue
		}

		entry := CascadeEntry{Agent: a.AgentName, Message: msg, Source: source}
		if a.SessionID == "" {
			entry.NoSession = true
			entries = append(entries, entry)
			continue
		}
		if prev, dup := seenSession[a.SessionID]; dup {
			// Two agents bound to one pane get a single delivery.
			entry.SessionID = a.SessionID
			entry.Suppressed = true
			entry.Error = "session already covered by agent " + prev
			entries = append(entries, entry)
			continue
		}
		seenSession[a.SessionID] = a.AgentName
		entry.SessionID = a.SessionID
		entries = append(entries, entry)

		if _, known := groups[msg]; !known {
			groupOrder = append(groupOrder, msg)
		}
		groups[msg] = append(groups[msg], member{index: len(entries) - 1, session: a.SessionID})
	}

	for _, msg := range groupOrder {
		members := groups[msg]
		targets := make([]protocol.TargetRef, len(members))
		for i, m := range members {
			targets[i] = protocol.TargetRef{SessionID: m.session}
		}
		results := d.Write(ctx, []Message{{
			Content:      msg,
			Targets:      targets,
			ExecuteEnter: true,
		}}, WriteOpts{
			Caller:         opts.Caller,
			Parallel:       true,
			SkipDuplicates: opts.SkipDuplicates,
		})
		// One entry per target, in target order.
		for i, m := range members {
			if i >= len(results) {
				break
			}
			e := &entries[m.index]
			e.Suppressed = results[i].Suppressed
			e.Err = results[i].Err
			e.Error = results[i].Error
		}
	}
	return entries
}

// pickCascadeMessage applies the specificity rule for one agent: explicit
// agent message, else the first of the agent's teams (in the agent's own
// insertion order) with a team message, else broadcast.
func pickCascadeMessage(a registry.Agent, opts CascadeOpts) (msg, source string, ok bool) {
	if m, has := opts.Agents[a.AgentName]; has {
		return m, "agent", true
	}
	for _, t := range a.Teams {
		if m, has := opts.Teams[t]; has {
			return m, "team:" + t, true
		}
	}
	if opts.Broadcast != "" {
		return opts.Broadcast, "broadcast", true
	}
	return "", "", false
}
