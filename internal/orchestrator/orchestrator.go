// Package orchestrator is the operation façade: it owns every kernel
// component, threads caller identity through lock checks, and enforces the
// cross-component ordering resolver → locks → dispatch/execute → persist →
// publish. All tool-surface operations live on Orchestrator.
package orchestrator

import (
	"errors"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/termclaw/internal/bus"
	"github.com/nextlevelbuilder/termclaw/internal/config"
	"github.com/nextlevelbuilder/termclaw/internal/dedup"
	"github.com/nextlevelbuilder/termclaw/internal/dispatch"
	"github.com/nextlevelbuilder/termclaw/internal/ids"
	"github.com/nextlevelbuilder/termclaw/internal/locks"
	"github.com/nextlevelbuilder/termclaw/internal/logstore"
	"github.com/nextlevelbuilder/termclaw/internal/monitor"
	"github.com/nextlevelbuilder/termclaw/internal/notify"
	"github.com/nextlevelbuilder/termclaw/internal/plan"
	"github.com/nextlevelbuilder/termclaw/internal/registry"
	"github.com/nextlevelbuilder/termclaw/internal/roles"
	"github.com/nextlevelbuilder/termclaw/internal/target"
	"github.com/nextlevelbuilder/termclaw/internal/term"
	"github.com/nextlevelbuilder/termclaw/pkg/protocol"
)

// Orchestrator wires the kernel together and exposes the tool operations.
type Orchestrator struct {
	cfg    *config.Config
	clock  ids.Clock
	driver term.TerminalDriver

	store      *logstore.Store
	sessions   *registry.Sessions
	agents     *registry.Agents
	managers   *registry.Managers
	locks      *locks.Manager
	dedup      *dedup.Cache
	bus        *bus.Bus
	notify     *notify.Buffer
	resolver   *target.Resolver
	dispatcher *dispatch.Dispatcher
	executor   *plan.Executor
	monitor    *monitor.Monitor
	roles      *roles.Engine
}

// New builds the kernel. Construction order matters: identity and persistence
// first, registries next, then the components that consume them. Teardown
// (Close) runs the reverse.
func New(cfg *config.Config, driver term.TerminalDriver, clock ids.Clock) (*Orchestrator, error) {
	store, err := logstore.Open(cfg.LogDir)
	if err != nil {
		return nil, err
	}

	sessions, err := registry.NewSessions(store, clock)
	if err != nil {
		store.Close()
		return nil, err
	}
	agents, err := registry.NewAgents(store, clock, cfg.Teams.AutoCreate)
	if err != nil {
		store.Close()
		return nil, err
	}
	managers, err := registry.NewManagers(store, clock)
	if err != nil {
		store.Close()
		return nil, err
	}
	sessions.SetAgentBoundFunc(agents.BoundToSession)

	o := &Orchestrator{
		cfg:      cfg,
		clock:    clock,
		driver:   driver,
		store:    store,
		sessions: sessions,
		agents:   agents,
		managers: managers,
		locks:    locks.NewManager(clock),
		dedup:    dedup.New(cfg.Dedup.MaxEntries, cfg.DedupTTL(), clock),
		roles:    roles.NewEngine(),
	}
	o.bus = bus.New(bus.Options{
		QueueSize:   cfg.Bus.QueueSize,
		HistorySize: cfg.Bus.HistorySize,
		Workers:     cfg.Bus.Workers,
	}, clock)
	o.notify = notify.NewBuffer(cfg.Notify.MaxPerAgent, cfg.Notify.MaxTotal, clock)
	o.resolver = target.NewResolver(sessions, agents)
	o.dispatcher = dispatch.New(
		o.resolver, o.locks, o.dedup, o.bus, driver, clock,
		cfg.Dispatch.MaxParallel,
		func() int { return cfg.CurrentTunables().DefaultMaxLines },
	)
	o.executor = plan.NewExecutor(managers, o.bus, &workerRunner{o: o}, clock, plan.Options{
		MaxParallel:    cfg.Plan.MaxParallel,
		DefaultTimeout: time.Duration(cfg.Plan.StepTimeoutSec) * time.Second,
	})
	o.monitor = monitor.New(driver, o.bus, func() time.Duration {
		return cfg.CurrentTunables().PollInterval
	})
	return o, nil
}

// ApplyTunables pushes hot-reloaded config values into the live components.
func (o *Orchestrator) ApplyTunables(t config.Tunables) {
	o.dedup.Resize(t.DedupMaxEntries, t.DedupTTL)
	slog.Info("orchestrator.tunables_applied",
		"dedup_ttl", t.DedupTTL, "dedup_max", t.DedupMaxEntries,
		"poll_interval", t.PollInterval, "default_max_lines", t.DefaultMaxLines)
}

// Bus exposes the event bus for transports that stream events.
func (o *Orchestrator) Bus() *bus.Bus { return o.bus }

// Close tears the kernel down in reverse construction order: monitors first
// so no poll loop publishes into a closed bus.
func (o *Orchestrator) Close() {
	o.monitor.StopAll()
	o.bus.Close()
	o.agents.RetryPersist()
	if err := o.agents.Compact(); err != nil {
		slog.Warn("orchestrator.compact_failed", "file", "agents", "error", err)
	}
	if err := o.managers.Compact(); err != nil {
		slog.Warn("orchestrator.compact_failed", "file", "managers", "error", err)
	}
	o.store.Close()
}

// persisted downgrades a PersistenceError to a degraded-mode event: the
// in-memory effect stands, disk catches up later. Other errors pass through.
func (o *Orchestrator) persisted(err error) error {
	if err == nil {
		return nil
	}
	var pe *protocol.PersistenceError
	if errors.As(err, &pe) {
		slog.Warn("orchestrator.persistence_degraded", "path", pe.Path, "kind", pe.Kind, "error", pe.Err)
		o.bus.Publish(protocol.TopicPersistenceDegraded, map[string]any{
			"path": pe.Path,
			"kind": pe.Kind,
		}, bus.High)
		return nil
	}
	return err
}

// onSessionTerminated is the driver's death callback: release locks, stop
// monitoring, mark the record dead, and announce it.
func (o *Orchestrator) onSessionTerminated(sessionID string) {
	o.locks.ReleaseSession(sessionID)
	o.monitor.Stop(sessionID)
	if err := o.persisted(o.sessions.MarkDead(sessionID)); err != nil {
		slog.Warn("orchestrator.mark_dead_failed", "session", sessionID, "error", err)
	}
	o.bus.Publish(protocol.TopicSessionClosed, map[string]any{
		"session_id": sessionID,
	}, bus.High)
}
