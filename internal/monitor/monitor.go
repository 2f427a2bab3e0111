// Package monitor polls session screens and turns them into output events.
// Each monitored session gets its own paced loop publishing the appended text
// since the previous snapshot on session.output.<id>.
package monitor

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/termclaw/internal/bus"
	"github.com/nextlevelbuilder/termclaw/internal/term"
	"github.com/nextlevelbuilder/termclaw/pkg/protocol"
)

// Monitor owns the polling loops. Safe for concurrent use.
type Monitor struct {
	driver   term.TerminalDriver
	bus      *bus.Bus
	interval func() time.Duration // read each poll so hot reload applies

	mu    sync.Mutex
	loops map[string]*loop
}

type loop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a monitor. interval is consulted every poll; values below 10ms
// are clamped.
func New(driver term.TerminalDriver, eventBus *bus.Bus, interval func() time.Duration) *Monitor {
	return &Monitor{
		driver:   driver,
		bus:      eventBus,
		interval: interval,
		loops:    make(map[string]*loop),
	}
}

func (m *Monitor) pollInterval() time.Duration {
	iv := m.interval()
	if iv < 10*time.Millisecond {
		iv = 10 * time.Millisecond
	}
	return iv
}

// Start begins monitoring a session. Idempotent: starting a monitored session
// is a no-op.
func (m *Monitor) Start(sessionID string, maxLines int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, running := m.loops[sessionID]; running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &loop{cancel: cancel, done: make(chan struct{})}
	m.loops[sessionID] = l
	go m.run(ctx, sessionID, maxLines, l.done)
}

// Stop ends a session's loop. The returned channel closes once the loop has
// finished its current poll; stopping an unmonitored session yields a closed
// channel.
func (m *Monitor) Stop(sessionID string) <-chan struct{} {
	m.mu.Lock()
	l, ok := m.loops[sessionID]
	if ok {
		delete(m.loops, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		done := make(chan struct{})
		close(done)
		return done
	}
	l.cancel()
	return l.done
}

// StopAll stops every loop and waits for them to drain.
func (m *Monitor) StopAll() {
	m.mu.Lock()
	all := make([]*loop, 0, len(m.loops))
	for id, l := range m.loops {
		l.cancel()
		all = append(all, l)
		delete(m.loops, id)
	}
	m.mu.Unlock()
	for _, l := range all {
		<-l.done
	}
}

// Watching reports the monitored session ids, sorted.
func (m *Monitor) Watching() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.loops))
	for id := range m.loops {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (m *Monitor) run(ctx context.Context, sessionID string, maxLines int, done chan struct{}) {
	defer close(done)

	limiter := rate.NewLimiter(rate.Every(m.pollInterval()), 1)
	var prev string
	first := true

	for {
		limiter.SetLimit(rate.Every(m.pollInterval()))
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		screen, err := m.driver.ReadScreen(ctx, sessionID, maxLines)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Pane may be mid-teardown; the registry's terminate callback
			// stops the loop, so just log and keep pacing.
			slog.Debug("monitor.poll_failed", "session", sessionID, "error", err)
			continue
		}

		cur := strings.Join(screen.Lines, "\n")
		delta, overflow := diff(prev, cur)
		overflow = overflow || screen.Overflowed
		prev = cur

		// The first poll establishes the baseline without replaying history.
		if first {
			first = false
			continue
		}
		if delta == "" && !overflow {
			continue
		}
		m.bus.Publish(protocol.TopicSessionOutput+"."+sessionID, bus.OutputDelta{
			SessionID: sessionID,
			Text:      delta,
			Overflow:  overflow,
		}, bus.Normal)
	}
}

// diff returns the text appended since prev. When cur no longer extends prev
// (the screen scrolled or was rewritten), the whole current text comes back
// with overflow set.
func diff(prev, cur string) (delta string, overflow bool) {
	if cur == prev {
		return "", false
	}
	if strings.HasPrefix(cur, prev) {
		return cur[len(prev):], false
	}
	return cur, true
}
