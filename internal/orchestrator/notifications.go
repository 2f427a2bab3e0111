package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/termclaw/internal/bus"
	"github.com/nextlevelbuilder/termclaw/internal/ids"
	"github.com/nextlevelbuilder/termclaw/internal/logstore"
	"github.com/nextlevelbuilder/termclaw/internal/notify"
	"github.com/nextlevelbuilder/termclaw/pkg/protocol"
)

// notificationsCompactBytes triggers a prefix compaction of the notifications
// file once it grows past this size.
const notificationsCompactBytes = 1 << 20

// notificationRecord is the persisted shape of one notification.
type notificationRecord struct {
	logstore.Meta
	notify.Notification
}

// Notify appends a status notification to the ring buffers and the
// notifications log.
func (o *Orchestrator) Notify(agent, level, summary, context, actionHint string) (notify.Notification, error) {
	if !notify.ValidLevel(level) {
		return notify.Notification{}, &protocol.InvalidArgumentError{
			Field:  "level",
			Reason: fmt.Sprintf("unknown level %q", level),
		}
	}
	if summary == "" {
		return notify.Notification{}, &protocol.InvalidArgumentError{Field: "summary", Reason: "summary must not be empty"}
	}

	n := o.notify.Add(notify.Notification{
		Agent:      agent,
		Level:      level,
		Summary:    summary,
		Context:    context,
		ActionHint: actionHint,
	})

	rec := notificationRecord{
		Meta:         logstore.Meta{Kind: "notification", Version: 1, CreatedAt: n.CreatedAt, UpdatedAt: n.CreatedAt},
		Notification: n,
	}
	if err := o.persisted(o.store.Append(logstore.FileNotifications, rec)); err != nil {
		return n, err
	}
	o.maybeCompactNotifications()
	return n, nil
}

// maybeCompactNotifications rewrites the notifications file down to the live
// ring contents once the append-only tail outgrows the cap.
func (o *Orchestrator) maybeCompactNotifications() {
	if o.store.Size(logstore.FileNotifications) < notificationsCompactBytes {
		return
	}
	live := o.notify.Get("", "", 0)
	records := make([]any, 0, len(live))
	for i := len(live) - 1; i >= 0; i-- { // Get is newest-first; persist oldest-first
		n := live[i]
		records = append(records, notificationRecord{
			Meta:         logstore.Meta{Kind: "notification", Version: 1, CreatedAt: n.CreatedAt, UpdatedAt: n.CreatedAt},
			Notification: n,
		})
	}
	o.persisted(o.store.Rewrite(logstore.FileNotifications, records))
}

// GetNotifications returns notifications newest-first, filtered by agent
// and/or level.
func (o *Orchestrator) GetNotifications(agent, level string, limit int) ([]notify.Notification, error) {
	if level != "" && !notify.ValidLevel(level) {
		return nil, &protocol.InvalidArgumentError{Field: "level", Reason: fmt.Sprintf("unknown level %q", level)}
	}
	return o.notify.Get(level, agent, limit), nil
}

// AgentStatusSummary renders the latest notification per agent, one line
// each.
func (o *Orchestrator) AgentStatusSummary(width int) string {
	return notify.FormatStatusSummary(o.notify.LatestPerAgent(), width)
}

// ClearNotifications drops one agent's notifications, or all of them.
func (o *Orchestrator) ClearNotifications(agent string) {
	o.notify.Clear(agent)
}

// WaitResult is the outcome of wait_for_agent.
type WaitResult struct {
	Agent    string   `json:"agent"`
	Idle     bool     `json:"idle"`
	TimedOut bool     `json:"timed_out,omitempty"`
	Output   []string `json:"output,omitempty"`
}

// WaitForAgent polls the agent's session until its screen goes quiet or the
// deadline passes. With returnOutput the final screen comes back; with
// summaryOnTimeout a warning notification is recorded on timeout.
func (o *Orchestrator) WaitForAgent(ctx context.Context, agent string, waitUpTo time.Duration, returnOutput, summaryOnTimeout bool) (WaitResult, error) {
	s, err := o.resolver.ResolveOne(protocol.TargetRef{Agent: agent})
	if err != nil {
		return WaitResult{}, err
	}
	if waitUpTo <= 0 {
		waitUpTo = 30 * time.Second
	}

	interval := o.cfg.CurrentTunables().PollInterval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	deadline := time.NewTimer(waitUpTo)
	defer deadline.Stop()
	tick := time.NewTicker(interval)
	defer tick.Stop()

	// Quiet = the screen is unchanged across consecutive polls. The first
	// read is the baseline; two stable polls in a row count as idle.
	var prev string
	stable := 0
	result := WaitResult{Agent: agent}
	for {
		select {
		case <-ctx.Done():
			return result, &protocol.CancelledError{Operation: "wait_for_agent"}
		case <-deadline.C:
			result.TimedOut = true
			if summaryOnTimeout {
				o.Notify(agent, protocol.LevelWarning,
					fmt.Sprintf("agent %s still busy after %s", agent, waitUpTo),
					"", "check the session output")
			}
			if returnOutput {
				result.Output = strings.Split(prev, "\n")
			}
			return result, nil
		case <-tick.C:
			screen, err := o.driver.ReadScreen(ctx, s.SessionID, o.maxLinesFor(s))
			if err != nil {
				return result, err
			}
			cur := strings.Join(screen.Lines, "\n")
			if cur == prev {
				stable++
			} else {
				stable = 0
				prev = cur
			}
			if stable >= 2 {
				result.Idle = true
				if returnOutput {
					result.Output = screen.Lines
				}
				return result, nil
			}
		}
	}
}

// SubscribeToOutputPattern arms a regex trigger on one session's output,
// starting the output monitor for it if needed. Returns the subscription id.
func (o *Orchestrator) SubscribeToOutputPattern(ref protocol.TargetRef, pattern, eventName string) (string, error) {
	s, err := o.resolver.ResolveOne(ref)
	if err != nil {
		return "", err
	}
	id, err := o.bus.SubscribeOutputPattern(s.SessionID, pattern, eventName)
	if err != nil {
		return "", err
	}
	o.monitor.Start(s.SessionID, o.maxLinesFor(s))
	return id, nil
}

// Unsubscribe removes an event subscription by id.
func (o *Orchestrator) Unsubscribe(id string) error {
	return o.bus.Unsubscribe(id)
}

// EventHistory returns the retained events for one topic, oldest first.
func (o *Orchestrator) EventHistory(topic string, limit int) []bus.Event {
	return o.bus.History(topic, limit)
}

// feedbackRecord is the persisted shape of one feedback entry.
type feedbackRecord struct {
	logstore.Meta
	FeedbackID string `json:"feedback_id"`
	Agent      string `json:"agent,omitempty"`
	Category   string `json:"category,omitempty"`
	Message    string `json:"message"`
}

// RecordFeedback appends a feedback record and returns its id.
func (o *Orchestrator) RecordFeedback(agent, category, message string) (string, error) {
	if message == "" {
		return "", &protocol.InvalidArgumentError{Field: "message", Reason: "message must not be empty"}
	}
	now := o.clock.Now()
	id, err := ids.NewFeedbackID(now)
	if err != nil {
		return "", err
	}
	rec := feedbackRecord{
		Meta:       logstore.Meta{Kind: "feedback", Version: 1, CreatedAt: now, UpdatedAt: now},
		FeedbackID: id,
		Agent:      agent,
		Category:   category,
		Message:    message,
	}
	if err := o.persisted(o.store.Append(logstore.FileFeedback, rec)); err != nil {
		return "", err
	}
	return id, nil
}
