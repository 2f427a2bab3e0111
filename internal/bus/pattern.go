package bus

import (
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/termclaw/pkg/protocol"
)

// PatternMatch is the payload published when an output pattern fires.
type PatternMatch struct {
	SessionID string `json:"session_id"`
	Pattern   string `json:"pattern"`
	Line      string `json:"line"`
	EventName string `json:"event_name"`
}

// SubscribeOutputPattern watches a session's output deltas for a regex. Each
// matching line publishes one event on the caller-chosen topic plus a
// pattern.matched event. Returns the subscription id for Unsubscribe.
func (b *Bus) SubscribeOutputPattern(sessionID, pattern, eventName string) (string, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", &protocol.InvalidArgumentError{Field: "regex", Reason: err.Error()}
	}
	if eventName == "" {
		return "", &protocol.InvalidArgumentError{Field: "event_name", Reason: "must not be empty"}
	}

	topic := protocol.TopicSessionOutput + "." + sessionID
	id := b.Subscribe(topic, func(ev Event) {
		delta, ok := ev.Payload.(OutputDelta)
		if !ok {
			return
		}
		for _, line := range strings.Split(delta.Text, "\n") {
			if line == "" || !re.MatchString(line) {
				continue
			}
			payload := PatternMatch{
				SessionID: sessionID,
				Pattern:   pattern,
				Line:      line,
				EventName: eventName,
			}
			b.Publish(eventName, payload, Normal)
			b.Publish(protocol.TopicPatternMatched, payload, Normal)
		}
	})
	return id, nil
}
