package notify

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mattn/go-runewidth"
)

// levelBadges give each level a compact marker for one-line summaries.
var levelBadges = map[string]string{
	"info":    "·",
	"warning": "!",
	"error":   "✗",
	"success": "✓",
	"blocked": "⊘",
}

// FormatLine renders one notification as a single line, truncating the
// summary by display width so wide runes don't blow the column.
func FormatLine(n Notification, width int) string {
	badge, ok := levelBadges[n.Level]
	if !ok {
		badge = "?"
	}
	agent := n.Agent
	if agent == "" {
		agent = "system"
	}
	summary := n.Summary
	if width > 0 {
		summary = runewidth.Truncate(summary, width, "…")
	}
	line := fmt.Sprintf("%s %s [%s] %s", badge, n.CreatedAt.Format("15:04:05"), agent, summary)
	if n.ActionHint != "" {
		line += " → " + n.ActionHint
	}
	return line
}

// FormatStatusSummary renders the latest notification per agent, one line
// each, sorted by agent name. Pure: formatting only, no buffer access.
func FormatStatusSummary(latest map[string]Notification, width int) string {
	agents := make([]string, 0, len(latest))
	for a := range latest {
		agents = append(agents, a)
	}
	sort.Strings(agents)

	var sb strings.Builder
	for _, a := range agents {
		sb.WriteString(FormatLine(latest[a], width))
		sb.WriteByte('\n')
	}
	return strings.TrimRight(sb.String(), "\n")
}
