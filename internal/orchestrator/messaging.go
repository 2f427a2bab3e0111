package orchestrator

import (
	"context"

	"github.com/nextlevelbuilder/termclaw/internal/dispatch"
	"github.com/nextlevelbuilder/termclaw/pkg/protocol"
)

// WriteToSessions fans messages out across their resolved targets, with
// duplicate suppression, lock checks, and send conditions applied per target.
// caller is the agent identity the transport conveyed, empty for anonymous
// clients.
func (o *Orchestrator) WriteToSessions(ctx context.Context, caller string, messages []dispatch.Message, parallel, skipDuplicates bool, conditions []dispatch.SendCondition) ([]dispatch.WriteEntry, error) {
	if len(messages) == 0 {
		return nil, &protocol.InvalidArgumentError{Field: "messages", Reason: "at least one message is required"}
	}
	for _, m := range messages {
		if len(m.Targets) == 0 {
			return nil, &protocol.InvalidArgumentError{Field: "messages", Reason: "message has no targets"}
		}
	}
	return o.dispatcher.Write(ctx, messages, dispatch.WriteOpts{
		Caller:         caller,
		Parallel:       parallel,
		SkipDuplicates: skipDuplicates,
		SendConditions: conditions,
	}), nil
}

// ReadSessions reads screen contents for each target.
func (o *Orchestrator) ReadSessions(ctx context.Context, targets []protocol.TargetRef, parallel bool, filterPattern string, maxLines int) ([]dispatch.ReadEntry, error) {
	if len(targets) == 0 {
		return nil, &protocol.InvalidArgumentError{Field: "targets", Reason: "at least one target is required"}
	}
	return o.dispatcher.Read(ctx, targets, dispatch.ReadOpts{
		Parallel:      parallel,
		FilterPattern: filterPattern,
		MaxLines:      maxLines,
	}), nil
}

// SendCascadeMessage delivers one message per agent by specificity.
func (o *Orchestrator) SendCascadeMessage(ctx context.Context, caller, broadcast string, teams, agents map[string]string, skipDuplicates bool) ([]dispatch.CascadeEntry, error) {
	if broadcast == "" && len(teams) == 0 && len(agents) == 0 {
		return nil, &protocol.InvalidArgumentError{Field: "cascade", Reason: "broadcast, teams, or agents must be provided"}
	}
	return o.dispatcher.Cascade(ctx, o.agents, dispatch.CascadeOpts{
		Caller:         caller,
		Broadcast:      broadcast,
		Teams:          teams,
		Agents:         agents,
		SkipDuplicates: skipDuplicates,
	}), nil
}
