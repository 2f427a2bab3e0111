package protocol

// Event topics published on the kernel bus. Topics are dot-separated; a
// trailing ".*" in a subscription matches the whole subtree.
const (
	// Session lifecycle + I/O. Output and input topics carry the session id
	// as the final segment (TopicSessionOutput + "." + sessionID).
	TopicSessionCreated    = "session.created"
	TopicSessionClosed     = "session.closed"
	TopicSessionRenamed    = "session.renamed"
	TopicSessionInput      = "session.input"
	TopicSessionOutput     = "session.output"
	TopicSessionMonitoring = "session.monitoring"

	// Agent lifecycle.
	TopicAgentRegistered = "agent.registered"
	TopicAgentRemoved    = "agent.removed"

	// Lock lifecycle.
	TopicLockAcquired  = "lock.acquired"
	TopicLockReleased  = "lock.released"
	TopicLockRequested = "lock.requested"

	// Plan execution.
	TopicPlanStarted   = "plan.started"
	TopicPlanStep      = "plan.step" // plan.step.running, plan.step.succeeded, ...
	TopicPlanCompleted = "plan.completed"

	// Pattern triggers.
	TopicPatternMatched = "pattern.matched"

	// Kernel health.
	TopicBusDropped          = "bus.dropped"
	TopicPersistenceDegraded = "persistence.degraded"
)

// Notification levels.
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
	LevelSuccess = "success"
	LevelBlocked = "blocked"
)

// Plan step states.
const (
	StepPending   = "pending"
	StepRunning   = "running"
	StepSucceeded = "succeeded"
	StepFailed    = "failed"
	StepSkipped   = "skipped"
)

// Manager worker-selection strategies.
const (
	StrategyRoundRobin = "round_robin"
	StrategyRoleBased  = "role_based"
	StrategyLeastBusy  = "least_busy"
	StrategyPriority   = "priority"
	StrategyRandom     = "random"
)
