package protocol

// Tool method names exposed over the MCP surface.

// Session lifecycle and appearance.
const (
	MethodListSessions   = "list_sessions"
	MethodCreateSessions = "create_sessions"
	MethodSplitSession   = "split_session"
	MethodModifySessions = "modify_sessions"
	MethodSetActive      = "set_active_session"
	MethodFocusSession   = "focus_session"
	MethodSetTags        = "set_session_tags"
	MethodQueryByTag     = "query_sessions_by_tag"
)

// Messaging.
const (
	MethodWriteToSessions = "write_to_sessions"
	MethodReadSessions    = "read_sessions"
	MethodSendCascade     = "send_cascade_message"
	MethodSendControl     = "send_control_character"
	MethodSendSpecialKey  = "send_special_key"
)

// Agents and teams.
const (
	MethodRegisterAgent   = "register_agent"
	MethodRemoveAgent     = "remove_agent"
	MethodListAgents      = "list_agents"
	MethodCreateTeam      = "create_team"
	MethodRemoveTeam      = "remove_team"
	MethodAssignToTeam    = "assign_agent_to_team"
	MethodRemoveFromTeam  = "remove_agent_from_team"
	MethodListTeams       = "list_teams"
	MethodResolveAgent    = "resolve_agent_session"
)

// Locks.
const (
	MethodLockSession   = "lock_session"
	MethodUnlockSession = "unlock_session"
	MethodRequestAccess = "request_session_access"
	MethodListLocks     = "list_locks"
)

// Notifications and status.
const (
	MethodGetNotifications = "get_notifications"
	MethodAgentStatus      = "get_agent_status_summary"
	MethodNotify           = "notify"
	MethodWaitForAgent     = "wait_for_agent"
	MethodRecordFeedback   = "record_feedback"
)

// Output patterns.
const (
	MethodSubscribePattern = "subscribe_to_output_pattern"
	MethodUnsubscribe      = "unsubscribe"
)

// Managers and plans.
const (
	MethodCreateManager = "create_manager"
	MethodDelegateTask  = "delegate_task"
	MethodExecutePlan   = "execute_plan"
	MethodAddWorker     = "add_worker_to_manager"
	MethodRemoveWorker  = "remove_worker_from_manager"
)

// Roles.
const (
	MethodAssignRole      = "assign_session_role"
	MethodCheckPermission = "check_tool_permission"
	MethodListRoles       = "list_available_roles"
)
