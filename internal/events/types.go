// Package events provides event types and utilities for the Crewdeck event system.
package events

// Event types emitted by the agent session manager (PTY lifecycle).
const (
	SessionToolRunning     = "session.tool_running"
	SessionToolInterrupted = "session.tool_interrupted"
	SessionLoginRequired   = "session.login_required"
	SessionBlockingPrompt  = "session.blocking_prompt"
	SessionStallClassified = "session.stall_classified"
	SessionTaskComplete    = "session.task_complete"
	SessionAgentStopped    = "session.agent_stopped"
	SessionAgentError      = "session.agent_error"
)

// Event types emitted by the workflow executor.
const (
	WorkflowUpdated   = "workflow.updated"
	WorkflowCompleted = "workflow.completed"
	WorkflowFailed    = "workflow.failed"
	StepEscalated     = "step.escalated"
)

// Event types for the agent loop (step execution on an agent).
const (
	AgentLoopStarted   = "team.agent_loop.started"
	AgentLoopCompleted = "team.agent_loop.completed"
	AgentLoopFailed    = "team.agent_loop.failed"
	AgentLoopDispatch  = "team.agent_loop.dispatch"
)

// Event types emitted by the deployment service.
const (
	TeamDeployed          = "team.deployed"
	TeamDeploymentUpdated = "team.deployment_updated"
	TeamTornDown          = "team.torn_down"
)

// Event types re-published by the anomaly coordinator with team context.
const (
	TeamAgentToolRunning     = "team.agent_tool_running"
	TeamAgentToolInterrupted = "team.agent_tool_interrupted"
	TeamAgentBlockingPrompt  = "team.agent_blocking_prompt"
	TeamAgentLoginRequired   = "team.agent_login_required"
	TeamStallClassified      = "team.stall_classified"
	TeamEscalationSurfaced   = "team.escalation_surfaced_to_user"
	TeamAuthCompleted        = "team.auth_completed"
	TeamMessageSent          = "team.message_sent"
)

// UI-facing event names pushed over the websocket gateway.
// Payloads are enriched with workspace_id, space_id and deployment_id.
const (
	UIAgentLoopStarted    = "team:agent_loop_started"
	UIAgentLoopCompleted  = "team:agent_loop_completed"
	UIAgentLoopFailed     = "team:agent_loop_failed"
	UIMessageSent         = "team:message_sent"
	UIAgentToolRunning    = "team:agent_tool_running"
	UIAgentToolInterrupt  = "team:agent_tool_interrupted"
	UIAgentLoginRequired  = "team:agent_login_required"
	UIAgentBlockingPrompt = "team:agent_blocking_prompt"
	UIStallClassified     = "team:stall_classified"
	UIEscalationSurfaced  = "team:escalation_surfaced"
	UIDeploymentUpdated   = "team:deployment_updated"
	UIWorkflowUpdated     = "team:workflow_updated"
	UIWorkflowCompleted   = "team:workflow_completed"
	UIWorkflowFailed      = "team:workflow_failed"
)

// BuildSessionSubject scopes a session event subject to one runtime session.
func BuildSessionSubject(base, sessionID string) string {
	return base + "." + sessionID
}

// BuildSessionWildcard subscribes to a session event for every session.
func BuildSessionWildcard(base string) string {
	return base + ".*"
}

// UISubjectPrefix matches every UI-facing event.
const UISubjectPrefix = "team:"
