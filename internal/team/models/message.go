package models

import "time"

// SystemSender is the special sender that bypasses routing validation.
const SystemSender = "system"

// TeamMessage is one inter-agent message. Messages are persisted first and
// delivered at safe points (recipient spawn, blocking prompts, explicit reads).
type TeamMessage struct {
	ID              string     `json:"id"`
	DeploymentID    string     `json:"deployment_id"`
	FromAgentID     string     `json:"from_agent_id"` // agent ID or "system"
	FromRole        string     `json:"from_role"`
	ToAgentID       string     `json:"to_agent_id"`
	ToRole          string     `json:"to_role"`
	Message         string     `json:"message"`
	Delivered       bool       `json:"delivered"`
	ReadByRecipient bool       `json:"read_by_recipient"`
	CreatedAt       time.Time  `json:"created_at"`
	DeliveredAt     *time.Time `json:"delivered_at,omitempty"`
}

// RunLogAction records one tool/method invocation inside a run.
type RunLogAction struct {
	Method string `json:"method"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// RunLog is one append-only observation record. The store retains the most
// recent entries per deployment and drops older ones.
type RunLog struct {
	ID               string         `json:"id"`
	Timestamp        time.Time      `json:"timestamp"`
	DeploymentID     string         `json:"deployment_id"`
	TeamAgentID      string         `json:"team_agent_id,omitempty"`
	Role             string         `json:"role,omitempty"`
	StepID           string         `json:"step_id,omitempty"`
	Summary          string         `json:"summary"`
	ActionsExecuted  int            `json:"actions_executed"`
	ErrorsEncountered int           `json:"errors_encountered"`
	Actions          []RunLogAction `json:"actions,omitempty"`
}
