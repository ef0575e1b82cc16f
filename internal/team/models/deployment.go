package models

import "time"

// DeploymentStatus is the lifecycle status of a deployment.
// torn_down is terminal.
type DeploymentStatus string

const (
	DeploymentActive   DeploymentStatus = "active"
	DeploymentPaused   DeploymentStatus = "paused"
	DeploymentTornDown DeploymentStatus = "torn_down"
)

// Config keys recognized inside Deployment.Config.
const (
	ConfigTeamName     = "team_name"
	ConfigTargetTask   = "target_task_id"
	ConfigTargetExp    = "target_experiment_id"
	ConfigInstructions = "instructions"
)

// Deployment binds an org pattern to a space and owns the materialized team.
type Deployment struct {
	ID           string           `json:"id"`
	WorkspaceID  string           `json:"workspace_id"`
	SpaceID      string           `json:"space_id"`
	ProjectID    string           `json:"project_id,omitempty"`
	TemplateName string           `json:"template_name"`
	Config       map[string]any   `json:"config"`
	OrgPattern   *OrgPattern      `json:"org_pattern"`
	Plan         *ExecutionPlan   `json:"execution_plan"`
	Status       DeploymentStatus `json:"status"`
	DeployedBy   string           `json:"deployed_by"`
	CreatedAt    time.Time        `json:"created_at"`
	TornDownAt   *time.Time       `json:"torn_down_at,omitempty"`
}

// ConfigString reads a string value out of the deployment config.
func (d *Deployment) ConfigString(key string) string {
	if d.Config == nil {
		return ""
	}
	s, _ := d.Config[key].(string)
	return s
}

// TargetTaskID returns the configured target task, if any.
func (d *Deployment) TargetTaskID() string { return d.ConfigString(ConfigTargetTask) }

// TargetExperimentID returns the configured target experiment, if any.
func (d *Deployment) TargetExperimentID() string { return d.ConfigString(ConfigTargetExp) }

// TeamName returns the configured display name, falling back to the template name.
func (d *Deployment) TeamName() string {
	if name := d.ConfigString(ConfigTeamName); name != "" {
		return name
	}
	return d.TemplateName
}

// AgentStatus is the lifecycle status of one agent instance.
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentRunning AgentStatus = "running"
	AgentPaused  AgentStatus = "paused"
	AgentError   AgentStatus = "error"
)

// Agent is one instance of a role: a pseudo-user identity plus, while live,
// a PTY-backed subprocess. RuntimeSessionID is non-empty iff a live
// subprocess exists.
type Agent struct {
	ID                string      `json:"id"`
	DeploymentID      string      `json:"deployment_id"`
	WorkspaceID       string      `json:"workspace_id"`
	UserID            string      `json:"user_id"` // pseudo-user identity
	Role              string      `json:"role"`
	InstanceNumber    int         `json:"instance_number"`
	AgentType         string      `json:"agent_type"`
	Workdir           string      `json:"workdir,omitempty"`
	SystemPrompt      string      `json:"system_prompt,omitempty"`
	Capabilities      []string    `json:"capabilities,omitempty"`
	ReportsToAgentID  string      `json:"reports_to_agent_id,omitempty"`
	Status            AgentStatus `json:"status"`
	CurrentStepID     string      `json:"current_step_id,omitempty"`
	RuntimeSessionID  string      `json:"runtime_session_id,omitempty"`
	TerminalSessionID string      `json:"terminal_session_id,omitempty"`
	LastRunAt         *time.Time  `json:"last_run_at,omitempty"`
	LastRunSummary    string      `json:"last_run_summary,omitempty"`
	TotalActions      int         `json:"total_actions"`
	TotalErrors       int         `json:"total_errors"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// IsLead reports whether the agent sits at the top of the reporting chain.
func (a *Agent) IsLead() bool { return a.ReportsToAgentID == "" }
