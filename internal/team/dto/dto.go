// Package dto defines the wire shapes of the team HTTP surface. Every request
// carries the caller's workspace; resources outside it read as not found.
package dto

import (
	"time"

	"github.com/crewdeck/crewdeck/internal/team/models"
)

// TemplateDTO is the wire form of a template.
type TemplateDTO struct {
	ID          string             `json:"id"`
	WorkspaceID string             `json:"workspace_id,omitempty"`
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Version     string             `json:"version,omitempty"`
	System      bool               `json:"system"`
	Pattern     *models.OrgPattern `json:"pattern,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// FromTemplate converts a stored template.
func FromTemplate(tpl *models.Template) TemplateDTO {
	return TemplateDTO{
		ID:          tpl.ID,
		WorkspaceID: tpl.WorkspaceID,
		Name:        tpl.Name,
		Description: tpl.Description,
		Version:     tpl.Version,
		System:      tpl.System,
		Pattern:     tpl.Pattern,
		CreatedAt:   tpl.CreatedAt,
		UpdatedAt:   tpl.UpdatedAt,
	}
}

// AgentDTO is the wire form of an agent instance.
type AgentDTO struct {
	ID               string     `json:"id"`
	Role             string     `json:"role"`
	InstanceNumber   int        `json:"instance_number"`
	AgentType        string     `json:"agent_type"`
	Status           string     `json:"status"`
	CurrentStepID    string     `json:"current_step_id,omitempty"`
	ReportsToAgentID string     `json:"reports_to_agent_id,omitempty"`
	SessionLive      bool       `json:"session_live"`
	LastRunAt        *time.Time `json:"last_run_at,omitempty"`
	LastRunSummary   string     `json:"last_run_summary,omitempty"`
	TotalActions     int        `json:"total_actions"`
	TotalErrors      int        `json:"total_errors"`
}

// FromAgent converts a stored agent; live reports session liveness.
func FromAgent(agent *models.Agent, live bool) AgentDTO {
	return AgentDTO{
		ID:               agent.ID,
		Role:             agent.Role,
		InstanceNumber:   agent.InstanceNumber,
		AgentType:        agent.AgentType,
		Status:           string(agent.Status),
		CurrentStepID:    agent.CurrentStepID,
		ReportsToAgentID: agent.ReportsToAgentID,
		SessionLive:      live,
		LastRunAt:        agent.LastRunAt,
		LastRunSummary:   agent.LastRunSummary,
		TotalActions:     agent.TotalActions,
		TotalErrors:      agent.TotalErrors,
	}
}

// DeploymentDTO is the wire form of a deployment.
type DeploymentDTO struct {
	ID           string         `json:"id"`
	WorkspaceID  string         `json:"workspace_id"`
	SpaceID      string         `json:"space_id"`
	TemplateName string         `json:"template_name"`
	TeamName     string         `json:"team_name"`
	Status       string         `json:"status"`
	Config       map[string]any `json:"config,omitempty"`
	DeployedBy   string         `json:"deployed_by,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	TornDownAt   *time.Time     `json:"torn_down_at,omitempty"`
}

// FromDeployment converts a stored deployment.
func FromDeployment(dep *models.Deployment) DeploymentDTO {
	return DeploymentDTO{
		ID:           dep.ID,
		WorkspaceID:  dep.WorkspaceID,
		SpaceID:      dep.SpaceID,
		TemplateName: dep.TemplateName,
		TeamName:     dep.TeamName(),
		Status:       string(dep.Status),
		Config:       dep.Config,
		DeployedBy:   dep.DeployedBy,
		CreatedAt:    dep.CreatedAt,
		TornDownAt:   dep.TornDownAt,
	}
}

// Template requests.

type ListTemplatesRequest struct {
	WorkspaceID string `json:"workspace_id" binding:"required"`
}

type GetTemplateRequest struct {
	WorkspaceID string `json:"workspace_id" binding:"required"`
	TemplateID  string `json:"template_id" binding:"required"`
}

type CreateTemplateRequest struct {
	WorkspaceID string             `json:"workspace_id" binding:"required"`
	Name        string             `json:"name" binding:"required"`
	Description string             `json:"description"`
	Version     string             `json:"version"`
	Pattern     *models.OrgPattern `json:"pattern" binding:"required"`
	CreatedBy   string             `json:"created_by"`
}

type UpdateTemplateRequest struct {
	WorkspaceID string             `json:"workspace_id" binding:"required"`
	TemplateID  string             `json:"template_id" binding:"required"`
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Version     string             `json:"version"`
	Pattern     *models.OrgPattern `json:"pattern"`
}

type DuplicateTemplateRequest struct {
	WorkspaceID string `json:"workspace_id" binding:"required"`
	TemplateID  string `json:"template_id" binding:"required"`
	Name        string `json:"name"`
	CreatedBy   string `json:"created_by"`
}

type DeleteTemplateRequest struct {
	WorkspaceID string `json:"workspace_id" binding:"required"`
	TemplateID  string `json:"template_id" binding:"required"`
}

// Deploy requests.

type DeployRequest struct {
	WorkspaceID  string         `json:"workspace_id" binding:"required"`
	SpaceID      string         `json:"space_id" binding:"required"`
	TemplateID   string         `json:"template_id" binding:"required"`
	ProjectID    string         `json:"project_id"`
	TeamName     string         `json:"team_name"`
	Instructions string         `json:"instructions"`
	Config       map[string]any `json:"config"`
	DeployedBy   string         `json:"deployed_by"`
}

type DeployPatternRequest struct {
	WorkspaceID  string             `json:"workspace_id" binding:"required"`
	SpaceID      string             `json:"space_id" binding:"required"`
	Pattern      *models.OrgPattern `json:"pattern" binding:"required"`
	ProjectID    string             `json:"project_id"`
	TeamName     string             `json:"team_name"`
	Instructions string             `json:"instructions"`
	Config       map[string]any     `json:"config"`
	DeployedBy   string             `json:"deployed_by"`
}

// DeployResponse returns the new deployment with its agents.
type DeployResponse struct {
	Deployment DeploymentDTO `json:"deployment"`
	Agents     []AgentDTO    `json:"agents"`
}

// Deployment lifecycle requests.

type ListDeploymentsRequest struct {
	WorkspaceID string `json:"workspace_id" binding:"required"`
	LiveOnly    bool   `json:"live_only"`
}

type DeploymentRequest struct {
	WorkspaceID  string `json:"workspace_id" binding:"required"`
	DeploymentID string `json:"deployment_id" binding:"required"`
}

type RedeployRequest struct {
	WorkspaceID  string `json:"workspace_id" binding:"required"`
	DeploymentID string `json:"deployment_id" binding:"required"`
	MemoryPolicy string `json:"memory_policy"`
	TeamName     string `json:"team_name"`
	DeployedBy   string `json:"deployed_by"`
}

type RenameDeploymentRequest struct {
	WorkspaceID  string `json:"workspace_id" binding:"required"`
	DeploymentID string `json:"deployment_id" binding:"required"`
	Name         string `json:"name" binding:"required"`
}

type AssignTargetRequest struct {
	WorkspaceID  string `json:"workspace_id" binding:"required"`
	DeploymentID string `json:"deployment_id" binding:"required"`
	TaskID       string `json:"task_id"`
	ExperimentID string `json:"experiment_id"`
}

// StatusResponse summarizes one deployment for the operator view.
type StatusResponse struct {
	Deployment DeploymentDTO         `json:"deployment"`
	Agents     []AgentDTO            `json:"agents"`
	Workflow   *models.WorkflowState `json:"workflow"`
}

type ClassifyStallRequest struct {
	SessionID string `json:"session_id" binding:"required"`
}

type ClassifyStallResponse struct {
	SessionID      string `json:"session_id"`
	Classification string `json:"classification"`
}
