// Package controller translates HTTP requests into deployment service and
// store calls. Handlers stay transport-only; validation that touches state
// lives here or below.
package controller

import (
	"context"
	"fmt"

	"github.com/crewdeck/crewdeck/internal/team/dto"
	"github.com/crewdeck/crewdeck/internal/team/models"
	"github.com/crewdeck/crewdeck/internal/team/service"
	"github.com/crewdeck/crewdeck/internal/team/store"
)

// StallClassifier is the diagnostic slice of the session manager.
type StallClassifier interface {
	ForceClassifySession(ctx context.Context, sessionID string) (string, error)
}

// Controller backs the team HTTP surface.
type Controller struct {
	store      *store.Store
	service    *service.Service
	classifier StallClassifier
}

// New builds the controller.
func New(st *store.Store, svc *service.Service, classifier StallClassifier) *Controller {
	return &Controller{store: st, service: svc, classifier: classifier}
}

// Templates.

func (c *Controller) ListTemplates(ctx context.Context, req dto.ListTemplatesRequest) ([]dto.TemplateDTO, error) {
	templates, err := c.store.ListTemplates(ctx, req.WorkspaceID)
	if err != nil {
		return nil, err
	}
	out := make([]dto.TemplateDTO, 0, len(templates))
	for _, tpl := range templates {
		out = append(out, dto.FromTemplate(tpl))
	}
	return out, nil
}

func (c *Controller) GetTemplate(ctx context.Context, req dto.GetTemplateRequest) (dto.TemplateDTO, error) {
	tpl, err := c.store.GetTemplate(ctx, req.WorkspaceID, req.TemplateID)
	if err != nil {
		return dto.TemplateDTO{}, err
	}
	return dto.FromTemplate(tpl), nil
}

func (c *Controller) CreateTemplate(ctx context.Context, req dto.CreateTemplateRequest) (dto.TemplateDTO, error) {
	if err := c.service.ValidatePattern(req.Pattern); err != nil {
		return dto.TemplateDTO{}, err
	}
	tpl := &models.Template{
		WorkspaceID: req.WorkspaceID,
		Name:        req.Name,
		Description: req.Description,
		Version:     req.Version,
		Pattern:     req.Pattern,
		CreatedBy:   req.CreatedBy,
	}
	if err := c.store.CreateTemplate(ctx, tpl); err != nil {
		return dto.TemplateDTO{}, err
	}
	return dto.FromTemplate(tpl), nil
}

func (c *Controller) UpdateTemplate(ctx context.Context, req dto.UpdateTemplateRequest) (dto.TemplateDTO, error) {
	tpl, err := c.store.GetTemplate(ctx, req.WorkspaceID, req.TemplateID)
	if err != nil {
		return dto.TemplateDTO{}, err
	}
	if tpl.System {
		return dto.TemplateDTO{}, store.ErrSystemTemplate
	}
	if req.Name != "" {
		tpl.Name = req.Name
	}
	if req.Description != "" {
		tpl.Description = req.Description
	}
	if req.Version != "" {
		tpl.Version = req.Version
	}
	if req.Pattern != nil {
		if err := c.service.ValidatePattern(req.Pattern); err != nil {
			return dto.TemplateDTO{}, err
		}
		tpl.Pattern = req.Pattern
	}
	if err := c.store.UpdateTemplate(ctx, req.WorkspaceID, tpl); err != nil {
		return dto.TemplateDTO{}, err
	}
	return dto.FromTemplate(tpl), nil
}

func (c *Controller) DuplicateTemplate(ctx context.Context, req dto.DuplicateTemplateRequest) (dto.TemplateDTO, error) {
	src, err := c.store.GetTemplate(ctx, req.WorkspaceID, req.TemplateID)
	if err != nil {
		return dto.TemplateDTO{}, err
	}
	name := req.Name
	if name == "" {
		name = fmt.Sprintf("%s (copy)", src.Name)
	}
	dup := &models.Template{
		WorkspaceID: req.WorkspaceID,
		Name:        name,
		Description: src.Description,
		Version:     src.Version,
		Pattern:     src.Pattern,
		CreatedBy:   req.CreatedBy,
	}
	if err := c.store.CreateTemplate(ctx, dup); err != nil {
		return dto.TemplateDTO{}, err
	}
	return dto.FromTemplate(dup), nil
}

func (c *Controller) DeleteTemplate(ctx context.Context, req dto.DeleteTemplateRequest) error {
	tpl, err := c.store.GetTemplate(ctx, req.WorkspaceID, req.TemplateID)
	if err != nil {
		return err
	}
	if tpl.System {
		return store.ErrSystemTemplate
	}
	return c.store.DeleteTemplate(ctx, req.WorkspaceID, req.TemplateID)
}

// Deploy.

func (c *Controller) Deploy(ctx context.Context, req dto.DeployRequest) (dto.DeployResponse, error) {
	dep, agents, err := c.service.DeployFromTemplate(ctx, req.WorkspaceID, req.SpaceID, req.TemplateID, req.DeployedBy,
		service.DeployOptions{
			ProjectID:    req.ProjectID,
			TeamName:     req.TeamName,
			Instructions: req.Instructions,
			Config:       req.Config,
		})
	if err != nil {
		return dto.DeployResponse{}, err
	}
	return c.deployResponse(dep, agents), nil
}

func (c *Controller) DeployPattern(ctx context.Context, req dto.DeployPatternRequest) (dto.DeployResponse, error) {
	dep, agents, err := c.service.DeployFromOrgPattern(ctx, req.WorkspaceID, req.SpaceID, req.Pattern, req.DeployedBy,
		service.DeployOptions{
			ProjectID:    req.ProjectID,
			TeamName:     req.TeamName,
			Instructions: req.Instructions,
			Config:       req.Config,
		})
	if err != nil {
		return dto.DeployResponse{}, err
	}
	return c.deployResponse(dep, agents), nil
}

func (c *Controller) Redeploy(ctx context.Context, req dto.RedeployRequest) (dto.DeployResponse, error) {
	dep, agents, err := c.service.Redeploy(ctx, req.WorkspaceID, req.DeploymentID, req.DeployedBy,
		req.MemoryPolicy, service.DeployOptions{TeamName: req.TeamName})
	if err != nil {
		return dto.DeployResponse{}, err
	}
	return c.deployResponse(dep, agents), nil
}

func (c *Controller) deployResponse(dep *models.Deployment, agents []*models.Agent) dto.DeployResponse {
	resp := dto.DeployResponse{
		Deployment: dto.FromDeployment(dep),
		Agents:     make([]dto.AgentDTO, 0, len(agents)),
	}
	for _, agent := range agents {
		resp.Agents = append(resp.Agents, dto.FromAgent(agent, false))
	}
	return resp
}

// Deployment lifecycle.

func (c *Controller) ListDeployments(ctx context.Context, req dto.ListDeploymentsRequest) ([]dto.DeploymentDTO, error) {
	deployments, err := c.store.ListDeployments(ctx, req.WorkspaceID, req.LiveOnly)
	if err != nil {
		return nil, err
	}
	out := make([]dto.DeploymentDTO, 0, len(deployments))
	for _, dep := range deployments {
		out = append(out, dto.FromDeployment(dep))
	}
	return out, nil
}

func (c *Controller) Status(ctx context.Context, req dto.DeploymentRequest) (dto.StatusResponse, error) {
	dep, agents, state, err := c.service.Status(ctx, req.WorkspaceID, req.DeploymentID)
	if err != nil {
		return dto.StatusResponse{}, err
	}
	resp := dto.StatusResponse{
		Deployment: dto.FromDeployment(dep),
		Agents:     make([]dto.AgentDTO, 0, len(agents)),
		Workflow:   state,
	}
	for _, agent := range agents {
		resp.Agents = append(resp.Agents, dto.FromAgent(agent, c.service.SessionLive(agent)))
	}
	return resp, nil
}

func (c *Controller) Trigger(ctx context.Context, req dto.DeploymentRequest) error {
	return c.service.Trigger(ctx, req.WorkspaceID, req.DeploymentID)
}

func (c *Controller) Pause(ctx context.Context, req dto.DeploymentRequest) error {
	return c.service.Pause(ctx, req.WorkspaceID, req.DeploymentID)
}

func (c *Controller) Resume(ctx context.Context, req dto.DeploymentRequest) error {
	return c.service.Resume(ctx, req.WorkspaceID, req.DeploymentID)
}

func (c *Controller) Reset(ctx context.Context, req dto.DeploymentRequest) error {
	return c.service.Reset(ctx, req.WorkspaceID, req.DeploymentID)
}

func (c *Controller) Teardown(ctx context.Context, req dto.DeploymentRequest) error {
	return c.service.Teardown(ctx, req.WorkspaceID, req.DeploymentID)
}

func (c *Controller) Rename(ctx context.Context, req dto.RenameDeploymentRequest) error {
	return c.service.Rename(ctx, req.WorkspaceID, req.DeploymentID, req.Name)
}

func (c *Controller) AssignTarget(ctx context.Context, req dto.AssignTargetRequest) error {
	return c.service.AssignTarget(ctx, req.WorkspaceID, req.DeploymentID, req.TaskID, req.ExperimentID)
}

// ClassifyStall forces a stall classification of one live session.
func (c *Controller) ClassifyStall(ctx context.Context, req dto.ClassifyStallRequest) (dto.ClassifyStallResponse, error) {
	classification, err := c.classifier.ForceClassifySession(ctx, req.SessionID)
	if err != nil {
		return dto.ClassifyStallResponse{}, err
	}
	return dto.ClassifyStallResponse{SessionID: req.SessionID, Classification: classification}, nil
}
