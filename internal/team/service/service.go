// Package service exposes the public deployment lifecycle API: deploy,
// trigger, pause/resume, reset, teardown, redeploy and target assignment.
// Every method is scoped by workspace; a resource outside the caller's
// workspace is indistinguishable from a missing one.
package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/crewdeck/crewdeck/internal/common/logger"
	"github.com/crewdeck/crewdeck/internal/events"
	"github.com/crewdeck/crewdeck/internal/events/bus"
	"github.com/crewdeck/crewdeck/internal/experiments"
	"github.com/crewdeck/crewdeck/internal/team/executor"
	"github.com/crewdeck/crewdeck/internal/team/identity"
	"github.com/crewdeck/crewdeck/internal/team/models"
	"github.com/crewdeck/crewdeck/internal/team/planner"
	"github.com/crewdeck/crewdeck/internal/team/registry"
	"github.com/crewdeck/crewdeck/internal/team/session"
	"github.com/crewdeck/crewdeck/internal/team/store"
)

var (
	// ErrTornDown is returned for lifecycle operations against a torn-down
	// deployment.
	ErrTornDown = errors.New("deployment is torn down")
	// ErrNotActive is returned when a trigger requires an active deployment.
	ErrNotActive = errors.New("deployment is not active")
	// ErrNoTarget is returned when a run is triggered without an assigned
	// task or experiment.
	ErrNoTarget = errors.New("deployment has no target task or experiment")
	// ErrBadTarget is returned when target assignment does not name exactly
	// one of task or experiment.
	ErrBadTarget = errors.New("exactly one of task or experiment must be given")
	// ErrBadMemoryPolicy is returned for unknown redeploy memory policies.
	ErrBadMemoryPolicy = errors.New("memory policy must be none or carry_all")
	// ErrNoLead is returned when a run is triggered on a team without a lead
	// agent.
	ErrNoLead = errors.New("deployment has no lead agent")
)

// Redeploy memory policies.
const (
	MemoryNone     = "none"
	MemoryCarryAll = "carry_all"
)

// defaultAgentType fills in roles that do not pin an agent CLI.
const defaultAgentType = "claude-code"

// SessionRunner is the slice of the session manager the service drives.
type SessionRunner interface {
	Spawn(ctx context.Context, agent *models.Agent, deployment *models.Deployment, opts session.SpawnOptions) (string, error)
	DispatchTask(ctx context.Context, sessionID, prompt string) error
	Stop(ctx context.Context, sessionID, reason string) error
	IsAlive(sessionID string) bool
	SessionsForDeployment(deploymentID string) []string
}

// WorkflowDriver advances and fails steps of the compiled workflow.
type WorkflowDriver interface {
	Advance(ctx context.Context, deploymentID string, trigger executor.Trigger) error
	FailStep(ctx context.Context, deploymentID, stepID, stepErr string) error
}

// Messenger sends team messages and composes the kickoff prompt.
type Messenger interface {
	SendMessage(ctx context.Context, deploymentID, fromAgentID, to, text string) (*models.TeamMessage, error)
	KickoffMessage(ctx context.Context, dep *models.Deployment) (string, error)
}

// Options tunes the service.
type Options struct {
	// ScratchBaseDir roots the per-agent scratch directories cleaned on
	// reset and teardown.
	ScratchBaseDir string
}

// Service is the public orchestration API over deployments.
type Service struct {
	store       *store.Store
	targets     *experiments.Store
	identity    identity.Provisioner
	sessions    SessionRunner
	workflow    WorkflowDriver
	messenger   Messenger
	methods     *registry.MethodRegistry
	bus         bus.EventBus
	log         *logger.Logger
	scratchBase string
}

// New builds the deployment service.
func New(st *store.Store, targets *experiments.Store, prov identity.Provisioner,
	sessions SessionRunner, workflow WorkflowDriver, messenger Messenger,
	methods *registry.MethodRegistry, eventBus bus.EventBus, log *logger.Logger, opts Options) *Service {
	if methods == nil {
		methods = registry.NewMethodRegistry()
	}
	return &Service{
		store:       st,
		targets:     targets,
		identity:    prov,
		sessions:    sessions,
		workflow:    workflow,
		messenger:   messenger,
		methods:     methods,
		bus:         eventBus,
		log:         log.WithFields(zap.String("component", "team-service")),
		scratchBase: opts.ScratchBaseDir,
	}
}

// DeployOptions carries the optional deploy-time settings.
type DeployOptions struct {
	ProjectID    string
	TeamName     string
	Instructions string
	Config       map[string]any
}

// DeployFromOrgPattern compiles the pattern, creates the deployment record,
// instantiates minInstances agents per role with provisioned pseudo-users and
// persistence-ensured capabilities, and wires the reporting graph.
func (s *Service) DeployFromOrgPattern(ctx context.Context, workspaceID, spaceID string,
	pattern *models.OrgPattern, deployedBy string, opts DeployOptions) (*models.Deployment, []*models.Agent, error) {
	return s.deploy(ctx, workspaceID, spaceID, pattern.Name, pattern, deployedBy, opts, nil)
}

// DeployFromTemplate loads a template and deploys its pattern.
func (s *Service) DeployFromTemplate(ctx context.Context, workspaceID, spaceID,
	templateID, deployedBy string, opts DeployOptions) (*models.Deployment, []*models.Agent, error) {
	tpl, err := s.store.GetTemplate(ctx, workspaceID, templateID)
	if err != nil {
		return nil, nil, err
	}
	return s.deploy(ctx, workspaceID, spaceID, tpl.Name, tpl.Pattern, deployedBy, opts, nil)
}

// Redeploy creates a fresh deployment from the source's org pattern. With
// MemoryCarryAll the new agents reuse the source's pseudo-user identities,
// keyed by role and instance number; with MemoryNone they get fresh ones.
func (s *Service) Redeploy(ctx context.Context, workspaceID, sourceID, deployedBy,
	memoryPolicy string, opts DeployOptions) (*models.Deployment, []*models.Agent, error) {
	if memoryPolicy == "" {
		memoryPolicy = MemoryNone
	}
	if memoryPolicy != MemoryNone && memoryPolicy != MemoryCarryAll {
		return nil, nil, fmt.Errorf("%w: %q", ErrBadMemoryPolicy, memoryPolicy)
	}

	src, err := s.store.GetDeployment(ctx, workspaceID, sourceID)
	if err != nil {
		return nil, nil, err
	}
	if src.OrgPattern == nil {
		return nil, nil, fmt.Errorf("source deployment %s has no org pattern", sourceID)
	}

	var carry map[string]string
	if memoryPolicy == MemoryCarryAll {
		srcAgents, err := s.store.ListAgents(ctx, src.ID)
		if err != nil {
			return nil, nil, err
		}
		carry = make(map[string]string, len(srcAgents))
		for _, agent := range srcAgents {
			carry[agentSlot(agent.Role, agent.InstanceNumber)] = agent.UserID
		}
	}

	// The source's target bindings are per-deployment claims and do not
	// carry over.
	if opts.TeamName == "" {
		opts.TeamName = src.ConfigString(models.ConfigTeamName)
	}
	if opts.Instructions == "" {
		opts.Instructions = src.ConfigString(models.ConfigInstructions)
	}
	if opts.ProjectID == "" {
		opts.ProjectID = src.ProjectID
	}
	return s.deploy(ctx, workspaceID, src.SpaceID, src.TemplateName, src.OrgPattern, deployedBy, opts, carry)
}

// ValidatePattern checks role agent types and capabilities against the method
// registry and compiles the workflow. Nothing is persisted. Template create
// and update run the same validation as deploy.
func (s *Service) ValidatePattern(pattern *models.OrgPattern) error {
	if pattern == nil {
		return errors.New("org pattern is required")
	}
	for _, role := range pattern.Structure.Roles {
		if !registry.ValidAgentType(role.AgentType) {
			return fmt.Errorf("role %s: %w: %q", role.ID, registry.ErrInvalidAgentType, role.AgentType)
		}
		if err := s.methods.ValidateCapabilities(role.Capabilities); err != nil {
			return fmt.Errorf("role %s: %w", role.ID, err)
		}
	}
	_, err := planner.Compile(pattern)
	return err
}

func (s *Service) deploy(ctx context.Context, workspaceID, spaceID, templateName string,
	pattern *models.OrgPattern, deployedBy string, opts DeployOptions,
	carryUsers map[string]string) (*models.Deployment, []*models.Agent, error) {
	if err := s.ValidatePattern(pattern); err != nil {
		return nil, nil, err
	}
	plan, err := planner.Compile(pattern)
	if err != nil {
		return nil, nil, err
	}

	config := make(map[string]any, len(opts.Config)+2)
	for k, v := range opts.Config {
		config[k] = v
	}
	if opts.TeamName != "" {
		config[models.ConfigTeamName] = opts.TeamName
	}
	if opts.Instructions != "" {
		config[models.ConfigInstructions] = opts.Instructions
	}

	dep := &models.Deployment{
		WorkspaceID:  workspaceID,
		SpaceID:      spaceID,
		ProjectID:    opts.ProjectID,
		TemplateName: templateName,
		Config:       config,
		Status:       models.DeploymentActive,
		DeployedBy:   deployedBy,
	}
	if err := s.store.CreateDeployment(ctx, dep); err != nil {
		return nil, nil, err
	}
	if err := s.store.UpdateDeploymentPlan(ctx, dep.ID, pattern, plan); err != nil {
		return nil, nil, err
	}
	dep.OrgPattern = pattern
	dep.Plan = plan

	agents, err := s.createAgents(ctx, dep, plan, carryUsers)
	if err != nil {
		return nil, nil, err
	}

	state, err := s.store.GetWorkflowState(ctx, dep.ID)
	if err != nil {
		return nil, nil, err
	}
	state.CurrentPhase = models.PhaseIdle
	if err := s.store.SaveWorkflowState(ctx, dep.ID, state); err != nil {
		return nil, nil, err
	}

	s.log.WithDeploymentID(dep.ID).Info("deployed team",
		zap.String("template", templateName),
		zap.Int("agents", len(agents)))
	s.publish(events.TeamDeployed, dep, map[string]any{
		"template_name": templateName,
		"agent_count":   len(agents),
	})
	return dep, agents, nil
}

// createAgents instantiates minInstances agents per compiled role, then wires
// reportsToAgentId in a second pass once every instance exists.
func (s *Service) createAgents(ctx context.Context, dep *models.Deployment,
	plan *models.ExecutionPlan, carryUsers map[string]string) ([]*models.Agent, error) {
	var agents []*models.Agent
	for _, role := range plan.Roles {
		instances := role.MinInstances
		if instances <= 0 || role.Singleton {
			instances = 1
		}
		agentType := role.AgentType
		if agentType == "" {
			agentType = defaultAgentType
		} else if normalized, err := registry.NormalizeAgentType(agentType); err == nil {
			agentType = normalized
		}

		for i := 0; i < instances; i++ {
			userID, ok := carryUsers[agentSlot(role.ID, i)]
			if !ok {
				var err error
				userID, err = s.identity.ProvisionAgentUser(ctx, dep.WorkspaceID, dep.SpaceID, dep.ID, role.ID, i)
				if err != nil {
					return nil, fmt.Errorf("failed to provision user for role %s: %w", role.ID, err)
				}
			}
			agent := &models.Agent{
				DeploymentID:   dep.ID,
				WorkspaceID:    dep.WorkspaceID,
				UserID:         userID,
				Role:           role.ID,
				InstanceNumber: i,
				AgentType:      agentType,
				Workdir:        role.Workdir,
				SystemPrompt:   rolePrompt(dep, role),
				Capabilities:   registry.EnsurePersistence(role.Capabilities),
				Status:         models.AgentIdle,
			}
			if err := s.store.CreateAgent(ctx, agent); err != nil {
				return nil, err
			}
			agents = append(agents, agent)
		}
	}

	firstOfRole := make(map[string]string, len(agents))
	for _, agent := range agents {
		if agent.InstanceNumber == 0 {
			firstOfRole[agent.Role] = agent.ID
		}
	}
	for _, agent := range agents {
		role, ok := plan.RoleByID(agent.Role)
		if !ok || role.ReportsTo == "" {
			continue
		}
		target := firstOfRole[role.ReportsTo]
		if target == "" || target == agent.ID {
			continue
		}
		if err := s.store.UpdateAgentReportsTo(ctx, agent.ID, target); err != nil {
			return nil, err
		}
		agent.ReportsToAgentID = target
	}
	return agents, nil
}

func agentSlot(roleID string, instance int) string {
	return roleID + "#" + strconv.Itoa(instance)
}

// rolePrompt composes the per-agent system prompt from the role definition.
func rolePrompt(dep *models.Deployment, role models.Role) string {
	name := role.Name
	if name == "" {
		name = role.ID
	}
	var b strings.Builder
	fmt.Fprintf(&b, "You are the %s on the team %q.\n", name, dep.TeamName())
	if role.Description != "" {
		b.WriteString(role.Description)
		b.WriteString("\n")
	}
	if len(role.Capabilities) > 0 {
		fmt.Fprintf(&b, "Your tool capabilities: %s.\n", strings.Join(role.Capabilities, ", "))
	}
	if role.ReportsTo != "" {
		fmt.Fprintf(&b, "You report to the %s role; send results and questions there.\n", role.ReportsTo)
	}
	return b.String()
}

// saveState persists a workflow-state mutation, re-reading and re-applying on
// an optimistic-lock conflict.
func (s *Service) saveState(ctx context.Context, deploymentID string, mutate func(*models.WorkflowState)) error {
	for attempt := 0; attempt < 3; attempt++ {
		state, err := s.store.GetWorkflowState(ctx, deploymentID)
		if err != nil {
			return err
		}
		mutate(state)
		err = s.store.SaveWorkflowState(ctx, deploymentID, state)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrOptimisticLock) {
			return err
		}
	}
	return store.ErrOptimisticLock
}

func (s *Service) publish(eventType string, dep *models.Deployment, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["deployment_id"] = dep.ID
	data["workspace_id"] = dep.WorkspaceID
	data["space_id"] = dep.SpaceID
	event := bus.NewEvent(eventType, "team-service", data)
	if err := s.bus.Publish(context.Background(), eventType, event); err != nil {
		s.log.Warn("failed to publish service event", zap.String("type", eventType), zap.Error(err))
	}
	uiEvent := bus.NewEvent(events.UIDeploymentUpdated, "team-service", data)
	if err := s.bus.Publish(context.Background(), events.UIDeploymentUpdated, uiEvent); err != nil {
		s.log.Warn("failed to publish UI event", zap.Error(err))
	}
}
