// Package messaging implements the inter-agent message bus: hierarchical
// routing validation, persist-first delivery, and the team roster.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/crewdeck/crewdeck/internal/common/logger"
	"github.com/crewdeck/crewdeck/internal/events"
	"github.com/crewdeck/crewdeck/internal/events/bus"
	"github.com/crewdeck/crewdeck/internal/team/models"
	"github.com/crewdeck/crewdeck/internal/team/session"
	"github.com/crewdeck/crewdeck/internal/team/store"
)

var (
	// ErrTargetNotFound is returned when the recipient resolves to nothing.
	ErrTargetNotFound = errors.New("message target not found")
	// ErrRoutingDenied is returned when no hierarchy edge or routing rule
	// allows the sender to reach the recipient.
	ErrRoutingDenied = errors.New("routing not allowed between these roles")
)

// SessionWriter is the slice of the session manager messaging needs: spawn a
// recipient when delivery requires it, check liveness, write text.
type SessionWriter interface {
	Spawn(ctx context.Context, agent *models.Agent, deployment *models.Deployment, opts session.SpawnOptions) (string, error)
	IsAlive(sessionID string) bool
	Send(sessionID, text string) error
}

// Service routes and delivers team messages.
type Service struct {
	store    *store.Store
	sessions SessionWriter
	bus      bus.EventBus
	log      *logger.Logger
}

// NewService builds the messaging service.
func NewService(st *store.Store, sessions SessionWriter, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		store:    st,
		sessions: sessions,
		bus:      eventBus,
		log:      log.WithFields(zap.String("component", "team-messaging")),
	}
}

// SendMessage validates routing, persists the message, and attempts delivery.
// Delivery failures are not send failures: the message stays queued for the
// next safe point.
func (s *Service) SendMessage(ctx context.Context, deploymentID, fromAgentID, to, text string) (*models.TeamMessage, error) {
	dep, err := s.store.GetDeploymentAny(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if dep.Status == models.DeploymentTornDown {
		return nil, fmt.Errorf("deployment %s is torn down", deploymentID)
	}

	recipient, err := s.resolveRecipient(ctx, deploymentID, to)
	if err != nil {
		return nil, err
	}

	fromRole := models.SystemSender
	if fromAgentID != models.SystemSender {
		sender, err := s.store.GetAgent(ctx, fromAgentID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("%w: sender %s", ErrTargetNotFound, fromAgentID)
			}
			return nil, err
		}
		if sender.DeploymentID != deploymentID {
			return nil, fmt.Errorf("%w: sender %s", ErrTargetNotFound, fromAgentID)
		}
		if err := validateRouting(dep, sender, recipient); err != nil {
			return nil, err
		}
		fromRole = sender.Role
	}

	msg := &models.TeamMessage{
		DeploymentID: deploymentID,
		FromAgentID:  fromAgentID,
		FromRole:     fromRole,
		ToAgentID:    recipient.ID,
		ToRole:       recipient.Role,
		Message:      text,
	}
	if err := s.store.CreateMessage(ctx, msg); err != nil {
		return nil, err
	}

	s.publish(events.TeamMessageSent, dep, map[string]any{
		"message_id": msg.ID,
		"from_role":  fromRole,
		"to_role":    recipient.Role,
		"to_agent":   recipient.ID,
	})

	if _, err := s.deliverTo(ctx, dep, recipient); err != nil {
		s.log.Warn("message delivery deferred",
			zap.String("deployment_id", deploymentID),
			zap.String("to_agent", recipient.ID),
			zap.Error(err))
	}
	return msg, nil
}

// resolveRecipient accepts an agent ID or a role name. Role names resolve to
// the lowest instance number.
func (s *Service) resolveRecipient(ctx context.Context, deploymentID, to string) (*models.Agent, error) {
	agent, err := s.store.GetAgent(ctx, to)
	if err == nil && agent.DeploymentID == deploymentID {
		return agent, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	byRole, err := s.store.ListAgentsByRole(ctx, deploymentID, to)
	if err != nil {
		return nil, err
	}
	if len(byRole) == 0 {
		return nil, fmt.Errorf("%w: %q is neither an agent ID nor a role in this deployment", ErrTargetNotFound, to)
	}
	return byRole[0], nil
}

// validateRouting allows messages along the reporting chain (either
// direction) or through an explicit routing rule.
func validateRouting(dep *models.Deployment, sender, recipient *models.Agent) error {
	if sender.ID == recipient.ID {
		return fmt.Errorf("%w: agent cannot message itself", ErrRoutingDenied)
	}
	if sender.ReportsToAgentID == recipient.ID || recipient.ReportsToAgentID == sender.ID {
		return nil
	}
	for _, rule := range routingRules(dep) {
		if rule.FromRole == sender.Role && rule.ToRole == recipient.Role {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrRoutingDenied, sender.Role, recipient.Role)
}

func routingRules(dep *models.Deployment) []models.RoutingRule {
	if dep.Plan != nil && len(dep.Plan.Routing) > 0 {
		return dep.Plan.Routing
	}
	if dep.OrgPattern != nil {
		return dep.OrgPattern.Structure.Routing
	}
	return nil
}

// DeliverPending flushes undelivered messages to one agent and reports how
// many got through. Called at safe points: after a send, on blocking prompts,
// and when a session spawns.
func (s *Service) DeliverPending(ctx context.Context, deploymentID, agentID string) (int, error) {
	dep, err := s.store.GetDeploymentAny(ctx, deploymentID)
	if err != nil {
		return 0, err
	}
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return 0, err
	}
	return s.deliverTo(ctx, dep, agent)
}

// deliverTo pushes queued messages into the recipient's terminal. An idle
// recipient without a live session is spawned for the delivery; a busy one
// keeps its queue until the next safe point. Returns the delivered count.
func (s *Service) deliverTo(ctx context.Context, dep *models.Deployment, recipient *models.Agent) (int, error) {
	pending, err := s.store.ListUndeliveredMessages(ctx, dep.ID, recipient.ID)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	sessionID := recipient.RuntimeSessionID
	if sessionID == "" || !s.sessions.IsAlive(sessionID) {
		if recipient.Status != models.AgentIdle {
			return 0, fmt.Errorf("recipient %s is %s with no live session", recipient.ID, recipient.Status)
		}
		sessionID, err = s.sessions.Spawn(ctx, recipient, dep, session.SpawnOptions{})
		if err != nil {
			return 0, fmt.Errorf("failed to spawn recipient session: %w", err)
		}
		if err := s.store.UpdateAgentSessions(ctx, recipient.ID, sessionID, recipient.TerminalSessionID); err != nil {
			s.log.Warn("failed to record recipient session",
				zap.String("agent_id", recipient.ID), zap.Error(err))
		}
	}

	if err := s.sessions.Send(sessionID, FormatDelivery(pending)); err != nil {
		return 0, fmt.Errorf("failed to write messages to session: %w", err)
	}

	ids := make([]string, len(pending))
	for i, msg := range pending {
		ids[i] = msg.ID
	}
	if err := s.store.MarkMessagesDelivered(ctx, ids); err != nil {
		return 0, err
	}
	s.log.Debug("delivered messages",
		zap.String("deployment_id", dep.ID),
		zap.String("to_agent", recipient.ID),
		zap.Int("count", len(pending)))
	return len(pending), nil
}

// FormatDelivery renders queued messages as one terminal block, oldest first.
func FormatDelivery(msgs []*models.TeamMessage) string {
	parts := make([]string, len(msgs))
	for i, msg := range msgs {
		parts[i] = fmt.Sprintf("[Message from %s]: %s", msg.FromRole, msg.Message)
	}
	return strings.Join(parts, "\n\n")
}

// KickoffMessage composes the coordinator's initial task prompt: target,
// roster, and any operator instructions from the deployment config. The
// deployment service sends it as "system" when a run is triggered.
func (s *Service) KickoffMessage(ctx context.Context, dep *models.Deployment) (string, error) {
	agents, err := s.store.ListAgents(ctx, dep.ID)
	if err != nil {
		return "", err
	}
	roleByID := make(map[string]string, len(agents))
	for _, agent := range agents {
		roleByID[agent.ID] = agent.Role
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are coordinating the team %q.\n", dep.TeamName())
	if taskID := dep.TargetTaskID(); taskID != "" {
		fmt.Fprintf(&b, "Target task: %s\n", taskID)
	}
	if expID := dep.TargetExperimentID(); expID != "" {
		fmt.Fprintf(&b, "Target experiment: %s\n", expID)
	}
	b.WriteString("\nTeam roster:\n")
	for _, agent := range agents {
		fmt.Fprintf(&b, "- %s #%d (%s)", agent.Role, agent.InstanceNumber, agent.Status)
		if reportsTo := roleByID[agent.ReportsToAgentID]; reportsTo != "" {
			fmt.Fprintf(&b, ", reports to %s", reportsTo)
		}
		b.WriteString("\n")
	}
	if instructions := dep.ConfigString(models.ConfigInstructions); instructions != "" {
		fmt.Fprintf(&b, "\nInstructions:\n%s\n", instructions)
	}
	b.WriteString("\nDelegate work over team messaging, collect results, and drive the target to completion.")
	return b.String(), nil
}

// ReadMessages returns an agent's recent messages, newest first, and marks
// them read.
func (s *Service) ReadMessages(ctx context.Context, deploymentID, agentID string, limit int) ([]*models.TeamMessage, error) {
	msgs, err := s.store.ListMessages(ctx, deploymentID, agentID, limit)
	if err != nil {
		return nil, err
	}
	if err := s.store.MarkMessagesRead(ctx, deploymentID, agentID); err != nil {
		return nil, err
	}
	return msgs, nil
}

// RosterEntry is one line of the team roster.
type RosterEntry struct {
	AgentID        string `json:"agent_id"`
	Role           string `json:"role"`
	InstanceNumber int    `json:"instance_number"`
	AgentType      string `json:"agent_type"`
	Status         string `json:"status"`
	CurrentStepID  string `json:"current_step_id,omitempty"`
	ReportsTo      string `json:"reports_to,omitempty"`
	IsLead         bool   `json:"is_lead"`
	CanMessage     bool   `json:"can_message"`
}

// GetTeamRoster lists the team's agents with live status. CanMessage is
// computed for the requesting agent with the same routing check SendMessage
// applies; the system viewpoint (empty or "system" forAgentID) can reach
// everyone.
func (s *Service) GetTeamRoster(ctx context.Context, deploymentID, forAgentID string) ([]RosterEntry, error) {
	dep, err := s.store.GetDeploymentAny(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	agents, err := s.store.ListAgents(ctx, deploymentID)
	if err != nil {
		return nil, err
	}

	var requester *models.Agent
	if forAgentID != "" && forAgentID != models.SystemSender {
		for _, agent := range agents {
			if agent.ID == forAgentID {
				requester = agent
				break
			}
		}
	}

	roster := make([]RosterEntry, len(agents))
	for i, agent := range agents {
		canMessage := requester == nil
		if requester != nil {
			canMessage = validateRouting(dep, requester, agent) == nil
		}
		roster[i] = RosterEntry{
			AgentID:        agent.ID,
			Role:           agent.Role,
			InstanceNumber: agent.InstanceNumber,
			AgentType:      agent.AgentType,
			Status:         string(agent.Status),
			CurrentStepID:  agent.CurrentStepID,
			ReportsTo:      agent.ReportsToAgentID,
			IsLead:         agent.IsLead(),
			CanMessage:     canMessage,
		}
	}
	return roster, nil
}

func (s *Service) publish(eventType string, dep *models.Deployment, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["deployment_id"] = dep.ID
	data["workspace_id"] = dep.WorkspaceID
	data["space_id"] = dep.SpaceID
	event := bus.NewEvent(eventType, "team-messaging", data)
	if err := s.bus.Publish(context.Background(), eventType, event); err != nil {
		s.log.Warn("failed to publish messaging event", zap.String("type", eventType), zap.Error(err))
	}
}
