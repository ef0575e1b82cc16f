package anomaly

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/crewdeck/crewdeck/internal/common/logger"
	"github.com/crewdeck/crewdeck/internal/events"
	"github.com/crewdeck/crewdeck/internal/events/bus"
	"github.com/crewdeck/crewdeck/internal/team/executor"
	"github.com/crewdeck/crewdeck/internal/team/models"
	"github.com/crewdeck/crewdeck/internal/team/session"
)

// authFlow tracks one in-progress CLI login for a deployment and agent type.
type authFlow struct {
	deploymentID string
	agentType    string
	sessionID    string
	startedAt    time.Time
}

func authKey(deploymentID, agentType string) string {
	return deploymentID + "/" + agentType
}

// beginAuthFlow starts a coordinated login for every agent of the given type
// in the deployment. At most one flow runs per deployment and agent type;
// duplicates are dropped. Agents of the type are errored until the login
// completes, then restarted to idle.
func (c *Coordinator) beginAuthFlow(ctx context.Context, dep *models.Deployment, agentType, sessionID, url string) {
	key := authKey(dep.ID, agentType)

	c.authMu.Lock()
	if _, running := c.authFlows[key]; running {
		c.authMu.Unlock()
		c.log.Debug("auth flow already in progress", zap.String("key", key))
		return
	}
	flow := &authFlow{
		deploymentID: dep.ID,
		agentType:    agentType,
		sessionID:    sessionID,
		startedAt:    time.Now(),
	}
	c.authFlows[key] = flow
	c.authMu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.authMu.Lock()
			delete(c.authFlows, key)
			c.authMu.Unlock()
		}()
		c.runAuthFlow(ctx, dep, flow, url)
	}()
}

// AuthFlowActive reports whether a login flow is running for the deployment
// and agent type.
func (c *Coordinator) AuthFlowActive(deploymentID, agentType string) bool {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	_, running := c.authFlows[authKey(deploymentID, agentType)]
	return running
}

func (c *Coordinator) runAuthFlow(ctx context.Context, dep *models.Deployment, flow *authFlow, url string) {
	log := c.log.WithFields(
		zap.String("deployment_id", dep.ID),
		zap.String("agent_type", flow.agentType))
	log.Info("starting coordinated auth flow")

	// Every agent of this type is unusable until login completes. The
	// session that reported the login prompt stays up: it runs the flow.
	affected := c.quiesceAgents(ctx, dep, flow.agentType, flow.sessionID)

	sessionID, temporary, err := c.ensureAuthSession(ctx, dep, flow, affected)
	if err != nil {
		log.Warn("could not establish auth session", zap.Error(err))
		return
	}
	flow.sessionID = sessionID

	if url == "" {
		if err := c.sessions.Send(sessionID, "/login"); err != nil {
			log.Warn("failed to send login command", zap.Error(err))
			return
		}
		// The CLI needs a moment to print the URL.
		if !c.sleep(2 * time.Second) {
			return
		}
		if tail, err := c.sessions.OutputTail(sessionID, 4096); err == nil {
			url = session.ExtractLoginURL(tail)
		}
	}

	c.publishTeam(events.TeamAgentLoginRequired, events.UIAgentLoginRequired, dep, map[string]any{
		"agent_type": flow.agentType,
		"url":        url,
	})

	if !c.monitorLogin(sessionID, log) {
		log.Warn("auth flow timed out")
		c.publishTeam(events.TeamEscalationSurfaced, events.UIEscalationSurfaced, dep, map[string]any{
			"reason":     "login_timeout",
			"agent_type": flow.agentType,
			"url":        url,
		})
		return
	}

	// Some CLIs need a couple of confirmations to settle back to the REPL.
	_ = c.sessions.SendKeys(sessionID, "enter")
	c.sleep(time.Second)
	_ = c.sessions.SendKeys(sessionID, "enter")

	if temporary {
		_ = c.sessions.Stop(ctx, sessionID, "auth_flow_done")
	}
	c.recoverAgents(ctx, dep)
	c.publishTeam(events.TeamAuthCompleted, "", dep, map[string]any{
		"agent_type": flow.agentType,
	})
	log.Info("auth flow completed")
}

// quiesceAgents errors out every agent of the type so the executor stops
// dispatching to them while credentials are missing.
func (c *Coordinator) quiesceAgents(ctx context.Context, dep *models.Deployment, agentType, keepSessionID string) []*models.Agent {
	agents, err := c.store.ListAgents(ctx, dep.ID)
	if err != nil {
		c.log.Warn("failed to list agents for auth flow", zap.Error(err))
		return nil
	}
	var affected []*models.Agent
	for _, agent := range agents {
		if agent.AgentType != agentType {
			continue
		}
		affected = append(affected, agent)
		if agent.RuntimeSessionID != "" && agent.RuntimeSessionID != keepSessionID && c.sessions.IsAlive(agent.RuntimeSessionID) {
			_ = c.sessions.Stop(ctx, agent.RuntimeSessionID, "auth_required")
		}
		if err := c.store.UpdateAgentStatus(ctx, agent.ID, models.AgentError); err != nil {
			c.log.Debug("failed to quiesce agent", zap.String("agent_id", agent.ID), zap.Error(err))
		}
	}
	return affected
}

// ensureAuthSession reuses the reporting session when it is still alive, or
// spawns a temporary interactive session on one of the affected agents.
func (c *Coordinator) ensureAuthSession(ctx context.Context, dep *models.Deployment, flow *authFlow, affected []*models.Agent) (string, bool, error) {
	if flow.sessionID != "" && c.sessions.IsAlive(flow.sessionID) {
		return flow.sessionID, false, nil
	}
	if len(affected) == 0 {
		return "", false, fmt.Errorf("no agent of type %s to authenticate", flow.agentType)
	}
	sessionID, err := c.sessions.Spawn(ctx, affected[0], dep, session.SpawnOptions{Interactive: true})
	if err != nil {
		return "", false, err
	}
	return sessionID, true, nil
}

// monitorLogin polls the session output until it announces a successful
// login or the auth timeout passes.
func (c *Coordinator) monitorLogin(sessionID string, log *logger.Logger) bool {
	deadline := time.Now().Add(c.cfg.AuthTimeout)
	for time.Now().Before(deadline) {
		if !c.sleep(c.cfg.AuthPollInterval) {
			return false
		}
		if !c.sessions.IsAlive(sessionID) {
			log.Debug("auth session exited before login completed")
			return false
		}
		tail, err := c.sessions.OutputTail(sessionID, 4096)
		if err != nil {
			return false
		}
		if session.DetectLoginSuccess(tail) {
			return true
		}
	}
	return false
}

// recoverAgents restarts errored agents to idle, drops their dead session
// pointers, and reactivates an auto-paused deployment.
func (c *Coordinator) recoverAgents(ctx context.Context, dep *models.Deployment) {
	agents, err := c.store.ListAgents(ctx, dep.ID)
	if err != nil {
		return
	}
	for _, agent := range agents {
		if agent.Status != models.AgentError {
			continue
		}
		if err := c.store.UpdateAgentSessions(ctx, agent.ID, "", ""); err != nil {
			c.log.Debug("failed to clear recovered agent sessions",
				zap.String("agent_id", agent.ID), zap.Error(err))
		}
		if err := c.store.UpdateAgentStatus(ctx, agent.ID, models.AgentIdle); err != nil {
			c.log.Debug("failed to recover agent", zap.String("agent_id", agent.ID), zap.Error(err))
		}
	}
	fresh, err := c.store.GetDeploymentAny(ctx, dep.ID)
	if err == nil && fresh.Status == models.DeploymentPaused {
		if err := c.store.UpdateDeploymentStatus(ctx, dep.ID, models.DeploymentActive); err != nil {
			c.log.Warn("failed to reactivate deployment after auth",
				zap.String("deployment_id", dep.ID), zap.Error(err))
		}
	}
}

// handleAuthCompleted redispatches work that was parked while credentials
// were missing.
func (c *Coordinator) handleAuthCompleted(ctx context.Context, event *bus.Event) error {
	deploymentID := event.String("deployment_id")
	if deploymentID == "" {
		return nil
	}
	return c.workflow.Advance(ctx, deploymentID, executor.Trigger{Reason: "auth_completed"})
}

// sleep waits unless the coordinator is stopping. Returns false on stop.
func (c *Coordinator) sleep(d time.Duration) bool {
	select {
	case <-c.stopCh:
		return false
	case <-time.After(d):
		return true
	}
}
