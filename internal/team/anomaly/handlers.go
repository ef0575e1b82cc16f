package anomaly

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/crewdeck/crewdeck/internal/events"
	"github.com/crewdeck/crewdeck/internal/events/bus"
	"github.com/crewdeck/crewdeck/internal/team/models"
	"github.com/crewdeck/crewdeck/internal/team/session"
)

func (c *Coordinator) handleToolRunning(ctx context.Context, event *bus.Event) error {
	agent, dep, ok := c.agentFromEvent(ctx, event)
	if !ok {
		return nil
	}
	info, _ := event.Data["info"].(map[string]any)
	toolName, _ := info["tool_name"].(string)

	c.appendRunLog(ctx, dep, agent, fmt.Sprintf("Running: %s", toolName))
	c.publishTeam(events.TeamAgentToolRunning, events.UIAgentToolRunning, dep, map[string]any{
		"agent_id": agent.ID,
		"role":     agent.Role,
		"info":     info,
	})
	return nil
}

func (c *Coordinator) handleToolInterrupted(ctx context.Context, event *bus.Event) error {
	agent, dep, ok := c.agentFromEvent(ctx, event)
	if !ok {
		return nil
	}
	info, _ := event.Data["info"].(map[string]any)
	toolName, _ := info["tool_name"].(string)

	c.appendRunLog(ctx, dep, agent, fmt.Sprintf("Interrupted: %s", toolName))
	c.publishTeam(events.TeamAgentToolInterrupted, events.UIAgentToolInterrupt, dep, map[string]any{
		"agent_id": agent.ID,
		"role":     agent.Role,
		"info":     info,
	})
	return nil
}

// handleBlockingPrompt runs the three-step ladder: ignore startup prompts,
// flush queued messages at the safe point, then let the escalation flow
// answer or surface the prompt.
func (c *Coordinator) handleBlockingPrompt(ctx context.Context, event *bus.Event) error {
	agent, dep, ok := c.agentFromEvent(ctx, event)
	if !ok {
		return nil
	}
	sessionID := event.String("session_id")
	info, _ := event.Data["prompt_info"].(map[string]any)
	promptType, _ := info["type"].(string)

	// Startup prompts before any step work are auto-answered inside the
	// session manager. Mid-step they are real blockers.
	startup := promptType == "trust" || promptType == "permission" || promptType == "config"
	if startup && agent.CurrentStepID == "" {
		return nil
	}

	// A prompt is a safe point: queued messages may be the missing input.
	delivered, err := c.messenger.DeliverPending(ctx, dep.ID, agent.ID)
	if err != nil {
		c.log.Debug("pending delivery at prompt failed",
			zap.String("agent_id", agent.ID), zap.Error(err))
	}
	if delivered > 0 {
		c.publishTeam(events.TeamAgentBlockingPrompt, events.UIAgentBlockingPrompt, dep, map[string]any{
			"agent_id":           agent.ID,
			"role":               agent.Role,
			"prompt_info":        info,
			"messages_delivered": delivered,
		})
		return nil
	}

	c.publishTeam(events.TeamAgentBlockingPrompt, events.UIAgentBlockingPrompt, dep, map[string]any{
		"agent_id":    agent.ID,
		"role":        agent.Role,
		"prompt_info": info,
	})
	c.respondToPrompt(ctx, dep, agent, sessionID, info)
	return nil
}

func (c *Coordinator) handleLoginRequired(ctx context.Context, event *bus.Event) error {
	agent, dep, ok := c.agentFromEvent(ctx, event)
	if !ok {
		return nil
	}
	url := event.String("url")
	c.publishTeam(events.TeamAgentLoginRequired, events.UIAgentLoginRequired, dep, map[string]any{
		"agent_id":   agent.ID,
		"role":       agent.Role,
		"agent_type": agent.AgentType,
		"url":        url,
	})
	c.beginAuthFlow(ctx, dep, agent.AgentType, event.String("session_id"), url)
	return nil
}

func (c *Coordinator) handleStallClassified(ctx context.Context, event *bus.Event) error {
	agent, dep, ok := c.agentFromEvent(ctx, event)
	if !ok {
		return nil
	}
	classification := event.String("classification")
	c.publishTeam(events.TeamStallClassified, events.UIStallClassified, dep, map[string]any{
		"agent_id":       agent.ID,
		"role":           agent.Role,
		"classification": classification,
	})

	// task_complete arrives as its own event; still_working needs nothing.
	if classification == session.ClassCrashed && agent.CurrentStepID != "" {
		return c.workflow.FailStep(ctx, dep.ID, agent.CurrentStepID, "agent session crashed")
	}
	return nil
}

func (c *Coordinator) handleTaskComplete(ctx context.Context, event *bus.Event) error {
	agent, dep, ok := c.agentFromEvent(ctx, event)
	if !ok {
		return nil
	}
	result := event.String("result")
	if agent.CurrentStepID == "" {
		c.log.Debug("task complete for agent with no current step",
			zap.String("agent_id", agent.ID))
		return nil
	}
	stepID := agent.CurrentStepID

	if err := c.store.RecordAgentRun(ctx, agent.ID, result, 1, 0); err != nil {
		c.log.Debug("failed to record agent run", zap.String("agent_id", agent.ID), zap.Error(err))
	}
	c.appendRunLogStep(ctx, dep, agent, stepID, fmt.Sprintf("Completed step %s: %s", stepID, result))

	if err := c.workflow.CompleteStep(ctx, dep.ID, stepID, result); err != nil {
		return err
	}
	c.publishTeam(events.AgentLoopCompleted, events.UIAgentLoopCompleted, dep, map[string]any{
		"agent_id": agent.ID,
		"role":     agent.Role,
		"step_id":  stepID,
		"result":   result,
	})
	return nil
}

// handleAgentStopped releases the agent when its process exits: session
// pointers are nulled and the in-flight step completes with a neutral
// summary so the workflow keeps moving. Login-driven exits go to the auth
// flow instead.
func (c *Coordinator) handleAgentStopped(ctx context.Context, event *bus.Event) error {
	agent, dep, ok := c.agentFromEvent(ctx, event)
	if !ok {
		return nil
	}
	sessionID := event.String("session_id")
	if event.Bool("login_detected") {
		c.beginAuthFlow(ctx, dep, agent.AgentType, sessionID, "")
		return nil
	}
	if agent.RuntimeSessionID != "" && agent.RuntimeSessionID != sessionID {
		// A stale session exited; the agent already moved on.
		return nil
	}
	c.releaseStoppedAgent(ctx, dep, agent, "agent exited before reporting a result")
	return nil
}

// releaseStoppedAgent returns a dead-session agent to the pool and completes
// its in-flight step so the workflow does not strand on it.
func (c *Coordinator) releaseStoppedAgent(ctx context.Context, dep *models.Deployment, agent *models.Agent, summary string) {
	stepID := agent.CurrentStepID

	if agent.TerminalSessionID != "" {
		_ = c.sessions.Stop(ctx, agent.TerminalSessionID, "agent_stopped")
	}
	if err := c.store.UpdateAgentSessions(ctx, agent.ID, "", ""); err != nil {
		c.log.Debug("failed to clear agent sessions",
			zap.String("agent_id", agent.ID), zap.Error(err))
	}
	if stepID != "" {
		if err := c.store.UpdateAgentStep(ctx, agent.ID, ""); err != nil {
			c.log.Debug("failed to clear agent step",
				zap.String("agent_id", agent.ID), zap.Error(err))
		}
	}
	if agent.Status == models.AgentRunning {
		if err := c.store.UpdateAgentStatus(ctx, agent.ID, models.AgentIdle); err != nil {
			c.log.Debug("failed to idle stopped agent",
				zap.String("agent_id", agent.ID), zap.Error(err))
		}
	}
	c.appendRunLogStep(ctx, dep, agent, stepID, fmt.Sprintf("Agent stopped: %s", summary))

	if stepID == "" {
		return
	}
	if err := c.workflow.CompleteStep(ctx, dep.ID, stepID, summary); err != nil {
		c.log.Warn("failed to complete step for stopped agent",
			zap.String("agent_id", agent.ID),
			zap.String("step_id", stepID),
			zap.Error(err))
		return
	}
	c.publishTeam(events.AgentLoopCompleted, events.UIAgentLoopCompleted, dep, map[string]any{
		"agent_id": agent.ID,
		"role":     agent.Role,
		"step_id":  stepID,
		"result":   summary,
	})
}

// handleAgentError marks the agent failed, fails its step, and auto-pauses
// the deployment when no agent can make progress anymore.
func (c *Coordinator) handleAgentError(ctx context.Context, event *bus.Event) error {
	agent, dep, ok := c.agentFromEvent(ctx, event)
	if !ok {
		return nil
	}
	errText := event.String("error")

	if err := c.store.UpdateAgentStatus(ctx, agent.ID, models.AgentError); err != nil {
		c.log.Warn("failed to mark agent errored", zap.String("agent_id", agent.ID), zap.Error(err))
	}
	c.appendRunLog(ctx, dep, agent, fmt.Sprintf("Agent error: %s", errText))
	c.publishTeam(events.AgentLoopFailed, events.UIAgentLoopFailed, dep, map[string]any{
		"agent_id": agent.ID,
		"role":     agent.Role,
		"step_id":  agent.CurrentStepID,
		"error":    errText,
	})

	if agent.CurrentStepID != "" {
		if err := c.workflow.FailStep(ctx, dep.ID, agent.CurrentStepID, errText); err != nil {
			c.log.Warn("failed to fail step for errored agent",
				zap.String("agent_id", agent.ID), zap.Error(err))
		}
	}

	c.maybeAutoPause(ctx, dep)
	return nil
}

// maybeAutoPause pauses an active deployment once every agent is errored or
// paused: nothing can run, so stop pretending.
func (c *Coordinator) maybeAutoPause(ctx context.Context, dep *models.Deployment) {
	if dep.Status != models.DeploymentActive {
		return
	}
	agents, err := c.store.ListAgents(ctx, dep.ID)
	if err != nil || len(agents) == 0 {
		return
	}
	for _, agent := range agents {
		if agent.Status != models.AgentError && agent.Status != models.AgentPaused {
			return
		}
	}
	c.log.Warn("all agents errored or paused, pausing deployment",
		zap.String("deployment_id", dep.ID))
	if err := c.store.UpdateDeploymentStatus(ctx, dep.ID, models.DeploymentPaused); err != nil {
		c.log.Warn("failed to auto-pause deployment",
			zap.String("deployment_id", dep.ID), zap.Error(err))
	}
}

func (c *Coordinator) appendRunLog(ctx context.Context, dep *models.Deployment, agent *models.Agent, summary string) {
	c.appendRunLogStep(ctx, dep, agent, agent.CurrentStepID, summary)
}

func (c *Coordinator) appendRunLogStep(ctx context.Context, dep *models.Deployment, agent *models.Agent, stepID, summary string) {
	entry := &models.RunLog{
		Timestamp:    time.Now().UTC(),
		DeploymentID: dep.ID,
		TeamAgentID:  agent.ID,
		Role:         agent.Role,
		StepID:       stepID,
		Summary:      summary,
	}
	if err := c.store.AppendRunLog(ctx, entry); err != nil {
		c.log.Debug("failed to append run log",
			zap.String("deployment_id", dep.ID), zap.Error(err))
	}
}
