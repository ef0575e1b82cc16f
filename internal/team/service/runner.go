package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/crewdeck/crewdeck/internal/events"
	"github.com/crewdeck/crewdeck/internal/events/bus"
	"github.com/crewdeck/crewdeck/internal/team/models"
	"github.com/crewdeck/crewdeck/internal/team/queue"
	"github.com/crewdeck/crewdeck/internal/team/session"
	"github.com/crewdeck/crewdeck/internal/team/store"
)

// HandleAgentLoopJob runs one dequeued agent loop: ensure a live session for
// the agent, compose the step prompt, and dispatch it. Completion is reported
// asynchronously through the session's task-complete detection, so the
// handler returns as soon as the dispatch is verified.
func (s *Service) HandleAgentLoopJob(ctx context.Context, job *queue.AgentLoopJob) error {
	log := s.log.WithDeploymentID(job.DeploymentID).WithFields(
		zap.String("agent_id", job.TeamAgentID),
		zap.String("step_id", job.StepID))

	agent, err := s.store.GetAgent(ctx, job.TeamAgentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("dropping job for missing agent")
			return nil
		}
		return err
	}
	dep, err := s.store.GetDeploymentAny(ctx, job.DeploymentID)
	if err != nil {
		return err
	}
	if dep.Status != models.DeploymentActive {
		log.Info("skipping job, deployment not active", zap.String("status", string(dep.Status)))
		_ = s.store.UpdateAgentStep(ctx, agent.ID, "")
		return nil
	}
	// The agent may have errored between dispatch and dequeue (an auth flow,
	// for example). Route the step through the normal failure path so it
	// retries or escalates.
	if agent.Status == models.AgentError || agent.Status == models.AgentPaused {
		log.Warn("agent unavailable for dequeued job", zap.String("status", string(agent.Status)))
		_ = s.store.UpdateAgentStep(ctx, agent.ID, "")
		return s.workflow.FailStep(ctx, dep.ID, job.StepID, fmt.Sprintf("agent %s is %s", agent.ID, agent.Status))
	}

	sessionID := agent.RuntimeSessionID
	if sessionID == "" || !s.sessions.IsAlive(sessionID) {
		sessionID, err = s.sessions.Spawn(ctx, agent, dep, session.SpawnOptions{})
		if err != nil {
			_ = s.store.UpdateAgentStatus(ctx, agent.ID, models.AgentError)
			_ = s.store.UpdateAgentStep(ctx, agent.ID, "")
			if failErr := s.workflow.FailStep(ctx, dep.ID, job.StepID, "failed to spawn session: "+err.Error()); failErr != nil {
				log.Warn("failed to fail step after spawn error", zap.Error(failErr))
			}
			return err
		}
		if err := s.store.UpdateAgentSessions(ctx, agent.ID, sessionID, agent.TerminalSessionID); err != nil {
			log.Warn("failed to record agent session", zap.Error(err))
		}
	}

	if err := s.store.UpdateAgentStatus(ctx, agent.ID, models.AgentRunning); err != nil {
		log.Warn("failed to mark agent running", zap.Error(err))
	}

	if err := s.sessions.DispatchTask(ctx, sessionID, loopPrompt(job)); err != nil {
		_ = s.store.UpdateAgentStatus(ctx, agent.ID, models.AgentError)
		_ = s.store.UpdateAgentStep(ctx, agent.ID, "")
		if failErr := s.workflow.FailStep(ctx, dep.ID, job.StepID, "failed to dispatch task: "+err.Error()); failErr != nil {
			log.Warn("failed to fail step after dispatch error", zap.Error(failErr))
		}
		return err
	}

	log.Info("agent loop started", zap.String("session_id", sessionID))
	s.publishLoopStarted(dep, agent, job)
	return nil
}

// loopPrompt renders the step into the terminal prompt the agent executes.
func loopPrompt(job *queue.AgentLoopJob) string {
	var b strings.Builder
	if name := job.StepContext["name"]; name != "" {
		fmt.Fprintf(&b, "Step: %s\n", name)
	}
	if task := job.StepContext["task"]; task != "" {
		fmt.Fprintf(&b, "Task: %s\n", task)
	}
	if job.TargetTaskID != "" {
		fmt.Fprintf(&b, "Target task: %s\n", job.TargetTaskID)
	}
	if job.TargetExperimentID != "" {
		fmt.Fprintf(&b, "Target experiment: %s\n", job.TargetExperimentID)
	}
	if len(job.Capabilities) > 0 {
		fmt.Fprintf(&b, "Available tools: %s\n", strings.Join(job.Capabilities, ", "))
	}
	b.WriteString("\nWork the task to completion. Persist your findings with your tools. ")
	b.WriteString("When you are done, print a final line of the form:\nTASK COMPLETE: <one-line summary>\n")
	return b.String()
}

func (s *Service) publishLoopStarted(dep *models.Deployment, agent *models.Agent, job *queue.AgentLoopJob) {
	data := map[string]any{
		"deployment_id": dep.ID,
		"workspace_id":  dep.WorkspaceID,
		"space_id":      dep.SpaceID,
		"team_agent_id": agent.ID,
		"role":          agent.Role,
		"step_id":       job.StepID,
	}
	for _, eventType := range []string{events.AgentLoopStarted, events.UIAgentLoopStarted} {
		event := bus.NewEvent(eventType, "team-service", data)
		if err := s.bus.Publish(context.Background(), eventType, event); err != nil {
			s.log.Warn("failed to publish loop started", zap.String("type", eventType), zap.Error(err))
		}
	}
}
