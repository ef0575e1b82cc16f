package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/crewdeck/crewdeck/internal/events"
	"github.com/crewdeck/crewdeck/internal/experiments"
	"github.com/crewdeck/crewdeck/internal/team/executor"
	"github.com/crewdeck/crewdeck/internal/team/models"
	"github.com/crewdeck/crewdeck/internal/team/session"
)

// Trigger starts a team run. The deployment must be active and have a target
// assigned. Any previous run state is reset, the lead agent receives the
// kickoff message as "system" (spawning it through the standard delivery
// path), and the workflow flips to running.
func (s *Service) Trigger(ctx context.Context, workspaceID, deploymentID string) error {
	dep, err := s.store.GetDeployment(ctx, workspaceID, deploymentID)
	if err != nil {
		return err
	}
	if dep.Status != models.DeploymentActive {
		return fmt.Errorf("%w: %s", ErrNotActive, dep.Status)
	}
	taskID, expID := dep.TargetTaskID(), dep.TargetExperimentID()
	if taskID == "" && expID == "" {
		return ErrNoTarget
	}

	if expID != "" {
		err := s.targets.UpdateExperimentStatus(ctx, expID, models.ExperimentRunning, map[string]any{
			"active_team_deployment_id": dep.ID,
			"last_triggered_at":         time.Now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			return fmt.Errorf("failed to mark experiment running: %w", err)
		}
	}

	if err := s.Reset(ctx, workspaceID, deploymentID); err != nil {
		return err
	}

	lead, err := s.leadAgent(ctx, dep.ID)
	if err != nil {
		return err
	}
	kickoff, err := s.messenger.KickoffMessage(ctx, dep)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	err = s.saveState(ctx, dep.ID, func(state *models.WorkflowState) {
		state.CurrentPhase = models.PhaseRunning
		state.StartedAt = &now
		state.CompletedAt = nil
	})
	if err != nil {
		return err
	}

	if _, err := s.messenger.SendMessage(ctx, dep.ID, models.SystemSender, lead.ID, kickoff); err != nil {
		return fmt.Errorf("failed to send kickoff message: %w", err)
	}
	if err := s.workflow.Advance(ctx, dep.ID, executor.Trigger{Reason: "team_run_triggered"}); err != nil {
		s.log.WithDeploymentID(dep.ID).Warn("initial advance failed", zap.Error(err))
	}

	s.publish(events.TeamDeploymentUpdated, dep, map[string]any{
		"action": "triggered",
		"phase":  string(models.PhaseRunning),
	})
	return nil
}

// Pause stops dispatching without tearing anything down.
func (s *Service) Pause(ctx context.Context, workspaceID, deploymentID string) error {
	dep, err := s.store.GetDeployment(ctx, workspaceID, deploymentID)
	if err != nil {
		return err
	}
	if dep.Status == models.DeploymentTornDown {
		return ErrTornDown
	}
	if err := s.store.UpdateDeploymentStatus(ctx, dep.ID, models.DeploymentPaused); err != nil {
		return err
	}
	err = s.saveState(ctx, dep.ID, func(state *models.WorkflowState) {
		if state.CurrentPhase == models.PhaseRunning {
			state.CurrentPhase = models.PhasePaused
		}
	})
	if err != nil {
		return err
	}
	s.publish(events.TeamDeploymentUpdated, dep, map[string]any{"action": "paused"})
	return nil
}

// Resume reactivates a paused deployment and nudges the executor.
func (s *Service) Resume(ctx context.Context, workspaceID, deploymentID string) error {
	dep, err := s.store.GetDeployment(ctx, workspaceID, deploymentID)
	if err != nil {
		return err
	}
	if dep.Status == models.DeploymentTornDown {
		return ErrTornDown
	}
	if err := s.store.UpdateDeploymentStatus(ctx, dep.ID, models.DeploymentActive); err != nil {
		return err
	}
	err = s.saveState(ctx, dep.ID, func(state *models.WorkflowState) {
		if state.CurrentPhase == models.PhasePaused {
			state.CurrentPhase = models.PhaseRunning
		}
	})
	if err != nil {
		return err
	}
	if err := s.workflow.Advance(ctx, dep.ID, executor.Trigger{Reason: "deployment_resumed"}); err != nil {
		s.log.WithDeploymentID(dep.ID).Warn("advance after resume failed", zap.Error(err))
	}
	s.publish(events.TeamDeploymentUpdated, dep, map[string]any{"action": "resumed"})
	return nil
}

// Reset returns the team to a clean idle slate: sessions stopped, non-paused
// agents idled with zeroed stats, scratch cleaned, and every
// running/waiting/failed step back to pending. Completed steps keep their
// results.
func (s *Service) Reset(ctx context.Context, workspaceID, deploymentID string) error {
	dep, err := s.store.GetDeployment(ctx, workspaceID, deploymentID)
	if err != nil {
		return err
	}
	if dep.Status == models.DeploymentTornDown {
		return ErrTornDown
	}

	agents, err := s.store.ListAgents(ctx, dep.ID)
	if err != nil {
		return err
	}
	for _, agent := range agents {
		if agent.Status == models.AgentPaused {
			continue
		}
		if agent.RuntimeSessionID != "" {
			_ = s.sessions.Stop(ctx, agent.RuntimeSessionID, "team_reset")
		}
		if err := s.store.ResetAgent(ctx, agent.ID); err != nil {
			s.log.Warn("failed to reset agent", zap.String("agent_id", agent.ID), zap.Error(err))
		}
	}
	if s.scratchBase != "" {
		if err := session.CleanupDeploymentScratch(s.scratchBase, dep.ID); err != nil {
			s.log.Warn("failed to clean scratch", zap.String("deployment_id", dep.ID), zap.Error(err))
		}
	}

	if dep.Status == models.DeploymentPaused {
		if err := s.store.UpdateDeploymentStatus(ctx, dep.ID, models.DeploymentActive); err != nil {
			return err
		}
	}

	err = s.saveState(ctx, dep.ID, func(state *models.WorkflowState) {
		state.CurrentPhase = models.PhaseIdle
		state.StartedAt = nil
		state.CompletedAt = nil
		for _, st := range state.StepStates {
			switch st.Status {
			case models.StepRunning, models.StepWaiting, models.StepFailed:
				st.Status = models.StepPending
				st.Error = ""
				st.StartedAt = nil
				st.CompletedAt = nil
				st.AssignedAgentID = ""
			}
		}
	})
	if err != nil {
		return err
	}
	s.publish(events.TeamDeploymentUpdated, dep, map[string]any{"action": "reset"})
	return nil
}

// Teardown terminates the deployment: all sessions stopped, scratch removed,
// pseudo-users deleted, target claims released, status torn_down. Terminal
// and idempotent.
func (s *Service) Teardown(ctx context.Context, workspaceID, deploymentID string) error {
	dep, err := s.store.GetDeployment(ctx, workspaceID, deploymentID)
	if err != nil {
		return err
	}
	if dep.Status == models.DeploymentTornDown {
		return nil
	}

	for _, sessionID := range s.sessions.SessionsForDeployment(dep.ID) {
		_ = s.sessions.Stop(ctx, sessionID, "team_teardown")
	}
	agents, err := s.store.ListAgents(ctx, dep.ID)
	if err != nil {
		return err
	}
	for _, agent := range agents {
		_ = s.store.UpdateAgentStep(ctx, agent.ID, "")
		_ = s.store.UpdateAgentSessions(ctx, agent.ID, "", "")
		_ = s.store.UpdateAgentStatus(ctx, agent.ID, models.AgentIdle)
	}

	if err := s.store.UpdateDeploymentStatus(ctx, dep.ID, models.DeploymentTornDown); err != nil {
		return err
	}
	err = s.saveState(ctx, dep.ID, func(state *models.WorkflowState) {
		state.CurrentPhase = models.PhaseTornDown
	})
	if err != nil {
		return err
	}

	if s.scratchBase != "" {
		if err := session.CleanupDeploymentScratch(s.scratchBase, dep.ID); err != nil {
			s.log.Warn("failed to clean scratch", zap.String("deployment_id", dep.ID), zap.Error(err))
		}
	}
	if expID := dep.TargetExperimentID(); expID != "" {
		if err := s.targets.ReleaseExperiment(ctx, expID); err != nil {
			s.log.Warn("failed to release experiment", zap.String("experiment_id", expID), zap.Error(err))
		}
	}
	if taskID := dep.TargetTaskID(); taskID != "" {
		if err := s.targets.ReleaseTask(ctx, taskID, dep.ID); err != nil {
			s.log.Warn("failed to release task", zap.String("task_id", taskID), zap.Error(err))
		}
	}
	if err := s.identity.RemoveAgentUsers(ctx, dep.ID); err != nil {
		s.log.Warn("failed to remove agent users", zap.String("deployment_id", dep.ID), zap.Error(err))
	}

	s.log.WithDeploymentID(dep.ID).Info("tore down team")
	s.publish(events.TeamTornDown, dep, nil)
	return nil
}

// Rename sets the team display name.
func (s *Service) Rename(ctx context.Context, workspaceID, deploymentID, name string) error {
	dep, err := s.store.GetDeployment(ctx, workspaceID, deploymentID)
	if err != nil {
		return err
	}
	if dep.Status == models.DeploymentTornDown {
		return ErrTornDown
	}
	if dep.Config == nil {
		dep.Config = map[string]any{}
	}
	dep.Config[models.ConfigTeamName] = name
	if err := s.store.UpdateDeploymentConfig(ctx, dep.ID, dep.Config); err != nil {
		return err
	}
	s.publish(events.TeamDeploymentUpdated, dep, map[string]any{
		"action":    "renamed",
		"team_name": name,
	})
	return nil
}

// AssignTarget binds the deployment to exactly one of a task or an
// experiment. Tasks are claimed exclusively; a previous task claim is
// released when the target changes.
func (s *Service) AssignTarget(ctx context.Context, workspaceID, deploymentID, taskID, experimentID string) error {
	if (taskID == "") == (experimentID == "") {
		return ErrBadTarget
	}
	dep, err := s.store.GetDeployment(ctx, workspaceID, deploymentID)
	if err != nil {
		return err
	}
	if dep.Status == models.DeploymentTornDown {
		return ErrTornDown
	}

	prevTask := dep.TargetTaskID()
	if dep.Config == nil {
		dep.Config = map[string]any{}
	}

	if taskID != "" {
		if _, err := s.targets.GetTask(ctx, workspaceID, dep.SpaceID, taskID); err != nil {
			return err
		}
		if err := s.targets.ClaimTask(ctx, taskID, dep.ID); err != nil {
			return err
		}
		dep.Config[models.ConfigTargetTask] = taskID
		dep.Config[models.ConfigTargetExp] = ""
	} else {
		if _, err := s.targets.GetExperiment(ctx, workspaceID, dep.SpaceID, experimentID); err != nil {
			return err
		}
		dep.Config[models.ConfigTargetExp] = experimentID
		dep.Config[models.ConfigTargetTask] = ""
	}

	if prevTask != "" && prevTask != taskID {
		if err := s.targets.ReleaseTask(ctx, prevTask, dep.ID); err != nil && !errors.Is(err, experiments.ErrNotFound) {
			s.log.Warn("failed to release previous task", zap.String("task_id", prevTask), zap.Error(err))
		}
	}

	if err := s.store.UpdateDeploymentConfig(ctx, dep.ID, dep.Config); err != nil {
		return err
	}
	s.publish(events.TeamDeploymentUpdated, dep, map[string]any{
		"action":               "target_assigned",
		"target_task_id":       taskID,
		"target_experiment_id": experimentID,
	})
	return nil
}

// Status returns the deployment with its agents and workflow state, for the
// operator status view.
func (s *Service) Status(ctx context.Context, workspaceID, deploymentID string) (*models.Deployment, []*models.Agent, *models.WorkflowState, error) {
	dep, err := s.store.GetDeployment(ctx, workspaceID, deploymentID)
	if err != nil {
		return nil, nil, nil, err
	}
	agents, err := s.store.ListAgents(ctx, dep.ID)
	if err != nil {
		return nil, nil, nil, err
	}
	state, err := s.store.GetWorkflowState(ctx, dep.ID)
	if err != nil {
		return nil, nil, nil, err
	}
	return dep, agents, state, nil
}

// SessionLive reports whether an agent's runtime session is up.
func (s *Service) SessionLive(agent *models.Agent) bool {
	return agent.RuntimeSessionID != "" && s.sessions.IsAlive(agent.RuntimeSessionID)
}

// leadAgent returns the agent at the top of the reporting chain.
func (s *Service) leadAgent(ctx context.Context, deploymentID string) (*models.Agent, error) {
	agents, err := s.store.ListAgents(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	for _, agent := range agents {
		if agent.IsLead() {
			return agent, nil
		}
	}
	return nil, ErrNoLead
}
