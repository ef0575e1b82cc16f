package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/crewdeck/crewdeck/internal/team/models"
)

const agentColumns = `id, deployment_id, workspace_id, user_id, role, instance_number, agent_type, workdir, system_prompt, capabilities, reports_to_agent_id, status, current_step_id, runtime_session_id, terminal_session_id, last_run_at, last_run_summary, total_actions, total_errors, created_at, updated_at`

// CreateAgent inserts one agent instance.
func (s *Store) CreateAgent(ctx context.Context, agent *models.Agent) error {
	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	agent.CreatedAt = now
	agent.UpdatedAt = now
	if agent.Status == "" {
		agent.Status = models.AgentIdle
	}

	caps, err := marshalJSON(agent.Capabilities)
	if err != nil {
		return fmt.Errorf("failed to encode capabilities: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO team_agents (id, deployment_id, workspace_id, user_id, role, instance_number, agent_type, workdir, system_prompt, capabilities, reports_to_agent_id, status, current_step_id, runtime_session_id, terminal_session_id, last_run_summary, total_actions, total_errors, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', '', '', 0, 0, ?, ?)
	`), agent.ID, agent.DeploymentID, agent.WorkspaceID, agent.UserID, agent.Role, agent.InstanceNumber,
		agent.AgentType, agent.Workdir, agent.SystemPrompt, caps, agent.ReportsToAgentID, agent.Status,
		agent.CreatedAt, agent.UpdatedAt)
	return err
}

// GetAgent returns one agent by ID.
func (s *Store) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	row := s.ro.QueryRowContext(ctx, s.rebindRO(`
		SELECT `+agentColumns+` FROM team_agents WHERE id = ?
	`), id)
	return scanAgent(row)
}

// ListAgents returns every agent of a deployment ordered by role then
// instance number.
func (s *Store) ListAgents(ctx context.Context, deploymentID string) ([]*models.Agent, error) {
	rows, err := s.ro.QueryContext(ctx, s.rebindRO(`
		SELECT `+agentColumns+` FROM team_agents WHERE deployment_id = ? ORDER BY role ASC, instance_number ASC
	`), deploymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, agent)
	}
	return out, rows.Err()
}

// ListAgentsByRole returns the instances of one role ordered by instance
// number; role-addressed messages resolve to the first entry.
func (s *Store) ListAgentsByRole(ctx context.Context, deploymentID, role string) ([]*models.Agent, error) {
	rows, err := s.ro.QueryContext(ctx, s.rebindRO(`
		SELECT `+agentColumns+` FROM team_agents WHERE deployment_id = ? AND role = ? ORDER BY instance_number ASC
	`), deploymentID, role)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, agent)
	}
	return out, rows.Err()
}

// GetAgentByRuntimeSession maps a live session ID back to its agent.
func (s *Store) GetAgentByRuntimeSession(ctx context.Context, sessionID string) (*models.Agent, error) {
	row := s.ro.QueryRowContext(ctx, s.rebindRO(`
		SELECT `+agentColumns+` FROM team_agents WHERE runtime_session_id = ?
	`), sessionID)
	return scanAgent(row)
}

// UpdateAgentStatus sets the lifecycle status.
func (s *Store) UpdateAgentStatus(ctx context.Context, id string, status models.AgentStatus) error {
	return s.updateAgent(ctx, id, `status = ?`, status)
}

// UpdateAgentStep records which compiled step the agent is working.
func (s *Store) UpdateAgentStep(ctx context.Context, id, stepID string) error {
	return s.updateAgent(ctx, id, `current_step_id = ?`, stepID)
}

// UpdateAgentSessions binds (or clears, with empty strings) the live session
// identifiers.
func (s *Store) UpdateAgentSessions(ctx context.Context, id, runtimeSessionID, terminalSessionID string) error {
	return s.updateAgent(ctx, id, `runtime_session_id = ?, terminal_session_id = ?`, runtimeSessionID, terminalSessionID)
}

// UpdateAgentReportsTo wires the reporting edge. Deploy runs this as a second
// pass once every instance exists.
func (s *Store) UpdateAgentReportsTo(ctx context.Context, id, reportsToAgentID string) error {
	return s.updateAgent(ctx, id, `reports_to_agent_id = ?`, reportsToAgentID)
}

// ResetAgent returns an agent to a clean idle slate: no step, no sessions,
// zeroed run statistics.
func (s *Store) ResetAgent(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE team_agents SET status = ?, current_step_id = '', runtime_session_id = '',
			terminal_session_id = '', last_run_at = NULL, last_run_summary = '',
			total_actions = 0, total_errors = 0, updated_at = ?
		WHERE id = ?
	`), models.AgentIdle, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordAgentRun accumulates run statistics after an agent loop finishes.
func (s *Store) RecordAgentRun(ctx context.Context, id, summary string, actions, errCount int) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE team_agents SET last_run_at = ?, last_run_summary = ?,
			total_actions = total_actions + ?, total_errors = total_errors + ?, updated_at = ?
		WHERE id = ?
	`), now, summary, actions, errCount, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAgents removes every agent of a deployment. Used by reset and
// redeploy.
func (s *Store) DeleteAgents(ctx context.Context, deploymentID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM team_agents WHERE deployment_id = ?`), deploymentID)
	return err
}

func (s *Store) updateAgent(ctx context.Context, id, set string, args ...any) error {
	args = append(args, time.Now().UTC(), id)
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE team_agents SET `+set+`, updated_at = ? WHERE id = ?`), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAgent(row rowScanner) (*models.Agent, error) {
	var (
		agent     models.Agent
		caps      sql.NullString
		lastRunAt sql.NullTime
	)
	err := row.Scan(&agent.ID, &agent.DeploymentID, &agent.WorkspaceID, &agent.UserID, &agent.Role,
		&agent.InstanceNumber, &agent.AgentType, &agent.Workdir, &agent.SystemPrompt, &caps,
		&agent.ReportsToAgentID, &agent.Status, &agent.CurrentStepID, &agent.RuntimeSessionID,
		&agent.TerminalSessionID, &lastRunAt, &agent.LastRunSummary, &agent.TotalActions,
		&agent.TotalErrors, &agent.CreatedAt, &agent.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if lastRunAt.Valid {
		t := lastRunAt.Time
		agent.LastRunAt = &t
	}
	if err := unmarshalJSON(caps, &agent.Capabilities); err != nil {
		return nil, fmt.Errorf("failed to decode capabilities: %w", err)
	}
	return &agent, nil
}
