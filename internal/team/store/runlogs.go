package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/crewdeck/crewdeck/internal/team/models"
)

// AppendRunLog persists one run log entry and trims the deployment's history
// to the retention cap, oldest first.
func (s *Store) AppendRunLog(ctx context.Context, entry *models.RunLog) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	actions, err := marshalJSON(entry.Actions)
	if err != nil {
		return fmt.Errorf("failed to encode actions: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO team_run_logs (id, deployment_id, team_agent_id, role, step_id, summary, actions_executed, errors_encountered, actions, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), entry.ID, entry.DeploymentID, entry.TeamAgentID, entry.Role, entry.StepID, entry.Summary,
		entry.ActionsExecuted, entry.ErrorsEncountered, actions, entry.Timestamp)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, s.rebind(`
		DELETE FROM team_run_logs WHERE deployment_id = ? AND id NOT IN (
			SELECT id FROM team_run_logs WHERE deployment_id = ? ORDER BY created_at DESC, id DESC LIMIT ?
		)
	`), entry.DeploymentID, entry.DeploymentID, s.runLogCap)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// ListRunLogs returns a deployment's retained run logs, newest first.
func (s *Store) ListRunLogs(ctx context.Context, deploymentID string, limit int) ([]*models.RunLog, error) {
	if limit <= 0 || limit > s.runLogCap {
		limit = s.runLogCap
	}
	rows, err := s.ro.QueryContext(ctx, s.rebindRO(`
		SELECT id, deployment_id, team_agent_id, role, step_id, summary, actions_executed, errors_encountered, actions, created_at
		FROM team_run_logs WHERE deployment_id = ? ORDER BY created_at DESC, id DESC LIMIT ?
	`), deploymentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.RunLog
	for rows.Next() {
		var (
			entry   models.RunLog
			actions sql.NullString
		)
		if err := rows.Scan(&entry.ID, &entry.DeploymentID, &entry.TeamAgentID, &entry.Role, &entry.StepID,
			&entry.Summary, &entry.ActionsExecuted, &entry.ErrorsEncountered, &actions, &entry.Timestamp); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(actions, &entry.Actions); err != nil {
			return nil, fmt.Errorf("failed to decode actions: %w", err)
		}
		out = append(out, &entry)
	}
	return out, rows.Err()
}

// DeleteRunLogs removes a deployment's run log history. Used by reset.
func (s *Store) DeleteRunLogs(ctx context.Context, deploymentID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM team_run_logs WHERE deployment_id = ?`), deploymentID)
	return err
}
