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

const deploymentColumns = `id, workspace_id, space_id, project_id, template_name, config, org_pattern, execution_plan, status, deployed_by, created_at, torn_down_at`

// CreateDeployment inserts a deployment with an idle workflow state at
// version 0.
func (s *Store) CreateDeployment(ctx context.Context, dep *models.Deployment) error {
	if dep.ID == "" {
		dep.ID = uuid.New().String()
	}
	dep.CreatedAt = time.Now().UTC()
	if dep.Status == "" {
		dep.Status = models.DeploymentActive
	}

	config, err := marshalJSON(dep.Config)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	pattern, err := marshalJSON(dep.OrgPattern)
	if err != nil {
		return fmt.Errorf("failed to encode org pattern: %w", err)
	}
	plan, err := marshalJSON(dep.Plan)
	if err != nil {
		return fmt.Errorf("failed to encode execution plan: %w", err)
	}
	state, err := marshalJSON(models.NewWorkflowState())
	if err != nil {
		return fmt.Errorf("failed to encode workflow state: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO team_deployments (id, workspace_id, space_id, project_id, template_name, config, org_pattern, execution_plan, status, deployed_by, workflow_state, workflow_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
	`), dep.ID, dep.WorkspaceID, dep.SpaceID, dep.ProjectID, dep.TemplateName, config, pattern, plan, dep.Status, dep.DeployedBy, state, dep.CreatedAt)
	return err
}

// GetDeployment returns a deployment scoped to a workspace.
func (s *Store) GetDeployment(ctx context.Context, workspaceID, id string) (*models.Deployment, error) {
	row := s.ro.QueryRowContext(ctx, s.rebindRO(`
		SELECT `+deploymentColumns+` FROM team_deployments WHERE id = ? AND workspace_id = ?
	`), id, workspaceID)
	return scanDeployment(row)
}

// GetDeploymentAny returns a deployment by ID regardless of workspace. Used by
// internal event handlers that only carry a deployment ID.
func (s *Store) GetDeploymentAny(ctx context.Context, id string) (*models.Deployment, error) {
	row := s.ro.QueryRowContext(ctx, s.rebindRO(`
		SELECT `+deploymentColumns+` FROM team_deployments WHERE id = ?
	`), id)
	return scanDeployment(row)
}

// ListDeployments returns deployments for a workspace, optionally filtered to
// active+paused only, newest first.
func (s *Store) ListDeployments(ctx context.Context, workspaceID string, liveOnly bool) ([]*models.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM team_deployments WHERE workspace_id = ?`
	args := []any{workspaceID}
	if liveOnly {
		query += ` AND status != ?`
		args = append(args, models.DeploymentTornDown)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.ro.QueryContext(ctx, s.rebindRO(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Deployment
	for rows.Next() {
		dep, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dep)
	}
	return out, rows.Err()
}

// ListLiveDeployments returns every non-torn-down deployment across
// workspaces, for the periodic sweep.
func (s *Store) ListLiveDeployments(ctx context.Context) ([]*models.Deployment, error) {
	rows, err := s.ro.QueryContext(ctx, s.rebindRO(`
		SELECT `+deploymentColumns+` FROM team_deployments WHERE status != ? ORDER BY created_at DESC
	`), models.DeploymentTornDown)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Deployment
	for rows.Next() {
		dep, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dep)
	}
	return out, rows.Err()
}

// UpdateDeploymentStatus transitions deployment status. Torn-down deployments
// stay torn down.
func (s *Store) UpdateDeploymentStatus(ctx context.Context, id string, status models.DeploymentStatus) error {
	var tornDownAt any
	if status == models.DeploymentTornDown {
		tornDownAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE team_deployments SET status = ?, torn_down_at = COALESCE(?, torn_down_at)
		WHERE id = ? AND status != ?
	`), status, tornDownAt, id, models.DeploymentTornDown)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateDeploymentConfig replaces the config document.
func (s *Store) UpdateDeploymentConfig(ctx context.Context, id string, config map[string]any) error {
	raw, err := marshalJSON(config)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE team_deployments SET config = ? WHERE id = ?`), raw, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateDeploymentPlan replaces the pattern and compiled plan, used by
// redeploy.
func (s *Store) UpdateDeploymentPlan(ctx context.Context, id string, pattern *models.OrgPattern, plan *models.ExecutionPlan) error {
	rawPattern, err := marshalJSON(pattern)
	if err != nil {
		return fmt.Errorf("failed to encode org pattern: %w", err)
	}
	rawPlan, err := marshalJSON(plan)
	if err != nil {
		return fmt.Errorf("failed to encode execution plan: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE team_deployments SET org_pattern = ?, execution_plan = ? WHERE id = ?
	`), rawPattern, rawPlan, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetWorkflowState loads the workflow state plus its concurrency token.
func (s *Store) GetWorkflowState(ctx context.Context, deploymentID string) (*models.WorkflowState, error) {
	var (
		raw     sql.NullString
		version int64
	)
	err := s.ro.QueryRowContext(ctx, s.rebindRO(`
		SELECT workflow_state, workflow_version FROM team_deployments WHERE id = ?
	`), deploymentID).Scan(&raw, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	state := models.NewWorkflowState()
	if err := unmarshalJSON(raw, state); err != nil {
		return nil, fmt.Errorf("failed to decode workflow state: %w", err)
	}
	state.Version = version
	return state, nil
}

// SaveWorkflowState writes the state back under optimistic concurrency: the
// write only lands if nobody advanced the version since the caller loaded it.
// On success the state's version is bumped in place.
func (s *Store) SaveWorkflowState(ctx context.Context, deploymentID string, state *models.WorkflowState) error {
	raw, err := marshalJSON(state)
	if err != nil {
		return fmt.Errorf("failed to encode workflow state: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE team_deployments SET workflow_state = ?, workflow_version = workflow_version + 1
		WHERE id = ? AND workflow_version = ?
	`), raw, deploymentID, state.Version)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Distinguish a missing row from a stale version.
		var exists int
		if err := s.db.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM team_deployments WHERE id = ?`), deploymentID).Scan(&exists); errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return ErrOptimisticLock
	}
	state.Version++
	return nil
}

func scanDeployment(row rowScanner) (*models.Deployment, error) {
	var (
		dep        models.Deployment
		config     sql.NullString
		pattern    sql.NullString
		plan       sql.NullString
		tornDownAt sql.NullTime
	)
	err := row.Scan(&dep.ID, &dep.WorkspaceID, &dep.SpaceID, &dep.ProjectID, &dep.TemplateName,
		&config, &pattern, &plan, &dep.Status, &dep.DeployedBy, &dep.CreatedAt, &tornDownAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if tornDownAt.Valid {
		t := tornDownAt.Time
		dep.TornDownAt = &t
	}
	if err := unmarshalJSON(config, &dep.Config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if pattern.Valid && pattern.String != "" {
		dep.OrgPattern = &models.OrgPattern{}
		if err := unmarshalJSON(pattern, dep.OrgPattern); err != nil {
			return nil, fmt.Errorf("failed to decode org pattern: %w", err)
		}
	}
	if plan.Valid && plan.String != "" {
		dep.Plan = &models.ExecutionPlan{}
		if err := unmarshalJSON(plan, dep.Plan); err != nil {
			return nil, fmt.Errorf("failed to decode execution plan: %w", err)
		}
	}
	return &dep, nil
}
