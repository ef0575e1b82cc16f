// Package experiments persists the targets a team deployment can drive:
// experiments and target tasks. Claiming is atomic so two deployments never
// bind the same task.
package experiments

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/crewdeck/crewdeck/internal/common/logger"
	"github.com/crewdeck/crewdeck/internal/db"
	"github.com/crewdeck/crewdeck/internal/team/models"
)

var (
	// ErrNotFound is returned when the target does not exist.
	ErrNotFound = errors.New("target not found")
	// ErrAlreadyClaimed is returned when a task is bound to another
	// deployment.
	ErrAlreadyClaimed = errors.New("task already claimed by another deployment")
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS team_experiments (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		space_id TEXT NOT NULL,
		name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'planned',
		metadata TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_team_experiments_space ON team_experiments(workspace_id, space_id)`,
	`CREATE TABLE IF NOT EXISTS team_target_tasks (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		space_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT,
		status TEXT NOT NULL DEFAULT 'open',
		claimed_by_deployment TEXT,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_team_target_tasks_space ON team_target_tasks(workspace_id, space_id)`,
}

// Store persists experiments and target tasks.
type Store struct {
	db  *sqlx.DB
	ro  *sqlx.DB
	log *logger.Logger
}

// New creates the store and initializes its schema.
func New(pool *db.Pool, log *logger.Logger) (*Store, error) {
	s := &Store{db: pool.Writer(), ro: pool.Reader(), log: log}
	for _, stmt := range schemaStatements {
		if _, err := s.db.Exec(stmt); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// CreateExperiment inserts a planned experiment.
func (s *Store) CreateExperiment(ctx context.Context, exp *models.Experiment) error {
	if exp.ID == "" {
		exp.ID = uuid.New().String()
	}
	if exp.Status == "" {
		exp.Status = models.ExperimentPlanned
	}
	now := time.Now().UTC()
	exp.CreatedAt = now
	exp.UpdatedAt = now

	metadata, err := marshalJSON(exp.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO team_experiments (id, workspace_id, space_id, name, status, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), exp.ID, exp.WorkspaceID, exp.SpaceID, exp.Name, exp.Status, metadata, exp.CreatedAt, exp.UpdatedAt)
	return err
}

// GetExperiment loads an experiment scoped to a space.
func (s *Store) GetExperiment(ctx context.Context, workspaceID, spaceID, id string) (*models.Experiment, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT id, workspace_id, space_id, name, status, metadata, created_at, updated_at
		FROM team_experiments WHERE id = ? AND workspace_id = ? AND space_id = ?
	`), id, workspaceID, spaceID)
	return scanExperiment(row)
}

// UpdateExperimentStatus transitions an experiment and merges metadata keys.
func (s *Store) UpdateExperimentStatus(ctx context.Context, id, status string, metadata map[string]any) error {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT id, workspace_id, space_id, name, status, metadata, created_at, updated_at
		FROM team_experiments WHERE id = ?
	`), id)
	exp, err := scanExperiment(row)
	if err != nil {
		return err
	}
	if exp.Metadata == nil {
		exp.Metadata = make(map[string]any)
	}
	for k, v := range metadata {
		exp.Metadata[k] = v
	}
	merged, err := marshalJSON(exp.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE team_experiments SET status = ?, metadata = ?, updated_at = ? WHERE id = ?
	`), status, merged, time.Now().UTC(), id)
	return err
}

// ReleaseExperiment returns a non-terminal experiment to planned, stamping
// the teardown time into its metadata. Terminal experiments keep their
// outcome untouched.
func (s *Store) ReleaseExperiment(ctx context.Context, id string) error {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT id, workspace_id, space_id, name, status, metadata, created_at, updated_at
		FROM team_experiments WHERE id = ?
	`), id)
	exp, err := scanExperiment(row)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	switch exp.Status {
	case models.ExperimentCompleted, models.ExperimentFailed, models.ExperimentAbandoned:
		return nil
	}

	if exp.Metadata == nil {
		exp.Metadata = make(map[string]any)
	}
	exp.Metadata["tornDownAt"] = time.Now().UTC().Format(time.RFC3339)
	merged, err := marshalJSON(exp.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE team_experiments SET status = ?, metadata = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?, ?)
	`), models.ExperimentPlanned, merged, time.Now().UTC(), id,
		models.ExperimentCompleted, models.ExperimentFailed, models.ExperimentAbandoned)
	return err
}

// CreateTask inserts a target task.
func (s *Store) CreateTask(ctx context.Context, task *models.TargetTask) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Status == "" {
		task.Status = "open"
	}
	task.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO team_target_tasks (id, workspace_id, space_id, title, description, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), task.ID, task.WorkspaceID, task.SpaceID, task.Title, task.Description, task.Status, task.CreatedAt)
	return err
}

// GetTask loads a target task scoped to a space.
func (s *Store) GetTask(ctx context.Context, workspaceID, spaceID, id string) (*models.TargetTask, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT id, workspace_id, space_id, title, description, status, created_at
		FROM team_target_tasks WHERE id = ? AND workspace_id = ? AND space_id = ?
	`), id, workspaceID, spaceID)
	return scanTask(row)
}

// ClaimTask binds a task to a deployment. The update only matches an
// unclaimed row (or one already held by the same deployment), making the
// claim atomic under concurrent deployments.
func (s *Store) ClaimTask(ctx context.Context, taskID, deploymentID string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE team_target_tasks SET claimed_by_deployment = ?
		WHERE id = ? AND (claimed_by_deployment IS NULL OR claimed_by_deployment = '' OR claimed_by_deployment = ?)
	`), deploymentID, taskID, deploymentID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx, s.db.Rebind(
			`SELECT COUNT(1) FROM team_target_tasks WHERE id = ?`), taskID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrAlreadyClaimed
	}
	return nil
}

// ReleaseTask unbinds a task from its deployment.
func (s *Store) ReleaseTask(ctx context.Context, taskID, deploymentID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE team_target_tasks SET claimed_by_deployment = NULL
		WHERE id = ? AND claimed_by_deployment = ?
	`), taskID, deploymentID)
	return err
}

func scanExperiment(row *sql.Row) (*models.Experiment, error) {
	var (
		exp      models.Experiment
		metadata sql.NullString
	)
	err := row.Scan(&exp.ID, &exp.WorkspaceID, &exp.SpaceID, &exp.Name, &exp.Status,
		&metadata, &exp.CreatedAt, &exp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if metadata.Valid && metadata.String != "" {
		if err := unmarshalJSON(metadata, &exp.Metadata); err != nil {
			return nil, err
		}
	}
	return &exp, nil
}

func scanTask(row *sql.Row) (*models.TargetTask, error) {
	var (
		task models.TargetTask
		desc sql.NullString
	)
	err := row.Scan(&task.ID, &task.WorkspaceID, &task.SpaceID, &task.Title, &desc,
		&task.Status, &task.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	task.Description = desc.String
	return &task, nil
}
