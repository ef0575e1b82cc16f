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

const templateColumns = `id, workspace_id, name, description, version, system, pattern, created_by, created_at, updated_at, deleted_at`

// CreateTemplate inserts a custom template. System templates are seeded
// through UpsertSystemTemplate instead.
func (s *Store) CreateTemplate(ctx context.Context, tpl *models.Template) error {
	if tpl.ID == "" {
		tpl.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	tpl.CreatedAt = now
	tpl.UpdatedAt = now

	pattern, err := marshalJSON(tpl.Pattern)
	if err != nil {
		return fmt.Errorf("failed to encode pattern: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO team_templates (id, workspace_id, name, description, version, system, pattern, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), tpl.ID, tpl.WorkspaceID, tpl.Name, tpl.Description, tpl.Version, boolToInt(tpl.System), pattern, tpl.CreatedBy, tpl.CreatedAt, tpl.UpdatedAt)
	return err
}

// UpsertSystemTemplate seeds or refreshes one shared system template, keyed by
// name. Seeding never resurrects nor deletes custom templates.
func (s *Store) UpsertSystemTemplate(ctx context.Context, tpl *models.Template) error {
	now := time.Now().UTC()
	pattern, err := marshalJSON(tpl.Pattern)
	if err != nil {
		return fmt.Errorf("failed to encode pattern: %w", err)
	}

	var existingID string
	err = s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id FROM team_templates WHERE system = 1 AND name = ? AND deleted_at IS NULL
	`), tpl.Name).Scan(&existingID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if tpl.ID == "" {
			tpl.ID = uuid.New().String()
		}
		tpl.System = true
		tpl.CreatedAt = now
		tpl.UpdatedAt = now
		_, err = s.db.ExecContext(ctx, s.rebind(`
			INSERT INTO team_templates (id, workspace_id, name, description, version, system, pattern, created_by, created_at, updated_at)
			VALUES (?, '', ?, ?, ?, 1, ?, 'system', ?, ?)
		`), tpl.ID, tpl.Name, tpl.Description, tpl.Version, pattern, tpl.CreatedAt, tpl.UpdatedAt)
		return err
	case err != nil:
		return err
	}

	tpl.ID = existingID
	tpl.UpdatedAt = now
	_, err = s.db.ExecContext(ctx, s.rebind(`
		UPDATE team_templates SET description = ?, version = ?, pattern = ?, updated_at = ? WHERE id = ?
	`), tpl.Description, tpl.Version, pattern, tpl.UpdatedAt, existingID)
	return err
}

// GetTemplate returns a template visible in the workspace: either owned by it
// or a system template. Soft-deleted templates are invisible.
func (s *Store) GetTemplate(ctx context.Context, workspaceID, id string) (*models.Template, error) {
	row := s.ro.QueryRowContext(ctx, s.rebindRO(`
		SELECT `+templateColumns+` FROM team_templates
		WHERE id = ? AND deleted_at IS NULL AND (system = 1 OR workspace_id = ?)
	`), id, workspaceID)
	return scanTemplate(row)
}

// GetTemplateByName resolves a template by name, preferring the workspace's
// own over a system template of the same name.
func (s *Store) GetTemplateByName(ctx context.Context, workspaceID, name string) (*models.Template, error) {
	row := s.ro.QueryRowContext(ctx, s.rebindRO(`
		SELECT `+templateColumns+` FROM team_templates
		WHERE name = ? AND deleted_at IS NULL AND (system = 1 OR workspace_id = ?)
		ORDER BY system ASC LIMIT 1
	`), name, workspaceID)
	return scanTemplate(row)
}

// ListTemplates returns system templates plus the workspace's custom ones.
func (s *Store) ListTemplates(ctx context.Context, workspaceID string) ([]*models.Template, error) {
	rows, err := s.ro.QueryContext(ctx, s.rebindRO(`
		SELECT `+templateColumns+` FROM team_templates
		WHERE deleted_at IS NULL AND (system = 1 OR workspace_id = ?)
		ORDER BY system DESC, name ASC
	`), workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Template
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tpl)
	}
	return out, rows.Err()
}

// UpdateTemplate rewrites a custom template's mutable fields. System templates
// are rejected with ErrSystemTemplate.
func (s *Store) UpdateTemplate(ctx context.Context, workspaceID string, tpl *models.Template) error {
	existing, err := s.GetTemplate(ctx, workspaceID, tpl.ID)
	if err != nil {
		return err
	}
	if existing.System {
		return ErrSystemTemplate
	}

	tpl.UpdatedAt = time.Now().UTC()
	pattern, err := marshalJSON(tpl.Pattern)
	if err != nil {
		return fmt.Errorf("failed to encode pattern: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE team_templates SET name = ?, description = ?, version = ?, pattern = ?, updated_at = ?
		WHERE id = ? AND workspace_id = ? AND system = 0 AND deleted_at IS NULL
	`), tpl.Name, tpl.Description, tpl.Version, pattern, tpl.UpdatedAt, tpl.ID, workspaceID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteTemplate soft-deletes a custom template.
func (s *Store) DeleteTemplate(ctx context.Context, workspaceID, id string) error {
	existing, err := s.GetTemplate(ctx, workspaceID, id)
	if err != nil {
		return err
	}
	if existing.System {
		return ErrSystemTemplate
	}

	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE team_templates SET deleted_at = ? WHERE id = ? AND workspace_id = ? AND system = 0 AND deleted_at IS NULL
	`), time.Now().UTC(), id, workspaceID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTemplate(row rowScanner) (*models.Template, error) {
	var (
		tpl     models.Template
		system  int
		pattern sql.NullString
		deleted sql.NullTime
	)
	err := row.Scan(&tpl.ID, &tpl.WorkspaceID, &tpl.Name, &tpl.Description, &tpl.Version,
		&system, &pattern, &tpl.CreatedBy, &tpl.CreatedAt, &tpl.UpdatedAt, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	tpl.System = system != 0
	if deleted.Valid {
		t := deleted.Time
		tpl.DeletedAt = &t
	}
	if pattern.Valid && pattern.String != "" {
		tpl.Pattern = &models.OrgPattern{}
		if err := unmarshalJSON(pattern, tpl.Pattern); err != nil {
			return nil, fmt.Errorf("failed to decode pattern: %w", err)
		}
	}
	return &tpl, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
