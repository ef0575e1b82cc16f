// Package identity provisions pseudo-user accounts for agents. Each agent
// acts under its own identity so audit trails and space membership stay
// per-agent.
package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/crewdeck/crewdeck/internal/common/logger"
	"github.com/crewdeck/crewdeck/internal/db"
)

// Provisioner creates and removes agent identities.
type Provisioner interface {
	// ProvisionAgentUser creates a pseudo-user for one agent instance, adds
	// it to the workspace and grants writer access to the space. Returns the
	// user ID.
	ProvisionAgentUser(ctx context.Context, workspaceID, spaceID, deploymentID, roleID string, instance int) (string, error)
	// RemoveAgentUsers deletes every pseudo-user of a deployment.
	RemoveAgentUsers(ctx context.Context, deploymentID string) error
}

// AgentEmail derives the deterministic pseudo-user email for an agent slot.
func AgentEmail(deploymentID, roleID string, instance int) string {
	prefix := deploymentID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return fmt.Sprintf("team-%s-%s-%d@agents.internal", prefix, roleID, instance)
}

// StoreProvisioner persists pseudo-users in the shared database.
type StoreProvisioner struct {
	db  *sqlx.DB
	log *logger.Logger
}

// NewStoreProvisioner builds a provisioner on the shared pool and ensures its
// schema.
func NewStoreProvisioner(pool *db.Pool, log *logger.Logger) (*StoreProvisioner, error) {
	p := &StoreProvisioner{db: pool.Writer(), log: log}
	if err := p.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize identity schema: %w", err)
	}
	return p, nil
}

func (p *StoreProvisioner) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS team_users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL DEFAULT '',
			workspace_id TEXT NOT NULL,
			space_id TEXT NOT NULL DEFAULT '',
			space_access TEXT NOT NULL DEFAULT 'writer',
			deployment_id TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_team_users_deployment ON team_users(deployment_id)`,
	}
	for _, stmt := range stmts {
		if _, err := p.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// ProvisionAgentUser creates (or reuses, keyed by email) the pseudo-user for
// an agent slot.
func (p *StoreProvisioner) ProvisionAgentUser(ctx context.Context, workspaceID, spaceID, deploymentID, roleID string, instance int) (string, error) {
	email := AgentEmail(deploymentID, roleID, instance)

	var existingID string
	err := p.db.QueryRowContext(ctx, p.db.Rebind(`SELECT id FROM team_users WHERE email = ?`), email).Scan(&existingID)
	if err == nil {
		return existingID, nil
	}

	id := uuid.New().String()
	displayName := fmt.Sprintf("%s %d", roleID, instance)
	_, err = p.db.ExecContext(ctx, p.db.Rebind(`
		INSERT INTO team_users (id, email, display_name, workspace_id, space_id, space_access, deployment_id, created_at)
		VALUES (?, ?, ?, ?, ?, 'writer', ?, ?)
	`), id, email, displayName, workspaceID, spaceID, deploymentID, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to provision agent user %s: %w", email, err)
	}
	p.log.WithDeploymentID(deploymentID).Debug("provisioned agent user",
		zap.String("email", email), zap.String("user_id", id))
	return id, nil
}

// RemoveAgentUsers deletes every pseudo-user of a deployment.
func (p *StoreProvisioner) RemoveAgentUsers(ctx context.Context, deploymentID string) error {
	_, err := p.db.ExecContext(ctx, p.db.Rebind(`DELETE FROM team_users WHERE deployment_id = ?`), deploymentID)
	return err
}
