package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/crewdeck/crewdeck/internal/team/models"
)

const messageColumns = `id, deployment_id, from_agent_id, from_role, to_agent_id, to_role, message, delivered, read_by_recipient, created_at, delivered_at`

// CreateMessage persists a message (undelivered) and trims the deployment's
// history to the retention cap, oldest first.
func (s *Store) CreateMessage(ctx context.Context, msg *models.TeamMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	msg.CreatedAt = time.Now().UTC()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO team_messages (id, deployment_id, from_agent_id, from_role, to_agent_id, to_role, message, delivered, read_by_recipient, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, ?)
	`), msg.ID, msg.DeploymentID, msg.FromAgentID, msg.FromRole, msg.ToAgentID, msg.ToRole, msg.Message, msg.CreatedAt)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, s.rebind(`
		DELETE FROM team_messages WHERE deployment_id = ? AND id NOT IN (
			SELECT id FROM team_messages WHERE deployment_id = ? ORDER BY created_at DESC, id DESC LIMIT ?
		)
	`), msg.DeploymentID, msg.DeploymentID, s.messageCap)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// ListMessages returns the most recent messages of a deployment, newest
// first, optionally filtered to one recipient agent.
func (s *Store) ListMessages(ctx context.Context, deploymentID, toAgentID string, limit int) ([]*models.TeamMessage, error) {
	if limit <= 0 || limit > s.messageCap {
		limit = s.messageCap
	}
	query := `SELECT ` + messageColumns + ` FROM team_messages WHERE deployment_id = ?`
	args := []any{deploymentID}
	if toAgentID != "" {
		query += ` AND to_agent_id = ?`
		args = append(args, toAgentID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.ro.QueryContext(ctx, s.rebindRO(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.TeamMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// ListUndeliveredMessages returns pending messages for one recipient, oldest
// first so delivery preserves send order.
func (s *Store) ListUndeliveredMessages(ctx context.Context, deploymentID, toAgentID string) ([]*models.TeamMessage, error) {
	rows, err := s.ro.QueryContext(ctx, s.rebindRO(`
		SELECT `+messageColumns+` FROM team_messages
		WHERE deployment_id = ? AND to_agent_id = ? AND delivered = 0
		ORDER BY created_at ASC, id ASC
	`), deploymentID, toAgentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.TeamMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// MarkMessagesDelivered stamps the given messages as delivered.
func (s *Store) MarkMessagesDelivered(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, s.rebind(`
			UPDATE team_messages SET delivered = 1, delivered_at = ? WHERE id = ? AND delivered = 0
		`), now, id); err != nil {
			return err
		}
	}
	return nil
}

// MarkMessagesRead marks a recipient's messages as read (and delivered, since
// an explicit read implies the recipient saw them).
func (s *Store) MarkMessagesRead(ctx context.Context, deploymentID, toAgentID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE team_messages SET read_by_recipient = 1, delivered = 1,
			delivered_at = COALESCE(delivered_at, ?)
		WHERE deployment_id = ? AND to_agent_id = ? AND read_by_recipient = 0
	`), time.Now().UTC(), deploymentID, toAgentID)
	return err
}

// DeleteMessages removes a deployment's message history. Used by reset.
func (s *Store) DeleteMessages(ctx context.Context, deploymentID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM team_messages WHERE deployment_id = ?`), deploymentID)
	return err
}

func scanMessage(row rowScanner) (*models.TeamMessage, error) {
	var (
		msg         models.TeamMessage
		delivered   int
		read        int
		deliveredAt sql.NullTime
	)
	err := row.Scan(&msg.ID, &msg.DeploymentID, &msg.FromAgentID, &msg.FromRole, &msg.ToAgentID,
		&msg.ToRole, &msg.Message, &delivered, &read, &msg.CreatedAt, &deliveredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	msg.Delivered = delivered != 0
	msg.ReadByRecipient = read != 0
	if deliveredAt.Valid {
		t := deliveredAt.Time
		msg.DeliveredAt = &t
	}
	return &msg, nil
}
