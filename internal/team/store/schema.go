package store

import "fmt"

// Schema notes: JSON documents (patterns, plans, config, step states) live in
// TEXT columns; timestamps are stored as the driver encodes time.Time. The
// statements below are valid on both SQLite and Postgres.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS team_templates (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		version TEXT NOT NULL DEFAULT '',
		system INTEGER NOT NULL DEFAULT 0,
		pattern TEXT,
		created_by TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		deleted_at TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_team_templates_workspace ON team_templates(workspace_id)`,

	`CREATE TABLE IF NOT EXISTS team_deployments (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		space_id TEXT NOT NULL DEFAULT '',
		project_id TEXT NOT NULL DEFAULT '',
		template_name TEXT NOT NULL,
		config TEXT,
		org_pattern TEXT,
		execution_plan TEXT,
		status TEXT NOT NULL,
		deployed_by TEXT NOT NULL DEFAULT '',
		workflow_state TEXT,
		workflow_version INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		torn_down_at TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_team_deployments_workspace ON team_deployments(workspace_id)`,
	`CREATE INDEX IF NOT EXISTS idx_team_deployments_status ON team_deployments(status)`,

	`CREATE TABLE IF NOT EXISTS team_agents (
		id TEXT PRIMARY KEY,
		deployment_id TEXT NOT NULL,
		workspace_id TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL,
		instance_number INTEGER NOT NULL,
		agent_type TEXT NOT NULL DEFAULT '',
		workdir TEXT NOT NULL DEFAULT '',
		system_prompt TEXT NOT NULL DEFAULT '',
		capabilities TEXT,
		reports_to_agent_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		current_step_id TEXT NOT NULL DEFAULT '',
		runtime_session_id TEXT NOT NULL DEFAULT '',
		terminal_session_id TEXT NOT NULL DEFAULT '',
		last_run_at TIMESTAMP,
		last_run_summary TEXT NOT NULL DEFAULT '',
		total_actions INTEGER NOT NULL DEFAULT 0,
		total_errors INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_team_agents_deployment ON team_agents(deployment_id)`,
	`CREATE INDEX IF NOT EXISTS idx_team_agents_role ON team_agents(deployment_id, role, instance_number)`,

	`CREATE TABLE IF NOT EXISTS team_run_logs (
		id TEXT PRIMARY KEY,
		deployment_id TEXT NOT NULL,
		team_agent_id TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT '',
		step_id TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		actions_executed INTEGER NOT NULL DEFAULT 0,
		errors_encountered INTEGER NOT NULL DEFAULT 0,
		actions TEXT,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_team_run_logs_deployment ON team_run_logs(deployment_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS team_messages (
		id TEXT PRIMARY KEY,
		deployment_id TEXT NOT NULL,
		from_agent_id TEXT NOT NULL DEFAULT '',
		from_role TEXT NOT NULL DEFAULT '',
		to_agent_id TEXT NOT NULL DEFAULT '',
		to_role TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL,
		delivered INTEGER NOT NULL DEFAULT 0,
		read_by_recipient INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		delivered_at TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_team_messages_deployment ON team_messages(deployment_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_team_messages_recipient ON team_messages(deployment_id, to_agent_id, delivered)`,
}

func (s *Store) initSchema() error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}
