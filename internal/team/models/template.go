package models

import "time"

// Template is a named, versioned org pattern. System templates are shared and
// read-only; custom templates belong to a workspace and are soft-deletable.
type Template struct {
	ID          string      `json:"id"`
	WorkspaceID string      `json:"workspace_id,omitempty"` // empty for system templates
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Version     string      `json:"version,omitempty"`
	System      bool        `json:"system"`
	Pattern     *OrgPattern `json:"pattern"`
	CreatedBy   string      `json:"created_by,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	DeletedAt   *time.Time  `json:"deleted_at,omitempty"`
}

// Experiment is the research target a deployment can drive. Only the fields
// the team runtime touches are modeled; the wider experiment service owns the
// rest.
type Experiment struct {
	ID          string         `json:"id"`
	WorkspaceID string         `json:"workspace_id"`
	SpaceID     string         `json:"space_id"`
	Name        string         `json:"name"`
	Status      string         `json:"status"` // planned, running, completed, failed, abandoned
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Experiment statuses the runtime cares about.
const (
	ExperimentPlanned   = "planned"
	ExperimentRunning   = "running"
	ExperimentCompleted = "completed"
	ExperimentFailed    = "failed"
	ExperimentAbandoned = "abandoned"
)

// ExperimentTerminal reports whether a status is terminal; teardown only
// releases experiments that are still in flight.
func ExperimentTerminal(status string) bool {
	return status == ExperimentCompleted || status == ExperimentFailed || status == ExperimentAbandoned
}

// TargetTask is the task-shaped deployment target (alternative to an
// experiment).
type TargetTask struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	SpaceID     string    `json:"space_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}
