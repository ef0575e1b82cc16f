package models

import "time"

// WorkflowPhase is the coarse phase of a deployment's workflow.
type WorkflowPhase string

const (
	PhaseIdle      WorkflowPhase = "idle"
	PhaseRunning   WorkflowPhase = "running"
	PhasePaused    WorkflowPhase = "paused"
	PhaseCompleted WorkflowPhase = "completed"
	PhaseFailed    WorkflowPhase = "failed"
	PhaseTornDown  WorkflowPhase = "torn_down"
)

// StepStatus is the status of one compiled step within a run.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepWaiting   StepStatus = "waiting"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepState is the mutable per-step execution record.
// A step in running has an assigned agent whose current_step_id points back
// at it; waiting is entered only via await_event operations.
type StepState struct {
	Status          StepStatus `json:"status"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	AssignedAgentID string     `json:"assigned_agent_id,omitempty"`
	Result          any        `json:"result,omitempty"`
	Error           string     `json:"error,omitempty"`
	RetryCount      int        `json:"retry_count"`
	EscalationCount int        `json:"escalation_count"`
}

// WorkflowState is the persisted state machine for one deployment. It is
// updated under optimistic concurrency; the store rejects writes against a
// stale version.
type WorkflowState struct {
	CurrentPhase           WorkflowPhase         `json:"current_phase"`
	StepStates             map[string]*StepState `json:"step_states"`
	StartedAt              *time.Time            `json:"started_at,omitempty"`
	CompletedAt            *time.Time            `json:"completed_at,omitempty"`
	LastAdvancedAt         *time.Time            `json:"last_advanced_at,omitempty"`
	CoordinatorInvocations int                   `json:"coordinator_invocations"`

	// Version is the optimistic concurrency token managed by the store.
	// It is not part of the logical state.
	Version int64 `json:"-"`
}

// NewWorkflowState returns an idle state with no step records.
func NewWorkflowState() *WorkflowState {
	return &WorkflowState{
		CurrentPhase: PhaseIdle,
		StepStates:   make(map[string]*StepState),
	}
}

// Step returns the state record for a step, creating a pending record if the
// step has not been visited yet.
func (w *WorkflowState) Step(stepID string) *StepState {
	if w.StepStates == nil {
		w.StepStates = make(map[string]*StepState)
	}
	if st, ok := w.StepStates[stepID]; ok {
		return st
	}
	st := &StepState{Status: StepPending}
	w.StepStates[stepID] = st
	return st
}

// StepStatusOf returns the status of a step, StepPending when unvisited.
func (w *WorkflowState) StepStatusOf(stepID string) StepStatus {
	if st, ok := w.StepStates[stepID]; ok {
		return st.Status
	}
	return StepPending
}

// AnyStepFailed reports whether any recorded step is failed.
func (w *WorkflowState) AnyStepFailed() bool {
	for _, st := range w.StepStates {
		if st.Status == StepFailed {
			return true
		}
	}
	return false
}
