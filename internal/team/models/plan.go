package models

// OperationType tags the runtime operation a compiled step performs.
type OperationType string

const (
	OpDispatchAgentLoop OperationType = "dispatch_agent_loop"
	OpInvokeCoordinator OperationType = "invoke_coordinator"
	OpAwaitEvent        OperationType = "await_event"
	OpAggregateResults  OperationType = "aggregate_results"
	OpEvaluateCondition OperationType = "evaluate_condition"
	OpNoop              OperationType = "noop"
)

// Operation is the runtime instruction attached to a compiled step. Which
// fields are meaningful depends on Type.
type Operation struct {
	Type OperationType `json:"type"`

	// dispatch_agent_loop
	Role  string `json:"role,omitempty"`
	Task  string `json:"task,omitempty"`
	Input string `json:"input,omitempty"`

	// invoke_coordinator
	Reason  string `json:"reason,omitempty"`
	Context string `json:"context,omitempty"`

	// await_event
	Pattern   string `json:"pattern,omitempty"`
	TimeoutMs int    `json:"timeout_ms,omitempty"`

	// aggregate_results
	Method        string   `json:"method,omitempty"`
	SourceStepIDs []string `json:"source_step_ids,omitempty"`

	// evaluate_condition
	Check string `json:"check,omitempty"`
}

// StepPlan is one addressable step of the compiled plan. Step IDs are stable:
// step_{i} at the top level, {parent}_{j} inside containers.
type StepPlan struct {
	StepID    string    `json:"step_id"`
	Kind      StepType  `json:"kind"`
	Name      string    `json:"name,omitempty"`
	Operation Operation `json:"operation"`

	// parallel / sequential children
	Children []StepPlan `json:"children,omitempty"`

	// condition branches
	ThenBranch []StepPlan `json:"then_branch,omitempty"`
	ElseBranch []StepPlan `json:"else_branch,omitempty"`
}

// ExecutionPlan is the compiled, addressable form of an org pattern.
type ExecutionPlan struct {
	PatternName string           `json:"pattern_name"`
	Version     string           `json:"version,omitempty"`
	Roles       []Role           `json:"roles"`
	Routing     []RoutingRule    `json:"routing,omitempty"`
	Escalation  EscalationConfig `json:"escalation,omitempty"`
	Steps       []StepPlan       `json:"steps"`
}

// RoleByID looks up a role in the compiled plan.
func (p *ExecutionPlan) RoleByID(id string) (Role, bool) {
	for _, r := range p.Roles {
		if r.ID == id {
			return r, true
		}
	}
	return Role{}, false
}

// FindStep locates a step anywhere in the plan (children and branches
// included). Returns nil when the ID is unknown.
func (p *ExecutionPlan) FindStep(stepID string) *StepPlan {
	return findStep(p.Steps, stepID)
}

func findStep(steps []StepPlan, stepID string) *StepPlan {
	for i := range steps {
		if steps[i].StepID == stepID {
			return &steps[i]
		}
		for _, nested := range [][]StepPlan{steps[i].Children, steps[i].ThenBranch, steps[i].ElseBranch} {
			if found := findStep(nested, stepID); found != nil {
				return found
			}
		}
	}
	return nil
}

// WalkSteps visits every step in the plan depth-first, containers before
// their children. The visit function returns false to stop early.
func (p *ExecutionPlan) WalkSteps(visit func(step *StepPlan) bool) {
	walkSteps(p.Steps, visit)
}

func walkSteps(steps []StepPlan, visit func(step *StepPlan) bool) bool {
	for i := range steps {
		if !visit(&steps[i]) {
			return false
		}
		for _, nested := range [][]StepPlan{steps[i].Children, steps[i].ThenBranch, steps[i].ElseBranch} {
			if !walkSteps(nested, visit) {
				return false
			}
		}
	}
	return true
}
