// Package models defines the team runtime entities: org patterns, execution
// plans, deployments, agents, workflow state, messages and run logs.
package models

// Role describes one position in an org pattern. Instances of a role become
// agents at deploy time.
type Role struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	ReportsTo    string   `json:"reports_to,omitempty"` // role ID within the same pattern
	MinInstances int      `json:"min_instances"`
	MaxInstances int      `json:"max_instances"`
	Singleton    bool     `json:"singleton,omitempty"`
	AgentType    string   `json:"agent_type,omitempty"`
	Workdir      string   `json:"workdir,omitempty"`
}

// RoutingRule explicitly allows messages from one role to another, on top of
// the implicit up/down reporting-chain edges.
type RoutingRule struct {
	FromRole string `json:"from_role"`
	ToRole   string `json:"to_role"`
}

// EscalationConfig bounds how many times a failing step may be escalated
// before the workflow fails.
type EscalationConfig struct {
	Enabled  bool `json:"enabled"`
	MaxDepth int  `json:"max_depth,omitempty"` // defaults to 3 when enabled and unset
}

// StepType tags a workflow step variant.
type StepType string

const (
	StepAssign     StepType = "assign"
	StepSelect     StepType = "select"
	StepReview     StepType = "review"
	StepApprove    StepType = "approve"
	StepAggregate  StepType = "aggregate"
	StepCondition  StepType = "condition"
	StepWait       StepType = "wait"
	StepParallel   StepType = "parallel"
	StepSequential StepType = "sequential"
)

// WorkflowStep is one node of the authored workflow tree. Which fields are
// meaningful depends on Type.
type WorkflowStep struct {
	Type StepType `json:"type"`
	Name string   `json:"name,omitempty"`

	// assign / select
	Role     string `json:"role,omitempty"`
	Task     string `json:"task,omitempty"`
	Criteria string `json:"criteria,omitempty"`

	// review / approve
	Reviewer string `json:"reviewer,omitempty"`
	Approver string `json:"approver,omitempty"`
	Subject  string `json:"subject,omitempty"`

	// aggregate
	Method  string   `json:"method,omitempty"`
	Sources []string `json:"sources,omitempty"`

	// condition
	Check string         `json:"check,omitempty"`
	Then  []WorkflowStep `json:"then,omitempty"`
	Else  []WorkflowStep `json:"else,omitempty"`

	// wait
	Condition string `json:"condition,omitempty"`
	TimeoutMs int    `json:"timeout_ms,omitempty"`

	// parallel / sequential
	Steps []WorkflowStep `json:"steps,omitempty"`
}

// PatternStructure groups the organizational half of a pattern.
// Roles is an ordered list; order is preserved through compilation.
type PatternStructure struct {
	Roles      []Role           `json:"roles"`
	Routing    []RoutingRule    `json:"routing,omitempty"`
	Escalation EscalationConfig `json:"escalation,omitempty"`
}

// PatternWorkflow holds the authored workflow tree.
type PatternWorkflow struct {
	Steps []WorkflowStep `json:"steps"`
}

// OrgPattern is the declarative description of a team: who exists, who talks
// to whom, and what the team does when triggered.
type OrgPattern struct {
	Name      string           `json:"name"`
	Version   string           `json:"version,omitempty"`
	Structure PatternStructure `json:"structure"`
	Workflow  PatternWorkflow  `json:"workflow"`
}

// RoleByID looks up a role in the pattern.
func (p *OrgPattern) RoleByID(id string) (Role, bool) {
	for _, r := range p.Structure.Roles {
		if r.ID == id {
			return r, true
		}
	}
	return Role{}, false
}

// LeadRole returns the role with no reports_to, if any.
func (p *OrgPattern) LeadRole() (Role, bool) {
	for _, r := range p.Structure.Roles {
		if r.ReportsTo == "" {
			return r, true
		}
	}
	return Role{}, false
}
