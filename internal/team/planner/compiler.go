// Package planner compiles org patterns into flat, addressable execution
// plans. Compilation is deterministic: identical patterns produce identical
// plans, including step IDs.
package planner

import (
	"errors"
	"fmt"

	"github.com/crewdeck/crewdeck/internal/team/models"
)

// ErrInvalidPattern is wrapped by every compilation failure.
var ErrInvalidPattern = errors.New("invalid org pattern")

// Compile transforms an org pattern into an execution plan. It fails when a
// role's reports_to is unknown, the reporting graph is cyclic, instance
// bounds are inverted, a workflow step references an unknown role, or an
// aggregate references an empty container.
func Compile(pattern *models.OrgPattern) (*models.ExecutionPlan, error) {
	if pattern == nil {
		return nil, fmt.Errorf("%w: pattern is nil", ErrInvalidPattern)
	}
	pattern = normalizeRoles(pattern)
	if err := validateRoles(pattern); err != nil {
		return nil, err
	}

	c := &compiler{pattern: pattern}
	steps, err := c.compileSteps(pattern.Workflow.Steps, "")
	if err != nil {
		return nil, err
	}

	plan := &models.ExecutionPlan{
		PatternName: pattern.Name,
		Version:     pattern.Version,
		Roles:       append([]models.Role(nil), pattern.Structure.Roles...),
		Routing:     append([]models.RoutingRule(nil), pattern.Structure.Routing...),
		Escalation:  pattern.Structure.Escalation,
		Steps:       steps,
	}

	if err := validateAggregateSources(plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// normalizeRoles fills unset instance bounds (min defaults to 1, max to min)
// on a shallow copy so the caller's pattern is untouched.
func normalizeRoles(pattern *models.OrgPattern) *models.OrgPattern {
	out := *pattern
	out.Structure.Roles = append([]models.Role(nil), pattern.Structure.Roles...)
	for i := range out.Structure.Roles {
		role := &out.Structure.Roles[i]
		if role.MinInstances == 0 {
			role.MinInstances = 1
		}
		if role.MaxInstances == 0 {
			role.MaxInstances = role.MinInstances
		}
	}
	return &out
}

func validateRoles(pattern *models.OrgPattern) error {
	seen := make(map[string]bool, len(pattern.Structure.Roles))
	for _, role := range pattern.Structure.Roles {
		if role.ID == "" {
			return fmt.Errorf("%w: role with empty id", ErrInvalidPattern)
		}
		if seen[role.ID] {
			return fmt.Errorf("%w: duplicate role %q", ErrInvalidPattern, role.ID)
		}
		seen[role.ID] = true
		if role.MinInstances < 1 {
			return fmt.Errorf("%w: role %q min_instances must be >= 1", ErrInvalidPattern, role.ID)
		}
		if role.MaxInstances < role.MinInstances {
			return fmt.Errorf("%w: role %q max_instances < min_instances", ErrInvalidPattern, role.ID)
		}
	}
	for _, role := range pattern.Structure.Roles {
		if role.ReportsTo != "" && !seen[role.ReportsTo] {
			return fmt.Errorf("%w: role %q reports to unknown role %q", ErrInvalidPattern, role.ID, role.ReportsTo)
		}
	}
	// Cycle check: follow reports_to from every role; the chain must reach a
	// lead within len(roles) hops.
	parent := make(map[string]string, len(pattern.Structure.Roles))
	for _, role := range pattern.Structure.Roles {
		parent[role.ID] = role.ReportsTo
	}
	for id := range parent {
		cur := id
		for hops := 0; parent[cur] != ""; hops++ {
			if hops >= len(parent) {
				return fmt.Errorf("%w: reporting graph has a cycle through role %q", ErrInvalidPattern, id)
			}
			cur = parent[cur]
		}
	}
	return nil
}

type compiler struct {
	pattern *models.OrgPattern
}

// compileSteps assigns stable IDs depth-first: step_{i} at the root,
// {parent}_{j} inside containers. Condition branches continue the child
// index across then and else so IDs stay unique.
func (c *compiler) compileSteps(steps []models.WorkflowStep, parentID string) ([]models.StepPlan, error) {
	compiled := make([]models.StepPlan, 0, len(steps))
	for i, step := range steps {
		stepID := fmt.Sprintf("step_%d", i)
		if parentID != "" {
			stepID = fmt.Sprintf("%s_%d", parentID, i)
		}
		plan, err := c.compileStep(step, stepID, compiled)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, plan)
	}
	return compiled, nil
}

func (c *compiler) compileStep(step models.WorkflowStep, stepID string, siblings []models.StepPlan) (models.StepPlan, error) {
	out := models.StepPlan{StepID: stepID, Kind: step.Type, Name: step.Name}

	switch step.Type {
	case models.StepAssign:
		if err := c.requireRole(step.Role, stepID); err != nil {
			return out, err
		}
		out.Operation = models.Operation{Type: models.OpDispatchAgentLoop, Role: step.Role, Task: step.Task}

	case models.StepSelect:
		if err := c.requireRole(step.Role, stepID); err != nil {
			return out, err
		}
		out.Operation = models.Operation{Type: models.OpDispatchAgentLoop, Role: step.Role, Task: step.Task, Input: step.Criteria}

	case models.StepReview:
		if err := c.requireRole(step.Reviewer, stepID); err != nil {
			return out, err
		}
		out.Operation = models.Operation{
			Type: models.OpDispatchAgentLoop,
			Role: step.Reviewer,
			Task: fmt.Sprintf("Review: %s", step.Subject),
		}

	case models.StepApprove:
		if err := c.requireRole(step.Approver, stepID); err != nil {
			return out, err
		}
		out.Operation = models.Operation{
			Type:    models.OpInvokeCoordinator,
			Reason:  fmt.Sprintf("Approve: %s", step.Subject),
			Context: step.Approver,
		}

	case models.StepAggregate:
		sources := append([]string(nil), step.Sources...)
		if len(sources) == 0 {
			// Default to every preceding sibling in the same container.
			for _, sib := range siblings {
				sources = append(sources, sib.StepID)
			}
		}
		out.Operation = models.Operation{Type: models.OpAggregateResults, Method: step.Method, SourceStepIDs: sources}

	case models.StepCondition:
		out.Operation = models.Operation{Type: models.OpEvaluateCondition, Check: step.Check}
		thenBranch, err := c.compileBranch(step.Then, stepID, 0)
		if err != nil {
			return out, err
		}
		elseBranch, err := c.compileBranch(step.Else, stepID, len(step.Then))
		if err != nil {
			return out, err
		}
		out.ThenBranch = thenBranch
		out.ElseBranch = elseBranch

	case models.StepWait:
		out.Operation = models.Operation{Type: models.OpAwaitEvent, Pattern: step.Condition, TimeoutMs: step.TimeoutMs}

	case models.StepParallel, models.StepSequential:
		out.Operation = models.Operation{Type: models.OpNoop}
		children, err := c.compileSteps(step.Steps, stepID)
		if err != nil {
			return out, err
		}
		out.Children = children

	default:
		return out, fmt.Errorf("%w: step %s has unknown type %q", ErrInvalidPattern, stepID, step.Type)
	}

	return out, nil
}

func (c *compiler) compileBranch(steps []models.WorkflowStep, parentID string, offset int) ([]models.StepPlan, error) {
	compiled := make([]models.StepPlan, 0, len(steps))
	for i, step := range steps {
		stepID := fmt.Sprintf("%s_%d", parentID, offset+i)
		plan, err := c.compileStep(step, stepID, compiled)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, plan)
	}
	return compiled, nil
}

func (c *compiler) requireRole(roleID, stepID string) error {
	if roleID == "" {
		return fmt.Errorf("%w: step %s references no role", ErrInvalidPattern, stepID)
	}
	if _, ok := c.pattern.RoleByID(roleID); !ok {
		return fmt.Errorf("%w: step %s references unknown role %q", ErrInvalidPattern, stepID, roleID)
	}
	return nil
}

// validateAggregateSources rejects aggregate steps that reference unknown
// steps or containers with zero children.
func validateAggregateSources(plan *models.ExecutionPlan) error {
	var err error
	plan.WalkSteps(func(step *models.StepPlan) bool {
		if step.Operation.Type != models.OpAggregateResults {
			return true
		}
		for _, src := range step.Operation.SourceStepIDs {
			target := plan.FindStep(src)
			if target == nil {
				err = fmt.Errorf("%w: step %s aggregates unknown step %q", ErrInvalidPattern, step.StepID, src)
				return false
			}
			if target.Operation.Type == models.OpNoop && len(target.Children) == 0 {
				err = fmt.Errorf("%w: step %s aggregates empty container %q", ErrInvalidPattern, step.StepID, src)
				return false
			}
		}
		return true
	})
	return err
}
