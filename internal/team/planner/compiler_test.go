package planner

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewdeck/crewdeck/internal/team/models"
)

func devTeamPattern() *models.OrgPattern {
	return &models.OrgPattern{
		Name:    "dev-team",
		Version: "1.0",
		Structure: models.PatternStructure{
			Roles: []models.Role{
				{ID: "lead", Name: "Team Lead", MinInstances: 1, MaxInstances: 1, Singleton: true},
				{ID: "engineer", Name: "Engineer", ReportsTo: "lead", MinInstances: 1, MaxInstances: 3},
				{ID: "reviewer", Name: "Reviewer", ReportsTo: "lead", MinInstances: 1, MaxInstances: 1},
			},
			Escalation: models.EscalationConfig{Enabled: true, MaxDepth: 2},
		},
		Workflow: models.PatternWorkflow{
			Steps: []models.WorkflowStep{
				{Type: models.StepAssign, Name: "plan", Role: "lead", Task: "Break down the work"},
				{Type: models.StepParallel, Name: "build", Steps: []models.WorkflowStep{
					{Type: models.StepAssign, Role: "engineer", Task: "Implement part A"},
					{Type: models.StepAssign, Role: "engineer", Task: "Implement part B"},
				}},
				{Type: models.StepAggregate, Name: "collect", Method: "concat"},
				{Type: models.StepReview, Reviewer: "reviewer", Subject: "the combined result"},
			},
		},
	}
}

func TestCompileAssignsDeterministicStepIDs(t *testing.T) {
	plan, err := Compile(devTeamPattern())
	require.NoError(t, err)
	require.Len(t, plan.Steps, 4)

	assert.Equal(t, "step_0", plan.Steps[0].StepID)
	assert.Equal(t, "step_1", plan.Steps[1].StepID)
	require.Len(t, plan.Steps[1].Children, 2)
	assert.Equal(t, "step_1_0", plan.Steps[1].Children[0].StepID)
	assert.Equal(t, "step_1_1", plan.Steps[1].Children[1].StepID)
	assert.Equal(t, "step_2", plan.Steps[2].StepID)
	assert.Equal(t, "step_3", plan.Steps[3].StepID)
}

func TestCompileIsDeterministic(t *testing.T) {
	first, err := Compile(devTeamPattern())
	require.NoError(t, err)
	second, err := Compile(devTeamPattern())
	require.NoError(t, err)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.JSONEq(t, string(a), string(b))
}

func TestCompilePreservesRoleOrder(t *testing.T) {
	plan, err := Compile(devTeamPattern())
	require.NoError(t, err)
	require.Len(t, plan.Roles, 3)
	assert.Equal(t, "lead", plan.Roles[0].ID)
	assert.Equal(t, "engineer", plan.Roles[1].ID)
	assert.Equal(t, "reviewer", plan.Roles[2].ID)
}

func TestCompileOperationMapping(t *testing.T) {
	plan, err := Compile(devTeamPattern())
	require.NoError(t, err)

	assert.Equal(t, models.OpDispatchAgentLoop, plan.Steps[0].Operation.Type)
	assert.Equal(t, "lead", plan.Steps[0].Operation.Role)
	assert.Equal(t, models.OpNoop, plan.Steps[1].Operation.Type)
	assert.Equal(t, models.OpAggregateResults, plan.Steps[2].Operation.Type)
	assert.Equal(t, models.OpDispatchAgentLoop, plan.Steps[3].Operation.Type)
	assert.Equal(t, "reviewer", plan.Steps[3].Operation.Role)
	assert.Equal(t, "Review: the combined result", plan.Steps[3].Operation.Task)
}

func TestCompileAggregateDefaultsToPrecedingSiblings(t *testing.T) {
	plan, err := Compile(devTeamPattern())
	require.NoError(t, err)
	assert.Equal(t, []string{"step_0", "step_1"}, plan.Steps[2].Operation.SourceStepIDs)
}

func TestCompileAggregateExplicitSources(t *testing.T) {
	pattern := devTeamPattern()
	pattern.Workflow.Steps[2].Sources = []string{"step_1"}
	plan, err := Compile(pattern)
	require.NoError(t, err)
	assert.Equal(t, []string{"step_1"}, plan.Steps[2].Operation.SourceStepIDs)
}

func TestCompileConditionBranches(t *testing.T) {
	pattern := devTeamPattern()
	pattern.Workflow.Steps = append(pattern.Workflow.Steps, models.WorkflowStep{
		Type:  models.StepCondition,
		Check: "all tests pass",
		Then: []models.WorkflowStep{
			{Type: models.StepAssign, Role: "lead", Task: "Ship it"},
		},
		Else: []models.WorkflowStep{
			{Type: models.StepAssign, Role: "engineer", Task: "Fix the failures"},
		},
	})

	plan, err := Compile(pattern)
	require.NoError(t, err)

	cond := plan.Steps[4]
	assert.Equal(t, models.OpEvaluateCondition, cond.Operation.Type)
	assert.Equal(t, "all tests pass", cond.Operation.Check)
	require.Len(t, cond.ThenBranch, 1)
	require.Len(t, cond.ElseBranch, 1)
	assert.Equal(t, "step_4_0", cond.ThenBranch[0].StepID)
	assert.Equal(t, "step_4_1", cond.ElseBranch[0].StepID)
}

func TestCompileWaitStep(t *testing.T) {
	pattern := devTeamPattern()
	pattern.Workflow.Steps = append(pattern.Workflow.Steps, models.WorkflowStep{
		Type:      models.StepWait,
		Condition: "coding_swarm_completed",
		TimeoutMs: 60000,
	})

	plan, err := Compile(pattern)
	require.NoError(t, err)

	wait := plan.Steps[4]
	assert.Equal(t, models.OpAwaitEvent, wait.Operation.Type)
	assert.Equal(t, "coding_swarm_completed", wait.Operation.Pattern)
	assert.Equal(t, 60000, wait.Operation.TimeoutMs)
}

func TestCompileDefaultsInstanceBounds(t *testing.T) {
	pattern := devTeamPattern()
	pattern.Structure.Roles[1].MinInstances = 0
	pattern.Structure.Roles[1].MaxInstances = 0

	plan, err := Compile(pattern)
	require.NoError(t, err)
	assert.Equal(t, 1, plan.Roles[1].MinInstances)
	assert.Equal(t, 1, plan.Roles[1].MaxInstances)
	// Caller's pattern stays untouched.
	assert.Equal(t, 0, pattern.Structure.Roles[1].MinInstances)
}

func TestCompileRejectsUnknownReportsTo(t *testing.T) {
	pattern := devTeamPattern()
	pattern.Structure.Roles[1].ReportsTo = "nobody"

	_, err := Compile(pattern)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidPattern)
	assert.Contains(t, err.Error(), "nobody")
}

func TestCompileRejectsReportingCycle(t *testing.T) {
	pattern := devTeamPattern()
	pattern.Structure.Roles[0].ReportsTo = "engineer"

	_, err := Compile(pattern)
	assert.ErrorIs(t, err, ErrInvalidPattern)
}

func TestCompileRejectsInvertedInstanceBounds(t *testing.T) {
	pattern := devTeamPattern()
	pattern.Structure.Roles[1].MinInstances = 3
	pattern.Structure.Roles[1].MaxInstances = 1

	_, err := Compile(pattern)
	assert.ErrorIs(t, err, ErrInvalidPattern)
}

func TestCompileRejectsUnknownStepRole(t *testing.T) {
	pattern := devTeamPattern()
	pattern.Workflow.Steps[0].Role = "ghost"

	_, err := Compile(pattern)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidPattern)
	assert.Contains(t, err.Error(), "ghost")
}

func TestCompileRejectsDuplicateRoles(t *testing.T) {
	pattern := devTeamPattern()
	pattern.Structure.Roles = append(pattern.Structure.Roles, models.Role{
		ID: "lead", MinInstances: 1, MaxInstances: 1,
	})

	_, err := Compile(pattern)
	assert.ErrorIs(t, err, ErrInvalidPattern)
}

func TestCompileRejectsAggregateOfEmptyContainer(t *testing.T) {
	pattern := devTeamPattern()
	pattern.Workflow.Steps[1].Steps = nil
	pattern.Workflow.Steps[2].Sources = []string{"step_1"}

	_, err := Compile(pattern)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidPattern)
	assert.Contains(t, err.Error(), "empty container")
}

func TestCompileRejectsAggregateOfUnknownStep(t *testing.T) {
	pattern := devTeamPattern()
	pattern.Workflow.Steps[2].Sources = []string{"step_99"}

	_, err := Compile(pattern)
	assert.ErrorIs(t, err, ErrInvalidPattern)
}

func TestCompilePlanRoundTripsThroughJSON(t *testing.T) {
	plan, err := Compile(devTeamPattern())
	require.NoError(t, err)

	raw, err := json.Marshal(plan)
	require.NoError(t, err)

	var decoded models.ExecutionPlan
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, *plan, decoded)
}
