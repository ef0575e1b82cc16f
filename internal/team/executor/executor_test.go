package executor

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewdeck/crewdeck/internal/common/logger"
	"github.com/crewdeck/crewdeck/internal/db"
	"github.com/crewdeck/crewdeck/internal/events"
	"github.com/crewdeck/crewdeck/internal/events/bus"
	"github.com/crewdeck/crewdeck/internal/team/llm"
	"github.com/crewdeck/crewdeck/internal/team/models"
	"github.com/crewdeck/crewdeck/internal/team/queue"
	"github.com/crewdeck/crewdeck/internal/team/store"
)

type executorFixture struct {
	exec  *Executor
	store *store.Store
	queue *queue.JobQueue
	bus   *bus.MemoryEventBus
	dep   *models.Deployment

	mu     sync.Mutex
	events []string
}

func newExecutorFixture(t *testing.T, plan *models.ExecutionPlan) *executorFixture {
	t.Helper()
	pool, err := db.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	st, err := store.New(pool, log, store.Options{})
	require.NoError(t, err)

	q := queue.NewJobQueue(0)
	eventBus := bus.NewMemoryEventBus(log)
	f := &executorFixture{
		store: st,
		queue: q,
		bus:   eventBus,
	}
	for _, subject := range []string{
		events.WorkflowCompleted, events.WorkflowFailed, events.StepEscalated,
		events.UIWorkflowUpdated, events.UIWorkflowCompleted, events.UIWorkflowFailed,
	} {
		_, err = eventBus.Subscribe(subject, func(_ context.Context, ev *bus.Event) error {
			f.mu.Lock()
			f.events = append(f.events, ev.Type)
			f.mu.Unlock()
			return nil
		})
		require.NoError(t, err)
	}

	f.exec = New(st, q, llm.NoopClient{}, eventBus, log)

	ctx := context.Background()
	dep := &models.Deployment{
		WorkspaceID:  "ws1",
		SpaceID:      "space1",
		TemplateName: "dev-team",
		Status:       models.DeploymentActive,
	}
	require.NoError(t, st.CreateDeployment(ctx, dep))
	require.NoError(t, st.UpdateDeploymentPlan(ctx, dep.ID, nil, plan))

	state, err := st.GetWorkflowState(ctx, dep.ID)
	require.NoError(t, err)
	state.CurrentPhase = models.PhaseRunning
	require.NoError(t, st.SaveWorkflowState(ctx, dep.ID, state))

	f.dep = dep
	return f
}

func (f *executorFixture) addAgent(t *testing.T, role string, instance int) *models.Agent {
	t.Helper()
	agent := &models.Agent{
		DeploymentID:   f.dep.ID,
		WorkspaceID:    f.dep.WorkspaceID,
		UserID:         "user-" + role,
		Role:           role,
		InstanceNumber: instance,
		AgentType:      "claude-code",
		Capabilities:   []string{"team.send_message"},
		Status:         models.AgentIdle,
	}
	require.NoError(t, f.store.CreateAgent(context.Background(), agent))
	return agent
}

func (f *executorFixture) state(t *testing.T) *models.WorkflowState {
	t.Helper()
	state, err := f.store.GetWorkflowState(context.Background(), f.dep.ID)
	require.NoError(t, err)
	return state
}

func (f *executorFixture) sawEvent(eventType string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e == eventType {
			return true
		}
	}
	return false
}

func dispatchStep(id, role, task string) models.StepPlan {
	return models.StepPlan{
		StepID: id,
		Kind:   models.StepAssign,
		Name:   task,
		Operation: models.Operation{
			Type: models.OpDispatchAgentLoop,
			Role: role,
			Task: task,
		},
	}
}

func twoStepPlan() *models.ExecutionPlan {
	return &models.ExecutionPlan{
		PatternName: "dev-team",
		Roles:       []models.Role{{ID: "engineer", MinInstances: 1, MaxInstances: 1}},
		Steps: []models.StepPlan{
			dispatchStep("step_0", "engineer", "implement feature"),
			dispatchStep("step_1", "engineer", "write docs"),
		},
	}
}

func TestAdvanceDispatchesFirstStep(t *testing.T) {
	f := newExecutorFixture(t, twoStepPlan())
	agent := f.addAgent(t, "engineer", 0)
	ctx := context.Background()

	require.NoError(t, f.exec.Advance(ctx, f.dep.ID, Trigger{Reason: "kickoff"}))

	state := f.state(t)
	step := state.Step("step_0")
	assert.Equal(t, models.StepRunning, step.Status)
	assert.Equal(t, agent.ID, step.AssignedAgentID)
	assert.NotNil(t, step.StartedAt)
	assert.Equal(t, models.StepPending, state.StepStatusOf("step_1"))

	// State is persisted before the job is visible to workers.
	require.Equal(t, 1, f.queue.Len())
	job := f.queue.Dequeue()
	assert.Equal(t, agent.ID, job.TeamAgentID)
	assert.Equal(t, "step_0", job.StepID)
	assert.Equal(t, "implement feature", job.StepContext["task"])
	assert.Contains(t, job.Capabilities, "task.create")

	reloaded, err := f.store.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, "step_0", reloaded.CurrentStepID)
}

func TestCompleteStepAdvancesToNext(t *testing.T) {
	f := newExecutorFixture(t, twoStepPlan())
	agent := f.addAgent(t, "engineer", 0)
	ctx := context.Background()

	require.NoError(t, f.exec.Advance(ctx, f.dep.ID, Trigger{Reason: "kickoff"}))
	require.Equal(t, 1, f.queue.Len())
	f.queue.Dequeue()

	require.NoError(t, f.exec.CompleteStep(ctx, f.dep.ID, "step_0", map[string]any{"summary": "done"}))

	state := f.state(t)
	assert.Equal(t, models.StepCompleted, state.StepStatusOf("step_0"))
	assert.Equal(t, models.StepRunning, state.StepStatusOf("step_1"))
	assert.Equal(t, models.PhaseRunning, state.CurrentPhase)
	assert.Equal(t, 1, f.queue.Len())

	reloaded, err := f.store.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentIdle, reloaded.Status)
}

func TestCompleteStepIsIdempotent(t *testing.T) {
	f := newExecutorFixture(t, twoStepPlan())
	f.addAgent(t, "engineer", 0)
	ctx := context.Background()

	require.NoError(t, f.exec.Advance(ctx, f.dep.ID, Trigger{Reason: "kickoff"}))
	require.NoError(t, f.exec.CompleteStep(ctx, f.dep.ID, "step_0", "first"))
	queued := f.queue.Len()

	require.NoError(t, f.exec.CompleteStep(ctx, f.dep.ID, "step_0", "second"))

	state := f.state(t)
	assert.Equal(t, "first", state.Step("step_0").Result)
	assert.Equal(t, queued, f.queue.Len())
}

func TestWorkflowCompletesWhenAllStepsDone(t *testing.T) {
	f := newExecutorFixture(t, twoStepPlan())
	f.addAgent(t, "engineer", 0)
	ctx := context.Background()

	require.NoError(t, f.exec.Advance(ctx, f.dep.ID, Trigger{Reason: "kickoff"}))
	require.NoError(t, f.exec.CompleteStep(ctx, f.dep.ID, "step_0", "a"))
	require.NoError(t, f.exec.CompleteStep(ctx, f.dep.ID, "step_1", "b"))

	state := f.state(t)
	assert.Equal(t, models.PhaseCompleted, state.CurrentPhase)
	assert.NotNil(t, state.CompletedAt)
	assert.True(t, f.sawEvent(events.WorkflowCompleted))
}

func TestDispatchFailsWithoutIdleAgent(t *testing.T) {
	f := newExecutorFixture(t, twoStepPlan())
	ctx := context.Background()

	require.NoError(t, f.exec.Advance(ctx, f.dep.ID, Trigger{Reason: "kickoff"}))

	state := f.state(t)
	step := state.Step("step_0")
	assert.Equal(t, models.StepFailed, step.Status)
	assert.Contains(t, step.Error, "engineer")
	assert.Equal(t, models.PhaseFailed, state.CurrentPhase)
	assert.True(t, f.sawEvent(events.WorkflowFailed))
	assert.Equal(t, 0, f.queue.Len())
}

func TestFailStepRetriesThenEscalatesThenFails(t *testing.T) {
	plan := twoStepPlan()
	plan.Escalation = models.EscalationConfig{Enabled: true, MaxDepth: 1}
	f := newExecutorFixture(t, plan)
	f.addAgent(t, "engineer", 0)
	ctx := context.Background()

	require.NoError(t, f.exec.Advance(ctx, f.dep.ID, Trigger{Reason: "kickoff"}))

	// Two retries stay in the retry budget and redispatch.
	for i := 1; i <= 2; i++ {
		require.NoError(t, f.exec.FailStep(ctx, f.dep.ID, "step_0", "tool crashed"))
		state := f.state(t)
		assert.Equal(t, i, state.Step("step_0").RetryCount)
		assert.Equal(t, models.StepRunning, state.StepStatusOf("step_0"))
		assert.Equal(t, models.PhaseRunning, state.CurrentPhase)
	}

	// Third failure exhausts retries and escalates; the retry budget stays
	// spent.
	require.NoError(t, f.exec.FailStep(ctx, f.dep.ID, "step_0", "tool crashed"))
	state := f.state(t)
	assert.Equal(t, 1, state.Step("step_0").EscalationCount)
	assert.Equal(t, 3, state.Step("step_0").RetryCount)
	assert.Equal(t, models.StepPending, state.StepStatusOf("step_0"))
	assert.True(t, f.sawEvent(events.StepEscalated))

	// Fourth failure exceeds max depth: the step and the workflow fail.
	require.NoError(t, f.exec.FailStep(ctx, f.dep.ID, "step_0", "still broken"))

	state = f.state(t)
	assert.Equal(t, models.StepFailed, state.StepStatusOf("step_0"))
	assert.Equal(t, models.PhaseFailed, state.CurrentPhase)
	assert.True(t, f.sawEvent(events.WorkflowFailed))
}

func TestConsecutiveFailuresBoundedByRetryAndEscalationBudgets(t *testing.T) {
	plan := twoStepPlan()
	plan.Escalation = models.EscalationConfig{Enabled: true, MaxDepth: 2}
	f := newExecutorFixture(t, plan)
	f.addAgent(t, "engineer", 0)
	ctx := context.Background()

	require.NoError(t, f.exec.Advance(ctx, f.dep.ID, Trigger{Reason: "kickoff"}))

	// 2 retries + maxDepth escalations keep the step alive.
	for i := 0; i < 4; i++ {
		require.NoError(t, f.exec.FailStep(ctx, f.dep.ID, "step_0", "flaky tool"))
		assert.NotEqual(t, models.StepFailed, f.state(t).StepStatusOf("step_0"))
	}

	require.NoError(t, f.exec.FailStep(ctx, f.dep.ID, "step_0", "flaky tool"))

	state := f.state(t)
	assert.Equal(t, models.StepFailed, state.StepStatusOf("step_0"))
	assert.Equal(t, 2, state.Step("step_0").EscalationCount)
	assert.Equal(t, models.PhaseFailed, state.CurrentPhase)
	assert.True(t, f.sawEvent(events.UIWorkflowFailed))
}

func TestWaitStepResolvesOnMatchingTrigger(t *testing.T) {
	plan := &models.ExecutionPlan{
		PatternName: "waiter",
		Roles:       []models.Role{{ID: "engineer", MinInstances: 1, MaxInstances: 1}},
		Steps: []models.StepPlan{
			{
				StepID:    "step_0",
				Kind:      models.StepWait,
				Operation: models.Operation{Type: models.OpAwaitEvent, Pattern: "build.done"},
			},
			dispatchStep("step_1", "engineer", "ship it"),
		},
	}
	f := newExecutorFixture(t, plan)
	f.addAgent(t, "engineer", 0)
	ctx := context.Background()

	require.NoError(t, f.exec.Advance(ctx, f.dep.ID, Trigger{Reason: "kickoff"}))
	assert.Equal(t, models.StepWaiting, f.state(t).StepStatusOf("step_0"))

	// An unrelated trigger leaves the step waiting.
	require.NoError(t, f.exec.Advance(ctx, f.dep.ID, Trigger{Reason: "heartbeat"}))
	assert.Equal(t, models.StepWaiting, f.state(t).StepStatusOf("step_0"))

	require.NoError(t, f.exec.Advance(ctx, f.dep.ID, Trigger{
		Reason:  "mcp_event",
		Context: map[string]any{"eventType": "build.done"},
	}))

	state := f.state(t)
	assert.Equal(t, models.StepCompleted, state.StepStatusOf("step_0"))
	result, ok := state.Step("step_0").Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "build.done", result["event"])
	assert.Equal(t, models.StepRunning, state.StepStatusOf("step_1"))
}

func TestParallelContainerCompletesWithChildren(t *testing.T) {
	plan := &models.ExecutionPlan{
		PatternName: "fanout",
		Roles:       []models.Role{{ID: "engineer", MinInstances: 2, MaxInstances: 2}},
		Steps: []models.StepPlan{
			{
				StepID:    "step_0",
				Kind:      models.StepParallel,
				Operation: models.Operation{Type: models.OpNoop},
				Children: []models.StepPlan{
					dispatchStep("step_0_0", "engineer", "frontend"),
					dispatchStep("step_0_1", "engineer", "backend"),
				},
			},
		},
	}
	f := newExecutorFixture(t, plan)
	f.addAgent(t, "engineer", 0)
	f.addAgent(t, "engineer", 1)
	ctx := context.Background()

	require.NoError(t, f.exec.Advance(ctx, f.dep.ID, Trigger{Reason: "kickoff"}))

	state := f.state(t)
	assert.Equal(t, models.StepRunning, state.StepStatusOf("step_0"))
	assert.Equal(t, models.StepRunning, state.StepStatusOf("step_0_0"))
	assert.Equal(t, models.StepRunning, state.StepStatusOf("step_0_1"))
	assert.Equal(t, 2, f.queue.Len())

	require.NoError(t, f.exec.CompleteStep(ctx, f.dep.ID, "step_0_0", "fe done"))
	assert.Equal(t, models.StepRunning, f.state(t).StepStatusOf("step_0"))

	require.NoError(t, f.exec.CompleteStep(ctx, f.dep.ID, "step_0_1", "be done"))
	state = f.state(t)
	assert.Equal(t, models.StepCompleted, state.StepStatusOf("step_0"))
	assert.Equal(t, models.PhaseCompleted, state.CurrentPhase)
}

func TestAggregateDegradesWithoutModel(t *testing.T) {
	plan := &models.ExecutionPlan{
		PatternName: "collect",
		Roles:       []models.Role{{ID: "engineer", MinInstances: 1, MaxInstances: 1}},
		Steps: []models.StepPlan{
			dispatchStep("step_0", "engineer", "research"),
			{
				StepID: "step_1",
				Kind:   models.StepAggregate,
				Operation: models.Operation{
					Type:          models.OpAggregateResults,
					Method:        "merge",
					SourceStepIDs: []string{"step_0"},
				},
			},
		},
	}
	f := newExecutorFixture(t, plan)
	f.addAgent(t, "engineer", 0)
	ctx := context.Background()

	require.NoError(t, f.exec.Advance(ctx, f.dep.ID, Trigger{Reason: "kickoff"}))
	require.NoError(t, f.exec.CompleteStep(ctx, f.dep.ID, "step_0", "findings"))

	state := f.state(t)
	assert.Equal(t, models.StepCompleted, state.StepStatusOf("step_1"))
	result, ok := state.Step("step_1").Result.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, result, "aggregated")
	assert.Contains(t, result["summary"], "1 results")
	assert.Equal(t, models.PhaseCompleted, state.CurrentPhase)
}

func TestConditionTakesThenBranchAndSkipsElse(t *testing.T) {
	plan := &models.ExecutionPlan{
		PatternName: "branching",
		Roles:       []models.Role{{ID: "engineer", MinInstances: 1, MaxInstances: 1}},
		Steps: []models.StepPlan{
			{
				StepID:     "step_0",
				Kind:       models.StepCondition,
				Operation:  models.Operation{Type: models.OpEvaluateCondition, Check: "tests pass"},
				ThenBranch: []models.StepPlan{dispatchStep("step_0_0", "engineer", "merge")},
				ElseBranch: []models.StepPlan{dispatchStep("step_0_1", "engineer", "fix tests")},
			},
		},
	}
	f := newExecutorFixture(t, plan)
	f.addAgent(t, "engineer", 0)
	ctx := context.Background()

	require.NoError(t, f.exec.Advance(ctx, f.dep.ID, Trigger{Reason: "kickoff"}))

	state := f.state(t)
	assert.Equal(t, models.StepCompleted, state.StepStatusOf("step_0"))
	result, ok := state.Step("step_0").Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "then", result["branch"])
	assert.Equal(t, models.StepRunning, state.StepStatusOf("step_0_0"))
	assert.Equal(t, models.StepSkipped, state.StepStatusOf("step_0_1"))
	assert.Equal(t, 1, f.queue.Len())
}

func TestAdvanceIsNoopOutsideRunningPhase(t *testing.T) {
	f := newExecutorFixture(t, twoStepPlan())
	f.addAgent(t, "engineer", 0)
	ctx := context.Background()

	state := f.state(t)
	state.CurrentPhase = models.PhasePaused
	require.NoError(t, f.store.SaveWorkflowState(ctx, f.dep.ID, state))

	require.NoError(t, f.exec.Advance(ctx, f.dep.ID, Trigger{Reason: "kickoff"}))
	assert.Equal(t, 0, f.queue.Len())
	assert.Equal(t, models.StepPending, f.state(t).StepStatusOf("step_0"))
}
