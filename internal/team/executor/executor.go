// Package executor owns the workflow state machine: advancing deployments,
// dispatching compiled steps to agents, and handling completion, retry and
// escalation.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crewdeck/crewdeck/internal/common/logger"
	"github.com/crewdeck/crewdeck/internal/events"
	"github.com/crewdeck/crewdeck/internal/events/bus"
	"github.com/crewdeck/crewdeck/internal/team/llm"
	"github.com/crewdeck/crewdeck/internal/team/models"
	"github.com/crewdeck/crewdeck/internal/team/queue"
	"github.com/crewdeck/crewdeck/internal/team/registry"
	"github.com/crewdeck/crewdeck/internal/team/store"
)

const (
	maxOptimisticRetries = 3
	maxStepRetries       = 2
	defaultEscalationMax = 3
)

// Trigger describes why advance was called.
type Trigger struct {
	Reason  string
	Context map[string]any
}

// Executor drives deployment workflows.
type Executor struct {
	store *store.Store
	queue *queue.JobQueue
	llm   llm.Client
	bus   bus.EventBus
	log   *logger.Logger
}

// New builds an executor.
func New(st *store.Store, q *queue.JobQueue, llmClient llm.Client, eventBus bus.EventBus, log *logger.Logger) *Executor {
	return &Executor{
		store: st,
		queue: q,
		llm:   llmClient,
		bus:   eventBus,
		log:   log.WithFields(zap.String("component", "workflow-executor")),
	}
}

// Advance runs one advance cycle for a deployment.
func (e *Executor) Advance(ctx context.Context, deploymentID string, trigger Trigger) error {
	return e.withOptimisticRetry(ctx, deploymentID, func() error {
		return e.advanceOnce(ctx, deploymentID, trigger)
	})
}

// CompleteStep marks a step completed and continues the workflow. Idempotent.
func (e *Executor) CompleteStep(ctx context.Context, deploymentID, stepID string, result any) error {
	return e.withOptimisticRetry(ctx, deploymentID, func() error {
		return e.completeStepOnce(ctx, deploymentID, stepID, result)
	})
}

// FailStep applies the retry, escalation, failure ladder to a step.
func (e *Executor) FailStep(ctx context.Context, deploymentID, stepID, stepErr string) error {
	return e.withOptimisticRetry(ctx, deploymentID, func() error {
		return e.failStepOnce(ctx, deploymentID, stepID, stepErr)
	})
}

// withOptimisticRetry re-runs the body from scratch when the state write
// raced a concurrent writer.
func (e *Executor) withOptimisticRetry(ctx context.Context, deploymentID string, body func() error) error {
	var err error
	for attempt := 0; attempt < maxOptimisticRetries; attempt++ {
		if err = body(); !errors.Is(err, store.ErrOptimisticLock) {
			return err
		}
		e.log.Debug("workflow state conflict, retrying",
			zap.String("deployment_id", deploymentID), zap.Int("attempt", attempt+1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return err
}

func (e *Executor) advanceOnce(ctx context.Context, deploymentID string, trigger Trigger) error {
	dep, err := e.store.GetDeploymentAny(ctx, deploymentID)
	if err != nil {
		return err
	}
	if dep.Status != models.DeploymentActive || dep.Plan == nil {
		return nil
	}
	state, err := e.store.GetWorkflowState(ctx, deploymentID)
	if err != nil {
		return err
	}
	if state.CurrentPhase != models.PhaseRunning {
		return nil
	}
	plan := dep.Plan

	// Resolve the trigger against waiting steps first.
	if resolved := e.resolveWaitingStep(plan, state, trigger); resolved != "" {
		e.completeParents(plan, state, resolved)
	}

	// Top-level steps run sequentially regardless of authoring intent.
	for i := range plan.Steps {
		step := &plan.Steps[i]
		if state.StepStatusOf(step.StepID) == models.StepCompleted {
			continue
		}
		if err := e.dispatchIfReady(ctx, dep, plan, state, step); err != nil {
			return err
		}
		if state.StepStatusOf(step.StepID) != models.StepCompleted {
			break
		}
	}

	now := time.Now().UTC()
	state.LastAdvancedAt = &now
	state.CoordinatorInvocations++
	done := state.CurrentPhase == models.PhaseRunning && workflowDone(plan, state)
	if done {
		state.CurrentPhase = models.PhaseCompleted
		state.CompletedAt = &now
	}
	if err := e.store.SaveWorkflowState(ctx, deploymentID, state); err != nil {
		return err
	}

	e.publishWorkflow(events.WorkflowUpdated, dep, map[string]any{
		"phase":   string(state.CurrentPhase),
		"trigger": trigger.Reason,
	})
	if done {
		e.publishWorkflow(events.WorkflowCompleted, dep, nil)
	}
	if state.AnyStepFailed() {
		e.publishWorkflow(events.WorkflowFailed, dep, map[string]any{"phase": string(state.CurrentPhase)})
	}
	return nil
}

// workflowDone reports whether every top-level step finished and nothing is
// still in flight anywhere in the plan. Detached branch steps keep the
// workflow open while they run.
func workflowDone(plan *models.ExecutionPlan, state *models.WorkflowState) bool {
	if !allCompleted(state, plan.Steps) {
		return false
	}
	for _, st := range state.StepStates {
		if st.Status == models.StepRunning || st.Status == models.StepWaiting {
			return false
		}
	}
	return true
}

// resolveWaitingStep completes the first waiting step whose await pattern
// matches the trigger's event name. Returns the resolved step ID, or "".
func (e *Executor) resolveWaitingStep(plan *models.ExecutionPlan, state *models.WorkflowState, trigger Trigger) string {
	eventName := resolveTriggerEvent(trigger)
	if eventName == "" {
		return ""
	}
	var resolved string
	plan.WalkSteps(func(step *models.StepPlan) bool {
		if step.Operation.Type != models.OpAwaitEvent {
			return true
		}
		if state.StepStatusOf(step.StepID) != models.StepWaiting {
			return true
		}
		if !patternMatches(step.Operation.Pattern, eventName) {
			return true
		}
		st := state.Step(step.StepID)
		now := time.Now().UTC()
		st.Status = models.StepCompleted
		st.CompletedAt = &now
		st.Result = map[string]any{"event": eventName, "context": trigger.Context}
		resolved = step.StepID
		return false
	})
	return resolved
}

// resolveTriggerEvent normalizes a trigger to an event name.
func resolveTriggerEvent(trigger Trigger) string {
	switch trigger.Reason {
	case "mcp_event":
		if et, ok := trigger.Context["eventType"].(string); ok {
			return et
		}
		return trigger.Reason
	case "coding_swarm_completed":
		return "coding_swarm.completed"
	default:
		return trigger.Reason
	}
}

// patternMatches accepts exact, "*" wildcard, and substring either way.
func patternMatches(pattern, event string) bool {
	if pattern == "" || event == "" {
		return false
	}
	if pattern == "*" || pattern == event {
		return true
	}
	return strings.Contains(event, pattern) || strings.Contains(pattern, event)
}

// dispatchIfReady moves a step forward one round. Leaf operations dispatch
// only from pending; containers are re-driven while running.
func (e *Executor) dispatchIfReady(ctx context.Context, dep *models.Deployment, plan *models.ExecutionPlan, state *models.WorkflowState, step *models.StepPlan) error {
	st := state.Step(step.StepID)
	switch st.Status {
	case models.StepCompleted, models.StepFailed, models.StepSkipped, models.StepWaiting:
		return nil
	case models.StepRunning:
		if step.Operation.Type != models.OpNoop {
			return nil
		}
	}

	switch step.Operation.Type {
	case models.OpDispatchAgentLoop:
		return e.dispatchAgentLoop(ctx, dep, state, step, step.Operation.Role, step.Operation.Task)

	case models.OpInvokeCoordinator:
		return e.dispatchCoordinator(ctx, dep, state, step)

	case models.OpAwaitEvent:
		st.Status = models.StepWaiting
		now := time.Now().UTC()
		st.StartedAt = &now
		return nil

	case models.OpAggregateResults:
		return e.dispatchAggregate(ctx, dep, plan, state, step)

	case models.OpEvaluateCondition:
		return e.dispatchCondition(ctx, dep, plan, state, step)

	case models.OpNoop:
		return e.dispatchContainer(ctx, dep, plan, state, step)

	default:
		return fmt.Errorf("unknown operation type %q for step %s", step.Operation.Type, step.StepID)
	}
}

// dispatchAgentLoop selects an idle agent for the role and enqueues the job.
// State is persisted before enqueuing: a fast worker may complete before a
// post-enqueue save would land.
func (e *Executor) dispatchAgentLoop(ctx context.Context, dep *models.Deployment, state *models.WorkflowState, step *models.StepPlan, role, task string) error {
	agents, err := e.store.ListAgents(ctx, dep.ID)
	if err != nil {
		return err
	}
	var selected *models.Agent
	for _, agent := range agents {
		if agent.Role == role && agent.Status == models.AgentIdle && agent.CurrentStepID == "" && agent.UserID != "" {
			selected = agent
			break
		}
	}
	if selected == nil {
		return e.failDispatch(ctx, dep, state, step,
			fmt.Sprintf("no idle agent available for role %q", role))
	}
	return e.enqueueLoop(ctx, dep, state, step, selected, step.Name, task)
}

// dispatchCoordinator routes the step to the lead agent.
func (e *Executor) dispatchCoordinator(ctx context.Context, dep *models.Deployment, state *models.WorkflowState, step *models.StepPlan) error {
	agents, err := e.store.ListAgents(ctx, dep.ID)
	if err != nil {
		return err
	}
	var lead *models.Agent
	for _, agent := range agents {
		if agent.IsLead() && agent.Status == models.AgentIdle && agent.CurrentStepID == "" && agent.UserID != "" {
			lead = agent
			break
		}
	}
	if lead == nil {
		return e.failDispatch(ctx, dep, state, step, "no idle lead agent available")
	}
	return e.enqueueLoop(ctx, dep, state, step, lead, "coordinator", step.Operation.Reason)
}

func (e *Executor) enqueueLoop(ctx context.Context, dep *models.Deployment, state *models.WorkflowState, step *models.StepPlan, agent *models.Agent, name, task string) error {
	if err := e.store.UpdateAgentStep(ctx, agent.ID, step.StepID); err != nil {
		return err
	}

	st := state.Step(step.StepID)
	now := time.Now().UTC()
	st.Status = models.StepRunning
	st.AssignedAgentID = agent.ID
	st.StartedAt = &now

	if err := e.store.SaveWorkflowState(ctx, dep.ID, state); err != nil {
		return err
	}

	job := &queue.AgentLoopJob{
		ID:                 uuid.New().String(),
		TeamAgentID:        agent.ID,
		DeploymentID:       dep.ID,
		WorkspaceID:        dep.WorkspaceID,
		SpaceID:            dep.SpaceID,
		Role:               agent.Role,
		SystemPrompt:       agent.SystemPrompt,
		Capabilities:       registry.EnsurePersistence(agent.Capabilities),
		StepID:             step.StepID,
		StepContext:        map[string]string{"name": name, "task": task},
		TargetTaskID:       dep.TargetTaskID(),
		TargetExperimentID: dep.TargetExperimentID(),
	}
	if err := e.queue.Enqueue(job); err != nil {
		e.log.Warn("failed to enqueue agent loop job",
			zap.String("deployment_id", dep.ID),
			zap.String("step_id", step.StepID),
			zap.Error(err))
		return nil
	}

	e.publishWorkflow(events.AgentLoopDispatch, dep, map[string]any{
		"team_agent_id": agent.ID,
		"step_id":       step.StepID,
		"role":          agent.Role,
	})
	return nil
}

// failDispatch marks a step failed because no agent could take it and flips
// the phase.
func (e *Executor) failDispatch(ctx context.Context, dep *models.Deployment, state *models.WorkflowState, step *models.StepPlan, reason string) error {
	st := state.Step(step.StepID)
	now := time.Now().UTC()
	st.Status = models.StepFailed
	st.Error = reason
	st.CompletedAt = &now
	state.CurrentPhase = models.PhaseFailed
	e.log.Warn("step dispatch failed",
		zap.String("deployment_id", dep.ID),
		zap.String("step_id", step.StepID),
		zap.String("reason", reason))
	return nil
}

// dispatchAggregate collects source results and asks the model to combine
// them. Without a model key it degrades to the raw source list.
func (e *Executor) dispatchAggregate(ctx context.Context, dep *models.Deployment, plan *models.ExecutionPlan, state *models.WorkflowState, step *models.StepPlan) error {
	sources := make([]map[string]any, 0, len(step.Operation.SourceStepIDs))
	for _, src := range step.Operation.SourceStepIDs {
		if state.StepStatusOf(src) != models.StepCompleted {
			return nil
		}
		sources = append(sources, map[string]any{
			"step_id": src,
			"result":  state.Step(src).Result,
		})
	}

	st := state.Step(step.StepID)
	now := time.Now().UTC()
	st.Status = models.StepRunning
	st.StartedAt = &now

	result, err := e.aggregate(ctx, step.Operation.Method, sources)
	if err != nil {
		st.Status = models.StepFailed
		st.Error = fmt.Sprintf("aggregation failed: %v", err)
		return nil
	}
	e.markCompleted(plan, state, step.StepID, result)
	return nil
}

func (e *Executor) aggregate(ctx context.Context, method string, sources []map[string]any) (any, error) {
	raw, err := jsonMarshal(sources)
	if err != nil {
		return nil, err
	}
	prompt := fmt.Sprintf("Aggregate these step results using %q.\nResults:\n%s\nRespond with JSON {\"aggregated\": ..., \"summary\": \"...\"} only.", method, raw)
	text, err := e.llm.Generate(ctx, "You combine results from multiple agents into one.", prompt)
	if errors.Is(err, llm.ErrUnavailable) {
		// Degraded but successful: pass the raw sources through.
		return map[string]any{
			"aggregated": sources,
			"summary":    fmt.Sprintf("aggregated %d results (%s)", len(sources), method),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	var parsed map[string]any
	if jsonErr := jsonUnmarshal(extractJSON(text), &parsed); jsonErr != nil {
		return map[string]any{"aggregated": text, "summary": text}, nil
	}
	return parsed, nil
}

// dispatchCondition asks the model which branch to take, records the verdict
// and dispatches the chosen branch. The other branch is skipped.
func (e *Executor) dispatchCondition(ctx context.Context, dep *models.Deployment, plan *models.ExecutionPlan, state *models.WorkflowState, step *models.StepPlan) error {
	st := state.Step(step.StepID)
	now := time.Now().UTC()
	st.Status = models.StepRunning
	st.StartedAt = &now

	branch := e.evaluateCondition(ctx, step.Operation.Check, state)
	e.markCompleted(plan, state, step.StepID, map[string]any{"branch": branch})

	chosen, other := step.ThenBranch, step.ElseBranch
	if branch == "else" {
		chosen, other = step.ElseBranch, step.ThenBranch
	}
	markSkipped(state, other)
	for i := range chosen {
		if err := e.dispatchIfReady(ctx, dep, plan, state, &chosen[i]); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) evaluateCondition(ctx context.Context, check string, state *models.WorkflowState) string {
	raw, err := jsonMarshal(state.StepStates)
	if err != nil {
		raw = "{}"
	}
	prompt := fmt.Sprintf("Condition: %s\nCurrent step states:\n%s\nDoes the condition hold?", check, raw)
	branch, err := e.llm.Classify(ctx, "You evaluate workflow conditions. Answer 'then' when the condition holds, 'else' otherwise.", prompt, []string{"then", "else"})
	if err != nil {
		return "then"
	}
	return branch
}

func markSkipped(state *models.WorkflowState, steps []models.StepPlan) {
	for i := range steps {
		st := state.Step(steps[i].StepID)
		if st.Status == models.StepPending {
			st.Status = models.StepSkipped
		}
		markSkipped(state, steps[i].Children)
		markSkipped(state, steps[i].ThenBranch)
		markSkipped(state, steps[i].ElseBranch)
	}
}

// dispatchContainer drives parallel and sequential containers.
func (e *Executor) dispatchContainer(ctx context.Context, dep *models.Deployment, plan *models.ExecutionPlan, state *models.WorkflowState, step *models.StepPlan) error {
	st := state.Step(step.StepID)
	if st.Status == models.StepPending {
		now := time.Now().UTC()
		st.Status = models.StepRunning
		st.StartedAt = &now
	}
	if len(step.Children) == 0 {
		e.markCompleted(plan, state, step.StepID, nil)
		return nil
	}

	if step.Kind == models.StepParallel {
		for i := range step.Children {
			if state.StepStatusOf(step.Children[i].StepID) == models.StepCompleted {
				continue
			}
			if err := e.dispatchIfReady(ctx, dep, plan, state, &step.Children[i]); err != nil {
				return err
			}
		}
	} else {
		for i := range step.Children {
			if state.StepStatusOf(step.Children[i].StepID) == models.StepCompleted {
				continue
			}
			if err := e.dispatchIfReady(ctx, dep, plan, state, &step.Children[i]); err != nil {
				return err
			}
			break
		}
	}

	if allCompleted(state, step.Children) {
		e.markCompleted(plan, state, step.StepID, nil)
	}
	return nil
}

func allCompleted(state *models.WorkflowState, steps []models.StepPlan) bool {
	for i := range steps {
		switch state.StepStatusOf(steps[i].StepID) {
		case models.StepCompleted, models.StepSkipped:
		default:
			return false
		}
	}
	return true
}

// markCompleted records completion and runs the parent-completion rule.
func (e *Executor) markCompleted(plan *models.ExecutionPlan, state *models.WorkflowState, stepID string, result any) {
	st := state.Step(stepID)
	if st.Status == models.StepCompleted {
		return
	}
	now := time.Now().UTC()
	st.Status = models.StepCompleted
	st.CompletedAt = &now
	if result != nil {
		st.Result = result
	}
	e.completeParents(plan, state, stepID)
}

// completeParents walks up the container chain completing parents whose
// completion condition now holds.
func (e *Executor) completeParents(plan *models.ExecutionPlan, state *models.WorkflowState, stepID string) {
	parent := findParent(plan.Steps, stepID)
	for parent != nil {
		if state.StepStatusOf(parent.StepID) == models.StepCompleted {
			return
		}
		if !allCompleted(state, parent.Children) {
			return
		}
		st := state.Step(parent.StepID)
		now := time.Now().UTC()
		st.Status = models.StepCompleted
		st.CompletedAt = &now
		parent = findParent(plan.Steps, parent.StepID)
	}
}

// findParent locates the container whose children include stepID.
func findParent(steps []models.StepPlan, stepID string) *models.StepPlan {
	for i := range steps {
		for j := range steps[i].Children {
			if steps[i].Children[j].StepID == stepID {
				return &steps[i]
			}
		}
		for _, nested := range [][]models.StepPlan{steps[i].Children, steps[i].ThenBranch, steps[i].ElseBranch} {
			if found := findParent(nested, stepID); found != nil {
				return found
			}
		}
	}
	return nil
}

func (e *Executor) completeStepOnce(ctx context.Context, deploymentID, stepID string, result any) error {
	dep, err := e.store.GetDeploymentAny(ctx, deploymentID)
	if err != nil {
		return err
	}
	if dep.Plan == nil {
		return fmt.Errorf("deployment %s has no execution plan", deploymentID)
	}
	state, err := e.store.GetWorkflowState(ctx, deploymentID)
	if err != nil {
		return err
	}

	st := state.Step(stepID)
	if st.Status == models.StepCompleted {
		return nil
	}
	assignedAgent := st.AssignedAgentID
	e.markCompleted(dep.Plan, state, stepID, result)

	allDone := workflowDone(dep.Plan, state)
	if allDone {
		state.CurrentPhase = models.PhaseCompleted
		now := time.Now().UTC()
		state.CompletedAt = &now
	}
	if err := e.store.SaveWorkflowState(ctx, deploymentID, state); err != nil {
		return err
	}

	// Free the agent for the next dispatch.
	if assignedAgent != "" {
		if err := e.store.UpdateAgentStep(ctx, assignedAgent, ""); err != nil && !errors.Is(err, store.ErrNotFound) {
			e.log.Debug("failed to clear agent step", zap.String("agent_id", assignedAgent), zap.Error(err))
		}
		if err := e.store.UpdateAgentStatus(ctx, assignedAgent, models.AgentIdle); err != nil && !errors.Is(err, store.ErrNotFound) {
			e.log.Debug("failed to idle agent", zap.String("agent_id", assignedAgent), zap.Error(err))
		}
	}

	if allDone {
		e.publishWorkflow(events.WorkflowCompleted, dep, map[string]any{"step_id": stepID})
		return nil
	}
	return e.Advance(ctx, deploymentID, Trigger{Reason: "step_completed"})
}

func (e *Executor) failStepOnce(ctx context.Context, deploymentID, stepID, stepErr string) error {
	dep, err := e.store.GetDeploymentAny(ctx, deploymentID)
	if err != nil {
		return err
	}
	if dep.Plan == nil {
		return fmt.Errorf("deployment %s has no execution plan", deploymentID)
	}
	state, err := e.store.GetWorkflowState(ctx, deploymentID)
	if err != nil {
		return err
	}

	st := state.Step(stepID)
	st.Error = stepErr
	if st.AssignedAgentID != "" {
		// Free the agent so a retry can rebind it.
		if err := e.store.UpdateAgentStep(ctx, st.AssignedAgentID, ""); err != nil && !errors.Is(err, store.ErrNotFound) {
			e.log.Debug("failed to clear agent step", zap.String("agent_id", st.AssignedAgentID), zap.Error(err))
		}
		st.AssignedAgentID = ""
	}
	st.RetryCount++

	if st.RetryCount <= maxStepRetries {
		st.Status = models.StepPending
		if err := e.store.SaveWorkflowState(ctx, deploymentID, state); err != nil {
			return err
		}
		e.log.Info("retrying failed step",
			zap.String("deployment_id", deploymentID),
			zap.String("step_id", stepID),
			zap.Int("retry_count", st.RetryCount))
		return e.Advance(ctx, deploymentID, Trigger{Reason: "step_retry"})
	}

	if dep.Plan.Escalation.Enabled {
		maxDepth := dep.Plan.Escalation.MaxDepth
		if maxDepth <= 0 {
			maxDepth = defaultEscalationMax
		}
		// The retry budget stays spent: each further failure consumes one
		// escalation until maxDepth is exhausted.
		if st.EscalationCount < maxDepth {
			st.EscalationCount++
			st.Status = models.StepPending
			if err := e.store.SaveWorkflowState(ctx, deploymentID, state); err != nil {
				return err
			}
			e.publishWorkflow(events.StepEscalated, dep, map[string]any{
				"step_id":          stepID,
				"escalation_count": st.EscalationCount,
				"error":            stepErr,
			})
			return nil
		}
	}

	now := time.Now().UTC()
	st.Status = models.StepFailed
	st.CompletedAt = &now
	state.CurrentPhase = models.PhaseFailed
	if err := e.store.SaveWorkflowState(ctx, deploymentID, state); err != nil {
		return err
	}
	e.publishWorkflow(events.WorkflowFailed, dep, map[string]any{"step_id": stepID, "error": stepErr})
	e.publishWorkflow(events.WorkflowUpdated, dep, map[string]any{"phase": string(models.PhaseFailed)})
	return nil
}

// uiMirrors maps internal workflow subjects to their push-gateway twins.
var uiMirrors = map[string]string{
	events.WorkflowUpdated:   events.UIWorkflowUpdated,
	events.WorkflowCompleted: events.UIWorkflowCompleted,
	events.WorkflowFailed:    events.UIWorkflowFailed,
}

func (e *Executor) publishWorkflow(eventType string, dep *models.Deployment, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["deployment_id"] = dep.ID
	data["workspace_id"] = dep.WorkspaceID
	data["space_id"] = dep.SpaceID

	subjects := []string{eventType}
	if mirror, ok := uiMirrors[eventType]; ok {
		subjects = append(subjects, mirror)
	}
	for _, subject := range subjects {
		event := bus.NewEvent(subject, "workflow-executor", data)
		if err := e.bus.Publish(context.Background(), subject, event); err != nil {
			e.log.Warn("failed to publish workflow event", zap.String("type", subject), zap.Error(err))
		}
	}
}
