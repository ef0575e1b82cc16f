package anomaly

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewdeck/crewdeck/internal/common/logger"
	"github.com/crewdeck/crewdeck/internal/db"
	"github.com/crewdeck/crewdeck/internal/events"
	"github.com/crewdeck/crewdeck/internal/events/bus"
	"github.com/crewdeck/crewdeck/internal/team/executor"
	"github.com/crewdeck/crewdeck/internal/team/llm"
	"github.com/crewdeck/crewdeck/internal/team/models"
	"github.com/crewdeck/crewdeck/internal/team/session"
	"github.com/crewdeck/crewdeck/internal/team/store"
)

type fakeSessionControl struct {
	mu         sync.Mutex
	alive      map[string]bool
	tails      map[string]string
	sent       map[string][]string
	keys       map[string][]string
	spawnCount int
	stopped    []string
}

func newFakeSessionControl() *fakeSessionControl {
	return &fakeSessionControl{
		alive: make(map[string]bool),
		tails: make(map[string]string),
		sent:  make(map[string][]string),
		keys:  make(map[string][]string),
	}
}

func (f *fakeSessionControl) Spawn(_ context.Context, agent *models.Agent, _ *models.Deployment, _ session.SpawnOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spawnCount++
	id := "spawned-" + agent.ID
	f.alive[id] = true
	return id, nil
}

func (f *fakeSessionControl) Stop(_ context.Context, sessionID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive[sessionID] = false
	f.stopped = append(f.stopped, sessionID)
	return nil
}

func (f *fakeSessionControl) Send(sessionID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[sessionID] = append(f.sent[sessionID], text)
	return nil
}

func (f *fakeSessionControl) SendKeys(sessionID, keyName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[sessionID] = append(f.keys[sessionID], keyName)
	return nil
}

func (f *fakeSessionControl) IsAlive(sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[sessionID]
}

func (f *fakeSessionControl) OutputTail(sessionID string, _ int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tails[sessionID], nil
}

func (f *fakeSessionControl) ForceClassifySession(context.Context, string) (string, error) {
	return session.ClassStillWorking, nil
}

func (f *fakeSessionControl) setTail(sessionID, tail string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tails[sessionID] = tail
}

type workflowCall struct {
	op     string
	stepID string
	detail string
}

type fakeWorkflow struct {
	mu    sync.Mutex
	calls []workflowCall
}

func (f *fakeWorkflow) Advance(_ context.Context, _ string, trigger executor.Trigger) error {
	f.record("advance", "", trigger.Reason)
	return nil
}

func (f *fakeWorkflow) CompleteStep(_ context.Context, _, stepID string, result any) error {
	detail, _ := result.(string)
	f.record("complete", stepID, detail)
	return nil
}

func (f *fakeWorkflow) FailStep(_ context.Context, _, stepID, stepErr string) error {
	f.record("fail", stepID, stepErr)
	return nil
}

func (f *fakeWorkflow) record(op, stepID, detail string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, workflowCall{op: op, stepID: stepID, detail: detail})
}

func (f *fakeWorkflow) find(op string) (workflowCall, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, call := range f.calls {
		if call.op == op {
			return call, true
		}
	}
	return workflowCall{}, false
}

type fakeMessenger struct {
	mu        sync.Mutex
	delivered int
	calls     []string
}

func (f *fakeMessenger) DeliverPending(_ context.Context, _, agentID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, agentID)
	return f.delivered, nil
}

// fakeLLM scripts Generate replies and records the prompts it saw.
type fakeLLM struct {
	mu      sync.Mutex
	reply   string
	systems []string
	prompts []string
}

func (f *fakeLLM) Classify(_ context.Context, _, _ string, labels []string) (string, error) {
	if len(labels) > 0 {
		return labels[0], nil
	}
	return "", nil
}

func (f *fakeLLM) Generate(_ context.Context, system, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.systems = append(f.systems, system)
	f.prompts = append(f.prompts, prompt)
	return f.reply, nil
}

type anomalyFixture struct {
	coord    *Coordinator
	store    *store.Store
	bus      *bus.MemoryEventBus
	sessions *fakeSessionControl
	workflow *fakeWorkflow
	msgs     *fakeMessenger
	dep      *models.Deployment

	mu       sync.Mutex
	observed []string
}

func newAnomalyFixture(t *testing.T) *anomalyFixture {
	t.Helper()
	pool, err := db.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	st, err := store.New(pool, log, store.Options{})
	require.NoError(t, err)

	eventBus := bus.NewMemoryEventBus(log)
	f := &anomalyFixture{
		store:    st,
		bus:      eventBus,
		sessions: newFakeSessionControl(),
		workflow: &fakeWorkflow{},
		msgs:     &fakeMessenger{},
	}
	for _, subject := range []string{
		events.TeamEscalationSurfaced, events.TeamAuthCompleted,
		events.AgentLoopCompleted, events.AgentLoopFailed,
	} {
		_, err = eventBus.Subscribe(subject, func(_ context.Context, ev *bus.Event) error {
			f.mu.Lock()
			f.observed = append(f.observed, ev.Type)
			f.mu.Unlock()
			return nil
		})
		require.NoError(t, err)
	}

	f.coord = NewCoordinator(Config{
		SweepInterval:    time.Hour,
		AuthPollInterval: 10 * time.Millisecond,
		AuthTimeout:      2 * time.Second,
	}, st, f.sessions, f.workflow, f.msgs, llm.NoopClient{}, eventBus, log)
	require.NoError(t, f.coord.Start(context.Background()))
	t.Cleanup(f.coord.Stop)

	ctx := context.Background()
	dep := &models.Deployment{
		WorkspaceID:  "ws1",
		SpaceID:      "space1",
		TemplateName: "dev-team",
		Status:       models.DeploymentActive,
	}
	require.NoError(t, st.CreateDeployment(ctx, dep))
	f.dep = dep
	return f
}

func (f *anomalyFixture) addAgent(t *testing.T, role, stepID, sessionID string, status models.AgentStatus) *models.Agent {
	t.Helper()
	ctx := context.Background()
	agent := &models.Agent{
		DeploymentID:   f.dep.ID,
		WorkspaceID:    f.dep.WorkspaceID,
		UserID:         "user-" + role,
		Role:           role,
		AgentType:      "claude-code",
		Status:         status,
		InstanceNumber: 0,
	}
	require.NoError(t, f.store.CreateAgent(ctx, agent))
	if stepID != "" {
		require.NoError(t, f.store.UpdateAgentStep(ctx, agent.ID, stepID))
		agent.CurrentStepID = stepID
	}
	if sessionID != "" {
		require.NoError(t, f.store.UpdateAgentSessions(ctx, agent.ID, sessionID, ""))
		agent.RuntimeSessionID = sessionID
		f.sessions.alive[sessionID] = true
	}
	return agent
}

func (f *anomalyFixture) publishSession(t *testing.T, eventType, sessionID string, data map[string]any) {
	t.Helper()
	data["session_id"] = sessionID
	event := bus.NewEvent(eventType, "session-manager", data)
	subject := events.BuildSessionSubject(eventType, sessionID)
	require.NoError(t, f.bus.Publish(context.Background(), subject, event))
}

func (f *anomalyFixture) sawEvent(eventType string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.observed {
		if e == eventType {
			return true
		}
	}
	return false
}

func TestTaskCompleteFinishesStep(t *testing.T) {
	f := newAnomalyFixture(t)
	agent := f.addAgent(t, "engineer", "step_2", "sess-1", models.AgentRunning)

	f.publishSession(t, events.SessionTaskComplete, "sess-1", map[string]any{
		"agent_id":      agent.ID,
		"deployment_id": f.dep.ID,
		"result":        "implemented the parser",
	})

	call, ok := f.workflow.find("complete")
	require.True(t, ok)
	assert.Equal(t, "step_2", call.stepID)
	assert.Equal(t, "implemented the parser", call.detail)
	assert.True(t, f.sawEvent(events.AgentLoopCompleted))

	logs, err := f.store.ListRunLogs(context.Background(), f.dep.ID, 10)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Contains(t, logs[0].Summary, "step_2")
}

func TestAgentErrorFailsStepAndAutoPauses(t *testing.T) {
	f := newAnomalyFixture(t)
	a1 := f.addAgent(t, "lead", "step_0", "sess-1", models.AgentRunning)
	a2 := f.addAgent(t, "engineer", "", "", models.AgentIdle)
	ctx := context.Background()

	f.publishSession(t, events.SessionAgentError, "sess-1", map[string]any{
		"agent_id":      a1.ID,
		"deployment_id": f.dep.ID,
		"error":         "process exited with code 1",
	})

	call, ok := f.workflow.find("fail")
	require.True(t, ok)
	assert.Equal(t, "step_0", call.stepID)
	assert.True(t, f.sawEvent(events.AgentLoopFailed))

	// One healthy agent remains: no auto-pause yet.
	dep, err := f.store.GetDeploymentAny(ctx, f.dep.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeploymentActive, dep.Status)

	f.publishSession(t, events.SessionAgentError, "sess-2", map[string]any{
		"agent_id":      a2.ID,
		"deployment_id": f.dep.ID,
		"error":         "spawn failed",
	})

	dep, err = f.store.GetDeploymentAny(ctx, f.dep.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeploymentPaused, dep.Status)
}

func TestBlockingPromptSurfacesWithoutModel(t *testing.T) {
	f := newAnomalyFixture(t)
	agent := f.addAgent(t, "engineer", "step_1", "sess-1", models.AgentRunning)

	f.publishSession(t, events.SessionBlockingPrompt, "sess-1", map[string]any{
		"agent_id":      agent.ID,
		"deployment_id": f.dep.ID,
		"prompt_info": map[string]any{
			"type":   "selection",
			"prompt": "Choose a deployment target",
		},
	})

	// No model key: the prompt goes to the user, after flushing messages.
	assert.True(t, f.sawEvent(events.TeamEscalationSurfaced))
	f.msgs.mu.Lock()
	assert.Contains(t, f.msgs.calls, agent.ID)
	f.msgs.mu.Unlock()
}

func TestBlockingPromptIgnoresStartupPrompts(t *testing.T) {
	f := newAnomalyFixture(t)
	agent := f.addAgent(t, "engineer", "", "sess-1", models.AgentIdle)

	f.publishSession(t, events.SessionBlockingPrompt, "sess-1", map[string]any{
		"agent_id":      agent.ID,
		"deployment_id": f.dep.ID,
		"prompt_info": map[string]any{
			"type":   "trust",
			"prompt": "Do you trust the files in this folder?",
		},
	})

	assert.False(t, f.sawEvent(events.TeamEscalationSurfaced))
	f.msgs.mu.Lock()
	assert.Empty(t, f.msgs.calls)
	f.msgs.mu.Unlock()
}

func TestAuthFlowSingleFlightAndRecovery(t *testing.T) {
	f := newAnomalyFixture(t)
	agent := f.addAgent(t, "engineer", "", "sess-1", models.AgentRunning)
	ctx := context.Background()

	// No success output yet: the flow stays in its polling loop.
	f.sessions.setTail("sess-1", "waiting for browser authentication")

	f.coord.beginAuthFlow(ctx, f.dep, "claude-code", "sess-1", "https://claude.ai/oauth/authorize")
	require.Eventually(t, func() bool {
		return f.coord.AuthFlowActive(f.dep.ID, "claude-code")
	}, time.Second, 5*time.Millisecond)

	// A duplicate registration is dropped.
	f.coord.beginAuthFlow(ctx, f.dep, "claude-code", "sess-1", "https://claude.ai/oauth/authorize")

	// The agent is quiesced while the flow runs.
	require.Eventually(t, func() bool {
		reloaded, err := f.store.GetAgent(ctx, agent.ID)
		return err == nil && reloaded.Status == models.AgentError
	}, time.Second, 5*time.Millisecond)

	f.sessions.setTail("sess-1", "Login successful. Press Enter to continue")

	require.Eventually(t, func() bool {
		return !f.coord.AuthFlowActive(f.dep.ID, "claude-code")
	}, 3*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		reloaded, err := f.store.GetAgent(ctx, agent.ID)
		return err == nil && reloaded.Status == models.AgentIdle
	}, time.Second, 5*time.Millisecond)
	assert.True(t, f.sawEvent(events.TeamAuthCompleted))

	// Recovery drops the dead session pointer and redispatches parked work.
	reloaded, err := f.store.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Empty(t, reloaded.RuntimeSessionID)

	call, ok := f.workflow.find("advance")
	require.True(t, ok)
	assert.Equal(t, "auth_completed", call.detail)
}

func TestStallClassifiedCrashFailsStep(t *testing.T) {
	f := newAnomalyFixture(t)
	agent := f.addAgent(t, "engineer", "step_3", "sess-1", models.AgentRunning)

	f.publishSession(t, events.SessionStallClassified, "sess-1", map[string]any{
		"agent_id":       agent.ID,
		"deployment_id":  f.dep.ID,
		"classification": session.ClassCrashed,
	})

	call, ok := f.workflow.find("fail")
	require.True(t, ok)
	assert.Equal(t, "step_3", call.stepID)
}

func TestAgentStoppedReleasesStep(t *testing.T) {
	f := newAnomalyFixture(t)
	agent := f.addAgent(t, "engineer", "step_0", "sess-1", models.AgentRunning)
	ctx := context.Background()

	f.publishSession(t, events.SessionAgentStopped, "sess-1", map[string]any{
		"agent_id":       agent.ID,
		"deployment_id":  f.dep.ID,
		"login_detected": false,
	})

	call, ok := f.workflow.find("complete")
	require.True(t, ok)
	assert.Equal(t, "step_0", call.stepID)
	assert.True(t, f.sawEvent(events.AgentLoopCompleted))

	reloaded, err := f.store.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Empty(t, reloaded.CurrentStepID)
	assert.Empty(t, reloaded.RuntimeSessionID)
	assert.Equal(t, models.AgentIdle, reloaded.Status)

	logs, err := f.store.ListRunLogs(ctx, f.dep.ID, 10)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Contains(t, logs[0].Summary, "Agent stopped")
}

func TestAgentStoppedIgnoresStaleSession(t *testing.T) {
	f := newAnomalyFixture(t)
	agent := f.addAgent(t, "engineer", "step_0", "sess-new", models.AgentRunning)
	ctx := context.Background()

	f.publishSession(t, events.SessionAgentStopped, "sess-old", map[string]any{
		"agent_id":       agent.ID,
		"deployment_id":  f.dep.ID,
		"login_detected": false,
	})

	_, ok := f.workflow.find("complete")
	assert.False(t, ok)
	reloaded, err := f.store.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, "step_0", reloaded.CurrentStepID)
}

func TestSweepReleasesDeadSessionAgent(t *testing.T) {
	f := newAnomalyFixture(t)
	agent := f.addAgent(t, "engineer", "step_1", "sess-dead", models.AgentRunning)
	ctx := context.Background()
	f.sessions.mu.Lock()
	f.sessions.alive["sess-dead"] = false
	f.sessions.mu.Unlock()

	f.coord.sweepOnce(ctx)

	call, ok := f.workflow.find("complete")
	require.True(t, ok)
	assert.Equal(t, "step_1", call.stepID)

	reloaded, err := f.store.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Empty(t, reloaded.CurrentStepID)
	assert.Equal(t, models.AgentIdle, reloaded.Status)
}

func TestBlockingPromptDeliveredMessagesShortCircuit(t *testing.T) {
	f := newAnomalyFixture(t)
	f.msgs.delivered = 1
	agent := f.addAgent(t, "engineer", "step_1", "sess-1", models.AgentRunning)

	f.publishSession(t, events.SessionBlockingPrompt, "sess-1", map[string]any{
		"agent_id":      agent.ID,
		"deployment_id": f.dep.ID,
		"prompt_info": map[string]any{
			"type":   "selection",
			"prompt": "Choose a deployment target",
		},
	})

	// The queued messages were the missing input: no escalation runs.
	f.msgs.mu.Lock()
	assert.Contains(t, f.msgs.calls, agent.ID)
	f.msgs.mu.Unlock()
	assert.False(t, f.sawEvent(events.TeamEscalationSurfaced))
}

func TestBlockingPromptStartupPromptMidStepEscalates(t *testing.T) {
	f := newAnomalyFixture(t)
	agent := f.addAgent(t, "engineer", "step_2", "sess-1", models.AgentRunning)

	f.publishSession(t, events.SessionBlockingPrompt, "sess-1", map[string]any{
		"agent_id":      agent.ID,
		"deployment_id": f.dep.ID,
		"prompt_info": map[string]any{
			"type":   "trust",
			"prompt": "Do you trust the files in this folder?",
		},
	})

	// Trust prompts are only ignorable before step work starts.
	f.msgs.mu.Lock()
	assert.Contains(t, f.msgs.calls, agent.ID)
	f.msgs.mu.Unlock()
	assert.True(t, f.sawEvent(events.TeamEscalationSurfaced))
}

func TestBlockingPromptLeadAnswersForTeamMember(t *testing.T) {
	f := newAnomalyFixture(t)
	model := &fakeLLM{reply: "2"}
	f.coord.llm = model
	ctx := context.Background()

	lead := f.addAgent(t, "lead", "", "", models.AgentIdle)
	engineer := &models.Agent{
		DeploymentID:     f.dep.ID,
		WorkspaceID:      f.dep.WorkspaceID,
		UserID:           "user-engineer",
		Role:             "engineer",
		AgentType:        "claude-code",
		ReportsToAgentID: lead.ID,
		Status:           models.AgentRunning,
	}
	require.NoError(t, f.store.CreateAgent(ctx, engineer))
	require.NoError(t, f.store.UpdateAgentStep(ctx, engineer.ID, "step_1"))
	require.NoError(t, f.store.UpdateAgentSessions(ctx, engineer.ID, "sess-1", ""))
	f.sessions.mu.Lock()
	f.sessions.alive["sess-1"] = true
	f.sessions.mu.Unlock()
	f.sessions.setTail("sess-1", "Select a target environment [1/2]")

	f.publishSession(t, events.SessionBlockingPrompt, "sess-1", map[string]any{
		"agent_id":      engineer.ID,
		"deployment_id": f.dep.ID,
		"prompt_info": map[string]any{
			"type":    "selection",
			"prompt":  "Select a target environment",
			"options": []any{"staging", "production"},
		},
	})

	f.sessions.mu.Lock()
	sent := f.sessions.sent["sess-1"]
	f.sessions.mu.Unlock()
	require.Len(t, sent, 1)
	assert.Equal(t, "2", sent[0])
	assert.False(t, f.sawEvent(events.TeamEscalationSurfaced))

	model.mu.Lock()
	defer model.mu.Unlock()
	require.Len(t, model.systems, 1)
	assert.Equal(t, coordinatorSystemPrompt, model.systems[0])
	assert.Contains(t, model.prompts[0], "Org chart:")
	assert.Contains(t, model.prompts[0], "Select a target environment")
	assert.Contains(t, model.prompts[0], "[1/2]")
}

func TestBlockingPromptBlockedLeadGoesToMainBrain(t *testing.T) {
	f := newAnomalyFixture(t)
	model := &fakeLLM{reply: "enter"}
	f.coord.llm = model
	lead := f.addAgent(t, "lead", "step_0", "sess-lead", models.AgentRunning)

	f.publishSession(t, events.SessionBlockingPrompt, "sess-lead", map[string]any{
		"agent_id":      lead.ID,
		"deployment_id": f.dep.ID,
		"prompt_info": map[string]any{
			"type":   "confirmation",
			"prompt": "Overwrite the existing branch?",
		},
	})

	f.sessions.mu.Lock()
	keys := f.sessions.keys["sess-lead"]
	f.sessions.mu.Unlock()
	require.Len(t, keys, 1)
	assert.Equal(t, "enter", keys[0])

	model.mu.Lock()
	defer model.mu.Unlock()
	require.Len(t, model.systems, 1)
	assert.Equal(t, mainBrainSystemPrompt, model.systems[0])
}
