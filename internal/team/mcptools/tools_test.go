package mcptools

import (
	"context"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewdeck/crewdeck/internal/common/logger"
	"github.com/crewdeck/crewdeck/internal/db"
	"github.com/crewdeck/crewdeck/internal/events/bus"
	"github.com/crewdeck/crewdeck/internal/team/messaging"
	"github.com/crewdeck/crewdeck/internal/team/models"
	"github.com/crewdeck/crewdeck/internal/team/session"
	"github.com/crewdeck/crewdeck/internal/team/store"
)

type fakeSessions struct {
	alive map[string]bool
	sent  map[string][]string
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{alive: make(map[string]bool), sent: make(map[string][]string)}
}

func (f *fakeSessions) Spawn(_ context.Context, agent *models.Agent, _ *models.Deployment, _ session.SpawnOptions) (string, error) {
	id := agent.Role + "-session"
	f.alive[id] = true
	return id, nil
}

func (f *fakeSessions) IsAlive(sessionID string) bool { return f.alive[sessionID] }

func (f *fakeSessions) Send(sessionID, text string) error {
	f.sent[sessionID] = append(f.sent[sessionID], text)
	return nil
}

type fakeCompleter struct {
	deploymentID string
	stepID       string
	result       any
	calls        int
}

func (f *fakeCompleter) CompleteStep(_ context.Context, deploymentID, stepID string, result any) error {
	f.deploymentID = deploymentID
	f.stepID = stepID
	f.result = result
	f.calls++
	return nil
}

type toolsFixture struct {
	deps     Deps
	log      *logger.Logger
	workflow *fakeCompleter
	store    *store.Store
	dep      *models.Deployment
	lead     *models.Agent
	engineer *models.Agent
}

func newToolsFixture(t *testing.T) *toolsFixture {
	t.Helper()
	pool, err := db.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	st, err := store.New(pool, log, store.Options{})
	require.NoError(t, err)

	ctx := context.Background()
	dep := &models.Deployment{
		WorkspaceID:  "ws1",
		SpaceID:      "space1",
		TemplateName: "dev-team",
		Status:       models.DeploymentActive,
	}
	require.NoError(t, st.CreateDeployment(ctx, dep))

	plan := &models.ExecutionPlan{
		PatternName: "dev-team",
		Roles: []models.Role{
			{ID: "lead", MinInstances: 1, MaxInstances: 1},
			{ID: "engineer", ReportsTo: "lead", MinInstances: 1, MaxInstances: 1},
		},
	}
	require.NoError(t, st.UpdateDeploymentPlan(ctx, dep.ID, nil, plan))

	mkAgent := func(role, reportsTo string) *models.Agent {
		agent := &models.Agent{
			DeploymentID:     dep.ID,
			WorkspaceID:      dep.WorkspaceID,
			UserID:           "user-" + role,
			Role:             role,
			AgentType:        "claude-code",
			ReportsToAgentID: reportsTo,
			Status:           models.AgentIdle,
		}
		require.NoError(t, st.CreateAgent(ctx, agent))
		return agent
	}
	lead := mkAgent("lead", "")
	engineer := mkAgent("engineer", lead.ID)

	messenger := messaging.NewService(st, newFakeSessions(), bus.NewMemoryEventBus(log), log)
	workflow := &fakeCompleter{}
	return &toolsFixture{
		deps:     Deps{Store: st, Messaging: messenger, Workflow: workflow},
		log:      log,
		workflow: workflow,
		store:    st,
		dep:      dep,
		lead:     lead,
		engineer: engineer,
	}
}

func callReq(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content")
	return text.Text
}

func TestSendMessageTool(t *testing.T) {
	f := newToolsFixture(t)
	handler := sendMessageHandler(f.deps, f.log)

	result, err := handler(context.Background(), callReq(map[string]any{
		"agent_id": f.lead.ID,
		"to":       "engineer",
		"message":  "start on the parser",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	msgs, err := f.store.ListMessages(context.Background(), f.dep.ID, f.engineer.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "start on the parser", msgs[0].Message)
	assert.Equal(t, f.lead.ID, msgs[0].FromAgentID)
}

func TestSendMessageToolRejectsUnknownAgent(t *testing.T) {
	f := newToolsFixture(t)
	handler := sendMessageHandler(f.deps, f.log)

	result, err := handler(context.Background(), callReq(map[string]any{
		"agent_id": "nope",
		"to":       "engineer",
		"message":  "hello",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "nope")
}

func TestReadMessagesTool(t *testing.T) {
	f := newToolsFixture(t)
	ctx := context.Background()

	_, err := f.deps.Messaging.SendMessage(ctx, f.dep.ID, models.SystemSender, f.engineer.ID, "kickoff note")
	require.NoError(t, err)

	handler := readMessagesHandler(f.deps, f.log)
	result, err := handler(ctx, callReq(map[string]any{"agent_id": f.engineer.ID}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "kickoff note")

	// Empty inbox reads as a plain notice, not an error.
	result, err = handler(ctx, callReq(map[string]any{"agent_id": f.lead.ID}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, "No messages.", resultText(t, result))
}

func TestTeamRosterTool(t *testing.T) {
	f := newToolsFixture(t)
	handler := teamRosterHandler(f.deps, f.log)

	result, err := handler(context.Background(), callReq(map[string]any{"agent_id": f.engineer.ID}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, `"role": "lead"`)
	assert.Contains(t, text, `"role": "engineer"`)
}

func TestReportProgressTool(t *testing.T) {
	f := newToolsFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.UpdateAgentStep(ctx, f.engineer.ID, "step_1"))

	handler := reportProgressHandler(f.deps, f.log)
	result, err := handler(ctx, callReq(map[string]any{
		"agent_id":           f.engineer.ID,
		"summary":            "wired up the parser",
		"actions_executed":   float64(7),
		"errors_encountered": float64(1),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	logs, err := f.store.ListRunLogs(ctx, f.dep.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "wired up the parser", logs[0].Summary)
	assert.Equal(t, "step_1", logs[0].StepID)
	assert.Equal(t, 7, logs[0].ActionsExecuted)

	reloaded, err := f.store.GetAgent(ctx, f.engineer.ID)
	require.NoError(t, err)
	assert.Equal(t, "wired up the parser", reloaded.LastRunSummary)
	assert.Equal(t, 7, reloaded.TotalActions)
	assert.Equal(t, 1, reloaded.TotalErrors)
}

func TestCompleteStepTool(t *testing.T) {
	f := newToolsFixture(t)
	ctx := context.Background()
	handler := completeStepHandler(f.deps, f.log)

	// No step assigned yet.
	result, err := handler(ctx, callReq(map[string]any{"agent_id": f.engineer.ID}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Zero(t, f.workflow.calls)

	require.NoError(t, f.store.UpdateAgentStep(ctx, f.engineer.ID, "step_1"))
	result, err = handler(ctx, callReq(map[string]any{
		"agent_id": f.engineer.ID,
		"result":   "parser merged",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))
	assert.Equal(t, 1, f.workflow.calls)
	assert.Equal(t, f.dep.ID, f.workflow.deploymentID)
	assert.Equal(t, "step_1", f.workflow.stepID)
	assert.Equal(t, "parser merged", f.workflow.result)
}
