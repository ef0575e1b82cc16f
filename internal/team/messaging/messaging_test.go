package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewdeck/crewdeck/internal/common/logger"
	"github.com/crewdeck/crewdeck/internal/db"
	"github.com/crewdeck/crewdeck/internal/events/bus"
	"github.com/crewdeck/crewdeck/internal/team/models"
	"github.com/crewdeck/crewdeck/internal/team/session"
	"github.com/crewdeck/crewdeck/internal/team/store"
)

// fakeSessions records writes instead of driving a real PTY.
type fakeSessions struct {
	alive     map[string]bool
	sent      map[string][]string
	spawned   []string
	spawnErr  error
	nextID    int
	sendErr   error
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{alive: make(map[string]bool), sent: make(map[string][]string)}
}

func (f *fakeSessions) Spawn(_ context.Context, agent *models.Agent, _ *models.Deployment, _ session.SpawnOptions) (string, error) {
	if f.spawnErr != nil {
		return "", f.spawnErr
	}
	f.nextID++
	id := agent.Role + "-session"
	f.alive[id] = true
	f.spawned = append(f.spawned, agent.ID)
	return id, nil
}

func (f *fakeSessions) IsAlive(sessionID string) bool { return f.alive[sessionID] }

func (f *fakeSessions) Send(sessionID, text string) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent[sessionID] = append(f.sent[sessionID], text)
	return nil
}

type messagingFixture struct {
	svc      *Service
	store    *store.Store
	sessions *fakeSessions
	dep      *models.Deployment
	lead     *models.Agent
	engineer *models.Agent
	reviewer *models.Agent
}

func newMessagingFixture(t *testing.T) *messagingFixture {
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
			{ID: "engineer", ReportsTo: "lead", MinInstances: 1, MaxInstances: 2},
			{ID: "reviewer", ReportsTo: "lead", MinInstances: 1, MaxInstances: 1},
		},
		Routing: []models.RoutingRule{{FromRole: "engineer", ToRole: "reviewer"}},
	}
	require.NoError(t, st.UpdateDeploymentPlan(ctx, dep.ID, nil, plan))
	dep, err = st.GetDeploymentAny(ctx, dep.ID)
	require.NoError(t, err)

	mkAgent := func(role string, instance int, reportsTo string) *models.Agent {
		agent := &models.Agent{
			DeploymentID:     dep.ID,
			WorkspaceID:      dep.WorkspaceID,
			UserID:           "user-" + role,
			Role:             role,
			InstanceNumber:   instance,
			AgentType:        "claude-code",
			ReportsToAgentID: reportsTo,
			Status:           models.AgentIdle,
		}
		require.NoError(t, st.CreateAgent(ctx, agent))
		return agent
	}
	lead := mkAgent("lead", 0, "")
	engineer := mkAgent("engineer", 0, lead.ID)
	reviewer := mkAgent("reviewer", 0, lead.ID)

	sessions := newFakeSessions()
	svc := NewService(st, sessions, bus.NewMemoryEventBus(log), log)
	return &messagingFixture{
		svc: svc, store: st, sessions: sessions,
		dep: dep, lead: lead, engineer: engineer, reviewer: reviewer,
	}
}

func TestSendMessageAlongHierarchy(t *testing.T) {
	f := newMessagingFixture(t)
	ctx := context.Background()

	// Down the chain: lead to engineer.
	msg, err := f.svc.SendMessage(ctx, f.dep.ID, f.lead.ID, f.engineer.ID, "start on the parser")
	require.NoError(t, err)
	assert.Equal(t, "lead", msg.FromRole)
	assert.Equal(t, f.engineer.ID, msg.ToAgentID)

	// Up the chain: engineer to lead.
	_, err = f.svc.SendMessage(ctx, f.dep.ID, f.engineer.ID, f.lead.ID, "parser done")
	require.NoError(t, err)
}

func TestSendMessageExplicitRoutingRule(t *testing.T) {
	f := newMessagingFixture(t)
	ctx := context.Background()

	// engineer -> reviewer is a sibling edge allowed only by the rule.
	_, err := f.svc.SendMessage(ctx, f.dep.ID, f.engineer.ID, f.reviewer.ID, "please review")
	require.NoError(t, err)

	// The rule is one-way: reviewer -> engineer has no edge.
	_, err = f.svc.SendMessage(ctx, f.dep.ID, f.reviewer.ID, f.engineer.ID, "looks good")
	assert.ErrorIs(t, err, ErrRoutingDenied)
}

func TestSendMessageSystemBypassesRouting(t *testing.T) {
	f := newMessagingFixture(t)

	msg, err := f.svc.SendMessage(context.Background(), f.dep.ID, models.SystemSender, f.reviewer.ID, "kickoff")
	require.NoError(t, err)
	assert.Equal(t, models.SystemSender, msg.FromAgentID)
	assert.Equal(t, models.SystemSender, msg.FromRole)
}

func TestSendMessageResolvesRoleToLowestInstance(t *testing.T) {
	f := newMessagingFixture(t)
	ctx := context.Background()

	second := &models.Agent{
		DeploymentID:     f.dep.ID,
		WorkspaceID:      f.dep.WorkspaceID,
		UserID:           "user-engineer-1",
		Role:             "engineer",
		InstanceNumber:   1,
		AgentType:        "claude-code",
		ReportsToAgentID: f.lead.ID,
		Status:           models.AgentIdle,
	}
	require.NoError(t, f.store.CreateAgent(ctx, second))

	msg, err := f.svc.SendMessage(ctx, f.dep.ID, f.lead.ID, "engineer", "role addressed")
	require.NoError(t, err)
	assert.Equal(t, f.engineer.ID, msg.ToAgentID)

	_, err = f.svc.SendMessage(ctx, f.dep.ID, f.lead.ID, "nonexistent-role", "nope")
	assert.ErrorIs(t, err, ErrTargetNotFound)
}

func TestDeliverySpawnsIdleRecipient(t *testing.T) {
	f := newMessagingFixture(t)
	ctx := context.Background()

	_, err := f.svc.SendMessage(ctx, f.dep.ID, f.lead.ID, f.engineer.ID, "first")
	require.NoError(t, err)

	require.Contains(t, f.sessions.spawned, f.engineer.ID)
	writes := f.sessions.sent["engineer-session"]
	require.Len(t, writes, 1)
	assert.Equal(t, "[Message from lead]: first", writes[0])

	pending, err := f.store.ListUndeliveredMessages(ctx, f.dep.ID, f.engineer.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)

	reloaded, err := f.store.GetAgent(ctx, f.engineer.ID)
	require.NoError(t, err)
	assert.Equal(t, "engineer-session", reloaded.RuntimeSessionID)
}

func TestDeliveryDefersWhileRecipientBusy(t *testing.T) {
	f := newMessagingFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.UpdateAgentStatus(ctx, f.engineer.ID, models.AgentRunning))

	_, err := f.svc.SendMessage(ctx, f.dep.ID, f.lead.ID, f.engineer.ID, "queued one")
	require.NoError(t, err)
	_, err = f.svc.SendMessage(ctx, f.dep.ID, f.lead.ID, f.engineer.ID, "queued two")
	require.NoError(t, err)

	// Nothing spawned, nothing written; both messages remain queued.
	assert.Empty(t, f.sessions.spawned)
	pending, err := f.store.ListUndeliveredMessages(ctx, f.dep.ID, f.engineer.ID)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "queued one", pending[0].Message)

	// A later safe point flushes the batch in order as one block.
	require.NoError(t, f.store.UpdateAgentStatus(ctx, f.engineer.ID, models.AgentIdle))
	delivered, err := f.svc.DeliverPending(ctx, f.dep.ID, f.engineer.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, delivered)

	writes := f.sessions.sent["engineer-session"]
	require.Len(t, writes, 1)
	assert.Equal(t, "[Message from lead]: queued one\n\n[Message from lead]: queued two", writes[0])
}

func TestReadMessagesMarksRead(t *testing.T) {
	f := newMessagingFixture(t)
	ctx := context.Background()

	_, err := f.svc.SendMessage(ctx, f.dep.ID, models.SystemSender, f.engineer.ID, "note")
	require.NoError(t, err)

	msgs, err := f.svc.ReadMessages(ctx, f.dep.ID, f.engineer.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	msgs, err = f.store.ListMessages(ctx, f.dep.ID, f.engineer.ID, 10)
	require.NoError(t, err)
	assert.True(t, msgs[0].ReadByRecipient)
	assert.True(t, msgs[0].Delivered)
}

func TestSendMessageRejectsTornDownDeployment(t *testing.T) {
	f := newMessagingFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.UpdateDeploymentStatus(ctx, f.dep.ID, models.DeploymentTornDown))

	_, err := f.svc.SendMessage(ctx, f.dep.ID, f.lead.ID, f.engineer.ID, "too late")
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrRoutingDenied))
}

func TestGetTeamRoster(t *testing.T) {
	f := newMessagingFixture(t)

	roster, err := f.svc.GetTeamRoster(context.Background(), f.dep.ID, models.SystemSender)
	require.NoError(t, err)
	require.Len(t, roster, 3)

	byRole := make(map[string]RosterEntry)
	for _, entry := range roster {
		byRole[entry.Role] = entry
	}
	assert.True(t, byRole["lead"].IsLead)
	assert.False(t, byRole["engineer"].IsLead)
	assert.Equal(t, f.lead.ID, byRole["engineer"].ReportsTo)
	assert.Equal(t, "idle", byRole["reviewer"].Status)

	// The system viewpoint reaches everyone.
	for role, entry := range byRole {
		assert.True(t, entry.CanMessage, role)
	}
}

func TestGetTeamRosterCanMessageMatchesRouting(t *testing.T) {
	f := newMessagingFixture(t)
	ctx := context.Background()

	roster, err := f.svc.GetTeamRoster(ctx, f.dep.ID, f.engineer.ID)
	require.NoError(t, err)

	byRole := make(map[string]RosterEntry)
	for _, entry := range roster {
		byRole[entry.Role] = entry
	}
	// Up the chain and through the explicit rule, but never to itself.
	assert.True(t, byRole["lead"].CanMessage)
	assert.True(t, byRole["reviewer"].CanMessage)
	assert.False(t, byRole["engineer"].CanMessage)

	// The reviewer has no rule back to the engineer.
	roster, err = f.svc.GetTeamRoster(ctx, f.dep.ID, f.reviewer.ID)
	require.NoError(t, err)
	for _, entry := range roster {
		if entry.Role == "engineer" {
			assert.False(t, entry.CanMessage)
		}
		if entry.Role == "lead" {
			assert.True(t, entry.CanMessage)
		}
	}
}
