// Package anomaly watches session events and keeps deployments healthy:
// run-log observation, blocking prompt handling, stall sweeps, auth flows,
// and failure propagation into the workflow.
package anomaly

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crewdeck/crewdeck/internal/common/logger"
	"github.com/crewdeck/crewdeck/internal/events"
	"github.com/crewdeck/crewdeck/internal/events/bus"
	"github.com/crewdeck/crewdeck/internal/team/executor"
	"github.com/crewdeck/crewdeck/internal/team/llm"
	"github.com/crewdeck/crewdeck/internal/team/models"
	"github.com/crewdeck/crewdeck/internal/team/session"
	"github.com/crewdeck/crewdeck/internal/team/store"
)

// Config tunes the coordinator's timers.
type Config struct {
	SweepInterval    time.Duration // stall sweep cadence
	AuthPollInterval time.Duration // login monitor poll
	AuthTimeout      time.Duration // give up on a login flow
}

func (c *Config) applyDefaults() {
	if c.SweepInterval <= 0 {
		c.SweepInterval = 20 * time.Second
	}
	if c.AuthPollInterval <= 0 {
		c.AuthPollInterval = 5 * time.Second
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 5 * time.Minute
	}
}

// WorkflowDriver is the slice of the executor the coordinator drives.
type WorkflowDriver interface {
	Advance(ctx context.Context, deploymentID string, trigger executor.Trigger) error
	CompleteStep(ctx context.Context, deploymentID, stepID string, result any) error
	FailStep(ctx context.Context, deploymentID, stepID, stepErr string) error
}

// SessionControl is the slice of the session manager the coordinator uses.
type SessionControl interface {
	Spawn(ctx context.Context, agent *models.Agent, deployment *models.Deployment, opts session.SpawnOptions) (string, error)
	Stop(ctx context.Context, sessionID, reason string) error
	Send(sessionID, text string) error
	SendKeys(sessionID, keyName string) error
	IsAlive(sessionID string) bool
	OutputTail(sessionID string, n int) (string, error)
	ForceClassifySession(ctx context.Context, sessionID string) (string, error)
}

// MessageDeliverer flushes queued messages at safe points. It reports how
// many messages reached the agent so prompt handling can short-circuit.
type MessageDeliverer interface {
	DeliverPending(ctx context.Context, deploymentID, agentID string) (int, error)
}

// Coordinator is the anomaly handler for all live deployments.
type Coordinator struct {
	cfg       Config
	store     *store.Store
	sessions  SessionControl
	workflow  WorkflowDriver
	messenger MessageDeliverer
	llm       llm.Client
	bus       bus.EventBus
	log       *logger.Logger

	// One prompt escalation per session at a time.
	inflightMu sync.Mutex
	inflight   map[string]bool

	// One auth flow per deployment and agent type.
	authMu    sync.Mutex
	authFlows map[string]*authFlow

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	subs     []bus.Subscription
}

// NewCoordinator builds the coordinator.
func NewCoordinator(cfg Config, st *store.Store, sessions SessionControl, workflow WorkflowDriver, messenger MessageDeliverer, llmClient llm.Client, eventBus bus.EventBus, log *logger.Logger) *Coordinator {
	cfg.applyDefaults()
	return &Coordinator{
		cfg:       cfg,
		store:     st,
		sessions:  sessions,
		workflow:  workflow,
		messenger: messenger,
		llm:       llmClient,
		bus:       eventBus,
		log:       log.WithFields(zap.String("component", "anomaly-coordinator")),
		inflight:  make(map[string]bool),
		authFlows: make(map[string]*authFlow),
		stopCh:    make(chan struct{}),
	}
}

// Start subscribes to session events and launches the stall sweep.
func (c *Coordinator) Start(ctx context.Context) error {
	handlers := map[string]bus.EventHandler{
		events.SessionToolRunning:     c.handleToolRunning,
		events.SessionToolInterrupted: c.handleToolInterrupted,
		events.SessionBlockingPrompt:  c.handleBlockingPrompt,
		events.SessionLoginRequired:   c.handleLoginRequired,
		events.SessionStallClassified: c.handleStallClassified,
		events.SessionTaskComplete:    c.handleTaskComplete,
		events.SessionAgentStopped:    c.handleAgentStopped,
		events.SessionAgentError:      c.handleAgentError,
	}
	for base, handler := range handlers {
		sub, err := c.bus.Subscribe(events.BuildSessionWildcard(base), handler)
		if err != nil {
			return err
		}
		c.subs = append(c.subs, sub)
	}

	// Completed logins redispatch the work that was parked on the errored
	// agents.
	sub, err := c.bus.Subscribe(events.TeamAuthCompleted, c.handleAuthCompleted)
	if err != nil {
		return err
	}
	c.subs = append(c.subs, sub)

	c.wg.Add(1)
	go c.sweepLoop(ctx)
	c.log.Info("anomaly coordinator started",
		zap.Duration("sweep_interval", c.cfg.SweepInterval))
	return nil
}

// Stop unsubscribes and waits for in-flight work.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.wg.Wait()
}

// sweepLoop periodically classifies the output of every running agent so
// completions and stalls that produced no event still get noticed.
func (c *Coordinator) sweepLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepOnce(ctx)
		}
	}
}

func (c *Coordinator) sweepOnce(ctx context.Context) {
	deployments, err := c.store.ListLiveDeployments(ctx)
	if err != nil {
		c.log.Warn("sweep failed to list deployments", zap.Error(err))
		return
	}
	for _, dep := range deployments {
		agents, err := c.store.ListAgents(ctx, dep.ID)
		if err != nil {
			c.log.Warn("sweep failed to list agents",
				zap.String("deployment_id", dep.ID), zap.Error(err))
			continue
		}
		for _, agent := range agents {
			if agent.Status != models.AgentRunning || agent.CurrentStepID == "" {
				continue
			}
			if agent.RuntimeSessionID == "" || !c.sessions.IsAlive(agent.RuntimeSessionID) {
				// The process died without an event; release the agent so
				// its step does not stay running forever.
				c.releaseStoppedAgent(ctx, dep, agent, "agent session died mid-step")
				continue
			}
			if _, err := c.sessions.ForceClassifySession(ctx, agent.RuntimeSessionID); err != nil {
				c.log.Debug("sweep classification failed",
					zap.String("agent_id", agent.ID), zap.Error(err))
			}
		}
	}
}

// agentFromEvent resolves the agent and deployment an event belongs to.
func (c *Coordinator) agentFromEvent(ctx context.Context, event *bus.Event) (*models.Agent, *models.Deployment, bool) {
	agentID := event.String("agent_id")
	deploymentID := event.String("deployment_id")
	if agentID == "" || deploymentID == "" {
		return nil, nil, false
	}
	agent, err := c.store.GetAgent(ctx, agentID)
	if err != nil {
		c.log.Debug("event for unknown agent", zap.String("agent_id", agentID), zap.Error(err))
		return nil, nil, false
	}
	dep, err := c.store.GetDeploymentAny(ctx, deploymentID)
	if err != nil {
		c.log.Debug("event for unknown deployment", zap.String("deployment_id", deploymentID), zap.Error(err))
		return nil, nil, false
	}
	return agent, dep, true
}

// publishTeam emits an enriched team.* event and its UI twin.
func (c *Coordinator) publishTeam(teamType, uiType string, dep *models.Deployment, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["deployment_id"] = dep.ID
	data["workspace_id"] = dep.WorkspaceID
	data["space_id"] = dep.SpaceID

	for _, eventType := range []string{teamType, uiType} {
		if eventType == "" {
			continue
		}
		event := bus.NewEvent(eventType, "anomaly-coordinator", data)
		if err := c.bus.Publish(context.Background(), eventType, event); err != nil {
			c.log.Warn("failed to publish team event", zap.String("type", eventType), zap.Error(err))
		}
	}
}
