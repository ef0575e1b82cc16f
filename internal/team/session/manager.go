// Package session manages PTY-backed agent subprocesses: spawn, stdin
// writes, ring-buffered output capture, readiness and dispatch verification,
// and anomaly detection feeding the event bus.
package session

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tuzig/vt10x"
	"go.uber.org/zap"

	"github.com/crewdeck/crewdeck/internal/common/logger"
	"github.com/crewdeck/crewdeck/internal/events"
	"github.com/crewdeck/crewdeck/internal/events/bus"
	"github.com/crewdeck/crewdeck/internal/team/llm"
	"github.com/crewdeck/crewdeck/internal/team/models"
	"github.com/crewdeck/crewdeck/internal/team/registry"
)

const (
	defaultCols = 120
	defaultRows = 40

	bufferMaxBytes = 512 * 1024
	detectInterval = 500 * time.Millisecond
)

// Config tunes session lifecycle timing.
type Config struct {
	ScratchBaseDir         string
	DefaultAgentType       string
	GeminiModel            string
	ReadySettle            time.Duration // quiescence window for readiness
	ReadyTimeout           time.Duration // total readiness budget
	DispatchVerifyDelay    time.Duration
	DispatchMinGrowthLines int
	StopGrace              time.Duration
	ClassifyTimeout        time.Duration
}

func (c *Config) applyDefaults() {
	if c.ScratchBaseDir == "" {
		c.ScratchBaseDir = "data/team-scratch"
	}
	if c.DefaultAgentType == "" {
		c.DefaultAgentType = "claude-code"
	}
	if c.ReadySettle <= 0 {
		c.ReadySettle = 2 * time.Second
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 30 * time.Second
	}
	if c.DispatchVerifyDelay <= 0 {
		c.DispatchVerifyDelay = 5 * time.Second
	}
	if c.DispatchMinGrowthLines <= 0 {
		c.DispatchMinGrowthLines = 15
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 2 * time.Second
	}
	if c.ClassifyTimeout <= 0 {
		c.ClassifyTimeout = 5 * time.Second
	}
}

// Session is one live PTY-backed subprocess.
type Session struct {
	ID           string
	AgentID      string
	DeploymentID string
	WorkspaceID  string
	AgentType    string
	Workdir      string
	Interactive  bool // auth/REPL session, no task dispatch

	cmd    *exec.Cmd
	ptmx   *os.File
	buffer *ringBuffer

	term   vt10x.Terminal
	termMu sync.Mutex

	writeMu sync.Mutex // serializes stdin writes

	lastOutput   atomic.Int64 // unix nanos of last PTY read
	dispatched   atomic.Bool  // a task prompt has been sent
	taskComplete atomic.Bool  // completion marker already emitted

	lastToolSig   string
	lastPromptSig string
	detectMu      sync.Mutex
	lastDetect    time.Time

	classifyMu   sync.Mutex
	lastClassSig string
	lastClassAt  time.Time
	lastClass    string

	stopOnce   sync.Once
	stopSignal chan struct{}
	waitDone   chan struct{}
	stopReason atomic.Value // string
}

// Manager owns every live session.
type Manager struct {
	cfg Config
	bus bus.EventBus
	llm llm.Client
	log *logger.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager builds a session manager.
func NewManager(cfg Config, eventBus bus.EventBus, llmClient llm.Client, log *logger.Logger) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:      cfg,
		bus:      eventBus,
		llm:      llmClient,
		log:      log.WithFields(zap.String("component", "session-manager")),
		sessions: make(map[string]*Session),
	}
}

// SpawnOptions tune one spawn call.
type SpawnOptions struct {
	// Interactive spawns a bare REPL session for auth flows; readiness
	// failures are tolerated and no task is expected.
	Interactive bool
}

// Spawn starts an interactive subprocess for the agent and waits for it to
// become ready (no new output for the settle window, bounded by the ready
// timeout). Returns the new session ID.
func (m *Manager) Spawn(ctx context.Context, agent *models.Agent, deployment *models.Deployment, opts SpawnOptions) (string, error) {
	agentType := agent.AgentType
	if agentType == "" {
		agentType = m.cfg.DefaultAgentType
	}
	normalized, err := registry.NormalizeAgentType(agentType)
	if err != nil {
		return "", err
	}

	workdir := agent.Workdir
	if workdir == "" {
		workdir, err = EnsureScratchDir(m.cfg.ScratchBaseDir, deployment.ID, agent.ID)
		if err != nil {
			return "", err
		}
	}

	command, err := commandForAgentType(normalized, m.cfg.GeminiModel)
	if err != nil {
		return "", err
	}

	cmd := exec.Command(command[0], command[1:]...)
	cmd.Dir = workdir
	cmd.Env = sessionEnv(nil)

	ptmx, err := startPTYWithSize(cmd, defaultCols, defaultRows)
	if err != nil {
		return "", fmt.Errorf("failed to start pty for agent type %s: %w", normalized, err)
	}

	sess := &Session{
		ID:           uuid.New().String(),
		AgentID:      agent.ID,
		DeploymentID: deployment.ID,
		WorkspaceID:  deployment.WorkspaceID,
		AgentType:    normalized,
		Workdir:      workdir,
		Interactive:  opts.Interactive,
		cmd:          cmd,
		ptmx:         ptmx,
		buffer:       newRingBuffer(bufferMaxBytes),
		term:         vt10x.New(vt10x.WithSize(defaultCols, defaultRows)),
		stopSignal:   make(chan struct{}),
		waitDone:     make(chan struct{}),
	}
	sess.lastOutput.Store(time.Now().UnixNano())

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	go m.readLoop(sess)
	go m.wait(sess)

	m.log.Info("session spawned",
		zap.String("session_id", sess.ID),
		zap.String("agent_id", agent.ID),
		zap.String("deployment_id", deployment.ID),
		zap.String("agent_type", normalized),
		zap.String("workdir", workdir))

	if err := m.waitReady(ctx, sess); err != nil {
		m.log.Warn("session did not settle within ready timeout, proceeding",
			zap.String("session_id", sess.ID), zap.Error(err))
	}
	return sess.ID, nil
}

// waitReady blocks until no output has arrived for the settle window, or the
// total ready timeout elapses.
func (m *Manager) waitReady(ctx context.Context, sess *Session) error {
	deadline := time.After(m.cfg.ReadyTimeout)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sess.waitDone:
			return fmt.Errorf("session exited during startup")
		case <-deadline:
			return fmt.Errorf("ready timeout after %s", m.cfg.ReadyTimeout)
		case <-ticker.C:
			quiet := time.Since(time.Unix(0, sess.lastOutput.Load()))
			if quiet >= m.cfg.ReadySettle && sess.buffer.TotalBytes() > 0 {
				return nil
			}
		}
	}
}

// Get returns a live session.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[sessionID]
	return sess, ok
}

// OutputBuffer returns the ring-buffered output of a session.
func (m *Manager) OutputBuffer(sessionID string) (string, error) {
	sess, ok := m.Get(sessionID)
	if !ok {
		return "", fmt.Errorf("session not found: %s", sessionID)
	}
	return sess.buffer.String(), nil
}

// OutputLineCount returns the number of buffered output lines.
func (m *Manager) OutputLineCount(sessionID string) (int, error) {
	sess, ok := m.Get(sessionID)
	if !ok {
		return 0, fmt.Errorf("session not found: %s", sessionID)
	}
	return sess.buffer.LineCount(), nil
}

// OutputTail returns the last n bytes of a session's output.
func (m *Manager) OutputTail(sessionID string, n int) (string, error) {
	sess, ok := m.Get(sessionID)
	if !ok {
		return "", fmt.Errorf("session not found: %s", sessionID)
	}
	return sess.buffer.Tail(n), nil
}

// IsAlive reports whether the session exists and its process has not exited.
func (m *Manager) IsAlive(sessionID string) bool {
	sess, ok := m.Get(sessionID)
	if !ok {
		return false
	}
	select {
	case <-sess.waitDone:
		return false
	default:
		return true
	}
}

// Stop gracefully terminates a session: SIGTERM first, force-kill after the
// grace period. The agent_stopped event is emitted by the wait goroutine.
func (m *Manager) Stop(ctx context.Context, sessionID, reason string) error {
	sess, ok := m.Get(sessionID)
	if !ok {
		return fmt.Errorf("session not found: %s", sessionID)
	}
	sess.stopReason.Store(reason)

	sess.stopOnce.Do(func() { close(sess.stopSignal) })

	if sess.cmd != nil && sess.cmd.Process != nil {
		_ = sess.cmd.Process.Signal(stopSignal())
		select {
		case <-sess.waitDone:
		case <-time.After(m.cfg.StopGrace):
			_ = sess.cmd.Process.Kill()
		case <-ctx.Done():
			_ = sess.cmd.Process.Kill()
		}
	}
	_ = sess.ptmx.Close()
	return nil
}

// StopAll stops every live session, best-effort. Used on shutdown and
// teardown.
func (m *Manager) StopAll(ctx context.Context, reason string) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		if err := m.Stop(ctx, id, reason); err != nil {
			m.log.Debug("failed to stop session", zap.String("session_id", id), zap.Error(err))
		}
	}
}

// SessionsForDeployment lists the live session IDs of one deployment.
func (m *Manager) SessionsForDeployment(deploymentID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for id, sess := range m.sessions {
		if sess.DeploymentID == deploymentID {
			out = append(out, id)
		}
	}
	return out
}

func (m *Manager) remove(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}

func (m *Manager) publish(eventType, sessionID string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["session_id"] = sessionID
	event := bus.NewEvent(eventType, "session-manager", data)
	subject := events.BuildSessionSubject(eventType, sessionID)
	if err := m.bus.Publish(context.Background(), subject, event); err != nil {
		m.log.Warn("failed to publish session event",
			zap.String("type", eventType), zap.String("session_id", sessionID), zap.Error(err))
	}
}
