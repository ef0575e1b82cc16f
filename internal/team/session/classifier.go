package session

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/crewdeck/crewdeck/internal/events"
)

// Stall classification labels. still_working is the safe default and must be
// first so the no-key client and the timeout path both resolve to it.
const (
	ClassStillWorking    = "still_working"
	ClassTaskComplete    = "task_complete"
	ClassWaitingForInput = "waiting_for_input"
	ClassBlocked         = "blocked"
	ClassCrashed         = "crashed"
)

var classifyLabels = []string{
	ClassStillWorking, ClassTaskComplete, ClassWaitingForInput, ClassBlocked, ClassCrashed,
}

const (
	classifyTailBytes   = 2048
	classifyDedupWindow = 10 * time.Second
)

const classifySystemPrompt = `You monitor terminal output of a CLI coding agent.
Decide what state the agent is in from the tail of its output.
still_working: actively producing output or running a tool.
task_complete: the assigned task has finished.
waiting_for_input: the agent is at a prompt expecting user text.
blocked: a confirmation or menu is blocking progress.
crashed: the process printed a fatal error or stack trace.`

// ForceClassifySession classifies the current output tail of a session.
// Results are deduplicated for a short window keyed by the md5 of the tail,
// and the LLM call is bounded by a hard timeout that defaults to
// still_working.
func (m *Manager) ForceClassifySession(ctx context.Context, sessionID string) (string, error) {
	sess, ok := m.Get(sessionID)
	if !ok {
		return "", fmt.Errorf("session not found: %s", sessionID)
	}

	tail := sess.buffer.Tail(classifyTailBytes)
	sum := md5.Sum([]byte(tail))
	sig := hex.EncodeToString(sum[:])

	sess.classifyMu.Lock()
	if sig == sess.lastClassSig && time.Since(sess.lastClassAt) < classifyDedupWindow {
		cached := sess.lastClass
		sess.classifyMu.Unlock()
		return cached, nil
	}
	sess.classifyMu.Unlock()

	classification := m.classify(ctx, sess, tail)

	sess.classifyMu.Lock()
	sess.lastClassSig = sig
	sess.lastClassAt = time.Now()
	sess.lastClass = classification
	sess.classifyMu.Unlock()

	m.publish(events.SessionStallClassified, sessionID, map[string]any{
		"agent_id":       sess.AgentID,
		"deployment_id":  sess.DeploymentID,
		"workspace_id":   sess.WorkspaceID,
		"classification": classification,
	})

	// The sweep relies on classification to catch completions whose marker
	// was garbled by TUI redraws.
	if classification == ClassTaskComplete && sess.dispatched.Load() && !sess.taskComplete.Load() {
		sess.taskComplete.Store(true)
		result, _ := detectTaskComplete(tail)
		m.publish(events.SessionTaskComplete, sessionID, map[string]any{
			"agent_id":      sess.AgentID,
			"deployment_id": sess.DeploymentID,
			"workspace_id":  sess.WorkspaceID,
			"result":        result,
		})
	}
	return classification, nil
}

func (m *Manager) classify(ctx context.Context, sess *Session, tail string) string {
	cctx, cancel := context.WithTimeout(ctx, m.cfg.ClassifyTimeout)
	defer cancel()

	label, err := m.llm.Classify(cctx, classifySystemPrompt, stripANSI(tail), classifyLabels)
	if err != nil {
		m.log.Debug("stall classification failed, defaulting to still_working",
			zap.String("session_id", sess.ID), zap.Error(err))
		return ClassStillWorking
	}
	return label
}
