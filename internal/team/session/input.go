package session

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// keyCodes maps key names to their terminal byte sequences.
var keyCodes = map[string]string{
	"enter":  "\r",
	"escape": "\x1b",
	"tab":    "\t",
	"space":  " ",
	"up":     "\x1b[A",
	"down":   "\x1b[B",
	"right":  "\x1b[C",
	"left":   "\x1b[D",
	"ctrl+c": "\x03",
}

// Send writes a user-role message to the session's stdin, followed by a
// carriage return. Writes on the same session are FIFO.
func (m *Manager) Send(sessionID, text string) error {
	sess, ok := m.Get(sessionID)
	if !ok {
		return fmt.Errorf("session not found: %s", sessionID)
	}
	return m.write(sess, text+"\r")
}

// SendRaw writes bytes to stdin without appending a newline.
func (m *Manager) SendRaw(sessionID, data string) error {
	sess, ok := m.Get(sessionID)
	if !ok {
		return fmt.Errorf("session not found: %s", sessionID)
	}
	return m.write(sess, data)
}

// SendKeys writes a synthetic keystroke.
func (m *Manager) SendKeys(sessionID, keyName string) error {
	code, ok := keyCodes[keyName]
	if !ok {
		return fmt.Errorf("unknown key: %s", keyName)
	}
	return m.SendRaw(sessionID, code)
}

func (m *Manager) write(sess *Session, data string) error {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()

	select {
	case <-sess.waitDone:
		return fmt.Errorf("session %s has exited", sess.ID)
	default:
	}
	if _, err := sess.ptmx.Write([]byte(data)); err != nil {
		return fmt.Errorf("failed to write to session %s: %w", sess.ID, err)
	}
	return nil
}

// DispatchTask sends a task prompt and verifies the agent picked it up: the
// output buffer must grow by a minimum number of lines within the verify
// delay. On failure it retries twice with a synthetic enter in between, then
// logs a warning. TUI redraw cycles can swallow the first write.
func (m *Manager) DispatchTask(ctx context.Context, sessionID, prompt string) error {
	sess, ok := m.Get(sessionID)
	if !ok {
		return fmt.Errorf("session not found: %s", sessionID)
	}

	before := sess.buffer.LineCount()
	sess.taskComplete.Store(false)
	if err := m.Send(sessionID, prompt); err != nil {
		return err
	}
	sess.dispatched.Store(true)

	for attempt := 0; attempt <= 2; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.cfg.DispatchVerifyDelay):
		}
		growth := sess.buffer.LineCount() - before
		if growth >= m.cfg.DispatchMinGrowthLines {
			m.log.Debug("dispatch verified",
				zap.String("session_id", sessionID),
				zap.Int("growth_lines", growth),
				zap.Int("attempt", attempt))
			return nil
		}
		if attempt < 2 {
			m.log.Debug("dispatch not confirmed, nudging with enter",
				zap.String("session_id", sessionID),
				zap.Int("growth_lines", growth),
				zap.Int("attempt", attempt))
			_ = m.SendKeys(sessionID, "enter")
		}
	}

	m.log.Warn("dispatch verification failed, input may have been swallowed",
		zap.String("session_id", sessionID),
		zap.String("agent_id", sess.AgentID),
		zap.Int("min_growth_lines", m.cfg.DispatchMinGrowthLines))
	return nil
}
