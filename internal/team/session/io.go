package session

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/crewdeck/crewdeck/internal/events"
)

// readLoop drains the PTY into the ring buffer and the virtual terminal, and
// runs detection on a debounce interval.
func (m *Manager) readLoop(sess *Session) {
	buf := make([]byte, 32768)
	for {
		select {
		case <-sess.stopSignal:
			return
		default:
		}

		n, err := sess.ptmx.Read(buf)
		if n > 0 {
			data := buf[:n]
			sess.buffer.append(data)
			sess.lastOutput.Store(time.Now().UnixNano())

			sess.termMu.Lock()
			_, _ = sess.term.Write(data)
			sess.termMu.Unlock()

			m.maybeDetect(sess)
		}
		if err != nil {
			// EOF or closed PTY; wait() handles the exit.
			return
		}
	}
}

// wait reaps the subprocess and emits agent_stopped.
func (m *Manager) wait(sess *Session) {
	err := sess.cmd.Wait()
	close(sess.waitDone)

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(interface{ ExitCode() int }); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	reason, _ := sess.stopReason.Load().(string)
	if reason == "" {
		reason = "exited"
	}
	loginDetected := detectLoginRequired(sess.buffer.Tail(4096))

	m.log.Info("session process exited",
		zap.String("session_id", sess.ID),
		zap.String("agent_id", sess.AgentID),
		zap.Int("exit_code", exitCode),
		zap.String("reason", reason),
		zap.Bool("login_detected", loginDetected))

	m.publish(events.SessionAgentStopped, sess.ID, map[string]any{
		"agent_id":       sess.AgentID,
		"deployment_id":  sess.DeploymentID,
		"workspace_id":   sess.WorkspaceID,
		"reason":         reason,
		"exit_code":      exitCode,
		"login_detected": loginDetected,
	})

	if reason == "exited" && exitCode != 0 && !loginDetected {
		m.publish(events.SessionAgentError, sess.ID, map[string]any{
			"agent_id":      sess.AgentID,
			"deployment_id": sess.DeploymentID,
			"workspace_id":  sess.WorkspaceID,
			"error":         fmt.Sprintf("process exited with code %d", exitCode),
		})
	}

	m.remove(sess.ID)
}

// maybeDetect runs the TUI detectors, debounced to the detect interval.
func (m *Manager) maybeDetect(sess *Session) {
	sess.detectMu.Lock()
	if time.Since(sess.lastDetect) < detectInterval {
		sess.detectMu.Unlock()
		return
	}
	sess.lastDetect = time.Now()
	sess.detectMu.Unlock()

	lines := m.terminalLines(sess)
	tail := sess.buffer.Tail(4096)

	// Completion marker beats everything once a task has been dispatched.
	if sess.dispatched.Load() && !sess.taskComplete.Load() {
		if result, ok := detectTaskComplete(tail); ok {
			sess.taskComplete.Store(true)
			m.publish(events.SessionTaskComplete, sess.ID, map[string]any{
				"agent_id":      sess.AgentID,
				"deployment_id": sess.DeploymentID,
				"workspace_id":  sess.WorkspaceID,
				"result":        result,
			})
			return
		}
	}

	if tool := detectToolRunning(lines); tool != nil {
		sig := tool.ToolName
		if sig != sess.lastToolSig {
			sess.lastToolSig = sig
			m.publish(events.SessionToolRunning, sess.ID, map[string]any{
				"agent_id":      sess.AgentID,
				"deployment_id": sess.DeploymentID,
				"workspace_id":  sess.WorkspaceID,
				"info": map[string]any{
					"tool_name":   tool.ToolName,
					"description": tool.Description,
				},
				"auto_interrupt_enabled": false,
			})
		}
		return
	}
	sess.lastToolSig = ""

	if detectLoginRequired(tail) {
		sig := "login"
		if sig != sess.lastPromptSig {
			sess.lastPromptSig = sig
			m.publish(events.SessionLoginRequired, sess.ID, map[string]any{
				"agent_id":      sess.AgentID,
				"deployment_id": sess.DeploymentID,
				"workspace_id":  sess.WorkspaceID,
				"url":           extractLoginURL(tail),
				"instructions":  "authenticate the agent CLI, then the flow resumes automatically",
			})
		}
		return
	}

	if prompt := detectBlockingPrompt(lines); prompt != nil {
		sig := prompt.Type + "|" + prompt.Prompt
		if sig != sess.lastPromptSig {
			sess.lastPromptSig = sig
			// First-run config/permission/trust prompts before any dispatch
			// are auto-answered so spawn can settle.
			if isStartupPrompt(prompt.Type) && !sess.dispatched.Load() {
				m.autoRespond(sess, prompt)
			}
			m.publish(events.SessionBlockingPrompt, sess.ID, map[string]any{
				"agent_id":      sess.AgentID,
				"deployment_id": sess.DeploymentID,
				"workspace_id":  sess.WorkspaceID,
				"prompt_info": map[string]any{
					"type":               prompt.Type,
					"prompt":             prompt.Prompt,
					"options":            prompt.Options,
					"suggested_response": prompt.SuggestedResponse,
				},
			})
		}
		return
	}
	sess.lastPromptSig = ""
}

// autoRespond answers a startup prompt with its suggested response.
func (m *Manager) autoRespond(sess *Session, prompt *PromptInfo) {
	m.log.Debug("auto-responding to startup prompt",
		zap.String("session_id", sess.ID),
		zap.String("type", prompt.Type),
		zap.String("response", prompt.SuggestedResponse))
	if prompt.SuggestedResponse == "enter" || prompt.SuggestedResponse == "" {
		_ = m.SendKeys(sess.ID, "enter")
		return
	}
	_ = m.Send(sess.ID, prompt.SuggestedResponse)
}

// terminalLines snapshots the visible terminal content.
func (m *Manager) terminalLines(sess *Session) []string {
	sess.termMu.Lock()
	defer sess.termMu.Unlock()

	lines := make([]string, defaultRows)
	for row := 0; row < defaultRows; row++ {
		var b strings.Builder
		for col := 0; col < defaultCols; col++ {
			g := sess.term.Cell(col, row)
			if g.Char == 0 {
				b.WriteRune(' ')
			} else {
				b.WriteRune(g.Char)
			}
		}
		lines[row] = b.String()
	}
	return lines
}
