package anomaly

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/crewdeck/crewdeck/internal/events"
	"github.com/crewdeck/crewdeck/internal/team/llm"
	"github.com/crewdeck/crewdeck/internal/team/models"
)

// escalationTailChars is how much recent session output rides along in an
// escalation prompt.
const escalationTailChars = 500

const coordinatorSystemPrompt = `You are the lead agent of a team of CLI coding agents. One of
your agents is stuck at an interactive prompt. Use the org chart and the agent's recent output
to decide the response that lets it continue its task safely.
Reply with the exact text to type (or the word "enter" to just press enter).
Reply with exactly SKIP when a human should decide instead, such as anything destructive,
anything involving credentials, or anything you are unsure about.`

const mainBrainSystemPrompt = `You supervise every team in this workspace. The team's lead agent
is itself stuck at an interactive prompt, so nobody below you can unblock it. Use the org chart
and the recent output to decide the response that lets the lead continue safely.
Reply with the exact text to type (or the word "enter" to just press enter).
Reply with exactly SKIP when a human should decide instead, such as anything destructive,
anything involving credentials, or anything you are unsure about.`

// respondToPrompt runs the escalation ladder for a blocked session: the
// deployment lead answers for a blocked team member; a blocked lead goes to
// workspace authority; whatever neither can answer is surfaced to the user.
// Only one escalation per session runs at a time; concurrent prompts from the
// same session are dropped as already handled.
func (c *Coordinator) respondToPrompt(ctx context.Context, dep *models.Deployment, agent *models.Agent, sessionID string, info map[string]any) {
	if sessionID == "" {
		return
	}

	c.inflightMu.Lock()
	if c.inflight[sessionID] {
		c.inflightMu.Unlock()
		c.log.Debug("prompt escalation already in flight",
			zap.String("session_id", sessionID))
		return
	}
	c.inflight[sessionID] = true
	c.inflightMu.Unlock()

	release := func() {
		c.inflightMu.Lock()
		delete(c.inflight, sessionID)
		c.inflightMu.Unlock()
	}

	var response string
	var err error
	if agent.IsLead() {
		response, err = c.mainBrainResponse(ctx, dep, agent, sessionID, info)
	} else {
		response, err = c.coordinatorResponse(ctx, dep, agent, sessionID, info)
	}
	release()

	if err != nil || response == "" || strings.EqualFold(response, "SKIP") {
		c.surfaceToUser(ctx, dep, agent, info, err)
		return
	}

	if response == "enter" {
		err = c.sessions.SendKeys(sessionID, "enter")
	} else {
		err = c.sessions.Send(sessionID, response)
	}
	if err != nil {
		c.log.Warn("failed to answer blocking prompt",
			zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	c.appendRunLog(ctx, dep, agent, fmt.Sprintf("Coordinator answered prompt: %s", response))
}

// coordinatorResponse asks the model to answer on the deployment lead's
// behalf. Without a lead the prompt goes straight to workspace authority.
func (c *Coordinator) coordinatorResponse(ctx context.Context, dep *models.Deployment, agent *models.Agent, sessionID string, info map[string]any) (string, error) {
	if c.leadAgent(ctx, dep.ID) == nil {
		return c.mainBrainResponse(ctx, dep, agent, sessionID, info)
	}
	return c.askModel(ctx, coordinatorSystemPrompt, c.escalationPrompt(ctx, dep, agent, sessionID, info))
}

// mainBrainResponse repeats the pattern at workspace authority, for prompts
// the lead cannot handle because it is the one blocked.
func (c *Coordinator) mainBrainResponse(ctx context.Context, dep *models.Deployment, agent *models.Agent, sessionID string, info map[string]any) (string, error) {
	return c.askModel(ctx, mainBrainSystemPrompt, c.escalationPrompt(ctx, dep, agent, sessionID, info))
}

func (c *Coordinator) leadAgent(ctx context.Context, deploymentID string) *models.Agent {
	agents, err := c.store.ListAgents(ctx, deploymentID)
	if err != nil {
		return nil
	}
	for _, agent := range agents {
		if agent.IsLead() {
			return agent
		}
	}
	return nil
}

// escalationPrompt assembles the blocked agent, the org chart, the prompt
// itself, and the tail of the session output.
func (c *Coordinator) escalationPrompt(ctx context.Context, dep *models.Deployment, agent *models.Agent, sessionID string, info map[string]any) string {
	promptText, _ := info["prompt"].(string)
	var options []string
	if raw, ok := info["options"].([]any); ok {
		for _, o := range raw {
			if s, ok := o.(string); ok {
				options = append(options, s)
			}
		}
	} else if typed, ok := info["options"].([]string); ok {
		options = typed
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Blocked agent: %s #%d\n", agent.Role, agent.InstanceNumber)

	if agents, err := c.store.ListAgents(ctx, dep.ID); err == nil {
		roleByID := make(map[string]string, len(agents))
		for _, a := range agents {
			roleByID[a.ID] = a.Role
		}
		b.WriteString("Org chart:\n")
		for _, a := range agents {
			fmt.Fprintf(&b, "- %s #%d (%s)", a.Role, a.InstanceNumber, a.Status)
			if reportsTo := roleByID[a.ReportsToAgentID]; reportsTo != "" {
				fmt.Fprintf(&b, ", reports to %s", reportsTo)
			}
			b.WriteString("\n")
		}
	}

	fmt.Fprintf(&b, "\nPrompt:\n%s\n", promptText)
	if len(options) > 0 {
		fmt.Fprintf(&b, "Options:\n%s\n", strings.Join(options, "\n"))
	}
	if tail, err := c.sessions.OutputTail(sessionID, escalationTailChars); err == nil && tail != "" {
		fmt.Fprintf(&b, "\nRecent output:\n%s\n", tail)
	}
	return b.String()
}

// askModel normalizes the model call. With no model available the prompt
// always goes to the user.
func (c *Coordinator) askModel(ctx context.Context, system, prompt string) (string, error) {
	response, err := c.llm.Generate(ctx, system, prompt)
	if err != nil {
		if errors.Is(err, llm.ErrUnavailable) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(response), nil
}

// surfaceToUser records the unanswerable prompt and notifies the UI.
func (c *Coordinator) surfaceToUser(ctx context.Context, dep *models.Deployment, agent *models.Agent, info map[string]any, cause error) {
	promptText, _ := info["prompt"].(string)
	if cause != nil {
		c.log.Warn("prompt escalation failed, surfacing to user",
			zap.String("agent_id", agent.ID), zap.Error(cause))
	}
	c.appendRunLog(ctx, dep, agent, fmt.Sprintf("Needs user input: %s", promptText))
	c.publishTeam(events.TeamEscalationSurfaced, events.UIEscalationSurfaced, dep, map[string]any{
		"agent_id":    agent.ID,
		"role":        agent.Role,
		"prompt_info": info,
	})
}
