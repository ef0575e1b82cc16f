package mcptools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/crewdeck/crewdeck/internal/common/logger"
	"github.com/crewdeck/crewdeck/internal/team/messaging"
	"github.com/crewdeck/crewdeck/internal/team/models"
	"github.com/crewdeck/crewdeck/internal/team/store"
)

// StepCompleter is the slice of the workflow executor the tools need.
type StepCompleter interface {
	CompleteStep(ctx context.Context, deploymentID, stepID string, result any) error
}

// Deps are the local services the tools call into. Tools go straight to the
// service layer rather than back through the HTTP surface.
type Deps struct {
	Store     *store.Store
	Messaging *messaging.Service
	Workflow  StepCompleter
}

func registerTools(s *server.MCPServer, deps Deps, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("send_message",
			mcp.WithDescription("Send a message to a teammate. Address it to a role name (delivered to the first member of that role), a specific agent ID, or 'all' to broadcast."),
			mcp.WithString("agent_id",
				mcp.Required(),
				mcp.Description("Your agent ID"),
			),
			mcp.WithString("to",
				mcp.Required(),
				mcp.Description("Recipient: a role name, an agent ID, or 'all'"),
			),
			mcp.WithString("message",
				mcp.Required(),
				mcp.Description("The message text"),
			),
		),
		sendMessageHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("read_messages",
			mcp.WithDescription("Read your recent team messages, newest last. Marks them as read."),
			mcp.WithString("agent_id",
				mcp.Required(),
				mcp.Description("Your agent ID"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of messages to return (default 20)"),
			),
		),
		readMessagesHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("get_team_roster",
			mcp.WithDescription("List your teammates: roles, instance numbers, statuses, and reporting lines."),
			mcp.WithString("agent_id",
				mcp.Required(),
				mcp.Description("Your agent ID"),
			),
		),
		teamRosterHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("report_progress",
			mcp.WithDescription("Record a progress summary for your current run. Call this after finishing a meaningful chunk of work."),
			mcp.WithString("agent_id",
				mcp.Required(),
				mcp.Description("Your agent ID"),
			),
			mcp.WithString("summary",
				mcp.Required(),
				mcp.Description("One or two sentences describing what you did"),
			),
			mcp.WithNumber("actions_executed",
				mcp.Description("How many tool calls or actions you performed (optional)"),
			),
			mcp.WithNumber("errors_encountered",
				mcp.Description("How many errors you hit (optional)"),
			),
		),
		reportProgressHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("complete_step",
			mcp.WithDescription("Mark your current workflow step as completed. Only call this when the step's work is actually done."),
			mcp.WithString("agent_id",
				mcp.Required(),
				mcp.Description("Your agent ID"),
			),
			mcp.WithString("result",
				mcp.Description("A short description of the step's outcome (optional)"),
			),
		),
		completeStepHandler(deps, log),
	)

	log.Info("registered team MCP tools", zap.Int("count", 5))
}

// requireAgent resolves the calling agent from the agent_id argument.
func requireAgent(ctx context.Context, deps Deps, req mcp.CallToolRequest) (*models.Agent, *mcp.CallToolResult) {
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return nil, mcp.NewToolResultError(err.Error())
	}
	agent, err := deps.Store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("Unknown agent %q: %v", agentID, err))
	}
	return agent, nil
}

func sendMessageHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agent, errResult := requireAgent(ctx, deps, req)
		if errResult != nil {
			return errResult, nil
		}
		to, err := req.RequireString("to")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		text, err := req.RequireString("message")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		msg, err := deps.Messaging.SendMessage(ctx, agent.DeploymentID, agent.ID, to, text)
		if err != nil {
			log.Warn("send_message failed", zap.String("agent_id", agent.ID), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to send message: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Message %s sent to %s.", msg.ID, to)), nil
	}
}

func readMessagesHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agent, errResult := requireAgent(ctx, deps, req)
		if errResult != nil {
			return errResult, nil
		}
		limit := req.GetInt("limit", 20)

		messages, err := deps.Messaging.ReadMessages(ctx, agent.DeploymentID, agent.ID, limit)
		if err != nil {
			log.Warn("read_messages failed", zap.String("agent_id", agent.ID), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to read messages: %v", err)), nil
		}
		if len(messages) == 0 {
			return mcp.NewToolResultText("No messages."), nil
		}

		formatted, err := json.MarshalIndent(messages, "", "  ")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to encode messages: %v", err)), nil
		}
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func teamRosterHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agent, errResult := requireAgent(ctx, deps, req)
		if errResult != nil {
			return errResult, nil
		}

		roster, err := deps.Messaging.GetTeamRoster(ctx, agent.DeploymentID, agent.ID)
		if err != nil {
			log.Warn("get_team_roster failed", zap.String("agent_id", agent.ID), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to load roster: %v", err)), nil
		}

		formatted, err := json.MarshalIndent(roster, "", "  ")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to encode roster: %v", err)), nil
		}
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func reportProgressHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agent, errResult := requireAgent(ctx, deps, req)
		if errResult != nil {
			return errResult, nil
		}
		summary, err := req.RequireString("summary")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		actions := req.GetInt("actions_executed", 0)
		errCount := req.GetInt("errors_encountered", 0)

		entry := &models.RunLog{
			DeploymentID:      agent.DeploymentID,
			TeamAgentID:       agent.ID,
			Role:              agent.Role,
			StepID:            agent.CurrentStepID,
			Summary:           summary,
			ActionsExecuted:   actions,
			ErrorsEncountered: errCount,
		}
		if err := deps.Store.AppendRunLog(ctx, entry); err != nil {
			log.Warn("report_progress failed", zap.String("agent_id", agent.ID), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to record progress: %v", err)), nil
		}
		if err := deps.Store.RecordAgentRun(ctx, agent.ID, summary, actions, errCount); err != nil {
			log.Warn("failed to update agent run stats", zap.String("agent_id", agent.ID), zap.Error(err))
		}
		return mcp.NewToolResultText("Progress recorded."), nil
	}
}

func completeStepHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agent, errResult := requireAgent(ctx, deps, req)
		if errResult != nil {
			return errResult, nil
		}
		if agent.CurrentStepID == "" {
			return mcp.NewToolResultError("You have no step assigned right now."), nil
		}
		result := req.GetString("result", "")

		if err := deps.Workflow.CompleteStep(ctx, agent.DeploymentID, agent.CurrentStepID, result); err != nil {
			log.Warn("complete_step failed",
				zap.String("agent_id", agent.ID),
				zap.String("step_id", agent.CurrentStepID),
				zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to complete step: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Step %s marked completed.", agent.CurrentStepID)), nil
	}
}
