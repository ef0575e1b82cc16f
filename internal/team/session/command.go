package session

import (
	"fmt"
	"os"
)

// credentialEnvVars are passed through from the orchestrator's environment to
// agent subprocesses.
var credentialEnvVars = []string{
	"ANTHROPIC_API_KEY", "ANTHROPIC_AUTH_TOKEN",
	"OPENAI_API_KEY", "OPENAI_AUTH_TOKEN",
	"GOOGLE_API_KEY", "GOOGLE_AUTH_TOKEN",
}

// commandForAgentType maps a normalized agent type to the CLI invocation.
// Interactive sessions (auth flows) launch the plain REPL so the process
// stays alive at a prompt.
func commandForAgentType(agentType, geminiModel string) ([]string, error) {
	switch agentType {
	case "claude-code":
		return []string{"claude", "--dangerously-skip-permissions"}, nil
	case "codex":
		return []string{"codex", "--full-auto"}, nil
	case "gemini":
		cmd := []string{"gemini", "--yolo"}
		if geminiModel != "" {
			cmd = append(cmd, "--model", geminiModel)
		}
		return cmd, nil
	case "aider":
		return []string{"aider", "--yes-always"}, nil
	default:
		return nil, fmt.Errorf("no command known for agent type %q", agentType)
	}
}

// sessionEnv builds the subprocess environment: the orchestrator's environment
// plus credential pass-through and adapter settings.
func sessionEnv(extra map[string]string) []string {
	env := os.Environ()
	for _, key := range credentialEnvVars {
		if v := os.Getenv(key); v != "" {
			env = append(env, key+"="+v)
		}
	}
	// Agent CLIs behave better with a known terminal type under a PTY.
	env = append(env, "TERM=xterm-256color")
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
