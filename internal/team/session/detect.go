package session

import (
	"regexp"
	"strings"
)

// PromptInfo describes a blocking TUI prompt detected on a session.
type PromptInfo struct {
	Type              string   `json:"type"` // config, permission, trust, confirmation, selection
	Prompt            string   `json:"prompt"`
	Options           []string `json:"options,omitempty"`
	SuggestedResponse string   `json:"suggested_response,omitempty"`
}

// ToolInfo describes a tool invocation visible in the TUI.
type ToolInfo struct {
	ToolName    string `json:"tool_name"`
	Description string `json:"description,omitempty"`
}

var (
	ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07]*\x07|\x1b[()][0-9A-B]`)

	// Working indicator: spinner glyph + activity + interrupt hint.
	toolRunningPattern = regexp.MustCompile(
		`[✻✽✶∴·◆▸►✢*]\s+(\S[^(…]*?)[…\.]*\s*\((?:esc|ctrl\+c)\s+to\s+interrupt`)

	loginRequiredPattern = regexp.MustCompile(
		`(?i)(please run /login|not logged in|invalid api key|authentication[_ ]error|login required|select login method)`)

	loginSuccessPattern = regexp.MustCompile(`(?i)(login successful|logged in as)`)

	urlPattern = regexp.MustCompile(`https://[^\s"'\x60<>\)\]]+`)

	trustPromptPattern      = regexp.MustCompile(`(?i)do you trust the files in this folder`)
	permissionPattern       = regexp.MustCompile(`(?i)(grant|allow|permission to|do you want to (?:proceed|allow|create|edit|run|make))`)
	configPromptPattern     = regexp.MustCompile(`(?i)(choose (?:the )?(?:text style|a ?theme)|select (?:a )?model|press enter to continue)`)
	yesNoPromptPattern      = regexp.MustCompile(`(?i)\[?y(?:es)?/no?\]?`)
	selectionArrowPattern   = regexp.MustCompile(`^\s*[❯>]\s*\d+\.\s*(.+)$`)
	taskCompleteMarker      = regexp.MustCompile(`(?im)^\s*(?:\[)?TASK[ _]COMPLETE(?:\])?:?\s*(.*)$`)
)

// stripANSI removes escape sequences so pattern matching sees plain text.
func stripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

// detectToolRunning reports a visible in-progress tool invocation.
func detectToolRunning(lines []string) *ToolInfo {
	for _, line := range lines {
		if m := toolRunningPattern.FindStringSubmatch(line); m != nil {
			return &ToolInfo{ToolName: strings.TrimSpace(m[1]), Description: strings.TrimSpace(line)}
		}
	}
	return nil
}

// detectLoginRequired reports whether the visible output asks for a login.
func detectLoginRequired(text string) bool {
	return loginRequiredPattern.MatchString(stripANSI(text))
}

// detectLoginSuccess reports whether the output announces a completed login.
func detectLoginSuccess(text string) bool {
	return loginSuccessPattern.MatchString(stripANSI(text))
}

// DetectLoginSuccess reports whether raw terminal output announces a
// completed login. Used by the auth flow monitor.
func DetectLoginSuccess(raw string) bool { return detectLoginSuccess(raw) }

// ExtractLoginURL finds the auth URL in raw terminal output.
func ExtractLoginURL(raw string) string { return extractLoginURL(raw) }

// extractLoginURL scans stripped output for a login URL, preferring Anthropic
// hosts over anything else.
func extractLoginURL(text string) string {
	urls := urlPattern.FindAllString(stripANSI(text), -1)
	if len(urls) == 0 {
		return ""
	}
	for i := len(urls) - 1; i >= 0; i-- {
		if strings.Contains(urls[i], "claude.ai") || strings.Contains(urls[i], "anthropic.com") {
			return urls[i]
		}
	}
	return urls[len(urls)-1]
}

// detectBlockingPrompt inspects the visible terminal lines bottom-up for a
// prompt that blocks progress. Login prompts are handled separately.
func detectBlockingPrompt(lines []string) *PromptInfo {
	var options []string
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimRight(stripANSI(lines[i]), " \t")
		if line == "" {
			continue
		}
		if m := selectionArrowPattern.FindStringSubmatch(line); m != nil {
			options = append(options, strings.TrimSpace(m[1]))
			continue
		}
		switch {
		case trustPromptPattern.MatchString(line):
			return &PromptInfo{Type: "trust", Prompt: line, Options: options, SuggestedResponse: "enter"}
		case configPromptPattern.MatchString(line):
			return &PromptInfo{Type: "config", Prompt: line, Options: options, SuggestedResponse: "enter"}
		case permissionPattern.MatchString(line):
			return &PromptInfo{Type: "permission", Prompt: line, Options: options, SuggestedResponse: "enter"}
		case yesNoPromptPattern.MatchString(line):
			return &PromptInfo{Type: "confirmation", Prompt: line, Options: []string{"yes", "no"}, SuggestedResponse: "y"}
		}
	}
	return nil
}

// detectTaskComplete looks for the completion marker agents are instructed to
// print, returning the trailing summary when present.
func detectTaskComplete(text string) (string, bool) {
	m := taskCompleteMarker.FindStringSubmatch(stripANSI(text))
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

// isStartupPrompt reports whether a prompt type is one of the first-run
// prompts that the auto-responder handles without operator involvement.
func isStartupPrompt(promptType string) bool {
	return promptType == "config" || promptType == "permission" || promptType == "trust"
}
