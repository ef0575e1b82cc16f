package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectToolRunning(t *testing.T) {
	lines := []string{
		"some earlier output",
		"✻ Running tests… (esc to interrupt)",
		"",
	}
	tool := detectToolRunning(lines)
	require.NotNil(t, tool)
	assert.Equal(t, "Running tests", tool.ToolName)

	assert.Nil(t, detectToolRunning([]string{"plain output", "nothing running"}))
}

func TestDetectLoginRequired(t *testing.T) {
	assert.True(t, detectLoginRequired("Error: not logged in. Please run /login"))
	assert.True(t, detectLoginRequired("\x1b[31mInvalid API key\x1b[0m"))
	assert.False(t, detectLoginRequired("compiling module..."))
}

func TestExtractLoginURLPrefersAnthropicHosts(t *testing.T) {
	out := "Visit https://example.com/auth first\nor https://claude.ai/oauth/authorize?code=abc\n"
	assert.Equal(t, "https://claude.ai/oauth/authorize?code=abc", extractLoginURL(out))

	out = "Open https://accounts.google.com/signin to continue"
	assert.Equal(t, "https://accounts.google.com/signin", extractLoginURL(out))

	assert.Equal(t, "", extractLoginURL("no urls here"))
}

func TestExtractLoginURLStripsANSI(t *testing.T) {
	out := "\x1b[1mhttps://console.anthropic.com/login?token=xyz\x1b[0m"
	assert.Equal(t, "https://console.anthropic.com/login?token=xyz", extractLoginURL(out))
}

func TestDetectBlockingPrompt(t *testing.T) {
	trust := detectBlockingPrompt([]string{"Do you trust the files in this folder?", "❯ 1. Yes, proceed"})
	require.NotNil(t, trust)
	assert.Equal(t, "trust", trust.Type)

	confirm := detectBlockingPrompt([]string{"Overwrite main.go? [y/n]"})
	require.NotNil(t, confirm)
	assert.Equal(t, "confirmation", confirm.Type)
	assert.Equal(t, "y", confirm.SuggestedResponse)

	perm := detectBlockingPrompt([]string{"Do you want to proceed with the edit?"})
	require.NotNil(t, perm)
	assert.Equal(t, "permission", perm.Type)

	assert.Nil(t, detectBlockingPrompt([]string{"just output", "more output"}))
}

func TestDetectTaskComplete(t *testing.T) {
	result, ok := detectTaskComplete("lots of output\nTASK COMPLETE: wrote the report\n")
	require.True(t, ok)
	assert.Equal(t, "wrote the report", result)

	_, ok = detectTaskComplete("still working on it")
	assert.False(t, ok)
}

func TestIsStartupPrompt(t *testing.T) {
	assert.True(t, isStartupPrompt("config"))
	assert.True(t, isStartupPrompt("permission"))
	assert.True(t, isStartupPrompt("trust"))
	assert.False(t, isStartupPrompt("confirmation"))
}
