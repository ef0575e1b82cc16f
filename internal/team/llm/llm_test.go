package llm

import (
	"context"
	"errors"
	"strings"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewdeck/crewdeck/internal/common/logger"
)

type fakeMessages struct {
	lastParams sdk.MessageNewParams
	reply      string
	err        error
}

func (f *fakeMessages) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	f.lastParams = body
	if f.err != nil {
		return nil, f.err
	}
	return &sdk.Message{
		Content: []sdk.ContentBlockUnion{{Type: "text", Text: f.reply}},
	}, nil
}

func newFakeClient(t *testing.T, reply string) (*AnthropicClient, *fakeMessages) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	fake := &fakeMessages{reply: reply}
	return &AnthropicClient{msg: fake, model: DefaultModel, log: log}, fake
}

func TestClassifyMapsAnswerToLabel(t *testing.T) {
	client, fake := newFakeClient(t, "The session is clearly waiting_for_input.")

	label, err := client.Classify(context.Background(), "You classify terminal output.",
		"some tail", []string{"still_working", "waiting_for_input", "crashed"})
	require.NoError(t, err)
	assert.Equal(t, "waiting_for_input", label)

	// The label list rides in the system prompt.
	require.NotEmpty(t, fake.lastParams.System)
	assert.Contains(t, fake.lastParams.System[0].Text, "still_working, waiting_for_input, crashed")
}

func TestClassifyFallsBackToFirstLabel(t *testing.T) {
	client, _ := newFakeClient(t, "I am not sure what this is.")

	label, err := client.Classify(context.Background(), "", "tail",
		[]string{"still_working", "crashed"})
	require.NoError(t, err)
	assert.Equal(t, "still_working", label)
}

func TestClassifyRequiresLabels(t *testing.T) {
	client, _ := newFakeClient(t, "whatever")
	_, err := client.Classify(context.Background(), "", "tail", nil)
	assert.Error(t, err)
}

func TestClassifyPropagatesAPIError(t *testing.T) {
	client, fake := newFakeClient(t, "")
	fake.err = errors.New("rate limited")

	_, err := client.Classify(context.Background(), "", "tail", []string{"a", "b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestGenerateJoinsTextBlocks(t *testing.T) {
	client, fake := newFakeClient(t, "")
	fake.reply = "first"

	out, err := client.Generate(context.Background(), "sys", "prompt")
	require.NoError(t, err)
	assert.Equal(t, "first", out)
	assert.Equal(t, sdk.Model(DefaultModel), fake.lastParams.Model)
	require.Len(t, fake.lastParams.Messages, 1)
}

func TestNoopClientDefaults(t *testing.T) {
	var client Client = NoopClient{}

	label, err := client.Classify(context.Background(), "", "tail", []string{"safe", "risky"})
	require.NoError(t, err)
	assert.Equal(t, "safe", label)

	_, err = client.Generate(context.Background(), "", "prompt")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestNewWithoutKeyDegrades(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	client := New("", "", log)
	_, ok := client.(NoopClient)
	assert.True(t, ok)

	client = New("sk-test", "", log)
	ac, ok := client.(*AnthropicClient)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(ac.model, "claude"))
}
