// Package llm wraps the model calls the runtime makes: classifying terminal
// output, evaluating workflow conditions and summarizing aggregated results.
// Without an API key the runtime degrades to deterministic defaults instead
// of failing.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/crewdeck/crewdeck/internal/common/logger"
)

// ErrUnavailable signals that no model is configured. Callers fall back to
// their deterministic default.
var ErrUnavailable = errors.New("no model configured")

// DefaultModel is used when the config does not name one.
const DefaultModel = "claude-3-5-haiku-latest"

const defaultMaxTokens = 1024

// Client issues model calls.
type Client interface {
	// Classify returns exactly one of labels. Implementations treat the
	// first label as the safe default.
	Classify(ctx context.Context, system, prompt string, labels []string) (string, error)
	// Generate returns free-form text for a prompt.
	Generate(ctx context.Context, system, prompt string) (string, error)
}

// messagesAPI is the slice of the Anthropic SDK the client uses; tests
// substitute a fake.
type messagesAPI interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicClient implements Client on the Anthropic Messages API.
type AnthropicClient struct {
	msg   messagesAPI
	model string
	log   *logger.Logger
}

// NewAnthropic builds a model-backed client.
func NewAnthropic(apiKey, model string, log *logger.Logger) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	if model == "" {
		model = DefaultModel
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicClient{msg: &ac.Messages, model: model, log: log}, nil
}

// New returns an Anthropic-backed client when an API key is configured and
// the deterministic noop client otherwise.
func New(apiKey, model string, log *logger.Logger) Client {
	if apiKey == "" {
		log.Info("no model API key configured, using deterministic defaults")
		return NoopClient{}
	}
	client, err := NewAnthropic(apiKey, model, log)
	if err != nil {
		log.WithError(err).Warn("failed to build model client, using deterministic defaults")
		return NoopClient{}
	}
	return client
}

// Classify asks the model to answer with one of the labels and maps the
// answer back; unrecognized answers resolve to the first label.
func (c *AnthropicClient) Classify(ctx context.Context, system, prompt string, labels []string) (string, error) {
	if len(labels) == 0 {
		return "", errors.New("classify requires at least one label")
	}
	system = strings.TrimSpace(system + "\nAnswer with exactly one of: " + strings.Join(labels, ", ") + ". No other text.")
	text, err := c.complete(ctx, system, prompt)
	if err != nil {
		return "", err
	}
	answer := strings.ToLower(strings.TrimSpace(text))
	for _, label := range labels {
		if strings.Contains(answer, strings.ToLower(label)) {
			return label, nil
		}
	}
	return labels[0], nil
}

// Generate returns the model's text for a prompt.
func (c *AnthropicClient) Generate(ctx context.Context, system, prompt string) (string, error) {
	return c.complete(ctx, system, prompt)
}

func (c *AnthropicClient) complete(ctx context.Context, system, prompt string) (string, error) {
	params := sdk.MessageNewParams{
		MaxTokens: defaultMaxTokens,
		Model:     sdk.Model(c.model),
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(prompt))},
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic messages.new: %w", err)
	}
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String(), nil
}

// NoopClient is the no-key degradation: classification returns the first
// (safe) label and generation reports ErrUnavailable so callers use their
// own fallback.
type NoopClient struct{}

// Classify returns the first label.
func (NoopClient) Classify(_ context.Context, _, _ string, labels []string) (string, error) {
	if len(labels) == 0 {
		return "", errors.New("classify requires at least one label")
	}
	return labels[0], nil
}

// Generate reports ErrUnavailable.
func (NoopClient) Generate(context.Context, string, string) (string, error) {
	return "", ErrUnavailable
}
