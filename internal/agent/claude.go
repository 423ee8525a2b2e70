package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// ClaudeConfig configures the Anthropic-backed invoker.
type ClaudeConfig struct {
	// APIKey overrides the ANTHROPIC_API_KEY environment variable.
	APIKey string
	// Model is the model identifier to invoke.
	Model string
	// MaxTokens caps the response length.
	MaxTokens int64
}

// ClaudeInvoker implements Invoker against the Anthropic Messages API.
type ClaudeInvoker struct {
	cfg    ClaudeConfig
	client anthropic.Client
}

var _ Invoker = (*ClaudeInvoker)(nil)

// NewClaudeInvoker creates an invoker for the given config.
func NewClaudeInvoker(cfg ClaudeConfig) *ClaudeInvoker {
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	return &ClaudeInvoker{cfg: cfg, client: anthropic.NewClient(opts...)}
}

// Start validates the configuration. The Messages API is stateless so
// there is no connection to establish.
func (c *ClaudeInvoker) Start(ctx context.Context) error {
	if c.cfg.Model == "" {
		return &AgentError{Kind: ErrKindInvalidRequest, Message: "model not configured"}
	}
	return nil
}

// Invoke sends the prompt and concatenates the text blocks of the
// response.
func (c *ClaudeInvoker) Invoke(ctx context.Context, prompt string) (*InvokeResult, error) {
	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.cfg.Model),
		MaxTokens: c.cfg.MaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return nil, classify(err)
	}

	var text string
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			text += tb.Text
		}
	}
	return &InvokeResult{
		Text:         text,
		Model:        string(msg.Model),
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
	}, nil
}

// Probe issues a minimal request to confirm the backend responds.
func (c *ClaudeInvoker) Probe(ctx context.Context) error {
	_, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.cfg.Model),
		MaxTokens: 1,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("ping")),
		},
	})
	if err != nil {
		return classify(err)
	}
	return nil
}

// Close is a no-op for the stateless API client.
func (c *ClaudeInvoker) Close() error { return nil }

// classify maps SDK errors onto the agent error taxonomy.
func classify(err error) *AgentError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &AgentError{Kind: ErrKindTimeout, Message: "request timed out", Err: err}
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		kind := ErrKindProtocol
		switch {
		case apiErr.StatusCode == 408:
			kind = ErrKindTimeout
		case apiErr.StatusCode == 429:
			kind = ErrKindRateLimit
		case apiErr.StatusCode >= 500:
			kind = ErrKindConnectionReset
		case apiErr.StatusCode == 400:
			kind = ErrKindInvalidRequest
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
			kind = ErrKindAuth
		}
		return &AgentError{
			Kind:    kind,
			Message: fmt.Sprintf("api status %d", apiErr.StatusCode),
			Err:     err,
		}
	}

	// Network-level failures surface as plain errors.
	return &AgentError{Kind: ErrKindConnectionReset, Err: err}
}
