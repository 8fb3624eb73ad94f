// Package genai provides the conversation agent collaborator backed by the
// OpenAI API.
//
// The rest of the system depends only on the ConversationAgent interface:
// role-tagged message history plus a system prompt in, assistant text out.
// How the agent phrases conversation or extracts profile fields is its own
// business; LingoPipe only orchestrates.
package genai

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/lingopipe/LingoPipe/internal/models"
)

// DefaultRequestTimeout bounds a single agent call. A timeout is treated by
// callers exactly like any other agent error.
const DefaultRequestTimeout = 60 * time.Second

// ConversationAgent is the language-model capability interface. Substitute
// implementations (mocked, rule-based, LLM-backed) must be swappable.
type ConversationAgent interface {
	// Invoke sends the role-tagged history with a system prompt and returns
	// the assistant's reply text verbatim.
	Invoke(ctx context.Context, history []models.AgentMessage, systemPrompt string) (string, error)

	// OneShot runs a single-turn exchange, used for classification and
	// extraction tasks during onboarding.
	OneShot(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Opts holds configuration options for the OpenAI-backed agent.
type Opts struct {
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Option defines a configuration option for the agent client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel overrides the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTimeout overrides the per-call request timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// Client implements ConversationAgent on the OpenAI chat completions API.
type Client struct {
	client  openai.Client
	model   string
	timeout time.Duration
}

// Compile-time check that Client implements ConversationAgent.
var _ ConversationAgent = (*Client)(nil)

// NewClient initializes an agent client. The API key falls back to the
// OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	if cfg.Model == "" {
		cfg.Model = openai.ChatModelGPT4oMini
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRequestTimeout
	}
	slog.Debug("GenAI client initialized", "model", cfg.Model, "timeout", cfg.Timeout)
	return &Client{
		client:  openai.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:   cfg.Model,
		timeout: cfg.Timeout,
	}, nil
}

// Invoke sends the conversation history with a system prompt and returns the
// assistant reply.
func (c *Client) Invoke(ctx context.Context, history []models.AgentMessage, systemPrompt string) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+1)
	if systemPrompt != "" {
		messages = append(messages, openai.SystemMessage(systemPrompt))
	}
	for _, msg := range history {
		switch msg.Role {
		case models.RoleUser:
			messages = append(messages, openai.UserMessage(msg.Content))
		case models.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(msg.Content))
		case models.RoleSystem:
			messages = append(messages, openai.SystemMessage(msg.Content))
		default:
			slog.Warn("GenAI Invoke skipping message with unknown role", "role", msg.Role)
		}
	}
	return c.complete(ctx, messages)
}

// OneShot runs a single-turn system+user exchange.
func (c *Client) OneShot(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(systemPrompt),
		openai.UserMessage(userPrompt),
	}
	return c.complete(ctx, messages)
}

func (c *Client) complete(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: messages,
	})
	if err != nil {
		slog.Error("GenAI completion failed", "error", err, "model", c.model)
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}
