// Package genai classifies patient replies with a hosted language model.
//
// The client supports OpenAI (default) and Anthropic backends. Each call returns raw model
// text; the classifier in classify.go validates it into a typed models.Classification.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// Supported backends.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Default configuration constants
const (
	DefaultOpenAIModel    = string(openai.ChatModelGPT4oMini)
	DefaultAnthropicModel = "claude-3-5-haiku-latest"
	DefaultTemperature    = 0.0
	DefaultMaxTokens      = 256
	DefaultTimeout        = 15 * time.Second
)

var (
	ErrNoChoicesReturned = errors.New("no choices returned")
	ErrEmptyResponse     = errors.New("empty model response")
	ErrMissingAPIKey     = errors.New("API key not set")
	ErrUnknownProvider   = errors.New("unknown genai provider")
)

// chatService defines the minimal OpenAI surface used by the client.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// messageService defines the minimal Anthropic surface used by the client.
type messageService interface {
	Create(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error)
}

type openAIChat struct {
	svc *openai.ChatCompletionService
}

func (o *openAIChat) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := o.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

type anthropicMessages struct {
	svc *anthropic.MessageService
}

func (a *anthropicMessages) Create(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error) {
	return a.svc.New(ctx, params)
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	Provider    string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithProvider selects the backend ("openai" or "anthropic").
func WithProvider(provider string) Option {
	return func(o *Opts) { o.Provider = provider }
}

// WithAPIKey sets the API key for the selected backend.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel overrides the backend's default model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithTimeout bounds each classification call.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// Client wraps a chat backend for classification calls.
type Client struct {
	provider    string
	chat        chatService
	messages    messageService
	model       string
	temperature float64
	maxTokens   int64
	timeout     time.Duration
}

// NewClient creates a GenAI client. The API key falls back to OPENAI_API_KEY or
// ANTHROPIC_API_KEY depending on the provider.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{Temperature: DefaultTemperature, Timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = ProviderOpenAI
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	c := &Client{
		provider:    provider,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   DefaultMaxTokens,
		timeout:     cfg.Timeout,
	}

	switch provider {
	case ProviderOpenAI:
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		if apiKey == "" {
			slog.Error("GenAI NewClient: OpenAI API key not set")
			return nil, fmt.Errorf("openai: %w", ErrMissingAPIKey)
		}
		cli := openai.NewClient(option.WithAPIKey(apiKey))
		c.chat = &openAIChat{svc: &cli.Chat.Completions}
		if c.model == "" {
			c.model = DefaultOpenAIModel
		}
	case ProviderAnthropic:
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			slog.Error("GenAI NewClient: Anthropic API key not set")
			return nil, fmt.Errorf("anthropic: %w", ErrMissingAPIKey)
		}
		cli := anthropic.NewClient(anthropicoption.WithAPIKey(apiKey))
		c.messages = &anthropicMessages{svc: &cli.Messages}
		if c.model == "" {
			c.model = DefaultAnthropicModel
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}

	slog.Debug("GenAI client created", "provider", c.provider, "model", c.model, "timeout", c.timeout)
	return c, nil
}

// Provider returns the configured backend name.
func (c *Client) Provider() string {
	return c.provider
}

// complete sends one system + user exchange and returns the raw model text.
// OpenAI calls request a JSON object response.
func (c *Client) complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	var (
		content string
		err     error
	)
	if c.messages != nil {
		content, err = c.completeAnthropic(ctx, systemPrompt, userPrompt)
	} else {
		content, err = c.completeOpenAI(ctx, systemPrompt, userPrompt)
	}
	if err != nil {
		slog.Warn("GenAI complete failed", "provider", c.provider, "model", c.model, "error", err, "elapsed", time.Since(start))
		return "", err
	}
	slog.Debug("GenAI complete succeeded", "provider", c.provider, "model", c.model, "elapsed", time.Since(start), "response_length", len(content))
	return content, nil
}

func (c *Client) completeOpenAI(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		Temperature: openai.Float(c.temperature),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	}
	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", ErrEmptyResponse
	}
	return content, nil
}

func (c *Client) completeAnthropic(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   c.maxTokens,
		Temperature: anthropic.Float(c.temperature),
		System:      []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	}
	msg, err := c.messages.Create(ctx, params)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	content := strings.TrimSpace(b.String())
	if content == "" {
		return "", ErrEmptyResponse
	}
	return content, nil
}
