// Package llm is the text-completion collaborator of the agent.
//
// OpenAIClient talks to any OpenAI-compatible chat completions endpoint
// (Ollama by default). Every failure is returned as an *UnavailableError so
// callers can fall back to deterministic replies.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/jeeves-cluster-organization/shippingagent/coreengine/observability"
)

// Role of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat message sent to the model.
type Message struct {
	Role    Role
	Content string
}

// Request is a single completion request.
type Request struct {
	SystemPrompt string
	History      []Message
	UserMessage  string
}

// Messages flattens the request into system, history, user order.
func (r Request) Messages() []Message {
	msgs := make([]Message, 0, len(r.History)+2)
	msgs = append(msgs, Message{Role: RoleSystem, Content: r.SystemPrompt})
	msgs = append(msgs, r.History...)
	msgs = append(msgs, Message{Role: RoleUser, Content: r.UserMessage})
	return msgs
}

// Completer produces model replies.
type Completer interface {
	// Complete returns the full reply.
	Complete(ctx context.Context, req Request) (string, error)

	// Stream calls onChunk for each content delta and returns the full reply.
	// An error from onChunk aborts the stream and is returned as is.
	Stream(ctx context.Context, req Request, onChunk func(string) error) (string, error)
}

// Logger is the logging interface used by the client.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// =============================================================================
// Errors
// =============================================================================

// UnavailableError wraps any failure of the completion service.
type UnavailableError struct {
	Op    string
	Cause error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("llm %s unavailable: %v", e.Op, e.Cause)
}

func (e *UnavailableError) Unwrap() error {
	return e.Cause
}

// IsUnavailable reports whether err is an UnavailableError.
func IsUnavailable(err error) bool {
	var u *UnavailableError
	return errors.As(err, &u)
}

// ErrEmptyResponse is the cause used when the service returns no choices.
var ErrEmptyResponse = errors.New("empty response")

// ErrModelNotFound is the cause used when the service reports an unknown model.
var ErrModelNotFound = errors.New("model not found")

// =============================================================================
// OpenAI-compatible client
// =============================================================================

// Config configures an OpenAIClient.
type Config struct {
	Provider    string // label for metrics, e.g. "ollama"
	BaseURL     string
	Model       string
	APIKey      string
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
}

// DefaultConfig returns the local Ollama settings.
func DefaultConfig() Config {
	return Config{
		Provider:    "ollama",
		BaseURL:     "http://ollama:11434/v1",
		Model:       "qwen2.5:3b",
		APIKey:      "ollama",
		Temperature: 0.3,
		MaxTokens:   500,
		Timeout:     30 * time.Second,
	}
}

// OpenAIClient implements Completer with go-openai.
type OpenAIClient struct {
	client *openai.Client
	cfg    Config
	logger Logger
}

// Option configures an OpenAIClient.
type Option func(*openaiOptions)

type openaiOptions struct {
	httpClient *http.Client
	logger     Logger
}

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(o *openaiOptions) { o.httpClient = c }
}

// WithLogger sets the client logger.
func WithLogger(l Logger) Option {
	return func(o *openaiOptions) { o.logger = l }
}

// NewOpenAIClient creates a client for cfg.
func NewOpenAIClient(cfg Config, opts ...Option) *OpenAIClient {
	var o openaiOptions
	for _, opt := range opts {
		opt(&o)
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if o.httpClient != nil {
		oc.HTTPClient = o.httpClient
	}
	if cfg.Provider == "" {
		cfg.Provider = "openai"
	}

	return &OpenAIClient{
		client: openai.NewClientWithConfig(oc),
		cfg:    cfg,
		logger: o.logger,
	}
}

// Model returns the configured model name.
func (c *OpenAIClient) Model() string {
	return c.cfg.Model
}

func (c *OpenAIClient) request(req Request, stream bool) openai.ChatCompletionRequest {
	msgs := req.Messages()
	out := make([]openai.ChatCompletionMessage, len(msgs))
	for i, m := range msgs {
		out[i] = openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content}
	}
	return openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		Messages:    out,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
		Stream:      stream,
	}
}

func (c *OpenAIClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.Timeout > 0 {
		return context.WithTimeout(ctx, c.cfg.Timeout)
	}
	return context.WithCancel(ctx)
}

// Complete implements Completer.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (reply string, err error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	ctx, finish := c.observe(ctx, "complete")
	defer func() { finish(err) }()

	resp, err := c.client.CreateChatCompletion(ctx, c.request(req, false))
	if err != nil {
		return "", c.unavailable("complete", err)
	}
	if len(resp.Choices) == 0 {
		return "", &UnavailableError{Op: "complete", Cause: ErrEmptyResponse}
	}
	return resp.Choices[0].Message.Content, nil
}

// Stream implements Completer.
func (c *OpenAIClient) Stream(ctx context.Context, req Request, onChunk func(string) error) (reply string, err error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	ctx, finish := c.observe(ctx, "stream")
	defer func() { finish(err) }()

	stream, err := c.client.CreateChatCompletionStream(ctx, c.request(req, true))
	if err != nil {
		return "", c.unavailable("stream", err)
	}
	defer stream.Close()

	var full strings.Builder
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return full.String(), nil
		}
		if err != nil {
			return full.String(), c.unavailable("stream", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		full.WriteString(delta)
		if err := onChunk(delta); err != nil {
			return full.String(), err
		}
	}
}

func (c *OpenAIClient) unavailable(op string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusNotFound &&
		strings.Contains(strings.ToLower(apiErr.Message), "model") {
		if c.logger != nil {
			c.logger.Error("llm_model_missing", "model", c.cfg.Model, "base_url", c.cfg.BaseURL)
		}
		return &UnavailableError{Op: op, Cause: fmt.Errorf("%w: %s", ErrModelNotFound, apiErr.Message)}
	}
	return &UnavailableError{Op: op, Cause: err}
}

// observe starts a span and returns a func recording metrics when the call ends.
func (c *OpenAIClient) observe(ctx context.Context, op string) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := otel.Tracer("github.com/jeeves-cluster-organization/shippingagent/coreengine/llm").Start(ctx, "llm."+op)
	span.SetAttributes(
		attribute.String("llm.provider", c.cfg.Provider),
		attribute.String("llm.model", c.cfg.Model),
	)

	return ctx, func(err error) {
		durationMS := int(time.Since(start).Milliseconds())
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if c.logger != nil {
				c.logger.Warn("llm_call_failed", "op", op, "model", c.cfg.Model, "duration_ms", durationMS, "error", err.Error())
			}
		} else if c.logger != nil {
			c.logger.Debug("llm_call_completed", "op", op, "model", c.cfg.Model, "duration_ms", durationMS)
		}
		span.End()
		observability.RecordLLMCall(c.cfg.Provider, c.cfg.Model, status, durationMS)
	}
}

var _ Completer = (*OpenAIClient)(nil)
