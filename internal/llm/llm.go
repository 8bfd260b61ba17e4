// Package llm is the normalized interface to the model that chooses each
// agent's next move, with adapters for the Anthropic Messages API and
// OpenAI-compatible chat completions.
//
// Adapters own their wire formats. Callers only see Request and Response:
// text and tool_use content blocks, a stop reason from a closed set, and
// token usage.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Iron-Ham/parley/internal/config"
	"github.com/Iron-Ham/parley/internal/errors"
	"github.com/Iron-Ham/parley/internal/logging"
)

// Role is the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of the conversation sent to the model.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Tool describes a function the model may call. InputSchema is a JSON
// Schema object.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// Request is a provider-independent model request.
type Request struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"maxTokens"`
	System    string    `json:"system"`
	Messages  []Message `json:"messages"`
	Tools     []Tool    `json:"tools,omitempty"`
}

// BlockType is the kind of a response content block.
type BlockType string

const (
	BlockText    BlockType = "text"
	BlockToolUse BlockType = "tool_use"
)

// ContentBlock is either text or a tool call. Input is never nil for a
// tool call.
type ContentBlock struct {
	Type  BlockType      `json:"type"`
	Text  string         `json:"text,omitempty"`
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
}

// StopReason is why the model stopped. Vendor reasons are folded into this
// closed set.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
)

// Usage counts tokens.
type Usage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// Response is a provider-independent model response.
type Response struct {
	Content    []ContentBlock `json:"content"`
	StopReason StopReason     `json:"stopReason"`
	Usage      Usage          `json:"usage"`
}

// Text joins the text blocks.
func (r *Response) Text() string {
	var parts []string
	for _, b := range r.Content {
		if b.Type == BlockText && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ToolUses returns the tool_use blocks in order.
func (r *Response) ToolUses() []ContentBlock {
	var out []ContentBlock
	for _, b := range r.Content {
		if b.Type == BlockToolUse {
			out = append(out, b)
		}
	}
	return out
}

// Provider is a model backend.
type Provider interface {
	Name() string
	CreateMessage(ctx context.Context, req Request) (*Response, error)
}

// ParseToolInput decodes tool arguments. Anything that is not a JSON object
// yields an empty map together with ErrMalformedToolArguments, which callers
// log and otherwise ignore. Empty or null arguments are not an error.
func ParseToolInput(raw []byte) (map[string]any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(trimmed, &out); err != nil || out == nil {
		if err == nil {
			err = fmt.Errorf("not a JSON object")
		}
		return map[string]any{}, errors.Wrapf(errors.ErrMalformedToolArguments, "%v", err)
	}
	return out, nil
}

// Option configures an adapter.
type Option func(*options)

type options struct {
	baseURL string
	client  *http.Client
	logger  *logging.Logger
}

// WithBaseURL overrides the provider endpoint.
func WithBaseURL(url string) Option {
	return func(o *options) {
		if url != "" {
			o.baseURL = strings.TrimSuffix(url, "/")
		}
	}
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		if c != nil {
			o.client = c
		}
	}
}

// WithTimeout sets a per-request timeout on the default client.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.client = &http.Client{Timeout: d}
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func buildOptions(defaultURL string, opts []Option) options {
	o := options{
		baseURL: defaultURL,
		client:  &http.Client{Timeout: 60 * time.Second},
		logger:  logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 4 << 20

// postJSON sends body to url and returns the response bytes. Transport
// failures and non-2xx statuses become ProviderErrors; 429 and 5xx are
// retryable.
func postJSON(ctx context.Context, client *http.Client, provider, url string, headers map[string]string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errors.NewProviderError(provider, "encode request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.NewProviderError(provider, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		perr := errors.NewProviderError(provider, "request failed", err)
		if ctx.Err() == nil {
			perr = perr.WithRetryable(true)
		}
		return nil, perr
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errors.NewProviderError(provider, "read response", err).WithRetryable(true)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.NewProviderError(provider, fmt.Sprintf("unexpected status %d", resp.StatusCode), nil).
			WithStatusCode(resp.StatusCode).
			WithCode(errorCode(data))
	}
	return data, nil
}

// errorCode extracts the vendor error type from an error body. Both
// vendors nest it under "error".
func errorCode(body []byte) string {
	var env struct {
		Error struct {
			Type string `json:"type"`
			Code any    `json:"code"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) != nil {
		return ""
	}
	if env.Error.Type != "" {
		return env.Error.Type
	}
	if s, ok := env.Error.Code.(string); ok {
		return s
	}
	return ""
}

// NewFromConfig builds the configured provider. The API key is read from
// the environment variable named by cfg.APIKeyEnv.
func NewFromConfig(cfg config.LLMConfig, logger *logging.Logger) (Provider, error) {
	key := cfg.APIKey()
	if key == "" {
		return nil, errors.NewValidationError("missing API key").
			WithField("llm.api_key_env").WithValue(cfg.APIKeyEnv)
	}
	opts := []Option{WithBaseURL(cfg.BaseURL), WithTimeout(cfg.Timeout), WithLogger(logger)}

	switch strings.ToLower(cfg.Provider) {
	case ProviderAnthropic, "":
		return NewAnthropicProvider(key, opts...), nil
	case ProviderOpenAI:
		return NewOpenAIProvider(key, opts...), nil
	default:
		return nil, errors.NewValidationError("unknown LLM provider").
			WithField("llm.provider").WithValue(cfg.Provider)
	}
}
