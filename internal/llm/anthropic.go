package llm

import (
	"context"
	"encoding/json"

	"github.com/Iron-Ham/parley/internal/errors"
)

// ProviderAnthropic names the Anthropic adapter.
const ProviderAnthropic = "anthropic"

const (
	anthropicDefaultURL = "https://api.anthropic.com"
	anthropicVersion    = "2023-06-01"
)

// AnthropicProvider calls the Anthropic Messages API.
type AnthropicProvider struct {
	apiKey string
	opts   options
}

var _ Provider = (*AnthropicProvider)(nil)

// NewAnthropicProvider creates an adapter authenticated with apiKey.
func NewAnthropicProvider(apiKey string, opts ...Option) *AnthropicProvider {
	return &AnthropicProvider{apiKey: apiKey, opts: buildOptions(anthropicDefaultURL, opts)}
}

// Name returns "anthropic".
func (p *AnthropicProvider) Name() string { return ProviderAnthropic }

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicRequest struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens"`
	System    string          `json:"system,omitempty"`
	Messages  []Message       `json:"messages"`
	Tools     []anthropicTool `json:"tools,omitempty"`
}

type anthropicBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text"`
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

type anthropicResponse struct {
	Content    []anthropicBlock `json:"content"`
	StopReason string           `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// CreateMessage sends req to /v1/messages.
func (p *AnthropicProvider) CreateMessage(ctx context.Context, req Request) (*Response, error) {
	body := anthropicRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		System:    req.System,
		Messages:  req.Messages,
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, anthropicTool{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}

	data, err := postJSON(ctx, p.opts.client, ProviderAnthropic, p.opts.baseURL+"/v1/messages", map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": anthropicVersion,
	}, body)
	if err != nil {
		return nil, err
	}

	var raw anthropicResponse
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.NewProviderError(ProviderAnthropic, "decode response", err).WithCode("parse_error")
	}

	resp := &Response{
		StopReason: anthropicStopReason(raw.StopReason),
		Usage:      Usage{Input: raw.Usage.InputTokens, Output: raw.Usage.OutputTokens},
	}
	for _, b := range raw.Content {
		switch b.Type {
		case "text":
			resp.Content = append(resp.Content, ContentBlock{Type: BlockText, Text: b.Text})
		case "tool_use":
			input, err := ParseToolInput(b.Input)
			if err != nil {
				p.opts.logger.Warn("tool arguments replaced with empty input", "tool", b.Name, "error", err)
			}
			resp.Content = append(resp.Content, ContentBlock{Type: BlockToolUse, ID: b.ID, Name: b.Name, Input: input})
		default:
			p.opts.logger.Debug("skipping content block", "type", b.Type)
		}
	}
	return resp, nil
}

func anthropicStopReason(reason string) StopReason {
	switch reason {
	case "tool_use":
		return StopToolUse
	case "max_tokens":
		return StopMaxTokens
	default:
		// end_turn, stop_sequence, pause_turn, refusal
		return StopEndTurn
	}
}
