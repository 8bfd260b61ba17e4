package llm

import (
	"context"
	"encoding/json"

	"github.com/Iron-Ham/parley/internal/errors"
)

// ProviderOpenAI names the OpenAI-compatible adapter.
const ProviderOpenAI = "openai"

const openAIDefaultURL = "https://api.openai.com/v1"

// OpenAIProvider calls an OpenAI-compatible /chat/completions endpoint.
type OpenAIProvider struct {
	apiKey string
	opts   options
}

var _ Provider = (*OpenAIProvider)(nil)

// NewOpenAIProvider creates an adapter authenticated with apiKey.
func NewOpenAIProvider(apiKey string, opts ...Option) *OpenAIProvider {
	return &OpenAIProvider{apiKey: apiKey, opts: buildOptions(openAIDefaultURL, opts)}
}

// Name returns "openai".
func (p *OpenAIProvider) Name() string { return ProviderOpenAI }

type openAIFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

type openAITool struct {
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens"`
	Messages  []openAIMessage `json:"messages"`
	Tools     []openAITool    `json:"tools,omitempty"`
}

type openAIToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content   *string          `json:"content"`
			ToolCalls []openAIToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// CreateMessage sends req to /chat/completions. The system prompt becomes
// the leading system message.
func (p *OpenAIProvider) CreateMessage(ctx context.Context, req Request) (*Response, error) {
	body := openAIRequest{Model: req.Model, MaxTokens: req.MaxTokens}
	if req.System != "" {
		body.Messages = append(body.Messages, openAIMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, openAIMessage{Role: string(m.Role), Content: m.Content})
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, openAITool{
			Type:     "function",
			Function: openAIFunction{Name: t.Name, Description: t.Description, Parameters: t.InputSchema},
		})
	}

	data, err := postJSON(ctx, p.opts.client, ProviderOpenAI, p.opts.baseURL+"/chat/completions", map[string]string{
		"Authorization": "Bearer " + p.apiKey,
	}, body)
	if err != nil {
		return nil, err
	}

	var raw openAIResponse
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.NewProviderError(ProviderOpenAI, "decode response", err).WithCode("parse_error")
	}
	if len(raw.Choices) == 0 {
		return nil, errors.NewProviderError(ProviderOpenAI, "no choices in response", nil).WithCode("empty_response")
	}

	choice := raw.Choices[0]
	resp := &Response{
		StopReason: openAIStopReason(choice.FinishReason),
		Usage:      Usage{Input: raw.Usage.PromptTokens, Output: raw.Usage.CompletionTokens},
	}
	if c := choice.Message.Content; c != nil && *c != "" {
		resp.Content = append(resp.Content, ContentBlock{Type: BlockText, Text: *c})
	}
	for _, call := range choice.Message.ToolCalls {
		input, err := ParseToolInput([]byte(call.Function.Arguments))
		if err != nil {
			p.opts.logger.Warn("tool arguments replaced with empty input", "tool", call.Function.Name, "error", err)
		}
		resp.Content = append(resp.Content, ContentBlock{Type: BlockToolUse, ID: call.ID, Name: call.Function.Name, Input: input})
	}
	return resp, nil
}

func openAIStopReason(reason string) StopReason {
	switch reason {
	case "tool_calls", "function_call":
		return StopToolUse
	case "length":
		return StopMaxTokens
	default:
		// stop, content_filter
		return StopEndTurn
	}
}
