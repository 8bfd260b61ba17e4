package llm

import (
	"context"
	"sync"
)

// ProviderScripted names the offline provider used by the demo.
const ProviderScripted = "scripted"

// Scripted replays a fixed sequence of responses, then answers with an
// end_turn text block. It needs no network and backs the demo command.
type Scripted struct {
	mu        sync.Mutex
	responses []*Response
	requests  []Request
}

var _ Provider = (*Scripted)(nil)

// NewScripted creates a provider that returns responses in order.
func NewScripted(responses ...*Response) *Scripted {
	return &Scripted{responses: responses}
}

// Name returns "scripted".
func (s *Scripted) Name() string { return ProviderScripted }

// CreateMessage returns the next scripted response.
func (s *Scripted) CreateMessage(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.responses) == 0 {
		return &Response{
			Content:    []ContentBlock{{Type: BlockText, Text: "Nothing further from me."}},
			StopReason: StopEndTurn,
		}, nil
	}
	next := s.responses[0]
	s.responses = s.responses[1:]
	return next, nil
}

// Requests returns the requests seen so far.
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// ToolCall builds a response that calls one tool.
func ToolCall(name string, input map[string]any) *Response {
	if input == nil {
		input = map[string]any{}
	}
	return &Response{
		Content:    []ContentBlock{{Type: BlockToolUse, ID: "call_" + name, Name: name, Input: input}},
		StopReason: StopToolUse,
	}
}
