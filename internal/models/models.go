package models

import "time"

// Message roles understood by every provider adapter.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents a single conversational message in the unified schema.
// ToolCalls is only set on assistant messages; ToolCallID and Name are only
// set on tool messages and point back at the requesting call.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolSchema describes a tool offered to the model.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Required lists the parameter names the schema marks as required.
func (s ToolSchema) Required() []string {
	if s.Parameters == nil {
		return nil
	}
	switch v := s.Parameters["required"].(type) {
	case []string:
		out := make([]string, len(v))
		copy(out, v)
		return out
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if name, ok := item.(string); ok {
				out = append(out, name)
			}
		}
		return out
	}
	return nil
}

// CompletionRequest is the canonical request handed to a provider.
type CompletionRequest struct {
	Messages    []Message
	Tools       []ToolSchema
	Temperature *float64
	MaxTokens   *int
}

// Completion captures a provider response in the unified schema.
type Completion struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        Usage
}

// HasToolCalls reports whether the model asked for any tool invocations.
func (c *Completion) HasToolCalls() bool {
	return c != nil && len(c.ToolCalls) > 0
}

// Usage records token accounting information.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CloneMessage returns a copy of msg that shares no slices or maps with it.
func CloneMessage(msg Message) Message {
	out := msg
	if len(msg.ToolCalls) > 0 {
		out.ToolCalls = make([]ToolCall, len(msg.ToolCalls))
		for i, call := range msg.ToolCalls {
			out.ToolCalls[i] = ToolCall{
				ID:        call.ID,
				Name:      call.Name,
				Arguments: CloneArguments(call.Arguments),
			}
		}
	}
	return out
}

// CloneArguments copies the top level of a tool argument map.
func CloneArguments(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}
