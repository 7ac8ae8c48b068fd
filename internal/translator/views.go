package translator

import (
	"finagent/internal/conversation"
	"finagent/internal/models"
)

// ErrorResponse is the error envelope of every endpoint.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody describes one error.
type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// ConversationList is the body of GET /api/v1/conversations.
type ConversationList struct {
	Stats         conversation.Stats `json:"stats"`
	Conversations []string           `json:"conversations"`
}

// ToolView describes one tool for GET /api/v1/tools.
type ToolView struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Required    []string       `json:"required"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolList is the body of GET /api/v1/tools.
type ToolList struct {
	Tools []ToolView `json:"tools"`
}

// FromCatalogue shapes the tool catalogue.
func FromCatalogue(catalog []models.ToolSchema) ToolList {
	out := ToolList{Tools: make([]ToolView, 0, len(catalog))}
	for _, schema := range catalog {
		required := schema.Required()
		if required == nil {
			required = []string{}
		}
		out.Tools = append(out.Tools, ToolView{
			Name:        schema.Name,
			Description: schema.Description,
			Required:    required,
			Parameters:  schema.Parameters,
		})
	}
	return out
}

// ClearedConversation is the body of DELETE /api/v1/conversations/:id.
type ClearedConversation struct {
	ID      string `json:"conversation_id"`
	Cleared bool   `json:"cleared"`
}
