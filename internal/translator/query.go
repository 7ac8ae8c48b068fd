// Package translator decodes and validates HTTP payloads and shapes the
// domain results returned to clients.
package translator

import (
	"encoding/json"
	"fmt"
	"strings"

	"finagent/internal/agent"
	"finagent/internal/apperr"
	"finagent/internal/config"
)

const maxQueryLength = 4000

// QueryRequest is the body of POST /api/v1/query.
type QueryRequest struct {
	Query          string
	ConversationID string
	MaxIterations  int
	Metadata       map[string]string
}

// UnmarshalJSON decodes and validates the request. The query may be a plain
// string or a list of text segments.
func (r *QueryRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Query          json.RawMessage `json:"query"`
		ConversationID string          `json:"conversation_id"`
		MaxIterations  *int            `json:"max_iterations"`
		Metadata       map[string]any  `json:"metadata"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return apperr.Validationf("body", "decode query request: %v", err)
	}

	query, err := extractText("query", raw.Query)
	if err != nil {
		return err
	}

	r.Query = strings.TrimSpace(query)
	r.ConversationID = strings.TrimSpace(raw.ConversationID)
	r.MaxIterations = 0
	if raw.MaxIterations != nil {
		r.MaxIterations = *raw.MaxIterations
		if r.MaxIterations < 1 || r.MaxIterations > config.MaxIterationsLimit {
			return apperr.Validationf("max_iterations", "must be between 1 and %d, got %d", config.MaxIterationsLimit, r.MaxIterations)
		}
	}
	r.Metadata = nil
	if len(raw.Metadata) > 0 {
		r.Metadata = make(map[string]string, len(raw.Metadata))
		for k, v := range raw.Metadata {
			switch val := v.(type) {
			case string:
				r.Metadata[k] = val
			case float64, bool:
				r.Metadata[k] = fmt.Sprint(val)
			default:
				return apperr.Validationf("metadata", "value of %q must be a string, number or boolean", k)
			}
		}
	}

	return r.validate()
}

func (r *QueryRequest) validate() error {
	if r.Query == "" {
		return apperr.Validationf("query", "must not be empty")
	}
	if len(r.Query) > maxQueryLength {
		return apperr.Validationf("query", "must be at most %d bytes, got %d", maxQueryLength, len(r.Query))
	}
	return nil
}

// ToAgent converts the request for the agent.
func (r QueryRequest) ToAgent() agent.QueryRequest {
	var metadata map[string]string
	if len(r.Metadata) > 0 {
		metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			metadata[k] = v
		}
	}
	return agent.QueryRequest{
		Query:          r.Query,
		ConversationID: r.ConversationID,
		MaxIterations:  r.MaxIterations,
		Metadata:       metadata,
	}
}

func extractText(field string, raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", apperr.Validationf(field, "is required")
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}

	var segments []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &segments); err == nil {
		var builder strings.Builder
		for _, segment := range segments {
			if segment.Type != "text" {
				return "", apperr.Validationf(field, "segment type %q not supported", segment.Type)
			}
			builder.WriteString(segment.Text)
		}
		return builder.String(), nil
	}

	return "", apperr.Validationf(field, "must be a string or a list of text segments")
}
