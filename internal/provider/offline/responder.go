// Package offline provides a deterministic stand-in for a language model. It
// keeps the agent usable when no vendor credential works.
package offline

import (
	"context"
	"fmt"
	"strings"

	"finagent/internal/models"
	"finagent/internal/provider"
)

// Marker prefixes every piece of content the responder produces.
const Marker = "[DEMO MODE]"

const (
	// DefaultStartDate and DefaultEndDate bound the simulated tool calls.
	DefaultStartDate = "2024-01-01"
	DefaultEndDate   = "2024-12-31"

	revenueTool = "get_revenue_summary"
	expenseTool = "get_expense_trends"

	maxResultPreview = 240
)

// Responder answers completion requests without a network call.
type Responder struct{}

// New returns an offline responder.
func New() *Responder {
	return &Responder{}
}

// Constructor adapts New to the provider constructor table.
func Constructor(provider.Settings) (provider.Provider, error) {
	return New(), nil
}

func (r *Responder) Name() string {
	return "offline"
}

func (r *Responder) ValidateConfiguration() bool {
	return true
}

func (r *Responder) Complete(ctx context.Context, req models.CompletionRequest) (*models.Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if results := trailingToolResults(req.Messages); len(results) > 0 {
		return &models.Completion{
			Content:      summarizeResults(results),
			FinishReason: "stop",
		}, nil
	}

	query := strings.ToLower(latestUserContent(req.Messages))

	if len(req.Tools) > 0 {
		calls := simulatedCalls(query, req.Tools, assistantTurns(req.Messages)+1)
		if len(calls) > 0 {
			return &models.Completion{
				Content:      fmt.Sprintf("%s Running %s for %s to %s.", Marker, callNames(calls), DefaultStartDate, DefaultEndDate),
				ToolCalls:    calls,
				FinishReason: "tool_calls",
			}, nil
		}
		return &models.Completion{
			Content: Marker + " The language model is unavailable, so only keyword-based analysis is possible. " +
				"Ask about revenue or expenses to run the matching financial tools.",
			FinishReason: "stop",
		}, nil
	}

	return &models.Completion{
		Content: Marker + " Offline narrative generated without a language model. " +
			"The figures were computed directly from the stored financial records.\n\n" +
			"Key Findings:\n" +
			"- Totals, growth and category splits reflect the requested period.\n\n" +
			"Recommendations:\n" +
			"- Configure a valid LLM API key to receive tailored commentary.",
		FinishReason: "stop",
	}, nil
}

// simulatedCalls numbers ids by turn so repeated questions in one
// conversation do not reuse them.
func simulatedCalls(query string, tools []models.ToolSchema, turn int) []models.ToolCall {
	available := make(map[string]struct{}, len(tools))
	for _, tool := range tools {
		available[tool.Name] = struct{}{}
	}

	var calls []models.ToolCall
	add := func(name string) {
		if _, ok := available[name]; !ok {
			return
		}
		calls = append(calls, models.ToolCall{
			ID:   fmt.Sprintf("offline_call_%d_%d", turn, len(calls)+1),
			Name: name,
			Arguments: map[string]any{
				"start_date": DefaultStartDate,
				"end_date":   DefaultEndDate,
			},
		})
	}

	if strings.Contains(query, "revenue") {
		add(revenueTool)
	}
	if strings.Contains(query, "expense") {
		add(expenseTool)
	}
	return calls
}

func callNames(calls []models.ToolCall) string {
	names := make([]string, 0, len(calls))
	for _, call := range calls {
		names = append(names, call.Name)
	}
	return strings.Join(names, " and ")
}

func assistantTurns(messages []models.Message) int {
	n := 0
	for _, msg := range messages {
		if msg.Role == models.RoleAssistant {
			n++
		}
	}
	return n
}

func latestUserContent(messages []models.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == models.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

// trailingToolResults returns the tool messages at the end of the history,
// oldest first.
func trailingToolResults(messages []models.Message) []models.Message {
	end := len(messages)
	start := end
	for start > 0 && messages[start-1].Role == models.RoleTool {
		start--
	}
	return messages[start:end]
}

func summarizeResults(results []models.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s Offline summary of %d tool result(s):\n", Marker, len(results))
	for _, result := range results {
		preview := strings.TrimSpace(result.Content)
		if len(preview) > maxResultPreview {
			preview = preview[:maxResultPreview] + "..."
		}
		fmt.Fprintf(&b, "- %s: %s\n", result.Name, preview)
	}
	b.WriteString("\nConfigure a valid LLM API key for a full narrative answer.")
	return b.String()
}
