package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"finagent/internal/models"
	"finagent/internal/provider"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc, logger *slog.Logger) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	temp := 0.2
	p, err := New(provider.Settings{
		APIKey:      "sk-test",
		Model:       "gpt-4o-mini",
		BaseURL:     srv.URL,
		Headers:     map[string]string{"X-Team": "finance"},
		Temperature: &temp,
		MaxTokens:   500,
		Client:      srv.Client(),
		Logger:      logger,
	})
	require.NoError(t, err)
	return p
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestCompleteWrapsToolsAndPassesMessagesThrough(t *testing.T) {
	var captured map[string]any
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.Equal(t, "finance", r.Header.Get("X-Team"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &captured))

		writeJSON(t, w, map[string]any{
			"id": "chatcmpl-1",
			"choices": []any{map[string]any{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": "Revenue grew 12%."},
			}},
			"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 4, "total_tokens": 14},
		})
	}, nil)

	resp, err := p.Complete(context.Background(), models.CompletionRequest{
		Messages: []models.Message{
			{Role: models.RoleSystem, Content: "You are a finance analyst."},
			{Role: models.RoleUser, Content: "How is revenue?"},
			{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
				{ID: "call_1", Name: "get_revenue_summary", Arguments: map[string]any{"start_date": "2024-01-01"}},
			}},
			{Role: models.RoleTool, ToolCallID: "call_1", Name: "get_revenue_summary", Content: `{"total":10}`},
		},
		Tools: []models.ToolSchema{{
			Name:        "get_revenue_summary",
			Description: "Summarise revenue",
			Parameters:  map[string]any{"type": "object", "required": []any{"start_date"}},
		}},
	})
	require.NoError(t, err)
	require.Equal(t, "Revenue grew 12%.", resp.Content)
	require.Equal(t, "stop", resp.FinishReason)
	require.Equal(t, 14, resp.Usage.TotalTokens)
	require.Empty(t, resp.ToolCalls)

	require.Equal(t, "gpt-4o-mini", captured["model"])
	require.Equal(t, "auto", captured["tool_choice"])
	require.InDelta(t, 0.2, captured["temperature"], 1e-9)
	require.EqualValues(t, 500, captured["max_tokens"])

	tools := captured["tools"].([]any)
	require.Len(t, tools, 1)
	tool := tools[0].(map[string]any)
	require.Equal(t, "function", tool["type"])
	fn := tool["function"].(map[string]any)
	require.Equal(t, "get_revenue_summary", fn["name"])
	require.Equal(t, "Summarise revenue", fn["description"])
	require.NotNil(t, fn["parameters"])

	messages := captured["messages"].([]any)
	require.Len(t, messages, 4)
	require.Equal(t, "system", messages[0].(map[string]any)["role"])

	assistant := messages[2].(map[string]any)
	calls := assistant["tool_calls"].([]any)
	call := calls[0].(map[string]any)
	require.Equal(t, "call_1", call["id"])
	require.Equal(t, "function", call["type"])
	require.JSONEq(t, `{"start_date":"2024-01-01"}`, call["function"].(map[string]any)["arguments"].(string))

	toolMsg := messages[3].(map[string]any)
	require.Equal(t, "tool", toolMsg["role"])
	require.Equal(t, "call_1", toolMsg["tool_call_id"])
	require.Equal(t, "get_revenue_summary", toolMsg["name"])
}

func TestCompleteOmitsToolChoiceWithoutTools(t *testing.T) {
	var captured map[string]any
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		writeJSON(t, w, map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"role": "assistant", "content": "ok"}}},
		})
	}, nil)

	maxTokens := 42
	_, err := p.Complete(context.Background(), models.CompletionRequest{
		Messages:  []models.Message{{Role: models.RoleUser, Content: "hi"}},
		MaxTokens: &maxTokens,
	})
	require.NoError(t, err)
	require.NotContains(t, captured, "tools")
	require.NotContains(t, captured, "tool_choice")
	require.EqualValues(t, 42, captured["max_tokens"])
}

func TestCompleteDropsToolCallWithBadArguments(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{
			"choices": []any{map[string]any{
				"finish_reason": "tool_calls",
				"message": map[string]any{
					"role":    "assistant",
					"content": "Checking both.",
					"tool_calls": []any{
						map[string]any{"id": "call_a", "type": "function", "function": map[string]any{
							"name": "get_revenue_summary", "arguments": `{"start_date":"2024-01-01","end_date":"2024-03-31"}`,
						}},
						map[string]any{"id": "call_b", "type": "function", "function": map[string]any{
							"name": "get_expense_trends", "arguments": `{"start_date":`,
						}},
						map[string]any{"id": "call_c", "type": "function", "function": map[string]any{
							"name": "get_category_breakdown", "arguments": "",
						}},
					},
				},
			}},
		})
	}, logger)

	resp, err := p.Complete(context.Background(), models.CompletionRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "compare"}},
	})
	require.NoError(t, err)
	require.Equal(t, "Checking both.", resp.Content)
	require.True(t, resp.HasToolCalls())
	require.Len(t, resp.ToolCalls, 2)
	require.Equal(t, "call_a", resp.ToolCalls[0].ID)
	require.Equal(t, "2024-03-31", resp.ToolCalls[0].Arguments["end_date"])
	require.Equal(t, "call_c", resp.ToolCalls[1].ID)
	require.Empty(t, resp.ToolCalls[1].Arguments)
	require.Contains(t, logs.String(), "dropping tool call")
	require.Contains(t, logs.String(), "call_b")
}

func TestCompleteSurfacesVendorErrors(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"Incorrect API key provided","type":"invalid_request_error","code":"invalid_api_key"}}`))
	}, nil)

	_, err := p.Complete(context.Background(), models.CompletionRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	})
	require.Error(t, err)
	require.ErrorIs(t, err, provider.ErrRequestFailed)

	var reqErr *provider.RequestError
	require.True(t, errors.As(err, &reqErr))
	require.Equal(t, http.StatusUnauthorized, reqErr.StatusCode)
	require.Contains(t, err.Error(), "401")
	require.Contains(t, err.Error(), "Incorrect API key provided")
}

func TestCompleteRejectsEmptyChoices(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{"choices": []any{}})
	}, nil)

	_, err := p.Complete(context.Background(), models.CompletionRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	})
	require.ErrorIs(t, err, provider.ErrRequestFailed)
}

func TestValidateConfiguration(t *testing.T) {
	client := http.DefaultClient

	good, err := New(provider.Settings{APIKey: "sk-abc123", Model: "gpt-4o", Client: client})
	require.NoError(t, err)
	require.True(t, good.ValidateConfiguration())
	require.Equal(t, "openai", good.Name())

	bad, err := New(provider.Settings{APIKey: "abc123", Model: "gpt-4o", Client: client})
	require.NoError(t, err)
	require.False(t, bad.ValidateConfiguration())

	custom, err := New(provider.Settings{APIKey: "nvapi-xyz", Model: "m", Client: client}, WithKeyPrefix("nvapi-"))
	require.NoError(t, err)
	require.True(t, custom.ValidateConfiguration())

	_, err = New(provider.Settings{APIKey: "sk-x", Client: client})
	require.Error(t, err)
	_, err = New(provider.Settings{APIKey: "sk-x", Model: "m"})
	require.Error(t, err)
}
