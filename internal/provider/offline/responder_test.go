package offline

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"finagent/internal/models"
)

var catalogue = []models.ToolSchema{
	{Name: "get_revenue_summary"},
	{Name: "get_expense_trends"},
	{Name: "detect_anomalies"},
}

func TestKeywordQueriesProduceToolCalls(t *testing.T) {
	r := New()

	resp, err := r.Complete(context.Background(), models.CompletionRequest{
		Messages: []models.Message{
			{Role: models.RoleSystem, Content: "system"},
			{Role: models.RoleUser, Content: "Compare Revenue and EXPENSES for last year"},
		},
		Tools: catalogue,
	})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(resp.Content, Marker))
	require.Equal(t, "tool_calls", resp.FinishReason)
	require.Len(t, resp.ToolCalls, 2)

	require.Equal(t, "offline_call_1_1", resp.ToolCalls[0].ID)
	require.Equal(t, "get_revenue_summary", resp.ToolCalls[0].Name)
	require.Equal(t, "offline_call_1_2", resp.ToolCalls[1].ID)
	require.Equal(t, "get_expense_trends", resp.ToolCalls[1].Name)
	for _, call := range resp.ToolCalls {
		require.Equal(t, DefaultStartDate, call.Arguments["start_date"])
		require.Equal(t, DefaultEndDate, call.Arguments["end_date"])
	}
}

func TestToolsMissingFromCatalogueAreNotCalled(t *testing.T) {
	resp, err := New().Complete(context.Background(), models.CompletionRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "revenue please"}},
		Tools:    []models.ToolSchema{{Name: "detect_anomalies"}},
	})
	require.NoError(t, err)
	require.Empty(t, resp.ToolCalls)
	require.Contains(t, resp.Content, Marker)
}

func TestToolResultsAreSummarised(t *testing.T) {
	resp, err := New().Complete(context.Background(), models.CompletionRequest{
		Messages: []models.Message{
			{Role: models.RoleUser, Content: "revenue"},
			{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "offline_call_1", Name: "get_revenue_summary"}}},
			{Role: models.RoleTool, ToolCallID: "offline_call_1", Name: "get_revenue_summary", Content: `{"total_revenue": 1200}`},
		},
		Tools: catalogue,
	})
	require.NoError(t, err)
	require.Empty(t, resp.ToolCalls, "summaries never request more tools")
	require.Contains(t, resp.Content, "1 tool result(s)")
	require.Contains(t, resp.Content, "get_revenue_summary")
	require.Contains(t, resp.Content, "1200")
}

func TestLongResultsAreTruncated(t *testing.T) {
	long := strings.Repeat("x", maxResultPreview*2)
	out := summarizeResults([]models.Message{{Role: models.RoleTool, Name: "t", Content: long}})
	require.Contains(t, out, strings.Repeat("x", maxResultPreview)+"...")
	require.NotContains(t, out, strings.Repeat("x", maxResultPreview+1))
}

func TestNarrativeWithoutTools(t *testing.T) {
	resp, err := New().Complete(context.Background(), models.CompletionRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "Write an executive summary"}},
	})
	require.NoError(t, err)
	require.Contains(t, resp.Content, "Key Findings:")
	require.Contains(t, resp.Content, "Recommendations:")
	require.Equal(t, "stop", resp.FinishReason)
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New().Complete(ctx, models.CompletionRequest{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestCallIDsDifferAcrossTurns(t *testing.T) {
	resp, err := New().Complete(context.Background(), models.CompletionRequest{
		Messages: []models.Message{
			{Role: models.RoleUser, Content: "revenue"},
			{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "offline_call_1_1", Name: "get_revenue_summary"}}},
			{Role: models.RoleTool, ToolCallID: "offline_call_1_1", Name: "get_revenue_summary", Content: "{}"},
			{Role: models.RoleAssistant, Content: "Revenue was flat."},
			{Role: models.RoleUser, Content: "revenue again"},
		},
		Tools: catalogue,
	})
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	require.Equal(t, "offline_call_3_1", resp.ToolCalls[0].ID)
}
