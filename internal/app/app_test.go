package app

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"finagent/internal/agent"
	"finagent/internal/apperr"
	"finagent/internal/config"
	"finagent/internal/insights"
	"finagent/internal/provider/offline"
)

func TestNewOfflineApp(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, config.Default(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close()) })

	n, err := a.Finance.Count(ctx)
	require.NoError(t, err)
	require.Positive(t, n)
	require.Len(t, a.Tools.Names(), 7)
	require.Equal(t, "offline", a.Router.ProviderName())

	res, err := a.Agent.ProcessQuery(ctx, agent.QueryRequest{Query: "How did revenue and expenses develop?"})
	require.NoError(t, err)
	require.Contains(t, res.Response, offline.Marker)
	require.Len(t, res.ToolCallsMade, 2)
	require.Zero(t, a.Router.FallbackCount())

	insight := a.Insights.Generate(ctx, insights.Request{Type: insights.TypeOverview, StartDate: "2024-01-01", EndDate: "2024-12-31"})
	require.True(t, insight.Success, insight.Narrative)
}

func TestNewRejectsMalformedCredential(t *testing.T) {
	cfg := config.Default()
	cfg.LLM.Provider = config.ProviderOpenAI
	cfg.LLM.APIKey = "not-a-key"
	cfg.LLM.Model = "gpt-4o-mini"

	_, err := New(context.Background(), cfg, nil)
	var cfgErr *apperr.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	require.Equal(t, "llm.api_key", cfgErr.Setting)
}

func TestCloseNil(t *testing.T) {
	var a *App
	require.NoError(t, a.Close())
}
