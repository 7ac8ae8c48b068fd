package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"finagent/internal/agent"
	"finagent/internal/apperr"
	"finagent/internal/conversation"
	"finagent/internal/insights"
	"finagent/internal/models"
)

type fakeAgent struct {
	process  func(ctx context.Context, req agent.QueryRequest) (*agent.QueryResult, error)
	requests []agent.QueryRequest
	convs    map[string]conversation.Conversation
}

func (f *fakeAgent) ProcessQuery(ctx context.Context, req agent.QueryRequest) (*agent.QueryResult, error) {
	f.requests = append(f.requests, req)
	return f.process(ctx, req)
}

func (f *fakeAgent) Status() agent.Status {
	return agent.Status{Provider: "offline", Configured: true, Tools: []string{"get_revenue_summary"}, MaxIterations: 5}
}

func (f *fakeAgent) ConversationContext(id string) (conversation.Conversation, error) {
	conv, ok := f.convs[id]
	if !ok {
		return conversation.Conversation{}, fmt.Errorf("%w: %s", conversation.ErrNotFound, id)
	}
	return conv, nil
}

func (f *fakeAgent) ClearConversation(id string) error {
	if _, ok := f.convs[id]; !ok {
		return fmt.Errorf("%w: %s", conversation.ErrNotFound, id)
	}
	delete(f.convs, id)
	return nil
}

type fakeInsights struct{ got []insights.Request }

func (f *fakeInsights) Generate(_ context.Context, req insights.Request) insights.Insight {
	f.got = append(f.got, req)
	return insights.Insight{Type: req.Type, Success: true, Narrative: "fine", KeyFindings: []string{}, Recommendations: []string{}}
}

type fakeConversations struct{}

func (fakeConversations) IDs() []string { return []string{"b", "a"} }
func (fakeConversations) Stats() conversation.Stats {
	return conversation.Stats{ActiveCount: 2, TotalMessages: 6, AverageMessages: 3}
}

type fakeCatalogue struct{}

func (fakeCatalogue) Catalogue() []models.ToolSchema {
	return []models.ToolSchema{{Name: "get_revenue_summary", Description: "Revenue", Parameters: map[string]any{"required": []string{"start_date", "end_date"}}}}
}

func answer(text string) func(context.Context, agent.QueryRequest) (*agent.QueryResult, error) {
	return func(_ context.Context, req agent.QueryRequest) (*agent.QueryResult, error) {
		id := req.ConversationID
		if id == "" {
			id = "generated"
		}
		return &agent.QueryResult{Response: text, ConversationID: id, ToolCallsMade: []agent.ToolInvocationRecord{}, Iterations: 1}, nil
	}
}

func newTestServer(t *testing.T, a *fakeAgent) (*Server, *fakeInsights) {
	t.Helper()
	ins := &fakeInsights{}
	srv, err := New(8080, Dependencies{
		Agent:         a,
		Insights:      ins,
		Conversations: fakeConversations{},
		Tools:         fakeCatalogue{},
	}, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))), WithBanner(nil))
	require.NoError(t, err)
	return srv, ins
}

func do(t *testing.T, srv *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func errorType(t *testing.T, body map[string]any) string {
	t.Helper()
	e, ok := body["error"].(map[string]any)
	require.True(t, ok, "missing error envelope: %v", body)
	require.NotEmpty(t, e["message"])
	return e["type"].(string)
}

func TestNewRejectsBadInput(t *testing.T) {
	_, err := New(8080, Dependencies{})
	require.Error(t, err)

	_, err = New(0, Dependencies{Agent: &fakeAgent{}, Insights: &fakeInsights{}, Conversations: fakeConversations{}, Tools: fakeCatalogue{}})
	require.Error(t, err)
}

func TestHealthAndStatus(t *testing.T) {
	srv, _ := newTestServer(t, &fakeAgent{})

	rec, body := do(t, srv, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", body["status"])

	rec, body = do(t, srv, http.MethodGet, "/api/v1/agent/status/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "offline", body["provider"])
	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestQueryEndpoint(t *testing.T) {
	a := &fakeAgent{process: answer("Revenue grew.")}
	srv, _ := newTestServer(t, a)

	rec, body := do(t, srv, http.MethodPost, "/api/v1/query", `{"query":"How is revenue?","max_iterations":2,"metadata":{"channel":"web"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Revenue grew.", body["response"])
	require.Equal(t, "generated", body["conversation_id"])
	require.Equal(t, []any{}, body["tool_calls_made"])

	require.Len(t, a.requests, 1)
	require.Equal(t, 2, a.requests[0].MaxIterations)
	require.Equal(t, "web", a.requests[0].Metadata["channel"])
}

func TestQueryErrors(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		err     error
		status  int
		errType string
	}{
		{"empty body", "", nil, http.StatusBadRequest, "invalid_request_error"},
		{"malformed json", `{"query":`, nil, http.StatusBadRequest, "invalid_request_error"},
		{"two objects", `{"query":"a"}{"query":"b"}`, nil, http.StatusBadRequest, "invalid_request_error"},
		{"blank query", `{"query":" "}`, nil, http.StatusBadRequest, "invalid_request_error"},
		{"agent validation", `{"query":"q"}`, apperr.Validationf("query", "bad"), http.StatusBadRequest, "invalid_request_error"},
		{"no data", `{"query":"q"}`, &apperr.DataNotFoundError{Resource: "records"}, http.StatusNotFound, "not_found_error"},
		{"analysis", `{"query":"q"}`, &apperr.AnalysisError{Op: "model call", Err: fmt.Errorf("boom")}, http.StatusInternalServerError, "analysis_error"},
		{"unexpected", `{"query":"q"}`, fmt.Errorf("surprise"), http.StatusInternalServerError, "server_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := &fakeAgent{process: func(context.Context, agent.QueryRequest) (*agent.QueryResult, error) {
				return nil, tc.err
			}}
			srv, _ := newTestServer(t, a)
			rec, body := do(t, srv, http.MethodPost, "/api/v1/query", tc.body)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			require.Equal(t, tc.errType, errorType(t, body))
		})
	}
}

func TestConcurrentQueryOnSameConversationConflicts(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	a := &fakeAgent{process: func(_ context.Context, req agent.QueryRequest) (*agent.QueryResult, error) {
		close(started)
		<-release
		return answer("done")(context.Background(), req)
	}}
	srv, _ := newTestServer(t, a)

	done := make(chan int, 1)
	go func() {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/query", strings.NewReader(`{"query":"slow","conversation_id":"c1"}`))
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		done <- rec.Code
	}()
	<-started

	rec, body := do(t, srv, http.MethodPost, "/api/v1/query", `{"query":"fast","conversation_id":"c1"}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "conflict", errorType(t, body))

	rec, _ = do(t, srv, http.MethodDelete, "/api/v1/conversations/c1", "")
	require.Equal(t, http.StatusConflict, rec.Code)

	close(release)
	require.Equal(t, http.StatusOK, <-done)
	require.True(t, srv.locks.TryLock("c1"))
}

func TestConversationEndpoints(t *testing.T) {
	a := &fakeAgent{convs: map[string]conversation.Conversation{
		"c1": {ID: "c1", Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}}},
	}}
	srv, _ := newTestServer(t, a)

	rec, body := do(t, srv, http.MethodGet, "/api/v1/conversations", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []any{"b", "a"}, body["conversations"])
	require.EqualValues(t, 2, body["stats"].(map[string]any)["active_conversations"])

	rec, body = do(t, srv, http.MethodGet, "/api/v1/conversations/c1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "c1", body["id"])
	require.Len(t, body["messages"], 1)

	rec, body = do(t, srv, http.MethodDelete, "/api/v1/conversations/c1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, body["cleared"])

	rec, body = do(t, srv, http.MethodGet, "/api/v1/conversations/c1", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "not_found_error", errorType(t, body))

	rec, _ = do(t, srv, http.MethodDelete, "/api/v1/conversations/c1", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestToolsAndInsights(t *testing.T) {
	srv, ins := newTestServer(t, &fakeAgent{})

	rec, body := do(t, srv, http.MethodGet, "/api/v1/tools", "")
	require.Equal(t, http.StatusOK, rec.Code)
	tools := body["tools"].([]any)
	require.Len(t, tools, 1)
	require.Equal(t, []any{"start_date", "end_date"}, tools[0].(map[string]any)["required"])

	rec, body = do(t, srv, http.MethodPost, "/api/v1/insights", `{"type":"revenue","start_date":"2024-01-01","end_date":"2024-03-31"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, body["success"])
	require.Equal(t, []insights.Request{{Type: "revenue", StartDate: "2024-01-01", EndDate: "2024-03-31"}}, ins.got)

	rec, body = do(t, srv, http.MethodPost, "/api/v1/insights", `{"type":"weather","start_date":"2024-01-01","end_date":"2024-03-31"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_request_error", errorType(t, body))
	require.Len(t, ins.got, 1)
}

func TestUnknownRoute(t *testing.T) {
	srv, _ := newTestServer(t, &fakeAgent{})
	rec, body := do(t, srv, http.MethodGet, "/api/v1/nowhere", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "invalid_request_error", errorType(t, body))
}
