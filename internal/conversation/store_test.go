package conversation

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"finagent/internal/models"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestStore(t *testing.T, opts ...Option) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	return NewStore(append([]Option{WithClock(clock.Now)}, opts...)...), clock
}

func TestCreateMintsUUIDAndKeepsSuppliedIDs(t *testing.T) {
	s, _ := newTestStore(t)

	minted := s.Create("")
	_, err := uuid.Parse(minted)
	require.NoError(t, err)

	require.Equal(t, "client-chosen", s.Create("client-chosen"))
	require.NoError(t, s.AppendUser("client-chosen", "hello"))

	require.Equal(t, "client-chosen", s.Create("client-chosen"))
	conv, ok := s.Get("client-chosen")
	require.True(t, ok)
	require.Len(t, conv.Messages, 1, "re-creating an existing id leaves it untouched")
}

func TestAppendUpdatesTimestamps(t *testing.T) {
	s, clock := newTestStore(t)
	id := s.Create("")

	clock.Advance(time.Minute)
	require.NoError(t, s.AppendUser(id, "Show expense trends"))

	conv, _ := s.Get(id)
	require.Equal(t, clock.now, conv.UpdatedAt)
	require.Equal(t, clock.now.Add(-time.Minute), conv.CreatedAt)
	require.Equal(t, clock.now, conv.Messages[0].CreatedAt)
}

func TestAppendToUnknownConversation(t *testing.T) {
	s, _ := newTestStore(t)

	require.ErrorIs(t, s.AppendUser("missing", "hi"), ErrNotFound)
	require.ErrorIs(t, s.AppendAssistant("missing", "hi", nil), ErrNotFound)
	require.ErrorIs(t, s.AppendToolResult("missing", "t", "c", "{}"), ErrNotFound)
	_, err := s.Render("missing", 0)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, s.SetMetadata("missing", "k", "v"), ErrNotFound)
}

func TestToolResultsMustAnswerARequestedCall(t *testing.T) {
	s, _ := newTestStore(t)
	id := s.Create("")
	require.NoError(t, s.AppendUser(id, "revenue"))
	require.NoError(t, s.AppendAssistant(id, "", []models.ToolCall{
		{ID: "call_1", Name: "get_revenue_summary"},
	}))

	require.ErrorIs(t, s.AppendToolResult(id, "get_revenue_summary", "call_9", "{}"), ErrOrphanToolResult)
	require.ErrorIs(t, s.AppendToolResult(id, "get_expense_trends", "call_1", "{}"), ErrOrphanToolResult)
	require.ErrorIs(t, s.AppendToolResult(id, "get_revenue_summary", "", "{}"), ErrOrphanToolResult)
	require.NoError(t, s.AppendToolResult(id, "get_revenue_summary", "call_1", "{}"))

	conv, _ := s.Get(id)
	assertToolLinkage(t, conv.Messages)
}

func TestCallIDsAreUniquePerConversation(t *testing.T) {
	s, _ := newTestStore(t)
	id := s.Create("")
	require.NoError(t, s.AppendUser(id, "revenue"))
	require.NoError(t, s.AppendAssistant(id, "", []models.ToolCall{{ID: "call_1", Name: "get_revenue_summary"}}))
	require.NoError(t, s.AppendToolResult(id, "get_revenue_summary", "call_1", "{}"))

	require.ErrorIs(t, s.AppendToolResult(id, "get_revenue_summary", "call_1", "{}"), ErrOrphanToolResult)
	require.ErrorIs(t, s.AppendAssistant(id, "", []models.ToolCall{{ID: "call_1", Name: "get_revenue_summary"}}), ErrDuplicateCallID)
	require.ErrorIs(t, s.AppendAssistant(id, "", []models.ToolCall{
		{ID: "call_2", Name: "get_revenue_summary"}, {ID: "call_2", Name: "get_expense_trends"},
	}), ErrDuplicateCallID)
	require.ErrorIs(t, s.AppendAssistant(id, "", []models.ToolCall{{Name: "get_revenue_summary"}}), ErrDuplicateCallID)

	used, err := s.CallIDs(id)
	require.NoError(t, err)
	require.Equal(t, map[string]struct{}{"call_1": {}}, used)
	_, err = s.CallIDs("missing")
	require.ErrorIs(t, err, ErrNotFound)

	conv, _ := s.Get(id)
	require.Len(t, conv.Messages, 3)
	assertToolLinkage(t, conv.Messages)
}

func TestRenderRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	id := s.Create("")

	require.NoError(t, s.AppendUser(id, "Compare revenue and expenses"))
	require.NoError(t, s.AppendAssistant(id, "Fetching both.", []models.ToolCall{
		{ID: "call_a", Name: "get_revenue_summary", Arguments: map[string]any{"start_date": "2024-01-01"}},
		{ID: "call_b", Name: "get_expense_trends", Arguments: map[string]any{"start_date": "2024-01-01"}},
	}))
	require.NoError(t, s.AppendToolResult(id, "get_revenue_summary", "call_a", `{"total":1}`))
	require.NoError(t, s.AppendToolResult(id, "get_expense_trends", "call_b", `{"total":2}`))

	rendered, err := s.Render(id, 0)
	require.NoError(t, err)

	roles := make([]string, len(rendered))
	for i, msg := range rendered {
		roles[i] = msg.Role
	}
	require.Equal(t, []string{"user", "assistant", "tool", "tool"}, roles)
	require.Equal(t, "Fetching both.", rendered[1].Content)
	require.Len(t, rendered[1].ToolCalls, 2)
	require.Equal(t, "call_a", rendered[2].ToolCallID)
	require.Equal(t, "get_revenue_summary", rendered[2].Name)
	require.Equal(t, "call_b", rendered[3].ToolCallID)
	assertToolLinkage(t, rendered)
}

func TestRenderIsIdempotentAndWindowed(t *testing.T) {
	s, _ := newTestStore(t)
	id := s.Create("")
	for _, text := range []string{"one", "two", "three", "four"} {
		require.NoError(t, s.AppendUser(id, text))
	}

	first, err := s.Render(id, 2)
	require.NoError(t, err)
	second, err := s.Render(id, 2)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Len(t, first, 2)
	require.Equal(t, "three", first[0].Content)
	require.Equal(t, "four", first[1].Content)

	all, err := s.Render(id, 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
}

func TestReturnedCopiesAreDetached(t *testing.T) {
	s, _ := newTestStore(t)
	id := s.Create("")
	require.NoError(t, s.AppendAssistant(id, "", []models.ToolCall{
		{ID: "call_1", Name: "detect_anomalies", Arguments: map[string]any{"metric": "revenue"}},
	}))

	rendered, err := s.Render(id, 0)
	require.NoError(t, err)
	rendered[0].ToolCalls[0].Arguments["metric"] = "expenses"
	rendered[0].Content = "mutated"

	conv, _ := s.Get(id)
	require.Equal(t, "revenue", conv.Messages[0].ToolCalls[0].Arguments["metric"])
	require.Empty(t, conv.Messages[0].Content)
}

func TestCreateEvictsOldestBeyondCap(t *testing.T) {
	s, clock := newTestStore(t, WithLimits(2, 0))

	first := s.Create("first")
	clock.Advance(time.Second)
	second := s.Create("second")
	clock.Advance(time.Second)
	third := s.Create("third")

	require.Equal(t, 2, s.Stats().ActiveCount)
	_, ok := s.Get(first)
	require.False(t, ok)
	_, ok = s.Get(second)
	require.True(t, ok)
	_, ok = s.Get(third)
	require.True(t, ok)
}

func TestCreateNeverEvictsTheConversationItCreated(t *testing.T) {
	s, clock := newTestStore(t, WithLimits(1, 0))

	s.Create("busy")
	clock.Advance(time.Second)
	require.NoError(t, s.AppendUser("busy", "newer activity"))

	clock.Advance(-time.Hour)
	created := s.Create("stale-clock")

	_, ok := s.Get(created)
	require.True(t, ok)
	require.Equal(t, []string{created}, s.IDs())
}

func TestAcquiredConversationSurvivesEviction(t *testing.T) {
	s, clock := newTestStore(t, WithLimits(2, time.Hour))

	id, release := s.Acquire("mine")
	require.NoError(t, s.AppendUser(id, "revenue"))
	require.NoError(t, s.AppendAssistant(id, "", []models.ToolCall{{ID: "call_1", Name: "get_revenue_summary"}}))

	clock.Advance(time.Second)
	s.Create("")
	clock.Advance(time.Second)
	s.Create("")
	clock.Advance(2 * time.Hour)
	s.Sweep()

	require.NoError(t, s.AppendToolResult(id, "get_revenue_summary", "call_1", "{}"))
	_, ok := s.Get(id)
	require.True(t, ok)

	release()
	release()
	clock.Advance(2 * time.Hour)
	require.Equal(t, 1, s.Sweep())
	_, ok = s.Get(id)
	require.False(t, ok)
}

func TestIdleConversationsAreEvicted(t *testing.T) {
	s, clock := newTestStore(t, WithLimits(10, time.Hour))

	s.Create("idle")
	clock.Advance(30 * time.Minute)
	s.Create("active")
	clock.Advance(45 * time.Minute)

	require.Equal(t, 1, s.Sweep())
	require.Equal(t, []string{"active"}, s.IDs())
}

func TestStatsAndMetadata(t *testing.T) {
	s, clock := newTestStore(t)
	require.Equal(t, Stats{}, s.Stats())

	a := s.Create("a")
	clock.Advance(time.Minute)
	b := s.Create("b")
	require.NoError(t, s.AppendUser(a, "x"))
	require.NoError(t, s.AppendUser(a, "y"))
	require.NoError(t, s.AppendUser(b, "z"))
	require.NoError(t, s.SetMetadata(b, "channel", "cli"))
	clock.Advance(time.Minute)

	stats := s.Stats()
	require.Equal(t, 2, stats.ActiveCount)
	require.Equal(t, 3, stats.TotalMessages)
	require.InDelta(t, 1.5, stats.AverageMessages, 1e-9)
	require.Equal(t, 2*time.Minute, stats.OldestAge)

	conv, _ := s.Get(b)
	require.Equal(t, "cli", conv.Metadata["channel"])

	require.Equal(t, []string{"b", "a"}, s.IDs())
	require.True(t, s.Delete(a))
	require.False(t, s.Delete(a))
}

// assertToolLinkage checks that every tool message answers exactly one
// earlier assistant request with the same tool name.
func assertToolLinkage(t *testing.T, messages []models.Message) {
	t.Helper()
	requested := map[string]string{}
	requests := map[string]int{}
	answers := map[string]int{}
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleAssistant:
			for _, call := range msg.ToolCalls {
				requested[call.ID] = call.Name
				requests[call.ID]++
			}
		case models.RoleTool:
			name, ok := requested[msg.ToolCallID]
			require.True(t, ok, "tool message %q has no preceding request", msg.ToolCallID)
			require.Equal(t, name, msg.Name)
			require.Equal(t, 1, requests[msg.ToolCallID], "call id %q requested more than once", msg.ToolCallID)
			answers[msg.ToolCallID]++
			require.Equal(t, 1, answers[msg.ToolCallID], "call id %q answered more than once", msg.ToolCallID)
		}
	}
}
