package router

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"finagent/internal/models"
	"finagent/internal/provider"
)

type stubProvider struct {
	name  string
	resp  *models.Completion
	err   error
	calls int
}

func (s *stubProvider) Name() string                { return s.name }
func (s *stubProvider) ValidateConfiguration() bool { return s.name != "" }

func (s *stubProvider) Complete(context.Context, models.CompletionRequest) (*models.Completion, error) {
	s.calls++
	return s.resp, s.err
}

var request = models.CompletionRequest{
	Messages: []models.Message{{Role: models.RoleUser, Content: "revenue?"}},
}

func TestChatCompletionReturnsPrimaryAnswer(t *testing.T) {
	primary := &stubProvider{name: "openai", resp: &models.Completion{Content: "live"}}
	fallback := &stubProvider{name: "offline", resp: &models.Completion{Content: "demo"}}
	r := New(primary, fallback)

	resp, err := r.ChatCompletion(context.Background(), request)
	require.NoError(t, err)
	require.Equal(t, "live", resp.Content)
	require.Equal(t, 0, fallback.calls)
	require.Zero(t, r.FallbackCount())
	require.Equal(t, "openai", r.ProviderName())
	require.True(t, r.Configured())
}

func TestChatCompletionFallsBackOnAuthFailure(t *testing.T) {
	primary := &stubProvider{name: "openai", err: &provider.RequestError{
		Provider: "openai", StatusCode: 401, Message: "Incorrect API key provided",
	}}
	fallback := &stubProvider{name: "offline", resp: &models.Completion{Content: "demo"}}
	r := New(primary, fallback)

	for i := 0; i < 2; i++ {
		resp, err := r.ChatCompletion(context.Background(), request)
		require.NoError(t, err)
		require.Equal(t, "demo", resp.Content)
	}
	require.Equal(t, 2, primary.calls, "fallback is decided per call")
	require.EqualValues(t, 2, r.FallbackCount())
}

func TestChatCompletionWrapsOtherFailures(t *testing.T) {
	cause := &provider.RequestError{Provider: "openai", StatusCode: 500, Message: "overloaded"}
	primary := &stubProvider{name: "openai", err: cause}
	fallback := &stubProvider{name: "offline", resp: &models.Completion{Content: "demo"}}
	r := New(primary, fallback)

	_, err := r.ChatCompletion(context.Background(), request)
	require.Error(t, err)
	require.ErrorIs(t, err, provider.ErrRequestFailed)
	require.Contains(t, err.Error(), "overloaded")
	require.Equal(t, 0, fallback.calls)
}

func TestChatCompletionWithoutFallbackSurfacesAuthFailure(t *testing.T) {
	primary := &stubProvider{name: "claude", err: errors.New("authentication_error: invalid x-api-key")}
	r := New(primary, nil)

	_, err := r.ChatCompletion(context.Background(), request)
	require.Error(t, err)
	require.Contains(t, err.Error(), "claude")
}

func TestChatCompletionRejectsNilResponse(t *testing.T) {
	r := New(&stubProvider{name: "openai"}, nil)
	_, err := r.ChatCompletion(context.Background(), request)
	require.ErrorIs(t, err, provider.ErrRequestFailed)
}

func TestIsAuthFailure(t *testing.T) {
	cases := map[string]struct {
		err  error
		want bool
	}{
		"nil":              {nil, false},
		"status 401":       {&provider.RequestError{StatusCode: 401}, true},
		"unauthorized":     {errors.New("Unauthorized"), true},
		"invalid api key":  {errors.New("Invalid API Key supplied"), true},
		"invalid_api_key":  {errors.New(`code "invalid_api_key"`), true},
		"authentication":   {errors.New("authentication_error"), true},
		"server error":     {&provider.RequestError{StatusCode: 503, Message: "busy"}, false},
		"context deadline": {context.DeadlineExceeded, false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, tc.want, IsAuthFailure(tc.err))
		})
	}
}
