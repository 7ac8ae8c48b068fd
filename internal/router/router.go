package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"finagent/internal/models"
	"finagent/internal/provider"
)

// authFailureMarkers are matched against lowercased error text. Vendors do
// not agree on an authentication error shape, so this is a heuristic.
var authFailureMarkers = []string{
	"401",
	"unauthorized",
	"invalid api key",
	"invalid_api_key",
	"incorrect api key",
	"authentication",
}

// Router sends completion requests to the configured provider and answers
// from the fallback when the vendor rejects the credential.
type Router struct {
	primary   provider.Provider
	fallback  provider.Provider
	logger    *slog.Logger
	fallbacks atomic.Int64
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the structured logger for the router.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		r.logger = l
	}
}

// New constructs a router. fallback may be nil, which disables the fallback.
func New(primary, fallback provider.Provider, opts ...Option) *Router {
	r := &Router{
		primary:  primary,
		fallback: fallback,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ChatCompletion routes a completion request to the primary provider.
func (r *Router) ChatCompletion(ctx context.Context, req models.CompletionRequest) (*models.Completion, error) {
	resp, err := r.primary.Complete(ctx, req)
	if err == nil {
		if resp == nil {
			return nil, fmt.Errorf("provider %s returned an empty response: %w", r.primary.Name(), provider.ErrRequestFailed)
		}
		return resp, nil
	}

	if r.fallback != nil && IsAuthFailure(err) {
		r.fallbacks.Add(1)
		r.logger.Warn("provider rejected credentials, answering offline",
			"provider", r.primary.Name(),
			"fallback", r.fallback.Name(),
			"err", err,
		)
		resp, fbErr := r.fallback.Complete(ctx, req)
		if fbErr != nil {
			return nil, fmt.Errorf("fallback %s chat request: %w", r.fallback.Name(), fbErr)
		}
		return resp, nil
	}

	return nil, fmt.Errorf("provider %s chat request: %w", r.primary.Name(), err)
}

// ProviderName reports the primary provider's name.
func (r *Router) ProviderName() string {
	return r.primary.Name()
}

// Configured reports whether the primary provider's credential is well formed.
func (r *Router) Configured() bool {
	return r.primary.ValidateConfiguration()
}

// FallbackCount reports how many calls were answered by the fallback.
func (r *Router) FallbackCount() int64 {
	return r.fallbacks.Load()
}

// IsAuthFailure reports whether err looks like a rejected credential.
func IsAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	var reqErr *provider.RequestError
	if errors.As(err, &reqErr) && reqErr.StatusCode == 401 {
		return true
	}
	text := strings.ToLower(err.Error())
	for _, marker := range authFailureMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}
