package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"finagent/internal/models"
)

// ErrRequestFailed matches every transport or vendor failure surfaced by an
// adapter.
var ErrRequestFailed = errors.New("provider request failed")

// ErrUnknownProvider indicates a provider name missing from the constructor table.
var ErrUnknownProvider = errors.New("unknown provider")

// Provider is the uniform completion capability every vendor adapter exposes.
type Provider interface {
	Name() string
	// ValidateConfiguration checks the credential shape only; it never
	// touches the network.
	ValidateConfiguration() bool
	Complete(ctx context.Context, req models.CompletionRequest) (*models.Completion, error)
}

// Settings carries everything an adapter constructor needs.
type Settings struct {
	Name        string
	APIKey      string
	Model       string
	BaseURL     string
	Headers     map[string]string
	Temperature *float64
	MaxTokens   int
	Client      *http.Client
	Logger      *slog.Logger
}

// Constructor builds a provider from settings.
type Constructor func(Settings) (Provider, error)

// RequestError describes a failed vendor call. It matches ErrRequestFailed.
type RequestError struct {
	Provider   string
	StatusCode int
	Type       string
	Message    string
	Err        error
}

func (e *RequestError) Error() string {
	switch {
	case e.StatusCode > 0 && e.Type != "":
		return fmt.Sprintf("%s request failed (status %d, %s): %s", e.Provider, e.StatusCode, e.Type, e.Message)
	case e.StatusCode > 0:
		return fmt.Sprintf("%s request failed (status %d): %s", e.Provider, e.StatusCode, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s request failed: %v", e.Provider, e.Err)
	default:
		return fmt.Sprintf("%s request failed: %s", e.Provider, e.Message)
	}
}

func (e *RequestError) Is(target error) bool {
	return target == ErrRequestFailed
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// Failed wraps a transport-level error for the named provider.
func Failed(name string, err error) error {
	return &RequestError{Provider: name, Err: err}
}
