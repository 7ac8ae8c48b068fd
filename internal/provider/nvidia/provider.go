package nvidia

import (
	"strings"

	"finagent/internal/provider"
	openaiProvider "finagent/internal/provider/openai"
)

const (
	defaultBaseURL = "https://integrate.api.nvidia.com/v1"
	keyPrefix      = "nvapi-"
)

// Provider serves NVIDIA-hosted models. The endpoint speaks the OpenAI chat
// completions wire format, so every call is delegated to that adapter.
type Provider struct {
	*openaiProvider.Provider
}

// New constructs an NVIDIA provider, defaulting the base URL to the hosted
// inference endpoint.
func New(settings provider.Settings) (*Provider, error) {
	if strings.TrimSpace(settings.BaseURL) == "" {
		settings.BaseURL = defaultBaseURL
	}
	if settings.Name == "" {
		settings.Name = "nvidia"
	}

	adapter, err := openaiProvider.New(settings, openaiProvider.WithKeyPrefix(keyPrefix))
	if err != nil {
		return nil, err
	}
	return &Provider{Provider: adapter}, nil
}

// Constructor adapts New to the provider constructor table.
func Constructor(settings provider.Settings) (provider.Provider, error) {
	return New(settings)
}
