package factory

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"finagent/internal/apperr"
	"finagent/internal/config"
	"finagent/internal/provider"
	claudeProvider "finagent/internal/provider/claude"
	nvidiaProvider "finagent/internal/provider/nvidia"
	"finagent/internal/provider/offline"
	openaiProvider "finagent/internal/provider/openai"
)

const (
	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
)

// Constructors is the closed set of provider kinds selectable by name.
var Constructors = map[string]provider.Constructor{
	config.ProviderOpenAI:  openaiProvider.Constructor,
	config.ProviderNVIDIA:  nvidiaProvider.Constructor,
	config.ProviderClaude:  claudeProvider.Constructor,
	config.ProviderOffline: offline.Constructor,
}

// New resolves the configured provider once at start-up. A credential that
// fails the provider's shape check is a configuration error.
func New(cfg config.LLMConfig, logger *slog.Logger) (provider.Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ctor, ok := Constructors[cfg.Provider]
	if !ok {
		return nil, &apperr.ConfigurationError{
			Setting: "llm.provider",
			Err:     fmt.Errorf("%w: %q", provider.ErrUnknownProvider, cfg.Provider),
		}
	}

	p, err := ctor(provider.Settings{
		Name:        cfg.Provider,
		APIKey:      cfg.APIKey,
		Model:       cfg.Model,
		BaseURL:     cfg.BaseURL,
		Headers:     cfg.Headers,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		Client:      newHTTPClient(cfg.Timeout),
		Logger:      logger,
	})
	if err != nil {
		return nil, &apperr.ConfigurationError{
			Setting: "llm",
			Err:     fmt.Errorf("initialise %s provider: %w", cfg.Provider, err),
		}
	}

	if !p.ValidateConfiguration() {
		return nil, &apperr.ConfigurationError{
			Setting: "llm.api_key",
			Err:     fmt.Errorf("credential does not look like a %s API key", p.Name()),
		}
	}

	logger.Info("provider configured", "provider", p.Name(), "model", cfg.Model)
	return p, nil
}

func newHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
