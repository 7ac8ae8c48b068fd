package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"finagent/internal/models"
	"finagent/internal/provider"
)

const (
	contentTypeJSON = "application/json"
	userAgent       = "finagent/0.1"
	defaultBaseURL  = "https://api.openai.com/v1"
	keyPrefix       = "sk-"
)

// Provider implements the Provider interface for OpenAI-compatible APIs.
type Provider struct {
	name        string
	apiKey      string
	model       string
	keyPrefix   string
	headers     map[string]string
	temperature *float64
	maxTokens   int
	client      *http.Client
	logger      *slog.Logger
	chatURL     string
}

// Option customises an OpenAI-compatible provider.
type Option func(*Provider)

// WithKeyPrefix overrides the credential prefix ValidateConfiguration expects.
// Vendors sharing the wire format use it to declare their own key shape.
func WithKeyPrefix(prefix string) Option {
	return func(p *Provider) {
		p.keyPrefix = prefix
	}
}

// New creates a new OpenAI-compatible provider.
func New(settings provider.Settings, opts ...Option) (*Provider, error) {
	if settings.Client == nil {
		return nil, errors.New("http client must not be nil")
	}
	if strings.TrimSpace(settings.Model) == "" {
		return nil, errors.New("model must not be empty")
	}

	baseURL := strings.TrimRight(settings.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	name := settings.Name
	if name == "" {
		name = "openai"
	}

	logger := settings.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Provider{
		name:        name,
		apiKey:      settings.APIKey,
		model:       settings.Model,
		keyPrefix:   keyPrefix,
		headers:     settings.Headers,
		temperature: settings.Temperature,
		maxTokens:   settings.MaxTokens,
		client:      settings.Client,
		logger:      logger.With("provider", name),
		chatURL:     baseURL + "/chat/completions",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Constructor adapts New to the provider constructor table.
func Constructor(settings provider.Settings) (provider.Provider, error) {
	return New(settings)
}

func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) ValidateConfiguration() bool {
	key := strings.TrimSpace(p.apiKey)
	return len(key) > len(p.keyPrefix) && strings.HasPrefix(key, p.keyPrefix)
}

func (p *Provider) Complete(ctx context.Context, req models.CompletionRequest) (*models.Completion, error) {
	payload, err := p.buildChatPayload(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := p.newRequest(ctx, http.MethodPost, p.chatURL, payload)
	if err != nil {
		return nil, err
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, provider.Failed(p.name, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		return nil, p.parseAPIError(httpResp)
	}

	var providerResp chatResponse
	if err := decodeJSON(httpResp.Body, &providerResp); err != nil {
		return nil, provider.Failed(p.name, err)
	}

	return p.toCompletion(providerResp)
}

func (p *Provider) newRequest(ctx context.Context, method, url string, payload any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", contentTypeJSON)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	for k, v := range p.headers {
		req.Header.Set(k, v)
	}

	return req, nil
}

type chatPayload struct {
	Model       string          `json:"model"`
	Messages    []wireMessage   `json:"messages"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	Tools       []toolEnvelope  `json:"tools,omitempty"`
	ToolChoice  json.RawMessage `json:"tool_choice,omitempty"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type toolEnvelope struct {
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

var toolChoiceAuto = json.RawMessage(`"auto"`)

func (p *Provider) buildChatPayload(req models.CompletionRequest) (chatPayload, error) {
	if len(req.Messages) == 0 {
		return chatPayload{}, errors.New("completion request requires at least one message")
	}

	messages := make([]wireMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		wire := wireMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		if msg.Role == models.RoleTool {
			wire.Name = msg.Name
		}
		for _, call := range msg.ToolCalls {
			args := call.Arguments
			if args == nil {
				args = map[string]any{}
			}
			encoded, err := json.Marshal(args)
			if err != nil {
				return chatPayload{}, fmt.Errorf("encode arguments for tool call %s: %w", call.ID, err)
			}
			wire.ToolCalls = append(wire.ToolCalls, wireToolCall{
				ID:   call.ID,
				Type: "function",
				Function: wireFunction{
					Name:      call.Name,
					Arguments: string(encoded),
				},
			})
		}
		messages = append(messages, wire)
	}

	payload := chatPayload{
		Model:    p.model,
		Messages: messages,
	}

	if len(req.Tools) > 0 {
		payload.Tools = make([]toolEnvelope, 0, len(req.Tools))
		for _, tool := range req.Tools {
			payload.Tools = append(payload.Tools, toolEnvelope{
				Type: "function",
				Function: toolFunction{
					Name:        tool.Name,
					Description: tool.Description,
					Parameters:  tool.Parameters,
				},
			})
		}
		payload.ToolChoice = toolChoiceAuto
	}

	switch {
	case req.Temperature != nil:
		v := *req.Temperature
		payload.Temperature = &v
	case p.temperature != nil:
		v := *p.temperature
		payload.Temperature = &v
	}
	switch {
	case req.MaxTokens != nil:
		v := *req.MaxTokens
		payload.MaxTokens = &v
	case p.maxTokens > 0:
		v := p.maxTokens
		payload.MaxTokens = &v
	}

	return payload, nil
}

type chatResponse struct {
	ID      string       `json:"id"`
	Choices []chatChoice `json:"choices"`
	Usage   *usageBlock  `json:"usage,omitempty"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      wireMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type usageBlock struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (p *Provider) toCompletion(r chatResponse) (*models.Completion, error) {
	if len(r.Choices) == 0 {
		return nil, provider.Failed(p.name, errors.New("response did not include choices"))
	}

	choice := r.Choices[0]
	completion := &models.Completion{
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
	}
	if r.Usage != nil {
		completion.Usage = models.Usage{
			PromptTokens:     r.Usage.PromptTokens,
			CompletionTokens: r.Usage.CompletionTokens,
			TotalTokens:      r.Usage.TotalTokens,
		}
	}

	for _, call := range choice.Message.ToolCalls {
		args, err := parseArguments(call.Function.Arguments)
		if err != nil {
			p.logger.Warn("dropping tool call with unparseable arguments",
				"tool", call.Function.Name,
				"call_id", call.ID,
				"err", err,
			)
			continue
		}
		completion.ToolCalls = append(completion.ToolCalls, models.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: args,
		})
	}

	return completion, nil
}

func parseArguments(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

type apiErrorResponse struct {
	Error apiErrorObject `json:"error"`
}

type apiErrorObject struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

func (p *Provider) parseAPIError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return &provider.RequestError{
			Provider:   p.name,
			StatusCode: resp.StatusCode,
			Message:    "failed to read error body",
			Err:        err,
		}
	}

	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		return &provider.RequestError{
			Provider:   p.name,
			StatusCode: resp.StatusCode,
			Type:       apiErr.Error.Type,
			Message:    apiErr.Error.Message,
		}
	}

	return &provider.RequestError{
		Provider:   p.name,
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(string(body)),
	}
}

func decodeJSON(reader io.Reader, target any) error {
	decoder := json.NewDecoder(reader)
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("decode provider response: %w", err)
	}
	return nil
}
