package claude

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
	contentTypeJSON  = "application/json"
	userAgent        = "finagent/0.1"
	apiVersion       = "2023-06-01"
	defaultBaseURL   = "https://api.anthropic.com"
	defaultMaxTokens = 4096
	keyPrefix        = "sk-ant-"
)

// Provider implements Anthropic Claude API interactions.
type Provider struct {
	name        string
	apiKey      string
	model       string
	headers     map[string]string
	temperature *float64
	maxTokens   int
	client      *http.Client
	logger      *slog.Logger
	messages    string
}

// New constructs a Claude provider instance.
func New(settings provider.Settings) (*Provider, error) {
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
		name = "claude"
	}

	logger := settings.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Provider{
		name:        name,
		apiKey:      settings.APIKey,
		model:       settings.Model,
		headers:     settings.Headers,
		temperature: settings.Temperature,
		maxTokens:   settings.MaxTokens,
		client:      settings.Client,
		logger:      logger.With("provider", name),
		messages:    baseURL + "/v1/messages",
	}, nil
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
	return len(key) > len(keyPrefix) && strings.HasPrefix(key, keyPrefix)
}

func (p *Provider) Complete(ctx context.Context, req models.CompletionRequest) (*models.Completion, error) {
	payload, err := p.buildMessagePayload(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := p.newRequest(ctx, http.MethodPost, p.messages, payload)
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

	var providerResp messageResponse
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
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", apiVersion)

	for k, v := range p.headers {
		req.Header.Set(k, v)
	}

	return req, nil
}

type messagePayload struct {
	Model       string      `json:"model"`
	Messages    []message   `json:"messages"`
	System      string      `json:"system,omitempty"`
	MaxTokens   int         `json:"max_tokens"`
	Temperature *float64    `json:"temperature,omitempty"`
	Tools       []toolEntry `json:"tools,omitempty"`
}

type message struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
	// replayed marks a user turn carrying tool results rendered as text.
	replayed bool
}

// contentBlock is the union of text, tool_use and tool_result blocks.
type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type toolEntry struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// buildMessagePayload maps the request onto the Messages API. Without a tool
// catalogue the API rejects tool_use and tool_result blocks, so earlier tool
// rounds are replayed as plain text instead.
func (p *Provider) buildMessagePayload(req models.CompletionRequest) (messagePayload, error) {
	messages := make([]message, 0, len(req.Messages))
	var systemParts []string
	toolBlocks := len(req.Tools) > 0

	for _, msg := range req.Messages {
		switch msg.Role {
		case models.RoleSystem:
			if strings.TrimSpace(msg.Content) != "" {
				systemParts = append(systemParts, msg.Content)
			}
		case models.RoleUser:
			if strings.TrimSpace(msg.Content) == "" {
				return messagePayload{}, errors.New("claude user messages must not be empty")
			}
			messages = append(messages, message{
				Role:    models.RoleUser,
				Content: []contentBlock{{Type: "text", Text: msg.Content}},
			})
		case models.RoleAssistant:
			render := assistantBlocks
			if !toolBlocks {
				render = assistantText
			}
			blocks, err := render(msg)
			if err != nil {
				return messagePayload{}, err
			}
			if len(blocks) == 0 {
				continue
			}
			messages = append(messages, message{Role: models.RoleAssistant, Content: blocks})
		case models.RoleTool:
			if !toolBlocks {
				messages = appendUserText(messages, toolResultText(msg))
				continue
			}
			block := contentBlock{
				Type:      "tool_result",
				ToolUseID: msg.ToolCallID,
				Content:   msg.Content,
			}
			// Results answering one assistant turn travel in a single user turn.
			if n := len(messages); n > 0 && isToolResultTurn(messages[n-1]) {
				messages[n-1].Content = append(messages[n-1].Content, block)
				continue
			}
			messages = append(messages, message{Role: models.RoleUser, Content: []contentBlock{block}})
		default:
			return messagePayload{}, fmt.Errorf("claude provider does not support role %q", msg.Role)
		}
	}

	messages = p.trimToFirstUserTurn(messages)
	if len(messages) == 0 {
		return messagePayload{}, errors.New("claude request requires at least one user message")
	}

	payload := messagePayload{
		Model:    p.model,
		Messages: messages,
	}

	if len(systemParts) > 0 {
		payload.System = strings.Join(systemParts, "\n\n")
	}

	switch {
	case req.MaxTokens != nil && *req.MaxTokens > 0:
		payload.MaxTokens = *req.MaxTokens
	case p.maxTokens > 0:
		payload.MaxTokens = p.maxTokens
	default:
		payload.MaxTokens = defaultMaxTokens
	}

	switch {
	case req.Temperature != nil:
		v := *req.Temperature
		payload.Temperature = &v
	case p.temperature != nil:
		v := *p.temperature
		payload.Temperature = &v
	}

	for _, tool := range req.Tools {
		payload.Tools = append(payload.Tools, toolEntry{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.Parameters,
		})
	}

	return payload, nil
}

// assistantBlocks emits the text first, then one tool_use block per call.
func assistantBlocks(msg models.Message) ([]contentBlock, error) {
	blocks := make([]contentBlock, 0, 1+len(msg.ToolCalls))
	if strings.TrimSpace(msg.Content) != "" {
		blocks = append(blocks, contentBlock{Type: "text", Text: msg.Content})
	}
	for _, call := range msg.ToolCalls {
		args := call.Arguments
		if args == nil {
			args = map[string]any{}
		}
		input, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("encode arguments for tool call %s: %w", call.ID, err)
		}
		blocks = append(blocks, contentBlock{
			Type:  "tool_use",
			ID:    call.ID,
			Name:  call.Name,
			Input: input,
		})
	}
	return blocks, nil
}

// assistantText renders an assistant turn, tool calls included, as a single
// text block.
func assistantText(msg models.Message) ([]contentBlock, error) {
	parts := make([]string, 0, 1+len(msg.ToolCalls))
	if text := strings.TrimSpace(msg.Content); text != "" {
		parts = append(parts, text)
	}
	for _, call := range msg.ToolCalls {
		args := call.Arguments
		if args == nil {
			args = map[string]any{}
		}
		input, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("encode arguments for tool call %s: %w", call.ID, err)
		}
		parts = append(parts, fmt.Sprintf("[called %s (%s) with %s]", call.Name, call.ID, input))
	}
	if len(parts) == 0 {
		return nil, nil
	}
	return []contentBlock{{Type: "text", Text: strings.Join(parts, "\n")}}, nil
}

func toolResultText(msg models.Message) string {
	return fmt.Sprintf("[result of %s (%s)]\n%s", msg.Name, msg.ToolCallID, msg.Content)
}

// appendUserText adds text to the trailing user turn built from tool
// results, or opens a new one.
func appendUserText(messages []message, text string) []message {
	block := contentBlock{Type: "text", Text: text}
	if n := len(messages); n > 0 && messages[n-1].Role == models.RoleUser && messages[n-1].replayed {
		messages[n-1].Content = append(messages[n-1].Content, block)
		return messages
	}
	return append(messages, message{Role: models.RoleUser, Content: []contentBlock{block}, replayed: true})
}

func isToolResultTurn(m message) bool {
	if m.replayed {
		return true
	}
	if m.Role != models.RoleUser || len(m.Content) == 0 {
		return false
	}
	for _, block := range m.Content {
		if block.Type != "tool_result" {
			return false
		}
	}
	return true
}

// trimToFirstUserTurn drops anything ahead of the first plain user turn; the
// Messages API rejects conversations that open with an assistant turn or with
// tool results whose tool_use fell out of the history window.
func (p *Provider) trimToFirstUserTurn(messages []message) []message {
	for i, m := range messages {
		if m.Role == models.RoleUser && !isToolResultTurn(m) {
			if i > 0 {
				p.logger.Debug("trimmed leading turns from claude request", "dropped", i)
			}
			return messages[i:]
		}
	}
	return nil
}

type messageResponse struct {
	ID         string         `json:"id"`
	Role       string         `json:"role"`
	Content    []contentBlock `json:"content"`
	Usage      usageBlock     `json:"usage"`
	StopReason string         `json:"stop_reason"`
}

type usageBlock struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (p *Provider) toCompletion(r messageResponse) (*models.Completion, error) {
	var texts []string
	completion := &models.Completion{
		FinishReason: r.StopReason,
		Usage: models.Usage{
			PromptTokens:     r.Usage.InputTokens,
			CompletionTokens: r.Usage.OutputTokens,
			TotalTokens:      r.Usage.InputTokens + r.Usage.OutputTokens,
		},
	}

	for _, block := range r.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				texts = append(texts, block.Text)
			}
		case "tool_use":
			args := map[string]any{}
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &args); err != nil {
					p.logger.Warn("dropping tool_use block with unparseable input",
						"tool", block.Name,
						"call_id", block.ID,
						"err", err,
					)
					continue
				}
				if args == nil {
					args = map[string]any{}
				}
			}
			completion.ToolCalls = append(completion.ToolCalls, models.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: args,
			})
		default:
			p.logger.Debug("ignoring claude content block", "type", block.Type)
		}
	}

	completion.Content = strings.Join(texts, "\n")
	return completion, nil
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
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
