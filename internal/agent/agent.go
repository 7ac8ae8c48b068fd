// Package agent drives the model through the tool-calling loop for one query
// at a time.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"finagent/internal/apperr"
	"finagent/internal/config"
	"finagent/internal/conversation"
	"finagent/internal/models"
	"finagent/internal/tools"
)

// Apology is the answer of last resort when the model produced no text.
const Apology = "I'm sorry, I could not produce an answer for that question. Please try rephrasing it."

var errEmptyCompletion = errors.New("model returned no completion")

const synthesisInstruction = "The tool budget for this question is used up. Answer the user's question now " +
	"using only the tool results above. Do not request further tools."

// Completer is the completion capability the loop needs.
type Completer interface {
	ChatCompletion(ctx context.Context, req models.CompletionRequest) (*models.Completion, error)
}

// Registry is the tool catalogue and dispatcher.
type Registry interface {
	Catalogue() []models.ToolSchema
	Schema(name string) (models.ToolSchema, bool)
	Invoke(ctx context.Context, name string, args map[string]any) (any, error)
}

// providerStatus is implemented by the completion router.
type providerStatus interface {
	ProviderName() string
	Configured() bool
	FallbackCount() int64
}

// Settings tunes the loop.
type Settings struct {
	MaxIterations  int
	HistoryWindow  int
	FinalSynthesis bool
	Temperature    *float64
	MaxTokens      *int
}

// SettingsFrom maps the agent section of the configuration.
func SettingsFrom(cfg config.AgentConfig) Settings {
	return Settings{
		MaxIterations:  cfg.MaxIterations,
		HistoryWindow:  cfg.HistoryWindow,
		FinalSynthesis: cfg.SynthesisEnabled(),
	}
}

// Agent answers questions by alternating model turns and tool calls.
type Agent struct {
	llm          Completer
	registry     Registry
	store        *conversation.Store
	settings     Settings
	systemPrompt string
	logger       *slog.Logger
}

// Option configures an Agent.
type Option func(*Agent)

// WithLogger sets the structured logger for the agent.
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) {
		a.logger = l
	}
}

// New constructs an agent. Zero settings fall back to the defaults.
func New(llm Completer, registry Registry, store *conversation.Store, settings Settings, opts ...Option) *Agent {
	if settings.MaxIterations <= 0 {
		settings.MaxIterations = defaultMaxIterations
	}
	if settings.HistoryWindow <= 0 {
		settings.HistoryWindow = defaultHistoryWindow
	}

	a := &Agent{
		llm:          llm,
		registry:     registry,
		store:        store,
		settings:     settings,
		systemPrompt: buildSystemPrompt(registry.Catalogue()),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

const (
	defaultMaxIterations = 5
	defaultHistoryWindow = 10
)

// QueryRequest is one question.
type QueryRequest struct {
	Query          string
	ConversationID string
	// MaxIterations overrides the configured budget; 0 keeps it.
	MaxIterations int
	// Metadata is stored on the conversation.
	Metadata map[string]string
}

// ToolInvocationRecord is the audit entry of one tool call.
type ToolInvocationRecord struct {
	CallID    string         `json:"call_id"`
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
	Success   bool           `json:"success"`
	Result    any            `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// QueryResult is the answer plus its audit trail.
type QueryResult struct {
	Response       string                 `json:"response"`
	ConversationID string                 `json:"conversation_id"`
	ToolCallsMade  []ToolInvocationRecord `json:"tool_calls_made"`
	DataUsed       DataUsed               `json:"data_used"`
	Iterations     int                    `json:"iterations"`
}

// ProcessQuery runs the tool-calling loop for one question. It is not
// idempotent: replaying a query appends its messages again.
func (a *Agent) ProcessQuery(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, apperr.Validationf("query", "must not be empty")
	}
	budget := req.MaxIterations
	if budget < 0 || budget > config.MaxIterationsLimit {
		return nil, apperr.Validationf("max_iterations", "must be between 1 and %d, got %d", config.MaxIterationsLimit, budget)
	}
	if budget == 0 {
		budget = a.settings.MaxIterations
	}

	id, release := a.store.Acquire(req.ConversationID)
	defer release()
	logger := a.logger.With("conversation_id", id)
	for k, v := range req.Metadata {
		if err := a.store.SetMetadata(id, k, v); err != nil {
			return nil, &apperr.AnalysisError{Op: "record metadata", Err: err}
		}
	}
	if err := a.store.AppendUser(id, query); err != nil {
		return nil, &apperr.AnalysisError{Op: "record query", Err: err}
	}

	history, err := a.store.Render(id, a.settings.HistoryWindow)
	if err != nil {
		return nil, &apperr.AnalysisError{Op: "render history", Err: err}
	}
	run := &queryRun{
		agent:   a,
		id:      id,
		logger:  logger,
		catalog: a.registry.Catalogue(),
		buffer:  dropOrphanToolResults(history),
	}

	answer, err := run.loop(ctx, budget)
	if err != nil {
		logger.Error("query failed", "iterations", run.iterations, "err", err)
		return nil, err
	}

	result := &QueryResult{
		Response:       answer,
		ConversationID: id,
		ToolCallsMade:  run.records,
		DataUsed:       summarizeDataUsed(run.records),
		Iterations:     run.iterations,
	}
	if result.ToolCallsMade == nil {
		result.ToolCallsMade = []ToolInvocationRecord{}
	}
	logger.Info("query answered",
		"iterations", run.iterations,
		"tool_calls", len(run.records),
	)
	return result, nil
}

// queryRun is the state of one ProcessQuery call.
type queryRun struct {
	agent      *Agent
	id         string
	logger     *slog.Logger
	catalog    []models.ToolSchema
	buffer     []models.Message
	records    []ToolInvocationRecord
	iterations int
}

func (r *queryRun) loop(ctx context.Context, budget int) (string, error) {
	var lastContent string

	for r.iterations < budget {
		resp, err := r.complete(ctx, r.catalog)
		if err != nil {
			return "", &apperr.AnalysisError{Op: "model call", Err: err}
		}
		if resp == nil {
			return "", &apperr.AnalysisError{Op: "model call", Err: errEmptyCompletion}
		}

		used, err := r.agent.store.CallIDs(r.id)
		if err != nil {
			return "", &apperr.AnalysisError{Op: "record assistant turn", Err: err}
		}
		calls := assignCallIDs(resp.ToolCalls, r.iterations, used)
		if err := r.agent.store.AppendAssistant(r.id, resp.Content, calls); err != nil {
			return "", &apperr.AnalysisError{Op: "record assistant turn", Err: err}
		}
		r.buffer = append(r.buffer, models.CloneMessage(models.Message{
			Role:      models.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: calls,
		}))
		if strings.TrimSpace(resp.Content) != "" {
			lastContent = resp.Content
		}

		if len(calls) == 0 {
			r.iterations++
			return orApology(resp.Content), nil
		}

		for _, call := range calls {
			if err := r.runTool(ctx, call); err != nil {
				return "", err
			}
		}
		r.iterations++
	}

	// The budget ran out right after a tool-requesting turn.
	r.logger.Info("iteration budget exhausted", "iterations", r.iterations)
	if r.agent.settings.FinalSynthesis {
		if text := r.synthesize(ctx); text != "" {
			return text, nil
		}
	}
	return orApology(lastContent), nil
}

func (r *queryRun) complete(ctx context.Context, catalog []models.ToolSchema) (*models.Completion, error) {
	messages := make([]models.Message, 0, len(r.buffer)+1)
	messages = append(messages, models.Message{Role: models.RoleSystem, Content: r.agent.systemPrompt})
	messages = append(messages, r.buffer...)

	return r.agent.llm.ChatCompletion(ctx, models.CompletionRequest{
		Messages:    messages,
		Tools:       catalog,
		Temperature: r.agent.settings.Temperature,
		MaxTokens:   r.agent.settings.MaxTokens,
	})
}

// synthesize asks once more, without tools, for a closing answer. Only the
// text is kept; any tool calls in the reply are ignored.
func (r *queryRun) synthesize(ctx context.Context) string {
	r.buffer = append(r.buffer, models.Message{Role: models.RoleSystem, Content: synthesisInstruction})
	resp, err := r.complete(ctx, nil)
	r.buffer = r.buffer[:len(r.buffer)-1]
	if err == nil && resp == nil {
		err = errEmptyCompletion
	}
	if err != nil {
		r.logger.Warn("closing synthesis failed", "err", err)
		return ""
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return ""
	}
	if err := r.agent.store.AppendAssistant(r.id, resp.Content, nil); err != nil {
		r.logger.Warn("could not record closing synthesis", "err", err)
	}
	return resp.Content
}

// runTool validates, dispatches and records one call. Tool failures become
// error results; only store failures abort the query.
func (r *queryRun) runTool(ctx context.Context, call models.ToolCall) error {
	record := ToolInvocationRecord{
		CallID:    call.ID,
		ToolName:  call.Name,
		Arguments: models.CloneArguments(call.Arguments),
	}
	if record.Arguments == nil {
		record.Arguments = map[string]any{}
	}

	var content string
	result, err := r.invoke(ctx, call)
	if err == nil {
		var encoded []byte
		encoded, err = json.Marshal(result)
		if err == nil {
			content = string(encoded)
			record.Success = true
			record.Result = result
		} else {
			err = fmt.Errorf("encode result: %w", err)
		}
	}
	if err != nil {
		content = "Error: " + err.Error()
		record.Error = err.Error()
		r.logger.Warn("tool call failed", "tool", call.Name, "call_id", call.ID, "err", err)
	} else {
		r.logger.Debug("tool call succeeded", "tool", call.Name, "call_id", call.ID)
	}
	r.records = append(r.records, record)

	if err := r.agent.store.AppendToolResult(r.id, call.Name, call.ID, content); err != nil {
		return &apperr.AnalysisError{Op: "record tool result", Err: err}
	}
	r.buffer = append(r.buffer, models.Message{
		Role:       models.RoleTool,
		Content:    content,
		ToolCallID: call.ID,
		Name:       call.Name,
	})
	return nil
}

func (r *queryRun) invoke(ctx context.Context, call models.ToolCall) (any, error) {
	schema, ok := r.agent.registry.Schema(call.Name)
	if !ok {
		return nil, fmt.Errorf("%w %q", tools.ErrUnknownTool, call.Name)
	}
	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}
	if err := tools.ValidateRequired(schema, args); err != nil {
		return nil, err
	}
	return r.agent.registry.Invoke(ctx, call.Name, models.CloneArguments(args))
}

// assignCallIDs gives every call an id unused in the conversation so each
// tool result points back at exactly one request. Empty ids and ids already
// in used are replaced; used is updated in place.
func assignCallIDs(calls []models.ToolCall, iteration int, used map[string]struct{}) []models.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]models.ToolCall, len(calls))
	for i, call := range calls {
		out[i] = call
		_, taken := used[call.ID]
		if strings.TrimSpace(call.ID) == "" || taken {
			id := fmt.Sprintf("call_%d_%d", iteration+1, i+1)
			for n := 2; ; n++ {
				if _, clash := used[id]; !clash {
					break
				}
				id = fmt.Sprintf("call_%d_%d_%d", iteration+1, i+1, n)
			}
			out[i].ID = id
		}
		used[out[i].ID] = struct{}{}
	}
	return out
}

// dropOrphanToolResults removes tool messages whose request is not in the
// window. The cut to the newest N can separate them from their assistant
// turn.
func dropOrphanToolResults(history []models.Message) []models.Message {
	requested := make(map[string]bool)
	out := history[:0]
	for _, msg := range history {
		switch msg.Role {
		case models.RoleAssistant:
			for _, call := range msg.ToolCalls {
				requested[call.ID] = true
			}
		case models.RoleTool:
			if !requested[msg.ToolCallID] {
				continue
			}
		}
		out = append(out, msg)
	}
	return out
}

func orApology(content string) string {
	if strings.TrimSpace(content) == "" {
		return Apology
	}
	return content
}

// Status describes the agent for the status endpoint.
type Status struct {
	Provider       string             `json:"provider"`
	Configured     bool               `json:"configured"`
	FallbackCalls  int64              `json:"fallback_calls"`
	Tools          []string           `json:"tools"`
	MaxIterations  int                `json:"max_iterations"`
	HistoryWindow  int                `json:"history_window"`
	FinalSynthesis bool               `json:"final_synthesis"`
	Conversations  conversation.Stats `json:"conversations"`
}

// Status reports provider, tools and store figures.
func (a *Agent) Status() Status {
	s := Status{
		MaxIterations:  a.settings.MaxIterations,
		HistoryWindow:  a.settings.HistoryWindow,
		FinalSynthesis: a.settings.FinalSynthesis,
		Conversations:  a.store.Stats(),
	}
	for _, schema := range a.registry.Catalogue() {
		s.Tools = append(s.Tools, schema.Name)
	}
	if ps, ok := a.llm.(providerStatus); ok {
		s.Provider = ps.ProviderName()
		s.Configured = ps.Configured()
		s.FallbackCalls = ps.FallbackCount()
	}
	return s
}

// ConversationContext returns a copy of a stored conversation.
func (a *Agent) ConversationContext(id string) (conversation.Conversation, error) {
	conv, ok := a.store.Get(id)
	if !ok {
		return conversation.Conversation{}, fmt.Errorf("%w: %s", conversation.ErrNotFound, id)
	}
	return conv, nil
}

// ClearConversation deletes a stored conversation.
func (a *Agent) ClearConversation(id string) error {
	if !a.store.Delete(id) {
		return fmt.Errorf("%w: %s", conversation.ErrNotFound, id)
	}
	a.logger.Info("conversation cleared", "conversation_id", id)
	return nil
}
