// Package conversation keeps per-conversation message histories in memory
// with idle eviction and a population cap.
package conversation

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"finagent/internal/models"
)

var (
	// ErrNotFound is returned for an unknown conversation id.
	ErrNotFound = errors.New("conversation not found")
	// ErrOrphanToolResult is returned when a tool result does not answer a
	// call requested by an earlier assistant message, or answers one twice.
	ErrOrphanToolResult = errors.New("tool result does not match a requested tool call")
	// ErrDuplicateCallID is returned when an assistant turn reuses a call id
	// already present in the conversation.
	ErrDuplicateCallID = errors.New("tool call id already used in conversation")
)

const (
	DefaultMaxConversations = 100
	DefaultIdleTimeout      = 24 * time.Hour
)

// Conversation is an ordered message history.
type Conversation struct {
	ID        string            `json:"id"`
	Messages  []models.Message  `json:"messages"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (c *Conversation) clone() Conversation {
	out := Conversation{
		ID:        c.ID,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
		Messages:  make([]models.Message, len(c.Messages)),
	}
	for i, msg := range c.Messages {
		out.Messages[i] = models.CloneMessage(msg)
	}
	if c.Metadata != nil {
		out.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// requestedTool returns the tool name an earlier assistant message gave
// callID and whether a tool message already answered it. The name is "" when
// no assistant message requested it.
func (c *Conversation) requestedTool(callID string) (name string, answered bool) {
	for _, msg := range c.Messages {
		switch msg.Role {
		case models.RoleAssistant:
			for _, call := range msg.ToolCalls {
				if call.ID == callID {
					name = call.Name
				}
			}
		case models.RoleTool:
			if msg.ToolCallID == callID {
				answered = true
			}
		}
	}
	return name, answered
}

func (c *Conversation) callIDs() map[string]struct{} {
	ids := make(map[string]struct{})
	for _, msg := range c.Messages {
		for _, call := range msg.ToolCalls {
			ids[call.ID] = struct{}{}
		}
	}
	return ids
}

// Stats summarises the store population.
type Stats struct {
	ActiveCount     int           `json:"active_conversations"`
	TotalMessages   int           `json:"total_messages"`
	AverageMessages float64       `json:"average_messages_per_conversation"`
	OldestAge       time.Duration `json:"oldest_age"`
}

// Store is a volatile, mutex-guarded map of conversations. Callers must not
// run two queries against the same conversation at once.
type Store struct {
	mu               sync.Mutex
	conversations    map[string]*Conversation
	pins             map[string]int
	maxConversations int
	idleTimeout      time.Duration
	now              func() time.Time
	logger           *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the structured logger for the store.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// WithLimits overrides the population cap and idle timeout. Non-positive
// values keep the defaults.
func WithLimits(maxConversations int, idleTimeout time.Duration) Option {
	return func(s *Store) {
		if maxConversations > 0 {
			s.maxConversations = maxConversations
		}
		if idleTimeout > 0 {
			s.idleTimeout = idleTimeout
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		conversations:    make(map[string]*Conversation),
		pins:             make(map[string]int),
		maxConversations: DefaultMaxConversations,
		idleTimeout:      DefaultIdleTimeout,
		now:              time.Now,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create registers a conversation and returns its id. An empty id mints a
// fresh UUID; an id that already exists is returned untouched. Eviction runs
// afterwards and never removes the returned conversation.
func (s *Store) Create(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(id)
}

// Acquire creates the conversation like Create and pins it. Pinned
// conversations are skipped by eviction until every release has run.
func (s *Store) Acquire(id string) (string, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id = s.createLocked(id)
	s.pins[id]++

	var once sync.Once
	return id, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.pins[id]--
			if s.pins[id] <= 0 {
				delete(s.pins, id)
			}
		})
	}
}

func (s *Store) createLocked(id string) string {
	if id == "" {
		id = uuid.NewString()
	}
	if _, ok := s.conversations[id]; !ok {
		now := s.now()
		s.conversations[id] = &Conversation{
			ID:        id,
			CreatedAt: now,
			UpdatedAt: now,
		}
		s.logger.Debug("conversation created", "conversation_id", id)
	}

	s.evictLocked(id)
	return id
}

// Get returns a deep copy of the conversation.
func (s *Store) Get(id string) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok {
		return Conversation{}, false
	}
	return conv.clone(), true
}

// AppendUser appends a user message.
func (s *Store) AppendUser(id, content string) error {
	return s.append(id, models.Message{Role: models.RoleUser, Content: content})
}

// AppendAssistant appends an assistant turn. Content and tool calls may both
// be set. Every call id must be non-empty and new to the conversation.
func (s *Store) AppendAssistant(id, content string, calls []models.ToolCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	used := conv.callIDs()
	for _, call := range calls {
		if call.ID == "" {
			return fmt.Errorf("%w: empty id for %s", ErrDuplicateCallID, call.Name)
		}
		if _, dup := used[call.ID]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateCallID, call.ID)
		}
		used[call.ID] = struct{}{}
	}

	s.appendLocked(conv, models.CloneMessage(models.Message{
		Role:      models.RoleAssistant,
		Content:   content,
		ToolCalls: calls,
	}))
	return nil
}

// CallIDs returns every tool call id the conversation has issued.
func (s *Store) CallIDs(id string) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return conv.callIDs(), nil
}

// AppendToolResult appends the result of callID. The call must have been
// requested by an earlier assistant message under the same tool name.
func (s *Store) AppendToolResult(id, toolName, callID, result string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	requested, answered := conv.requestedTool(callID)
	if callID == "" || requested == "" {
		return fmt.Errorf("%w: no request for call id %q", ErrOrphanToolResult, callID)
	}
	if answered {
		return fmt.Errorf("%w: call %q already answered", ErrOrphanToolResult, callID)
	}
	if requested != toolName {
		return fmt.Errorf("%w: call %q requested %s, got %s", ErrOrphanToolResult, callID, requested, toolName)
	}

	s.appendLocked(conv, models.Message{
		Role:       models.RoleTool,
		Content:    result,
		ToolCallID: callID,
		Name:       toolName,
	})
	return nil
}

func (s *Store) append(id string, msg models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.appendLocked(conv, msg)
	return nil
}

func (s *Store) appendLocked(conv *Conversation, msg models.Message) {
	now := s.now()
	msg.CreatedAt = now
	conv.Messages = append(conv.Messages, msg)
	conv.UpdatedAt = now
}

// Render returns copies of the newest maxMessages messages in append order.
// maxMessages <= 0 returns the whole history.
func (s *Store) Render(id string, maxMessages int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	window := conv.Messages
	if maxMessages > 0 && len(window) > maxMessages {
		window = window[len(window)-maxMessages:]
	}
	out := make([]models.Message, len(window))
	for i, msg := range window {
		out[i] = models.CloneMessage(msg)
	}
	return out, nil
}

// Delete removes a conversation and reports whether it existed.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[id]; !ok {
		return false
	}
	delete(s.conversations, id)
	return true
}

// IDs lists conversation ids, most recently updated first.
func (s *Store) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ordered := s.byUpdatedLocked()
	ids := make([]string, len(ordered))
	for i, conv := range ordered {
		ids[len(ordered)-1-i] = conv.ID
	}
	return ids
}

// SetMetadata stores a free-form key on the conversation.
func (s *Store) SetMetadata(id, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if conv.Metadata == nil {
		conv.Metadata = make(map[string]string)
	}
	conv.Metadata[key] = value
	return nil
}

// Stats reports population figures.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{ActiveCount: len(s.conversations)}
	now := s.now()
	for _, conv := range s.conversations {
		stats.TotalMessages += len(conv.Messages)
		if age := now.Sub(conv.CreatedAt); age > stats.OldestAge {
			stats.OldestAge = age
		}
	}
	if stats.ActiveCount > 0 {
		stats.AverageMessages = float64(stats.TotalMessages) / float64(stats.ActiveCount)
	}
	return stats
}

// Sweep runs eviction outside of Create and returns how many conversations
// were removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictLocked("")
}

// evictLocked drops idle conversations, then the least recently updated ones
// until the cap holds. keep and pinned conversations are never evicted, so the
// population can briefly exceed the cap while queries are in flight.
func (s *Store) evictLocked(keep string) int {
	now := s.now()
	removed := 0

	for id, conv := range s.conversations {
		if id == keep || s.pins[id] > 0 {
			continue
		}
		if now.Sub(conv.UpdatedAt) > s.idleTimeout {
			delete(s.conversations, id)
			removed++
		}
	}

	if excess := len(s.conversations) - s.maxConversations; excess > 0 {
		for _, conv := range s.byUpdatedLocked() {
			if excess == 0 {
				break
			}
			if conv.ID == keep || s.pins[conv.ID] > 0 {
				continue
			}
			delete(s.conversations, conv.ID)
			removed++
			excess--
		}
	}

	if removed > 0 {
		s.logger.Info("evicted conversations", "removed", removed, "remaining", len(s.conversations))
	}
	return removed
}

// byUpdatedLocked orders conversations oldest update first.
func (s *Store) byUpdatedLocked() []*Conversation {
	out := make([]*Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		out = append(out, conv)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return out
}
