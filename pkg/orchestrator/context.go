package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"qi-agent/core/pkg/store"
)

// Phase is the derived research stage of a project conversation.
type Phase string

const (
	PhasePlanning  Phase = "planning"
	PhaseSearching Phase = "searching"
	PhaseAnalyzing Phase = "analyzing"
	PhaseWriting   Phase = "writing"
)

// Artifact roles recognized by phase derivation and dependency resolution.
const (
	ArtifactPicot     = "generate_picot"
	ArtifactSearch    = "search_pubmed"
	ArtifactValidated = "validate"
	ArtifactSynthesis = "synthesize"
	// ArtifactValidatedArticles is the whitelist the writing agent cites from.
	ArtifactValidatedArticles = "validated_articles"
)

// DefaultCapacity is the in-memory message buffer size; older messages are
// evicted to the project store.
const DefaultCapacity = 50

// summaryTokenBudget bounds Summary output for planner prompts.
const summaryTokenBudget = 600

// CompletedTask records one finished (agent, action) pair.
type CompletedTask struct {
	AgentKey string `json:"agent_key"`
	Action   string `json:"action"`
}

// Message is one buffered conversation turn.
type Message struct {
	TurnIndex int
	Role      string
	Content   string
	Metadata  map[string]any
}

// Context is the per-project conversation state. The executor is the only
// writer; agents receive it as a read-only view. Phase is always derived from
// artifact presence, never set directly.
type Context struct {
	mu        sync.RWMutex
	store     *store.ProjectStore
	capacity  int
	turnIndex int
	// savedThrough is the first turn index not yet in the store; rehydrated
	// messages are never written back.
	savedThrough int

	messages  []Message
	artifacts map[string]any
	completed map[CompletedTask]bool
	order     []CompletedTask
}

// NewContext builds an empty context over a project store. st may be nil for
// a project-less session; persistence then becomes a no-op.
func NewContext(st *store.ProjectStore) *Context {
	return &Context{
		store:     st,
		capacity:  DefaultCapacity,
		artifacts: make(map[string]any),
		completed: make(map[CompletedTask]bool),
	}
}

// AddMessage appends one turn. When the buffer exceeds capacity the oldest
// messages are persisted and evicted.
func (c *Context) AddMessage(ctx context.Context, role, text string, metadata map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.messages = append(c.messages, Message{
		TurnIndex: c.turnIndex,
		Role:      role,
		Content:   text,
		Metadata:  metadata,
	})
	c.turnIndex++

	if len(c.messages) <= c.capacity {
		return nil
	}
	overflow := c.messages[:len(c.messages)-c.capacity]
	if err := c.persistLocked(ctx, overflow); err != nil {
		return err
	}
	c.messages = append([]Message(nil), c.messages[len(c.messages)-c.capacity:]...)
	return nil
}

// AddArtifact stores a typed artifact under its role. Phase derivation picks
// it up automatically.
func (c *Context) AddArtifact(role string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.artifacts[role] = value
}

// Artifact returns the artifact for a role.
func (c *Context) Artifact(role string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.artifacts[role]
	return v, ok
}

// HasArtifact reports artifact presence.
func (c *Context) HasArtifact(role string) bool {
	_, ok := c.Artifact(role)
	return ok
}

// ArtifactKeys lists present roles, sorted.
func (c *Context) ArtifactKeys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.artifacts))
	for k := range c.artifacts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MarkCompleted records a finished (agent, action) pair.
func (c *Context) MarkCompleted(agentKey, action string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := CompletedTask{AgentKey: agentKey, Action: action}
	if !c.completed[t] {
		c.completed[t] = true
		c.order = append(c.order, t)
	}
}

// CompletedTasks returns finished tasks in completion order.
func (c *Context) CompletedTasks() []CompletedTask {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]CompletedTask(nil), c.order...)
}

// Phase derives the research stage from artifact presence alone: synthesis
// implies writing, validation implies analyzing, search results imply
// searching, anything else is planning.
func (c *Context) Phase() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch {
	case c.artifacts[ArtifactSynthesis] != nil:
		return string(PhaseWriting)
	case c.artifacts[ArtifactValidated] != nil:
		return string(PhaseAnalyzing)
	case c.artifacts[ArtifactSearch] != nil:
		return string(PhaseSearching)
	default:
		return string(PhasePlanning)
	}
}

// Summary renders the planner-facing context digest: phase, completed tasks,
// artifact keys and the latest user message, clipped to a token budget.
func (c *Context) Summary() string {
	c.mu.RLock()
	var b strings.Builder
	fmt.Fprintf(&b, "phase: %s\n", c.phaseLocked())

	if len(c.order) > 0 {
		b.WriteString("completed: ")
		parts := make([]string, 0, len(c.order))
		for _, t := range c.order {
			parts = append(parts, t.AgentKey+"."+t.Action)
		}
		b.WriteString(strings.Join(parts, ", "))
		b.WriteString("\n")
	}

	if len(c.artifacts) > 0 {
		keys := make([]string, 0, len(c.artifacts))
		for k := range c.artifacts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintf(&b, "artifacts: %s\n", strings.Join(keys, ", "))
	}

	for i := len(c.messages) - 1; i >= 0; i-- {
		if c.messages[i].Role == "user" {
			preview := c.messages[i].Content
			if len(preview) > 240 {
				preview = preview[:240] + "..."
			}
			fmt.Fprintf(&b, "last user message: %s\n", preview)
			break
		}
	}
	c.mu.RUnlock()

	return clipToTokens(b.String(), summaryTokenBudget)
}

func (c *Context) phaseLocked() string {
	switch {
	case c.artifacts[ArtifactSynthesis] != nil:
		return string(PhaseWriting)
	case c.artifacts[ArtifactValidated] != nil:
		return string(PhaseAnalyzing)
	case c.artifacts[ArtifactSearch] != nil:
		return string(PhaseSearching)
	default:
		return string(PhasePlanning)
	}
}

// SaveToDB persists every buffered message and clears the buffer; ownership
// transfers to the project store.
func (c *Context) SaveToDB(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.persistLocked(ctx, c.messages); err != nil {
		return err
	}
	c.messages = nil
	return nil
}

// LoadFromDB rehydrates the last 10 turns in chronological order.
func (c *Context) LoadFromDB(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	rows, err := c.store.LoadRecentConversation(ctx, 10)
	if err != nil {
		return fmt.Errorf("failed to load conversation: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = nil
	for _, row := range rows {
		msg := Message{TurnIndex: row.TurnIndex, Role: row.Role, Content: row.Content}
		if row.Metadata != "" {
			var meta map[string]any
			if err := json.Unmarshal([]byte(row.Metadata), &meta); err == nil {
				msg.Metadata = meta
			}
		}
		c.messages = append(c.messages, msg)
		if row.TurnIndex >= c.turnIndex {
			c.turnIndex = row.TurnIndex + 1
		}
		if row.TurnIndex >= c.savedThrough {
			c.savedThrough = row.TurnIndex + 1
		}
	}
	return nil
}

// Messages returns a copy of the in-memory buffer.
func (c *Context) Messages() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Message(nil), c.messages...)
}

func (c *Context) persistLocked(ctx context.Context, msgs []Message) error {
	if c.store == nil || len(msgs) == 0 {
		return nil
	}
	rows := make([]store.ConversationRow, 0, len(msgs))
	last := c.savedThrough
	for _, m := range msgs {
		if m.TurnIndex < c.savedThrough {
			continue
		}
		row := store.ConversationRow{TurnIndex: m.TurnIndex, Role: m.Role, Content: m.Content}
		if m.Metadata != nil {
			if encoded, err := json.Marshal(m.Metadata); err == nil {
				row.Metadata = string(encoded)
			}
		}
		rows = append(rows, row)
		if m.TurnIndex+1 > last {
			last = m.TurnIndex + 1
		}
	}
	if len(rows) == 0 {
		return nil
	}
	if err := c.store.AppendConversation(ctx, rows); err != nil {
		return fmt.Errorf("failed to persist conversation: %w", err)
	}
	c.savedThrough = last
	return nil
}

var (
	encoderOnce sync.Once
	encoder     *tiktoken.Tiktoken
)

// clipToTokens truncates text to a token budget using the cl100k encoding,
// falling back to a rune cut when the encoding is unavailable offline.
func clipToTokens(text string, budget int) string {
	encoderOnce.Do(func() {
		enc, err := tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
		if err == nil {
			encoder = enc
		}
	})
	if encoder == nil {
		if len(text) > budget*4 {
			return text[:budget*4]
		}
		return text
	}
	ids := encoder.Encode(text, nil, nil)
	if len(ids) <= budget {
		return text
	}
	return encoder.Decode(ids[:budget])
}
