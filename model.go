package chatcache

import (
	"time"

	"github.com/unkn0wn-root/chatcache/internal/fieldmap"
)

// Role is the closed set of message authors.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// SessionContext describes what a conversation is about: a typed reference
// (e.g. a product page, a category) plus the product ids in play.
type SessionContext struct {
	Type     string   `json:"type,omitempty"`
	Value    string   `json:"value,omitempty"`
	Products []string `json:"products,omitempty"`
}

// Session is one chat conversation. Counters are cumulative over the whole
// conversation; Dirty marks cache-resident state not yet flushed to the
// durable store and is cleared only by a successful sync.
type Session struct {
	ID      string
	UserID  string
	Title   string
	Summary string
	Context SessionContext

	MessageCount  int
	UserTurnCount int
	TotalCost     float64
	InputTokens   int
	OutputTokens  int

	WebSearchEnabled bool
	Archived         bool
	Deleted          bool
	Dirty            bool

	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastMessageAt time.Time
}

// ToolCall records one tool invocation made while producing a message.
type ToolCall struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
	Result    string `json:"result,omitempty"`
}

// ContentBlock is one ordered piece of structured message content.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Data string `json:"data,omitempty"`
}

// Message belongs to exactly one session. Immutable after creation except
// for Synced. Sequence is strictly increasing per session, assigned by the
// store, and is the sort key for retrieval.
type Message struct {
	ID        string
	SessionID string
	Role      Role
	Content   string
	Sequence  int

	ToolCalls     []ToolCall
	ContentBlocks []ContentBlock

	InputTokens  int
	OutputTokens int
	Cost         float64
	DurationMS   int

	Synced    bool
	CreatedAt time.Time
}

// StreamChunk is one unit of a transient per-request stream buffer.
type StreamChunk struct {
	Seq     int    `json:"seq"`
	Type    string `json:"type"` // "delta", "done" or "error"
	Content string `json:"content,omitempty"`
}

// Hash field names. These are a cross-implementation contract; renaming one
// silently orphans data written by other readers of the same Redis.
const (
	fID               = "id"
	fUserID           = "user_id"
	fTitle            = "title"
	fSummary          = "summary"
	fContextType      = "context_type"
	fContextValue     = "context_value"
	fContextProducts  = "context_products"
	fMessageCount     = "message_count"
	fUserTurnCount    = "user_turn_count"
	fTotalCost        = "total_cost"
	fInputTokens      = "input_tokens"
	fOutputTokens     = "output_tokens"
	fWebSearchEnabled = "web_search_enabled"
	fArchived         = "archived"
	fDeleted          = "deleted"
	fDirty            = "dirty"
	fCreatedAt        = "created_at"
	fUpdatedAt        = "updated_at"
	fLastMessageAt    = "last_message_at"

	fSessionID     = "session_id"
	fRole          = "role"
	fContent       = "content"
	fSequence      = "sequence"
	fToolCalls     = "tool_calls"
	fContentBlocks = "content_blocks"
	fCost          = "cost"
	fDurationMS    = "duration_ms"
	fSynced        = "synced"
)

func sessionFields(s *Session) map[string]string {
	e := fieldmap.NewEncoder()
	e.Str(fID, s.ID)
	e.Str(fUserID, s.UserID)
	e.Str(fTitle, s.Title)
	e.Str(fSummary, s.Summary)
	e.Str(fContextType, s.Context.Type)
	e.Str(fContextValue, s.Context.Value)
	e.JSON(fContextProducts, s.Context.Products)
	e.Int(fMessageCount, s.MessageCount)
	e.Int(fUserTurnCount, s.UserTurnCount)
	e.Float(fTotalCost, s.TotalCost)
	e.Int(fInputTokens, s.InputTokens)
	e.Int(fOutputTokens, s.OutputTokens)
	e.Bool(fWebSearchEnabled, s.WebSearchEnabled)
	e.Bool(fArchived, s.Archived)
	e.Bool(fDeleted, s.Deleted)
	e.Bool(fDirty, s.Dirty)
	e.Time(fCreatedAt, s.CreatedAt)
	e.Time(fUpdatedAt, s.UpdatedAt)
	e.Time(fLastMessageAt, s.LastMessageAt)
	return e.Map()
}

func sessionFromFields(m map[string]string) (*Session, error) {
	d := fieldmap.NewDecoder(m)
	s := &Session{
		ID:      d.Str(fID),
		UserID:  d.Str(fUserID),
		Title:   d.Str(fTitle),
		Summary: d.Str(fSummary),
		Context: SessionContext{
			Type:  d.Str(fContextType),
			Value: d.Str(fContextValue),
		},
		MessageCount:     d.Int(fMessageCount),
		UserTurnCount:    d.Int(fUserTurnCount),
		TotalCost:        d.Float(fTotalCost),
		InputTokens:      d.Int(fInputTokens),
		OutputTokens:     d.Int(fOutputTokens),
		WebSearchEnabled: d.Bool(fWebSearchEnabled),
		Archived:         d.Bool(fArchived),
		Deleted:          d.Bool(fDeleted),
		Dirty:            d.Bool(fDirty),
		CreatedAt:        d.Time(fCreatedAt),
		UpdatedAt:        d.Time(fUpdatedAt),
		LastMessageAt:    d.Time(fLastMessageAt),
	}
	d.JSON(fContextProducts, &s.Context.Products)
	if err := d.Err(); err != nil {
		return nil, err
	}
	return s, nil
}

func messageFields(m *Message) map[string]string {
	e := fieldmap.NewEncoder()
	e.Str(fID, m.ID)
	e.Str(fSessionID, m.SessionID)
	e.Str(fRole, string(m.Role))
	e.Str(fContent, m.Content)
	e.Int(fSequence, m.Sequence)
	e.JSON(fToolCalls, m.ToolCalls)
	e.JSON(fContentBlocks, m.ContentBlocks)
	e.Int(fInputTokens, m.InputTokens)
	e.Int(fOutputTokens, m.OutputTokens)
	e.Float(fCost, m.Cost)
	e.Int(fDurationMS, m.DurationMS)
	e.Bool(fSynced, m.Synced)
	e.Time(fCreatedAt, m.CreatedAt)
	return e.Map()
}

func messageFromFields(m map[string]string) (*Message, error) {
	d := fieldmap.NewDecoder(m)
	msg := &Message{
		ID:           d.Str(fID),
		SessionID:    d.Str(fSessionID),
		Role:         Role(d.Str(fRole)),
		Content:      d.Str(fContent),
		Sequence:     d.Int(fSequence),
		InputTokens:  d.Int(fInputTokens),
		OutputTokens: d.Int(fOutputTokens),
		Cost:         d.Float(fCost),
		DurationMS:   d.Int(fDurationMS),
		Synced:       d.Bool(fSynced),
		CreatedAt:    d.Time(fCreatedAt),
	}
	d.JSON(fToolCalls, &msg.ToolCalls)
	d.JSON(fContentBlocks, &msg.ContentBlocks)
	if err := d.Err(); err != nil {
		return nil, err
	}
	return msg, nil
}

// epochScore is the sorted-set score convention: epoch seconds with
// millisecond precision.
func epochScore(t time.Time) float64 {
	return float64(t.UnixMilli()) / 1e3
}
