package chatcache

import (
	"context"
	"time"
)

// SessionUpdate is a partial session mutation: nil fields are left untouched.
type SessionUpdate struct {
	UserID           *string
	Title            *string
	Summary          *string
	Context          *SessionContext
	MessageCount     *int
	UserTurnCount    *int
	TotalCost        *float64
	InputTokens      *int
	OutputTokens     *int
	WebSearchEnabled *bool
	Archived         *bool
	Deleted          *bool
	LastMessageAt    *time.Time
}

// apply merges the update into s and reports whether anything was provided.
func (u SessionUpdate) apply(s *Session) bool {
	changed := false
	set := func(ok bool, f func()) {
		if ok {
			f()
			changed = true
		}
	}
	set(u.UserID != nil, func() { s.UserID = *u.UserID })
	set(u.Title != nil, func() { s.Title = *u.Title })
	set(u.Summary != nil, func() { s.Summary = *u.Summary })
	set(u.Context != nil, func() { s.Context = *u.Context })
	set(u.MessageCount != nil, func() { s.MessageCount = *u.MessageCount })
	set(u.UserTurnCount != nil, func() { s.UserTurnCount = *u.UserTurnCount })
	set(u.TotalCost != nil, func() { s.TotalCost = *u.TotalCost })
	set(u.InputTokens != nil, func() { s.InputTokens = *u.InputTokens })
	set(u.OutputTokens != nil, func() { s.OutputTokens = *u.OutputTokens })
	set(u.WebSearchEnabled != nil, func() { s.WebSearchEnabled = *u.WebSearchEnabled })
	set(u.Archived != nil, func() { s.Archived = *u.Archived })
	set(u.Deleted != nil, func() { s.Deleted = *u.Deleted })
	set(u.LastMessageAt != nil, func() { s.LastMessageAt = *u.LastMessageAt })
	return changed
}

// full returns an update carrying every field of s, for upserting the
// session's current state during sync.
func fullUpdate(s *Session) SessionUpdate {
	ctx := s.Context
	last := s.LastMessageAt
	return SessionUpdate{
		UserID:           &s.UserID,
		Title:            &s.Title,
		Summary:          &s.Summary,
		Context:          &ctx,
		MessageCount:     &s.MessageCount,
		UserTurnCount:    &s.UserTurnCount,
		TotalCost:        &s.TotalCost,
		InputTokens:      &s.InputTokens,
		OutputTokens:     &s.OutputTokens,
		WebSearchEnabled: &s.WebSearchEnabled,
		Archived:         &s.Archived,
		Deleted:          &s.Deleted,
		LastMessageAt:    &last,
	}
}

// DurableStore is the relational backing store. The Store treats it as a
// plain synchronous CRUD API and assumes nothing about the engine behind it;
// durable/sqlite ships one implementation. GetSession returns ErrNotFound
// (or an error wrapping it) for absent sessions. Implementations must be
// safe for concurrent use: request-serving goroutines and the Syncer call
// into it at the same time.
type DurableStore interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSession(ctx context.Context, id string, u SessionUpdate) error
	// DeleteSession soft-deletes by default; hard removes the session and
	// all its messages.
	DeleteSession(ctx context.Context, id string, hard bool) error
	ListSessions(ctx context.Context, userID string, includeArchived bool, limit, offset int) ([]*Session, error)

	// AddMessage persists m. A zero m.Sequence means the store assigns the
	// next per-session sequence itself (the cache-bypass path); a non-zero
	// sequence is preserved as-is (the sync path).
	AddMessage(ctx context.Context, m *Message) (string, error)
	// GetMessages returns messages ordered by sequence ascending.
	// limit <= 0 means no limit.
	GetMessages(ctx context.Context, sessionID string, limit, offset int) ([]*Message, error)
	// GetRecentMessages returns the last count messages in chronological
	// (ascending sequence) order.
	GetRecentMessages(ctx context.Context, sessionID string, count int) ([]*Message, error)
}
