package chatcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v4"

	"github.com/unkn0wn-root/chatcache/codec"
)

// Options tune the store. Only Durable is required; Config defaults come
// from DefaultConfig.
type Options struct {
	Config  Config
	Durable DurableStore

	Logger Logger // if nil, NopLogger is used
	Hooks  Hooks  // if nil, NopHooks is used

	// StreamCodec encodes stream-buffer chunks. Defaults to codec.JSON;
	// codec.Msgpack and codec.CBOR are drop-in alternatives.
	StreamCodec codec.Codec[StreamChunk]
}

// Store implements session and message semantics over the cache engine with
// write-behind durability. Decision rule on every operation, in order:
// caching disabled -> durable only; engine unreachable -> durable (or
// ErrCacheUnavailable when fallback is off); otherwise cache, with misses
// falling through to the durable store and repopulating the cache.
type Store struct {
	cfg     Config
	cache   engine
	durable DurableStore
	log     Logger
	hooks   Hooks
	chunks  codec.Codec[StreamChunk]
}

// New builds a Store and its lazily-connecting Conn. The returned Store is
// safe for concurrent use.
func New(opts Options) (*Store, error) {
	if opts.Durable == nil {
		return nil, fmt.Errorf("chatcache: durable store is required")
	}
	cfg := opts.Config
	if cfg.Prefixes == (KeyPrefixes{}) {
		cfg.Prefixes = DefaultPrefixes()
	}
	s := &Store{
		cfg:     cfg,
		durable: opts.Durable,
		log:     coalesce[Logger](opts.Logger, NopLogger{}),
		hooks:   coalesce[Hooks](opts.Hooks, NopHooks{}),
		chunks:  opts.StreamCodec,
	}
	if s.chunks == nil {
		s.chunks = codec.JSON[StreamChunk]{}
	}
	if cfg.Enabled {
		conn, err := NewConn(cfg, s.log)
		if err != nil {
			return nil, err
		}
		s.cache = conn
	}
	return s, nil
}

// Close releases the cache pool. The durable store is caller-owned.
func (s *Store) Close() error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Close()
}

// useCache applies the per-operation decision rule.
func (s *Store) useCache(ctx context.Context, op string) (bool, error) {
	if !s.cfg.Enabled || s.cache == nil {
		s.hooks.Fallback(op, "disabled")
		return false, nil
	}
	if s.cache.Available(ctx) {
		return true, nil
	}
	s.hooks.CacheUnavailable(op)
	if !s.cfg.FallbackOnError {
		return false, ErrCacheUnavailable
	}
	s.hooks.Fallback(op, "unavailable")
	return false, nil
}

// CreateSessionParams are the caller-supplied session attributes. A zero ID
// means the store generates one.
type CreateSessionParams struct {
	ID               string
	UserID           string
	Title            string
	WebSearchEnabled bool
	Context          *SessionContext
}

func (s *Store) CreateSession(ctx context.Context, p CreateSessionParams) (*Session, error) {
	now := time.Now().UTC()
	sess := &Session{
		ID:               coalesce(p.ID, uuid.NewString()),
		UserID:           p.UserID,
		Title:            p.Title,
		WebSearchEnabled: p.WebSearchEnabled,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if p.Context != nil {
		sess.Context = *p.Context
	}

	cached, err := s.useCache(ctx, "create_session")
	if err != nil {
		return nil, err
	}
	if !cached {
		if err := s.durable.CreateSession(ctx, sess); err != nil {
			return nil, err
		}
		return sess, nil
	}

	sess.Dirty = true
	s.putSession(ctx, sess)
	s.markDirty(ctx, sess.ID)
	return sess, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	cached, err := s.useCache(ctx, "get_session")
	if err != nil {
		return nil, err
	}
	if !cached {
		return s.durable.GetSession(ctx, id)
	}

	if sess, ok := s.cacheSession(ctx, id); ok {
		return sess, nil
	}
	// cache-aside: repopulate from the durable store
	sess, err := s.durable.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	sess.Dirty = false
	s.putSession(ctx, sess)
	return sess, nil
}

// EnsureSession returns the session, creating it when absent. Two racing
// callers converge: the session hash is last-writer-wins and the dirty-set
// add is idempotent.
func (s *Store) EnsureSession(ctx context.Context, p CreateSessionParams) (*Session, error) {
	if p.ID != "" {
		sess, err := s.GetSession(ctx, p.ID)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return s.CreateSession(ctx, p)
}

// UpdateSession merges the provided fields, stamps updated_at and marks the
// session dirty. A session absent from the cache is updated directly in the
// durable store; a partial update never fabricates a session.
func (s *Store) UpdateSession(ctx context.Context, id string, u SessionUpdate) error {
	cached, err := s.useCache(ctx, "update_session")
	if err != nil {
		return err
	}
	if !cached {
		return s.durable.UpdateSession(ctx, id, u)
	}

	sess, ok := s.cacheSession(ctx, id)
	if !ok {
		return s.durable.UpdateSession(ctx, id, u)
	}
	u.apply(sess)
	sess.UpdatedAt = time.Now().UTC()
	sess.Dirty = true
	s.putSession(ctx, sess)
	s.markDirty(ctx, id)
	return nil
}

// DeleteSession soft-deletes by default (flips the deleted flag, synced like
// any other mutation). A hard delete removes the session hash, its message
// index and hashes, its dirty-set and session-index membership, and performs
// the equivalent hard delete on the durable store.
func (s *Store) DeleteSession(ctx context.Context, id string, hard bool) error {
	if !hard {
		deleted := true
		return s.UpdateSession(ctx, id, SessionUpdate{Deleted: &deleted})
	}

	cached, err := s.useCache(ctx, "delete_session")
	if err != nil {
		return err
	}
	if cached {
		sess, _ := s.cacheSession(ctx, id)

		ids := s.cache.ZRange(ctx, s.cfg.MessagesIndexKey(id), 0, -1, false)
		keys := make([]string, 0, len(ids)+2)
		for _, mid := range ids {
			keys = append(keys, s.cfg.MessageKey(id, mid))
		}
		keys = append(keys, s.cfg.MessagesIndexKey(id), s.cfg.SessionKey(id))
		s.cache.Del(ctx, keys...)

		s.cache.ZRem(ctx, s.cfg.SessionsListKey(ScopeGlobal), id)
		if sess != nil && sess.UserID != "" {
			s.cache.ZRem(ctx, s.cfg.SessionsListKey(sess.UserID), id)
		}
		s.cache.SRem(ctx, s.cfg.DirtySetKey(), id)
	}
	err = s.durable.DeleteSession(ctx, id, true)
	if errors.Is(err, ErrNotFound) {
		// never persisted; nothing durable to remove
		return nil
	}
	return err
}

// ListSessions returns a page of sessions ordered by recency. The cache path
// pages through the scoped session index and resolves each id via
// GetSession; a cold (empty) index delegates to the durable store.
func (s *Store) ListSessions(ctx context.Context, userID string, includeArchived bool, limit, offset int) ([]*Session, error) {
	limit = coalesce(limit, 50)
	cached, err := s.useCache(ctx, "list_sessions")
	if err != nil {
		return nil, err
	}
	if cached {
		key := s.cfg.SessionsListKey(userID)
		ids := s.cache.ZRange(ctx, key, 0, -1, true)
		if len(ids) > 0 {
			// filter before paginating so offsets count the same sessions
			// the durable path's WHERE clause would
			out := make([]*Session, 0, limit)
			matched := 0
			for _, id := range ids {
				sess, err := s.GetSession(ctx, id)
				if errors.Is(err, ErrNotFound) {
					s.cache.ZRem(ctx, key, id) // index entry outlived the session
					continue
				}
				if err != nil {
					return nil, err
				}
				if sess.Deleted || (sess.Archived && !includeArchived) {
					continue
				}
				matched++
				if matched <= offset {
					continue
				}
				out = append(out, sess)
				if len(out) == limit {
					break
				}
			}
			return out, nil
		}
		s.hooks.Fallback("list_sessions", "index_empty")
	}
	return s.durable.ListSessions(ctx, userID, includeArchived, limit, offset)
}

// AddMessage is the single-writer point for sequence assignment: the
// sequence comes from an atomic HINCRBY on the session's message_count, so
// concurrent writers to one session (and writers in other processes sharing
// the same Redis) never produce duplicates or gaps. Returns the message id.
func (s *Store) AddMessage(ctx context.Context, sessionID string, m *Message) (string, error) {
	cached, err := s.useCache(ctx, "add_message")
	if err != nil {
		return "", err
	}
	if !cached {
		return s.addMessageDurable(ctx, sessionID, m)
	}

	sess, ok := s.cacheSession(ctx, sessionID)
	if !ok {
		var derr error
		sess, derr = s.durable.GetSession(ctx, sessionID)
		if derr != nil {
			return "", derr // includes ErrNotFound: messages need a session
		}
		sess.Dirty = false
		s.putSession(ctx, sess)
	}

	sessionKey := s.cfg.SessionKey(sessionID)
	seq, ok := s.cache.HIncrBy(ctx, sessionKey, fMessageCount, 1)
	if !ok {
		// engine died between the probe and the increment
		return s.addMessageDurable(ctx, sessionID, m)
	}

	now := time.Now().UTC()
	m.ID = coalesce(m.ID, shortuuid.New())
	m.SessionID = sessionID
	m.Sequence = int(seq)
	m.Synced = false
	m.CreatedAt = now

	s.putMessage(ctx, m)

	if m.Role == RoleUser {
		s.cache.HIncrBy(ctx, sessionKey, fUserTurnCount, 1)
	}
	if m.Cost != 0 {
		s.cache.HIncrByFloat(ctx, sessionKey, fTotalCost, m.Cost)
	}
	if m.InputTokens != 0 {
		s.cache.HIncrBy(ctx, sessionKey, fInputTokens, int64(m.InputTokens))
	}
	if m.OutputTokens != 0 {
		s.cache.HIncrBy(ctx, sessionKey, fOutputTokens, int64(m.OutputTokens))
	}

	stamp := map[string]string{
		fUpdatedAt:     stampMillis(now),
		fLastMessageAt: stampMillis(now),
		fDirty:         "1",
	}
	s.cache.HSet(ctx, sessionKey, stamp)
	// HSET preserves the existing expiry; refresh it so a continuously
	// active session stays resident
	s.cache.Expire(ctx, sessionKey, s.cfg.SessionTTL)
	s.touchIndexes(ctx, sessionID, sess.UserID, now)
	s.markDirty(ctx, sessionID)
	return m.ID, nil
}

// GetMessages returns a page of messages ordered by sequence ascending.
// limit <= 0 means no limit.
func (s *Store) GetMessages(ctx context.Context, sessionID string, limit, offset int) ([]*Message, error) {
	cached, err := s.useCache(ctx, "get_messages")
	if err != nil {
		return nil, err
	}
	if !cached {
		return s.durable.GetMessages(ctx, sessionID, limit, offset)
	}

	stop := int64(-1)
	if limit > 0 {
		stop = int64(offset + limit - 1)
	}
	ids := s.cache.ZRange(ctx, s.cfg.MessagesIndexKey(sessionID), int64(offset), stop, false)
	if len(ids) == 0 {
		s.hooks.Fallback("get_messages", "index_empty")
		msgs, err := s.durable.GetMessages(ctx, sessionID, limit, offset)
		return s.repopulateMessages(ctx, msgs, err)
	}

	out := make([]*Message, 0, len(ids))
	for _, mid := range ids {
		msg, ok := s.cacheMessage(ctx, sessionID, mid)
		if !ok {
			// an evicted member invalidates the whole page; rebuild from durable
			msgs, err := s.durable.GetMessages(ctx, sessionID, limit, offset)
			return s.repopulateMessages(ctx, msgs, err)
		}
		out = append(out, msg)
	}
	return out, nil
}

// GetRecentMessages returns the last count messages in chronological order.
func (s *Store) GetRecentMessages(ctx context.Context, sessionID string, count int) ([]*Message, error) {
	if count <= 0 {
		return nil, nil
	}
	cached, err := s.useCache(ctx, "get_recent_messages")
	if err != nil {
		return nil, err
	}
	if !cached {
		return s.durable.GetRecentMessages(ctx, sessionID, count)
	}

	ids := s.cache.ZRange(ctx, s.cfg.MessagesIndexKey(sessionID), 0, int64(count-1), true)
	if len(ids) == 0 {
		s.hooks.Fallback("get_recent_messages", "index_empty")
		msgs, err := s.durable.GetRecentMessages(ctx, sessionID, count)
		return s.repopulateMessages(ctx, msgs, err)
	}

	out := make([]*Message, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- { // descending index -> chronological
		msg, ok := s.cacheMessage(ctx, sessionID, ids[i])
		if !ok {
			msgs, err := s.durable.GetRecentMessages(ctx, sessionID, count)
			return s.repopulateMessages(ctx, msgs, err)
		}
		out = append(out, msg)
	}
	return out, nil
}

// ---- cache plumbing ----

// cacheSession reads and decodes the session hash. A corrupt hash is
// dropped and reported as a miss so the durable copy overwrites it.
func (s *Store) cacheSession(ctx context.Context, id string) (*Session, bool) {
	m := s.cache.HGetAll(ctx, s.cfg.SessionKey(id))
	if m == nil {
		return nil, false
	}
	sess, err := sessionFromFields(m)
	if err != nil {
		s.hooks.SelfHeal(s.cfg.SessionKey(id), "decode")
		s.log.Warn("dropping corrupt session hash", Fields{"session": id, "err": err})
		s.cache.Del(ctx, s.cfg.SessionKey(id))
		return nil, false
	}
	return sess, true
}

func (s *Store) cacheMessage(ctx context.Context, sessionID, messageID string) (*Message, bool) {
	key := s.cfg.MessageKey(sessionID, messageID)
	m := s.cache.HGetAll(ctx, key)
	if m == nil {
		return nil, false
	}
	msg, err := messageFromFields(m)
	if err != nil {
		s.hooks.SelfHeal(key, "decode")
		s.log.Warn("dropping corrupt message hash", Fields{"session": sessionID, "message": messageID, "err": err})
		s.cache.Del(ctx, key)
		return nil, false
	}
	return msg, true
}

// putSession writes the full session hash with its TTL and refreshes the
// scoped session indexes.
func (s *Store) putSession(ctx context.Context, sess *Session) {
	key := s.cfg.SessionKey(sess.ID)
	s.cache.HSet(ctx, key, sessionFields(sess))
	s.cache.Expire(ctx, key, s.cfg.SessionTTL)
	s.touchIndexes(ctx, sess.ID, sess.UserID, coalesce(sess.UpdatedAt, sess.CreatedAt))
}

func (s *Store) putMessage(ctx context.Context, m *Message) {
	key := s.cfg.MessageKey(m.SessionID, m.ID)
	s.cache.HSet(ctx, key, messageFields(m))
	s.cache.Expire(ctx, key, s.cfg.MessageTTL)
	idx := s.cfg.MessagesIndexKey(m.SessionID)
	s.cache.ZAdd(ctx, idx, float64(m.Sequence), m.ID)
	s.cache.Expire(ctx, idx, s.cfg.MessageTTL)
}

// touchIndexes bumps the global sessions-list score, and the owner's when
// known, so listings in both scopes sort by recency.
func (s *Store) touchIndexes(ctx context.Context, sessionID, userID string, at time.Time) {
	key := s.cfg.SessionsListKey(ScopeGlobal)
	s.cache.ZAdd(ctx, key, epochScore(at), sessionID)
	s.cache.Expire(ctx, key, s.cfg.SessionIndexTTL)
	if userID != "" {
		key = s.cfg.SessionsListKey(userID)
		s.cache.ZAdd(ctx, key, epochScore(at), sessionID)
		s.cache.Expire(ctx, key, s.cfg.SessionIndexTTL)
	}
}

func (s *Store) markDirty(ctx context.Context, sessionID string) {
	s.cache.SAdd(ctx, s.cfg.DirtySetKey(), sessionID)
}

// repopulateMessages writes a durable-store read back into the cache before
// returning it (cache-aside for the message path).
func (s *Store) repopulateMessages(ctx context.Context, msgs []*Message, err error) ([]*Message, error) {
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		s.putMessage(ctx, m)
	}
	return msgs, nil
}

func (s *Store) addMessageDurable(ctx context.Context, sessionID string, m *Message) (string, error) {
	now := time.Now().UTC()
	m.ID = coalesce(m.ID, shortuuid.New())
	m.SessionID = sessionID
	m.Sequence = 0 // durable store assigns
	m.Synced = true
	m.CreatedAt = now
	return s.durable.AddMessage(ctx, m)
}

func stampMillis(t time.Time) string {
	return fmt.Sprintf("%d", t.UnixMilli())
}
