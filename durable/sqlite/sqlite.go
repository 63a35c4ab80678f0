// Package sqlite implements chatcache.DurableStore on SQLite. It is the
// reference backing store: a single file (or :memory:) database holding the
// long-term copy of every synced session and message.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/unkn0wn-root/chatcache"
)

// Store is safe for concurrent use. Writes are serialized with a mutex to
// keep SQLITE_BUSY out of the sync path.
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
}

var _ chatcache.DurableStore = (*Store)(nil)

// New opens (creating if needed) the database at path. Use ":memory:" for
// an ephemeral store.
func New(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_journal=WAL&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// a single connection sidesteps table-lock contention between the
	// request path and the syncer
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		context_type TEXT NOT NULL DEFAULT '',
		context_value TEXT NOT NULL DEFAULT '',
		context_products TEXT NOT NULL DEFAULT '[]',
		message_count INTEGER NOT NULL DEFAULT 0,
		user_turn_count INTEGER NOT NULL DEFAULT 0,
		total_cost REAL NOT NULL DEFAULT 0,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		web_search_enabled INTEGER NOT NULL DEFAULT 0,
		archived INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		last_message_at INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user_updated ON sessions(user_id, updated_at);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		sequence INTEGER NOT NULL,
		tool_calls TEXT NOT NULL DEFAULT '[]',
		content_blocks TEXT NOT NULL DEFAULT '[]',
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		cost REAL NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		UNIQUE(session_id, sequence)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, sequence);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// CreateSession upserts: two racing creators of one id converge to the last
// writer, matching the cache path's last-writer-wins hash semantics.
func (s *Store) CreateSession(ctx context.Context, sess *chatcache.Session) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	products, err := json.Marshal(sess.Context.Products)
	if err != nil {
		return fmt.Errorf("encode context products: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (
			id, user_id, title, summary, context_type, context_value, context_products,
			message_count, user_turn_count, total_cost, input_tokens, output_tokens,
			web_search_enabled, archived, deleted, created_at, updated_at, last_message_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id=excluded.user_id, title=excluded.title, summary=excluded.summary,
			context_type=excluded.context_type, context_value=excluded.context_value,
			context_products=excluded.context_products, message_count=excluded.message_count,
			user_turn_count=excluded.user_turn_count, total_cost=excluded.total_cost,
			input_tokens=excluded.input_tokens, output_tokens=excluded.output_tokens,
			web_search_enabled=excluded.web_search_enabled, archived=excluded.archived,
			deleted=excluded.deleted, updated_at=excluded.updated_at,
			last_message_at=excluded.last_message_at`,
		sess.ID, sess.UserID, sess.Title, sess.Summary,
		sess.Context.Type, sess.Context.Value, string(products),
		sess.MessageCount, sess.UserTurnCount, sess.TotalCost,
		sess.InputTokens, sess.OutputTokens,
		boolInt(sess.WebSearchEnabled), boolInt(sess.Archived), boolInt(sess.Deleted),
		millis(sess.CreatedAt), millis(sess.UpdatedAt), millis(sess.LastMessageAt),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

const sessionColumns = `id, user_id, title, summary, context_type, context_value, context_products,
	message_count, user_turn_count, total_cost, input_tokens, output_tokens,
	web_search_enabled, archived, deleted, created_at, updated_at, last_message_at`

func (s *Store) GetSession(ctx context.Context, id string) (*chatcache.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, chatcache.ErrNotFound
	}
	return sess, err
}

func (s *Store) UpdateSession(ctx context.Context, id string, u chatcache.SessionUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{millis(time.Now().UTC())}
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if u.UserID != nil {
		add("user_id", *u.UserID)
	}
	if u.Title != nil {
		add("title", *u.Title)
	}
	if u.Summary != nil {
		add("summary", *u.Summary)
	}
	if u.Context != nil {
		products, err := json.Marshal(u.Context.Products)
		if err != nil {
			return fmt.Errorf("encode context products: %w", err)
		}
		add("context_type", u.Context.Type)
		add("context_value", u.Context.Value)
		add("context_products", string(products))
	}
	if u.MessageCount != nil {
		add("message_count", *u.MessageCount)
	}
	if u.UserTurnCount != nil {
		add("user_turn_count", *u.UserTurnCount)
	}
	if u.TotalCost != nil {
		add("total_cost", *u.TotalCost)
	}
	if u.InputTokens != nil {
		add("input_tokens", *u.InputTokens)
	}
	if u.OutputTokens != nil {
		add("output_tokens", *u.OutputTokens)
	}
	if u.WebSearchEnabled != nil {
		add("web_search_enabled", boolInt(*u.WebSearchEnabled))
	}
	if u.Archived != nil {
		add("archived", boolInt(*u.Archived))
	}
	if u.Deleted != nil {
		add("deleted", boolInt(*u.Deleted))
	}
	if u.LastMessageAt != nil {
		add("last_message_at", millis(*u.LastMessageAt))
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return chatcache.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, id string, hard bool) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if !hard {
		res, err := s.db.ExecContext(ctx,
			`UPDATE sessions SET deleted = 1, updated_at = ? WHERE id = ?`,
			millis(time.Now().UTC()), id)
		if err != nil {
			return fmt.Errorf("soft delete session: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return chatcache.ErrNotFound
		}
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return chatcache.ErrNotFound
	}
	return tx.Commit()
}

func (s *Store) ListSessions(ctx context.Context, userID string, includeArchived bool, limit, offset int) ([]*chatcache.Session, error) {
	where := []string{"deleted = 0"}
	args := []any{}
	if userID != "" {
		where = append(where, "user_id = ?")
		args = append(args, userID)
	}
	if !includeArchived {
		where = append(where, "archived = 0")
	}
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE `+strings.Join(where, " AND ")+`
		 ORDER BY updated_at DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*chatcache.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// AddMessage persists m. A zero sequence means this store assigns the next
// one and rolls the owning session's counters forward (the cache-bypass
// path); a non-zero sequence is written as-is and left idempotent under
// replay (the sync path).
func (s *Store) AddMessage(ctx context.Context, m *chatcache.Message) (string, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	toolCalls, err := json.Marshal(m.ToolCalls)
	if err != nil {
		return "", fmt.Errorf("encode tool calls: %w", err)
	}
	blocks, err := json.Marshal(m.ContentBlocks)
	if err != nil {
		return "", fmt.Errorf("encode content blocks: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin add message: %w", err)
	}
	defer tx.Rollback()

	assign := m.Sequence <= 0
	seq := m.Sequence
	if assign {
		row := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(sequence), 0) + 1 FROM messages WHERE session_id = ?`, m.SessionID)
		if err := row.Scan(&seq); err != nil {
			return "", fmt.Errorf("next sequence: %w", err)
		}
	}

	insert := `INSERT INTO messages (
		id, session_id, role, content, sequence, tool_calls, content_blocks,
		input_tokens, output_tokens, cost, duration_ms, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if !assign {
		// replayed sync writes must not duplicate a sequence
		insert += ` ON CONFLICT(session_id, sequence) DO NOTHING`
	}
	if _, err := tx.ExecContext(ctx, insert,
		m.ID, m.SessionID, string(m.Role), m.Content, seq,
		string(toolCalls), string(blocks),
		m.InputTokens, m.OutputTokens, m.Cost, m.DurationMS,
		millis(m.CreatedAt),
	); err != nil {
		return "", fmt.Errorf("insert message: %w", err)
	}

	if assign {
		now := millis(time.Now().UTC())
		userTurn := 0
		if m.Role == chatcache.RoleUser {
			userTurn = 1
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET
				message_count = message_count + 1,
				user_turn_count = user_turn_count + ?,
				total_cost = total_cost + ?,
				input_tokens = input_tokens + ?,
				output_tokens = output_tokens + ?,
				updated_at = ?, last_message_at = ?
			WHERE id = ?`,
			userTurn, m.Cost, m.InputTokens, m.OutputTokens, now, now, m.SessionID,
		); err != nil {
			return "", fmt.Errorf("roll session counters: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit add message: %w", err)
	}
	m.Sequence = seq
	return m.ID, nil
}

const messageColumns = `id, session_id, role, content, sequence, tool_calls, content_blocks,
	input_tokens, output_tokens, cost, duration_ms, created_at`

func (s *Store) GetMessages(ctx context.Context, sessionID string, limit, offset int) ([]*chatcache.Message, error) {
	q := `SELECT ` + messageColumns + ` FROM messages WHERE session_id = ? ORDER BY sequence ASC`
	args := []any{sessionID}
	if limit > 0 {
		q += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	} else if offset > 0 {
		q += ` LIMIT -1 OFFSET ?`
		args = append(args, offset)
	}
	return s.queryMessages(ctx, q, args...)
}

func (s *Store) GetRecentMessages(ctx context.Context, sessionID string, count int) ([]*chatcache.Message, error) {
	if count <= 0 {
		return nil, nil
	}
	msgs, err := s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE session_id = ? ORDER BY sequence DESC LIMIT ?`,
		sessionID, count)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]*chatcache.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []*chatcache.Message
	for rows.Next() {
		var (
			m                 chatcache.Message
			role              string
			toolCalls, blocks string
			createdAt         int64
		)
		if err := rows.Scan(
			&m.ID, &m.SessionID, &role, &m.Content, &m.Sequence,
			&toolCalls, &blocks,
			&m.InputTokens, &m.OutputTokens, &m.Cost, &m.DurationMS,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = chatcache.Role(role)
		if err := json.Unmarshal([]byte(toolCalls), &m.ToolCalls); err != nil {
			return nil, fmt.Errorf("decode tool calls: %w", err)
		}
		if err := json.Unmarshal([]byte(blocks), &m.ContentBlocks); err != nil {
			return nil, fmt.Errorf("decode content blocks: %w", err)
		}
		m.CreatedAt = fromMillis(createdAt)
		m.Synced = true // it is the durable copy
		out = append(out, &m)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*chatcache.Session, error) {
	var (
		sess                          chatcache.Session
		products                      string
		webSearch, archived, deleted  int
		createdAt, updatedAt, lastMsg int64
	)
	err := row.Scan(
		&sess.ID, &sess.UserID, &sess.Title, &sess.Summary,
		&sess.Context.Type, &sess.Context.Value, &products,
		&sess.MessageCount, &sess.UserTurnCount, &sess.TotalCost,
		&sess.InputTokens, &sess.OutputTokens,
		&webSearch, &archived, &deleted,
		&createdAt, &updatedAt, &lastMsg,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(products), &sess.Context.Products); err != nil {
		return nil, fmt.Errorf("decode context products: %w", err)
	}
	sess.WebSearchEnabled = webSearch != 0
	sess.Archived = archived != 0
	sess.Deleted = deleted != 0
	sess.CreatedAt = fromMillis(createdAt)
	sess.UpdatedAt = fromMillis(updatedAt)
	sess.LastMessageAt = fromMillis(lastMsg)
	return &sess, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
