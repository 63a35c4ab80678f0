package chatcache

import (
	"os"
	"strconv"
	"time"
)

// Key prefix and env defaults. The key schema is a cross-process contract:
// other services (and other implementations) address the same entries.
const (
	DefaultURL = "redis://localhost:6379/0"

	defaultSessionPrefix  = "chat:session:"
	defaultMessagePrefix  = "chat:message:"
	defaultMessagesPrefix = "chat:messages:"
	defaultListPrefix     = "chat:sessions:list:"
	defaultStreamPrefix   = "chat:stream:"
	defaultDirtySetKey    = "chat:dirty_sessions"

	// ScopeGlobal is the sessions-list scope covering all users.
	ScopeGlobal = "global"
)

// KeyPrefixes namespaces every entry this package writes. All components
// must build keys through the Config methods so the scheme stays in one place.
type KeyPrefixes struct {
	Session       string
	Message       string
	MessagesIndex string
	SessionsList  string
	Stream        string
	DirtySet      string
}

// Config is pure data: constructed once at process start and shared across
// goroutines without synchronization. The zero value is not usable; start
// from DefaultConfig or FromEnv.
type Config struct {
	URL      string
	Password string
	MaxConns int

	SessionTTL      time.Duration
	MessageTTL      time.Duration
	StreamTTL       time.Duration
	SessionIndexTTL time.Duration

	SyncInterval  time.Duration
	SyncBatchSize int
	SyncOnDone    bool

	Prefixes KeyPrefixes

	Enabled         bool
	FallbackOnError bool

	// DialTimeout bounds connection establishment, OpTimeout every single
	// engine call. A timed-out call degrades to "unavailable", it never
	// hangs the caller.
	DialTimeout time.Duration
	OpTimeout   time.Duration
}

func DefaultConfig() Config {
	return Config{
		URL:             DefaultURL,
		MaxConns:        20,
		SessionTTL:      7 * 24 * time.Hour,
		MessageTTL:      7 * 24 * time.Hour,
		StreamTTL:       time.Hour,
		SessionIndexTTL: 7 * 24 * time.Hour,
		SyncInterval:    60 * time.Second,
		SyncBatchSize:   100,
		SyncOnDone:      true,
		Prefixes:        DefaultPrefixes(),
		Enabled:         true,
		FallbackOnError: true,
		DialTimeout:     2 * time.Second,
		OpTimeout:       2 * time.Second,
	}
}

func DefaultPrefixes() KeyPrefixes {
	return KeyPrefixes{
		Session:       defaultSessionPrefix,
		Message:       defaultMessagePrefix,
		MessagesIndex: defaultMessagesPrefix,
		SessionsList:  defaultListPrefix,
		Stream:        defaultStreamPrefix,
		DirtySet:      defaultDirtySetKey,
	}
}

// FromEnv builds a Config from the recognized environment variables,
// falling back to DefaultConfig values for anything unset or malformed.
//
//	REDIS_URL, REDIS_ENABLED, REDIS_PASSWORD, REDIS_MAX_CONNECTIONS,
//	REDIS_SESSION_TTL, REDIS_MESSAGE_TTL, SYNC_INTERVAL_SECONDS,
//	SYNC_BATCH_SIZE, SYNC_ON_DONE, REDIS_FALLBACK_ON_ERROR
func FromEnv() Config {
	cfg := DefaultConfig()
	cfg.URL = coalesce(os.Getenv("REDIS_URL"), cfg.URL)
	cfg.Password = os.Getenv("REDIS_PASSWORD")
	cfg.MaxConns = envInt("REDIS_MAX_CONNECTIONS", cfg.MaxConns)
	cfg.SessionTTL = envSeconds("REDIS_SESSION_TTL", cfg.SessionTTL)
	cfg.MessageTTL = envSeconds("REDIS_MESSAGE_TTL", cfg.MessageTTL)
	cfg.SyncInterval = envSeconds("SYNC_INTERVAL_SECONDS", cfg.SyncInterval)
	cfg.SyncBatchSize = envInt("SYNC_BATCH_SIZE", cfg.SyncBatchSize)
	cfg.SyncOnDone = envBool("SYNC_ON_DONE", cfg.SyncOnDone)
	cfg.Enabled = envBool("REDIS_ENABLED", cfg.Enabled)
	cfg.FallbackOnError = envBool("REDIS_FALLBACK_ON_ERROR", cfg.FallbackOnError)
	return cfg
}

// SessionKey returns the hash key for one session.
func (c Config) SessionKey(id string) string {
	return c.Prefixes.Session + id
}

// MessageKey returns the hash key for one message.
func (c Config) MessageKey(sessionID, messageID string) string {
	return c.Prefixes.Message + sessionID + ":" + messageID
}

// MessagesIndexKey returns the per-session message index (sorted set,
// score = sequence).
func (c Config) MessagesIndexKey(sessionID string) string {
	return c.Prefixes.MessagesIndex + sessionID
}

// SessionsListKey returns the session index for a scope (sorted set,
// score = last-update epoch). An empty scope means ScopeGlobal.
func (c Config) SessionsListKey(scope string) string {
	return c.Prefixes.SessionsList + coalesce(scope, ScopeGlobal)
}

// StreamKey returns the transient stream buffer key for one request.
func (c Config) StreamKey(sessionID, requestID string) string {
	return c.Prefixes.Stream + sessionID + ":" + requestID
}

// DirtySetKey returns the set holding session ids awaiting sync.
func (c Config) DirtySetKey() string {
	return c.Prefixes.DirtySet
}

func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envSeconds(name string, def time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

func envBool(name string, def bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
