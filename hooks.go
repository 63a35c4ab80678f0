package chatcache

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// The store calls them on hot paths (see hooks/async for a bounded-queue wrapper).
type Hooks interface {
	// Cache engine could not be reached while serving op.
	CacheUnavailable(op string)

	// The durable-store path was taken instead of the cache path.
	// reason ∈ {"disabled", "unavailable", "index_empty"}
	Fallback(op, reason string)

	// A cached hash failed to deserialize and was dropped (treated as a miss).
	SelfHeal(storageKey, reason string)

	// One sync cycle finished. dirty is the number of candidate sessions,
	// failed the number left dirty for retry.
	SyncCycle(dirty, synced, failed int)

	// A single session failed to sync (it stays dirty).
	SyncSessionError(sessionID string, err error)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) CacheUnavailable(string)        {}
func (NopHooks) Fallback(string, string)        {}
func (NopHooks) SelfHeal(string, string)        {}
func (NopHooks) SyncCycle(int, int, int)        {}
func (NopHooks) SyncSessionError(string, error) {}
