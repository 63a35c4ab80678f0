package chatcache

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a session or message does not exist in either
// the cache or the durable store.
var ErrNotFound = errors.New("chatcache: not found")

// ErrCacheUnavailable is returned only when the cache engine is unreachable
// AND Config.FallbackOnError is false. With fallback enabled (the default),
// unavailability degrades silently to the durable-store path.
var ErrCacheUnavailable = errors.New("chatcache: cache unavailable and fallback disabled")

// SyncError reports a partially failed sync cycle. Sessions listed in
// SessionIDs remain dirty and are retried on the next tick.
type SyncError struct {
	SessionIDs []string
	Errs       []error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync failed for %d session(s): first: %v", len(e.SessionIDs), e.Errs[0])
}

func (e *SyncError) Unwrap() []error { return e.Errs }
