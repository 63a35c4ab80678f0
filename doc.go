// Package chatcache implements a write-behind store for chat sessions and
// messages: Redis is the authoritative fast path for live traffic, a durable
// relational store is the backing path, and a background syncer reconciles
// the two.
//
// Components:
//   - Config: immutable configuration plus the shared key-namespacing scheme.
//   - Conn: process-wide lazy Redis pool whose typed primitives degrade to
//     zero values (never an error up the stack) when the engine is
//     unreachable.
//   - Store: session/message semantics on top of Conn. Falls back to the
//     DurableStore when caching is disabled or Redis is down; cache misses
//     are repopulated from the durable store (cache-aside).
//   - Syncer: interval loop flushing dirty sessions to the DurableStore,
//     plus an immediate-sync path. Sync is write-then-clear-dirty, so a
//     failed flush is retried on the next tick.
//
// Keys:
//
//	chat:session:<id>                 - session hash
//	chat:message:<sessionID>:<msgID>  - message hash
//	chat:messages:<sessionID>         - sorted set, score = sequence
//	chat:sessions:list:<scope>        - sorted set, score = last-update epoch
//	chat:stream:<sessionID>:<reqID>   - transient stream buffer (list)
//	chat:dirty_sessions               - set of session ids awaiting sync
//
// Durability lag is bounded by the sync interval: a hard shutdown without
// draining the syncer can lose writes that were still cache-only. That is
// the documented trade-off of the write-behind design.
package chatcache
