package chatcache

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Syncer is the background worker flushing dirty sessions into the durable
// store. One long-lived goroutine runs the interval loop; MarkForSync can
// additionally spawn immediate one-off syncs. Sync is write-then-clear-dirty:
// a session's dirty marker is removed only after every durable write
// succeeded, so a failed flush is simply retried on the next tick and the
// whole cycle is idempotent (messages are matched by sequence number).
type Syncer struct {
	store *Store
	log   Logger
	hooks Hooks

	interval time.Duration
	batch    int

	mu      sync.Mutex
	pending map[string]struct{}
	cancel  context.CancelFunc
	done    chan struct{}

	wg sync.WaitGroup // in-flight immediate syncs
}

func NewSyncer(store *Store) *Syncer {
	return &Syncer{
		store:    store,
		log:      store.log,
		hooks:    store.hooks,
		interval: coalesce(store.cfg.SyncInterval, 60*time.Second),
		batch:    coalesce(store.cfg.SyncBatchSize, 100),
		pending:  make(map[string]struct{}),
	}
}

// Start launches the interval loop. No-op when caching is disabled (there
// is nothing cache-side to flush) or when already running.
func (s *Syncer) Start() {
	if !s.store.cfg.Enabled {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
}

func (s *Syncer) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := s.SyncAll(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Warn("sync cycle incomplete", Fields{"err": err})
			}
		}
	}
}

// Stop cancels the loop, waits for in-flight immediate syncs, then performs
// one final synchronous flush of everything still dirty. The drain has no
// artificial timeout; callers doing a hard shutdown without it accept the
// bounded durability lag of the write-behind design.
func (s *Syncer) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	s.wg.Wait()
	if !s.store.cfg.Enabled {
		return
	}
	if err := s.SyncAll(context.Background()); err != nil {
		s.log.Error("shutdown drain incomplete", Fields{"err": err})
	}
}

// MarkForSync queues a session for the next cycle; with Config.SyncOnDone it
// also kicks off an immediate one-off sync that does not wait for the tick.
func (s *Syncer) MarkForSync(sessionID string) {
	s.mu.Lock()
	s.pending[sessionID] = struct{}{}
	s.mu.Unlock()

	if !s.store.cfg.SyncOnDone {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.SyncSession(context.Background(), sessionID); err != nil {
			s.hooks.SyncSessionError(sessionID, err)
			s.log.Warn("immediate sync failed; left dirty for retry", Fields{"session": sessionID, "err": err})
		}
	}()
}

// SyncAll flushes the union of the local pending set and the engine's dirty
// set, in batches, each batch's sessions concurrently. Failed sessions stay
// dirty and are reported in the returned SyncError.
func (s *Syncer) SyncAll(ctx context.Context) error {
	seen := make(map[string]struct{})
	s.mu.Lock()
	for id := range s.pending {
		seen[id] = struct{}{}
	}
	s.pending = make(map[string]struct{})
	s.mu.Unlock()
	for _, id := range s.store.cache.SMembers(ctx, s.store.cfg.DirtySetKey()) {
		seen[id] = struct{}{}
	}
	if len(seen) == 0 {
		return nil
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}

	var (
		mu     sync.Mutex
		synced int
		failed []string
		errs   []error
	)
	for start := 0; start < len(ids); start += s.batch {
		end := min(start+s.batch, len(ids))
		var g errgroup.Group
		for _, id := range ids[start:end] {
			id := id
			g.Go(func() error {
				if err := s.SyncSession(ctx, id); err != nil {
					s.hooks.SyncSessionError(id, err)
					mu.Lock()
					failed = append(failed, id)
					errs = append(errs, err)
					mu.Unlock()
					return nil // keep flushing the rest of the batch
				}
				mu.Lock()
				synced++
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}

	s.hooks.SyncCycle(len(ids), synced, len(failed))
	if len(failed) == 0 {
		return nil
	}
	// keep failed ids queued locally too, in case the engine-side dirty-set
	// add was what failed
	s.mu.Lock()
	for _, id := range failed {
		s.pending[id] = struct{}{}
	}
	s.mu.Unlock()
	return &SyncError{SessionIDs: failed, Errs: errs}
}

// SyncSession flushes one session: every cached message whose sequence the
// durable store does not yet have is written, then the session's current
// field values are upserted, and only then are the cache-side dirty markers
// cleared.
func (s *Syncer) SyncSession(ctx context.Context, sessionID string) error {
	st := s.store
	cached, err := st.useCache(ctx, "sync_session")
	if err != nil {
		return err
	}
	if !cached {
		return nil // nothing cache-side to flush
	}

	sess, ok := st.cacheSession(ctx, sessionID)
	if !ok {
		// evicted before we got to it; the durable copy is all that remains
		st.cache.SRem(ctx, st.cfg.DirtySetKey(), sessionID)
		return nil
	}

	mids := st.cache.ZRange(ctx, st.cfg.MessagesIndexKey(sessionID), 0, -1, false)
	msgs := make([]*Message, 0, len(mids))
	for _, mid := range mids {
		if m, ok := st.cacheMessage(ctx, sessionID, mid); ok {
			msgs = append(msgs, m)
		}
	}

	// Compare by sequence, not id: a regenerated message id must not produce
	// a duplicate row.
	existing, err := st.durable.GetMessages(ctx, sessionID, 0, 0)
	if err != nil {
		return err
	}
	have := make(map[int]struct{}, len(existing))
	for _, m := range existing {
		have[m.Sequence] = struct{}{}
	}
	for _, m := range msgs {
		if _, ok := have[m.Sequence]; ok {
			continue
		}
		persisted := *m
		persisted.Synced = true
		if _, err := st.durable.AddMessage(ctx, &persisted); err != nil {
			return err
		}
	}

	target := *sess
	target.Dirty = false
	if _, err := st.durable.GetSession(ctx, sessionID); err != nil {
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		if err := st.durable.CreateSession(ctx, &target); err != nil {
			return err
		}
	} else if err := st.durable.UpdateSession(ctx, sessionID, fullUpdate(&target)); err != nil {
		return err
	}

	// durable writes done; mark the flushed messages in one batch
	updates := make(map[string]map[string]string, len(msgs)+1)
	for _, m := range msgs {
		if !m.Synced {
			updates[st.cfg.MessageKey(sessionID, m.ID)] = map[string]string{fSynced: "1"}
		}
	}

	// a mutation that landed while we were writing durably is not covered by
	// this flush; leave the dirty marker so the next cycle picks it up
	if cur, ok := st.cacheSession(ctx, sessionID); ok &&
		(cur.MessageCount != sess.MessageCount || !cur.UpdatedAt.Equal(sess.UpdatedAt)) {
		st.cache.HSetMulti(ctx, updates)
		return nil
	}

	updates[st.cfg.SessionKey(sessionID)] = map[string]string{fDirty: "0"}
	st.cache.HSetMulti(ctx, updates)
	st.cache.SRem(ctx, st.cfg.DirtySetKey(), sessionID)
	return nil
}
