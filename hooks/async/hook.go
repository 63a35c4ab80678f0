// Package asynchook decorates a chatcache.Hooks so callbacks run on a
// bounded queue instead of the caller's goroutine. Events are dropped when
// the queue is full; hooks are advisory, the hot path never blocks on them.
//
//	raw := myMetricsHooks{}
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	store, _ := chatcache.New(chatcache.Options{
//	    Config:  chatcache.FromEnv(),
//	    Durable: db,
//	    Hooks:   hooks,
//	})
package asynchook

import (
	"sync"

	"github.com/unkn0wn-root/chatcache"
)

type Hooks struct {
	inner chatcache.Hooks
	q     chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

var _ chatcache.Hooks = (*Hooks)(nil)

func New(inner chatcache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

func (h *Hooks) Close() {
	h.once.Do(func() {
		close(h.q)
		h.wg.Wait()
	})
}

func (h *Hooks) try(f func()) {
	select {
	case h.q <- f:
	default: // drop
	}
}

func (h *Hooks) CacheUnavailable(op string)  { h.try(func() { h.inner.CacheUnavailable(op) }) }
func (h *Hooks) Fallback(op, reason string)  { h.try(func() { h.inner.Fallback(op, reason) }) }
func (h *Hooks) SelfHeal(key, reason string) { h.try(func() { h.inner.SelfHeal(key, reason) }) }
func (h *Hooks) SyncCycle(dirty, synced, failed int) {
	h.try(func() { h.inner.SyncCycle(dirty, synced, failed) })
}
func (h *Hooks) SyncSessionError(sessionID string, err error) {
	h.try(func() { h.inner.SyncSessionError(sessionID, err) })
}
