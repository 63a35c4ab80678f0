package chatcache

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/unkn0wn-root/chatcache/codec"
)

// fakeEngine is an in-memory stand-in for Redis implementing the engine
// surface. Setting down=true simulates an unreachable engine: every call
// returns its zero value, exactly like Conn.
type fakeEngine struct {
	mu       sync.Mutex
	down     bool
	closed   bool
	failIncr bool // fail HIncrBy only, simulating a mid-operation outage

	strs   map[string]string
	hashes map[string]map[string]string
	zsets  map[string]map[string]float64
	sets   map[string]map[string]struct{}
	lists  map[string][]string
	ttls   map[string]time.Duration
}

var _ engine = (*fakeEngine)(nil)

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		strs:   make(map[string]string),
		hashes: make(map[string]map[string]string),
		zsets:  make(map[string]map[string]float64),
		sets:   make(map[string]map[string]struct{}),
		lists:  make(map[string][]string),
		ttls:   make(map[string]time.Duration),
	}
}

func (f *fakeEngine) setDown(down bool) {
	f.mu.Lock()
	f.down = down
	f.mu.Unlock()
}

func (f *fakeEngine) ok() bool { return !f.down && !f.closed }

func (f *fakeEngine) Available(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ok()
}

func (f *fakeEngine) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeEngine) Get(_ context.Context, key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ok() {
		return "", false
	}
	v, ok := f.strs[key]
	return v, ok
}

func (f *fakeEngine) Set(_ context.Context, key, value string, ttl time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ok() {
		return false
	}
	f.strs[key] = value
	if ttl > 0 {
		f.ttls[key] = ttl
	}
	return true
}

func (f *fakeEngine) Del(_ context.Context, keys ...string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ok() {
		return false
	}
	for _, k := range keys {
		delete(f.strs, k)
		delete(f.hashes, k)
		delete(f.zsets, k)
		delete(f.sets, k)
		delete(f.lists, k)
		delete(f.ttls, k)
	}
	return true
}

func (f *fakeEngine) Exists(_ context.Context, key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ok() {
		return false
	}
	if _, ok := f.strs[key]; ok {
		return true
	}
	if _, ok := f.hashes[key]; ok {
		return true
	}
	if _, ok := f.zsets[key]; ok {
		return true
	}
	if _, ok := f.sets[key]; ok {
		return true
	}
	_, ok := f.lists[key]
	return ok
}

func (f *fakeEngine) Expire(_ context.Context, key string, ttl time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ok() {
		return false
	}
	if ttl > 0 {
		f.ttls[key] = ttl
	}
	return true
}

func (f *fakeEngine) HGetAll(_ context.Context, key string) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ok() {
		return nil
	}
	h, ok := f.hashes[key]
	if !ok || len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

func (f *fakeEngine) HSet(_ context.Context, key string, fields map[string]string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hsetLocked(key, fields)
}

func (f *fakeEngine) hsetLocked(key string, fields map[string]string) bool {
	if !f.ok() {
		return false
	}
	h, ok := f.hashes[key]
	if !ok {
		h = make(map[string]string, len(fields))
		f.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return true
}

func (f *fakeEngine) HSetMulti(_ context.Context, updates map[string]map[string]string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ok() {
		return false
	}
	for key, fields := range updates {
		f.hsetLocked(key, fields)
	}
	return true
}

func (f *fakeEngine) HIncrBy(_ context.Context, key, field string, incr int64) (int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ok() || f.failIncr {
		return 0, false
	}
	h, ok := f.hashes[key]
	if !ok {
		h = make(map[string]string)
		f.hashes[key] = h
	}
	cur, _ := strconv.ParseInt(h[field], 10, 64)
	cur += incr
	h[field] = strconv.FormatInt(cur, 10)
	return cur, true
}

func (f *fakeEngine) HIncrByFloat(_ context.Context, key, field string, incr float64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ok() {
		return false
	}
	h, ok := f.hashes[key]
	if !ok {
		h = make(map[string]string)
		f.hashes[key] = h
	}
	cur, _ := strconv.ParseFloat(h[field], 64)
	h[field] = strconv.FormatFloat(cur+incr, 'g', -1, 64)
	return true
}

func (f *fakeEngine) ZAdd(_ context.Context, key string, score float64, member string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ok() {
		return false
	}
	z, ok := f.zsets[key]
	if !ok {
		z = make(map[string]float64)
		f.zsets[key] = z
	}
	z[member] = score
	return true
}

func (f *fakeEngine) ZRange(_ context.Context, key string, start, stop int64, desc bool) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ok() {
		return nil
	}
	z := f.zsets[key]
	if len(z) == 0 {
		return nil
	}
	members := make([]string, 0, len(z))
	for m := range z {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool {
		si, sj := z[members[i]], z[members[j]]
		if si != sj {
			if desc {
				return si > sj
			}
			return si < sj
		}
		if desc {
			return members[i] > members[j]
		}
		return members[i] < members[j]
	})
	n := int64(len(members))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop {
		return nil
	}
	return members[start : stop+1]
}

func (f *fakeEngine) ZRem(_ context.Context, key string, members ...string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ok() {
		return false
	}
	z := f.zsets[key]
	for _, m := range members {
		delete(z, m)
	}
	return true
}

func (f *fakeEngine) SAdd(_ context.Context, key string, members ...string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ok() {
		return false
	}
	s, ok := f.sets[key]
	if !ok {
		s = make(map[string]struct{})
		f.sets[key] = s
	}
	for _, m := range members {
		s[m] = struct{}{}
	}
	return true
}

func (f *fakeEngine) SMembers(_ context.Context, key string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ok() {
		return nil
	}
	s := f.sets[key]
	out := make([]string, 0, len(s))
	for m := range s {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func (f *fakeEngine) SRem(_ context.Context, key string, members ...string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ok() {
		return false
	}
	s := f.sets[key]
	for _, m := range members {
		delete(s, m)
	}
	return true
}

func (f *fakeEngine) RPush(_ context.Context, key string, values ...string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ok() {
		return false
	}
	f.lists[key] = append(f.lists[key], values...)
	return true
}

func (f *fakeEngine) LRange(_ context.Context, key string, start, stop int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ok() {
		return nil
	}
	l := f.lists[key]
	n := int64(len(l))
	if n == 0 {
		return nil
	}
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop {
		return nil
	}
	out := make([]string, stop+1-start)
	copy(out, l[start:stop+1])
	return out
}

// fakeDurable is an in-memory DurableStore. failNext injects one transient
// failure into the next mutating call to exercise retry paths.
type fakeDurable struct {
	mu       sync.Mutex
	sessions map[string]*Session
	messages map[string][]*Message
	failNext error
	adds     int // total AddMessage calls that inserted a row
}

var _ DurableStore = (*fakeDurable)(nil)

func newFakeDurable() *fakeDurable {
	return &fakeDurable{
		sessions: make(map[string]*Session),
		messages: make(map[string][]*Message),
	}
}

func (f *fakeDurable) takeFailure() error {
	err := f.failNext
	f.failNext = nil
	return err
}

func (f *fakeDurable) CreateSession(_ context.Context, s *Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(); err != nil {
		return err
	}
	cp := *s
	f.sessions[s.ID] = &cp
	return nil
}

func (f *fakeDurable) GetSession(_ context.Context, id string) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeDurable) UpdateSession(_ context.Context, id string, u SessionUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(); err != nil {
		return err
	}
	s, ok := f.sessions[id]
	if !ok {
		return ErrNotFound
	}
	u.apply(s)
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (f *fakeDurable) DeleteSession(_ context.Context, id string, hard bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if hard {
		delete(f.sessions, id)
		delete(f.messages, id)
		return nil
	}
	s.Deleted = true
	return nil
}

func (f *fakeDurable) ListSessions(_ context.Context, userID string, includeArchived bool, limit, offset int) ([]*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Session
	for _, s := range f.sessions {
		if s.Deleted {
			continue
		}
		if userID != "" && s.UserID != userID {
			continue
		}
		if s.Archived && !includeArchived {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeDurable) AddMessage(_ context.Context, m *Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(); err != nil {
		return "", err
	}
	msgs := f.messages[m.SessionID]
	if m.Sequence <= 0 {
		max := 0
		for _, e := range msgs {
			if e.Sequence > max {
				max = e.Sequence
			}
		}
		m.Sequence = max + 1
		if s, ok := f.sessions[m.SessionID]; ok {
			s.MessageCount++
			if m.Role == RoleUser {
				s.UserTurnCount++
			}
			s.TotalCost += m.Cost
			s.InputTokens += m.InputTokens
			s.OutputTokens += m.OutputTokens
			now := time.Now().UTC()
			s.UpdatedAt = now
			s.LastMessageAt = now
		}
	} else {
		for _, e := range msgs {
			if e.Sequence == m.Sequence {
				return e.ID, nil // replay; keep the existing row
			}
		}
	}
	cp := *m
	cp.Synced = true
	f.messages[m.SessionID] = append(msgs, &cp)
	f.adds++
	return m.ID, nil
}

func (f *fakeDurable) GetMessages(_ context.Context, sessionID string, limit, offset int) ([]*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := append([]*Message(nil), f.messages[sessionID]...)
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Sequence < msgs[j].Sequence })
	if offset >= len(msgs) {
		return nil, nil
	}
	msgs = msgs[offset:]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	out := make([]*Message, len(msgs))
	for i, m := range msgs {
		cp := *m
		out[i] = &cp
	}
	return out, nil
}

func (f *fakeDurable) GetRecentMessages(_ context.Context, sessionID string, count int) ([]*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := append([]*Message(nil), f.messages[sessionID]...)
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Sequence < msgs[j].Sequence })
	if count > 0 && len(msgs) > count {
		msgs = msgs[len(msgs)-count:]
	}
	out := make([]*Message, len(msgs))
	for i, m := range msgs {
		cp := *m
		out[i] = &cp
	}
	return out, nil
}

func (f *fakeDurable) messageCount(sessionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages[sessionID])
}

var errTransient = errors.New("transient durable failure")

// newTestStore wires a Store around the fakes, bypassing New so tests can
// poke internals the way the implementation sees them.
func newTestStore(opt func(*Config)) (*Store, *fakeEngine, *fakeDurable) {
	cfg := DefaultConfig()
	if opt != nil {
		opt(&cfg)
	}
	fe := newFakeEngine()
	fd := newFakeDurable()
	s := &Store{
		cfg:     cfg,
		cache:   fe,
		durable: fd,
		log:     NopLogger{},
		hooks:   NopHooks{},
		chunks:  codec.JSON[StreamChunk]{},
	}
	return s, fe, fd
}
