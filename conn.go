package chatcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// reconnectCooldown throttles re-dial attempts after a failed connect so an
// outage does not turn every caller into a synchronous retry loop.
const reconnectCooldown = 3 * time.Second

// engine is the primitive-operation surface Store and Syncer consume.
// Every method degrades to its zero value when the cache engine is
// unreachable; callers treat "no data" and "engine down" identically here
// and distinguish them via Available.
type engine interface {
	Available(ctx context.Context) bool
	Close() error

	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration) bool
	Del(ctx context.Context, keys ...string) bool
	Exists(ctx context.Context, key string) bool
	Expire(ctx context.Context, key string, ttl time.Duration) bool

	HGetAll(ctx context.Context, key string) map[string]string
	HSet(ctx context.Context, key string, fields map[string]string) bool
	// HSetMulti applies several hash writes in one batched round-trip.
	HSetMulti(ctx context.Context, updates map[string]map[string]string) bool
	HIncrBy(ctx context.Context, key, field string, incr int64) (int64, bool)
	HIncrByFloat(ctx context.Context, key, field string, incr float64) bool

	ZAdd(ctx context.Context, key string, score float64, member string) bool
	ZRange(ctx context.Context, key string, start, stop int64, desc bool) []string
	ZRem(ctx context.Context, key string, members ...string) bool

	SAdd(ctx context.Context, key string, members ...string) bool
	SMembers(ctx context.Context, key string) []string
	SRem(ctx context.Context, key string, members ...string) bool

	RPush(ctx context.Context, key string, values ...string) bool
	LRange(ctx context.Context, key string, start, stop int64) []string
}

// Health is the result of one liveness probe.
type Health struct {
	Available bool
	Connected bool
	Latency   time.Duration
	Err       string
}

// Conn owns the one Redis connection pool for the process lifetime.
// The client is created lazily on first use and ping-probed once per
// (re)connect; while the engine is down, calls return zero values and a
// cooldown keeps re-dials cheap. Safe for concurrent use.
type Conn struct {
	cfg Config
	log Logger
	opt *redis.Options

	mu          sync.Mutex
	rdb         *redis.Client
	up          bool
	nextAttempt time.Time
	closed      bool
}

var _ engine = (*Conn)(nil)

// NewConn validates the connection URL and returns an unconnected Conn.
// The pool is established on first use.
func NewConn(cfg Config, log Logger) (*Conn, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("chatcache: parse redis url: %w", err)
	}
	if cfg.Password != "" {
		opt.Password = cfg.Password
	}
	opt.PoolSize = coalesce(cfg.MaxConns, 20)
	opt.DialTimeout = coalesce(cfg.DialTimeout, 2*time.Second)
	opt.ReadTimeout = coalesce(cfg.OpTimeout, 2*time.Second)
	opt.WriteTimeout = coalesce(cfg.OpTimeout, 2*time.Second)
	return &Conn{
		cfg: cfg,
		log: coalesce[Logger](log, NopLogger{}),
		opt: opt,
	}, nil
}

// client returns the live pool, dialing lazily. A failed probe records the
// engine as down and starts the reconnect cooldown.
func (c *Conn) client(ctx context.Context) (*redis.Client, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false
	}
	if c.rdb != nil && c.up {
		return c.rdb, true
	}
	if time.Now().Before(c.nextAttempt) {
		return nil, false
	}
	if c.rdb == nil {
		c.rdb = redis.NewClient(c.opt)
	}
	pctx, cancel := context.WithTimeout(ctx, c.opt.DialTimeout)
	defer cancel()
	if err := c.rdb.Ping(pctx).Err(); err != nil {
		c.up = false
		c.nextAttempt = time.Now().Add(reconnectCooldown)
		c.log.Warn("cache engine unreachable", Fields{"err": err})
		return nil, false
	}
	c.up = true
	return c.rdb, true
}

// fault records a failed operation. Transport errors mark the engine down so
// subsequent calls short-circuit until the cooldown elapses.
func (c *Conn) fault(op string, err error) {
	c.log.Warn("cache op failed", Fields{"op": op, "err": err})
	if errors.Is(err, redis.Nil) {
		return
	}
	c.mu.Lock()
	c.up = false
	c.nextAttempt = time.Now().Add(reconnectCooldown)
	c.mu.Unlock()
}

// Available reports whether the engine currently answers. It may dial.
func (c *Conn) Available(ctx context.Context) bool {
	_, ok := c.client(ctx)
	return ok
}

// HealthCheck measures one round-trip ping. It never returns an error;
// unavailability is reported in the struct.
func (c *Conn) HealthCheck(ctx context.Context) Health {
	rdb, ok := c.client(ctx)
	if !ok {
		return Health{Err: "cache engine unavailable"}
	}
	octx, cancel := c.opCtx(ctx)
	defer cancel()
	start := time.Now()
	if err := rdb.Ping(octx).Err(); err != nil {
		c.fault("ping", err)
		return Health{Connected: true, Err: err.Error()}
	}
	return Health{Available: true, Connected: true, Latency: time.Since(start)}
}

// Close tears down the pool. Idempotent and safe from shutdown hooks.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.up = false
	if c.rdb == nil {
		return nil
	}
	rdb := c.rdb
	c.rdb = nil
	if err := rdb.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}

func (c *Conn) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opt.ReadTimeout)
}

func (c *Conn) Get(ctx context.Context, key string) (string, bool) {
	rdb, ok := c.client(ctx)
	if !ok {
		return "", false
	}
	octx, cancel := c.opCtx(ctx)
	defer cancel()
	v, err := rdb.Get(octx, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.fault("get", err)
		}
		return "", false
	}
	return v, true
}

func (c *Conn) Set(ctx context.Context, key, value string, ttl time.Duration) bool {
	rdb, ok := c.client(ctx)
	if !ok {
		return false
	}
	octx, cancel := c.opCtx(ctx)
	defer cancel()
	if err := rdb.Set(octx, key, value, ttl).Err(); err != nil {
		c.fault("set", err)
		return false
	}
	return true
}

func (c *Conn) Del(ctx context.Context, keys ...string) bool {
	if len(keys) == 0 {
		return true
	}
	rdb, ok := c.client(ctx)
	if !ok {
		return false
	}
	octx, cancel := c.opCtx(ctx)
	defer cancel()
	if err := rdb.Del(octx, keys...).Err(); err != nil {
		c.fault("del", err)
		return false
	}
	return true
}

func (c *Conn) Exists(ctx context.Context, key string) bool {
	rdb, ok := c.client(ctx)
	if !ok {
		return false
	}
	octx, cancel := c.opCtx(ctx)
	defer cancel()
	n, err := rdb.Exists(octx, key).Result()
	if err != nil {
		c.fault("exists", err)
		return false
	}
	return n > 0
}

func (c *Conn) Expire(ctx context.Context, key string, ttl time.Duration) bool {
	if ttl <= 0 {
		return true
	}
	rdb, ok := c.client(ctx)
	if !ok {
		return false
	}
	octx, cancel := c.opCtx(ctx)
	defer cancel()
	if err := rdb.Expire(octx, key, ttl).Err(); err != nil {
		c.fault("expire", err)
		return false
	}
	return true
}

// HGetAll returns nil both on miss and while the engine is down.
func (c *Conn) HGetAll(ctx context.Context, key string) map[string]string {
	rdb, ok := c.client(ctx)
	if !ok {
		return nil
	}
	octx, cancel := c.opCtx(ctx)
	defer cancel()
	m, err := rdb.HGetAll(octx, key).Result()
	if err != nil {
		c.fault("hgetall", err)
		return nil
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

func (c *Conn) HSet(ctx context.Context, key string, fields map[string]string) bool {
	if len(fields) == 0 {
		return true
	}
	rdb, ok := c.client(ctx)
	if !ok {
		return false
	}
	octx, cancel := c.opCtx(ctx)
	defer cancel()
	if err := rdb.HSet(octx, key, toAny(fields)).Err(); err != nil {
		c.fault("hset", err)
		return false
	}
	return true
}

// HSetMulti pipelines one HSET per key in a single round-trip.
func (c *Conn) HSetMulti(ctx context.Context, updates map[string]map[string]string) bool {
	if len(updates) == 0 {
		return true
	}
	return c.Pipelined(ctx, func(p redis.Pipeliner) error {
		for key, fields := range updates {
			if len(fields) == 0 {
				continue
			}
			p.HSet(ctx, key, toAny(fields))
		}
		return nil
	})
}

// HIncrBy is the atomic counter primitive sequence assignment relies on.
// ok=false means the engine was unreachable and no increment happened.
func (c *Conn) HIncrBy(ctx context.Context, key, field string, incr int64) (int64, bool) {
	rdb, ok := c.client(ctx)
	if !ok {
		return 0, false
	}
	octx, cancel := c.opCtx(ctx)
	defer cancel()
	v, err := rdb.HIncrBy(octx, key, field, incr).Result()
	if err != nil {
		c.fault("hincrby", err)
		return 0, false
	}
	return v, true
}

func (c *Conn) HIncrByFloat(ctx context.Context, key, field string, incr float64) bool {
	rdb, ok := c.client(ctx)
	if !ok {
		return false
	}
	octx, cancel := c.opCtx(ctx)
	defer cancel()
	if err := rdb.HIncrByFloat(octx, key, field, incr).Err(); err != nil {
		c.fault("hincrbyfloat", err)
		return false
	}
	return true
}

func (c *Conn) ZAdd(ctx context.Context, key string, score float64, member string) bool {
	rdb, ok := c.client(ctx)
	if !ok {
		return false
	}
	octx, cancel := c.opCtx(ctx)
	defer cancel()
	if err := rdb.ZAdd(octx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		c.fault("zadd", err)
		return false
	}
	return true
}

func (c *Conn) ZRange(ctx context.Context, key string, start, stop int64, desc bool) []string {
	rdb, ok := c.client(ctx)
	if !ok {
		return nil
	}
	octx, cancel := c.opCtx(ctx)
	defer cancel()
	var (
		vals []string
		err  error
	)
	if desc {
		vals, err = rdb.ZRevRange(octx, key, start, stop).Result()
	} else {
		vals, err = rdb.ZRange(octx, key, start, stop).Result()
	}
	if err != nil {
		c.fault("zrange", err)
		return nil
	}
	return vals
}

func (c *Conn) ZRem(ctx context.Context, key string, members ...string) bool {
	if len(members) == 0 {
		return true
	}
	rdb, ok := c.client(ctx)
	if !ok {
		return false
	}
	octx, cancel := c.opCtx(ctx)
	defer cancel()
	if err := rdb.ZRem(octx, key, toAny2(members)...).Err(); err != nil {
		c.fault("zrem", err)
		return false
	}
	return true
}

func (c *Conn) SAdd(ctx context.Context, key string, members ...string) bool {
	if len(members) == 0 {
		return true
	}
	rdb, ok := c.client(ctx)
	if !ok {
		return false
	}
	octx, cancel := c.opCtx(ctx)
	defer cancel()
	if err := rdb.SAdd(octx, key, toAny2(members)...).Err(); err != nil {
		c.fault("sadd", err)
		return false
	}
	return true
}

func (c *Conn) SMembers(ctx context.Context, key string) []string {
	rdb, ok := c.client(ctx)
	if !ok {
		return nil
	}
	octx, cancel := c.opCtx(ctx)
	defer cancel()
	vals, err := rdb.SMembers(octx, key).Result()
	if err != nil {
		c.fault("smembers", err)
		return nil
	}
	return vals
}

func (c *Conn) SRem(ctx context.Context, key string, members ...string) bool {
	if len(members) == 0 {
		return true
	}
	rdb, ok := c.client(ctx)
	if !ok {
		return false
	}
	octx, cancel := c.opCtx(ctx)
	defer cancel()
	if err := rdb.SRem(octx, key, toAny2(members)...).Err(); err != nil {
		c.fault("srem", err)
		return false
	}
	return true
}

func (c *Conn) RPush(ctx context.Context, key string, values ...string) bool {
	if len(values) == 0 {
		return true
	}
	rdb, ok := c.client(ctx)
	if !ok {
		return false
	}
	octx, cancel := c.opCtx(ctx)
	defer cancel()
	if err := rdb.RPush(octx, key, toAny2(values)...).Err(); err != nil {
		c.fault("rpush", err)
		return false
	}
	return true
}

func (c *Conn) LRange(ctx context.Context, key string, start, stop int64) []string {
	rdb, ok := c.client(ctx)
	if !ok {
		return nil
	}
	octx, cancel := c.opCtx(ctx)
	defer cancel()
	vals, err := rdb.LRange(octx, key, start, stop).Result()
	if err != nil {
		c.fault("lrange", err)
		return nil
	}
	return vals
}

// Pipelined runs fn against a pipeline and executes it in one round-trip.
// Returns false (with all queued writes dropped) when the engine is down.
func (c *Conn) Pipelined(ctx context.Context, fn func(redis.Pipeliner) error) bool {
	rdb, ok := c.client(ctx)
	if !ok {
		return false
	}
	octx, cancel := c.opCtx(ctx)
	defer cancel()
	if _, err := rdb.Pipelined(octx, fn); err != nil {
		c.fault("pipeline", err)
		return false
	}
	return true
}

func toAny(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func toAny2(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
