package remotestorage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// changeEnvelope is what gets published on a namespace's pub/sub channel
// whenever Set or Delete succeeds: { key, value, timestamp }, with Value
// carrying the raw stored wrapper bytes, or nil for a deletion.
type changeEnvelope struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Timestamp int64           `json:"timestamp"`
}

// RedisClient is a Redis-backed remotestorage.Client: plain string keys
// for Set/Delete/Range, and Redis Pub/Sub for change notifications. An
// embedded *redis.Client plus a named zap sub-logger, reconnect driven by
// exponential backoff.
type RedisClient struct {
	addr      string
	db        int
	namespace string
	patterns  []string // pre-declared key patterns this subscription is scoped to
	limiter   *rate.Limiter
	log       *zap.Logger

	mu        sync.Mutex
	rdb       *redis.Client
	pubsub    *redis.PubSub
	state     ConnectionState
	listeners map[int]func(ConnectionState)
	nextID    int
	closed    bool
	cancelBg  context.CancelFunc

	subMu      sync.Mutex
	subHandler func(Notification)
	subID      string
}

var _ Client = (*RedisClient)(nil)

// NewRedisClient constructs a RedisClient for namespace, scoped to
// patterns (one "{field}" / "{field}:*" pair per synced root field).
// rateLimitPerSec <= 0 disables outbound throttling.
func NewRedisClient(addr string, db int, namespace string, patterns []string, rateLimitPerSec int, log *zap.Logger) *RedisClient {
	var limiter *rate.Limiter
	if rateLimitPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(rateLimitPerSec), rateLimitPerSec)
	}
	return &RedisClient{
		addr:      addr,
		db:        db,
		namespace: namespace,
		patterns:  patterns,
		limiter:   limiter,
		log:       log.Named("remotestorage.redis"),
		state:     Disconnected,
		listeners: make(map[int]func(ConnectionState)),
	}
}

func (c *RedisClient) changesChannel() string {
	return fmt.Sprintf("multiplayer:%s:changes", c.namespace)
}

// Connect dials Redis with a bounded exponential-backoff retry schedule
// (mirrors internal/storage/dolt's backoff.Retry use in the pack), then
// starts the background subscription relay. token is not used: this Redis
// adaptation performs no protocol-level AUTH handshake.
func (c *RedisClient) Connect(ctx context.Context, token string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrDestroyed
	}
	c.setState(Connecting)
	c.mu.Unlock()

	rdb := redis.NewClient(&redis.Options{
		Addr:         c.addr,
		DB:           c.db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
	})

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 15 * time.Second

	pingErr := backoff.Retry(func() error {
		if err := rdb.Ping(ctx).Err(); err != nil {
			c.log.Warn("ping failed, retrying", zap.Error(err))
			return err
		}
		return nil
	}, backoff.WithContext(bo, ctx))

	if pingErr != nil {
		_ = rdb.Close()
		c.mu.Lock()
		c.setState(Disconnected)
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrConnect, pingErr)
	}

	c.mu.Lock()
	c.rdb = rdb
	bgCtx, cancel := context.WithCancel(context.Background())
	c.cancelBg = cancel
	c.setState(Connected)
	c.mu.Unlock()

	c.subMu.Lock()
	handler := c.subHandler
	c.subMu.Unlock()
	if handler != nil {
		c.startRelay(bgCtx, handler)
	}

	c.log.Info("connected", zap.String("addr", c.addr), zap.Int("db", c.db))
	return nil
}

// Disconnect tears down the current session but keeps registered
// listeners and the subscription handler, so a later Connect can resume
// them (used by the token manager's refresh-triggered reconnect).
func (c *RedisClient) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnectLocked()
}

func (c *RedisClient) disconnectLocked() error {
	if c.cancelBg != nil {
		c.cancelBg()
		c.cancelBg = nil
	}
	if c.pubsub != nil {
		_ = c.pubsub.Close()
		c.pubsub = nil
	}
	var err error
	if c.rdb != nil {
		err = c.rdb.Close()
		c.rdb = nil
	}
	c.setState(Disconnected)
	return err
}

// Close permanently tears down the client: disconnects, then releases
// every listener. Idempotent.
func (c *RedisClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	err := c.disconnectLocked()
	c.listeners = make(map[int]func(ConnectionState))
	c.closed = true
	return err
}

func (c *RedisClient) Set(ctx context.Context, key string, wrappedJSON []byte, replace bool) error {
	if err := c.await(ctx); err != nil {
		return err
	}
	rdb, err := c.client()
	if err != nil {
		return err
	}

	if replace {
		if err := rdb.Set(ctx, key, wrappedJSON, 0).Err(); err != nil {
			return fmt.Errorf("%w: set %s: %v", ErrProtocol, key, err)
		}
	} else {
		ok, err := rdb.SetNX(ctx, key, wrappedJSON, 0).Result()
		if err != nil {
			return fmt.Errorf("%w: setnx %s: %v", ErrProtocol, key, err)
		}
		if !ok {
			return fmt.Errorf("%w: key %s already exists", ErrProtocol, key)
		}
	}

	return c.publishChange(ctx, key, json.RawMessage(wrappedJSON))
}

func (c *RedisClient) Delete(ctx context.Context, key string) error {
	if err := c.await(ctx); err != nil {
		return err
	}
	rdb, err := c.client()
	if err != nil {
		return err
	}
	if err := rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: del %s: %v", ErrProtocol, key, err)
	}
	return c.publishChange(ctx, key, nil)
}

func (c *RedisClient) publishChange(ctx context.Context, key string, value json.RawMessage) error {
	rdb, err := c.client()
	if err != nil {
		return err
	}
	env := changeEnvelope{Key: key, Value: value, Timestamp: time.Now().UnixMilli()}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("%w: encode notification: %v", ErrProtocol, err)
	}
	if err := rdb.Publish(ctx, c.changesChannel(), payload).Err(); err != nil {
		return fmt.Errorf("%w: publish: %v", ErrProtocol, err)
	}
	return nil
}

// Range scans the namespace's keyspace with SCAN, filters to
// [startKey, endKey), sorts lexicographically, and returns one page.
func (c *RedisClient) Range(ctx context.Context, startKey, endKey string, pageSize int) (RangeResult, error) {
	rdb, err := c.client()
	if err != nil {
		return RangeResult{}, err
	}
	if pageSize <= 0 {
		pageSize = 1000
	}

	var keys []string
	pattern := c.namespace + ":*"
	iter := rdb.Scan(ctx, 0, pattern, int64(pageSize*4)).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		if k >= startKey && k < endKey {
			keys = append(keys, k)
		}
	}
	if err := iter.Err(); err != nil {
		return RangeResult{}, fmt.Errorf("%w: scan: %v", ErrProtocol, err)
	}
	sort.Strings(keys)

	truncated := len(keys) > pageSize
	if truncated {
		keys = keys[:pageSize]
	}
	if len(keys) == 0 {
		return RangeResult{}, nil
	}

	vals, err := rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return RangeResult{}, fmt.Errorf("%w: mget: %v", ErrProtocol, err)
	}

	items := make([]KV, 0, len(keys))
	for i, v := range vals {
		if v == nil {
			continue // deleted between SCAN and MGET
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		items = append(items, KV{Key: keys[i], Value: []byte(s)})
	}

	result := RangeResult{Items: items, Truncated: truncated}
	if truncated {
		result.LastKey = keys[len(keys)-1]
	}
	return result, nil
}

// Subscribe registers handler and, if already connected, starts the
// background relay immediately. Only one subscription is supported per
// client.
func (c *RedisClient) Subscribe(ctx context.Context, handler func(Notification)) (string, error) {
	c.subMu.Lock()
	c.subHandler = handler
	c.subID = "sub-" + c.namespace
	id := c.subID
	c.subMu.Unlock()

	c.mu.Lock()
	connected := c.rdb != nil
	var bgCtx context.Context
	if connected {
		// Stop any relay still running for a previous handler.
		if c.cancelBg != nil {
			c.cancelBg()
		}
		if c.pubsub != nil {
			_ = c.pubsub.Close()
			c.pubsub = nil
		}
		bgCtx, c.cancelBg = context.WithCancel(context.Background())
	}
	c.mu.Unlock()

	if connected {
		c.startRelay(bgCtx, handler)
	}
	return id, nil
}

func (c *RedisClient) Unsubscribe(subscriptionID string) error {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.subID != subscriptionID {
		return nil
	}
	c.subHandler = nil
	c.subID = ""
	return nil
}

// startRelay subscribes to the namespace's Pub/Sub channel and forwards
// each message to handler as a Notification, filtered to the pre-declared
// key patterns. It runs until bgCtx is cancelled (Disconnect/Close) or the
// underlying connection errors, in which case it drives its own
// reconnect-and-resubscribe loop with exponential backoff, emitting
// Reconnecting/Connected transitions as it goes.
func (c *RedisClient) startRelay(bgCtx context.Context, handler func(Notification)) {
	c.mu.Lock()
	rdb := c.rdb
	c.mu.Unlock()
	if rdb == nil {
		return
	}

	pubsub := rdb.Subscribe(bgCtx, c.changesChannel())
	c.mu.Lock()
	c.pubsub = pubsub
	c.mu.Unlock()

	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case <-bgCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					c.reconnectRelay(bgCtx, handler)
					return
				}
				c.deliver(msg.Payload, handler)
			}
		}
	}()
}

func (c *RedisClient) reconnectRelay(bgCtx context.Context, handler func(Notification)) {
	select {
	case <-bgCtx.Done():
		return
	default:
	}

	c.mu.Lock()
	c.setState(Reconnecting)
	c.mu.Unlock()

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // retry indefinitely; caller owns lifecycle via bgCtx

	err := backoff.Retry(func() error {
		select {
		case <-bgCtx.Done():
			return backoff.Permanent(ErrDestroyed)
		default:
		}
		c.mu.Lock()
		rdb := c.rdb
		c.mu.Unlock()
		if rdb == nil {
			return ErrConnect
		}
		return rdb.Ping(bgCtx).Err()
	}, backoff.WithContext(bo, bgCtx))

	if err != nil {
		return
	}

	c.mu.Lock()
	c.setState(Connected)
	c.mu.Unlock()
	c.startRelay(bgCtx, handler)
}

func (c *RedisClient) deliver(payload string, handler func(Notification)) {
	var env changeEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		c.log.Warn("dropping malformed notification", zap.Error(err))
		return
	}
	if !c.matchesPatterns(env.Key) {
		return
	}
	handler(Notification{Key: env.Key, Value: []byte(env.Value), Timestamp: env.Timestamp})
}

// matchesPatterns reports whether key (full "<ns>:seg:...") falls under
// one of the patterns pre-declared at token issuance ("field" or
// "field:*"). An empty pattern set matches everything (no scoping
// requested).
func (c *RedisClient) matchesPatterns(key string) bool {
	if len(c.patterns) == 0 {
		return true
	}
	rest := strings.TrimPrefix(key, c.namespace+":")
	for _, p := range c.patterns {
		field, wildcard := strings.CutSuffix(p, ":*")
		if wildcard {
			if rest == field || strings.HasPrefix(rest, field+":") {
				return true
			}
		} else if rest == field {
			return true
		}
	}
	return false
}

func (c *RedisClient) ConnectionStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := Stats{ConnectionState: c.state}
	if c.rdb != nil {
		ps := c.rdb.PoolStats()
		stats.PoolSize = int(ps.TotalConns)
		stats.IdleConns = int(ps.IdleConns)
	}
	return stats
}

func (c *RedisClient) OnStateChange(fn func(ConnectionState)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// setState updates c.state and notifies listeners. Callers must hold c.mu.
func (c *RedisClient) setState(s ConnectionState) {
	c.state = s
	for _, fn := range c.listeners {
		fn(s)
	}
}

func (c *RedisClient) client() (*redis.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrDestroyed
	}
	if c.rdb == nil {
		return nil, fmt.Errorf("%w: not connected", ErrConnect)
	}
	return c.rdb, nil
}

func (c *RedisClient) await(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}
