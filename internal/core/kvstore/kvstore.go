// Package kvstore wraps the Redis-like primitives the core pipeline needs
// (§6, §9): GET/SET/SETNX/DEL, RPUSH/LRANGE/LLEN atomic list operations,
// EXPIRE, cursor-based SCAN (never the blocking KEYS/"list all keys"
// primitive), pipelines, and publish/subscribe.
package kvstore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotInitialized is an alias of redis.ErrClosed. No method in this
// package returns it; RedisStore does not check for a missing client.
var ErrNotInitialized = redis.ErrClosed

// ScanBatchSize bounds how many keys the cursor-based scan yields per
// round-trip, per §4.1's "yields in batches of ~100".
const ScanBatchSize = 100

// Store is the contract the BatchAggregator, queue, broadcast, and baseline
// lookup code depend on. Implementations must never use a blocking "list all
// keys" primitive.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	RPush(ctx context.Context, key string, value string) (int64, error)
	LPush(ctx context.Context, key string, value string) (int64, error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LLen(ctx context.Context, key string) (int64, error)
	LTrimOldest(ctx context.Context, key string, count int64) error
	// BLPop blocks up to timeout waiting for an element at the head of key,
	// used by AnalysisQueueWorker's retry-capable dequeue (§5: "must never
	// hold a permit across a blocking dequeue" is enforced by the caller,
	// not by this primitive).
	BLPop(ctx context.Context, key string, timeout time.Duration) (string, bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// ScanKeys walks all keys matching pattern using a non-blocking cursor,
	// invoking fn with batches of up to ScanBatchSize keys.
	ScanKeys(ctx context.Context, pattern string, fn func(keys []string) error) error
	// Pipeline returns a batch of commands to run in one round trip.
	Pipeline() Pipeliner
	Publish(ctx context.Context, channel, message string) error
	Subscribe(ctx context.Context, channel string) Subscription
	// Eval runs a Lua script atomically, used for compound check-and-act
	// sequences (queue overflow handling).
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
}

// Pipeliner batches Get/Set/Del-style commands into one round trip; results
// are read back via the returned futures after Exec.
type Pipeliner interface {
	Set(ctx context.Context, key, value string, ttl time.Duration)
	Get(ctx context.Context, key string) *StringResult
	Del(ctx context.Context, keys ...string)
	RPush(ctx context.Context, key, value string)
	Exec(ctx context.Context) error
}

// StringResult holds a deferred pipelined GET result, populated after Exec.
type StringResult struct {
	Val   string
	Found bool
	Err   error
}

// Subscription is a live pub/sub subscription.
type Subscription interface {
	Channel() <-chan Message
	Close() error
}

// Message is a single pub/sub delivery.
type Message struct {
	Channel string
	Payload string
}

// RedisStore is the production Store backed by go-redis, in the style of
// session.Manager and ratelimit.Limiter which both hold a *redis.Client
// directly rather than an abstracted pool.
type RedisStore struct {
	client *redis.Client
}

func New(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

func (s *RedisStore) RPush(ctx context.Context, key string, value string) (int64, error) {
	return s.client.RPush(ctx, key, value).Result()
}

func (s *RedisStore) LPush(ctx context.Context, key string, value string) (int64, error) {
	return s.client.LPush(ctx, key, value).Result()
}

func (s *RedisStore) BLPop(ctx context.Context, key string, timeout time.Duration) (string, bool, error) {
	res, err := s.client.BLPop(ctx, timeout, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	// BLPop returns [key, value].
	if len(res) < 2 {
		return "", false, nil
	}
	return res[1], true, nil
}

func (s *RedisStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.client.LRange(ctx, key, start, stop).Result()
}

func (s *RedisStore) LLen(ctx context.Context, key string) (int64, error) {
	return s.client.LLen(ctx, key).Result()
}

func (s *RedisStore) LTrimOldest(ctx context.Context, key string, count int64) error {
	if count <= 0 {
		return nil
	}
	// Drop the `count` oldest (leftmost) elements, keeping the rest.
	return s.client.LTrim(ctx, key, count, -1).Err()
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Expire(ctx, key, ttl).Err()
}

// ScanKeys never uses KEYS; it walks the keyspace with SCAN and a
// server-side cursor, stopping when the cursor returns to 0. Matches the
// redesign flag in §9 replacing the Python original's blocking `KEYS`
// call in check_batch_timeouts.
func (s *RedisStore) ScanKeys(ctx context.Context, pattern string, fn func(keys []string) error) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, ScanBatchSize).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (s *RedisStore) Publish(ctx context.Context, channel, message string) error {
	return s.client.Publish(ctx, channel, message).Err()
}

func (s *RedisStore) Subscribe(ctx context.Context, channel string) Subscription {
	ps := s.client.Subscribe(ctx, channel)
	out := make(chan Message, 64)
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			out <- Message{Channel: msg.Channel, Payload: msg.Payload}
		}
	}()
	return &redisSubscription{ps: ps, ch: out}
}

func (s *RedisStore) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	return redis.NewScript(script).Run(ctx, s.client, keys, args...).Result()
}

type redisSubscription struct {
	ps *redis.PubSub
	ch chan Message
}

func (r *redisSubscription) Channel() <-chan Message { return r.ch }
func (r *redisSubscription) Close() error            { return r.ps.Close() }

// Pipeline implements the pipelined-transaction requirement of §4.1/§5:
// the new-batch metadata writes must be observable together, and
// check_batch_timeouts phases its fetches to avoid per-batch round-trips.
func (s *RedisStore) Pipeline() Pipeliner {
	return &redisPipeliner{pipe: s.client.Pipeline()}
}

type redisPipeliner struct {
	pipe    redis.Pipeliner
	strRess []*StringResult
	strCmds []*redis.StringCmd
}

func (p *redisPipeliner) Set(ctx context.Context, key, value string, ttl time.Duration) {
	p.pipe.Set(ctx, key, value, ttl)
}

func (p *redisPipeliner) Get(ctx context.Context, key string) *StringResult {
	cmd := p.pipe.Get(ctx, key)
	res := &StringResult{}
	p.strRess = append(p.strRess, res)
	p.strCmds = append(p.strCmds, cmd)
	return res
}

func (p *redisPipeliner) Del(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	p.pipe.Del(ctx, keys...)
}

func (p *redisPipeliner) RPush(ctx context.Context, key, value string) {
	p.pipe.RPush(ctx, key, value)
}

func (p *redisPipeliner) Exec(ctx context.Context) error {
	_, err := p.pipe.Exec(ctx)
	for i, cmd := range p.strCmds {
		val, cmdErr := cmd.Result()
		if cmdErr == redis.Nil {
			p.strRess[i].Found = false
			continue
		}
		if cmdErr != nil {
			p.strRess[i].Err = cmdErr
			continue
		}
		p.strRess[i].Val = val
		p.strRess[i].Found = true
	}
	if err != nil && err != redis.Nil {
		return err
	}
	return nil
}
