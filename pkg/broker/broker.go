// Package broker is the thin abstraction over the atomic primitives the
// core needs from the key-value store (spec §2 "Broker Adapter", §6
// "Broker contract"): sorted-set insert/remove/range/cardinality, set
// add/members, string get/set/delete, list right-push, pub/sub, and the
// three atomic scripts in scripts.go (set removal happens only inside those
// scripts). It wraps github.com/redis/go-redis/v9,
// the same client the teacher's pkg/queue.Client used directly.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned in place of redis.Nil so callers outside this
// package never need to import go-redis to check for a missing key.
var ErrNotFound = errors.New("broker: key not found")

// Broker is the sole shared-resource handle described in spec §5. One
// instance is constructed per process: once in a worker's parent, and again
// — freshly, with its own connection pool — inside every forked-off
// executor child (spec §4.4 "reinitialize any broker client connection
// pool").
type Broker struct {
	rdb *redis.Client

	zpoppushScript           *redis.Script
	sremIfNotExistsScript    *redis.Script
	deleteIfNotInZSetsScript *redis.Script
}

// Options configures the underlying Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// New connects to addr and prepares the atomic scripts for later use.
// redis.Script bodies are loaded lazily (EVALSHA, falling back to EVAL) on
// first Run, matching go-redis's own caching behavior — no separate SCRIPT
// LOAD step is required.
func New(opts Options) *Broker {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return &Broker{
		rdb:                      rdb,
		zpoppushScript:           redis.NewScript(zpoppushLua),
		sremIfNotExistsScript:    redis.NewScript(sremIfNotExistsLua),
		deleteIfNotInZSetsScript: redis.NewScript(deleteIfNotInZSetsLua),
	}
}

// Close releases the connection pool.
func (b *Broker) Close() error {
	return b.rdb.Close()
}

// Ping verifies connectivity, used by cmd entry points at startup.
func (b *Broker) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// Get returns the raw string at key, or ErrNotFound if it does not exist.
func (b *Broker) Get(ctx context.Context, key string) (string, error) {
	v, err := b.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return v, err
}

// Set writes key unconditionally (overwrite), the enqueue path's idempotent
// write for unique tasks (spec §4.3).
func (b *Broker) Set(ctx context.Context, key, value string) error {
	return b.rdb.Set(ctx, key, value, 0).Err()
}

// Del deletes key unconditionally; a no-op if key is absent.
func (b *Broker) Del(ctx context.Context, key string) error {
	return b.rdb.Del(ctx, key).Err()
}

// SAdd adds member to the set at key (queue-status-set membership).
func (b *Broker) SAdd(ctx context.Context, key, member string) error {
	return b.rdb.SAdd(ctx, key, member).Err()
}

// SMembers lists every member of the set at key.
func (b *Broker) SMembers(ctx context.Context, key string) ([]string, error) {
	return b.rdb.SMembers(ctx, key).Result()
}

// ZAdd inserts member into the sorted set at key with the given score,
// overwriting any prior score (used by the enqueue path and heartbeats).
func (b *Broker) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return b.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

// ZRem removes member from the sorted set at key.
func (b *Broker) ZRem(ctx context.Context, key, member string) error {
	return b.rdb.ZRem(ctx, key, member).Err()
}

// ZScoreExists reports whether member is present in the sorted set at key.
func (b *Broker) ZScoreExists(ctx context.Context, key, member string) (bool, error) {
	_, err := b.rdb.ZScore(ctx, key, member).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ZCard returns the cardinality of the sorted set at key.
func (b *Broker) ZCard(ctx context.Context, key string) (int64, error) {
	return b.rdb.ZCard(ctx, key).Result()
}

// ZRangeWithScores lists up to limit members of the sorted set at key,
// lowest score first, for operator inspection endpoints.
func (b *Broker) ZRangeWithScores(ctx context.Context, key string, limit int64) ([]redis.Z, error) {
	if limit <= 0 {
		limit = -1
	}
	return b.rdb.ZRangeWithScores(ctx, key, 0, limit-1).Result()
}

// RPush appends value to the list at key (the failure-execution log).
func (b *Broker) RPush(ctx context.Context, key, value string) error {
	return b.rdb.RPush(ctx, key, value).Err()
}

// LRange lists up to limit entries of the list at key, in insertion order.
func (b *Broker) LRange(ctx context.Context, key string, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = -1
	}
	return b.rdb.LRange(ctx, key, 0, limit-1).Result()
}

// Publish announces message on channel — the activity channel in this
// system (spec §4.1).
func (b *Broker) Publish(ctx context.Context, channel, message string) error {
	return b.rdb.Publish(ctx, channel, message).Err()
}

// Subscribe opens a pub/sub subscription to channel. The caller owns the
// returned *redis.PubSub and must Close it.
func (b *Broker) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return b.rdb.Subscribe(ctx, channel)
}

// EnqueueWrite is the four single-key writes of spec §4.3, issued in one
// best-effort pipeline: no consistency-critical read is involved, so (per
// §4.2) this does not need to be a transactional script.
type EnqueueWrite struct {
	QueuedSet    string // <prefix>:queued
	QueuedBucket string // <prefix>:queued:<queue>
	TaskKey      string // <prefix>:task:<id>
	Record       string // serialized task
	Activity     string // <prefix>:activity
	Queue        string // queue name, both SAdd member and publish payload
	TaskID       string // ZAdd member
	EnqueuedAt   float64
}

// Enqueue performs w's writes.
func (b *Broker) Enqueue(ctx context.Context, w EnqueueWrite) error {
	pipe := b.rdb.Pipeline()
	pipe.SAdd(ctx, w.QueuedSet, w.Queue)
	pipe.Set(ctx, w.TaskKey, w.Record, 0)
	pipe.ZAdd(ctx, w.QueuedBucket, redis.Z{Score: w.EnqueuedAt, Member: w.TaskID})
	pipe.Publish(ctx, w.Activity, w.Queue)
	_, err := pipe.Exec(ctx)
	return err
}

// RemoveFromActiveAndMarkError is the single-key half of the failure
// reconciliation of spec §4.5 step 5, batched into one pipeline: the
// conditional SRemIfNotExists that follows still runs as its own script
// since it depends on the ZREM above having already landed.
func (b *Broker) RemoveFromActiveAndMarkError(ctx context.Context, activeBucket, errorBucket, errorSet, taskID, queue string, failedAt float64) error {
	pipe := b.rdb.Pipeline()
	pipe.ZRem(ctx, activeBucket, taskID)
	pipe.ZAdd(ctx, errorBucket, redis.Z{Score: failedAt, Member: taskID})
	pipe.SAdd(ctx, errorSet, queue)
	_, err := pipe.Exec(ctx)
	return err
}

// Now is the broker's notion of wall-clock time, seconds since epoch as a
// float, matching the source's time.time(). Centralized here so tests can
// reason about it alongside the rest of the broker surface.
func Now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
