// Package queue implements the analysis_queue/DLQ semantics of §4.6: a
// shared FIFO with typed items, overflow policies, and a retry-capable
// worker that classifies errors per §7.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sentrycore/vms-core/internal/core/errs"
	"github.com/sentrycore/vms-core/internal/core/kvstore"
)

// OverflowPolicy controls what AddSafe does when a queue is at capacity.
type OverflowPolicy string

const (
	PolicyDLQ        OverflowPolicy = "DLQ"
	PolicyReject     OverflowPolicy = "REJECT"
	PolicyDropOldest OverflowPolicy = "DROP_OLDEST"
)

// WorkItem is the payload close_batch enqueues onto analysis_queue (§4.1).
type WorkItem struct {
	BatchID      string    `json:"batch_id"`
	CameraID     string    `json:"camera_id"`
	DetectionIDs []int64   `json:"detection_ids"`
	Timestamp    time.Time `json:"timestamp"`
	Attempts     int       `json:"attempts"`
}

// AddResult mirrors add_to_queue_safe's structured result (§4.6).
type AddResult struct {
	Success         bool
	QueueLength     int64
	DroppedCount    int64
	MovedToDLQCount int64
	Error           string
	Warning         string
}

// Producer is what BatchAggregator depends on to hand off closed batches.
type Producer interface {
	AddSafe(ctx context.Context, queueName string, item WorkItem, policy OverflowPolicy) (AddResult, error)
}

// Consumer is what AnalysisQueueWorker depends on to dequeue work.
type Consumer interface {
	Dequeue(ctx context.Context, queueName string, timeout time.Duration) (WorkItem, bool, error)
	Requeue(ctx context.Context, queueName string, item WorkItem) error
	MoveToDLQ(ctx context.Context, queueName string, item WorkItem) error
}

func queueKey(name string) string { return "queue:" + name }
func dlqKey(name string) string   { return "queue:dlq:" + name }

// RedisQueue implements Producer and Consumer over kvstore.Store, using
// RPUSH/LLEN/BLPOP the way internal/ratelimit/limiter.go composes
// primitive Redis commands into one higher-level operation.
type RedisQueue struct {
	store   kvstore.Store
	maxLen  int64
}

func New(store kvstore.Store, maxLen int64) *RedisQueue {
	return &RedisQueue{store: store, maxLen: maxLen}
}

// AddSafe enqueues item, applying overflow handling when the queue is at
// maxLen. Queue length and overflow resolution must be observed together,
// so this runs as a single Lua script (the atomic check-and-act pattern
// ratelimit.Limiter uses for its window counters).
func (q *RedisQueue) AddSafe(ctx context.Context, queueName string, item WorkItem, policy OverflowPolicy) (AddResult, error) {
	payload, err := json.Marshal(item)
	if err != nil {
		return AddResult{}, errs.ValueError("failed to encode queue item", err)
	}

	key := queueKey(queueName)
	dlq := dlqKey(queueName)

	raw, err := q.store.Eval(ctx, addSafeScript, []string{key, dlq}, string(payload), q.maxLen, string(policy))
	if err != nil {
		return AddResult{}, errs.RuntimeError("queue add_safe script failed", err)
	}

	fields, ok := raw.([]interface{})
	if !ok || len(fields) < 4 {
		return AddResult{}, errs.RuntimeError("queue add_safe script returned malformed result", nil)
	}

	res := AddResult{
		Success:         toInt64(fields[0]) == 1,
		QueueLength:     toInt64(fields[1]),
		DroppedCount:    toInt64(fields[2]),
		MovedToDLQCount: toInt64(fields[3]),
	}
	if len(fields) > 4 {
		if w, _ := fields[4].(string); w != "" {
			res.Warning = w
		}
	}
	if !res.Success {
		res.Error = "queue full"
	}
	return res, nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}

// addSafeScript implements DLQ / REJECT / DROP_OLDEST overflow handling
// atomically: KEYS[1]=queue key, KEYS[2]=dlq key,
// ARGV[1]=payload, ARGV[2]=max_len, ARGV[3]=policy.
const addSafeScript = `
local key = KEYS[1]
local dlq = KEYS[2]
local payload = ARGV[1]
local max_len = tonumber(ARGV[2])
local policy = ARGV[3]

local len = redis.call('LLEN', key)
local dropped = 0
local moved = 0
local warning = ''

if len >= max_len then
  if policy == 'REJECT' then
    return {0, len, 0, 0, ''}
  elseif policy == 'DLQ' then
    local oldest = redis.call('LPOP', key)
    if oldest then
      redis.call('RPUSH', dlq, oldest)
      moved = 1
      warning = 'moved oldest item to dlq'
    end
  elseif policy == 'DROP_OLDEST' then
    redis.call('LPOP', key)
    dropped = 1
    warning = 'dropped oldest item'
  end
end

redis.call('RPUSH', key, payload)
local newlen = redis.call('LLEN', key)
return {1, newlen, dropped, moved, warning}
`

// Dequeue performs a retry-capable blocking pop with timeout (§5: workers
// must never hold an inference permit across this call).
func (q *RedisQueue) Dequeue(ctx context.Context, queueName string, timeout time.Duration) (WorkItem, bool, error) {
	raw, found, err := q.store.BLPop(ctx, queueKey(queueName), timeout)
	if err != nil {
		return WorkItem{}, false, errs.RuntimeError("queue dequeue failed", err)
	}
	if !found {
		return WorkItem{}, false, nil
	}
	var item WorkItem
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return WorkItem{}, false, errs.New(errs.KindPermanentClient, errs.CodeValueError, "malformed queue item", err)
	}
	return item, true, nil
}

// Requeue re-enqueues item with its attempt counter incremented, used by
// the worker's retry-with-backoff path for TRANSIENT_UPSTREAM errors.
func (q *RedisQueue) Requeue(ctx context.Context, queueName string, item WorkItem) error {
	item.Attempts++
	payload, err := json.Marshal(item)
	if err != nil {
		return errs.ValueError("failed to encode requeued item", err)
	}
	_, err = q.store.RPush(ctx, queueKey(queueName), string(payload))
	if err != nil {
		return errs.RuntimeError("requeue failed", err)
	}
	return nil
}

// MoveToDLQ parks an item that exhausted its retry cap.
func (q *RedisQueue) MoveToDLQ(ctx context.Context, queueName string, item WorkItem) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return errs.ValueError("failed to encode dlq item", err)
	}
	_, err = q.store.RPush(ctx, dlqKey(queueName), string(payload))
	if err != nil {
		return errs.RuntimeError("move to dlq failed", err)
	}
	return nil
}

// Len reports the current queue depth, used by cmd/core-worker's depth ticker.
func (q *RedisQueue) Len(ctx context.Context, queueName string) (int64, error) {
	return q.store.LLen(ctx, queueKey(queueName))
}

// DLQLen reports the dead-letter queue depth for the same worker.
func (q *RedisQueue) DLQLen(ctx context.Context, queueName string) (int64, error) {
	return q.store.LLen(ctx, dlqKey(queueName))
}

var _ fmt.Stringer = OverflowPolicy("")

func (p OverflowPolicy) String() string { return string(p) }
