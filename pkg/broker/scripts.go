package broker

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// The three atomic scripts of spec §4.2. Each one encapsulates all
// multi-key consistency this system needs; everything else is a single-key
// write or a best-effort pipeline (pkg/broker's other methods). Modeled on
// the teacher's own use of redis.Script for multi-key atomicity
// (Client.Allow's token bucket, Client.StartScheduler's delayed-queue
// drain) rather than go-redis transactions, since the logic here is
// conditional, not just a fixed sequence of commands.

// zpoppushLua implements zpoppush(src, dst, count, max_score, new_score,
// [on_success]). KEYS: 1=src 2=dst 3=src_set 4=dst_set. ARGV: 1=count
// 2=max_score ("" means unbounded) 3=new_score 4=update_sets ("1"/"0")
// 5=queue.
const zpoppushLua = `
local src, dst, src_set, dst_set = KEYS[1], KEYS[2], KEYS[3], KEYS[4]
local count = tonumber(ARGV[1])
local max_score = ARGV[2]
local new_score = tonumber(ARGV[3])
local update_sets = ARGV[4] == "1"
local queue = ARGV[5]

local range_max = "+inf"
if max_score ~= "" then
  range_max = max_score
end

local ids = redis.call("ZRANGEBYSCORE", src, "-inf", range_max, "LIMIT", 0, count)
if #ids > 0 then
  for _, id in ipairs(ids) do
    redis.call("ZREM", src, id)
    redis.call("ZADD", dst, new_score, id)
  end
  if update_sets then
    redis.call("SADD", dst_set, queue)
    if redis.call("ZCARD", src) == 0 then
      redis.call("SREM", src_set, queue)
    end
  end
end
return ids
`

// sremIfNotExistsLua implements srem_if_not_exists(queue_status_set, queue,
// bucket_key). KEYS: 1=queue_status_set 2=bucket_key. ARGV: 1=queue.
const sremIfNotExistsLua = `
if redis.call("ZCARD", KEYS[2]) == 0 then
  redis.call("SREM", KEYS[1], ARGV[1])
end
return 1
`

// deleteIfNotInZSetsLua implements delete_if_not_in_zsets(record_key, id,
// [zsets...]). KEYS: 1=record_key 2..N=zsets. ARGV: 1=id.
const deleteIfNotInZSetsLua = `
for i = 2, #KEYS do
  if redis.call("ZSCORE", KEYS[i], ARGV[1]) then
    return 0
  end
end
redis.call("DEL", KEYS[1])
return 1
`

// OnSuccess mirrors the source's on_success=(update_sets, src_set, dst_set,
// queue) tuple: when at least one ID is moved, atomically add queue to
// DstSet and remove it from SrcSet iff src is now empty.
type OnSuccess struct {
	SrcSet string
	DstSet string
	Queue  string
}

// ZPopPush removes up to count members of src whose score is <= maxScore
// (unbounded when maxScore is nil), inserts them into dst at newScore, and
// returns the moved IDs (spec §4.2). This is the primitive behind both
// claiming (queued->active) and expired-task reclaim (active->queued);
// post-execution reconciliation uses SRemIfNotExists/DeleteIfNotInZSets
// instead.
func (b *Broker) ZPopPush(ctx context.Context, src, dst string, count int64, maxScore *float64, newScore float64, onSuccess *OnSuccess) ([]string, error) {
	keys := []string{src, dst, "", ""}
	updateSets := "0"
	queue := ""
	if onSuccess != nil {
		keys[2] = onSuccess.SrcSet
		keys[3] = onSuccess.DstSet
		updateSets = "1"
		queue = onSuccess.Queue
	}

	maxScoreArg := ""
	if maxScore != nil {
		maxScoreArg = strconv.FormatFloat(*maxScore, 'f', -1, 64)
	}

	res, err := b.zpoppushScript.Run(ctx, b.rdb, keys,
		count,
		maxScoreArg,
		strconv.FormatFloat(newScore, 'f', -1, 64),
		updateSets,
		queue,
	).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	rawIDs, _ := res.([]interface{})
	ids := make([]string, 0, len(rawIDs))
	for _, v := range rawIDs {
		if s, ok := v.(string); ok {
			ids = append(ids, s)
		}
	}
	return ids, nil
}

// SRemIfNotExists removes queue from queueStatusSet iff the sorted set at
// bucketKey is now empty (spec §4.2).
func (b *Broker) SRemIfNotExists(ctx context.Context, queueStatusSet, queue, bucketKey string) error {
	_, err := b.sremIfNotExistsScript.Run(ctx, b.rdb, []string{queueStatusSet, bucketKey}, queue).Result()
	if err == redis.Nil {
		return nil
	}
	return err
}

// DeleteIfNotInZSets deletes recordKey iff id is not a member of any of
// zsets, and reports whether the delete happened (spec §4.2, closing the
// narrow window in invariant 2 during unique-task completion).
func (b *Broker) DeleteIfNotInZSets(ctx context.Context, recordKey, id string, zsets []string) (bool, error) {
	keys := append([]string{recordKey}, zsets...)
	res, err := b.deleteIfNotInZSetsScript.Run(ctx, b.rdb, keys, id).Result()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}
