// Package redisagg implements the ephemeral per-job aggregation state
// on Redis: remaining-count, per-worker statuses, and the cached final
// event, all TTL bounded and mutated through one server-side script.
package redisagg

import (
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/content-moderator/internal/adapter/observability"
	"github.com/fairyhunter13/content-moderator/internal/domain"
)

// observeScript performs the first-seen decrement atomically:
// latch the expected count on first sight, refresh TTLs, record the
// service's status, and decrement only when the service is a new hash
// field. Client-side read-modify-write here would race across
// aggregator replicas.
const observeScript = `
local count_key = KEYS[1]
local data_key = KEYS[2]
local expected = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local service = ARGV[3]
local status = ARGV[4]

if redis.call("EXISTS", count_key) == 0 then
  redis.call("SET", count_key, expected)
end
redis.call("EXPIRE", count_key, ttl)

local added = redis.call("HSET", data_key, service, status)
redis.call("EXPIRE", data_key, ttl)

if added == 1 then
  return {added, redis.call("DECR", count_key)}
end
return {0, tonumber(redis.call("GET", count_key))}
`

// Store is the AggregationStore adapter. Safe for concurrent use across
// processes; all replicas share the same keys.
type Store struct {
	redis  *redis.Client
	script *redis.Script
}

// New constructs a Store over the given Redis client.
func New(rdb *redis.Client) *Store {
	return &Store{
		redis:  rdb,
		script: redis.NewScript(observeScript),
	}
}

func countKey(cid string) string { return "agg:" + cid + ":count" }
func dataKey(cid string) string  { return "agg:" + cid + ":data" }
func finalKey(cid string) string { return "agg:" + cid + ":final" }

// Observe records one worker result and returns the remaining count
// plus whether this (job, service) pair was seen for the first time.
// The expected baseline is latched on first sight of the correlation id
// and clamped to at least 1 so a zero fleet snapshot cannot stall a job.
func (s *Store) Observe(ctx domain.Context, cid, service string, status domain.WorkerStatus, expected int, ttl time.Duration) (int64, bool, error) {
	if cid == "" || service == "" {
		return 0, false, fmt.Errorf("op=agg.observe: %w: correlation id and service required", domain.ErrInvalidArgument)
	}
	if expected < 1 {
		expected = 1
	}
	ttlSec := int64(ttl / time.Second)
	if ttlSec < 1 {
		ttlSec = 1
	}
	keys := []string{countKey(cid), dataKey(cid)}
	res, err := s.script.Run(ctx, s.redis, keys, expected, ttlSec, service, string(status)).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("op=agg.observe: %w", err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("op=agg.observe: %w: unexpected script result", domain.ErrInternal)
	}
	first := res[0] == 1
	if !first {
		observability.DuplicateResultsTotal.Inc()
	}
	return res[1], first, nil
}

// Statuses returns the recorded service→status map for one job.
func (s *Store) Statuses(ctx domain.Context, cid string) (map[string]domain.WorkerStatus, error) {
	raw, err := s.redis.HGetAll(ctx, dataKey(cid)).Result()
	if err != nil {
		return nil, fmt.Errorf("op=agg.statuses: %w", err)
	}
	out := make(map[string]domain.WorkerStatus, len(raw))
	for svc, st := range raw {
		out[svc] = domain.CoerceWorkerStatus(st)
	}
	return out, nil
}

// Final returns the cached final event bytes if a previous finalization
// attempt already computed them.
func (s *Store) Final(ctx domain.Context, cid string) ([]byte, bool, error) {
	b, err := s.redis.Get(ctx, finalKey(cid)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("op=agg.final: %w", err)
	}
	return b, true, nil
}

// CacheFinal stores the serialized final event so a retried publish path
// recovers the identical bytes.
func (s *Store) CacheFinal(ctx domain.Context, cid string, payload []byte, ttl time.Duration) error {
	if err := s.redis.Set(ctx, finalKey(cid), payload, ttl).Err(); err != nil {
		return fmt.Errorf("op=agg.cache_final: %w", err)
	}
	return nil
}

// Cleanup deletes all three keys. Called only after the completion event
// has been published and confirmed.
func (s *Store) Cleanup(ctx domain.Context, cid string) error {
	if err := s.redis.Del(ctx, countKey(cid), dataKey(cid), finalKey(cid)).Err(); err != nil {
		return fmt.Errorf("op=agg.cleanup: %w", err)
	}
	return nil
}
