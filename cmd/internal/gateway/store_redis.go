package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Every script replies {status, owner, claimed_at_ms, expires_at_ms, result_json}.
// status: 1 = this call wrote the claim, 0 = existing claim returned, -1 = no claim.

var redisClaimScript = redis.NewScript(`
local key = KEYS[1]
local owner = ARGV[1]
local claimed_at = ARGV[2]
local expires_at = ARGV[3]
local retain_ms = ARGV[4]

if redis.call("EXISTS", key) == 0 then
  redis.call("HSET", key, "owner", owner, "claimed_at", claimed_at, "expires_at", expires_at)
  redis.call("PEXPIRE", key, retain_ms)
  return {1, owner, claimed_at, expires_at, ""}
end

return {0,
  redis.call("HGET", key, "owner") or "",
  redis.call("HGET", key, "claimed_at") or "",
  redis.call("HGET", key, "expires_at") or "",
  redis.call("HGET", key, "result") or ""}
`)

var redisTakeoverScript = redis.NewScript(`
local key = KEYS[1]
local prev_owner = ARGV[1]
local owner = ARGV[2]
local claimed_at = ARGV[3]
local expires_at = ARGV[4]
local retain_ms = ARGV[5]
local now_ms = tonumber(ARGV[6])

if redis.call("EXISTS", key) == 0 then
  return {-1, "", "", "", ""}
end

local cur_owner = redis.call("HGET", key, "owner") or ""
local cur_result = redis.call("HGET", key, "result")
local cur_expires = redis.call("HGET", key, "expires_at") or "0"

if cur_owner == prev_owner and not cur_result and tonumber(cur_expires) <= now_ms then
  redis.call("HSET", key, "owner", owner, "claimed_at", claimed_at, "expires_at", expires_at)
  redis.call("PEXPIRE", key, retain_ms)
  return {1, owner, claimed_at, expires_at, ""}
end

return {0, cur_owner, redis.call("HGET", key, "claimed_at") or "", cur_expires, cur_result or ""}
`)

var redisPublishScript = redis.NewScript(`
local key = KEYS[1]
local owner = ARGV[1]
local result = ARGV[2]

if redis.call("EXISTS", key) == 0 then
  return 0
end
if redis.call("HGET", key, "owner") ~= owner or redis.call("HEXISTS", key, "result") == 1 then
  return -1
end

redis.call("HSET", key, "result", result)
return 1
`)

var redisReleaseScript = redis.NewScript(`
local key = KEYS[1]
local owner = ARGV[1]

if redis.call("EXISTS", key) == 0 then
  return 0
end
if owner ~= "" then
  if redis.call("HGET", key, "owner") ~= owner or redis.call("HEXISTS", key, "result") == 1 then
    return -1
  end
end

redis.call("DEL", key)
return 1
`)

// RedisClaimStore keeps each claim in a hash under <prefix>:<key>.
// Keys expire retention after the claim's own expiry, so Purge has nothing left to do.
type RedisClaimStore struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

// NewRedisClaimStore constructs a RedisClaimStore.
func NewRedisClaimStore(client redis.UniversalClient, prefix string, retention time.Duration) (*RedisClaimStore, error) {
	if client == nil {
		return nil, ErrInvalidInput
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "tokengate:claim"
	}
	if retention < 0 {
		return nil, OpError{Op: "gateway.NewRedisClaimStore", Kind: ErrConfig, Err: errString("retention must not be negative")}
	}
	return &RedisClaimStore{client: client, prefix: prefix, retention: retention}, nil
}

// Claim writes the claim hash only if the key is absent and sets its expiry to the claim TTL
// plus retention.
func (s *RedisClaimStore) Claim(ctx context.Context, key, owner string, now time.Time, ttl time.Duration) (Claim, bool, error) {
	expires := now.Add(ttl)
	raw, err := redisClaimScript.Run(ctx, s.client,
		[]string{s.redisKey(key)},
		owner,
		now.UnixMilli(),
		expires.UnixMilli(),
		s.retainMillis(ttl),
	).Result()
	if err != nil {
		return Claim{}, false, err
	}
	return decodeClaimReply(key, raw)
}

// Takeover atomically reassigns an abandoned claim still owned by prevOwner. Otherwise it
// returns the current claim and false.
func (s *RedisClaimStore) Takeover(ctx context.Context, key, prevOwner, owner string, now time.Time, ttl time.Duration) (Claim, bool, error) {
	expires := now.Add(ttl)
	raw, err := redisTakeoverScript.Run(ctx, s.client,
		[]string{s.redisKey(key)},
		prevOwner,
		owner,
		now.UnixMilli(),
		expires.UnixMilli(),
		s.retainMillis(ttl),
		now.UnixMilli(),
	).Result()
	if err != nil {
		return Claim{}, false, err
	}
	return decodeClaimReply(key, raw)
}

// Get reads the claim hash for key, or ErrClaimNotFound.
func (s *RedisClaimStore) Get(ctx context.Context, key string) (Claim, error) {
	fields, err := s.client.HGetAll(ctx, s.redisKey(key)).Result()
	if err != nil {
		return Claim{}, err
	}
	if len(fields) == 0 {
		return Claim{}, ErrClaimNotFound
	}
	return buildClaim(key, fields["owner"], fields["claimed_at"], fields["expires_at"], fields["result"])
}

// Publish stores res as JSON on the unresolved claim owned by owner (ErrClaimNotFound, ErrNotOwner).
func (s *RedisClaimStore) Publish(ctx context.Context, key, owner string, res Result) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return err
	}
	n, err := redisPublishScript.Run(ctx, s.client, []string{s.redisKey(key)}, owner, string(payload)).Int()
	if err != nil {
		return err
	}
	return scriptStatusErr(n)
}

// Release deletes the claim hash. A non-empty owner may only release its own unresolved claim.
func (s *RedisClaimStore) Release(ctx context.Context, key, owner string) error {
	n, err := redisReleaseScript.Run(ctx, s.client, []string{s.redisKey(key)}, owner).Int()
	if err != nil {
		return err
	}
	return scriptStatusErr(n)
}

// Purge is a no-op: Redis expires claim keys on its own.
func (s *RedisClaimStore) Purge(ctx context.Context, _ time.Time) (int, error) {
	return 0, ctx.Err()
}

func (s *RedisClaimStore) redisKey(key string) string {
	return fmt.Sprintf("%s:%s", s.prefix, key)
}

func (s *RedisClaimStore) retainMillis(ttl time.Duration) int64 {
	return (ttl + s.retention).Milliseconds()
}

func scriptStatusErr(n int) error {
	switch n {
	case 1:
		return nil
	case 0:
		return ErrClaimNotFound
	default:
		return ErrNotOwner
	}
}

func decodeClaimReply(key string, raw any) (Claim, bool, error) {
	values, ok := raw.([]any)
	if !ok || len(values) != 5 {
		return Claim{}, false, fmt.Errorf("unexpected redis claim reply %T", raw)
	}
	status, ok := values[0].(int64)
	if !ok {
		return Claim{}, false, fmt.Errorf("unexpected redis claim status %T", values[0])
	}
	if status < 0 {
		return Claim{}, false, ErrClaimNotFound
	}
	c, err := buildClaim(key, asString(values[1]), asString(values[2]), asString(values[3]), asString(values[4]))
	if err != nil {
		return Claim{}, false, err
	}
	return c, status == 1, nil
}

func buildClaim(key, owner, claimedAt, expiresAt, result string) (Claim, error) {
	claimedMs, err := strconv.ParseInt(claimedAt, 10, 64)
	if err != nil {
		return Claim{}, fmt.Errorf("parse claimed_at: %w", err)
	}
	expiresMs, err := strconv.ParseInt(expiresAt, 10, 64)
	if err != nil {
		return Claim{}, fmt.Errorf("parse expires_at: %w", err)
	}

	c := Claim{
		Key:       key,
		Owner:     owner,
		ClaimedAt: time.UnixMilli(claimedMs).UTC(),
		ExpiresAt: time.UnixMilli(expiresMs).UTC(),
	}
	if result != "" {
		var res Result
		if err := json.Unmarshal([]byte(result), &res); err != nil {
			return Claim{}, fmt.Errorf("decode result: %w", err)
		}
		c.Result = &res
	}
	return c, nil
}

func asString(v any) string {
	switch typed := v.(type) {
	case string:
		return typed
	case []byte:
		return string(typed)
	default:
		return fmt.Sprint(v)
	}
}
