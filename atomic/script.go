package atomic

// Script is the Lua program executed server-side by backends/redis via
// EVALSHA/EVAL. It implements exactly the arithmetic in atomic.go (Init,
// Refill, Consume, Penalty, Reward) in a single round-trip, so concurrent
// clients never race between a read and a write.
//
// KEYS[1] - the primary hash key K (fields "tokens", "last_refill_at")
//
// ARGV[1] - capacity (string-encoded float)
// ARGV[2] - refill_rate (string-encoded float, tokens/second)
// ARGV[3] - amount (string-encoded float; cost for consume, points for
//
//	penalty/reward)
//
// ARGV[4] - now_ms (string-encoded integer, epoch milliseconds)
// ARGV[5] - ttl_seconds (string-encoded integer; TTL applied to KEYS[1]
//
//	after every invocation)
//
// ARGV[6] - op: "consume" | "penalty" | "reward"
//
// Returns, depending on ARGV[6]. Real-valued fields are returned as
// strings (tostring) since Redis truncates Lua numbers to integers over
// the EVAL reply boundary, which would silently drop fractional tokens:
//
//	consume: {allowed (0/1), tokens_after (string), now_ms}
//	penalty: {applied (string), tokens_after (string), tokens_before (string)}
//	reward:  {applied (string), tokens_after (string), tokens_before (string), capped (0/1)}
var Script = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local amount = tonumber(ARGV[3])
local now_ms = tonumber(ARGV[4])
local ttl_seconds = tonumber(ARGV[5])
local op = ARGV[6]

local existing = redis.call('HGET', key, 'tokens')
local tokens
local last_refill_at

if existing == false then
  tokens = capacity
  last_refill_at = now_ms
else
  tokens = tonumber(existing)
  last_refill_at = tonumber(redis.call('HGET', key, 'last_refill_at'))
end

local elapsed_seconds = (now_ms - last_refill_at) / 1000.0
tokens = math.min(capacity, tokens + elapsed_seconds * refill_rate)

local result
if op == 'consume' then
  if tokens >= amount then
    tokens = tokens - amount
    result = {1, tostring(tokens), now_ms}
  else
    result = {0, tostring(tokens), now_ms}
  end
elseif op == 'penalty' then
  local before = tokens
  tokens = tokens - amount
  result = {tostring(amount), tostring(tokens), tostring(before)}
elseif op == 'reward' then
  local before = tokens
  local uncapped = before + amount
  tokens = math.min(capacity, uncapped)
  local capped = 0
  if uncapped > capacity then
    capped = 1
  end
  result = {tostring(tokens - before), tostring(tokens), tostring(before), capped}
else
  return redis.error_reply('unknown op: ' .. tostring(op))
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_refill_at', tostring(now_ms))
redis.call('EXPIRE', key, ttl_seconds)

return result
`

// DefaultTTLSeconds is applied to the primary key when no TTL override is
// configured (spec §6 configuration surface: "ttl", default 3600s).
const DefaultTTLSeconds = 3600
