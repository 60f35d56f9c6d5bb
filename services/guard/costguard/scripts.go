// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package costguard

import "github.com/redis/go-redis/v9"

// Cost entries are zset members of the form
// "{request_id}|{amount_usd}|{estimated|actual}" scored by unix seconds.
// Request IDs are UUIDs, so the pipe separator cannot collide.

// checkScript runs the whole admission decision atomically: throttle
// flag lookup, window purges, sum checks, and the estimate record.
// KEYS[1] = cw:{stable_id} (short window zset)
// KEYS[2] = cd:{stable_id} (daily zset)
// KEYS[3] = cost_throttled:{stable_id} (flag, value = reason)
// ARGV[1] = now (unix seconds)
// ARGV[2] = short window (seconds)
// ARGV[3] = daily window (seconds)
// ARGV[4] = threshold (USD)
// ARGV[5] = daily cap (USD)
// ARGV[6] = throttle TTL (seconds)
// ARGV[7] = daily-cap throttle TTL (seconds)
// ARGV[8] = request id
// ARGV[9] = estimated cost (USD)
// Returns {status, retry_after, reason}.
var checkScript = redis.NewScript(`
local flag_ttl = redis.call("TTL", KEYS[3])
if flag_ttl > 0 then
    local reason = redis.call("GET", KEYS[3]) or ""
    return {"throttled", flag_ttl, reason}
end

local now = tonumber(ARGV[1])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", "(" .. (now - tonumber(ARGV[2])))
redis.call("ZREMRANGEBYSCORE", KEYS[2], "-inf", "(" .. (now - tonumber(ARGV[3])))

local function sum(key)
    local total = 0
    for _, m in ipairs(redis.call("ZRANGE", key, 0, -1)) do
        total = total + (tonumber(string.match(m, "^[^|]*|([^|]*)|")) or 0)
    end
    return total
end

local est = tonumber(ARGV[9])
if sum(KEYS[2]) + est > tonumber(ARGV[5]) then
    redis.call("SET", KEYS[3], "daily_cap_exceeded", "EX", tonumber(ARGV[7]))
    return {"daily_cap_exceeded", tonumber(ARGV[7]), ""}
end
if sum(KEYS[1]) + est > tonumber(ARGV[4]) then
    redis.call("SET", KEYS[3], "window_threshold_exceeded", "EX", tonumber(ARGV[6]))
    return {"window_threshold_exceeded", tonumber(ARGV[6]), ""}
end

local function drop(key, rid)
    for _, m in ipairs(redis.call("ZRANGE", key, 0, -1)) do
        if string.sub(m, 1, #rid + 1) == rid .. "|" then
            redis.call("ZREM", key, m)
        end
    end
end

drop(KEYS[1], ARGV[8])
drop(KEYS[2], ARGV[8])
local member = ARGV[8] .. "|" .. ARGV[9] .. "|estimated"
redis.call("ZADD", KEYS[1], now, member)
redis.call("ZADD", KEYS[2], now, member)
redis.call("EXPIRE", KEYS[1], 2 * tonumber(ARGV[2]))
redis.call("EXPIRE", KEYS[2], 2 * tonumber(ARGV[3]))
return {"allowed", 0, ""}
`)

// reconcileScript swaps the estimate for the settled amount. Any prior
// entry for the request id is dropped first, so a retry with the same
// id is a no-op replace rather than a double count.
// KEYS[1] = cw:{stable_id}
// KEYS[2] = cd:{stable_id}
// ARGV[1] = now (unix seconds)
// ARGV[2] = short window (seconds)
// ARGV[3] = daily window (seconds)
// ARGV[4] = request id
// ARGV[5] = actual cost (USD)
// Returns the number of prior entries removed across both sets.
var reconcileScript = redis.NewScript(`
local now = tonumber(ARGV[1])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", "(" .. (now - tonumber(ARGV[2])))
redis.call("ZREMRANGEBYSCORE", KEYS[2], "-inf", "(" .. (now - tonumber(ARGV[3])))

local removed = 0
local function drop(key, rid)
    for _, m in ipairs(redis.call("ZRANGE", key, 0, -1)) do
        if string.sub(m, 1, #rid + 1) == rid .. "|" then
            redis.call("ZREM", key, m)
            removed = removed + 1
        end
    end
end

drop(KEYS[1], ARGV[4])
drop(KEYS[2], ARGV[4])
local member = ARGV[4] .. "|" .. ARGV[5] .. "|actual"
redis.call("ZADD", KEYS[1], now, member)
redis.call("ZADD", KEYS[2], now, member)
redis.call("EXPIRE", KEYS[1], 2 * tonumber(ARGV[2]))
redis.call("EXPIRE", KEYS[2], 2 * tonumber(ARGV[3]))
return removed
`)

// usageScript reports current spend for one identifier without
// mutating anything beyond the window purges.
// KEYS[1] = cw:{stable_id}
// KEYS[2] = cd:{stable_id}
// KEYS[3] = cost_throttled:{stable_id}
// ARGV[1] = now (unix seconds)
// ARGV[2] = short window (seconds)
// ARGV[3] = daily window (seconds)
// Returns {window_sum, daily_sum, daily_entries, flag_ttl, flag_reason};
// sums are strings because the store truncates numeric replies.
var usageScript = redis.NewScript(`
local now = tonumber(ARGV[1])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", "(" .. (now - tonumber(ARGV[2])))
redis.call("ZREMRANGEBYSCORE", KEYS[2], "-inf", "(" .. (now - tonumber(ARGV[3])))

local function sum(key)
    local total = 0
    for _, m in ipairs(redis.call("ZRANGE", key, 0, -1)) do
        total = total + (tonumber(string.match(m, "^[^|]*|([^|]*)|")) or 0)
    end
    return total
end

local w_sum = sum(KEYS[1])
local d_sum = sum(KEYS[2])
local entries = redis.call("ZCARD", KEYS[2])

local flag_ttl = redis.call("TTL", KEYS[3])
local reason = ""
if flag_ttl > 0 then
    reason = redis.call("GET", KEYS[3]) or ""
else
    flag_ttl = 0
end

return {tostring(w_sum), tostring(d_sum), entries, flag_ttl, reason}
`)
