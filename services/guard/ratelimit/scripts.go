// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ratelimit

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// windowScript admits or rejects one request against a sliding window.
// Entries strictly older than now - window are purged first. A request
// whose dedup key is already present refreshes its timestamp and is
// allowed without consuming quota.
// KEYS[1] = window zset (member = dedup key, score = unix seconds)
// ARGV[1] = now (unix seconds)
// ARGV[2] = window (seconds)
// ARGV[3] = limit
// ARGV[4] = dedup key
// Returns {allowed, count, oldest_ts}.
var windowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call("ZREMRANGEBYSCORE", key, "-inf", "(" .. (now - window))

local allowed = 0
local count = redis.call("ZCARD", key)
if redis.call("ZSCORE", key, member) then
    redis.call("ZADD", key, now, member)
    allowed = 1
elseif count < limit then
    redis.call("ZADD", key, now, member)
    redis.call("EXPIRE", key, 2 * window)
    allowed = 1
    count = count + 1
end

local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
local oldest_ts = 0
if oldest[2] then
    oldest_ts = tonumber(oldest[2])
end
return {allowed, count, oldest_ts}
`)

// violationScript bumps the 24h violation counter and (re)arms the ban
// flag with the escalation step matching the new count.
// KEYS[1] = ban:{scope}:{ip} (counter)
// KEYS[2] = banned:{scope}:{ip} (flag, value = violation count)
// ARGV[1] = counter TTL (seconds)
// ARGV[2..] = ban durations per violation ordinal; the last repeats
// Returns {violation_count, ban_duration}.
var violationScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
    redis.call("EXPIRE", KEYS[1], tonumber(ARGV[1]))
end

local idx = count + 1
if idx > #ARGV then
    idx = #ARGV
end
local duration = tonumber(ARGV[idx])

redis.call("SET", KEYS[2], count, "EX", duration)
return {count, duration}
`)

// banStatusScript reads the ban flag and its remaining TTL in one step.
// KEYS[1] = banned:{scope}:{ip}
// Returns {remaining_ttl, violation_count}; {0, 0} when not banned.
var banStatusScript = redis.NewScript(`
local ttl = redis.call("TTL", KEYS[1])
if ttl <= 0 then
    return {0, 0}
end
local count = tonumber(redis.call("GET", KEYS[1])) or 0
return {ttl, count}
`)

// runInts executes a script expecting a fixed-length integer array reply.
func runInts(ctx context.Context, client redis.Scripter, script *redis.Script, keys []string, want int, args ...interface{}) ([]int64, error) {
	res, err := script.Run(ctx, client, keys, args...).Result()
	if err != nil {
		return nil, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != want {
		return nil, fmt.Errorf("unexpected script reply %T (want %d ints)", res, want)
	}
	out := make([]int64, want)
	for i, v := range arr {
		n, ok := v.(int64)
		if !ok {
			return nil, fmt.Errorf("unexpected script reply element %d: %T", i, v)
		}
		out[i] = n
	}
	return out, nil
}
