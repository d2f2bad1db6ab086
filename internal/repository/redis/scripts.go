package redis

import goredis "github.com/redis/go-redis/v9"

// Every script touching more than one session runs as a single Lua call so
// claims are exactly-once. Owner presentation keys are derived inside the
// scripts from ARGV, which assumes a single Redis instance (no cluster slots).

// KEYS: session, expiry index, owner pointer
// ARGV: id, owner, category, created_ms, expires_ms, key_ttl_ms
var createSessionScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1],
	'id', ARGV[1], 'owner', ARGV[2], 'category', ARGV[3],
	'created_at', ARGV[4], 'expires_at', ARGV[5], 'state', 'waiting-for-bump')
redis.call('PEXPIRE', KEYS[1], ARGV[6])
redis.call('ZADD', KEYS[2], ARGV[5], ARGV[1])
if ARGV[2] ~= '' then
	redis.call('SET', KEYS[3], ARGV[1], 'PX', ARGV[6])
end
return 1
`)

// KEYS: session, hit index, hit sequence
// ARGV: id, hit_ms, signature, now_ms
var recordHitScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
local f = redis.call('HMGET', KEYS[1], 'state', 'expires_at')
if f[1] ~= 'waiting-for-bump' then
	return -2
end
if tonumber(ARGV[4]) >= tonumber(f[2]) then
	return -3
end
local seq = redis.call('INCR', KEYS[3])
redis.call('HSET', KEYS[1], 'hit_ts', ARGV[2], 'hit_sig', ARGV[3], 'hit_seq', seq)
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return seq
`)

// KEYS: self, candidate, hit index, expiry index, match
// ARGV: self_id, candidate_id, now_ms, token, match_ttl_ms, owner_prefix,
//       kind, created_ms, a_user, a_session, a_category, b_user, b_session, b_category
var claimPairScript = goredis.NewScript(`
local now = tonumber(ARGV[3])
local function claimable(key)
	if redis.call('EXISTS', key) == 0 then
		return false
	end
	local f = redis.call('HMGET', key, 'state', 'hit_ts', 'match_token', 'expires_at')
	if f[1] ~= 'waiting-for-bump' then
		return false
	end
	if not f[2] or f[2] == '' then
		return false
	end
	if f[3] and f[3] ~= '' then
		return false
	end
	return now < tonumber(f[4])
end
local function drop_presentation(key, id)
	local owner = redis.call('HGET', key, 'owner')
	if owner and owner ~= '' then
		local pointer = ARGV[6] .. owner
		if redis.call('GET', pointer) == id then
			redis.call('DEL', pointer)
		end
	end
end
if ARGV[1] == ARGV[2] or not claimable(KEYS[1]) then
	return -1
end
if not claimable(KEYS[2]) then
	return -2
end
redis.call('HSET', KEYS[1], 'state', 'matched', 'match_token', ARGV[4], 'matched_session', ARGV[2])
redis.call('HSET', KEYS[2], 'state', 'matched', 'match_token', ARGV[4], 'matched_session', ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1], ARGV[2])
redis.call('ZREM', KEYS[4], ARGV[1], ARGV[2])
drop_presentation(KEYS[1], ARGV[1])
drop_presentation(KEYS[2], ARGV[2])
redis.call('HSET', KEYS[5],
	'token', ARGV[4], 'kind', ARGV[7], 'created_at', ARGV[8],
	'a_user', ARGV[9], 'a_session', ARGV[10], 'a_category', ARGV[11],
	'b_user', ARGV[12], 'b_session', ARGV[13], 'b_category', ARGV[14])
redis.call('PEXPIRE', KEYS[5], ARGV[5])
return 1
`)

// KEYS: session, hit index, expiry index
// ARGV: id, now_ms, owner_prefix, target_state ('timeout' or 'error')
//
// timeout requires the window to have closed; error applies to any waiting
// session. The owner pointer is dropped in both cases.
var closeSessionScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	redis.call('ZREM', KEYS[2], ARGV[1])
	redis.call('ZREM', KEYS[3], ARGV[1])
	return -1
end
local f = redis.call('HMGET', KEYS[1], 'state', 'expires_at', 'owner')
local function drop_presentation()
	if f[3] and f[3] ~= '' then
		local pointer = ARGV[3] .. f[3]
		if redis.call('GET', pointer) == ARGV[1] then
			redis.call('DEL', pointer)
		end
	end
end
if ARGV[4] == 'error' then
	drop_presentation()
end
if f[1] ~= 'waiting-for-bump' then
	redis.call('ZREM', KEYS[2], ARGV[1])
	redis.call('ZREM', KEYS[3], ARGV[1])
	return 0
end
if ARGV[4] == 'timeout' and tonumber(ARGV[2]) < tonumber(f[2]) then
	return 0
end
redis.call('HSET', KEYS[1], 'state', ARGV[4])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
drop_presentation()
return 1
`)

// KEYS: claim, match, presenter session, hit index, expiry index
// ARGV: claimant, presenter_id, now_ms, grace_ms, match_ttl_ms, token,
//       kind, created_ms, a_user, a_session, a_category, b_user, b_session, b_category
//
// Returns {1, token} on success or idempotent replay, {-1, ''} when the claim
// window belongs to another scanner or the presentation is already consumed.
var claimQRScript = goredis.NewScript(`
local claim = redis.call('HMGET', KEYS[1], 'claimant', 'token')
if claim[1] then
	if claim[1] == ARGV[1] then
		return {1, claim[2]}
	end
	return {-1, ''}
end
local a_session = ''
if ARGV[2] ~= '' then
	local f = redis.call('HMGET', KEYS[3], 'state', 'expires_at', 'match_token')
	if f[1] == 'waiting-for-bump' and tonumber(ARGV[3]) < tonumber(f[2]) and (not f[3] or f[3] == '') then
		redis.call('HSET', KEYS[3], 'state', 'qr-scan-matched', 'match_token', ARGV[6])
		redis.call('ZREM', KEYS[4], ARGV[2])
		redis.call('ZREM', KEYS[5], ARGV[2])
		a_session = ARGV[10]
	elseif f[1] == 'qr-scan-matched' then
		return {-1, ''}
	end
end
redis.call('HSET', KEYS[2],
	'token', ARGV[6], 'kind', ARGV[7], 'created_at', ARGV[8],
	'a_user', ARGV[9], 'a_session', a_session, 'a_category', ARGV[11],
	'b_user', ARGV[12], 'b_session', ARGV[13], 'b_category', ARGV[14])
redis.call('PEXPIRE', KEYS[2], ARGV[5])
redis.call('HSET', KEYS[1], 'claimant', ARGV[1], 'token', ARGV[6])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return {1, ARGV[6]}
`)

// KEYS: match, redeemers
// ARGV: user, session_hint
var bindParticipantScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
local f = redis.call('HMGET', KEYS[1], 'a_user', 'a_session', 'b_user', 'b_session')
local a = f[1] or ''
local b = f[3] or ''
local user = ARGV[1]
local hint = ARGV[2]
if a ~= user and b ~= user then
	local slot = nil
	if hint ~= '' then
		if a == '' and f[2] == hint then
			slot = 'a_user'
		elseif b == '' and f[4] == hint then
			slot = 'b_user'
		end
	end
	if not slot then
		if a == '' then
			slot = 'a_user'
		elseif b == '' then
			slot = 'b_user'
		end
	end
	if not slot then
		return -2
	end
	redis.call('HSET', KEYS[1], slot, user)
end
redis.call('SADD', KEYS[2], user)
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
	redis.call('PEXPIRE', KEYS[2], ttl)
end
return 1
`)
