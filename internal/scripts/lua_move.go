package scripts

// moveToActive selects the highest-priority eligible job (prioritized
// first, lowest score wins, then wait FIFO), subject to pause state and
// the rate limiter, and reserves it for token.
//
// KEYS[1] wait, KEYS[2] active, KEYS[3] prioritized, KEYS[4] delayed,
// KEYS[5] meta, KEYS[6] stalled, KEYS[7] limiter, KEYS[8] marker,
// KEYS[9] events, KEYS[10] base
//
// ARGV[1] token, ARGV[2] lockDuration ms, ARGV[3] now ms,
// ARGV[4] limiterMax (0 = unlimited), ARGV[5] limiterDuration ms,
// ARGV[6] groupKey ("" = queue-wide)
//
// Returns [idOrFalse, fieldsFlatArray, limitUntil, delayUntil].
const moveToActiveSrc = `
local waitKey, activeKey, prioritizedKey, delayedKey, metaKey, stalledKey, limiterKey, markerKey, eventsKey, base = unpack(KEYS)
local token, lockDuration, now, limiterMax, limiterDuration, groupKey = ARGV[1], tonumber(ARGV[2]), tonumber(ARGV[3]), tonumber(ARGV[4]), tonumber(ARGV[5]), ARGV[6]

if redis.call('HGET', metaKey, 'paused') == '1' then
  return {false, {}, '0', '0'}
end

-- promote due delayed jobs (bounded batch to keep the script fast)
local due = redis.call('ZRANGEBYSCORE', delayedKey, '-inf', now, 'LIMIT', 0, 50)
for _, id in ipairs(due) do
  redis.call('ZREM', delayedKey, id)
  local pr = tonumber(redis.call('HGET', base .. ':' .. id, 'priority')) or 0
  if pr > 0 then
    redis.call('ZADD', prioritizedKey, pr * 4294967296, id)
  else
    redis.call('RPUSH', waitKey, id)
  end
end

if limiterMax and limiterMax > 0 then
  local lk = limiterKey
  if groupKey ~= "" then
    lk = limiterKey .. ':' .. groupKey
  end
  -- token bucket: capacity limiterMax, refilled at limiterMax per limiterDuration ms
  local bucket = redis.call('HMGET', lk, 'tokens', 'ts')
  local tokens = tonumber(bucket[1]) or limiterMax
  local last = tonumber(bucket[2]) or now
  tokens = math.min(limiterMax, tokens + (now - last) * limiterMax / limiterDuration)
  if tokens < 1 then
    return {false, {}, tostring(now + math.ceil((1 - tokens) * limiterDuration / limiterMax)), '0'}
  end
  redis.call('HSET', lk, 'tokens', tokens - 1, 'ts', now)
  redis.call('PEXPIRE', lk, limiterDuration)
end

local id = redis.call('ZPOPMIN', prioritizedKey)
local jobId = nil
if id[1] then
  jobId = id[1]
else
  jobId = redis.call('RPOP', waitKey)
end

if not jobId then
  local nextDelay = redis.call('ZRANGE', delayedKey, 0, 0, 'WITHSCORES')
  local delayUntil = '0'
  if nextDelay[2] then delayUntil = nextDelay[2] end
  return {false, {}, '0', delayUntil}
end

local jobKey = base .. ':' .. jobId
redis.call('SET', jobKey .. ':lock', token, 'PX', lockDuration)
redis.call('HSET', jobKey, 'processedOn', now)
redis.call('HINCRBY', jobKey, 'attemptsStarted', 1)
redis.call('LPUSH', activeKey, jobId)
redis.call('SADD', stalledKey, jobId)
redis.call('XADD', eventsKey, '*', 'event', 'active', 'jobId', jobId)
redis.call('ZADD', markerKey, now, jobId)

local fields = redis.call('HGETALL', jobKey)
return {jobId, fields, '0', '0'}
`

// moveToFinished finalizes an active job as completed or failed,
// verifying lock ownership, updating parent dependency bookkeeping, and
// promoting the parent out of waiting-children when it becomes eligible.
//
// KEYS[1] active, KEYS[2] stalled, KEYS[3] target (completed|failed),
// KEYS[4] events, KEYS[5] base, KEYS[6] metrics,
// KEYS[7] parentDependencies, KEYS[8] parentProcessed, KEYS[9] parentJobKey,
// KEYS[10] parentWait, KEYS[11] parentPaused, KEYS[12] parentPrioritized,
// KEYS[13] parentDelayed, KEYS[14] parentMeta, KEYS[15] parentMarker,
// KEYS[16] parentPriorityCounter, KEYS[17] parentWaitingChildren
//
// ARGV[1] jobId, ARGV[2] token, ARGV[3] now, ARGV[4] resultData,
// ARGV[5] isFailure, ARGV[6] removeMode, ARGV[7] removeCount,
// ARGV[8] removeAge, ARGV[9] parentFailMode, ARGV[10] parentPriority,
// ARGV[11] parentDelay, ARGV[12] parentId, ARGV[13] parentTimestamp,
// ARGV[14] forceSkipLockCheck
//
// Returns: jobId on success; negative code on error. The script returns
// nothing about the parent -- Go decides whether to cascade a failure
// to the parent by checking parentFailMode itself.
const moveToFinishedSrc = `
local activeKey, stalledKey, targetKey, eventsKey, base, metricsKey,
      parentDepsKey, parentProcessedKey, parentJobKey,
      parentWaitKey, parentPausedKey, parentPrioritizedKey, parentDelayedKey,
      parentMetaKey, parentMarkerKey, parentPcKey, parentWaitingChildrenKey = unpack(KEYS)

local jobId, token, now, resultData, isFailure, removeMode, removeCount, removeAge,
      parentFailMode, parentPriority, parentDelay, parentId, parentTimestamp, forceSkip = unpack(ARGV)

local jobKey = base .. ':' .. jobId
if redis.call('EXISTS', jobKey) == 0 then
  return -1
end
if forceSkip ~= '1' then
  local lock = redis.call('GET', jobKey .. ':lock')
  if lock ~= token then
    return -6
  end
end

redis.call('LREM', activeKey, 0, jobId)
redis.call('SREM', stalledKey, jobId)
redis.call('DEL', jobKey .. ':lock')

if isFailure == '1' then
  redis.call('HSET', jobKey, 'failedReason', resultData, 'finishedOn', now)
  redis.call('HINCRBY', jobKey, 'attemptsMade', 1)
else
  redis.call('HSET', jobKey, 'returnvalue', resultData, 'finishedOn', now)
  redis.call('HINCRBY', jobKey, 'attemptsMade', 1)
end

redis.call('ZADD', targetKey, now, jobId)
redis.call('HINCRBY', metricsKey, 'count', 1)
redis.call('XADD', eventsKey, '*', 'event', isFailure == '1' and 'failed' or 'completed', 'jobId', jobId)

-- parent bookkeeping
if parentDepsKey ~= "" then
  if isFailure == '1' and (parentFailMode == 'idof' or parentFailMode == 'rdof') then
    redis.call('SREM', parentDepsKey, jobKey)
  elseif isFailure == '1' and parentFailMode == 'fpof' then
    redis.call('SREM', parentDepsKey, jobKey)
    -- caller (Go) will finalize the parent as failed in a follow-up call
  elseif isFailure == '1' and parentFailMode == 'cpof' then
    redis.call('SREM', parentDepsKey, jobKey)
  else
    redis.call('HSET', parentProcessedKey, jobKey, resultData)
    redis.call('SREM', parentDepsKey, jobKey)
  end

  if redis.call('SCARD', parentDepsKey) == 0 and not (isFailure == '1' and parentFailMode == 'fpof') then
    if redis.call('EXISTS', parentJobKey) == 1 then
      redis.call('ZREM', parentWaitingChildrenKey, parentId)
      local pPriority = tonumber(parentPriority) or 0
      local pDelay = tonumber(parentDelay) or 0
      if pDelay > 0 then
        redis.call('ZADD', parentDelayedKey, tonumber(parentTimestamp) + pDelay, parentId)
      elseif pPriority > 0 then
        local seq = redis.call('INCR', parentPcKey)
        redis.call('ZADD', parentPrioritizedKey, pPriority * 4294967296 + seq, parentId)
      else
        if redis.call('HGET', parentMetaKey, 'paused') == '1' then
          redis.call('LPUSH', parentPausedKey, parentId)
        else
          redis.call('LPUSH', parentWaitKey, parentId)
        end
      end
      redis.call('ZADD', parentMarkerKey, now, parentId)
    end
  end
end

-- removal policy
if removeMode == 'none' then
  redis.call('DEL', jobKey, jobKey .. ':logs', jobKey .. ':dependencies', jobKey .. ':processed', jobKey .. ':unsuccessful')
  redis.call('ZREM', targetKey, jobId)
elseif removeMode == 'count' then
  local count = tonumber(removeCount)
  local total = redis.call('ZCARD', targetKey)
  if total > count then
    local victims = redis.call('ZRANGE', targetKey, 0, total - count - 1)
    for _, vid in ipairs(victims) do
      redis.call('ZREM', targetKey, vid)
      local vk = base .. ':' .. vid
      redis.call('DEL', vk, vk .. ':logs', vk .. ':dependencies', vk .. ':processed', vk .. ':unsuccessful')
    end
  end
elseif removeMode == 'agecount' then
  local cutoff = tonumber(now) - (tonumber(removeAge) * 1000)
  local victims = redis.call('ZRANGEBYSCORE', targetKey, '-inf', cutoff)
  for _, vid in ipairs(victims) do
    redis.call('ZREM', targetKey, vid)
    local vk = base .. ':' .. vid
    redis.call('DEL', vk, vk .. ':logs', vk .. ':dependencies', vk .. ':processed', vk .. ':unsuccessful')
  end
  local count = tonumber(removeCount)
  local total = redis.call('ZCARD', targetKey)
  if count and total > count then
    local rest = redis.call('ZRANGE', targetKey, 0, total - count - 1)
    for _, vid in ipairs(rest) do
      redis.call('ZREM', targetKey, vid)
      local vk = base .. ':' .. vid
      redis.call('DEL', vk, vk .. ':logs', vk .. ':dependencies', vk .. ':processed', vk .. ':unsuccessful')
    end
  end
end

return jobId
`

// moveToDelayed reschedules an active job for future redelivery at
// now+delay after a retryable failure, releasing its lock and counting
// the failed attempt in attemptsMade.
//
// KEYS[1] active, KEYS[2] stalled, KEYS[3] delayed, KEYS[4] events, KEYS[5] base
// ARGV[1] jobId, ARGV[2] token, ARGV[3] deliverAt
const moveToDelayedSrc = `
local activeKey, stalledKey, delayedKey, eventsKey, base = unpack(KEYS)
local jobId, token, deliverAt = ARGV[1], ARGV[2], ARGV[3]
local jobKey = base .. ':' .. jobId
if redis.call('EXISTS', jobKey) == 0 then return -1 end
local lock = redis.call('GET', jobKey .. ':lock')
if lock ~= token then return -6 end
redis.call('LREM', activeKey, 0, jobId)
redis.call('SREM', stalledKey, jobId)
redis.call('DEL', jobKey .. ':lock')
redis.call('HINCRBY', jobKey, 'attemptsMade', 1)
redis.call('ZADD', delayedKey, deliverAt, jobId)
redis.call('XADD', eventsKey, '*', 'event', 'delayed', 'jobId', jobId)
return jobId
`

// moveToWaitingChildren parks an active job awaiting its own children,
// used when a processor raises WaitingChildren after registering deps.
//
// KEYS[1] active, KEYS[2] stalled, KEYS[3] waitingChildren, KEYS[4] base
// ARGV[1] jobId, ARGV[2] token, ARGV[3] now
const moveToWaitingChildrenSrc = `
local activeKey, stalledKey, waitingChildrenKey, base = unpack(KEYS)
local jobId, token, now = ARGV[1], ARGV[2], ARGV[3]
local jobKey = base .. ':' .. jobId
local lock = redis.call('GET', jobKey .. ':lock')
if lock ~= token then return -6 end
if redis.call('SCARD', jobKey .. ':dependencies') == 0 then
  return -4 -- no dependencies registered; caller should treat this as a no-op and complete normally instead
end
redis.call('LREM', activeKey, 0, jobId)
redis.call('SREM', stalledKey, jobId)
redis.call('DEL', jobKey .. ':lock')
redis.call('ZADD', waitingChildrenKey, now, jobId)
return jobId
`

// retryJob requeues an active job back to wait or prioritized after a
// retryable failure with no backoff delay, head (lifo) or tail (fifo).
//
// KEYS[1] active, KEYS[2] stalled, KEYS[3] wait, KEYS[4] prioritized, KEYS[5] paused, KEYS[6] meta, KEYS[7] events, KEYS[8] marker, KEYS[9] base, KEYS[10] pc
// ARGV[1] jobId, ARGV[2] token, ARGV[3] now, ARGV[4] lifo, ARGV[5] priority,
// ARGV[6] countAttempt ('1' increments attemptsMade for the failed attempt)
const retryJobSrc = `
local activeKey, stalledKey, waitKey, prioritizedKey, pausedKey, metaKey, eventsKey, markerKey, base, pcKey = unpack(KEYS)
local jobId, token, now, lifo, priority = ARGV[1], ARGV[2], ARGV[3], ARGV[4], tonumber(ARGV[5])
local jobKey = base .. ':' .. jobId
if redis.call('EXISTS', jobKey) == 0 then return -1 end
local lock = redis.call('GET', jobKey .. ':lock')
if lock ~= token then return -6 end
redis.call('LREM', activeKey, 0, jobId)
redis.call('SREM', stalledKey, jobId)
redis.call('DEL', jobKey .. ':lock')
if ARGV[6] == '1' then
  redis.call('HINCRBY', jobKey, 'attemptsMade', 1)
end
if priority and priority > 0 then
  local seq = redis.call('INCR', pcKey)
  redis.call('ZADD', prioritizedKey, priority * 4294967296 + seq, jobId)
else
  local target = waitKey
  if redis.call('HGET', metaKey, 'paused') == '1' then target = pausedKey end
  if lifo == '1' then
    redis.call('RPUSH', target, jobId)
  else
    redis.call('LPUSH', target, jobId)
  end
end
redis.call('XADD', eventsKey, '*', 'event', 'retry', 'jobId', jobId)
redis.call('ZADD', markerKey, now, jobId)
return jobId
`

// reprocessJob resets a completed/failed job back to wait with
// attemptsMade cleared, distinct from retryJob.
//
// KEYS[1] completedOrFailed (source), KEYS[2] wait, KEYS[3] paused, KEYS[4] meta, KEYS[5] events, KEYS[6] marker, KEYS[7] base
// ARGV[1] jobId, ARGV[2] now
const reprocessJobSrc = `
local sourceKey, waitKey, pausedKey, metaKey, eventsKey, markerKey, base = unpack(KEYS)
local jobId, now = ARGV[1], ARGV[2]
local jobKey = base .. ':' .. jobId
if redis.call('EXISTS', jobKey) == 0 then return -1 end
if redis.call('ZSCORE', sourceKey, jobId) == false then return -3 end
redis.call('ZREM', sourceKey, jobId)
redis.call('HSET', jobKey, 'attemptsMade', 0, 'failedReason', '', 'finishedOn', 0, 'processedOn', 0)
local target = waitKey
if redis.call('HGET', metaKey, 'paused') == '1' then target = pausedKey end
redis.call('LPUSH', target, jobId)
redis.call('XADD', eventsKey, '*', 'event', 'waiting', 'jobId', jobId)
redis.call('ZADD', markerKey, now, jobId)
return jobId
`

// promote moves a single delayed job to wait/prioritized immediately.
//
// KEYS[1] delayed, KEYS[2] wait, KEYS[3] prioritized, KEYS[4] paused, KEYS[5] meta, KEYS[6] events, KEYS[7] marker, KEYS[8] base, KEYS[9] pc
// ARGV[1] jobId, ARGV[2] now
const promoteSrc = `
local delayedKey, waitKey, prioritizedKey, pausedKey, metaKey, eventsKey, markerKey, base, pcKey = unpack(KEYS)
local jobId, now = ARGV[1], ARGV[2]
if redis.call('ZSCORE', delayedKey, jobId) == false then return -3 end
redis.call('ZREM', delayedKey, jobId)
local jobKey = base .. ':' .. jobId
local priority = tonumber(redis.call('HGET', jobKey, 'priority')) or 0
if priority > 0 then
  local seq = redis.call('INCR', pcKey)
  redis.call('ZADD', prioritizedKey, priority * 4294967296 + seq, jobId)
else
  local target = waitKey
  if redis.call('HGET', metaKey, 'paused') == '1' then target = pausedKey end
  redis.call('RPUSH', target, jobId)
end
redis.call('XADD', eventsKey, '*', 'event', 'waiting', 'jobId', jobId)
redis.call('ZADD', markerKey, now, jobId)
return jobId
`

// changePriority moves a job already in prioritized to a new score and
// records the new priority on the job hash; no other state changes.
//
// KEYS[1] prioritized, KEYS[2] base, KEYS[3] pc
// ARGV[1] jobId, ARGV[2] newPriority
const changePrioritySrc = `
local prioritizedKey, base, pcKey = unpack(KEYS)
local jobId, newPriority = ARGV[1], tonumber(ARGV[2])
if redis.call('ZSCORE', prioritizedKey, jobId) == false then return -3 end
local seq = redis.call('INCR', pcKey)
redis.call('ZADD', prioritizedKey, newPriority * 4294967296 + seq, jobId)
redis.call('HSET', base .. ':' .. jobId, 'priority', newPriority)
return jobId
`

// extendLock refreshes a lock's TTL iff the stored token matches,
// called every lockDuration/2 by the worker's renewal timer.
//
// KEYS[1] base
// ARGV[1] jobId, ARGV[2] token, ARGV[3] lockDuration
const extendLockSrc = `
local base = KEYS[1]
local jobId, token, lockDuration = ARGV[1], ARGV[2], ARGV[3]
local lockKey = base .. ':' .. jobId .. ':lock'
if redis.call('GET', lockKey) ~= token then
  return -6
end
redis.call('PEXPIRE', lockKey, lockDuration)
return 1
`

// updateData overwrites a job's data field, usable from within a
// processor to record partial results before completion.
// KEYS[1] base; ARGV[1] jobId, ARGV[2] data
const updateDataSrc = `
local base = KEYS[1]
local jobId, data = ARGV[1], ARGV[2]
local jobKey = base .. ':' .. jobId
if redis.call('EXISTS', jobKey) == 0 then return -1 end
redis.call('HSET', jobKey, 'data', data)
return jobId
`

// updateProgress stores progress and emits a progress event.
// KEYS[1] base, KEYS[2] events; ARGV[1] jobId, ARGV[2] progress
const updateProgressSrc = `
local base, eventsKey = unpack(KEYS)
local jobId, progress = ARGV[1], ARGV[2]
local jobKey = base .. ':' .. jobId
if redis.call('EXISTS', jobKey) == 0 then return -1 end
redis.call('HSET', jobKey, 'progress', progress)
redis.call('XADD', eventsKey, '*', 'event', 'progress', 'jobId', jobId, 'data', progress)
return jobId
`

// saveStacktrace overwrites a job's stacktrace field with entriesJSON
// (already bounded by the caller) and records failedReason.
// KEYS[1] base; ARGV[1] jobId, ARGV[2] entriesJSON, ARGV[3] failedReason
const saveStacktraceSrc = `
local base = KEYS[1]
local jobId, entriesJSON, failedReason = ARGV[1], ARGV[2], ARGV[3]
local jobKey = base .. ':' .. jobId
if redis.call('EXISTS', jobKey) == 0 then return -1 end
redis.call('HSET', jobKey, 'stacktrace', entriesJSON, 'failedReason', failedReason)
return jobId
`

// removeJob deletes a single job's hash and satellite keys after
// removing it from whichever collection it currently occupies.
// KEYS[1..8] wait, paused, active, delayed, prioritized, waitingChildren, completed, failed
// KEYS[9] base; ARGV[1] jobId
const removeJobSrc = `
local waitKey, pausedKey, activeKey, delayedKey, prioritizedKey, waitingChildrenKey, completedKey, failedKey, base = unpack(KEYS)
local jobId = ARGV[1]
redis.call('LREM', waitKey, 0, jobId)
redis.call('LREM', pausedKey, 0, jobId)
redis.call('LREM', activeKey, 0, jobId)
redis.call('ZREM', delayedKey, jobId)
redis.call('ZREM', prioritizedKey, jobId)
redis.call('ZREM', waitingChildrenKey, jobId)
redis.call('ZREM', completedKey, jobId)
redis.call('ZREM', failedKey, jobId)
local jobKey = base .. ':' .. jobId
redis.call('DEL', jobKey, jobKey .. ':logs', jobKey .. ':lock', jobKey .. ':dependencies', jobKey .. ':processed', jobKey .. ':unsuccessful')
return jobId
`

// cleanJobsInSet removes up to limit jobs from a sorted-set-backed
// state whose score is older than now-grace, deleting their hashes.
// KEYS[1] target set, KEYS[2] base; ARGV[1] grace ms, ARGV[2] limit, ARGV[3] now
const cleanJobsInSetSrc = `
local targetKey, base = unpack(KEYS)
local grace, limit, now = tonumber(ARGV[1]), tonumber(ARGV[2]), tonumber(ARGV[3])
local cutoff = now - grace
local ids = redis.call('ZRANGEBYSCORE', targetKey, '-inf', cutoff, 'LIMIT', 0, limit)
for _, id in ipairs(ids) do
  redis.call('ZREM', targetKey, id)
  local jobKey = base .. ':' .. id
  redis.call('DEL', jobKey, jobKey .. ':logs', jobKey .. ':lock', jobKey .. ':dependencies', jobKey .. ':processed', jobKey .. ':unsuccessful')
end
return ids
`

// moveStalledJobsToWait scans the stalled set for jobs whose lock has
// expired, requeueing or dead-lettering them per maxStalledCount.
// KEYS[1] stalled, KEYS[2] active, KEYS[3] wait, KEYS[4] failed, KEYS[5] events, KEYS[6] marker, KEYS[7] base, KEYS[8] paused, KEYS[9] meta
// ARGV[1] maxStalledCount, ARGV[2] now
const moveStalledJobsToWaitSrc = `
local stalledKey, activeKey, waitKey, failedKey, eventsKey, markerKey, base, pausedKey, metaKey = unpack(KEYS)
local maxStalled, now = tonumber(ARGV[1]), ARGV[2]
local ids = redis.call('SMEMBERS', stalledKey)
local recovered = {}
for _, id in ipairs(ids) do
  local jobKey = base .. ':' .. id
  if redis.call('EXISTS', jobKey .. ':lock') == 0 then
    redis.call('SREM', stalledKey, id)
    local sc = redis.call('HINCRBY', jobKey, 'stalledCounter', 1)
    local attempts = tonumber(redis.call('HGET', jobKey, 'attempts')) or 1
    local attemptsMade = tonumber(redis.call('HGET', jobKey, 'attemptsMade')) or 0
    redis.call('LREM', activeKey, 0, id)
    if sc >= maxStalled or attemptsMade + 1 >= attempts then
      redis.call('HSET', jobKey, 'failedReason', 'stalled more than allowable limit', 'finishedOn', now)
      redis.call('ZADD', failedKey, now, id)
    else
      local target = waitKey
      if redis.call('HGET', metaKey, 'paused') == '1' then target = pausedKey end
      redis.call('LPUSH', target, id)
    end
    redis.call('XADD', eventsKey, '*', 'event', 'stalled', 'jobId', id)
    table.insert(recovered, id)
  end
end
if #recovered > 0 then
  redis.call('ZADD', markerKey, now, recovered[1])
end
return recovered
`

// moveJobsToWait iteratively moves up to count jobs from a terminal
// state back to wait, used by retryJobs.
// KEYS[1] source (failed|delayed), KEYS[2] wait, KEYS[3] paused, KEYS[4] meta, KEYS[5] events, KEYS[6] marker, KEYS[7] base
// ARGV[1] count, ARGV[2] timestampCutoff (0 = unbounded/+inf), ARGV[3] now
const moveJobsToWaitSrc = `
local sourceKey, waitKey, pausedKey, metaKey, eventsKey, markerKey, base = unpack(KEYS)
local count, cutoff, now = tonumber(ARGV[1]), tonumber(ARGV[2]), ARGV[3]
local maxScore = '+inf'
if cutoff and cutoff > 0 then maxScore = cutoff end
local ids = redis.call('ZRANGEBYSCORE', sourceKey, '-inf', maxScore, 'LIMIT', 0, count)
for _, id in ipairs(ids) do
  redis.call('ZREM', sourceKey, id)
  local target = waitKey
  if redis.call('HGET', metaKey, 'paused') == '1' then target = pausedKey end
  redis.call('LPUSH', target, id)
  redis.call('XADD', eventsKey, '*', 'event', 'waiting', 'jobId', id)
end
if #ids > 0 then
  redis.call('ZADD', markerKey, now, ids[1])
end
return ids
`

// pause atomically renames wait<->paused and flips the meta flag.
// KEYS[1] wait, KEYS[2] paused, KEYS[3] meta, KEYS[4] events
// ARGV[1] pausing ('1' to pause, '0' to resume)
const pauseSrc = `
local waitKey, pausedKey, metaKey, eventsKey = unpack(KEYS)
local pausing = ARGV[1]
if pausing == '1' then
  if redis.call('EXISTS', waitKey) == 1 then
    redis.call('RENAME', waitKey, pausedKey)
  end
  redis.call('HSET', metaKey, 'paused', '1')
  redis.call('XADD', eventsKey, '*', 'event', 'paused')
else
  if redis.call('EXISTS', pausedKey) == 1 then
    redis.call('RENAME', pausedKey, waitKey)
  end
  redis.call('HDEL', metaKey, 'paused')
  redis.call('XADD', eventsKey, '*', 'event', 'resumed')
end
return 1
`

// obliterate deletes every key under the queue's prefix in chunks,
// requiring the queue to already be paused with no active jobs unless
// force is set.
// KEYS[1] active, KEYS[2] meta, KEYS[3] base
// ARGV[1] force, ARGV[2] chunkSize
const obliterateSrc = `
local activeKey, metaKey, base = unpack(KEYS)
local force, chunk = ARGV[1], tonumber(ARGV[2])
if redis.call('HGET', metaKey, 'paused') ~= '1' and force ~= '1' then
  return -8
end
if force ~= '1' and redis.call('LLEN', activeKey) > 0 then
  return -9
end
local cursor = '0'
local deleted = 0
repeat
  local res = redis.call('SCAN', cursor, 'MATCH', base .. '*', 'COUNT', chunk)
  cursor = res[1]
  local keys = res[2]
  if #keys > 0 then
    redis.call('DEL', unpack(keys))
    deleted = deleted + #keys
  end
until cursor == '0'
return deleted
`

// getState resolves which collection a job currently occupies.
// KEYS[1..8] wait, paused, active, delayed, prioritized, waitingChildren, completed, failed
// ARGV[1] jobId
const getStateSrc = `
local waitKey, pausedKey, activeKey, delayedKey, prioritizedKey, waitingChildrenKey, completedKey, failedKey = unpack(KEYS)
local jobId = ARGV[1]
if redis.call('ZSCORE', completedKey, jobId) then return 'completed' end
if redis.call('ZSCORE', failedKey, jobId) then return 'failed' end
if redis.call('ZSCORE', delayedKey, jobId) then return 'delayed' end
if redis.call('ZSCORE', prioritizedKey, jobId) then return 'prioritized' end
if redis.call('ZSCORE', waitingChildrenKey, jobId) then return 'waiting-children' end
local inList = function(key, id)
  local items = redis.call('LRANGE', key, 0, -1)
  for _, v in ipairs(items) do
    if v == id then return true end
  end
  return false
end
if inList(activeKey, jobId) then return 'active' end
if inList(waitKey, jobId) then return 'waiting' end
if inList(pausedKey, jobId) then return 'paused' end
return 'unknown'
`

// isJobInList reports (1/0) whether jobId is present in a list-backed
// collection, exposed on Queue for introspection.
// KEYS[1] list; ARGV[1] jobId
const isJobInListSrc = `
local items = redis.call('LRANGE', KEYS[1], 0, -1)
for _, v in ipairs(items) do
  if v == ARGV[1] then return 1 end
end
return 0
`
