package scripts

// Shared KEYS/ARGV contract for the four add* scripts:
//
// KEYS[1]  target collection (wait | delayed | prioritized); for addParentJob, the job's own dependencies key
// KEYS[2]  paused
// KEYS[3]  meta
// KEYS[4]  id counter
// KEYS[5]  base qualified queue key ("prefix:queue")
// KEYS[6]  events
// KEYS[7]  marker
// KEYS[8]  priority counter (addPrioritizedJob only; unused elsewhere)
// KEYS[9]  parent's dependencies key, "" if no parent
// KEYS[10] parent's job key, "" if no parent
// KEYS[11] parent's waiting-children key, "" if no parent
//
// ARGV[1]  jobId, "" to auto-allocate from the id counter
// ARGV[2]  name
// ARGV[3]  data
// ARGV[4]  timestamp (creation epoch ms)
// ARGV[5]  delayUntil epoch ms (timestamp + delay; read only by addDelayedJob)
// ARGV[6]  priority (0 = none)
// ARGV[7]  dedupId, ""
// ARGV[8]  dedupTTLms, "0"
// ARGV[9]  dedupExtend, "1"/"0"
// ARGV[10] dedupReplace, "1"/"0" (reuses the existing dedup id instead of
//          allocating a new one; the job hash and its collection entry
//          are updated in place rather than orphaning the old job)
// ARGV[11] parentId, ""
// ARGV[12] parentQueueKey, ""
// ARGV[13] fail-parent-on-failure flag, "1"/"0" (not read by any add script)
// ARGV[14...] flattened field,value pairs blindly HSET onto the job hash (opts, attempts, attemptsMade, ...)

const addCommon = `
local targetKey, pausedKey, metaKey, idKey, base, eventsKey, markerKey, pcKey, parentDepsKey, parentJobKey, parentWaitingChildrenKey = KEYS[1], KEYS[2], KEYS[3], KEYS[4], KEYS[5], KEYS[6], KEYS[7], KEYS[8], KEYS[9], KEYS[10], KEYS[11]
local jobId, name, data, timestamp, delayUntil, priority = ARGV[1], ARGV[2], ARGV[3], ARGV[4], ARGV[5], tonumber(ARGV[6])
local dedupId, dedupTTL, dedupExtend, dedupReplace = ARGV[7], tonumber(ARGV[8]), ARGV[9], ARGV[10]
local parentId, parentQueueKey = ARGV[11], ARGV[12]

local isReplacing = false
if dedupId ~= "" then
  local dedupKey = base .. ":de:" .. dedupId
  local existing = redis.call('GET', dedupKey)
  if existing then
    if dedupReplace == "1" then
      if jobId == "" then
        jobId = existing
      end
      isReplacing = true
    else
      if dedupExtend == "1" and dedupTTL > 0 then
        redis.call('PEXPIRE', dedupKey, dedupTTL)
      end
      return existing
    end
  end
end

if jobId == "" then
  jobId = tostring(redis.call('INCR', idKey))
end

local jobKey = base .. ":" .. jobId
if redis.call('EXISTS', jobKey) == 1 and not isReplacing then
  return jobId
end

if parentId ~= "" then
  if redis.call('EXISTS', parentJobKey) == 0 then
    return -5
  end
  redis.call('SADD', parentDepsKey, jobKey)
  -- the parent was registered by addParentJob into no collection at
  -- all; its first unresolved child moves it into waiting-children so
  -- getState/getCounts see it, per spec §3's parent linkage.
  redis.call('ZADD', parentWaitingChildrenKey, timestamp, parentId)
end

redis.call('HSET', jobKey, 'name', name, 'data', data, 'timestamp', timestamp)
for i = 14, #ARGV, 2 do
  redis.call('HSET', jobKey, ARGV[i], ARGV[i+1])
end

if dedupId ~= "" then
  local dedupKey = base .. ":de:" .. dedupId
  if dedupTTL > 0 then
    redis.call('SET', dedupKey, jobId, 'PX', dedupTTL)
  else
    redis.call('SET', dedupKey, jobId)
  end
end

`

const addStandardJobSrc = addCommon + `
local isPaused = redis.call('HGET', metaKey, 'paused')
local listKey = targetKey
if isPaused == '1' then
  listKey = pausedKey
end
local alreadyQueued = isReplacing and redis.call('LPOS', listKey, jobId) ~= false
if not alreadyQueued then
  redis.call('LPUSH', listKey, jobId)
end
redis.call('XADD', eventsKey, '*', 'event', 'added', 'jobId', jobId)
redis.call('ZADD', markerKey, timestamp, jobId)
return jobId
`

const addDelayedJobSrc = addCommon + `
-- ZADD on an existing member just moves its score, so a replace reuses
-- this same line to push the delay out without creating a second entry.
redis.call('ZADD', targetKey, delayUntil, jobId)
redis.call('XADD', eventsKey, '*', 'event', 'added', 'jobId', jobId)
redis.call('ZADD', markerKey, delayUntil, jobId)
return jobId
`

const addPrioritizedJobSrc = addCommon + `
local seq = redis.call('INCR', pcKey)
local score = priority * 4294967296 + seq
local isPaused = redis.call('HGET', metaKey, 'paused')
if isPaused == '1' then
  local alreadyQueued = isReplacing and redis.call('LPOS', pausedKey, jobId) ~= false
  if not alreadyQueued then
    redis.call('LPUSH', pausedKey, jobId)
  end
else
  redis.call('ZADD', targetKey, score, jobId)
end
redis.call('XADD', eventsKey, '*', 'event', 'added', 'jobId', jobId)
redis.call('ZADD', markerKey, timestamp, jobId)
return jobId
`

// addParentJob stores the parent hash and registers it as pending, but
// does not place it in wait/prioritized/delayed: its first child moves
// it to waiting-children, and it becomes eligible only once its
// dependency set drains to empty and moveToFinished moves it on to
// wait/prioritized/delayed, per spec §4.2.
const addParentJobSrc = addCommon + `
if redis.call('EXISTS', targetKey) == 1 then
  -- targetKey here is this job's OWN dependencies key; non-empty means
  -- it was pre-registered by an eagerly-added child (tree ordering) and
  -- this parent must not be re-created.
  return -7
end
redis.call('XADD', eventsKey, '*', 'event', 'added', 'jobId', jobId)
return jobId
`
