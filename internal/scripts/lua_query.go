package scripts

// getCounts returns the cardinality of each requested collection.
// KEYS[1..8] wait, paused, active, delayed, prioritized, waitingChildren, completed, failed
// Every collection is reported; ARGV is not read (the caller filters).
const getCountsSrc = `
local names = {'wait', 'paused', 'active', 'delayed', 'prioritized', 'waiting-children', 'completed', 'failed'}
local counts = {}
for i, name in ipairs(names) do
  local key = KEYS[i]
  local card
  if name == 'wait' or name == 'paused' or name == 'active' then
    card = redis.call('LLEN', key)
  else
    card = redis.call('ZCARD', key)
  end
  table.insert(counts, name)
  table.insert(counts, card)
end
return counts
`

// getCountsPerPriority returns, for each requested priority value, the
// count of prioritized-set members sharing that priority's score band.
// KEYS[1] prioritized; ARGV[1..n] priorities
const getCountsPerPrioritySrc = `
local prioritizedKey = KEYS[1]
local result = {}
for i = 1, #ARGV do
  local p = tonumber(ARGV[i])
  local lo = p * 4294967296
  local hi = lo + 4294967295
  local count = redis.call('ZCOUNT', prioritizedKey, lo, hi)
  table.insert(result, ARGV[i])
  table.insert(result, count)
end
return result
`

// getRanges returns job ids in [start, end] from a collection, reading
// list-backed states in reverse when asc is requested to present FIFO
// order (list insertion is LPUSH/RPOP so index 0 is the newest push).
// KEYS[1] target; ARGV[1] isListBacked ('1'/'0'), ARGV[2] start, ARGV[3] stop, ARGV[4] asc ('1'/'0')
const getRangesSrc = `
local targetKey = KEYS[1]
local isList, start, stop, asc = ARGV[1], tonumber(ARGV[2]), tonumber(ARGV[3]), ARGV[4]
if isList == '1' then
  if asc ~= '1' then
    return redis.call('LRANGE', targetKey, start, stop)
  end
  local len = redis.call('LLEN', targetKey)
  if start < 0 then start = len + start end
  if stop < 0 then stop = len + stop end
  local items = redis.call('LRANGE', targetKey, len - 1 - stop, len - 1 - start)
  local out = {}
  for i = #items, 1, -1 do
    table.insert(out, items[i])
  end
  return out
end
if asc == '1' then
  return redis.call('ZRANGE', targetKey, start, stop)
end
return redis.call('ZREVRANGE', targetKey, start, stop)
`
