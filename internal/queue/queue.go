// Package queue implements the producer-side API: add, addBulk,
// pause/resume, counts, ranges, cleaning, retryAll, promoteAll, drain,
// obliterate, log append, and worker enumeration, all stateless over
// the store per spec §4.1.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jamesross/flowqueue/internal/config"
	"github.com/jamesross/flowqueue/internal/events"
	"github.com/jamesross/flowqueue/internal/job"
	"github.com/jamesross/flowqueue/internal/jqerrors"
	"github.com/jamesross/flowqueue/internal/keys"
	"github.com/jamesross/flowqueue/internal/scripts"
)

var (
	ErrNotPaused         = errors.New("queue: obliterate requires the queue to be paused")
	ErrActiveJobsPresent = errors.New("queue: active jobs present, pass force to obliterate anyway")
)

// Queue is a stateless handle over a store client for one prefix:name
// keyspace; construct once and share across goroutines.
type Queue struct {
	rdb     *redis.Client
	kb      *keys.KeyBuilder
	scripts *scripts.Catalog
	sink    *events.Sink
	prefix  string
	name    string

	defaultAttempts  int
	defaultBackoff   job.Backoff
	defaultStackTrace int
}

// New constructs a Queue. catalog should already be loaded (New calls
// Load defensively, which re-sends SCRIPT LOAD for every script;
// loading an already-loaded script is harmless).
func New(ctx context.Context, rdb *redis.Client, cfg config.Queue, catalog *scripts.Catalog, sink *events.Sink) (*Queue, error) {
	if catalog == nil {
		catalog = scripts.New()
	}
	if sink == nil {
		sink = events.NewSink()
	}
	q := &Queue{
		rdb:     rdb,
		kb:      keys.New(cfg.Prefix, cfg.Name),
		scripts: catalog,
		sink:    sink,
		prefix:  cfg.Prefix,
		name:    cfg.Name,

		defaultAttempts:   cfg.DefaultJobOptions.Attempts,
		defaultBackoff:    job.Backoff{Type: cfg.DefaultJobOptions.Backoff.Type, Delay: cfg.DefaultJobOptions.Backoff.Base.Milliseconds()},
		defaultStackTrace: cfg.DefaultJobOptions.StackTraceLimit,
	}
	if err := catalog.Load(ctx, rdb); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) Keys() *keys.KeyBuilder { return q.kb }
func (q *Queue) Events() *events.Sink   { return q.sink }

func (q *Queue) mergeOptions(opts job.Options) job.Options {
	if opts.Attempts == 0 {
		opts.Attempts = q.defaultAttempts
	}
	if opts.Backoff.Type == "" && opts.Backoff.Delay == 0 {
		opts.Backoff = q.defaultBackoff
	}
	if opts.StackTraceLimit == 0 {
		opts.StackTraceLimit = q.defaultStackTrace
	}
	return opts
}

// Add enqueues a single job, returning it with its final (possibly
// store-allocated) id.
func (q *Queue) Add(ctx context.Context, name string, data any, opts job.Options) (*job.Job, error) {
	raw, err := marshalData(data)
	if err != nil {
		return nil, err
	}
	opts = q.mergeOptions(opts)
	j, err := job.New(opts.JobID, name, raw, opts)
	if err != nil {
		return nil, err
	}

	script, argvExtra := q.pickAddScript(j)
	kk, av, err := q.addArgs(j, argvExtra)
	if err != nil {
		return nil, err
	}
	res, err := script.Run(ctx, q.rdb, kk, av...).Result()
	if err != nil {
		return nil, err
	}
	id, err := idOrError(res, opts.JobID)
	if err != nil {
		return nil, err
	}
	j.ID = id
	q.sink.Emit(events.Event{Name: "added", JobID: id})
	return j, nil
}

// AddBulk enqueues several jobs in one pipeline; ids are assigned in
// caller order.
func (q *Queue) AddBulk(ctx context.Context, specs []BulkSpec) ([]*job.Job, error) {
	jobs := make([]*job.Job, len(specs))
	cmds := make([]*redis.Cmd, len(specs))

	pipe := q.rdb.Pipeline()
	for i, s := range specs {
		raw, err := marshalData(s.Data)
		if err != nil {
			return nil, err
		}
		opts := q.mergeOptions(s.Opts)
		j, err := job.New(opts.JobID, s.Name, raw, opts)
		if err != nil {
			return nil, err
		}
		jobs[i] = j
		script, extra := q.pickAddScript(j)
		kk, av, err := q.addArgs(j, extra)
		if err != nil {
			return nil, err
		}
		cmds[i] = script.EvalSha(ctx, pipe, kk, av...)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("queue: addBulk pipeline: %w", err)
	}
	for i, cmd := range cmds {
		res, err := cmd.Result()
		if err != nil {
			return nil, err
		}
		id, err := idOrError(res, specs[i].Opts.JobID)
		if err != nil {
			return nil, err
		}
		jobs[i].ID = id
		q.sink.Emit(events.Event{Name: "added", JobID: id})
	}
	return jobs, nil
}

// BulkSpec is one item of an AddBulk call.
type BulkSpec struct {
	Name string
	Data any
	Opts job.Options
}

func marshalData(data any) (json.RawMessage, error) {
	return job.MarshalData(data)
}

func (q *Queue) pickAddScript(j *job.Job) (*redis.Script, bool) {
	if j.Opts.Parent != nil && j.Delay == 0 && j.Priority == 0 {
		// parent linkage alone does not change routing unless this node
		// is itself a flow parent, handled by internal/flow via AddParentJob.
	}
	switch {
	case j.Delay > 0:
		return q.scripts.AddDelayedJob, false
	case j.Priority > 0:
		return q.scripts.AddPrioritizedJob, false
	default:
		return q.scripts.AddStandardJob, false
	}
}

// addArgs builds the shared KEYS/ARGV contract documented in
// internal/scripts/lua_add.go for whichever add script the caller picked.
func (q *Queue) addArgs(j *job.Job, _ bool) ([]string, []any, error) {
	kb := q.kb
	var target string
	switch {
	case j.Delay > 0:
		target = kb.Delayed()
	case j.Priority > 0:
		target = kb.Prioritized()
	default:
		target = kb.Wait()
	}

	var parentDeps, parentJobKey, parentWaitingChildren string
	var parentID, parentQueueKey string
	if j.Opts.Parent != nil {
		parentQueueKey = j.Opts.Parent.QueueKey
		parentID = j.Opts.Parent.ID
		parentDeps = parentQueueKey + ":" + parentID + ":dependencies"
		parentJobKey = parentQueueKey + ":" + parentID
		parentWaitingChildren = parentQueueKey + ":waiting-children"
	}

	dedupID, dedupTTL, dedupExtend, dedupReplace := "", int64(0), "0", "0"
	if j.Opts.Deduplication != nil {
		dedupID = j.Opts.Deduplication.ID
		dedupTTL = j.Opts.Deduplication.TTL.Milliseconds()
		dedupExtend = boolStr(j.Opts.Deduplication.Extend)
		dedupReplace = boolStr(j.Opts.Deduplication.Replace)
	}

	kk := []string{target, kb.Paused(), kb.Meta(), kb.IDCounter(), kb.Base(), kb.Events(), kb.Marker(), kb.PriorityCounter(), parentDeps, parentJobKey, parentWaitingChildren}

	av := []any{
		j.Opts.JobID, j.Name, string(j.Data), j.Timestamp, j.Timestamp + j.Delay, j.Priority,
		dedupID, dedupTTL, dedupExtend, dedupReplace,
		parentID, parentQueueKey,
		"0", // reserved
	}

	h, err := j.ToHash()
	if err != nil {
		return nil, nil, err
	}
	delete(h, "name")
	delete(h, "data")
	delete(h, "timestamp")
	for field, value := range h {
		av = append(av, field, value)
	}
	return kk, av, nil
}

func boolStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func idOrError(res any, requestedID string) (string, error) {
	switch v := res.(type) {
	case string:
		return v, nil
	case int64:
		return "", jqerrors.FromCode(v, requestedID)
	default:
		return "", fmt.Errorf("queue: unexpected script reply %T", res)
	}
}

// Pause stops the queue from handing out new reservations; in-flight
// jobs continue to finalize normally.
func (q *Queue) Pause(ctx context.Context) error {
	return q.setPaused(ctx, true)
}

func (q *Queue) Resume(ctx context.Context) error {
	return q.setPaused(ctx, false)
}

func (q *Queue) setPaused(ctx context.Context, pausing bool) error {
	kb := q.kb
	_, err := q.scripts.Pause.Run(ctx, q.rdb, []string{kb.Wait(), kb.Paused(), kb.Meta(), kb.Events()}, boolStr(pausing)).Result()
	if err != nil {
		return err
	}
	name := "resumed"
	if pausing {
		name = "paused"
	}
	q.sink.Emit(events.Event{Name: name})
	return nil
}

var allStates = []string{"wait", "paused", "active", "delayed", "prioritized", "waiting-children", "completed", "failed"}

// GetJobCounts returns the cardinality of each named state; an empty
// types list reports every state. "waiting" is normalized to "wait".
func (q *Queue) GetJobCounts(ctx context.Context, types ...string) (map[string]int64, error) {
	kb := q.kb
	kk := []string{kb.Wait(), kb.Paused(), kb.Active(), kb.Delayed(), kb.Prioritized(), kb.WaitingChildren(), kb.Completed(), kb.Failed()}
	res, err := q.scripts.GetCounts.Run(ctx, q.rdb, kk).Result()
	if err != nil {
		return nil, err
	}
	flat, ok := res.([]any)
	if !ok {
		return nil, fmt.Errorf("queue: unexpected getCounts reply %T", res)
	}
	full := make(map[string]int64, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		name, _ := flat[i].(string)
		full[name] = toInt64(flat[i+1])
	}
	if len(types) == 0 {
		return full, nil
	}
	out := make(map[string]int64, len(types))
	for _, t := range types {
		nt := keys.NormalizeState(t)
		out[nt] = full[nt]
	}
	return out, nil
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	default:
		return 0
	}
}

// GetCountsPerPriority returns, for each requested priority, the number
// of prioritized jobs sharing it.
func (q *Queue) GetCountsPerPriority(ctx context.Context, priorities []int) (map[int]int64, error) {
	argv := make([]any, len(priorities))
	for i, p := range priorities {
		argv[i] = p
	}
	res, err := q.scripts.GetCountsPerPriority.Run(ctx, q.rdb, []string{q.kb.Prioritized()}, argv...).Result()
	if err != nil {
		return nil, err
	}
	flat, ok := res.([]any)
	if !ok {
		return nil, fmt.Errorf("queue: unexpected getCountsPerPriority reply %T", res)
	}
	out := make(map[int]int64, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		p, _ := strconv.Atoi(fmt.Sprint(flat[i]))
		out[p] = toInt64(flat[i+1])
	}
	return out, nil
}

// GetRanges returns job ids in [start, end] from the named state. For
// list-backed states, ascending mode reads the list in reverse of
// storage order so callers see FIFO order.
func (q *Queue) GetRanges(ctx context.Context, state string, start, end int64, asc bool) ([]string, error) {
	target, err := q.kb.StateKey(state)
	if err != nil {
		return nil, err
	}
	isList := "0"
	if keys.ListBacked(state) {
		isList = "1"
	}
	res, err := q.scripts.GetRanges.Run(ctx, q.rdb, []string{target}, isList, start, end, boolStr(asc)).Result()
	if err != nil {
		return nil, err
	}
	return toStrSlice(res), nil
}

func toStrSlice(res any) []string {
	flat, ok := res.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(flat))
	for _, v := range flat {
		out = append(out, fmt.Sprint(v))
	}
	return out
}

// GetJobState returns one of completed, failed, delayed, active,
// waiting, paused, waiting-children, prioritized, or unknown.
func (q *Queue) GetJobState(ctx context.Context, id string) (string, error) {
	kb := q.kb
	kk := []string{kb.Wait(), kb.Paused(), kb.Active(), kb.Delayed(), kb.Prioritized(), kb.WaitingChildren(), kb.Completed(), kb.Failed()}
	res, err := q.scripts.GetState.Run(ctx, q.rdb, kk, id).Result()
	if err != nil {
		return "", err
	}
	s, _ := res.(string)
	return s, nil
}

// GetJob loads a job's current projection from the store.
func (q *Queue) GetJob(ctx context.Context, id string) (*job.Job, error) {
	h, err := q.rdb.HGetAll(ctx, q.kb.Job(id)).Result()
	if err != nil {
		return nil, err
	}
	return job.FromHash(id, h)
}

// Clean removes up to limit jobs from state whose score (or finishedOn
// for terminal sets) is older than now-grace.
func (q *Queue) Clean(ctx context.Context, grace time.Duration, limit int, state string) ([]string, error) {
	target, err := q.kb.StateKey(state)
	if err != nil {
		return nil, err
	}
	res, err := q.scripts.CleanJobsInSet.Run(ctx, q.rdb, []string{target, q.kb.Base()}, grace.Milliseconds(), limit, time.Now().UnixMilli()).Result()
	if err != nil {
		return nil, err
	}
	return toStrSlice(res), nil
}

// RetryJobsOpts configures RetryJobs.
type RetryJobsOpts struct {
	State     string // default "failed"
	Count     int    // per-page batch size, default 1000
	Timestamp int64  // only jobs with finishedOn <= Timestamp; 0 = unbounded
}

// RetryJobs iteratively moves jobs from State back to wait until the
// script reports none left, returning the total moved.
func (q *Queue) RetryJobs(ctx context.Context, opts RetryJobsOpts) (int, error) {
	state := opts.State
	if state == "" {
		state = "failed"
	}
	count := opts.Count
	if count <= 0 {
		count = 1000
	}
	source, err := q.kb.StateKey(state)
	if err != nil {
		return 0, err
	}
	kb := q.kb
	kk := []string{source, kb.Wait(), kb.Paused(), kb.Meta(), kb.Events(), kb.Marker(), kb.Base()}
	total := 0
	for {
		res, err := q.scripts.MoveJobsToWait.Run(ctx, q.rdb, kk, count, opts.Timestamp, time.Now().UnixMilli()).Result()
		if err != nil {
			return total, err
		}
		moved := toStrSlice(res)
		total += len(moved)
		if len(moved) < count {
			return total, nil
		}
	}
}

// PromoteJobs moves up to count delayed jobs, due or not, to
// wait/prioritized immediately, returning the total moved.
func (q *Queue) PromoteJobs(ctx context.Context, count int) (int, error) {
	if count <= 0 {
		count = 1000
	}
	ids, err := q.rdb.ZRange(ctx, q.kb.Delayed(), 0, int64(count-1)).Result()
	if err != nil {
		return 0, err
	}
	kb := q.kb
	kk := []string{kb.Delayed(), kb.Wait(), kb.Prioritized(), kb.Paused(), kb.Meta(), kb.Events(), kb.Marker(), kb.Base(), kb.PriorityCounter()}
	moved := 0
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	for _, id := range ids {
		if _, err := q.scripts.Promote.Run(ctx, q.rdb, kk, id, now).Result(); err != nil {
			var se *jqerrors.ScriptError
			if errors.As(err, &se) && errors.Is(se, jqerrors.ErrJobNotInState) {
				continue
			}
			return moved, err
		}
		moved++
	}
	return moved, nil
}

// Drain removes all jobs in wait/paused (and delayed if requested)
// without touching active/completed/failed.
func (q *Queue) Drain(ctx context.Context, delayed bool) error {
	pipe := q.rdb.Pipeline()
	pipe.Del(ctx, q.kb.Wait())
	pipe.Del(ctx, q.kb.Paused())
	pipe.Del(ctx, q.kb.Prioritized())
	if delayed {
		pipe.Del(ctx, q.kb.Delayed())
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Obliterate deletes every key under the queue's prefix. Requires the
// queue to be paused with no active jobs unless force is set.
func (q *Queue) Obliterate(ctx context.Context, force bool) error {
	kb := q.kb
	res, err := q.scripts.Obliterate.Run(ctx, q.rdb, []string{kb.Active(), kb.Meta(), kb.Base()}, boolStr(force), 1000).Result()
	if err != nil {
		return err
	}
	switch toInt64(res) {
	case -8:
		return ErrNotPaused
	case -9:
		return ErrActiveJobsPresent
	}
	return nil
}

// Log appends row to a job's log list, trimming to keepLogs entries
// when positive, and returns the resulting log count.
func (q *Queue) Log(ctx context.Context, id, row string, keepLogs int) (int64, error) {
	key := q.kb.JobLogs(id)
	pipe := q.rdb.Pipeline()
	pipe.RPush(ctx, key, row)
	if keepLogs > 0 {
		pipe.LTrim(ctx, key, -int64(keepLogs), -1)
	}
	lenCmd := pipe.LLen(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return lenCmd.Val(), nil
}

// Workers returns the names of clients connected to this queue, matched
// by CLIENT LIST name prefix, per spec §4.1's introspection surface.
func (q *Queue) Workers(ctx context.Context) ([]string, error) {
	raw, err := q.rdb.ClientList(ctx).Result()
	if err != nil {
		return nil, err
	}
	var out []string
	prefix := q.kb.Base()
	for _, line := range strings.Split(raw, "\n") {
		if line == "" {
			continue
		}
		for _, field := range strings.Fields(line) {
			if !strings.HasPrefix(field, "name=") {
				continue
			}
			name := strings.TrimPrefix(field, "name=")
			if name == prefix || strings.HasPrefix(name, prefix+":w:") {
				out = append(out, name)
			}
		}
	}
	return out, nil
}

// RemoveJob deletes a single job regardless of which collection it
// currently occupies.
func (q *Queue) RemoveJob(ctx context.Context, id string) error {
	kb := q.kb
	kk := []string{kb.Wait(), kb.Paused(), kb.Active(), kb.Delayed(), kb.Prioritized(), kb.WaitingChildren(), kb.Completed(), kb.Failed(), kb.Base()}
	_, err := q.scripts.RemoveJob.Run(ctx, q.rdb, kk, id).Result()
	return err
}

// IsJobInList reports whether id is present in a list-backed state.
func (q *Queue) IsJobInList(ctx context.Context, state, id string) (bool, error) {
	target, err := q.kb.StateKey(state)
	if err != nil {
		return false, err
	}
	res, err := q.scripts.IsJobInList.Run(ctx, q.rdb, []string{target}, id).Result()
	if err != nil {
		return false, err
	}
	return toInt64(res) == 1, nil
}

// ChangePriority moves a prioritized job to a new priority score.
func (q *Queue) ChangePriority(ctx context.Context, id string, priority int) error {
	kb := q.kb
	_, err := q.scripts.ChangePriority.Run(ctx, q.rdb, []string{kb.Prioritized(), kb.Base(), kb.PriorityCounter()}, id, priority).Result()
	return err
}

// ReprocessJob resets a completed/failed job back to wait with
// attemptsMade cleared.
func (q *Queue) ReprocessJob(ctx context.Context, id, fromState string) error {
	source, err := q.kb.StateKey(fromState)
	if err != nil {
		return err
	}
	kb := q.kb
	kk := []string{source, kb.Wait(), kb.Paused(), kb.Meta(), kb.Events(), kb.Marker(), kb.Base()}
	_, err = q.scripts.ReprocessJob.Run(ctx, q.rdb, kk, id, time.Now().UnixMilli()).Result()
	return err
}
