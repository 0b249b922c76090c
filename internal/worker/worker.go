// Package worker implements the reservation/lock/stall runloop described
// in spec §4.3: a concurrency-N cooperative loop that blocks on the
// queue's marker, reserves jobs via moveToActive, runs them under a
// lock-renewal timer, and finalizes them with moveToFinished,
// moveToDelayed, retryJob, or moveToWaitingChildren.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jamesross/flowqueue/internal/breaker"
	"github.com/jamesross/flowqueue/internal/config"
	"github.com/jamesross/flowqueue/internal/events"
	"github.com/jamesross/flowqueue/internal/job"
	"github.com/jamesross/flowqueue/internal/jqerrors"
	"github.com/jamesross/flowqueue/internal/keys"
	"github.com/jamesross/flowqueue/internal/obs"
	ratelimiting "github.com/jamesross/flowqueue/internal/advanced-rate-limiting"
	"github.com/jamesross/flowqueue/internal/scripts"
)

// minimumBlockTimeout is the floor on the marker's blocking pop, per
// spec §4.3: real Redis supports sub-second block timeouts, so this
// worker always has them and never falls back to the 2ms floor carried
// for stores that don't.
const minimumBlockTimeout = time.Millisecond

const maxBlockTimeout = 10 * time.Second

// Processor is the caller-supplied job handler; it is opaque to the
// core protocol (spec §1 Non-goals) beyond the sentinel errors it may
// return: jqerrors.ErrUnrecoverable forces a terminal failure
// regardless of remaining attempts, and jqerrors.ErrWaitingChildren
// tells the runloop the job has already been parked pending its own
// children and should not be finalized as success or failure.
type Processor func(ctx context.Context, j *job.Job) (json.RawMessage, error)

// reservation tracks one in-flight (job, token) pair so the
// lock-renewal timer can extend every currently executing job's lock
// and so a lost lock can cancel that job's context.
type reservation struct {
	id     string
	token  string
	cancel context.CancelFunc
}

// Worker runs the reservation/lock/stall protocol for one queue.
// Construct one per queue; Run blocks until ctx is cancelled and every
// in-flight job has finished.
type Worker struct {
	cfg      *config.Config
	rdb      *redis.Client
	brdb     *redis.Client // dedicated connection for the blocking marker pop
	kb       *keys.KeyBuilder
	scripts  *scripts.Catalog
	sink     *events.Sink
	log      *zap.Logger
	cb       *breaker.CircuitBreaker
	fair     *ratelimiting.RateLimiter
	weighted *ratelimiting.PriorityFairness

	baseID  string
	counter int64

	sem      chan struct{}
	mu       sync.Mutex
	inFlight map[string]*reservation
	wg       sync.WaitGroup

	paused atomic.Bool
}

// New constructs a Worker. catalog should already be loaded (via
// Catalog.Load) so the hot path never pays for a NOSCRIPT round trip.
func New(cfg *config.Config, rdb *redis.Client, catalog *scripts.Catalog, sink *events.Sink, log *zap.Logger) *Worker {
	if catalog == nil {
		catalog = scripts.New()
	}
	if sink == nil {
		sink = events.NewSink()
	}
	cb := breaker.New(cfg.CircuitBreaker.Window, cfg.CircuitBreaker.CooldownPeriod, cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.MinSamples)

	host, _ := os.Hostname()
	baseID := fmt.Sprintf("%s-%d-%d", host, os.Getpid(), time.Now().UnixNano())

	concurrency := cfg.Worker.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	var fair *ratelimiting.RateLimiter
	var weighted *ratelimiting.PriorityFairness
	if cfg.Worker.Limiter != nil {
		fair = ratelimiting.NewRateLimiter(rdb, log, ratelimiting.DefaultConfig())
		weighted = ratelimiting.NewPriorityFairness(rdb, log, ratelimiting.DefaultFairnessConfig())
	}

	return &Worker{
		cfg:      cfg,
		rdb:      rdb,
		brdb:     redis.NewClient(rdb.Options()),
		kb:       keys.New(cfg.Queue.Prefix, cfg.Queue.Name),
		scripts:  catalog,
		sink:     sink,
		log:      log,
		cb:       cb,
		fair:     fair,
		weighted: weighted,
		baseID:   baseID,
		sem:      make(chan struct{}, concurrency),
		inFlight: make(map[string]*reservation),
	}
}

func (w *Worker) nextToken() string {
	n := atomic.AddInt64(&w.counter, 1)
	return fmt.Sprintf("%s:%d", w.baseID, n)
}

// Pause stops the worker from reserving new jobs; jobs already in
// flight continue to run to completion.
func (w *Worker) Pause() { w.paused.Store(true) }

// Resume clears Pause.
func (w *Worker) Resume() { w.paused.Store(false) }

// Run drives the reservation loop plus its lock-renewal and
// stalled-check timers until ctx is cancelled, then waits for every
// in-flight job to finish before returning.
func (w *Worker) Run(ctx context.Context, proc Processor) error {
	obs.WorkerActive.Inc()
	defer obs.WorkerActive.Dec()

	go w.lockRenewalLoop(ctx)
	go w.stalledCheckLoop(ctx)
	go w.breakerMetricsLoop(ctx)

	w.reserveLoop(ctx, proc)
	w.wg.Wait()
	return nil
}

func (w *Worker) breakerMetricsLoop(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			switch w.cb.State() {
			case breaker.Closed:
				obs.CircuitBreakerState.Set(0)
			case breaker.HalfOpen:
				obs.CircuitBreakerState.Set(1)
			case breaker.Open:
				obs.CircuitBreakerState.Set(2)
			}
		}
	}
}

// reserveLoop is the cooperative core: acquire a concurrency slot,
// block on the marker until work may exist, reserve the best eligible
// job with moveToActive, and hand it to a goroutine for execution. The
// slot is released either immediately (no job found) or by the
// executing goroutine once the job finalizes.
func (w *Worker) reserveLoop(ctx context.Context, proc Processor) {
	var blockUntil int64
	for ctx.Err() == nil {
		if w.paused.Load() {
			time.Sleep(w.cfg.Worker.RunRetryDelay)
			continue
		}
		if !w.cb.Allow() {
			time.Sleep(w.cfg.Worker.RunRetryDelay)
			continue
		}

		select {
		case w.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		now := time.Now().UnixMilli()
		if timeout := clampTimeout(blockUntil - now); timeout > 0 {
			_, err := w.brdb.BZPopMin(ctx, timeout, w.kb.Marker()).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				w.cb.Record(false)
				<-w.sem
				if ctx.Err() != nil {
					return
				}
				w.log.Warn("marker block error", obs.Err(err))
				time.Sleep(w.cfg.Worker.RunRetryDelay)
				continue
			}
		}

		id, fields, limitUntil, delayUntil, err := w.moveToActive(ctx)
		w.cb.Record(err == nil)
		if err != nil {
			<-w.sem
			if ctx.Err() != nil {
				return
			}
			w.log.Warn("moveToActive error", obs.Err(err))
			time.Sleep(w.cfg.Worker.RunRetryDelay)
			continue
		}
		if id == "" {
			<-w.sem
			now = time.Now().UnixMilli()
			switch {
			case limitUntil > 0:
				blockUntil = limitUntil
			case delayUntil > 0:
				blockUntil = delayUntil
			default:
				blockUntil = now + w.cfg.Worker.DrainDelay.Milliseconds()
			}
			continue
		}

		j, err := job.FromHash(id, fields)
		if err != nil {
			<-w.sem
			w.log.Error("corrupt job hash", obs.String("id", id), obs.Err(err))
			continue
		}
		blockUntil = 0
		token := fields["__token"]

		if w.fair != nil {
			res, ferr := w.fair.Consume(ctx, w.kb.Base(), 1, priorityTier(j.Priority))
			if ferr == nil && !res.Allowed {
				// soft fairness throttle on top of the hard token bucket
				// inside moveToActive: put the job straight back and wait
				// out the tier's retry window rather than starving lower
				// tiers within this one process.
				w.requeueUnconsumed(ctx, j, token)
				<-w.sem
				blockUntil = now + res.RetryAfter.Milliseconds()
				continue
			}
		}

		if w.weighted != nil {
			tier := priorityTier(j.Priority)
			decision, werr := w.weighted.CheckFairness(ctx, tier, 1)
			if werr == nil && !decision.Allowed {
				// a tier over its weighted fair share (and not yet
				// starving) waits out its suggested delay instead of
				// monopolizing the worker's concurrency slots.
				w.requeueUnconsumed(ctx, j, token)
				<-w.sem
				blockUntil = now + decision.SuggestedDelay.Milliseconds()
				continue
			}
		}

		obs.JobsConsumed.Inc()
		jobCtx := w.trackReservation(ctx, id, token)

		w.wg.Add(1)
		go func(j *job.Job, token string) {
			defer w.wg.Done()
			defer func() { w.untrackReservation(id); <-w.sem }()
			w.runJob(jobCtx, j, token, proc)
		}(j, token)
	}
}

func clampTimeout(d int64) time.Duration {
	if d <= 0 {
		return minimumBlockTimeout
	}
	t := time.Duration(d) * time.Millisecond
	if t < minimumBlockTimeout {
		return minimumBlockTimeout
	}
	if t > maxBlockTimeout {
		return maxBlockTimeout
	}
	return t
}

func priorityTier(p int) string {
	switch {
	case p == 0:
		return "normal"
	case p <= 3:
		return "critical"
	case p <= 7:
		return "high"
	case p <= 15:
		return "normal"
	default:
		return "low"
	}
}

// requeueUnconsumed puts a job the fairness limiter rejected back on
// wait, behind the jobs already waiting (or back in prioritized), using
// the reservation's lock token and without counting it as a failed
// attempt; moveToActive already incremented attemptsStarted, which is
// the store's standard behavior on any reservation, consumed or not.
func (w *Worker) requeueUnconsumed(ctx context.Context, j *job.Job, token string) {
	kk := []string{w.kb.Active(), w.kb.Stalled(), w.kb.Wait(), w.kb.Prioritized(), w.kb.Paused(), w.kb.Meta(), w.kb.Events(), w.kb.Marker(), w.kb.Base(), w.kb.PriorityCounter()}
	if _, err := w.scripts.RetryJob.Run(ctx, w.rdb, kk, j.ID, token, time.Now().UnixMilli(), "0", j.Priority).Result(); err != nil {
		w.log.Warn("requeue unconsumed failed", obs.String("id", j.ID), obs.Err(err))
	}
}

func (w *Worker) lockTokenOf(id string) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if r, ok := w.inFlight[id]; ok {
		return r.token
	}
	return ""
}

func (w *Worker) trackReservation(ctx context.Context, id, token string) context.Context {
	jobCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.inFlight[id] = &reservation{id: id, token: token, cancel: cancel}
	w.mu.Unlock()
	return jobCtx
}

func (w *Worker) untrackReservation(id string) {
	w.mu.Lock()
	delete(w.inFlight, id)
	w.mu.Unlock()
}

// moveToActive runs the reservation script and parses its
// [idOrFalse, fields, limitUntil, delayUntil] reply.
func (w *Worker) moveToActive(ctx context.Context) (id string, fields map[string]string, limitUntil, delayUntil int64, err error) {
	var groupKey string
	var limiterMax, limiterDuration int64
	if l := w.cfg.Worker.Limiter; l != nil {
		limiterMax = l.Max
		limiterDuration = l.Duration.Milliseconds()
		groupKey = l.GroupKey
	}
	token := w.nextToken()
	kk := []string{w.kb.Wait(), w.kb.Active(), w.kb.Prioritized(), w.kb.Delayed(), w.kb.Meta(), w.kb.Stalled(), w.kb.Limiter(), w.kb.Marker(), w.kb.Events(), w.kb.Base()}
	res, rerr := w.scripts.MoveToActive.Run(ctx, w.rdb, kk,
		token, w.cfg.Worker.LockDuration.Milliseconds(), time.Now().UnixMilli(),
		limiterMax, limiterDuration, groupKey,
	).Result()
	if rerr != nil {
		return "", nil, 0, 0, rerr
	}
	reply, ok := res.([]any)
	if !ok || len(reply) != 4 {
		return "", nil, 0, 0, fmt.Errorf("worker: unexpected moveToActive reply %T", res)
	}
	if reply[0] == nil || reply[0] == false {
		limitUntil, _ = strconv.ParseInt(fmt.Sprint(reply[2]), 10, 64)
		delayUntil, _ = strconv.ParseInt(fmt.Sprint(reply[3]), 10, 64)
		return "", nil, limitUntil, delayUntil, nil
	}
	id = fmt.Sprint(reply[0])
	flat, _ := reply[1].([]any)
	fields = make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		fields[fmt.Sprint(flat[i])] = fmt.Sprint(flat[i+1])
	}
	// the reservation above used its own token; overwrite fields'
	// bookkeeping caller needs the token, so stash it under a private key
	fields["__token"] = token
	return id, fields, 0, 0, nil
}

// runJob executes proc for one reserved job and finalizes it according
// to the result: success, sentinel-driven waiting-children, retryable
// failure (immediate requeue or delayed), or terminal failure.
func (w *Worker) runJob(ctx context.Context, j *job.Job, token string, proc Processor) {
	start := time.Now()
	ctx, span := obs.ContextWithJobSpan(ctx, j, "", "")
	defer span.End()

	w.sink.Emit(events.Event{Name: "active", JobID: j.ID})

	result, procErr := proc(ctx, j)
	obs.JobProcessingDuration.Observe(time.Since(start).Seconds())

	switch {
	case procErr == nil:
		w.finishSuccess(ctx, j, token, result)
		obs.SetSpanSuccess(ctx)

	case errors.Is(procErr, jqerrors.ErrWaitingChildren):
		w.moveToWaitingChildren(ctx, j, token)

	default:
		obs.RecordError(ctx, procErr)
		w.finishFailure(ctx, j, token, procErr)
	}
}

func (w *Worker) finishSuccess(ctx context.Context, j *job.Job, token string, result json.RawMessage) {
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	if err := w.finishJob(ctx, w.kb, j, false, string(result), token, false); err != nil {
		w.log.Error("moveToFinished(completed) failed", obs.String("id", j.ID), obs.Err(err))
		return
	}
	obs.JobsCompleted.Inc()
	w.sink.Emit(events.Event{Name: "completed", JobID: j.ID})
}

func (w *Worker) finishFailure(ctx context.Context, j *job.Job, token string, procErr error) {
	obs.JobsFailed.Inc()
	j.AppendStacktrace(procErr.Error(), j.Opts.StackTraceLimit)

	unrecoverable := errors.Is(procErr, jqerrors.ErrUnrecoverable)
	terminal := unrecoverable || j.AttemptsMade+1 >= j.Attempts

	if terminal {
		if err := w.finishJob(ctx, w.kb, j, true, procErr.Error(), token, false); err != nil {
			w.log.Error("moveToFinished(failed) failed", obs.String("id", j.ID), obs.Err(err))
			return
		}
		w.sink.Emit(events.Event{Name: "failed", JobID: j.ID, Err: procErr})
		obs.JobsDeadLetter.Inc()
		return
	}

	delay := w.retryDelay(j)
	if delay <= 0 {
		w.retryNow(ctx, j, token)
	} else {
		w.retryDelayed(ctx, j, token, delay)
	}
	obs.JobsRetried.Inc()
	w.sink.Emit(events.Event{Name: "failed", JobID: j.ID, Err: procErr})
}

// retryDelay resolves the job's per-job backoff, falling back to the
// worker's configured default when none was supplied, per spec §6.
func (w *Worker) retryDelay(j *job.Job) time.Duration {
	bo := j.Opts.Backoff
	if bo.Type == "" && bo.Delay == 0 {
		bo = job.Backoff{Type: w.cfg.Worker.Backoff.Type, Delay: w.cfg.Worker.Backoff.Base.Milliseconds()}
	}
	attempt := j.AttemptsMade + 1
	var d time.Duration
	switch bo.Type {
	case "exponential":
		d = time.Duration(1<<uint(attempt-1)) * time.Duration(bo.Delay) * time.Millisecond
	default:
		d = time.Duration(bo.Delay) * time.Millisecond
	}
	if max := w.cfg.Worker.Backoff.Max; max > 0 && d > max {
		d = max
	}
	return d
}

func (w *Worker) retryNow(ctx context.Context, j *job.Job, token string) {
	kk := []string{w.kb.Active(), w.kb.Stalled(), w.kb.Wait(), w.kb.Prioritized(), w.kb.Paused(), w.kb.Meta(), w.kb.Events(), w.kb.Marker(), w.kb.Base(), w.kb.PriorityCounter()}
	lifo := "0"
	if j.Opts.LIFO {
		lifo = "1"
	}
	if _, err := w.scripts.RetryJob.Run(ctx, w.rdb, kk, j.ID, token, time.Now().UnixMilli(), lifo, j.Priority, "1").Result(); err != nil {
		w.log.Error("retryJob failed", obs.String("id", j.ID), obs.Err(err))
	}
}

func (w *Worker) retryDelayed(ctx context.Context, j *job.Job, token string, delay time.Duration) {
	kk := []string{w.kb.Active(), w.kb.Stalled(), w.kb.Delayed(), w.kb.Events(), w.kb.Base()}
	deliverAt := time.Now().Add(delay).UnixMilli()
	if _, err := w.scripts.MoveToDelayed.Run(ctx, w.rdb, kk, j.ID, token, deliverAt).Result(); err != nil {
		w.log.Error("moveToDelayed failed", obs.String("id", j.ID), obs.Err(err))
	}
}

func (w *Worker) moveToWaitingChildren(ctx context.Context, j *job.Job, token string) {
	kk := []string{w.kb.Active(), w.kb.Stalled(), w.kb.WaitingChildren(), w.kb.Base()}
	res, err := w.scripts.MoveToWaitingChildren.Run(ctx, w.rdb, kk, j.ID, token, time.Now().UnixMilli()).Result()
	if err != nil {
		w.log.Error("moveToWaitingChildren failed", obs.String("id", j.ID), obs.Err(err))
		return
	}
	if code, ok := res.(int64); ok && code < 0 {
		if code == -4 {
			// no dependencies were actually registered; treat as a plain
			// success instead of parking the job forever.
			w.finishSuccess(ctx, j, token, json.RawMessage("null"))
			return
		}
		w.log.Error("moveToWaitingChildren failed", obs.String("id", j.ID), obs.Err(jqerrors.FromCode(code, j.ID)))
	}
}

func scriptErrorCode(err error) (int64, bool) {
	var se *jqerrors.ScriptError
	if errors.As(err, &se) {
		return se.Code, true
	}
	return 0, false
}

// finishJob runs moveToFinished for j against kb (j's own queue keys)
// and, when j has a parent registered with failParentOnFailure and
// this finalization is a failure, recursively finalizes the parent as
// failed too -- the follow-up call the script's own comment defers to
// Go, since the parent may live in a different queue than the child.
func (w *Worker) finishJob(ctx context.Context, kb *keys.KeyBuilder, j *job.Job, isFailure bool, resultData, token string, forceSkipLock bool) error {
	mode, count, age := removeArgs(isFailure, j.Opts)
	target := kb.Completed()
	if isFailure {
		target = kb.Failed()
	}

	var parentDeps, parentProcessed, parentJobKey, parentWait, parentPaused, parentPrioritized, parentDelayed, parentMeta, parentMarker, parentPC, parentWaitingChildren string
	var parentPriority, parentDelay, parentTimestamp int64
	var parentID string
	parentFailMode := ""

	if j.Parent != nil {
		parentID = j.Parent.ID
		pkb := keys.FromBase(j.Parent.QueueKey)
		parentDeps = pkb.JobDependencies(parentID)
		parentProcessed = pkb.JobProcessed(parentID)
		parentJobKey = pkb.Job(parentID)
		parentWait, parentPaused, parentPrioritized, parentDelayed = pkb.Wait(), pkb.Paused(), pkb.Prioritized(), pkb.Delayed()
		parentMeta, parentMarker, parentPC, parentWaitingChildren = pkb.Meta(), pkb.Marker(), pkb.PriorityCounter(), pkb.WaitingChildren()

		switch {
		case j.Opts.FailParentOnFailure:
			parentFailMode = "fpof"
		case j.Opts.ContinueParentOnFailure:
			parentFailMode = "cpof"
		case j.Opts.IgnoreDependencyOnFailure:
			parentFailMode = "idof"
		case j.Opts.RemoveDependencyOnFailure:
			parentFailMode = "rdof"
		}

		vals, err := w.rdb.HMGet(ctx, parentJobKey, "priority", "delay", "timestamp").Result()
		if err == nil && len(vals) == 3 {
			if s, ok := vals[0].(string); ok {
				parentPriority, _ = strconv.ParseInt(s, 10, 64)
			}
			if s, ok := vals[1].(string); ok {
				parentDelay, _ = strconv.ParseInt(s, 10, 64)
			}
			if s, ok := vals[2].(string); ok {
				parentTimestamp, _ = strconv.ParseInt(s, 10, 64)
			}
		}
	}

	kk := []string{
		kb.Active(), kb.Stalled(), target, kb.Events(), kb.Base(), kb.Metrics(stateName(isFailure)),
		parentDeps, parentProcessed, parentJobKey,
		parentWait, parentPaused, parentPrioritized,
		parentDelayed, parentMeta, parentMarker,
		parentPC, parentWaitingChildren,
	}
	skipLock := "0"
	if forceSkipLock {
		skipLock = "1"
	}
	av := []any{
		j.ID, token, time.Now().UnixMilli(), resultData,
		boolStr(isFailure), mode, count, age,
		parentFailMode, parentPriority, parentDelay, parentID, parentTimestamp,
		skipLock,
	}

	res, err := w.scripts.MoveToFinished.Run(ctx, w.rdb, kk, av...).Result()
	if err != nil {
		return err
	}
	if n, ok := res.(int64); ok && n < 0 {
		return jqerrors.FromCode(n, j.ID)
	}

	if isFailure && parentFailMode == "fpof" && j.Parent != nil {
		w.cascadeParentFailure(ctx, j.Parent, j.ID)
	}
	return nil
}

// cascadeParentFailure loads and finalizes a parent job as failed after
// one of its children fails under failParentOnFailure; the lock check
// is skipped since this worker never held the parent's lock.
func (w *Worker) cascadeParentFailure(ctx context.Context, parent *job.ParentRef, childID string) {
	pkb := keys.FromBase(parent.QueueKey)
	h, err := w.rdb.HGetAll(ctx, pkb.Job(parent.ID)).Result()
	if err != nil || len(h) == 0 {
		return
	}
	pj, err := job.FromHash(parent.ID, h)
	if err != nil {
		return
	}
	reason := fmt.Sprintf("child job %s failed", childID)
	if err := w.finishJob(ctx, pkb, pj, true, reason, "", true); err != nil {
		w.log.Warn("cascade parent failure failed", obs.String("parent", parent.ID), obs.Err(err))
		return
	}
	w.sink.Emit(events.Event{Name: "failed", JobID: parent.ID})
	obs.JobsFailed.Inc()
}

func stateName(isFailure bool) string {
	if isFailure {
		return "failed"
	}
	return "completed"
}

func removeArgs(isFailure bool, opts job.Options) (mode string, count, age int64) {
	kp := opts.RemoveOnComplete
	if isFailure {
		kp = opts.RemoveOnFail
	}
	switch kp.Mode {
	case job.KeepNone:
		return "none", 0, 0
	case job.KeepCount:
		return "count", kp.Count, 0
	case job.KeepAgeAndCount:
		return "agecount", kp.Count, kp.Age
	default:
		return "keep", 0, 0
	}
}

func boolStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// lockRenewalLoop extends every in-flight job's lock every
// lockDuration/2, per spec §4.3; a lost lock (another worker already
// recovered the job as stalled) cancels that job's context so its
// processor can stop promptly instead of racing a finalize it can no
// longer win.
func (w *Worker) lockRenewalLoop(ctx context.Context) {
	interval := w.cfg.Worker.LockDuration / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.Lock()
			batch := make([]*reservation, 0, len(w.inFlight))
			for _, r := range w.inFlight {
				batch = append(batch, r)
			}
			w.mu.Unlock()

			for _, r := range batch {
				res, err := w.scripts.ExtendLock.Run(ctx, w.rdb, []string{w.kb.Base()}, r.id, r.token, w.cfg.Worker.LockDuration.Milliseconds()).Result()
				if err != nil {
					continue
				}
				if n, ok := res.(int64); ok && n < 0 {
					obs.LockRenewalFailures.Inc()
					r.cancel()
				}
			}
		}
	}
}

// stalledCheckLoop runs moveStalledJobsToWait at most once per
// stalledInterval across the whole queue, gated by a SET NX PX on
// …:stalled-check so only one worker process performs the scan.
func (w *Worker) stalledCheckLoop(ctx context.Context) {
	if w.cfg.Worker.StalledInterval <= 0 {
		return
	}
	ticker := time.NewTicker(w.cfg.Worker.StalledInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.runStalledCheck(ctx)
		}
	}
}

func (w *Worker) runStalledCheck(ctx context.Context) {
	ok, err := w.rdb.SetNX(ctx, w.kb.StalledCheck(), "1", w.cfg.Worker.StalledInterval).Result()
	if err != nil || !ok {
		return
	}
	kk := []string{w.kb.Stalled(), w.kb.Active(), w.kb.Wait(), w.kb.Failed(), w.kb.Events(), w.kb.Marker(), w.kb.Base(), w.kb.Paused(), w.kb.Meta()}
	res, err := w.scripts.MoveStalledJobsToWait.Run(ctx, w.rdb, kk, w.cfg.Worker.MaxStalledCount, time.Now().UnixMilli()).Result()
	obs.StalledChecksRun.Inc()
	if err != nil {
		w.log.Warn("moveStalledJobsToWait failed", obs.Err(err))
		return
	}
	ids := toStrSlice(res)
	if len(ids) == 0 {
		return
	}
	obs.JobsStalled.Add(float64(len(ids)))
	for _, id := range ids {
		w.sink.Emit(events.Event{Name: "stalled", JobID: id})
	}
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

// Close stops the worker's dedicated blocking connection. Run's caller
// should cancel its context first so Run itself returns.
func (w *Worker) Close() error {
	return w.brdb.Close()
}
