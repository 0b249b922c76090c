// Package scripts holds the fixed catalog of server-side Lua scripts
// that implement every multi-key state transition in the job lifecycle.
// Each script is loaded once per store-client handle via redis.Script,
// the same pattern internal/advanced-rate-limiting uses for its
// token-bucket scripts, so the script body ships with the binary and is
// cached on the server by its SHA after first EVALSHA.
package scripts

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Catalog holds every script used by the queue and worker packages,
// each wrapped in a redis.Script so the client library handles the
// EVALSHA/EVAL NOSCRIPT fallback transparently.
type Catalog struct {
	AddStandardJob     *redis.Script
	AddDelayedJob      *redis.Script
	AddPrioritizedJob  *redis.Script
	AddParentJob       *redis.Script
	MoveToActive       *redis.Script
	MoveToFinished     *redis.Script
	MoveToDelayed      *redis.Script
	MoveToWaitingChildren *redis.Script
	RetryJob           *redis.Script
	ReprocessJob       *redis.Script
	Promote            *redis.Script
	ChangePriority     *redis.Script
	RemoveJob          *redis.Script
	CleanJobsInSet     *redis.Script
	MoveStalledJobsToWait *redis.Script
	MoveJobsToWait     *redis.Script
	Obliterate         *redis.Script
	Pause              *redis.Script
	ExtendLock         *redis.Script
	UpdateData         *redis.Script
	UpdateProgress     *redis.Script
	SaveStacktrace     *redis.Script
	GetCounts          *redis.Script
	GetCountsPerPriority *redis.Script
	GetRanges          *redis.Script
	GetState           *redis.Script
	IsJobInList        *redis.Script
}

// New loads the entire catalog. Scripts are not sent to the server until
// first Run; redis.Script.Run performs EVALSHA then falls back to EVAL
// on NOSCRIPT, so Run callers need not call Load, though doing so once
// at startup avoids the fallback round-trip on first use. Pipelined
// EvalSha calls (Queue.AddBulk, flow.FlowProducer) have no such
// fallback and depend on Load having run.
func New() *Catalog {
	return &Catalog{
		AddStandardJob:        redis.NewScript(addStandardJobSrc),
		AddDelayedJob:         redis.NewScript(addDelayedJobSrc),
		AddPrioritizedJob:     redis.NewScript(addPrioritizedJobSrc),
		AddParentJob:          redis.NewScript(addParentJobSrc),
		MoveToActive:          redis.NewScript(moveToActiveSrc),
		MoveToFinished:        redis.NewScript(moveToFinishedSrc),
		MoveToDelayed:         redis.NewScript(moveToDelayedSrc),
		MoveToWaitingChildren: redis.NewScript(moveToWaitingChildrenSrc),
		RetryJob:              redis.NewScript(retryJobSrc),
		ReprocessJob:          redis.NewScript(reprocessJobSrc),
		Promote:               redis.NewScript(promoteSrc),
		ChangePriority:        redis.NewScript(changePrioritySrc),
		RemoveJob:             redis.NewScript(removeJobSrc),
		CleanJobsInSet:        redis.NewScript(cleanJobsInSetSrc),
		MoveStalledJobsToWait: redis.NewScript(moveStalledJobsToWaitSrc),
		MoveJobsToWait:        redis.NewScript(moveJobsToWaitSrc),
		Obliterate:            redis.NewScript(obliterateSrc),
		Pause:                 redis.NewScript(pauseSrc),
		ExtendLock:            redis.NewScript(extendLockSrc),
		UpdateData:            redis.NewScript(updateDataSrc),
		UpdateProgress:        redis.NewScript(updateProgressSrc),
		SaveStacktrace:        redis.NewScript(saveStacktraceSrc),
		GetCounts:             redis.NewScript(getCountsSrc),
		GetCountsPerPriority:  redis.NewScript(getCountsPerPrioritySrc),
		GetRanges:             redis.NewScript(getRangesSrc),
		GetState:              redis.NewScript(getStateSrc),
		IsJobInList:           redis.NewScript(isJobInListSrc),
	}
}

// Load preloads every script's SHA on conn via SCRIPT LOAD, so the
// worker's hot path never pays for an EVALSHA/NOSCRIPT/EVAL round trip.
func (c *Catalog) Load(ctx context.Context, conn redis.Scripter) error {
	for name, s := range map[string]*redis.Script{
		"addStandardJob": c.AddStandardJob, "addDelayedJob": c.AddDelayedJob,
		"addPrioritizedJob": c.AddPrioritizedJob, "addParentJob": c.AddParentJob,
		"moveToActive": c.MoveToActive, "moveToFinished": c.MoveToFinished,
		"moveToDelayed": c.MoveToDelayed, "moveToWaitingChildren": c.MoveToWaitingChildren,
		"retryJob": c.RetryJob, "reprocessJob": c.ReprocessJob, "promote": c.Promote,
		"changePriority": c.ChangePriority, "removeJob": c.RemoveJob,
		"cleanJobsInSet": c.CleanJobsInSet, "moveStalledJobsToWait": c.MoveStalledJobsToWait,
		"moveJobsToWait": c.MoveJobsToWait, "obliterate": c.Obliterate, "pause": c.Pause,
		"extendLock": c.ExtendLock, "updateData": c.UpdateData, "updateProgress": c.UpdateProgress,
		"saveStacktrace": c.SaveStacktrace, "getCounts": c.GetCounts,
		"getCountsPerPriority": c.GetCountsPerPriority, "getRanges": c.GetRanges,
		"getState": c.GetState, "isJobInList": c.IsJobInList,
	} {
		if err := s.Load(ctx, conn).Err(); err != nil {
			return fmt.Errorf("scripts: load %s: %w", name, err)
		}
	}
	return nil
}
