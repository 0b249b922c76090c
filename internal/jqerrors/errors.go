// Package jqerrors defines the typed error taxonomy scripts communicate
// via negative integer return codes, plus the sentinels a user processor
// raises to steer the worker's finalization policy.
package jqerrors

import "errors"

// Script return codes map 1:1 onto these sentinels. Callers should use
// errors.Is against the exported vars below; a script error also
// carries the job id it was operating on.
var (
	ErrJobNotExist               = errors.New("jqerrors: job does not exist")
	ErrJobLockNotExist           = errors.New("jqerrors: job lock does not exist")
	ErrJobNotInState             = errors.New("jqerrors: job not in expected state")
	ErrJobPendingDependencies    = errors.New("jqerrors: parent has pending dependencies")
	ErrParentJobNotExist         = errors.New("jqerrors: parent job does not exist")
	ErrJobLockMismatch           = errors.New("jqerrors: job lock held by a different token")
	ErrParentJobCannotBeReplaced = errors.New("jqerrors: parent job cannot be replaced")

	// ErrInvalidArgument is raised by local, synchronous input validation
	// before any script runs (non-finite JSON payload, conflicting
	// options, missing required fields).
	ErrInvalidArgument = errors.New("jqerrors: invalid argument")

	// ErrUnrecoverable, raised by a user processor, forces a terminal
	// failure regardless of remaining attempts.
	ErrUnrecoverable = errors.New("jqerrors: unrecoverable")

	// ErrWaitingChildren, raised by a user processor that has just moved
	// its own job to waiting-children, tells the runloop to exit without
	// finalizing as either success or failure.
	ErrWaitingChildren = errors.New("jqerrors: job moved to waiting-children")
)

// codeTable maps the script protocol's negative return codes to their
// sentinel error, per spec §4.4.
var codeTable = map[int64]error{
	-1: ErrJobNotExist,
	-2: ErrJobLockNotExist,
	-3: ErrJobNotInState,
	-4: ErrJobPendingDependencies,
	-5: ErrParentJobNotExist,
	-6: ErrJobLockMismatch,
	-7: ErrParentJobCannotBeReplaced,
}

// FromCode translates a script's negative return code into a typed
// error, wrapping it with the job id for diagnostics. Any code outside
// the table (including code >= 0) yields a ScriptError reporting an
// unknown code, so callers invoke FromCode only after checking the
// script result is negative.
func FromCode(code int64, jobID string) error {
	base, ok := codeTable[code]
	if !ok {
		return &ScriptError{Code: code, JobID: jobID, err: errors.New("jqerrors: unknown script error code")}
	}
	return &ScriptError{Code: code, JobID: jobID, err: base}
}

// ScriptError wraps a sentinel with the job id the script was operating
// on, so callers get both errors.Is matching and a useful message.
type ScriptError struct {
	Code  int64
	JobID string
	err   error
}

func (e *ScriptError) Error() string {
	if e.JobID == "" {
		return e.err.Error()
	}
	return e.err.Error() + ": job " + e.JobID
}

func (e *ScriptError) Unwrap() error { return e.err }
