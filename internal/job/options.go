package job

import (
	"encoding/json"
	"time"

	"github.com/jamesross/flowqueue/internal/jqerrors"
)

// Backoff describes the delay policy consulted on a retryable failure.
// An integer millisecond value on the wire is normalized to
// Backoff{Type: "fixed", Delay: n} by NormalizeBackoff.
type Backoff struct {
	Type  string `json:"type,omitempty"`
	Delay int64  `json:"delay,omitempty"` // milliseconds
}

// KeepMode selects how removeOnComplete/removeOnFail prune the terminal
// sets, matching the sum type the design notes call for in place of the
// original's dynamic true/false/int/object union.
type KeepMode int

const (
	KeepAll         KeepMode = iota // false: never auto-remove
	KeepNone                        // true: remove immediately on finalize
	KeepCount                       // integer N: keep only the newest N
	KeepAgeAndCount                 // {age, count}: keep by age, bounded by count
)

// KeepPolicy is the resolved form of removeOnComplete/removeOnFail.
type KeepPolicy struct {
	Mode  KeepMode `json:"mode"`
	Count int64    `json:"count,omitempty"` // KeepCount, KeepAgeAndCount
	Age   int64    `json:"age,omitempty"`   // seconds; KeepAgeAndCount
}

func KeepForever() KeepPolicy       { return KeepPolicy{Mode: KeepAll} }
func KeepNothing() KeepPolicy       { return KeepPolicy{Mode: KeepNone} }
func KeepLastN(n int64) KeepPolicy  { return KeepPolicy{Mode: KeepCount, Count: n} }
func KeepByAge(age time.Duration, count int64) KeepPolicy {
	return KeepPolicy{Mode: KeepAgeAndCount, Age: int64(age.Seconds()), Count: count}
}

// ParentRef points a child job at its parent's job id and qualified
// queue key (e.g. "prefix:queue"), per spec §3 parent linkage.
type ParentRef struct {
	ID       string `json:"id"`
	QueueKey string `json:"queueKey"`
}

// Deduplication configures the de:<id> throttle key.
type Deduplication struct {
	ID      string        `json:"id"`
	TTL     time.Duration `json:"ttl,omitempty"`
	Extend  bool          `json:"extend,omitempty"`
	Replace bool          `json:"replace,omitempty"`
}

// Options is the typed record of every optional add() argument. The
// four dependency-propagation flags keep their original short wire keys
// (fpof/cpof/idof/rdof) because scripts read them directly off the
// stored opts blob; kl and de are short for the same reason.
type Options struct {
	JobID           string   `json:"jobId,omitempty"`
	Timestamp       int64    `json:"timestamp,omitempty"` // creation epoch ms; 0 = now
	Delay           int64    `json:"delay,omitempty"`     // ms
	Priority        int      `json:"priority,omitempty"`
	Attempts        int      `json:"attempts,omitempty"`
	Backoff         Backoff  `json:"backoff,omitempty"`
	LIFO            bool     `json:"lifo,omitempty"`
	RemoveOnComplete KeepPolicy `json:"removeOnComplete,omitempty"`
	RemoveOnFail     KeepPolicy `json:"removeOnFail,omitempty"`
	KeepLogs        int      `json:"kl,omitempty"`
	StackTraceLimit int      `json:"stackTraceLimit,omitempty"`
	Parent          *ParentRef `json:"parent,omitempty"`

	FailParentOnFailure       bool `json:"fpof,omitempty"`
	ContinueParentOnFailure   bool `json:"cpof,omitempty"`
	IgnoreDependencyOnFailure bool `json:"idof,omitempty"`
	RemoveDependencyOnFailure bool `json:"rdof,omitempty"`

	Deduplication *Deduplication `json:"de,omitempty"`
}

// NormalizeBackoff treats a bare millisecond count as fixed-delay
// backoff, matching the "integer ms (→ fixed)" rule in spec §6.
func NormalizeBackoff(raw any) Backoff {
	switch v := raw.(type) {
	case int:
		return Backoff{Type: "fixed", Delay: int64(v)}
	case int64:
		return Backoff{Type: "fixed", Delay: v}
	case Backoff:
		if v.Type == "" {
			v.Type = "fixed"
		}
		return v
	default:
		return Backoff{}
	}
}

// Validate enforces that at most one dependency-propagation flag is set
// and that Priority and Delay are not negative; the data blob is not
// checked here. Returns jqerrors.ErrInvalidArgument on violation.
func (o *Options) Validate() error {
	exclusive := 0
	for _, b := range []bool{o.FailParentOnFailure, o.ContinueParentOnFailure, o.IgnoreDependencyOnFailure, o.RemoveDependencyOnFailure} {
		if b {
			exclusive++
		}
	}
	if exclusive > 1 {
		return jqerrors.ErrInvalidArgument
	}
	if o.Priority < 0 {
		return jqerrors.ErrInvalidArgument
	}
	if o.Delay < 0 {
		return jqerrors.ErrInvalidArgument
	}
	return nil
}

// Marshal encodes Options to the JSON blob stored in the job hash's
// "opts" field.
func (o Options) Marshal() (string, error) {
	b, err := json.Marshal(o)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func UnmarshalOptions(s string) (Options, error) {
	var o Options
	if s == "" {
		return o, nil
	}
	err := json.Unmarshal([]byte(s), &o)
	return o, err
}
