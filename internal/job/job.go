// Package job defines the in-memory projection of a stored job: its
// fields, options, backoff normalization, deduplication key, parent
// linkage, and (de)serialization to the store's hash representation.
package job

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/jamesross/flowqueue/internal/jqerrors"
)

// Job is the authoritative projection of a job while a caller holds its
// lock; at rest it lives only in the store's hash at keys.Job(id).
type Job struct {
	ID   string
	Name string
	Data json.RawMessage
	Opts Options

	Timestamp       int64 // creation epoch ms
	Delay           int64 // ms
	Attempts        int
	AttemptsMade    int
	AttemptsStarted int
	StalledCounter  int
	Priority        int

	ProcessedOn int64
	FinishedOn  int64

	ReturnValue     json.RawMessage
	FailedReason    string
	Stacktrace      []string
	DeferredFailure string

	RepeatJobKey string
	ParentKey    string // qualified parent job key "prefix:queue:id"
	Parent       *ParentRef

	DeduplicationID string
}

// New constructs a Job for producer-side add(), applying defaults:
// timestamp defaults to now, attempts defaults to 1 if unset.
func New(id, name string, data json.RawMessage, opts Options) (*Job, error) {
	if err := ValidateData(data); err != nil {
		return nil, err
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	ts := opts.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	attempts := opts.Attempts
	if attempts == 0 {
		attempts = 1
	}
	j := &Job{
		ID:        id,
		Name:      name,
		Data:      data,
		Opts:      opts,
		Timestamp: ts,
		Delay:     opts.Delay,
		Attempts:  attempts,
		Priority:  opts.Priority,
	}
	if opts.Parent != nil {
		j.Parent = opts.Parent
		j.ParentKey = opts.Parent.QueueKey + ":" + opts.Parent.ID
	}
	if opts.Deduplication != nil {
		j.DeduplicationID = opts.Deduplication.ID
	}
	return j, nil
}

// MarshalData normalizes a caller-supplied payload into the
// json.RawMessage form stored on the job hash: nil becomes the JSON
// null literal, json.RawMessage and []byte pass through unchanged, and
// anything else is marshaled with encoding/json.
func MarshalData(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", jqerrors.ErrInvalidArgument, err)
		}
		return b, nil
	}
}

// ValidateData rejects payloads containing non-finite JSON numbers
// (NaN/Infinity cannot round-trip through the store), per spec §4.1.
func ValidateData(data json.RawMessage) error {
	if len(data) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("%w: %v", jqerrors.ErrInvalidArgument, err)
	}
	if containsNonFinite(v) {
		return fmt.Errorf("%w: data contains a non-finite number", jqerrors.ErrInvalidArgument)
	}
	return nil
}

func containsNonFinite(v any) bool {
	switch t := v.(type) {
	case float64:
		return math.IsNaN(t) || math.IsInf(t, 0)
	case map[string]any:
		for _, vv := range t {
			if containsNonFinite(vv) {
				return true
			}
		}
	case []any:
		for _, vv := range t {
			if containsNonFinite(vv) {
				return true
			}
		}
	}
	return false
}

// DedupKey returns the deduplication throttle key suffix for this job's
// queue, or "" if no deduplication id was set.
func (j *Job) DedupKey() string {
	return j.DeduplicationID
}

// ToHash renders the job as the field map a store HSET expects, the
// wire-compatible representation described in spec §3.
func (j *Job) ToHash() (map[string]string, error) {
	optsJSON, err := j.Opts.Marshal()
	if err != nil {
		return nil, err
	}
	h := map[string]string{
		"name":            j.Name,
		"data":            string(j.Data),
		"opts":            optsJSON,
		"timestamp":       strconv.FormatInt(j.Timestamp, 10),
		"delay":           strconv.FormatInt(j.Delay, 10),
		"attempts":        strconv.Itoa(j.Attempts),
		"attemptsMade":    strconv.Itoa(j.AttemptsMade),
		"attemptsStarted": strconv.Itoa(j.AttemptsStarted),
		"stalledCounter":  strconv.Itoa(j.StalledCounter),
		"priority":        strconv.Itoa(j.Priority),
	}
	if j.ProcessedOn != 0 {
		h["processedOn"] = strconv.FormatInt(j.ProcessedOn, 10)
	}
	if j.FinishedOn != 0 {
		h["finishedOn"] = strconv.FormatInt(j.FinishedOn, 10)
	}
	if len(j.ReturnValue) > 0 {
		h["returnvalue"] = string(j.ReturnValue)
	}
	if j.FailedReason != "" {
		h["failedReason"] = j.FailedReason
	}
	if len(j.Stacktrace) > 0 {
		b, err := json.Marshal(j.Stacktrace)
		if err != nil {
			return nil, err
		}
		h["stacktrace"] = string(b)
	}
	if j.DeferredFailure != "" {
		h["deferredFailure"] = j.DeferredFailure
	}
	if j.RepeatJobKey != "" {
		h["repeatJobKey"] = j.RepeatJobKey
	}
	if j.ParentKey != "" {
		h["parentKey"] = j.ParentKey
	}
	if j.Parent != nil {
		b, err := json.Marshal(j.Parent)
		if err != nil {
			return nil, err
		}
		h["parent"] = string(b)
	}
	if j.DeduplicationID != "" {
		h["deduplicationId"] = j.DeduplicationID
	}
	return h, nil
}

// FromHash parses a store hash back into a Job, the inverse of ToHash.
// id is supplied separately since the hash itself does not store it.
func FromHash(id string, h map[string]string) (*Job, error) {
	if len(h) == 0 {
		return nil, jqerrors.FromCode(-1, id)
	}
	opts, err := UnmarshalOptions(h["opts"])
	if err != nil {
		return nil, err
	}
	j := &Job{
		ID:   id,
		Name: h["name"],
		Data: json.RawMessage(h["data"]),
		Opts: opts,
	}
	j.Timestamp, _ = strconv.ParseInt(h["timestamp"], 10, 64)
	j.Delay, _ = strconv.ParseInt(h["delay"], 10, 64)
	j.Attempts, _ = strconv.Atoi(h["attempts"])
	j.AttemptsMade, _ = strconv.Atoi(h["attemptsMade"])
	j.AttemptsStarted, _ = strconv.Atoi(h["attemptsStarted"])
	j.StalledCounter, _ = strconv.Atoi(h["stalledCounter"])
	j.Priority, _ = strconv.Atoi(h["priority"])
	j.ProcessedOn, _ = strconv.ParseInt(h["processedOn"], 10, 64)
	j.FinishedOn, _ = strconv.ParseInt(h["finishedOn"], 10, 64)
	if rv, ok := h["returnvalue"]; ok {
		j.ReturnValue = json.RawMessage(rv)
	}
	j.FailedReason = h["failedReason"]
	if st, ok := h["stacktrace"]; ok && st != "" {
		if err := json.Unmarshal([]byte(st), &j.Stacktrace); err != nil {
			return nil, err
		}
	}
	j.DeferredFailure = h["deferredFailure"]
	j.RepeatJobKey = h["repeatJobKey"]
	j.ParentKey = h["parentKey"]
	if p, ok := h["parent"]; ok && p != "" {
		var ref ParentRef
		if err := json.Unmarshal([]byte(p), &ref); err != nil {
			return nil, err
		}
		j.Parent = &ref
	}
	j.DeduplicationID = h["deduplicationId"]
	return j, nil
}

// AppendStacktrace bounds the stored stacktrace to limit entries,
// dropping the oldest first, matching stackTraceLimit semantics
// (limit=0 clears it on every failure).
func (j *Job) AppendStacktrace(trace string, limit int) {
	if limit == 0 {
		j.Stacktrace = nil
		return
	}
	j.Stacktrace = append(j.Stacktrace, trace)
	if limit > 0 && len(j.Stacktrace) > limit {
		j.Stacktrace = j.Stacktrace[len(j.Stacktrace)-limit:]
	}
}
