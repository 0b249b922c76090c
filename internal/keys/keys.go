// Package keys derives the fixed keyspace used by every script in the
// catalog from a prefix and queue name, the way queue_keys.py does for
// the original implementation this module is wire-compatible with.
package keys

import (
	"fmt"
	"strings"
)

// KeyBuilder derives every key a queue touches from its qualified name
// "prefix:queue". Construct once per Queue/Worker and reuse; it holds no
// connection state, only strings.
type KeyBuilder struct {
	prefix string
	name   string
	base   string
}

func New(prefix, name string) *KeyBuilder {
	return &KeyBuilder{
		prefix: prefix,
		name:   name,
		base:   prefix + ":" + name,
	}
}

// FromBase reconstructs a KeyBuilder from an already-qualified
// "prefix:queue" string, used when a job's stored parent reference
// gives only the qualified key rather than the separate prefix/name
// that produced it.
func FromBase(base string) *KeyBuilder {
	name := base
	if i := strings.LastIndex(base, ":"); i >= 0 {
		name = base[i+1:]
	}
	return &KeyBuilder{name: name, base: base}
}

// Base returns the queue's qualified name "prefix:queue".
func (k *KeyBuilder) Base() string { return k.base }

func (k *KeyBuilder) Name() string { return k.name }

func (k *KeyBuilder) suffix(s string) string { return k.base + ":" + s }

func (k *KeyBuilder) Wait() string          { return k.suffix("wait") }
func (k *KeyBuilder) Paused() string        { return k.suffix("paused") }
func (k *KeyBuilder) Active() string        { return k.suffix("active") }
func (k *KeyBuilder) Delayed() string       { return k.suffix("delayed") }
func (k *KeyBuilder) Prioritized() string   { return k.suffix("prioritized") }
func (k *KeyBuilder) WaitingChildren() string { return k.suffix("waiting-children") }
func (k *KeyBuilder) Completed() string     { return k.suffix("completed") }
func (k *KeyBuilder) Failed() string        { return k.suffix("failed") }
func (k *KeyBuilder) Stalled() string       { return k.suffix("stalled") }
func (k *KeyBuilder) StalledCheck() string  { return k.suffix("stalled-check") }
func (k *KeyBuilder) Limiter() string       { return k.suffix("limiter") }
func (k *KeyBuilder) Meta() string          { return k.suffix("meta") }
func (k *KeyBuilder) Events() string        { return k.suffix("events") }
func (k *KeyBuilder) Marker() string        { return k.suffix("marker") }
func (k *KeyBuilder) IDCounter() string     { return k.suffix("id") }
func (k *KeyBuilder) PriorityCounter() string { return k.suffix("pc") }

// Job returns the hash key for job id.
func (k *KeyBuilder) Job(id string) string { return k.base + ":" + id }

func (k *KeyBuilder) JobLogs(id string) string        { return k.Job(id) + ":logs" }
func (k *KeyBuilder) JobLock(id string) string         { return k.Job(id) + ":lock" }
func (k *KeyBuilder) JobProcessed(id string) string    { return k.Job(id) + ":processed" }
func (k *KeyBuilder) JobDependencies(id string) string { return k.Job(id) + ":dependencies" }
func (k *KeyBuilder) JobUnsuccessful(id string) string { return k.Job(id) + ":unsuccessful" }

func (k *KeyBuilder) Metrics(state string) string { return k.suffix("metrics:" + state) }

func (k *KeyBuilder) Dedup(id string) string { return k.suffix("de:" + id) }

// StateKey maps a normalized state name to its collection key, used by
// getRanges/getCounts/clean to resolve a caller-supplied type string.
func (k *KeyBuilder) StateKey(state string) (string, error) {
	switch NormalizeState(state) {
	case "wait":
		return k.Wait(), nil
	case "paused":
		return k.Paused(), nil
	case "active":
		return k.Active(), nil
	case "delayed":
		return k.Delayed(), nil
	case "prioritized":
		return k.Prioritized(), nil
	case "waiting-children":
		return k.WaitingChildren(), nil
	case "completed":
		return k.Completed(), nil
	case "failed":
		return k.Failed(), nil
	default:
		return "", fmt.Errorf("keys: unknown state %q", state)
	}
}

// NormalizeState maps the "waiting" alias onto "wait", the canonical
// collection name used internally, leaving every other name untouched.
func NormalizeState(state string) string {
	if state == "waiting" {
		return "wait"
	}
	return state
}

// ListBacked reports whether a state's collection is a Redis list (as
// opposed to a sorted set), which determines whether getRanges must read
// it in reverse to present FIFO order.
func ListBacked(state string) bool {
	switch NormalizeState(state) {
	case "wait", "paused", "active":
		return true
	default:
		return false
	}
}
