// Package flow implements the FlowProducer: recursive construction of a
// parent/child job tree under one atomic pipeline, per spec §4.2. A
// parent node is registered via addParentJob (which does not place it
// in wait/prioritized/delayed) while each child records a parent
// pointer and is added through the ordinary add path; the parent only
// becomes eligible once its dependency set drains to empty.
package flow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/jamesross/flowqueue/internal/events"
	"github.com/jamesross/flowqueue/internal/job"
	"github.com/jamesross/flowqueue/internal/jqerrors"
	"github.com/jamesross/flowqueue/internal/keys"
	"github.com/jamesross/flowqueue/internal/scripts"
)

// maxDepth bounds the iterative traversal so a malformed or adversarial
// flow tree cannot exhaust memory; BullMQ's own FlowProducer carries a
// similar ceiling.
const maxDepth = 32

// Node describes one job in a flow tree, with its queue and optional
// children.
type Node struct {
	Name      string
	QueueName string
	Prefix    string // defaults to the producer's prefix when empty
	Data      any
	Opts      job.Options
	Children  []Node
}

// Result mirrors the tree produced by Add: the job that was created and
// the corresponding results for each child.
type Result struct {
	Job      *job.Job
	QueueKey string // qualified "prefix:queue" this job lives in
	Children []Result
}

// FlowProducer adds trees of jobs atomically. It is stateless over the
// store, like Queue, and constructs its own KeyBuilder per distinct
// queue encountered in a tree.
type FlowProducer struct {
	rdb     *redis.Client
	prefix  string
	scripts *scripts.Catalog
	sink    *events.Sink
}

// New constructs a FlowProducer. catalog should already be loaded.
func New(rdb *redis.Client, defaultPrefix string, catalog *scripts.Catalog, sink *events.Sink) *FlowProducer {
	if catalog == nil {
		catalog = scripts.New()
	}
	if sink == nil {
		sink = events.NewSink()
	}
	return &FlowProducer{rdb: rdb, prefix: defaultPrefix, scripts: catalog, sink: sink}
}

// plan is one node flattened out of the tree during the first pass,
// carrying its pre-assigned id and parent linkage before any script
// runs.
type plan struct {
	node           *Node
	id             string
	kb             *keys.KeyBuilder
	parentID       string
	parentQueueKey string
	hasChildren    bool
	raw            json.RawMessage // node.Data marshaled once, by buildCall
}

// Add constructs the whole tree under root in one atomic transaction
// pipeline and returns the resulting tree of jobs.
func (f *FlowProducer) Add(ctx context.Context, root Node) (*Result, error) {
	results, err := f.AddBulk(ctx, []Node{root})
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

// AddBulk adds several independent flow trees; each tree is added under
// its own atomic pipeline (trees do not share a transaction with each
// other, only with their own descendants).
func (f *FlowProducer) AddBulk(ctx context.Context, roots []Node) ([]*Result, error) {
	out := make([]*Result, len(roots))
	for i, root := range roots {
		r, err := f.addOne(ctx, root)
		if err != nil {
			return nil, fmt.Errorf("flow: add tree %d: %w", i, err)
		}
		out[i] = r
	}
	return out, nil
}

// addOne flattens root into a parent-before-child ordered plan, assigns
// every id up front (so child nodes can reference their parent's
// qualified key before the parent hash exists), then executes one
// TxPipeline so no other client's commands interleave between a
// parent's registration and its children's dependency entries.
func (f *FlowProducer) addOne(ctx context.Context, root Node) (*Result, error) {
	var plans []*plan

	// Iterative DFS with an explicit stack, per the design notes
	// (avoids recursion depth tracking the tree's own nesting).
	type frame struct {
		node           *Node
		parentID       string
		parentQueueKey string
		depth          int
	}
	stack := []frame{{node: &root, depth: 0}}
	for len(stack) > 0 {
		fr := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if fr.depth > maxDepth {
			return nil, fmt.Errorf("flow: tree exceeds max depth %d", maxDepth)
		}

		prefix := fr.node.Prefix
		if prefix == "" {
			prefix = f.prefix
		}
		kb := keys.New(prefix, fr.node.QueueName)

		id := fr.node.Opts.JobID
		if id == "" {
			n, err := f.rdb.Incr(ctx, kb.IDCounter()).Result()
			if err != nil {
				return nil, fmt.Errorf("flow: allocate id: %w", err)
			}
			id = fmt.Sprint(n)
		}

		p := &plan{
			node:           fr.node,
			id:             id,
			kb:             kb,
			parentID:       fr.parentID,
			parentQueueKey: fr.parentQueueKey,
			hasChildren:    len(fr.node.Children) > 0,
		}
		plans = append(plans, p)

		for ci := range fr.node.Children {
			stack = append(stack, frame{
				node:           &fr.node.Children[ci],
				parentID:       id,
				parentQueueKey: kb.Base(),
				depth:          fr.depth + 1,
			})
		}
	}

	pipe := f.rdb.TxPipeline()
	cmds := make([]*redis.Cmd, len(plans))
	for i, p := range plans {
		script, kk, av, err := f.buildCall(p)
		if err != nil {
			return nil, err
		}
		cmds[i] = script.EvalSha(ctx, pipe, kk, av...)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("flow: tx pipeline: %w", err)
	}

	jobs := make(map[string]*job.Job, len(plans))
	for i, p := range plans {
		res, err := cmds[i].Result()
		if err != nil {
			return nil, err
		}
		switch v := res.(type) {
		case string:
			p.id = v
		case int64:
			return nil, jqerrors.FromCode(v, p.id)
		default:
			return nil, fmt.Errorf("flow: unexpected script reply %T", res)
		}
		opts := p.node.Opts
		opts.JobID = p.id
		if p.parentID != "" {
			opts.Parent = &job.ParentRef{ID: p.parentID, QueueKey: p.parentQueueKey}
		}
		j, err := job.New(p.id, p.node.Name, p.raw, opts)
		if err != nil {
			return nil, err
		}
		j.ID = p.id
		jobs[planKey(p)] = j
		f.sink.Emit(events.Event{Name: "added", JobID: p.id})
	}

	return assembleTree(&root, plans, jobs, 0), nil
}

// planKey gives a stable identity for a *plan within one tree build:
// its queue base joined with its job id, so assembleTree can look jobs
// back up by walking the same tree shape.
func planKey(p *plan) string { return p.kb.Base() + ":" + p.id }

// assembleTree rebuilds the Result tree by walking root's shape again
// (mirroring addOne's traversal) and pulling each node's constructed Job
// out of the jobs map. Nodes are paired with plans by visiting order,
// so children match the right plan even when sibling subtrees have
// different sizes; start is not read.
func assembleTree(root *Node, plans []*plan, jobs map[string]*job.Job, start int) *Result {
	// Re-walk with the same DFS-with-stack order used in addOne, this
	// time pairing nodes to plans by identity since both traversals
	// visit the tree in the identical deterministic order.
	order := flatten(root)
	byNode := make(map[*Node]*plan, len(plans))
	for i, n := range order {
		byNode[n] = plans[i]
	}
	var build func(n *Node) *Result
	build = func(n *Node) *Result {
		p := byNode[n]
		j := jobs[planKey(p)]
		r := &Result{Job: j, QueueKey: p.kb.Base()}
		for ci := range n.Children {
			r.Children = append(r.Children, *build(&n.Children[ci]))
		}
		return r
	}
	return build(root)
}

// flatten reproduces addOne's stack-based traversal order over Node
// pointers only, so assembleTree can zip it against the already-built
// plan slice (which was produced by the identical traversal).
func flatten(root *Node) []*Node {
	var order []*Node
	type frame struct{ node *Node }
	stack := []frame{{node: root}}
	for len(stack) > 0 {
		fr := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		order = append(order, fr.node)
		for ci := range fr.node.Children {
			stack = append(stack, frame{node: &fr.node.Children[ci]})
		}
	}
	return order
}

// buildCall picks addParentJob for a node with children, otherwise the
// same standard/delayed/prioritized choice Queue.Add makes, and builds
// the shared KEYS/ARGV contract from internal/scripts/lua_add.go using
// the plan's pre-assigned id.
func (f *FlowProducer) buildCall(p *plan) (*redis.Script, []string, []any, error) {
	kb := p.kb
	opts := p.node.Opts
	opts.JobID = p.id
	if p.parentID != "" {
		opts.Parent = &job.ParentRef{ID: p.parentID, QueueKey: p.parentQueueKey}
	}

	raw, err := job.MarshalData(p.node.Data)
	if err != nil {
		return nil, nil, nil, err
	}
	p.raw = raw
	j, err := job.New(p.id, p.node.Name, raw, opts)
	if err != nil {
		return nil, nil, nil, err
	}

	var script *redis.Script
	var target string
	switch {
	case p.hasChildren:
		script = f.scripts.AddParentJob
		target = kb.JobDependencies(p.id)
	case j.Delay > 0:
		script = f.scripts.AddDelayedJob
		target = kb.Delayed()
	case j.Priority > 0:
		script = f.scripts.AddPrioritizedJob
		target = kb.Prioritized()
	default:
		script = f.scripts.AddStandardJob
		target = kb.Wait()
	}

	var parentDeps, parentJobKey, parentWaitingChildren string
	if p.parentID != "" {
		parentDeps = p.parentQueueKey + ":" + p.parentID + ":dependencies"
		parentJobKey = p.parentQueueKey + ":" + p.parentID
		parentWaitingChildren = p.parentQueueKey + ":waiting-children"
	}

	dedupID, dedupTTL, dedupExtend, dedupReplace := "", int64(0), "0", "0"
	if opts.Deduplication != nil {
		dedupID = opts.Deduplication.ID
		dedupTTL = opts.Deduplication.TTL.Milliseconds()
		dedupExtend = boolStr(opts.Deduplication.Extend)
		dedupReplace = boolStr(opts.Deduplication.Replace)
	}

	kk := []string{target, kb.Paused(), kb.Meta(), kb.IDCounter(), kb.Base(), kb.Events(), kb.Marker(), kb.PriorityCounter(), parentDeps, parentJobKey, parentWaitingChildren}
	av := []any{
		p.id, p.node.Name, string(raw), j.Timestamp, j.Timestamp + j.Delay, j.Priority,
		dedupID, dedupTTL, dedupExtend, dedupReplace,
		p.parentID, p.parentQueueKey,
		boolStr(opts.FailParentOnFailure),
	}

	h, err := j.ToHash()
	if err != nil {
		return nil, nil, nil, err
	}
	delete(h, "name")
	delete(h, "data")
	delete(h, "timestamp")
	for field, value := range h {
		av = append(av, field, value)
	}
	return script, kk, av, nil
}

func boolStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
