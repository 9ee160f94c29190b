// Package reconcile implements the mutation algebra: applying a
// single decoded payload to a coupled (schema, state) graph pair while
// preserving the engine's invariants and deriving state-instance
// changes from schema property changes (Instance Reconciliation).
package reconcile

import (
	"context"
	"time"

	"github.com/thecodizt/graphmutate/codec"
	"github.com/thecodizt/graphmutate/graph"
)

// Options tunes the reconciliation rules that need it — currently just
// the edge-update retry budget (§4.4: "wait-and-retry a small bounded
// number of times... before failing with MissingEdge").
type Options struct {
	EdgeRetryAttempts int
	EdgeRetryBackoff  time.Duration
}

// DefaultOptions returns the tuning named in the source: 3 attempts,
// ~100ms backoff.
func DefaultOptions() Options {
	return Options{EdgeRetryAttempts: 3, EdgeRetryBackoff: 100 * time.Millisecond}
}

// Reconciler applies payloads to a (schema, state) graph pair under
// Options. It holds no graph state itself — Apply and ApplyBulk take
// the graphs as arguments so a caller (the worker) can hold the
// version lock around the whole call.
type Reconciler struct {
	opts Options
}

// New returns a Reconciler configured with opts.
func New(opts Options) *Reconciler {
	return &Reconciler{opts: opts}
}

// ItemResult is one bulk sub-payload's outcome.
type ItemResult struct {
	Index int
	Error error
}

// Apply dispatches a single decoded payload against schema/state at
// timestamp, following the rules of §4.4.
func (r *Reconciler) Apply(ctx context.Context, schema, state *graph.Graph, timestamp int64, payload Payload) error {
	switch p := payload.(type) {
	case NodeCreate:
		return r.applyNodeCreate(schema, state, timestamp, p)
	case NodeUpdate:
		return r.applyNodeUpdate(schema, state, timestamp, p)
	case NodeDelete:
		return r.applyNodeDelete(schema, state, timestamp, p)
	case EdgeCreate:
		return r.applyEdgeCreate(schema, p)
	case EdgeUpdate:
		return r.applyEdgeUpdate(ctx, schema, p)
	case EdgeDelete:
		return r.applyEdgeDelete(schema, p)
	case DirectCreate:
		return r.applyDirectCreate(schema, state, timestamp, p)
	default:
		return &MalformedPayload{Reason: "unrecognized payload variant"}
	}
}

// ApplyBulk applies each of payloads in order against the same
// (schema, state) pair — "applied sequentially using the single-item
// rules under the same lock" (§4.4). A failing item does not stop the
// batch: its error is recorded in the returned ItemResult and the
// remaining items still run. progress, if non-nil, is called after
// every 100th item, and once more after the last item when the total
// is not a multiple of 100 (§5's bulk progress logging requirement).
func (r *Reconciler) ApplyBulk(ctx context.Context, schema, state *graph.Graph, timestamp int64, payloads []Payload, progress func(done, total int)) []ItemResult {
	results := make([]ItemResult, len(payloads))
	for i, p := range payloads {
		err := r.Apply(ctx, schema, state, timestamp, p)
		results[i] = ItemResult{Index: i, Error: err}
		if progress != nil && (i+1)%100 == 0 {
			progress(i+1, len(payloads))
		}
	}
	if progress != nil && len(payloads)%100 != 0 {
		progress(len(payloads), len(payloads))
	}
	return results
}

func (r *Reconciler) applyNodeCreate(schema, state *graph.Graph, timestamp int64, p NodeCreate) error {
	schema.UpsertNode(p.NodeID, p.NodeType, p.Properties, timestamp, timestamp, true)

	if count, ok, expiry, hasExpiry := unitsInChain(p.Properties); ok {
		nodeType := p.NodeType
		if existing := schema.GetNode(p.NodeID); existing != nil && existing.NodeType != "" {
			nodeType = existing.NodeType
		}
		reconcileInstances(state, p.NodeID, nodeType, count, timestamp, expiry, hasExpiry)
	}
	return nil
}

func (r *Reconciler) applyNodeUpdate(schema, state *graph.Graph, timestamp int64, p NodeUpdate) error {
	node := schema.GetNode(p.NodeID)
	if node == nil {
		return &MissingNode{NodeID: p.NodeID}
	}

	_, hadBefore := node.Properties["units_in_chain"]
	schema.UpsertNode(p.NodeID, node.NodeType, p.Properties, node.CreatedAt, timestamp, true)

	count, hasNow, expiry, hasExpiry := unitsInChain(schema.GetNode(p.NodeID).Properties)
	_, hasAfter := p.Properties["units_in_chain"]
	if hasNow && (hasAfter || !hadBefore) {
		reconcileInstances(state, p.NodeID, node.NodeType, count, timestamp, expiry, hasExpiry)
	}
	return nil
}

func (r *Reconciler) applyNodeDelete(schema, state *graph.Graph, timestamp int64, p NodeDelete) error {
	if !schema.HasNode(p.NodeID) {
		return &MissingNode{NodeID: p.NodeID}
	}

	victims := []string{p.NodeID}
	if p.Cascade {
		victims = append(victims, schema.ReachableFrom(p.NodeID)...)
	}

	for _, id := range victims {
		node := schema.GetNode(id)
		if node == nil {
			continue
		}
		if _, ok := node.Properties["units_in_chain"]; ok {
			reconcileInstances(state, id, node.NodeType, 0, timestamp, 0, false)
		}
	}
	for _, id := range victims {
		schema.RemoveNode(id)
	}
	return nil
}

func (r *Reconciler) applyEdgeCreate(schema *graph.Graph, p EdgeCreate) error {
	if !schema.HasNode(p.SourceID) {
		return &MissingEndpoint{NodeID: p.SourceID}
	}
	if !schema.HasNode(p.TargetID) {
		return &MissingEndpoint{NodeID: p.TargetID}
	}
	schema.UpsertEdge(p.SourceID, p.TargetID, p.EdgeType, p.Properties, true)
	return nil
}

func (r *Reconciler) applyEdgeUpdate(ctx context.Context, schema *graph.Graph, p EdgeUpdate) error {
	attempts := r.opts.EdgeRetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := r.opts.EdgeRetryBackoff

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if schema.HasEdge(p.SourceID, p.TargetID) {
			edgeType := p.EdgeType
			if edgeType == "" {
				edgeType = schema.GetEdge(p.SourceID, p.TargetID).RelationshipType
			}
			schema.UpsertEdge(p.SourceID, p.TargetID, edgeType, p.Properties, true)
			return nil
		}
		lastErr = &MissingEdge{Source: p.SourceID, Target: p.TargetID}
		if attempt < attempts-1 {
			if !sleep(ctx, backoff) {
				return lastErr
			}
		}
	}
	return lastErr
}

func (r *Reconciler) applyEdgeDelete(schema *graph.Graph, p EdgeDelete) error {
	if !schema.HasEdge(p.SourceID, p.TargetID) {
		return &MissingEdge{Source: p.SourceID, Target: p.TargetID}
	}
	edgeType := ""
	if p.HasEdgeType {
		edgeType = p.EdgeType
	}
	if !schema.RemoveEdge(p.SourceID, p.TargetID, edgeType) {
		return &MissingEdge{Source: p.SourceID, Target: p.TargetID}
	}
	return nil
}

func (r *Reconciler) applyDirectCreate(schema, state *graph.Graph, timestamp int64, p DirectCreate) error {
	rebuilt, err := codec.DecodeNodeLink(p.Document)
	if err != nil {
		return &MalformedPayload{Reason: err.Error()}
	}
	if err := rebuilt.Validate(); err != nil {
		return &MalformedPayload{Reason: err.Error()}
	}

	*schema = *rebuilt

	for _, node := range schema.Nodes() {
		count, ok, expiry, hasExpiry := unitsInChain(node.Properties)
		if !ok {
			continue
		}
		reconcileInstances(state, node.ID, node.NodeType, count, timestamp, expiry, hasExpiry)
	}
	return nil
}

// unitsInChain reads the units_in_chain and expiry properties off a
// property bag, returning the target instance count (if present) and
// the expiry offset in seconds (if present).
func unitsInChain(properties map[string]interface{}) (count int, ok bool, expirySeconds int64, hasExpiry bool) {
	raw, present := properties["units_in_chain"]
	if !present {
		return 0, false, 0, false
	}
	count = int(codec.ToInt64(raw))

	if expiryRaw, present := properties["expiry"]; present {
		return count, true, codec.ToInt64(expiryRaw), true
	}
	return count, true, 0, false
}

// sleep blocks for d or until ctx is cancelled, reporting whether the
// full duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
