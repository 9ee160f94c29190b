package reconcile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thecodizt/graphmutate/graph"
)

func newPair() (*graph.Graph, *graph.Graph) {
	return graph.New(), graph.New()
}

func instancesWithParent(state *graph.Graph, parentID string) []*graph.Node {
	return instancesOf(state, parentID)
}

func TestNodeCreate_InsertsAndStampsTimestamps(t *testing.T) {
	schema, state := newPair()
	r := New(DefaultOptions())

	err := r.Apply(context.Background(), schema, state, 10, NodeCreate{
		NodeID: "A", NodeType: "Parts", Properties: map[string]interface{}{"color": "red"},
	})
	require.NoError(t, err)

	node := schema.GetNode("A")
	require.NotNil(t, node)
	assert.Equal(t, "Parts", node.NodeType)
	assert.Equal(t, int64(10), node.CreatedAt)
	assert.Equal(t, int64(10), node.UpdatedAt)
	assert.Equal(t, "red", node.Properties["color"])
}

func TestNodeCreate_ReplayMerges(t *testing.T) {
	schema, state := newPair()
	r := New(DefaultOptions())
	ctx := context.Background()

	require.NoError(t, r.Apply(ctx, schema, state, 10, NodeCreate{
		NodeID: "A", NodeType: "Parts", Properties: map[string]interface{}{"color": "red"},
	}))
	require.NoError(t, r.Apply(ctx, schema, state, 20, NodeCreate{
		NodeID: "A", NodeType: "Parts", Properties: map[string]interface{}{"size": "large"},
	}))

	node := schema.GetNode("A")
	require.Equal(t, 1, schema.NodeCount())
	assert.Equal(t, "red", node.Properties["color"])
	assert.Equal(t, "large", node.Properties["size"])
	assert.Equal(t, int64(10), node.CreatedAt)
	assert.Equal(t, int64(20), node.UpdatedAt)
}

// S1: create with units_in_chain=3 and no expiry produces 3 instances
// with valid_to = created_at + the default one-year window.
func TestInstanceReconciliation_CreateGrows(t *testing.T) {
	schema, state := newPair()
	r := New(DefaultOptions())

	err := r.Apply(context.Background(), schema, state, 2, NodeCreate{
		NodeID: "A", NodeType: "Parts",
		Properties: map[string]interface{}{"units_in_chain": float64(3)},
	})
	require.NoError(t, err)

	instances := instancesWithParent(state, "A")
	require.Len(t, instances, 3)
	for _, inst := range instances {
		assert.EqualValues(t, int64(2+defaultValiditySeconds), inst.Properties["valid_to"])
		assert.Equal(t, int64(2), inst.CreatedAt)
	}
}

// S1/S2: grow to 5 (3 original @ valid_to=101 kept, 2 new added), then
// shrink to 1 and confirm FIFO eviction survivor has the largest
// valid_to with lex-largest instance_id as tiebreak.
func TestInstanceReconciliation_GrowThenShrinkFIFO(t *testing.T) {
	schema, state := newPair()
	r := New(DefaultOptions())
	ctx := context.Background()

	require.NoError(t, r.Apply(ctx, schema, state, 1, NodeCreate{
		NodeID: "A", NodeType: "Parts",
		Properties: map[string]interface{}{"units_in_chain": float64(3), "expiry": float64(100)},
	}))
	original := instancesWithParent(state, "A")
	require.Len(t, original, 3)
	for _, inst := range original {
		assert.EqualValues(t, int64(101), inst.Properties["valid_to"])
	}

	require.NoError(t, r.Apply(ctx, schema, state, 2, NodeUpdate{
		NodeID: "A",
		Properties: map[string]interface{}{
			"units_in_chain": float64(5),
			"expiry":         float64(31536000),
		},
	}))
	grown := instancesWithParent(state, "A")
	require.Len(t, grown, 5)

	var newCount int
	for _, inst := range grown {
		if codecInt(inst.Properties["valid_to"]) == 2+31536000 {
			newCount++
		}
	}
	assert.Equal(t, 2, newCount)

	require.NoError(t, r.Apply(ctx, schema, state, 3, NodeUpdate{
		NodeID:     "A",
		Properties: map[string]interface{}{"units_in_chain": float64(1)},
	}))
	survivors := instancesWithParent(state, "A")
	require.Len(t, survivors, 1)
	assert.EqualValues(t, int64(2+31536000), survivors[0].Properties["valid_to"])
}

func codecInt(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		return 0
	}
}

// L3: identical (valid_to, created_at, instance_id) sets shrunk to the
// same k always keep the same survivors.
func TestInstanceReconciliation_EvictionDeterministic(t *testing.T) {
	build := func() *graph.Graph {
		state := graph.New()
		state.UpsertNode("inst-b", "Parts", map[string]interface{}{"parent_id": "A", "valid_to": int64(100)}, 1, 1, false)
		state.UpsertNode("inst-a", "Parts", map[string]interface{}{"parent_id": "A", "valid_to": int64(100)}, 1, 1, false)
		state.UpsertNode("inst-c", "Parts", map[string]interface{}{"parent_id": "A", "valid_to": int64(200)}, 1, 1, false)
		return state
	}

	run := func() []string {
		state := build()
		reconcileInstances(state, "A", "Parts", 1, 5, 0, false)
		var ids []string
		for _, n := range instancesOf(state, "A") {
			ids = append(ids, n.ID)
		}
		return ids
	}

	first := run()
	second := run()
	assert.Equal(t, first, second)
	assert.Equal(t, []string{"inst-c"}, first)
}

func TestEdgeCreate_MissingEndpoint(t *testing.T) {
	schema, _ := newPair()
	r := New(DefaultOptions())
	schema.UpsertNode("A", "Parts", nil, 1, 1, false)

	err := r.Apply(context.Background(), schema, graph.New(), 1, EdgeCreate{SourceID: "A", TargetID: "B"})
	require.Error(t, err)
	var missing *MissingEndpoint
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "B", missing.NodeID)
}

func TestEdgeCreate_MergesOnReplay(t *testing.T) {
	schema, _ := newPair()
	r := New(DefaultOptions())
	ctx := context.Background()
	schema.UpsertNode("A", "Parts", nil, 1, 1, false)
	schema.UpsertNode("B", "Parts", nil, 1, 1, false)

	require.NoError(t, r.Apply(ctx, schema, graph.New(), 1, EdgeCreate{
		SourceID: "A", TargetID: "B", EdgeType: "contains", Properties: map[string]interface{}{"w": float64(1)},
	}))
	require.NoError(t, r.Apply(ctx, schema, graph.New(), 2, EdgeCreate{
		SourceID: "A", TargetID: "B", EdgeType: "contains", Properties: map[string]interface{}{"w": float64(2)},
	}))

	edge := schema.GetEdge("A", "B")
	require.NotNil(t, edge)
	assert.EqualValues(t, float64(2), edge.Properties["w"])
	assert.Equal(t, 1, schema.EdgeCount())
}

// An edge update inside a bulk batch merges its properties into an
// edge that already exists when the update is applied.
func TestEdgeUpdate_InBulkMergesIntoExistingEdge(t *testing.T) {
	schema, state := newPair()
	r := New(Options{EdgeRetryAttempts: 3, EdgeRetryBackoff: 0})
	ctx := context.Background()
	schema.UpsertNode("A", "Parts", nil, 1, 1, false)
	schema.UpsertNode("B", "Parts", nil, 1, 1, false)

	payloads := []Payload{
		EdgeUpdate{SourceID: "A", TargetID: "B", Properties: map[string]interface{}{"w": float64(9)}},
	}
	// The edge is created before Apply looks, so the update succeeds on
	// its first attempt; the retry loop itself is exercised by
	// TestEdgeUpdate_FailsAfterRetries, since this engine applies one
	// batch under a single lock and thus never races itself.
	schema.UpsertEdge("A", "B", "contains", nil, false)

	results := r.ApplyBulk(ctx, schema, state, 2, payloads, nil)
	require.NoError(t, results[0].Error)
	assert.EqualValues(t, float64(9), schema.GetEdge("A", "B").Properties["w"])
}

func TestEdgeUpdate_FailsAfterRetries(t *testing.T) {
	schema, _ := newPair()
	r := New(Options{EdgeRetryAttempts: 2, EdgeRetryBackoff: 0})

	err := r.Apply(context.Background(), schema, graph.New(), 1, EdgeUpdate{SourceID: "A", TargetID: "B"})
	require.Error(t, err)
	var missing *MissingEdge
	require.ErrorAs(t, err, &missing)
}

func TestNodeUpdate_MissingNode(t *testing.T) {
	schema, _ := newPair()
	r := New(DefaultOptions())

	err := r.Apply(context.Background(), schema, graph.New(), 1, NodeUpdate{NodeID: "ghost"})
	require.Error(t, err)
	var missing *MissingNode
	require.ErrorAs(t, err, &missing)
}

func TestEdgeDelete_TypeGuard(t *testing.T) {
	schema, _ := newPair()
	r := New(DefaultOptions())
	schema.UpsertNode("A", "Parts", nil, 1, 1, false)
	schema.UpsertNode("B", "Parts", nil, 1, 1, false)
	schema.UpsertEdge("A", "B", "contains", nil, false)

	err := r.Apply(context.Background(), schema, graph.New(), 1, EdgeDelete{
		SourceID: "A", TargetID: "B", EdgeType: "owns", HasEdgeType: true,
	})
	require.Error(t, err)
	assert.True(t, schema.HasEdge("A", "B"))

	require.NoError(t, r.Apply(context.Background(), schema, graph.New(), 1, EdgeDelete{
		SourceID: "A", TargetID: "B", EdgeType: "contains", HasEdgeType: true,
	}))
	assert.False(t, schema.HasEdge("A", "B"))
}

// S4: cascade delete removes every descendant and FIFO-evicts all
// their instances first.
func TestNodeDelete_CascadeSweepsDescendantsAndInstances(t *testing.T) {
	schema, state := newPair()
	r := New(DefaultOptions())
	ctx := context.Background()

	require.NoError(t, r.Apply(ctx, schema, state, 1, NodeCreate{
		NodeID: "A", NodeType: "Parts", Properties: map[string]interface{}{"units_in_chain": float64(2)},
	}))
	require.NoError(t, r.Apply(ctx, schema, state, 1, NodeCreate{
		NodeID: "B", NodeType: "Parts", Properties: map[string]interface{}{"units_in_chain": float64(3)},
	}))
	require.NoError(t, r.Apply(ctx, schema, state, 1, NodeCreate{NodeID: "C", NodeType: "Widgets"}))
	require.NoError(t, r.Apply(ctx, schema, nil, 1, EdgeCreate{SourceID: "A", TargetID: "B", EdgeType: "contains"}))
	require.NoError(t, r.Apply(ctx, schema, nil, 1, EdgeCreate{SourceID: "B", TargetID: "C", EdgeType: "contains"}))

	require.NoError(t, r.Apply(ctx, schema, state, 5, NodeDelete{NodeID: "A", Cascade: true}))

	assert.False(t, schema.HasNode("A"))
	assert.False(t, schema.HasNode("B"))
	assert.False(t, schema.HasNode("C"))
	assert.Empty(t, instancesWithParent(state, "A"))
	assert.Empty(t, instancesWithParent(state, "B"))
}

func TestDirectCreate_RebuildsSchemaAndReconcilesInstances(t *testing.T) {
	schema, state := newPair()
	r := New(DefaultOptions())
	doc := []byte(`{"directed":true,"multigraph":false,"graph":{},"nodes":[{"id":"A","node_type":"Parts","units_in_chain":2}],"links":[]}`)

	err := r.Apply(context.Background(), schema, state, 10, DirectCreate{Document: doc})
	require.NoError(t, err)

	assert.True(t, schema.HasNode("A"))
	assert.Len(t, instancesWithParent(state, "A"), 2)
}

func TestApplyBulk_ContinuesPastFailures(t *testing.T) {
	schema, state := newPair()
	r := New(DefaultOptions())

	payloads := []Payload{
		NodeCreate{NodeID: "A", NodeType: "Parts"},
		NodeUpdate{NodeID: "ghost"},
		NodeCreate{NodeID: "B", NodeType: "Parts"},
	}

	results := r.ApplyBulk(context.Background(), schema, state, 1, payloads, nil)
	require.Len(t, results, 3)
	assert.NoError(t, results[0].Error)
	assert.Error(t, results[1].Error)
	assert.NoError(t, results[2].Error)
	assert.True(t, schema.HasNode("A"))
	assert.True(t, schema.HasNode("B"))
}

func TestApplyBulk_ProgressCallback(t *testing.T) {
	schema, state := newPair()
	r := New(DefaultOptions())

	payloads := make([]Payload, 150)
	for i := range payloads {
		payloads[i] = NodeCreate{NodeID: string(rune('a' + i%26)) + string(rune(i)), NodeType: "Parts"}
	}

	var calls []int
	r.ApplyBulk(context.Background(), schema, state, 1, payloads, func(done, total int) {
		calls = append(calls, done)
	})
	assert.Equal(t, []int{100, 150}, calls)
}
