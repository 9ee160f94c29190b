package reconcile

import (
	"sort"

	"github.com/google/uuid"

	"github.com/thecodizt/graphmutate/codec"
	"github.com/thecodizt/graphmutate/graph"
)

// defaultValiditySeconds is the fallback validity window (one year, in
// seconds) applied when a schema node carries units_in_chain but no
// explicit expiry offset.
const defaultValiditySeconds = 31536000

// reconcileInstances implements Instance Reconciliation (I2): it makes
// the count of state-graph instances whose parent_id equals parentID
// equal to targetCount, creating or FIFO-evicting as needed. createdAt
// is the event timestamp stamped onto any newly created instance;
// expirySeconds is the schema node's expiry property and hasExpiry
// reports whether it was present (when absent, defaultValiditySeconds
// is used).
func reconcileInstances(state *graph.Graph, parentID, nodeType string, targetCount int, createdAt int64, expirySeconds int64, hasExpiry bool) {
	validity := int64(defaultValiditySeconds)
	if hasExpiry {
		validity = expirySeconds
	}
	validTo := createdAt + validity

	current := instancesOf(state, parentID)
	c := len(current)

	switch {
	case c == targetCount:
		return
	case c < targetCount:
		for i := 0; i < targetCount-c; i++ {
			id := uuid.NewString()
			state.UpsertNode(id, nodeType, map[string]interface{}{
				"parent_id":  parentID,
				"valid_from": createdAt,
				"valid_to":   validTo,
			}, createdAt, createdAt, false)
		}
	default:
		sortForEviction(current)
		for _, inst := range current[:c-targetCount] {
			state.RemoveNode(inst.ID)
		}
	}
}

// instancesOf returns every state-graph node whose parent_id property
// equals parentID, in the graph's stable node order.
func instancesOf(state *graph.Graph, parentID string) []*graph.Node {
	var out []*graph.Node
	for _, n := range state.Nodes() {
		if pid, ok := n.Properties["parent_id"].(string); ok && pid == parentID {
			out = append(out, n)
		}
	}
	return out
}

// sortForEviction orders instances ascending by (valid_to, created_at,
// instance_id) — the order in which FIFO eviction removes them. An
// absent valid_to sorts as if it were created_at, per §4.4.
func sortForEviction(instances []*graph.Node) {
	sort.SliceStable(instances, func(i, j int) bool {
		a, b := instances[i], instances[j]
		avt, bvt := validToOrCreatedAt(a), validToOrCreatedAt(b)
		if avt != bvt {
			return avt < bvt
		}
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt < b.CreatedAt
		}
		return a.ID < b.ID
	})
}

func validToOrCreatedAt(n *graph.Node) int64 {
	if v, ok := n.Properties["valid_to"]; ok {
		return codec.ToInt64(v)
	}
	return n.CreatedAt
}
