package reconcile

import "fmt"

// MissingNode is returned when a payload references a schema node_id
// that does not exist in G_S (node update, node delete). A missing
// edge endpoint is reported as MissingEndpoint instead.
type MissingNode struct {
	NodeID string
}

func (e *MissingNode) Error() string { return fmt.Sprintf("missing node: %s", e.NodeID) }

// MissingEndpoint is returned by edge create when one of the two
// endpoint node IDs does not exist in G_S.
type MissingEndpoint struct {
	NodeID string
}

func (e *MissingEndpoint) Error() string { return fmt.Sprintf("missing edge endpoint: %s", e.NodeID) }

// MissingEdge is returned by edge update (after exhausting its retry
// budget) and edge delete when the ordered (source, target) pair has
// no edge in G_S.
type MissingEdge struct {
	Source, Target string
}

func (e *MissingEdge) Error() string {
	return fmt.Sprintf("missing edge: %s->%s", e.Source, e.Target)
}

// DuplicateNode is reserved for a strict mode that rejects node
// creates against an existing node_id instead of merging. This
// engine's chosen semantics (merge, for replay safety) never
// construct one — it exists to satisfy the documented error taxonomy
// for implementations that want strict mode.
type DuplicateNode struct {
	NodeID string
}

func (e *DuplicateNode) Error() string { return fmt.Sprintf("duplicate node: %s", e.NodeID) }

// MalformedPayload is returned when an envelope or payload fails
// structural validation at the boundary: wrong JSON shape, an empty
// bulk array, a non-object single payload.
type MalformedPayload struct {
	Reason string
}

func (e *MalformedPayload) Error() string { return fmt.Sprintf("malformed payload: %s", e.Reason) }

// MissingVersion is returned when an envelope has no version field.
type MissingVersion struct{}

func (e *MissingVersion) Error() string { return "missing version" }
