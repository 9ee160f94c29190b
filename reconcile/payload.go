package reconcile

import (
	"encoding/json"
	"fmt"
)

// Action is the top-level operation named by an envelope.
type Action string

const (
	ActionCreate       Action = "create"
	ActionUpdate       Action = "update"
	ActionDelete       Action = "delete"
	ActionBulkCreate   Action = "bulk_create"
	ActionBulkUpdate   Action = "bulk_update"
	ActionBulkDelete   Action = "bulk_delete"
	ActionDirectCreate Action = "direct_create"
)

// IsBulk reports whether the action carries a list of sub-payloads.
func (a Action) IsBulk() bool {
	switch a {
	case ActionBulkCreate, ActionBulkUpdate, ActionBulkDelete:
		return true
	default:
		return false
	}
}

// Singular returns the non-bulk action that governs how each item of
// a bulk payload is decoded and applied.
func (a Action) Singular() Action {
	switch a {
	case ActionBulkCreate:
		return ActionCreate
	case ActionBulkUpdate:
		return ActionUpdate
	case ActionBulkDelete:
		return ActionDelete
	default:
		return a
	}
}

// TargetType selects which coupled graph a payload targets.
type TargetType string

const (
	TargetSchema TargetType = "schema"
	TargetState  TargetType = "state"
)

// Envelope is the request wrapper submitted by producers (§6.1). Its
// Payload is left as raw JSON until DecodePayload discriminates the
// concrete variant, since that decision depends on both Action and
// the fields actually present in the payload.
type Envelope struct {
	Action    Action          `json:"action"`
	Type      TargetType      `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Version   string          `json:"version"`
	Payload   json.RawMessage `json:"payload"`
}

// DecodeEnvelope parses and structurally validates a queued item per
// §6.1: bulk actions require a non-empty array payload, non-bulk
// actions require a non-empty object payload, timestamp must be
// non-negative, and version must be present.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &MalformedPayload{Reason: err.Error()}
	}

	if env.Version == "" {
		return nil, &MissingVersion{}
	}
	if env.Timestamp < 0 {
		return nil, &MalformedPayload{Reason: "timestamp must be non-negative"}
	}

	trimmed := trimSpace(env.Payload)
	switch {
	case env.Action.IsBulk():
		if len(trimmed) == 0 || trimmed[0] != '[' {
			return nil, &MalformedPayload{Reason: "bulk action requires an array payload"}
		}
		var items []json.RawMessage
		if err := json.Unmarshal(env.Payload, &items); err != nil {
			return nil, &MalformedPayload{Reason: err.Error()}
		}
		if len(items) == 0 {
			return nil, &MalformedPayload{Reason: "bulk payload must not be empty"}
		}
	default:
		if len(trimmed) == 0 || trimmed[0] != '{' {
			return nil, &MalformedPayload{Reason: "non-bulk action requires an object payload"}
		}
		var obj map[string]interface{}
		if err := json.Unmarshal(env.Payload, &obj); err != nil {
			return nil, &MalformedPayload{Reason: err.Error()}
		}
		if len(obj) == 0 {
			return nil, &MalformedPayload{Reason: "payload must not be empty"}
		}
	}

	return &env, nil
}

// BulkItems splits a bulk envelope's payload array into its raw
// sub-payloads, in list order.
func (env *Envelope) BulkItems() ([]json.RawMessage, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(env.Payload, &items); err != nil {
		return nil, &MalformedPayload{Reason: err.Error()}
	}
	return items, nil
}

// Payload is the common interface satisfied by every tagged mutation
// variant. It carries no behavior of its own — it exists so that
// Apply can type-switch instead of sniffing raw maps a second time.
type Payload interface {
	payloadVariant()
}

// NodeCreate is the schema node-create payload (§6.2): node_type is
// required, node_id identifies the target.
type NodeCreate struct {
	NodeID     string                 `json:"node_id"`
	NodeType   string                 `json:"node_type"`
	Properties map[string]interface{} `json:"properties"`
}

// NodeUpdate merges properties into an existing schema node.
type NodeUpdate struct {
	NodeID     string                 `json:"node_id"`
	Properties map[string]interface{} `json:"properties"`
}

// NodeDelete removes a schema node, optionally cascading to every
// node reachable from it.
type NodeDelete struct {
	NodeID  string `json:"node_id"`
	Cascade bool   `json:"cascade"`
}

// EdgeCreate inserts (or merges into) the edge for an ordered pair.
type EdgeCreate struct {
	SourceID   string                 `json:"source_id"`
	TargetID   string                 `json:"target_id"`
	EdgeType   string                 `json:"edge_type"`
	Properties map[string]interface{} `json:"properties"`
}

// EdgeUpdate merges properties into an existing edge, retrying a
// bounded number of times if the edge hasn't appeared yet.
type EdgeUpdate struct {
	SourceID   string                 `json:"source_id"`
	TargetID   string                 `json:"target_id"`
	EdgeType   string                 `json:"edge_type"`
	Properties map[string]interface{} `json:"properties"`
}

// EdgeDelete removes an edge. When EdgeType is empty, removal is
// unconditional; the HasEdgeType flag distinguishes "no type given"
// from "type given but empty string" since both parse to "".
type EdgeDelete struct {
	SourceID    string `json:"source_id"`
	TargetID    string `json:"target_id"`
	EdgeType    string `json:"edge_type"`
	HasEdgeType bool   `json:"-"`
}

// DirectCreate replaces the whole schema graph with a node-link
// document, used for bootstrap/import.
type DirectCreate struct {
	Document json.RawMessage
}

func (NodeCreate) payloadVariant()   {}
func (NodeUpdate) payloadVariant()   {}
func (NodeDelete) payloadVariant()   {}
func (EdgeCreate) payloadVariant()   {}
func (EdgeUpdate) payloadVariant()   {}
func (EdgeDelete) payloadVariant()   {}
func (DirectCreate) payloadVariant() {}

// DecodePayload discriminates the concrete Payload variant for a
// single (non-bulk, non-direct_create) item, following the source's
// rule: a node op carries node_id, an edge op carries source_id and
// target_id. DirectCreate bypasses this entirely since its envelope
// action already fully determines the shape.
func DecodePayload(action Action, raw json.RawMessage) (Payload, error) {
	if action == ActionDirectCreate {
		return DirectCreate{Document: raw}, nil
	}

	var probe struct {
		NodeID   *string `json:"node_id"`
		SourceID *string `json:"source_id"`
		TargetID *string `json:"target_id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, &MalformedPayload{Reason: err.Error()}
	}

	isEdge := probe.SourceID != nil && probe.TargetID != nil
	isNode := probe.NodeID != nil

	switch {
	case isEdge:
		return decodeEdgePayload(action, raw)
	case isNode:
		return decodeNodePayload(action, raw)
	default:
		return nil, &MalformedPayload{Reason: "payload has neither node_id nor source_id/target_id"}
	}
}

func decodeNodePayload(action Action, raw json.RawMessage) (Payload, error) {
	switch action {
	case ActionCreate:
		var p NodeCreate
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, &MalformedPayload{Reason: err.Error()}
		}
		if p.NodeID == "" {
			return nil, &MalformedPayload{Reason: "node create requires node_id"}
		}
		if p.NodeType == "" {
			return nil, &MalformedPayload{Reason: "node create requires node_type"}
		}
		return p, nil
	case ActionUpdate:
		var p NodeUpdate
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, &MalformedPayload{Reason: err.Error()}
		}
		if p.NodeID == "" {
			return nil, &MalformedPayload{Reason: "node update requires node_id"}
		}
		return p, nil
	case ActionDelete:
		var p NodeDelete
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, &MalformedPayload{Reason: err.Error()}
		}
		if p.NodeID == "" {
			return nil, &MalformedPayload{Reason: "node delete requires node_id"}
		}
		return p, nil
	default:
		return nil, &MalformedPayload{Reason: fmt.Sprintf("unsupported action for node payload: %s", action)}
	}
}

func decodeEdgePayload(action Action, raw json.RawMessage) (Payload, error) {
	switch action {
	case ActionCreate:
		var p EdgeCreate
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, &MalformedPayload{Reason: err.Error()}
		}
		if p.SourceID == "" || p.TargetID == "" {
			return nil, &MalformedPayload{Reason: "edge create requires source_id and target_id"}
		}
		return p, nil
	case ActionUpdate:
		var p EdgeUpdate
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, &MalformedPayload{Reason: err.Error()}
		}
		if p.SourceID == "" || p.TargetID == "" {
			return nil, &MalformedPayload{Reason: "edge update requires source_id and target_id"}
		}
		return p, nil
	case ActionDelete:
		var raw2 map[string]interface{}
		if err := json.Unmarshal(raw, &raw2); err != nil {
			return nil, &MalformedPayload{Reason: err.Error()}
		}
		p := EdgeDelete{}
		if v, ok := raw2["source_id"].(string); ok {
			p.SourceID = v
		}
		if v, ok := raw2["target_id"].(string); ok {
			p.TargetID = v
		}
		if v, ok := raw2["edge_type"]; ok {
			p.HasEdgeType = true
			if s, ok := v.(string); ok {
				p.EdgeType = s
			}
		}
		if p.SourceID == "" || p.TargetID == "" {
			return nil, &MalformedPayload{Reason: "edge delete requires source_id and target_id"}
		}
		return p, nil
	default:
		return nil, &MalformedPayload{Reason: fmt.Sprintf("unsupported action for edge payload: %s", action)}
	}
}

func trimSpace(b []byte) []byte {
	start := 0
	for start < len(b) && isJSONSpace(b[start]) {
		start++
	}
	end := len(b)
	for end > start && isJSONSpace(b[end-1]) {
		end--
	}
	return b[start:end]
}

func isJSONSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
