package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/thecodizt/graphmutate/graph"
)

// Archive is the schema-aware compressed encoding used for archive
// snapshots. It factors the property-key set by node_type and
// relationship_type so that repeated records of the same type don't
// repeat their keys, grounded on original_source's
// compress_graph_json/decompress_graph_json.
type Archive struct {
	Directed          bool                     `json:"directed"`
	Multigraph        bool                     `json:"multigraph"`
	Graph             map[string]interface{}   `json:"graph"`
	NodeTypes         map[string][]string      `json:"node_types"`
	NodeValues        map[string][][]interface{} `json:"node_values"`
	RelationshipTypes map[string][]string      `json:"relationship_types"`
	LinkValues        [][]interface{}          `json:"link_values"`
}

// Compress builds the factored archive form from g. The key list for
// a given node_type (or relationship_type) is fixed by the first
// record of that type encountered; later records of the same type
// that carry additional keys not in that first list have those extra
// keys silently dropped — the same behavior as the original
// implementation, which assumes uniform property sets within a type.
// This holds for schema/state graphs produced by this engine, since
// reconciliation always stamps the same property set per type.
func Compress(g *graph.Graph) (*Archive, error) {
	a := &Archive{
		Directed:          g.Directed,
		Multigraph:        g.Multigraph,
		Graph:             g.GraphProps,
		NodeTypes:         make(map[string][]string),
		NodeValues:        make(map[string][][]interface{}),
		RelationshipTypes: make(map[string][]string),
	}
	if a.Graph == nil {
		a.Graph = map[string]interface{}{}
	}

	for _, n := range g.Nodes() {
		record := map[string]interface{}{
			"id":         n.ID,
			"node_type":  n.NodeType,
			"created_at": n.CreatedAt,
			"updated_at": n.UpdatedAt,
		}
		for k, v := range n.Properties {
			record[k] = v
		}

		keys, ok := a.NodeTypes[n.NodeType]
		if !ok {
			keys = nodeRecordKeys(record)
			a.NodeTypes[n.NodeType] = keys
		}

		values := make([]interface{}, len(keys))
		for i, k := range keys {
			values[i] = record[k]
		}
		a.NodeValues[n.NodeType] = append(a.NodeValues[n.NodeType], values)
	}

	for _, e := range g.Edges() {
		record := map[string]interface{}{
			"relationship_type": e.RelationshipType,
			"source":            e.Source,
			"target":            e.Target,
		}
		for k, v := range e.Properties {
			record[k] = v
		}

		keys, ok := a.RelationshipTypes[e.RelationshipType]
		if !ok {
			keys = linkRecordKeys(record)
			a.RelationshipTypes[e.RelationshipType] = keys
		}

		values := make([]interface{}, len(keys))
		for i, k := range keys {
			values[i] = record[k]
		}
		a.LinkValues = append(a.LinkValues, values)
	}

	return a, nil
}

// Decompress reverses Compress, producing an equivalent Graph. Node
// and link order will generally differ from the graph that was
// compressed (records are grouped by type), but the set of nodes and
// edges, and their properties, are preserved — satisfying the
// round-trip law up to ordering.
func Decompress(a *Archive) (*graph.Graph, error) {
	g := graph.New()
	g.Directed = a.Directed
	g.Multigraph = a.Multigraph
	if a.Graph != nil {
		g.GraphProps = a.Graph
	}

	for nodeType, keys := range a.NodeTypes {
		for _, values := range a.NodeValues[nodeType] {
			if len(values) != len(keys) {
				return nil, wrapCodecError("decompress", fmt.Errorf("node type %q: %d keys but %d values", nodeType, len(keys), len(values)))
			}
			record := make(map[string]interface{}, len(keys))
			for i, k := range keys {
				record[k] = values[i]
			}

			id, ok := stringField(record, "id")
			if !ok {
				return nil, wrapCodecError("decompress", fmt.Errorf("node type %q: record missing id", nodeType))
			}
			createdAt := int64Field(record, "created_at")
			updatedAt := int64Field(record, "updated_at")
			props := copyExcept(record, "id", "node_type", "created_at", "updated_at")
			g.UpsertNode(id, nodeType, props, createdAt, updatedAt, false)
		}
	}

	for i, values := range a.LinkValues {
		if len(values) == 0 {
			return nil, wrapCodecError("decompress", fmt.Errorf("link %d: empty value array", i))
		}
		relType, ok := values[0].(string)
		if !ok {
			return nil, wrapCodecError("decompress", fmt.Errorf("link %d: first value is not a relationship type string", i))
		}
		keys, ok := a.RelationshipTypes[relType]
		if !ok {
			return nil, wrapCodecError("decompress", fmt.Errorf("link %d: unknown relationship type %q", i, relType))
		}
		if len(values) != len(keys) {
			return nil, wrapCodecError("decompress", fmt.Errorf("relationship type %q: %d keys but %d values", relType, len(keys), len(values)))
		}
		record := make(map[string]interface{}, len(keys))
		for j, k := range keys {
			record[k] = values[j]
		}

		source, ok := stringField(record, "source")
		if !ok {
			return nil, wrapCodecError("decompress", fmt.Errorf("link %d: missing source", i))
		}
		target, ok := stringField(record, "target")
		if !ok {
			return nil, wrapCodecError("decompress", fmt.Errorf("link %d: missing target", i))
		}
		props := copyExcept(record, "source", "target", "relationship_type")
		g.UpsertEdge(source, target, relType, props, false)
	}

	return g, nil
}

// nodeRecordKeys returns a deterministic key order for a node record:
// the fixed fields first, then any remaining properties sorted
// lexically.
func nodeRecordKeys(record map[string]interface{}) []string {
	keys := []string{"id", "node_type", "created_at", "updated_at"}
	return append(keys, sortedRemaining(record, keys)...)
}

// linkRecordKeys returns a deterministic key order for a link record
// with relationship_type forced first, so that a decoder can read
// values[0] to discover the type before it knows the rest of the key
// list — exactly what Decompress does.
func linkRecordKeys(record map[string]interface{}) []string {
	keys := []string{"relationship_type", "source", "target"}
	return append(keys, sortedRemaining(record, keys)...)
}

func sortedRemaining(record map[string]interface{}, already []string) []string {
	skip := make(map[string]bool, len(already))
	for _, k := range already {
		skip[k] = true
	}
	remaining := make(map[string]interface{})
	for k, v := range record {
		if !skip[k] {
			remaining[k] = v
		}
	}
	return sortedKeys(remaining)
}

// MarshalJSON and the corresponding Unmarshal are handled by the
// struct's json tags directly; this indirection exists only so that
// callers that need raw bytes don't need to import encoding/json
// themselves.

// EncodeArchive serializes a to JSON bytes.
func EncodeArchive(a *Archive) ([]byte, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, wrapCodecError("encode archive", err)
	}
	return data, nil
}

// DecodeArchive parses archive JSON bytes.
func DecodeArchive(data []byte) (*Archive, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var a Archive
	if err := dec.Decode(&a); err != nil {
		return nil, wrapCodecError("decode archive", err)
	}
	return &a, nil
}
