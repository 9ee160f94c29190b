// Package codec encodes and decodes the in-memory property graph
// (graph.Graph) to and from its two on-disk forms: the canonical
// node-link JSON document used for live files, and a schema-aware
// compressed archive form that factors property keys by type to
// shrink repeated records. Both are grounded on
// original_source/utils/compression.py and the node-link shape the
// original produces via networkx's node_link_data.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/thecodizt/graphmutate/graph"
)

// CodecError wraps any failure decoding a stored graph document —
// malformed JSON, a structurally inconsistent node-link document, or a
// compressed archive whose buckets don't line up. Per the error
// taxonomy, a CodecError on an archive read must not touch the live
// path: callers should skip the bad archive and continue.
type CodecError struct {
	Op  string
	Err error
}

func (e *CodecError) Error() string { return fmt.Sprintf("codec: %s: %v", e.Op, e.Err) }
func (e *CodecError) Unwrap() error { return e.Err }

func wrapCodecError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &CodecError{Op: op, Err: err}
}

// nodeLinkDoc mirrors the canonical wire shape:
// {"directed", "multigraph", "graph", "nodes": [...], "links": [...]}.
type nodeLinkDoc struct {
	Directed   bool                     `json:"directed"`
	Multigraph bool                     `json:"multigraph"`
	Graph      map[string]interface{}   `json:"graph"`
	Nodes      []map[string]interface{} `json:"nodes"`
	Links      []map[string]interface{} `json:"links"`
}

// EncodeNodeLink serializes g to the canonical node-link JSON form.
func EncodeNodeLink(g *graph.Graph) ([]byte, error) {
	doc := nodeLinkDoc{
		Directed:   g.Directed,
		Multigraph: g.Multigraph,
		Graph:      g.GraphProps,
	}
	if doc.Graph == nil {
		doc.Graph = map[string]interface{}{}
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
		doc.Nodes = append(doc.Nodes, record)
	}

	for _, e := range g.Edges() {
		record := map[string]interface{}{
			"source":            e.Source,
			"target":            e.Target,
			"relationship_type": e.RelationshipType,
		}
		for k, v := range e.Properties {
			record[k] = v
		}
		doc.Links = append(doc.Links, record)
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, wrapCodecError("encode node-link", err)
	}
	return data, nil
}

// DecodeNodeLink parses a node-link JSON document into a fresh Graph.
func DecodeNodeLink(data []byte) (*graph.Graph, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var doc nodeLinkDoc
	if err := dec.Decode(&doc); err != nil {
		return nil, wrapCodecError("decode node-link", err)
	}

	g := graph.New()
	g.Directed = doc.Directed
	g.Multigraph = doc.Multigraph
	if doc.Graph != nil {
		g.GraphProps = doc.Graph
	}

	for i, record := range doc.Nodes {
		id, ok := stringField(record, "id")
		if !ok {
			return nil, wrapCodecError("decode node-link", fmt.Errorf("node %d missing id", i))
		}
		nodeType, _ := stringField(record, "node_type")
		createdAt := int64Field(record, "created_at")
		updatedAt := int64Field(record, "updated_at")

		props := copyExcept(record, "id", "node_type", "created_at", "updated_at")
		g.UpsertNode(id, nodeType, props, createdAt, updatedAt, false)
	}

	for i, record := range doc.Links {
		source, ok := stringField(record, "source")
		if !ok {
			return nil, wrapCodecError("decode node-link", fmt.Errorf("link %d missing source", i))
		}
		target, ok := stringField(record, "target")
		if !ok {
			return nil, wrapCodecError("decode node-link", fmt.Errorf("link %d missing target", i))
		}
		relType, _ := stringField(record, "relationship_type")

		props := copyExcept(record, "source", "target", "relationship_type")
		g.UpsertEdge(source, target, relType, props, false)
	}

	return g, nil
}

func stringField(record map[string]interface{}, key string) (string, bool) {
	v, ok := record[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func int64Field(record map[string]interface{}, key string) int64 {
	v, ok := record[key]
	if !ok {
		return 0
	}
	return ToInt64(v)
}

// ToInt64 coerces a decoded JSON number (or a native Go int/int64/
// float64) into an int64. Used for any property expected to carry a
// timestamp-shaped value, whether it arrived via encoding/json
// (json.Number, thanks to UseNumber) or was set directly in memory.
func ToInt64(v interface{}) int64 {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		if err == nil {
			return i
		}
		f, _ := n.Float64()
		return int64(f)
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}

func copyExcept(record map[string]interface{}, exclude ...string) map[string]interface{} {
	skip := make(map[string]bool, len(exclude))
	for _, k := range exclude {
		skip[k] = true
	}
	out := make(map[string]interface{}, len(record))
	for k, v := range record {
		if skip[k] {
			continue
		}
		out[k] = v
	}
	return out
}

// sortedKeys returns m's keys in lexical order, used whenever a
// deterministic property key order is needed (compressed archive
// bucketing, tests).
func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
