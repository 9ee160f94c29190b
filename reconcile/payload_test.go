package reconcile

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePayload_NodeCreate(t *testing.T) {
	raw := json.RawMessage(`{"node_id":"A","node_type":"Parts","properties":{"color":"red"}}`)
	p, err := DecodePayload(ActionCreate, raw)
	require.NoError(t, err)
	nc, ok := p.(NodeCreate)
	require.True(t, ok)
	assert.Equal(t, "A", nc.NodeID)
	assert.Equal(t, "Parts", nc.NodeType)
}

func TestDecodePayload_NodeCreateMissingType(t *testing.T) {
	raw := json.RawMessage(`{"node_id":"A"}`)
	_, err := DecodePayload(ActionCreate, raw)
	require.Error(t, err)
}

func TestDecodePayload_EdgeCreate(t *testing.T) {
	raw := json.RawMessage(`{"source_id":"A","target_id":"B","edge_type":"contains"}`)
	p, err := DecodePayload(ActionCreate, raw)
	require.NoError(t, err)
	ec, ok := p.(EdgeCreate)
	require.True(t, ok)
	assert.Equal(t, "A", ec.SourceID)
	assert.Equal(t, "B", ec.TargetID)
}

func TestDecodePayload_EdgeDeleteOptionalType(t *testing.T) {
	raw := json.RawMessage(`{"source_id":"A","target_id":"B"}`)
	p, err := DecodePayload(ActionDelete, raw)
	require.NoError(t, err)
	ed, ok := p.(EdgeDelete)
	require.True(t, ok)
	assert.False(t, ed.HasEdgeType)

	raw2 := json.RawMessage(`{"source_id":"A","target_id":"B","edge_type":"contains"}`)
	p2, err := DecodePayload(ActionDelete, raw2)
	require.NoError(t, err)
	ed2 := p2.(EdgeDelete)
	assert.True(t, ed2.HasEdgeType)
	assert.Equal(t, "contains", ed2.EdgeType)
}

func TestDecodePayload_NeitherShape(t *testing.T) {
	raw := json.RawMessage(`{"foo":"bar"}`)
	_, err := DecodePayload(ActionCreate, raw)
	require.Error(t, err)
}

func TestDecodePayload_DirectCreateBypassesSniffing(t *testing.T) {
	raw := json.RawMessage(`{"directed":true,"nodes":[],"links":[]}`)
	p, err := DecodePayload(ActionDirectCreate, raw)
	require.NoError(t, err)
	_, ok := p.(DirectCreate)
	assert.True(t, ok)
}
