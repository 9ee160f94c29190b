package audit

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoltLog_AppendAndList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	log, err := OpenBoltLog(path)
	require.NoError(t, err)
	defer log.Close()

	require.NoError(t, log.Append(Record{Version: "v1", Timestamp: 1, Action: "create", Type: "schema", Outcome: "applied"}))
	require.NoError(t, log.Append(Record{Version: "v1", Timestamp: 2, Action: "update", Type: "schema", Outcome: "failed", Error: "missing node"}))

	records, err := log.Records()
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestBoltLog_AppendAssignsID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	log, err := OpenBoltLog(path)
	require.NoError(t, err)
	defer log.Close()

	require.NoError(t, log.Append(Record{Version: "v1"}))
	records, err := log.Records()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.NotEmpty(t, records[0].ID)
}

func TestBoltLog_AppendSameIDOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	log, err := OpenBoltLog(path)
	require.NoError(t, err)
	defer log.Close()

	require.NoError(t, log.Append(Record{ID: "fixed", Outcome: "applied"}))
	require.NoError(t, log.Append(Record{ID: "fixed", Outcome: "applied"}))

	records, err := log.Records()
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestNullLog_DiscardsSilently(t *testing.T) {
	var log Log = NullLog{}
	assert.NoError(t, log.Append(Record{Version: "v1"}))
}
