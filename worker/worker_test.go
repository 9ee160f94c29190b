package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/thecodizt/graphmutate/audit"
	"github.com/thecodizt/graphmutate/monitor"
	"github.com/thecodizt/graphmutate/queue"
	"github.com/thecodizt/graphmutate/reconcile"
	"github.com/thecodizt/graphmutate/store"
)

func newTestWorker(t *testing.T) (*Worker, *queue.Queue, *store.Store) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	q := queue.NewWithClient(client, "test:")

	s := store.New(t.TempDir())
	r := reconcile.New(reconcile.Options{EdgeRetryAttempts: 1, EdgeRetryBackoff: time.Millisecond})
	m := monitor.New()

	w := New(q, s, r, m, audit.NullLog{}, Config{TakeTimeout: 10 * time.Millisecond, PoisonThreshold: 2})
	return w, q, s
}

func TestProcessItem_NodeCreateAppliesAndPersists(t *testing.T) {
	w, q, s := newTestWorker(t)
	ctx := context.Background()

	item := []byte(`{"action":"create","version":"v1","timestamp":10,"payload":{"node_id":"A","node_type":"Plant","properties":{}}}`)
	require.NoError(t, q.Push(ctx, item))

	taken, ok, err := q.Take(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	w.processItem(ctx, taken)

	schema, err := s.LoadSchema("v1")
	require.NoError(t, err)
	require.True(t, schema.HasNode("A"))

	length, err := q.Length(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, length)
}

func TestProcessItem_MalformedEnvelopeIsAckedAndDropped(t *testing.T) {
	w, q, _ := newTestWorker(t)
	ctx := context.Background()

	item := []byte(`not-json`)
	require.NoError(t, q.Push(ctx, item))
	taken, ok, err := q.Take(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	w.processItem(ctx, taken)

	length, err := q.Length(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, length)
}

func TestProcessItem_MissingNodeRequeuesThenPoisonsAfterThreshold(t *testing.T) {
	w, q, _ := newTestWorker(t)
	ctx := context.Background()

	item := []byte(`{"action":"update","version":"v1","timestamp":1,"payload":{"node_id":"ghost","properties":{"x":1}}}`)
	require.NoError(t, q.Push(ctx, item))

	for attempt := 0; attempt < w.cfg.PoisonThreshold; attempt++ {
		taken, ok, err := q.Take(ctx, time.Second)
		require.NoError(t, err)
		require.True(t, ok, "attempt %d", attempt)
		w.processItem(ctx, taken)
	}

	// After PoisonThreshold consecutive failures the item should be
	// poisoned (acked, not requeued) rather than sitting in pending.
	length, err := q.Length(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, length)
}

func TestProcessItem_ArchivesOnTimestampAdvance(t *testing.T) {
	w, q, s := newTestWorker(t)
	ctx := context.Background()

	first := []byte(`{"action":"create","version":"v1","timestamp":100,"payload":{"node_id":"A","node_type":"Plant","properties":{}}}`)
	require.NoError(t, q.Push(ctx, first))
	taken, ok, err := q.Take(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	w.processItem(ctx, taken)

	timestamps, err := s.ArchiveTimestamps("v1")
	require.NoError(t, err)
	require.Equal(t, []int64{100}, timestamps)

	// Same timestamp again: no new archive entry, but the existing one
	// must be overwritten to reflect both mutations applied at it.
	second := []byte(`{"action":"create","version":"v1","timestamp":100,"payload":{"node_id":"B","node_type":"Plant","properties":{}}}`)
	require.NoError(t, q.Push(ctx, second))
	taken, ok, err = q.Take(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	w.processItem(ctx, taken)

	timestamps, err = s.ArchiveTimestamps("v1")
	require.NoError(t, err)
	require.Equal(t, []int64{100}, timestamps)

	archivedSchema, _, err := s.ReadArchive("v1", 100)
	require.NoError(t, err)
	require.True(t, archivedSchema.HasNode("A"), "archive at t=100 must still reflect the first mutation")
	require.True(t, archivedSchema.HasNode("B"), "archive at t=100 must be overwritten to include the second mutation")

	// Timestamp advances: a new archive entry appears.
	third := []byte(`{"action":"create","version":"v1","timestamp":200,"payload":{"node_id":"C","node_type":"Plant","properties":{}}}`)
	require.NoError(t, q.Push(ctx, third))
	taken, ok, err = q.Take(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	w.processItem(ctx, taken)

	timestamps, err = s.ArchiveTimestamps("v1")
	require.NoError(t, err)
	require.Equal(t, []int64{100, 200}, timestamps)
}

func TestProcessItem_BulkCreateAppliesAllAndSurvivesPartialFailure(t *testing.T) {
	w, q, s := newTestWorker(t)
	ctx := context.Background()

	item := []byte(`{"action":"bulk_create","version":"v1","timestamp":1,"payload":[` +
		`{"node_id":"A","node_type":"Plant","properties":{}},` +
		`{"node_id":"","node_type":"Plant","properties":{}},` +
		`{"node_id":"B","node_type":"Plant","properties":{}}]}`)
	require.NoError(t, q.Push(ctx, item))
	taken, ok, err := q.Take(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	w.processItem(ctx, taken)

	schema, err := s.LoadSchema("v1")
	require.NoError(t, err)
	require.True(t, schema.HasNode("A"))
	require.True(t, schema.HasNode("B"))

	length, err := q.Length(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, length)
}

func TestRun_RecoversInFlightAtStartup(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	q := queue.NewWithClient(client, "test:")

	ctx := context.Background()
	item := []byte(`{"action":"create","version":"v1","timestamp":1,"payload":{"node_id":"A","node_type":"Plant","properties":{}}}`)
	require.NoError(t, q.Push(ctx, item))

	// Simulate a crashed worker: the item made it to in-flight but was
	// never acked or requeued.
	_, ok, err := q.Take(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	root := t.TempDir()
	s := store.New(root)
	r := reconcile.New(reconcile.DefaultOptions())
	m := monitor.New()
	w := New(q, s, r, m, audit.NullLog{}, Config{TakeTimeout: 10 * time.Millisecond, PoisonThreshold: 2})

	runCtx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = w.Run(runCtx)

	schema, err := s.LoadSchema("v1")
	require.NoError(t, err)
	require.True(t, schema.HasNode("A"))

	_, err = os.Stat(filepath.Join(root, "v1", "live_schema.json"))
	require.NoError(t, err)
}
