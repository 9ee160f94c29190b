// Package worker drives the single-consumer processing loop (§4.3):
// take one envelope off the durable queue, apply it against its
// version's (schema, state) graph pair under the version's file lock,
// persist the result, and ack or requeue. It is a generalization of
// the teacher's Pool/Worker down to exactly one consumer — this engine
// requires strict per-version ordering, which a pool of concurrent
// workers pulling from the same queue cannot guarantee.
package worker

import (
	"context"
	"time"

	"github.com/thecodizt/graphmutate/audit"
	"github.com/thecodizt/graphmutate/graph"
	"github.com/thecodizt/graphmutate/logging"
	"github.com/thecodizt/graphmutate/metrics"
	"github.com/thecodizt/graphmutate/monitor"
	"github.com/thecodizt/graphmutate/queue"
	"github.com/thecodizt/graphmutate/reconcile"
	"github.com/thecodizt/graphmutate/store"
)

// Config tunes the worker loop.
type Config struct {
	// TakeTimeout bounds how long Take waits for a queued item before
	// the loop re-checks ctx and tries again.
	TakeTimeout time.Duration
	// PoisonThreshold is the number of consecutive requeue-eligible
	// failures an item tolerates (keyed by its own byte content)
	// before the worker gives up and acks it as poison instead of
	// requeuing it forever (§7's "requeue once; if still failing
	// after a small bounded number of retries, poison").
	PoisonThreshold int
}

// DefaultConfig returns the tuning named in the source.
func DefaultConfig() Config {
	return Config{TakeTimeout: 5 * time.Second, PoisonThreshold: 3}
}

// Worker wires together the queue, store, reconciler, monitor, and
// audit log into the processing loop. It holds no graph state of its
// own between items — everything is loaded, mutated, and persisted
// within the scope of a single item under that item's version lock.
type Worker struct {
	queue      *queue.Queue
	store      *store.Store
	reconciler *reconcile.Reconciler
	monitor    *monitor.Monitor
	audit      audit.Log
	cfg        Config

	logger *logging.ContextLogger

	// consecutiveFailures tracks retryable failures per raw item
	// (keyed by its exact bytes, since Requeue hands back the same
	// bytes it was given) so a poisoned item doesn't loop forever.
	consecutiveFailures map[string]int
}

// New constructs a Worker. auditLog may be audit.NullLog{} if durable
// auditing isn't wanted.
func New(q *queue.Queue, s *store.Store, r *reconcile.Reconciler, m *monitor.Monitor, auditLog audit.Log, cfg Config) *Worker {
	if cfg.TakeTimeout <= 0 {
		cfg.TakeTimeout = 5 * time.Second
	}
	if cfg.PoisonThreshold <= 0 {
		cfg.PoisonThreshold = 3
	}
	return &Worker{
		queue:               q,
		store:               s,
		reconciler:          r,
		monitor:             m,
		audit:               auditLog,
		cfg:                 cfg,
		logger:              logging.NewContextLogger(logging.Logger, map[string]interface{}{"component": "worker"}),
		consecutiveFailures: make(map[string]int),
	}
}

// Run recovers any in-flight item left by a crashed prior worker, then
// loops taking and processing items until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	recovered, err := w.queue.RecoverInFlight(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		w.logger.WithField("count", recovered).Info("recovered in-flight items from a prior run")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		w.sampleQueueDepth(ctx)

		item, ok, err := w.queue.Take(ctx, w.cfg.TakeTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.WithError(err).Error("take failed")
			continue
		}
		if !ok {
			continue
		}

		w.processItem(ctx, item)
	}
}

// sampleQueueDepth reports the current pending-list length, by
// version, to the QueueDepth gauge. Failures are logged and otherwise
// ignored — a missed sample isn't worth interrupting the loop for.
func (w *Worker) sampleQueueDepth(ctx context.Context) {
	counts, err := w.queue.LengthByVersion(ctx)
	if err != nil {
		w.logger.WithError(err).Warn("failed to sample queue depth")
		return
	}
	metrics.QueueDepth.Reset()
	for version, n := range counts {
		metrics.QueueDepth.WithLabelValues(version).Set(float64(n))
	}
}

// processItem applies one raw queued envelope to completion: decode,
// lock, load, reconcile, persist, and ack/requeue/poison. It never
// propagates an error to the caller — an undecodable envelope is
// dropped, and every other failure is either retried via requeue or
// terminated via poison; all three are logged and audited.
func (w *Worker) processItem(ctx context.Context, item []byte) {
	env, err := reconcile.DecodeEnvelope(item)
	if err != nil {
		w.logger.WithError(err).Warn("dropping malformed envelope")
		w.recordAudit(audit.Record{Outcome: "dropped", Payload: string(item), Error: err.Error()})
		_ = w.queue.Ack(ctx, item)
		delete(w.consecutiveFailures, string(item))
		return
	}

	itemLogger := w.logger.WithFields(map[string]interface{}{
		"version":   env.Version,
		"action":    string(env.Action),
		"timestamp": env.Timestamp,
	})

	applyErr := logging.LogOperation(itemLogger, "apply_envelope", func() error {
		return w.apply(ctx, env, itemLogger)
	})

	if applyErr != nil {
		w.handleFailure(ctx, env, item, applyErr, itemLogger)
		return
	}

	_ = w.queue.Ack(ctx, item)
	delete(w.consecutiveFailures, string(item))
	metrics.MutationsTotal.WithLabelValues(string(env.Action), "applied").Inc()
}

// apply runs the full lock-load-reconcile-persist sequence for one
// envelope. Returning an error leaves the queue item untouched — the
// caller decides requeue vs. poison.
func (w *Worker) apply(ctx context.Context, env *reconcile.Envelope, itemLogger *logging.ContextLogger) error {
	lock, err := w.store.Lock(env.Version)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	schema, err := w.store.LoadSchema(env.Version)
	if err != nil {
		return err
	}
	state, err := w.store.LoadState(env.Version)
	if err != nil {
		return err
	}

	w.monitor.Start(env.Version, env.Timestamp, string(env.Action))
	defer func() {
		w.monitor.Clear(env.Version)
		metrics.ProcessingVersions.Set(float64(w.monitor.GetStats().ActiveVersions))
	}()
	metrics.ProcessingVersions.Set(float64(w.monitor.GetStats().ActiveVersions))

	reconcileTimer := metrics.NewTimer()
	if err := w.reconcileEnvelope(ctx, env, schema, state, itemLogger); err != nil {
		return err
	}
	reconcileTimer.ObserveDurationVec(metrics.ReconcileDuration, string(env.Action))

	persistTimer := metrics.NewTimer()
	if err := w.store.PersistLive(env.Version, schema, state); err != nil {
		return err
	}
	persistTimer.ObserveDurationVec(metrics.PersistDuration, "live")

	// Re-save the archive at env.Timestamp unconditionally: a later
	// mutation sharing the same timestamp must overwrite the earlier
	// snapshot so the archive always reflects every mutation applied so
	// far at that timestamp, not just the first one.
	archiveTimer := metrics.NewTimer()
	if err := w.store.ArchiveSnapshot(env.Version, env.Timestamp, schema, state); err != nil {
		return err
	}
	archiveTimer.ObserveDurationVec(metrics.PersistDuration, "archive")

	w.recordAudit(audit.Record{
		Version:   env.Version,
		Timestamp: env.Timestamp,
		Action:    string(env.Action),
		Type:      string(env.Type),
		Payload:   string(env.Payload),
		Outcome:   "applied",
	})
	return nil
}

// reconcileEnvelope decodes and applies env's payload(s) against
// schema/state. A bulk envelope is considered applied once every item
// has run, whether or not individual items failed: §5's per-item
// success/error breakdown is a property of the synchronous submission
// API, not of this queue-driven path, and re-running a batch whose
// successful items already merged into the graph would double-apply
// them. Items that fail while being applied are logged and audited
// individually; items that fail to decode are logged and skipped.
func (w *Worker) reconcileEnvelope(ctx context.Context, env *reconcile.Envelope, schema, state *graph.Graph, itemLogger *logging.ContextLogger) error {
	if !env.Action.IsBulk() {
		payload, err := reconcile.DecodePayload(env.Action, env.Payload)
		if err != nil {
			return err
		}
		return w.reconciler.Apply(ctx, schema, state, env.Timestamp, payload)
	}

	rawItems, err := env.BulkItems()
	if err != nil {
		return err
	}

	payloads := make([]reconcile.Payload, 0, len(rawItems))
	rawByPayloadIndex := make([][]byte, 0, len(rawItems))
	for i, raw := range rawItems {
		payload, err := reconcile.DecodePayload(env.Action.Singular(), raw)
		if err != nil {
			itemLogger.WithFields(map[string]interface{}{"index": i}).WithError(err).Warn("bulk item failed to decode, skipping")
			continue
		}
		payloads = append(payloads, payload)
		rawByPayloadIndex = append(rawByPayloadIndex, raw)
	}

	bulkStart := time.Now()
	results := w.reconciler.ApplyBulk(ctx, schema, state, env.Timestamp, payloads, func(done, total int) {
		elapsed := time.Since(bulkStart).Seconds()
		rate := 0.0
		if elapsed > 0 {
			rate = float64(done) / elapsed
		}
		itemLogger.WithFields(map[string]interface{}{
			"done":             done,
			"total":            total,
			"items_per_second": rate,
		}).Info("bulk progress")
	})

	failures := 0
	for _, res := range results {
		if res.Error != nil {
			failures++
			itemLogger.WithFields(map[string]interface{}{"index": res.Index}).WithError(res.Error).Warn("bulk item failed")
			w.recordAudit(audit.Record{
				Version:   env.Version,
				Timestamp: env.Timestamp,
				Action:    string(env.Action.Singular()),
				Type:      string(env.Type),
				Payload:   string(rawByPayloadIndex[res.Index]),
				Outcome:   "failed",
				Error:     res.Error.Error(),
			})
		}
	}
	if failures > 0 {
		itemLogger.WithFields(map[string]interface{}{"failed": failures, "total": len(results)}).Warn("bulk batch completed with item failures")
	}
	return nil
}

// handleFailure decides whether a failed item gets requeued for
// another attempt or poisoned (acked without success, so it stops
// consuming queue capacity) per §7's error taxonomy: retryable
// failures (missing node/endpoint/edge, a transient store write
// error) get a bounded number of attempts; anything else is poisoned
// immediately since retrying it can never succeed.
func (w *Worker) handleFailure(ctx context.Context, env *reconcile.Envelope, item []byte, err error, itemLogger *logging.ContextLogger) {
	metrics.MutationsTotal.WithLabelValues(string(env.Action), "failed").Inc()
	w.recordAudit(audit.Record{
		Version:   env.Version,
		Timestamp: env.Timestamp,
		Action:    string(env.Action),
		Type:      string(env.Type),
		Payload:   string(env.Payload),
		Outcome:   "failed",
		Error:     err.Error(),
	})

	if !isRetryable(err) {
		itemLogger.WithError(err).Error("non-retryable failure, poisoning item")
		w.poison(ctx, env, item, err, itemLogger)
		return
	}

	key := string(item)
	w.consecutiveFailures[key]++
	if w.consecutiveFailures[key] >= w.cfg.PoisonThreshold {
		itemLogger.WithFields(map[string]interface{}{"attempts": w.consecutiveFailures[key]}).Error("exhausted retries, poisoning item")
		w.poison(ctx, env, item, err, itemLogger)
		delete(w.consecutiveFailures, key)
		return
	}

	itemLogger.WithFields(map[string]interface{}{"attempts": w.consecutiveFailures[key]}).WithError(err).Warn("requeuing after failure")
	if requeueErr := w.queue.Requeue(ctx, item); requeueErr != nil {
		itemLogger.WithError(requeueErr).Error("requeue itself failed")
	}
}

// poison acks the item without success, removing it from the queue
// permanently, and records the outcome.
func (w *Worker) poison(ctx context.Context, env *reconcile.Envelope, item []byte, cause error, itemLogger *logging.ContextLogger) {
	metrics.MutationsTotal.WithLabelValues(string(env.Action), "poison").Inc()
	w.recordAudit(audit.Record{
		Version:   env.Version,
		Timestamp: env.Timestamp,
		Action:    string(env.Action),
		Type:      string(env.Type),
		Payload:   string(env.Payload),
		Outcome:   "poison",
		Error:     cause.Error(),
	})
	if err := w.queue.Ack(ctx, item); err != nil {
		itemLogger.WithError(err).Error("failed to ack poisoned item")
	}
}

// isRetryable reports whether err represents a transient condition
// worth another attempt (a dependency not yet present, a storage
// hiccup) as opposed to one that will never resolve on its own
// (malformed input, an unrecognized payload shape).
func isRetryable(err error) bool {
	switch err.(type) {
	case *reconcile.MissingNode, *reconcile.MissingEndpoint, *reconcile.MissingEdge:
		return true
	case *store.WriteError:
		return true
	case *queue.BackendError:
		return true
	default:
		return false
	}
}

func (w *Worker) recordAudit(record audit.Record) {
	if w.audit == nil {
		return
	}
	if err := w.audit.Append(record); err != nil {
		w.logger.WithError(err).Warn("audit append failed")
	}
}
