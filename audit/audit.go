// Package audit records every applied mutation as an immutable
// Record, independent of the live graph state, via a pluggable Log
// collaborator. BoltLog is the reference implementation, built on the
// teacher's bbolt wrapper (db/bolt) unchanged; NullLog is provided for
// deployments that don't want the durability cost.
package audit

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/thecodizt/graphmutate/db/bolt"
)

// Record is one applied mutation, independent of whether it ultimately
// succeeded or failed — both outcomes are worth a durable trail.
type Record struct {
	ID        string `json:"id"`
	Version   string `json:"version"`
	Timestamp int64  `json:"timestamp"`
	Action    string `json:"action"`
	Type      string `json:"type"`
	Payload   string `json:"payload"`
	Outcome   string `json:"outcome"`
	Error     string `json:"error,omitempty"`
}

// Log is the audit collaborator interface. Append must be safe to call
// from the single worker goroutine; it is never called concurrently by
// this engine, but implementations should not assume that of every
// caller.
type Log interface {
	Append(record Record) error
}

const bucketName = "audit"

// BoltLog is the bbolt-backed reference Log implementation: one bucket
// keyed by record ID, one JSON value per record.
type BoltLog struct {
	db *bolt.DB
}

// OpenBoltLog opens (creating if needed) a bbolt database at path and
// ensures the audit bucket exists.
func OpenBoltLog(path string) (*BoltLog, error) {
	db, err := bolt.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: open: %w", err)
	}
	if err := db.CreateBucket(bucketName); err != nil {
		return nil, fmt.Errorf("audit: create bucket: %w", err)
	}
	return &BoltLog{db: db}, nil
}

// Append stores record, assigning it a fresh ID if it doesn't already
// have one. Writing the same record value twice (same ID) is an
// idempotent overwrite, not an error. Records appended without an ID
// (as the worker appends them) each get a new ID, so they are never
// merged.
func (l *BoltLog) Append(record Record) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if err := l.db.PutJSON(bucketName, record.ID, record); err != nil {
		return fmt.Errorf("audit: append: %w", err)
	}
	return nil
}

// Records returns every stored record in key order (bbolt iterates by
// key, which is record ID), not insertion order.
func (l *BoltLog) Records() ([]Record, error) {
	var out []Record
	err := l.db.ForEachJSON(bucketName, func(_ string, value interface{}) error {
		out = append(out, *value.(*Record))
		return nil
	}, func() interface{} { return &Record{} })
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	return out, nil
}

// Close releases the underlying bbolt database.
func (l *BoltLog) Close() error {
	return l.db.Close()
}

// NullLog discards every record. Used when audit durability isn't
// wanted — reconcile/worker code takes a Log interface either way.
type NullLog struct{}

// Append is a no-op.
func (NullLog) Append(Record) error { return nil }
