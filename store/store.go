// Package store implements the per-version on-disk store (§4.2,
// §6.3): live schema/state files, timestamped archive snapshots, and
// an advisory lock file scoping the write window. Locking uses
// gofrs/flock, the advisory file-lock library carried by this corpus;
// the engine has exactly one worker per version so the lock exists to
// guard against a second worker process (e.g. during a rolling
// deploy), not contention within one process.
package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/thecodizt/graphmutate/codec"
	"github.com/thecodizt/graphmutate/graph"
)

// WriteError wraps a filesystem failure during persist. Per the error
// taxonomy, a WriteError must cause the caller to release the version
// lock, requeue the in-flight item, and back off before retrying.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string { return fmt.Sprintf("store: %s: %v", e.Op, e.Err) }
func (e *WriteError) Unwrap() error { return e.Err }

func wrapWriteError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &WriteError{Op: op, Err: err}
}

const (
	liveSchemaFile  = "live_schema.json"
	liveStateFile   = "live_state.json"
	schemaArchiveDir = "schema_archive"
	stateArchiveDir  = "state_archive"
	lockFile         = "lock"

	dirPerm  = 0o755
	filePerm = 0o644
)

// Store manages the on-disk root directory containing one
// subdirectory per version.
type Store struct {
	root string
}

// New returns a Store rooted at root. The root and per-version
// directories are created lazily on first write, not here.
func New(root string) *Store {
	return &Store{root: root}
}

// VersionLock is a held advisory lock for one version's write window,
// released by Unlock. Callers acquire it before load, hold it through
// reconcile and persist, and release it on every exit path.
type VersionLock struct {
	flock *flock.Flock
}

// Unlock releases the lock. Safe to call once; the caller should defer
// it immediately after a successful Lock.
func (l *VersionLock) Unlock() error {
	return l.flock.Unlock()
}

func (s *Store) versionDir(version string) string {
	return filepath.Join(s.root, version)
}

// Lock acquires the exclusive advisory lock for version, creating the
// version directory first if needed. It blocks until the lock is
// available.
func (s *Store) Lock(version string) (*VersionLock, error) {
	dir := s.versionDir(version)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, wrapWriteError("lock: mkdir", err)
	}

	fl := flock.New(filepath.Join(dir, lockFile))
	if err := fl.Lock(); err != nil {
		return nil, wrapWriteError("lock", err)
	}
	return &VersionLock{flock: fl}, nil
}

// LoadSchema reads the live schema graph for version. A missing file
// yields an empty graph, created lazily (§4.2).
func (s *Store) LoadSchema(version string) (*graph.Graph, error) {
	return s.loadLive(version, liveSchemaFile)
}

// LoadState reads the live state graph for version.
func (s *Store) LoadState(version string) (*graph.Graph, error) {
	return s.loadLive(version, liveStateFile)
}

func (s *Store) loadLive(version, name string) (*graph.Graph, error) {
	path := filepath.Join(s.versionDir(version), name)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return graph.New(), nil
	}
	if err != nil {
		return nil, wrapWriteError("load "+name, err)
	}
	g, err := codec.DecodeNodeLink(data)
	if err != nil {
		return nil, err
	}
	return g, nil
}

// PersistLive writes both live graphs for version, atomically (via
// write-then-rename) so a reader never observes a partial file.
func (s *Store) PersistLive(version string, schema, state *graph.Graph) error {
	dir := s.versionDir(version)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return wrapWriteError("persist: mkdir", err)
	}

	schemaData, err := codec.EncodeNodeLink(schema)
	if err != nil {
		return err
	}
	if err := atomicWrite(filepath.Join(dir, liveSchemaFile), schemaData); err != nil {
		return wrapWriteError("persist live schema", err)
	}

	stateData, err := codec.EncodeNodeLink(state)
	if err != nil {
		return err
	}
	if err := atomicWrite(filepath.Join(dir, liveStateFile), stateData); err != nil {
		return wrapWriteError("persist live state", err)
	}
	return nil
}

// ArchiveSnapshot writes a compressed-archive snapshot of both graphs
// at timestamp. The worker calls it after every applied item, so a
// snapshot at an already-archived timestamp is overwritten.
func (s *Store) ArchiveSnapshot(version string, timestamp int64, schema, state *graph.Graph) error {
	dir := s.versionDir(version)
	schemaDir := filepath.Join(dir, schemaArchiveDir)
	stateDir := filepath.Join(dir, stateArchiveDir)
	if err := os.MkdirAll(schemaDir, dirPerm); err != nil {
		return wrapWriteError("archive: mkdir", err)
	}
	if err := os.MkdirAll(stateDir, dirPerm); err != nil {
		return wrapWriteError("archive: mkdir", err)
	}

	schemaArchive, err := codec.Compress(schema)
	if err != nil {
		return err
	}
	schemaData, err := codec.EncodeArchive(schemaArchive)
	if err != nil {
		return err
	}
	name := fmt.Sprintf("%d.json", timestamp)
	if err := atomicWrite(filepath.Join(schemaDir, name), schemaData); err != nil {
		return wrapWriteError("archive schema", err)
	}

	stateArchive, err := codec.Compress(state)
	if err != nil {
		return err
	}
	stateData, err := codec.EncodeArchive(stateArchive)
	if err != nil {
		return err
	}
	if err := atomicWrite(filepath.Join(stateDir, name), stateData); err != nil {
		return wrapWriteError("archive state", err)
	}
	return nil
}

// ArchiveTimestamps lists the timestamps with a schema archive
// snapshot for version, ascending.
func (s *Store) ArchiveTimestamps(version string) ([]int64, error) {
	dir := filepath.Join(s.versionDir(version), schemaArchiveDir)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapWriteError("list archives", err)
	}

	var out []int64
	for _, entry := range entries {
		name := entry.Name()
		ext := filepath.Ext(name)
		if ext != ".json" {
			continue
		}
		var ts int64
		if _, err := fmt.Sscanf(name[:len(name)-len(ext)], "%d", &ts); err != nil {
			continue
		}
		out = append(out, ts)
	}
	sortInt64s(out)
	return out, nil
}

// ReadArchive loads the compressed schema and state archives for
// version at timestamp. Both files are read; if either fails, its
// error is returned and neither graph is. The live files are never
// touched.
func (s *Store) ReadArchive(version string, timestamp int64) (schema, state *graph.Graph, err error) {
	name := fmt.Sprintf("%d.json", timestamp)

	schema, schemaErr := s.readArchiveFile(filepath.Join(s.versionDir(version), schemaArchiveDir, name))
	state, stateErr := s.readArchiveFile(filepath.Join(s.versionDir(version), stateArchiveDir, name))
	if schemaErr != nil {
		return nil, nil, schemaErr
	}
	if stateErr != nil {
		return nil, nil, stateErr
	}
	return schema, state, nil
}

func (s *Store) readArchiveFile(path string) (*graph.Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, wrapWriteError("read archive", err)
	}
	archive, err := codec.DecodeArchive(data)
	if err != nil {
		return nil, err
	}
	return codec.Decompress(archive)
}

// ListVersions returns every version with a directory under root.
func (s *Store) ListVersions() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapWriteError("list versions", err)
	}
	var out []string
	for _, entry := range entries {
		if entry.IsDir() {
			out = append(out, entry.Name())
		}
	}
	return out, nil
}

// DeleteVersion removes every sub-path of version's directory
// (live files, both archive directories, and the lock), collecting
// errors rather than stopping at the first failure (§6.6).
func (s *Store) DeleteVersion(version string) error {
	dir := s.versionDir(version)
	subpaths := []string{
		filepath.Join(dir, liveSchemaFile),
		filepath.Join(dir, liveStateFile),
		filepath.Join(dir, schemaArchiveDir),
		filepath.Join(dir, stateArchiveDir),
		filepath.Join(dir, lockFile),
	}

	var firstErr error
	for _, p := range subpaths {
		if err := os.RemoveAll(p); err != nil && firstErr == nil {
			firstErr = wrapWriteError("delete version", err)
		}
	}
	_ = os.Remove(dir) // best-effort: only succeeds once the directory is empty
	if firstErr != nil {
		return firstErr
	}
	return nil
}

// atomicWrite writes data to a temporary sibling of path, then renames
// it into place, so a concurrent reader never observes a partial file.
func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, filePerm); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func sortInt64s(s []int64) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
