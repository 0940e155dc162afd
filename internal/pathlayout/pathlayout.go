// Package pathlayout owns the on-disk layout for hosted databases:
//
//	<root>/<entity>/<database>/current              -> versions/<version>
//	<root>/<entity>/<database>/versions/<version>/<database>
//	<root>/<entity>/<database>/snapshots/<staging>/<database>
//
// The current pointer is a symlink swapped by atomic rename so a restore can
// prepare a full version directory and cut over without a partially-visible
// state. Every path handed to the daemon registry is canonicalized first so
// that symlinked targets map to a single daemon.
package pathlayout

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/ayedb/ayb/internal/types"
)

const (
	currentName   = "current"
	versionsName  = "versions"
	snapshotsName = "snapshots"
)

// Layout resolves entity/database names to filesystem paths under DataRoot.
type Layout struct {
	DataRoot string
}

// New creates the data root if needed and returns a layout rooted there.
func New(dataRoot string) (Layout, error) {
	if err := os.MkdirAll(dataRoot, 0o755); err != nil {
		return Layout{}, types.Errorf(types.KindIO, "creating data root %s: %v", dataRoot, err)
	}
	abs, err := filepath.Abs(dataRoot)
	if err != nil {
		return Layout{}, types.Errorf(types.KindIO, "resolving data root %s: %v", dataRoot, err)
	}
	return Layout{DataRoot: abs}, nil
}

// DatabaseDir is the directory holding all state for entity/database.
func (l Layout) DatabaseDir(entity, database string) string {
	return filepath.Join(l.DataRoot, entity, database)
}

// CurrentPath returns the path of the active engine file, through the
// current pointer. The pointer must exist; EnsureDatabase creates it.
func (l Layout) CurrentPath(entity, database string) (string, error) {
	cur := filepath.Join(l.DatabaseDir(entity, database), currentName)
	if _, err := os.Lstat(cur); err != nil {
		return "", types.Errorf(types.KindIO, "no current version for %s/%s: %v", entity, database, err)
	}
	return filepath.Join(cur, database), nil
}

// EnsureDatabase creates the initial version directory and current pointer
// for a fresh database if none exist, and returns the current engine path.
func (l Layout) EnsureDatabase(entity, database string) (string, error) {
	dir := l.DatabaseDir(entity, database)
	cur := filepath.Join(dir, currentName)
	if _, err := os.Lstat(cur); err == nil {
		return filepath.Join(cur, database), nil
	}
	version, err := l.NewVersionPath(entity, database)
	if err != nil {
		return "", err
	}
	if err := l.SetCurrentAndGC(entity, database, version); err != nil {
		return "", err
	}
	return filepath.Join(cur, database), nil
}

// NewVersionPath creates and returns a fresh version directory. The caller
// populates it and then promotes it with SetCurrentAndGC.
func (l Layout) NewVersionPath(entity, database string) (string, error) {
	dir := filepath.Join(l.DatabaseDir(entity, database), versionsName, uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", types.Errorf(types.KindIO, "creating version dir: %v", err)
	}
	return dir, nil
}

// SnapshotStagingPath creates and returns an empty staging directory for
// snapshot capture or restore download. Callers remove it when done.
func (l Layout) SnapshotStagingPath(entity, database string) (string, error) {
	dir := filepath.Join(l.DatabaseDir(entity, database), snapshotsName, uuid.NewString())
	if err := os.RemoveAll(dir); err != nil {
		return "", types.Errorf(types.KindIO, "clearing staging dir: %v", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", types.Errorf(types.KindIO, "creating staging dir: %v", err)
	}
	return dir, nil
}

// SetCurrentAndGC atomically points current at newVersionDir, then makes a
// best-effort sweep of superseded version directories. The pointer is
// renamed over a temporary symlink so it is never observed dangling.
func (l Layout) SetCurrentAndGC(entity, database, newVersionDir string) error {
	dir := l.DatabaseDir(entity, database)
	target, err := filepath.Rel(dir, newVersionDir)
	if err != nil {
		// Version dir outside the database dir; keep the absolute target.
		target = newVersionDir
	}

	// Flush the version directory contents before making them current.
	if f, err := os.Open(newVersionDir); err == nil {
		_ = f.Sync()
		_ = f.Close()
	}

	tmp := filepath.Join(dir, fmt.Sprintf(".%s-%s", currentName, uuid.NewString()))
	if err := os.Symlink(target, tmp); err != nil {
		return types.Errorf(types.KindIO, "staging current pointer: %v", err)
	}
	cur := filepath.Join(dir, currentName)
	if err := os.Rename(tmp, cur); err != nil {
		_ = os.Remove(tmp)
		return types.Errorf(types.KindIO, "swapping current pointer: %v", err)
	}

	// GC: drop every version except the one just promoted. Removal failures
	// are ignored; a daemon may still hold the old files open and the next
	// swap retries.
	keep := filepath.Base(newVersionDir)
	versions := filepath.Join(dir, versionsName)
	entries, err := os.ReadDir(versions)
	if err != nil {
		return nil
	}
	for _, e := range entries {
		if e.Name() == keep {
			continue
		}
		_ = os.RemoveAll(filepath.Join(versions, e.Name()))
	}
	return nil
}

// Walk calls fn for every entity/database directory pair under the root.
func (l Layout) Walk(fn func(entity, database string) error) error {
	entities, err := os.ReadDir(l.DataRoot)
	if err != nil {
		return types.Errorf(types.KindIO, "reading data root: %v", err)
	}
	for _, ent := range entities {
		if !ent.IsDir() {
			continue
		}
		databases, err := os.ReadDir(filepath.Join(l.DataRoot, ent.Name()))
		if err != nil {
			continue
		}
		for _, db := range databases {
			if !db.IsDir() {
				continue
			}
			if err := fn(ent.Name(), db.Name()); err != nil {
				return err
			}
		}
	}
	return nil
}

// Canonicalize resolves symlinks and relative segments so that all aliases
// of a database file key to the same daemon.
func Canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", types.Errorf(types.KindIO, "resolving %s: %v", path, err)
	}
	resolved, err := filepath.EvalSymlinks(filepath.Dir(abs))
	if err != nil {
		return "", types.Errorf(types.KindIO, "canonicalizing %s: %v", path, err)
	}
	return filepath.Join(resolved, filepath.Base(abs)), nil
}
