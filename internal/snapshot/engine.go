package snapshot

import (
	"context"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	sqlite3 "github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/zeebo/blake3"

	"github.com/ayedb/ayb/internal/pathlayout"
	"github.com/ayedb/ayb/internal/types"
)

// DaemonStopper retires the daemon serving a database path before its files
// are swapped out from under it.
type DaemonStopper interface {
	ShutDown(dbPath string)
}

// DatabaseResolver answers whether an on-disk directory still corresponds to
// a registered database. Stale directories are skipped, not snapshotted.
type DatabaseResolver interface {
	DatabaseExists(ctx context.Context, entity, database string) (bool, error)
}

// Engine captures, uploads, and restores database snapshots.
type Engine struct {
	layout       pathlayout.Layout
	store        ObjectStore
	daemons      DaemonStopper
	resolver     DatabaseResolver
	maxSnapshots int
	log          *slog.Logger

	// restoreMu serializes restores per database path.
	mu        sync.Mutex
	restoreMu map[string]*sync.Mutex
}

// NewEngine builds a snapshot engine. maxSnapshots bounds retention; zero or
// negative disables pruning. A nil resolver snapshots every directory.
func NewEngine(layout pathlayout.Layout, store ObjectStore, daemons DaemonStopper, resolver DatabaseResolver, maxSnapshots int, log *slog.Logger) *Engine {
	return &Engine{
		layout:       layout,
		store:        store,
		daemons:      daemons,
		resolver:     resolver,
		maxSnapshots: maxSnapshots,
		log:          log,
		restoreMu:    make(map[string]*sync.Mutex),
	}
}

// SnapshotAll walks the data tree and snapshots every database that has a
// current version. Per-database failures are logged and do not stop the
// round.
func (e *Engine) SnapshotAll(ctx context.Context) {
	err := e.layout.Walk(func(entity, database string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.SnapshotDatabase(ctx, entity, database); err != nil {
			e.log.Error("snapshot failed", "entity", entity, "database", database, "error", err)
		}
		return nil
	})
	if err != nil {
		e.log.Error("snapshot round aborted", "error", err)
	}
}

// SnapshotDatabase captures one database: VACUUM INTO a staging directory,
// integrity-check the copy, hash it, and upload unless the same content is
// already stored. Databases without a current pointer are skipped.
func (e *Engine) SnapshotDatabase(ctx context.Context, entity, database string) error {
	if e.resolver != nil {
		exists, err := e.resolver.DatabaseExists(ctx, entity, database)
		if err != nil {
			return err
		}
		if !exists {
			e.log.Debug("skipping stale directory", "entity", entity, "database", database)
			return nil
		}
	}

	currentPath, err := e.layout.CurrentPath(entity, database)
	if err != nil {
		// Directory without a promoted version; nothing to snapshot.
		return nil
	}

	staging, err := e.layout.SnapshotStagingPath(entity, database)
	if err != nil {
		return err
	}
	defer os.RemoveAll(staging)

	stagedFile := filepath.Join(staging, database)
	if err := vacuumInto(currentPath, stagedFile); err != nil {
		return err
	}
	if err := checkIntegrity(stagedFile); err != nil {
		return err
	}

	id, err := hashDirectory(staging)
	if err != nil {
		return err
	}

	existing, err := e.store.List(ctx, entity, database)
	if err != nil {
		return err
	}
	for _, info := range existing {
		if info.ID == id {
			e.log.Debug("snapshot unchanged", "entity", entity, "database", database, "id", id)
			return nil
		}
	}

	if err := e.store.Put(ctx, entity, database, id, stagedFile); err != nil {
		return err
	}
	e.log.Info("snapshot uploaded", "entity", entity, "database", database, "id", id)

	return e.prune(ctx, entity, database, existing)
}

// prune deletes the oldest snapshots beyond the retention bound. existing is
// the newest-first listing taken before the upload.
func (e *Engine) prune(ctx context.Context, entity, database string, existing []Info) error {
	if e.maxSnapshots <= 0 {
		return nil
	}
	total := len(existing) + 1
	excess := total - e.maxSnapshots
	if excess <= 0 {
		return nil
	}
	var ids []string
	for _, info := range existing[len(existing)-excess:] {
		ids = append(ids, info.ID)
	}
	if err := e.store.DeleteMany(ctx, entity, database, ids); err != nil {
		return err
	}
	e.log.Info("snapshots pruned", "entity", entity, "database", database, "deleted", len(ids))
	return nil
}

// ListSnapshots returns the stored snapshots for a database, newest first.
func (e *Engine) ListSnapshots(ctx context.Context, entity, database string) ([]Info, error) {
	return e.store.List(ctx, entity, database)
}

// Restore downloads a snapshot into a fresh version directory, retires any
// daemon serving the old version, and atomically promotes the new one.
// Restores of the same database serialize; distinct databases proceed in
// parallel.
func (e *Engine) Restore(ctx context.Context, entity, database, id string) error {
	mu := e.restoreLock(entity, database)
	mu.Lock()
	defer mu.Unlock()

	versionDir, err := e.layout.NewVersionPath(entity, database)
	if err != nil {
		return err
	}
	restored := filepath.Join(versionDir, database)
	if err := e.store.Get(ctx, entity, database, id, restored); err != nil {
		os.RemoveAll(versionDir)
		return err
	}
	if err := checkIntegrity(restored); err != nil {
		os.RemoveAll(versionDir)
		return err
	}

	if oldPath, err := e.layout.CurrentPath(entity, database); err == nil {
		if canonical, err := pathlayout.Canonicalize(oldPath); err == nil {
			e.daemons.ShutDown(canonical)
		}
	}

	if err := e.layout.SetCurrentAndGC(entity, database, versionDir); err != nil {
		return err
	}
	e.log.Info("snapshot restored", "entity", entity, "database", database, "id", id)
	return nil
}

func (e *Engine) restoreLock(entity, database string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := entity + "/" + database
	mu, ok := e.restoreMu[key]
	if !ok {
		mu = &sync.Mutex{}
		e.restoreMu[key] = mu
	}
	return mu
}

// vacuumInto writes a consistent, defragmented copy of the database at src
// to dest. VACUUM INTO runs outside the query sandbox, so the attach limit
// stays at the engine default here.
func vacuumInto(src, dest string) error {
	conn, err := sqlite3.Open(src)
	if err != nil {
		return types.Errorf(types.KindSnapshotError, "opening database for snapshot: %v", err)
	}
	defer conn.Close()

	quoted := strings.ReplaceAll(dest, "'", "''")
	if err := conn.Exec("VACUUM INTO '" + quoted + "'"); err != nil {
		return types.Errorf(types.KindSnapshotError, "capturing snapshot: %v", err)
	}
	return nil
}

// checkIntegrity fails unless PRAGMA integrity_check returns the single row
// "ok".
func checkIntegrity(path string) error {
	conn, err := sqlite3.Open(path)
	if err != nil {
		return types.Errorf(types.KindSnapshotError, "opening snapshot for verification: %v", err)
	}
	defer conn.Close()

	stmt, _, err := conn.Prepare("PRAGMA integrity_check")
	if err != nil {
		return types.Errorf(types.KindSnapshotError, "verifying snapshot: %v", err)
	}
	defer stmt.Close()

	var results []string
	for stmt.Step() {
		results = append(results, stmt.ColumnText(0))
	}
	if err := stmt.Err(); err != nil {
		return types.Errorf(types.KindSnapshotError, "verifying snapshot: %v", err)
	}
	if len(results) != 1 || results[0] != "ok" {
		return types.Errorf(types.KindSnapshotError, "snapshot failed integrity check: %s", strings.Join(results, "; "))
	}
	return nil
}

// hashDirectory computes the snapshot ID: a BLAKE3 hash over the contents of
// the directory's regular files in alphabetical order.
func hashDirectory(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", types.Errorf(types.KindIO, "reading staging directory: %v", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	hasher := blake3.New()
	for _, name := range names {
		f, err := os.Open(filepath.Join(dir, name))
		if err != nil {
			return "", types.Errorf(types.KindIO, "hashing %s: %v", name, err)
		}
		if _, err := io.Copy(hasher, f); err != nil {
			f.Close()
			return "", types.Errorf(types.KindIO, "hashing %s: %v", name, err)
		}
		f.Close()
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
