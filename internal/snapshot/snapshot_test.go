package snapshot

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqlite3 "github.com/ncruces/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/ayedb/ayb/internal/pathlayout"
	"github.com/ayedb/ayb/internal/types"
)

// fakeObjectStore keeps snapshot bytes in memory, ordered by insertion.
type fakeObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	mtimes  map[string]time.Time
	clock   time.Time

	// listGate, when set, blocks List until the channel is closed.
	listGate chan struct{}
	lists    int
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{
		objects: make(map[string][]byte),
		mtimes:  make(map[string]time.Time),
		clock:   time.Unix(1700000000, 0),
	}
}

func (f *fakeObjectStore) key(entity, database, id string) string {
	return entity + "/" + database + "/" + id
}

func (f *fakeObjectStore) Put(ctx context.Context, entity, database, id, srcPath string) error {
	raw, err := os.ReadFile(srcPath)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clock = f.clock.Add(time.Second)
	k := f.key(entity, database, id)
	f.objects[k] = raw
	f.mtimes[k] = f.clock
	return nil
}

func (f *fakeObjectStore) Get(ctx context.Context, entity, database, id, destPath string) error {
	f.mu.Lock()
	raw, ok := f.objects[f.key(entity, database, id)]
	f.mu.Unlock()
	if !ok {
		return types.Errorf(types.KindSnapshotDoesNotExist, "snapshot %s does not exist", id)
	}
	return os.WriteFile(destPath, raw, 0o644)
}

func (f *fakeObjectStore) List(ctx context.Context, entity, database string) ([]Info, error) {
	if f.listGate != nil {
		<-f.listGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	prefix := entity + "/" + database + "/"
	var infos []Info
	for k, mtime := range f.mtimes {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			infos = append(infos, Info{ID: k[len(prefix):], LastModified: mtime})
		}
	}
	sortNewestFirst(infos)
	return infos, nil
}

func (f *fakeObjectStore) DeleteMany(ctx context.Context, entity, database string, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		k := f.key(entity, database, id)
		delete(f.objects, k)
		delete(f.mtimes, k)
	}
	return nil
}

func (f *fakeObjectStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

type fakeStopper struct {
	mu    sync.Mutex
	paths []string
}

func (f *fakeStopper) ShutDown(dbPath string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, dbPath)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// seedDatabase creates entity/database with an initial table.
func seedDatabase(t *testing.T, layout pathlayout.Layout, entity, database string) string {
	t.Helper()
	path, err := layout.EnsureDatabase(entity, database)
	require.NoError(t, err)
	execSQL(t, path, "CREATE TABLE t(a INT); INSERT INTO t VALUES (1)")
	return path
}

func execSQL(t *testing.T, path, sql string) {
	t.Helper()
	conn, err := sqlite3.Open(path)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.Exec(sql))
}

func querySingleInt(t *testing.T, path, sql string) int {
	t.Helper()
	conn, err := sqlite3.Open(path)
	require.NoError(t, err)
	defer conn.Close()
	stmt, _, err := conn.Prepare(sql)
	require.NoError(t, err)
	defer stmt.Close()
	require.True(t, stmt.Step())
	return stmt.ColumnInt(0)
}

// allowAll resolves every directory as a registered database.
type allowAll struct{}

func (allowAll) DatabaseExists(ctx context.Context, entity, database string) (bool, error) {
	return true, nil
}

// denySlug marks one database slug as stale.
type denySlug struct{ slug string }

func (d denySlug) DatabaseExists(ctx context.Context, entity, database string) (bool, error) {
	return database != d.slug, nil
}

func newTestEngine(t *testing.T, maxSnapshots int) (*Engine, *fakeObjectStore, *fakeStopper, pathlayout.Layout) {
	t.Helper()
	layout, err := pathlayout.New(t.TempDir())
	require.NoError(t, err)
	store := newFakeObjectStore()
	stopper := &fakeStopper{}
	return NewEngine(layout, store, stopper, allowAll{}, maxSnapshots, discardLogger()), store, stopper, layout
}

func TestSnapshotSkipsStaleDirectories(t *testing.T) {
	layout, err := pathlayout.New(t.TempDir())
	require.NoError(t, err)
	store := newFakeObjectStore()
	engine := NewEngine(layout, store, &fakeStopper{}, denySlug{slug: "stale.sqlite"}, 3, discardLogger())
	seedDatabase(t, layout, "marcua", "stale.sqlite")
	seedDatabase(t, layout, "marcua", "live.sqlite")

	engine.SnapshotAll(context.Background())
	require.Equal(t, 1, store.count(), "only the registered database is captured")
}

func TestSnapshotDeduplicates(t *testing.T) {
	engine, store, _, layout := newTestEngine(t, 3)
	seedDatabase(t, layout, "marcua", "crm.sqlite")

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, engine.SnapshotDatabase(ctx, "marcua", "crm.sqlite"))
	}
	require.Equal(t, 1, store.count(), "unchanged database uploads once")
}

func TestSnapshotRetention(t *testing.T) {
	engine, store, _, layout := newTestEngine(t, 2)
	path := seedDatabase(t, layout, "marcua", "crm.sqlite")

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, engine.SnapshotDatabase(ctx, "marcua", "crm.sqlite"))
		execSQL(t, path, "INSERT INTO t VALUES (2)")
	}
	require.Equal(t, 2, store.count(), "retention keeps the newest two")

	infos, err := engine.ListSnapshots(ctx, "marcua", "crm.sqlite")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	require.True(t, infos[0].LastModified.After(infos[1].LastModified), "newest first")
}

func TestSnapshotSkipsUnprovisionedDirectories(t *testing.T) {
	engine, store, _, layout := newTestEngine(t, 3)
	require.NoError(t, os.MkdirAll(filepath.Join(layout.DataRoot, "marcua", "empty.sqlite"), 0o755))

	require.NoError(t, engine.SnapshotDatabase(context.Background(), "marcua", "empty.sqlite"))
	require.Equal(t, 0, store.count())
}

func TestSnapshotAllWalksEveryDatabase(t *testing.T) {
	engine, store, _, layout := newTestEngine(t, 3)
	seedDatabase(t, layout, "marcua", "crm.sqlite")
	seedDatabase(t, layout, "orgco", "metrics.sqlite")

	engine.SnapshotAll(context.Background())
	require.Equal(t, 2, store.count())
}

func TestRestoreSwapsCurrentAndRetiresDaemon(t *testing.T) {
	engine, _, stopper, layout := newTestEngine(t, 3)
	path := seedDatabase(t, layout, "marcua", "crm.sqlite")

	ctx := context.Background()
	require.NoError(t, engine.SnapshotDatabase(ctx, "marcua", "crm.sqlite"))
	infos, err := engine.ListSnapshots(ctx, "marcua", "crm.sqlite")
	require.NoError(t, err)
	require.Len(t, infos, 1)

	execSQL(t, path, "INSERT INTO t VALUES (2)")
	require.Equal(t, 2, querySingleInt(t, path, "SELECT COUNT(*) FROM t"))

	require.NoError(t, engine.Restore(ctx, "marcua", "crm.sqlite", infos[0].ID))

	restored, err := layout.CurrentPath("marcua", "crm.sqlite")
	require.NoError(t, err)
	require.Equal(t, 1, querySingleInt(t, restored, "SELECT COUNT(*) FROM t"), "restore rewinds to snapshot content")
	require.Len(t, stopper.paths, 1, "daemon on the old version was retired")
}

func TestRestoreMissingSnapshot(t *testing.T) {
	engine, _, _, layout := newTestEngine(t, 3)
	seedDatabase(t, layout, "marcua", "crm.sqlite")

	err := engine.Restore(context.Background(), "marcua", "crm.sqlite", "no-such-id")
	require.Error(t, err)
	require.Equal(t, types.KindSnapshotDoesNotExist, types.KindOf(err))
}

func TestCheckIntegrityRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.sqlite")
	require.NoError(t, os.WriteFile(path, []byte("this is not a database"), 0o644))
	require.Error(t, checkIntegrity(path))
}

func TestHashDirectoryIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b"), []byte("bravo"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), []byte("alpha"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))

	first, err := hashDirectory(dir)
	require.NoError(t, err)
	second, err := hashDirectory(dir)
	require.NoError(t, err)
	require.Equal(t, first, second)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), []byte("changed"), 0o644))
	third, err := hashDirectory(dir)
	require.NoError(t, err)
	require.NotEqual(t, first, third)
}

func TestSchedulerSkipsOverlappingRounds(t *testing.T) {
	engine, store, _, layout := newTestEngine(t, 3)
	seedDatabase(t, layout, "marcua", "crm.sqlite")

	store.listGate = make(chan struct{})
	sched := NewScheduler(engine, time.Hour, discardLogger())

	done := make(chan struct{})
	go func() {
		sched.tick()
		close(done)
	}()

	// Wait for the first round to reach the blocked store call.
	require.Eventually(t, func() bool { return sched.running.Load() }, 2*time.Second, 5*time.Millisecond)

	// A tick while a round is in flight returns without touching the store.
	sched.tick()

	close(store.listGate)
	<-done
	require.Equal(t, 1, store.lists, "overlapping tick was skipped")
}
