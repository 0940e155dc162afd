package registry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ayedb/ayb/internal/types"
)

// writeStubDaemon writes a shell script standing in for ayb-daemon. Every
// start appends a line to spawnLog; body runs the protocol loop.
func writeStubDaemon(t *testing.T, spawnLog, body string) string {
	t.Helper()
	script := fmt.Sprintf("#!/bin/sh\necho started >> %q\n%s\n", spawnLog, body)
	path := filepath.Join(t.TempDir(), "stub-daemon")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

const echoLoop = `while IFS= read -r line; do
  echo '{"fields":["one"],"rows":[["1"]]}'
done`

func spawnCount(t *testing.T, spawnLog string) int {
	t.Helper()
	data, err := os.ReadFile(spawnLog)
	if os.IsNotExist(err) {
		return 0
	}
	require.NoError(t, err)
	return strings.Count(string(data), "started")
}

func newTestRegistry(t *testing.T, daemonPath string) *Registry {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := New(Config{DaemonPath: daemonPath, DisableSandbox: true}, log)
	t.Cleanup(r.ShutDownAll)
	return r
}

func TestExecuteQueryRoundTrip(t *testing.T) {
	spawnLog := filepath.Join(t.TempDir(), "spawns")
	r := newTestRegistry(t, writeStubDaemon(t, spawnLog, echoLoop))
	dbPath := filepath.Join(t.TempDir(), "db.sqlite")

	result, err := r.ExecuteQuery(context.Background(), dbPath, "SELECT 1", types.QueryModeReadOnly)
	require.NoError(t, err)
	require.Equal(t, []string{"one"}, result.Fields)
	require.Equal(t, [][]*string{{ptr("1")}}, result.Rows)
}

func TestConcurrentFirstAccessSpawnsExactlyOneDaemon(t *testing.T) {
	spawnLog := filepath.Join(t.TempDir(), "spawns")
	r := newTestRegistry(t, writeStubDaemon(t, spawnLog, echoLoop))
	dbPath := filepath.Join(t.TempDir(), "db.sqlite")

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.ExecuteQuery(context.Background(), dbPath, "SELECT 1", types.QueryModeReadOnly)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, 1, spawnCount(t, spawnLog))
	require.Equal(t, 1, r.Size())
}

func TestCancelledRequestKeepsDaemonAlive(t *testing.T) {
	spawnLog := filepath.Join(t.TempDir(), "spawns")
	r := newTestRegistry(t, writeStubDaemon(t, spawnLog, echoLoop))
	dbPath := filepath.Join(t.TempDir(), "db.sqlite")

	_, err := r.ExecuteQuery(context.Background(), dbPath, "SELECT 1", types.QueryModeReadOnly)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.ExecuteQuery(ctx, dbPath, "SELECT 1", types.QueryModeReadOnly)
	require.ErrorIs(t, err, context.Canceled)
	require.NotEqual(t, types.KindDaemonCrashed, types.KindOf(err))
	require.Equal(t, 1, r.Size(), "a cancelled request must not retire the daemon")

	_, err = r.ExecuteQuery(context.Background(), dbPath, "SELECT 1", types.QueryModeReadOnly)
	require.NoError(t, err)
	require.Equal(t, 1, spawnCount(t, spawnLog), "no respawn after cancellation")
}

func TestDistinctDatabasesGetDistinctDaemons(t *testing.T) {
	spawnLog := filepath.Join(t.TempDir(), "spawns")
	r := newTestRegistry(t, writeStubDaemon(t, spawnLog, echoLoop))
	dir := t.TempDir()

	_, err := r.ExecuteQuery(context.Background(), filepath.Join(dir, "a.sqlite"), "SELECT 1", types.QueryModeReadOnly)
	require.NoError(t, err)
	_, err = r.ExecuteQuery(context.Background(), filepath.Join(dir, "b.sqlite"), "SELECT 1", types.QueryModeReadOnly)
	require.NoError(t, err)

	require.Equal(t, 2, spawnCount(t, spawnLog))
	require.Equal(t, 2, r.Size())
}

func TestDaemonErrorFramePropagatesAsQueryError(t *testing.T) {
	spawnLog := filepath.Join(t.TempDir(), "spawns")
	body := `while IFS= read -r line; do
  echo '{"error":"no such table: t"}'
done`
	r := newTestRegistry(t, writeStubDaemon(t, spawnLog, body))
	dbPath := filepath.Join(t.TempDir(), "db.sqlite")

	_, err := r.ExecuteQuery(context.Background(), dbPath, "SELECT * FROM t", types.QueryModeReadOnly)
	require.Error(t, err)
	require.Equal(t, types.KindQueryError, types.KindOf(err))
	require.Contains(t, err.Error(), "no such table")
}

func TestCrashedDaemonIsRemovedAndRespawned(t *testing.T) {
	spawnLog := filepath.Join(t.TempDir(), "spawns")
	// Exits without answering: the in-flight query sees a zero-byte read.
	body := `IFS= read -r line
exit 0`
	r := newTestRegistry(t, writeStubDaemon(t, spawnLog, body))
	dbPath := filepath.Join(t.TempDir(), "db.sqlite")

	_, err := r.ExecuteQuery(context.Background(), dbPath, "SELECT 1", types.QueryModeReadOnly)
	require.Error(t, err)
	require.Equal(t, types.KindDaemonCrashed, types.KindOf(err))
	require.Equal(t, 0, r.Size())

	// Next call respawns.
	_, err = r.ExecuteQuery(context.Background(), dbPath, "SELECT 1", types.QueryModeReadOnly)
	require.Error(t, err)
	require.Equal(t, 2, spawnCount(t, spawnLog))
}

func TestShutDownRetiresDaemon(t *testing.T) {
	spawnLog := filepath.Join(t.TempDir(), "spawns")
	r := newTestRegistry(t, writeStubDaemon(t, spawnLog, echoLoop))
	dbPath := filepath.Join(t.TempDir(), "db.sqlite")

	_, err := r.ExecuteQuery(context.Background(), dbPath, "SELECT 1", types.QueryModeReadOnly)
	require.NoError(t, err)
	require.Equal(t, 1, r.Size())

	r.ShutDown(dbPath)
	require.Equal(t, 0, r.Size())

	// Queries after shutdown start a fresh daemon.
	_, err = r.ExecuteQuery(context.Background(), dbPath, "SELECT 1", types.QueryModeReadOnly)
	require.NoError(t, err)
	require.Equal(t, 2, spawnCount(t, spawnLog))
}

func ptr(s string) *string { return &s }
