// Package registry maintains the map from canonical database path to a live
// query-daemon handle. It guarantees exactly-once spawn under concurrent
// first access, serializes frames per daemon, and retires handles on
// shutdown, restore, or crash.
package registry

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/ayedb/ayb/internal/pathlayout"
	"github.com/ayedb/ayb/internal/qdaemon"
	"github.com/ayedb/ayb/internal/sandbox"
	"github.com/ayedb/ayb/internal/types"
)

// Config tells the registry how to start daemons.
type Config struct {
	// DaemonPath is the ayb-daemon helper binary.
	DaemonPath string
	// NsjailPath, when set, wraps the daemon argv in the isolation helper.
	NsjailPath string
	// Limits are forwarded to the daemon's sandbox.
	Limits sandbox.Limits
	// DisableSandbox turns off kernel-level isolation in spawned daemons.
	DisableSandbox bool
}

// handle owns one daemon process. The mutex serializes whole frames: the
// daemon is single-threaded at the protocol level, so a request must read
// its response before the next request is written.
type handle struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
}

// Registry is safe for concurrent use. The registry mutex protects only
// membership; steady-state queries contend on their handle alone.
type Registry struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	daemons map[string]*handle
}

// New creates an empty registry.
func New(cfg Config, log *slog.Logger) *Registry {
	return &Registry{cfg: cfg, log: log, daemons: make(map[string]*handle)}
}

// ExecuteQuery runs one query against the daemon for dbPath, spawning it on
// first access. A daemon that dies mid-request surfaces as DaemonCrashed
// and is removed so the next caller respawns.
func (r *Registry) ExecuteQuery(ctx context.Context, dbPath string, query string, mode types.QueryMode) (*qdaemon.QueryResult, error) {
	canonical, err := pathlayout.Canonicalize(dbPath)
	if err != nil {
		return nil, err
	}

	h, err := r.obtain(canonical)
	if err != nil {
		return nil, err
	}

	resp, err := h.roundTrip(ctx, qdaemon.Request{Query: query, QueryMode: mode})
	if err != nil {
		// A cancelled request is the caller's failure, not the daemon's;
		// the handle stays live for the next query.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		r.remove(canonical, h)
		return nil, types.Errorf(types.KindDaemonCrashed, "query daemon for %s exited: %v", filepath.Base(canonical), err)
	}
	if resp.Error != "" {
		return nil, types.Errorf(types.KindQueryError, "%s", resp.Error)
	}
	return &qdaemon.QueryResult{Fields: resp.Fields, Rows: resp.Rows}, nil
}

// obtain returns the live handle for a canonical path, spawning under the
// registry mutex so N concurrent first-time callers start exactly one
// daemon. Spawn is cheap (fork/exec, no query work), so holding the mutex
// across it is acceptable.
func (r *Registry) obtain(canonical string) (*handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.daemons[canonical]; ok {
		return h, nil
	}
	h, err := r.spawn(canonical)
	if err != nil {
		return nil, err
	}
	r.daemons[canonical] = h
	return h, nil
}

func (r *Registry) spawn(canonical string) (*handle, error) {
	args := []string{
		"--db", canonical,
		"--version-dir", filepath.Dir(canonical),
	}
	if r.cfg.DisableSandbox {
		args = append(args, "--no-sandbox")
	}
	if r.cfg.Limits.AddressSpaceBytes != 0 {
		args = append(args, "--limit-as", fmt.Sprint(r.cfg.Limits.AddressSpaceBytes))
	}
	if r.cfg.Limits.FileSizeBytes != 0 {
		args = append(args, "--limit-fsize", fmt.Sprint(r.cfg.Limits.FileSizeBytes))
	}

	var cmd *exec.Cmd
	if r.cfg.NsjailPath != "" {
		cmd = exec.Command(r.cfg.NsjailPath, append([]string{"--", r.cfg.DaemonPath}, args...)...)
	} else {
		cmd = exec.Command(r.cfg.DaemonPath, args...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, types.Errorf(types.KindIO, "daemon stdin: %v", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, types.Errorf(types.KindIO, "daemon stdout: %v", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, types.Errorf(types.KindIO, "starting daemon for %s: %v", canonical, err)
	}
	r.log.Info("spawned query daemon", "db", canonical, "pid", cmd.Process.Pid, "isolated", r.cfg.NsjailPath != "")
	return &handle{cmd: cmd, stdin: stdin, stdout: bufio.NewReader(stdout)}, nil
}

// roundTrip writes one request frame and reads exactly one response line.
func (h *handle) roundTrip(ctx context.Context, req qdaemon.Request) (*qdaemon.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	frame, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if _, err := h.stdin.Write(append(frame, '\n')); err != nil {
		return nil, err
	}
	line, err := h.stdout.ReadBytes('\n')
	if err != nil {
		// Zero-byte read: the daemon is gone.
		return nil, fmt.Errorf("reading response: %w", err)
	}
	var resp qdaemon.Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &resp, nil
}

// remove retires a dead handle, but only if it is still the registered one;
// a concurrent caller may already have respawned.
func (r *Registry) remove(canonical string, h *handle) {
	r.mu.Lock()
	if cur, ok := r.daemons[canonical]; ok && cur == h {
		delete(r.daemons, canonical)
	}
	r.mu.Unlock()
	h.stop()
}

// ShutDown retires the daemon for dbPath: close stdin for a graceful exit,
// then kill if still alive. Restore and delete must call this for the old
// canonical path before swapping the current pointer.
func (r *Registry) ShutDown(dbPath string) {
	canonical, err := pathlayout.Canonicalize(dbPath)
	if err != nil {
		canonical = dbPath
	}
	r.mu.Lock()
	h, ok := r.daemons[canonical]
	if ok {
		delete(r.daemons, canonical)
	}
	r.mu.Unlock()
	if ok {
		h.stop()
	}
}

// ShutDownAll retires every daemon. Called at server shutdown.
func (r *Registry) ShutDownAll() {
	r.mu.Lock()
	daemons := r.daemons
	r.daemons = make(map[string]*handle)
	r.mu.Unlock()
	for _, h := range daemons {
		h.stop()
	}
}

// Size reports the number of live daemons; used by tests and diagnostics.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.daemons)
}

func (h *handle) stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	_ = h.stdin.Close()
	if h.cmd.Process != nil {
		done := make(chan struct{})
		go func() {
			_ = h.cmd.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			_ = h.cmd.Process.Kill()
			<-done
		}
	}
}
