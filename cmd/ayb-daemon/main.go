// Command ayb-daemon is the per-database query helper spawned by the ayb
// server. It sandboxes itself, opens exactly one SQLite database, and serves
// newline-delimited JSON query frames on stdin/stdout until stdin closes.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/ayedb/ayb/internal/qdaemon"
	"github.com/ayedb/ayb/internal/sandbox"
)

func main() {
	var (
		dbPath     = flag.String("db", "", "path to the SQLite database file")
		versionDir = flag.String("version-dir", "", "writable version directory for the database")
		noSandbox  = flag.Bool("no-sandbox", false, "skip kernel-level isolation")
		limitAS    = flag.Uint64("limit-as", 0, "address space limit in bytes (0 = default)")
		limitFsize = flag.Uint64("limit-fsize", 0, "file size limit in bytes (0 = default)")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	if *dbPath == "" {
		fmt.Fprintln(os.Stderr, "Error: --db is required")
		os.Exit(2)
	}

	cfg := sandbox.Config{
		Limits: sandbox.Limits{
			AddressSpaceBytes: *limitAS,
			FileSizeBytes:     *limitFsize,
		},
		VersionDir: *versionDir,
		Disable:    *noSandbox,
	}

	if err := qdaemon.Run(*dbPath, cfg, os.Stdin, os.Stdout, log); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
