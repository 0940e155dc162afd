// Package sandbox isolates query daemons from the host. Isolation is
// layered: POSIX resource limits, a Landlock filesystem allow-list, and a
// seccomp syscall deny-list. Every kernel-level layer is best-effort and
// degrades to a logged warning; the engine-level defense (ATTACH disabled,
// defensive mode) is applied by the daemon itself and is never skipped.
package sandbox

import "log/slog"

// Limits are the per-daemon resource limits. Zero values fall back to the
// defaults below.
type Limits struct {
	AddressSpaceBytes uint64
	FileSizeBytes     uint64
	OpenFiles         uint64
	Processes         uint64
}

// DefaultLimits returns the production defaults: 64 MiB address space,
// 75 MiB file size, 10 open files, 2 processes.
func DefaultLimits() Limits {
	return Limits{
		AddressSpaceBytes: 64 << 20,
		FileSizeBytes:     75 << 20,
		OpenFiles:         10,
		Processes:         2,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.AddressSpaceBytes == 0 {
		l.AddressSpaceBytes = d.AddressSpaceBytes
	}
	if l.FileSizeBytes == 0 {
		l.FileSizeBytes = d.FileSizeBytes
	}
	if l.OpenFiles == 0 {
		l.OpenFiles = d.OpenFiles
	}
	if l.Processes == 0 {
		l.Processes = d.Processes
	}
	return l
}

// Config controls the layers applied inside a daemon process.
type Config struct {
	Limits Limits
	// VersionDir is the database's active version directory; it and /tmp
	// are the only writable locations under the filesystem allow-list.
	VersionDir string
	// Disable skips every kernel-level layer. Used by tests and by the
	// snapshot capture path, which runs in the trusted server process.
	Disable bool
}

// Capabilities reports which isolation layers the running kernel offers.
type Capabilities struct {
	LandlockABI int
	CgroupV2    bool
	Rlimits     bool
	Seccomp     bool
}

// LogReport logs one warning per missing layer, and a summary notice when
// the platform has none of the Linux primitives.
func (c Capabilities) LogReport(log *slog.Logger) {
	if c.LandlockABI == 0 {
		log.Warn("filesystem allow-list unavailable (Landlock not supported); continuing without it")
	}
	if !c.CgroupV2 {
		log.Warn("cgroup v2 unavailable; continuing without it")
	}
	if !c.Seccomp {
		log.Warn("syscall filter unavailable (seccomp not supported); continuing without it")
	}
	if !c.Rlimits {
		log.Warn("resource limits unavailable on this platform")
	}
	if c.LandlockABI == 0 && !c.Seccomp {
		log.Warn("no kernel-level isolation available; this platform is not recommended for multi-tenant production")
	}
}

// Apply installs every configured layer in the calling process. Failures in
// optional layers are logged and skipped; only programming errors return.
func Apply(cfg Config, log *slog.Logger) error {
	if cfg.Disable {
		return nil
	}
	limits := cfg.Limits.withDefaults()
	if err := applyRlimits(limits); err != nil {
		log.Warn("applying resource limits failed", "error", err)
	}
	if err := applyLandlock(cfg.VersionDir); err != nil {
		log.Warn("applying filesystem allow-list failed", "error", err)
	}
	if err := applySeccomp(); err != nil {
		log.Warn("applying syscall filter failed", "error", err)
	}
	return nil
}
