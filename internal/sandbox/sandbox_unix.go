//go:build unix && !linux

package sandbox

import (
	"errors"
	"runtime"

	"golang.org/x/sys/unix"
)

// DetectCapabilities reports the layers available on non-Linux Unix:
// resource limits only.
func DetectCapabilities() Capabilities {
	return Capabilities{Rlimits: true}
}

func applyRlimits(l Limits) error {
	for _, r := range []struct {
		resource int
		value    uint64
	}{
		{unix.RLIMIT_AS, l.AddressSpaceBytes},
		{unix.RLIMIT_FSIZE, l.FileSizeBytes},
		{unix.RLIMIT_NOFILE, l.OpenFiles},
	} {
		if err := unix.Setrlimit(r.resource, &unix.Rlimit{Cur: r.value, Max: r.value}); err != nil {
			return err
		}
	}
	return nil
}

func applyLandlock(string) error {
	return errors.New("filesystem allow-list requires Linux")
}

func applySeccomp() error {
	return errors.New("syscall filter requires " + runtime.GOOS + ": Linux only")
}
