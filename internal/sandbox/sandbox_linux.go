package sandbox

import (
	"os"

	seccomp "github.com/elastic/go-seccomp-bpf"
	"github.com/landlock-lsm/go-landlock/landlock"
	"golang.org/x/sys/unix"
)

// deniedSyscalls is the seccomp deny-list. Everything not named here is
// allowed; the named calls fail with EPERM. Covers process/namespace
// manipulation, all socket operations, kernel modules, the keyring, bpf,
// and perf.
var deniedSyscalls = []string{
	"ptrace", "mount", "umount2", "chroot", "pivot_root", "unshare", "setns",
	"socket", "connect", "bind", "listen", "accept", "accept4",
	"sendto", "recvfrom", "sendmsg", "recvmsg",
	"init_module", "finit_module", "delete_module",
	"add_key", "request_key", "keyctl",
	"bpf", "perf_event_open",
}

// readOnlyRoots are host paths the daemon may read (shared libraries and
// system configuration). Missing roots are skipped.
var readOnlyRoots = []string{"/lib", "/lib64", "/usr", "/etc"}

// DetectCapabilities probes the kernel for each optional isolation layer.
func DetectCapabilities() Capabilities {
	caps := Capabilities{Rlimits: true}

	// landlock_create_ruleset(NULL, 0, LANDLOCK_CREATE_RULESET_VERSION)
	// returns the ABI version instead of a ruleset fd.
	abi, _, errno := unix.Syscall(unix.SYS_LANDLOCK_CREATE_RULESET, 0, 0, unix.LANDLOCK_CREATE_RULESET_VERSION)
	if errno == 0 && int(abi) > 0 {
		caps.LandlockABI = int(abi)
	}
	if _, err := os.Stat("/sys/fs/cgroup/cgroup.controllers"); err == nil {
		caps.CgroupV2 = true
	}
	caps.Seccomp = seccomp.Supported()
	return caps
}

func applyRlimits(l Limits) error {
	for _, r := range []struct {
		resource int
		value    uint64
	}{
		{unix.RLIMIT_AS, l.AddressSpaceBytes},
		{unix.RLIMIT_FSIZE, l.FileSizeBytes},
		{unix.RLIMIT_NOFILE, l.OpenFiles},
		{unix.RLIMIT_NPROC, l.Processes},
	} {
		if err := unix.Setrlimit(r.resource, &unix.Rlimit{Cur: r.value, Max: r.value}); err != nil {
			return err
		}
	}
	return nil
}

func applyLandlock(versionDir string) error {
	var rules []landlock.Rule
	for _, root := range readOnlyRoots {
		if _, err := os.Stat(root); err == nil {
			rules = append(rules, landlock.RODirs(root))
		}
	}
	rw := []string{"/tmp"}
	if versionDir != "" {
		rw = append(rw, versionDir)
	}
	rules = append(rules, landlock.RWDirs(rw...))
	// BestEffort degrades to the highest ABI the kernel supports, down to
	// no-op on pre-5.13 kernels.
	return landlock.V5.BestEffort().RestrictPaths(rules...)
}

func applySeccomp() error {
	filter := seccomp.Filter{
		NoNewPrivs: true,
		Flag:       seccomp.FilterFlagTSync,
		Policy: seccomp.Policy{
			DefaultAction: seccomp.ActionAllow,
			Syscalls: []seccomp.SyscallGroup{{
				Action: seccomp.ActionErrno,
				Names:  deniedSyscalls,
			}},
		},
	}
	return seccomp.LoadFilter(filter)
}
