//go:build !unix

package sandbox

import (
	"errors"
	"runtime"
)

// DetectCapabilities reports no isolation layers outside Unix.
func DetectCapabilities() Capabilities {
	return Capabilities{}
}

func applyRlimits(Limits) error {
	return errors.New("resource limits not implemented on " + runtime.GOOS)
}

func applyLandlock(string) error {
	return errors.New("filesystem allow-list requires Linux")
}

func applySeccomp() error {
	return errors.New("syscall filter requires Linux")
}
