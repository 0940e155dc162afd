package sandbox

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultLimits(t *testing.T) {
	l := DefaultLimits()
	require.Equal(t, uint64(64<<20), l.AddressSpaceBytes)
	require.Equal(t, uint64(75<<20), l.FileSizeBytes)
	require.Equal(t, uint64(10), l.OpenFiles)
	require.Equal(t, uint64(2), l.Processes)
}

func TestWithDefaultsFillsZeroFieldsOnly(t *testing.T) {
	l := Limits{OpenFiles: 42}.withDefaults()
	require.Equal(t, uint64(42), l.OpenFiles)
	require.Equal(t, DefaultLimits().AddressSpaceBytes, l.AddressSpaceBytes)
	require.Equal(t, DefaultLimits().Processes, l.Processes)
}

func TestApplyDisabledIsNoOp(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	require.NoError(t, Apply(Config{Disable: true}, log))
}

func TestDetectCapabilitiesDoesNotPanic(t *testing.T) {
	// Capability probing must be safe on any kernel; the values themselves
	// depend on the host.
	caps := DetectCapabilities()
	require.GreaterOrEqual(t, caps.LandlockABI, 0)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	caps.LogReport(log)
}
