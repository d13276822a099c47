package pluginsup_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nullboard/pluginsup"
	"github.com/nullboard/pluginsup/internal/runner"
)

// TestMain lets this test binary double as the runner subprocess:
// internal/childproc.Spawn re-executes os.Executable(), which under `go
// test` is this compiled test binary, so it must recognize runner.FlagName
// and dispatch into runner.Main instead of running the test suite.
func TestMain(m *testing.M) {
	if len(os.Args) > 1 && os.Args[1] == runner.FlagName {
		os.Exit(runner.Main(os.Args[2:], os.Stdin, os.Stdout, os.Stderr))
	}
	os.Exit(m.Run())
}

func fixture(name string) string {
	return filepath.Join("testdata", name)
}

// Exercises the register / enable / disable round-trip.
func TestRegisterEnableDisableRoundTrip(t *testing.T) {
	sup := pluginsup.New()

	require.NoError(t, sup.RegisterOne(fixture("example_plugin.lua")))

	registered := sup.Registered()
	require.Len(t, registered, 1)
	require.Equal(t, "example_plugin", registered[0].Name)
	require.True(t, registered[0].Enabled)
	require.True(t, registered[0].Valid)

	require.NoError(t, sup.Disable("example_plugin"))
	d, _ := findByName(sup, "example_plugin")
	require.False(t, d.Enabled)

	require.NoError(t, sup.Enable("example_plugin"))
	d, _ = findByName(sup, "example_plugin")
	require.True(t, d.Enabled)
}

// Registering the same file twice, once by a relative path and once by
// its absolute equivalent, must be rejected as a duplicate.
func TestDuplicateRegistrationByCanonicalPath(t *testing.T) {
	sup := pluginsup.New()

	rel := fixture("example_plugin.lua")
	abs, err := filepath.Abs(rel)
	require.NoError(t, err)

	require.NoError(t, sup.RegisterOne(rel))

	err = sup.RegisterOne(abs)
	require.Error(t, err)
	require.Contains(t, err.Error(), "already registered")

	require.Len(t, sup.Registered(), 1)
}

// Exercises the full start / pause / resume / stop lifecycle.
func TestStartPauseResumeStop(t *testing.T) {
	sup := pluginsup.New()
	require.NoError(t, sup.RegisterOne(fixture("example_plugin.lua")))

	ctx := context.Background()
	const instanceID = uint64(1)

	require.NoError(t, sup.Start(ctx, "example_plugin", nil, t.TempDir(), instanceID))
	requireRunning(t, sup, instanceID, true)

	require.NoError(t, sup.Pause(ctx, instanceID))
	requireRunning(t, sup, instanceID, false)

	require.NoError(t, sup.Resume(ctx, instanceID))
	requireRunning(t, sup, instanceID, true)

	require.NoError(t, sup.Stop(ctx, instanceID))
	requireRunning(t, sup, instanceID, false)
}

// Stop with an uncooperative child that still acks the stop request.
func TestStopUncooperativeChild(t *testing.T) {
	sup := pluginsup.New()
	require.NoError(t, sup.RegisterOne(fixture("uncooperative_plugin.lua")))

	ctx := context.Background()
	const instanceID = uint64(2)
	require.NoError(t, sup.Start(ctx, "uncooperative_plugin", nil, t.TempDir(), instanceID))

	start := time.Now()
	err := sup.Stop(ctx, instanceID)
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.LessOrEqual(t, elapsed, 7*time.Second)
	requireRunning(t, sup, instanceID, false)
}

// A pause that times out must leave the instance's running state
// unchanged.
func TestPauseTimeoutPreservesState(t *testing.T) {
	sup := pluginsup.New()
	require.NoError(t, sup.RegisterOne(fixture("slow_pause_plugin.lua")))

	ctx := context.Background()
	const instanceID = uint64(3)
	require.NoError(t, sup.Start(ctx, "slow_pause_plugin", nil, t.TempDir(), instanceID))

	err := sup.Pause(ctx, instanceID)
	require.Error(t, err)
	require.Contains(t, err.Error(), "timed out")

	requireRunning(t, sup, instanceID, true)

	require.NoError(t, sup.Stop(ctx, instanceID))
}

// Starting a second instance under an id that is already running must
// fail without disturbing the original instance.
func TestDuplicateInstanceID(t *testing.T) {
	sup := pluginsup.New()
	require.NoError(t, sup.RegisterOne(fixture("example_plugin.lua")))

	ctx := context.Background()
	const instanceID = uint64(4)

	require.NoError(t, sup.Start(ctx, "example_plugin", nil, t.TempDir(), instanceID))

	err := sup.Start(ctx, "example_plugin", nil, t.TempDir(), instanceID)
	require.Error(t, err)
	require.Contains(t, err.Error(), "already running")

	require.NoError(t, sup.Stop(ctx, instanceID))

	require.NoError(t, sup.Start(ctx, "example_plugin", nil, t.TempDir(), instanceID))
	require.NoError(t, sup.Stop(ctx, instanceID))
}

// Starting a descriptor whose Valid flag is false always fails with the
// "invalid" error, and invalid plugins never even make it into the
// registry in the first place: registration itself fails.
func TestInvalidPluginRejectedAtRegistration(t *testing.T) {
	sup := pluginsup.New()
	err := sup.RegisterOne(fixture("invalid_plugin.lua"))
	require.Error(t, err)

	var supErr *pluginsup.Error
	require.True(t, errors.As(err, &supErr))
	require.Equal(t, pluginsup.KindInvalid, supErr.Kind)
	require.Empty(t, sup.Registered())
}

// Starting a disabled descriptor fails with "disabled".
func TestStartDisabledPlugin(t *testing.T) {
	sup := pluginsup.New()
	require.NoError(t, sup.RegisterOne(fixture("example_plugin.lua")))
	require.NoError(t, sup.Disable("example_plugin"))

	err := sup.Start(context.Background(), "example_plugin", nil, t.TempDir(), 5)
	require.Error(t, err)
	require.Contains(t, err.Error(), "disabled")
}

// Registration without any optional constants falls back to the file
// stem for the plugin name and records warnings.
func TestRegisterFallsBackToFileStemAndWarns(t *testing.T) {
	sup := pluginsup.New()
	require.NoError(t, sup.RegisterOne(fixture("no_constants_plugin.lua")))

	registered := sup.Registered()
	require.Len(t, registered, 1)
	require.Equal(t, "no_constants_plugin", registered[0].Name)
	require.NotEmpty(t, registered[0].Warnings)
	require.Equal(t, pluginsup.TriggerManual, registered[0].Trigger.Kind)
}

// Stop is not idempotent: a second call on an already-stopped instance
// reports "not running".
func TestStopIsNotIdempotent(t *testing.T) {
	sup := pluginsup.New()
	require.NoError(t, sup.RegisterOne(fixture("example_plugin.lua")))

	ctx := context.Background()
	require.NoError(t, sup.Start(ctx, "example_plugin", nil, t.TempDir(), 6))
	require.NoError(t, sup.Stop(ctx, 6))

	err := sup.Stop(ctx, 6)
	require.Error(t, err)
	require.Contains(t, err.Error(), "not running")
}

func TestApplyConfigPartialApplication(t *testing.T) {
	sup := pluginsup.New()
	require.NoError(t, sup.RegisterOne(fixture("example_plugin.lua")))

	configPath := filepath.Join(t.TempDir(), "plugins.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("plugins:\n  - name: example_plugin\n    enabled: false\n  - name: does_not_exist\n    enabled: true\n"), 0o644))

	err := sup.ApplyConfig(configPath)
	require.Error(t, err)
	require.Contains(t, err.Error(), "not found")

	d, ok := findByName(sup, "example_plugin")
	require.True(t, ok)
	require.False(t, d.Enabled, "record preceding the failing one must have already taken effect")
}

func TestApplyConfigReadFailure(t *testing.T) {
	sup := pluginsup.New()
	err := sup.ApplyConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "Failed to read config:")
}

func findByName(sup *pluginsup.Supervisor, name string) (pluginsup.Descriptor, bool) {
	for _, d := range sup.Registered() {
		if d.Name == name {
			return d, true
		}
	}
	return pluginsup.Descriptor{}, false
}

func requireRunning(t *testing.T, sup *pluginsup.Supervisor, instanceID uint64, want bool) {
	t.Helper()
	for _, e := range sup.Running() {
		if e.InstanceID == instanceID {
			require.True(t, want, "instance %d unexpectedly present in running list", instanceID)
			return
		}
	}
	require.False(t, want, "instance %d missing from running list", instanceID)
}
