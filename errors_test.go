package pluginsup

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorPrefixContract(t *testing.T) {
	cases := []struct {
		err    *Error
		prefix string
	}{
		{errAlreadyRegistered("RegisterOne", "/a.lua"), "already registered"},
		{errNotRegistered("Start", "a"), "not registered"},
		{errNotFound("Enable", "a"), "not found"},
		{errAlreadyRunning("Start", 1), "already running"},
		{errNotRunning("Stop", 1), "not running"},
		{errInvalidPlugin("Start", "a"), "invalid"},
		{errDisabledPlugin("Start", "a"), "disabled"},
		{errTimedOut("Pause", "detail"), "timed out"},
		{errConfig("ApplyConfig", KindConfigRead, errors.New("Failed to read config: boom")), "Failed to read config:"},
		{errConfig("ApplyConfig", KindConfigParse, errors.New("Failed to parse config: boom")), "Failed to parse config:"},
		{runnerFailedError("Start", "start", "boom", ""), "Runner cmd 'start' failed: boom"},
	}
	for _, c := range cases {
		require.Contains(t, c.err.Error(), c.prefix)
	}
}

func TestRunnerFailedErrorIncludesTrace(t *testing.T) {
	err := runnerFailedError("Start", "start", "boom", "line 1\nline 2")
	require.Contains(t, err.Error(), "Python traceback:")
	require.Contains(t, err.Error(), "line 1\nline 2")
}

func TestErrorIsMatchesSentinel(t *testing.T) {
	err := errNotRunning("Stop", 1)
	require.True(t, errors.Is(err, ErrNotRunning))
	require.False(t, errors.Is(err, ErrNotFound))
}

func TestErrorWithContext(t *testing.T) {
	base := errNotFound("Enable", "a")
	withCtx := base.WithContext(map[string]any{"plugin": "a"})

	require.Nil(t, base.Context)
	require.Equal(t, "a", withCtx.Context["plugin"])

	withMore := withCtx.WithContext(map[string]any{"attempt": 2})
	require.Equal(t, "a", withMore.Context["plugin"])
	require.Equal(t, 2, withMore.Context["attempt"])
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	e := newError("Op", KindTransport, cause)
	require.Same(t, cause, errors.Unwrap(e))
}
