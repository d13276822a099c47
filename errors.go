package pluginsup

import (
	"errors"
	"fmt"
)

// Sentinel errors usable with errors.Is() independent of a particular Op.
var (
	ErrAlreadyRegistered = errors.New("already registered")
	ErrNotRegistered     = errors.New("not registered")
	ErrNotFound          = errors.New("not found")
	ErrAlreadyRunning    = errors.New("already running")
	ErrNotRunning        = errors.New("not running")
	ErrInvalid           = errors.New("invalid")
	ErrDisabled          = errors.New("disabled")
	ErrTimedOut          = errors.New("timed out")
)

// Kind categorizes an Error by the message-prefix contract every caller of
// this package relies on; see Error.Error for the text each Kind's message
// begins with.
type Kind string

const (
	KindAlreadyRegistered Kind = "already_registered"
	KindNotRegistered     Kind = "not_registered"
	KindNotFound          Kind = "not_found"
	KindAlreadyRunning    Kind = "already_running"
	KindNotRunning        Kind = "not_running"
	KindInvalid           Kind = "invalid"
	KindDisabled          Kind = "disabled"
	KindConfigRead        Kind = "config_read"
	KindConfigParse       Kind = "config_parse"
	KindTimedOut          Kind = "timed_out"
	KindRunnerFailed      Kind = "runner_failed"
	KindTransport         Kind = "transport"
)

// Error is the supervisor's single structured error type, modeled on the
// teacher's SDKError: Op identifies the failing operation, Kind categorizes
// the failure, and Err carries the underlying cause. Error()'s returned
// string does not depend on Op or Context, so callers relying on substring
// matching keep working regardless of either.
type Error struct {
	Op      string
	Kind    Kind
	Err     error
	Context map[string]any
}

// Error returns the message exactly as constructed by the call site, with
// the Kind's bare prefix as a fallback when no cause was supplied. The
// errXxx constructors below bake the Kind's prefix (e.g. "not running")
// into Err; runnerFailedError's message begins "Runner cmd '<cmd>' failed:";
// errConfig and errTransport pass the supplied cause through unchanged, so
// the config prefixes come from that cause (internal/supcfg.Load).
func (e *Error) Error() string {
	if e.Err == nil {
		return kindPrefix(e.Kind)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches against the Kind's sentinel error, so errors.Is(err,
// pluginsup.ErrNotRunning) works regardless of Op or wrapped cause.
func (e *Error) Is(target error) bool {
	return errors.Is(kindSentinel(e.Kind), target)
}

// WithContext returns a copy of e with ctx merged into Context.
func (e *Error) WithContext(ctx map[string]any) *Error {
	cp := *e
	cp.Context = make(map[string]any, len(e.Context)+len(ctx))
	for k, v := range e.Context {
		cp.Context[k] = v
	}
	for k, v := range ctx {
		cp.Context[k] = v
	}
	return &cp
}

func kindPrefix(k Kind) string {
	switch k {
	case KindAlreadyRegistered:
		return "already registered"
	case KindNotRegistered:
		return "not registered"
	case KindNotFound:
		return "not found"
	case KindAlreadyRunning:
		return "already running"
	case KindNotRunning:
		return "not running"
	case KindInvalid:
		return "invalid"
	case KindDisabled:
		return "disabled"
	case KindConfigRead:
		return "Failed to read config"
	case KindConfigParse:
		return "Failed to parse config"
	case KindTimedOut:
		return "timed out"
	case KindRunnerFailed:
		return "runner command failed"
	default:
		return "transport error"
	}
}

func kindSentinel(k Kind) error {
	switch k {
	case KindAlreadyRegistered:
		return ErrAlreadyRegistered
	case KindNotRegistered:
		return ErrNotRegistered
	case KindNotFound:
		return ErrNotFound
	case KindAlreadyRunning:
		return ErrAlreadyRunning
	case KindNotRunning:
		return ErrNotRunning
	case KindInvalid:
		return ErrInvalid
	case KindDisabled:
		return ErrDisabled
	case KindTimedOut:
		return ErrTimedOut
	default:
		return errors.New(kindPrefix(k))
	}
}

func newError(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// runnerFailedError formats the "Runner cmd '<cmd>' failed: <error>" message
// required by the message-prefix contract, appending the traceback when
// the child supplied one.
func runnerFailedError(op, cmd, msg, trace string) *Error {
	err := fmt.Errorf("Runner cmd '%s' failed: %s", cmd, msg)
	if trace != "" {
		err = fmt.Errorf("%w\nPython traceback:\n%s", err, trace)
	}
	return newError(op, KindRunnerFailed, err)
}

func errAlreadyRegistered(op, canonicalPath string) *Error {
	return newError(op, KindAlreadyRegistered, fmt.Errorf("already registered: %s", canonicalPath))
}

func errNotRegistered(op, name string) *Error {
	return newError(op, KindNotRegistered, fmt.Errorf("not registered: %s", name))
}

func errNotFound(op, name string) *Error {
	return newError(op, KindNotFound, fmt.Errorf("not found: %s", name))
}

func errAlreadyRunning(op string, instanceID uint64) *Error {
	return newError(op, KindAlreadyRunning, fmt.Errorf("already running: instance %d", instanceID))
}

func errNotRunning(op string, instanceID uint64) *Error {
	return newError(op, KindNotRunning, fmt.Errorf("not running: instance %d", instanceID))
}

func errInvalidPlugin(op, name string) *Error {
	return newError(op, KindInvalid, fmt.Errorf("invalid: plugin %q failed validation", name))
}

func errDisabledPlugin(op, name string) *Error {
	return newError(op, KindDisabled, fmt.Errorf("disabled: plugin %q", name))
}

func errTimedOut(op, detail string) *Error {
	return newError(op, KindTimedOut, fmt.Errorf("timed out: %s", detail))
}

func errTransport(op string, err error) *Error {
	return newError(op, KindTransport, err)
}

func errConfig(op string, kind Kind, err error) *Error {
	return newError(op, kind, err)
}
