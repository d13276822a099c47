// Package runner implements the child side of the Runner Protocol
// It is compiled into the same binary as the
// supervisor and invoked as a hidden subcommand; internal/childproc spawns
// it by re-executing the supervisor's own binary with the FlagName flag set,
// rather than shelling out to a separately installed interpreter.
//
// The runner hosts one gopher-lua VM for the lifetime of the plugin
// instance. Lua VMs are not safe for concurrent use, so every goroutine
// that touches the VM does so under a single mutex that plays the role of
// the embedded interpreter's global interpreter lock — including, notably,
// being released for the duration of the host.sleep Lua builtin so that a
// long-running PluginImpl:run() does not wedge pause/resume/stop handling,
// mirroring how a real embedded interpreter's GIL is dropped around
// blocking calls.
package runner

import (
	_ "embed"
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/nullboard/pluginsup/internal/protocol"
)

// FlagName is the argument that marks an invocation of this binary as a
// runner subprocess rather than the supervisor server itself.
const FlagName = "--plugin-runner"

//go:embed bootstrap.lua
var bootstrapSource string

// Main is the runner subcommand entry point. It returns an exit code once
// stdin reaches EOF (or earlier, on a flag or boot failure); calling
// os.Exit with it is the caller's responsibility. It takes explicit
// stdin/stdout/stderr for testability rather than assuming os.Stdin et al.
func Main(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("runner", flag.ContinueOnError)
	pluginPath := fs.String("plugin-path", "", "path to the plugin Lua source file")
	instanceID := fs.Uint64("instance-id", 0, "instance id assigned by the supervisor")
	tempDir := fs.String("temp-dir", "", "scratch directory made available to the plugin as TEMP_DIR")
	paramsFile := fs.String("params-file", "", "path to a JSON file of start params made available to the plugin as PARAMS")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(stderr, "runner: flag parse error: %v\n", err)
		return 2
	}
	if *pluginPath == "" {
		fmt.Fprintln(stderr, "runner: --plugin-path is required")
		return 2
	}

	r := &runtime{
		instanceID: *instanceID,
		stderr:     stderr,
		out:        bufio.NewWriter(stdout),
	}

	if err := r.boot(*pluginPath, *tempDir, *paramsFile); err != nil {
		fmt.Fprintf(stderr, "runner: boot failed: %v\n", err)
		return 1
	}
	defer r.L.Close()

	r.serve(stdin)
	return 0
}

// runtime holds the long-lived state of one runner process.
type runtime struct {
	instanceID uint64
	stderr     io.Writer

	luaMu sync.Mutex // the interpreter lock
	L     *lua.LState
	inst  *lua.LValue

	outMu sync.Mutex
	out   *bufio.Writer

	stopRequested atomic.Bool
	paused        atomic.Bool
	started       atomic.Bool

	runDone chan struct{}
	runOnce sync.Once
}

func (r *runtime) boot(pluginPath, tempDir, paramsFile string) error {
	r.L = lua.NewState()
	r.L.OpenLibs()

	dir := dirOf(pluginPath)
	mod := moduleStem(pluginPath)
	r.L.SetGlobal("__plugin_dir", lua.LString(dir))
	r.L.SetGlobal("__plugin_module", lua.LString(mod))
	r.L.SetGlobal("TEMP_DIR", lua.LString(tempDir))

	params, err := loadParams(paramsFile)
	if err != nil {
		return fmt.Errorf("load params: %w", err)
	}
	r.L.SetGlobal("PARAMS", toLuaValue(r.L, params))

	r.registerHostAPI()

	if err := r.L.DoString(bootstrapSource); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	inst := r.L.GetGlobal("__instance")
	if inst.Type() == lua.LTNil {
		return fmt.Errorf("bootstrap did not produce __instance")
	}
	r.inst = &inst
	r.runDone = make(chan struct{})
	return nil
}

// registerHostAPI installs the `host` table of Lua-callable primitives a
// cooperative plugin uses inside its run loop: host.sleep(ms) blocks the
// calling goroutine while releasing the interpreter lock, host.should_stop()
// and host.is_paused() poll the control flags set by the stop/pause
// handlers.
func (r *runtime) registerHostAPI() {
	host := r.L.NewTable()
	r.L.SetGlobal("host", host)

	r.L.SetField(host, "sleep", r.L.NewFunction(func(L *lua.LState) int {
		ms := L.CheckInt64(1)
		r.luaMu.Unlock()
		time.Sleep(time.Duration(ms) * time.Millisecond)
		r.luaMu.Lock()
		return 0
	}))
	r.L.SetField(host, "should_stop", r.L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LBool(r.stopRequested.Load()))
		return 1
	}))
	r.L.SetField(host, "is_paused", r.L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LBool(r.paused.Load()))
		return 1
	}))
}

// serve reads request lines from stdin until EOF, dispatching each to its
// handler. Returning from serve ends Main, whose deferred r.L.Close() would
// otherwise race a still-executing PluginImpl:run() if stdin closes before
// the plugin notices stopRequested; waiting on runDone here (when run was
// ever launched) closes that window.
func (r *runtime) serve(stdin io.Reader) {
	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var wg sync.WaitGroup
	for scanner.Scan() {
		line := scanner.Bytes()
		var req protocol.Request
		if err := json.Unmarshal(line, &req); err != nil {
			fmt.Fprintf(r.stderr, "runner: unparseable request: %v\n", err)
			continue
		}
		if req.InstanceID != r.instanceID {
			fmt.Fprintf(r.stderr, "runner: request for foreign instance %d ignored\n", req.InstanceID)
			continue
		}
		r.dispatch(req, &wg)
	}
	wg.Wait()
	if r.started.Load() {
		<-r.runDone
	}
}

func (r *runtime) dispatch(req protocol.Request, wg *sync.WaitGroup) {
	switch req.Cmd {
	case protocol.CmdStart:
		r.handleStart(req)
	case protocol.CmdStop:
		r.handleStop(req)
	case protocol.CmdPause:
		wg.Add(1)
		go func() { defer wg.Done(); r.handleBlockingMethod(req, "pause", &r.paused, true) }()
	case protocol.CmdResume:
		wg.Add(1)
		go func() { defer wg.Done(); r.handleBlockingMethod(req, "resume", &r.paused, false) }()
	default:
		r.ack(req, false, nil, fmt.Sprintf("unknown command %q", req.Cmd), "")
	}
}

// handleStart launches PluginImpl:run() on a dedicated goroutine holding
// the interpreter lock for as long as run executes, and acks immediately:
// run must execute on its own worker goroutine, not on the
// command-processing path.
func (r *runtime) handleStart(req protocol.Request) {
	r.luaMu.Lock()
	method, ok := r.lookupMethod("run")
	r.luaMu.Unlock()
	if !ok {
		r.ack(req, false, nil, "PluginImpl.run is not defined", "")
		return
	}

	r.started.Store(true)
	go func() {
		r.luaMu.Lock()
		err := r.callMethod(method)
		r.luaMu.Unlock()
		if err != nil {
			fmt.Fprintf(r.stderr, "runner: run exited with error: %v\n", err)
			r.emitEvent("run_error")
		} else {
			r.emitEvent("run_finished")
		}
		r.runOnce.Do(func() { close(r.runDone) })
	}()

	r.ack(req, true, nil, "", "")
}

// handleStop sets the cooperative stop flag, makes a best-effort
// non-blocking attempt to invoke PluginImpl:stop() (only when the
// interpreter lock is free at that moment, e.g. while run is parked in
// host.sleep or has not started; otherwise the hook is skipped), and always
// acks success: the
// supervisor's own stop path tolerates a child that acknowledges stop but
// never actually exits by forcibly terminating it.
func (r *runtime) handleStop(req protocol.Request) {
	r.stopRequested.Store(true)

	if r.luaMu.TryLock() {
		if method, ok := r.lookupMethod("stop"); ok {
			if err := r.callMethod(method); err != nil {
				fmt.Fprintf(r.stderr, "runner: stop hook error: %v\n", err)
			}
		}
		r.luaMu.Unlock()
	}

	r.ack(req, true, nil, "", "")
}

// handleBlockingMethod acquires the interpreter lock (which may block for
// as long as run or another command is in flight, or however long
// host.sleep keeps it released), invokes the named optional method if
// present, and acks with its outcome. When the method is absent the flag is
// still flipped and the call reports success, matching pause/resume's
// idempotence.
func (r *runtime) handleBlockingMethod(req protocol.Request, name string, flag *atomic.Bool, setTo bool) {
	r.luaMu.Lock()
	defer r.luaMu.Unlock()

	method, ok := r.lookupMethod(name)
	if !ok {
		flag.Store(setTo)
		r.ack(req, true, nil, "", "")
		return
	}
	if err := r.callMethod(method); err != nil {
		r.ack(req, false, nil, err.Error(), "")
		return
	}
	flag.Store(setTo)
	r.ack(req, true, nil, "", "")
}

// lookupMethod resolves a method field on the plugin instance via
// GetField, which follows __index metatables so instances built with the
// common Lua "class" idiom (methods defined on a shared table, instances
// holding only data and a metatable pointing back to it) resolve
// correctly, not just instances with the method set directly on their own
// table. Caller must hold luaMu.
func (r *runtime) lookupMethod(name string) (lua.LValue, bool) {
	fn := r.L.GetField(*r.inst, name)
	if fn.Type() != lua.LTFunction {
		return nil, false
	}
	return fn, true
}

// callMethod invokes a method with the instance as self. Caller must hold
// luaMu.
func (r *runtime) callMethod(method lua.LValue) error {
	return r.L.CallByParam(lua.P{
		Fn:      method,
		NRet:    0,
		Protect: true,
	}, *r.inst)
}

func (r *runtime) ack(req protocol.Request, ok bool, result any, errMsg, trace string) {
	msg := protocol.Message{
		InstanceID: r.instanceID,
		RequestID:  req.RequestID,
		OK:         &ok,
		Result:     result,
		Error:      errMsg,
		Trace:      trace,
	}
	r.writeMessage(msg)
}

func (r *runtime) emitEvent(event string) {
	r.writeMessage(protocol.Message{InstanceID: r.instanceID, Event: event})
}

func (r *runtime) writeMessage(msg protocol.Message) {
	b, err := json.Marshal(msg)
	if err != nil {
		fmt.Fprintf(r.stderr, "runner: marshal message: %v\n", err)
		return
	}
	r.outMu.Lock()
	defer r.outMu.Unlock()
	r.out.Write(b)
	r.out.WriteByte('\n')
	r.out.Flush()
}

func dirOf(path string) string {
	i := lastSlash(path)
	if i < 0 {
		return "."
	}
	return path[:i]
}

func moduleStem(path string) string {
	i := lastSlash(path)
	base := path
	if i >= 0 {
		base = path[i+1:]
	}
	for j := len(base) - 1; j >= 0; j-- {
		if base[j] == '.' {
			return base[:j]
		}
	}
	return base
}

func lastSlash(path string) int {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return i
		}
	}
	return -1
}

// loadParams reads and decodes the optional params JSON file written by
// internal/childproc.writeParamsFile. An empty path yields an empty map, not
// an error: start params are optional.
func loadParams(path string) (map[string]any, error) {
	if path == "" {
		return map[string]any{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// toLuaValue converts a decoded JSON value (as produced by
// encoding/json.Unmarshal into "any") into the equivalent gopher-lua value,
// so PARAMS is usable as an ordinary Lua table rather than an opaque blob.
func toLuaValue(L *lua.LState, v any) lua.LValue {
	switch t := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(t)
	case float64:
		return lua.LNumber(t)
	case string:
		return lua.LString(t)
	case []any:
		tbl := L.NewTable()
		for i, elem := range t {
			tbl.RawSetInt(i+1, toLuaValue(L, elem))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, elem := range t {
			tbl.RawSetString(k, toLuaValue(L, elem))
		}
		return tbl
	default:
		return lua.LNil
	}
}
