package pluginsup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nullboard/pluginsup/internal/childproc"
	"github.com/nullboard/pluginsup/internal/clustermirror"
	"github.com/nullboard/pluginsup/internal/eventbus"
	"github.com/nullboard/pluginsup/internal/introspect"
	"github.com/nullboard/pluginsup/internal/obstrace"
	"github.com/nullboard/pluginsup/internal/protocol"
	"github.com/nullboard/pluginsup/internal/registry"
	"github.com/nullboard/pluginsup/internal/supcfg"

	"go.opentelemetry.io/otel/trace"
)

// Fixed deadlines for every lifecycle command.
const (
	startTimeout    = 5 * time.Second
	stopAckTimeout  = 2 * time.Second
	stopExitTimeout = 2 * time.Second
	stopReapTimeout = 2 * time.Second
	pauseTimeout    = 2 * time.Second
	resumeTimeout   = 2 * time.Second
)

// Public re-exports of the registry's data model, so callers of this
// package never need to import the internal registry package directly.
type (
	Descriptor  = registry.Descriptor
	Trigger     = registry.Trigger
	TriggerKind = registry.TriggerKind
)

const (
	TriggerManual        = registry.TriggerManual
	TriggerOnEntryCreate = registry.TriggerOnEntryCreate
	TriggerOnEntryUpdate = registry.TriggerOnEntryUpdate
	TriggerOnEntryDelete = registry.TriggerOnEntryDelete
	TriggerOnSchedule    = registry.TriggerOnSchedule
)

// RunningEntry pairs a descriptor with the id of one of its running
// instances, as returned by Running.
type RunningEntry struct {
	Descriptor Descriptor
	InstanceID uint64
}

// Supervisor is the public façade: registration, configuration
// application, and the start/stop/pause/resume operations built on top of
// the Child Driver and Instance Registry.
type Supervisor struct {
	reg *registry.Registry

	logger *slog.Logger
	tracer trace.Tracer
	mirror *clustermirror.Mirror
	bus    *eventbus.Bus
}

// New constructs a Supervisor. With no options it logs JSON to stdout and
// performs no tracing, cluster mirroring, or event publication.
func New(opts ...Option) *Supervisor {
	cfg := &supervisorConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Supervisor{
		reg:    registry.New(),
		logger: cfg.logger,
		tracer: cfg.tracer,
		mirror: cfg.mirror,
		bus:    cfg.bus,
	}
}

// RegisterOne validates and registers a single plugin source file.
func (s *Supervisor) RegisterOne(sourcePath string) error {
	const op = "RegisterOne"

	canonical, err := canonicalize(sourcePath)
	if err != nil {
		return errTransport(op, fmt.Errorf("canonicalize %s: %w", sourcePath, err))
	}
	if s.reg.HasPath(canonical) {
		return errAlreadyRegistered(op, canonical)
	}

	warnings, err := introspect.Validate(canonical)
	if err != nil {
		return newError(op, KindInvalid, fmt.Errorf("invalid: %w", err))
	}

	consts, err := introspect.ReadConstants(canonical)
	if err != nil {
		// ReadConstants only fails if the module cannot be imported at
		// all, which Validate above already proved works; treat as an
		// empty best-effort result rather than failing registration.
		s.logger.Debug("constant extraction failed after successful validation", "source_path", canonical, "error", err)
	}

	name := consts.Name
	if !consts.HasName || strings.TrimSpace(name) == "" {
		name = moduleStem(canonical)
	}
	if name == "" {
		name = "unknown"
	}
	if _, exists := s.reg.ByName(name); exists {
		return errAlreadyRegistered(op, canonical)
	}

	description := consts.Description
	if !consts.HasDesc || description == "" {
		description = fmt.Sprintf("Plugin loaded from %s", canonical)
	}

	trigger := parseTrigger(consts.Trigger, consts.HasTrigger)

	d := &registry.Descriptor{
		Name:        name,
		Description: description,
		Trigger:     trigger,
		SourcePath:  canonical,
		Enabled:     true,
		Valid:       true,
		Warnings:    warnings,
	}
	s.reg.Append(d)
	s.logger.Info("plugin registered", "name", name, "source_path", canonical, "trigger", trigger.String(), "warnings", len(warnings))

	s.mirrorPut(d)
	return nil
}

// RegisterDirectory registers every plugin source file that is an
// immediate child of directory. On the first failure it returns that
// error; descriptors registered by earlier iterations remain registered.
func (s *Supervisor) RegisterDirectory(directory string) error {
	const op = "RegisterDirectory"

	entries, err := os.ReadDir(directory)
	if err != nil {
		return errTransport(op, fmt.Errorf("read directory %s: %w", directory, err))
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if !isPluginSource(entry.Name()) {
			continue
		}
		if err := s.RegisterOne(filepath.Join(directory, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

// ApplyConfig loads the YAML enable/disable document at path and applies
// it record by record. Partial application is observable: records
// preceding the first failing one have already taken effect.
func (s *Supervisor) ApplyConfig(path string) error {
	const op = "ApplyConfig"

	doc, err := supcfg.Load(path)
	if err != nil {
		kind := KindConfigParse
		if strings.Contains(err.Error(), "Failed to read config:") {
			kind = KindConfigRead
		}
		return newError(op, kind, err)
	}

	for _, entry := range doc.Plugins {
		if !s.reg.SetEnabled(entry.Name, entry.Enabled) {
			return errNotFound(op, entry.Name)
		}
		if d, ok := s.reg.ByName(entry.Name); ok {
			s.mirrorPut(d)
		}
	}
	return nil
}

// Start spawns and starts a new instance of the named plugin under
// instanceID. params and tempDir are forwarded to the runner subprocess as
// PARAMS and TEMP_DIR Lua globals.
func (s *Supervisor) Start(ctx context.Context, pluginName string, params map[string]any, tempDir string, instanceID uint64) (err error) {
	const op = "Start"

	if s.reg.HasInstance(instanceID) {
		return errAlreadyRunning(op, instanceID)
	}
	desc, ok := s.reg.ByName(pluginName)
	if !ok {
		return errNotRegistered(op, pluginName)
	}
	if !desc.Valid {
		return errInvalidPlugin(op, pluginName)
	}
	if !desc.Enabled {
		return errDisabledPlugin(op, pluginName)
	}

	ctx, end := s.startSpan(ctx, "start", pluginName, instanceID)
	defer func() { end(err) }()

	child, spawnErr := childproc.Spawn(ctx, desc.SourcePath, instanceID, s.logger, childproc.SpawnParams{
		Params:  params,
		TempDir: tempDir,
	})
	if spawnErr != nil {
		err = errTransport(op, spawnErr)
		return err
	}

	if _, ackErr := sendAndAwait(op, child, child.Messages(), instanceID, 1, protocol.CmdStart, startTimeout, s.logger, s.bus); ackErr != nil {
		_ = child.CloseStdin()
		err = ackErr
		return err
	}

	s.reg.InsertInstance(&registry.Instance{
		ID:           instanceID,
		PluginName:   pluginName,
		State:        registry.StateRunning,
		ChildHandle:  child,
		Messages:     child.Messages(),
		NextSequence: 2,
	})
	s.logger.Info("instance started", "plugin", pluginName, "instance_id", instanceID)
	return nil
}

// Stop removes instanceID from the registry and drives it through a soft
// stop (ACK then exit wait) falling back to a forced kill. Stop is not
// idempotent: a second call on the same id returns "not running".
func (s *Supervisor) Stop(ctx context.Context, instanceID uint64) (err error) {
	const op = "Stop"

	inst, ok := s.reg.RemoveInstance(instanceID)
	if !ok {
		return errNotRunning(op, instanceID)
	}

	_, end := s.startSpan(ctx, "stop", inst.PluginName, instanceID)
	defer func() { end(err) }()

	_, ackErr := sendAndAwait(op, inst.ChildHandle, inst.Messages, instanceID, inst.NextSequence, protocol.CmdStop, stopAckTimeout, s.logger, s.bus)
	if ackErr == nil {
		// A successful stop ACK is the runner's promise that it has seen
		// the request; closing stdin now is the cooperative-exit signal
		// that lets its serve loop return once PluginImpl:run() finishes,
		// so the exit wait below can actually observe a soft stop instead
		// of always falling through to a forced kill.
		_ = inst.ChildHandle.CloseStdin()
		if exited, _ := inst.ChildHandle.WaitTimeout(stopExitTimeout); exited {
			s.logger.Info("instance stopped cooperatively", "instance_id", instanceID)
			return nil
		}
	} else {
		s.logger.Warn("stop ack failed or timed out, forcing termination", "instance_id", instanceID, "error", ackErr)
	}

	if killErr := inst.ChildHandle.Kill(); killErr != nil {
		s.logger.Debug("kill failed, process may have already exited", "instance_id", instanceID, "error", killErr)
	}
	doneCh := make(chan error, 1)
	inst.ChildHandle.Wait(doneCh)
	select {
	case <-doneCh:
	case <-time.After(stopReapTimeout):
		s.logger.Warn("timed out reaping killed instance", "instance_id", instanceID)
	}
	s.logger.Info("instance force-stopped", "instance_id", instanceID)
	return nil
}

// Pause sends a pause command to instanceID. Already Paused instances
// return success without sending a command (idempotent). A failed or
// timed-out pause leaves the instance's state unchanged.
func (s *Supervisor) Pause(ctx context.Context, instanceID uint64) error {
	return s.transition(ctx, "pause", instanceID, protocol.CmdPause, pauseTimeout, registry.StatePaused, registry.StateRunning)
}

// Resume sends a resume command to instanceID, symmetric to Pause.
func (s *Supervisor) Resume(ctx context.Context, instanceID uint64) error {
	return s.transition(ctx, "resume", instanceID, protocol.CmdResume, resumeTimeout, registry.StateRunning, registry.StatePaused)
}

// transition implements the shared shape of Pause and Resume: idempotent
// when already in targetState, otherwise sends cmd and transitions on
// success only.
func (s *Supervisor) transition(ctx context.Context, opName string, instanceID uint64, cmd protocol.Command, timeout time.Duration, targetState, fromState registry.InstanceState) (err error) {
	op := capitalize(opName)

	inst, ok := s.reg.Instance(instanceID)
	if !ok {
		return errNotRunning(op, instanceID)
	}
	if inst.State == targetState {
		return nil
	}

	seq, ok := s.reg.NextSequence(instanceID)
	if !ok {
		return errNotRunning(op, instanceID)
	}

	_, end := s.startSpan(ctx, opName, inst.PluginName, instanceID)
	defer func() { end(err) }()

	if _, ackErr := sendAndAwait(op, inst.ChildHandle, inst.Messages, instanceID, seq, cmd, timeout, s.logger, s.bus); ackErr != nil {
		err = ackErr
		return err
	}

	s.reg.SetInstanceState(instanceID, targetState)
	s.logger.Info("instance "+opName+"d", "instance_id", instanceID)
	return nil
}

// Running returns (descriptor, instance id) pairs for every instance whose
// state is Running; paused instances are filtered out.
func (s *Supervisor) Running() []RunningEntry {
	pairs := s.reg.RunningPairs()
	out := make([]RunningEntry, len(pairs))
	for i, p := range pairs {
		out[i] = RunningEntry{Descriptor: *p.Descriptor, InstanceID: p.InstanceID}
	}
	return out
}

// Registered returns every registered descriptor in registration order.
func (s *Supervisor) Registered() []Descriptor {
	all := s.reg.All()
	out := make([]Descriptor, len(all))
	for i, d := range all {
		out[i] = *d
	}
	return out
}

// Enable flips a descriptor's enabled flag on.
func (s *Supervisor) Enable(name string) error {
	return s.setEnabled("Enable", name, true)
}

// Disable flips a descriptor's enabled flag off. Already-running instances
// are unaffected.
func (s *Supervisor) Disable(name string) error {
	return s.setEnabled("Disable", name, false)
}

func (s *Supervisor) setEnabled(op, name string, enabled bool) error {
	if !s.reg.SetEnabled(name, enabled) {
		return errNotFound(op, name)
	}
	if d, ok := s.reg.ByName(name); ok {
		s.mirrorPut(d)
	}
	return nil
}

// startSpan opens an OpenTelemetry span when a tracer is configured,
// otherwise it is a no-op, per the ambient tracing wiring described in
// SPEC_FULL.md §6.
func (s *Supervisor) startSpan(ctx context.Context, op, pluginName string, instanceID uint64) (context.Context, func(error)) {
	if s.tracer == nil {
		return ctx, func(error) {}
	}
	return obstrace.StartLifecycleSpan(ctx, s.tracer, op, pluginName, instanceID)
}

// mirrorPut best-effort replicates d to the cluster mirror, if attached.
// Failures are logged and never surfaced to the caller: mirroring is purely
// additive (SPEC_FULL.md §6).
func (s *Supervisor) mirrorPut(d *registry.Descriptor) {
	if s.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	view := clustermirror.DescriptorView{
		Name:        d.Name,
		Description: d.Description,
		Trigger:     d.Trigger.String(),
		Enabled:     d.Enabled,
	}
	if err := s.mirror.Put(ctx, view); err != nil {
		s.logger.Warn("cluster mirror put failed", "plugin", d.Name, "error", err)
	}
}

// sendAndAwait implements the request/ACK correlation algorithm: it sends
// a single request and consumes messages from the instance's channel
// until the matching ACK or timeout, discarding mismatched-instance and
// stale-request messages and logging events.
func sendAndAwait(op string, ch registry.ChildHandle, messages <-chan protocol.Message, instanceID, seq uint64, cmd protocol.Command, timeout time.Duration, logger *slog.Logger, bus *eventbus.Bus) (protocol.Message, error) {
	reqID := protocol.RequestIDFor(instanceID, seq)
	req := protocol.Request{InstanceID: instanceID, RequestID: reqID, Cmd: cmd}

	if err := ch.Send(req); err != nil {
		return protocol.Message{}, errTransport(op, fmt.Errorf("send %s request: %w", cmd, err))
	}

	deadline := time.After(timeout)
	for {
		select {
		case msg, open := <-messages:
			if !open {
				return protocol.Message{}, errTransport(op, fmt.Errorf("child stdout closed while awaiting %s ack", cmd))
			}
			if msg.InstanceID != instanceID {
				continue
			}
			if msg.RequestID != reqID {
				if msg.RequestID == "" {
					logger.Debug("runner event", "instance_id", instanceID, "event", msg.Event)
					publishEvent(bus, msg, logger)
				}
				continue
			}
			if msg.Success() {
				return msg, nil
			}
			return protocol.Message{}, runnerFailedError(op, string(cmd), msg.Error, msg.Trace)
		case <-deadline:
			return protocol.Message{}, errTimedOut(op, fmt.Sprintf("%s ack for instance %d", cmd, instanceID))
		}
	}
}

// publishEvent best-effort forwards a non-ACK runner event to the attached
// event bus, if any. Failures are logged and never surfaced to the caller:
// like cluster mirroring, event publication is purely additive.
func publishEvent(bus *eventbus.Bus, msg protocol.Message, logger *slog.Logger) {
	if bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := bus.Publish(ctx, msg); err != nil {
		logger.Warn("event bus publish failed", "instance_id", msg.InstanceID, "event", msg.Event, "error", err)
	}
}

// parseTrigger implements the PLUGIN_TRIGGER mapping table.
func parseTrigger(raw string, has bool) registry.Trigger {
	if !has || raw == "" || raw == "manual" {
		return registry.Trigger{Kind: registry.TriggerManual}
	}
	switch {
	case raw == "on_entry_create":
		return registry.Trigger{Kind: registry.TriggerOnEntryCreate}
	case raw == "on_entry_update":
		return registry.Trigger{Kind: registry.TriggerOnEntryUpdate}
	case raw == "on_entry_delete":
		return registry.Trigger{Kind: registry.TriggerOnEntryDelete}
	case strings.HasPrefix(raw, "on_schedule:"):
		pattern := strings.TrimSpace(strings.TrimPrefix(raw, "on_schedule:"))
		return registry.Trigger{Kind: registry.TriggerOnSchedule, Pattern: pattern}
	default:
		return registry.Trigger{Kind: registry.TriggerManual}
	}
}

// canonicalize resolves sourcePath to an absolute, cleaned path. It does not
// require the file to exist beyond what filepath.Abs needs (the current
// working directory), ahead of the validation step that actually proves
// the file exists and loads.
func canonicalize(sourcePath string) (string, error) {
	abs, err := filepath.Abs(sourcePath)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}

// moduleStem returns the file stem (base name without extension) used as
// the registration-time fallback identifier.
func moduleStem(sourcePath string) string {
	base := filepath.Base(sourcePath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// isPluginSource reports whether name's extension identifies it as a
// plugin source file.
func isPluginSource(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".lua")
}

// capitalize upper-cases the first rune of an operation name for use in
// Error.Op; "pause" -> "Pause".
func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
