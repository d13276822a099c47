// Package pluginsup provides the Plugin Supervisor Core.
//
// The supervisor registers user-supplied Lua plugin modules, spawns each
// active instance as an isolated child process (a re-exec of the
// supervisor's own binary in "runner" mode), and drives its lifecycle —
// start, pause, resume, stop — through a bidirectional line-delimited
// request/acknowledgement protocol carried over the child's standard
// streams.
//
// # Architecture
//
// The package is organized leaves-first:
//
//   - internal/protocol defines the wire envelope exchanged with a running
//     instance: Request (host to child), and Message, which doubles as an
//     Ack or a spontaneous Event (child to host).
//   - internal/introspect imports a candidate plugin source file in an
//     embedded Lua interpreter to validate it exposes a callable
//     PluginImpl.run before the supervisor will ever register it.
//   - internal/childproc spawns the runner subprocess for one instance,
//     owns its standard streams, drains standard error, and parses
//     standard output into protocol.Message values delivered over a
//     bounded channel.
//   - internal/registry holds the supervisor's two in-memory tables: an
//     append-only table of PluginDescriptor entries, and a table of
//     currently RunningInstance entries.
//   - internal/runner is the child side of the protocol: the same binary,
//     re-invoked in a hidden mode, hosting one Lua VM for the lifetime of
//     the instance and bridging stdin/stdout to calls on the plugin
//     object.
//
// This root package is the public façade: Supervisor ties the above
// together into registration, configuration application, and the
// start/stop/pause/resume operations.
//
// # Optional collaborators
//
// A Supervisor may be configured, via functional Options, with a
// structured logger, an OpenTelemetry tracer wrapping each lifecycle call
// in a span, a cluster mirror best-effort replicating descriptor metadata
// to etcd, and an event bus publishing spontaneous runner events to Redis
// pub/sub for external observers. None of these affect control flow; they
// are purely additive instrumentation.
//
// Example:
//
//	sup := pluginsup.New(pluginsup.WithLogger(logger))
//	if err := sup.RegisterDirectory("/etc/pluginsup/plugins"); err != nil {
//	    log.Fatal(err)
//	}
//	if err := sup.Start(ctx, "example_plugin", nil, os.TempDir(), 1); err != nil {
//	    log.Fatal(err)
//	}
//	defer sup.Stop(ctx, 1)
package pluginsup
