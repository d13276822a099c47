package pluginsup

import (
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/nullboard/pluginsup/internal/clustermirror"
	"github.com/nullboard/pluginsup/internal/eventbus"
)

// Option configures a Supervisor constructed by New.
type Option func(*supervisorConfig)

type supervisorConfig struct {
	logger *slog.Logger
	tracer trace.Tracer
	mirror *clustermirror.Mirror
	bus    *eventbus.Bus
}

// WithLogger sets the structured logger the Supervisor and its
// collaborators log through. If not provided, a default JSON logger
// writing to stdout is used.
func WithLogger(logger *slog.Logger) Option {
	return func(c *supervisorConfig) {
		c.logger = logger
	}
}

// WithTracer sets the OpenTelemetry tracer used to create spans around
// lifecycle operations. If not provided, tracing is a no-op.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *supervisorConfig) {
		c.tracer = tracer
	}
}

// WithClusterMirror attaches an optional etcd-backed mirror that
// best-effort replicates descriptor metadata (never running-instance
// state) so other supervisor processes in the cluster can discover what is
// registered elsewhere.
func WithClusterMirror(m *clustermirror.Mirror) Option {
	return func(c *supervisorConfig) {
		c.mirror = m
	}
}

// WithEventBus attaches an optional Redis-backed publisher that mirrors
// non-ACK protocol events for external observers.
func WithEventBus(b *eventbus.Bus) Option {
	return func(c *supervisorConfig) {
		c.bus = b
	}
}
