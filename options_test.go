package pluginsup

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWithLoggerSetsLogger(t *testing.T) {
	logger := slog.Default()
	cfg := &supervisorConfig{}
	WithLogger(logger)(cfg)
	require.Same(t, logger, cfg.logger)
}

func TestNewWithoutOptionsUsesDefaultLogger(t *testing.T) {
	sup := New()
	require.NotNil(t, sup.logger)
}

func TestNewAppliesOptionsInOrder(t *testing.T) {
	first := slog.Default()
	second := slog.New(slog.NewTextHandler(nil, nil))
	sup := New(WithLogger(first), WithLogger(second))
	require.Same(t, second, sup.logger)
}
