package clustermirror

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRequiresEndpoints(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "endpoints cannot be empty")
}

func TestKeyNamespacing(t *testing.T) {
	m := &Mirror{namespace: "pluginsup"}
	require.Equal(t, "/pluginsup/descriptors/example", m.key("example"))

	m2 := &Mirror{namespace: "other"}
	require.Equal(t, "/other/descriptors/example", m2.key("example"))
}
