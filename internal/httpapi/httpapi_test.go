package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nullboard/pluginsup"
)

func writeFixture(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const cooperativePlugin = `
PLUGIN_NAME = "http_fixture"
PluginImpl = {}
PluginImpl.__index = PluginImpl
function PluginImpl.new() return setmetatable({}, PluginImpl) end
function PluginImpl:run() end
`

func TestRegisteredAndRunningEndpoints(t *testing.T) {
	sup := pluginsup.New()
	path := writeFixture(t, "http_fixture.lua", cooperativePlugin)
	require.NoError(t, sup.RegisterOne(path))

	mux := NewMux(sup, Options{})

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/plugins/registered", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var views []pluginView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &views))
	require.Len(t, views, 1)
	require.Equal(t, "http_fixture", views[0].Name)

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/plugins/running", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var running []pluginView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &running))
	require.Empty(t, running)
}

func TestMethodNotAllowed(t *testing.T) {
	sup := pluginsup.New()
	mux := NewMux(sup, Options{})

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/plugins/registered", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestEnableDisableByName(t *testing.T) {
	sup := pluginsup.New()
	path := writeFixture(t, "enable_fixture.lua", cooperativePlugin)
	require.NoError(t, sup.RegisterOne(path))

	mux := NewMux(sup, Options{})

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodPut, "/plugins/http_fixture/disable", nil))
	require.Equal(t, http.StatusNoContent, rr.Code)

	registered := sup.Registered()
	require.False(t, registered[0].Enabled)

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodPut, "/plugins/http_fixture/enable", nil))
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.True(t, sup.Registered()[0].Enabled)
}

func TestEnableUnknownPluginReturnsNotFound(t *testing.T) {
	sup := pluginsup.New()
	mux := NewMux(sup, Options{})

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodPut, "/plugins/does-not-exist/enable", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestStopUnknownInstanceReturnsNotFound(t *testing.T) {
	sup := pluginsup.New()
	mux := NewMux(sup, Options{})

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodPut, "/plugins/999/stop", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestStopInvalidInstanceIDReturnsBadRequest(t *testing.T) {
	sup := pluginsup.New()
	mux := NewMux(sup, Options{})

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodPut, "/plugins/not-a-number/stop", nil))
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestUnroutedPathIsNotFound(t *testing.T) {
	sup := pluginsup.New()
	mux := NewMux(sup, Options{})

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/plugins/", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)
}
