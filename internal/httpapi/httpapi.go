// Package httpapi is the thin HTTP routing collaborator: it translates
// URL paths into Supervisor calls and is otherwise deliberately dumb — no
// business logic lives here beyond request parsing and response shaping.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nullboard/pluginsup"
)

// Options configures the handler.
type Options struct {
	// PluginsDir is the directory register_directory scans when
	// POST /plugins/register is invoked with no path segment.
	PluginsDir string

	// TempDir is passed to Supervisor.Start as the scratch directory for
	// each instance's params file.
	TempDir string

	Logger *slog.Logger
}

// NewMux builds the HTTP surface over sup.
func NewMux(sup *pluginsup.Supervisor, opts Options) *http.ServeMux {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	h := &handler{sup: sup, opts: opts}

	mux := http.NewServeMux()
	mux.HandleFunc("/plugins/running", h.handleRunning)
	mux.HandleFunc("/plugins/registered", h.handleRegistered)
	mux.HandleFunc("/plugins/register", h.handleRegisterDirectory)
	mux.HandleFunc("/plugins/", h.handlePluginPath)
	return mux
}

type handler struct {
	sup  *pluginsup.Supervisor
	opts Options
}

type pluginView struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Trigger     string `json:"trigger"`
	Path        string `json:"path"`
	Enabled     bool   `json:"enabled"`
	Valid       bool   `json:"valid"`
}

func toView(d pluginsup.Descriptor) pluginView {
	return pluginView{
		Name:        d.Name,
		Description: d.Description,
		Trigger:     d.Trigger.String(),
		Path:        d.SourcePath,
		Enabled:     d.Enabled,
		Valid:       d.Valid,
	}
}

func (h *handler) handleRunning(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	entries := h.sup.Running()
	views := make([]pluginView, len(entries))
	for i, e := range entries {
		views[i] = toView(e.Descriptor)
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *handler) handleRegistered(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	descriptors := h.sup.Registered()
	views := make([]pluginView, len(descriptors))
	for i, d := range descriptors {
		views[i] = toView(d)
	}
	writeJSON(w, http.StatusOK, views)
}

// handleRegisterDirectory serves POST /plugins/register, scanning
// opts.PluginsDir for plugin source files.
func (h *handler) handleRegisterDirectory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if err := h.sup.RegisterDirectory(h.opts.PluginsDir); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePluginPath serves every remaining "/plugins/..." route: the
// one-file registration form, and the per-name/per-id lifecycle verbs.
// These routes all end in a fixed action suffix after a variable-length
// path or id segment, which does not fit a single stdlib ServeMux pattern,
// so the segment is parsed manually.
func (h *handler) handlePluginPath(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/plugins/")
	rest = strings.TrimSuffix(rest, "/")
	if rest == "" {
		http.NotFound(w, r)
		return
	}

	idx := strings.LastIndex(rest, "/")
	if idx < 0 {
		http.NotFound(w, r)
		return
	}
	subject, action := rest[:idx], rest[idx+1:]

	switch {
	case r.Method == http.MethodPost && action == "register":
		h.handleRegisterOne(w, r, subject)
	case r.Method == http.MethodPut && action == "start":
		h.handleStart(w, r, subject)
	case r.Method == http.MethodPut && action == "stop":
		h.handleStop(w, r, subject)
	case r.Method == http.MethodPut && action == "pause":
		h.handlePause(w, r, subject)
	case r.Method == http.MethodPut && action == "resume":
		h.handleResume(w, r, subject)
	case r.Method == http.MethodPut && action == "enable":
		h.handleEnable(w, r, subject)
	case r.Method == http.MethodPut && action == "disable":
		h.handleDisable(w, r, subject)
	default:
		http.NotFound(w, r)
	}
}

func (h *handler) handleRegisterOne(w http.ResponseWriter, r *http.Request, rawPath string) {
	sourcePath, err := url.PathUnescape(rawPath)
	if err != nil {
		http.Error(w, "invalid source path", http.StatusBadRequest)
		return
	}
	if err := h.sup.RegisterOne(sourcePath); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// startRequest is the optional JSON body for PUT /plugins/<name>/start,
// carrying the start params.
type startRequest struct {
	Params map[string]any `json:"params"`
}

func (h *handler) handleStart(w http.ResponseWriter, r *http.Request, name string) {
	var body startRequest
	if r.Body != nil {
		data, err := io.ReadAll(r.Body)
		if err == nil && len(data) > 0 {
			_ = json.Unmarshal(data, &body)
		}
	}

	instanceID := uint64(time.Now().UnixMilli())
	if err := h.sup.Start(r.Context(), name, body.Params, h.opts.TempDir, instanceID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, instanceID)
}

func (h *handler) handleStop(w http.ResponseWriter, r *http.Request, idStr string) {
	h.withInstanceID(w, idStr, func(ctx context.Context, id uint64) error {
		return h.sup.Stop(ctx, id)
	}, r.Context())
}

func (h *handler) handlePause(w http.ResponseWriter, r *http.Request, idStr string) {
	h.withInstanceID(w, idStr, func(ctx context.Context, id uint64) error {
		return h.sup.Pause(ctx, id)
	}, r.Context())
}

func (h *handler) handleResume(w http.ResponseWriter, r *http.Request, idStr string) {
	h.withInstanceID(w, idStr, func(ctx context.Context, id uint64) error {
		return h.sup.Resume(ctx, id)
	}, r.Context())
}

func (h *handler) withInstanceID(w http.ResponseWriter, idStr string, fn func(context.Context, uint64) error, ctx context.Context) {
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		http.Error(w, "invalid instance id", http.StatusBadRequest)
		return
	}
	if err := fn(ctx, id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) handleEnable(w http.ResponseWriter, r *http.Request, name string) {
	if err := h.sup.Enable(name); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) handleDisable(w http.ResponseWriter, r *http.Request, name string) {
	if err := h.sup.Disable(name); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func methodNotAllowed(w http.ResponseWriter) {
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}

// writeError maps a pluginsup.Error's Kind onto an HTTP status code, per
// the message-prefix contract every caller of this package relies on.
func writeError(w http.ResponseWriter, err error) {
	var supErr *pluginsup.Error
	if !errors.As(err, &supErr) {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	status := http.StatusInternalServerError
	switch supErr.Kind {
	case pluginsup.KindAlreadyRegistered, pluginsup.KindAlreadyRunning:
		status = http.StatusConflict
	case pluginsup.KindNotRegistered, pluginsup.KindNotFound, pluginsup.KindNotRunning:
		status = http.StatusNotFound
	case pluginsup.KindInvalid, pluginsup.KindDisabled:
		status = http.StatusUnprocessableEntity
	case pluginsup.KindConfigRead, pluginsup.KindConfigParse:
		status = http.StatusBadRequest
	case pluginsup.KindTimedOut:
		status = http.StatusGatewayTimeout
	case pluginsup.KindRunnerFailed, pluginsup.KindTransport:
		status = http.StatusBadGateway
	}
	http.Error(w, supErr.Error(), status)
}
