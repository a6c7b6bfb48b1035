package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/chatscreen/screen"
	"github.com/onnwee/chatscreen/telemetry"
)

// maxAdminBody bounds admin request bodies.
const maxAdminBody = 4 << 10

type handlers struct {
	deps Deps
}

// healthz reports liveness: the display loop is running.
func (h *handlers) healthz(w http.ResponseWriter, r *http.Request) {
	if h.deps.Screen != nil && !h.deps.Screen.Status().Running {
		http.Error(w, "display not running", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// readyz runs the display check and then each configured check, stopping
// at the first failure.
func (h *handlers) readyz(w http.ResponseWriter, r *http.Request) {
	checks := append([]Check{{Name: "display", Fn: func(_ context.Context) error {
		if h.deps.Screen == nil {
			return errors.New("no display")
		}
		if !h.deps.Screen.Status().Running {
			return errors.New("display not running")
		}
		return nil
	}}}, h.deps.Checks...)

	for _, check := range checks {
		if err := check.Fn(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.Name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type statusResponse struct {
	screen.Status
	Footer string `json:"footer"`
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	if h.deps.Screen == nil {
		http.Error(w, "no display", http.StatusServiceUnavailable)
		return
	}
	resp := statusResponse{Status: h.deps.Screen.Status()}
	if h.deps.Overlay != nil {
		resp.Footer = h.deps.Overlay.Footer()
	}
	writeJSON(w, http.StatusOK, resp)
}

// lines returns the visible lines as plain text, oldest first.
func (h *handlers) lines(w http.ResponseWriter, r *http.Request) {
	if h.deps.Screen == nil {
		http.Error(w, "no display", http.StatusServiceUnavailable)
		return
	}
	lines := h.deps.Screen.Lines()
	out := make([]string, 0, len(lines))
	for _, ln := range lines {
		out = append(out, ln.String())
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": out})
}

type messageRequest struct {
	Text string `json:"text"`
}

// adminMessage shows a status message on screen immediately.
func (h *handlers) adminMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if !h.decodeAdmin(w, r, &req) {
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		http.Error(w, "text required", http.StatusBadRequest)
		return
	}
	h.deps.Overlay.DisplayMessage(text)
	telemetry.LoggerWithCorr(r.Context()).Info("admin message shown", slog.String("component", "http"))
	w.WriteHeader(http.StatusNoContent)
}

type ignoreRequest struct {
	Username string `json:"username"`
}

// adminIgnore adds a user to the ignore list until restart or the next
// config reload.
func (h *handlers) adminIgnore(w http.ResponseWriter, r *http.Request) {
	var req ignoreRequest
	if !h.decodeAdmin(w, r, &req) {
		return
	}
	name := strings.TrimSpace(req.Username)
	if name == "" {
		http.Error(w, "username required", http.StatusBadRequest)
		return
	}
	h.deps.Overlay.IgnoreUser(name)
	telemetry.LoggerWithCorr(r.Context()).Info("user ignored", slog.String("username", name), slog.String("component", "http"))
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) decodeAdmin(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	if h.deps.Overlay == nil {
		http.Error(w, "overlay not available", http.StatusServiceUnavailable)
		return false
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write json response", slog.Any("err", err))
	}
}
