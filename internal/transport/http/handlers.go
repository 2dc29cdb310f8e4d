// Package http serves the local status API over a running controller.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/emanuelef/yt-dl-client-go/internal/controller"
	"github.com/emanuelef/yt-dl-client-go/internal/domain"
	"github.com/emanuelef/yt-dl-client-go/internal/infra/cache"
	"github.com/emanuelef/yt-dl-client-go/internal/presenter"
	"github.com/emanuelef/yt-dl-client-go/internal/session"
)

// Controller is the part of the download controller exposed over HTTP.
type Controller interface {
	Submit(ctx context.Context, url, format string) (string, error)
	Cancel(ctx context.Context, jobID string) error
	Snapshot() controller.Snapshot
	Artifact() (*cache.Blob, domain.ArtifactLink, error)
}

// Sessions manages the backend login.
type Sessions interface {
	Login(ctx context.Context, username string) (domain.Session, error)
	Logout(ctx context.Context) error
	Info(ctx context.Context) (session.Info, error)
}

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	ctrl     Controller
	sessions Sessions
	hub      *presenter.Hub
	log      *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(ctrl Controller, sessions Sessions, hub *presenter.Hub, log *slog.Logger) *Handlers {
	if log == nil {
		log = slog.Default()
	}
	return &Handlers{ctrl: ctrl, sessions: sessions, hub: hub, log: log}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type loginRequest struct {
	Username string `json:"username"`
}

type downloadRequest struct {
	URL    string `json:"url"`
	Format string `json:"format"`
}

type downloadResponse struct {
	JobID string `json:"job_id"`
}

type cancelRequest struct {
	JobID string `json:"job_id"`
}

type healthResponse struct {
	Status string          `json:"status"`
	State  domain.JobState `json:"state"`
}

// HealthHandler handles GET /api/health.
func (h *Handlers) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, &healthResponse{Status: "ok", State: h.ctrl.Snapshot().State})
}

// SessionHandler handles GET /api/session.
func (h *Handlers) SessionHandler(w http.ResponseWriter, r *http.Request) {
	info, err := h.sessions.Info(r.Context())
	if err != nil {
		h.log.Error("Failed to read session", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read session", "SESSION_ERROR")
		return
	}
	writeJSON(w, http.StatusOK, &info)
}

// LoginHandler handles POST /api/login.
func (h *Handlers) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		writeError(w, http.StatusBadRequest, "username is required", "INVALID_BODY")
		return
	}

	if _, err := h.sessions.Login(r.Context(), req.Username); err != nil {
		h.writeDomainError(w, err)
		return
	}

	info, err := h.sessions.Info(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read session", "SESSION_ERROR")
		return
	}
	writeJSON(w, http.StatusOK, &info)
}

// LogoutHandler handles POST /api/logout.
func (h *Handlers) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Logout(r.Context()); err != nil {
		h.log.Error("Failed to log out", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to log out", "SESSION_ERROR")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StateHandler handles GET /api/state.
func (h *Handlers) StateHandler(w http.ResponseWriter, _ *http.Request) {
	snap := h.ctrl.Snapshot()
	writeJSON(w, http.StatusOK, &snap)
}

// DownloadHandler handles POST /api/download. It answers once the backend
// accepted or rejected the job.
func (h *Handlers) DownloadHandler(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "INVALID_BODY")
		return
	}

	jobID, err := h.ctrl.Submit(r.Context(), req.URL, req.Format)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, &downloadResponse{JobID: jobID})
}

// CancelHandler handles POST /api/cancel. An empty body cancels the current
// job.
func (h *Handlers) CancelHandler(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", "INVALID_BODY")
			return
		}
	}

	if err := h.ctrl.Cancel(r.Context(), req.JobID); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// ArtifactHandler handles GET /api/artifact.
func (h *Handlers) ArtifactHandler(w http.ResponseWriter, _ *http.Request) {
	blob, link, err := h.ctrl.Artifact()
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", blob.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(blob.Data)))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", link.Filename))
	w.Header().Set("X-Link-Remaining", strconv.Itoa(int(link.Remaining/time.Second)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(blob.Data)
}

// EventsHandler handles GET /api/events: a server-sent event feed that
// starts with the current snapshot followed by every update.
func (h *Handlers) EventsHandler(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	// The feed outlives the server write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	_, updates, unsubscribe := h.hub.Subscribe(64)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	snap := h.ctrl.Snapshot()
	if err := writeEvent(w, "snapshot", snap.Seq, &snap); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			if err := writeEvent(w, string(u.Kind), u.Seq, newUpdateView(u)); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

// updateView is the wire form of an update, with the error flattened.
type updateView struct {
	domain.Update
	RemainingSeconds int    `json:"remaining_seconds,omitempty"`
	Error            string `json:"error,omitempty"`
}

func newUpdateView(u domain.Update) *updateView {
	return &updateView{
		Update:           u,
		RemainingSeconds: int(u.Remaining / time.Second),
		Error:            u.ErrorText(),
	}
}

func writeEvent(w http.ResponseWriter, event string, id uint64, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}

// writeDomainError maps controller and session errors to HTTP responses.
func (h *Handlers) writeDomainError(w http.ResponseWriter, err error) {
	msg := domain.UserMessage(err)
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, msg, "INVALID_REQUEST")
	case errors.Is(err, domain.ErrAuth):
		writeError(w, http.StatusUnauthorized, msg, "AUTH_REQUIRED")
	case errors.Is(err, domain.ErrJobActive):
		writeError(w, http.StatusConflict, msg, "JOB_ACTIVE")
	case errors.Is(err, domain.ErrCancelRejected):
		writeError(w, http.StatusConflict, msg, "CANCEL_REJECTED")
	case errors.Is(err, domain.ErrSubmissionRejected):
		writeError(w, http.StatusBadGateway, msg, "SUBMISSION_REJECTED")
	case errors.Is(err, domain.ErrNoArtifact):
		writeError(w, http.StatusNotFound, msg, "NO_ARTIFACT")
	case errors.Is(err, domain.ErrArtifactPending):
		writeError(w, http.StatusConflict, msg, "ARTIFACT_PENDING")
	case errors.Is(err, domain.ErrExpiredLink):
		writeError(w, http.StatusGone, msg, "LINK_EXPIRED")
	case errors.Is(err, domain.ErrArtifactFetch):
		writeError(w, http.StatusBadGateway, msg, "ARTIFACT_UNREACHABLE")
	case errors.Is(err, domain.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, msg, "SHUTTING_DOWN")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "request timed out", "TIMEOUT")
	default:
		h.log.Error("Request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error", "INTERNAL")
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, &errorResponse{Error: message, Code: code})
}
