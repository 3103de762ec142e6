package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/arko-chat/arko-backup/internal/backup"
	"github.com/arko-chat/arko-backup/internal/matrix"
	"github.com/arko-chat/arko-backup/internal/middleware"
	"github.com/arko-chat/arko-backup/internal/service"
)

type Handler struct {
	svc    *service.BackupService
	logger *slog.Logger
}

func New(svc *service.BackupService, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

func (h *Handler) userID(r *http.Request) string {
	return middleware.GetUserID(r.Context())
}

type errorResponse struct {
	Error   string `json:"error"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, matrix.ErrNoClient),
		errors.Is(err, backup.ErrNoBackup):
		status = http.StatusNotFound
	case errors.Is(err, backup.ErrFlowInProgress),
		errors.Is(err, backup.ErrSetupNotAllowed),
		errors.Is(err, backup.ErrNotAwaitingPassphrase),
		errors.Is(err, service.ErrNoTrustedBackup),
		errors.Is(err, backup.ErrVersionMismatch):
		status = http.StatusConflict
	case errors.Is(err, backup.ErrInvalidRecoveryKey):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrNoRecoveryKey):
		status = http.StatusNotFound
	case errors.Is(err, backup.ErrNetwork):
		status = http.StatusBadGateway
	case errors.Is(err, backup.ErrServerRejected):
		status = http.StatusConflict
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("handler error",
			"path", r.URL.Path,
			"user", h.userID(r),
			"err", err,
		)
	} else {
		h.logger.Debug("request rejected",
			"path", r.URL.Path,
			"status", status,
			"err", err,
		)
	}

	resp := errorResponse{Error: err.Error()}
	if reason := backup.ReasonOf(err); reason != backup.ReasonUnknown {
		resp.Reason = reason.String()
		resp.Message = reason.Message()
	}
	writeJSON(w, status, resp)
}
