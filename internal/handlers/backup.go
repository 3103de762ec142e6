package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/arko-backup/internal/backup"
)

func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Status(r.Context(), h.userID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) HandleSetup(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.StartSetup(h.userID(r)); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

type passphraseRequest struct {
	RecoveryKey string `json:"recovery_key"`
}

func (h *Handler) HandlePassphrase(w http.ResponseWriter, r *http.Request) {
	var req passphraseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.RecoveryKey) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "recovery_key is required"})
		return
	}
	if err := h.svc.SubmitRecoveryKey(r.Context(), h.userID(r), req.RecoveryKey); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.CancelSetup(h.userID(r)); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteBackup(r.Context(), h.userID(r)); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleRecoveryKeyCopied(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.MarkRecoveryKeyCopied(h.userID(r)); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleRecoveryKeyPNG(w http.ResponseWriter, r *http.Request) {
	png, err := h.svc.RecoveryKeyQR(h.userID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Disposition", `attachment; filename="recovery-key.png"`)
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(png)
}

type uploadKeysRequest struct {
	Rooms map[id.RoomID]struct {
		Sessions map[id.SessionID]backup.SessionData `json:"sessions"`
	} `json:"rooms"`
}

func (h *Handler) HandleUploadKeys(w http.ResponseWriter, r *http.Request) {
	var req uploadKeysRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid key upload"})
		return
	}

	keys := make(backup.RoomKeys, len(req.Rooms))
	for roomID, room := range req.Rooms {
		keys[roomID] = room.Sessions
	}
	if err := h.svc.UploadKeys(r.Context(), h.userID(r), keys); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"sessions": keys.Len()})
}
