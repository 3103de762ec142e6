package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/arko-chat/arko-backup/internal/credentials"
	"github.com/arko-chat/arko-backup/internal/models"
)

func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var creds models.LoginCredentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid login request"})
		return
	}
	if creds.Homeserver == "" || creds.Username == "" || creds.Password == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "homeserver, username and password are required"})
		return
	}

	if creds.DeviceID == "" {
		if deviceID, ok := credentials.FindDevice(creds.HomeserverURL(), creds.Username); ok {
			creds.DeviceID = deviceID.String()
		}
	}

	sess, err := h.svc.Login(r.Context(), creds)
	if err != nil {
		h.logger.Error("login failed",
			"homeserver", creds.Homeserver,
			"username", creds.Username,
			"err", err,
		)
		writeJSON(w, http.StatusUnauthorized, errorResponse{
			Error: "Login failed. Check your homeserver, username, and password.",
		})
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Logout(r.Context(), h.userID(r)); err != nil {
		h.logger.Warn("logout failed", "user", h.userID(r), "err", err)
	}
	w.WriteHeader(http.StatusNoContent)
}
