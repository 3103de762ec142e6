package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/arko-chat/arko-backup/internal/ws"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// HandleWS streams backup events for the request's user and accepts
// REFRESH, CANCEL_SETUP and SUBMIT_RECOVERY_KEY actions.
func (h *Handler) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID := h.userID(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", "user", userID, "err", err)
		return
	}

	hub := h.svc.Hub()
	client := ws.NewClient(hub, conn, userID)
	hub.Register(client)
	go client.WritePump()

	h.pushStatus(r.Context(), userID)

	client.ReadPump(func(uid string, req ws.ClientRequest) {
		ctx := context.Background()
		switch req.Action {
		case "REFRESH":
			h.pushStatus(ctx, uid)
		case "CANCEL_SETUP":
			if err := h.svc.CancelSetup(uid); err != nil {
				h.logger.Error("ws cancel setup failed", "err", err)
			}
		case "SUBMIT_RECOVERY_KEY":
			if err := h.svc.SubmitRecoveryKey(ctx, uid, req.RecoveryKey); err != nil {
				h.logger.Debug("ws recovery key rejected", "err", err)
				h.pushJSON(uid, errorResponse{Error: err.Error()})
			}
		}
	})
}

func (h *Handler) pushStatus(ctx context.Context, userID string) {
	st, err := h.svc.Status(ctx, userID)
	if err != nil {
		h.pushJSON(userID, errorResponse{Error: err.Error()})
		return
	}
	h.pushJSON(userID, struct {
		Type   string `json:"type"`
		Status any    `json:"status"`
	}{Type: "status", Status: st})
}

func (h *Handler) pushJSON(userID string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	h.svc.Hub().Push(userID, payload)
}
