package router

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/arko-chat/arko-backup/internal/handlers"
	"github.com/arko-chat/arko-backup/internal/middleware"
)

type Options struct {
	// Token guards every route.
	Token string
	// DefaultUser picks the account when a request names none.
	DefaultUser func() string
}

func New(h *handlers.Handler, opts Options) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(chimw.RequestID)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(opts.Token))
		r.Use(middleware.User(opts.DefaultUser))

		r.Post("/api/login", h.HandleLogin)
		r.Post("/api/logout", h.HandleLogout)

		r.Route("/api/backup", func(r chi.Router) {
			r.Get("/status", h.HandleStatus)
			r.Post("/setup", h.HandleSetup)
			r.Post("/passphrase", h.HandlePassphrase)
			r.Post("/cancel", h.HandleCancel)
			r.Delete("/", h.HandleDelete)
			r.Put("/keys", h.HandleUploadKeys)
			r.Post("/recovery-key/copied", h.HandleRecoveryKeyCopied)
			r.Get("/recovery-key.png", h.HandleRecoveryKeyPNG)
		})

		r.Get("/ws", h.HandleWS)
	})

	return r
}
