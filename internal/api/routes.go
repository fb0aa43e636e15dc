package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{s.cfg.Server.BaseURL},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Public surface.
	r.Post("/subscribe", s.handleSubscribe)
	r.Get("/verify/{token}", s.handleVerify)
	r.Get("/manage/{adminLink}", s.handleManageGet)
	r.Post("/manage/{adminLink}", s.handleManagePost)
	r.Get("/unsubscribe/{adminLink}", s.handleOneClickUnsubscribe)
	r.Post("/unsubscribe/{adminLink}", s.handleOneClickUnsubscribe)
	r.Get("/r/o", s.handleTrackOpen)
	r.Get("/r/c", s.handleTrackClick)
	r.Get("/newsletters/{slug}", s.handleArchive)

	// Administrator surface.
	r.Route("/admin", func(r chi.Router) {
		r.Post("/login", s.handleAdminLogin)
		r.Get("/auth/{token}", s.handleAdminAuth)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Post("/logout", s.handleAdminLogout)
			r.Get("/me", s.handleAdminMe)

			r.Route("/newsletters", func(r chi.Router) {
				r.Get("/", s.handleNewsletterList)
				r.Post("/", s.handleNewsletterCreate)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleNewsletterGet)
					r.Put("/", s.handleNewsletterUpdate)
					r.Delete("/", s.handleNewsletterDelete)
					r.Post("/send", s.handleNewsletterSend)
					r.Post("/schedule", s.handleNewsletterSchedule)
					r.Post("/cancel", s.handleNewsletterCancel)
					r.Post("/pause", s.handleNewsletterPause)
					r.Post("/resume", s.handleNewsletterResume)
					r.Post("/retry-failed", s.handleNewsletterRetryFailed)
					r.Get("/status", s.handleNewsletterStatus)
				})
			})

			r.Route("/subscribers", func(r chi.Router) {
				r.Get("/", s.handleSubscriberList)
				r.Get("/export", s.handleSubscriberExport)
				r.Post("/import", s.handleSubscriberImport)
			})

			r.Get("/stats/{topic}", s.handleTopicStats)
		})
	})

	return r
}
