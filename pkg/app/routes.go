package app

import (
	"directChat/pkg/metrics"
	myMiddleware "directChat/pkg/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

func (s *Server) Routes() *chi.Mux {
	r := s.router
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.options.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	}))
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/", s.Index())
	r.Post("/login", s.Login())
	r.Post("/register", s.Register())
	r.Get("/healthz", s.Health())
	r.Handle("/metrics", metrics.Handler())

	r.Route("/home", func(r chi.Router) {
		r.Use(myMiddleware.Authenticator(s.auth, myMiddleware.RedirectToLogin))
		r.Get("/", s.Home())
		r.Get("/ws", s.ServeWs())
		r.Get("/contacts", s.GetContacts())
		r.Get("/contacts/search", s.SearchContacts())
		r.Patch("/profile", s.PatchProfile())
		r.Post("/logout", s.Logout())
	})

	return r
}
