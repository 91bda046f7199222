package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"directChat/pkg/api"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type Options struct {
	Addr           string
	AllowedOrigins []string
	Session        api.SessionOptions
}

type Server struct {
	router      *chi.Mux
	store       api.Storage
	auth        api.AuthProvider
	userService api.UserService
	options     Options
	upgrader    websocket.Upgrader
	hub         *api.Hub

	// ctx bounds the sessions opened by this server.
	ctx context.Context
}

func NewServer(router *chi.Mux, store api.Storage, auth api.AuthProvider, userService api.UserService, options Options) *Server {
	return &Server{
		router:      router,
		store:       store,
		auth:        auth,
		userService: userService,
		options:     options,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8092,
			WriteBufferSize: 8092,
			CheckOrigin:     originChecker(options.AllowedOrigins),
		},
		hub: api.NewHub(),
		ctx: context.Background(),
	}
}

func (s *Server) Run() error {
	// Server run context
	serverCtx, serverStopCtx := context.WithCancel(context.Background())
	defer serverStopCtx()
	s.ctx = serverCtx

	go s.hub.Run(serverCtx)

	// run function that initializes the routes
	r := s.Routes()

	server := &http.Server{Addr: s.options.Addr, Handler: r}

	// Listen for syscall signals for process to interrupt/quit
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		<-sig

		// Shutdown signal with grace period of 30 seconds
		shutdownCtx, cancelFunc := context.WithTimeout(serverCtx, 30*time.Second)

		// Cancels shutdownCtx if shutdown occurs before timeout
		defer cancelFunc()

		go func() {
			<-shutdownCtx.Done()
			if shutdownCtx.Err() == context.DeadlineExceeded {
				log.Fatal().Msg("graceful shutdown timed out.. forcing exit.")
			}
		}()

		s.hub.Broadcast(api.OutgoingEvent{Type: api.EventToast, Payload: api.Toast{
			Level:   "warning",
			Message: "The server is restarting",
		}})

		// Trigger graceful shutdown
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Fatal().Err(err).Msg("Unable to shut down server")
		}
		serverStopCtx()
	}()

	log.Info().Str("addr", s.options.Addr).Msg("Listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	<-serverCtx.Done()
	return nil
}

// originChecker accepts websocket upgrades from the allowed origins. A "*"
// entry accepts every origin.
func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if o == "*" || o == origin {
				return true
			}
		}
		return false
	}
}
