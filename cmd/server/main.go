package main

import (
	"context"
	"os"

	"directChat/config"
	"directChat/pkg/api"
	"directChat/pkg/app"
	"directChat/pkg/messaging"
	"directChat/pkg/ratelimit"
	"directChat/pkg/repository"
	"directChat/pkg/repository/memory"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg := config.Load()
	config.SetupLogging(cfg.LogLevel)

	ctx := context.Background()

	firebaseApp, err := config.SetupFirebase(ctx, cfg.FirebaseProjectID)
	if err != nil {
		log.Fatal().Err(err).Msg("Unable to initialize Firebase")
	}

	authClient, err := firebaseApp.Auth(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Unable to initialize Firebase Auth")
	}
	auth := repository.NewFirebaseAuth(authClient)

	var storage api.Storage
	switch cfg.StoreBackend {
	case config.StoreMemory:
		log.Warn().Msg("Using the in-memory store, data is lost on restart")
		storage = memory.NewStore()
	default:
		firestore, err := firebaseApp.Firestore(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("Unable to initialize Firestore")
		}
		defer firestore.Close()
		storage = repository.NewStorage(firestore)
	}

	var directory api.DirectoryRepository
	if cfg.DatabaseURL != "" {
		if err := repository.Migrate(cfg.DatabaseURL); err != nil {
			log.Error().Err(err).Msg("Unable to migrate database")
			os.Exit(1)
		}
		db, err := config.SetupDatabase(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Error().Err(err).Msg("Unable to connect to database")
			os.Exit(1)
		}
		defer db.Close()
		directory = repository.NewDirectory(db)
	}

	retry := api.DefaultRetryPolicy()
	retry.Attempts = cfg.WriteRetryAttempts

	sessionOptions := api.SessionOptions{
		Debounce: cfg.TypingDebounce,
		Retry:    retry,
	}

	if cfg.RedisURL != "" {
		limiter, err := ratelimit.NewLimiterFromURL(ctx, cfg.RedisURL, ratelimit.RuleMessage)
		if err != nil {
			log.Warn().Err(err).Msg("Redis unavailable, sends are not rate limited")
		} else {
			defer limiter.Close()
			sessionOptions.Limiter = limiter
		}
	}

	if cfg.NatsURL != "" {
		nc, err := messaging.NewNATSClient(messaging.DefaultNATSConfig(cfg.NatsURL))
		if err != nil {
			log.Warn().Err(err).Msg("NATS unavailable, chat events are not published")
		} else {
			defer nc.Close()
			sessionOptions.Publisher = nc
		}
	}

	userService := api.NewUserService(storage, directory, retry)

	router := chi.NewRouter()

	server := app.NewServer(router, storage, auth, userService, app.Options{
		Addr:           cfg.ServerURL,
		AllowedOrigins: cfg.AllowedOrigins,
		Session:        sessionOptions,
	})

	if err = server.Run(); err != nil {
		log.Error().Err(err).Msg("Server stopped")
	}
}
