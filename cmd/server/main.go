package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/copilot-gateway/internal/config"
	"github.com/openclaw/copilot-gateway/internal/credential"
	"github.com/openclaw/copilot-gateway/internal/handler"
	"github.com/openclaw/copilot-gateway/internal/httputil"
	"github.com/openclaw/copilot-gateway/internal/middleware"
	"github.com/openclaw/copilot-gateway/internal/proxy"
	"github.com/openclaw/copilot-gateway/internal/registry"
	"github.com/openclaw/copilot-gateway/internal/store"
	"github.com/openclaw/copilot-gateway/internal/upstream"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// A missing .env file is fine; the environment wins either way.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	fileStore := store.NewFileStore(cfg.AccountsFile)
	reg := registry.New(fileStore)

	githubClient := upstream.NewClient(upstream.Options{
		WebBaseURL: cfg.GithubWebURL,
		APIBaseURL: cfg.GithubAPIURL,
		ClientID:   cfg.GithubClientID,
	})
	copilotClient := upstream.NewCopilotClient(cfg.CopilotAPIURL, nil)

	credentials := credential.NewManager(githubClient, reg)
	defer credentials.StopAll()

	authMiddleware := middleware.NewAuthMiddleware(reg)
	failover := proxy.NewFailover(reg)
	proxyHandler := proxy.NewHandler(failover, copilotClient, reg)
	managerHandler := handler.NewManagerHandler(reg, credentials, githubClient, copilotClient)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UnixMilli(),
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handler)
		r.Get("/models", proxyHandler.Models)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(authMiddleware.Handler)
		r.Post("/chat/completions", proxyHandler.ChatCompletions)
		r.Post("/embeddings", proxyHandler.Embeddings)
		r.Get("/models", proxyHandler.Models)
	})

	if cfg.ManagerEnabled() {
		basicAuth := middleware.NewBasicAuth(cfg.ManagerUsername, cfg.ManagerPassword)
		r.Route("/manager/api", func(r chi.Router) {
			r.Use(basicAuth.Handler)
			r.Mount("/", managerHandler.Routes())
		})
	}

	// Bring stored accounts back to life without blocking startup: each
	// successful mint schedules its own refresh.
	go credentials.ActivateAll(context.Background())

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
