package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"context-bridge/handler"
	"context-bridge/internal/integrations/openai"
	"context-bridge/internal/repository"
	"context-bridge/internal/usecase"
)

func main() {
	purgeExpired := flag.Bool("purge-expired", false, "delete expired contexts and exit (for cron)")
	flag.Parse()

	// ---- Configuration (read only here) ----
	addr := envStr("ADDR", ":8000")
	dbPath := envStr("DATABASE_PATH", "./context_bridge.db")
	apiKey := os.Getenv("OPENAI_API_KEY")
	model := envStr("OPENAI_MODEL", "gpt-4-turbo-preview")
	baseURL := os.Getenv("OPENAI_BASE_URL")
	retentionDays := envInt("RETENTION_DAYS", 30)
	maxMessages := envInt("MAX_MESSAGES_PER_CONTEXT", 500)
	summaryMaxTokens := envInt("SUMMARY_MAX_TOKENS", 150)
	corsOrigins := strings.Split(envStr("CORS_ORIGINS", "chrome-extension://*,http://localhost,http://localhost:*"), ",")

	log := newLogger(envStr("LOG_LEVEL", "info"), envStr("ENV", "development"))

	// ---- Storage ----
	db, err := repository.Open(dbPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	store, err := repository.New(db, time.Duration(retentionDays)*24*time.Hour)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create store")
	}
	if err := store.InitSchema(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("failed to init schema")
	}

	// ---- Clients and service ----
	opts := []openai.Option{openai.WithModel(model)}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	openaiClient := openai.NewClient(apiKey, opts...)
	if !openaiClient.Configured() {
		log.Warn().Msg("OPENAI_API_KEY not set; ai summarization unavailable")
	}

	svc, err := usecase.NewContextService(store, openaiClient, maxMessages, summaryMaxTokens, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create context service")
	}

	if *purgeExpired {
		count, err := svc.PurgeExpired(context.Background(), time.Now().UTC())
		if err != nil {
			log.Fatal().Err(err).Msg("purge failed")
		}
		log.Info().Int("count", count).Msg("purge complete")
		return
	}

	// ---- HTTP server ----
	h, err := handler.NewHandler(svc, store, openaiClient, store, corsOrigins, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create handler")
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Str("addr", addr).Str("database", dbPath).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown failed")
	}
}

func newLogger(level, env string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	var log zerolog.Logger
	if env == "development" {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		log = zerolog.New(os.Stdout)
	}
	return log.Level(lvl).With().Timestamp().Str("service", "context-bridge").Logger()
}

func envStr(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
