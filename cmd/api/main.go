package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"abode/collab/internal/app"
	"abode/collab/internal/archive"
	"abode/collab/internal/attachments"
	"abode/collab/internal/config"
	"abode/collab/internal/email"
	"abode/collab/internal/logging"
	"abode/collab/internal/relay"
	"abode/collab/internal/search"
	"abode/collab/internal/session"
	"abode/collab/internal/store"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.LogPretty)
	ctx := context.Background()

	dialect, err := store.ParseDialect(cfg.DatabaseDriver)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid database driver")
	}
	db, err := store.Open(ctx, dialect, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, dialect); err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}

	if err := os.MkdirAll(cfg.ArchiveDir, 0o755); err != nil {
		logger.Fatal().Err(err).Str("dir", cfg.ArchiveDir).Msg("failed to create archive dir")
	}

	dataStore := store.NewSQLStore(db, dialect)
	deps := app.Deps{
		Store:   dataStore,
		Archive: archive.New(cfg.ArchiveDir),
		Logger:  logger,
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger.With().Str("component", "meili").Logger())
		defer meiliClient.Close()
	}
	deps.Search = search.NewService(meiliClient, dataStore, logger.With().Str("component", "search").Logger())

	if strings.TrimSpace(cfg.RedisURL) != "" {
		mirror, err := session.NewRedisMirror(cfg.RedisURL, cfg.PresenceTimeout)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer mirror.Close()
		deps.Mirror = mirror
		logger.Info().Msg("mirroring presence to redis")
	}

	if strings.TrimSpace(cfg.MinIOEndpoint) != "" {
		blobs, err := attachments.New(ctx, attachments.Config{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			UseSSL:    cfg.MinIOUseSSL,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("attachment storage unavailable")
		}
		deps.Attachments = blobs
	}

	if strings.TrimSpace(cfg.NATSURL) != "" {
		r, err := relay.Connect(cfg.NATSURL, "collab-api", logger.With().Str("component", "relay").Logger())
		if err != nil {
			logger.Fatal().Err(err).Msg("nats connection failed")
		}
		defer r.Close()
		deps.Transports = append(deps.Transports, r)
		deps.Forwarders = append(deps.Forwarders, r)
	}

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
		Domain:   cfg.NotifyEmailDomain,
	})
	if mailer.IsConfigured() {
		deps.Transports = append(deps.Transports, mailer)
	}

	service := app.New(cfg, deps)
	if err := service.Bootstrap(ctx); err != nil {
		logger.Fatal().Err(err).Msg("bootstrap failed")
	}
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	service.Start(runCtx)

	httpServer := app.NewHTTPServer(service, []byte(cfg.JWTSecret), cfg.CORSOrigin, logger.With().Str("component", "http").Logger())
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Str("driver", string(dialect)).Msg("collab api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	if err := service.Close(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("pending writes not drained")
	}
}
