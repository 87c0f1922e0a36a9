package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vellum/api/internal/app"
	"vellum/api/internal/archive"
	"vellum/api/internal/blob"
	"vellum/api/internal/config"
	"vellum/api/internal/engine"
	"vellum/api/internal/fanout"
	"vellum/api/internal/lease"
	"vellum/api/internal/logger"
	"vellum/api/internal/metrics"
	"vellum/api/internal/notify"
	"vellum/api/internal/realtime"
	"vellum/api/internal/search"
	"vellum/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.LogPretty,
	})

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}

	dataStore := store.NewPostgresStore(db)
	m, registry := metrics.New()

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
		defer meiliClient.Close()
	}

	var broadcaster *realtime.RedisBroadcaster
	if strings.TrimSpace(cfg.RedisURL) != "" {
		broadcaster, err = realtime.NewRedisBroadcaster(cfg.RedisURL)
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable, realtime events disabled")
		} else {
			defer broadcaster.Close()
		}
	}

	var artifacts *blob.ArtifactStore
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		artifacts, err = blob.New(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Warn().Err(err).Msg("object store unavailable, artifact cleanup disabled")
			artifacts = nil
		}
	}

	dispatcher := notify.NewDispatcher(notify.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	}, nil)
	directory := notify.NewStaticDirectory(cfg.BroadcastRecipients)

	// Interface-typed sinks must stay nil when the backend is absent.
	var indexSink fanout.SearchIndex
	if meiliClient != nil {
		indexSink = meiliClient
	}
	var broadcastSink fanout.Broadcaster
	if broadcaster != nil {
		broadcastSink = broadcaster
	}
	publisher := fanout.NewPublisher(indexSink, dispatcher, broadcastSink, directory, log, m)

	lifecycle := engine.New(dataStore, publisher, log, m)
	leaseManager := lease.NewManager(dataStore, cfg.LeaseTTL, log, m)
	sweeper := lease.NewSweeper(dataStore, cfg.LeaseSweepEvery, cfg.LeaseSweepMaxAge, log, m)
	sweeper.Start()
	defer sweeper.Close()

	var artifactRemover archive.ArtifactRemover
	if artifacts != nil {
		artifactRemover = artifacts
	}
	archiveService := archive.NewService(dataStore, publisher, artifactRemover, log, m)

	var searcher search.Searcher
	if meiliClient != nil {
		searcher = meiliClient
	}
	service := app.NewService(lifecycle, leaseManager, archiveService, searcher, dataStore)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, log)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Handle("/", httpServer.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("Vellum API listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
}
