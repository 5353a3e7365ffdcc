package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"arpentage/api/internal/app"
	"arpentage/api/internal/casefile"
	"arpentage/api/internal/config"
	"arpentage/api/internal/editsession"
	"arpentage/api/internal/email"
	"arpentage/api/internal/history"
	"arpentage/api/internal/logging"
	"arpentage/api/internal/notify"
	"arpentage/api/internal/reservation"
	"arpentage/api/internal/search"
	"arpentage/api/internal/store"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, "arpentage-api")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger setup failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("api stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db.DB, cfg.MigrationsDir, logger); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}

	if err := os.MkdirAll(cfg.HistoryDir, 0o755); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}

	dataStore := store.NewPostgresStore(db)

	var reserver editsession.MinuteReserver
	if strings.TrimSpace(cfg.RedisURL) != "" {
		logger.Info("using redis for minute reservations")
		redisStore, err := reservation.NewRedisStore(cfg.RedisURL, cfg.MinuteReservation)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisStore.Close()
		reserver = redisStore
	} else {
		logger.Info("using in-memory minute reservations")
		reserver = reservation.NewMemoryStore(cfg.MinuteReservation)
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, search.NewPgSearch(db), dataStore, logger)
	go searchService.Reindex(context.Background(), dataStore)

	recorder := history.New(cfg.HistoryDir, logger)

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
		BaseURL:  cfg.AppBaseURL,
	}, logger)
	if !mailer.IsConfigured() {
		logger.Info("smtp not configured, assignment emails disabled")
	}
	sink := notify.NewSink(dataStore, dataStore, mailer, logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	edits := editsession.NewManager(dataStore, editsession.Options{
		Debounce:  cfg.AutosaveDebounce,
		Notifier:  casefile.NewAssignmentNotifier(sink, dataStore),
		Reserver:  reserver,
		Observers: []editsession.SaveObserver{searchService, recorder},
		Logger:    logger,
		Metrics:   editsession.NewMetrics(registry),
	})

	service := app.New(cfg, dataStore, edits, recorder, searchService, logger)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger, registry)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      45 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("api listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serveErr:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", zap.Error(err))
	}
	if err := edits.CloseAll(shutdownCtx); err != nil {
		logger.Warn("flushing edit sessions failed", zap.Error(err))
	}
	if err := sink.Wait(shutdownCtx); err != nil {
		logger.Warn("pending assignment emails dropped", zap.Error(err))
	}
	return nil
}
