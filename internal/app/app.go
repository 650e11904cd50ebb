package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "brokercrm/docs"
	"brokercrm/internal/config"
	"brokercrm/internal/handlers"
	"brokercrm/internal/logger"
	"brokercrm/internal/middleware"
	"brokercrm/internal/migrations"
	"brokercrm/internal/repositories"
	"brokercrm/internal/routes"
	"brokercrm/internal/services"
)

const shutdownTimeout = 15 * time.Second

func Run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.New(cfg.Log.Level, cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// === DB ===
	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Warn().Err(err).Msg("close database")
		}
	}()
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = db.PingContext(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	if cfg.Database.MigrateOnBoot {
		if err := migrations.Up(ctx, db); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		log.Info().Msg("database migrations complete")
	}
	store := repositories.NewStore(db)

	// === Notification channels ===
	var (
		channels []services.Channel
		telegram *services.TelegramChannel
	)
	if cfg.Email.Enabled() {
		channels = append(channels, services.NewEmailChannel(
			cfg.Email.SMTPHost,
			cfg.Email.SMTPPort,
			cfg.Email.SMTPUser,
			cfg.Email.SMTPPassword,
			cfg.Email.FromEmail,
		))
	}
	if cfg.Telegram.BotToken != "" {
		tg, err := services.NewTelegramChannel(cfg.Telegram.BotToken, cfg.Telegram.RatePerSecond)
		if err != nil {
			log.Warn().Err(err).Msg("telegram channel disabled")
		} else {
			telegram = tg
			channels = append(channels, tg)
		}
	}

	// === Outbox ===
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	dispatcher := services.NewOutboxDispatcher(store, services.DispatcherConfig{
		Workers:   cfg.Outbox.Workers,
		QueueSize: cfg.Outbox.QueueSize,
		BatchSize: cfg.Outbox.BatchSize,
		BaseURL:   cfg.Pipeline.AppBaseURL,
	}, log.With().Str("component", "outbox").Logger(), channels...)
	dispatcher.Start(workerCtx)
	go dispatcher.RunRelay(workerCtx, cfg.Outbox.RelayInterval)
	defer func() {
		stopWorkers()
		dispatcher.Wait()
	}()

	// === Services ===
	rate, err := decimal.NewFromString(cfg.Pipeline.CommissionRate)
	if err != nil {
		return fmt.Errorf("commission rate %q: %w", cfg.Pipeline.CommissionRate, err)
	}
	opts := services.Options{
		IdentifierPrefix: cfg.Identifiers.Prefix,
		CommissionRate:   rate,
	}
	leadService := services.NewLeadService(store, dispatcher, opts, log)
	dealService := services.NewDealService(store, dispatcher, opts, log)
	notificationService := services.NewNotificationService(store)

	// === Handlers ===
	leadHandler := handlers.NewLeadHandler(leadService)
	dealHandler := handlers.NewDealHandler(dealService)
	notificationHandler := handlers.NewNotificationHandler(notificationService)
	var integrationsHandler *handlers.IntegrationsHandler
	if telegram != nil {
		integrationsHandler = handlers.NewIntegrationsHandler(telegram, notificationService, leadService, cfg.Telegram.WebhookSecret)
	}

	// === Gin ===
	if cfg.Env != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RequestLogger(log))
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(cfg.Server.CORSOrigins))

	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	router.GET("/healthz", healthz(store))

	routes.SetupRoutes(
		router,
		[]byte(cfg.Auth.JWTSecret),
		leadHandler,
		dealHandler,
		notificationHandler,
		integrationsHandler,
	)

	// === Run ===
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	return nil
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	c := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", middleware.HeaderRequestID},
		ExposeHeaders: []string{middleware.HeaderRequestID},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = origins
	}
	return cors.New(c)
}

type pinger interface {
	Ping(ctx context.Context) error
}

func healthz(db pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := db.Ping(ctx); err != nil {
			log := logger.FromContext(c.Request.Context(), zerolog.Nop())
			log.Warn().Err(err).Msg("health check")
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
