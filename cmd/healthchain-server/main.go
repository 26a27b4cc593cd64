package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/healthchain/healthchain/internal/config"
	"github.com/healthchain/healthchain/internal/domain/assist"
	"github.com/healthchain/healthchain/internal/domain/claims"
	"github.com/healthchain/healthchain/internal/domain/records"
	"github.com/healthchain/healthchain/internal/ledger"
	"github.com/healthchain/healthchain/internal/platform/auth"
	"github.com/healthchain/healthchain/internal/platform/blobstore"
	"github.com/healthchain/healthchain/internal/platform/db"
	"github.com/healthchain/healthchain/internal/platform/fraud"
	"github.com/healthchain/healthchain/internal/platform/hipaa"
	"github.com/healthchain/healthchain/internal/platform/middleware"
	"github.com/healthchain/healthchain/internal/platform/outbox"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "healthchain-server",
		Short: "Claim and record provenance API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger() zerolog.Logger {
	if os.Getenv("ENV") == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// app holds everything the router needs.
type app struct {
	cfg          *config.Config
	logger       zerolog.Logger
	pool         *pgxpool.Pool
	chain        *ledger.Chain
	recordLedger *ledger.RecordLedger
	claimLedger  *ledger.ClaimLedger
	claims       *claims.Service
	records      *records.Service
	assessor     fraud.Assessor
}

func runServer() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	chain, err := ledger.Open(ledger.Options{Path: cfg.LedgerPath, Owner: cfg.LedgerOwnerAddress, Logger: logger})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open ledger")
	}
	defer chain.Close()
	if err := chain.Bootstrap(cfg.LedgerDoctors, cfg.LedgerInsurers); err != nil {
		logger.Fatal().Err(err).Msg("failed to bootstrap ledger allowlists")
	}

	store, err := blobstore.New(ctx, blobstore.Options{
		Backend:         cfg.StorageBackend,
		S3Bucket:        cfg.S3Bucket,
		S3Endpoint:      cfg.S3Endpoint,
		S3Region:        cfg.S3Region,
		IPFSAPIURL:      cfg.IPFSAPIURL,
		IPFSGatewayURL:  cfg.IPFSGatewayURL,
		PinataAPIKey:    cfg.PinataAPIKey,
		PinataAPISecret: cfg.PinataAPISecret,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure blob store")
	}

	cipher := hipaa.NewEncryptionService(cfg.EncryptionMasterKey, logger)
	assessor := fraud.New(fraud.Config{
		APIKey:      cfg.AIAPIKey,
		BaseURL:     cfg.AIBaseURL,
		Model:       cfg.AIModel,
		MaxAttempts: cfg.AIMaxAttempts,
		Backoff:     cfg.AIBackoff,
		RPS:         cfg.AIRPS,
	}, logger)

	pub, err := outbox.NewPublisher(ctx, outbox.Options{
		Backend:      cfg.OutboxBackend,
		KafkaBrokers: cfg.KafkaBrokers,
		KafkaTopic:   cfg.KafkaTopic,
		SQSQueueURL:  cfg.SQSQueueURL,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure outbox")
	}
	queue := outbox.New(pub, logger)
	defer queue.Close()

	recordLedger, claimLedger := ledger.NewRecordLedger(chain), ledger.NewClaimLedger(chain)
	claimSvc := claims.NewService(claims.NewRepoPG(pool), claimLedger, assessor, queue, logger,
		claims.WithEnrichmentTimeout(cfg.EnrichmentTimeout))
	a := &app{
		cfg:          cfg,
		logger:       logger,
		pool:         pool,
		chain:        chain,
		recordLedger: recordLedger,
		claimLedger:  claimLedger,
		claims:       claimSvc,
		records:      records.NewService(recordLedger, store, cipher, logger),
		assessor:     assessor,
	}
	e := a.router()

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func (a *app) router() *echo.Echo {
	cfg, logger := a.cfg, a.logger

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(echomw.BodyLimit("2M"))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	// Health checks sit outside auth.
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(a.pool, map[string]db.Check{
		"ledger": func(context.Context) error { return a.chain.Verify() },
	}))

	apiV1 := e.Group("/api/v1")
	if cfg.IsDev() {
		apiV1.Use(auth.DevAuthMiddleware())
	} else {
		apiV1.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.JWTSecret),
		}))
	}
	apiV1.Use(middleware.Audit(logger))
	rl := middleware.DefaultRateLimitConfig()
	rl.RequestsPerSecond, rl.BurstSize = cfg.RateLimitRPS, cfg.RateLimitBurst
	apiV1.Use(middleware.RateLimit(rl))

	claims.NewHandler(a.claims).RegisterRoutes(apiV1)
	records.NewHandler(a.records).RegisterRoutes(apiV1)
	assist.NewHandler(a.assessor, logger).RegisterRoutes(apiV1)
	ledger.NewHandler(a.recordLedger, a.claimLedger).RegisterRoutes(apiV1)

	return e
}
