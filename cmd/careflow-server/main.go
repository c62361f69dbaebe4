package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/careflow/careflow/internal/config"
	"github.com/careflow/careflow/internal/domain/diagnostics"
	"github.com/careflow/careflow/internal/domain/laboratory"
	"github.com/careflow/careflow/internal/domain/lifecycle"
	"github.com/careflow/careflow/internal/domain/medication"
	"github.com/careflow/careflow/internal/domain/pharmacy"
	"github.com/careflow/careflow/internal/platform/auth"
	"github.com/careflow/careflow/internal/platform/chat"
	"github.com/careflow/careflow/internal/platform/db"
	"github.com/careflow/careflow/internal/platform/erx"
	"github.com/careflow/careflow/internal/platform/hipaa"
	"github.com/careflow/careflow/internal/platform/middleware"
	"github.com/careflow/careflow/internal/platform/notification"
	"github.com/careflow/careflow/internal/platform/outbox"
	"github.com/careflow/careflow/internal/platform/telemetry"
	"github.com/careflow/careflow/internal/platform/websocket"
)

const version = "0.1.0"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "careflow-server",
		Short: "Clinical workflow orchestration API server",
	}

	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(outboxCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and outbox dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return withPool(cmd.Context(), func(ctx context.Context, pool *pgxpool.Pool) error {
				count, err := db.NewMigrator(pool, dir).Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return withPool(cmd.Context(), func(ctx context.Context, pool *pgxpool.Pool) error {
				statuses, err := db.NewMigrator(pool, dir).Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
				for _, s := range statuses {
					status := "pending"
					appliedAt := ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func outboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and repair the side-effect outbox",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show outbox message counts by state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd.Context(), func(ctx context.Context, pool *pgxpool.Pool) error {
				stats, err := outbox.NewPGStore(pool).Stats(ctx)
				if err != nil {
					return err
				}
				printStats(cmd, stats)
				return nil
			})
		},
	})

	retryCmd := &cobra.Command{
		Use:   "retry",
		Short: "Requeue abandoned outbox messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, _ := cmd.Flags().GetString("kind")
			return withPool(cmd.Context(), func(ctx context.Context, pool *pgxpool.Pool) error {
				n, err := outbox.NewPGStore(pool).RetryAbandoned(ctx, outbox.Kind(kind))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Requeued %d message(s).\n", n)
				return nil
			})
		},
	}
	retryCmd.Flags().String("kind", "", "Only requeue messages of this kind (default all)")
	cmd.AddCommand(retryCmd)

	return cmd
}

func printStats(cmd *cobra.Command, stats map[string]int64) {
	states := make([]string, 0, len(stats))
	for s := range stats {
		states = append(states, s)
	}
	sort.Strings(states)
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-12s %s\n", "STATE", "COUNT")
	for _, s := range states {
		fmt.Fprintf(out, "%-12s %d\n", s, stats[s])
	}
}

func withPool(ctx context.Context, fn func(context.Context, *pgxpool.Pool) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, pool)
}

// server is the assembled HTTP surface plus the background outbox worker.
type server struct {
	echo       *echo.Echo
	dispatcher *outbox.Dispatcher
	registry   *telemetry.Registry
}

func newServer(cfg *config.Config, pool *pgxpool.Pool, hub *websocket.Hub, broadcaster websocket.Broadcaster, logger zerolog.Logger) *server {
	registry := telemetry.NewRegistry("careflow")

	// Outbox
	store := outbox.NewPGStore(pool)
	pub := outbox.NewWriter(store, cfg.OutboxMaxAttempts)
	tx := db.NewTxManager(pool)
	dispatcher := outbox.NewDispatcher(store, logger)
	dispatcher.PollInterval = cfg.OutboxPollInterval
	dispatcher.BatchSize = cfg.OutboxBatchSize
	dispatcher.SetMetrics(registry)

	// Platform services
	notifyMgr := notification.NewNotificationManager(logger, notification.NewRealtimeSender(broadcaster))
	auditLogger := hipaa.NewAuditLogger(pool)
	chatStore := chat.NewPGStore(pool)
	gateway := erx.NewGateway(cfg.ErxGatewayURL, cfg.ErxAPIKey, logger)

	// Lifecycle ledger
	lifecycleSvc := lifecycle.NewService(lifecycle.NewRepoPG(pool), tx, pub)
	lifecycleSvc.SetLogger(logger)

	// Diagnostic orders
	labRepo := diagnostics.NewLabRepoPG(pool)
	diagnosticsSvc := diagnostics.NewService(labRepo, diagnostics.NewImagingRepoPG(pool), tx, pub)

	// Medication routing and pharmacy fulfillment
	rxRepo := medication.NewPrescriptionRepoPG(pool)
	pharmacySvc := pharmacy.NewService(pharmacy.NewOrderRepoPG(pool), pharmacy.NewInventoryRepoPG(pool),
		medication.NewPrescriptionReader(rxRepo), tx, pub)
	pharmacySvc.SetLogger(logger)
	pharmacySvc.SetMetrics(registry)

	medicationSvc := medication.NewService(rxRepo, medication.NewTransactionRepoPG(pool), pharmacySvc, gateway, tx, pub)
	medicationSvc.SetLogger(logger)
	medicationSvc.SetMetrics(registry)

	// Lab fulfillment
	laboratorySvc := laboratory.NewService(labRepo, tx, pub)
	laboratorySvc.SetLogger(logger)
	laboratorySvc.SetMetrics(registry)

	dispatcher.Register(outbox.KindNotification, notification.OutboxHandler(notifyMgr))
	dispatcher.Register(outbox.KindAudit, hipaa.OutboxHandler(auditLogger))
	dispatcher.Register(outbox.KindBroadcast, websocket.OutboxHandler(broadcaster))
	dispatcher.Register(outbox.KindLifecycleEvent, lifecycleSvc.OutboxHandler())
	dispatcher.Register(outbox.KindChatMessage, chat.OutboxHandler(chatStore))
	dispatcher.Register(outbox.KindErxTransmit, medicationSvc.OutboxHandler())

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(registry.MetricsMiddleware())

	// Health and metrics stay outside authentication.
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(pool, func() *db.PoolStats { return db.GetPoolStats(pool) }))
	e.GET("/metrics", registry.PrometheusHandler())

	apiV1 := e.Group("/api/v1")
	if cfg.IsDev() {
		apiV1.Use(auth.DevAuthMiddleware())
	} else {
		apiV1.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
		}))
	}

	lifecycle.NewHandler(lifecycleSvc).RegisterRoutes(apiV1)
	diagnostics.NewHandler(diagnosticsSvc).RegisterRoutes(apiV1)
	medication.NewHandler(medicationSvc).RegisterRoutes(apiV1)
	pharmacy.NewHandler(pharmacySvc).RegisterRoutes(apiV1)
	laboratory.NewHandler(laboratorySvc).RegisterRoutes(apiV1)
	notification.NewNotificationHandler(notifyMgr).RegisterRoutes(apiV1)
	hipaa.NewAuditHandler(auditLogger).RegisterRoutes(apiV1)
	websocket.NewWebSocketHandler(hub, logger).RegisterRoutes(apiV1)

	return &server{echo: e, dispatcher: dispatcher, registry: registry}
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Realtime fan-out
	hub := websocket.NewHub()
	var broadcaster websocket.Broadcaster = hub
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		client := redis.NewClient(opts)
		defer client.Close()
		relay := websocket.NewRedisRelay(client, hub, cfg.RedisChannel, logger)
		broadcaster = relay
		go func() {
			if err := relay.Run(ctx, nil); err != nil {
				logger.Error().Err(err).Msg("realtime relay stopped")
			}
		}()
	}

	srv := newServer(cfg, pool, hub, broadcaster, logger)

	go srv.dispatcher.Start(ctx)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := srv.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.echo.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
