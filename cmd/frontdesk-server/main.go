package main

import (
	"context"
	"fmt"
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

	"github.com/ehr/frontdesk/internal/config"
	"github.com/ehr/frontdesk/internal/domain/encounter"
	"github.com/ehr/frontdesk/internal/domain/queue"
	"github.com/ehr/frontdesk/internal/platform/auth"
	"github.com/ehr/frontdesk/internal/platform/cache"
	"github.com/ehr/frontdesk/internal/platform/db"
	"github.com/ehr/frontdesk/internal/platform/fhirclient"
	"github.com/ehr/frontdesk/internal/platform/health"
	"github.com/ehr/frontdesk/internal/platform/middleware"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "frontdesk-server",
		Short:        "Clinic front-desk triage and queue API",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(queueCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg != nil && cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// backend is the encounter gateway chosen by configuration plus whatever has
// to be probed and closed alongside it.
type backend struct {
	gateway encounter.Gateway
	pool    *pgxpool.Pool
	checks  []health.Check
	closers []func()
}

func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openBackend(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*backend, error) {
	b := &backend{}
	switch cfg.Backend() {
	case config.BackendFHIR:
		client := fhirclient.New(fhirclient.Config{
			BaseURL:    cfg.FHIRBaseURL,
			Timeout:    cfg.FHIRTimeout,
			RetryCount: cfg.FHIRRetryCount,
			AuthToken:  cfg.FHIRAuthToken,
		}, logger)
		b.gateway = client
		b.checks = append(b.checks, health.Check{Name: "fhir", Pinger: client, Gateway: true})
		logger.Info().Str("base_url", cfg.FHIRBaseURL).Msg("using remote FHIR gateway")
	case config.BackendPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		b.pool = pool
		b.gateway = encounter.NewRepo(pool)
		b.checks = append(b.checks, health.Check{Name: "postgres", Pinger: pool, Gateway: true})
		b.closers = append(b.closers, pool.Close)
		logger.Info().Msg("connected to database")
	default:
		return nil, fmt.Errorf("no encounter gateway configured")
	}
	return b, nil
}

// newQueueService wires the queue with its optional Redis snapshot cache.
func newQueueService(ctx context.Context, cfg *config.Config, b *backend, logger zerolog.Logger) (*queue.Service, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	svc := queue.NewService(b.gateway, logger)
	svc.SetLocation(loc)

	if cfg.RedisURL != "" {
		store, err := cache.Open(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		svc.SetCache(store, cfg.QueueCacheTTL)
		b.checks = append(b.checks, health.Check{Name: "redis", Pinger: store})
		b.closers = append(b.closers, func() { store.Close() })
		logger.Info().Dur("ttl", cfg.QueueCacheTTL).Msg("queue snapshot cache enabled")
	}
	return svc, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the front-desk API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)

	ctx := context.Background()
	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	svc, err := newQueueService(ctx, cfg, b, logger)
	if err != nil {
		return err
	}

	e := newServer(cfg, b, svc, logger)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("backend", cfg.Backend()).Msg("starting server")
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
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

func newServer(cfg *config.Config, b *backend, svc *queue.Service, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID(logger))
	e.Use(middleware.Logger(logger))
	e.Use(echomw.BodyLimit("1M"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, "X-Tenant-ID"},
	}))

	health.NewHandler(b.checks...).RegisterRoutes(e)

	api := e.Group("/api/v1")
	if cfg.IsDev() {
		api.Use(auth.DevAuthMiddleware())
	} else {
		api.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}
	api.Use(db.TenantMiddleware(b.pool, cfg.DefaultTenant))

	queue.NewHandler(svc).RegisterRoutes(api)
	return e
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
			tenant, _ := cmd.Flags().GetString("tenant")
			return withPool(cmd.Context(), func(ctx context.Context, pool *pgxpool.Pool) error {
				schema := db.SchemaName(tenant)
				fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)
				count, err := db.NewMigrator(pool, db.Migrations()).Up(ctx, schema)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s).\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("tenant", "default", "Tenant whose schema is migrated")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			return withPool(cmd.Context(), func(ctx context.Context, pool *pgxpool.Pool) error {
				statuses, err := db.NewMigrator(pool, db.Migrations()).Status(ctx, db.SchemaName(tenant))
				if err != nil {
					return fmt.Errorf("migration status: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderMigrations(statuses))
				return nil
			})
		},
	}
	statusCmd.Flags().String("tenant", "default", "Tenant whose schema is inspected")
	cmd.AddCommand(statusCmd)

	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant schema and migrate it",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			return withPool(cmd.Context(), func(ctx context.Context, pool *pgxpool.Pool) error {
				if err := db.CreateTenantSchema(ctx, pool, name, db.Migrations()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Tenant %s ready in schema %s\n", name, db.SchemaName(name))
				return nil
			})
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")

	cmd.AddCommand(createCmd)
	return cmd
}

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect today's queue",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print today's ordered queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			if !db.ValidTenantID(tenant) {
				return fmt.Errorf("invalid tenant identifier: %q", tenant)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			ctx := contextOrBackground(cmd.Context())

			b, err := openBackend(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer b.Close()

			svc, err := newQueueService(ctx, cfg, b, logger)
			if err != nil {
				return err
			}

			ctx = db.WithTenant(ctx, tenant)
			if b.pool != nil {
				var release func()
				ctx, release, err = db.WithTenantConn(ctx, b.pool, tenant)
				if err != nil {
					return err
				}
				defer release()
			}

			entries, err := svc.ListQueue(ctx)
			if err != nil {
				return err
			}
			loc, _ := cfg.Location()
			fmt.Fprintln(cmd.OutOrStdout(), renderQueue(entries, time.Now().In(loc)))
			return nil
		},
	}
	showCmd.Flags().String("tenant", "default", "Tenant to inspect")

	cmd.AddCommand(showCmd)
	return cmd
}

func withPool(ctx context.Context, fn func(context.Context, *pgxpool.Pool) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required for this command")
	}
	ctx = contextOrBackground(ctx)
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, pool)
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
