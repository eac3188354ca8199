package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/billing/internal/config"
	"github.com/ehr/billing/internal/domain/audit"
	"github.com/ehr/billing/internal/domain/billing"
	"github.com/ehr/billing/internal/platform/auth"
	"github.com/ehr/billing/internal/platform/db"
	"github.com/ehr/billing/internal/platform/middleware"
	"github.com/ehr/billing/internal/platform/scheduler"
	"github.com/ehr/billing/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "billing-server",
		Short: "Hospital billing reconciliation API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd(os.Stdout))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the billing API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// openMigrator loads config and connects. The caller closes the pool.
func openMigrator(ctx context.Context, dir string) (*db.Migrator, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	if dir != "" {
		return db.NewMigrator(pool, dir), pool.Close, nil
	}
	return db.NewMigratorFS(pool, migrations.FS), pool.Close, nil
}

func migrateCmd(out io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			migrator, closeFn, err := openMigrator(ctx, dir)
			if err != nil {
				return err
			}
			defer closeFn()

			fmt.Fprintf(out, "Running migrations on schema: %s\n", schema)
			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(out, "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "public", "Target schema for migrations")
	upCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			migrator, closeFn, err := openMigrator(ctx, dir)
			if err != nil {
				return err
			}
			defer closeFn()

			statuses, err := migrator.Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printStatus(out, schema, statuses)
			return nil
		},
	}
	statusCmd.Flags().String("schema", "public", "Target schema for migrations")
	statusCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(statusCmd)

	// migrate down - ledger tables are append-only, rollback is manual
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Rollback last migration (not supported)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(out, "WARNING: migrate down is destructive and not supported by the built-in runner.")
			fmt.Fprintln(out, "Receipts, advances and the audit trail are append-only; restore from backup instead.")
			return nil
		},
	})

	return cmd
}

func printStatus(out io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(out, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.Modified {
				status = "modified"
			}
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func newLogger(env, level string) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if env == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return logger.Level(lvl)
}

// relockAdapter exposes the in-process scheduler to the billing service.
type relockAdapter struct {
	s *scheduler.Scheduler
}

func (a relockAdapter) Schedule(key string, at time.Time, task func(ctx context.Context) error) {
	a.s.Schedule(key, at, task)
}

func (a relockAdapter) Cancel(key string) bool {
	return a.s.Cancel(key)
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env, cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	migrator := db.NewMigratorFS(pool, migrations.FS)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(echomw.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", middleware.HeaderIdempotencyKey},
	}))

	e.GET("/version", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"version": version})
	})

	apiV1 := e.Group("/api/v1")
	if cfg.IsDev() {
		logger.Warn().Msg("ENV=development: dev auth is active and unauthenticated requests act as admin")
		apiV1.Use(auth.DevAuthMiddleware())
	} else {
		apiV1.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
		}))
	}
	idem := middleware.NewMemoryIdempotencyStore(cfg.IdempotencyTTL)
	defer idem.Stop()
	apiV1.Use(middleware.Idempotency(idem))

	// Audit trail
	auditSvc := audit.NewService(audit.NewRepoPG(pool))
	audit.NewHandler(auditSvc).RegisterRoutes(apiV1)

	// Billing core
	sched := scheduler.New(logger)

	// Health check sits outside auth
	e.GET("/health", db.HealthHandler(pool.Ping,
		db.PoolCheck(pool),
		db.MigrationCheck(migrator, "public"),
		db.Check{Name: "relocks", Run: func(context.Context) (interface{}, error) {
			return map[string]int{"pending": sched.Len()}, nil
		}},
	))
	billingSvc := billing.NewService(
		billing.NewRepositoriesPG(pool),
		db.NewTxManager(pool, cfg.LockTimeout),
		auditSvc,
		billing.WithLogger(logger),
		billing.WithAuthorizer(billing.RoleAuthorizer{Roles: cfg.PrivilegedRoles}),
		billing.WithUnlockWindow(cfg.DefaultUnlockWindow),
		billing.WithRelockScheduler(relockAdapter{s: sched}),
	)
	billing.NewHandler(billingSvc).RegisterRoutes(apiV1)

	restored, err := billingSvc.RestoreRelocks(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("failed to restore pending re-locks")
	} else {
		logger.Info().Int("count", restored).Msg("restored pending re-locks")
	}

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
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	// Re-locks left pending are restored from relock_at on the next start.
	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("scheduler stop timed out")
	}
	logger.Info().Msg("server stopped")
	return nil
}
