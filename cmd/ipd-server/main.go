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

	"github.com/hms/ipd/internal/config"
	"github.com/hms/ipd/internal/domain/discharge"
	"github.com/hms/ipd/internal/domain/theatre"
	"github.com/hms/ipd/internal/platform/auth"
	"github.com/hms/ipd/internal/platform/blobstore"
	"github.com/hms/ipd/internal/platform/cache"
	"github.com/hms/ipd/internal/platform/db"
	"github.com/hms/ipd/internal/platform/events"
	"github.com/hms/ipd/internal/platform/middleware"
	"github.com/hms/ipd/internal/platform/recordstore"
	"github.com/hms/ipd/internal/platform/websocket"
	"github.com/hms/ipd/migrations"
	"github.com/hms/ipd/pkg/validation"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "ipd-server",
		Short: "IPD discharge and theatre API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(reconcileCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the IPD API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// newMigrator uses the embedded migrations unless dir is set.
func newMigrator(pool *pgxpool.Pool, dir string) *db.Migrator {
	if dir != "" {
		return db.NewDirMigrator(pool, dir)
	}
	return db.NewMigrator(pool, migrations.FS)
}

// openPool loads config and connects to Postgres for the admin commands.
func openPool(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL is required")
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

func migrateCmd() *cobra.Command {
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
			_, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := newMigrator(pool, dir)
			fmt.Printf("Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
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
			_, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := newMigrator(pool, dir).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	statusCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(statusCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Rollback last migration (not supported)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("WARNING: migrate down is not supported by the built-in runner.")
			fmt.Println("theatre_status_history is append-only; restore the schema from a backup instead.")
			return nil
		},
	})

	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant schema and apply migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			ctx := context.Background()
			_, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Creating tenant schema: %s\n", db.SchemaName(name))
			if err := db.CreateTenantSchema(ctx, pool, name, newMigrator(pool, "")); err != nil {
				return err
			}
			fmt.Println("Tenant created successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")

	cmd.AddCommand(createCmd)
	return cmd
}

// reconcileCmd runs one gate pass reconciliation pass for a tenant.
func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Repair checklists whose gate pass flag was not set",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")

			logger := newLogger("")
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if tenant == "" {
				tenant = cfg.DefaultTenant
			}

			ctx := context.Background()
			d, err := buildDeps(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer d.close()

			ctx, release, err := db.WithTenant(ctx, d.pool, tenant)
			if err != nil {
				return err
			}
			defer release()

			svc := discharge.NewService(discharge.NewStoreRepositories(d.store), d.cache, d.locker,
				d.publisher, d.blobs, logger, dischargeOptions(cfg))
			n, err := svc.ReconcileGatePasses(ctx)
			if err != nil {
				return fmt.Errorf("reconcile %s: %w", tenant, err)
			}
			fmt.Printf("Repaired %d checklist(s) for tenant %s.\n", n, tenant)
			return nil
		},
	}
	cmd.Flags().String("tenant", "", "Tenant identifier (defaults to DEFAULT_TENANT)")
	return cmd
}

func tenantScope(pool *pgxpool.Pool, tenant string) discharge.Scope {
	return func(ctx context.Context) (context.Context, func(), error) {
		return db.WithTenant(ctx, pool, tenant)
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func dischargeOptions(cfg *config.Config) discharge.Options {
	return discharge.Options{
		FetchAttempts: cfg.GatePassFetchAttempts,
		FetchBackoff:  cfg.GatePassFetchBackoff,
		ReadinessTTL:  cfg.ReadinessCacheTTL,
	}
}

// deps holds the backing services shared by the server and admin commands.
type deps struct {
	pool      *pgxpool.Pool
	store     recordstore.Store
	cache     cache.Cache
	locker    cache.Locker
	publisher events.Fanout
	blobs     blobstore.BlobStore
	closers   []func()
}

func (d *deps) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

func buildDeps(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*deps, error) {
	d := &deps{}
	fail := func(err error) (*deps, error) {
		d.close()
		return nil, err
	}

	// Record store
	switch cfg.RecordStore {
	case config.StorePostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return fail(fmt.Errorf("connect to database: %w", err))
		}
		d.pool = pool
		d.closers = append(d.closers, pool.Close)
		d.store = recordstore.NewPGStore(pool)
		logger.Info().Msg("connected to database")
	case config.StoreREST:
		d.store = recordstore.NewRESTStore(cfg.RecordStoreURL, cfg.RecordStoreAPIKey, 10*time.Second)
		logger.Info().Str("url", cfg.RecordStoreURL).Msg("using hosted record store")
	default:
		d.store = recordstore.NewMemoryStore()
		logger.Warn().Msg("using in-memory record store; data is lost on restart")
	}

	// Readiness cache and issuance lock
	if cfg.RedisURL != "" {
		client, err := cache.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fail(fmt.Errorf("connect to redis: %w", err))
		}
		d.closers = append(d.closers, func() { client.Close() })
		d.cache = cache.NewRedisCache(client, "ipd:")
		d.locker = cache.NewRedisLocker(client, "ipd:lock:")
		logger.Info().Msg("connected to redis")
	} else {
		d.cache = cache.NewMemoryCache()
		d.locker = cache.NewLocalLocker()
	}

	// Event broker
	if cfg.AMQPURL != "" {
		pub, err := events.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return fail(err)
		}
		d.closers = append(d.closers, func() { pub.Close() })
		d.publisher = append(d.publisher, pub)
		logger.Info().Str("exchange", cfg.AMQPExchange).Msg("publishing events to amqp")
	}

	// Discharge summary storage
	if cfg.MinioEndpoint != "" {
		client, err := blobstore.NewMinioClient(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioUseSSL)
		if err != nil {
			return fail(err)
		}
		blobs, err := blobstore.NewMinioBlobStore(ctx, client, cfg.MinioBucket)
		if err != nil {
			return fail(err)
		}
		d.blobs = blobs
		logger.Info().Str("bucket", cfg.MinioBucket).Msg("storing discharge summaries in minio")
	} else {
		d.blobs = blobstore.NewInMemoryBlobStore()
	}

	return d, nil
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"))

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()
	d, err := buildDeps(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise backing services")
	}
	defer d.close()

	// Live updates go to connected clients as well as the broker.
	hub := websocket.NewHub(logger)
	publisher := append(events.Fanout{hub}, d.publisher...)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validation.New()

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID"},
	}))
	e.Use(middleware.BodyLimit("1M", "26M"))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	rateLimitCfg.Skipper = auth.AuthSkipper

	// Health checks
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(d.store, d.pool))

	// Auth middleware
	var authMW echo.MiddlewareFunc
	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: []byte(cfg.AuthSigningKey),
		Skipper:    auth.AuthSkipper,
	}
	if cfg.ResolvedAuthMode() == "development" {
		authMW = auth.DevAuthMiddleware(cfg.DefaultTenant, &jwtCfg)
	} else {
		authMW = auth.JWTMiddleware(jwtCfg)
	}
	tenantMW := db.TenantMiddleware(d.pool, cfg.DefaultTenant)

	apiV1 := e.Group("/api/v1",
		authMW,
		tenantMW,
		middleware.RateLimit(rateLimitCfg),
		middleware.RequestTimeout(30*time.Second),
		middleware.Audit(logger),
	)

	// Discharge
	dischargeSvc := discharge.NewService(discharge.NewStoreRepositories(d.store), d.cache, d.locker,
		publisher, d.blobs, logger, dischargeOptions(cfg))
	discharge.NewHandler(dischargeSvc).RegisterRoutes(apiV1)

	// Theatre
	theatreSvc := theatre.NewService(theatre.NewStoreRepositories(d.store), publisher, logger)
	theatre.NewHandler(theatreSvc).RegisterRoutes(apiV1)

	// Live updates
	wsGroup := e.Group("", authMW, tenantMW)
	websocket.NewHandler(hub, cfg.CORSOrigins).RegisterRoutes(wsGroup)

	// Gate pass reconciliation runs for the default tenant, taking a tenant
	// connection for each run.
	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()
	go discharge.NewReconciler(dischargeSvc, cfg.ReconcileInterval, tenantScope(d.pool, cfg.DefaultTenant), logger).Run(bgCtx)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("record_store", cfg.RecordStore).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	stopBackground()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
