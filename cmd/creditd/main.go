package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/arcanalabs/credits/internal/httpserver"
	"github.com/arcanalabs/credits/internal/oplog"
	"github.com/arcanalabs/credits/internal/readings"
	"github.com/arcanalabs/credits/internal/store/gormstore"
	"github.com/arcanalabs/credits/internal/store/pgstore"
	"github.com/arcanalabs/credits/pkg/credits"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL    = "database-url"
	flagListenAddr     = "listen-addr"
	flagAllowedOrigins = "allowed-origins"
	flagSigningKey     = "jwt-signing-key"
	flagIssuer         = "jwt-issuer"
	flagCookieName     = "jwt-cookie-name"
	flagWebhookSecret  = "webhook-secret"
	flagIdempotencyTTL = "idempotency-ttl"
	flagSweepInterval  = "sweep-interval"
	flagStoreBackend   = "store"

	configKeyDatabaseURL    = "database_url"
	configKeyListenAddr     = "listen_addr"
	configKeyAllowedOrigins = "allowed_origins"
	configKeySigningKey     = "jwt_signing_key"
	configKeyIssuer         = "jwt_issuer"
	configKeyCookieName     = "jwt_cookie_name"
	configKeyWebhookSecret  = "webhook_secret"
	configKeyIdempotencyTTL = "idempotency_ttl"
	configKeySweepInterval  = "sweep_interval"
	configKeyStoreBackend   = "store_backend"

	defaultDatabaseURL    = "sqlite:///tmp/credits.db"
	defaultListenAddr     = ":8080"
	defaultIdempotencyTTL = 24 * time.Hour
	defaultSweepInterval  = time.Hour

	backendGorm = "gorm"
	backendPgx  = "pgx"
)

type runtimeConfig struct {
	DatabaseURL    string
	ListenAddr     string
	AllowedOrigins string
	SigningKey     string
	Issuer         string
	CookieName     string
	WebhookSecret  string
	IdempotencyTTL time.Duration
	SweepInterval  time.Duration
	StoreBackend   string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Credit ledger HTTP server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "database connection string")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated CORS origins")
	cmd.Flags().String(flagSigningKey, "", "JWT session signing key")
	cmd.Flags().String(flagIssuer, "", "JWT session issuer")
	cmd.Flags().String(flagCookieName, "", "JWT session cookie name")
	cmd.Flags().String(flagWebhookSecret, "", "payment capture webhook secret")
	cmd.Flags().Duration(flagIdempotencyTTL, defaultIdempotencyTTL, "idempotency record retention")
	cmd.Flags().Duration(flagSweepInterval, defaultSweepInterval, "expired-record sweep interval")
	cmd.Flags().String(flagStoreBackend, backendGorm, "storage backend: gorm or pgx")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:    "DATABASE_URL",
		configKeyListenAddr:     "LISTEN_ADDR",
		configKeyAllowedOrigins: "ALLOWED_ORIGINS",
		configKeySigningKey:     "JWT_SIGNING_KEY",
		configKeyIssuer:         "JWT_ISSUER",
		configKeyCookieName:     "JWT_COOKIE_NAME",
		configKeyWebhookSecret:  "WEBHOOK_SECRET",
		configKeyIdempotencyTTL: "IDEMPOTENCY_TTL",
		configKeySweepInterval:  "SWEEP_INTERVAL",
		configKeyStoreBackend:   "STORE_BACKEND",
	}
	for key, env := range bindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}

	flags := map[string]string{
		configKeyDatabaseURL:    flagDatabaseURL,
		configKeyListenAddr:     flagListenAddr,
		configKeyAllowedOrigins: flagAllowedOrigins,
		configKeySigningKey:     flagSigningKey,
		configKeyIssuer:         flagIssuer,
		configKeyCookieName:     flagCookieName,
		configKeyWebhookSecret:  flagWebhookSecret,
		configKeyIdempotencyTTL: flagIdempotencyTTL,
		configKeySweepInterval:  flagSweepInterval,
		configKeyStoreBackend:   flagStoreBackend,
	}
	for key, flag := range flags {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	cfg.AllowedOrigins = viper.GetString(configKeyAllowedOrigins)
	cfg.SigningKey = viper.GetString(configKeySigningKey)
	cfg.Issuer = viper.GetString(configKeyIssuer)
	cfg.CookieName = viper.GetString(configKeyCookieName)
	cfg.WebhookSecret = viper.GetString(configKeyWebhookSecret)
	cfg.IdempotencyTTL = viper.GetDuration(configKeyIdempotencyTTL)
	cfg.SweepInterval = viper.GetDuration(configKeySweepInterval)
	cfg.StoreBackend = viper.GetString(configKeyStoreBackend)

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = defaultIdempotencyTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = backendGorm
	}
	if cfg.StoreBackend != backendGorm && cfg.StoreBackend != backendPgx {
		return fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
	}
	if cfg.SigningKey == "" {
		return fmt.Errorf("jwt signing key is required")
	}
	if cfg.WebhookSecret == "" {
		return fmt.Errorf("webhook secret is required")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("store open: %w", err)
	}
	defer func() { _ = cleanup() }()

	clock := func() int64 { return time.Now().UTC().Unix() }
	operationLogger := oplog.New(logger)

	ledger, err := credits.NewService(store, clock, credits.WithOperationLogger(operationLogger))
	if err != nil {
		return fmt.Errorf("ledger init: %w", err)
	}
	guard, err := credits.NewGuard(store, clock, credits.WithTTL(cfg.IdempotencyTTL))
	if err != nil {
		return fmt.Errorf("guard init: %w", err)
	}
	orchestrator, err := credits.NewOrchestrator(ledger, credits.WithOrchestratorLogger(operationLogger))
	if err != nil {
		return fmt.Errorf("orchestrator init: %w", err)
	}
	oracle := readings.NewGenerator(time.Now().UnixNano(), clock)

	go sweepExpired(ctx, guard, cfg.SweepInterval, logger)

	return httpserver.Run(ctx, httpserver.Config{
		ListenAddr:        cfg.ListenAddr,
		AllowedOrigins:    httpserver.ParseAllowedOrigins(cfg.AllowedOrigins),
		SessionSigningKey: cfg.SigningKey,
		SessionIssuer:     cfg.Issuer,
		SessionCookieName: cfg.CookieName,
		WebhookSecret:     cfg.WebhookSecret,
	}, httpserver.Dependencies{
		Ledger:       ledger,
		Guard:        guard,
		Orchestrator: orchestrator,
		Oracle:       oracle,
		Logger:       logger,
	})
}

func sweepExpired(ctx context.Context, guard *credits.Guard, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := guard.Sweep(ctx)
			if err != nil {
				logger.Warn("idempotency sweep failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Info("idempotency records swept", zap.Int64("removed", removed))
			}
		}
	}
}

func openStore(ctx context.Context, cfg *runtimeConfig) (credits.Store, func() error, error) {
	if cfg.StoreBackend == backendPgx {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		cleanup := func() error {
			pool.Close()
			return nil
		}
		return pgstore.New(pool), cleanup, nil
	}

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if driver == "sqlite" {
		if err := gormstore.Migrate(gormDB); err != nil {
			_ = cleanup()
			return nil, nil, fmt.Errorf("auto migrate: %w", err)
		}
	}
	return gormstore.New(gormDB), cleanup, nil
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormCfg := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormCfg)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "credits.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
