package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/charging/internal/httpserver"
	"github.com/MarkoPoloResearchLab/charging/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/charging/pkg/charging"
	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL       = "database-url"
	flagListenAddr        = "listen-addr"
	flagAllowedOrigins    = "allowed-origins"
	flagNodeID            = "node-id"
	flagLockTimeoutMillis = "lock-timeout-ms"
	flagSeedProducts      = "seed-products"

	configKeyDatabaseURL       = "database_url"
	configKeyListenAddr        = "listen_addr"
	configKeyAllowedOrigins    = "allowed_origins"
	configKeyNodeID            = "node_id"
	configKeyLockTimeoutMillis = "lock_timeout_ms"
	configKeySeedProducts      = "seed_products"

	defaultDatabaseURL = "sqlite:///tmp/charging.db"
	defaultListenAddr  = ":8080"
)

type runtimeConfig struct {
	DatabaseURL       string
	ListenAddr        string
	AllowedOrigins    []string
	NodeID            int64
	LockTimeoutMillis int64
	SeedProducts      string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "chargingd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "chargingd",
		Short:         "Charging and quota engine HTTP server",
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

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or sqlite connection string")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated CORS origins")
	cmd.Flags().Int64(flagNodeID, 1, "snowflake node id for unique id generation")
	cmd.Flags().Int64(flagLockTimeoutMillis, charging.DefaultLockTimeout.Milliseconds(), "soft lock expiry in milliseconds")
	cmd.Flags().String(flagSeedProducts, "", "products to ensure at startup, e.g. 1:10,2:50 (id:unit_cost_cents)")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:       "DATABASE_URL",
		configKeyListenAddr:        "LISTEN_ADDR",
		configKeyAllowedOrigins:    "ALLOWED_ORIGINS",
		configKeyNodeID:            "NODE_ID",
		configKeyLockTimeoutMillis: "LOCK_TIMEOUT_MS",
		configKeySeedProducts:      "SEED_PRODUCTS",
	}
	for key, env := range bindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}
	flags := map[string]string{
		configKeyDatabaseURL:       flagDatabaseURL,
		configKeyListenAddr:        flagListenAddr,
		configKeyAllowedOrigins:    flagAllowedOrigins,
		configKeyNodeID:            flagNodeID,
		configKeyLockTimeoutMillis: flagLockTimeoutMillis,
		configKeySeedProducts:      flagSeedProducts,
	}
	for key, flag := range flags {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	if origins := viper.GetString(configKeyAllowedOrigins); origins != "" {
		cfg.AllowedOrigins = strings.Split(origins, ",")
	}
	cfg.NodeID = viper.GetInt64(configKeyNodeID)
	cfg.LockTimeoutMillis = viper.GetInt64(configKeyLockTimeoutMillis)
	cfg.SeedProducts = viper.GetString(configKeySeedProducts)
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()

	if err := prepareSchema(gormDB, driver); err != nil {
		return err
	}
	if err := seedProducts(gormDB, cfg.SeedProducts); err != nil {
		return err
	}

	store := gormstore.New(gormDB)
	clock := func() int64 { return time.Now().UTC().UnixMilli() }
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return fmt.Errorf("snowflake node init: %w", err)
	}
	nextID := func() int64 { return node.Generate().Int64() }

	chargingService, err := charging.NewService(store, clock, nextID,
		charging.WithOperationLogger(charging.NewZapOperationLogger(logger)),
		charging.WithLockTimeout(cfg.LockTimeoutMillis),
	)
	if err != nil {
		return fmt.Errorf("charging service init: %w", err)
	}

	collector, err := charging.NewCollector(store, clock, charging.DefaultCollectorConfig(), logger)
	if err != nil {
		return fmt.Errorf("collector init: %w", err)
	}
	go func() {
		if runErr := collector.Run(ctx); runErr != nil && !errors.Is(runErr, context.Canceled) {
			logger.Error("collector stopped", zap.Error(runErr))
		}
	}()

	router := httpserver.NewServer(chargingService, logger).Router(httpserver.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
	})
	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("charging server starting", zap.String("listen_addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			return serveErr
		}
		return nil
	case serveErr := <-errCh:
		if errors.Is(serveErr, http.ErrServerClosed) {
			return nil
		}
		return serveErr
	}
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormConfig := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
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
			path = "charging.db"
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

func prepareSchema(db *gorm.DB, driver string) error {
	if driver != "sqlite" {
		return nil
	}
	if err := gormstore.Migrate(db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// seedProducts ensures reference products exist. The argument is
// id:unit_cost_cents pairs separated by commas.
func seedProducts(db *gorm.DB, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, pair := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid product entry %q", pair)
		}
		productID, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid product id %q: %w", parts[0], err)
		}
		unitCost, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid unit cost %q: %w", parts[1], err)
		}
		product := gormstore.Product{
			ProductID:     productID,
			ProductName:   fmt.Sprintf("product %d", productID),
			UnitCostCents: unitCost,
		}
		if err := db.Where(gormstore.Product{ProductID: productID}).
			Assign(gormstore.Product{UnitCostCents: unitCost, ProductName: product.ProductName}).
			FirstOrCreate(&product).Error; err != nil {
			return fmt.Errorf("seed product %d: %w", productID, err)
		}
	}
	return nil
}
