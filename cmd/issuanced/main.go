package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"esgcoupon/crypto"
	"esgcoupon/observability/logging"
	telemetry "esgcoupon/observability/otel"
	"esgcoupon/services/issuanced/alerts"
	"esgcoupon/services/issuanced/auth"
	"esgcoupon/services/issuanced/authority"
	"esgcoupon/services/issuanced/authorizer"
	"esgcoupon/services/issuanced/config"
	"esgcoupon/services/issuanced/ledger"
	issmw "esgcoupon/services/issuanced/middleware"
	"esgcoupon/services/issuanced/models"
	"esgcoupon/services/issuanced/nodeapi"
	"esgcoupon/services/issuanced/policydoc"
	"esgcoupon/services/issuanced/rewards"
	"esgcoupon/services/issuanced/server"
	"esgcoupon/services/issuanced/verifier"
	"esgcoupon/storage"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("issuanced: %v", err)
	}
}

func run() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/issuanced/config.yaml", "path to issuanced configuration")
	flag.Parse()

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.SetupWithOptions(logging.Options{
		Service:    "issuanced",
		Env:        cfg.Environment,
		Level:      cfg.Logging.Level,
		FilePath:   cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if cfg.Telemetry.Metrics || cfg.Telemetry.Traces {
		shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
			ServiceName: "issuanced",
			Environment: cfg.Environment,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Headers:     cfg.Telemetry.Headers,
			Metrics:     cfg.Telemetry.Metrics,
			Traces:      cfg.Telemetry.Traces,
			SampleRatio: cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() {
			_ = shutdownTelemetry(context.Background())
		}()
	}

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return err
	}
	if err := models.AutoMigrate(db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	store, closeStore, err := openLedgerStore(cfg.Ledger, db)
	if err != nil {
		return err
	}
	defer closeStore()
	led, err := ledger.New(ledger.Config{Store: store, Logger: logger, GrantTTL: cfg.Ledger.GrantTTL.Duration})
	if err != nil {
		return fmt.Errorf("init ledger: %w", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := seedBudgets(ctx, led, cfg.Ledger.Budgets, logger); err != nil {
		return err
	}

	table := rewards.DefaultTable()
	if cfg.PolicyTable != "" {
		table, err = rewards.LoadTable(cfg.PolicyTable)
		if err != nil {
			return fmt.Errorf("load policy table: %w", err)
		}
	}

	registry, err := authority.FromSpecs(cfg.Authorities)
	if err != nil {
		return fmt.Errorf("load authorities: %w", err)
	}
	for _, view := range registry.Describe() {
		logger.Info("authority provisioned", slog.String("authority", view.String()))
	}
	events, err := authorizer.NewSQLEventStore(db)
	if err != nil {
		return fmt.Errorf("init event store: %w", err)
	}
	authz, err := authorizer.New(authorizer.Config{
		Registry: registry,
		Store:    events,
		Timeout:  cfg.Authorization.Timeout.Duration,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("init authorizer: %w", err)
	}
	go authz.RunSweeper(ctx, cfg.Authorization.SweepInterval.Duration)

	oracle, transactor, err := openNode(cfg.Node)
	if err != nil {
		return err
	}
	dispatcher, err := authorizer.NewDispatcher(authz, transactor,
		authorizer.WithRetryPolicy(cfg.Authorization.MaxAttempts, cfg.Authorization.InitialBackoff.Duration, cfg.Authorization.MaxBackoff.Duration),
		authorizer.WithDispatcherLogger(logger))
	if err != nil {
		return fmt.Errorf("init dispatcher: %w", err)
	}

	if dir := filepath.Dir(cfg.PolicyStore); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create policy store dir: %w", err)
		}
	}
	policies, err := policydoc.NewStore(cfg.PolicyStore, nil)
	if err != nil {
		return fmt.Errorf("open policy store: %w", err)
	}
	defer func() { _ = policies.Close() }()

	var ver *verifier.Verifier
	if !cfg.Verifier.Disabled {
		var publisher *alerts.Publisher
		ver, publisher, err = buildVerifier(cfg, db, oracle, led, policies, logger)
		if err != nil {
			return err
		}
		if publisher != nil {
			defer publisher.Close()
		}
		scheduler := verifier.NewScheduler(verifier.SchedulerConfig{
			Verifier:  ver,
			Interval:  cfg.Verifier.Interval.Duration,
			RunHour:   cfg.Verifier.RunHour,
			RunMinute: cfg.Verifier.RunMinute,
			Location:  time.UTC,
			ExportDir: cfg.Verifier.ExportDir,
			DryRun:    cfg.Verifier.ExportDryRun,
			Logger:    logger,
		})
		go scheduler.Start(ctx)
	}

	mw, err := auth.NewMiddleware(auth.Options{
		Secret:   []byte(cfg.Auth.JWTSecret),
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
		Leeway:   cfg.Auth.MaxSkew.Duration,
	})
	if err != nil {
		return fmt.Errorf("init auth: %w", err)
	}
	srv, err := server.New(server.Config{
		DB:          db,
		Ledger:      led,
		Rewards:     table,
		Authorizer:  authz,
		Dispatcher:  dispatcher,
		Authorities: registry,
		Oracle:      oracle,
		Verifier:    ver,
		Policies:    policies,
		AssetID:     cfg.Registry.AssetID,
		Network:     cfg.Environment,
		Auth:        mw,
		RateLimiter: issmw.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errs := make(chan error, 1)
	go func() {
		logger.Info("issuanced listening", slog.String("addr", cfg.ListenAddress))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func openDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	if cfg.IsPostgres() {
		dialector = postgres.Open(cfg.DSN)
	} else {
		dialector = sqlite.Open(cfg.DSN)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("database connection: %w", err)
	}
	return db, nil
}

func openLedgerStore(cfg config.LedgerConfig, db *gorm.DB) (ledger.Store, func(), error) {
	noop := func() {}
	switch cfg.Store {
	case config.StoreMemory:
		return ledger.NewMemoryStore(), noop, nil
	case config.StoreDocument:
		kv, err := storage.NewLevelDB(cfg.DocumentPath)
		if err != nil {
			return nil, noop, fmt.Errorf("open ledger documents: %w", err)
		}
		store, err := ledger.NewDocumentStore(kv)
		if err != nil {
			_ = kv.Close()
			return nil, noop, err
		}
		return store, func() { _ = kv.Close() }, nil
	default:
		store, err := ledger.NewSQLStore(db)
		if err != nil {
			return nil, noop, fmt.Errorf("init ledger store: %w", err)
		}
		return store, noop, nil
	}
}

// seedBudgets installs configured allocations for periods the ledger does
// not know yet. Existing periods keep their allocation across restarts.
func seedBudgets(ctx context.Context, led *ledger.Ledger, budgets []config.BudgetConfig, logger *slog.Logger) error {
	for _, budget := range budgets {
		_, err := led.BudgetStatus(ctx, budget.Period)
		if err == nil {
			continue
		}
		if !errors.Is(err, ledger.ErrUnknownPeriod) {
			return fmt.Errorf("read budget %s: %w", budget.Period, err)
		}
		if _, err := led.SetBudget(ctx, budget.Period, budget.TotalBudget, budget.PerPersonLimit); err != nil {
			return fmt.Errorf("seed budget %s: %w", budget.Period, err)
		}
		logger.Info("budget seeded", slog.String("period", budget.Period))
	}
	return nil
}

func openNode(cfg config.NodeConfig) (nodeapi.BalanceOracle, authorizer.Transactor, error) {
	if cfg.Static {
		oracle := nodeapi.NewStaticOracle()
		return oracle, oracle, nil
	}
	client, err := nodeapi.NewClient(nodeapi.Config{
		URL:               cfg.URL,
		Timeout:           cfg.Timeout.Duration,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("init node client: %w", err)
	}
	return client, client, nil
}

func buildVerifier(cfg config.Config, db *gorm.DB, oracle nodeapi.BalanceOracle, led *ledger.Ledger, anchors verifier.AnchorSource, logger *slog.Logger) (*verifier.Verifier, *alerts.Publisher, error) {
	var signer *crypto.PrivateKey
	if cfg.Verifier.SignerKey != "" {
		key, err := crypto.PrivateKeyFromHex(cfg.Verifier.SignerKey)
		if err != nil {
			return nil, nil, fmt.Errorf("load verifier key: %w", err)
		}
		signer = key
		logger.Info("invariant reports will be signed", logging.MaskField("signer", key.PubKey().Address().String()))
	}
	reports, err := verifier.NewSQLReportStore(db)
	if err != nil {
		return nil, nil, fmt.Errorf("init report store: %w", err)
	}

	sinks := []verifier.AlertFunc{alerts.LogAlert(logger)}
	var publisher *alerts.Publisher
	if url := strings.TrimSpace(cfg.Alerts.NATSURL); url != "" {
		publisher, err = alerts.Connect(alerts.Config{URL: url, SubjectPrefix: cfg.Alerts.SubjectPrefix}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connect alerts: %w", err)
		}
		sinks = append(sinks, publisher.Publish)
	}

	reg := cfg.Registry
	ver, err := verifier.New(verifier.Config{
		Oracle: oracle,
		Ledger: led,
		Registry: verifier.AddressRegistry{
			AssetID:           reg.AssetID,
			ReserveAddress:    reg.ReserveAddress,
			CitizenAddresses:  reg.CitizenAddresses,
			MerchantAddresses: reg.MerchantAddresses,
			RecoveryAddress:   reg.RecoveryAddress,
		},
		Anchors:              anchors,
		ExpectedMetadataHash: cfg.Verifier.ExpectedMetadataHash,
		Signer:               signer,
		Store:                reports,
		Alert:                alerts.Fanout(sinks...),
		Logger:               logger,
		Concurrency:          cfg.Verifier.Concurrency,
		LookupAttempts:       cfg.Verifier.LookupAttempts,
		LookupBackoff:        cfg.Verifier.LookupBackoff.Duration,
	})
	if err != nil {
		if publisher != nil {
			publisher.Close()
		}
		return nil, nil, fmt.Errorf("init verifier: %w", err)
	}
	return ver, publisher, nil
}
