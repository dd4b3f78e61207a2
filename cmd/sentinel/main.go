package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"perpSentinel/internal/chain"
	"perpSentinel/internal/config"
	"perpSentinel/internal/funding"
	"perpSentinel/internal/ingest"
	"perpSentinel/internal/ledger"
	"perpSentinel/internal/loop"
	"perpSentinel/internal/notify"
	"perpSentinel/internal/observability"
	"perpSentinel/internal/oracle"
	"perpSentinel/internal/pricepush"
	"perpSentinel/internal/risk"
	"perpSentinel/internal/txgateway"
)

func main() {
	root := &cobra.Command{
		Use:          "sentinel",
		Short:        "Off-chain keeper for the perp protocol",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sentinel service",
		RunE:  runService,
	}
	addCommonFlags(runCmd)
	runCmd.Flags().String("nats-url", "", "NATS URL for event publishing (optional)")
	runCmd.Flags().String("price-object-id", "", "on-chain oracle object (enables the price pusher)")
	runCmd.Flags().String("ops-key-seed", "", "base64 ed25519 seed of the operations key")
	runCmd.Flags().String("sponsor-key-seed", "", "base64 ed25519 seed of the sponsor key (optional)")
	runCmd.Flags().Duration("risk-interval", 10*time.Second, "risk scan interval")
	runCmd.Flags().Duration("funding-interval", time.Hour, "funding recompute interval per market")
	runCmd.Flags().String("funding-sensitivity", "1", "funding rate sensitivity")
	runCmd.Flags().Duration("price-push-interval", 5*time.Second, "price push interval")
	runCmd.Flags().Duration("failure-cooldown", 30*time.Second, "hold-off after a failed liquidation, 0 disables")
	runCmd.Flags().Duration("lock-timeout", 30*time.Second, "max wait for the submission lock")
	runCmd.Flags().String("observability-addr", ":9090", "metrics and health listen address")
	root.AddCommand(runCmd)

	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one catch-up pass and exit",
		RunE:  runSync,
	}
	addCommonFlags(syncCmd)
	root.AddCommand(syncCmd)

	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "Print liquidation candidates without submitting anything",
		RunE:  runScan,
	}
	addCommonFlags(scanCmd)
	root.AddCommand(scanCmd)

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE:  runMigrate,
	}
	migrateCmd.Flags().String("database-dsn", "", "Postgres DSN")
	migrateCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.AddCommand(migrateCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func addCommonFlags(cmd *cobra.Command) {
	cmd.Flags().String("rpc", "", "node RPC URL")
	cmd.Flags().String("package-id", "", "protocol package ID")
	cmd.Flags().Uint64("chain-id", 1, "chain ID for checkpoint scoping")
	cmd.Flags().String("database-dsn", "", "Postgres DSN")
	cmd.Flags().String("oracle-endpoint", "", "price service base URL")
	cmd.Flags().String("sender-address", "", "keeper address submitting transactions")
	cmd.Flags().Uint64("gas-budget", 50_000_000, "gas budget per transaction")
	cmd.Flags().Uint64("sync-interval", 5, "sync interval in seconds")
	cmd.Flags().Uint64("start-height", 0, "checkpoint to start syncing from")
	cmd.Flags().Uint64("batch-size", 1000, "checkpoints per sync batch")
	cmd.Flags().Int("max-retries", 5, "maximum retry attempts")
	cmd.Flags().Duration("retry-backoff", 500*time.Millisecond, "initial retry backoff")
	cmd.Flags().Duration("max-price-age", 10*time.Second, "oracle quote freshness window")
	cmd.Flags().String("max-confidence-ratio", "0.01", "max confidence/price ratio")
	cmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
}

func loadConfig(cmd *cobra.Command) (config.Config, *zap.Logger, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return config.Config{}, nil, err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

func runService(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.OpsKeySeed == "" {
		return fmt.Errorf("ops-key-seed is required")
	}
	if cfg.SenderAddress == "" {
		return fmt.Errorf("sender-address is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := ledger.NewPostgresStore(ctx, cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	chainClient, err := chain.NewClient(ctx, cfg.RPCURL, cfg.PackageID)
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	defer chainClient.Close()

	oracleClient := oracle.NewClient(cfg.OracleEndpoint, logger.Named("oracle"))

	var publisher *notify.Publisher
	if cfg.NATSURL != "" {
		publisher, err = notify.Connect(ctx, cfg.NATSURL, logger.Named("notify"))
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer publisher.Close()
	}

	opsSigner, err := txgateway.NewSigner(cfg.OpsKeySeed)
	if err != nil {
		return fmt.Errorf("ops key: %w", err)
	}
	var sponsorSigner *txgateway.Signer
	if cfg.SponsorKeySeed != "" {
		sponsorSigner, err = txgateway.NewSigner(cfg.SponsorKeySeed)
		if err != nil {
			return fmt.Errorf("sponsor key: %w", err)
		}
	}

	metrics := observability.NewMetrics()
	health := observability.NewHealthServer(logger.Named("observability"))

	gateway := txgateway.New(txgateway.Config{
		LockTimeout: cfg.LockTimeout,
	}, chainClient, opsSigner, sponsorSigner, metrics, logger.Named("txgateway"))

	synchronizer := ingest.NewSynchronizer(ingest.Config{
		ChainID:      cfg.ChainID,
		StartHeight:  cfg.StartHeight,
		BatchSize:    cfg.BatchSize,
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: cfg.RetryBackoff,
	}, chainClient, store, publisher, metrics, logger.Named("ingest"))

	riskEngine := risk.NewEngine(risk.Config{
		SenderAddress:      cfg.SenderAddress,
		GasBudget:          cfg.GasBudget,
		MaxPriceAge:        cfg.MaxPriceAge,
		MaxConfidenceRatio: cfg.MaxConfidenceRatio,
		FailureCooldown:    cfg.FailureCooldown,
	}, store, oracleClient, chainClient, gateway, publisher, metrics, logger.Named("risk"))

	fundingEngine := funding.NewEngine(funding.Config{
		Sensitivity:     cfg.FundingSensitivity,
		DefaultInterval: cfg.FundingInterval,
	}, store, publisher, metrics, logger.Named("funding"))

	logger.Info("sentinel start",
		zap.String("rpc", cfg.RPCURL),
		zap.String("package_id", cfg.PackageID),
		zap.Uint64("chain_id", cfg.ChainID),
		zap.Uint64("batch_size", cfg.BatchSize),
		zap.Bool("nats", publisher != nil),
		zap.Bool("price_pusher", cfg.PriceObjectID != ""),
	)

	loops := []*loop.Runner{
		loop.NewRunner("sync", cfg.SyncIntervalDuration(), tracked(health, "sync", synchronizer.Sync), logger),
		loop.NewRunner("risk", cfg.RiskInterval, tracked(health, "risk", riskEngine.Tick), logger),
		// Funding is due per market; the loop only checks. A minute of
		// resolution is plenty for hourly intervals.
		loop.NewRunner("funding", time.Minute, tracked(health, "funding", fundingEngine.Tick), logger),
	}

	if cfg.PriceObjectID != "" {
		pusher := pricepush.NewPusher(pricepush.Config{
			SenderAddress:      cfg.SenderAddress,
			GasBudget:          cfg.GasBudget,
			PriceObjectID:      cfg.PriceObjectID,
			MaxPriceAge:        cfg.MaxPriceAge,
			MaxConfidenceRatio: cfg.MaxConfidenceRatio,
		}, store, oracleClient, chainClient, gateway, metrics, logger.Named("pricepush"))
		loops = append(loops, loop.NewRunner("pricepush", cfg.PricePushInterval, tracked(health, "pricepush", pusher.Tick), logger))
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := health.Serve(ctx, cfg.ObservabilityAddr); err != nil {
			logger.Error("observability server failed", zap.Error(err))
		}
	}()

	for _, runner := range loops {
		wg.Add(1)
		go func(r *loop.Runner) {
			defer wg.Done()
			r.Run(ctx)
		}(runner)
	}

	wg.Wait()
	logger.Info("sentinel stopped")
	return nil
}

// tracked reports each pass outcome to the readiness registry.
func tracked(health *observability.HealthServer, name string, task loop.Task) loop.Task {
	return func(ctx context.Context) error {
		err := task(ctx)
		if ctx.Err() == nil {
			health.SetComponent(name, err)
		}
		return err
	}
}

func runSync(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := ledger.NewPostgresStore(ctx, cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	chainClient, err := chain.NewClient(ctx, cfg.RPCURL, cfg.PackageID)
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	defer chainClient.Close()

	synchronizer := ingest.NewSynchronizer(ingest.Config{
		ChainID:      cfg.ChainID,
		StartHeight:  cfg.StartHeight,
		BatchSize:    cfg.BatchSize,
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: cfg.RetryBackoff,
	}, chainClient, store, nil, nil, logger.Named("ingest"))

	return synchronizer.Sync(ctx)
}

func runScan(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.DatabaseDSN == "" {
		return fmt.Errorf("database-dsn is required")
	}
	if cfg.OracleEndpoint == "" {
		return fmt.Errorf("oracle-endpoint is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := ledger.NewPostgresStore(ctx, cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer store.Close()

	oracleClient := oracle.NewClient(cfg.OracleEndpoint, logger.Named("oracle"))

	engine := risk.NewEngine(risk.Config{
		MaxPriceAge:        cfg.MaxPriceAge,
		MaxConfidenceRatio: cfg.MaxConfidenceRatio,
	}, store, oracleClient, nil, nil, nil, nil, logger.Named("risk"))

	candidates, err := engine.Scan(ctx)
	if err != nil {
		return err
	}

	type row struct {
		PositionID       string `json:"position_id"`
		MarketID         string `json:"market_id"`
		UserAddress      string `json:"user_address"`
		Health           string `json:"health_factor"`
		CurrentPrice     string `json:"current_price"`
		LiquidationPrice string `json:"liquidation_price"`
		PotentialReward  string `json:"potential_reward"`
	}

	out := json.NewEncoder(os.Stdout)
	out.SetIndent("", "  ")
	for _, c := range candidates {
		if err := out.Encode(row{
			PositionID:       c.Position.PositionID,
			MarketID:         c.Position.MarketID,
			UserAddress:      c.Position.UserAddress,
			Health:           c.Health.String(),
			CurrentPrice:     c.CurrentPrice.String(),
			LiquidationPrice: c.LiquidationPrice.String(),
			PotentialReward:  c.PotentialReward.String(),
		}); err != nil {
			return err
		}
	}

	logger.Info("scan complete", zap.Int("candidates", len(candidates)))
	return nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.DatabaseDSN == "" {
		return fmt.Errorf("database-dsn is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := ledger.NewPostgresStore(ctx, cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		return err
	}
	logger.Info("migrations applied")
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
