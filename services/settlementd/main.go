package settlementd

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"affilnet/native/affiliate"
	"affilnet/native/pooldist"
	"affilnet/observability/logging"
	telemetry "affilnet/observability/otel"
	"affilnet/services/settlementd/ledger"
	"affilnet/services/settlementd/lock"
	"affilnet/services/settlementd/oracle"
	"affilnet/services/settlementd/report"
	"affilnet/services/settlementd/storage"
)

// Main initialises and runs the settlement daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/settlementd/config.yaml", "path to settlementd configuration")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.Setup("settlementd", cfg.Environment, logging.Options{
		FilePath:   cfg.Log.FilePath,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "settlementd",
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	store, err := storage.Open(cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	policy, err := affiliate.LoadPolicy(cfg.PolicyPath)
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}
	trees, err := affiliate.NewTreeEngine(store, policy.NodeDefaultPercents, affiliate.WithTreeLogger(logger))
	if err != nil {
		return fmt.Errorf("init tree engine: %w", err)
	}
	levels, err := affiliate.NewLevelSchedule(policy.LevelPercents)
	if err != nil {
		return fmt.Errorf("init level schedule: %w", err)
	}
	calculator, err := affiliate.NewCalculator(trees, store, levels, policy.BaseFeeRate, logger)
	if err != nil {
		return fmt.Errorf("init calculator: %w", err)
	}
	distributor, err := pooldist.New(store, pooldist.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("init distributor: %w", err)
	}

	var locker lock.Locker
	if strings.TrimSpace(cfg.Redis.Addr) != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		locker, err = lock.NewRedisLocker(client, "affilnet:lock")
		if err != nil {
			return fmt.Errorf("init redis locker: %w", err)
		}
	} else {
		logger.Warn("redis not configured, falling back to in-process locks")
		locker = lock.NewMemoryLocker()
	}

	var source oracle.Source
	if strings.TrimSpace(cfg.Oracle.Endpoint) != "" {
		source, err = oracle.NewHTTPSource(cfg.Oracle.Endpoint)
		if err != nil {
			return fmt.Errorf("init oracle source: %w", err)
		}
	} else {
		source, err = oracle.NewStaticSource(cfg.Assets)
		if err != nil {
			return fmt.Errorf("init static rates: %w", err)
		}
	}
	quotes, err := oracle.NewCache(source,
		oracle.WithTTL(cfg.Oracle.TTL.Duration),
		oracle.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("init oracle cache: %w", err)
	}

	var client ledger.Client
	if cfg.Ledger.DryRun {
		logger.Warn("ledger dry run enabled, transfers are simulated")
		client = ledger.FuncClient{
			SubmitFn: func(ctx context.Context, transfer ledger.Transfer) (string, error) {
				return "dryrun-" + transfer.Reference, nil
			},
			StatusFn: func(ctx context.Context, txRef string) (ledger.Status, error) {
				return ledger.StatusConfirmed, nil
			},
		}
	} else {
		backend, err := ledger.DialEVM(cfg.Ledger.Endpoint)
		if err != nil {
			return fmt.Errorf("dial ledger: %w", err)
		}
		defer backend.Close()
		dialCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		evm, err := ledger.NewEVMClient(dialCtx, backend, cfg.Ledger.TreasuryKey)
		cancel()
		if err != nil {
			return fmt.Errorf("init ledger client: %w", err)
		}
		client = evm
	}

	reporter, err := report.NewWriter(cfg.Reports.Dir, report.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("init report writer: %w", err)
	}

	minWithdraw, err := decimal.NewFromString(cfg.Settlement.MinWithdrawUSD)
	if err != nil {
		return fmt.Errorf("parse min_withdraw_usd: %w", err)
	}

	processor, err := NewProcessor(store, trees, calculator, levels, distributor,
		WithLedger(client),
		WithConverter(quotes),
		WithLocker(locker),
		WithReporter(reporter),
		WithProcessorLogger(logger),
		WithMinWithdrawUSD(minWithdraw),
		WithRequestDeadline(cfg.Settlement.RequestDeadline.Duration),
		WithLockTTLs(cfg.Settlement.WithdrawLockTTL.Duration, cfg.Settlement.DistributeTTL.Duration),
		WithConfirmation(cfg.Ledger.ConfirmAttempts, cfg.Ledger.ConfirmInterval.Duration),
		WithSubmitRetries(cfg.Ledger.SubmitRetries, cfg.Ledger.SubmitRetryBackoff.Duration),
	)
	if err != nil {
		return fmt.Errorf("init processor: %w", err)
	}
	if cfg.PauseOnStart {
		processor.Pause()
	}

	auth, err := NewAuthenticator(AuthConfig{
		BearerToken: cfg.Admin.BearerToken,
		JWTSecret:   cfg.Admin.JWTSecret,
	})
	if err != nil {
		return fmt.Errorf("init admin auth: %w", err)
	}
	adminServer := NewAdminServer(processor, trees, levels, store, auth, cfg.Admin.RateLimit, cfg.Admin.RateBurst)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      adminServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := processor.Run(stopCtx, cfg.SweepInterval.Duration); err != nil && stopCtx.Err() == nil {
			logger.Error("sweep loop exited", "err", err)
		}
	}()

	errs := make(chan error, 1)
	go func() {
		logger.Info("settlementd listening", "addr", cfg.ListenAddress)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
