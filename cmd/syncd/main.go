// Command syncd runs the LedgerSync background synchronization engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc"

	"github.com/billfold/ledgersync/config"
	"github.com/billfold/ledgersync/internal/breaker"
	"github.com/billfold/ledgersync/internal/engine"
	"github.com/billfold/ledgersync/internal/infra/persistence/migrations"
	"github.com/billfold/ledgersync/internal/infra/persistence/postgres"
	"github.com/billfold/ledgersync/internal/notify"
	"github.com/billfold/ledgersync/internal/observability"
	"github.com/billfold/ledgersync/internal/remote"
	"github.com/billfold/ledgersync/internal/stats"
	"github.com/billfold/ledgersync/internal/telemetry"
)

const (
	defaultConfigPath        = "config/syncd.yaml"
	defaultMigrationsPath    = "db/migrations"
	shutdownTimeout          = 30 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	syncdLoggerPrefix        = "syncd "
)

func main() {
	cfgPath := flag.String("config", defaultConfigPath, "Path to the syncd configuration file")
	migrate := flag.Bool("migrate", false, "Apply pending database migrations before starting")
	flag.Parse()

	logger := log.New(os.Stdout, syncdLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
	observability.SetLogger(observability.NewStdLogger(logger))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger, *cfgPath, *migrate); err != nil {
		logger.Fatalf("syncd: %v", err)
	}
}

func run(ctx context.Context, logger *log.Logger, cfgPath string, migrate bool) error {
	cfg, loaded, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !loaded {
		logger.Printf("configuration file not found at %s, using defaults", cfgPath)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	owners, err := parseOwners(cfg.Engine.Owners)
	if err != nil {
		return err
	}
	logger.Printf("configuration initialised: owners=%d, interval=%s, workers=%d",
		len(owners), cfg.Engine.Interval.Std(), cfg.Engine.Workers)

	telemetryProvider, err := initTelemetry(ctx, logger, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer shutdownCancel()
		if err := telemetryProvider.Shutdown(shutdownCtx); err != nil {
			logger.Printf("telemetry shutdown: %v", err)
		}
	}()
	observability.SetMetrics(observability.NewOTelMetrics(telemetryProvider.Meter("ledgersync/syncd")))

	if migrate {
		if err := migrations.Apply(ctx, cfg.Database.DSN, defaultMigrationsPath, logger); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
	}

	pool, err := pgxpool.New(ctx, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	logger.Print("database connection established")

	store := postgres.New(pool)

	client := remote.NewClient(cfg.Remote.BaseURL, remote.StaticToken(cfg.Remote.Token),
		remote.WithTimeout(cfg.Remote.RequestTimeout.Std()),
		remote.WithRateLimit(cfg.Remote.RequestsPerSecond, cfg.Remote.Burst),
	)

	brk := breaker.New(cfg.Breaker.Threshold, cfg.Breaker.CooldownMin.Std(), cfg.Breaker.CooldownMax.Std())
	publisher := stats.NewPublisher(store.Outbox(), store.DeadLetters())

	syncEngine, err := engine.New(
		engine.Config{
			Interval:        cfg.Engine.Interval.Std(),
			BatchSize:       cfg.Engine.BatchSize,
			Workers:         cfg.Engine.Workers,
			BackoffBase:     cfg.Engine.BackoffBase.Std(),
			BackoffCap:      cfg.Engine.BackoffCap.Std(),
			MaxAttempts:     cfg.Engine.MaxAttempts,
			InFlightTimeout: cfg.Engine.InFlightTimeout.Std(),
			Owners:          owners,
		},
		store.Outbox(), store.Cursors(), store.Ledger(), client, brk, publisher,
	)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	var lifecycle conc.WaitGroup

	engineCtx, engineCancel := context.WithCancel(context.Background())
	defer engineCancel()
	lifecycle.Go(func() {
		if err := syncEngine.Run(engineCtx); err != nil {
			logger.Printf("engine stopped: %v", err)
		}
	})

	if cfg.Notify.Enabled {
		listener := notify.NewListener(cfg.Notify.URL, owners, syncEngine.TriggerSync)
		lifecycle.Go(func() {
			if err := listener.Run(engineCtx); err != nil && engineCtx.Err() == nil {
				logger.Printf("wake listener stopped: %v", err)
			}
		})
		logger.Printf("wake listener subscribed to %s", cfg.Notify.URL)
	}

	lifecycle.Go(func() { logStatsStream(engineCtx, logger, publisher) })

	logger.Print("syncd started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownStart := time.Now()
	done := make(chan struct{})
	go func() {
		engineCancel()
		lifecycle.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		logger.Print("shutdown timed out; exiting")
	}
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
	return nil
}

func parseOwners(raw []string) ([]uuid.UUID, error) {
	owners := make([]uuid.UUID, 0, len(raw))
	for _, value := range raw {
		owner, err := uuid.Parse(value)
		if err != nil {
			return nil, fmt.Errorf("parse owner id %q: %w", value, err)
		}
		owners = append(owners, owner)
	}
	return owners, nil
}

func initTelemetry(ctx context.Context, logger *log.Logger, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	if cfg.Environment != "" {
		telemetryCfg.Environment = cfg.Environment
	}

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, err
	}
	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Print("telemetry disabled")
	}
	return provider, nil
}

// logStatsStream mirrors each stats snapshot to the process log so operators
// can follow sync health without a metrics backend.
func logStatsStream(ctx context.Context, logger *log.Logger, publisher *stats.Publisher) {
	updates := publisher.Subscribe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case snapshot, ok := <-updates:
			if !ok {
				return
			}
			logger.Printf("sync stats: pending=%d in_flight=%d failed=%d conflicts=%d dead=%d circuit_open=%t",
				snapshot.PendingCount, snapshot.InFlightCount, snapshot.FailedCount,
				snapshot.ConflictCount, snapshot.DeadLetterCount, snapshot.CircuitOpen)
		}
	}
}
