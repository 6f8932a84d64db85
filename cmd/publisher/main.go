// The publisher drains the transactional outbox: it claims due entries under
// a lease and publishes them to the broker with publisher confirms.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/FelipeAlvarezM0/streamforge/config"
	"github.com/FelipeAlvarezM0/streamforge/logging"
	"github.com/FelipeAlvarezM0/streamforge/outbox"
	outboxpg "github.com/FelipeAlvarezM0/streamforge/outbox/postgres"
	"github.com/FelipeAlvarezM0/streamforge/postgres"
	"github.com/FelipeAlvarezM0/streamforge/rabbitmq"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Error("loading configuration failed", zap.Error(err))
		return err
	}

	logger, _, err := logging.New(cfg.OTelServiceName+"-publisher", cfg.LogLevel)
	if err != nil {
		zap.NewExample().Error("building logger failed", zap.Error(err))
		return err
	}
	defer logger.Sync() //nolint:errcheck

	pg := &postgres.Connection{
		ConnectionStringPrimary: cfg.DatabaseURL,
		MigrationsPath:          "migrations",
		Logger:                  logger,
	}

	if err := pg.Connect(ctx); err != nil {
		logger.Error("connecting to postgres failed", zap.Error(err))
		return err
	}
	defer pg.Close() //nolint:errcheck

	db, err := pg.GetDB(ctx)
	if err != nil {
		logger.Error("acquiring database handle failed", zap.Error(err))
		return err
	}

	rabbit := &rabbitmq.Connection{
		ConnectionStringSource: cfg.RabbitURL,
		Logger:                 logger,
	}

	if err := rabbit.Connect(ctx); err != nil {
		logger.Error("connecting to rabbitmq failed", zap.Error(err))
		return err
	}
	defer rabbit.Close() //nolint:errcheck

	topologyChannel, err := rabbit.GetChannel(ctx)
	if err != nil {
		logger.Error("acquiring channel failed", zap.Error(err))
		return err
	}

	if err := rabbitmq.DeclareTopology(topologyChannel); err != nil {
		logger.Error("declaring topology failed", zap.Error(err))
		return err
	}

	publishChannel, err := rabbit.NewChannel(ctx)
	if err != nil {
		logger.Error("opening publish channel failed", zap.Error(err))
		return err
	}

	publisher, err := rabbitmq.NewConfirmablePublisher(publishChannel, rabbitmq.DefaultConfirmTimeout)
	if err != nil {
		logger.Error("enabling publisher confirms failed", zap.Error(err))
		return err
	}
	defer publisher.Close() //nolint:errcheck

	// Each process instance owns its leases under a distinct name so a
	// crashed instance's claims expire instead of being settled by another.
	lockOwner := cfg.OutboxLockOwner + "-" + uuid.NewString()

	relay, err := outbox.NewRelay(
		outboxpg.NewRepository(db, logger),
		publisher,
		logger,
		nil,
		outbox.RelayConfig{
			Exchange:     rabbitmq.Exchange,
			BatchSize:    cfg.OutboxBatchSize,
			PollInterval: cfg.OutboxPollInterval,
			Lease:        cfg.OutboxLease,
			LockOwner:    lockOwner,
		},
	)
	if err != nil {
		logger.Error("building relay failed", zap.Error(err))
		return err
	}

	logger.Info("outbox publisher started",
		zap.String("lock_owner", lockOwner),
		zap.Int("batch_size", cfg.OutboxBatchSize),
		zap.Duration("poll_interval", cfg.OutboxPollInterval))

	runErr := relay.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("relay stopped unexpectedly", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := relay.Shutdown(shutdownCtx); err != nil {
		logger.Warn("relay shutdown did not drain in time", zap.Error(err))
	}

	logger.Info("outbox publisher stopped")

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}

	return nil
}
