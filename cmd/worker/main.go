// The worker consumes the main event queue and applies business effects
// exactly once, routing failures to the retry queue or the DLQ.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/FelipeAlvarezM0/streamforge/config"
	"github.com/FelipeAlvarezM0/streamforge/logging"
	"github.com/FelipeAlvarezM0/streamforge/postgres"
	"github.com/FelipeAlvarezM0/streamforge/rabbitmq"
	"github.com/FelipeAlvarezM0/streamforge/worker"
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

	workerName := config.GetenvOrDefault("WORKER_NAME", "worker-default")

	logger, _, err := logging.New(cfg.OTelServiceName+"-worker", cfg.LogLevel)
	if err != nil {
		zap.NewExample().Error("building logger failed", zap.Error(err))
		return err
	}
	defer logger.Sync() //nolint:errcheck

	logger = logger.With(zap.String("worker", workerName))

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

	processor, err := worker.NewProcessor(
		worker.NewPostgresStore(db),
		publisher,
		worker.ProcessorConfig{
			WorkerName:       workerName,
			MaxRetryAttempts: cfg.MaxRetryAttempts,
			RetryBackoff:     cfg.RetryBackoff,
			FailRatePayment:  cfg.FailRatePayment,
		},
		logger,
		nil,
	)
	if err != nil {
		logger.Error("building processor failed", zap.Error(err))
		return err
	}

	consumeChannel, err := rabbit.NewChannel(ctx)
	if err != nil {
		logger.Error("opening consume channel failed", zap.Error(err))
		return err
	}

	consumer, err := worker.NewConsumer(consumeChannel, processor, worker.ConsumerConfig{
		Prefetch:    cfg.RabbitPrefetch,
		ConsumerTag: workerName,
	}, logger)
	if err != nil {
		logger.Error("building consumer failed", zap.Error(err))
		return err
	}

	logger.Info("worker started",
		zap.Int("prefetch", cfg.RabbitPrefetch),
		zap.Int("max_retry_attempts", cfg.MaxRetryAttempts))

	runErr := consumer.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("consumer stopped unexpectedly", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := consumer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("consumer shutdown did not drain in time", zap.Error(err))
	}

	logger.Info("worker stopped")

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}

	return nil
}
