// The ingest command feeds events into the pipeline from newline-delimited
// JSON on stdin, one envelope per line. It exists for batch loads and
// operational backfills; interactive front ends call the ingest package
// directly.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/FelipeAlvarezM0/streamforge/config"
	"github.com/FelipeAlvarezM0/streamforge/dedupe"
	"github.com/FelipeAlvarezM0/streamforge/ingest"
	"github.com/FelipeAlvarezM0/streamforge/logging"
	"github.com/FelipeAlvarezM0/streamforge/postgres"
	"github.com/FelipeAlvarezM0/streamforge/redis"
)

// Lines can carry large canonicalized payloads; size the scanner above the
// default admission limit so the pipeline, not the scanner, rejects them.
const maxLineBytes = 1 << 20

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

	tenantID := config.GetenvOrDefault("INGEST_TENANT_ID", "")
	if tenantID == "" {
		zap.NewExample().Error("INGEST_TENANT_ID is required")
		return errors.New("INGEST_TENANT_ID is required")
	}

	logger, _, err := logging.New(cfg.OTelServiceName+"-ingest", cfg.LogLevel)
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

	cache, err := redis.New(ctx, cfg.RedisURL, logger)
	if err != nil {
		logger.Error("connecting to redis failed", zap.Error(err))
		return err
	}
	defer cache.Close() //nolint:errcheck

	cacheClient, err := cache.GetClient(ctx)
	if err != nil {
		logger.Error("acquiring redis client failed", zap.Error(err))
		return err
	}

	pipeline, err := ingest.NewPipeline(
		db,
		dedupe.NewReserver(cacheClient, cfg.IdempotencyTTL, logger),
		ingest.PipelineConfig{
			DedupeStrategy:          cfg.DedupeStrategy,
			DedupeIncludeOccurredAt: cfg.DedupeIncludeOccurredAt,
			MaxEventBytes:           cfg.MaxEventBytes,
			TenantAllowlist:         cfg.TenantAllowlist,
		},
		logger,
		nil,
	)
	if err != nil {
		logger.Error("building pipeline failed", zap.Error(err))
		return err
	}

	return ingestLines(ctx, pipeline, tenantID, os.Stdin, os.Stdout, logger)
}

type lineResult struct {
	Line          int    `json:"line"`
	Accepted      bool   `json:"accepted"`
	Duplicate     bool   `json:"duplicate,omitempty"`
	Layer         string `json:"layer,omitempty"`
	EventID       string `json:"eventId,omitempty"`
	OutboxID      int64  `json:"outboxId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	Error         string `json:"error,omitempty"`
}

func ingestLines(ctx context.Context, pipeline *ingest.Pipeline, tenantID string, in *os.File, out *os.File, logger *zap.Logger) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	encoder := json.NewEncoder(out)

	line := 0
	accepted := 0
	duplicates := 0
	failed := 0

	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}

		line++

		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		correlationID := uuid.NewString()
		result := lineResult{Line: line, CorrelationID: correlationID}

		enqueued, err := pipeline.Enqueue(ctx, raw, tenantID, correlationID, "")

		switch {
		case err != nil:
			failed++
			result.Error = err.Error()
		case enqueued.Duplicate:
			duplicates++
			result.Duplicate = true
			result.Layer = enqueued.DuplicateLayer
			result.EventID = enqueued.EventID
		default:
			accepted++
			result.Accepted = true
			result.EventID = enqueued.EventID
			result.OutboxID = enqueued.OutboxID
		}

		if err := encoder.Encode(result); err != nil {
			return fmt.Errorf("writing result for line %d: %w", line, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}

	logger.Info("ingest finished",
		zap.Int("lines", line),
		zap.Int("accepted", accepted),
		zap.Int("duplicates", duplicates),
		zap.Int("failed", failed))

	return nil
}
