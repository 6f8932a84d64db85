// Package postgres manages the relational connection shared by the
// ingestion pipeline, the outbox publisher and the worker. It opens primary
// and replica pools behind a round-robin resolver and applies pending
// migrations on first connect.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/bxcodec/dbresolver/v2"
	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

var credentialsPattern = regexp.MustCompile(`://[^@\s]+@`)

// Connection is a hub for postgres access. The zero value is not usable;
// populate the connection strings before calling Connect or GetDB.
type Connection struct {
	ConnectionStringPrimary string
	ConnectionStringReplica string
	DatabaseName            string
	MigrationsPath          string
	MaxOpenConnections      int
	MaxIdleConnections      int
	Logger                  *zap.Logger

	db        dbresolver.DB
	connected bool
	mu        sync.RWMutex
}

func (c *Connection) initDefaults() {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}

	if c.ConnectionStringReplica == "" {
		c.ConnectionStringReplica = c.ConnectionStringPrimary
	}

	if c.MaxOpenConnections <= 0 {
		c.MaxOpenConnections = defaultMaxOpenConns
	}

	if c.MaxIdleConnections <= 0 {
		c.MaxIdleConnections = defaultMaxIdleConns
	}
}

// Connect opens the primary and replica pools, runs migrations against the
// primary and verifies connectivity with a ping.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connectLocked(ctx)
}

func (c *Connection) connectLocked(ctx context.Context) error {
	c.initDefaults()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before database connection: %w", err)
	}

	if c.db != nil {
		if err := c.closeLocked(); err != nil {
			c.Logger.Warn("closing previous connection before reconnect", zap.Error(err))
		}
	}

	c.Logger.Info("connecting to primary and replica databases")

	primary, err := sql.Open("pgx", c.ConnectionStringPrimary)
	if err != nil {
		return fmt.Errorf("opening primary database: %s", sanitizeError(err))
	}

	var success bool

	defer func() {
		if !success {
			primary.Close()
		}
	}()

	tunePool(primary, c.MaxOpenConnections, c.MaxIdleConnections)

	replica, err := sql.Open("pgx", c.ConnectionStringReplica)
	if err != nil {
		return fmt.Errorf("opening replica database: %s", sanitizeError(err))
	}

	defer func() {
		if !success {
			replica.Close()
		}
	}()

	tunePool(replica, c.MaxOpenConnections, c.MaxIdleConnections)

	resolver := dbresolver.New(
		dbresolver.WithPrimaryDBs(primary),
		dbresolver.WithReplicaDBs(replica),
		dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB),
	)

	if c.MigrationsPath != "" {
		if err := c.runMigrations(primary); err != nil {
			return err
		}
	}

	if err := resolver.PingContext(ctx); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}

	c.db = resolver
	c.connected = true
	success = true

	c.Logger.Info("connected to postgres")

	return nil
}

// GetDB returns the resolver, connecting lazily on first use.
func (c *Connection) GetDB(ctx context.Context) (dbresolver.DB, error) {
	c.mu.RLock()

	if c.db != nil {
		db := c.db
		c.mu.RUnlock()

		return db, nil
	}

	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db != nil {
		return c.db, nil
	}

	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}

	return c.db, nil
}

// Close releases both pools.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closeLocked()
}

func (c *Connection) closeLocked() error {
	if c.db == nil {
		return nil
	}

	err := c.db.Close()
	c.db = nil
	c.connected = false

	return err
}

// IsConnected reports whether the resolver is initialized.
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.connected
}

func (c *Connection) runMigrations(primary *sql.DB) error {
	path, err := filepath.Abs(filepath.Clean(c.MigrationsPath))
	if err != nil {
		return fmt.Errorf("resolving migrations path: %w", err)
	}

	sourceURL := url.URL{Scheme: "file", Path: filepath.ToSlash(path)}

	driver, err := migratepg.WithInstance(primary, &migratepg.Config{
		DatabaseName: c.DatabaseName,
		SchemaName:   "public",
	})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(sourceURL.String(), c.DatabaseName, driver)
	if err != nil {
		return fmt.Errorf("creating migration instance: %w", err)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			c.Logger.Info("no new migrations")
			return nil
		}

		if errors.Is(err, os.ErrNotExist) {
			c.Logger.Warn("no migration files found, skipping")
			return nil
		}

		var dirty migrate.ErrDirty
		if errors.As(err, &dirty) {
			return fmt.Errorf("migration failed: dirty database version %d", dirty.Version)
		}

		return fmt.Errorf("migration failed: %w", err)
	}

	return nil
}

func tunePool(db *sql.DB, maxOpen, maxIdle int) {
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)
}

func sanitizeError(err error) string {
	if err == nil {
		return ""
	}

	return credentialsPattern.ReplaceAllString(err.Error(), "://***@")
}
