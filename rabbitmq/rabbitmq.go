// Package rabbitmq manages the AMQP connection, the event topology and the
// confirm-mode publisher used by the outbox relay and the worker.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/FelipeAlvarezM0/streamforge/backoff"
)

// ErrNilConnection is returned when a method is called on a nil Connection.
var ErrNilConnection = errors.New("rabbitmq connection is nil")

const reconnectBackoffCap = 30 * time.Second

// Connection is a hub for a singleton AMQP connection and its default
// channel. Reconnects are rate-limited with exponential backoff so a down
// broker is not hammered by every caller.
type Connection struct {
	ConnectionStringSource string
	Logger                 *zap.Logger

	mu         sync.Mutex
	connection *amqp.Connection
	channel    *amqp.Channel
	connected  bool

	lastReconnectAttempt time.Time
	reconnectAttempts    int
}

// Connect dials the broker and opens the default channel.
func (rc *Connection) Connect(ctx context.Context) error {
	if rc == nil {
		return ErrNilConnection
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("rabbitmq connect: %w", err)
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	return rc.connectLocked()
}

func (rc *Connection) connectLocked() error {
	logger := rc.logger()
	logger.Info("connecting to rabbitmq")

	conn, err := amqp.Dial(rc.ConnectionStringSource)
	if err != nil {
		return fmt.Errorf("dialing rabbitmq: %s", sanitizeAMQPErr(err, rc.ConnectionStringSource))
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("opening channel: %w", err)
	}

	if rc.connection != nil && !rc.connection.IsClosed() {
		_ = rc.connection.Close()
	}

	rc.connection = conn
	rc.channel = ch
	rc.connected = true

	logger.Info("connected to rabbitmq")

	return nil
}

// EnsureChannel reestablishes the connection and channel as needed.
// Reconnect attempts after a failure are rate-limited.
func (rc *Connection) EnsureChannel(ctx context.Context) error {
	if rc == nil {
		return ErrNilConnection
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("rabbitmq ensure channel: %w", err)
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	needConnection := rc.connection == nil || rc.connection.IsClosed()
	needChannel := needConnection || rc.channel == nil || rc.channel.IsClosed()

	if !needChannel {
		return nil
	}

	if needConnection {
		if rc.reconnectAttempts > 0 {
			delay := backoff.ExponentialWithJitter(500*time.Millisecond, rc.reconnectAttempts)
			if delay > reconnectBackoffCap {
				delay = reconnectBackoffCap
			}

			if elapsed := time.Since(rc.lastReconnectAttempt); elapsed < delay {
				return fmt.Errorf("rabbitmq ensure channel: rate-limited (next attempt in %s)", delay-elapsed)
			}
		}

		rc.lastReconnectAttempt = time.Now()

		if err := rc.connectLocked(); err != nil {
			rc.connected = false
			rc.reconnectAttempts++

			return err
		}

		rc.reconnectAttempts = 0

		return nil
	}

	ch, err := rc.connection.Channel()
	if err != nil {
		rc.channel = nil
		rc.connected = false

		return fmt.Errorf("rabbitmq ensure channel: %w", err)
	}

	rc.channel = ch
	rc.connected = true

	return nil
}

// GetChannel returns the default channel, reconnecting if necessary.
func (rc *Connection) GetChannel(ctx context.Context) (*amqp.Channel, error) {
	if rc == nil {
		return nil, ErrNilConnection
	}

	if err := rc.EnsureChannel(ctx); err != nil {
		return nil, err
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.channel == nil {
		rc.connected = false
		return nil, errors.New("rabbitmq channel not available")
	}

	return rc.channel, nil
}

// NewChannel opens a dedicated channel on the current connection, for
// callers that must not share the default one (confirm publishers,
// consumers).
func (rc *Connection) NewChannel(ctx context.Context) (*amqp.Channel, error) {
	if rc == nil {
		return nil, ErrNilConnection
	}

	if err := rc.EnsureChannel(ctx); err != nil {
		return nil, err
	}

	rc.mu.Lock()
	conn := rc.connection
	rc.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		return nil, errors.New("rabbitmq connection not available")
	}

	return conn.Channel()
}

// IsConnected reports whether the hub currently holds an open channel.
func (rc *Connection) IsConnected() bool {
	if rc == nil {
		return false
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	return rc.connected && rc.channel != nil && !rc.channel.IsClosed()
}

// Close closes the channel and connection.
func (rc *Connection) Close() error {
	if rc == nil {
		return ErrNilConnection
	}

	rc.mu.Lock()
	channel := rc.channel
	connection := rc.connection
	rc.channel = nil
	rc.connection = nil
	rc.connected = false
	rc.mu.Unlock()

	var closeErr error

	if channel != nil && !channel.IsClosed() {
		if err := channel.Close(); err != nil {
			closeErr = fmt.Errorf("closing rabbitmq channel: %w", err)
		}
	}

	if connection != nil && !connection.IsClosed() {
		if err := connection.Close(); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("closing rabbitmq connection: %w", err))
		}
	}

	return closeErr
}

func (rc *Connection) logger() *zap.Logger {
	if rc == nil || rc.Logger == nil {
		return zap.NewNop()
	}

	return rc.Logger
}

func sanitizeAMQPErr(err error, connectionString string) string {
	if err == nil {
		return ""
	}

	if connectionString == "" {
		return err.Error()
	}

	referenceURL, parseErr := url.Parse(connectionString)
	if parseErr != nil {
		return err.Error()
	}

	errMsg := strings.ReplaceAll(err.Error(), connectionString, referenceURL.Redacted())

	if referenceURL.User != nil {
		if pass, ok := referenceURL.User.Password(); ok && pass != "" {
			errMsg = strings.ReplaceAll(errMsg, pass, "xxxxx")
		}
	}

	return errMsg
}
