package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher confirm errors.
var (
	ErrChannelRequired        = errors.New("rabbitmq channel is required")
	ErrConfirmModeUnavailable = errors.New("channel does not support confirm mode")
	ErrPublishNacked          = errors.New("message was nacked by broker")
	ErrConfirmTimeout         = errors.New("confirmation timed out")
	ErrPublisherClosed        = errors.New("publisher is closed")
)

const (
	// DefaultConfirmTimeout bounds the wait for a broker confirmation.
	DefaultConfirmTimeout = 5 * time.Second

	confirmChannelBuffer = 256
)

// ConfirmableChannel is the subset of amqp.Channel the publisher needs.
type ConfirmableChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// ConfirmablePublisher wraps an AMQP channel with publisher confirms. Calls
// are serialized per instance so confirms correlate to publishes without
// delivery-tag bookkeeping; shard across instances for throughput.
type ConfirmablePublisher struct {
	ch             ConfirmableChannel
	confirms       chan amqp.Confirmation
	confirmTimeout time.Duration

	mu        sync.Mutex
	publishMu sync.Mutex
	closed    bool
}

// NewConfirmablePublisher puts the channel into confirm mode and returns a
// publisher bound to it.
func NewConfirmablePublisher(ch ConfirmableChannel, confirmTimeout time.Duration) (*ConfirmablePublisher, error) {
	if ch == nil {
		return nil, ErrChannelRequired
	}

	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfirmModeUnavailable, err)
	}

	confirms := make(chan amqp.Confirmation, confirmChannelBuffer)
	ch.NotifyPublish(confirms)

	if confirmTimeout <= 0 {
		confirmTimeout = DefaultConfirmTimeout
	}

	return &ConfirmablePublisher{
		ch:             ch,
		confirms:       confirms,
		confirmTimeout: confirmTimeout,
	}, nil
}

// Publish sends a persistent message and waits for the broker to confirm
// it. A nack or timeout returns an error; the caller decides whether the
// message is retried.
func (pub *ConfirmablePublisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	if pub == nil {
		return ErrPublisherClosed
	}

	pub.publishMu.Lock()
	defer pub.publishMu.Unlock()

	pub.mu.Lock()

	if pub.closed {
		pub.mu.Unlock()
		return ErrPublisherClosed
	}

	ch := pub.ch
	confirms := pub.confirms
	confirmTimeout := pub.confirmTimeout
	pub.mu.Unlock()

	if msg.DeliveryMode == 0 {
		msg.DeliveryMode = amqp.Persistent
	}

	if err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	return waitForConfirm(ctx, confirms, confirmTimeout)
}

func waitForConfirm(ctx context.Context, confirms <-chan amqp.Confirmation, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case confirmed, ok := <-confirms:
		if !ok {
			return ErrPublisherClosed
		}

		if !confirmed.Ack {
			return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, confirmed.DeliveryTag)
		}

		return nil

	case <-timer.C:
		return ErrConfirmTimeout

	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	}
}

// Close closes the underlying channel. The publisher is not reusable after
// Close; create a new one on a fresh channel.
func (pub *ConfirmablePublisher) Close() error {
	if pub == nil {
		return nil
	}

	pub.publishMu.Lock()
	defer pub.publishMu.Unlock()

	pub.mu.Lock()

	if pub.closed {
		pub.mu.Unlock()
		return nil
	}

	pub.closed = true
	ch := pub.ch
	pub.mu.Unlock()

	if ch != nil {
		if err := ch.Close(); err != nil {
			return fmt.Errorf("closing publisher channel: %w", err)
		}
	}

	return nil
}
