package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/FelipeAlvarezM0/streamforge/rabbitmq"
)

// ErrConsumerRunning is returned when Run is called on a consumer that is
// already consuming.
var ErrConsumerRunning = errors.New("consumer is already running")

// ConsumerConfig tunes the delivery loop.
type ConsumerConfig struct {
	// Queue to consume from. Defaults to the main event queue.
	Queue string

	// Prefetch caps unacknowledged deliveries per channel.
	Prefetch int

	// ConsumerTag identifies this consumer on the channel.
	ConsumerTag string
}

func (cfg *ConsumerConfig) normalize() {
	if cfg.Queue == "" {
		cfg.Queue = rabbitmq.MainQueue
	}

	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 200
	}

	if cfg.ConsumerTag == "" {
		cfg.ConsumerTag = "streamforge-worker"
	}
}

// Consumer pulls deliveries from the main queue and hands each to the
// processor, settling according to the outcome.
type Consumer struct {
	channel   *amqp.Channel
	processor *Processor
	cfg       ConsumerConfig
	logger    *zap.Logger

	stop     chan struct{}
	stopOnce sync.Once

	runStateMu sync.Mutex
	running    bool

	// slots bounds concurrent handlers to the prefetch count; inFlight
	// tracks them for the shutdown drain.
	slots    chan struct{}
	inFlight sync.WaitGroup
	drained  chan struct{}
}

// NewConsumer builds a consumer over a dedicated channel.
func NewConsumer(channel *amqp.Channel, processor *Processor, cfg ConsumerConfig, logger *zap.Logger) (*Consumer, error) {
	if channel == nil {
		return nil, rabbitmq.ErrChannelRequired
	}

	if processor == nil {
		return nil, errors.New("worker: processor is required")
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	cfg.normalize()

	return &Consumer{
		channel:   channel,
		processor: processor,
		cfg:       cfg,
		logger:    logger,
		stop:      make(chan struct{}),
		slots:     make(chan struct{}, cfg.Prefetch),
		drained:   make(chan struct{}),
	}, nil
}

// Run consumes until the context is canceled, Stop is called, or the
// delivery channel closes. Each delivery is handled on its own goroutine,
// bounded by the prefetch count.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.registerRun(); err != nil {
		return err
	}

	// Run returns as soon as the loop exits; handlers still in flight are
	// drained in the background and Shutdown bounds the wait for them.
	defer func() {
		go func() {
			c.inFlight.Wait()
			close(c.drained)
		}()
	}()

	if err := c.channel.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set channel prefetch: %w", err)
	}

	deliveries, err := c.channel.Consume(
		c.cfg.Queue,
		c.cfg.ConsumerTag,
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,
	)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.cfg.Queue, err)
	}

	c.logger.Info("consumer started",
		zap.String("queue", c.cfg.Queue),
		zap.Int("prefetch", c.cfg.Prefetch))

	// In-flight handlers outlive the run context so a shutdown lets them
	// settle their delivery instead of failing every store call mid-drain.
	handleCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stop:
			return nil
		case delivery, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}

			c.dispatch(ctx, handleCtx, delivery)
		}
	}
}

func (c *Consumer) dispatch(ctx, handleCtx context.Context, delivery amqp.Delivery) {
	select {
	case c.slots <- struct{}{}:
	case <-c.stop:
		c.settle(delivery, OutcomeRequeue)
		return
	case <-ctx.Done():
		c.settle(delivery, OutcomeRequeue)
		return
	}

	c.inFlight.Add(1)

	go func() {
		defer c.inFlight.Done()
		defer func() { <-c.slots }()

		c.handle(handleCtx, delivery)
	}()
}

func (c *Consumer) handle(ctx context.Context, delivery amqp.Delivery) {
	select {
	case <-c.stop:
		// Shutting down: put the delivery back untouched.
		c.settle(delivery, OutcomeRequeue)
		return
	default:
	}

	outcome := c.processor.Process(ctx, delivery)
	c.settle(delivery, outcome)
}

func (c *Consumer) settle(delivery amqp.Delivery, outcome Outcome) {
	var err error

	switch outcome {
	case OutcomeRequeue:
		err = delivery.Nack(false, true)
	default:
		err = delivery.Ack(false)
	}

	if err != nil {
		c.logger.Error("settling delivery failed", zap.Error(err))
	}
}

func (c *Consumer) registerRun() error {
	c.runStateMu.Lock()
	defer c.runStateMu.Unlock()

	if c.running {
		return ErrConsumerRunning
	}

	c.running = true

	return nil
}

// Stop cancels the broker-side consumer and signals the loop to exit.
// Safe to call more than once.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)

		if err := c.channel.Cancel(c.cfg.ConsumerTag, false); err != nil {
			c.logger.Warn("canceling consumer failed", zap.Error(err))
		}
	})
}

// Shutdown stops the consumer and waits for every in-flight delivery to be
// settled, bounded by ctx.
func (c *Consumer) Shutdown(ctx context.Context) error {
	c.Stop()

	select {
	case <-c.drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
