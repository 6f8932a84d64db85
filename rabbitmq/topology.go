package rabbitmq

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Event topology names. The retry queue has no consumer: messages parked
// there dead-letter back to the main queue when their per-message TTL
// expires, which is what produces the delayed redelivery.
const (
	Exchange   = "events.exchange"
	MainQueue  = "events.main"
	RetryQueue = "events.retry"
	DLQQueue   = "events.dlq"
)

// DeclareTopology asserts the exchange, queues and bindings. Declarations
// are idempotent so every process declares on startup.
func DeclareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(Exchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring exchange %s: %w", Exchange, err)
	}

	if _, err := ch.QueueDeclare(MainQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring queue %s: %w", MainQueue, err)
	}

	retryArgs := amqp.Table{
		"x-dead-letter-exchange":    Exchange,
		"x-dead-letter-routing-key": MainQueue,
	}
	if _, err := ch.QueueDeclare(RetryQueue, true, false, false, false, retryArgs); err != nil {
		return fmt.Errorf("declaring queue %s: %w", RetryQueue, err)
	}

	if _, err := ch.QueueDeclare(DLQQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring queue %s: %w", DLQQueue, err)
	}

	for _, queue := range []string{MainQueue, RetryQueue, DLQQueue} {
		if err := ch.QueueBind(queue, queue, Exchange, false, nil); err != nil {
			return fmt.Errorf("binding queue %s: %w", queue, err)
		}
	}

	return nil
}
