package messaging

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

type Binding struct {
	Queue      string
	RoutingKey string
}

// Topology is the set of broker objects a process depends on. Declaring an
// object that already exists with the same arguments is a no-op, so it is
// declared again on every (re)connect.
type Topology struct {
	Exchange string
	Bindings []Binding

	// DeadLetterExchange and DeadLetterQueue are optional. When set, every
	// bound queue routes rejected messages there.
	DeadLetterExchange string
	DeadLetterQueue    string
}

// declarer is the subset of *amqp.Channel used to declare a topology.
type declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

func DeclareTopology(ch declarer, t Topology) error {
	if err := declareExchange(ch, t.Exchange); err != nil {
		return err
	}

	var queueArgs amqp.Table
	if t.DeadLetterExchange != "" {
		if err := ch.ExchangeDeclare(t.DeadLetterExchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", t.DeadLetterExchange, err)
		}
		if t.DeadLetterQueue != "" {
			if _, err := ch.QueueDeclare(t.DeadLetterQueue, true, false, false, false, nil); err != nil {
				return fmt.Errorf("declare queue %s: %w", t.DeadLetterQueue, err)
			}
			if err := ch.QueueBind(t.DeadLetterQueue, "", t.DeadLetterExchange, false, nil); err != nil {
				return fmt.Errorf("bind queue %s: %w", t.DeadLetterQueue, err)
			}
		}
		queueArgs = amqp.Table{"x-dead-letter-exchange": t.DeadLetterExchange}
	}

	for _, b := range t.Bindings {
		if _, err := ch.QueueDeclare(b.Queue, true, false, false, false, queueArgs); err != nil {
			return fmt.Errorf("declare queue %s: %w", b.Queue, err)
		}
		if err := ch.QueueBind(b.Queue, b.RoutingKey, t.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", b.Queue, b.RoutingKey, err)
		}
	}
	return nil
}

func declareExchange(ch declarer, exchange string) error {
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return nil
}
