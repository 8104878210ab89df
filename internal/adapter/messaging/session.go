package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Session is one live broker setup: a connection with its channels and
// whatever runs on them.
type Session interface {
	// Closed is signalled when the connection or any of its channels is
	// lost.
	Closed() <-chan struct{}

	// Close tears the session down and waits for its goroutines.
	Close() error
}

// StartFunc performs one full setup attempt.
type StartFunc func(ctx context.Context) (Session, error)

// Route binds a queue to the handler that consumes it.
type Route struct {
	Queue      string
	RoutingKey string
	Handler    Handler
}

type ConsumerSetup struct {
	URL                string
	ConnectionName     string
	Exchange           string
	DeadLetterExchange string
	DeadLetterQueue    string
	RequeueDelay       time.Duration
	Routes             []Route
}

func (s ConsumerSetup) topology() Topology {
	t := Topology{
		Exchange:           s.Exchange,
		DeadLetterExchange: s.DeadLetterExchange,
		DeadLetterQueue:    s.DeadLetterQueue,
	}
	for _, r := range s.Routes {
		t.Bindings = append(t.Bindings, Binding{Queue: r.Queue, RoutingKey: r.RoutingKey})
	}
	return t
}

// NewConsumerStarter returns a StartFunc that connects, declares the
// topology and starts one consumer goroutine per route, each on its own
// channel with a prefetch of one.
func NewConsumerStarter(setup ConsumerSetup, logger *zap.Logger) StartFunc {
	return func(ctx context.Context) (Session, error) {
		conn, err := dial(setup.URL, setup.ConnectionName)
		if err != nil {
			return nil, err
		}

		sess := newAMQPSession(conn)

		if err := sess.startConsumers(setup, logger); err != nil {
			sess.Close()
			return nil, err
		}
		return sess, nil
	}
}

type amqpSession struct {
	conn   *amqp.Connection
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closed    chan struct{}
	closeOnce sync.Once
	onClose   func()
}

func newAMQPSession(conn *amqp.Connection) *amqpSession {
	ctx, cancel := context.WithCancel(context.Background())
	s := &amqpSession{
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		closed: make(chan struct{}),
	}
	s.watch(conn.NotifyClose(make(chan *amqp.Error, 1)))
	return s
}

// watch signals Closed when notify fires. amqp closes every notify channel
// on shutdown, so the goroutine always ends.
func (s *amqpSession) watch(notify <-chan *amqp.Error) {
	go func() {
		<-notify
		s.markClosed()
	}()
}

func (s *amqpSession) markClosed() {
	s.closeOnce.Do(func() { close(s.closed) })
}

func (s *amqpSession) Closed() <-chan struct{} { return s.closed }

func (s *amqpSession) channel() (*amqp.Channel, error) {
	ch, err := s.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	s.watch(ch.NotifyClose(make(chan *amqp.Error, 1)))
	return ch, nil
}

func (s *amqpSession) startConsumers(setup ConsumerSetup, logger *zap.Logger) error {
	ch, err := s.channel()
	if err != nil {
		return err
	}
	if err := DeclareTopology(ch, setup.topology()); err != nil {
		return err
	}

	for i, r := range setup.Routes {
		if i > 0 {
			if ch, err = s.channel(); err != nil {
				return err
			}
		}
		if err := ch.Qos(1, 0, false); err != nil {
			return fmt.Errorf("set prefetch on %s: %w", r.Queue, err)
		}

		deliveries, err := ch.Consume(r.Queue, setup.ConnectionName+"."+r.Queue, false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("consume %s: %w", r.Queue, err)
		}

		consumer := NewConsumer(r.Queue, r.Handler, setup.RequeueDelay, logger)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			consumer.Run(s.ctx, deliveries)
		}()

		logger.Info("consuming", zap.String("queue", r.Queue), zap.String("routing_key", r.RoutingKey))
	}
	return nil
}

// Close stops the consumers, lets in-flight deliveries settle, then closes
// the connection. Unacknowledged messages return to their queues.
func (s *amqpSession) Close() error {
	s.cancel()
	s.wg.Wait()
	if s.onClose != nil {
		s.onClose()
	}

	err := closeQuietly(s.conn)
	s.markClosed()
	if err != nil {
		return fmt.Errorf("close connection: %w", err)
	}
	return nil
}
