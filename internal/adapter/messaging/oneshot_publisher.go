package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// OneShotPublisher opens a connection per message and closes it after a
// grace delay in the background.
type OneShotPublisher struct {
	url            string
	connectionName string
	exchange       string
	attempts       int
	interval       time.Duration
	grace          time.Duration
	logger         *zap.Logger

	pending sync.WaitGroup
}

func NewOneShotPublisher(url, connectionName, exchange string, attempts int, interval, grace time.Duration, logger *zap.Logger) *OneShotPublisher {
	return &OneShotPublisher{
		url:            url,
		connectionName: connectionName,
		exchange:       exchange,
		attempts:       attempts,
		interval:       interval,
		grace:          grace,
		logger:         logger,
	}
}

func (p *OneShotPublisher) Publish(ctx context.Context, routingKey, messageID string, body []byte) error {
	conn, err := Dial(ctx, p.url, p.connectionName, p.attempts, p.interval, p.logger)
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		closeQuietly(conn)
		return fmt.Errorf("open channel: %w", err)
	}

	if err := declareExchange(ch, p.exchange); err != nil {
		closeQuietly(conn)
		return err
	}

	err = ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, newPublishing(ctx, messageID, body))
	if err != nil {
		closeQuietly(conn)
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}

	// Give the client time to flush before tearing the connection down.
	p.pending.Add(1)
	time.AfterFunc(p.grace, func() {
		defer p.pending.Done()
		ch.Close()
		if err := closeQuietly(conn); err != nil {
			p.logger.Debug("closing one-shot connection", zap.Error(err))
		}
	})
	return nil
}

// Wait blocks until every delayed teardown has run.
func (p *OneShotPublisher) Wait() {
	p.pending.Wait()
}
