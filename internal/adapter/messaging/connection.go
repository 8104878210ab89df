package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// ErrConnection is returned once every connection attempt has failed.
var ErrConnection = errors.New("broker connection failed")

const heartbeat = 10 * time.Second

func dial(url, connectionName string) (*amqp.Connection, error) {
	cfg := amqp.Config{
		Heartbeat:  heartbeat,
		Locale:     "en_US",
		Properties: amqp.NewConnectionProperties(),
	}
	cfg.Properties.SetClientConnectionName(connectionName)

	conn, err := amqp.DialConfig(url, cfg)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	return conn, nil
}

// Dial opens a broker connection, retrying at a fixed interval up to
// attempts times in total.
func Dial(ctx context.Context, url, connectionName string, attempts int, interval time.Duration, logger *zap.Logger) (*amqp.Connection, error) {
	policy := backoff.WithContext(boundedPolicy(attempts, interval), ctx)

	conn, err := backoff.RetryNotifyWithData(func() (*amqp.Connection, error) {
		return dial(url, connectionName)
	}, policy, func(err error, wait time.Duration) {
		logger.Warn("broker not reachable, retrying",
			zap.Error(err),
			zap.Duration("retry_in", wait),
		)
	})
	if err != nil {
		return nil, fmt.Errorf("%w after %d attempts: %w", ErrConnection, attempts, err)
	}
	return conn, nil
}

func boundedPolicy(attempts int, interval time.Duration) backoff.BackOff {
	retries := attempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(retries))
}

// closeQuietly closes conn, ignoring the error amqp returns for an already
// closed connection.
func closeQuietly(conn *amqp.Connection) error {
	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	return nil
}
