package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

type SupervisorConfig struct {
	// StartupAttempts bounds the first setup; Run fails once they are spent.
	StartupAttempts int
	StartupInterval time.Duration

	// ReconnectDelay is waited after a connection loss and between every
	// later attempt, without limit.
	ReconnectDelay time.Duration

	// OnStateChange, if set, is called with true when a session comes up and
	// false when it goes down.
	OnStateChange func(connected bool)

	// OnReconnect, if set, is called after a lost session was replaced.
	OnReconnect func()
}

// Supervisor keeps a broker session alive, rebuilding the whole setup after
// any connection loss.
type Supervisor struct {
	start  StartFunc
	cfg    SupervisorConfig
	logger *zap.Logger
}

func NewSupervisor(start StartFunc, cfg SupervisorConfig, logger *zap.Logger) *Supervisor {
	return &Supervisor{start: start, cfg: cfg, logger: logger}
}

// Run blocks until ctx is cancelled. It returns an error only when the
// initial setup cannot be completed.
func (s *Supervisor) Run(ctx context.Context) error {
	sess, err := s.startup(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	for {
		s.setState(true)

		select {
		case <-ctx.Done():
			s.setState(false)
			if err := sess.Close(); err != nil {
				s.logger.Warn("closing broker session", zap.Error(err))
			}
			return nil

		case <-sess.Closed():
			s.setState(false)
			s.logger.Warn("broker connection lost, reconnecting",
				zap.Duration("delay", s.cfg.ReconnectDelay),
			)
			if err := sess.Close(); err != nil {
				s.logger.Debug("releasing lost session", zap.Error(err))
			}
		}

		sess, err = s.reconnect(ctx)
		if err != nil {
			// Only cancellation ends the reconnect loop.
			return nil
		}
		s.logger.Info("broker session re-established")
		if s.cfg.OnReconnect != nil {
			s.cfg.OnReconnect()
		}
	}
}

func (s *Supervisor) startup(ctx context.Context) (Session, error) {
	policy := backoff.WithContext(boundedPolicy(s.cfg.StartupAttempts, s.cfg.StartupInterval), ctx)

	sess, err := backoff.RetryNotifyWithData(func() (Session, error) {
		return s.start(ctx)
	}, policy, s.notify)
	if err != nil {
		return nil, fmt.Errorf("%w after %d attempts: %w", ErrConnection, s.cfg.StartupAttempts, err)
	}
	return sess, nil
}

func (s *Supervisor) reconnect(ctx context.Context) (Session, error) {
	timer := time.NewTimer(s.cfg.ReconnectDelay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	policy := backoff.WithContext(backoff.NewConstantBackOff(s.cfg.ReconnectDelay), ctx)
	return backoff.RetryNotifyWithData(func() (Session, error) {
		return s.start(ctx)
	}, policy, s.notify)
}

func (s *Supervisor) notify(err error, wait time.Duration) {
	s.logger.Warn("broker setup failed, retrying",
		zap.Error(err),
		zap.Duration("retry_in", wait),
	)
}

func (s *Supervisor) setState(connected bool) {
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(connected)
	}
}
