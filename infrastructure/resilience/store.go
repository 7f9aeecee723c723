// Package resilience guards the remote store with a circuit breaker and
// bounded retries of transient failures.
package resilience

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"papervault/application/ports"
	"papervault/domain/core/entities"
	"papervault/domain/core/valueobjects"
	pkgerrors "papervault/pkg/errors"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Config holds breaker and retry settings.
type Config struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
	RetryAttempts    int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		RetryAttempts:    3,
		RetryBaseDelay:   200 * time.Millisecond,
		RetryMaxDelay:    2 * time.Second,
	}
}

// Breaker is one circuit breaker shared by every store it guards.
type Breaker struct {
	cb     *gobreaker.CircuitBreaker
	cfg    Config
	logger *zap.Logger
}

// NewBreaker creates a breaker. Only transient failures (timeouts, network
// errors, unavailability) count against it; a rejected write is a healthy
// round trip.
func NewBreaker(cfg Config, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := DefaultConfig(cfg.Name)
	if cfg.Name == "" {
		cfg.Name = "remote-store"
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = d.FailureThreshold
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = d.RetryBaseDelay
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		cfg.RetryMaxDelay = cfg.RetryBaseDelay
	}

	b := &Breaker{cfg: cfg, logger: logger}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !transient(err)
		},
	})
	return b
}

// Connected reports whether the breaker lets calls through.
func (b *Breaker) Connected() bool {
	return b.cb.State() != gobreaker.StateOpen
}

// State exposes the breaker state for health reporting.
func (b *Breaker) State() string {
	return b.cb.State().String()
}

func transient(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	appErr := pkgerrors.Classify(err)
	return appErr != nil && appErr.Transient()
}

// call runs fn through the breaker, retrying transient failures when
// retry is set.
func (b *Breaker) call(ctx context.Context, retry bool, fn func() (interface{}, error)) (interface{}, error) {
	attempts := 1
	if retry {
		attempts = b.cfg.RetryAttempts
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(b.backoff(attempt)):
			}
		}
		out, err := b.cb.Execute(fn)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, pkgerrors.NewUnavailableError("remote store").WithCause(err)
		}
		lastErr = err
		if !transient(err) {
			return nil, err
		}
		b.logger.Debug("Transient remote failure",
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return nil, lastErr
}

func (b *Breaker) backoff(attempt int) time.Duration {
	d := b.cfg.RetryBaseDelay << (attempt - 1)
	if d > b.cfg.RetryMaxDelay || d <= 0 {
		d = b.cfg.RetryMaxDelay
	}
	// Up to 20% jitter.
	return d + time.Duration(rand.Int63n(int64(d)/5+1))
}

// Store decorates a RemoteStore with the breaker. Creates are not retried
// since a lost response may hide a row that was written.
type Store struct {
	next    ports.RemoteStore
	breaker *Breaker
}

var (
	_ ports.RemoteStore    = (*Store)(nil)
	_ ports.HealthReporter = (*Store)(nil)
)

// Wrap guards next with the breaker.
func (b *Breaker) Wrap(next ports.RemoteStore) *Store {
	return &Store{next: next, breaker: b}
}

func (s *Store) Connected() bool { return s.breaker.Connected() }

func (s *Store) Create(ctx context.Context, record entities.Record) (entities.Record, error) {
	out, err := s.breaker.call(ctx, false, func() (interface{}, error) {
		return s.next.Create(ctx, record)
	})
	if err != nil {
		return nil, err
	}
	return out.(entities.Record), nil
}

func (s *Store) Update(ctx context.Context, record entities.Record, columns ...string) (entities.Record, error) {
	out, err := s.breaker.call(ctx, true, func() (interface{}, error) {
		return s.next.Update(ctx, record, columns...)
	})
	if err != nil {
		return nil, err
	}
	return out.(entities.Record), nil
}

func (s *Store) Delete(ctx context.Context, collection entities.Collection, id valueobjects.RecordID) error {
	_, err := s.breaker.call(ctx, true, func() (interface{}, error) {
		return nil, s.next.Delete(ctx, collection, id)
	})
	return err
}

func (s *Store) Query(ctx context.Context, collection entities.Collection, filter ports.Filter) ([]entities.Record, error) {
	out, err := s.breaker.call(ctx, true, func() (interface{}, error) {
		return s.next.Query(ctx, collection, filter)
	})
	if err != nil {
		return nil, err
	}
	return out.([]entities.Record), nil
}

// Backend wraps every connection's store with one shared breaker.
type Backend struct {
	next    ports.Backend
	breaker *Breaker
}

// NewBackend guards next's stores with breaker.
func NewBackend(next ports.Backend, breaker *Breaker) *Backend {
	return &Backend{next: next, breaker: breaker}
}

func (b *Backend) Connect(ctx context.Context, creds ports.Credentials) (ports.Connection, error) {
	conn, err := b.next.Connect(ctx, creds)
	if err != nil {
		return ports.Connection{}, err
	}
	conn.Store = b.breaker.Wrap(conn.Store)
	return conn, nil
}
