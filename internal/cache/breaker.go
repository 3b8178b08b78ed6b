package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/tjfontaine/capsule-gateway/internal/core/ports"
)

// BreakerSettings tunes the circuit breaker around a cache backend.
type BreakerSettings struct {
	Name        string
	MaxFailures int
	Cooldown    time.Duration
	Logger      *slog.Logger
}

// Breaker short-circuits a failing cache backend so a dead Redis does not add
// latency to every resolution. Misses are not counted as failures.
type Breaker struct {
	next ports.Cache
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker wraps next.
func NewBreaker(next ports.Cache, s BreakerSettings) *Breaker {
	maxFailures := uint32(5)
	if s.MaxFailures > 0 {
		maxFailures = uint32(s.MaxFailures)
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: 1,
		Timeout:     s.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ports.ErrCacheMiss)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("cache breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	return &Breaker{next: next, cb: cb}
}

func (b *Breaker) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Get(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (b *Breaker) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Set(ctx, key, value, ttl)
	})
	return err
}

func (b *Breaker) Delete(ctx context.Context, keys ...string) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Delete(ctx, keys...)
	})
	return err
}

func (b *Breaker) Close() error {
	return b.next.Close()
}

// State reports the breaker state, for health endpoints.
func (b *Breaker) State() string {
	return b.cb.State().String()
}
