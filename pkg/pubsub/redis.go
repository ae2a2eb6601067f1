package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

type BreakerConfig struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
	MaxRetries  int

	Breaker BreakerConfig
}

// Redis fans out through Redis PUBLISH/SUBSCRIBE so that sessions on
// different processes see the same events. Payloads travel as JSON. Calls
// go through a circuit breaker so an unavailable Redis fails operations
// fast.
type Redis struct {
	client  *redis.Client
	breaker *gobreaker.CircuitBreaker[*redis.PubSub]
	logger  zerolog.Logger
}

func NewRedis(config RedisConfig, logger zerolog.Logger) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:        config.Addr,
		Password:    config.Password,
		DB:          config.DB,
		DialTimeout: config.DialTimeout,
		MaxRetries:  config.MaxRetries,
	})

	failures := config.Breaker.ConsecutiveFailures
	if failures == 0 {
		failures = 5
	}

	settings := gobreaker.Settings{
		Name:        "redis-pubsub",
		MaxRequests: config.Breaker.MaxRequests,
		Interval:    config.Breaker.Interval,
		Timeout:     config.Breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	}

	return &Redis{
		client:  client,
		breaker: gobreaker.NewCircuitBreaker[*redis.PubSub](settings),
		logger:  logger,
	}
}

func (r *Redis) Publish(ctx context.Context, channel string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload for %s: %w", channel, err)
	}

	_, err = r.breaker.Execute(func() (*redis.PubSub, error) {
		return nil, r.client.Publish(ctx, channel, data).Err()
	})
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", channel, err)
	}

	return nil
}

func (r *Redis) Subscribe(ctx context.Context, channel string) (<-chan interface{}, error) {
	ps, err := r.breaker.Execute(func() (*redis.PubSub, error) {
		ps := r.client.Subscribe(ctx, channel)

		// wait for the subscription to be confirmed so publishes made after
		// Subscribe returns are seen
		if _, err := ps.Receive(ctx); err != nil {
			ps.Close()
			return nil, err
		}

		return ps, nil
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", channel, err)
	}

	out := make(chan interface{})

	go func() {
		defer close(out)
		defer ps.Close()

		msgs := ps.Channel()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}

				var payload interface{}
				if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
					r.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping undecodable payload")
					continue
				}

				select {
				case <-ctx.Done():
					return
				case out <- payload:
				}
			}
		}
	}()

	return out, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	if r.breaker.State() == gobreaker.StateOpen {
		return gobreaker.ErrOpenState
	}
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	err := r.client.Close()
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}
	return err
}
