package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/user/runguard/internal/codec"
	"github.com/user/runguard/internal/config"
	"github.com/user/runguard/internal/state"
	"github.com/user/runguard/internal/state/mongo"
	"github.com/user/runguard/internal/state/redis"
	"github.com/user/runguard/internal/stream"
	"github.com/user/runguard/internal/types"
)

// OpenStore returns the event store selected by cfg.Store.Backend together
// with a function that releases its connections.
func OpenStore(ctx context.Context, cfg *config.Config) (types.EventStore, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }

	switch cfg.Store.Backend {
	case config.BackendFile, "":
		return state.NewEventStore(cfg.DataDir), noop, nil

	case config.BackendMemory:
		return state.NewMemoryStore(), noop, nil

	case config.BackendMongo:
		m := cfg.Store.Mongo
		s, err := mongo.Connect(ctx, m.URI, m.Database, m.Collection)
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		return s, s.Close, nil

	case config.BackendRedis:
		r := cfg.Store.Redis
		s, err := redis.New(redis.Options{
			Addr:      r.Addr,
			Password:  r.Password,
			DB:        r.DB,
			KeyPrefix: r.KeyPrefix,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		if err := s.Ping(ctx); err != nil {
			s.Close()
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		return s, func(context.Context) error { return s.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}

// LogOptions translates the codec, dispatch, and retry settings into event
// log options.
func LogOptions(cfg *config.Config, logger *slog.Logger) ([]stream.Option, error) {
	c, err := codec.ByName(cfg.Codec)
	if err != nil {
		return nil, err
	}
	opts := []stream.Option{stream.WithCodec(c)}
	if logger != nil {
		opts = append(opts, stream.WithLogger(logger))
	}
	if cfg.Dispatch.MaxConcurrent > 0 {
		opts = append(opts, stream.WithMaxConcurrentDispatch(cfg.Dispatch.MaxConcurrent))
	}
	if cfg.Retry.MaxAttempts > 0 {
		policy := stream.DefaultRetryPolicy()
		policy.MaxAttempts = cfg.Retry.MaxAttempts
		if cfg.Retry.InitialDelayMS > 0 {
			policy.InitialDelay = time.Duration(cfg.Retry.InitialDelayMS) * time.Millisecond
		}
		if cfg.Retry.MaxDelayMS > 0 {
			policy.MaxDelay = time.Duration(cfg.Retry.MaxDelayMS) * time.Millisecond
		}
		opts = append(opts, stream.WithRetryPolicy(policy))
	}
	return opts, nil
}
