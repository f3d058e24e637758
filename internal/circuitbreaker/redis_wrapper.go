package circuitbreaker

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisWrapper wraps a Redis client with a circuit breaker so a
// flapping guardrail backend degrades to fast failures instead of
// piling up blocked policy evaluations (spec.md C10).
type RedisWrapper struct {
	client *redis.Client
	cb     *CircuitBreaker
	logger *zap.Logger
}

// NewRedisWrapper creates a Redis wrapper with circuit breaker.
func NewRedisWrapper(client *redis.Client, logger *zap.Logger) *RedisWrapper {
	config := GetRedisConfig().ToConfig()
	cb := NewCircuitBreaker("redis", config, logger)
	GlobalMetricsCollector.RegisterCircuitBreaker("redis", "guardrail", cb)
	return &RedisWrapper{client: client, cb: cb, logger: logger}
}

func (rw *RedisWrapper) record(success bool) {
	GlobalMetricsCollector.RecordRequest("redis", "guardrail", rw.cb.State(), success)
}

// Ping wraps Redis Ping with circuit breaker.
func (rw *RedisWrapper) Ping(ctx context.Context) *redis.StatusCmd {
	var result *redis.StatusCmd
	err := rw.cb.Execute(ctx, func() error {
		result = rw.client.Ping(ctx)
		return result.Err()
	})
	rw.record(err == nil && (result == nil || result.Err() == nil))
	if err != nil {
		result = redis.NewStatusCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// Get wraps Redis Get with circuit breaker.
func (rw *RedisWrapper) Get(ctx context.Context, key string) *redis.StringCmd {
	var result *redis.StringCmd
	err := rw.cb.Execute(ctx, func() error {
		result = rw.client.Get(ctx, key)
		if result.Err() == redis.Nil {
			return nil
		}
		return result.Err()
	})
	rw.record(err == nil && (result == nil || result.Err() == nil || result.Err() == redis.Nil))
	if err != nil {
		result = redis.NewStringCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// Set wraps Redis Set with circuit breaker.
func (rw *RedisWrapper) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	var result *redis.StatusCmd
	err := rw.cb.Execute(ctx, func() error {
		result = rw.client.Set(ctx, key, value, expiration)
		return result.Err()
	})
	rw.record(err == nil && (result == nil || result.Err() == nil))
	if err != nil {
		result = redis.NewStatusCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// HGetAll wraps Redis HGetAll with circuit breaker, used for the
// fixed-window rate-limit counters' hash representation.
func (rw *RedisWrapper) HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd {
	var result *redis.MapStringStringCmd
	err := rw.cb.Execute(ctx, func() error {
		result = rw.client.HGetAll(ctx, key)
		return result.Err()
	})
	rw.record(err == nil && (result == nil || result.Err() == nil))
	if err != nil {
		result = redis.NewMapStringStringCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// PipelinedHSetExpire writes a hash's fields and sets its TTL in one
// round trip, wrapped by the circuit breaker as a single operation.
func (rw *RedisWrapper) PipelinedHSetExpire(ctx context.Context, key string, fields map[string]interface{}, ttl time.Duration) error {
	return rw.cb.Execute(ctx, func() error {
		pipe := rw.client.TxPipeline()
		pipe.HSet(ctx, key, fields)
		pipe.Expire(ctx, key, ttl)
		_, err := pipe.Exec(ctx)
		rw.record(err == nil)
		return err
	})
}

// Del wraps Redis Del with circuit breaker.
func (rw *RedisWrapper) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	var result *redis.IntCmd
	err := rw.cb.Execute(ctx, func() error {
		result = rw.client.Del(ctx, keys...)
		return result.Err()
	})
	rw.record(err == nil && (result == nil || result.Err() == nil))
	if err != nil {
		result = redis.NewIntCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// Close wraps Redis Close.
func (rw *RedisWrapper) Close() error {
	return rw.client.Close()
}

// GetClient returns the underlying Redis client for operations not
// covered by the wrapper.
func (rw *RedisWrapper) GetClient() *redis.Client {
	return rw.client
}

// IsCircuitBreakerOpen returns true if the circuit breaker is open.
func (rw *RedisWrapper) IsCircuitBreakerOpen() bool {
	return rw.cb.State() == StateOpen
}
