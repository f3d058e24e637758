package guardrail

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInProcessStoreRateLimitTTLExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewInProcessStore()

	require.NoError(t, s.SetRateLimit(ctx, "global", RateLimitEntry{Count: 3, WindowStart: 1000}, 10*time.Millisecond))

	got, err := s.GetRateLimits(ctx, []string{"global"})
	require.NoError(t, err)
	require.Equal(t, 3, got["global"].Count)

	time.Sleep(20 * time.Millisecond)
	got, err = s.GetRateLimits(ctx, []string{"global"})
	require.NoError(t, err)
	_, present := got["global"]
	require.False(t, present, "entry past TTL must be treated as absent")
}

func TestInProcessStoreCooldown(t *testing.T) {
	ctx := context.Background()
	s := NewInProcessStore()
	now := time.Now()

	require.NoError(t, s.SetCooldown(ctx, "camp_123", now, time.Minute))
	got, err := s.GetCooldowns(ctx, []string{"camp_123", "camp_999"})
	require.NoError(t, err)
	require.WithinDuration(t, now, got["camp_123"], time.Millisecond)
	_, present := got["camp_999"]
	require.False(t, present)
}

func newMiniredisStore(t *testing.T) *CircuitBreakerRedisStore {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewCircuitBreakerRedisStore(client, zap.NewNop())
}

func TestRedisStoreRateLimitRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newMiniredisStore(t)

	require.NoError(t, s.SetRateLimit(ctx, "ads.campaign.pause", RateLimitEntry{Count: 5, WindowStart: 42000}, time.Minute))
	got, err := s.GetRateLimits(ctx, []string{"ads.campaign.pause"})
	require.NoError(t, err)
	require.Equal(t, 5, got["ads.campaign.pause"].Count)
	require.Equal(t, int64(42000), got["ads.campaign.pause"].WindowStart)
}

func TestRedisStoreCooldownRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newMiniredisStore(t)
	now := time.Now()

	require.NoError(t, s.SetCooldown(ctx, "camp_123", now, time.Minute))
	got, err := s.GetCooldowns(ctx, []string{"camp_123"})
	require.NoError(t, err)
	require.WithinDuration(t, now, got["camp_123"], time.Millisecond)
}

func TestRedisStoreAbsentKeyIsOmitted(t *testing.T) {
	ctx := context.Background()
	s := newMiniredisStore(t)

	got, err := s.GetCooldowns(ctx, []string{"missing"})
	require.NoError(t, err)
	require.Empty(t, got)
}
