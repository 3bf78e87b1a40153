package cli

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outlay/internal/config"
	"outlay/internal/delivery"
	applog "outlay/internal/log"
)

func TestNewChannel(t *testing.T) {
	ctx := context.Background()

	ch, err := NewChannel(ctx, &config.Config{ReportChannel: "log"})
	require.NoError(t, err)
	assert.Equal(t, "log", ch.Name())
	assert.IsType(t, delivery.LogChannel{}, ch)

	ch, err = NewChannel(ctx, &config.Config{ReportChannel: "smtp", SMTPHost: "localhost", SMTPPort: 2525, DeliveryRatePerSec: 5})
	require.NoError(t, err)
	assert.IsType(t, &delivery.Throttled{}, ch)
	assert.Equal(t, "smtp", ch.Name())

	_, err = NewChannel(ctx, &config.Config{ReportChannel: "sheets"})
	assert.Error(t, err)

	_, err = NewChannel(ctx, &config.Config{ReportChannel: "pigeon"})
	assert.Error(t, err)
}

func TestBackoff(t *testing.T) {
	p := Backoff(&config.Config{JobBackoffBase: 2 * time.Second, JobBackoffMax: time.Minute})
	assert.Equal(t, 2*time.Second, p.Base)
	assert.Equal(t, time.Minute, p.Max)
	assert.False(t, p.Jitter)
	assert.Equal(t, 8*time.Second, p.Delay(3))
}

func TestNewRateLimiter_Memory(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := applog.New(applog.DefaultConfig())
	lim, release, err := NewRateLimiter(ctx, logger, &config.Config{
		RateLimitBackend: "memory",
		RateLimitCount:   1,
		RateLimitWindow:  time.Minute,
	})
	require.NoError(t, err)
	defer release()

	d, err := lim.Admit(ctx, "k")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = lim.Admit(ctx, "k")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestNewRateLimiter_BadRedisURL(t *testing.T) {
	logger := applog.New(applog.DefaultConfig())
	_, _, err := NewRateLimiter(context.Background(), logger, &config.Config{
		RateLimitBackend: "redis",
		RedisURL:         "://nope",
	})
	assert.Error(t, err)
}
