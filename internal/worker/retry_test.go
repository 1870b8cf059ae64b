package worker

import (
	"testing"
	"time"

	"github.com/santedb/santedb-dc-core-sub006/internal/config"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicyNextDelay(t *testing.T) {
	p := RetryPolicy{InitialDelay: time.Second, MaxDelay: 10 * time.Second, BackoffFactor: 2}

	assert.Equal(t, time.Second, p.NextDelay(0))
	assert.Equal(t, time.Second, p.NextDelay(1))
	assert.Equal(t, 2*time.Second, p.NextDelay(2))
	assert.Equal(t, 8*time.Second, p.NextDelay(4))
	assert.Equal(t, 10*time.Second, p.NextDelay(5))
	assert.Equal(t, 10*time.Second, p.NextDelay(500))

	previous := time.Duration(0)
	for attempt := 1; attempt < 64; attempt++ {
		d := p.NextDelay(attempt)
		assert.GreaterOrEqual(t, d, previous)
		previous = d
	}
}

func TestRetryPolicyExhausted(t *testing.T) {
	p := RetryPolicy{}.withDefaults()
	assert.Equal(t, 5, p.MaxRetries)
	assert.False(t, p.Exhausted(4))
	assert.True(t, p.Exhausted(5))
	assert.True(t, p.Exhausted(6))
}

func TestRetryPolicyFromConfig(t *testing.T) {
	cfg := &config.Config{
		Retry: config.RetryConfig{MaxRetries: 3, InitialDelay: "10s", MaxDelay: "1m", BackoffFactor: 3},
	}
	p := RetryPolicyFromConfig(cfg)
	assert.Equal(t, 3, p.MaxRetries)
	assert.Equal(t, 10*time.Second, p.InitialDelay)
	assert.Equal(t, time.Minute, p.MaxDelay)
	assert.Equal(t, 30*time.Second, p.NextDelay(2))

	defaults := RetryPolicyFromConfig(&config.Config{})
	assert.Equal(t, 5, defaults.MaxRetries)
	assert.Equal(t, 30*time.Second, defaults.InitialDelay)
}
