package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func testConfig() Config {
	return Config{
		FailureThreshold: 5,
		Window:           30 * time.Second,
		Cooldown:         50 * time.Millisecond,
		MaxLatency:       2 * time.Second,
	}
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	r := NewRegistry(testConfig())
	r.Register("card", 0.8)

	for i := 0; i < 4; i++ {
		_ = r.Do("card", func() error { return errBoom })
		assert.Equal(t, gobreaker.StateClosed, r.State("card"))
	}
	_ = r.Do("card", func() error { return errBoom })
	assert.Equal(t, gobreaker.StateOpen, r.State("card"))

	// While open, calls are refused without invoking fn.
	invoked := false
	err := r.Do("card", func() error { invoked = true; return nil })
	require.ErrorIs(t, err, ErrOpen)
	assert.False(t, invoked)
}

func TestSuccessResetsConsecutiveCount(t *testing.T) {
	r := NewRegistry(testConfig())
	r.Register("card", 0.8)

	for i := 0; i < 4; i++ {
		_ = r.Do("card", func() error { return errBoom })
	}
	require.NoError(t, r.Do("card", func() error { return nil }))
	_ = r.Do("card", func() error { return errBoom })
	assert.Equal(t, gobreaker.StateClosed, r.State("card"), "threshold is consecutive failures, not total")
}

func TestHalfOpenProbeClosesOnSuccess(t *testing.T) {
	r := NewRegistry(testConfig())
	r.Register("card", 0.8)

	for i := 0; i < 5; i++ {
		_ = r.Do("card", func() error { return errBoom })
	}
	require.Equal(t, gobreaker.StateOpen, r.State("card"))

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, gobreaker.StateHalfOpen, r.State("card"))
	assert.True(t, r.Available("card"), "half-open admits the probe")

	require.NoError(t, r.Do("card", func() error { return nil }))
	assert.Equal(t, gobreaker.StateClosed, r.State("card"))
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	r := NewRegistry(testConfig())
	r.Register("card", 0.8)

	for i := 0; i < 5; i++ {
		_ = r.Do("card", func() error { return errBoom })
	}
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, gobreaker.StateHalfOpen, r.State("card"))

	_ = r.Do("card", func() error { return errBoom })
	assert.Equal(t, gobreaker.StateOpen, r.State("card"), "probe failure re-opens with a fresh cooldown")
}

func TestScore(t *testing.T) {
	r := NewRegistry(testConfig())
	r.Register("card", 1.0)
	r.Register("eft", 1.0)

	// No traffic yet: both fully healthy.
	assert.InDelta(t, 1.0, r.Score("card"), 0.001)

	_ = r.Do("card", func() error { return nil })
	_ = r.Do("eft", func() error { return errBoom })
	_ = r.Do("eft", func() error { return nil })

	assert.Greater(t, r.Score("card"), r.Score("eft"), "failures lower the score")
	assert.Zero(t, r.Score("unknown"))
}

func TestHealthSnapshot(t *testing.T) {
	r := NewRegistry(testConfig())
	r.Register("card", 0.5)

	_ = r.Do("card", func() error { return nil })
	_ = r.Do("card", func() error { return errBoom })

	h, err := r.HealthSnapshot("card")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), h.Successes)
	assert.Equal(t, uint64(1), h.Failures)
	assert.Equal(t, gobreaker.StateClosed, h.State)

	_, err = r.HealthSnapshot("unknown")
	require.Error(t, err)
}
