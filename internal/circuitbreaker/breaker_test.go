package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b := New(3, time.Minute)

	assert.True(t, b.Allow("USDT_BEP20"))
	b.RecordFailure("USDT_BEP20")
	b.RecordFailure("USDT_BEP20")
	assert.True(t, b.Allow("USDT_BEP20"), "below threshold, still closed")

	b.RecordFailure("USDT_BEP20")
	assert.Equal(t, StateOpen, b.State("USDT_BEP20"))
	assert.False(t, b.Allow("USDT_BEP20"))

	// Other currencies unaffected.
	assert.True(t, b.Allow("ETH"))
	assert.Equal(t, StateClosed, b.State("ETH"))
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b := New(1, 10*time.Millisecond)

	b.RecordFailure("ETH")
	assert.Equal(t, StateOpen, b.State("ETH"))
	assert.False(t, b.Allow("ETH"))

	time.Sleep(20 * time.Millisecond)

	// One probe allowed, further requests rejected while probing.
	assert.True(t, b.Allow("ETH"))
	assert.Equal(t, StateHalfOpen, b.State("ETH"))
	assert.False(t, b.Allow("ETH"))

	b.RecordSuccess("ETH")
	assert.Equal(t, StateClosed, b.State("ETH"))
	assert.True(t, b.Allow("ETH"))
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	b := New(1, 10*time.Millisecond)

	b.RecordFailure("BTC")
	time.Sleep(20 * time.Millisecond)
	assert.True(t, b.Allow("BTC")) // half-open probe

	b.RecordFailure("BTC")
	assert.Equal(t, StateOpen, b.State("BTC"))
	assert.False(t, b.Allow("BTC"))
}
