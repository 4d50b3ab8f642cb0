package reconnect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelay_Default(t *testing.T) {
	p := Default()

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{6, 30 * time.Second},
		{1000, 30 * time.Second},
		{-3, time.Second},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, p.Delay(tc.attempt), "attempt %d", tc.attempt)
	}
}

func TestDelay_Monotonic(t *testing.T) {
	p := Default()
	for n := 0; n < 200; n++ {
		assert.LessOrEqual(t, p.Delay(n), p.Delay(n+1))
		assert.LessOrEqual(t, p.Delay(n+1), DefaultMaxDelay)
	}
}

func TestDelay_ZeroValueUsesDefaults(t *testing.T) {
	var p Policy
	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, 30*time.Second, p.Delay(10))
}

func TestDelay_BaseAboveMax(t *testing.T) {
	p := Policy{Base: time.Minute, Max: 10 * time.Second}
	assert.Equal(t, 10*time.Second, p.Delay(0))
}
