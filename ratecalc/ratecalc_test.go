package ratecalc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCalculatorComputesWindowedRate(t *testing.T) {
	c := New("test", "peer-a")
	start := time.Unix(1000, 0)

	c.Add(start, 1000)
	assert.EqualValues(t, 1000, c.Total())
	assert.Zero(t, c.Rate(), "rate is zero until a window rolls")

	c.Add(start.Add(Window), 1000)
	assert.InDelta(t, 1000.0/Window.Seconds(), c.Rate(), 0.001)
	assert.EqualValues(t, 2000, c.Total())
}

func TestTickDecaysRateOnStall(t *testing.T) {
	c := New("test", "peer-b")
	start := time.Unix(2000, 0)
	c.Add(start, 5000)
	c.Tick(start.Add(Window))
	assert.Greater(t, c.Rate(), 0.0)

	c.Tick(start.Add(2 * Window))
	assert.Zero(t, c.Rate(), "no bytes arrived in the second window, rate decays to zero")
}

func TestStringIncludesRateAndTotal(t *testing.T) {
	c := New("test", "peer-c")
	start := time.Unix(3000, 0)
	c.Add(start, 1_000_000)
	c.Add(start.Add(Window), 1_000_000)

	s := c.String()
	assert.Contains(t, s, "/s")
	assert.Contains(t, s, "total")
}
