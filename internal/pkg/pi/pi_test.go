package pi

import (
	"math"
	"math/rand"
	"testing"

	"gotest.tools/v3/assert"
)

func newController(t *testing.T) *Controller {
	c, err := New(Config{Kp: 1, Ti: 0.1})
	assert.NilError(t, err)
	return c
}

func TestNewRejectsNonPositiveGains(t *testing.T) {
	cases := []Config{
		{Kp: 0, Ti: 0.1},
		{Kp: -1, Ti: 0.1},
		{Kp: 1, Ti: 0},
		{Kp: 1, Ti: -0.1},
		{Kp: math.NaN(), Ti: 0.1},
	}
	for _, cfg := range cases {
		_, err := New(cfg)
		assert.ErrorIs(t, err, ErrNonPositiveGain)
	}
}

func TestComputeProportionalAndIntegral(t *testing.T) {
	c := newController(t)

	out := c.Compute(0.2, 0.01)

	assert.Assert(t, math.Abs(c.Integral()-0.002) < 1e-15)
	assert.Assert(t, math.Abs(out-(0.2+10*0.002)) < 1e-12)
}

func TestIntegralPersistsAcrossCalls(t *testing.T) {
	c := newController(t)

	c.Compute(1, 0.1)
	c.Compute(1, 0.1)
	c.Compute(-0.5, 0.1)

	assert.Assert(t, math.Abs(c.Integral()-0.15) < 1e-12)
}

func TestIntegralClampedPositive(t *testing.T) {
	c := newController(t)

	for i := 0; i < 100; i++ {
		c.Compute(10, 0.1)
	}

	assert.Equal(t, c.Integral(), IntegralLimit)
	out := c.Compute(0, 0.1)
	assert.Assert(t, math.Abs(out-15) < 1e-12)
}

func TestIntegralClampedNegative(t *testing.T) {
	c := newController(t)

	for i := 0; i < 100; i++ {
		c.Compute(-10, 0.1)
	}

	assert.Equal(t, c.Integral(), -IntegralLimit)
}

func TestIntegralStaysBounded(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	c := newController(t)

	for i := 0; i < 10000; i++ {
		e := (r.Float64() - 0.5) * 200
		dt := r.Float64()
		c.Compute(e, dt)
		assert.Assert(t, c.Integral() <= IntegralLimit && c.Integral() >= -IntegralLimit,
			"integral %v out of bounds after call %d", c.Integral(), i)
	}
}
