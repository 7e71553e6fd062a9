package converter

import (
	"math"
	"math/rand"
	"testing"

	"gotest.tools/v3/assert"
)

func TestNewRejectsNonPositiveTimeConstant(t *testing.T) {
	for _, tc := range []float64{0, -1e-3, math.NaN()} {
		_, err := New(Config{TConv: tc})
		assert.ErrorIs(t, err, ErrNonPositiveTimeConstant)
	}
}

func TestNewInitialVoltages(t *testing.T) {
	c, err := New(Config{TConv: 1e-3, VD0: 0.1, VQ0: 0.7})
	assert.NilError(t, err)

	vd, vq := c.Voltages()
	assert.Equal(t, vd, 0.1)
	assert.Equal(t, vq, 0.7)

	vdRef, vqRef := c.References()
	assert.Equal(t, vdRef, 0.1)
	assert.Equal(t, vqRef, 0.7)
}

func TestUpdateVoltagesFirstOrderLag(t *testing.T) {
	c, err := New(Config{TConv: 0.01})
	assert.NilError(t, err)

	c.UpdateVoltages(1, -0.5, 0.001)

	assert.Assert(t, math.Abs(c.VD()-0.1) < 1e-12)
	assert.Assert(t, math.Abs(c.VQ()+0.05) < 1e-12)
}

func TestUpdateVoltagesConverges(t *testing.T) {
	c, err := New(Config{TConv: 0.005})
	assert.NilError(t, err)

	for i := 0; i < 2000; i++ {
		c.UpdateVoltages(0.3, 0.9, 0.0005)
	}

	assert.Assert(t, math.Abs(c.VD()-0.3) < 1e-9)
	assert.Assert(t, math.Abs(c.VQ()-0.9) < 1e-9)
}

func TestUpdateVoltagesClamped(t *testing.T) {
	c, err := New(Config{TConv: 0.001})
	assert.NilError(t, err)

	c.UpdateVoltages(50, -50, 0.001)
	assert.Equal(t, c.VD(), VoltageLimit)
	assert.Equal(t, c.VQ(), -VoltageLimit)
}

func TestVoltagesStayBounded(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	c, err := New(Config{TConv: 0.002})
	assert.NilError(t, err)

	for i := 0; i < 10000; i++ {
		c.UpdateVoltages((r.Float64()-0.5)*100, (r.Float64()-0.5)*100, r.Float64()*0.01)
		assert.Assert(t, math.Abs(c.VD()) <= VoltageLimit)
		assert.Assert(t, math.Abs(c.VQ()) <= VoltageLimit)
	}
}

func TestSetReferenceVoltagesDoesNotFilter(t *testing.T) {
	c, err := New(Config{TConv: 0.01, VD0: 0.2, VQ0: 0.4})
	assert.NilError(t, err)

	c.SetReferenceVoltages(1.5, -1.5)

	vd, vq := c.Voltages()
	assert.Equal(t, vd, 0.2)
	assert.Equal(t, vq, 0.4)
	vdRef, vqRef := c.References()
	assert.Equal(t, vdRef, 1.5)
	assert.Equal(t, vqRef, -1.5)

	// the filter follows its arguments, not the stored reference
	c.UpdateVoltages(0.2, 0.4, 0.001)
	assert.Equal(t, c.VD(), 0.2)
	assert.Equal(t, c.VQ(), 0.4)
}
