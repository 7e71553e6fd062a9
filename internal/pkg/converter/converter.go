/*
converter.go Machine-side converter. Switching dynamics are represented by a
first-order lag on the commanded d/q voltages; individual switching events are
not simulated.
*/

package converter

import (
	"errors"
	"fmt"
)

// VoltageLimit bounds the filtered output voltages (pu).
const VoltageLimit = 2.0

// ErrNonPositiveTimeConstant is returned when the filter time constant is not positive.
var ErrNonPositiveTimeConstant = errors.New("converter: time constant must be positive")

// Config holds the machine-side converter parameters
type Config struct {
	TConv float64 `json:"TConv"`
	VD0   float64 `json:"VD0"`
	VQ0   float64 `json:"VQ0"`
}

// Validate checks the filter time constant.
func (c Config) Validate() error {
	if !(c.TConv > 0) {
		return fmt.Errorf("TConv %v: %w", c.TConv, ErrNonPositiveTimeConstant)
	}
	return nil
}

// MachineSide is the machine-side converter voltage filter.
type MachineSide struct {
	vd    float64
	vq    float64
	vdRef float64
	vqRef float64
	t     float64
}

// New returns a MachineSide converter initialized to the configured voltages.
func New(cfg Config) (*MachineSide, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &MachineSide{
		vd:    cfg.VD0,
		vq:    cfg.VQ0,
		vdRef: cfg.VD0,
		vqRef: cfg.VQ0,
		t:     cfg.TConv,
	}, nil
}

// SetReferenceVoltages stores the reference voltages. The filtered output is
// left untouched; UpdateVoltages always filters its own arguments.
func (c *MachineSide) SetReferenceVoltages(vdRef, vqRef float64) {
	c.vdRef = vdRef
	c.vqRef = vqRef
}

// UpdateVoltages advances the first-order filter by dt toward the control
// voltages and clamps both axes to [-VoltageLimit, VoltageLimit].
func (c *MachineSide) UpdateVoltages(vdCtrl, vqCtrl, dt float64) {
	c.vd += (dt / c.t) * (vdCtrl - c.vd)
	c.vq += (dt / c.t) * (vqCtrl - c.vq)

	c.vd = clamp(c.vd, VoltageLimit)
	c.vq = clamp(c.vq, VoltageLimit)
}

// Voltages returns the filtered d/q output voltages
func (c MachineSide) Voltages() (vd, vq float64) {
	return c.vd, c.vq
}

// VD is an accessor for the filtered d-axis voltage
func (c MachineSide) VD() float64 {
	return c.vd
}

// VQ is an accessor for the filtered q-axis voltage
func (c MachineSide) VQ() float64 {
	return c.vq
}

// References returns the last stored reference voltages
func (c MachineSide) References() (vdRef, vqRef float64) {
	return c.vdRef, c.vqRef
}

// TimeConstant is an accessor for the filter time constant
func (c MachineSide) TimeConstant() float64 {
	return c.t
}

func clamp(v, limit float64) float64 {
	if v > limit {
		return limit
	}
	if v < -limit {
		return -limit
	}
	return v
}
