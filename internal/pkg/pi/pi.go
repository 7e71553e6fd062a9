/*
pi.go PI current controller with a hard-clamped integrator. One instance is
created per control axis and keeps its integral for the lifetime of the run.
*/

package pi

import (
	"errors"
	"fmt"
)

// IntegralLimit bounds the accumulated integral in both directions.
const IntegralLimit = 1.5

// ErrNonPositiveGain is returned when kp or ti is not strictly positive.
var ErrNonPositiveGain = errors.New("pi: gain must be positive")

// Controller is a proportional-integral controller with clamp anti-windup.
type Controller struct {
	kp       float64
	ti       float64
	integral float64
}

// Config holds the tuning of a single PI loop.
type Config struct {
	Kp float64 `json:"Kp"`
	Ti float64 `json:"Ti"`
}

// Validate checks that both gains are positive.
func (c Config) Validate() error {
	if !(c.Kp > 0) {
		return fmt.Errorf("kp %v: %w", c.Kp, ErrNonPositiveGain)
	}
	if !(c.Ti > 0) {
		return fmt.Errorf("ti %v: %w", c.Ti, ErrNonPositiveGain)
	}
	return nil
}

// New returns a Controller with a zero integral.
func New(cfg Config) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Controller{kp: cfg.Kp, ti: cfg.Ti}, nil
}

// Compute accumulates error*dt into the integral, clamps it to
// [-IntegralLimit, IntegralLimit] and returns kp*e + (kp/ti)*integral.
func (c *Controller) Compute(e float64, dt float64) float64 {
	c.integral += e * dt

	if c.integral > IntegralLimit {
		c.integral = IntegralLimit
	}
	if c.integral < -IntegralLimit {
		c.integral = -IntegralLimit
	}

	return c.kp*e + (c.kp/c.ti)*c.integral
}

// Integral is an accessor for the accumulated integral
func (c Controller) Integral() float64 {
	return c.integral
}

// Kp is an accessor for the proportional gain
func (c Controller) Kp() float64 {
	return c.kp
}

// Ti is an accessor for the integral time
func (c Controller) Ti() float64 {
	return c.ti
}
