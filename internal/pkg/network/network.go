/*
network.go Contract of the power-system collaborator stepped by the
orchestrator, and the fault schedule applied to it.
*/

package network

import (
	"errors"
)

// WindowTolerance is the absolute tolerance of the fault window bounds, in seconds.
const WindowTolerance = 1e-9

// DefaultFaultAdmittance is the shunt admittance that models a bolted short circuit (pu).
const DefaultFaultAdmittance = 1e6

var (
	// ErrUnknownBus is returned when a bus name does not resolve.
	ErrUnknownBus = errors.New("network: unknown bus")

	// ErrUnknownDevice is returned when a device name does not resolve.
	ErrUnknownDevice = errors.New("network: unknown device")
)

// DeviceObservables are the terminal quantities of a grid-side converter.
// P and Q are per unit on the device rating, IInj on the system base.
type DeviceObservables struct {
	P    float64    `json:"P"`
	Q    float64    `json:"Q"`
	IInj complex128 `json:"-"`
}

// Network is a dynamic power-system model stepped over fixed intervals.
type Network interface {
	Init(t0 float64) error
	Step(t, dt float64) error
	BusIndex(name string) (int, error)
	DeviceIndex(name string) (int, error)
	FaultAdmittance(bus int) complex128
	SetFaultAdmittance(bus int, y complex128)
	SetPowerReference(device int, watts float64)
	Device(device int) DeviceObservables
	BusVoltage(bus int) complex128
}

// FaultSchedule is a shunt fault applied on a bus over a closed time window.
type FaultSchedule struct {
	Bus        int
	Start      float64
	End        float64
	Admittance complex128
}

// Active reports whether t lies in [Start, End].
func (f FaultSchedule) Active(t float64) bool {
	return t >= f.Start-WindowTolerance && t <= f.End+WindowTolerance
}

// AdmittanceAt returns the fault admittance to apply at t, 0 outside the window.
func (f FaultSchedule) AdmittanceAt(t float64) complex128 {
	if f.Active(t) {
		return f.Admittance
	}
	return 0
}
