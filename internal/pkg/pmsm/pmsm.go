/*
pmsm.go Permanent magnet synchronous machine electrical model. The stator
currents are the only integrated states; shaft speed and the torque reference
are algebraic inputs read from the mechanical unit once per step.
*/

package pmsm

import (
	"errors"
	"fmt"
	"math"

	"github.com/ohowland/wtcosim/internal/pkg/converter"
	"github.com/ohowland/wtcosim/internal/pkg/pi"
)

const (
	// TorqueRefMax is the upper bound of the torque reference (pu).
	TorqueRefMax = 1.5
	// TorqueRefMin is the lower bound of the torque reference (pu).
	// Generator-only operation: negative torque references are cut to zero.
	TorqueRefMin = 0.0
	// ControlVoltageLimit bounds the current-control output voltages (pu).
	ControlVoltageLimit = 2.0
)

// ErrInvalidParameter is returned for machine parameters outside their valid range.
var ErrInvalidParameter = errors.New("pmsm: invalid parameter")

// ReferenceMode selects how the mechanical reference channel is normalized.
type ReferenceMode string

// Reference channels
const (
	TorqueReference ReferenceMode = "Torque"
	PowerReference  ReferenceMode = "Power"
)

// Source is the machine's view of the mechanical unit.
type Source interface {
	RotorSpeed() (float64, error)
	ReferenceSignal() (float64, error)
}

// Config holds the per-unit machine parameters and its control tuning.
type Config struct {
	Rs            float64          `json:"Rs"`
	Xd            float64          `json:"Xd"`
	Xq            float64          `json:"Xq"`
	PsiM          float64          `json:"PsiM"`
	Wn            float64          `json:"Wn"`
	RatedTorque   float64          `json:"RatedTorque"`
	RatedPower    float64          `json:"RatedPower"`
	IdRef         float64          `json:"IdRef"`
	InitialTorque float64          `json:"InitialTorque"`
	ReferenceMode ReferenceMode    `json:"ReferenceMode"`
	Substeps      int              `json:"Substeps"`
	Converter     converter.Config `json:"Converter"`
	IdController  pi.Config        `json:"IdController"`
	IqController  pi.Config        `json:"IqController"`
}

// Validate checks the machine parameters and the nested converter and controller configs.
func (c Config) Validate() error {
	positive := []struct {
		name  string
		value float64
	}{
		{"Xd", c.Xd},
		{"Xq", c.Xq},
		{"PsiM", c.PsiM},
		{"Wn", c.Wn},
		{"RatedTorque", c.RatedTorque},
		{"RatedPower", c.RatedPower},
	}
	for _, p := range positive {
		if !(p.value > 0) {
			return fmt.Errorf("%v %v must be positive: %w", p.name, p.value, ErrInvalidParameter)
		}
	}
	if !(c.Rs >= 0) {
		return fmt.Errorf("Rs %v must not be negative: %w", c.Rs, ErrInvalidParameter)
	}
	if c.Substeps < 0 {
		return fmt.Errorf("Substeps %v must not be negative: %w", c.Substeps, ErrInvalidParameter)
	}
	switch c.ReferenceMode {
	case "", TorqueReference, PowerReference:
	default:
		return fmt.Errorf("ReferenceMode %q: %w", c.ReferenceMode, ErrInvalidParameter)
	}
	if err := c.Converter.Validate(); err != nil {
		return err
	}
	if err := c.IdController.Validate(); err != nil {
		return fmt.Errorf("IdController: %w", err)
	}
	if err := c.IqController.Validate(); err != nil {
		return fmt.Errorf("IqController: %w", err)
	}
	return nil
}

// DefaultConfig returns the 15 MW reference turbine generator.
// https://www.nrel.gov/docs/fy20osti/75698.pdf
func DefaultConfig() Config {
	return Config{
		Rs:            0.03,
		Xd:            0.4,
		Xq:            0.4,
		PsiM:          0.9,
		Wn:            2 * math.Pi * 50,
		RatedTorque:   21.03e3,
		RatedPower:    15e6,
		ReferenceMode: TorqueReference,
		Substeps:      1,
		Converter:     converter.Config{TConv: 5e-3},
		IdController:  pi.Config{Kp: 1, Ti: 0.1},
		IqController:  pi.Config{Kp: 1, Ti: 0.1},
	}
}

// Machine is the PMSM electrical state with its current-control cascade.
type Machine struct {
	config    Config
	converter *converter.MachineSide
	piD       *pi.Controller
	piQ       *pi.Controller

	speed     float64
	torqueRef float64
	idRef     float64
	iqRef     float64
	id        float64
	iq        float64

	vdII   float64
	vqII   float64
	vdCtrl float64
	vqCtrl float64
}

// Status is a snapshot of the machine for recording
type Status struct {
	TE        float64 `json:"TE"`
	TorqueNm  float64 `json:"TorqueNm"`
	TorqueRef float64 `json:"TorqueRef"`
	Speed     float64 `json:"Speed"`
	PE        float64 `json:"PE"`
	PowerW    float64 `json:"PowerW"`
	QE        float64 `json:"QE"`
	VArs      float64 `json:"VArs"`
	ID        float64 `json:"ID"`
	IQ        float64 `json:"IQ"`
	IDRef     float64 `json:"IDRef"`
	IQRef     float64 `json:"IQRef"`
	VD        float64 `json:"VD"`
	VQ        float64 `json:"VQ"`
	VDII      float64 `json:"VDII"`
	VQII      float64 `json:"VQII"`
	VDCtrl    float64 `json:"VDCtrl"`
	VQCtrl    float64 `json:"VQCtrl"`
}

// New returns a Machine at rest with currents set to the initial references.
func New(cfg Config) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Substeps == 0 {
		cfg.Substeps = 1
	}
	if cfg.ReferenceMode == "" {
		cfg.ReferenceMode = TorqueReference
	}

	msc, err := converter.New(cfg.Converter)
	if err != nil {
		return nil, err
	}
	piD, err := pi.New(cfg.IdController)
	if err != nil {
		return nil, err
	}
	piQ, err := pi.New(cfg.IqController)
	if err != nil {
		return nil, err
	}

	m := &Machine{
		config:    cfg,
		converter: msc,
		piD:       piD,
		piQ:       piQ,
		torqueRef: clamp(cfg.InitialTorque, TorqueRefMin, TorqueRefMax),
		idRef:     cfg.IdRef,
	}
	m.iqRef = m.torqueRef / cfg.PsiM
	m.id = m.idRef
	m.iq = m.iqRef
	return m, nil
}

// Step advances the machine by dt: speed update, torque-reference update,
// then current control, converter update and Euler integration once per substep.
func (m *Machine) Step(src Source, dt float64) error {
	rotSpeed, err := src.RotorSpeed()
	if err != nil {
		return fmt.Errorf("read rotor speed: %w", err)
	}
	m.UpdateSpeed(rotSpeed)

	ref, err := src.ReferenceSignal()
	if err != nil {
		return fmt.Errorf("read reference: %w", err)
	}
	m.UpdateTorqueControl(ref)

	h := dt / float64(m.config.Substeps)
	for i := 0; i < m.config.Substeps; i++ {
		m.UpdateCurrentControl(h)
		m.Integrate(h)
	}
	return nil
}

// UpdateSpeed sets the per-unit speed from a shaft speed in rad/s.
func (m *Machine) UpdateSpeed(rotSpeed float64) {
	m.speed = rotSpeed / m.config.Wn
}

// UpdateTorqueControl normalizes the reference channel to a per-unit torque,
// clamps it to [TorqueRefMin, TorqueRefMax] and derives iq_ref = torque_ref / PsiM.
func (m *Machine) UpdateTorqueControl(signal float64) {
	var ref float64
	switch m.config.ReferenceMode {
	case PowerReference:
		if m.speed > 0 {
			ref = signal / m.config.RatedPower / m.speed
		}
	default:
		ref = signal / m.config.RatedTorque
	}
	m.torqueRef = clamp(ref, TorqueRefMin, TorqueRefMax)
	m.iqRef = m.torqueRef / m.config.PsiM
}

// UpdateCurrentControl runs both PI loops with feedforward decoupling and
// drives the converter filter with the clamped control voltages.
func (m *Machine) UpdateCurrentControl(dt float64) {
	p := m.config

	errID := m.idRef - m.id
	errIQ := m.iqRef - m.iq

	m.vdII = -m.iq * p.Xq * m.speed
	m.vqII = m.id*p.Xd + p.PsiM*m.speed

	m.vdCtrl = clamp(m.vdII+m.piD.Compute(errID, dt), -ControlVoltageLimit, ControlVoltageLimit)
	m.vqCtrl = clamp(m.vqII+m.piQ.Compute(errIQ, dt), -ControlVoltageLimit, ControlVoltageLimit)

	m.converter.SetReferenceVoltages(m.vdCtrl, m.vqCtrl)
	m.converter.UpdateVoltages(m.vdCtrl, m.vqCtrl, dt)
}

// Derivatives evaluates the stator current derivatives (motor convention).
func (m Machine) Derivatives() (dID, dIQ float64) {
	p := m.config
	psiQ := m.iq * p.Xq
	psiD := m.id*p.Xd + p.PsiM
	vd, vq := m.converter.Voltages()

	dID = (vd - p.Rs*m.id + psiQ*m.speed) * (p.Wn / p.Xd)
	dIQ = (vq - p.Rs*m.iq - psiD*m.speed) * (p.Wn / p.Xq)
	return dID, dIQ
}

// Integrate advances the currents by one explicit Euler step.
func (m *Machine) Integrate(dt float64) {
	dID, dIQ := m.Derivatives()
	m.id += dID * dt
	m.iq += dIQ * dt
}

// TE returns the electromagnetic torque (pu)
func (m Machine) TE() float64 {
	p := m.config
	psiQ := m.iq * p.Xq
	psiD := m.id*p.Xd + p.PsiM
	return psiD*m.iq - psiQ*m.id
}

// TorqueNm returns the electromagnetic torque in Nm
func (m Machine) TorqueNm() float64 {
	return m.TE() * m.config.RatedTorque
}

// PE returns the active power (pu)
func (m Machine) PE() float64 {
	vd, vq := m.converter.Voltages()
	return 1.5 * (vd*m.id + vq*m.iq)
}

// PowerW returns the active power in W
func (m Machine) PowerW() float64 {
	return m.PE() * m.config.RatedPower
}

// QE returns the reactive power (pu)
func (m Machine) QE() float64 {
	vd, vq := m.converter.Voltages()
	return 1.5 * (vq*m.id - vd*m.iq)
}

// VArs returns the reactive power in VAr
func (m Machine) VArs() float64 {
	return m.QE() * m.config.RatedPower
}

// Speed is an accessor for the per-unit shaft speed
func (m Machine) Speed() float64 {
	return m.speed
}

// TorqueRef is an accessor for the per-unit torque reference
func (m Machine) TorqueRef() float64 {
	return m.torqueRef
}

// Currents returns the d/q stator currents
func (m Machine) Currents() (id, iq float64) {
	return m.id, m.iq
}

// References returns the d/q current references
func (m Machine) References() (idRef, iqRef float64) {
	return m.idRef, m.iqRef
}

// Converter returns the machine-side converter
func (m Machine) Converter() *converter.MachineSide {
	return m.converter
}

// Config is an accessor for the validated machine configuration
func (m Machine) Config() Config {
	return m.config
}

// Status returns a snapshot of all machine observables.
func (m Machine) Status() Status {
	vd, vq := m.converter.Voltages()
	return Status{
		TE:        m.TE(),
		TorqueNm:  m.TorqueNm(),
		TorqueRef: m.torqueRef,
		Speed:     m.speed,
		PE:        m.PE(),
		PowerW:    m.PowerW(),
		QE:        m.QE(),
		VArs:      m.VArs(),
		ID:        m.id,
		IQ:        m.iq,
		IDRef:     m.idRef,
		IQRef:     m.iqRef,
		VD:        vd,
		VQ:        vq,
		VDII:      m.vdII,
		VQII:      m.vqII,
		VDCtrl:    m.vdCtrl,
		VQCtrl:    m.vqCtrl,
	}
}

func clamp(v, lo, hi float64) float64 {
	if v > hi {
		return hi
	}
	if v < lo {
		return lo
	}
	return v
}
