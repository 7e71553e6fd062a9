/*
mechanical.go Proxy for the external mechanical/aerodynamic co-simulation unit.
The proxy resolves the named signals the electrical model needs, owns the unit
handle for the whole run and releases it exactly once.
*/

package mechanical

import (
	"errors"
	"fmt"
	"log"
)

// Default signal names of the mechanical unit
const (
	DefaultSpeedSignal        = "RotSpeed"
	DefaultReferenceSignal    = "GenTq"
	DefaultTorqueOutputSignal = "GenSpdOrTrq"
	DefaultPowerOutputSignal  = "GenPwr"
	DefaultCommandSignal      = "ElecPwrCom"
	DefaultModeSignal         = "Mode"
	DefaultInstanceName       = "instance1"
)

var (
	// ErrUnknownSignal is returned when a required signal is not in the model description.
	ErrUnknownSignal = errors.New("mechanical: unknown signal")

	// ErrNotInitialized is returned by units stepped before initialization.
	ErrNotInitialized = errors.New("mechanical: unit not initialized")

	// ErrTimeMismatch is returned by units stepped from a communication point
	// other than the one they stopped at.
	ErrTimeMismatch = errors.New("mechanical: communication point mismatch")

	// ErrTerminated is returned when a terminated proxy is stepped.
	ErrTerminated = errors.New("mechanical: unit terminated")
)

// CommandProfile is the two-level dispatch command written every step.
type CommandProfile struct {
	Before     float64 `json:"Before"`
	After      float64 `json:"After"`
	SwitchTime float64 `json:"SwitchTime"`
}

// Level returns the command for time t.
func (p CommandProfile) Level(t float64) float64 {
	if t < p.SwitchTime {
		return p.Before
	}
	return p.After
}

// DefaultCommandProfile returns the profile used when none is configured.
func DefaultCommandProfile() CommandProfile {
	return CommandProfile{Before: 20e3, After: 10e3, SwitchTime: 10}
}

// Config is the construction record of a Proxy.
type Config struct {
	Kind               string             `json:"Kind"`
	Source             string             `json:"Source"`
	InstanceName       string             `json:"InstanceName"`
	StartTime          float64            `json:"StartTime"`
	Mode               float64            `json:"Mode"`
	ModeSignal         string             `json:"ModeSignal"`
	SpeedSignal        string             `json:"SpeedSignal"`
	ReferenceSignal    string             `json:"ReferenceSignal"`
	TorqueOutputSignal string             `json:"TorqueOutputSignal"`
	PowerOutputSignal  string             `json:"PowerOutputSignal"`
	CommandSignal      string             `json:"CommandSignal"`
	Command            *CommandProfile    `json:"Command"`
	Parameters         map[string]float64 `json:"Parameters"`
	RecordSignals      []string           `json:"RecordSignals"`
}

func (c Config) withDefaults() Config {
	if c.InstanceName == "" {
		c.InstanceName = DefaultInstanceName
	}
	if c.ModeSignal == "" {
		c.ModeSignal = DefaultModeSignal
	}
	if c.SpeedSignal == "" {
		c.SpeedSignal = DefaultSpeedSignal
	}
	if c.ReferenceSignal == "" {
		c.ReferenceSignal = DefaultReferenceSignal
	}
	if c.TorqueOutputSignal == "" {
		c.TorqueOutputSignal = DefaultTorqueOutputSignal
	}
	if c.PowerOutputSignal == "" {
		c.PowerOutputSignal = DefaultPowerOutputSignal
	}
	if c.CommandSignal == "" {
		c.CommandSignal = DefaultCommandSignal
	}
	if c.Command == nil {
		profile := DefaultCommandProfile()
		c.Command = &profile
	}
	return c
}

// Outputs are the electrical quantities written into the unit each step.
type Outputs struct {
	TorqueNm float64
	PowerW   float64
}

// Proxy is the only component allowed to step or mutate the unit.
type Proxy struct {
	config     Config
	unit       Unit
	desc       ModelDescription
	vrs        map[string]ValueReference
	record     []string
	recordVrs  []ValueReference
	terminated bool
}

// New resolves the required signals against desc, then instantiates and
// initializes the unit. A missing signal fails before the unit is touched.
func New(cfg Config, desc ModelDescription, unit Unit) (*Proxy, error) {
	cfg = cfg.withDefaults()

	required := []string{
		cfg.ModeSignal,
		cfg.SpeedSignal,
		cfg.ReferenceSignal,
		cfg.TorqueOutputSignal,
		cfg.PowerOutputSignal,
		cfg.CommandSignal,
	}
	for name := range cfg.Parameters {
		required = append(required, name)
	}

	record := cfg.RecordSignals
	if len(record) == 0 {
		record = uniq(required[1:6])
	}
	required = append(required, record...)

	vrs := make(map[string]ValueReference)
	for _, name := range required {
		vr, ok := desc.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("%q in %v: %w", name, desc.ModelName, ErrUnknownSignal)
		}
		vrs[name] = vr
	}

	recordVrs := make([]ValueReference, len(record))
	for i, name := range record {
		recordVrs[i] = vrs[name]
	}

	p := &Proxy{
		config:    cfg,
		unit:      unit,
		desc:      desc,
		vrs:       vrs,
		record:    record,
		recordVrs: recordVrs,
	}
	if err := p.initialize(); err != nil {
		return nil, err
	}
	log.Printf("[MechanicalProxy] %v initialized at t=%v (mode %v)\n", desc.ModelName, cfg.StartTime, cfg.Mode)
	return p, nil
}

func (p *Proxy) initialize() error {
	err := func() error {
		if err := p.unit.Instantiate(p.config.InstanceName); err != nil {
			return fmt.Errorf("instantiate: %w", err)
		}
		for name, value := range p.config.Parameters {
			if err := p.set(name, value); err != nil {
				return err
			}
		}
		if err := p.set(p.config.ModeSignal, p.config.Mode); err != nil {
			return err
		}
		if err := p.unit.SetupExperiment(p.config.StartTime); err != nil {
			return fmt.Errorf("setup experiment: %w", err)
		}
		if err := p.unit.EnterInitializationMode(); err != nil {
			return fmt.Errorf("enter initialization: %w", err)
		}
		if err := p.unit.ExitInitializationMode(); err != nil {
			return fmt.Errorf("exit initialization: %w", err)
		}
		return nil
	}()
	if err != nil {
		p.unit.FreeInstance()
		p.terminated = true
	}
	return err
}

// Step writes the machine outputs and the scheduled command, then advances the
// unit from t by dt. Failures are returned as-is and never retried.
func (p *Proxy) Step(t, dt float64, out Outputs) error {
	if p.terminated {
		return ErrTerminated
	}
	if err := p.set(p.config.TorqueOutputSignal, out.TorqueNm); err != nil {
		return err
	}
	if err := p.set(p.config.PowerOutputSignal, out.PowerW); err != nil {
		return err
	}
	if err := p.set(p.config.CommandSignal, p.Command(t)); err != nil {
		return err
	}
	if err := p.unit.DoStep(t, dt); err != nil {
		return fmt.Errorf("do step at t=%v: %w", t, err)
	}
	return nil
}

// Command returns the dispatch command level for time t.
func (p Proxy) Command(t float64) float64 {
	return p.config.Command.Level(t)
}

// RotorSpeed reads the shaft speed signal.
func (p Proxy) RotorSpeed() (float64, error) {
	return p.get(p.config.SpeedSignal)
}

// ReferenceSignal reads the torque-or-power reference channel.
func (p Proxy) ReferenceSignal() (float64, error) {
	return p.get(p.config.ReferenceSignal)
}

// Signals reads every recorded signal of the unit.
func (p Proxy) Signals() (map[string]float64, error) {
	if p.terminated {
		return nil, ErrTerminated
	}
	values, err := p.unit.GetReal(p.recordVrs)
	if err != nil {
		return nil, fmt.Errorf("get record signals: %w", err)
	}
	signals := make(map[string]float64, len(values))
	for i, name := range p.record {
		if i < len(values) {
			signals[name] = values[i]
		}
	}
	return signals, nil
}

// Terminate signals the unit to terminate and then frees it. Only the first
// call reaches the unit; the instance is freed even if terminate fails.
func (p *Proxy) Terminate() error {
	if p.terminated {
		return nil
	}
	p.terminated = true
	err := p.unit.Terminate()
	p.unit.FreeInstance()
	if err != nil {
		log.Printf("[MechanicalProxy] %v terminate: %v\n", p.desc.ModelName, err)
		return fmt.Errorf("terminate: %w", err)
	}
	log.Printf("[MechanicalProxy] %v terminated\n", p.desc.ModelName)
	return nil
}

// Terminated reports whether the unit has been released.
func (p Proxy) Terminated() bool {
	return p.terminated
}

// ValueReference returns the resolved handle of a signal.
func (p Proxy) ValueReference(name string) (ValueReference, bool) {
	vr, ok := p.vrs[name]
	return vr, ok
}

// Config is an accessor for the proxy configuration with defaults applied
func (p Proxy) Config() Config {
	return p.config
}

func (p Proxy) set(name string, value float64) error {
	vr, ok := p.vrs[name]
	if !ok {
		return fmt.Errorf("%q: %w", name, ErrUnknownSignal)
	}
	if err := p.unit.SetReal([]ValueReference{vr}, []float64{value}); err != nil {
		return fmt.Errorf("set %v: %w", name, err)
	}
	return nil
}

func (p Proxy) get(name string) (float64, error) {
	if p.terminated {
		return 0, ErrTerminated
	}
	values, err := p.unit.GetReal([]ValueReference{p.vrs[name]})
	if err != nil {
		return 0, fmt.Errorf("get %v: %w", name, err)
	}
	if len(values) != 1 {
		return 0, fmt.Errorf("get %v: %v values returned", name, len(values))
	}
	return values[0], nil
}

func uniq(names []string) []string {
	seen := make(map[string]bool)
	out := make([]string, 0, len(names))
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}
