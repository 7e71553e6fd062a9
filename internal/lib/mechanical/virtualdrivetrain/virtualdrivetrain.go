/*
virtualdrivetrain.go In-process mechanical unit. A one-mass rotor driven by a
constant aerodynamic power, loaded by the generator torque written by the
electrical model, with an optimal-tracking (mode 3) or power-command torque
demand on its reference channel.
*/

package virtualdrivetrain

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"os"

	"github.com/google/uuid"

	"github.com/ohowland/wtcosim/internal/pkg/mechanical"
)

// Value references of the drivetrain variables
const (
	vrMode mechanical.ValueReference = iota
	vrTestNr
	vrGenSpdOrTrq
	vrGenPwr
	vrElecPwrCom
	vrRotSpeed
	vrGenTq
	vrGenSpeed
	vrRotPwr
)

// OptimalTrackingMode selects the K_opt·ω² torque demand.
const OptimalTrackingMode = 3

const timeTolerance = 1e-9

// ErrInvalidConfig is returned for a non-physical drivetrain record.
var ErrInvalidConfig = errors.New("virtualdrivetrain: invalid config")

// Config is the drivetrain device record.
type Config struct {
	Name         string  `json:"Name"`
	RatedTorque  float64 `json:"RatedTorque"`
	RatedPower   float64 `json:"RatedPower"`
	BaseSpeed    float64 `json:"BaseSpeed"`
	PolePairs    float64 `json:"PolePairs"`
	InertiaH     float64 `json:"InertiaH"`
	AeroPower    float64 `json:"AeroPower"`
	InitialSpeed float64 `json:"InitialSpeed"`
	OptimalGain  float64 `json:"OptimalGain"`
	Substeps     int     `json:"Substeps"`
}

// DefaultConfig returns a drivetrain matched to the 15 MW machine defaults.
func DefaultConfig() Config {
	return Config{
		Name:         "Virtual Drivetrain",
		RatedTorque:  21.03e3,
		RatedPower:   15e6,
		BaseSpeed:    2 * math.Pi * 50,
		PolePairs:    100,
		InertiaH:     3,
		AeroPower:    0.396,
		InitialSpeed: 0.792,
		Substeps:     5,
	}
}

// Validate checks the record and derives the optimal gain when it is unset.
func (c *Config) Validate() error {
	for name, v := range map[string]float64{
		"RatedTorque":  c.RatedTorque,
		"RatedPower":   c.RatedPower,
		"BaseSpeed":    c.BaseSpeed,
		"PolePairs":    c.PolePairs,
		"InertiaH":     c.InertiaH,
		"InitialSpeed": c.InitialSpeed,
	} {
		if !(v > 0) {
			return fmt.Errorf("%v must be positive, got %v: %w", name, v, ErrInvalidConfig)
		}
	}
	if c.AeroPower < 0 || c.OptimalGain < 0 || c.Substeps < 0 {
		return fmt.Errorf("negative AeroPower, OptimalGain or Substeps: %w", ErrInvalidConfig)
	}
	if c.OptimalGain == 0 {
		c.OptimalGain = c.AeroPower / math.Pow(c.InitialSpeed, 3)
	}
	if c.Substeps == 0 {
		c.Substeps = 1
	}
	return nil
}

// Drivetrain implements mechanical.Unit.
type Drivetrain struct {
	pid     uuid.UUID
	config  Config
	machine *stateMachine
	target  rotor
}

// rotor is the simulated shaft state.
type rotor struct {
	instance    string
	time        float64
	speed       float64
	testNr      float64
	mode        float64
	values      map[mechanical.ValueReference]float64
	terminated  bool
	initialized bool
}

// New reads a drivetrain record from configPath.
func New(configPath string) (*Drivetrain, error) {
	jsonConfig, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(jsonConfig, &cfg); err != nil {
		return nil, err
	}
	return NewFromConfig(cfg)
}

// NewFromConfig returns a drivetrain in the not-instantiated state.
func NewFromConfig(cfg Config) (*Drivetrain, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	pid, err := uuid.NewUUID()
	if err != nil {
		return nil, err
	}
	return &Drivetrain{
		pid:     pid,
		config:  cfg,
		machine: &stateMachine{currentState: freeState{}},
		target:  rotor{values: make(map[mechanical.ValueReference]float64)},
	}, nil
}

// PID is an accessor for the process id
func (d Drivetrain) PID() uuid.UUID {
	return d.pid
}

// Name is an accessor for the configured name
func (d Drivetrain) Name() string {
	return d.config.Name
}

// Config is an accessor for the validated record
func (d Drivetrain) Config() Config {
	return d.config
}

// State returns the lifecycle state name.
func (d Drivetrain) State() string {
	return d.machine.currentState.name()
}

// Time returns the current communication point.
func (d Drivetrain) Time() float64 {
	return d.target.time
}

// ModelDescription lists the variables of the drivetrain.
func (d Drivetrain) ModelDescription() mechanical.ModelDescription {
	mode := float64(OptimalTrackingMode)
	variable := func(name string, vr mechanical.ValueReference, causality, unit string) mechanical.Variable {
		return mechanical.Variable{
			Name:           name,
			ValueReference: vr,
			Causality:      causality,
			Real:           &mechanical.Real{Unit: unit},
		}
	}
	vars := []mechanical.Variable{
		variable("Mode", vrMode, "parameter", ""),
		variable("testNr", vrTestNr, "parameter", ""),
		variable("GenSpdOrTrq", vrGenSpdOrTrq, "input", "N.m"),
		variable("GenPwr", vrGenPwr, "input", "W"),
		variable("ElecPwrCom", vrElecPwrCom, "input", "W"),
		variable("RotSpeed", vrRotSpeed, "output", "rad/s"),
		variable("GenTq", vrGenTq, "output", "N.m"),
		variable("GenSpeed", vrGenSpeed, "output", "rpm"),
		variable("RotPwr", vrRotPwr, "output", "W"),
	}
	vars[0].Real.Start = &mode
	return mechanical.ModelDescription{
		FMIVersion:   "2.0",
		ModelName:    "VirtualDrivetrain",
		GUID:         d.pid.String(),
		CoSimulation: &mechanical.CoSimulation{ModelIdentifier: "VirtualDrivetrain"},
		Variables:    vars,
	}
}

// Instantiate creates the rotor instance.
func (d *Drivetrain) Instantiate(instanceName string) error {
	if err := d.machine.run(call("Instantiate")); err != nil {
		return err
	}
	d.target = rotor{
		instance: instanceName,
		mode:     OptimalTrackingMode,
		values:   make(map[mechanical.ValueReference]float64),
	}
	log.Printf("[VirtualDrivetrain] %v instantiated\n", instanceName)
	return nil
}

// SetupExperiment sets the first communication point.
func (d *Drivetrain) SetupExperiment(startTime float64) error {
	if err := d.machine.run(call("SetupExperiment")); err != nil {
		return err
	}
	d.target.time = startTime
	return nil
}

// EnterInitializationMode opens the initialization window.
func (d *Drivetrain) EnterInitializationMode() error {
	return d.machine.run(call("EnterInitializationMode"))
}

// ExitInitializationMode places the rotor at its initial speed and publishes outputs.
func (d *Drivetrain) ExitInitializationMode() error {
	if err := d.machine.run(call("ExitInitializationMode")); err != nil {
		return err
	}
	d.target.speed = d.config.InitialSpeed
	d.target.initialized = true
	d.publish()
	log.Printf("[VirtualDrivetrain] %v initialized: mode %v, testNr %v, speed %v pu\n",
		d.target.instance, d.target.mode, d.target.testNr, d.target.speed)
	return nil
}

// SetReal writes inputs and parameters. Parameters are fixed after initialization.
func (d *Drivetrain) SetReal(vrs []mechanical.ValueReference, values []float64) error {
	if len(vrs) != len(values) {
		return fmt.Errorf("virtualdrivetrain: %v references, %v values", len(vrs), len(values))
	}
	if d.machine.currentState.name() == "FREE" || d.target.terminated {
		return mechanical.ErrNotInitialized
	}
	for i, vr := range vrs {
		switch vr {
		case vrMode:
			if d.target.initialized {
				return fmt.Errorf("virtualdrivetrain: Mode is fixed after initialization")
			}
			d.target.mode = values[i]
		case vrTestNr:
			if d.target.initialized {
				return fmt.Errorf("virtualdrivetrain: testNr is fixed after initialization")
			}
			d.target.testNr = values[i]
		case vrGenSpdOrTrq, vrGenPwr, vrElecPwrCom:
			d.target.values[vr] = values[i]
		default:
			return fmt.Errorf("virtualdrivetrain: value reference %v is not writable", vr)
		}
	}
	return nil
}

// GetReal reads any variable.
func (d *Drivetrain) GetReal(vrs []mechanical.ValueReference) ([]float64, error) {
	if d.machine.currentState.name() == "FREE" {
		return nil, mechanical.ErrNotInitialized
	}
	out := make([]float64, len(vrs))
	for i, vr := range vrs {
		switch vr {
		case vrMode:
			out[i] = d.target.mode
		case vrTestNr:
			out[i] = d.target.testNr
		default:
			if vr > vrRotPwr {
				return nil, fmt.Errorf("virtualdrivetrain: unknown value reference %v", vr)
			}
			out[i] = d.target.values[vr]
		}
	}
	return out, nil
}

// DoStep integrates the rotor from currentTime to currentTime+stepSize.
func (d *Drivetrain) DoStep(currentTime, stepSize float64) error {
	if err := d.machine.run(call("DoStep")); err != nil {
		return err
	}
	if math.Abs(currentTime-d.target.time) > timeTolerance {
		return fmt.Errorf("step from %v, unit at %v: %w", currentTime, d.target.time, mechanical.ErrTimeMismatch)
	}
	if !(stepSize > 0) {
		return fmt.Errorf("virtualdrivetrain: non-positive step size %v", stepSize)
	}

	h := stepSize / float64(d.config.Substeps)
	tGen := d.target.values[vrGenSpdOrTrq] / d.config.RatedTorque
	for i := 0; i < d.config.Substeps; i++ {
		d.target.speed += h * (d.aeroTorque() - tGen) / (2 * d.config.InertiaH)
	}
	d.target.time = currentTime + stepSize
	d.publish()
	return nil
}

// Terminate ends the simulation of the instance.
func (d *Drivetrain) Terminate() error {
	if err := d.machine.run(call("Terminate")); err != nil {
		return err
	}
	d.target.terminated = true
	log.Printf("[VirtualDrivetrain] %v terminated at t=%v\n", d.target.instance, d.target.time)
	return nil
}

// FreeInstance releases the instance. It is valid in every state.
func (d *Drivetrain) FreeInstance() {
	d.machine.currentState = freeState{}
	d.target.initialized = false
}

// aeroTorque returns the per-unit aerodynamic torque, bounded at standstill.
func (d Drivetrain) aeroTorque() float64 {
	speed := math.Max(d.target.speed, 0.05)
	return d.config.AeroPower / speed
}

// torqueDemand is the generator torque requested on GenTq, in Nm.
func (d Drivetrain) torqueDemand() float64 {
	w := d.target.speed
	if int(d.target.mode) == OptimalTrackingMode {
		return d.config.OptimalGain * w * w * d.config.RatedTorque
	}
	if w <= 0 {
		return 0
	}
	return d.target.values[vrElecPwrCom] / d.config.RatedPower / w * d.config.RatedTorque
}

func (d *Drivetrain) publish() {
	rotSpeed := d.target.speed * d.config.BaseSpeed
	d.target.values[vrRotSpeed] = rotSpeed
	d.target.values[vrGenTq] = d.torqueDemand()
	d.target.values[vrGenSpeed] = rotSpeed / d.config.PolePairs * 60 / (2 * math.Pi)
	d.target.values[vrRotPwr] = d.aeroTorque() * d.target.speed * d.config.RatedPower
}
