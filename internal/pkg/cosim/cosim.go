/*
cosim.go Fixed-step orchestration of the network, the mechanical units and
the electrical machines. Every step applies the fault schedule, steps the
network, then all mechanical units, then all machines, and records one sample
at the end of the step. The mechanical units are released exactly once however
the run ends.
*/

package cosim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/cmplx"

	"github.com/google/uuid"

	"github.com/ohowland/wtcosim/internal/pkg/network"
	"github.com/ohowland/wtcosim/internal/pkg/recorder"
)

// Phases of a step reported in a SteppingError
const (
	PhaseInit       = "init"
	PhaseCancel     = "cancel"
	PhaseNetwork    = "network"
	PhaseMechanical = "mechanical"
	PhaseElectrical = "electrical"
	PhaseSignals    = "signals"
)

var (
	// ErrInvalidConfig is returned for an unusable run configuration.
	ErrInvalidConfig = errors.New("cosim: invalid config")

	// ErrAlreadyRun is returned when Run is called on a finished orchestrator.
	ErrAlreadyRun = errors.New("cosim: orchestrator already run")
)

// SteppingError reports the step at which a coupled component failed.
type SteppingError struct {
	Step  int
	Time  float64
	Phase string
	Err   error
}

func (e *SteppingError) Error() string {
	return fmt.Sprintf("cosim: %v failed at step %v (t=%v): %v", e.Phase, e.Step, e.Time, e.Err)
}

func (e *SteppingError) Unwrap() error {
	return e.Err
}

// Turbine is a generator with its mechanical unit, as stepped by the orchestrator.
type Turbine interface {
	Name() string
	Device() int
	StepMechanical(t, dt float64) error
	StepElectrical(dt float64) error
	PowerW() float64
	Signals() (map[string]float64, error)
	Terminate() error
}

// Orchestrator owns one run. It is not reusable.
type Orchestrator struct {
	pid         uuid.UUID
	config      Config
	net         network.Network
	turbines    []Turbine
	rec         recorder.Recorder
	fault       *network.FaultSchedule
	sm          *stateMachine
	steps       int
	faultActive bool
	released    bool
}

// New validates the run and resolves the fault bus against net.
func New(cfg Config, net network.Network, turbines []Turbine, rec recorder.Recorder) (*Orchestrator, error) {
	pid, err := uuid.NewUUID()
	if err != nil {
		return nil, err
	}
	return NewWithPID(pid, cfg, net, turbines, rec)
}

// NewWithPID is New for a run whose process id was minted by the caller, so
// the sinks and the orchestrator report the same id.
func NewWithPID(pid uuid.UUID, cfg Config, net network.Network, turbines []Turbine, rec recorder.Recorder) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(turbines) == 0 {
		return nil, fmt.Errorf("no turbines: %w", ErrInvalidConfig)
	}

	var fault *network.FaultSchedule
	if cfg.Fault != nil {
		bus, err := net.BusIndex(cfg.Fault.Bus)
		if err != nil {
			return nil, fmt.Errorf("fault bus: %w", err)
		}
		y := cfg.Fault.Admittance
		if y == 0 {
			y = network.DefaultFaultAdmittance
		}
		fault = &network.FaultSchedule{
			Bus:        bus,
			Start:      cfg.Fault.Start,
			End:        cfg.Fault.End,
			Admittance: complex(y, 0),
		}
	}
	if rec == nil {
		rec = recorder.NewResults()
	}

	return &Orchestrator{
		pid:      pid,
		config:   cfg,
		net:      net,
		turbines: turbines,
		rec:      rec,
		fault:    fault,
		sm:       &stateMachine{currentState: initState{}},
	}, nil
}

// PID is an accessor for the process id
func (o Orchestrator) PID() uuid.UUID {
	return o.pid
}

// State returns INIT, RUNNING or TERMINATED.
func (o Orchestrator) State() string {
	return o.sm.currentState.name()
}

// Steps returns the number of completed steps.
func (o Orchestrator) Steps() int {
	return o.steps
}

// FaultActive reports whether the fault was applied on the last step.
func (o Orchestrator) FaultActive() bool {
	return o.faultActive
}

// Time returns the simulated time reached by the completed steps.
func (o Orchestrator) Time() float64 {
	return o.config.StartTime + float64(o.steps)*o.config.TimeStep
}

// Run executes the run to EndTime. A coupling failure or cancellation stops
// the loop and is returned as a *SteppingError; the units are released either way.
func (o *Orchestrator) Run(ctx context.Context) (err error) {
	if _, ok := o.sm.currentState.(initState); !ok {
		return ErrAlreadyRun
	}
	defer func() {
		if terr := o.teardown(); err == nil {
			err = terr
		}
	}()

	t0 := o.config.StartTime
	dt := o.config.TimeStep
	log.Printf("[Cosim] %v: t=[%v, %v] dt=%v, %v turbines\n", o.config.Name, t0, o.config.EndTime, dt, len(o.turbines))

	if err := o.net.Init(t0); err != nil {
		return &SteppingError{Step: 0, Time: t0, Phase: PhaseInit, Err: err}
	}
	if cr, ok := o.rec.(recorder.ConfigRecorder); ok {
		if err := cr.RecordConfig(o.config); err != nil {
			log.Printf("[Cosim] record config: %v\n", err)
		}
	}
	o.sm.run(stateIn{initialized: true})

	for k := 0; ; k++ {
		tk := t0 + float64(k)*dt
		if tk >= o.config.EndTime-network.WindowTolerance {
			break
		}
		if err := ctx.Err(); err != nil {
			return &SteppingError{Step: k, Time: tk, Phase: PhaseCancel, Err: err}
		}
		if err := o.step(k, tk, dt); err != nil {
			log.Printf("[Cosim] %v\n", err)
			return err
		}
		o.steps++
	}
	log.Printf("[Cosim] %v: completed %v steps\n", o.config.Name, o.steps)
	return nil
}

func (o *Orchestrator) step(k int, tk, dt float64) error {
	o.applyFault(tk)

	if err := o.net.Step(tk, dt); err != nil {
		return &SteppingError{Step: k, Time: tk, Phase: PhaseNetwork, Err: err}
	}
	for _, wt := range o.turbines {
		if err := wt.StepMechanical(tk, dt); err != nil {
			return &SteppingError{Step: k, Time: tk, Phase: PhaseMechanical, Err: err}
		}
	}
	for _, wt := range o.turbines {
		if err := wt.StepElectrical(dt); err != nil {
			return &SteppingError{Step: k, Time: tk, Phase: PhaseElectrical, Err: err}
		}
		o.net.SetPowerReference(wt.Device(), wt.PowerW())
	}

	sample, err := o.sample(tk + dt)
	if err != nil {
		return &SteppingError{Step: k, Time: tk, Phase: PhaseSignals, Err: err}
	}
	if err := o.rec.Record(sample); err != nil {
		log.Printf("[Cosim] record t=%v: %v\n", sample.Time, err)
	}
	return nil
}

func (o *Orchestrator) applyFault(t float64) {
	if o.fault == nil {
		return
	}
	active := o.fault.Active(t)
	o.net.SetFaultAdmittance(o.fault.Bus, o.fault.AdmittanceAt(t))
	if active != o.faultActive {
		if active {
			log.Printf("[Cosim] fault applied on bus %v at t=%v\n", o.config.Fault.Bus, t)
		} else {
			log.Printf("[Cosim] fault cleared on bus %v at t=%v\n", o.config.Fault.Bus, t)
		}
	}
	o.faultActive = active
}

func (o Orchestrator) sample(t float64) (recorder.Sample, error) {
	signals := make(map[string]float64)
	for _, wt := range o.turbines {
		ws, err := wt.Signals()
		if err != nil {
			return recorder.Sample{}, err
		}
		for k, v := range ws {
			signals[k] = v
		}
		obs := o.net.Device(wt.Device())
		signals[wt.Name()+"_GSC_p_e"] = obs.P
		signals[wt.Name()+"_GSC_q_e"] = obs.Q
		signals[wt.Name()+"_GSC_i_inj"] = cmplx.Abs(obs.IInj)
	}
	if o.fault != nil {
		signals["Fault"] = 0
		if o.faultActive {
			signals["Fault"] = 1
		}
		signals["Fault_v"] = cmplx.Abs(o.net.BusVoltage(o.fault.Bus))
	}
	return recorder.Sample{Time: t, Signals: signals}, nil
}

// teardown releases every turbine once and closes the recorder sinks.
func (o *Orchestrator) teardown() error {
	if o.released {
		return nil
	}
	o.released = true

	var errs []error
	for _, wt := range o.turbines {
		if err := wt.Terminate(); err != nil {
			log.Printf("[Cosim] terminate %v: %v\n", wt.Name(), err)
			errs = append(errs, err)
		}
	}
	if c, ok := o.rec.(io.Closer); ok {
		if err := c.Close(); err != nil {
			log.Printf("[Cosim] close recorder: %v\n", err)
		}
	}
	o.sm.run(stateIn{terminated: true})
	return errors.Join(errs...)
}
