package cosim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/ohowland/wtcosim/internal/pkg/network"
	"github.com/ohowland/wtcosim/internal/pkg/recorder"
)

type fakeNetwork struct {
	calls      *[]string
	admittance []complex128
	refs       map[int]float64
	initErr    error
	stepErr    error
	failAt     int
	steps      int
}

func newFakeNetwork(calls *[]string) *fakeNetwork {
	return &fakeNetwork{calls: calls, refs: make(map[int]float64), failAt: -1}
}

func (n *fakeNetwork) Init(t0 float64) error {
	*n.calls = append(*n.calls, "init")
	return n.initErr
}

func (n *fakeNetwork) Step(t, dt float64) error {
	*n.calls = append(*n.calls, "network")
	if n.steps == n.failAt {
		return n.stepErr
	}
	n.steps++
	return nil
}

func (n *fakeNetwork) BusIndex(name string) (int, error) {
	if name != "B1" {
		return 0, fmt.Errorf("%q: %w", name, network.ErrUnknownBus)
	}
	return 0, nil
}

func (n *fakeNetwork) DeviceIndex(name string) (int, error) {
	return 0, nil
}

func (n *fakeNetwork) FaultAdmittance(bus int) complex128 {
	if len(n.admittance) == 0 {
		return 0
	}
	return n.admittance[len(n.admittance)-1]
}

func (n *fakeNetwork) SetFaultAdmittance(bus int, y complex128) {
	*n.calls = append(*n.calls, "fault")
	n.admittance = append(n.admittance, y)
}

func (n *fakeNetwork) SetPowerReference(device int, watts float64) {
	*n.calls = append(*n.calls, fmt.Sprintf("ref %v", device))
	n.refs[device] = watts
}

func (n *fakeNetwork) Device(device int) network.DeviceObservables {
	return network.DeviceObservables{P: 0.5, Q: 0.1, IInj: complex(0.3, -0.4)}
}

func (n *fakeNetwork) BusVoltage(bus int) complex128 {
	return 1
}

type fakeTurbine struct {
	name       string
	device     int
	calls      *[]string
	mechErr    error
	failAt     int
	steps      int
	terminated int
}

func newFakeTurbine(name string, device int, calls *[]string) *fakeTurbine {
	return &fakeTurbine{name: name, device: device, calls: calls, failAt: -1}
}

func (wt *fakeTurbine) Name() string { return wt.name }

func (wt *fakeTurbine) Device() int { return wt.device }

func (wt *fakeTurbine) StepMechanical(t, dt float64) error {
	*wt.calls = append(*wt.calls, wt.name+" mechanical")
	if wt.steps == wt.failAt {
		return wt.mechErr
	}
	return nil
}

func (wt *fakeTurbine) StepElectrical(dt float64) error {
	*wt.calls = append(*wt.calls, wt.name+" electrical")
	wt.steps++
	return nil
}

func (wt *fakeTurbine) PowerW() float64 { return 1e6 * float64(wt.device+1) }

func (wt *fakeTurbine) Signals() (map[string]float64, error) {
	return map[string]float64{wt.name + "_PMSM T_e": float64(wt.steps)}, nil
}

func (wt *fakeTurbine) Terminate() error {
	wt.terminated++
	return nil
}

type failingRecorder struct {
	records int
	configs int
	closed  int
}

func (r *failingRecorder) Record(recorder.Sample) error {
	r.records++
	return errors.New("sink unavailable")
}

func (r *failingRecorder) RecordConfig(interface{}) error {
	r.configs++
	return nil
}

func (r *failingRecorder) Close() error {
	r.closed++
	return nil
}

func runConfig() Config {
	return Config{
		Name:      "TEST_Run",
		StartTime: 0,
		TimeStep:  5e-3,
		EndTime:   15,
		Fault:     &FaultConfig{Bus: "B1", Start: 4.0, End: 4.30, Admittance: 1e6},
		Turbines:  []TurbineConfig{{Name: "WT1"}},
	}
}

func TestFaultWindow(t *testing.T) {
	calls := []string{}
	net := newFakeNetwork(&calls)
	wt := newFakeTurbine("WT1", 0, &calls)
	results := recorder.NewResults()

	o, err := New(runConfig(), net, []Turbine{wt}, results)
	assert.NilError(t, err)
	assert.Equal(t, o.State(), "INIT")
	assert.NilError(t, o.Run(context.Background()))

	assert.Equal(t, o.Steps(), 3000)
	assert.Equal(t, results.Len(), 3000)
	assert.Assert(t, math.Abs(o.Time()-15) < 1e-9)
	assert.Equal(t, o.State(), "TERMINATED")

	active := 0
	first, last := -1, -1
	for k, y := range net.admittance {
		if y != 0 {
			assert.Equal(t, y, complex(1e6, 0))
			if first < 0 {
				first = k
			}
			last = k
			active++
		}
	}
	assert.Equal(t, active, 61)
	assert.Equal(t, first, 800)
	assert.Equal(t, last, 860)

	fault := 0.0
	for _, v := range results.Series("Fault") {
		fault += v
	}
	assert.Equal(t, fault, 61.0)
	assert.Equal(t, wt.terminated, 1)
}

func TestStepSequencing(t *testing.T) {
	calls := []string{}
	net := newFakeNetwork(&calls)
	wt1 := newFakeTurbine("WT1", 0, &calls)
	wt2 := newFakeTurbine("WT2", 1, &calls)
	results := recorder.NewResults()

	cfg := runConfig()
	cfg.EndTime = 5e-3
	cfg.Turbines = []TurbineConfig{{Name: "WT1"}, {Name: "WT2"}}
	o, err := New(cfg, net, []Turbine{wt1, wt2}, results)
	assert.NilError(t, err)
	assert.NilError(t, o.Run(context.Background()))

	assert.DeepEqual(t, calls, []string{
		"init",
		"fault",
		"network",
		"WT1 mechanical",
		"WT2 mechanical",
		"WT1 electrical",
		"ref 0",
		"WT2 electrical",
		"ref 1",
	})
	assert.Equal(t, net.refs[0], 1e6)
	assert.Equal(t, net.refs[1], 2e6)

	// one sample, stamped at the end of the step
	assert.DeepEqual(t, results.Series(recorder.TimeKey), []float64{5e-3})
	p, ok := results.Last("WT2_GSC_p_e")
	assert.Assert(t, ok)
	assert.Equal(t, p, 0.5)
	i, _ := results.Last("WT1_GSC_i_inj")
	assert.Assert(t, math.Abs(i-0.5) < 1e-12)
	te, _ := results.Last("WT1_PMSM T_e")
	assert.Equal(t, te, 1.0)
}

func TestMechanicalFailureTearsDownOnce(t *testing.T) {
	calls := []string{}
	net := newFakeNetwork(&calls)
	wt1 := newFakeTurbine("WT1", 0, &calls)
	wt2 := newFakeTurbine("WT2", 1, &calls)
	wt2.failAt = 3
	wt2.mechErr = errors.New("unit stopped responding")

	cfg := runConfig()
	cfg.Turbines = []TurbineConfig{{Name: "WT1"}, {Name: "WT2"}}
	o, err := New(cfg, net, []Turbine{wt1, wt2}, nil)
	assert.NilError(t, err)

	err = o.Run(context.Background())
	var serr *SteppingError
	assert.Assert(t, errors.As(err, &serr))
	assert.Equal(t, serr.Step, 3)
	assert.Equal(t, serr.Phase, PhaseMechanical)
	assert.Assert(t, math.Abs(serr.Time-0.015) < 1e-12)
	assert.ErrorContains(t, err, "unit stopped responding")

	assert.Equal(t, o.Steps(), 3)
	assert.Equal(t, o.State(), "TERMINATED")
	assert.Equal(t, wt1.terminated, 1)
	assert.Equal(t, wt2.terminated, 1)

	assert.ErrorIs(t, o.Run(context.Background()), ErrAlreadyRun)
	assert.Equal(t, wt1.terminated, 1)
}

func TestNetworkFailure(t *testing.T) {
	calls := []string{}
	net := newFakeNetwork(&calls)
	net.failAt = 10
	net.stepErr = errors.New("not converged")
	wt := newFakeTurbine("WT1", 0, &calls)

	o, err := New(runConfig(), net, []Turbine{wt}, nil)
	assert.NilError(t, err)

	err = o.Run(context.Background())
	var serr *SteppingError
	assert.Assert(t, errors.As(err, &serr))
	assert.Equal(t, serr.Phase, PhaseNetwork)
	assert.Equal(t, serr.Step, 10)
	assert.Equal(t, wt.steps, 10)
	assert.Equal(t, wt.terminated, 1)
}

func TestInitFailure(t *testing.T) {
	calls := []string{}
	net := newFakeNetwork(&calls)
	net.initErr = errors.New("no solution")
	wt := newFakeTurbine("WT1", 0, &calls)

	o, err := New(runConfig(), net, []Turbine{wt}, nil)
	assert.NilError(t, err)

	err = o.Run(context.Background())
	var serr *SteppingError
	assert.Assert(t, errors.As(err, &serr))
	assert.Equal(t, serr.Phase, PhaseInit)
	assert.Equal(t, o.Steps(), 0)
	assert.Equal(t, wt.terminated, 1)
	assert.Equal(t, o.State(), "TERMINATED")
}

func TestCancel(t *testing.T) {
	calls := []string{}
	net := newFakeNetwork(&calls)
	wt := newFakeTurbine("WT1", 0, &calls)

	o, err := New(runConfig(), net, []Turbine{wt}, nil)
	assert.NilError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = o.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	var serr *SteppingError
	assert.Assert(t, errors.As(err, &serr))
	assert.Equal(t, serr.Phase, PhaseCancel)
	assert.Equal(t, o.Steps(), 0)
	assert.Equal(t, wt.terminated, 1)
}

func TestRecorderErrorsDoNotAbort(t *testing.T) {
	calls := []string{}
	net := newFakeNetwork(&calls)
	wt := newFakeTurbine("WT1", 0, &calls)
	rec := &failingRecorder{}

	cfg := runConfig()
	cfg.EndTime = 0.1
	o, err := New(cfg, net, []Turbine{wt}, rec)
	assert.NilError(t, err)
	assert.NilError(t, o.Run(context.Background()))

	assert.Equal(t, o.Steps(), 20)
	assert.Equal(t, rec.records, 20)
	assert.Equal(t, rec.configs, 1)
	assert.Equal(t, rec.closed, 1)
}

func TestNoFault(t *testing.T) {
	calls := []string{}
	net := newFakeNetwork(&calls)
	wt := newFakeTurbine("WT1", 0, &calls)
	results := recorder.NewResults()

	cfg := runConfig()
	cfg.EndTime = 0.05
	cfg.Fault = nil
	o, err := New(cfg, net, []Turbine{wt}, results)
	assert.NilError(t, err)
	assert.NilError(t, o.Run(context.Background()))

	assert.Equal(t, len(net.admittance), 0)
	assert.Assert(t, is.Nil(results.Series("Fault")))
	assert.Equal(t, o.FaultActive(), false)
}

func TestNewInvalid(t *testing.T) {
	calls := []string{}
	net := newFakeNetwork(&calls)
	wt := newFakeTurbine("WT1", 0, &calls)

	cases := map[string]func(*Config){
		"zero step":      func(c *Config) { c.TimeStep = 0 },
		"end at start":   func(c *Config) { c.EndTime = c.StartTime },
		"window order":   func(c *Config) { c.Fault.End = 3 },
		"duplicate":      func(c *Config) { c.Turbines = append(c.Turbines, TurbineConfig{Name: "WT1"}) },
		"unnamed":        func(c *Config) { c.Turbines[0].Name = "" },
		"negative fault": func(c *Config) { c.Fault.Admittance = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := runConfig()
			mutate(&cfg)
			_, err := New(cfg, net, []Turbine{wt}, nil)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	_, err := New(runConfig(), net, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg := runConfig()
	cfg.Fault.Bus = "B9"
	_, err = New(cfg, net, []Turbine{wt}, nil)
	assert.ErrorIs(t, err, network.ErrUnknownBus)
}

func TestDefaultFaultAdmittance(t *testing.T) {
	calls := []string{}
	net := newFakeNetwork(&calls)
	wt := newFakeTurbine("WT1", 0, &calls)

	cfg := runConfig()
	cfg.StartTime = 4.0
	cfg.EndTime = 4.01
	cfg.Fault.Admittance = 0
	o, err := New(cfg, net, []Turbine{wt}, nil)
	assert.NilError(t, err)
	assert.NilError(t, o.Run(context.Background()))

	assert.DeepEqual(t, net.admittance, []complex128{
		complex(network.DefaultFaultAdmittance, 0),
		complex(network.DefaultFaultAdmittance, 0),
	})
	assert.Assert(t, o.FaultActive())
}
