/*
virtualnetwork.go Reduced admittance network with Thevenin grid sources,
constant impedance loads and grid-side converters. Converter power states are
integrated with a modified Euler DAE scheme; bus voltages solve the algebraic
network equations after every state update.
*/

package virtualnetwork

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"math/cmplx"
	"os"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"

	"github.com/ohowland/wtcosim/internal/pkg/network"
)

var (
	// ErrInvalidConfig is returned for an inconsistent network record.
	ErrInvalidConfig = errors.New("virtualnetwork: invalid config")

	// ErrNotInitialized is returned when the network is stepped before Init.
	ErrNotInitialized = errors.New("virtualnetwork: not initialized")

	// ErrNotConverged is returned when the algebraic solve does not converge.
	ErrNotConverged = errors.New("virtualnetwork: algebraic solve did not converge")
)

// Config is the network record. Impedances are per unit on BaseMVA.
type Config struct {
	Name          string            `json:"Name"`
	BaseMVA       float64           `json:"BaseMVA"`
	Buses         []string          `json:"Buses"`
	Lines         []LineConfig      `json:"Lines"`
	Sources       []SourceConfig    `json:"Sources"`
	Loads         []LoadConfig      `json:"Loads"`
	Converters    []ConverterConfig `json:"Converters"`
	Tolerance     float64           `json:"Tolerance"`
	MaxIterations int               `json:"MaxIterations"`
}

// LineConfig is a pi-equivalent branch
type LineConfig struct {
	From string  `json:"From"`
	To   string  `json:"To"`
	R    float64 `json:"R"`
	X    float64 `json:"X"`
	B    float64 `json:"B"`
}

// SourceConfig is a voltage source behind a reactance
type SourceConfig struct {
	Name  string  `json:"Name"`
	Bus   string  `json:"Bus"`
	E     float64 `json:"E"`
	Angle float64 `json:"Angle"`
	X     float64 `json:"X"`
}

// LoadConfig is a constant impedance load, P and Q at 1 pu voltage
type LoadConfig struct {
	Name string  `json:"Name"`
	Bus  string  `json:"Bus"`
	P    float64 `json:"P"`
	Q    float64 `json:"Q"`
}

// ConverterConfig is a grid-side converter. Power references are per unit on Sn (MVA).
type ConverterConfig struct {
	Name     string  `json:"Name"`
	Bus      string  `json:"Bus"`
	Sn       float64 `json:"Sn"`
	PRefGrid float64 `json:"PRefGrid"`
	QRefGrid float64 `json:"QRefGrid"`
	KQ       float64 `json:"KQ"`
	TP       float64 `json:"TP"`
	TQ       float64 `json:"TQ"`
	IMax     float64 `json:"IMax"`
}

// converter is the dynamic state of a grid-side converter
type converter struct {
	name     string
	bus      int
	sn       float64
	pRefGrid float64
	pRefGen  float64
	qRefGrid float64
	kQ       float64
	tP       float64
	tQ       float64
	iMax     float64
	p        float64
	q        float64
	iInj     complex128
}

// Network implements network.Network.
type Network struct {
	pid         uuid.UUID
	config      Config
	n           int
	buses       map[string]int
	devices     map[string]int
	y           *mat.CDense
	yMod        *mat.CDense
	iSource     []complex128
	converters  []converter
	v           []complex128
	lu          mat.LU
	luValid     bool
	t           float64
	initialized bool
}

// New reads a network record from configPath.
func New(configPath string) (*Network, error) {
	jsonConfig, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	cfg := Config{}
	if err := json.Unmarshal(jsonConfig, &cfg); err != nil {
		return nil, err
	}
	return NewFromConfig(cfg)
}

// NewFromConfig builds the admittance matrices of cfg.
func NewFromConfig(cfg Config) (*Network, error) {
	if cfg.BaseMVA == 0 {
		cfg.BaseMVA = 100
	}
	if cfg.Tolerance == 0 {
		cfg.Tolerance = 1e-10
	}
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = 50
	}
	if len(cfg.Buses) == 0 {
		return nil, fmt.Errorf("no buses: %w", ErrInvalidConfig)
	}
	if len(cfg.Sources) == 0 {
		return nil, fmt.Errorf("no grid source: %w", ErrInvalidConfig)
	}

	n := len(cfg.Buses)
	buses := make(map[string]int, n)
	for i, name := range cfg.Buses {
		if _, ok := buses[name]; ok {
			return nil, fmt.Errorf("duplicate bus %q: %w", name, ErrInvalidConfig)
		}
		buses[name] = i
	}
	lookup := func(name string) (int, error) {
		i, ok := buses[name]
		if !ok {
			return 0, fmt.Errorf("%q: %w", name, network.ErrUnknownBus)
		}
		return i, nil
	}

	y := mat.NewCDense(n, n, nil)
	add := func(i, j int, v complex128) {
		y.Set(i, j, y.At(i, j)+v)
	}

	for _, l := range cfg.Lines {
		from, err := lookup(l.From)
		if err != nil {
			return nil, err
		}
		to, err := lookup(l.To)
		if err != nil {
			return nil, err
		}
		if l.R == 0 && l.X == 0 {
			return nil, fmt.Errorf("line %v-%v has zero impedance: %w", l.From, l.To, ErrInvalidConfig)
		}
		ySeries := 1 / complex(l.R, l.X)
		yShunt := complex(0, l.B/2)
		add(from, from, ySeries+yShunt)
		add(to, to, ySeries+yShunt)
		add(from, to, -ySeries)
		add(to, from, -ySeries)
	}

	iSource := make([]complex128, n)
	for _, s := range cfg.Sources {
		bus, err := lookup(s.Bus)
		if err != nil {
			return nil, err
		}
		if !(s.X > 0) {
			return nil, fmt.Errorf("source %v reactance must be positive: %w", s.Name, ErrInvalidConfig)
		}
		ySource := 1 / complex(0, s.X)
		add(bus, bus, ySource)
		iSource[bus] += cmplx.Rect(s.E, s.Angle*math.Pi/180) * ySource
	}

	for _, l := range cfg.Loads {
		bus, err := lookup(l.Bus)
		if err != nil {
			return nil, err
		}
		add(bus, bus, complex(l.P, -l.Q))
	}

	devices := make(map[string]int, len(cfg.Converters))
	converters := make([]converter, len(cfg.Converters))
	for i, c := range cfg.Converters {
		bus, err := lookup(c.Bus)
		if err != nil {
			return nil, err
		}
		if !(c.Sn > 0) || !(c.TP > 0) || !(c.TQ > 0) || !(c.IMax > 0) {
			return nil, fmt.Errorf("converter %v needs positive Sn, TP, TQ and IMax: %w", c.Name, ErrInvalidConfig)
		}
		if _, ok := devices[c.Name]; ok {
			return nil, fmt.Errorf("duplicate converter %q: %w", c.Name, ErrInvalidConfig)
		}
		devices[c.Name] = i
		converters[i] = converter{
			name:     c.Name,
			bus:      bus,
			sn:       c.Sn / cfg.BaseMVA,
			pRefGrid: c.PRefGrid,
			qRefGrid: c.QRefGrid,
			kQ:       c.KQ,
			tP:       c.TP,
			tQ:       c.TQ,
			iMax:     c.IMax,
		}
	}

	pid, err := uuid.NewUUID()
	if err != nil {
		return nil, err
	}

	v := make([]complex128, n)
	for i := range v {
		v[i] = 1
	}

	return &Network{
		pid:        pid,
		config:     cfg,
		n:          n,
		buses:      buses,
		devices:    devices,
		y:          y,
		yMod:       mat.NewCDense(n, n, nil),
		iSource:    iSource,
		converters: converters,
		v:          v,
	}, nil
}

// PID is an accessor for the process id
func (nw Network) PID() uuid.UUID {
	return nw.pid
}

// Name is an accessor for the configured name
func (nw Network) Name() string {
	return nw.config.Name
}

// Time returns the time of the last solved state.
func (nw Network) Time() float64 {
	return nw.t
}

// Init places every converter at its reference and solves the initial voltages.
func (nw *Network) Init(t0 float64) error {
	for i := range nw.converters {
		c := &nw.converters[i]
		c.p = c.pRef()
		c.q = c.qRefGrid
	}
	nw.t = t0
	if err := nw.solve(); err != nil {
		return err
	}
	nw.initialized = true
	log.Printf("[VirtualNetwork] %v initialized at t=%v: %v buses, %v converters\n",
		nw.config.Name, t0, nw.n, len(nw.converters))
	return nil
}

// Step advances the network from t to t+dt.
func (nw *Network) Step(t, dt float64) error {
	if !nw.initialized {
		return ErrNotInitialized
	}

	// algebraic state at t under the current fault admittance
	if err := nw.solve(); err != nil {
		return fmt.Errorf("t=%v: %w", t, err)
	}

	x0 := nw.states()
	k1 := nw.derivatives()
	nw.setStates(axpy(x0, dt, k1))
	if err := nw.solve(); err != nil {
		return fmt.Errorf("t=%v predictor: %w", t, err)
	}

	k2 := nw.derivatives()
	x := make([]float64, len(x0))
	for i := range x0 {
		x[i] = x0[i] + dt/2*(k1[i]+k2[i])
	}
	nw.setStates(x)
	if err := nw.solve(); err != nil {
		return fmt.Errorf("t=%v corrector: %w", t, err)
	}
	nw.t = t + dt
	return nil
}

// BusIndex resolves a bus name.
func (nw Network) BusIndex(name string) (int, error) {
	i, ok := nw.buses[name]
	if !ok {
		return 0, fmt.Errorf("%q: %w", name, network.ErrUnknownBus)
	}
	return i, nil
}

// DeviceIndex resolves a converter name.
func (nw Network) DeviceIndex(name string) (int, error) {
	i, ok := nw.devices[name]
	if !ok {
		return 0, fmt.Errorf("%q: %w", name, network.ErrUnknownDevice)
	}
	return i, nil
}

// FaultAdmittance returns the modification admittance on the bus diagonal.
func (nw Network) FaultAdmittance(bus int) complex128 {
	return nw.yMod.At(bus, bus)
}

// SetFaultAdmittance writes the modification admittance on the bus diagonal.
func (nw *Network) SetFaultAdmittance(bus int, y complex128) {
	if nw.yMod.At(bus, bus) == y {
		return
	}
	nw.yMod.Set(bus, bus, y)
	nw.luValid = false
}

// SetPowerReference sets the generator share of the converter active power reference.
func (nw *Network) SetPowerReference(device int, watts float64) {
	c := &nw.converters[device]
	c.pRefGen = watts / (c.sn * nw.config.BaseMVA * 1e6)
}

// PowerReference returns the total active power reference of a converter (pu on Sn).
func (nw Network) PowerReference(device int) float64 {
	return nw.converters[device].pRef()
}

// Device returns the terminal observables of a converter.
func (nw Network) Device(device int) network.DeviceObservables {
	c := nw.converters[device]
	s := nw.v[c.bus] * cmplx.Conj(c.iInj) / complex(c.sn, 0)
	return network.DeviceObservables{
		P:    real(s),
		Q:    imag(s),
		IInj: c.iInj,
	}
}

// BusVoltage returns the solved bus voltage phasor.
func (nw Network) BusVoltage(bus int) complex128 {
	return nw.v[bus]
}

func (c converter) pRef() float64 {
	return c.pRefGrid + c.pRefGen
}

// injection is the current-limited converter current for bus voltage v
func (c converter) injection(v complex128) complex128 {
	if v == 0 {
		return 0
	}
	i := cmplx.Conj(complex(c.p, c.q) * complex(c.sn, 0) / v)
	limit := c.iMax * c.sn
	if mag := cmplx.Abs(i); mag > limit {
		i *= complex(limit/mag, 0)
	}
	return i
}

func (nw Network) states() []float64 {
	x := make([]float64, 0, 2*len(nw.converters))
	for _, c := range nw.converters {
		x = append(x, c.p, c.q)
	}
	return x
}

func (nw *Network) setStates(x []float64) {
	for i := range nw.converters {
		nw.converters[i].p = x[2*i]
		nw.converters[i].q = x[2*i+1]
	}
}

func (nw Network) derivatives() []float64 {
	dx := make([]float64, 0, 2*len(nw.converters))
	for _, c := range nw.converters {
		qRef := c.qRefGrid + c.kQ*(1-cmplx.Abs(nw.v[c.bus]))
		dx = append(dx, (c.pRef()-c.p)/c.tP, (qRef-c.q)/c.tQ)
	}
	return dx
}

// solve iterates (Y + YMod) V = I_source + I_conv(V) to a fixed point.
func (nw *Network) solve() error {
	if !nw.luValid {
		nw.lu.Factorize(nw.realSystem())
		nw.luValid = true
	}

	n := nw.n
	rhs := mat.NewVecDense(2*n, nil)
	sol := mat.NewVecDense(2*n, nil)
	for it := 0; it < nw.config.MaxIterations; it++ {
		current := make([]complex128, n)
		copy(current, nw.iSource)
		for i := range nw.converters {
			c := &nw.converters[i]
			c.iInj = c.injection(nw.v[c.bus])
			current[c.bus] += c.iInj
		}
		for i, c := range current {
			rhs.SetVec(i, real(c))
			rhs.SetVec(n+i, imag(c))
		}
		if err := nw.lu.SolveVecTo(sol, false, rhs); err != nil {
			return err
		}

		delta := 0.0
		for i := range nw.v {
			next := complex(sol.AtVec(i), sol.AtVec(n+i))
			delta = math.Max(delta, cmplx.Abs(next-nw.v[i]))
			nw.v[i] = next
		}
		if delta < nw.config.Tolerance {
			return nil
		}
	}
	return ErrNotConverged
}

// realSystem expands Y + YMod into the real block matrix [G -B; B G].
func (nw Network) realSystem() *mat.Dense {
	n := nw.n
	a := mat.NewDense(2*n, 2*n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			y := nw.y.At(i, j) + nw.yMod.At(i, j)
			a.Set(i, j, real(y))
			a.Set(i, n+j, -imag(y))
			a.Set(n+i, j, imag(y))
			a.Set(n+i, n+j, real(y))
		}
	}
	return a
}

func axpy(x []float64, a float64, dx []float64) []float64 {
	out := make([]float64, len(x))
	for i := range x {
		out[i] = x[i] + a*dx[i]
	}
	return out
}
