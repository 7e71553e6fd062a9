package cosim

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"

	"github.com/ohowland/wtcosim/internal/lib/mechanical/modbusunit"
	"github.com/ohowland/wtcosim/internal/lib/mechanical/virtualdrivetrain"
	"github.com/ohowland/wtcosim/internal/lib/network/virtualnetwork"
	"github.com/ohowland/wtcosim/internal/pkg/datastreams/mongodb"
	"github.com/ohowland/wtcosim/internal/pkg/datastreams/mqtt"
	"github.com/ohowland/wtcosim/internal/pkg/datastreams/natshandler"
	"github.com/ohowland/wtcosim/internal/pkg/datastreams/sqldb"
	"github.com/ohowland/wtcosim/internal/pkg/mechanical"
	"github.com/ohowland/wtcosim/internal/pkg/pmsm"
	"github.com/ohowland/wtcosim/internal/pkg/recorder"
	"github.com/ohowland/wtcosim/internal/pkg/windturbine"
)

// Mechanical unit kinds
const (
	VirtualKind = "virtual"
	ModbusKind  = "modbus"
)

// Config is the run record
type Config struct {
	Name          string          `json:"Name"`
	StartTime     float64         `json:"StartTime"`
	TimeStep      float64         `json:"TimeStep"`
	EndTime       float64         `json:"EndTime"`
	NetworkConfig string          `json:"NetworkConfig"`
	Fault         *FaultConfig    `json:"Fault"`
	Turbines      []TurbineConfig `json:"Turbines"`
	Recorders     RecorderConfig  `json:"Recorders"`
}

// FaultConfig is a shunt fault on a named bus, admittance in pu
type FaultConfig struct {
	Bus        string  `json:"Bus"`
	Start      float64 `json:"Start"`
	End        float64 `json:"End"`
	Admittance float64 `json:"Admittance"`
}

// TurbineConfig names a turbine, its converter device and its two models.
// Device defaults to Name.
type TurbineConfig struct {
	Name       string            `json:"Name"`
	Device     string            `json:"Device"`
	Machine    pmsm.Config       `json:"Machine"`
	Mechanical mechanical.Config `json:"Mechanical"`
}

// UnmarshalJSON starts the machine record from the default parameters so a
// turbine entry only lists what it changes.
func (c *TurbineConfig) UnmarshalJSON(data []byte) error {
	type plain TurbineConfig
	p := plain{Machine: pmsm.DefaultConfig()}
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*c = TurbineConfig(p)
	return nil
}

// RecorderConfig points at the optional sink records. Empty paths are skipped.
type RecorderConfig struct {
	NATS  string `json:"NATS"`
	MQTT  string `json:"MQTT"`
	Mongo string `json:"Mongo"`
	SQL   string `json:"SQL"`
}

// ReadConfig reads and validates the run record at path.
func ReadConfig(path string) (Config, error) {
	jsonConfig, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{}
	if err := json.Unmarshal(jsonConfig, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Validate checks the time grid, the fault window and the turbines. A turbine
// normalizing its reference as power must name a power channel, since the
// default reference channel carries a torque in Nm.
func (c Config) Validate() error {
	if !(c.TimeStep > 0) {
		return fmt.Errorf("TimeStep %v: %w", c.TimeStep, ErrInvalidConfig)
	}
	if !(c.EndTime > c.StartTime) {
		return fmt.Errorf("EndTime %v before StartTime %v: %w", c.EndTime, c.StartTime, ErrInvalidConfig)
	}
	if c.Fault != nil {
		if c.Fault.End < c.Fault.Start {
			return fmt.Errorf("fault window [%v, %v]: %w", c.Fault.Start, c.Fault.End, ErrInvalidConfig)
		}
		if c.Fault.Admittance < 0 {
			return fmt.Errorf("fault admittance %v: %w", c.Fault.Admittance, ErrInvalidConfig)
		}
	}
	names := make(map[string]bool, len(c.Turbines))
	for _, tc := range c.Turbines {
		if tc.Name == "" {
			return fmt.Errorf("unnamed turbine: %w", ErrInvalidConfig)
		}
		if names[tc.Name] {
			return fmt.Errorf("duplicate turbine %q: %w", tc.Name, ErrInvalidConfig)
		}
		names[tc.Name] = true
		if tc.Machine.ReferenceMode == pmsm.PowerReference {
			sig := tc.Mechanical.ReferenceSignal
			if sig == "" || sig == mechanical.DefaultReferenceSignal {
				return fmt.Errorf("turbine %q: Power reference mode needs a power ReferenceSignal, not %q: %w",
					tc.Name, mechanical.DefaultReferenceSignal, ErrInvalidConfig)
			}
		}
	}
	return nil
}

// Build assembles a run from cfg: the network, one turbine per entry and the
// recorders. The returned Results hold every sample of the run in memory.
func Build(cfg Config) (*Orchestrator, *recorder.Results, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	net, err := virtualnetwork.New(cfg.NetworkConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("network: %w", err)
	}

	turbines := make([]Turbine, 0, len(cfg.Turbines))
	release := func() {
		for _, wt := range turbines {
			if err := wt.Terminate(); err != nil {
				log.Printf("[Cosim] terminate %v: %v\n", wt.Name(), err)
			}
		}
	}
	for _, tc := range cfg.Turbines {
		wt, err := buildTurbine(cfg, tc, net)
		if err != nil {
			release()
			return nil, nil, fmt.Errorf("turbine %v: %w", tc.Name, err)
		}
		turbines = append(turbines, wt)
	}

	pid, err := uuid.NewUUID()
	if err != nil {
		release()
		return nil, nil, err
	}
	results := recorder.NewResults()
	rec, err := buildRecorders(cfg.Recorders, results, pid)
	if err != nil {
		release()
		return nil, nil, err
	}

	o, err := NewWithPID(pid, cfg, net, turbines, rec)
	if err != nil {
		release()
		return nil, nil, errors.Join(err, rec.Close())
	}
	return o, results, nil
}

func buildTurbine(cfg Config, tc TurbineConfig, net *virtualnetwork.Network) (*windturbine.Turbine, error) {
	device := tc.Device
	if device == "" {
		device = tc.Name
	}
	di, err := net.DeviceIndex(device)
	if err != nil {
		return nil, err
	}
	machine, err := pmsm.New(tc.Machine)
	if err != nil {
		return nil, err
	}
	unit, desc, err := buildUnit(tc.Mechanical)
	if err != nil {
		return nil, err
	}
	mc := tc.Mechanical
	mc.StartTime = cfg.StartTime
	proxy, err := mechanical.New(mc, desc, unit)
	if err != nil {
		return nil, err
	}
	return windturbine.New(tc.Name, di, machine, proxy)
}

// describedUnit is a unit that carries its own model description
type describedUnit interface {
	mechanical.Unit
	mechanical.Describer
}

func buildUnit(mc mechanical.Config) (mechanical.Unit, mechanical.ModelDescription, error) {
	var unit describedUnit
	var err error
	switch mc.Kind {
	case VirtualKind, "":
		if mc.Source == "" {
			unit, err = virtualdrivetrain.NewFromConfig(virtualdrivetrain.DefaultConfig())
		} else {
			unit, err = virtualdrivetrain.New(mc.Source)
		}
	case ModbusKind:
		unit, err = modbusunit.New(mc.Source)
	default:
		return nil, mechanical.ModelDescription{}, fmt.Errorf("mechanical kind %q: %w", mc.Kind, ErrInvalidConfig)
	}
	if err != nil {
		return nil, mechanical.ModelDescription{}, err
	}
	return unit, unit.ModelDescription(), nil
}

// sinkOpeners open a recorder sink from its record path on behalf of a run.
var sinkOpeners = map[string]func(string, uuid.UUID) (recorder.Recorder, error){
	"nats":  func(p string, pid uuid.UUID) (recorder.Recorder, error) { return natshandler.New(p, pid) },
	"mqtt":  func(p string, pid uuid.UUID) (recorder.Recorder, error) { return mqtt.New(p, pid) },
	"mongo": func(p string, pid uuid.UUID) (recorder.Recorder, error) { return mongodb.New(p, pid) },
	"sql":   func(p string, pid uuid.UUID) (recorder.Recorder, error) { return sqldb.New(p, pid) },
}

func buildRecorders(rc RecorderConfig, results *recorder.Results, pid uuid.UUID) (recorder.Multi, error) {
	rec := recorder.Multi{results}
	sinks := []struct {
		name string
		path string
	}{
		{"nats", rc.NATS},
		{"mqtt", rc.MQTT},
		{"mongo", rc.Mongo},
		{"sql", rc.SQL},
	}

	for _, sink := range sinks {
		if sink.path == "" {
			continue
		}
		r, err := sinkOpeners[sink.name](sink.path, pid)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("%v recorder: %w", sink.name, err), rec.Close())
		}
		log.Printf("[Cosim] recording to %v (%v)\n", sink.name, sink.path)
		rec = append(rec, r)
	}
	return rec, nil
}
