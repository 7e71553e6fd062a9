/*
windturbine.go A wind turbine couples one PMSM electrical model with the proxy
of its mechanical unit and the grid-side converter it feeds in the network.
*/

package windturbine

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/ohowland/wtcosim/internal/pkg/mechanical"
	"github.com/ohowland/wtcosim/internal/pkg/pmsm"
)

// Turbine is one generator with its drivetrain.
type Turbine struct {
	pid     uuid.UUID
	name    string
	device  int
	machine *pmsm.Machine
	proxy   *mechanical.Proxy
}

// New returns a turbine named name feeding network device index device.
func New(name string, device int, machine *pmsm.Machine, proxy *mechanical.Proxy) (*Turbine, error) {
	pid, err := uuid.NewUUID()
	if err != nil {
		return nil, err
	}
	return &Turbine{
		pid:     pid,
		name:    name,
		device:  device,
		machine: machine,
		proxy:   proxy,
	}, nil
}

// PID is an accessor for the process id
func (wt Turbine) PID() uuid.UUID {
	return wt.pid
}

// Name is an accessor for the turbine name
func (wt Turbine) Name() string {
	return wt.name
}

// Device is the network index of the grid-side converter
func (wt Turbine) Device() int {
	return wt.device
}

// Machine is an accessor for the electrical model
func (wt Turbine) Machine() *pmsm.Machine {
	return wt.machine
}

// Proxy is an accessor for the mechanical unit proxy
func (wt Turbine) Proxy() *mechanical.Proxy {
	return wt.proxy
}

// StepMechanical writes the generator outputs into the mechanical unit and
// advances it from t by dt.
func (wt *Turbine) StepMechanical(t, dt float64) error {
	out := mechanical.Outputs{
		TorqueNm: wt.machine.TorqueNm(),
		PowerW:   wt.machine.PowerW(),
	}
	if err := wt.proxy.Step(t, dt, out); err != nil {
		return fmt.Errorf("%v mechanical: %w", wt.name, err)
	}
	return nil
}

// StepElectrical advances the PMSM by dt with the speed and reference now
// published by the mechanical unit.
func (wt *Turbine) StepElectrical(dt float64) error {
	if err := wt.machine.Step(wt.proxy, dt); err != nil {
		return fmt.Errorf("%v electrical: %w", wt.name, err)
	}
	return nil
}

// PowerW is the generator active power delivered to the converter
func (wt Turbine) PowerW() float64 {
	return wt.machine.PowerW()
}

// Signals returns the recorded machine, converter and mechanical signals keyed
// "<name>_<signal>".
func (wt Turbine) Signals() (map[string]float64, error) {
	s := wt.machine.Status()
	torqueRated := wt.machine.Config().RatedTorque
	prefix := wt.name + "_"

	signals := map[string]float64{
		prefix + "PMSM T_e":     s.TorqueNm,
		prefix + "PMSM t_e":     s.TE,
		prefix + "PMSM T_e_ref": s.TorqueRef * torqueRated,
		prefix + "PMSM t_e_ref": s.TorqueRef,
		prefix + "PMSM speed":   s.Speed,
		prefix + "PMSM SPEED":   s.Speed * wt.machine.Config().Wn,
		prefix + "PMSM p_e":     s.PE,
		prefix + "PMSM P_e":     s.PowerW,
		prefix + "PMSM q_e":     s.QE,
		prefix + "PMSM Q_e":     s.VArs,
		prefix + "PMSM i_d":     s.ID,
		prefix + "PMSM i_q":     s.IQ,
		prefix + "PMSM i_d_ref": s.IDRef,
		prefix + "PMSM i_q_ref": s.IQRef,
		prefix + "PMSM v_d":     s.VD,
		prefix + "PMSM v_q":     s.VQ,
		prefix + "PMSM v_dII":   s.VDII,
		prefix + "PMSM v_qII":   s.VQII,
		prefix + "MSC_v_d":      s.VD,
		prefix + "MSC_v_q":      s.VQ,
		prefix + "MSC_v_d_ctrl": s.VDCtrl,
		prefix + "MSC_v_q_ctrl": s.VQCtrl,
	}

	mech, err := wt.proxy.Signals()
	if err != nil {
		return signals, fmt.Errorf("%v signals: %w", wt.name, err)
	}
	for k, v := range mech {
		signals[prefix+k] = v
	}
	return signals, nil
}

// Terminate releases the mechanical unit.
func (wt *Turbine) Terminate() error {
	return wt.proxy.Terminate()
}
