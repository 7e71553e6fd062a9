/*
modbusunit.go Mechanical unit hosted by an external solver that exposes its
variables as holding registers on a Modbus TCP slave. Each variable is an f64
at BaseAddress + 4*valueReference. Lifecycle calls are a command/counter/ack
handshake on the control block.
*/

package modbusunit

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/goburrow/modbus"
	"github.com/google/uuid"

	"github.com/ohowland/wtcosim/internal/pkg/mechanical"
)

// Lifecycle commands written to the command register
const (
	cmdInstantiate uint16 = iota + 1
	cmdSetupExperiment
	cmdEnterInitialization
	cmdExitInitialization
	cmdDoStep
	cmdTerminate
)

// Control block layout, offsets from ControlAddress
const (
	offsetTime    = 0
	offsetStep    = 4
	offsetCommand = 8
	offsetCounter = 9
	offsetAck     = 10
	offsetStatus  = 11
)

var (
	// ErrAckTimeout is returned when the slave does not acknowledge a command in time.
	ErrAckTimeout = errors.New("modbusunit: acknowledge timeout")

	// ErrSlaveStatus is returned when the slave reports a failed command.
	ErrSlaveStatus = errors.New("modbusunit: slave reported failure")
)

// Client is the subset of modbus.Client the unit needs
type Client interface {
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error)
}

// Transport owns the connection the client talks over
type Transport interface {
	Connect() error
	Close() error
}

// Config is the configuration format for a Modbus hosted unit
type Config struct {
	Name                 string                `json:"Name"`
	IPAddr               string                `json:"IPAddr"`
	Port                 string                `json:"Port"`
	SlaveID              byte                  `json:"SlaveID"`
	Timeout              int                   `json:"Timeout"`
	PollRate             int                   `json:"PollRate"`
	AckTimeout           int                   `json:"AckTimeout"`
	BaseAddress          uint16                `json:"BaseAddress"`
	ControlAddress       uint16                `json:"ControlAddress"`
	Endianness           Endian                `json:"Endianness"`
	ModelDescriptionPath string                `json:"ModelDescriptionPath"`
	Variables            []mechanical.Variable `json:"Variables"`
	EnableLogger         bool                  `json:"EnableLogger"`
}

// Unit implements mechanical.Unit over Modbus TCP.
type Unit struct {
	pid       uuid.UUID
	config    Config
	desc      mechanical.ModelDescription
	transport Transport
	client    Client
	counter   uint16
	connected bool
}

// New reads a unit record from configPath and prepares a TCP client for it.
func New(configPath string) (*Unit, error) {
	jsonConfig, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	cfg := Config{}
	if err := json.Unmarshal(jsonConfig, &cfg); err != nil {
		return nil, err
	}

	handler := modbus.NewTCPClientHandler(cfg.IPAddr + ":" + cfg.Port)
	handler.Timeout = time.Millisecond * time.Duration(cfg.Timeout)
	handler.SlaveId = cfg.SlaveID
	if cfg.EnableLogger {
		handler.Logger = log.New(os.Stdout, "modbus: ", log.LstdFlags)
	}
	return NewWithClient(cfg, handler, modbus.NewClient(handler))
}

// NewWithClient builds a unit over an existing transport and client.
func NewWithClient(cfg Config, transport Transport, client Client) (*Unit, error) {
	if cfg.PollRate <= 0 {
		cfg.PollRate = 5
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 5000
	}

	desc := mechanical.ModelDescription{
		FMIVersion: "2.0",
		ModelName:  cfg.Name,
		Variables:  cfg.Variables,
	}
	if cfg.ModelDescriptionPath != "" {
		loaded, err := mechanical.LoadModelDescription(cfg.ModelDescriptionPath)
		if err != nil {
			return nil, err
		}
		desc = loaded
	}
	if len(desc.Variables) == 0 {
		return nil, fmt.Errorf("modbusunit: %v has no variables", cfg.Name)
	}

	pid, err := uuid.NewUUID()
	if err != nil {
		return nil, err
	}
	return &Unit{
		pid:       pid,
		config:    cfg,
		desc:      desc,
		transport: transport,
		client:    client,
	}, nil
}

// PID is an accessor for the process id
func (u Unit) PID() uuid.UUID {
	return u.pid
}

// ModelDescription lists the variables hosted by the slave.
func (u Unit) ModelDescription() mechanical.ModelDescription {
	return u.desc
}

// Instantiate opens the connection and creates the remote instance.
func (u *Unit) Instantiate(instanceName string) error {
	if err := u.transport.Connect(); err != nil {
		return err
	}
	u.connected = true
	log.Printf("[ModbusUnit] %v connected to %v:%v\n", instanceName, u.config.IPAddr, u.config.Port)
	return u.command(cmdInstantiate)
}

// SetupExperiment writes the start time and sets up the remote experiment.
func (u *Unit) SetupExperiment(startTime float64) error {
	if err := u.write(u.control(offsetTime), startTime); err != nil {
		return err
	}
	return u.command(cmdSetupExperiment)
}

// EnterInitializationMode forwards the call to the slave.
func (u *Unit) EnterInitializationMode() error {
	return u.command(cmdEnterInitialization)
}

// ExitInitializationMode forwards the call to the slave.
func (u *Unit) ExitInitializationMode() error {
	return u.command(cmdExitInitialization)
}

// SetReal writes variables to their registers.
func (u *Unit) SetReal(vrs []mechanical.ValueReference, values []float64) error {
	if len(vrs) != len(values) {
		return fmt.Errorf("modbusunit: %v references, %v values", len(vrs), len(values))
	}
	for i, vr := range vrs {
		if err := u.write(u.variable(vr), values[i]); err != nil {
			return err
		}
	}
	return nil
}

// GetReal reads variables from their registers.
func (u *Unit) GetReal(vrs []mechanical.ValueReference) ([]float64, error) {
	out := make([]float64, len(vrs))
	for i, vr := range vrs {
		val, err := u.read(u.variable(vr))
		if err != nil {
			return nil, err
		}
		out[i] = val
	}
	return out, nil
}

// DoStep writes the communication point and step size, then runs the step handshake.
func (u *Unit) DoStep(currentTime, stepSize float64) error {
	if err := u.write(u.control(offsetTime), currentTime); err != nil {
		return err
	}
	if err := u.write(u.control(offsetStep), stepSize); err != nil {
		return err
	}
	return u.command(cmdDoStep)
}

// Terminate ends the remote simulation.
func (u *Unit) Terminate() error {
	return u.command(cmdTerminate)
}

// FreeInstance closes the connection.
func (u *Unit) FreeInstance() {
	if !u.connected {
		return
	}
	u.connected = false
	if err := u.transport.Close(); err != nil {
		log.Printf("[ModbusUnit] close: %v\n", err)
	}
}

// command runs one command/counter/ack exchange and checks the slave status.
func (u *Unit) command(cmd uint16) error {
	if !u.connected {
		return mechanical.ErrNotInitialized
	}
	u.counter++
	if err := u.write(u.controlU16(offsetCommand), float64(cmd)); err != nil {
		return err
	}
	if err := u.write(u.controlU16(offsetCounter), float64(u.counter)); err != nil {
		return err
	}

	deadline := time.Now().Add(time.Duration(u.config.AckTimeout) * time.Millisecond)
	for {
		ack, err := u.read(u.controlU16(offsetAck))
		if err != nil {
			return err
		}
		if uint16(ack) == u.counter {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("command %v, counter %v: %w", cmd, u.counter, ErrAckTimeout)
		}
		time.Sleep(time.Duration(u.config.PollRate) * time.Millisecond)
	}

	status, err := u.read(u.controlU16(offsetStatus))
	if err != nil {
		return err
	}
	if status != 0 {
		return fmt.Errorf("command %v, status %v: %w", cmd, status, ErrSlaveStatus)
	}
	return nil
}

func (u Unit) variable(vr mechanical.ValueReference) Register {
	return Register{
		Address:    u.config.BaseAddress + 4*uint16(vr),
		DataType:   F64,
		Endianness: u.config.Endianness,
	}
}

func (u Unit) control(offset uint16) Register {
	return Register{
		Address:    u.config.ControlAddress + offset,
		DataType:   F64,
		Endianness: u.config.Endianness,
	}
}

func (u Unit) controlU16(offset uint16) Register {
	return Register{
		Address:    u.config.ControlAddress + offset,
		DataType:   U16,
		Endianness: u.config.Endianness,
	}
}

func (u Unit) write(r Register, val float64) error {
	if _, err := u.client.WriteMultipleRegisters(r.Address, r.size(), r.encode(val)); err != nil {
		return fmt.Errorf("write register %v: %w", r.Address, err)
	}
	return nil
}

func (u Unit) read(r Register) (float64, error) {
	resp, err := u.client.ReadHoldingRegisters(r.Address, r.size())
	if err != nil {
		return 0, fmt.Errorf("read register %v: %w", r.Address, err)
	}
	return r.decode(resp), nil
}
