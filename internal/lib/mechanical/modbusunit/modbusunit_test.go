package modbusunit

import (
	"encoding/binary"
	"math"
	"testing"

	"gotest.tools/v3/assert"
	"gotest.tools/v3/fs"

	"github.com/ohowland/wtcosim/internal/pkg/mechanical"
)

const controlAddress = 1000

// fakeSlave is a big-endian holding register bank that acknowledges every
// counter write and records the commands it received.
type fakeSlave struct {
	mem       [2 * 2048]byte
	commands  []uint16
	failOn    uint16
	silent    bool
	connected bool
	closed    bool
}

func (s *fakeSlave) Connect() error {
	s.connected = true
	return nil
}

func (s *fakeSlave) Close() error {
	s.closed = true
	return nil
}

func (s *fakeSlave) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	out := make([]byte, 2*quantity)
	copy(out, s.mem[2*address:2*(address+quantity)])
	return out, nil
}

func (s *fakeSlave) WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error) {
	copy(s.mem[2*address:2*(address+quantity)], value)
	if address == controlAddress+offsetCounter && !s.silent {
		cmd := s.u16(controlAddress + offsetCommand)
		s.commands = append(s.commands, cmd)
		if cmd == s.failOn {
			s.putU16(controlAddress+offsetStatus, 1)
		}
		s.putU16(controlAddress+offsetAck, s.u16(address))
	}
	return nil, nil
}

func (s *fakeSlave) u16(address uint16) uint16 {
	return binary.BigEndian.Uint16(s.mem[2*address:])
}

func (s *fakeSlave) putU16(address, v uint16) {
	binary.BigEndian.PutUint16(s.mem[2*address:], v)
}

func (s *fakeSlave) f64(address uint16) float64 {
	return math.Float64frombits(binary.BigEndian.Uint64(s.mem[2*address:]))
}

func (s *fakeSlave) putF64(address uint16, v float64) {
	binary.BigEndian.PutUint64(s.mem[2*address:], math.Float64bits(v))
}

func testConfig() Config {
	return Config{
		Name:           "RemoteDrivetrain",
		ControlAddress: controlAddress,
		BaseAddress:    0,
		PollRate:       1,
		AckTimeout:     20,
		Variables: []mechanical.Variable{
			{Name: "Mode", ValueReference: 0},
			{Name: "GenSpdOrTrq", ValueReference: 2},
			{Name: "RotSpeed", ValueReference: 5},
		},
	}
}

func newUnit(t *testing.T, slave *fakeSlave) *Unit {
	u, err := NewWithClient(testConfig(), slave, slave)
	assert.NilError(t, err)
	return u
}

func TestLifecycleHandshake(t *testing.T) {
	slave := &fakeSlave{}
	u := newUnit(t, slave)

	assert.NilError(t, u.Instantiate("instance1"))
	assert.Assert(t, slave.connected)
	assert.NilError(t, u.SetupExperiment(2.5))
	assert.Equal(t, slave.f64(controlAddress+offsetTime), 2.5)
	assert.NilError(t, u.EnterInitializationMode())
	assert.NilError(t, u.ExitInitializationMode())
	assert.NilError(t, u.DoStep(2.5, 5e-3))
	assert.Equal(t, slave.f64(controlAddress+offsetStep), 5e-3)
	assert.NilError(t, u.Terminate())
	u.FreeInstance()
	u.FreeInstance()

	assert.DeepEqual(t, slave.commands, []uint16{
		cmdInstantiate,
		cmdSetupExperiment,
		cmdEnterInitialization,
		cmdExitInitialization,
		cmdDoStep,
		cmdTerminate,
	})
	assert.Assert(t, slave.closed)
}

func TestVariableRegisters(t *testing.T) {
	slave := &fakeSlave{}
	u := newUnit(t, slave)
	assert.NilError(t, u.Instantiate("instance1"))

	assert.NilError(t, u.SetReal([]mechanical.ValueReference{2}, []float64{1.25e4}))
	assert.Equal(t, slave.f64(8), 1.25e4)

	slave.putF64(20, 248.8)
	values, err := u.GetReal([]mechanical.ValueReference{5, 2})
	assert.NilError(t, err)
	assert.DeepEqual(t, values, []float64{248.8, 1.25e4})
}

func TestSlaveFailureStatus(t *testing.T) {
	slave := &fakeSlave{failOn: cmdDoStep}
	u := newUnit(t, slave)
	assert.NilError(t, u.Instantiate("instance1"))

	err := u.DoStep(0, 5e-3)
	assert.ErrorIs(t, err, ErrSlaveStatus)
}

func TestAckTimeout(t *testing.T) {
	slave := &fakeSlave{silent: true}
	u := newUnit(t, slave)

	err := u.Instantiate("instance1")
	assert.ErrorIs(t, err, ErrAckTimeout)
}

func TestCommandBeforeConnect(t *testing.T) {
	u := newUnit(t, &fakeSlave{})
	assert.ErrorIs(t, u.DoStep(0, 5e-3), mechanical.ErrNotInitialized)
}

func TestProxyOverModbus(t *testing.T) {
	slave := &fakeSlave{}
	u := newUnit(t, slave)

	cfg := mechanical.Config{
		ReferenceSignal:    "RotSpeed",
		TorqueOutputSignal: "GenSpdOrTrq",
		PowerOutputSignal:  "GenSpdOrTrq",
		CommandSignal:      "GenSpdOrTrq",
	}
	p, err := mechanical.New(cfg, u.ModelDescription(), u)
	assert.NilError(t, err)

	slave.putF64(20, 250)
	speed, err := p.RotorSpeed()
	assert.NilError(t, err)
	assert.Equal(t, speed, 250.0)

	assert.NilError(t, p.Terminate())
	assert.Assert(t, slave.closed)
}

func TestProxyClosesConnectionWhenInstantiateFails(t *testing.T) {
	slave := &fakeSlave{failOn: cmdInstantiate}
	u := newUnit(t, slave)

	_, err := mechanical.New(mechanical.Config{}, u.ModelDescription(), u)
	assert.ErrorIs(t, err, ErrSlaveStatus)
	assert.Assert(t, slave.connected)
	assert.Assert(t, slave.closed)
	assert.DeepEqual(t, slave.commands, []uint16{cmdInstantiate})
}

func TestNewLoadsModelDescription(t *testing.T) {
	dir := fs.NewDir(t, "modbusunit",
		fs.WithFile("modelDescription.xml", `<fmiModelDescription fmiVersion="2.0" modelName="Remote">
  <ModelVariables>
    <ScalarVariable name="RotSpeed" valueReference="5" causality="output"/>
  </ModelVariables>
</fmiModelDescription>`),
		fs.WithFile("modbusUnit.json", `{"Name": "Remote", "IPAddr": "127.0.0.1", "Port": "5020", "Timeout": 100}`))
	defer dir.Remove()

	cfg := testConfig()
	cfg.Variables = nil
	cfg.ModelDescriptionPath = dir.Join("modelDescription.xml")
	u, err := NewWithClient(cfg, &fakeSlave{}, &fakeSlave{})
	assert.NilError(t, err)
	vr, ok := u.ModelDescription().Lookup("RotSpeed")
	assert.Assert(t, ok)
	assert.Equal(t, vr, mechanical.ValueReference(5))

	_, err = New(dir.Join("modbusUnit.json"))
	assert.ErrorContains(t, err, "no variables")
}

func TestRegisterCodec(t *testing.T) {
	cases := []struct {
		reg   Register
		val   float64
		bytes []byte
	}{
		{Register{DataType: U16, Endianness: BigEndian}, 1234, []byte{4, 210}},
		{Register{DataType: U16, Endianness: LittleEndian}, 1234, []byte{210, 4}},
		{Register{DataType: U32, Endianness: BigEndian}, 1234, []byte{0, 0, 4, 210}},
		{Register{DataType: I16, Endianness: BigEndian}, -2, []byte{255, 254}},
		{Register{DataType: I32, Endianness: LittleEndian}, -2, []byte{254, 255, 255, 255}},
		{Register{DataType: F32, Endianness: BigEndian}, 1.5, []byte{63, 192, 0, 0}},
		{Register{DataType: F64, Endianness: BigEndian}, 1.5, []byte{63, 248, 0, 0, 0, 0, 0, 0}},
	}
	for _, c := range cases {
		bytes := c.reg.encode(c.val)
		assert.DeepEqual(t, bytes, c.bytes)
		assert.Equal(t, c.reg.decode(bytes), c.val)
		assert.Equal(t, int(c.reg.size())*2, len(bytes))
	}
}

func TestDecodeShortResponse(t *testing.T) {
	r := Register{DataType: F64}
	assert.Assert(t, math.IsNaN(r.decode([]byte{1, 2})))
}
