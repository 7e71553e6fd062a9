package msg

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"gotest.tools/v3/assert"
)

func TestNew(t *testing.T) {
	pid, err := uuid.NewUUID()
	assert.NilError(t, err)

	m := New(pid, Sample, 0.5)
	assert.Equal(t, m.PID(), pid)
	assert.Equal(t, m.Topic(), Sample)
	assert.Equal(t, m.Payload(), 0.5)
}

func TestMarshalJSON(t *testing.T) {
	pid, err := uuid.NewUUID()
	assert.NilError(t, err)

	data, err := json.Marshal(New(pid, Config, map[string]float64{"TimeStep": 5e-3}))
	assert.NilError(t, err)

	decoded := struct {
		PID     string
		Topic   string
		Payload map[string]float64
	}{}
	assert.NilError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, decoded.PID, pid.String())
	assert.Equal(t, decoded.Topic, "config")
	assert.Equal(t, decoded.Payload["TimeStep"], 5e-3)
}
