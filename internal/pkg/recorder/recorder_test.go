package recorder

import (
	"errors"
	"math"
	"testing"

	"gotest.tools/v3/assert"
)

func TestResultsAppend(t *testing.T) {
	r := NewResults()
	assert.NilError(t, r.Record(Sample{Time: 5e-3, Signals: map[string]float64{"WT1_PMSM T_e": 0.1}}))
	assert.NilError(t, r.Record(Sample{Time: 10e-3, Signals: map[string]float64{"WT1_PMSM T_e": 0.2}}))

	assert.Equal(t, r.Len(), 2)
	assert.DeepEqual(t, r.Series(TimeKey), []float64{5e-3, 10e-3})
	assert.DeepEqual(t, r.Series("WT1_PMSM T_e"), []float64{0.1, 0.2})
	assert.DeepEqual(t, r.Names(), []string{TimeKey, "WT1_PMSM T_e"})

	last, ok := r.Last("WT1_PMSM T_e")
	assert.Assert(t, ok)
	assert.Equal(t, last, 0.2)
	_, ok = r.Last("missing")
	assert.Assert(t, !ok)
}

func TestResultsStayAligned(t *testing.T) {
	r := NewResults()
	assert.NilError(t, r.Record(Sample{Time: 1, Signals: map[string]float64{"a": 1}}))
	assert.NilError(t, r.Record(Sample{Time: 2, Signals: map[string]float64{"b": 2}}))

	a := r.Series("a")
	b := r.Series("b")
	assert.Equal(t, len(a), 2)
	assert.Equal(t, len(b), 2)
	assert.Equal(t, a[0], 1.0)
	assert.Assert(t, math.IsNaN(a[1]))
	assert.Assert(t, math.IsNaN(b[0]))
	assert.Equal(t, b[1], 2.0)
}

type failingRecorder struct {
	err     error
	configs int
	closed  bool
}

func (f *failingRecorder) Record(Sample) error {
	return f.err
}

func (f *failingRecorder) RecordConfig(interface{}) error {
	f.configs++
	return nil
}

func (f *failingRecorder) Close() error {
	f.closed = true
	return nil
}

func TestMultiJoinsErrors(t *testing.T) {
	first := &failingRecorder{err: errors.New("broker down")}
	second := &failingRecorder{err: errors.New("disk full")}
	results := NewResults()
	m := Multi{first, results, second}

	err := m.Record(Sample{Time: 1})
	assert.ErrorIs(t, err, first.err)
	assert.ErrorIs(t, err, second.err)
	assert.Equal(t, results.Len(), 1)

	assert.NilError(t, m.RecordConfig("cfg"))
	assert.Equal(t, first.configs, 1)
	assert.NilError(t, m.Close())
	assert.Assert(t, first.closed && second.closed)
}
