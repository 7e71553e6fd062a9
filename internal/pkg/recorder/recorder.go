/*
recorder.go Sinks for the per-step samples of a run. Results keeps every
series in memory; Multi fans a sample out to several sinks.
*/

package recorder

import (
	"errors"
	"io"
	"math"
	"sort"
)

// TimeKey is the name of the time series.
const TimeKey = "Time"

// Sample is the set of signals observed at the end of one step.
type Sample struct {
	Time    float64            `json:"Time"`
	Signals map[string]float64 `json:"Signals"`
}

// Recorder accepts samples in time order.
type Recorder interface {
	Record(Sample) error
}

// ConfigRecorder is implemented by sinks that also store the run configuration.
type ConfigRecorder interface {
	RecordConfig(interface{}) error
}

// Results is an append-only in-memory store of named series.
type Results struct {
	series map[string][]float64
	n      int
}

// NewResults returns an empty store.
func NewResults() *Results {
	return &Results{series: map[string][]float64{TimeKey: {}}}
}

// Record appends a sample. A signal first seen late is back-filled with NaN,
// and a signal missing from a sample is recorded as NaN.
func (r *Results) Record(s Sample) error {
	r.series[TimeKey] = append(r.series[TimeKey], s.Time)
	for name, v := range s.Signals {
		if name == TimeKey {
			continue
		}
		series, ok := r.series[name]
		if !ok {
			series = make([]float64, r.n, r.n+1)
			for i := range series {
				series[i] = math.NaN()
			}
		}
		r.series[name] = append(series, v)
	}
	r.n++
	for name, series := range r.series {
		if len(series) < r.n {
			r.series[name] = append(series, math.NaN())
		}
	}
	return nil
}

// Series returns the values of a signal, nil if it was never recorded.
func (r Results) Series(name string) []float64 {
	return r.series[name]
}

// Len returns the number of recorded samples.
func (r Results) Len() int {
	return r.n
}

// Names returns the recorded series names in lexical order.
func (r Results) Names() []string {
	names := make([]string, 0, len(r.series))
	for name := range r.series {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Last returns the latest value of a signal.
func (r Results) Last(name string) (float64, bool) {
	series := r.series[name]
	if len(series) == 0 {
		return 0, false
	}
	return series[len(series)-1], true
}

// Multi records into every member and joins their errors.
type Multi []Recorder

// Record forwards s to every member.
func (m Multi) Record(s Sample) error {
	var errs []error
	for _, r := range m {
		if err := r.Record(s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RecordConfig forwards v to the members that store configuration.
func (m Multi) RecordConfig(v interface{}) error {
	var errs []error
	for _, r := range m {
		if cr, ok := r.(ConfigRecorder); ok {
			if err := cr.RecordConfig(v); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Close closes the members that hold resources.
func (m Multi) Close() error {
	var errs []error
	for _, r := range m {
		if c, ok := r.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
