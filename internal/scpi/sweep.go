package scpi

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// Sweep is one amplitude-versus-frequency measurement. Frequencies and
// Amplitudes always have the same length.
type Sweep struct {
	Frequencies []float64 `json:"frequencies_hz"`
	Amplitudes  []float64 `json:"amplitudes_dbm"`
}

// FrequencyAxis returns NumPoints frequencies evenly spaced over
// [StartFreqHz, StopFreqHz], both ends included.
func FrequencyAxis(p Preamble) []float64 {
	switch {
	case p.NumPoints <= 0:
		return []float64{}
	case p.NumPoints == 1:
		return []float64{p.StartFreqHz}
	}
	axis := floats.Span(make([]float64, p.NumPoints), p.StartFreqHz, p.StopFreqHz)
	axis[len(axis)-1] = p.StopFreqHz
	return axis
}

// NewSweep pairs a trace with the axis its preamble describes. A point count
// that disagrees with the trace is an error; the data is never truncated.
func NewSweep(p Preamble, tb TraceBlock) (Sweep, error) {
	if p.NumPoints != len(tb.Values) {
		return Sweep{}, fmt.Errorf("%w: preamble reports %d points, trace has %d", ErrInconsistentSweep, p.NumPoints, len(tb.Values))
	}
	return Sweep{
		Frequencies: FrequencyAxis(p),
		Amplitudes:  tb.Values,
	}, nil
}

// Len returns the number of points.
func (s Sweep) Len() int { return len(s.Amplitudes) }

// Peak returns the frequency and amplitude of the strongest point. ok is
// false for an empty sweep.
func (s Sweep) Peak() (freqHz, amp float64, ok bool) {
	if len(s.Amplitudes) == 0 {
		return 0, 0, false
	}
	i := floats.MaxIdx(s.Amplitudes)
	return s.Frequencies[i], s.Amplitudes[i], true
}

// Summary condenses a sweep for history views.
type Summary struct {
	Points      int     `json:"points"`
	StartFreqHz float64 `json:"start_freq_hz"`
	StopFreqHz  float64 `json:"stop_freq_hz"`
	PeakFreqHz  float64 `json:"peak_freq_hz"`
	PeakAmp     float64 `json:"peak_amp_dbm"`
	MeanAmp     float64 `json:"mean_amp_dbm"`
}

// Summarize computes the summary of s.
func (s Sweep) Summarize() Summary {
	sum := Summary{Points: s.Len()}
	if sum.Points == 0 {
		return sum
	}
	sum.StartFreqHz = s.Frequencies[0]
	sum.StopFreqHz = s.Frequencies[len(s.Frequencies)-1]
	sum.PeakFreqHz, sum.PeakAmp, _ = s.Peak()
	sum.MeanAmp = floats.Sum(s.Amplitudes) / float64(sum.Points)
	return sum
}
