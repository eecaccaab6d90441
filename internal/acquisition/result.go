package acquisition

import (
	"time"

	"github.com/rjboer/GoSweep/internal/scpi"
)

// Result is the outcome of one acquisition cycle.
type Result struct {
	Seq      uint64
	Started  time.Time
	Duration time.Duration
	Preamble scpi.Preamble
	// Sweep is nil when the trace could not be read or decoded.
	Sweep *scpi.Sweep
	GPS   scpi.GPSFix
	// GPSErr records why GPS is unavailable when the query itself failed.
	// It never makes the cycle fail.
	GPSErr error
	Err    error
}

// OK reports whether the cycle produced a sweep.
func (r Result) OK() bool { return r.Err == nil && r.Sweep != nil }
