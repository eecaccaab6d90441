package acquisition

import (
	"github.com/rjboer/GoSweep/internal/logging"
)

// Reporter receives the result of every acquisition cycle. Report is
// called from the acquisition goroutine and should not block for long.
type Reporter interface {
	Report(res Result)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(res Result)

func (f ReporterFunc) Report(res Result) { f(res) }

// MultiReporter fans results out to several reporters.
type MultiReporter []Reporter

func (m MultiReporter) Report(res Result) {
	for _, r := range m {
		if r != nil {
			r.Report(res)
		}
	}
}

// LogReporter writes one log entry per cycle.
type LogReporter struct {
	logger logging.Logger
}

// NewLogReporter builds a LogReporter; a nil logger uses logging.Default.
func NewLogReporter(logger logging.Logger) LogReporter {
	if logger == nil {
		logger = logging.Default()
	}
	return LogReporter{logger: logger.With(logging.Subsystem("acquisition"))}
}

func (r LogReporter) Report(res Result) {
	fields := []logging.Field{
		logging.F("seq", res.Seq),
		logging.F("duration_ms", res.Duration.Seconds()*1000),
	}
	if res.Err != nil {
		r.logger.Warn("sweep failed", append(fields, logging.Err(res.Err))...)
		return
	}
	if res.Sweep != nil {
		sum := res.Sweep.Summarize()
		fields = append(fields,
			logging.F("points", sum.Points),
			logging.F("start_hz", sum.StartFreqHz),
			logging.F("stop_hz", sum.StopFreqHz),
			logging.F("peak_hz", sum.PeakFreqHz),
			logging.F("peak_dbm", sum.PeakAmp),
		)
	}
	if res.GPS.Good() {
		fields = append(fields,
			logging.F("gps_time", res.GPS.Timestamp),
			logging.F("lat_deg", res.GPS.LatDeg()),
			logging.F("lon_deg", res.GPS.LonDeg()),
		)
	} else {
		fields = append(fields, logging.F("gps", "unavailable"))
	}
	r.logger.Info("sweep", fields...)
}
