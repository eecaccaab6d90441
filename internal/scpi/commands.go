// Package scpi builds the SCPI command strings sent to a spectrum analyzer
// and decodes the text it answers with. Everything here is pure: no I/O.
package scpi

import (
	"strconv"
	"strings"
)

// Wire commands. These strings are what the instrument firmware matches on
// and must not be reformatted.
const (
	CmdIdentify        = "*IDN?"
	CmdCenterFreq      = ":SENSe:FREQuency:CENTer"
	CmdSpan            = ":SENSe:FREQuency:SPAN"
	CmdStartFreq       = ":SENSe:FREQuency:STARt"
	CmdResolutionBW    = ":SENSe:BWIDth:RESolution"
	CmdVideoBW         = ":SENSe:BWIDth:VIDEO"
	CmdAttenuation     = ":INPut:ATTenuation"
	CmdSweepContinuous = ":INITiate:CONTinuous ON"
	CmdSweepSingle     = ":INITiate:SINGle ON"
	CmdFormatASCII     = ":FORMat:DATA ASCii"
	CmdTrigger         = ":INIT:IMM"
	CmdTraceData       = ":TRACe:DATA? 1"
	CmdTracePreamble   = ":TRACe:PREamble? 1"
	CmdFetchGPS        = ":FETCh:GPS?"
)

// SpectrumConfig is a configuration request. Nil fields are left untouched
// on the instrument.
type SpectrumConfig struct {
	StartFreqHz  *float64 `json:"start_freq_hz,omitempty" yaml:"start_freq_hz,omitempty"`
	SpanHz       *float64 `json:"span_hz,omitempty" yaml:"span_hz,omitempty"`
	RBWHz        *float64 `json:"rbw_hz,omitempty" yaml:"rbw_hz,omitempty"`
	VBWHz        *float64 `json:"vbw_hz,omitempty" yaml:"vbw_hz,omitempty"`
	InputAttenDB *float64 `json:"input_atten_db,omitempty" yaml:"input_atten_db,omitempty"`
	Continuous   bool     `json:"continuous" yaml:"continuous"`
}

// Float returns a pointer to v, for filling SpectrumConfig literals.
func Float(v float64) *float64 { return &v }

// BuildCommands maps cfg to the ordered list of commands that apply it.
//
// A start/span pair is sent as center/span: several firmwares round
// START/STOP differently and drift the span.
func BuildCommands(cfg SpectrumConfig) []string {
	cmds := make([]string, 0, 6)

	switch {
	case cfg.StartFreqHz != nil && cfg.SpanHz != nil:
		center := *cfg.StartFreqHz + *cfg.SpanHz/2
		cmds = append(cmds,
			withArg(CmdCenterFreq, center),
			withArg(CmdSpan, *cfg.SpanHz),
		)
	case cfg.StartFreqHz != nil:
		cmds = append(cmds, withArg(CmdStartFreq, *cfg.StartFreqHz))
	case cfg.SpanHz != nil:
		cmds = append(cmds, withArg(CmdSpan, *cfg.SpanHz))
	}

	if cfg.RBWHz != nil {
		cmds = append(cmds, withArg(CmdResolutionBW, *cfg.RBWHz))
	}
	if cfg.VBWHz != nil {
		cmds = append(cmds, withArg(CmdVideoBW, *cfg.VBWHz))
	}
	if cfg.InputAttenDB != nil {
		cmds = append(cmds, withArg(CmdAttenuation, *cfg.InputAttenDB))
	}

	if cfg.Continuous {
		cmds = append(cmds, CmdSweepContinuous)
	} else {
		cmds = append(cmds, CmdSweepSingle)
	}
	return cmds
}

// AcquisitionCommands are written at the start of every acquisition cycle,
// before the trace is fetched.
func AcquisitionCommands() []string {
	return []string{CmdFormatASCII, CmdTrigger}
}

// IsQuery reports whether cmd expects a response, i.e. its header (the text
// before the first space) ends in '?'. ":TRACe:DATA? 1" is a query.
func IsQuery(cmd string) bool {
	header := strings.TrimSpace(cmd)
	if i := strings.IndexAny(header, " \t"); i >= 0 {
		header = header[:i]
	}
	return strings.HasSuffix(header, "?")
}

func withArg(cmd string, v float64) string {
	return cmd + " " + FormatNumber(v)
}

// FormatNumber renders v in the shortest decimal form, never in exponent
// notation, e.g. 2e6 -> "2000000".
func FormatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
