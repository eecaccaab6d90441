package scpi

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	labelStartFreq  = "START_FREQ="
	labelStopFreq   = "STOP_FREQ="
	labelDataPoints = "UI_DATA_POINTS="
)

var siMultipliers = map[byte]float64{
	'K': 1e3,
	'M': 1e6,
	'G': 1e9,
}

// Preamble describes the frequency axis of a trace.
type Preamble struct {
	StartFreqHz float64 `json:"start_freq_hz"`
	StopFreqHz  float64 `json:"stop_freq_hz"`
	NumPoints   int     `json:"num_points"`
}

// DecodePreamble parses a ":TRACe:PREamble?" response of the form
// "KEY=value,KEY=value,...". Only the three axis keys are read.
func DecodePreamble(text string) (Preamble, error) {
	startStr, err := preambleField(text, labelStartFreq)
	if err != nil {
		return Preamble{}, err
	}
	stopStr, err := preambleField(text, labelStopFreq)
	if err != nil {
		return Preamble{}, err
	}
	pointsStr, err := preambleField(text, labelDataPoints)
	if err != nil {
		return Preamble{}, err
	}

	start, err := ParseSI(startStr)
	if err != nil {
		return Preamble{}, fmt.Errorf("START_FREQ: %w", err)
	}
	stop, err := ParseSI(stopStr)
	if err != nil {
		return Preamble{}, fmt.Errorf("STOP_FREQ: %w", err)
	}
	points, err := parsePoints(pointsStr)
	if err != nil {
		return Preamble{}, err
	}
	return Preamble{StartFreqHz: start, StopFreqHz: stop, NumPoints: points}, nil
}

// preambleField returns the text between label and the next comma.
func preambleField(text, label string) (string, error) {
	i := strings.Index(text, label)
	if i < 0 {
		return "", fmt.Errorf("%w: %s", ErrMissingField, strings.TrimSuffix(label, "="))
	}
	rest := text[i+len(label):]
	if j := strings.IndexByte(rest, ','); j >= 0 {
		rest = rest[:j]
	}
	return rest, nil
}

// parsePoints reads UI_DATA_POINTS. Firmware reports it as a float
// ("401.0"); the fraction is dropped. An empty value means no points.
func parsePoints(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: UI_DATA_POINTS %q", ErrParse, s)
	}
	if f < 0 {
		return 0, fmt.Errorf("%w: UI_DATA_POINTS %q is negative", ErrParse, s)
	}
	return int(f), nil
}

// ParseSI parses a leading decimal number with an optional K, M or G
// multiplier (case-insensitive), e.g. "5K", "1.5G", "0.000000 M". Text after
// the multiplier, such as a "Hz" unit, is ignored.
func ParseSI(s string) (float64, error) {
	s = strings.TrimLeft(s, " \t")
	end := 0
	if end < len(s) && (s[end] == '+' || s[end] == '-') {
		end++
	}
	digits := 0
	for end < len(s) && (s[end] == '.' || (s[end] >= '0' && s[end] <= '9')) {
		end++
		digits++
	}
	if digits == 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidFormat, s)
	}
	v, err := strconv.ParseFloat(s[:end], 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidFormat, s)
	}

	rest := strings.TrimLeft(s[end:], " \t")
	if rest != "" {
		c := rest[0]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		if mult, ok := siMultipliers[c]; ok {
			v *= mult
		}
	}
	return v, nil
}
