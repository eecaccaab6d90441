package scpi

import (
	"math"
	"strconv"
	"strings"
)

// GPSStatus is the fix quality tag reported by ":FETCh:GPS?".
type GPSStatus int

const (
	GPSNoFix GPSStatus = iota
	GPSGoodFix
)

func (s GPSStatus) String() string {
	if s == GPSGoodFix {
		return "GOOD FIX"
	}
	return "NO FIX"
}

const gpsGoodFixTag = "GOOD FIX"

// GPSFix is the receiver position at the time of a sweep. Coordinates are
// in radians, as the instrument reports them.
type GPSFix struct {
	Status    GPSStatus `json:"status"`
	Timestamp string    `json:"timestamp,omitempty"`
	LatRad    float64   `json:"lat_rad,omitempty"`
	LonRad    float64   `json:"lon_rad,omitempty"`
}

// NoFix is the zero GPS report.
var NoFix = GPSFix{Status: GPSNoFix}

// Good reports whether the fix carries a usable position.
func (f GPSFix) Good() bool { return f.Status == GPSGoodFix }

// LatDeg returns the latitude in degrees.
func (f GPSFix) LatDeg() float64 { return f.LatRad * 180 / math.Pi }

// LonDeg returns the longitude in degrees.
func (f GPSFix) LonDeg() float64 { return f.LonRad * 180 / math.Pi }

// DecodeGPS parses "STATUS,timestamp,lat,lon". It never fails: any status
// other than GOOD FIX, or a payload that does not parse, is NoFix.
func DecodeGPS(text string) GPSFix {
	parts := strings.Split(strings.TrimSpace(text), ",")
	if strings.TrimSpace(parts[0]) != gpsGoodFixTag || len(parts) < 4 {
		return NoFix
	}
	ts := strings.TrimSpace(parts[1])
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
	if err != nil {
		return NoFix
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[3]), 64)
	if err != nil {
		return NoFix
	}
	return GPSFix{Status: GPSGoodFix, Timestamp: ts, LatRad: lat, LonRad: lon}
}
