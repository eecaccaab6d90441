package scpi

import (
	"fmt"
	"strconv"
	"strings"
)

// TraceBlock is a decoded IEEE 488.2 definite-length block carrying ASCII
// amplitude samples: "#" <hd> <cnt: hd digits> <cnt bytes of "v,v,v,">.
type TraceBlock struct {
	HeaderDigits int
	ByteCount    int
	Values       []float64
}

// DecodeTrace parses a ":TRACe:DATA?" response.
//
// A header digit of 0 is the indefinite-length form: the payload runs to the
// end of the response.
func DecodeTrace(raw string) (TraceBlock, error) {
	if len(raw) < 2 || raw[0] != '#' {
		return TraceBlock{}, fmt.Errorf("%w: block must start with '#'", ErrMalformedHeader)
	}
	if raw[1] < '0' || raw[1] > '9' {
		return TraceBlock{}, fmt.Errorf("%w: header digit %q", ErrMalformedHeader, raw[1])
	}
	hd := int(raw[1] - '0')

	var payload string
	cnt := 0
	if hd == 0 {
		payload = strings.TrimRight(raw[2:], "\r\n")
		cnt = len(payload)
	} else {
		if len(raw) < 2+hd {
			return TraceBlock{}, fmt.Errorf("%w: length field needs %d digits, have %d", ErrMalformedHeader, hd, len(raw)-2)
		}
		n, err := strconv.Atoi(raw[2 : 2+hd])
		if err != nil || n < 0 {
			return TraceBlock{}, fmt.Errorf("%w: length field %q", ErrMalformedHeader, raw[2:2+hd])
		}
		cnt = n
		start := 2 + hd
		if len(raw)-start < cnt {
			return TraceBlock{}, fmt.Errorf("%w: block declares %d bytes, only %d present", ErrParse, cnt, len(raw)-start)
		}
		payload = raw[start : start+cnt]
	}

	values, err := parseFloatList(payload)
	if err != nil {
		return TraceBlock{}, err
	}
	return TraceBlock{HeaderDigits: hd, ByteCount: cnt, Values: values}, nil
}

func parseFloatList(payload string) ([]float64, error) {
	tokens := strings.Split(payload, ",")
	values := make([]float64, 0, len(tokens))
	for i, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		v, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: token %d %q is not a number", ErrParse, i, tok)
		}
		values = append(values, v)
	}
	return values, nil
}
