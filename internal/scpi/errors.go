package scpi

import "errors"

// Decode-layer data integrity errors. Callers match them with errors.Is.
var (
	ErrMalformedHeader   = errors.New("scpi: malformed block header")
	ErrParse             = errors.New("scpi: parse error")
	ErrMissingField      = errors.New("scpi: missing field")
	ErrInvalidFormat     = errors.New("scpi: invalid number format")
	ErrInconsistentSweep = errors.New("scpi: inconsistent sweep")
)
