// Package frame decodes beacon-ranging frames read from a gateway transport.
//
// Three line formats are supported, selected by the ingest source rather than
// detected from the payload:
//
//   - FormatBinary: an ASCII bit string ('0'/'1') of packed big-endian uint32
//     fields (target, beacon count, uuid, timestamp, then uuid/time-of-flight
//     pairs).
//   - FormatText: whitespace separated decimal tokens after a fixed six
//     character header, ten tokens per beacon.
//   - FormatSimple: a single "BEACON_ID:DISTANCE" reading in meters.
package frame

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedFrame is wrapped by every decode failure.
var ErrMalformedFrame = errors.New("malformed frame")

// Format names a frame encoding.
type Format string

const (
	FormatBinary Format = "binary"
	FormatText   Format = "text"
	FormatSimple Format = "simple"
)

// ParseFormat maps a configuration string onto a Format.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatBinary, FormatText, FormatSimple:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported frame format %q: expected binary, text or simple", s)
	}
}

// BeaconReading is one distance observation for one beacon.
type BeaconReading struct {
	BeaconID       string  `json:"beacon_id"`
	DistanceMeters float64 `json:"distance_m"`
}

// Centimeters returns the distance rounded to whole centimetres.
func (r BeaconReading) Centimeters() int {
	return int(r.DistanceMeters*100 + 0.5)
}

// Decoder turns one transport line into zero or more readings.
type Decoder interface {
	Format() Format
	Decode(line string) ([]BeaconReading, error)
}

// NewDecoder returns the decoder for the given format. tofScale converts the
// binary format's time-of-flight ticks to meters and is ignored otherwise.
func NewDecoder(format Format, tofScale float64) (Decoder, error) {
	switch format {
	case FormatBinary:
		if tofScale <= 0 {
			return nil, fmt.Errorf("time-of-flight scale must be positive, got %g", tofScale)
		}
		return binaryDecoder{tofScale: tofScale}, nil
	case FormatText:
		return textDecoder{}, nil
	case FormatSimple:
		return simpleDecoder{}, nil
	default:
		return nil, fmt.Errorf("unsupported frame format %q", format)
	}
}

func malformed(format string, v ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedFrame, fmt.Sprintf(format, v...))
}
