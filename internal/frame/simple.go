package frame

import (
	"math"
	"strconv"
	"strings"
)

// DecodeSimple decodes a "BEACON_ID:DISTANCE" line. The line is split on the
// first colon; the distance is in meters.
func DecodeSimple(line string) (BeaconReading, error) {
	line = strings.TrimSpace(line)
	id, dist, ok := strings.Cut(line, ":")
	if !ok {
		return BeaconReading{}, malformed("missing ':' delimiter in %q", line)
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return BeaconReading{}, malformed("empty beacon id in %q", line)
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(dist), 64)
	if err != nil || math.IsNaN(d) || math.IsInf(d, 0) {
		return BeaconReading{}, malformed("invalid distance %q", dist)
	}
	if d < 0 {
		return BeaconReading{}, malformed("negative distance %g", d)
	}
	return BeaconReading{BeaconID: id, DistanceMeters: d}, nil
}

type simpleDecoder struct{}

func (simpleDecoder) Format() Format { return FormatSimple }

func (simpleDecoder) Decode(line string) ([]BeaconReading, error) {
	r, err := DecodeSimple(line)
	if err != nil {
		return nil, err
	}
	return []BeaconReading{r}, nil
}
