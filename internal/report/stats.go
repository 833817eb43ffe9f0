// Package report summarises stored readings and renders charts for the
// dashboard and the debug routes.
package report

import (
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/beacon.report/internal/db"
	"github.com/banshee-data/beacon.report/internal/units"
)

// BeaconStats summarises the distance readings of one beacon.
type BeaconStats struct {
	BeaconID string    `json:"beacon_id"`
	Units    string    `json:"units"`
	Count    int       `json:"count"`
	Mean     float64   `json:"mean"`
	StdDev   float64   `json:"stddev"`
	Min      float64   `json:"min"`
	Max      float64   `json:"max"`
	Median   float64   `json:"median"`
	P90      float64   `json:"p90"`
	First    time.Time `json:"first"`
	Last     time.Time `json:"last"`
}

// Summarise computes BeaconStats in meters over readings. An empty slice
// yields a zero summary.
func Summarise(beaconID string, readings []db.StoredReading) BeaconStats {
	s := BeaconStats{BeaconID: beaconID, Units: units.Meters, Count: len(readings)}
	if len(readings) == 0 {
		return s
	}
	d := make([]float64, len(readings))
	s.First, s.Last = readings[0].Received, readings[0].Received
	for i, r := range readings {
		d[i] = r.DistanceMeters
		if r.Received.Before(s.First) {
			s.First = r.Received
		}
		if r.Received.After(s.Last) {
			s.Last = r.Received
		}
	}
	s.Mean = stat.Mean(d, nil)
	if len(d) > 1 {
		s.StdDev = stat.StdDev(d, nil)
	}

	sort.Float64s(d)
	s.Min, s.Max = floats.Min(d), floats.Max(d)
	s.Median = stat.Quantile(0.5, stat.Empirical, d, nil)
	s.P90 = stat.Quantile(0.9, stat.Empirical, d, nil)
	return s
}

// In returns s with its distances converted from meters to u. Unknown
// units leave s unchanged.
func (s BeaconStats) In(u string) BeaconStats {
	if s.Units != units.Meters || !units.IsValid(u) {
		return s
	}
	conv := func(v float64) float64 { return units.ConvertDistance(v, u) }
	s.Units = u
	s.Mean, s.StdDev = conv(s.Mean), conv(s.StdDev)
	s.Min, s.Max = conv(s.Min), conv(s.Max)
	s.Median, s.P90 = conv(s.Median), conv(s.P90)
	return s
}
