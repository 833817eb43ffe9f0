package ingest

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/banshee-data/beacon.report/internal/frame"
	"github.com/banshee-data/beacon.report/internal/monitoring"
	"github.com/banshee-data/beacon.report/internal/timeutil"
)

// Simulator injects "BEACON_ID:DISTANCE" readings typed by an operator into
// the same channel the Supervisor feeds.
type Simulator struct {
	dec      frame.Decoder
	out      chan<- Batch
	clock    timeutil.Clock
	counters *monitoring.Counters
}

func NewSimulator(out chan<- Batch, counters *monitoring.Counters, clock timeutil.Clock) *Simulator {
	if counters == nil {
		counters = &monitoring.Counters{}
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	dec, _ := frame.NewDecoder(frame.FormatSimple, 0)
	return &Simulator{dec: dec, out: out, clock: clock, counters: counters}
}

// Submit decodes line and queues the resulting batch. Malformed lines are
// returned as errors wrapping frame.ErrMalformedFrame.
func (s *Simulator) Submit(ctx context.Context, line string) (Batch, error) {
	b, ok, err := decodeLine(s.dec, s.clock, s.counters, line)
	if err != nil {
		return Batch{}, err
	}
	if !ok {
		return Batch{}, fmt.Errorf("%w: empty simulation input", frame.ErrMalformedFrame)
	}
	return b, send(ctx, s.out, b)
}

// SubmitReading queues a single reading for beaconID.
func (s *Simulator) SubmitReading(ctx context.Context, beaconID string, meters float64) (Batch, error) {
	beaconID = strings.TrimSpace(beaconID)
	if beaconID == "" || strings.Contains(beaconID, ":") {
		return Batch{}, fmt.Errorf("%w: invalid beacon id %q", frame.ErrMalformedFrame, beaconID)
	}
	if meters < 0 || math.IsNaN(meters) || math.IsInf(meters, 0) {
		return Batch{}, fmt.Errorf("%w: invalid distance %g", frame.ErrMalformedFrame, meters)
	}
	return s.Submit(ctx, fmt.Sprintf("%s:%g", beaconID, meters))
}
