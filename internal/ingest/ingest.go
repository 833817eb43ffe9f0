// Package ingest reads beacon frames from a transport and hands decoded
// batches to a single consumer over a channel.
package ingest

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/banshee-data/beacon.report/internal/frame"
	"github.com/banshee-data/beacon.report/internal/monitoring"
	"github.com/banshee-data/beacon.report/internal/timeutil"
)

// ReconnectBackoff is the fixed delay between transport reconnect attempts.
const ReconnectBackoff = 5 * time.Second

var ErrTransportDisconnected = errors.New("transport disconnected")

// Batch holds the readings decoded from one frame, in frame order.
type Batch struct {
	Format   frame.Format          `json:"format"`
	Received time.Time             `json:"received"`
	Readings []frame.BeaconReading `json:"readings"`
}

// decodeLine decodes one transport line. Blank lines yield ok == false and no
// error; so do frames that decode to zero readings.
func decodeLine(dec frame.Decoder, clock timeutil.Clock, counters *monitoring.Counters, line string) (b Batch, ok bool, err error) {
	if strings.TrimSpace(line) == "" {
		return Batch{}, false, nil
	}
	readings, err := dec.Decode(line)
	if err != nil {
		counters.FramesMalformed.Add(1)
		return Batch{}, false, err
	}
	counters.FramesDecoded.Add(1)
	if len(readings) == 0 {
		return Batch{}, false, nil
	}
	return Batch{Format: dec.Format(), Received: clock.Now(), Readings: readings}, true, nil
}

// send delivers b unless ctx is cancelled first.
func send(ctx context.Context, out chan<- Batch, b Batch) error {
	select {
	case out <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
