package monitoring

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

// Counters tracks ingest health. All fields are safe for concurrent use.
type Counters struct {
	FramesDecoded   atomic.Int64
	FramesMalformed atomic.Int64
	ReadingsApplied atomic.Int64
	UnknownBeacons  atomic.Int64
	Reconnects      atomic.Int64
	SerialDropped   atomic.Int64
	EgressSent      atomic.Int64
	EgressFailed    atomic.Int64
	EgressDropped   atomic.Int64
}

// CountersSnapshot is a point-in-time copy of Counters.
type CountersSnapshot struct {
	FramesDecoded   int64 `json:"frames_decoded"`
	FramesMalformed int64 `json:"frames_malformed"`
	ReadingsApplied int64 `json:"readings_applied"`
	UnknownBeacons  int64 `json:"unknown_beacons"`
	Reconnects      int64 `json:"reconnects"`
	SerialDropped   int64 `json:"serial_dropped"`
	EgressSent      int64 `json:"egress_sent"`
	EgressFailed    int64 `json:"egress_failed"`
	EgressDropped   int64 `json:"egress_dropped"`
}

// Snapshot returns the current counter values.
func (c *Counters) Snapshot() CountersSnapshot {
	return CountersSnapshot{
		FramesDecoded:   c.FramesDecoded.Load(),
		FramesMalformed: c.FramesMalformed.Load(),
		ReadingsApplied: c.ReadingsApplied.Load(),
		UnknownBeacons:  c.UnknownBeacons.Load(),
		Reconnects:      c.Reconnects.Load(),
		SerialDropped:   c.SerialDropped.Load(),
		EgressSent:      c.EgressSent.Load(),
		EgressFailed:    c.EgressFailed.Load(),
		EgressDropped:   c.EgressDropped.Load(),
	}
}

// ServeHTTP writes the snapshot as JSON so Counters can be mounted directly
// on a debug route.
func (c *Counters) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(c.Snapshot()); err != nil {
		http.Error(w, "failed to encode counters", http.StatusInternalServerError)
	}
}
