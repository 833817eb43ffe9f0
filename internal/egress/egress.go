// Package egress forwards decoded reading batches to an HTTP backend. Delivery
// is fire-and-forget: a failed POST is logged and counted, never retried.
package egress

import (
	"context"
	"fmt"
	"net/url"

	"github.com/banshee-data/beacon.report/internal/frame"
	"github.com/banshee-data/beacon.report/internal/httputil"
	"github.com/banshee-data/beacon.report/internal/ingest"
	"github.com/banshee-data/beacon.report/internal/monitoring"
)

const (
	DefaultEndpoint  = "http://localhost:8090/api/click"
	DefaultQueueSize = 64
)

// Beacon is one reading on the wire.
type Beacon struct {
	BeaconID   string `json:"beacon_id"`
	Centimeter int    `json:"centimeter"`
}

// Payload is the request body posted per batch.
type Payload struct {
	BeaconNum int      `json:"beacon_num"`
	Beacons   []Beacon `json:"beacons"`
}

func NewPayload(readings []frame.BeaconReading) Payload {
	p := Payload{BeaconNum: len(readings), Beacons: make([]Beacon, 0, len(readings))}
	for _, r := range readings {
		p.Beacons = append(p.Beacons, Beacon{BeaconID: r.BeaconID, Centimeter: r.Centimeters()})
	}
	return p
}

// Forwarder posts payloads from a bounded queue on a single goroutine.
type Forwarder struct {
	endpoint string
	client   httputil.HTTPClient
	queue    chan Payload
	counters *monitoring.Counters
}

func NewForwarder(endpoint string, client httputil.HTTPClient, queueSize int, counters *monitoring.Counters) (*Forwarder, error) {
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("egress: invalid endpoint %q", endpoint)
	}
	if client == nil {
		client = httputil.NewStandardClient(nil)
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if counters == nil {
		counters = &monitoring.Counters{}
	}
	return &Forwarder{
		endpoint: endpoint,
		client:   client,
		queue:    make(chan Payload, queueSize),
		counters: counters,
	}, nil
}

func (f *Forwarder) Endpoint() string { return f.endpoint }

// Enqueue queues b without blocking. It reports false, and counts a drop,
// when the queue is full.
func (f *Forwarder) Enqueue(b ingest.Batch) bool {
	if len(b.Readings) == 0 {
		return true
	}
	select {
	case f.queue <- NewPayload(b.Readings):
		return true
	default:
		f.counters.EgressDropped.Add(1)
		monitoring.Logf("egress: queue full, dropping batch of %d readings", len(b.Readings))
		return false
	}
}

// Consume enqueues every batch from in until in is closed or ctx is done.
func (f *Forwarder) Consume(ctx context.Context, in <-chan ingest.Batch) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case b, ok := <-in:
			if !ok {
				return nil
			}
			f.Enqueue(b)
		}
	}
}

// Run posts queued payloads until ctx is cancelled.
func (f *Forwarder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p := <-f.queue:
			f.Send(ctx, p)
		}
	}
}

// Send posts p once.
func (f *Forwarder) Send(ctx context.Context, p Payload) error {
	if err := httputil.PostJSON(ctx, f.client, f.endpoint, p, nil); err != nil {
		f.counters.EgressFailed.Add(1)
		monitoring.Logf("egress: failed to send %d readings to %s: %v", p.BeaconNum, f.endpoint, err)
		return err
	}
	f.counters.EgressSent.Add(1)
	return nil
}
