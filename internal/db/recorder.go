package db

import (
	"context"
	"time"

	"github.com/banshee-data/beacon.report/internal/frame"
	"github.com/banshee-data/beacon.report/internal/monitoring"
)

type pendingBatch struct {
	format   frame.Format
	received time.Time
	readings []frame.BeaconReading
}

// Recorder writes reading batches on its own goroutine so that callers on
// the ingest path never wait on the database.
type Recorder struct {
	db    *DB
	queue chan pendingBatch
}

func NewRecorder(db *DB, queueSize int) *Recorder {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Recorder{db: db, queue: make(chan pendingBatch, queueSize)}
}

// Enqueue queues a batch without blocking. It reports false when the queue
// is full and the batch was dropped.
func (r *Recorder) Enqueue(format frame.Format, received time.Time, readings []frame.BeaconReading) bool {
	if len(readings) == 0 {
		return true
	}
	select {
	case r.queue <- pendingBatch{format: format, received: received, readings: readings}:
		return true
	default:
		monitoring.Logf("recorder: queue full, dropping %d readings", len(readings))
		return false
	}
}

// Run writes queued batches until ctx is cancelled, then drains what is
// already queued.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case b := <-r.queue:
					r.write(b)
				default:
					return ctx.Err()
				}
			}
		case b := <-r.queue:
			r.write(b)
		}
	}
}

func (r *Recorder) write(b pendingBatch) {
	if err := r.db.RecordReadings(b.format, b.received, b.readings); err != nil {
		monitoring.Logf("recorder: %v", err)
	}
}
