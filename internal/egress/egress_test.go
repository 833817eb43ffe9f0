package egress

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/beacon.report/internal/frame"
	"github.com/banshee-data/beacon.report/internal/httputil"
	"github.com/banshee-data/beacon.report/internal/ingest"
	"github.com/banshee-data/beacon.report/internal/monitoring"
)

func TestNewPayload_WireFormat(t *testing.T) {
	p := NewPayload([]frame.BeaconReading{
		{BeaconID: "49988159727413483", DistanceMeters: 0.54},
		{BeaconID: "B", DistanceMeters: 8.5},
	})
	mock := httputil.NewMockHTTPClient()
	f, err := NewForwarder(DefaultEndpoint, mock, 1, nil)
	require.NoError(t, err)
	require.NoError(t, f.Send(context.Background(), p))

	assert.JSONEq(t, `{"beacon_num":2,"beacons":[{"beacon_id":"49988159727413483","centimeter":54},{"beacon_id":"B","centimeter":850}]}`, string(mock.Body(0)))
	req := mock.Requests[0]
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "http://localhost:8090/api/click", req.URL.String())
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
}

func TestForwarder_FailuresAreCountedNotRetried(t *testing.T) {
	t.Cleanup(monitoring.SetLogger(nil))
	counters := &monitoring.Counters{}
	mock := httputil.NewMockHTTPClient().
		AddErrorResponse(errors.New("connection refused")).
		AddResponse(http.StatusInternalServerError, "down").
		AddResponse(http.StatusCreated, "")
	f, err := NewForwarder("http://backend:8090/api/click", mock, 4, counters)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.True(t, f.Enqueue(ingest.Batch{Readings: []frame.BeaconReading{{BeaconID: "A", DistanceMeters: 1}}}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	require.Eventually(t, func() bool { return mock.RequestCount() == 3 }, 2*time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	assert.Equal(t, 3, mock.RequestCount(), "failed posts must not be retried")
	assert.Equal(t, int64(2), counters.EgressFailed.Load())
	assert.Equal(t, int64(1), counters.EgressSent.Load())
}

func TestForwarder_EnqueueDropsWhenFull(t *testing.T) {
	t.Cleanup(monitoring.SetLogger(nil))
	counters := &monitoring.Counters{}
	f, err := NewForwarder(DefaultEndpoint, httputil.NewMockHTTPClient(), 1, counters)
	require.NoError(t, err)

	b := ingest.Batch{Readings: []frame.BeaconReading{{BeaconID: "A", DistanceMeters: 1}}}
	assert.True(t, f.Enqueue(b))
	assert.False(t, f.Enqueue(b))
	assert.True(t, f.Enqueue(ingest.Batch{}), "empty batches are skipped")
	assert.Equal(t, int64(1), counters.EgressDropped.Load())
}

func TestForwarder_Consume(t *testing.T) {
	f, err := NewForwarder(DefaultEndpoint, httputil.NewMockHTTPClient(), 4, nil)
	require.NoError(t, err)

	in := make(chan ingest.Batch, 2)
	in <- ingest.Batch{Readings: []frame.BeaconReading{{BeaconID: "A", DistanceMeters: 1}}}
	in <- ingest.Batch{Readings: []frame.BeaconReading{{BeaconID: "B", DistanceMeters: 2}}}
	close(in)

	require.NoError(t, f.Consume(context.Background(), in))
	assert.Len(t, f.queue, 2)
}

func TestNewForwarder_InvalidEndpoint(t *testing.T) {
	for _, ep := range []string{"", "localhost:8090", "ftp://host/x", "http://"} {
		_, err := NewForwarder(ep, nil, 0, nil)
		assert.Error(t, err, ep)
	}
	f, err := NewForwarder("https://example.com/api/click", nil, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultQueueSize, cap(f.queue))
}
