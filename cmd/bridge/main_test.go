package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/beacon.report/internal/config"
	"github.com/banshee-data/beacon.report/internal/egress"
	"github.com/banshee-data/beacon.report/internal/serialmux"
	"github.com/banshee-data/beacon.report/internal/testutil"
	"github.com/banshee-data/beacon.report/internal/timeutil"
)

func strPtr(s string) *string { return &s }

func TestBridgeEndToEnd(t *testing.T) {
	testutil.MuteLogs(t)

	var mu sync.Mutex
	var got []egress.Payload
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p egress.Payload
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &p); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		got = append(got, p)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	cfg := &config.Config{
		FrameFormat:    strPtr("text"),
		EgressEndpoint: strPtr(ts.URL + "/api/click"),
	}
	port := serialmux.NewBlockingSerialPort(
		"b'255 20 49 9 88 159 72 74 134 83 0 54 136 28 56 144 72 74 134 83 0 80 ",
		"garbage",
	)
	factory := serialmux.NewMockSerialPortFactory(port)
	b, err := newBridge(cfg, factory, nil, timeutil.RealClock{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		c := b.counters.Snapshot()
		return c.EgressSent == 1 && c.FramesMalformed == 1
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].BeaconNum)
	require.Len(t, got[0].Beacons, 2)
	assert.Equal(t, 54, got[0].Beacons[0].Centimeter)
	assert.Equal(t, 80, got[0].Beacons[1].Centimeter)
	assert.Equal(t, int64(1), b.counters.FramesDecoded.Load())

	// the port is opened with a bounded read so cancellation is noticed
	require.GreaterOrEqual(t, factory.Calls(), 1)
	assert.Equal(t, serialmux.DefaultReadTimeout, factory.OpenCalls[0].Options.ReadTimeout)
}

func TestNewBridge_InvalidEndpoint(t *testing.T) {
	cfg := &config.Config{EgressEndpoint: strPtr("not a url")}
	_, err := newBridge(cfg, serialmux.NewMockSerialPortFactory(), nil, nil)
	assert.Error(t, err)
}

func TestApplyFlags(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.String("port", "", "")
	fs.String("format", "", "")
	fs.String("endpoint", "", "")
	fs.String("replay", "", "")
	require.NoError(t, fs.Parse([]string{"-port", "/dev/ttyACM1", "-format", "binary"}))

	cfg := &config.Config{SerialPort: strPtr("/dev/ttyUSB0"), EgressEndpoint: strPtr("http://backend:8090/api/click")}
	applyFlags(fs, cfg)
	assert.Equal(t, "/dev/ttyACM1", cfg.GetSerialPort())
	assert.Equal(t, "binary", *cfg.FrameFormat)
	assert.Equal(t, "http://backend:8090/api/click", cfg.GetEgressEndpoint(), "unset flags leave config alone")
	assert.Nil(t, cfg.ReplayFile)
}
