package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/beacon.report/internal/frame"
	"github.com/banshee-data/beacon.report/internal/monitoring"
	"github.com/banshee-data/beacon.report/internal/serialmux"
	"github.com/banshee-data/beacon.report/internal/timeutil"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func muteLogs(t *testing.T) {
	t.Cleanup(monitoring.SetLogger(nil))
}

func recvBatch(t *testing.T, ch <-chan Batch) Batch {
	t.Helper()
	select {
	case b := <-ch:
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for batch")
		return Batch{}
	}
}

func newSupervisor(t *testing.T, format frame.Format, factory serialmux.SerialPortFactory) (*Supervisor, chan Batch, *monitoring.Counters, *timeutil.MockClock) {
	t.Helper()
	dec, err := frame.NewDecoder(format, 0.01)
	require.NoError(t, err)
	out := make(chan Batch, 8)
	counters := &monitoring.Counters{}
	clock := timeutil.NewMockClock(epoch)
	s, err := NewSupervisor(SupervisorConfig{Path: "/dev/ttyUSB0", Decoder: dec}, factory, out, counters, clock)
	require.NoError(t, err)
	return s, out, counters, clock
}

func TestSupervisor_DecodesAndSkipsMalformed(t *testing.T) {
	muteLogs(t)
	port := serialmux.NewBlockingSerialPort("A:1.5", "garbage", "", "B:0.25")
	s, out, counters, _ := newSupervisor(t, frame.FormatSimple, serialmux.NewMockSerialPortFactory(port))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	b := recvBatch(t, out)
	assert.Equal(t, frame.FormatSimple, b.Format)
	assert.Equal(t, epoch, b.Received)
	assert.Equal(t, []frame.BeaconReading{{BeaconID: "A", DistanceMeters: 1.5}}, b.Readings)
	b = recvBatch(t, out)
	assert.Equal(t, "B", b.Readings[0].BeaconID)

	assert.Equal(t, int64(2), counters.FramesDecoded.Load())
	assert.Equal(t, int64(1), counters.FramesMalformed.Load())

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
	assert.True(t, port.IsClosed(), "port must be released on shutdown")
	assert.Zero(t, counters.Reconnects.Load())
}

func TestSupervisor_CountsLinesDroppedWhileConsumerStalls(t *testing.T) {
	muteLogs(t)
	lines := make([]string, 600)
	for i := range lines {
		lines[i] = "A:1"
	}
	port := serialmux.NewBlockingSerialPort(lines...)
	// nothing reads out, so the decoder stalls and the line buffer fills
	s, _, counters, _ := newSupervisor(t, frame.FormatSimple, serialmux.NewMockSerialPortFactory(port))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return counters.FramesDecoded.Load()+int64(lineBuffer)+counters.SerialDropped.Load() >= int64(len(lines))
	}, 2*time.Second, 5*time.Millisecond)
	assert.Positive(t, counters.SerialDropped.Load())
	assert.Equal(t, s.Mux().Dropped(), counters.SerialDropped.Load())
	assert.Equal(t, counters.SerialDropped.Load(), counters.Snapshot().SerialDropped)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestSupervisor_ReconnectsAfterFixedBackoff(t *testing.T) {
	muteLogs(t)
	first := serialmux.NewBlockingSerialPort("A:1")
	second := serialmux.NewBlockingSerialPort()
	factory := serialmux.NewMockSerialPortFactory(first, second)
	s, out, counters, clock := newSupervisor(t, frame.FormatSimple, factory)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Equal(t, "A", recvBatch(t, out).Readings[0].BeaconID)

	first.Fail(errors.New("usb reset"))
	require.True(t, clock.WaitForPending(1, 2*time.Second), "supervisor should wait before reconnecting")
	assert.Equal(t, []time.Duration{ReconnectBackoff}, clock.Pending())
	assert.True(t, first.IsClosed())
	assert.Equal(t, int64(1), counters.Reconnects.Load())
	assert.Equal(t, 1, factory.Calls())

	clock.Advance(ReconnectBackoff - time.Millisecond)
	assert.Equal(t, 1, factory.Calls())
	clock.Advance(time.Millisecond)

	require.Eventually(t, func() bool { return factory.Calls() == 2 }, 2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return s.Mux().Connected() }, 2*time.Second, 5*time.Millisecond)
	second.AddLine("C:3")
	assert.Equal(t, "C", recvBatch(t, out).Readings[0].BeaconID)

	cancel()
	<-done
	assert.True(t, second.IsClosed())
}

func TestSupervisor_OpenFailureRetries(t *testing.T) {
	muteLogs(t)
	factory := serialmux.NewMockSerialPortFactory()
	factory.Error = errors.New("no such device")
	s, _, counters, clock := newSupervisor(t, frame.FormatText, factory)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	for i := 1; i <= 3; i++ {
		require.True(t, clock.WaitForPending(1, 2*time.Second))
		assert.Equal(t, i, factory.Calls())
		clock.Advance(ReconnectBackoff)
		require.Eventually(t, func() bool { return factory.Calls() == i+1 }, 2*time.Second, time.Millisecond)
	}
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.GreaterOrEqual(t, counters.Reconnects.Load(), int64(3))
}

func TestSupervisor_TextFrames(t *testing.T) {
	muteLogs(t)
	port := serialmux.NewBlockingSerialPort("b'255 20 49 9 88 159 72 74 134 83 0 54 136 28 56 144 72 74 134 83 0 80 ")
	s, out, _, _ := newSupervisor(t, frame.FormatText, serialmux.NewMockSerialPortFactory(port))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	b := recvBatch(t, out)
	assert.Equal(t, frame.FormatText, b.Format)
	require.Len(t, b.Readings, 2)
	assert.Equal(t, 54, b.Readings[0].Centimeters())
	assert.Equal(t, 80, b.Readings[1].Centimeters())
}

func TestNewSupervisor_Validation(t *testing.T) {
	dec, err := frame.NewDecoder(frame.FormatSimple, 0)
	require.NoError(t, err)
	f := serialmux.NewMockSerialPortFactory()

	_, err = NewSupervisor(SupervisorConfig{Path: "/dev/x"}, f, nil, nil, nil)
	assert.Error(t, err)
	_, err = NewSupervisor(SupervisorConfig{Decoder: dec}, f, nil, nil, nil)
	assert.Error(t, err)
	_, err = NewSupervisor(SupervisorConfig{Path: "/dev/x", Decoder: dec, Options: serialmux.PortOptions{Parity: "Q"}}, f, nil, nil, nil)
	assert.Error(t, err)

	s, err := NewSupervisor(SupervisorConfig{Path: "/dev/x", Decoder: dec}, f, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, ReconnectBackoff, s.cfg.Backoff)
}

func TestSimulator(t *testing.T) {
	out := make(chan Batch, 2)
	counters := &monitoring.Counters{}
	sim := NewSimulator(out, counters, timeutil.NewMockClock(epoch))
	ctx := context.Background()

	b, err := sim.Submit(ctx, "A1:2.75")
	require.NoError(t, err)
	assert.Equal(t, b, <-out)
	assert.Equal(t, frame.FormatSimple, b.Format)

	b, err = sim.SubmitReading(ctx, " B2 ", 4)
	require.NoError(t, err)
	assert.Equal(t, []frame.BeaconReading{{BeaconID: "B2", DistanceMeters: 4}}, b.Readings)
	<-out

	_, err = sim.Submit(ctx, "no-delimiter")
	assert.ErrorIs(t, err, frame.ErrMalformedFrame)
	_, err = sim.Submit(ctx, "   ")
	assert.ErrorIs(t, err, frame.ErrMalformedFrame)
	_, err = sim.SubmitReading(ctx, "", 1)
	assert.ErrorIs(t, err, frame.ErrMalformedFrame)
	_, err = sim.SubmitReading(ctx, "A", -1)
	assert.ErrorIs(t, err, frame.ErrMalformedFrame)
	assert.Equal(t, int64(1), counters.FramesMalformed.Load())
	assert.Equal(t, int64(2), counters.FramesDecoded.Load())
}

func TestSimulator_CancelledWhileQueueFull(t *testing.T) {
	out := make(chan Batch)
	sim := NewSimulator(out, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := sim.Submit(ctx, "A:1")
	assert.ErrorIs(t, err, context.Canceled)
}
