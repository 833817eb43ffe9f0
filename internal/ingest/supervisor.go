package ingest

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/banshee-data/beacon.report/internal/frame"
	"github.com/banshee-data/beacon.report/internal/monitoring"
	"github.com/banshee-data/beacon.report/internal/serialmux"
	"github.com/banshee-data/beacon.report/internal/timeutil"
)

// lineBuffer is the mux subscription capacity used by the decoder.
const lineBuffer = 256

// SupervisorConfig describes the transport a Supervisor owns.
type SupervisorConfig struct {
	Path    string
	Options serialmux.PortOptions
	Decoder frame.Decoder

	// Backoff overrides ReconnectBackoff when positive.
	Backoff time.Duration
}

// Supervisor owns one transport. It opens the port through a factory,
// decodes every line and reconnects after a fixed backoff whenever the port
// fails, until its context is cancelled.
type Supervisor struct {
	cfg      SupervisorConfig
	factory  serialmux.SerialPortFactory
	mux      *serialmux.SerialMux[serialmux.SerialPorter]
	out      chan<- Batch
	clock    timeutil.Clock
	counters *monitoring.Counters
}

func NewSupervisor(cfg SupervisorConfig, factory serialmux.SerialPortFactory, out chan<- Batch, counters *monitoring.Counters, clock timeutil.Clock) (*Supervisor, error) {
	if cfg.Decoder == nil {
		return nil, fmt.Errorf("ingest: decoder is required")
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("ingest: port path is required")
	}
	if _, err := cfg.Options.Normalise(); err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = ReconnectBackoff
	}
	if counters == nil {
		counters = &monitoring.Counters{}
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	mux := serialmux.NewDetachedSerialMux[serialmux.SerialPorter]()
	mux.OnDrop(func() { counters.SerialDropped.Add(1) })
	return &Supervisor{
		cfg:      cfg,
		factory:  factory,
		mux:      mux,
		out:      out,
		clock:    clock,
		counters: counters,
	}, nil
}

// Mux exposes the line multiplexer so debug routes can tail the port and
// send commands. It stays valid across reconnects.
func (s *Supervisor) Mux() *serialmux.SerialMux[serialmux.SerialPorter] { return s.mux }

// Run blocks until ctx is cancelled and returns ctx.Err(). Transport errors
// are logged and retried, never returned.
func (s *Supervisor) Run(ctx context.Context) error {
	id, lines := s.mux.SubscribeBuffered(lineBuffer)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.decodeLines(ctx, lines)
	}()
	defer wg.Wait()
	defer s.mux.Unsubscribe(id)

	for {
		err := s.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.counters.Reconnects.Add(1)
		monitoring.Logf("ingest: %v; retrying in %s", err, s.cfg.Backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(s.cfg.Backoff):
		}
	}
}

// session runs one connection. The port is closed on every return path.
func (s *Supervisor) session(ctx context.Context) error {
	port, err := s.factory.Open(s.cfg.Path, s.cfg.Options)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransportDisconnected, err)
	}
	s.mux.Attach(port)
	defer s.mux.Detach()

	// a read blocked in the port only returns once the port is closed
	stop := context.AfterFunc(ctx, func() { s.mux.Detach() })
	defer stop()

	monitoring.Logf("ingest: reading %s frames from %s", s.cfg.Decoder.Format(), s.cfg.Path)
	err = s.mux.Monitor(ctx)
	if err == nil {
		err = io.EOF
	}
	return fmt.Errorf("%w: %s: %v", ErrTransportDisconnected, s.cfg.Path, err)
}

func (s *Supervisor) decodeLines(ctx context.Context, lines <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			b, ok, err := decodeLine(s.cfg.Decoder, s.clock, s.counters, line)
			if err != nil {
				monitoring.Logf("ingest: skipping frame: %v", err)
				continue
			}
			if !ok {
				continue
			}
			if send(ctx, s.out, b) != nil {
				return
			}
		}
	}
}
