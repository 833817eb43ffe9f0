// Command bridge reads beacon ranging frames from a serial port and forwards
// every decoded batch as JSON to an HTTP endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/beacon.report/internal/config"
	"github.com/banshee-data/beacon.report/internal/egress"
	"github.com/banshee-data/beacon.report/internal/frame"
	"github.com/banshee-data/beacon.report/internal/httputil"
	"github.com/banshee-data/beacon.report/internal/ingest"
	"github.com/banshee-data/beacon.report/internal/monitoring"
	"github.com/banshee-data/beacon.report/internal/serialmux"
	"github.com/banshee-data/beacon.report/internal/timeutil"
	"github.com/banshee-data/beacon.report/internal/version"
)

var (
	configPath  = flag.String("config", "", "Path to a JSON config file")
	envFile     = flag.String("env", ".env", "Optional .env file with BEACON_* overrides")
	port        = flag.String("port", "", "Serial port (overrides config)")
	baud        = flag.Int("baud", 0, "Baud rate (overrides config)")
	format      = flag.String("format", "", "Frame format: binary, text or simple (overrides config)")
	endpoint    = flag.String("endpoint", "", "Egress endpoint (overrides config)")
	replay      = flag.String("replay", "", "Replay recorded frames from this file instead of a serial port")
	debugListen = flag.String("debug-listen", "", "Serve /debug/ routes on this address")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// applyFlags copies explicitly set flags over cfg.
func applyFlags(set *flag.FlagSet, cfg *config.Config) {
	set.Visit(func(f *flag.Flag) {
		v := f.Value.String()
		switch f.Name {
		case "port":
			cfg.SerialPort = &v
		case "format":
			cfg.FrameFormat = &v
		case "endpoint":
			cfg.EgressEndpoint = &v
		case "replay":
			cfg.ReplayFile = &v
		case "baud":
			b := *baud
			cfg.BaudRate = &b
		}
	})
}

// bridge is the wired pipeline: supervisor -> batches -> forwarder.
type bridge struct {
	sup      *ingest.Supervisor
	fwd      *egress.Forwarder
	batches  chan ingest.Batch
	counters *monitoring.Counters
}

func newBridge(cfg *config.Config, factory serialmux.SerialPortFactory, client httputil.HTTPClient, clock timeutil.Clock) (*bridge, error) {
	dec, err := frame.NewDecoder(cfg.GetFrameFormat(), cfg.GetTOFScale())
	if err != nil {
		return nil, err
	}
	counters := &monitoring.Counters{}
	batches := make(chan ingest.Batch, 64)
	sup, err := ingest.NewSupervisor(ingest.SupervisorConfig{
		Path:    cfg.GetSerialPort(),
		Options: cfg.GetPortOptions(),
		Decoder: dec,
	}, factory, batches, counters, clock)
	if err != nil {
		return nil, err
	}
	fwd, err := egress.NewForwarder(cfg.GetEgressEndpoint(), client, cfg.GetEgressQueueSize(), counters)
	if err != nil {
		return nil, err
	}
	return &bridge{sup: sup, fwd: fwd, batches: batches, counters: counters}, nil
}

// run blocks until ctx is cancelled.
func (b *bridge) run(ctx context.Context) {
	var wg sync.WaitGroup
	for name, fn := range map[string]func(context.Context) error{
		"supervisor": b.sup.Run,
		"forwarder":  b.fwd.Run,
		"consumer": func(ctx context.Context) error {
			return b.fwd.Consume(ctx, b.batches)
		},
	} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("%s stopped: %v", name, err)
			}
		}()
	}
	wg.Wait()
}

func (b *bridge) debugMux() *http.ServeMux {
	mux := http.NewServeMux()
	b.sup.Mux().AttachAdminRoutes(mux)
	tsweb.Debugger(mux).Handle("ingest", "Ingest counters", b.counters)
	return mux
}

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String("beacon-bridge"))
		return
	}

	cfg, err := config.FromFiles(*configPath, *envFile)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	applyFlags(flag.CommandLine, cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	var factory serialmux.SerialPortFactory = serialmux.NewRealSerialPortFactory()
	if path := cfg.GetReplayFile(); path != "" {
		cwd, err := os.Getwd()
		if err != nil {
			log.Fatalf("failed to get working directory: %v", err)
		}
		lines, err := serialmux.LoadReplayFile(path, []string{cwd, os.TempDir()})
		if err != nil {
			log.Fatalf("failed to load replay file: %v", err)
		}
		factory = serialmux.ReplayPortFactory{Lines: lines, Interval: cfg.GetReplayInterval()}
		log.Printf("replaying %d lines from %s", len(lines), path)
	}

	b, err := newBridge(cfg, factory, httputil.NewStandardClient(nil), timeutil.RealClock{})
	if err != nil {
		log.Fatalf("failed to start bridge: %v", err)
	}
	log.Printf("%s: %s (%s) -> %s", version.String("beacon-bridge"), cfg.GetSerialPort(), cfg.GetFrameFormat(), b.fwd.Endpoint())

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wg.Add(1)
	go func() {
		defer wg.Done()
		b.run(ctx)
		log.Print("bridge routines terminated")
	}()

	if *debugListen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			server := &http.Server{Addr: *debugListen, Handler: b.debugMux()}
			go func() {
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatalf("failed to start debug server: %v", err)
				}
			}()
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Printf("debug server shutdown error: %v", err)
				server.Close()
			}
		}()
	}

	wg.Wait()
	c := b.counters.Snapshot()
	log.Printf("Graceful shutdown complete: %d frames decoded, %d malformed, %d sent, %d failed, %d dropped",
		c.FramesDecoded, c.FramesMalformed, c.EgressSent, c.EgressFailed, c.EgressDropped)
}
