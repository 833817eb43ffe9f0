// Command dashboard serves the coverage grid, its live feed and the layout
// store, fed by a serial beacon reader or simulation input.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/beacon.report/internal/api"
	"github.com/banshee-data/beacon.report/internal/app"
	"github.com/banshee-data/beacon.report/internal/auth"
	"github.com/banshee-data/beacon.report/internal/config"
	"github.com/banshee-data/beacon.report/internal/db"
	"github.com/banshee-data/beacon.report/internal/egress"
	"github.com/banshee-data/beacon.report/internal/frame"
	"github.com/banshee-data/beacon.report/internal/httputil"
	"github.com/banshee-data/beacon.report/internal/ingest"
	"github.com/banshee-data/beacon.report/internal/monitoring"
	"github.com/banshee-data/beacon.report/internal/serialmux"
	"github.com/banshee-data/beacon.report/internal/timeutil"
	"github.com/banshee-data/beacon.report/internal/version"
	"github.com/banshee-data/beacon.report/web"
)

var (
	configPath  = flag.String("config", "", "Path to a JSON config file")
	envFile     = flag.String("env", ".env", "Optional .env file with BEACON_* overrides")
	listen      = flag.String("listen", "", "Listen address (overrides config)")
	port        = flag.String("port", "", "Serial port (overrides config); \"none\" disables serial input")
	baud        = flag.Int("baud", 0, "Baud rate (overrides config)")
	format      = flag.String("format", "", "Frame format: binary, text or simple (overrides config)")
	dbPath      = flag.String("db", "", "SQLite database path (overrides config); \"none\" disables storage")
	replay      = flag.String("replay", "", "Replay recorded frames from this file instead of a serial port")
	forward     = flag.Bool("forward", false, "Also forward every batch to the egress endpoint")
	devMode     = flag.Bool("dev", false, "Serve static files from ./web/static")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

const noneValue = "none"

// pruneInterval is how often readings older than the retention are removed.
const pruneInterval = time.Hour

func applyFlags(set *flag.FlagSet, cfg *config.Config) {
	set.Visit(func(f *flag.Flag) {
		v := f.Value.String()
		switch f.Name {
		case "listen":
			cfg.Listen = &v
		case "port":
			cfg.SerialPort = &v
		case "format":
			cfg.FrameFormat = &v
		case "db":
			cfg.DBPath = &v
		case "replay":
			cfg.ReplayFile = &v
		case "baud":
			b := *baud
			cfg.BaudRate = &b
		}
	})
}

// dashboard is everything main wires together, minus the listener.
type dashboard struct {
	cfg      *config.Config
	clock    timeutil.Clock
	counters *monitoring.Counters
	state    *app.State
	db       *db.DB
	recorder *db.Recorder
	fwd      *egress.Forwarder
	sup      *ingest.Supervisor
	serial   serialmux.SerialMuxInterface
	server   *api.Server
	batches  chan ingest.Batch
	static   fs.FS
}

type deps struct {
	// factory is nil when serial input is disabled.
	factory serialmux.SerialPortFactory
	db      *db.DB
	auth    auth.Authenticator
	client  httputil.HTTPClient
	clock   timeutil.Clock
	forward bool
	static  fs.FS
}

func newDashboard(cfg *config.Config, d deps) (*dashboard, error) {
	if d.clock == nil {
		d.clock = timeutil.RealClock{}
	}
	counters := &monitoring.Counters{}
	w, h, cs := cfg.GetGridInput()
	state, err := app.New(app.GridInput{Width: w, Height: h, GridSize: cs}, counters, d.clock)
	if err != nil {
		return nil, fmt.Errorf("invalid grid configuration: %w", err)
	}

	ds := &dashboard{
		cfg:      cfg,
		clock:    d.clock,
		counters: counters,
		state:    state,
		db:       d.db,
		batches:  make(chan ingest.Batch, 64),
		static:   d.static,
		serial:   serialmux.NewDisabledSerialMux(),
	}

	if d.factory != nil {
		dec, err := frame.NewDecoder(cfg.GetFrameFormat(), cfg.GetTOFScale())
		if err != nil {
			return nil, err
		}
		ds.sup, err = ingest.NewSupervisor(ingest.SupervisorConfig{
			Path:    cfg.GetSerialPort(),
			Options: cfg.GetPortOptions(),
			Decoder: dec,
		}, d.factory, ds.batches, counters, d.clock)
		if err != nil {
			return nil, err
		}
		ds.serial = ds.sup.Mux()
	}

	if d.db != nil {
		ds.recorder = db.NewRecorder(d.db, 0)
		state.Subscribe(func(e app.Event) {
			if e.Kind == app.EventReadings {
				ds.recorder.Enqueue(e.Batch.Format, e.Batch.Received, e.Batch.Readings)
			}
		})
	}

	if d.forward {
		ds.fwd, err = egress.NewForwarder(cfg.GetEgressEndpoint(), d.client, cfg.GetEgressQueueSize(), counters)
		if err != nil {
			return nil, err
		}
		state.Subscribe(func(e app.Event) {
			if e.Kind == app.EventReadings {
				ds.fwd.Enqueue(e.Batch)
			}
		})
	}

	ds.server = api.NewServer(api.Options{
		State:     state,
		DB:        d.db,
		Sessions:  auth.NewSessions(cfg.GetSessionTTL(), d.clock),
		Auth:      d.auth,
		Simulator: ingest.NewSimulator(ds.batches, counters, d.clock),
		Counters:  counters,
		Clock:     d.clock,
		Units:     cfg.GetUnits(),
	})
	return ds, nil
}

// handler returns the full HTTP surface: API, live feed, static client and
// debug routes.
func (ds *dashboard) handler() (http.Handler, error) {
	mux := ds.server.ServeMux()
	ds.serial.AttachAdminRoutes(mux)
	ds.server.AttachAdminRoutes(mux)
	if ds.db != nil {
		if err := ds.db.AttachAdminRoutes(mux); err != nil {
			return nil, err
		}
	}
	if ds.static != nil {
		mux.Handle("/static/", http.StripPrefix("/static", http.FileServerFS(ds.static)))
		mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
			http.ServeFileFS(w, r, ds.static, "index.html")
		})
	}
	return api.LoggingMiddleware(mux), nil
}

// run starts every background routine and blocks until ctx is cancelled and
// all of them have returned.
func (ds *dashboard) run(ctx context.Context) {
	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("%s stopped: %v", name, err)
			}
			log.Printf("%s routine terminated", name)
		}()
	}

	start("consumer", func(ctx context.Context) error { return ds.state.Consume(ctx, ds.batches) })
	if ds.sup != nil {
		start("supervisor", ds.sup.Run)
	}
	if ds.recorder != nil {
		start("recorder", ds.recorder.Run)
		start("pruner", ds.prune)
	}
	if ds.fwd != nil {
		start("forwarder", ds.fwd.Run)
	}
	wg.Wait()
	ds.server.Close()
}

// prune removes readings older than the retention on every tick.
func (ds *dashboard) prune(ctx context.Context) error {
	ticker := ds.clock.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		ds.pruneOnce()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
		}
	}
}

func (ds *dashboard) pruneOnce() {
	cutoff := ds.clock.Now().Add(-ds.cfg.GetReadingRetention())
	n, err := ds.db.PruneReadings(cutoff)
	if err != nil {
		log.Printf("failed to prune readings: %v", err)
		return
	}
	if n > 0 {
		log.Printf("pruned %d readings older than %s", n, cutoff.Format(time.RFC3339))
	}
}

func portFactory(cfg *config.Config) (serialmux.SerialPortFactory, error) {
	if path := cfg.GetReplayFile(); path != "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		lines, err := serialmux.LoadReplayFile(path, []string{cwd, os.TempDir()})
		if err != nil {
			return nil, err
		}
		log.Printf("replaying %d lines from %s", len(lines), path)
		return serialmux.ReplayPortFactory{Lines: lines, Interval: cfg.GetReplayInterval()}, nil
	}
	if cfg.GetSerialPort() == noneValue {
		return nil, nil
	}
	return serialmux.NewRealSerialPortFactory(), nil
}

func authenticator(cfg *config.Config) (auth.Authenticator, error) {
	if u := cfg.GetPocketBaseURL(); u != "" {
		log.Printf("authenticating against PocketBase at %s", u)
		return auth.NewPocketBase(u, httputil.NewStandardClient(nil))
	}
	if cfg.AuthIdentity == "" {
		log.Print("no PocketBase URL or BEACON_AUTH_IDENTITY set; every login will be rejected")
	}
	return auth.Static{Identity: cfg.AuthIdentity, Password: cfg.AuthPassword}, nil
}

func loadConfig() *config.Config {
	cfg, err := config.FromFiles(*configPath, *envFile)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	applyFlags(flag.CommandLine, cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	return cfg
}

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String("beacon-dashboard"))
		return
	}

	if flag.Arg(0) == "migrate" {
		cfg := loadConfig()
		if err := db.RunMigrateCommand(flag.Args()[1:], cfg.GetDBPath(), os.Stdout); err != nil {
			if !errors.Is(err, db.ErrUsage) {
				log.Printf("migrate: %v", err)
			}
			os.Exit(1)
		}
		return
	}

	cfg := loadConfig()

	var database *db.DB
	if cfg.GetDBPath() != noneValue {
		var err error
		database, err = db.NewDB(cfg.GetDBPath())
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer database.Close()
	}

	factory, err := portFactory(cfg)
	if err != nil {
		log.Fatalf("failed to set up serial input: %v", err)
	}
	authn, err := authenticator(cfg)
	if err != nil {
		log.Fatalf("failed to set up authentication: %v", err)
	}

	static := web.StaticFiles()
	if *devMode {
		static = os.DirFS("./web/static")
	}

	ds, err := newDashboard(cfg, deps{
		factory: factory,
		db:      database,
		auth:    authn,
		client:  httputil.NewStandardClient(nil),
		forward: *forward,
		static:  static,
	})
	if err != nil {
		log.Fatalf("failed to start dashboard: %v", err)
	}
	handler, err := ds.handler()
	if err != nil {
		log.Fatalf("failed to attach admin routes: %v", err)
	}
	log.Printf("%s listening on %s", version.String("beacon-dashboard"), cfg.GetListen())

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ds.run(ctx)
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()
		server := &http.Server{Addr: cfg.GetListen(), Handler: handler}

		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
