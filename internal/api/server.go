package api

import (
	"bufio"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/beacon.report/internal/app"
	"github.com/banshee-data/beacon.report/internal/auth"
	"github.com/banshee-data/beacon.report/internal/db"
	"github.com/banshee-data/beacon.report/internal/httputil"
	"github.com/banshee-data/beacon.report/internal/ingest"
	"github.com/banshee-data/beacon.report/internal/monitoring"
	"github.com/banshee-data/beacon.report/internal/report"
	"github.com/banshee-data/beacon.report/internal/timeutil"
	"github.com/banshee-data/beacon.report/internal/units"
	"github.com/banshee-data/beacon.report/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

var errStorageDisabled = errors.New("storage disabled")

// Options wires a Server to the rest of the dashboard. DB may be nil, in
// which case the layout and history routes answer 503.
type Options struct {
	State     *app.State
	DB        *db.DB
	Sessions  *auth.Sessions
	Auth      auth.Authenticator
	Simulator *ingest.Simulator
	Counters  *monitoring.Counters
	Clock     timeutil.Clock
	// Units is the default distance unit of the stats routes.
	Units string
}

type Server struct {
	state    *app.State
	db       *db.DB
	sessions *auth.Sessions
	auth     auth.Authenticator
	sim      *ingest.Simulator
	counters *monitoring.Counters
	clock    timeutil.Clock
	units    string
	hub      *Hub
}

func NewServer(o Options) *Server {
	if o.Counters == nil {
		o.Counters = &monitoring.Counters{}
	}
	if o.Sessions == nil {
		o.Sessions = auth.NewSessions(0, nil)
	}
	if o.Clock == nil {
		o.Clock = timeutil.RealClock{}
	}
	if !units.IsValid(o.Units) {
		o.Units = units.Meters
	}
	return &Server{
		state:    o.State,
		db:       o.DB,
		sessions: o.Sessions,
		auth:     o.Auth,
		sim:      o.Simulator,
		counters: o.Counters,
		clock:    o.Clock,
		units:    o.Units,
		hub:      NewHub(o.State),
	}
}

// Hub returns the live feed hub.
func (s *Server) Hub() *Hub { return s.hub }

// Close disconnects live feed clients.
func (s *Server) Close() { s.hub.Close() }

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack passes through to the underlying writer for websocket upgrades.
func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	lrw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns the API routes. Every route except login, logout and
// version requires a session.
func (s *Server) ServeMux() *http.ServeMux {
	api := http.NewServeMux()
	api.HandleFunc("/api/grid", s.handleGrid)
	api.HandleFunc("/api/beacons/toggle", s.handleToggle)
	api.HandleFunc("/api/beacons/stats", s.handleBeaconStats)
	api.HandleFunc("GET /api/beacons/{id}/history.png", s.handleBeaconHistory)
	api.HandleFunc("/api/simulate", s.handleSimulate)
	api.HandleFunc("/api/background", s.handleBackground)
	api.HandleFunc("/api/layout/export", s.handleExport)
	api.HandleFunc("/api/layout/import", s.handleImport)
	api.HandleFunc("/api/layouts", s.handleLayouts)
	api.HandleFunc("GET /api/layouts/{id}", s.handleGetLayout)
	api.HandleFunc("DELETE /api/layouts/{id}", s.handleDeleteLayout)
	api.HandleFunc("POST /api/layouts/{id}/load", s.handleLoadLayout)
	api.HandleFunc("/api/login", s.sessions.LoginHandler(s.auth))
	api.HandleFunc("/api/logout", s.sessions.LogoutHandler)
	api.HandleFunc("/api/version", s.handleVersion)
	api.Handle("/ws", s.hub)

	gated := s.sessions.Middleware(api, "/api/login", "/api/logout", "/api/version")
	mux := http.NewServeMux()
	mux.Handle("/api/", gated)
	mux.Handle("/ws", gated)
	return mux
}

// AttachAdminRoutes adds the ingest counters and a coverage chart to the
// tsweb debug page.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.Handle("ingest", "Ingest counters", s.counters)
	debug.Handle("coverage", "Coverage heatmap", http.HandlerFunc(s.serveCoverageChart))
}

func (s *Server) serveCoverageChart(w http.ResponseWriter, r *http.Request) {
	snap := s.state.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := report.RenderCoverageChart(w, snap.Coverage, r.URL.Query().Get("assets")); err != nil {
		monitoring.Logf("coverage chart: %v", err)
	}
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, map[string]string{
		"version":    version.Version,
		"git_sha":    version.GitSHA,
		"build_time": version.BuildTime,
	})
}
