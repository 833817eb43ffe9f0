package api

import (
	"bytes"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/beacon.report/internal/httputil"
	"github.com/banshee-data/beacon.report/internal/report"
	"github.com/banshee-data/beacon.report/internal/units"
)

const (
	defaultStatsWindow = time.Hour
	defaultStatsLimit  = 1000
	maxStatsLimit      = 100000
)

type statsQuery struct {
	since time.Time
	limit int
	units string
}

// parseStatsQuery reads ?window=<duration>&limit=<n>&units=<unit>.
func (s *Server) parseStatsQuery(r *http.Request) (statsQuery, bool) {
	q := statsQuery{limit: defaultStatsLimit, units: s.units}
	window := defaultStatsWindow
	v := r.URL.Query()
	if w := v.Get("window"); w != "" {
		d, err := time.ParseDuration(w)
		if err != nil || d <= 0 {
			return q, false
		}
		window = d
	}
	if l := v.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 || n > maxStatsLimit {
			return q, false
		}
		q.limit = n
	}
	if u := v.Get("units"); u != "" {
		if !units.IsValid(u) {
			return q, false
		}
		q.units = u
	}
	q.since = s.clock.Now().Add(-window)
	return q, true
}

// handleBeaconStats summarises the recent readings of every beacon heard
// in the window.
func (s *Server) handleBeaconStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if !s.storage(w) {
		return
	}
	q, ok := s.parseStatsQuery(r)
	if !ok {
		httputil.BadRequest(w, "invalid window, limit or units (valid units: "+units.GetValidUnitsString()+")")
		return
	}
	ids, err := s.db.ReadingBeaconIDs(q.since)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]report.BeaconStats, 0, len(ids))
	for _, id := range ids {
		readings, err := s.db.RecentReadings(id, q.since, q.limit)
		if err != nil {
			writeError(w, err)
			return
		}
		out = append(out, report.Summarise(id, readings).In(q.units))
	}
	httputil.WriteJSONOK(w, out)
}

// handleBeaconHistory renders one beacon's recent distances as a PNG.
func (s *Server) handleBeaconHistory(w http.ResponseWriter, r *http.Request) {
	if !s.storage(w) {
		return
	}
	q, ok := s.parseStatsQuery(r)
	if !ok {
		httputil.BadRequest(w, "invalid window or limit")
		return
	}
	id := r.PathValue("id")
	readings, err := s.db.RecentReadings(id, q.since, q.limit)
	if err != nil {
		writeError(w, err)
		return
	}
	var buf bytes.Buffer
	if err := report.WriteHistoryPNG(&buf, id, readings); err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(buf.Bytes())
}
