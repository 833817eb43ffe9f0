package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"

	"github.com/banshee-data/beacon.report/internal/db"
	"github.com/banshee-data/beacon.report/internal/floorplan"
	"github.com/banshee-data/beacon.report/internal/grid"
	"github.com/banshee-data/beacon.report/internal/httputil"
	"github.com/banshee-data/beacon.report/internal/monitoring"
	"github.com/banshee-data/beacon.report/internal/security"
)

// exportFilename turns a user supplied name into a safe attachment name.
func exportFilename(name string) string {
	name = strings.TrimSuffix(strings.TrimSpace(name), ".png")
	if name == "" {
		return "floorplan.png"
	}
	return security.SanitizeFilename(name) + ".png"
}

// handleExport downloads the current layout as a floorplan PNG.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	md, img, err := s.state.Export()
	if err != nil {
		writeError(w, err)
		return
	}
	var buf bytes.Buffer
	if err := floorplan.Write(&buf, img, md); err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", exportFilename(r.URL.Query().Get("name"))))
	w.Write(buf.Bytes())
}

// handleImport replaces the layout with an uploaded floorplan PNG.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	body, err := readUpload(w, r, "floorplan")
	if err != nil {
		writeError(w, err)
		return
	}
	md, img, err := floorplan.Read(bytes.NewReader(body))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.state.Restore(md, img); err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, s.state.Snapshot())
}

func (s *Server) storage(w http.ResponseWriter) bool {
	if s.db == nil {
		writeError(w, errStorageDisabled)
		return false
	}
	return true
}

// GET lists saved layouts; POST saves the current layout under a name.
func (s *Server) handleLayouts(w http.ResponseWriter, r *http.Request) {
	if !s.storage(w) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		list, err := s.db.ListLayouts()
		if err != nil {
			writeError(w, err)
			return
		}
		httputil.WriteJSONOK(w, list)
	case http.MethodPost:
		var req struct {
			Name string `json:"name"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		l := s.currentLayout(req.Name)
		if err := s.db.SaveLayout(l); err != nil {
			writeError(w, err)
			return
		}
		monitoring.Logf("layout %q saved as %s", l.Name, l.ID)
		httputil.WriteJSON(w, http.StatusCreated, l)
	default:
		httputil.MethodNotAllowed(w)
	}
}

func (s *Server) currentLayout(name string) *db.Layout {
	snap := s.state.Snapshot()
	beacons := make(map[string]grid.Coord, len(snap.Beacons))
	for _, b := range snap.Beacons {
		beacons[b.ID] = b.Coord
	}
	return &db.Layout{
		Name:        name,
		Width:       snap.Input.Width,
		Height:      snap.Input.Height,
		GridSize:    snap.Input.GridSize,
		ImageWidth:  snap.ImageWidth,
		ImageHeight: snap.ImageHeight,
		Floorplan:   s.state.Background(),
		Beacons:     beacons,
	}
}

func (s *Server) handleGetLayout(w http.ResponseWriter, r *http.Request) {
	if !s.storage(w) {
		return
	}
	l, err := s.db.GetLayout(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, l)
}

func (s *Server) handleDeleteLayout(w http.ResponseWriter, r *http.Request) {
	if !s.storage(w) {
		return
	}
	if err := s.db.DeleteLayout(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleLoadLayout makes a saved layout the current one.
func (s *Server) handleLoadLayout(w http.ResponseWriter, r *http.Request) {
	if !s.storage(w) {
		return
	}
	l, err := s.db.GetLayout(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	md := floorplan.Metadata{Width: l.Width, Height: l.Height, GridSize: l.GridSize, Beacons: l.Beacons}
	if err := s.state.Restore(md, l.Floorplan); err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, s.state.Snapshot())
}
