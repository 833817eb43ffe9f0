package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/banshee-data/beacon.report/internal/app"
	"github.com/banshee-data/beacon.report/internal/db"
	"github.com/banshee-data/beacon.report/internal/floorplan"
	"github.com/banshee-data/beacon.report/internal/frame"
	"github.com/banshee-data/beacon.report/internal/grid"
	"github.com/banshee-data/beacon.report/internal/httputil"
	"github.com/banshee-data/beacon.report/internal/report"
)

const maxJSONBody = 1 << 16

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err := dec.Decode(v); err != nil {
		httputil.BadRequest(w, "invalid JSON body")
		return false
	}
	return true
}

// errorStatus maps domain errors onto HTTP status codes.
func errorStatus(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, grid.ErrDuplicateBeaconID), errors.Is(err, grid.ErrCellOccupied):
		return http.StatusConflict
	case errors.Is(err, grid.ErrInvalidGridParameters),
		errors.Is(err, grid.ErrCellOutOfRange),
		errors.Is(err, grid.ErrEmptyBeaconID),
		errors.Is(err, floorplan.ErrInvalidMetadata),
		errors.Is(err, floorplan.ErrNotPNG),
		errors.Is(err, frame.ErrMalformedFrame),
		errors.Is(err, http.ErrMissingFile):
		return http.StatusBadRequest
	case errors.Is(err, errStorageDisabled),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	case errors.Is(err, db.ErrLayoutNotFound), errors.Is(err, report.ErrNoReadings):
		return http.StatusNotFound
	case errors.Is(err, db.ErrLayoutName):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	httputil.WriteJSONError(w, errorStatus(err), err.Error())
}

// readUpload returns an uploaded image from a multipart form field or, for
// any other content type, the raw request body.
func readUpload(w http.ResponseWriter, r *http.Request, field string) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, floorplan.MaxImageBytes+1<<20)
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mt != "multipart/form-data" {
		return io.ReadAll(r.Body)
	}
	f, _, err := r.FormFile(field)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// GET returns the current snapshot; POST regenerates the grid from
// {"width", "height", "grid_size"}.
func (s *Server) handleGrid(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		httputil.WriteJSONOK(w, s.state.Snapshot())
	case http.MethodPost:
		var in app.GridInput
		if !decodeJSON(w, r, &in) {
			return
		}
		if err := s.state.Regenerate(in); err != nil {
			writeError(w, err)
			return
		}
		httputil.WriteJSONOK(w, s.state.Snapshot())
	default:
		httputil.MethodNotAllowed(w)
	}
}

type toggleRequest struct {
	BeaconID string   `json:"beacon_id"`
	Row      *int     `json:"row"`
	Col      *int     `json:"col"`
	X        *float64 `json:"x"`
	Y        *float64 `json:"y"`
}

// handleToggle places or removes a beacon, addressed by cell or by pixel
// position on the floorplan image.
func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req toggleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	var (
		t   grid.Toggle
		err error
	)
	switch {
	case req.Row != nil && req.Col != nil:
		t, err = s.state.Toggle(grid.Coord{Row: *req.Row, Col: *req.Col}, req.BeaconID)
	case req.X != nil && req.Y != nil:
		t, err = s.state.ToggleAt(*req.X, *req.Y, req.BeaconID)
	default:
		httputil.BadRequest(w, "either row and col or x and y are required")
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, t)
}

type simulateRequest struct {
	Line           string   `json:"line"`
	BeaconID       string   `json:"beacon_id"`
	DistanceMeters *float64 `json:"distance_meters"`
}

// handleSimulate feeds a reading into the ingest path as if it came from
// the serial port, either as a raw "ID:DISTANCE" line or as fields.
func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.sim == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "simulation disabled")
		return
	}
	var req simulateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	var err error
	if strings.TrimSpace(req.Line) != "" {
		_, err = s.sim.Submit(r.Context(), req.Line)
	} else if req.DistanceMeters != nil {
		_, err = s.sim.SubmitReading(r.Context(), req.BeaconID, *req.DistanceMeters)
	} else {
		httputil.BadRequest(w, "line or beacon_id and distance_meters are required")
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// GET serves the background image; POST replaces it and resizes the grid
// to the image.
func (s *Server) handleBackground(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		img := s.state.Background()
		if img == nil {
			httputil.NotFound(w, "no background loaded")
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(img)
	case http.MethodPost:
		img, err := readUpload(w, r, "image")
		if err != nil {
			writeError(w, err)
			return
		}
		if err := s.state.SetBackground(img); err != nil {
			writeError(w, err)
			return
		}
		httputil.WriteJSONOK(w, s.state.Snapshot())
	default:
		httputil.MethodNotAllowed(w)
	}
}
