// Package testutil provides helpers shared by package tests.
package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/banshee-data/beacon.report/internal/monitoring"
)

// Epoch is the fixed start time tests hand to timeutil.NewMockClock.
var Epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// debugRemoteAddr passes tsweb's loopback check on /debug/ routes.
const debugRemoteAddr = "127.0.0.1:12345"

// MuteLogs discards monitoring.Logf output until t finishes.
func MuteLogs(t testing.TB) {
	t.Helper()
	t.Cleanup(monitoring.SetLogger(nil))
}

// NewDebugRequest creates a request that tsweb accepts as coming from
// localhost.
func NewDebugRequest(method, path string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	req.RemoteAddr = debugRemoteAddr
	return req
}

// ServeDebug runs a GET of path through h as a local caller.
func ServeDebug(h http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, NewDebugRequest(http.MethodGet, path, nil))
	return rec
}
