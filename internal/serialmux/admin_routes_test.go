package serialmux

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/beacon.report/internal/testutil"
)

func TestAttachAdminRoutes_SendCommandAPI(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux[SerialPorter](port)
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	tests := []struct {
		name       string
		method     string
		form       url.Values
		wantStatus int
		wantBody   string
	}{
		{"valid", http.MethodPost, url.Values{"command": {"RESET"}}, http.StatusOK, `"RESET"`},
		{"empty", http.MethodPost, url.Values{"command": {"  "}}, http.StatusBadRequest, "Missing command"},
		{"missing", http.MethodPost, url.Values{}, http.StatusBadRequest, "Missing command"},
		{"get", http.MethodGet, nil, http.StatusMethodNotAllowed, "Method not allowed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := testutil.NewDebugRequest(tt.method, "/debug/send-command-api", strings.NewReader(tt.form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			rec := httptest.NewRecorder()
			httpMux.ServeHTTP(rec, req)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantBody)
		})
	}
	assert.Equal(t, "RESET\n", string(port.GetWrittenData()))
}

func TestAttachAdminRoutes_SendCommandNotConnected(t *testing.T) {
	mux := NewDetachedSerialMux[SerialPorter]()
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	req := testutil.NewDebugRequest(http.MethodPost, "/debug/send-command-api", strings.NewReader("command=X"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	httpMux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "not connected")
}

func TestAttachAdminRoutes_PageAndScript(t *testing.T) {
	mux := NewDetachedSerialMux[SerialPorter]()
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	rec := httptest.NewRecorder()
	httpMux.ServeHTTP(rec, testutil.NewDebugRequest(http.MethodGet, "/debug/send-command", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tail.js")

	rec = httptest.NewRecorder()
	httpMux.ServeHTTP(rec, testutil.NewDebugRequest(http.MethodGet, "/debug/tail.js", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/javascript", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "EventSource")
}

func TestAttachAdminRoutes_Tail(t *testing.T) {
	port := NewBlockingSerialPort()
	mux := NewSerialMux[SerialPorter](port)
	defer mux.Close()
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mux.Monitor(ctx)

	srv := httptest.NewServer(httpMux)
	defer srv.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/debug/tail", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	buf := make([]byte, 64)
	n, err := resp.Body.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), ": ping")

	// the tail subscriber exists once the ping has been flushed
	port.AddLine("A:1.5")
	got := make(chan string, 1)
	go func() {
		var sb strings.Builder
		for !strings.Contains(sb.String(), "\n\n") {
			n, err := resp.Body.Read(buf)
			if err != nil {
				break
			}
			sb.Write(buf[:n])
		}
		got <- sb.String()
	}()
	select {
	case s := <-got:
		assert.Equal(t, "data: A:1.5\n\n", s)
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
}

func TestDisabledSerialMux_AdminRoute(t *testing.T) {
	httpMux := http.NewServeMux()
	NewDisabledSerialMux().AttachAdminRoutes(httpMux)

	rec := httptest.NewRecorder()
	httpMux.ServeHTTP(rec, testutil.NewDebugRequest(http.MethodGet, "/debug/serial", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "serial disabled")
}
