package monitoring

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetLogger_CaptureAndRestore(t *testing.T) {
	var got []string
	restore := SetLogger(func(format string, v ...interface{}) {
		got = append(got, fmt.Sprintf(format, v...))
	})
	Logf("hello %d", 1)
	restore()

	assert.Equal(t, []string{"hello 1"}, got)

	restore = SetLogger(nil)
	defer restore()
	Logf("muted") // must not panic
}

func TestCounters_ServeHTTP(t *testing.T) {
	var c Counters
	c.FramesDecoded.Add(3)
	c.FramesMalformed.Add(1)
	c.Reconnects.Add(2)
	c.SerialDropped.Add(4)

	rec := httptest.NewRecorder()
	c.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/ingest", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var snap CountersSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, int64(3), snap.FramesDecoded)
	assert.Equal(t, int64(1), snap.FramesMalformed)
	assert.Equal(t, int64(2), snap.Reconnects)
	assert.Equal(t, int64(4), snap.SerialDropped)
	assert.Contains(t, rec.Body.String(), `"serial_dropped":4`)
}
