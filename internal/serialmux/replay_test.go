package serialmux

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/beacon.report/internal/security"
)

func TestLoadReplayFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.txt")
	require.NoError(t, os.WriteFile(path, []byte("A:1\r\nB:2\n"), 0644))

	lines, err := LoadReplayFile(path, []string{dir})
	require.NoError(t, err)
	assert.Equal(t, []string{"A:1\r", "B:2", ""}, lines)

	_, err = LoadReplayFile(path, []string{t.TempDir()})
	assert.ErrorIs(t, err, security.ErrOutsideAllowedDirs)
}

func TestNewReplayPort_NonPositiveInterval(t *testing.T) {
	for _, interval := range []time.Duration{0, -time.Second} {
		var port *ReplayPort
		require.NotPanics(t, func() { port = NewReplayPort([]string{"A:1"}, interval) })

		got := make(chan string, 1)
		go func() {
			buf := make([]byte, 16)
			n, _ := port.Read(buf)
			got <- string(buf[:n])
		}()
		select {
		case line := <-got:
			assert.Equal(t, "A:1\n", line)
		case <-time.After(5 * DefaultReplayInterval):
			t.Fatalf("interval %v: no line emitted", interval)
		}
		require.NoError(t, port.Close())
	}
}
