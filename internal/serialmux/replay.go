package serialmux

import (
	"io"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/beacon.report/internal/security"
)

// MaxReplayFileBytes bounds a replay file.
const MaxReplayFileBytes = 16 << 20

// LoadReplayFile reads recorded frames, one per line, for NewReplayPort.
// The file must lie inside one of allowedDirs.
func LoadReplayFile(path string, allowedDirs []string) ([]string, error) {
	b, err := security.ReadFileWithin(path, allowedDirs, MaxReplayFileBytes)
	if err != nil {
		return nil, err
	}
	return strings.Split(string(b), "\n"), nil
}

// ReplayPort is a read-only port that emits a fixed list of lines on an
// interval, looping forever. It stands in for hardware during development.
type ReplayPort struct {
	r      *io.PipeReader
	w      *io.PipeWriter
	done   chan struct{}
	once   sync.Once
	ticker *time.Ticker
}

// NewReplayPort starts emitting lines, skipping blank ones. A non-positive
// interval falls back to DefaultReplayInterval.
func NewReplayPort(lines []string, interval time.Duration) *ReplayPort {
	if interval <= 0 {
		interval = DefaultReplayInterval
	}
	r, w := io.Pipe()
	p := &ReplayPort{r: r, w: w, done: make(chan struct{}), ticker: time.NewTicker(interval)}
	payload := make([]string, 0, len(lines))
	for _, l := range lines {
		if l = strings.TrimRight(l, "\r\n"); strings.TrimSpace(l) != "" {
			payload = append(payload, l)
		}
	}
	go p.run(payload)
	return p
}

func (p *ReplayPort) run(lines []string) {
	defer p.ticker.Stop()
	if len(lines) == 0 {
		<-p.done
		return
	}
	for i := 0; ; i = (i + 1) % len(lines) {
		select {
		case <-p.done:
			return
		case <-p.ticker.C:
		}
		if _, err := io.WriteString(p.w, lines[i]+"\n"); err != nil {
			return
		}
	}
}

// ReplayPortFactory opens a fresh ReplayPort over Lines on every Open. The
// path and options are ignored.
type ReplayPortFactory struct {
	Lines    []string
	Interval time.Duration
}

func (f ReplayPortFactory) Open(string, PortOptions) (SerialPorter, error) {
	return NewReplayPort(f.Lines, f.Interval), nil
}

func (p *ReplayPort) Read(b []byte) (int, error) { return p.r.Read(b) }

// Write discards commands.
func (p *ReplayPort) Write(b []byte) (int, error) { return len(b), nil }

func (p *ReplayPort) Close() error {
	p.once.Do(func() {
		close(p.done)
		p.w.CloseWithError(errPortClosed)
	})
	return nil
}
