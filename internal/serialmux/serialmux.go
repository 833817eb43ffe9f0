// Serialmux provides an abstraction over a serial port with the ability for
// multiple clients to subscribe to lines read from the port and send commands
// to the attached device.
//
// A SerialMux outlives the ports attached to it: subscribers keep their
// channels across a Detach/Attach cycle, which is how reconnects are handled.
package serialmux

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

var (
	ErrWriteFailed  = errors.New("failed to write to serial port")
	ErrNotConnected = errors.New("serial port not connected")
	ErrClosed       = errors.New("serial mux closed")
)

const (
	// MaxLineLength bounds a single scanned line.
	MaxLineLength = 1 << 20

	// DefaultSubscriberBuffer is the channel capacity used by Subscribe.
	DefaultSubscriberBuffer = 16
)

// SerialMux is a generic serial port multiplexer that allows multiple clients to
// subscribe to lines from a single serial port.
type SerialMux[T SerialPorter] struct {
	portMu   sync.RWMutex
	port     T
	attached bool

	subscribers  map[string]chan string
	subscriberMu sync.Mutex
	commandMu    sync.Mutex
	closing      atomic.Bool
	dropped      atomic.Int64
	onDrop       func()
}

// SerialMuxInterface defines the interface for the SerialMux type.
type SerialMuxInterface interface {
	// Subscribe creates a new channel for receiving lines from the serial
	// port. The returned ID is used to unsubscribe.
	Subscribe() (string, chan string)
	// Unsubscribe removes a channel from the list of subscribers and closes it.
	Unsubscribe(string)
	// SendCommand writes the provided command to the serial port.
	SendCommand(string) error
	// Monitor reads lines from the attached port and fans them out to
	// subscribers until the port fails or ctx is cancelled.
	Monitor(context.Context) error
	// Close closes all subscribed channels and the attached port.
	Close() error

	// AttachAdminRoutes attaches debugging endpoints under /debug/. tsweb
	// restricts them to loopback and tailnet callers.
	AttachAdminRoutes(*http.ServeMux)
}

// NewSerialMux creates a SerialMux with port already attached.
func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	s := NewDetachedSerialMux[T]()
	s.Attach(port)
	return s
}

// NewDetachedSerialMux creates a SerialMux with no port. Monitor and
// SendCommand return ErrNotConnected until Attach is called.
func NewDetachedSerialMux[T SerialPorter]() *SerialMux[T] {
	return &SerialMux[T]{
		subscribers: make(map[string]chan string),
	}
}

// Attach makes port the mux's current port. A previously attached port is
// closed.
func (s *SerialMux[T]) Attach(port T) {
	s.portMu.Lock()
	defer s.portMu.Unlock()
	if s.attached {
		s.port.Close()
	}
	s.port = port
	s.attached = true
}

// Detach closes and forgets the current port. It is a no-op when no port is
// attached.
func (s *SerialMux[T]) Detach() error {
	s.portMu.Lock()
	defer s.portMu.Unlock()
	if !s.attached {
		return nil
	}
	var zero T
	err := s.port.Close()
	s.port = zero
	s.attached = false
	return err
}

// Connected reports whether a port is attached.
func (s *SerialMux[T]) Connected() bool {
	s.portMu.RLock()
	defer s.portMu.RUnlock()
	return s.attached
}

// Dropped returns the number of lines not delivered to a subscriber because
// its channel was full.
func (s *SerialMux[T]) Dropped() int64 { return s.dropped.Load() }

// OnDrop registers fn to be called once per dropped line. fn runs with the
// subscriber lock held and must not call back into the mux.
func (s *SerialMux[T]) OnDrop(fn func()) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	s.onDrop = fn
}

func (s *SerialMux[T]) Subscribe() (string, chan string) {
	return s.SubscribeBuffered(DefaultSubscriberBuffer)
}

// SubscribeBuffered is Subscribe with a buffered channel. Lines are dropped,
// not queued, once the buffer is full.
func (s *SerialMux[T]) SubscribeBuffered(size int) (string, chan string) {
	id := uuid.NewString()
	ch := make(chan string, size)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if s.closing.Load() {
		close(ch)
		return id, ch
	}
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber from the serial mux.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// SendCommand sends a newline-terminated command to the attached port.
func (s *SerialMux[T]) SendCommand(command string) error {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	s.portMu.RLock()
	defer s.portMu.RUnlock()
	if !s.attached {
		return ErrNotConnected
	}
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}
	n, err := s.port.Write([]byte(command))
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

// Monitor reads lines from the attached port and sends them to subscribers.
// It returns nil on EOF, the read error when the port fails and ctx.Err()
// on cancellation. Callers own the port's lifecycle: cancelling ctx does not
// close it, so a blocked read only ends once the caller calls Detach.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	if s.closing.Load() {
		return ErrClosed
	}
	s.portMu.RLock()
	port, attached := s.port, s.attached
	s.portMu.RUnlock()
	if !attached {
		return ErrNotConnected
	}

	scan := bufio.NewScanner(&idleReader{ctx: ctx, r: port})
	scan.Buffer(make([]byte, 0, 4096), MaxLineLength)

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// the blocking scan.Scan runs in its own goroutine so the loop below can
	// still observe cancellation
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			scanErrChan <- err
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			return err

		case line, ok := <-lineChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					return err
				default:
					return nil
				}
			}
			if s.closing.Load() {
				return nil
			}
			s.publish(line)
		}
	}
}

func (s *SerialMux[T]) publish(line string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- line:
		default:
			s.dropped.Add(1)
			if s.onDrop != nil {
				s.onDrop()
			}
		}
	}
}

// Close closes every subscriber channel and the attached port. The mux
// cannot be reused afterwards.
func (s *SerialMux[T]) Close() error {
	s.closing.Store(true)

	s.subscriberMu.Lock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	s.subscriberMu.Unlock()
	return s.Detach()
}

// idleReader retries reads that time out without data so that a port with a
// read timeout looks like a blocking reader to bufio.Scanner, while still
// giving up once ctx is cancelled.
type idleReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *idleReader) Read(p []byte) (int, error) {
	for {
		n, err := r.r.Read(p)
		if n > 0 || err != nil {
			return n, err
		}
		if err := r.ctx.Err(); err != nil {
			return 0, err
		}
	}
}
