// ABOUTME: Reads Arduino JSON lines directly from a serial device path
// ABOUTME: The device is reopened after any failure; line settings are left to the OS

package sensor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/2389/agent-edge/internal/a2a"
)

// DefaultSerialTimeout must exceed the firmware's print interval.
const DefaultSerialTimeout = 8 * time.Second

// SerialSource reads one line per Read from a character device such as
// /dev/ttyUSB0. Baud rate is configured outside the process (stty or udev).
type SerialSource struct {
	path    string
	timeout time.Duration
	now     func() time.Time

	mu     sync.Mutex
	file   *os.File
	reader *bufio.Reader
}

// NewSerialSource creates a source for path. The device is opened lazily.
func NewSerialSource(path string, timeout time.Duration) *SerialSource {
	if timeout <= 0 {
		timeout = DefaultSerialTimeout
	}
	return &SerialSource{path: path, timeout: timeout, now: time.Now}
}

// Read returns the next complete line as a reading.
func (s *SerialSource) Read(ctx context.Context) (a2a.Reading, error) {
	if err := ctx.Err(); err != nil {
		return a2a.Reading{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		f, err := os.Open(s.path)
		if err != nil {
			return a2a.Reading{}, fmt.Errorf("%w: open %s: %w", ErrUnavailable, s.path, err)
		}
		s.file = f
		s.reader = bufio.NewReader(f)
	}

	// Regular files do not support deadlines; that is fine for replaying captures.
	if err := s.file.SetReadDeadline(time.Now().Add(s.timeout)); err != nil && !errors.Is(err, os.ErrNoDeadline) {
		s.resetLocked()
		return a2a.Reading{}, fmt.Errorf("%w: set deadline: %w", ErrUnavailable, err)
	}

	line, err := s.reader.ReadBytes('\n')
	if err != nil {
		s.resetLocked()
		return a2a.Reading{}, fmt.Errorf("%w: read %s: %w", ErrUnavailable, s.path, err)
	}
	return ParseArduinoLine(line, s.now())
}

func (s *SerialSource) resetLocked() {
	if s.file != nil {
		_ = s.file.Close()
	}
	s.file = nil
	s.reader = nil
}

// Close releases the device.
func (s *SerialSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	s.reader = nil
	return err
}
