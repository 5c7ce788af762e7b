package serial

import (
	"errors"
	"fmt"
	"os"
	"time"
)

// FileTransport drives the bus through a character device node. The line
// discipline (baud rate, parity, RS485 driver-enable) is expected to be
// configured on the device before opening it; the transport itself only
// moves bytes and timestamps arrivals.
type FileTransport struct {
	f *os.File
}

// OpenFile opens the device node at path for half-duplex bus traffic.
func OpenFile(path string) (*FileTransport, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open bus device: %w", err)
	}

	return &FileTransport{f: f}, nil
}

// ReadChar returns the next byte off the device or ErrBusTimeout when the
// line stays silent.
func (t *FileTransport) ReadChar(timeout time.Duration) (Char, error) {
	if err := t.f.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return Char{}, fmt.Errorf("arm read deadline: %w", err)
	}

	var b [1]byte
	_, err := t.f.Read(b[:])
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return Char{}, ErrBusTimeout
		}

		// device-level read failures surface like line faults
		return Char{At: time.Now(), Fault: true}, fmt.Errorf("%w: %s", ErrCharFault, err)
	}

	return Char{B: b[0], At: time.Now()}, nil
}

// Write transmits the bytes back to back on the shared line.
func (t *FileTransport) Write(p []byte) error {
	if _, err := t.f.Write(p); err != nil {
		return fmt.Errorf("write bus device: %w", err)
	}

	return nil
}

// Close releases the device.
func (t *FileTransport) Close() error {
	return t.f.Close()
}
