package serial

import (
	"errors"
	"time"
)

var (
	// ErrBusTimeout indicates that no character arrived within the allowed
	// silence window.
	ErrBusTimeout = errors.New("serial: bus timeout")

	// ErrCharFault indicates a framing or parity violation on a received
	// character. Outside LOGON this is fatal to the current transaction.
	ErrCharFault = errors.New("serial: character fault")

	// ErrCRCMismatch indicates a packet whose trailing CRC does not verify.
	ErrCRCMismatch = errors.New("serial: CRC mismatch")

	// ErrLengthMismatch indicates a packet length field outside the legal
	// range or inconsistent with the received data.
	ErrLengthMismatch = errors.New("serial: length mismatch")

	// ErrMasterClosed indicates the bus master has been shut down.
	ErrMasterClosed = errors.New("serial: master closed")

	// ErrQueueFull indicates the downstream queue rejected a message.
	ErrQueueFull = errors.New("serial: transmit queue full")

	// ErrResetTimeout indicates the polling loop did not service a bus
	// reset request within its bounded wait.
	ErrResetTimeout = errors.New("serial: bus reset timeout")
)

// Char is one received character with its arrival timestamp. Fault marks a
// framing or parity violation reported by the UART.
type Char struct {
	B     byte
	At    time.Time
	Fault bool
}

// Transport is the byte-oriented half-duplex medium the bus master drives.
// Implementations wrap a UART with an RS485 driver-enable; tests inject a
// scripted fake.
//
// ReadChar blocks for at most timeout and returns ErrBusTimeout when the
// line stays silent. Timeouts on this medium are measured in bit times;
// the connection config converts them to durations for the configured
// baud rate.
type Transport interface {
	// ReadChar returns the next received character or ErrBusTimeout.
	ReadChar(timeout time.Duration) (Char, error)
	// Write transmits the bytes back to back on the shared line.
	Write(p []byte) error
	// Close releases the medium.
	Close() error
}

// Clock abstracts time for the polling loop so arbitration can be tested
// without real hardware timing.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type systemClock struct{}

func (systemClock) Now() time.Time        { return time.Now() }
func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }
