// Package scale provides access to the weighing hardware: the Acaia
// Bluetooth scale adapter, a deterministic mock for development and
// tests, and the cached device identity.
package scale

import (
	"errors"
	"fmt"
)

// Scale is the narrow contract the monitor loop drives. Implementations
// may block for up to an internal I/O timeout on any call.
type Scale interface {
	// Connect establishes the device connection. A failure wraps
	// ConnectionError.
	Connect() error
	// Read returns the current weight in grams. A transient failure
	// wraps ReadError; the caller skips the sample and carries on.
	Read() (float64, error)
	// Tare re-zeros the scale. A failure wraps CalibrationError.
	Tare() error
	// Battery returns the battery level in percent, or
	// ErrBatteryUnsupported if the device cannot report it.
	Battery() (float64, error)
	// Connected reports whether the device link is still up.
	Connected() bool
	Disconnect() error
}

// ErrBatteryUnsupported is returned by Battery when the device has no
// battery reporting. The caller should stop asking.
var ErrBatteryUnsupported = errors.New("battery reporting not supported")

// ConnectionError means the device could not be reached. Fatal at
// startup, otherwise it triggers the reconnect path.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("scale connection failed: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ReadError is a transient mid-stream read failure. The sample is
// skipped and the loop continues on the next tick.
type ReadError struct {
	Err error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("scale read failed: %v", e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// CalibrationError means a tare command failed. Never fatal.
type CalibrationError struct {
	Err error
}

func (e *CalibrationError) Error() string {
	return fmt.Sprintf("scale tare failed: %v", e.Err)
}

func (e *CalibrationError) Unwrap() error {
	return e.Err
}
