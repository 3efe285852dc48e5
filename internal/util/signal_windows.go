//go:build windows

package util

import (
	"errors"
	"os"
)

// ErrGracefulNotSupported indicates graceful shutdown is not supported.
// When returned from exec.Cmd.Cancel, Go will wait WaitDelay then kill.
var ErrGracefulNotSupported = errors.New("graceful signal not supported on Windows")

// ShutdownSignals returns the signals to listen for graceful shutdown.
func ShutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// GracefulSignal attempts graceful process termination.
// On Windows, signals are not supported. The returned error makes
// exec.Cmd wait WaitDelay and then kill; children with stdin get EOF first.
func GracefulSignal(p *os.Process) error {
	return ErrGracefulNotSupported
}
