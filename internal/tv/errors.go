package tv

import (
	"errors"
	"fmt"

	"tvbridge/internal/webos"
)

var (
	// ErrNotConnected is returned when an operation needs a live control session
	ErrNotConnected = errors.New("tv: not connected")

	// ErrWakeTimeout is reported when the wake loop exhausted its attempts
	ErrWakeTimeout = errors.New("tv: wake timeout")

	// ErrTransport wraps I/O failures of the session, side-channel or prober
	ErrTransport = errors.New("tv: transport error")

	// ErrProtocol is returned for malformed or failed responses from the TV
	ErrProtocol = errors.New("tv: protocol error")
)

// classify maps session errors onto the reconciler's error taxonomy
func classify(op string, err error) error {
	switch {
	case errors.Is(err, webos.ErrNotConnected):
		return fmt.Errorf("%w: %s: %w", ErrNotConnected, op, err)
	case errors.Is(err, webos.ErrRequestFailed):
		return fmt.Errorf("%w: %s: %w", ErrProtocol, op, err)
	default:
		return fmt.Errorf("%w: %s: %w", ErrTransport, op, err)
	}
}

func protocolError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrProtocol, op, err)
}
