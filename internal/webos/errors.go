package webos

import "errors"

var (
	// ErrNotConnected is returned when a request needs a live session
	ErrNotConnected = errors.New("webos: not connected")

	// ErrTimeout is returned when the TV does not answer in time
	ErrTimeout = errors.New("webos: request timed out")

	// ErrRequestFailed is returned for error frames and returnValue=false responses
	ErrRequestFailed = errors.New("webos: request failed")

	// ErrPairingRejected is returned when the user declines the pairing prompt
	ErrPairingRejected = errors.New("webos: pairing rejected")
)
