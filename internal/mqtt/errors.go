package mqtt

import "errors"

var (
	// ErrNotConnected is returned when publishing without a broker connection
	ErrNotConnected = errors.New("mqtt: client not connected")

	// ErrConnectionFailed is returned when the initial connection attempt fails
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	// ErrPublishFailed is returned when a publish is not acknowledged
	ErrPublishFailed = errors.New("mqtt: publish failed")

	// ErrInvalidCommand is returned for unknown command topics or payloads
	// that cannot be parsed
	ErrInvalidCommand = errors.New("mqtt: invalid command")
)
