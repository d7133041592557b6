package common

import "errors"

var (
	// ErrTimeout is returned when no response arrived within the configured timeout
	ErrTimeout = errors.New("request timed out")

	// ErrNotConnected is returned when a transport is used before Connect or Listen
	ErrNotConnected = errors.New("transport is not connected")

	// ErrTransportClosed is returned by a transport that was closed or shut down
	ErrTransportClosed = errors.New("transport is closed")
)
