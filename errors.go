package porch

import "errors"

var (
	// ErrNotConnected is returned when a broker send is attempted without a
	// live connection.
	ErrNotConnected = errors.New("porch: realtime broker not connected")

	// ErrTerminalState is returned when a call transition is requested out of
	// a terminal status.
	ErrTerminalState = errors.New("porch: call already in terminal state")

	// ErrClosed is returned by components used after teardown.
	ErrClosed = errors.New("porch: closed")
)
