package models

import "errors"

// Error kinds shared by every pipeline stage. Compare with errors.Is.
var (
	// ErrInvalidArgument rejects nil or zero-sized inputs without changing any state
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrOutOfMemory reports a buffer or queue allocation failure
	ErrOutOfMemory = errors.New("out of memory")

	// ErrTimeout reports that a free or ready buffer did not become available in time
	ErrTimeout = errors.New("timeout")

	// ErrAlreadyRunning rejects a duplicate start of an active stage
	ErrAlreadyRunning = errors.New("already running")

	// ErrHardwareFailure reports an encoder or peripheral error
	ErrHardwareFailure = errors.New("hardware failure")

	// ErrDropped is the backpressure outcome of a full transport queue. It is expected.
	ErrDropped = errors.New("dropped")
)
