// Package capture defines the boundary to the image sensor peripheral.
//
// A Source delivers frame-ready events to exactly one registered FrameHandler.
// OnFrameReady runs in the source's delivery context, the Go equivalent of the
// frame-complete interrupt: it must not block, allocate or log.
package capture

import "context"

// HardwareFrame is the sensor's own buffer for one completed frame.
// Data is owned by the source and may be reused as soon as OnFrameReady returns.
type HardwareFrame struct {
	Data        []byte
	TimestampUS uint64
	Seq         uint64
}

// FrameHandler receives frame-complete events.
// The return value reports whether a waiting consumer should be woken.
type FrameHandler interface {
	OnFrameReady(frame HardwareFrame) bool
}

// FrameHandlerFunc adapts a function to FrameHandler
type FrameHandlerFunc func(frame HardwareFrame) bool

func (f FrameHandlerFunc) OnFrameReady(frame HardwareFrame) bool {
	return f(frame)
}

// Source is a capture peripheral
type Source interface {
	// RegisterHandler installs the frame-ready callback. Only one handler is supported.
	RegisterHandler(h FrameHandler) error

	// Start begins delivering frames until ctx is done or Stop is called
	Start(ctx context.Context) error

	// Stop halts delivery. No callback runs after Stop returns.
	Stop() error
}
