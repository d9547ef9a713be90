package framepool

import (
	"sync/atomic"

	"camstream/internal/capture"
)

// Handoff moves sensor frames into the pool from the frame-ready callback.
// OnFrameReady never blocks, allocates or logs; it only touches the pool's
// queues and atomic counters.
type Handoff struct {
	pool     *Pool
	captured atomic.Uint64
	dropped  atomic.Uint64
	lost     atomic.Uint64
}

// NewHandoff binds a hand-off to its pool
func NewHandoff(pool *Pool) *Handoff {
	return &Handoff{pool: pool}
}

var _ capture.FrameHandler = (*Handoff)(nil)

// OnFrameReady copies the hardware frame into a free buffer and publishes it.
// When no buffer is free the frame is declined and the sensor keeps its own buffer.
// Returns true when a frame was published and the consumer should be woken.
func (h *Handoff) OnFrameReady(hw capture.HardwareFrame) bool {
	b, err := h.pool.AcquireFree(0)
	if err != nil {
		h.dropped.Add(1)
		return false
	}

	// A partial frame would publish stale bytes from the previous capture
	if len(hw.Data) != b.length {
		h.abandon(b)
		return false
	}

	copy(b.data[:b.length], hw.Data)
	b.timestampUS = hw.TimestampUS
	b.seq = hw.Seq

	if err := h.pool.PublishReady(b); err != nil {
		h.abandon(b)
		return false
	}

	h.captured.Add(1)
	return true
}

func (h *Handoff) abandon(b *Buffer) {
	h.dropped.Add(1)
	if err := h.pool.ReturnToFree(b); err != nil {
		h.lost.Add(1)
	}
}

// Captured returns the number of frames handed to the ready queue
func (h *Handoff) Captured() uint64 { return h.captured.Load() }

// Dropped returns the number of frames declined, for lack of a free buffer or
// because the sensor delivered a frame of the wrong size
func (h *Handoff) Dropped() uint64 { return h.dropped.Load() }

// Lost returns the number of buffers that could not be given back to the pool.
// It stays zero while the pool's size invariant holds.
func (h *Handoff) Lost() uint64 { return h.lost.Load() }
