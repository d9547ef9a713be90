// Package framepool implements the fixed-size frame buffer pool shared by the
// capture hand-off and the pipeline driver.
//
// Buffers move between two bounded queues, free and ready. A buffer taken off a
// queue belongs to whoever took it until it is put back on one; the queues are
// the only hand-off mechanism. Each buffer also carries an atomic state so that a
// double publish or double return is rejected instead of corrupting the pool.
package framepool

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"camstream/pkg/models"
)

// DefaultCount is the number of buffers allocated when Config.Count is zero
const DefaultCount = 3

type bufferState int32

const (
	stateFree bufferState = iota
	stateCapturing
	stateReady
	stateCheckedOut
	stateReleased // Pool closed
)

// Buffer is one fixed-size frame region owned by the pool
type Buffer struct {
	data   []byte
	width  int
	height int
	format models.PixelFormat
	length int

	timestampUS uint64
	seq         uint64

	index int
	state atomic.Int32
	pool  *Pool
}

// Bytes returns the frame bytes. Contents are undefined until a completed hand-off.
func (b *Buffer) Bytes() []byte { return b.data[:b.length] }

// Len returns the logical length width*height*bytesPerPixel
func (b *Buffer) Len() int { return b.length }

// Index returns the buffer's fixed position in the pool
func (b *Buffer) Index() int { return b.index }

// Seq returns the capture sequence number of the last frame copied in
func (b *Buffer) Seq() uint64 { return b.seq }

// TimestampUS returns the capture time of the last frame copied in
func (b *Buffer) TimestampUS() uint64 { return b.timestampUS }

// Frame returns a descriptor for the encoder. The descriptor aliases the buffer.
func (b *Buffer) Frame() *models.Frame {
	return &models.Frame{
		Data:        b.data[:b.length],
		Width:       b.width,
		Height:      b.height,
		Format:      b.format,
		TimestampUS: b.timestampUS,
		Seq:         b.seq,
	}
}

func (b *Buffer) transition(from, to bufferState) bool {
	return b.state.CompareAndSwap(int32(from), int32(to))
}

// Config holds pool configuration
type Config struct {
	Width  int
	Height int
	Format models.PixelFormat
	Count  int

	// MemoryLimit caps the total bytes the pool may allocate (0 = unlimited).
	// It models the capacity of the DMA-capable region buffers come from.
	MemoryLimit int64
}

// Pool is a fixed set of frame buffers partitioned between free and ready
type Pool struct {
	buffers    []*Buffer
	free       chan *Buffer
	ready      chan *Buffer
	bufferSize int
	closed     atomic.Bool
}

// New allocates cfg.Count buffers of width*height*bytesPerPixel bytes, all free.
// Either every buffer is allocated or none is retained.
func New(cfg Config) (*Pool, error) {
	if cfg.Format == "" {
		cfg.Format = models.PixelFormatYUV422
	}
	if cfg.Count == 0 {
		cfg.Count = DefaultCount
	}
	if cfg.Count < 1 || cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("pool %dx%d x%d: %w", cfg.Width, cfg.Height, cfg.Count, models.ErrInvalidArgument)
	}

	size := cfg.Format.FrameSize(cfg.Width, cfg.Height)
	if size <= 0 {
		return nil, fmt.Errorf("unsupported pixel format %q: %w", cfg.Format, models.ErrInvalidArgument)
	}
	if cfg.MemoryLimit > 0 && int64(size)*int64(cfg.Count) > cfg.MemoryLimit {
		return nil, fmt.Errorf("%d buffers of %d bytes exceed %d byte limit: %w",
			cfg.Count, size, cfg.MemoryLimit, models.ErrOutOfMemory)
	}

	p := &Pool{
		buffers:    make([]*Buffer, cfg.Count),
		free:       make(chan *Buffer, cfg.Count),
		ready:      make(chan *Buffer, cfg.Count),
		bufferSize: size,
	}

	for i := range p.buffers {
		b := &Buffer{
			data:   make([]byte, size),
			width:  cfg.Width,
			height: cfg.Height,
			format: cfg.Format,
			length: size,
			index:  i,
			pool:   p,
		}
		b.state.Store(int32(stateFree))
		p.buffers[i] = b
		p.free <- b
	}

	return p, nil
}

// Size returns the fixed number of buffers
func (p *Pool) Size() int { return len(p.buffers) }

// BufferSize returns the byte length of each buffer
func (p *Pool) BufferSize() int { return p.bufferSize }

// AcquireFree takes a free buffer for capture.
// With timeout <= 0 it never blocks or allocates and is safe from the frame-ready
// callback; it returns the bare ErrTimeout sentinel when no buffer is free.
func (p *Pool) AcquireFree(timeout time.Duration) (*Buffer, error) {
	if timeout <= 0 {
		select {
		case b := <-p.free:
			return p.claim(b, stateFree, stateCapturing)
		default:
			return nil, models.ErrTimeout
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case b := <-p.free:
		return p.claim(b, stateFree, stateCapturing)
	case <-timer.C:
		return nil, fmt.Errorf("no free buffer after %s: %w", timeout, models.ErrTimeout)
	}
}

// AcquireReady checks out the oldest ready buffer for the consumer.
// It waits up to timeout, or until ctx is done.
func (p *Pool) AcquireReady(ctx context.Context, timeout time.Duration) (*Buffer, error) {
	select {
	case b := <-p.ready:
		return p.claim(b, stateReady, stateCheckedOut)
	default:
	}
	if timeout <= 0 {
		return nil, models.ErrTimeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case b := <-p.ready:
		return p.claim(b, stateReady, stateCheckedOut)
	case <-timer.C:
		return nil, fmt.Errorf("no ready frame after %s: %w", timeout, models.ErrTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PublishReady hands a captured buffer to the consumer queue. Never blocks.
func (p *Pool) PublishReady(b *Buffer) error {
	if b == nil || b.pool != p {
		return models.ErrInvalidArgument
	}
	if !b.transition(stateCapturing, stateReady) {
		return models.ErrInvalidArgument
	}

	select {
	case p.ready <- b:
		return nil
	default:
		// Unreachable while the size invariant holds
		b.state.Store(int32(stateCapturing))
		return models.ErrOutOfMemory
	}
}

// ReturnToFree gives a buffer back to the free set.
// Accepts buffers checked out by the consumer or taken for a capture that was abandoned.
func (p *Pool) ReturnToFree(b *Buffer) error {
	if b == nil || b.pool != p {
		return models.ErrInvalidArgument
	}
	prev := stateCheckedOut
	if !b.transition(stateCheckedOut, stateFree) {
		prev = stateCapturing
		if !b.transition(stateCapturing, stateFree) {
			return models.ErrInvalidArgument
		}
	}

	select {
	case p.free <- b:
		return nil
	default:
		b.state.Store(int32(prev))
		return models.ErrOutOfMemory
	}
}

func (p *Pool) claim(b *Buffer, from, to bufferState) (*Buffer, error) {
	if !b.transition(from, to) {
		// A buffer on a queue is always in that queue's state
		return nil, models.ErrInvalidArgument
	}
	return b, nil
}

// Counts returns how many buffers are free, ready and held outside the queues
func (p *Pool) Counts() (free, ready, checkedOut int) {
	free = len(p.free)
	ready = len(p.ready)
	checkedOut = len(p.buffers) - free - ready
	return
}

// Stats returns a snapshot of the pool
func (p *Pool) Stats() models.PoolStats {
	free, ready, out := p.Counts()
	return models.PoolStats{
		Size:       len(p.buffers),
		Free:       free,
		Ready:      ready,
		CheckedOut: out,
		BufferSize: p.bufferSize,
	}
}

// Close tears the pool down. Free and ready buffers are released; the number of
// buffers still checked out is returned since their regions remain referenced by
// their holders.
func (p *Pool) Close() (checkedOut int) {
	if !p.closed.CompareAndSwap(false, true) {
		return 0
	}

	drain := func(ch chan *Buffer) {
		for {
			select {
			case b := <-ch:
				b.state.Store(int32(stateReleased))
				b.data = nil
			default:
				return
			}
		}
	}
	drain(p.free)
	drain(p.ready)

	for _, b := range p.buffers {
		if bufferState(b.state.Load()) != stateReleased {
			checkedOut++
		}
	}
	return checkedOut
}
