// Package encoder wraps the hardware H.264 codec behind a single-bitstream encode stage.
package encoder

import (
	"errors"
	"fmt"
	"sync/atomic"

	"camstream/pkg/models"

	"github.com/rs/zerolog"
)

// ErrEncoderBusy is returned when Encode is called while another call is in flight
var ErrEncoderBusy = fmt.Errorf("encode in flight: %w", models.ErrAlreadyRunning)

var errClosed = errors.New("encoder closed")

// Input is the frame descriptor handed to the codec
type Input struct {
	Data        []byte
	Width       int
	Height      int
	Format      models.PixelFormat
	TimestampUS uint64
}

// Output describes what the codec wrote into the bitstream buffer
type Output struct {
	Length      int
	Keyframe    bool
	TimestampUS uint64
}

// Hardware is the codec device. One Encode call is in flight at a time.
type Hardware interface {
	Encode(in Input, bitstream []byte) (Output, error)
	Close() error
}

// Config holds encode stage configuration
type Config struct {
	Width   int
	Height  int
	FPS     int
	Bitrate int // bps
	GOP     int

	// BitstreamSize overrides the output buffer size (default Width*Height*4)
	BitstreamSize int

	// MemoryLimit caps the bitstream allocation (0 = unlimited)
	MemoryLimit int64
}

func (c Config) bitstreamSize() int {
	if c.BitstreamSize > 0 {
		return c.BitstreamSize
	}
	return c.Width * c.Height * 4
}

// Packet is a view into the stage's bitstream buffer.
// It is valid until the next Encode or Release and must be copied before queueing.
type Packet struct {
	Data        []byte
	Keyframe    bool
	TimestampUS uint64
	Seq         uint64
}

// Release drops the view
func (p *Packet) Release() {
	p.Data = nil
}

// Empty reports whether the packet carries no bytes
func (p Packet) Empty() bool { return len(p.Data) == 0 }

// Stage drives the codec and owns the single reusable bitstream buffer
type Stage struct {
	hw        Hardware
	cfg       Config
	logger    zerolog.Logger
	bitstream []byte

	busy   atomic.Bool
	closed atomic.Bool
	lastTS uint64 // Guarded by busy

	encoded   atomic.Uint64
	keyframes atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
	bytesOut  atomic.Uint64
	lastOutTS atomic.Uint64
}

// NewStage allocates the bitstream buffer and takes ownership of hw
func NewStage(hw Hardware, cfg Config, logger zerolog.Logger) (*Stage, error) {
	if hw == nil || cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("encode stage %dx%d: %w", cfg.Width, cfg.Height, models.ErrInvalidArgument)
	}

	size := cfg.bitstreamSize()
	if size <= 0 || (cfg.MemoryLimit > 0 && int64(size) > cfg.MemoryLimit) {
		return nil, fmt.Errorf("bitstream buffer of %d bytes: %w", size, models.ErrOutOfMemory)
	}

	s := &Stage{
		hw:        hw,
		cfg:       cfg,
		logger:    logger,
		bitstream: make([]byte, size),
	}

	logger.Info().
		Int("width", cfg.Width).
		Int("height", cfg.Height).
		Int("fps", cfg.FPS).
		Int("bitrate", cfg.Bitrate).
		Int("gop", cfg.GOP).
		Int("bitstream_bytes", size).
		Msg("Encoder initialized")

	return s, nil
}

// Encode compresses one frame into the bitstream buffer.
// A failed encode produces no packet; the caller still owns and must release the frame.
func (s *Stage) Encode(frame *models.Frame) (Packet, error) {
	if frame == nil || len(frame.Data) == 0 {
		s.rejected.Add(1)
		return Packet{}, fmt.Errorf("encode empty frame: %w", models.ErrInvalidArgument)
	}

	if !s.busy.CompareAndSwap(false, true) {
		return Packet{}, ErrEncoderBusy
	}
	defer s.busy.Store(false)

	if s.closed.Load() {
		return Packet{}, fmt.Errorf("%w: %w", models.ErrHardwareFailure, errClosed)
	}

	out, err := s.hw.Encode(Input{
		Data:        frame.Data,
		Width:       frame.Width,
		Height:      frame.Height,
		Format:      frame.Format,
		TimestampUS: frame.TimestampUS,
	}, s.bitstream)
	if err != nil {
		s.failed.Add(1)
		return Packet{}, fmt.Errorf("%w: %w", models.ErrHardwareFailure, err)
	}
	if out.Length <= 0 || out.Length > len(s.bitstream) {
		s.failed.Add(1)
		return Packet{}, fmt.Errorf("%w: invalid output length %d", models.ErrHardwareFailure, out.Length)
	}

	// Timestamps never go backwards downstream
	ts := out.TimestampUS
	if ts < s.lastTS {
		ts = s.lastTS
	}
	s.lastTS = ts

	s.encoded.Add(1)
	if out.Keyframe {
		s.keyframes.Add(1)
	}
	s.bytesOut.Add(uint64(out.Length))
	s.lastOutTS.Store(ts)

	return Packet{
		Data:        s.bitstream[:out.Length],
		Keyframe:    out.Keyframe,
		TimestampUS: ts,
		Seq:         frame.Seq,
	}, nil
}

// CodecInfo describes the output stream
func (s *Stage) CodecInfo() models.CodecInfo {
	return models.CodecInfo{
		Codec:     "h264",
		Width:     s.cfg.Width,
		Height:    s.cfg.Height,
		FrameRate: s.cfg.FPS,
		Bitrate:   s.cfg.Bitrate,
		GOP:       s.cfg.GOP,
	}
}

// Stats returns a snapshot of encoder counters
func (s *Stage) Stats() models.EncoderStats {
	return models.EncoderStats{
		Encoded:         s.encoded.Load(),
		Keyframes:       s.keyframes.Load(),
		Failed:          s.failed.Load(),
		Rejected:        s.rejected.Load(),
		BytesOut:        s.bytesOut.Load(),
		LastTimestampUS: s.lastOutTS.Load(),
	}
}

// Close releases the codec. Safe to call more than once.
func (s *Stage) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := s.hw.Close(); err != nil {
		return fmt.Errorf("close encoder: %w", err)
	}
	s.logger.Info().Uint64("encoded", s.encoded.Load()).Msg("Encoder closed")
	return nil
}
