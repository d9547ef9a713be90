package capture

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"camstream/pkg/models"

	"github.com/rs/zerolog"
)

// Pattern selects the synthetic test image
type Pattern int

const (
	PatternColorBars Pattern = iota
	PatternGradient
	PatternGrid
)

// ParsePattern maps a config string to a Pattern
func ParsePattern(s string) (Pattern, error) {
	switch s {
	case "", "colorbars":
		return PatternColorBars, nil
	case "gradient":
		return PatternGradient, nil
	case "grid":
		return PatternGrid, nil
	default:
		return 0, fmt.Errorf("unknown pattern %q: %w", s, models.ErrInvalidArgument)
	}
}

// SyntheticConfig holds synthetic sensor configuration
type SyntheticConfig struct {
	Width   int
	Height  int
	FPS     int
	Pattern Pattern
}

// Synthetic is a Source that renders YUV422 test patterns at a fixed rate.
// It stands in for the camera peripheral on hosts without one.
type Synthetic struct {
	cfg     SyntheticConfig
	logger  zerolog.Logger
	frame   []byte // Reused every tick, like a hardware DMA buffer
	handler FrameHandler

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	done     chan struct{}

	seq       uint64
	delivered atomic.Uint64
	declined  atomic.Uint64
}

// NewSynthetic creates a synthetic sensor
func NewSynthetic(cfg SyntheticConfig, logger zerolog.Logger) (*Synthetic, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("synthetic sensor %dx%d: %w", cfg.Width, cfg.Height, models.ErrInvalidArgument)
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}

	s := &Synthetic{
		cfg:    cfg,
		logger: logger,
		frame:  make([]byte, models.PixelFormatYUV422.FrameSize(cfg.Width, cfg.Height)),
	}
	renderPattern(s.frame, cfg.Width, cfg.Height, cfg.Pattern)
	return s, nil
}

// RegisterHandler installs the frame-ready callback
func (s *Synthetic) RegisterHandler(h FrameHandler) error {
	if h == nil {
		return fmt.Errorf("nil frame handler: %w", models.ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("register handler while streaming: %w", models.ErrAlreadyRunning)
	}
	s.handler = h
	return nil
}

// Start begins delivering frames
func (s *Synthetic) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("synthetic sensor: %w", models.ErrAlreadyRunning)
	}
	if s.handler == nil {
		return fmt.Errorf("no frame handler registered: %w", models.ErrInvalidArgument)
	}

	s.running = true
	s.stopChan = make(chan struct{})
	s.done = make(chan struct{})
	go s.captureLoop(ctx, s.handler, s.stopChan, s.done)

	s.logger.Info().
		Int("width", s.cfg.Width).
		Int("height", s.cfg.Height).
		Int("fps", s.cfg.FPS).
		Msg("Synthetic sensor started")
	return nil
}

// Stop halts delivery and waits for the capture loop to exit
func (s *Synthetic) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopChan)
	done := s.done
	s.mu.Unlock()

	<-done
	s.logger.Info().
		Uint64("delivered", s.delivered.Load()).
		Uint64("declined", s.declined.Load()).
		Msg("Synthetic sensor stopped")
	return nil
}

// Delivered returns how many frames the handler accepted
func (s *Synthetic) Delivered() uint64 { return s.delivered.Load() }

// Declined returns how many frames the handler declined
func (s *Synthetic) Declined() uint64 { return s.declined.Load() }

func (s *Synthetic) captureLoop(ctx context.Context, h FrameHandler, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(time.Second / time.Duration(s.cfg.FPS))
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case now := <-ticker.C:
			s.seq++
			// Moving marker in the first luma row so consecutive frames differ
			s.frame[int(s.seq%uint64(s.cfg.Width))*2] ^= 0xFF

			hw := HardwareFrame{
				Data:        s.frame,
				TimestampUS: uint64(now.Sub(start).Microseconds()),
				Seq:         s.seq,
			}
			if h.OnFrameReady(hw) {
				s.delivered.Add(1)
			} else {
				s.declined.Add(1)
			}
		}
	}
}

// renderPattern fills a packed YUYV buffer
func renderPattern(buf []byte, width, height int, p Pattern) {
	// Y, U, V for white, yellow, cyan, green, magenta, red, blue, black
	bars := [8][3]byte{
		{235, 128, 128}, {210, 16, 146}, {170, 166, 16}, {145, 54, 34},
		{106, 202, 222}, {81, 90, 240}, {41, 240, 110}, {16, 128, 128},
	}

	for y := 0; y < height; y++ {
		for x := 0; x < width; x += 2 {
			var luma, u, v byte
			switch p {
			case PatternGradient:
				luma = byte(16 + (x*219)/width)
				u = byte((y * 255) / height)
				v = 128
			case PatternGrid:
				luma = 16
				if x%64 < 2 || y%64 < 2 {
					luma = 235
				}
				u, v = 128, 128
			default:
				bar := bars[(x*8)/width]
				luma, u, v = bar[0], bar[1], bar[2]
			}

			off := (y*width + x) * 2
			buf[off] = luma
			buf[off+1] = u
			if off+3 < len(buf) {
				buf[off+2] = luma
				buf[off+3] = v
			}
		}
	}
}
