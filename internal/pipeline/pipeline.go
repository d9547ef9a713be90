// Package pipeline runs the acquire → encode → transmit → release cycle.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"camstream/internal/capture"
	"camstream/internal/encoder"
	"camstream/internal/framepool"
	"camstream/internal/metrics"
	"camstream/pkg/models"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// DefaultAcquireTimeout bounds each wait for a ready frame
const DefaultAcquireTimeout = time.Second

// Sink receives encoded packets. Enqueue must copy pkt before returning.
type Sink interface {
	Enqueue(pkt encoder.Packet) error
}

// Config holds pipeline configuration
type Config struct {
	Pool           framepool.Config
	Encoder        encoder.Config
	AcquireTimeout time.Duration
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithLogger sets the pipeline logger
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// WithMetrics attaches Prometheus metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// Pipeline owns the frame pool, the capture hand-off and the encode stage.
// The capture callback is bound to this instance at construction; there is no
// package-level state.
type Pipeline struct {
	cfg     Config
	logger  zerolog.Logger
	metrics *metrics.Metrics

	source  capture.Source
	pool    *framepool.Pool
	handoff *framepool.Handoff
	stage   *encoder.Stage
	sink    Sink

	state     models.AtomicPipelineState
	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt atomic.Int64 // Unix nanoseconds of the last Start
	active    bool         // Started and not yet fully stopped
	closed    bool

	timeoutLog rate.Sometimes
	errorLog   rate.Sometimes
	timeouts   atomic.Uint64
	sinkDrops  atomic.Uint64
}

// New builds the pipeline and registers its hand-off with source.
// It takes ownership of hw. On failure everything built so far is released,
// hw included.
func New(cfg Config, source capture.Source, hw encoder.Hardware, sink Sink, opts ...Option) (*Pipeline, error) {
	if source == nil || hw == nil || sink == nil {
		if hw != nil {
			hw.Close()
		}
		return nil, fmt.Errorf("pipeline requires a source, encoder and sink: %w", models.ErrInvalidArgument)
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultAcquireTimeout
	}

	p := &Pipeline{
		cfg:        cfg,
		logger:     zerolog.Nop(),
		source:     source,
		sink:       sink,
		timeoutLog: rate.Sometimes{First: 1, Interval: 10 * time.Second},
		errorLog:   rate.Sometimes{First: 3, Interval: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}

	pool, err := framepool.New(cfg.Pool)
	if err != nil {
		hw.Close()
		return nil, fmt.Errorf("create frame pool: %w", err)
	}

	stage, err := encoder.NewStage(hw, cfg.Encoder, p.logger)
	if err != nil {
		pool.Close()
		hw.Close()
		return nil, fmt.Errorf("create encoder: %w", err)
	}

	handoff := framepool.NewHandoff(pool)
	if err := source.RegisterHandler(handoff); err != nil {
		stage.Close()
		pool.Close()
		return nil, fmt.Errorf("register frame handler: %w", err)
	}

	p.pool = pool
	p.handoff = handoff
	p.stage = stage
	p.metrics.RegisterPool(p.poolStats)

	p.logger.Info().
		Int("buffers", pool.Size()).
		Int("buffer_bytes", pool.BufferSize()).
		Msg("Pipeline initialized")

	return p, nil
}

// Start runs the pipeline loop on its own goroutine and starts capture
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return fmt.Errorf("pipeline closed: %w", models.ErrInvalidArgument)
	}
	if p.active {
		return fmt.Errorf("pipeline: %w", models.ErrAlreadyRunning)
	}
	if !p.state.CompareAndSwap(models.PipelineStateStopped, models.PipelineStateRunning) {
		return fmt.Errorf("pipeline: %w", models.ErrAlreadyRunning)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done
	p.startedAt.Store(time.Now().UnixNano())

	go p.run(loopCtx, done)

	if err := p.source.Start(loopCtx); err != nil {
		p.state.Store(models.PipelineStateStopRequested)
		cancel()
		<-done
		return fmt.Errorf("start capture: %w", err)
	}
	p.active = true

	p.logger.Info().Msg("Pipeline started")
	return nil
}

// Stop halts capture, requests the loop to stop and waits for it to exit.
// The loop returns any buffer it holds before exiting. Capture is stopped even
// when the loop already exited because the Start context was cancelled.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.active {
		return nil
	}
	p.state.CompareAndSwap(models.PipelineStateRunning, models.PipelineStateStopRequested)

	var result error
	if err := p.source.Stop(); err != nil {
		result = multierror.Append(result, fmt.Errorf("stop capture: %w", err))
	}

	p.cancel()
	select {
	case <-p.done:
	case <-ctx.Done():
		return multierror.Append(result, fmt.Errorf("waiting for pipeline loop: %w", ctx.Err()))
	}
	p.active = false

	p.logger.Info().
		Uint64("captured", p.handoff.Captured()).
		Uint64("declined", p.handoff.Dropped()).
		Uint64("lost", p.handoff.Lost()).
		Uint64("encoded", p.stage.Stats().Encoded).
		Msg("Pipeline stopped")
	return result
}

// Close stops the pipeline and releases the encoder and frame pool
func (p *Pipeline) Close() error {
	var result error

	if err := p.Stop(context.Background()); err != nil {
		result = multierror.Append(result, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return result
	}
	p.closed = true

	if err := p.stage.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if held := p.pool.Close(); held > 0 {
		p.logger.Error().Int("checked_out", held).Msg("Frame buffers still checked out at teardown")
		result = multierror.Append(result, fmt.Errorf("%d frame buffers still checked out", held))
	}
	return result
}

// State returns the pipeline lifecycle state
func (p *Pipeline) State() models.PipelineState {
	return p.state.Load()
}

// Status returns a snapshot of the pipeline
func (p *Pipeline) Status() models.PipelineStatus {
	state := p.state.Load()
	status := models.PipelineStatus{
		State:   state.String(),
		Codec:   p.stage.CodecInfo(),
		Pool:    p.poolStats(),
		Encoder: p.stage.Stats(),
	}

	if ns := p.startedAt.Load(); state == models.PipelineStateRunning && ns != 0 {
		startedAt := time.Unix(0, ns)
		status.StartedAt = startedAt.Format(time.RFC3339)
		status.Uptime = int(time.Since(startedAt).Seconds())
	}
	return status
}

func (p *Pipeline) poolStats() models.PoolStats {
	stats := p.pool.Stats()
	stats.Captured = p.handoff.Captured()
	stats.Dropped = p.handoff.Dropped()
	return stats
}

func (p *Pipeline) run(ctx context.Context, done chan<- struct{}) {
	defer func() {
		p.state.Store(models.PipelineStateStopped)
		close(done)
	}()

	for p.state.Load() == models.PipelineStateRunning {
		if ctx.Err() != nil {
			return
		}
		p.cycle(ctx)
	}
}

// cycle processes at most one frame. The source buffer goes back to the pool on
// every path out of here.
func (p *Pipeline) cycle(ctx context.Context) {
	buf, err := p.pool.AcquireReady(ctx, p.cfg.AcquireTimeout)
	if err != nil {
		if errors.Is(err, models.ErrTimeout) {
			p.timeouts.Add(1)
			p.metrics.RecordFrameTimeout()
			p.timeoutLog.Do(func() {
				p.logger.Warn().
					Dur("timeout", p.cfg.AcquireTimeout).
					Uint64("timeouts", p.timeouts.Load()).
					Msg("No frame ready, retrying")
			})
		}
		return
	}
	defer p.pool.ReturnToFree(buf)

	start := time.Now()
	pkt, err := p.stage.Encode(buf.Frame())
	if err != nil {
		p.metrics.RecordEncodeError(encodeErrorReason(err))
		p.errorLog.Do(func() {
			p.logger.Error().Err(err).Uint64("seq", buf.Seq()).Msg("Encode failed, frame discarded")
		})
		return
	}
	defer pkt.Release()
	p.metrics.RecordEncode(time.Since(start).Seconds(), len(pkt.Data), pkt.Keyframe)

	if err := p.sink.Enqueue(pkt); err != nil {
		if errors.Is(err, models.ErrDropped) {
			p.sinkDrops.Add(1)
			p.logger.Debug().Uint64("seq", pkt.Seq).Msg("Packet dropped by transport")
			return
		}
		p.logger.Warn().Err(err).Uint64("seq", pkt.Seq).Msg("Enqueue failed")
	}
}

func encodeErrorReason(err error) string {
	switch {
	case errors.Is(err, models.ErrInvalidArgument):
		return "invalid"
	case errors.Is(err, models.ErrAlreadyRunning):
		return "busy"
	case errors.Is(err, models.ErrHardwareFailure):
		return "hardware"
	default:
		return "other"
	}
}
