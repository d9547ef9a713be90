package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"camstream/config"
	"camstream/httpServer"
	"camstream/internal/capture"
	"camstream/internal/encoder"
	"camstream/internal/framepool"
	"camstream/internal/link"
	"camstream/internal/logging"
	"camstream/internal/metrics"
	"camstream/internal/pipeline"
	"camstream/internal/report"
	"camstream/internal/transport"
	"camstream/pkg/models"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// internalRAMLimit is the bitstream budget when external PSRAM is disabled
const internalRAMLimit = 768 << 10

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)
	logger.Info().
		Int("width", cfg.Camera.Width).
		Int("height", cfg.Camera.Height).
		Int("fps", cfg.Camera.FPS).
		Int("bitrate", cfg.Encoder.Bitrate).
		Str("transport", string(cfg.Transport.Type)).
		Msg("Starting camstream")

	if err := run(cfg); err != nil {
		logger.Fatal().Err(err).Msg("camstream failed")
	}
	logger.Info().Msg("camstream stopped")
}

func run(cfg *config.Config) error {
	// Initialize metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	// Initialize capture source
	pattern, err := capture.ParsePattern(cfg.Camera.Pattern)
	if err != nil {
		return err
	}
	source, err := capture.NewSynthetic(capture.SyntheticConfig{
		Width:   cfg.Camera.Width,
		Height:  cfg.Camera.Height,
		FPS:     cfg.Camera.FPS,
		Pattern: pattern,
	}, logging.For("camera"))
	if err != nil {
		return err
	}

	// Initialize encoder
	encCfg := encoder.Config{
		Width:   cfg.Camera.Width,
		Height:  cfg.Camera.Height,
		FPS:     cfg.Encoder.FPS,
		Bitrate: cfg.Encoder.Bitrate,
		GOP:     cfg.Encoder.GOP,
	}
	if !cfg.Encoder.PSRAM {
		encCfg.MemoryLimit = internalRAMLimit
	}
	hw, err := encoder.NewSynthetic(encCfg)
	if err != nil {
		return err
	}

	// Initialize transport
	tr := transport.New(transport.Config{
		Port:            cfg.Transport.Port,
		IPv6:            cfg.Transport.IPv6,
		Hostname:        cfg.Transport.Hostname,
		Path:            cfg.Transport.Path,
		QueueCapacity:   cfg.Transport.QueueCapacity,
		EnqueueTimeout:  cfg.Transport.EnqueueTimeout,
		WaitForKeyframe: cfg.Transport.WaitForKeyframe,
	}, transport.WithLogger(logging.For("transport")), transport.WithMetrics(m))

	// Initialize pipeline
	pipe, err := pipeline.New(pipeline.Config{
		Pool: framepool.Config{
			Width:       cfg.Camera.Width,
			Height:      cfg.Camera.Height,
			Format:      models.PixelFormatYUV422,
			Count:       cfg.Camera.Buffers,
			MemoryLimit: cfg.Camera.MemoryLimit,
		},
		Encoder:        encCfg,
		AcquireTimeout: cfg.Pipeline.AcquireTimeout,
	}, source, hw, tr, pipeline.WithLogger(logging.For("pipeline")), pipeline.WithMetrics(m))
	if err != nil {
		return err
	}

	// Initialize link supervisor
	driver := link.NewHostDriver(link.HostConfig{
		Type:      cfg.Transport.Type,
		Interface: cfg.Link.Interface,
		IPv6:      cfg.Transport.IPv6,
	})
	supervisor := link.NewSupervisor(driver, link.Config{
		InitialInterval:     cfg.Link.BackoffInitial,
		MaxInterval:         cfg.Link.BackoffMax,
		Multiplier:          cfg.Link.BackoffFactor,
		RandomizationFactor: cfg.Link.BackoffJitter,
		MinRetryInterval:    cfg.Link.MinRetryInterval,
	}, link.WithLogger(logging.For("link")), link.WithMetrics(m))

	status := func() models.PipelineStatus {
		s := pipe.Status()
		s.Transport = tr.Stats()
		ls := supervisor.Stats()
		s.Link = &ls
		return s
	}

	reporter, err := report.New(cfg.ReportSchedule, status, logging.For("report"))
	if err != nil {
		pipe.Close()
		return err
	}
	httpSrv := httpServer.New(status, reg, m, logging.For("http"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The transport does not wait for the link to come up.
	// Both stages are stopped explicitly below so teardown runs in order.
	if err := tr.Start(context.Background()); err != nil {
		pipe.Close()
		return err
	}
	if err := pipe.Start(context.Background()); err != nil {
		tr.Stop()
		pipe.Close()
		return err
	}
	reporter.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return supervisor.Run(gctx)
	})
	g.Go(func() error {
		return httpSrv.Run(gctx, cfg.HTTPAddr)
	})

	log.Info().
		Str("http", cfg.HTTPAddr).
		Int("stream_port", cfg.Transport.Port).
		Msg("camstream started successfully")

	runErr := g.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	log.Info().Msg("Shutting down")
	if err := shutdown(pipe, tr, reporter); err != nil {
		runErr = multierror.Append(runErr, err)
	}
	return runErr
}

// shutdown stops the camera and pipeline loop, then the transport, then
// releases the encoder and frame pool.
func shutdown(pipe *pipeline.Pipeline, tr *transport.Transport, reporter *report.Reporter) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var result error
	if err := reporter.Stop(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := pipe.Stop(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := tr.Stop(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := pipe.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result
}
