// Command streamprobe connects to a camstream device and reports the H.264
// elementary stream it receives.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"camstream/internal/logging"
)

func main() {
	addr := flag.String("addr", "localhost:8554", "device stream address")
	duration := flag.Duration("duration", 10*time.Second, "how long to read (0 = until interrupted)")
	out := flag.String("out", "", "optional file to save the raw .h264 stream")
	interval := flag.Duration("interval", 2*time.Second, "progress report interval")
	flag.Parse()

	logger := logging.Setup("info", "console")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", *addr)
	if err != nil {
		logger.Fatal().Err(err).Str("addr", *addr).Msg("Failed to connect")
	}
	defer conn.Close()
	logger.Info().Str("addr", *addr).Msg("Connected")

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	probe := &Probe{}
	var sink io.Writer = probe
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to create output file")
		}
		defer f.Close()
		sink = io.MultiWriter(probe, f)
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			sink.Write(buf[:n])
		}
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) {
				logger.Error().Err(err).Msg("Read failed")
			}
			break
		}

		select {
		case <-ticker.C:
			s := probe.Summary()
			logger.Info().
				Int("bytes", s.Bytes).
				Int("slices", s.Slices).
				Int("keyframes", s.Keyframes).
				Msg("Receiving")
		default:
		}
	}

	probe.Flush()
	s := probe.Summary()
	logger.Info().
		Int("bytes", s.Bytes).
		Int("nalus", s.NALUs).
		Int("slices", s.Slices).
		Int("keyframes", s.Keyframes).
		Int("sps", s.SPS).
		Int("pps", s.PPS).
		Int("width", s.Width).
		Int("height", s.Height).
		Msg("Stream summary")
}
