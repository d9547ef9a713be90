// Package report logs a periodic pipeline summary on a cron schedule.
package report

import (
	"context"
	"fmt"
	"sync"
	"time"

	"camstream/internal/logging"
	"camstream/pkg/models"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultSchedule reports every 30 seconds
const DefaultSchedule = "@every 30s"

// StatusFunc returns the current pipeline status
type StatusFunc func() models.PipelineStatus

// Reporter logs throughput and drop counters since the previous report
type Reporter struct {
	status StatusFunc
	logger zerolog.Logger
	cron   *cron.Cron

	mu       sync.Mutex
	last     models.PipelineStatus
	lastTime time.Time
}

// New schedules the report. schedule accepts standard cron specs and descriptors like "@every 1m".
func New(schedule string, status StatusFunc, logger zerolog.Logger) (*Reporter, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}

	cl := logging.CronLogger{Logger: logger}
	r := &Reporter{
		status: status,
		logger: logger,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.SkipIfStillRunning(cl)),
		),
		lastTime: time.Now(),
	}

	if _, err := r.cron.AddFunc(schedule, r.Report); err != nil {
		return nil, fmt.Errorf("invalid report schedule %q: %w", schedule, err)
	}
	return r, nil
}

// Start begins the schedule
func (r *Reporter) Start() {
	r.cron.Start()
}

// Stop halts the schedule and waits for a running report, bounded by ctx
func (r *Reporter) Stop(ctx context.Context) error {
	select {
	case <-r.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Report logs one summary
func (r *Reporter) Report() {
	now := time.Now()
	cur := r.status()

	r.mu.Lock()
	prev, prevTime := r.last, r.lastTime
	r.last, r.lastTime = cur, now
	r.mu.Unlock()

	elapsed := now.Sub(prevTime).Seconds()
	var fps, kbps float64
	if elapsed > 0 {
		fps = float64(cur.Encoder.Encoded-prev.Encoder.Encoded) / elapsed
		kbps = float64(cur.Transport.BytesSent-prev.Transport.BytesSent) * 8 / 1000 / elapsed
	}

	ev := r.logger.Info().
		Str("state", cur.State).
		Float64("encode_fps", fps).
		Float64("send_kbps", kbps).
		Uint64("frames_declined", cur.Pool.Dropped-prev.Pool.Dropped).
		Uint64("packets_dropped", cur.Transport.Dropped-prev.Transport.Dropped).
		Uint64("encode_failures", cur.Encoder.Failed-prev.Encoder.Failed).
		Int("pool_free", cur.Pool.Free).
		Bool("client", cur.Transport.Client != "")
	if cur.Link != nil {
		ev = ev.Str("link", string(cur.Link.State))
	}
	ev.Msg("Pipeline report")
}
