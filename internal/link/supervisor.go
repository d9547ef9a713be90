package link

import (
	"context"
	"fmt"
	"sync"
	"time"

	"camstream/internal/metrics"
	"camstream/pkg/models"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Config holds reconnect policy
type Config struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64

	// MinRetryInterval is the maximum retry cadence regardless of backoff (0 = none)
	MinRetryInterval time.Duration
}

// DefaultConfig returns the default reconnect policy
func DefaultConfig() Config {
	return Config{
		InitialInterval:     500 * time.Millisecond,
		MaxInterval:         30 * time.Second,
		Multiplier:          2,
		RandomizationFactor: 0.5,
		MinRetryInterval:    time.Second,
	}
}

// Option configures a Supervisor
type Option func(*Supervisor)

// WithLogger sets the supervisor logger
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Supervisor) { s.logger = logger }
}

// WithMetrics attaches Prometheus metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// Supervisor reacts to link events for one Driver
type Supervisor struct {
	driver  Driver
	cfg     Config
	logger  zerolog.Logger
	metrics *metrics.Metrics

	// Only touched by the Run goroutine
	backoff *backoff.ExponentialBackOff
	limiter *rate.Limiter
	retry   *time.Timer

	mu         sync.RWMutex
	state      models.LinkState
	ip         string
	attempts   uint64
	lastChange time.Time
}

// NewSupervisor creates a supervisor for driver
func NewSupervisor(driver Driver, cfg Config, opts ...Option) *Supervisor {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.MaxInterval = cfg.MaxInterval
	b.Multiplier = cfg.Multiplier
	b.RandomizationFactor = cfg.RandomizationFactor
	b.Reset()

	limit := rate.Inf
	if cfg.MinRetryInterval > 0 {
		limit = rate.Every(cfg.MinRetryInterval)
	}

	s := &Supervisor{
		driver:     driver,
		cfg:        cfg,
		logger:     zerolog.Nop(),
		backoff:    b,
		limiter:    rate.NewLimiter(limit, 1),
		state:      models.LinkStateDown,
		lastChange: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run starts the driver and handles its events until ctx is done
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.driver.Start(ctx); err != nil {
		return fmt.Errorf("start %s link: %w", s.driver.Type(), err)
	}
	defer func() {
		if s.retry != nil {
			s.retry.Stop()
		}
		if err := s.driver.Stop(); err != nil {
			s.logger.Warn().Err(err).Msg("Link driver stop failed")
		}
	}()

	s.logger.Info().Str("type", string(s.driver.Type())).Msg("Link supervisor started")

	events := s.driver.Events()
	for {
		var retry <-chan time.Time
		if s.retry != nil {
			retry = s.retry.C
		}

		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.handle(ev)
		case <-retry:
			s.retry = nil
			s.connect()
		}
	}
}

func (s *Supervisor) handle(ev Event) {
	wireless := s.driver.Type() == models.LinkTypeWiFi

	switch ev.Type {
	case EventStationStart:
		if !wireless {
			return
		}
		s.setState(models.LinkStateConnecting, "")
		s.connect()

	case EventConnected:
		s.backoff.Reset()
		s.setState(models.LinkStateUp, "")
		s.logger.Info().Msg("Link connected")

	case EventGotIP:
		s.backoff.Reset()
		s.setState(models.LinkStateUp, ev.IP)
		s.logger.Info().Str("ip", ev.IP).Msg("Got IP")

	case EventDisconnected:
		s.setState(models.LinkStateDown, "")
		s.logger.Warn().Str("reason", ev.Reason).Msg("Link disconnected")
		if wireless {
			s.scheduleReconnect()
		}

	case EventUp:
		s.setState(models.LinkStateUp, ev.IP)
		s.logger.Info().Str("ip", ev.IP).Msg("Link up")

	case EventDown:
		s.setState(models.LinkStateDown, "")
		s.logger.Warn().Str("reason", ev.Reason).Msg("Link down")
	}
}

func (s *Supervisor) connect() {
	if err := s.driver.Connect(); err != nil {
		s.logger.Warn().Err(err).Msg("Link connect failed")
		s.scheduleReconnect()
	}
}

func (s *Supervisor) scheduleReconnect() {
	if s.retry != nil {
		return
	}

	delay := s.nextDelay()
	s.mu.Lock()
	s.attempts++
	attempt := s.attempts
	s.state = models.LinkStateConnecting
	s.mu.Unlock()

	s.metrics.RecordReconnect()
	s.logger.Info().
		Uint64("attempt", attempt).
		Dur("delay", delay).
		Msg("Reconnecting")

	s.retry = time.NewTimer(delay)
}

// nextDelay is the jittered backoff, floored by the retry cadence limit
func (s *Supervisor) nextDelay() time.Duration {
	delay := s.backoff.NextBackOff()
	if delay < 0 {
		delay = s.cfg.MaxInterval
	}
	if wait := s.limiter.Reserve().Delay(); wait > delay {
		delay = wait
	}
	return delay
}

func (s *Supervisor) setState(state models.LinkState, ip string) {
	s.mu.Lock()
	changed := s.state != state
	s.state = state
	if ip != "" || state == models.LinkStateDown {
		s.ip = ip
	}
	if changed {
		s.lastChange = time.Now()
	}
	s.mu.Unlock()

	if changed {
		s.metrics.RecordLinkState(state == models.LinkStateUp)
	}
}

// State returns the current link state
func (s *Supervisor) State() models.LinkState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Stats returns a snapshot of the supervisor
func (s *Supervisor) Stats() models.LinkStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return models.LinkStats{
		Type:              s.driver.Type(),
		State:             s.state,
		IP:                s.ip,
		ReconnectAttempts: s.attempts,
		LastChange:        s.lastChange,
	}
}
