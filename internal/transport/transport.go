// Package transport streams encoded packets to a single TCP client.
//
// Packets are copied into pooled entries and placed on a bounded queue. The
// stream loop always drains the queue: with a client attached each entry is
// written as-is (no framing), otherwise it is discarded. A full queue drops the
// packet, which is the pipeline's only backpressure mechanism.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"camstream/internal/encoder"
	"camstream/internal/metrics"
	"camstream/pkg/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Stream defaults
const (
	DefaultPort           = 8554
	DefaultQueueCapacity  = 4
	DefaultEnqueueTimeout = 10 * time.Millisecond
	DefaultHostname       = "esp32-p4"
	DefaultPath           = "/stream"
)

// Config holds transport configuration
type Config struct {
	// ListenAddr overrides Port when set (e.g. "127.0.0.1:0")
	ListenAddr string
	Port       int
	IPv6       bool

	// Hostname and Path only appear in the listening log line
	Hostname string
	Path     string

	QueueCapacity  int
	EnqueueTimeout time.Duration

	// WaitForKeyframe holds back a new client's stream until the next keyframe
	WaitForKeyframe bool
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.EnqueueTimeout <= 0 {
		c.EnqueueTimeout = DefaultEnqueueTimeout
	}
	if c.Hostname == "" {
		c.Hostname = DefaultHostname
	}
	if c.Path == "" {
		c.Path = DefaultPath
	}
	return c
}

func (c Config) listenAddr() string {
	if c.ListenAddr != "" {
		return c.ListenAddr
	}
	return net.JoinHostPort("", strconv.Itoa(c.Port))
}

func (c Config) network() string {
	if c.IPv6 {
		return "tcp"
	}
	return "tcp4"
}

const (
	stateIdle int32 = iota
	stateRunning
	stateStopped
)

// Option configures a Transport
type Option func(*Transport)

// WithLogger sets the transport logger
func WithLogger(logger zerolog.Logger) Option {
	return func(t *Transport) { t.logger = logger }
}

// WithMetrics attaches Prometheus metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Transport) { t.metrics = m }
}

// Transport owns the packet queue, the listener and the current client
type Transport struct {
	cfg     Config
	logger  zerolog.Logger
	metrics *metrics.Metrics

	queue   chan *entry
	entries sync.Pool

	// enqueueMu is held shared by enqueuers and exclusively by Stop before the
	// final drain, so no entry can land after it
	enqueueMu sync.RWMutex

	state    atomic.Int32
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu       sync.Mutex
	listener net.Listener

	client atomic.Pointer[client]

	dropLog rate.Sometimes

	outstanding atomic.Int64
	sessions    atomic.Uint64
	enqueued    atomic.Uint64
	dropped     atomic.Uint64
	sent        atomic.Uint64
	discarded   atomic.Uint64
	bytesSent   atomic.Uint64
}

// New creates a transport. Packets may be enqueued before Start.
func New(cfg Config, opts ...Option) *Transport {
	cfg = cfg.withDefaults()

	t := &Transport{
		cfg:     cfg,
		logger:  zerolog.Nop(),
		queue:   make(chan *entry, cfg.QueueCapacity),
		stopCh:  make(chan struct{}),
		dropLog: rate.Sometimes{First: 1, Interval: 5 * time.Second},
	}
	t.entries.New = func() any { return &entry{} }

	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Enqueue queues a copy of pkt using the configured enqueue timeout
func (t *Transport) Enqueue(pkt encoder.Packet) error {
	return t.EnqueueTimeout(pkt, t.cfg.EnqueueTimeout)
}

// EnqueueTimeout queues a copy of pkt, waiting up to timeout for space.
// On a full queue the copy is released and ErrDropped is returned; the caller
// keeps ownership of pkt either way.
func (t *Transport) EnqueueTimeout(pkt encoder.Packet, timeout time.Duration) error {
	if pkt.Empty() {
		return fmt.Errorf("enqueue empty packet: %w", models.ErrInvalidArgument)
	}

	t.enqueueMu.RLock()
	defer t.enqueueMu.RUnlock()

	if t.state.Load() == stateStopped {
		t.recordDrop(metrics.DropShutdown)
		return models.ErrDropped
	}

	e := t.newEntry(pkt)

	select {
	case t.queue <- e:
		t.recordEnqueued()
		return nil
	default:
	}

	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		select {
		case t.queue <- e:
			t.recordEnqueued()
			return nil
		case <-timer.C:
		case <-t.stopCh:
		}
	}

	t.releaseEntry(e)
	t.recordDrop(metrics.DropQueueFull)
	t.dropLog.Do(func() {
		t.logger.Warn().
			Uint64("dropped", t.dropped.Load()).
			Int("capacity", t.cfg.QueueCapacity).
			Msg("Transport queue full, dropping packets")
	})
	return models.ErrDropped
}

// Start binds the listener and spawns the accept and stream loops.
// The transport stops when ctx is done or Stop is called.
func (t *Transport) Start(ctx context.Context) error {
	if !t.state.CompareAndSwap(stateIdle, stateRunning) {
		return fmt.Errorf("transport: %w", models.ErrAlreadyRunning)
	}

	ln, err := net.Listen(t.cfg.network(), t.cfg.listenAddr())
	if err != nil {
		t.state.Store(stateIdle)
		return fmt.Errorf("failed to listen on %s: %w", t.cfg.listenAddr(), err)
	}

	t.mu.Lock()
	t.listener = ln
	t.mu.Unlock()

	port := t.cfg.Port
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		port = tcp.Port
	}
	t.logger.Info().
		Str("addr", ln.Addr().String()).
		Int("queue_capacity", t.cfg.QueueCapacity).
		Msgf("Streaming on rtsp://%s:%d%s", t.cfg.Hostname, port, t.cfg.Path)

	t.wg.Add(2)
	go t.acceptLoop(ln)
	go t.streamLoop()

	go func() {
		select {
		case <-ctx.Done():
			t.Stop()
		case <-t.stopCh:
		}
	}()

	return nil
}

// Addr returns the bound listener address, or nil before Start
func (t *Transport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Stop closes the listener and client, waits for both loops and releases every
// queued entry. Safe to call more than once.
func (t *Transport) Stop() error {
	var err error
	t.stopOnce.Do(func() {
		t.state.Store(stateStopped)
		close(t.stopCh)

		t.mu.Lock()
		if t.listener != nil {
			if cerr := t.listener.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
				err = fmt.Errorf("close listener: %w", cerr)
			}
		}
		t.mu.Unlock()

		if c := t.client.Swap(nil); c != nil {
			c.close()
		}

		t.wg.Wait()

		// Waiting enqueuers see stopCh; wait for in-flight ones to finish
		t.enqueueMu.Lock()
		drained := t.drain()
		t.enqueueMu.Unlock()

		t.logger.Info().
			Int("drained", drained).
			Uint64("sent", t.sent.Load()).
			Uint64("dropped", t.dropped.Load()).
			Msg("Transport stopped")
	})
	return err
}

func (t *Transport) drain() int {
	n := 0
	for {
		select {
		case e := <-t.queue:
			t.releaseEntry(e)
			t.recordDrop(metrics.DropShutdown)
			n++
		default:
			return n
		}
	}
}

// Outstanding returns the number of live queue entries (queued or being sent)
func (t *Transport) Outstanding() int64 {
	return t.outstanding.Load()
}

// Stats returns a snapshot of the transport
func (t *Transport) Stats() models.TransportStats {
	stats := models.TransportStats{
		Listening:   t.state.Load() == stateRunning,
		Sessions:    t.sessions.Load(),
		Enqueued:    t.enqueued.Load(),
		Dropped:     t.dropped.Load(),
		Sent:        t.sent.Load(),
		Discarded:   t.discarded.Load(),
		BytesSent:   t.bytesSent.Load(),
		Queued:      len(t.queue),
		Outstanding: t.outstanding.Load(),
	}
	if addr := t.Addr(); addr != nil {
		stats.Addr = addr.String()
	}
	if c := t.client.Load(); c != nil {
		stats.Client = c.addr
		stats.Session = c.session
	}
	return stats
}

func (t *Transport) recordEnqueued() {
	t.enqueued.Add(1)
	t.metrics.RecordPacketEnqueued()
}

func (t *Transport) recordDrop(reason string) {
	t.dropped.Add(1)
	t.metrics.RecordPacketDropped(reason)
}

// client is the single attached peer
type client struct {
	conn    net.Conn
	session string
	addr    string

	// Only touched by the stream loop
	awaitingKeyframe bool

	done      chan struct{}
	closeOnce sync.Once
}

func newClient(conn net.Conn, waitForKeyframe bool) *client {
	return &client{
		conn:             conn,
		session:          uuid.NewString(),
		addr:             conn.RemoteAddr().String(),
		awaitingKeyframe: waitForKeyframe,
		done:             make(chan struct{}),
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
		close(c.done)
	})
}
