package link

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"camstream/pkg/models"
)

// HostConfig configures HostDriver
type HostConfig struct {
	Type models.LinkType

	// Interface to watch; empty selects the first non-loopback interface that is up
	Interface string

	// IPv6 allows IPv6 addresses to satisfy EventGotIP
	IPv6 bool

	PollInterval time.Duration
}

// HostDriver watches a host network interface and reports it as the device link.
// A wireless link is simulated: Connect succeeds once the interface is up.
type HostDriver struct {
	cfg    HostConfig
	events chan Event

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	up       bool
	pendConn bool
}

// NewHostDriver creates a driver for cfg
func NewHostDriver(cfg HostConfig) *HostDriver {
	if cfg.Type == "" {
		cfg.Type = models.LinkTypeEthernet
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &HostDriver{
		cfg:    cfg,
		events: make(chan Event, 8),
	}
}

func (d *HostDriver) Type() models.LinkType { return d.cfg.Type }

func (d *HostDriver) Events() <-chan Event { return d.events }

// Start begins polling the interface
func (d *HostDriver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cancel != nil {
		return fmt.Errorf("host link driver: %w", models.ErrAlreadyRunning)
	}
	if d.cfg.Interface != "" {
		if _, err := net.InterfaceByName(d.cfg.Interface); err != nil {
			return fmt.Errorf("interface %q: %w", d.cfg.Interface, err)
		}
	}

	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})

	if d.cfg.Type == models.LinkTypeWiFi {
		d.emit(Event{Type: EventStationStart})
	}
	go d.poll(ctx)
	return nil
}

// Connect requests association; it completes on the next poll that finds the interface up
func (d *HostDriver) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pendConn = true
	return nil
}

// Stop halts polling
func (d *HostDriver) Stop() error {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (d *HostDriver) poll(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		d.check()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *HostDriver) check() {
	ip, up := d.probe()

	d.mu.Lock()
	defer d.mu.Unlock()

	wireless := d.cfg.Type == models.LinkTypeWiFi
	switch {
	case up && !d.up:
		if wireless {
			if !d.pendConn {
				return
			}
			d.pendConn = false
			d.up = true
			d.emit(Event{Type: EventConnected})
			d.emit(Event{Type: EventGotIP, IP: ip})
			return
		}
		d.up = true
		d.emit(Event{Type: EventUp, IP: ip})

	case !up && d.up:
		d.up = false
		if wireless {
			d.emit(Event{Type: EventDisconnected, Reason: "interface down"})
			return
		}
		d.emit(Event{Type: EventDown, Reason: "interface down"})
	}
}

// emit never blocks; a stale event is dropped in favour of the next poll
func (d *HostDriver) emit(ev Event) {
	select {
	case d.events <- ev:
	default:
	}
}

func (d *HostDriver) probe() (string, bool) {
	var ifaces []net.Interface
	if d.cfg.Interface != "" {
		iface, err := net.InterfaceByName(d.cfg.Interface)
		if err != nil {
			return "", false
		}
		ifaces = []net.Interface{*iface}
	} else {
		all, err := net.Interfaces()
		if err != nil {
			return "", false
		}
		for _, iface := range all {
			if iface.Flags&net.FlagLoopback == 0 {
				ifaces = append(ifaces, iface)
			}
		}
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.IsLinkLocalUnicast() {
				continue
			}
			if ipNet.IP.To4() == nil && !d.cfg.IPv6 {
				continue
			}
			return ipNet.IP.String(), true
		}
	}
	return "", false
}
