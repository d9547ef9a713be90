// Package link keeps the device's network link up.
//
// A Driver brings the interface up and reports link events. The Supervisor
// reacts to them: on a wireless link it (re)connects after every disconnect with
// bounded, jittered backoff; on a wired link it only tracks up/down.
// The transport never waits on the link.
package link

import (
	"context"

	"camstream/pkg/models"
)

// EventType identifies a link-layer event
type EventType int

const (
	EventStationStart EventType = iota // Wireless station ready to associate
	EventConnected                     // Associated with the access point
	EventGotIP                         // Address assigned
	EventDisconnected                  // Association lost
	EventUp                            // Wired link up
	EventDown                          // Wired link down
)

func (e EventType) String() string {
	switch e {
	case EventStationStart:
		return "station_start"
	case EventConnected:
		return "connected"
	case EventGotIP:
		return "got_ip"
	case EventDisconnected:
		return "disconnected"
	case EventUp:
		return "up"
	case EventDown:
		return "down"
	default:
		return "unknown"
	}
}

// Event is delivered by a Driver
type Event struct {
	Type   EventType
	IP     string // Set for EventGotIP
	Reason string // Optional driver detail
}

// Driver is the link-layer peripheral
type Driver interface {
	Type() models.LinkType

	// Start brings the interface up. Events flow until Stop.
	Start(ctx context.Context) error

	// Connect initiates wireless association. Completion is reported as an event.
	Connect() error

	Events() <-chan Event
	Stop() error
}
