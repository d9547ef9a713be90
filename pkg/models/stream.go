package models

import (
	"sync/atomic"
	"time"
)

// PipelineState represents the lifecycle of the pipeline driver
type PipelineState int32

const (
	PipelineStateStopped       PipelineState = iota // Not running (initial and final state)
	PipelineStateRunning                            // Driver loop active
	PipelineStateStopRequested                      // Stop signalled, loop draining
)

func (s PipelineState) String() string {
	switch s {
	case PipelineStateStopped:
		return "stopped"
	case PipelineStateRunning:
		return "running"
	case PipelineStateStopRequested:
		return "stop_requested"
	default:
		return "unknown"
	}
}

// AtomicPipelineState is a PipelineState safe for concurrent use
type AtomicPipelineState struct {
	v atomic.Int32
}

// Load returns the current state
func (a *AtomicPipelineState) Load() PipelineState {
	return PipelineState(a.v.Load())
}

// Store sets the state unconditionally
func (a *AtomicPipelineState) Store(s PipelineState) {
	a.v.Store(int32(s))
}

// CompareAndSwap transitions from old to new if the state is still old
func (a *AtomicPipelineState) CompareAndSwap(old, new PipelineState) bool {
	return a.v.CompareAndSwap(int32(old), int32(new))
}

// LinkType selects how the device reaches the network
type LinkType string

const (
	LinkTypeEthernet LinkType = "ethernet"
	LinkTypeWiFi     LinkType = "wifi"
)

// LinkState is the supervisor's view of the network link
type LinkState string

const (
	LinkStateDown       LinkState = "down"
	LinkStateConnecting LinkState = "connecting"
	LinkStateUp         LinkState = "up"
)

// PoolStats is a snapshot of the frame buffer pool
type PoolStats struct {
	Size       int    `json:"size"`
	Free       int    `json:"free"`
	Ready      int    `json:"ready"`
	CheckedOut int    `json:"checkedOut"`
	BufferSize int    `json:"bufferSize"`
	Captured   uint64 `json:"captured"`
	Dropped    uint64 `json:"dropped"` // Frames declined by the capture hand-off
}

// EncoderStats is a snapshot of the encode stage
type EncoderStats struct {
	Encoded         uint64 `json:"encoded"`
	Keyframes       uint64 `json:"keyframes"`
	Failed          uint64 `json:"failed"`
	Rejected        uint64 `json:"rejected"`
	BytesOut        uint64 `json:"bytesOut"`
	LastTimestampUS uint64 `json:"lastTimestampUs"`
}

// TransportStats is a snapshot of the packet transport
type TransportStats struct {
	Listening   bool   `json:"listening"`
	Addr        string `json:"addr,omitempty"`
	Client      string `json:"client,omitempty"`
	Session     string `json:"session,omitempty"`
	Sessions    uint64 `json:"sessions"`
	Enqueued    uint64 `json:"enqueued"`
	Dropped     uint64 `json:"dropped"`
	Sent        uint64 `json:"sent"`
	Discarded   uint64 `json:"discarded"`
	BytesSent   uint64 `json:"bytesSent"`
	Queued      int    `json:"queued"`
	Outstanding int64  `json:"outstanding"`
}

// LinkStats is a snapshot of the connection supervisor
type LinkStats struct {
	Type              LinkType  `json:"type"`
	State             LinkState `json:"state"`
	IP                string    `json:"ip,omitempty"`
	ReconnectAttempts uint64    `json:"reconnectAttempts"`
	LastChange        time.Time `json:"lastChange"`
}

// PipelineStatus is returned by the status API
type PipelineStatus struct {
	State     string         `json:"state"`
	StartedAt string         `json:"startedAt,omitempty"`
	Uptime    int            `json:"uptime,omitempty"` // seconds
	Codec     CodecInfo      `json:"codec"`
	Pool      PoolStats      `json:"pool"`
	Encoder   EncoderStats   `json:"encoder"`
	Transport TransportStats `json:"transport"`
	Link      *LinkStats     `json:"link,omitempty"`
}
