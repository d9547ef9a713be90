package transport

import (
	"errors"
	"io"
	"net"
	"time"

	"camstream/internal/encoder"
	"camstream/internal/metrics"
)

// entry is an owned copy of a packet. It is released exactly once by whoever
// holds it last.
type entry struct {
	buf         []byte
	keyframe    bool
	timestampUS uint64
}

func (t *Transport) newEntry(pkt encoder.Packet) *entry {
	e := t.entries.Get().(*entry)
	e.buf = append(e.buf[:0], pkt.Data...)
	e.keyframe = pkt.Keyframe
	e.timestampUS = pkt.TimestampUS
	t.outstanding.Add(1)
	return e
}

func (t *Transport) releaseEntry(e *entry) {
	e.buf = e.buf[:0]
	e.keyframe = false
	e.timestampUS = 0
	t.entries.Put(e)
	t.outstanding.Add(-1)
}

// streamLoop never pauses dequeueing, whether or not a client is attached
func (t *Transport) streamLoop() {
	defer t.wg.Done()

	for {
		select {
		case <-t.stopCh:
			return
		case e := <-t.queue:
			t.deliver(e)
		}
	}
}

func (t *Transport) deliver(e *entry) {
	defer t.releaseEntry(e)

	c := t.client.Load()
	if c == nil {
		t.discarded.Add(1)
		t.metrics.RecordPacketDropped(metrics.DropNoClient)
		return
	}

	if c.awaitingKeyframe {
		if !e.keyframe {
			t.discarded.Add(1)
			t.metrics.RecordPacketDropped(metrics.DropAwaitingKeyframe)
			return
		}
		c.awaitingKeyframe = false
	}

	n, err := c.conn.Write(e.buf)
	if err != nil {
		t.logger.Warn().
			Err(err).
			Str("session", c.session).
			Str("client", c.addr).
			Msg("Send failed, dropping client")
		t.metrics.RecordPacketDropped(metrics.DropSendError)
		t.detach(c)
		return
	}

	t.sent.Add(1)
	t.bytesSent.Add(uint64(n))
	t.metrics.RecordPacketSent(n)
}

// acceptLoop serves one client at a time. A second connection waits in the
// listen backlog until the current client detaches.
func (t *Transport) acceptLoop(ln net.Listener) {
	defer t.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-t.stopCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			t.logger.Error().Err(err).Msg("Accept error")
			time.Sleep(100 * time.Millisecond)
			continue
		}

		c := newClient(conn, t.cfg.WaitForKeyframe)
		t.client.Store(c)
		t.sessions.Add(1)
		t.metrics.RecordClientConnected()
		t.logger.Info().
			Str("session", c.session).
			Str("client", c.addr).
			Msg("Client connected")

		go t.watchPeer(c)

		select {
		case <-c.done:
		case <-t.stopCh:
			t.detach(c)
			t.metrics.RecordClientDisconnected()
			return
		}

		t.metrics.RecordClientDisconnected()
		t.logger.Info().
			Str("session", c.session).
			Str("client", c.addr).
			Msg("Client disconnected")
	}
}

// watchPeer detects a peer hangup while no packets are flowing.
// Clients never send; anything they do send is discarded.
func (t *Transport) watchPeer(c *client) {
	_, _ = io.Copy(io.Discard, c.conn)
	t.detach(c)
}

func (t *Transport) detach(c *client) {
	t.client.CompareAndSwap(c, nil)
	c.close()
}
