package main

import (
	"bytes"

	"camstream/internal/h264"
)

// Summary counts what the probe has seen so far
type Summary struct {
	Bytes     int
	NALUs     int
	Keyframes int
	SPS       int
	PPS       int
	Slices    int
	Width     int
	Height    int
}

// Probe splits a raw Annex-B byte stream into NAL units as it arrives.
// Packets are written without framing, so a NAL unit is only complete once the
// next start code has been seen.
type Probe struct {
	pending []byte
	summary Summary
}

// Write feeds stream bytes to the probe
func (p *Probe) Write(b []byte) (int, error) {
	p.summary.Bytes += len(b)
	p.pending = append(p.pending, b...)

	idx := bytes.LastIndex(p.pending, h264.StartCode3)
	if idx <= 0 {
		return len(b), nil
	}
	if p.pending[idx-1] == 0 {
		idx--
	}

	p.consume(p.pending[:idx])
	p.pending = append(p.pending[:0], p.pending[idx:]...)
	return len(b), nil
}

// Flush treats any buffered bytes as a complete NAL unit
func (p *Probe) Flush() {
	if len(p.pending) > 0 {
		p.consume(p.pending)
		p.pending = p.pending[:0]
	}
}

// Summary returns the counters
func (p *Probe) Summary() Summary {
	return p.summary
}

func (p *Probe) consume(chunk []byte) {
	if !h264.IsAnnexBFormat(chunk) {
		return
	}

	for _, nalu := range h264.SplitNALUs(chunk) {
		if len(nalu) == 0 {
			continue
		}
		p.summary.NALUs++

		switch h264.NALUnitType(nalu) {
		case h264.NALUnitTypeSPS:
			p.summary.SPS++
			if w, h, err := h264.Dimensions(nalu); err == nil {
				p.summary.Width, p.summary.Height = w, h
			}
		case h264.NALUnitTypePPS:
			p.summary.PPS++
		case h264.NALUnitTypeIDR:
			p.summary.Keyframes++
			p.summary.Slices++
		case h264.NALUnitTypeNonIDR:
			p.summary.Slices++
		}
	}
}
