package encoder

import (
	"encoding/binary"
	"fmt"
	"sync"

	"camstream/internal/h264"
	"camstream/pkg/models"

	"github.com/cespare/xxhash/v2"
)

// minSlicePayload keeps tiny configurations producing non-trivial slices
const minSlicePayload = 16

// Synthetic is a software Hardware producing a syntactically framed Annex-B
// stream. Slices are not decodable pictures: their body is an xxhash digest of
// the input repeated to the per-frame bitrate budget, so distinct frames give
// distinct output. Each GOP opens with SPS, PPS and an IDR slice.
type Synthetic struct {
	gop         int
	payloadSize int
	sps         []byte
	pps         []byte

	mu       sync.Mutex
	frameNum uint64
	idrPicID uint64
	rbsp     []byte // Scratch reused across calls
	closed   bool
}

// NewSynthetic builds the parameter sets for cfg
func NewSynthetic(cfg Config) (*Synthetic, error) {
	sps, err := h264.BuildSPS(cfg.Width, cfg.Height)
	if err != nil {
		return nil, fmt.Errorf("synthetic encoder: %v: %w", err, models.ErrInvalidArgument)
	}

	gop := cfg.GOP
	if gop <= 0 {
		gop = 1
	}
	payload := minSlicePayload
	if cfg.FPS > 0 && cfg.Bitrate > 0 {
		payload = max(cfg.Bitrate/8/cfg.FPS, minSlicePayload)
	}

	return &Synthetic{
		gop:         gop,
		payloadSize: payload,
		sps:         sps,
		pps:         h264.BuildPPS(),
		rbsp:        make([]byte, 0, payload+32),
	}, nil
}

// Encode writes one access unit into bitstream
func (s *Synthetic) Encode(in Input, bitstream []byte) (Output, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Output{}, fmt.Errorf("synthetic encoder closed")
	}
	if in.Format != "" && in.Format != models.PixelFormatYUV422 {
		return Output{}, fmt.Errorf("unsupported input format %q", in.Format)
	}

	keyframe := s.frameNum%uint64(s.gop) == 0
	frameNum := (s.frameNum % uint64(s.gop)) & (1<<h264.FrameNumBits - 1)

	dst := bitstream[:0]
	header := byte(0x41) // nal_ref_idc 2, non-IDR slice
	if keyframe {
		dst = h264.AppendNALU(dst, s.sps)
		dst = h264.AppendNALU(dst, s.pps)
		header = 0x65 // nal_ref_idc 3, IDR slice
	}

	rbsp := append(s.rbsp[:0], h264.SliceHeader(keyframe, frameNum, s.idrPicID)...)
	var digest [8]byte
	binary.BigEndian.PutUint64(digest[:], xxhash.Sum64(in.Data))
	for len(rbsp) < s.payloadSize {
		rbsp = append(rbsp, digest[:]...)
	}
	rbsp = append(rbsp, 0x80) // rbsp_stop_one_bit
	s.rbsp = rbsp

	dst = append(dst, h264.StartCode4...)
	dst = append(dst, header)
	dst = h264.EscapeRBSP(dst, rbsp)
	if len(dst) > len(bitstream) {
		return Output{}, fmt.Errorf("access unit of %d bytes exceeds %d byte bitstream buffer", len(dst), len(bitstream))
	}

	if keyframe {
		s.idrPicID++
	}
	s.frameNum++

	return Output{
		Length:      len(dst),
		Keyframe:    keyframe,
		TimestampUS: in.TimestampUS,
	}, nil
}

// Close marks the codec unusable
func (s *Synthetic) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
