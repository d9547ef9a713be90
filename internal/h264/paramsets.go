package h264

import (
	"fmt"
	"math/bits"

	"github.com/Eyevinn/mp4ff/avc"
)

// Baseline profile parameters written by BuildSPS
const (
	ProfileBaseline = 66
	Level40         = 40

	// log2_max_frame_num_minus4 = 0, so frame_num is 4 bits
	FrameNumBits = 4
)

// BuildSPS returns a baseline-profile sequence parameter set NAL unit
// (header included, emulation prevention applied) for a width x height stream.
// Dimensions must be even; odd sizes cannot be expressed with 4:2:0 cropping.
func BuildSPS(width, height int) ([]byte, error) {
	if width <= 0 || height <= 0 || width%2 != 0 || height%2 != 0 {
		return nil, fmt.Errorf("invalid SPS dimensions %dx%d", width, height)
	}

	mbW := (width + 15) / 16
	mbH := (height + 15) / 16
	cropRight := (mbW*16 - width) / 2
	cropBottom := (mbH*16 - height) / 2

	var w bitWriter
	w.writeBits(ProfileBaseline, 8)
	w.writeBits(0xC0, 8) // constraint_set0_flag, constraint_set1_flag
	w.writeBits(Level40, 8)
	w.writeUE(0) // seq_parameter_set_id
	w.writeUE(0) // log2_max_frame_num_minus4
	w.writeUE(2) // pic_order_cnt_type
	w.writeUE(1) // max_num_ref_frames
	w.writeBits(0, 1)
	w.writeUE(uint64(mbW - 1))
	w.writeUE(uint64(mbH - 1))
	w.writeBits(1, 1) // frame_mbs_only_flag
	w.writeBits(1, 1) // direct_8x8_inference_flag

	if cropRight > 0 || cropBottom > 0 {
		w.writeBits(1, 1)
		w.writeUE(0)
		w.writeUE(uint64(cropRight))
		w.writeUE(0)
		w.writeUE(uint64(cropBottom))
	} else {
		w.writeBits(0, 1)
	}

	w.writeBits(0, 1) // vui_parameters_present_flag
	w.writeTrailingBits()

	return EscapeRBSP([]byte{0x67}, w.bytes()), nil
}

// BuildPPS returns the picture parameter set matching BuildSPS
func BuildPPS() []byte {
	var w bitWriter
	w.writeUE(0)      // pic_parameter_set_id
	w.writeUE(0)      // seq_parameter_set_id
	w.writeBits(0, 1) // entropy_coding_mode_flag (CAVLC)
	w.writeBits(0, 1) // bottom_field_pic_order_in_frame_present_flag
	w.writeUE(0)      // num_slice_groups_minus1
	w.writeUE(0)      // num_ref_idx_l0_default_active_minus1
	w.writeUE(0)      // num_ref_idx_l1_default_active_minus1
	w.writeBits(0, 1) // weighted_pred_flag
	w.writeBits(0, 2) // weighted_bipred_idc
	w.writeSE(0)      // pic_init_qp_minus26
	w.writeSE(0)      // pic_init_qs_minus26
	w.writeSE(0)      // chroma_qp_index_offset
	w.writeBits(1, 1) // deblocking_filter_control_present_flag
	w.writeBits(0, 1) // constrained_intra_pred_flag
	w.writeBits(0, 1) // redundant_pic_cnt_present_flag
	w.writeTrailingBits()

	return EscapeRBSP([]byte{0x68}, w.bytes())
}

// SliceHeader returns the RBSP bits of a minimal slice header for BuildSPS/BuildPPS
// streams. The caller appends the slice payload and escapes the result.
func SliceHeader(idr bool, frameNum, idrPicID uint64) []byte {
	var w bitWriter
	w.writeUE(0) // first_mb_in_slice
	if idr {
		w.writeUE(7) // slice_type I, all slices of the picture
	} else {
		w.writeUE(5) // slice_type P, all slices of the picture
	}
	w.writeUE(0) // pic_parameter_set_id
	w.writeBits(frameNum, FrameNumBits)
	if idr {
		w.writeUE(idrPicID)
	}
	w.writeTrailingBits()
	return w.bytes()
}

// Dimensions parses an SPS NAL unit and returns the coded picture size
func Dimensions(sps []byte) (width, height int, err error) {
	parsed, err := avc.ParseSPSNALUnit(sps, false)
	if err != nil {
		return 0, 0, fmt.Errorf("parse SPS: %w", err)
	}
	return int(parsed.Width), int(parsed.Height), nil
}

// EscapeRBSP appends rbsp to dst inserting emulation prevention bytes so that
// no start code prefix appears inside a NAL unit.
func EscapeRBSP(dst, rbsp []byte) []byte {
	zeros := 0
	for _, b := range rbsp {
		if zeros >= 2 && b <= 3 {
			dst = append(dst, 0x03)
			zeros = 0
		}
		dst = append(dst, b)
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
	}
	return dst
}

// bitWriter writes MSB-first bit fields and Exp-Golomb codes
type bitWriter struct {
	buf   []byte
	cur   byte
	nbits uint8
}

func (w *bitWriter) writeBit(b uint64) {
	w.cur = w.cur<<1 | byte(b&1)
	w.nbits++
	if w.nbits == 8 {
		w.buf = append(w.buf, w.cur)
		w.cur, w.nbits = 0, 0
	}
}

func (w *bitWriter) writeBits(v uint64, n int) {
	for i := n - 1; i >= 0; i-- {
		w.writeBit(v >> uint(i))
	}
}

func (w *bitWriter) writeUE(v uint64) {
	x := v + 1
	n := bits.Len64(x)
	w.writeBits(0, n-1)
	w.writeBits(x, n)
}

func (w *bitWriter) writeSE(v int64) {
	if v <= 0 {
		w.writeUE(uint64(-2 * v))
	} else {
		w.writeUE(uint64(2*v - 1))
	}
}

// writeTrailingBits writes rbsp_stop_one_bit and aligns to a byte boundary
func (w *bitWriter) writeTrailingBits() {
	w.writeBit(1)
	for w.nbits != 0 {
		w.writeBit(0)
	}
}

func (w *bitWriter) bytes() []byte { return w.buf }
