// Package h264 holds the Annex-B helpers shared by the encoder, the transport's
// keyframe gate and the stream probe.
package h264

import (
	"bytes"
	"fmt"

	"github.com/Eyevinn/mp4ff/avc"
)

// H.264 NAL unit types
const (
	NALUnitTypeNonIDR = 1
	NALUnitTypeIDR    = 5
	NALUnitTypeSPS    = 7
	NALUnitTypePPS    = 8
)

// AnnexB start codes
var (
	// 4-byte start code (used for parameter sets and the first NAL of an access unit)
	StartCode4 = []byte{0x00, 0x00, 0x00, 0x01}
	// 3-byte start code
	StartCode3 = []byte{0x00, 0x00, 0x01}
)

// AppendNALU appends a start code and nalu to dst.
// It does not allocate when dst has enough capacity.
func AppendNALU(dst, nalu []byte) []byte {
	dst = append(dst, StartCode4...)
	return append(dst, nalu...)
}

// IsAnnexBFormat detects if data is in Annex-B format by checking for start codes
func IsAnnexBFormat(data []byte) bool {
	if len(data) < 4 {
		return false
	}

	if bytes.Equal(data[0:4], StartCode4) {
		return true
	}
	return bytes.Equal(data[0:3], StartCode3)
}

// SplitNALUs returns the NAL units of an Annex-B byte stream without start codes.
// The returned slices alias data.
func SplitNALUs(data []byte) [][]byte {
	return avc.ExtractNalusFromByteStream(data)
}

// NALUnitType returns the type of a NAL unit (start code already removed)
func NALUnitType(nalu []byte) uint8 {
	if len(nalu) == 0 {
		return 0
	}
	return uint8(avc.GetNaluType(nalu[0]))
}

// ContainsIDR reports whether an Annex-B access unit carries an IDR slice
func ContainsIDR(data []byte) bool {
	if !IsAnnexBFormat(data) {
		return false
	}
	for _, nalu := range SplitNALUs(data) {
		if len(nalu) > 0 && avc.GetNaluType(nalu[0]) == avc.NALU_IDR {
			return true
		}
	}
	return false
}

// ExtractSPSandPPS returns the first SPS and PPS NAL units of an Annex-B access unit
func ExtractSPSandPPS(data []byte) (sps, pps []byte, err error) {
	if !IsAnnexBFormat(data) {
		return nil, nil, fmt.Errorf("not an Annex-B stream")
	}

	for _, nalu := range SplitNALUs(data) {
		if len(nalu) == 0 {
			continue
		}
		switch avc.GetNaluType(nalu[0]) {
		case avc.NALU_SPS:
			if sps == nil {
				sps = nalu
			}
		case avc.NALU_PPS:
			if pps == nil {
				pps = nalu
			}
		}
		if sps != nil && pps != nil {
			return sps, pps, nil
		}
	}

	if sps == nil && pps == nil {
		return nil, nil, fmt.Errorf("no SPS or PPS found in data")
	}
	return sps, pps, nil
}
