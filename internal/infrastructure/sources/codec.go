package sources

import (
	"encoding/binary"
	"strings"
)

// Keyframe checks on assembled frames. The packet filter in the webrtc
// package answers the same question for RTP payloads still carrying
// their payload descriptors.

func frameIsKey(codec string, frame []byte) bool {
	switch strings.ToUpper(codec) {
	case "VP8":
		return vp8FrameIsKey(frame)
	case "H264":
		return h264FrameHasIDR(frame)
	}
	return false
}

// vp8FrameIsKey checks the inverse key flag in the first byte of a VP8
// frame header.
func vp8FrameIsKey(frame []byte) bool {
	return len(frame) > 0 && frame[0]&0x01 == 0
}

// vp8Dimensions reads the size fields of a VP8 keyframe header.
func vp8Dimensions(frame []byte) (width, height int, ok bool) {
	if len(frame) < 10 || !vp8FrameIsKey(frame) {
		return 0, 0, false
	}
	// The start code 9d 01 2a follows the 3-byte frame tag.
	if frame[3] != 0x9d || frame[4] != 0x01 || frame[5] != 0x2a {
		return 0, 0, false
	}
	width = int(binary.LittleEndian.Uint16(frame[6:8]) & 0x3fff)
	height = int(binary.LittleEndian.Uint16(frame[8:10]) & 0x3fff)
	return width, height, true
}

// h264FrameHasIDR scans Annex B start codes for an IDR NAL unit.
func h264FrameHasIDR(frame []byte) bool {
	for i := 0; i+4 < len(frame); i++ {
		if frame[i] != 0 || frame[i+1] != 0 {
			continue
		}
		var nalu byte
		switch {
		case frame[i+2] == 1:
			nalu = frame[i+3]
		case frame[i+2] == 0 && frame[i+3] == 1:
			nalu = frame[i+4]
		default:
			continue
		}
		if nalu&0x1F == 5 {
			return true
		}
	}
	return false
}
