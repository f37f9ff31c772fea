package transport

import "github.com/ehrlich-b/go-midipe/internal/interfaces"

const (
	sysexStart = 0xF0
	sysexEnd   = 0xF7

	// realtimeFloor: status bytes >= 0xF8 are system realtime and may be
	// interleaved anywhere, including inside a SysEx frame.
	realtimeFloor = 0xF8

	// maxFrameSize caps a single accumulated frame. A stream that never
	// delivers F7 (unplugged cable mid-frame) must not grow memory
	// without bound.
	maxFrameSize = 1 << 20
)

// frameScanner carves complete F0..F7 frames out of a raw MIDI byte
// stream. Channel voice traffic between frames is skipped; realtime
// status bytes (>= 0xF8) may legally appear anywhere, including inside a
// frame, and are stripped. A fresh F0 mid-frame abandons the partial
// frame and starts over.
type frameScanner struct {
	frame    []byte
	inFrame  bool
	maxFrame int
	log      interfaces.Logger
}

func newFrameScanner(maxFrame int, log interfaces.Logger) *frameScanner {
	return &frameScanner{maxFrame: maxFrame, log: log}
}

// push consumes a read buffer and returns any frames completed by it.
// Returned frames are freshly allocated; the scanner keeps no reference.
func (s *frameScanner) push(data []byte) [][]byte {
	var out [][]byte
	for _, b := range data {
		switch {
		case b == sysexStart:
			s.frame = append(s.frame[:0], sysexStart)
			s.inFrame = true
		case !s.inFrame:
			// Between frames; not ours.
		case b >= realtimeFloor:
			// Realtime status interleaved mid-frame.
		case b == sysexEnd:
			s.frame = append(s.frame, sysexEnd)
			out = append(out, append([]byte(nil), s.frame...))
			s.frame = s.frame[:0]
			s.inFrame = false
		default:
			if len(s.frame) >= s.maxFrame {
				if s.log != nil {
					s.log.Warnf("rawmidi: frame exceeded %d bytes without F7; discarding", s.maxFrame)
				}
				s.frame = s.frame[:0]
				s.inFrame = false
				continue
			}
			s.frame = append(s.frame, b)
		}
	}
	return out
}
