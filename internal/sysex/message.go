// Package sysex encodes and decodes MIDI-CI Property Exchange messages.
//
// A PE message is a universal non-realtime SysEx frame:
//
//	F0 7E <device> 0D <subID2> <version>
//	<source MUID: 4x7b> <dest MUID: 4x7b> <request ID: 1x7b>
//	<header len: 2x7b> <header bytes>
//	<num chunks: 2x7b> <this chunk: 2x7b>
//	<data len: 2x7b> <data bytes> F7
//
// All multi-byte fields are 7-bit encoded, least significant first. The
// package treats header and property data as opaque 7-bit-safe byte
// sequences; JSON interpretation lives in header.go.
package sysex

import (
	"fmt"

	"github.com/ehrlich-b/go-midipe/internal/interfaces"
)

// Frame delimiters and universal SysEx identifiers
const (
	SysExStart = 0xF0
	SysExEnd   = 0xF7

	// UniversalNonRealtime is the universal non-realtime SysEx ID
	UniversalNonRealtime = 0x7E
	// WholeMIDIPort addresses the device as a whole rather than a channel
	WholeMIDIPort = 0x7F
	// SubIDCI marks a MIDI Capability Inquiry message
	SubIDCI = 0x0D

	// CIVersion is the MIDI-CI message format version we emit
	CIVersion = 0x02
)

// Capability Inquiry sub-ID #2 values for Property Exchange
const (
	SubIDGetInquiry   = 0x34 // Inquiry: Get Property Data
	SubIDGetReply     = 0x35 // Reply to Get Property Data
	SubIDSetInquiry   = 0x36 // Inquiry: Set Property Data
	SubIDSetReply     = 0x37 // Reply to Set Property Data
	SubIDSubscription = 0x38 // Subscription
	SubIDSubReply     = 0x39 // Reply to Subscription
	SubIDNotify       = 0x3F // Notify

	SubIDACK = 0x7D
	SubIDNAK = 0x7F
)

// IsPESubID reports whether subID2 is a Property Exchange message type.
func IsPESubID(subID2 byte) bool {
	return (subID2 >= SubIDGetInquiry && subID2 <= SubIDSubReply) || subID2 == SubIDNotify
}

// IsPEReply reports whether subID2 carries response chunks for an
// outstanding request.
func IsPEReply(subID2 byte) bool {
	return subID2 == SubIDGetReply || subID2 == SubIDSetReply ||
		subID2 == SubIDSubReply || subID2 == SubIDNotify
}

// Message is a decoded Property Exchange frame.
type Message struct {
	SubID2      byte
	Version     byte
	Source      interfaces.MUID
	Destination interfaces.MUID
	RequestID   uint8
	Header      []byte
	NumChunks   int
	ThisChunk   int
	Data        []byte
}

// fixed layout offsets up to the variable-length header
const (
	offSubID2    = 4
	offVersion   = 5
	offSourceMU  = 6
	offDestMU    = 10
	offRequestID = 14
	offHeaderLen = 15
	fixedPrefix  = 17 // bytes before the header payload
)

// maxField14 is the ceiling of a 14-bit length field.
const maxField14 = 1<<14 - 1

// Encode marshals m into a complete F0..F7 frame. Header and data must be
// 7-bit clean; 8-bit payloads are the caller's job to Mcoded7-encode first.
func Encode(m *Message) ([]byte, error) {
	if m.RequestID > 0x7F {
		return nil, fmt.Errorf("request ID %d exceeds 7 bits", m.RequestID)
	}
	if m.NumChunks < 1 || m.ThisChunk < 1 || m.ThisChunk > m.NumChunks {
		return nil, fmt.Errorf("invalid chunk numbering %d/%d", m.ThisChunk, m.NumChunks)
	}
	if m.NumChunks > maxField14 {
		return nil, fmt.Errorf("chunk count %d exceeds 14 bits", m.NumChunks)
	}
	if len(m.Header) > maxField14 || len(m.Data) > maxField14 {
		return nil, fmt.Errorf("header (%d) or data (%d) exceeds 14-bit length field", len(m.Header), len(m.Data))
	}
	if i := firstNon7Bit(m.Header); i >= 0 {
		return nil, fmt.Errorf("header byte %d is not 7-bit clean: 0x%02X", i, m.Header[i])
	}
	if i := firstNon7Bit(m.Data); i >= 0 {
		return nil, fmt.Errorf("data byte %d is not 7-bit clean: 0x%02X", i, m.Data[i])
	}

	buf := make([]byte, 0, fixedPrefix+len(m.Header)+6+len(m.Data)+1)
	buf = append(buf, SysExStart, UniversalNonRealtime, WholeMIDIPort, SubIDCI, m.SubID2, m.Version)
	buf = appendMUID(buf, m.Source)
	buf = appendMUID(buf, m.Destination)
	buf = append(buf, m.RequestID)
	buf = append14(buf, len(m.Header))
	buf = append(buf, m.Header...)
	buf = append14(buf, m.NumChunks)
	buf = append14(buf, m.ThisChunk)
	buf = append14(buf, len(m.Data))
	buf = append(buf, m.Data...)
	buf = append(buf, SysExEnd)
	return buf, nil
}

// Decode unmarshals a complete F0..F7 Property Exchange frame.
func Decode(frame []byte) (*Message, error) {
	if len(frame) < fixedPrefix+7 {
		return nil, fmt.Errorf("frame too short: %d bytes", len(frame))
	}
	if frame[0] != SysExStart || frame[len(frame)-1] != SysExEnd {
		return nil, fmt.Errorf("missing SysEx delimiters")
	}
	if frame[1] != UniversalNonRealtime || frame[3] != SubIDCI {
		return nil, fmt.Errorf("not a capability inquiry frame")
	}
	subID2 := frame[offSubID2]
	if !IsPESubID(subID2) {
		return nil, fmt.Errorf("sub-ID2 0x%02X is not property exchange", subID2)
	}

	m := &Message{
		SubID2:      subID2,
		Version:     frame[offVersion],
		Source:      readMUID(frame[offSourceMU:]),
		Destination: readMUID(frame[offDestMU:]),
		RequestID:   frame[offRequestID] & 0x7F,
	}

	headerLen := read14(frame[offHeaderLen:])
	pos := fixedPrefix
	if pos+headerLen > len(frame)-1 {
		return nil, fmt.Errorf("header length %d overruns frame", headerLen)
	}
	if headerLen > 0 {
		m.Header = append([]byte(nil), frame[pos:pos+headerLen]...)
	}
	pos += headerLen

	// num chunks + this chunk + data len
	if pos+6 > len(frame)-1 {
		return nil, fmt.Errorf("truncated chunk fields")
	}
	m.NumChunks = read14(frame[pos:])
	m.ThisChunk = read14(frame[pos+2:])
	dataLen := read14(frame[pos+4:])
	pos += 6

	if pos+dataLen != len(frame)-1 {
		return nil, fmt.Errorf("data length %d disagrees with frame size", dataLen)
	}
	if dataLen > 0 {
		m.Data = append([]byte(nil), frame[pos:pos+dataLen]...)
	}
	return m, nil
}

// NAK is a decoded MIDI-CI negative acknowledgment. For a NAK answering a
// Property Exchange message, Details[0] carries the request ID.
type NAK struct {
	Version        byte
	Source         interfaces.MUID
	Destination    interfaces.MUID
	OriginalSubID2 byte
	StatusCode     byte
	StatusData     byte
	Details        [5]byte
	Message        []byte
}

// PERequestID returns the request ID a PE NAK refers to, or ok=false when
// the NAK does not answer a Property Exchange message.
func (n *NAK) PERequestID() (uint8, bool) {
	if !IsPESubID(n.OriginalSubID2) {
		return 0, false
	}
	return n.Details[0] & 0x7F, true
}

// IsNAK reports whether frame is a capability inquiry NAK.
func IsNAK(frame []byte) bool {
	return len(frame) > offSubID2 &&
		frame[0] == SysExStart && frame[1] == UniversalNonRealtime &&
		frame[3] == SubIDCI && frame[offSubID2] == SubIDNAK
}

// DecodeNAK unmarshals a capability inquiry NAK frame.
func DecodeNAK(frame []byte) (*NAK, error) {
	// F0 7E dev 0D 7F ver src(4) dst(4) orig status statusData details(5) msgLen(2) msg F7
	const fixed = 6 + 4 + 4 + 3 + 5 + 2
	if !IsNAK(frame) {
		return nil, fmt.Errorf("not a NAK frame")
	}
	if len(frame) < fixed+1 {
		return nil, fmt.Errorf("NAK frame too short: %d bytes", len(frame))
	}

	n := &NAK{
		Version:        frame[offVersion],
		Source:         readMUID(frame[offSourceMU:]),
		Destination:    readMUID(frame[offDestMU:]),
		OriginalSubID2: frame[14],
		StatusCode:     frame[15],
		StatusData:     frame[16],
	}
	copy(n.Details[:], frame[17:22])

	msgLen := read14(frame[22:])
	if 24+msgLen != len(frame)-1 {
		return nil, fmt.Errorf("NAK message length %d disagrees with frame size", msgLen)
	}
	if msgLen > 0 {
		n.Message = append([]byte(nil), frame[24:24+msgLen]...)
	}
	return n, nil
}

// SplitBody slices body into per-chunk fragments of at most maxPerChunk
// bytes. An empty body still yields one empty fragment so every request
// produces at least one outbound message.
func SplitBody(body []byte, maxPerChunk int) [][]byte {
	if maxPerChunk < 1 {
		maxPerChunk = 1
	}
	if len(body) == 0 {
		return [][]byte{nil}
	}
	chunks := make([][]byte, 0, (len(body)+maxPerChunk-1)/maxPerChunk)
	for len(body) > 0 {
		n := maxPerChunk
		if n > len(body) {
			n = len(body)
		}
		chunks = append(chunks, body[:n])
		body = body[n:]
	}
	return chunks
}

// appendMUID writes a 28-bit MUID as four 7-bit bytes, LSB first.
func appendMUID(buf []byte, muid interfaces.MUID) []byte {
	v := uint32(muid) & 0x0FFFFFFF
	return append(buf,
		byte(v&0x7F),
		byte((v>>7)&0x7F),
		byte((v>>14)&0x7F),
		byte((v>>21)&0x7F),
	)
}

func readMUID(b []byte) interfaces.MUID {
	v := uint32(b[0]&0x7F) |
		uint32(b[1]&0x7F)<<7 |
		uint32(b[2]&0x7F)<<14 |
		uint32(b[3]&0x7F)<<21
	return interfaces.MUID(v)
}

// append14 writes a 14-bit value as two 7-bit bytes, LSB first.
func append14(buf []byte, v int) []byte {
	return append(buf, byte(v&0x7F), byte((v>>7)&0x7F))
}

func read14(b []byte) int {
	return int(b[0]&0x7F) | int(b[1]&0x7F)<<7
}

// firstNon7Bit returns the index of the first byte with its high bit set,
// or -1 when the slice is 7-bit clean.
func firstNon7Bit(b []byte) int {
	for i, v := range b {
		if v >= 0x80 {
			return i
		}
	}
	return -1
}
