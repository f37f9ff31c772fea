// Package interfaces provides internal interface definitions for go-midipe.
// These are separate from the public interfaces to avoid circular imports
// between the main package and internal packages.
package interfaces

// MUID is a MIDI Unique Identifier: the 28-bit address of a device on a
// MIDI-CI transport. The core treats it as opaque; it only routes by it.
type MUID uint32

// Logger interface for optional logging.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Observer interface for metrics collection.
// Implementations must be thread-safe; methods are called with the
// transaction manager's lock held and from the client's receive loop.
type Observer interface {
	ObserveBegin(resource string)
	ObserveSuccess(bytes uint64, latencyNs uint64)
	ObserveError(status int, latencyNs uint64)
	ObserveTimeout(latencyNs uint64)
	ObserveCancel(latencyNs uint64)
	ObserveChunk(bytes uint64, duplicate bool)
	ObserveUnknownRequest()
	ObserveActiveCount(count int)
}

// Transport moves complete SysEx frames to and from a MIDI connection.
// Send takes a full F0..F7 frame; Frames delivers inbound frames, one
// complete frame per receive, and is closed when the transport closes.
type Transport interface {
	Send(frame []byte) error
	Frames() <-chan []byte
	Close() error
}
