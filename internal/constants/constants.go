package constants

import "time"

// Protocol constants
const (
	// RequestIDSpace is the number of Property Exchange request IDs available
	// per transport. The request ID field is 7 bits wide, so at most 128
	// transactions can be in flight on a single connection. This is a
	// protocol constraint, not a tuning knob.
	RequestIDSpace = 128

	// MaxRequestID is the highest valid request ID
	MaxRequestID = RequestIDSpace - 1

	// MUIDMask masks a MUID down to its 28 significant bits
	MUIDMask = 0x0FFFFFFF

	// BroadcastMUID is the reserved broadcast MUID (all 28 bits set)
	BroadcastMUID = 0x0FFFFFFF
)

// Default configuration constants
const (
	// DefaultTimeout is the default per-transaction timeout. Devices are
	// expected to reply to a PE inquiry well within this window; slow
	// resources can override it per call.
	DefaultTimeout = 5 * time.Second

	// DefaultWarningThreshold is the active-transaction count above which
	// the manager surfaces a leak-risk warning. Begin still succeeds.
	DefaultWarningThreshold = 100

	// DefaultNearExhaustionThreshold is the free-ID count below which the
	// manager surfaces a leak-risk warning. Begin still succeeds.
	DefaultNearExhaustionThreshold = 10

	// TimeoutSweepInterval is how often the client drives the manager's
	// timeout sweep. Finer cadence lowers detection latency but does not
	// change correctness; the per-transaction timeout is authoritative.
	TimeoutSweepInterval = 1 * time.Second
)

// Wire-level constants
const (
	// MaxPropertyDataPerMessage is the property-data budget per outbound
	// chunk. PE messages must fit the receiver's SysEx buffer; 4096 bytes
	// of payload per chunk is a conservative fit for modern devices.
	MaxPropertyDataPerMessage = 4096

	// DINBytesPerSecond is the wire rate of classic 5-pin DIN MIDI
	// (31.25 kbaud, 8N1). Outbound pacing defaults to this so a burst of
	// chunks cannot overrun a hardware device behind a USB bridge.
	DINBytesPerSecond = 3125
)
