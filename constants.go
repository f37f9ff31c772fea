package midipe

import "github.com/ehrlich-b/go-midipe/internal/constants"

// Re-export constants for public API
const (
	RequestIDSpace            = constants.RequestIDSpace
	MaxRequestID              = constants.MaxRequestID
	BroadcastMUID             = MUID(constants.BroadcastMUID)
	DefaultTimeout            = constants.DefaultTimeout
	DefaultWarningThreshold   = constants.DefaultWarningThreshold
	DefaultNearExhaustion     = constants.DefaultNearExhaustionThreshold
	TimeoutSweepInterval      = constants.TimeoutSweepInterval
	MaxPropertyDataPerMessage = constants.MaxPropertyDataPerMessage
)
