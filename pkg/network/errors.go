package network

import "errors"

var (
	ErrNotActive          = errors.New("peer not active")
	ErrAlreadyActive      = errors.New("peer already active")
	ErrAlreadyConnected   = errors.New("already connected to system")
	ErrInvalidTarget      = errors.New("target is not a connected system")
	ErrEmptyPayload       = errors.New("empty payload")
	ErrInvalidMaxPeers    = errors.New("maximum number of peers must be positive")
	ErrOfflineDataTooLong = errors.New("offline data exceeds maximum length")
	ErrFrequencyTracking  = errors.New("frequency table tracking is disabled")
)
