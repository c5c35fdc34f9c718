package validate

import "errors"

var (
	// ErrInvalidNetworkName is returned when a network ID does not match
	// the DNS-label format (1-63 lowercase alphanumeric + hyphens).
	ErrInvalidNetworkName = errors.New("invalid network name")
)
