package clients

import "errors"

var (
	// ErrNoRequirements is returned when a 402 carries no requirements.
	ErrNoRequirements = errors.New("payment required without requirements")

	// ErrUnsupportedRequirements is returned for a protocol, version or
	// network the transport will not pay on.
	ErrUnsupportedRequirements = errors.New("unsupported payment requirements")

	// ErrAmountExceedsLimit is returned when the asked price is above the
	// configured maximum.
	ErrAmountExceedsLimit = errors.New("payment amount exceeds limit")
)
