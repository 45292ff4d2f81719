package clients

import (
	"time"

	"github.com/vitwit/sio/logger"
	"github.com/vitwit/sio/types"
)

type Option func(*Transport)

func WithLogger(l logger.Logger) Option {
	return func(t *Transport) {
		t.logger = l
	}
}

// WithMaxAmount refuses to pay more than amount base units per request.
func WithMaxAmount(amount uint64) Option {
	return func(t *Transport) {
		t.maxAmount = amount
	}
}

// WithNetworks restricts payments to the given networks.
func WithNetworks(networks ...types.Network) Option {
	return func(t *Transport) {
		t.networks = networks
	}
}

// WithTimeout bounds building and signing one payment.
func WithTimeout(d time.Duration) Option {
	return func(t *Transport) {
		t.timeout = d
	}
}
