package sio

import (
	"time"

	"github.com/vitwit/sio/logger"
	"github.com/vitwit/sio/metrics"
	"github.com/vitwit/sio/store"
	"github.com/vitwit/sio/types"
)

type Option func(*SIO)

func WithLogger(l logger.Logger) Option {
	return func(s *SIO) {
		s.logger = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(s *SIO) {
		s.metrics = r
	}
}

// WithTimeout bounds both verification and settlement.
func WithTimeout(t time.Duration) Option {
	return func(s *SIO) {
		s.timeout = t
	}
}

// WithClock replaces the wall clock used for expiry and timestamps.
func WithClock(now types.Clock) Option {
	return func(s *SIO) {
		s.now = now
	}
}

// WithCache stores accounts in c instead of a fresh MemoryCache.
func WithCache(c store.Cache) Option {
	return func(s *SIO) {
		s.cache = c
	}
}
