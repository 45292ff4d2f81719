package metrics

import "time"

// NoopRecorder drops every event. It is the default when no recorder is
// configured, as with metrics.enabled set to false.
type NoopRecorder struct{}

func (NoopRecorder) IncCounter(string, map[string]string)                    {}
func (NoopRecorder) ObserveLatency(string, time.Duration, map[string]string) {}
