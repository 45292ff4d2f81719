// Package metrics records protocol events: challenges issued, payments
// verified and settled, transactions processed and data stored.
package metrics

import "time"

// Recorder counts events and observes operation latency. The "result" label
// carries the outcome ("valid", "processed", "failed" or a reason code);
// "reason" is used by challenge counters.
type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}

var (
	_ Recorder = NoopRecorder{}
	_ Recorder = (*PrometheusRecorder)(nil)
)
