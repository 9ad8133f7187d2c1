package limiter

import "time"

// Recorder receives engine telemetry. Implementations must be safe for
// concurrent use and must not block: they are called on the check path.
// The metrics package provides a prometheus-backed implementation.
type Recorder interface {
	// RecordCheck is called once per Check with the final outcome.
	RecordCheck(policy, algorithm string, allowed bool, elapsed time.Duration)

	// RecordDegraded is called when a check failed open. reason is a short
	// stable token such as "store" or "algorithm".
	RecordDegraded(policy, reason string)

	// RecordAdaptiveMultiplier is called with every computed multiplier.
	RecordAdaptiveMultiplier(policy string, multiplier float64)
}

// nopRecorder is the default Recorder.
type nopRecorder struct{}

func (nopRecorder) RecordCheck(string, string, bool, time.Duration) {}
func (nopRecorder) RecordDegraded(string, string)                   {}
func (nopRecorder) RecordAdaptiveMultiplier(string, float64)        {}
