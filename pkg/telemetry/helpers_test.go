package telemetry

import "sync"

// resetMetrics clears cached metric instruments so tests can
// reinitialize them against a fresh MeterProvider.
func resetMetrics() {
	metricsOnce = sync.Once{}
	metricsInitErr = nil
	stageCounter = nil
	stageCircuitCounter = nil
	stageRateLimited = nil
	stageTimeoutCounter = nil
	stageLatencyHistogram = nil
}
