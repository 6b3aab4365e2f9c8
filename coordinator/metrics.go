package coordinator

import "time"

// MetricsCollector provides hooks for collecting sync engine metrics.
type MetricsCollector interface {
	// RecordUpdateApplied records one cleanly applied remote update.
	RecordUpdateApplied()

	// RecordConflictRaised records one raised conflict.
	RecordConflictRaised()

	// RecordConflictResolved records a resolution and how long the conflict
	// was open.
	RecordConflictResolved(strategy string, open time.Duration)

	// RecordResolutionTimeout records a conflict settled by the default
	// policy after the resolution window expired.
	RecordResolutionTimeout()

	// RecordMalformedUpdate records a dropped inbound update.
	RecordMalformedUpdate()
}

// NoOpMetricsCollector is a default implementation that does nothing.
type NoOpMetricsCollector struct{}

func (n *NoOpMetricsCollector) RecordUpdateApplied()                                    {}
func (n *NoOpMetricsCollector) RecordConflictRaised()                                   {}
func (n *NoOpMetricsCollector) RecordConflictResolved(strategy string, d time.Duration) {}
func (n *NoOpMetricsCollector) RecordResolutionTimeout()                                {}
func (n *NoOpMetricsCollector) RecordMalformedUpdate()                                  {}
