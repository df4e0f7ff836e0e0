// Package metrics records instance lifecycle metrics.
package metrics

import (
	"time"
)

// Result labels shared by the lifecycle counters.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultAdopted = "adopted"
)

// Collector defines the interface for collecting lifecycle metrics
type Collector interface {
	// Launch records the outcome of a launch
	Launch(result string)

	// Delete records the outcome of a delete
	Delete(result string)

	// Recovery records the outcome of recovering one instance at startup
	Recovery(result string)

	// StopDuration records how long stopping an emulator took and how it ended
	StopDuration(outcome string, duration time.Duration)

	// PortAllocationAttempts records how many candidates a port allocation drew
	PortAllocationAttempts(attempts int)

	// Instances records the number of registered instances
	Instances(count int)
}

// noopCollector is a no-op implementation of Collector
type noopCollector struct{}

func (n *noopCollector) Launch(result string)                                {}
func (n *noopCollector) Delete(result string)                                {}
func (n *noopCollector) Recovery(result string)                              {}
func (n *noopCollector) StopDuration(outcome string, duration time.Duration) {}
func (n *noopCollector) PortAllocationAttempts(attempts int)                 {}
func (n *noopCollector) Instances(count int)                                 {}

// NewNoopCollector creates a no-op metrics collector
func NewNoopCollector() Collector {
	return &noopCollector{}
}
