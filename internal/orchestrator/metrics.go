package orchestrator

import "time"

// MetricsRecorder receives cycle/migration observations. It is an
// orchestrator-owned interface so this package has no dependency on any
// particular metrics backend; internal/metrics provides a prometheus-backed
// implementation.
type MetricsRecorder interface {
	CycleCompleted(duration time.Duration)
	MigrationOutcome(outcome string)
	NodesOverloaded(clusterID string, count int)
}

// NoopMetrics discards every observation; used when no --metrics-addr is
// configured.
type NoopMetrics struct{}

func (NoopMetrics) CycleCompleted(time.Duration)        {}
func (NoopMetrics) MigrationOutcome(string)              {}
func (NoopMetrics) NodesOverloaded(string, int)          {}
