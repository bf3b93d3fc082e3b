package vmmanager

import (
	"context"
	"time"
)

// JobStatus is the terminal outcome of a migration job poll.
type JobStatus string

const (
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobTimedOut  JobStatus = "timed_out"
)

// JobOutcome is the result of PollJob blocking until a terminal status or
// its deadline.
type JobOutcome struct {
	Status JobStatus
	Reason string // remote error_message, populated only on JobFailed
}

// InventoryAPI is the opaque contract the core balancer drives (§4.2). A
// concrete adapter implements the wire format documented in §6.
type InventoryAPI interface {
	Authenticate(ctx context.Context) error
	CheckReachable(ctx context.Context) bool

	ListClusters(ctx context.Context) ([]*Cluster, error)
	ListNodes(ctx context.Context, clusterID string) ([]*Node, error)
	ListVMs(ctx context.Context, clusterID string) ([]*VM, error)

	SubmitMigration(ctx context.Context, vmID int, targetNodeID string) (jobID string, err error)
	PollJob(ctx context.Context, jobID string, timeout time.Duration) (JobOutcome, error)
}

var _ InventoryAPI = (*Client)(nil)
