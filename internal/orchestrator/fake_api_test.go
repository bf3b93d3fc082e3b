package orchestrator_test

import (
	"context"
	"time"

	"github.com/vmbalancer/vmbalancer/internal/vmmanager"
)

// fakeAPI is an in-memory vmmanager.InventoryAPI stand-in for exercising
// BalanceCycle without a network.
type fakeAPI struct {
	reachable    bool
	clusters     []*vmmanager.Cluster
	vmsByCluster map[string][]*vmmanager.VM

	submittedMigrations []submittedMigration
	jobOutcome          vmmanager.JobOutcome
	jobErr              error
	submitErr           error
}

type submittedMigration struct {
	vmID         int
	targetNodeID string
}

func (f *fakeAPI) Authenticate(ctx context.Context) error { return nil }

func (f *fakeAPI) CheckReachable(ctx context.Context) bool { return f.reachable }

func (f *fakeAPI) ListClusters(ctx context.Context) ([]*vmmanager.Cluster, error) {
	return f.clusters, nil
}

func (f *fakeAPI) ListNodes(ctx context.Context, clusterID string) ([]*vmmanager.Node, error) {
	for _, c := range f.clusters {
		if c.ID == clusterID {
			return c.Nodes, nil
		}
	}
	return nil, nil
}

func (f *fakeAPI) ListVMs(ctx context.Context, clusterID string) ([]*vmmanager.VM, error) {
	return f.vmsByCluster[clusterID], nil
}

func (f *fakeAPI) SubmitMigration(ctx context.Context, vmID int, targetNodeID string) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submittedMigrations = append(f.submittedMigrations, submittedMigration{vmID: vmID, targetNodeID: targetNodeID})
	return "job-1", nil
}

func (f *fakeAPI) PollJob(ctx context.Context, jobID string, timeout time.Duration) (vmmanager.JobOutcome, error) {
	if f.jobErr != nil {
		return vmmanager.JobOutcome{}, f.jobErr
	}
	return f.jobOutcome, nil
}

var _ vmmanager.InventoryAPI = (*fakeAPI)(nil)
