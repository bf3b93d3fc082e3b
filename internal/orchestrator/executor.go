// Package orchestrator drives one balance cycle per cluster (C6, §4.7): it
// asks the analyzer for sources/targets, the strategy for a VM, the
// estimator for a target, and then executes (or simulates) the migration.
package orchestrator

import (
	"context"
	"time"

	"github.com/vmbalancer/vmbalancer/internal/vmmanager"
)

// Outcome is the terminal result of one migration attempt.
type Outcome struct {
	Status vmmanager.JobStatus
	Reason string
}

// Executor performs (or simulates) the submit+poll side effect for one
// migration, per §9's guidance to route every side effect through a single
// interface so the orchestrator's control flow does not special-case
// dry-run. Whether the outcome is subsequently recorded to the
// MigrationLedger remains an orchestrator-level decision (§4.7, §8
// invariant 9: dry-run must never touch history/blacklist), independent of
// which Executor is wired in.
type Executor interface {
	Execute(ctx context.Context, vm *vmmanager.VM, target *vmmanager.Node, timeout time.Duration) (Outcome, error)
}

// RealExecutor submits a migration through the live InventoryAPI and
// blocks on PollJob.
type RealExecutor struct {
	API vmmanager.InventoryAPI
}

func (e *RealExecutor) Execute(ctx context.Context, vm *vmmanager.VM, target *vmmanager.Node, timeout time.Duration) (Outcome, error) {
	jobID, err := e.API.SubmitMigration(ctx, vm.ID, target.ID)
	if err != nil {
		return Outcome{}, err
	}
	result, err := e.API.PollJob(ctx, jobID, timeout)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Status: result.Status, Reason: result.Reason}, nil
}

// SimulatingExecutor never calls the remote API; it always reports an
// immediate success. main wires this in place of RealExecutor whenever
// Config.DryRun is set, so the dry-run/real split lives at startup, not in
// the orchestrator's control flow.
type SimulatingExecutor struct{}

func (SimulatingExecutor) Execute(ctx context.Context, vm *vmmanager.VM, target *vmmanager.Node, timeout time.Duration) (Outcome, error) {
	return Outcome{Status: vmmanager.JobSucceeded}, nil
}
