package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/vmbalancer/vmbalancer/internal/analyzer"
	"github.com/vmbalancer/vmbalancer/internal/ledger"
	"github.com/vmbalancer/vmbalancer/internal/vmmanager"
)

// BalanceCycle drives one pass over every selected cluster (C6, §4.7).
type BalanceCycle struct {
	API       vmmanager.InventoryAPI
	Analyzer  *analyzer.NodeAnalyzer
	Estimator *analyzer.ResourceEstimator
	Strategy  *analyzer.MigrationStrategy
	Ledger    ledger.MigrationLedger
	Executor  Executor
	Metrics   MetricsRecorder
	Log       *zap.Logger

	ClusterIDs            []string
	MaxMigrationsPerCycle int
	MigrationTimeout      time.Duration
	DryRun                bool
}

func (b *BalanceCycle) log() *zap.Logger {
	if b.Log == nil {
		return zap.NewNop()
	}
	return b.Log
}

func (b *BalanceCycle) metrics() MetricsRecorder {
	if b.Metrics == nil {
		return NoopMetrics{}
	}
	return b.Metrics
}

// Run executes exactly one cycle: check_reachable, list_clusters, then one
// pass per selected cluster (§4.7 steps 1-3). Errors from individual
// clusters never abort the cycle (§7); only an unreachable API or a failed
// list_clusters call skips the whole cycle.
func (b *BalanceCycle) Run(ctx context.Context) error {
	start := time.Now()
	defer func() { b.metrics().CycleCompleted(time.Since(start)) }()

	if !b.API.CheckReachable(ctx) {
		b.log().Warn("inventory api unreachable, skipping cycle")
		return nil
	}

	clusters, err := b.API.ListClusters(ctx)
	if err != nil {
		b.log().Error("list_clusters failed, skipping cycle", zap.Error(err))
		return nil
	}

	for _, cluster := range filterClusters(clusters, b.ClusterIDs) {
		if err := ctx.Err(); err != nil {
			return err
		}
		b.runCluster(ctx, cluster)
	}
	return nil
}

func filterClusters(clusters []*vmmanager.Cluster, ids []string) []*vmmanager.Cluster {
	if len(ids) == 0 {
		return clusters
	}
	allow := make(map[string]bool, len(ids))
	for _, id := range ids {
		allow[id] = true
	}
	var out []*vmmanager.Cluster
	for _, c := range clusters {
		if allow[c.ID] {
			out = append(out, c)
		}
	}
	return out
}

func (b *BalanceCycle) runCluster(ctx context.Context, cluster *vmmanager.Cluster) {
	log := b.log().With(zap.String("cluster_id", cluster.ID), zap.String("cluster_name", cluster.Name))

	sources := b.Analyzer.ClassifySources(cluster.Nodes)
	targets := b.Analyzer.ClassifyTargets(cluster.Nodes)
	b.metrics().NodesOverloaded(cluster.ID, len(sources))

	if len(sources) == 0 || len(targets) == 0 {
		log.Debug("skipping cluster: no sources or no targets", zap.Int("sources", len(sources)), zap.Int("targets", len(targets)))
		return
	}

	vms, err := b.API.ListVMs(ctx, cluster.ID)
	if err != nil {
		log.Error("list_vms failed, skipping cluster", zap.Error(err))
		return
	}

	performed := 0
	for _, src := range sources {
		if performed >= b.MaxMigrationsPerCycle {
			break
		}
		if err := ctx.Err(); err != nil {
			return
		}
		performed += b.attemptMigrationFromSource(ctx, log, src, vms, &targets)
	}

	log.Info("balance cycle summary", zap.Int("migrations_performed", performed), zap.Int("sources_considered", len(sources)))
}

// attemptMigrationFromSource runs §4.7 step 3.e for a single source node.
// Execution always goes through b.Executor, real or simulating; the only
// dry-run-specific behavior left here is whether the outcome reaches the
// ledger and the dry_run_ prefix on metric outcome labels. It returns 1 if
// a migration was performed, 0 otherwise. targets
// is a pointer because a successful migration may remove its target from
// the candidate list for the rest of the cluster.
func (b *BalanceCycle) attemptMigrationFromSource(ctx context.Context, log *zap.Logger, src *vmmanager.Node, vms []*vmmanager.VM, targets *[]*vmmanager.Node) int {
	vm := b.Strategy.Select(vms, src)
	if vm == nil {
		return 0
	}

	var target *vmmanager.Node
	for _, t := range *targets {
		if b.Estimator.Accepts(t, vm, src) {
			target = t
			break
		}
	}
	if target == nil {
		log.Debug("no viable target for selected vm", zap.Int("vm_id", vm.ID), zap.String("source_node_id", src.ID))
		return 0
	}

	outcome, err := b.Executor.Execute(ctx, vm, target, b.MigrationTimeout)
	if err != nil {
		log.Error("migration submission failed", zap.Int("vm_id", vm.ID), zap.Error(err))
		b.recordFailure(vm.ID)
		b.metrics().MigrationOutcome("submit_error")
		return 0
	}

	switch outcome.Status {
	case vmmanager.JobSucceeded:
		log.Info("migration succeeded", zap.Int("vm_id", vm.ID), zap.String("from", src.ID), zap.String("to", target.ID), zap.Bool("dry_run", b.DryRun))
		b.recordSuccess(vm.ID)
		vmmanager.ApplyProjection(src, target, vm)
		b.metrics().MigrationOutcome(b.outcomeLabel("succeeded"))
		if !b.Analyzer.TargetStillViable(target) {
			*targets = removeNode(*targets, target)
		}
		return 1
	case vmmanager.JobTimedOut:
		log.Warn("migration timed out", zap.Int("vm_id", vm.ID))
		b.recordFailure(vm.ID)
		b.metrics().MigrationOutcome(b.outcomeLabel("timed_out"))
		return 0
	default: // JobFailed
		log.Error("migration reported failure", zap.Int("vm_id", vm.ID), zap.String("reason", outcome.Reason))
		b.recordFailure(vm.ID)
		b.metrics().MigrationOutcome(b.outcomeLabel("failed"))
		return 0
	}
}

// recordSuccess and recordFailure are where dry-run mode keeps the ledger
// apart from real execution (outcomeLabel only renames metric labels):
// invariant 9 requires the ledger to stay
// untouched during a dry run regardless of which Executor produced the
// outcome, so the branch lives here rather than around the Execute call.
func (b *BalanceCycle) recordSuccess(vmID int) {
	if !b.DryRun {
		b.Ledger.RecordSuccess(vmID)
	}
}

func (b *BalanceCycle) recordFailure(vmID int) {
	if !b.DryRun {
		b.Ledger.RecordFailure(vmID)
	}
}

func (b *BalanceCycle) outcomeLabel(label string) string {
	if b.DryRun {
		return "dry_run_" + label
	}
	return label
}

func removeNode(nodes []*vmmanager.Node, target *vmmanager.Node) []*vmmanager.Node {
	out := nodes[:0]
	for _, n := range nodes {
		if n != target {
			out = append(out, n)
		}
	}
	return out
}
