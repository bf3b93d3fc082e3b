package orchestrator_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/vmbalancer/vmbalancer/internal/analyzer"
	"github.com/vmbalancer/vmbalancer/internal/ledger"
	"github.com/vmbalancer/vmbalancer/internal/orchestrator"
	"github.com/vmbalancer/vmbalancer/internal/vmmanager"
)

func newAnalyzer() *analyzer.NodeAnalyzer {
	return &analyzer.NodeAnalyzer{
		CPUOverloadThreshold:    7.0,
		MemoryOverloadThreshold: 70.0,
		CPUTargetThreshold:      6.0,
		MemoryTargetThreshold:   80.0,
	}
}

func newEstimator() *analyzer.ResourceEstimator {
	return &analyzer.ResourceEstimator{CPUOverloadThreshold: 7.0, MemoryOverloadThreshold: 70.0}
}

func newStrategy(l ledger.MigrationLedger) *analyzer.MigrationStrategy {
	return &analyzer.MigrationStrategy{
		Ledger:          l,
		HistoryWindow:   time.Hour,
		BlacklistWindow: time.Hour,
		Comparator:      analyzer.SmallestFirst{},
	}
}

var _ = Describe("BalanceCycle", func() {
	var (
		api   *fakeAPI
		l     *ledger.MemoryLedger
		cycle *orchestrator.BalanceCycle
	)

	BeforeEach(func() {
		api = &fakeAPI{reachable: true}
		l = ledger.NewMemoryLedger()
	})

	newCycle := func(dryRun bool, maxPerCycle int) *orchestrator.BalanceCycle {
		var executor orchestrator.Executor = &orchestrator.RealExecutor{API: api}
		if dryRun {
			executor = orchestrator.SimulatingExecutor{}
		}
		return &orchestrator.BalanceCycle{
			API:                   api,
			Analyzer:              newAnalyzer(),
			Estimator:             newEstimator(),
			Strategy:              newStrategy(l),
			Ledger:                l,
			Executor:              executor,
			MaxMigrationsPerCycle: maxPerCycle,
			MigrationTimeout:      time.Second,
			DryRun:                dryRun,
		}
	}

	Describe("S1: simple rebalance", func() {
		It("migrates the VM from the overloaded node to the empty one", func() {
			nodeA := &vmmanager.Node{ID: "A", Name: "A", CPUTotal: 1, CPUUsed: 8, MemoryTotalMB: 100_000, MemoryUsedMB: 40_000, VMCreationAllowed: true, VMCount: 1}
			nodeB := &vmmanager.Node{ID: "B", Name: "B", CPUTotal: 1, CPUUsed: 0, MemoryTotalMB: 100_000, MemoryUsedMB: 10_000, VMCreationAllowed: true}
			vmX := &vmmanager.VM{ID: 1, Name: "x", NodeID: "A", CPUCores: 2, MemoryMB: 4096, CanMigrate: true}

			api.clusters = []*vmmanager.Cluster{{ID: "c1", Nodes: []*vmmanager.Node{nodeA, nodeB}}}
			api.vmsByCluster = map[string][]*vmmanager.VM{"c1": {vmX}}
			api.jobOutcome = vmmanager.JobOutcome{Status: vmmanager.JobSucceeded}

			cycle = newCycle(false, 1)
			Expect(cycle.Run(context.Background())).To(Succeed())

			Expect(api.submittedMigrations).To(HaveLen(1))
			Expect(api.submittedMigrations[0]).To(Equal(submittedMigration{vmID: 1, targetNodeID: "B"}))
			Expect(nodeA.CPUAllocationRatio()).To(BeNumerically("==", 6.0))
			Expect(l.RecentlyMigrated(1, time.Hour)).To(BeTrue())
		})
	})

	Describe("S2: no viable target", func() {
		It("performs zero migrations when every target is disqualified", func() {
			nodeA := &vmmanager.Node{ID: "A", Name: "A", CPUTotal: 1, CPUUsed: 8, VMCreationAllowed: true}
			nodeB := &vmmanager.Node{ID: "B", Name: "B", CPUTotal: 1, CPUUsed: 0, IsMaintenance: true, VMCreationAllowed: true}
			nodeC := &vmmanager.Node{ID: "C", Name: "C", CPUTotal: 1, CPUUsed: 0, VMCreationAllowed: true}
			vm := &vmmanager.VM{ID: 1, NodeID: "A", CPUCores: 1, MemoryMB: 1024, CanMigrate: true}

			api.clusters = []*vmmanager.Cluster{{ID: "c1", Nodes: []*vmmanager.Node{nodeA, nodeB, nodeC}}}
			api.vmsByCluster = map[string][]*vmmanager.VM{"c1": {vm}}

			cycle = newCycle(false, 1)
			cycle.Analyzer.ExcludeTargetNodes = []string{"C"}

			Expect(cycle.Run(context.Background())).To(Succeed())
			Expect(api.submittedMigrations).To(BeEmpty())
		})
	})

	Describe("S3: qemu incompatibility blocks migration without blacklisting", func() {
		It("submits nothing and leaves the blacklist untouched", func() {
			nodeA := &vmmanager.Node{ID: "A", Name: "A", CPUTotal: 1, CPUUsed: 8, VMCreationAllowed: true, QemuVersion: "7.2.0"}
			nodeB := &vmmanager.Node{ID: "B", Name: "B", CPUTotal: 1, CPUUsed: 0, VMCreationAllowed: true, QemuVersion: "6.1.0"}
			vm := &vmmanager.VM{ID: 1, NodeID: "A", CPUCores: 1, MemoryMB: 1024, CanMigrate: true}

			api.clusters = []*vmmanager.Cluster{{ID: "c1", Nodes: []*vmmanager.Node{nodeA, nodeB}}}
			api.vmsByCluster = map[string][]*vmmanager.VM{"c1": {vm}}

			cycle = newCycle(false, 1)
			Expect(cycle.Run(context.Background())).To(Succeed())

			Expect(api.submittedMigrations).To(BeEmpty())
			Expect(l.Blacklisted(1, time.Hour)).To(BeFalse())
		})
	})

	Describe("S4: recent-migration suppression", func() {
		It("does not reselect a VM within the history window", func() {
			nodeA := &vmmanager.Node{ID: "A", Name: "A", CPUTotal: 1, CPUUsed: 8, VMCreationAllowed: true}
			nodeB := &vmmanager.Node{ID: "B", Name: "B", CPUTotal: 1, CPUUsed: 0, VMCreationAllowed: true}
			vmY := &vmmanager.VM{ID: 1, Name: "y", NodeID: "A", CPUCores: 1, MemoryMB: 1024, CanMigrate: true}

			api.clusters = []*vmmanager.Cluster{{ID: "c1", Nodes: []*vmmanager.Node{nodeA, nodeB}}}
			api.vmsByCluster = map[string][]*vmmanager.VM{"c1": {vmY}}
			l.RecordSuccess(1) // migrated 10 minutes ago in spirit; within default 1h window

			cycle = newCycle(false, 1)
			Expect(cycle.Run(context.Background())).To(Succeed())
			Expect(api.submittedMigrations).To(BeEmpty())
		})
	})

	Describe("S5: migration API failure blacklists the VM", func() {
		It("blacklists the VM and does not increment performed", func() {
			nodeA := &vmmanager.Node{ID: "A", Name: "A", CPUTotal: 1, CPUUsed: 8, VMCreationAllowed: true}
			nodeB := &vmmanager.Node{ID: "B", Name: "B", CPUTotal: 1, CPUUsed: 0, VMCreationAllowed: true}
			vmZ := &vmmanager.VM{ID: 1, Name: "z", NodeID: "A", CPUCores: 1, MemoryMB: 1024, CanMigrate: true}

			api.clusters = []*vmmanager.Cluster{{ID: "c1", Nodes: []*vmmanager.Node{nodeA, nodeB}}}
			api.vmsByCluster = map[string][]*vmmanager.VM{"c1": {vmZ}}
			api.jobOutcome = vmmanager.JobOutcome{Status: vmmanager.JobFailed, Reason: "disk busy"}

			cycle = newCycle(false, 1)
			Expect(cycle.Run(context.Background())).To(Succeed())

			Expect(l.Blacklisted(1, time.Hour)).To(BeTrue())
		})
	})

	Describe("S6: per-cycle migration cap", func() {
		It("performs at most max_migrations_per_cycle migrations", func() {
			overloaded := func(id string) *vmmanager.Node {
				return &vmmanager.Node{ID: id, Name: id, CPUTotal: 1, CPUUsed: 8, VMCreationAllowed: true}
			}
			target := &vmmanager.Node{ID: "T", Name: "T", CPUTotal: 100, CPUUsed: 0, MemoryTotalMB: 100000, VMCreationAllowed: true}

			sourceA, sourceB, sourceC := overloaded("A"), overloaded("B"), overloaded("C")
			vmA := &vmmanager.VM{ID: 1, NodeID: "A", CPUCores: 1, MemoryMB: 1024, CanMigrate: true}
			vmB := &vmmanager.VM{ID: 2, NodeID: "B", CPUCores: 1, MemoryMB: 1024, CanMigrate: true}
			vmC := &vmmanager.VM{ID: 3, NodeID: "C", CPUCores: 1, MemoryMB: 1024, CanMigrate: true}

			api.clusters = []*vmmanager.Cluster{{ID: "c1", Nodes: []*vmmanager.Node{sourceA, sourceB, sourceC, target}}}
			api.vmsByCluster = map[string][]*vmmanager.VM{"c1": {vmA, vmB, vmC}}
			api.jobOutcome = vmmanager.JobOutcome{Status: vmmanager.JobSucceeded}

			cycle = newCycle(false, 2)
			Expect(cycle.Run(context.Background())).To(Succeed())
			Expect(api.submittedMigrations).To(HaveLen(2))
		})
	})

	Describe("dry-run purity (invariant 9)", func() {
		It("never calls submit_migration and never touches the ledger", func() {
			nodeA := &vmmanager.Node{ID: "A", Name: "A", CPUTotal: 1, CPUUsed: 8, VMCreationAllowed: true}
			nodeB := &vmmanager.Node{ID: "B", Name: "B", CPUTotal: 1, CPUUsed: 0, VMCreationAllowed: true}
			vm := &vmmanager.VM{ID: 1, NodeID: "A", CPUCores: 1, MemoryMB: 1024, CanMigrate: true}

			api.clusters = []*vmmanager.Cluster{{ID: "c1", Nodes: []*vmmanager.Node{nodeA, nodeB}}}
			api.vmsByCluster = map[string][]*vmmanager.VM{"c1": {vm}}

			cycle = newCycle(true, 1)
			Expect(cycle.Run(context.Background())).To(Succeed())

			Expect(api.submittedMigrations).To(BeEmpty())
			Expect(l.RecentlyMigrated(1, time.Hour)).To(BeFalse())
			Expect(l.Blacklisted(1, time.Hour)).To(BeFalse())
			// but the projection still applies so later decisions this cycle are consistent
			Expect(nodeA.VMCount).To(Equal(-1))
		})
	})

	Describe("unreachable inventory API", func() {
		It("skips the cycle silently", func() {
			api.reachable = false
			cycle = newCycle(false, 1)
			Expect(cycle.Run(context.Background())).To(Succeed())
			Expect(api.submittedMigrations).To(BeEmpty())
		})
	})
})
