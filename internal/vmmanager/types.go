package vmmanager

import "strings"

// Node is a hypervisor host within a cluster (§3). Counters are mutated
// in-place by the orchestrator's post-migration projection, so callers that
// need a stable view should copy rather than hold onto node pointers across
// cycles.
type Node struct {
	ID   string
	Name string

	CPUTotal      int
	CPUUsed       int
	MemoryTotalMB int64
	MemoryUsedMB  int64

	VMCount int
	VMLimit int

	IsMaintenance     bool
	VMCreationAllowed bool

	QemuVersion string
}

// CPUAllocationRatio is vCPUs assigned over physical cores; undefined
// capacity reads as zero rather than dividing by zero.
func (n *Node) CPUAllocationRatio() float64 {
	if n.CPUTotal == 0 {
		return 0
	}
	return float64(n.CPUUsed) / float64(n.CPUTotal)
}

// MemoryUsagePercent is used/total memory expressed as a percentage.
func (n *Node) MemoryUsagePercent() float64 {
	if n.MemoryTotalMB == 0 {
		return 0
	}
	return 100 * float64(n.MemoryUsedMB) / float64(n.MemoryTotalMB)
}

// CanAcceptVMs reports whether the node's own policy flags allow placing a
// new VM, independent of any threshold check. vm_limit <= 0 means unlimited.
func (n *Node) CanAcceptVMs() bool {
	if n.IsMaintenance || !n.VMCreationAllowed {
		return false
	}
	if n.VMLimit > 0 && n.VMCount >= n.VMLimit {
		return false
	}
	return true
}

// matchesExclusion reports whether the node is named in an exclusion set by
// either its id or its human name (§4.3: "by name OR id").
func (n *Node) matchesExclusion(exclusions []string) bool {
	for _, e := range exclusions {
		if e == n.ID || e == n.Name {
			return true
		}
	}
	return false
}

// MatchesExclusion is the exported form used by the analyzer and by tests
// asserting invariant 1.
func (n *Node) MatchesExclusion(exclusions []string) bool {
	return n.matchesExclusion(exclusions)
}

// VM is a migratable workload (§3).
type VM struct {
	ID     int
	Name   string
	NodeID string

	CPUCores int
	MemoryMB int64

	State      string
	CanMigrate bool

	isoMounted    bool
	snapshotCount int
	balancerMode  string
}

// SizeMetric is the composite size used to order migration candidates
// (§4.6 step 5): cpu_cores + memory_mb/1024.
func (v *VM) SizeMetric() float64 {
	return float64(v.CPUCores) + float64(v.MemoryMB)/1024
}

// blockingReasons names every predicate in §4.4 that currently fails for
// this VM, for debug-trace purposes.
func (v *VM) blockingReasons() []string {
	var reasons []string
	if !strings.EqualFold(v.State, "active") {
		reasons = append(reasons, "state!=active")
	}
	if v.isoMounted {
		reasons = append(reasons, "iso_mounted")
	}
	if v.snapshotCount > 0 {
		reasons = append(reasons, "snapshot_present")
	}
	if v.balancerMode == "off" {
		reasons = append(reasons, "balancer_mode=off")
	}
	return reasons
}

// Cluster is a named grouping of nodes (§3).
type Cluster struct {
	ID    string
	Name  string
	Nodes []*Node
}

// ApplyProjection mutates src/tgt counters to reflect a (real or simulated)
// successful migration of vm from src to tgt, per §4.7.
func ApplyProjection(src, tgt *Node, vm *VM) {
	src.VMCount--
	src.CPUUsed -= vm.CPUCores
	src.MemoryUsedMB -= vm.MemoryMB

	tgt.VMCount++
	tgt.CPUUsed += vm.CPUCores
	tgt.MemoryUsedMB += vm.MemoryMB
}
