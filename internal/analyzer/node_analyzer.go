// Package analyzer implements the balancer's hard core: node
// classification (C3), post-migration feasibility estimation (C4), and VM
// candidate selection (C5).
package analyzer

import (
	"sort"

	"go.uber.org/zap"

	"github.com/vmbalancer/vmbalancer/internal/vmmanager"
)

// NodeAnalyzer classifies a cluster's nodes into overloaded sources and
// underloaded targets (§4.3).
type NodeAnalyzer struct {
	CPUOverloadThreshold    float64
	MemoryOverloadThreshold float64
	CPUTargetThreshold      float64
	MemoryTargetThreshold   float64

	ExcludeSourceNodes []string
	ExcludeTargetNodes []string

	Log *zap.Logger
}

func (a *NodeAnalyzer) log() *zap.Logger {
	if a.Log == nil {
		return zap.NewNop()
	}
	return a.Log
}

// ClassifySources returns the nodes eligible as migration sources, sorted
// descending by cpu_allocation_ratio + memory_usage_percent/100 so the most
// loaded source is addressed first.
func (a *NodeAnalyzer) ClassifySources(nodes []*vmmanager.Node) []*vmmanager.Node {
	var sources []*vmmanager.Node
	for _, n := range nodes {
		if reason, ok := a.sourceRejectionReason(n); ok {
			a.log().Debug("node rejected as migration source",
				zap.String("node_id", n.ID), zap.String("node_name", n.Name), zap.String("reason", reason))
			continue
		}
		sources = append(sources, n)
	}

	sort.SliceStable(sources, func(i, j int) bool {
		return loadScore(sources[i]) > loadScore(sources[j])
	})
	return sources
}

func loadScore(n *vmmanager.Node) float64 {
	return n.CPUAllocationRatio() + n.MemoryUsagePercent()/100
}

func (a *NodeAnalyzer) sourceRejectionReason(n *vmmanager.Node) (string, bool) {
	if n.MatchesExclusion(a.ExcludeSourceNodes) {
		return "excluded", true
	}
	if n.IsMaintenance {
		return "maintenance", true
	}
	overloaded := n.CPUAllocationRatio() > a.CPUOverloadThreshold || n.MemoryUsagePercent() > a.MemoryOverloadThreshold
	if !overloaded {
		return "not-overloaded", true
	}
	return "", false
}

// ClassifyTargets returns the nodes eligible as migration destinations,
// sorted ascending by (cpu_allocation_ratio, memory_usage_percent) so the
// emptiest node is tried first.
func (a *NodeAnalyzer) ClassifyTargets(nodes []*vmmanager.Node) []*vmmanager.Node {
	var targets []*vmmanager.Node
	for _, n := range nodes {
		if reason, ok := a.targetRejectionReason(n); ok {
			a.log().Debug("node rejected as migration target",
				zap.String("node_id", n.ID), zap.String("node_name", n.Name), zap.String("reason", reason))
			continue
		}
		targets = append(targets, n)
	}

	sort.SliceStable(targets, func(i, j int) bool {
		ri, rj := targets[i].CPUAllocationRatio(), targets[j].CPUAllocationRatio()
		if ri != rj {
			return ri < rj
		}
		return targets[i].MemoryUsagePercent() < targets[j].MemoryUsagePercent()
	})
	return targets
}

// TargetStillViable re-applies the cheaper target-eligibility gate to a
// single node after a projection, in place of re-running
// ResourceEstimator.Accepts against every remaining VM candidate. A target
// pruned here might still accept some other candidate; the per-source loop
// re-checks Accepts independently, so this only risks under-using a target
// within the cycle, never a wrong migration.
func (a *NodeAnalyzer) TargetStillViable(n *vmmanager.Node) bool {
	_, rejected := a.targetRejectionReason(n)
	return !rejected
}

func (a *NodeAnalyzer) targetRejectionReason(n *vmmanager.Node) (string, bool) {
	if n.MatchesExclusion(a.ExcludeTargetNodes) {
		return "excluded", true
	}
	if !n.CanAcceptVMs() {
		switch {
		case n.IsMaintenance:
			return "maintenance", true
		case !n.VMCreationAllowed:
			return "creation-disabled", true
		default:
			return "vm-limit", true
		}
	}
	if n.CPUAllocationRatio() >= a.CPUTargetThreshold {
		return "cpu-too-high", true
	}
	if n.MemoryUsagePercent() >= a.MemoryTargetThreshold {
		return "memory-too-high", true
	}
	return "", false
}
