package analyzer

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/vmbalancer/vmbalancer/internal/ledger"
	"github.com/vmbalancer/vmbalancer/internal/vmmanager"
)

// VMComparator orders migration candidates that have already passed every
// eligibility filter. Pluggable per §9 open question 5: "smallest first"
// minimises wasted migration time on failure, "largest first" evacuates an
// overloaded source fastest.
type VMComparator interface {
	Less(a, b *vmmanager.VM) bool
}

// SmallestFirst orders ascending by the composite size metric (§4.6 step
// 5); it is the default.
type SmallestFirst struct{}

func (SmallestFirst) Less(a, b *vmmanager.VM) bool { return a.SizeMetric() < b.SizeMetric() }

// LargestFirst orders descending by the composite size metric.
type LargestFirst struct{}

func (LargestFirst) Less(a, b *vmmanager.VM) bool { return a.SizeMetric() > b.SizeMetric() }

// MigrationStrategy selects one VM to migrate off a source node (C5, §4.6).
type MigrationStrategy struct {
	Ledger ledger.MigrationLedger

	HistoryWindow   time.Duration
	BlacklistWindow time.Duration

	Comparator VMComparator

	Log *zap.Logger
}

func (s *MigrationStrategy) log() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

func (s *MigrationStrategy) comparator() VMComparator {
	if s.Comparator == nil {
		return SmallestFirst{}
	}
	return s.Comparator
}

// Select implements §4.6's five steps, returning nil when no VM qualifies.
func (s *MigrationStrategy) Select(vms []*vmmanager.VM, source *vmmanager.Node) *vmmanager.VM {
	var onSource []*vmmanager.VM
	for _, v := range vms {
		if v.NodeID == source.ID {
			onSource = append(onSource, v)
		}
	}

	var migratable []*vmmanager.VM
	blockers := make(map[string]int)
	for _, v := range onSource {
		if v.CanMigrate {
			migratable = append(migratable, v)
			continue
		}
		blockers["not-migratable"]++
	}
	if len(migratable) == 0 {
		s.log().Debug("no migratable vm on source", zap.String("node_id", source.ID), zap.Int("vm_count_on_source", len(onSource)))
		return nil
	}

	var notRecent []*vmmanager.VM
	for _, v := range migratable {
		if s.Ledger != nil && s.Ledger.RecentlyMigrated(v.ID, s.HistoryWindow) {
			continue
		}
		notRecent = append(notRecent, v)
	}
	if len(notRecent) == 0 {
		s.log().Debug("all migratable vms on source are within history cooldown", zap.String("node_id", source.ID))
		return nil
	}

	var notBlacklisted []*vmmanager.VM
	for _, v := range notRecent {
		if s.Ledger != nil && s.Ledger.Blacklisted(v.ID, s.BlacklistWindow) {
			continue
		}
		notBlacklisted = append(notBlacklisted, v)
	}
	if len(notBlacklisted) == 0 {
		s.log().Debug("all remaining candidate vms on source are blacklisted", zap.String("node_id", source.ID))
		return nil
	}

	comparator := s.comparator()
	sort.SliceStable(notBlacklisted, func(i, j int) bool {
		return comparator.Less(notBlacklisted[i], notBlacklisted[j])
	})
	return notBlacklisted[0]
}
