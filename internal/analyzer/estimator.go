package analyzer

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/vmbalancer/vmbalancer/internal/vmmanager"
)

// ResourceEstimator predicts post-migration allocation on a candidate
// target and enforces QEMU live-migration compatibility (§4.5).
type ResourceEstimator struct {
	CPUOverloadThreshold    float64
	MemoryOverloadThreshold float64
}

// Accepts reports whether migrating vm from source to target is safe. The
// post-migration check intentionally uses the overload thresholds, not the
// target thresholds: target thresholds gate eligibility before a migration
// is considered, overload thresholds gate whether this specific placement
// would push the target back into overload (§4.5).
func (e *ResourceEstimator) Accepts(target *vmmanager.Node, vm *vmmanager.VM, source *vmmanager.Node) bool {
	cpuAfter := 0.0
	if target.CPUTotal != 0 {
		cpuAfter = float64(target.CPUUsed+vm.CPUCores) / float64(target.CPUTotal)
	}
	memAfter := target.MemoryUsagePercent()
	if target.MemoryTotalMB != 0 {
		memAfter += 100 * float64(vm.MemoryMB) / float64(target.MemoryTotalMB)
	}

	cpuOK := cpuAfter < e.CPUOverloadThreshold
	memOK := memAfter < e.MemoryOverloadThreshold
	qemuOK := QemuCompatible(source.QemuVersion, target.QemuVersion)

	return cpuOK && memOK && qemuOK
}

var qemuVersionRe = regexp.MustCompile(`^\d+(\.\d+)*`)

// QemuCompatible reports whether a live migration from a host running
// sourceVersion to one running targetVersion is compatible: the target's
// parsed dotted-integer tuple must be lexicographically >= the source's. An
// empty version on either side is treated as unknown and returns true,
// letting the remote API refuse the migration if it must. A non-empty
// version with no leading dotted integer parses as (0) and is compared like
// any other (§4.5, §9 open question 2: distro suffixes like "-1ubuntu1" are
// always discarded, there is no field distinguishing them).
func QemuCompatible(sourceVersion, targetVersion string) bool {
	if sourceVersion == "" || targetVersion == "" {
		return true
	}
	source := parseQemuVersion(sourceVersion)
	target := parseQemuVersion(targetVersion)
	return compareTuples(target, source) >= 0
}

func parseQemuVersion(version string) []int {
	match := qemuVersionRe.FindString(strings.TrimSpace(version))
	if match == "" {
		return []int{0}
	}
	parts := strings.Split(match, ".")
	tuple := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return []int{0}
		}
		tuple = append(tuple, n)
	}
	return tuple
}

// compareTuples lexicographically compares two dotted-version tuples,
// returning -1, 0, or 1. Shorter tuples are zero-padded.
func compareTuples(a, b []int) int {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		var av, bv int
		if i < len(a) {
			av = a[i]
		}
		if i < len(b) {
			bv = b[i]
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}
