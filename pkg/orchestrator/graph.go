package orchestrator

import (
	"fmt"
	"sort"

	"github.com/clonebox-dev/clonebox/pkg/types"
)

// BuildLevels groups vms into dependency levels via Kahn's algorithm: level
// 0 holds every VM with no DependsOn edges, level 1 holds VMs that depend
// only on level 0, and so on. Up starts every VM in a level in parallel and
// waits for the level to be healthy before moving to the next; Down walks
// the same levels in reverse. Returns an error if vms contains a dependency
// cycle or an edge to a name not present in vms.
func BuildLevels(vms []types.OrchestratedVM) ([][]types.OrchestratedVM, error) {
	byName := make(map[string]types.OrchestratedVM, len(vms))
	for _, vm := range vms {
		byName[vm.Name] = vm
	}

	indegree := make(map[string]int, len(vms))
	dependents := make(map[string][]string)
	for _, vm := range vms {
		indegree[vm.Name] = 0
	}
	for _, vm := range vms {
		for _, dep := range vm.DependsOn {
			if _, ok := byName[dep]; !ok {
				return nil, fmt.Errorf("vm %q depends on unknown vm %q", vm.Name, dep)
			}
			indegree[vm.Name]++
			dependents[dep] = append(dependents[dep], vm.Name)
		}
	}

	var current []string
	for name, deg := range indegree {
		if deg == 0 {
			current = append(current, name)
		}
	}
	sort.Strings(current)

	var levels [][]types.OrchestratedVM
	remaining := len(vms)
	for len(current) > 0 {
		level := make([]types.OrchestratedVM, 0, len(current))
		var next []string
		for _, name := range current {
			level = append(level, byName[name])
			remaining--
			for _, dependent := range dependents[name] {
				indegree[dependent]--
				if indegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sort.Strings(next)
		levels = append(levels, level)
		current = next
	}

	if remaining > 0 {
		return nil, fmt.Errorf("dependency cycle detected among orchestrated vms")
	}
	return levels, nil
}

// Closure restricts vms to names plus everything they transitively depend
// on, per §4.9: `up` can target a subset of a compose document but must
// still bring up that subset's full dependency closure.
func Closure(vms []types.OrchestratedVM, names []string) ([]types.OrchestratedVM, error) {
	byName := make(map[string]types.OrchestratedVM, len(vms))
	for _, vm := range vms {
		byName[vm.Name] = vm
	}

	seen := make(map[string]bool)
	var visit func(name string) error
	visit = func(name string) error {
		if seen[name] {
			return nil
		}
		vm, ok := byName[name]
		if !ok {
			return fmt.Errorf("unknown vm %q", name)
		}
		seen[name] = true
		for _, dep := range vm.DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		return nil
	}
	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}

	out := make([]types.OrchestratedVM, 0, len(seen))
	for _, vm := range vms {
		if seen[vm.Name] {
			out = append(out, vm)
		}
	}
	return out, nil
}

// reverseLevels returns a new slice with levels in the opposite order, each
// level's own VM order preserved, for Down's strict-reverse walk.
func reverseLevels(levels [][]types.OrchestratedVM) [][]types.OrchestratedVM {
	out := make([][]types.OrchestratedVM, len(levels))
	for i, level := range levels {
		out[len(levels)-1-i] = level
	}
	return out
}
