package workspace

import (
	"fmt"
	"sort"
	"strings"
)

// CycleError reports a dependency cycle between units.
type CycleError struct {
	Units []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle between units: %s", strings.Join(e.Units, ", "))
}

// Order returns the given units in dependency order. Units with no ordering
// constraint between them are sorted by name so the result is stable.
func (w *Workspace) Order(names []string) ([]string, error) {
	deps := make(map[string][]string, len(names))
	for _, n := range names {
		unit, ok := w.Units[n]
		if !ok {
			return nil, fmt.Errorf("unknown unit '%s'", n)
		}
		deps[n] = unit.DependsOn
	}
	return topoSort(deps)
}

// Select returns the named units plus everything they transitively depend on.
// An empty selection means every unit.
func (w *Workspace) Select(names []string) ([]string, error) {
	if len(names) == 0 {
		return w.UnitNames(), nil
	}

	selected := make(map[string]bool)
	var visit func(string) error
	visit = func(n string) error {
		if selected[n] {
			return nil
		}
		unit, ok := w.Units[n]
		if !ok {
			return fmt.Errorf("unknown unit '%s' (available: %s)", n, strings.Join(w.UnitNames(), ", "))
		}
		selected[n] = true
		for _, dep := range unit.DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		return nil
	}

	for _, n := range names {
		if err := visit(strings.TrimSpace(n)); err != nil {
			return nil, err
		}
	}

	return sortedKeys(selected), nil
}

// Dependents returns the units that directly depend on name.
func (w *Workspace) Dependents(name string) []string {
	var out []string
	for _, n := range w.UnitNames() {
		for _, dep := range w.Units[n].DependsOn {
			if dep == name {
				out = append(out, n)
				break
			}
		}
	}
	return out
}

func dependencyMap(units map[string]UnitConfig) map[string][]string {
	deps := make(map[string][]string, len(units))
	for n, u := range units {
		deps[n] = u.DependsOn
	}
	return deps
}

// topoSort orders nodes so every node comes after its dependencies.
// Dependencies outside the node set are ignored.
func topoSort(deps map[string][]string) ([]string, error) {
	indegree := make(map[string]int, len(deps))
	dependents := make(map[string][]string, len(deps))
	for n, ds := range deps {
		if _, ok := indegree[n]; !ok {
			indegree[n] = 0
		}
		for _, d := range ds {
			if _, ok := deps[d]; !ok {
				continue
			}
			indegree[n]++
			dependents[d] = append(dependents[d], n)
		}
	}

	var ready []string
	for n, deg := range indegree {
		if deg == 0 {
			ready = append(ready, n)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(deps))
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)

		next := dependents[n]
		sort.Strings(next)
		for _, m := range next {
			indegree[m]--
			if indegree[m] == 0 {
				ready = append(ready, m)
			}
		}
		sort.Strings(ready)
	}

	if len(order) != len(deps) {
		var cyclic []string
		for n, deg := range indegree {
			if deg > 0 {
				cyclic = append(cyclic, n)
			}
		}
		sort.Strings(cyclic)
		return nil, &CycleError{Units: cyclic}
	}

	return order, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
