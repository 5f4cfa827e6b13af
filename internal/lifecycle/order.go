package lifecycle

import (
	"fmt"
	"strings"
)

type mark int

const (
	unvisited mark = iota
	visiting
	visited
)

// topoOrder returns names with every dependency ahead of its dependents.
// Roots are visited in the order given and dependencies in declared order, so the
// result is stable. Unknown dependencies are ignored here and reported at start time.
func topoOrder(names []string, deps map[string][]string) ([]string, error) {
	marks := make(map[string]mark, len(names))
	order := make([]string, 0, len(names))
	var path []string

	var visit func(name string) error
	visit = func(name string) error {
		switch marks[name] {
		case visited:
			return nil
		case visiting:
			cycle := append(cycleFrom(path, name), name)
			return fmt.Errorf("%w: %s", ErrDependencyCycle, strings.Join(cycle, " -> "))
		}

		marks[name] = visiting
		path = append(path, name)
		for _, dep := range deps[name] {
			if _, known := deps[dep]; !known {
				continue
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		marks[name] = visited
		order = append(order, name)
		return nil
	}

	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

func cycleFrom(path []string, name string) []string {
	for i, p := range path {
		if p == name {
			return append([]string(nil), path[i:]...)
		}
	}
	return append([]string(nil), path...)
}
