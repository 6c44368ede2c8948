package tier

import (
	"fmt"

	"github.com/lightlogic-io/gator/internal/gatorerr"
)

// depEdges names the three dependency lists, unioned, for graph
// purposes.
type depEdges map[string][]string

// buildGraph collects every sibling name referenced by any child's
// on_pass/on_fail/on_done list, validates that every referenced name
// exists among siblings, rejects self-dependencies, and rejects any
// longer cycle via DFS — resolving the §9 Open Question on cycles of
// length > 1 in favour of rejection.
func buildGraph(names []string, siblingNames map[string]bool, edgesByChild map[string]depEdges) error {
	for name, edges := range edgesByChild {
		for _, list := range edges {
			for _, dep := range list {
				if dep == name {
					return gatorerr.Spec("dependency graph", fmt.Errorf("%q depends on itself", name))
				}
				if !siblingNames[dep] {
					return gatorerr.Spec("dependency graph", fmt.Errorf("%q references unknown sibling %q", name, dep))
				}
			}
		}
	}

	union := map[string][]string{}
	for name, edges := range edgesByChild {
		var all []string
		for _, list := range edges {
			all = append(all, list...)
		}
		union[name] = all
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}
	var visit func(n string) error
	visit = func(n string) error {
		color[n] = gray
		for _, dep := range union[n] {
			switch color[dep] {
			case gray:
				return gatorerr.Spec("dependency graph", fmt.Errorf("cycle detected involving %q", dep))
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[n] = black
		return nil
	}
	for _, name := range names {
		if color[name] == white {
			if err := visit(name); err != nil {
				return err
			}
		}
	}
	return nil
}
